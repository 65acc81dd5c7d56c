package attribution

import (
	"strings"

	"creditline/internal/domain"
)

// People indexes the person arena. Team-lead references are resolved by
// index lookup, never by pointer, so cycles in the upstream data cannot
// trap a walk.
type People struct {
	persons []domain.Person
	byID    map[string]int
	byEmail map[string]int
}

func NewPeople(persons []domain.Person) People {
	p := People{
		persons: persons,
		byID:    make(map[string]int, len(persons)),
		byEmail: make(map[string]int, len(persons)),
	}
	for i, person := range persons {
		p.byID[person.ID] = i
		if email := normalize(person.Email); email != "" {
			p.byEmail[email] = i
		}
	}
	return p
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Key resolves an event author to the identity credit is booked under: the
// person id when the author names a known person, otherwise the normalised
// author string. ok is false for a missing author.
func (p People) Key(author *string) (key string, ok bool) {
	if author == nil {
		return "", false
	}
	raw := strings.TrimSpace(*author)
	if raw == "" {
		return "", false
	}
	if i, found := p.byID[raw]; found {
		return p.persons[i].ID, true
	}
	if i, found := p.byEmail[normalize(raw)]; found {
		return p.persons[i].ID, true
	}
	return normalize(raw), true
}

// Get returns the person booked under key.
func (p People) Get(key string) (domain.Person, bool) {
	if i, ok := p.byID[key]; ok {
		return p.persons[i], true
	}
	if i, ok := p.byEmail[key]; ok {
		return p.persons[i], true
	}
	return domain.Person{}, false
}

// Lead returns the team lead of the person booked under key. A reference to
// the person itself or to an unknown id has no lead.
func (p People) Lead(key string) (domain.Person, bool) {
	person, ok := p.Get(key)
	if !ok || person.TeamLeadRef == nil || *person.TeamLeadRef == person.ID {
		return domain.Person{}, false
	}
	i, ok := p.byID[*person.TeamLeadRef]
	if !ok {
		return domain.Person{}, false
	}
	return p.persons[i], true
}
