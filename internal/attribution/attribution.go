// Package attribution assigns every unit of task credit to exactly one
// person.
package attribution

import (
	"sort"
	"time"

	"creditline/internal/domain"
	"creditline/internal/timeline"
)

// TaskInput is everything known about one task in the current snapshot.
type TaskInput struct {
	Task    domain.Task
	Events  []domain.CompletionEvent
	Reviews []domain.Review
	// Batch is the task's delivery batch when the reference resolves.
	Batch *domain.DeliveryBatch
}

// Unit is the credit of one completion event. PersonKey is empty when the
// event has no resolvable author.
type Unit struct {
	PersonKey string
	Sequence  int
	Timestamp time.Time
}

// New reports whether the unit is the task's first completion.
func (u Unit) New() bool { return u.Sequence == 1 }

// ReviewCredit is a published review bound to the author of the latest
// completion at or before its submission.
type ReviewCredit struct {
	ReviewID    string
	PersonKey   string
	Type        domain.ReviewType
	Score       *float64
	SubmittedAt time.Time
}

// Attributed reports whether the review landed on a person.
func (r ReviewCredit) Attributed() bool { return r.PersonKey != "" }

// TaskAttribution is the resolved credit for one task.
type TaskAttribution struct {
	TaskID    string
	ProjectID string
	Timeline  timeline.Timeline
	Records   []domain.AttributionRecord
	Units     []Unit
	Reviews   []ReviewCredit
	Outcomes  []domain.Outcome

	FirstAuthor   string
	LastCompleter string
	// LastCompletion dates approval credit.
	LastCompletion *time.Time
	// DeliveredAt dates delivery credit when the batch records it.
	DeliveredAt *time.Time

	// Unattributable marks a task whose completions carry no resolvable
	// author at all. It contributes raw counts only.
	Unattributable      bool
	UnattributedUnits   int
	UnattributedReviews int
	PublishedReviews    int
	// Flagged counts transitions and review fields with unrecognized values.
	Flagged int
}

// Has reports whether o is among the task outcomes.
func (a TaskAttribution) Has(o domain.Outcome) bool {
	for _, x := range a.Outcomes {
		if x == o {
			return true
		}
	}
	return false
}

// Record returns the attribution record of the person booked under key.
func (a TaskAttribution) Record(key string) (domain.AttributionRecord, bool) {
	for _, r := range a.Records {
		if r.PersonID == key {
			return r, true
		}
	}
	return domain.AttributionRecord{}, false
}

// DeliveryState reports whether a task is delivered or waiting in a batch.
// The batch snapshot wins over the status denormalised onto the task.
func DeliveryState(task domain.Task, batch *domain.DeliveryBatch) (delivered, inQueue bool) {
	status := task.DeliveryStatus
	if batch != nil && batch.Status != "" {
		s := batch.Status
		status = &s
	}
	if domain.IsDelivered(status) {
		return true, false
	}
	hasRef := task.DeliveryBatchRef != nil && *task.DeliveryBatchRef != ""
	return false, hasRef
}

// Resolve computes the attribution of one task.
func Resolve(in TaskInput, people People) TaskAttribution {
	tl := timeline.Build(in.Task.ID, in.Events)
	a := TaskAttribution{
		TaskID:    in.Task.ID,
		ProjectID: in.Task.ProjectID,
		Timeline:  tl,
		Flagged:   tl.Unrecognized,
	}
	delivered, inQueue := DeliveryState(in.Task, in.Batch)
	if delivered && in.Batch != nil && in.Batch.DeliveredAt != nil {
		ts := *in.Batch.DeliveredAt
		a.DeliveredAt = &ts
	}

	records := map[string]*domain.AttributionRecord{}
	record := func(key string) *domain.AttributionRecord {
		r, ok := records[key]
		if !ok {
			r = &domain.AttributionRecord{TaskID: in.Task.ID, PersonID: key}
			records[key] = r
		}
		return r
	}

	resolvable := false
	for _, e := range tl.Completions {
		if _, ok := people.Key(e.Author); ok {
			resolvable = true
			break
		}
	}
	if !resolvable {
		a.Unattributable = tl.Len() > 0
		a.UnattributedUnits = tl.Len()
		for _, e := range tl.Completions {
			a.Units = append(a.Units, Unit{Sequence: e.Sequence, Timestamp: e.Timestamp})
		}
		if delivered || inQueue {
			a.Outcomes = append(a.Outcomes, domain.OutcomeUnattributedDeliverable)
		}
		a.countReviews(in.Reviews, tl, people)
		return a
	}

	credit := func(e domain.CompletionEvent) (string, bool) {
		key, ok := people.Key(e.Author)
		a.Units = append(a.Units, Unit{PersonKey: key, Sequence: e.Sequence, Timestamp: e.Timestamp})
		if !ok {
			a.UnattributedUnits++
		}
		return key, ok
	}
	first, _ := tl.First()
	if key, ok := credit(first); ok {
		r := record(key)
		r.IsFirstAuthor = true
		r.NewUnitCount = 1
		a.FirstAuthor = key
	}
	for _, e := range tl.Reworks() {
		if key, ok := credit(e); ok {
			record(key).ReworkUnitCount++
		}
	}
	last, _ := tl.Last()
	ts := last.Timestamp
	a.LastCompletion = &ts
	lastKey, lastOK := people.Key(last.Author)
	if lastOK {
		a.LastCompleter = lastKey
		record(lastKey).IsLastCompleter = true
	}

	if approvalEligible(in.Task, in.Reviews) && lastOK {
		if a.FirstAuthor == lastKey {
			record(lastKey).Approved = true
			a.Outcomes = append(a.Outcomes, domain.OutcomeApproved)
		} else {
			record(lastKey).ApprovedRework = true
			a.Outcomes = append(a.Outcomes, domain.OutcomeApprovedRework)
		}
	}

	switch {
	case (delivered || inQueue) && !lastOK:
		a.Outcomes = append(a.Outcomes, domain.OutcomeUnattributedDeliverable)
	case delivered:
		record(lastKey).Delivered = true
		a.Outcomes = append(a.Outcomes, domain.OutcomeDelivered)
	case inQueue:
		record(lastKey).InQueue = true
		a.Outcomes = append(a.Outcomes, domain.OutcomeInQueue)
	}

	a.countReviews(in.Reviews, tl, people)
	a.Records = make([]domain.AttributionRecord, 0, len(records))
	for _, r := range records {
		a.Records = append(a.Records, *r)
	}
	sort.Slice(a.Records, func(i, j int) bool { return a.Records[i].PersonID < a.Records[j].PersonID })
	return a
}

// approvalEligible: the task sits in completed, has a published review and
// the latest published review did not send it back to rework.
func approvalEligible(task domain.Task, reviews []domain.Review) bool {
	if st, _ := domain.ParseStatus(string(task.CurrentStatus)); st != domain.StatusCompleted {
		return false
	}
	var latest *domain.Review
	for i := range reviews {
		rv := &reviews[i]
		if !rv.Published() {
			continue
		}
		if latest == nil || !rv.SubmittedAt.Before(latest.SubmittedAt) {
			latest = rv
		}
	}
	if latest == nil {
		return false
	}
	action, _ := domain.ParseActionType(string(latest.Action))
	return action != domain.ActionRework
}

func (a *TaskAttribution) countReviews(reviews []domain.Review, tl timeline.Timeline, people People) {
	for _, rv := range reviews {
		reviewType, okType := domain.ParseReviewType(string(rv.Type))
		if _, okAction := domain.ParseActionType(string(rv.Action)); !okAction {
			a.Flagged++
		}
		if _, okStatus := domain.ParseReviewStatus(string(rv.Status)); !okStatus {
			a.Flagged++
			continue
		}
		if !rv.Published() {
			continue
		}
		a.PublishedReviews++
		if !okType {
			a.Flagged++
			continue
		}
		credit := ReviewCredit{ReviewID: rv.ID, Type: reviewType, Score: rv.Score, SubmittedAt: rv.SubmittedAt}
		if !a.Unattributable {
			if e, ok := tl.LatestAtOrBefore(rv.SubmittedAt); ok {
				credit.PersonKey, _ = people.Key(e.Author)
			}
		}
		if !credit.Attributed() {
			a.UnattributedReviews++
		}
		a.Reviews = append(a.Reviews, credit)
	}
}
