// Package aggregate rolls task attribution up to trainer, team-lead and
// project rows. It works on an in-memory dataset and never blocks.
package aggregate

import (
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"creditline/internal/attribution"
	"creditline/internal/config"
	"creditline/internal/domain"
)

// DistinctCounter counts the distinct tasks of a project completed inside a
// window, straight from the store.
type DistinctCounter func(projectID string, w Range) (int, error)

type Aggregator struct {
	Lookup config.Lookup
	Log    zerolog.Logger
}

func New(lookup config.Lookup, log zerolog.Logger) Aggregator {
	return Aggregator{Lookup: lookup, Log: log}
}

// Attributions resolves every task of the dataset.
func Attributions(ds domain.Dataset, people attribution.People) []attribution.TaskAttribution {
	res := make([]attribution.TaskAttribution, 0, len(ds.Tasks))
	for _, task := range ds.Tasks {
		in := attribution.TaskInput{Task: task, Events: ds.Events[task.ID], Reviews: ds.Reviews[task.ID]}
		if task.DeliveryBatchRef != nil {
			if b, ok := ds.Batches[*task.DeliveryBatchRef]; ok {
				in.Batch = &b
			}
		}
		res = append(res, attribution.Resolve(in, people))
	}
	return res
}

type prepared struct {
	ds        domain.Dataset
	people    attribution.People
	attrs     []attribution.TaskAttribution
	projectOf map[string]string
	byEmail   map[string][]domain.TimeEntry
	byName    map[string][]domain.TimeEntry
	aht       map[string][2]float64
}

func (a Aggregator) prepare(ds domain.Dataset) *prepared {
	p := &prepared{
		ds:        ds,
		people:    attribution.NewPeople(ds.Persons),
		projectOf: make(map[string]string, len(ds.Tasks)),
		byEmail:   map[string][]domain.TimeEntry{},
		byName:    map[string][]domain.TimeEntry{},
		aht:       map[string][2]float64{},
	}
	p.attrs = Attributions(ds, p.people)
	for _, t := range ds.Tasks {
		p.projectOf[t.ID] = t.ProjectID
	}
	for _, te := range ds.TimeEntries {
		if email := normalize(te.Email); email != "" {
			p.byEmail[email] = append(p.byEmail[email], te)
		}
		if name := normalize(te.Name); name != "" {
			p.byName[name] = append(p.byName[name], te)
		}
	}
	return p
}

// ahtFor resolves the AHT pair of a project once per aggregation and logs
// keys that fell back to system defaults.
func (a Aggregator) ahtFor(p *prepared, projectID string) (float64, float64) {
	if v, ok := p.aht[projectID]; ok {
		return v[0], v[1]
	}
	newAHT, reworkAHT, missing := config.AHT(a.Lookup, projectID)
	if len(missing) > 0 {
		a.Log.Info().Str("project_id", projectID).Strs("keys", missing).Msg("configuration missing, using defaults")
	}
	p.aht[projectID] = [2]float64{newAHT, reworkAHT}
	return newAHT, reworkAHT
}

type cell struct {
	row   domain.AggregateRow
	tasks map[string]struct{}
}

// grid holds one cell per entity key and bucket start.
type grid map[string]map[time.Time]*cell

func (g grid) at(key string, bucket time.Time) *cell {
	buckets, ok := g[key]
	if !ok {
		buckets = map[time.Time]*cell{}
		g[key] = buckets
	}
	c, ok := buckets[bucket]
	if !ok {
		c = &cell{tasks: map[string]struct{}{}}
		buckets[bucket] = c
	}
	return c
}

// trainers accumulates per-person credit. A non-empty projectID limits
// tasks and logged hours to that project.
func (a Aggregator) trainers(p *prepared, f Filter, projectID string) grid {
	g := grid{}
	b := f.bucket()
	for _, at := range p.attrs {
		if projectID != "" && at.ProjectID != projectID {
			continue
		}
		if at.Unattributable {
			continue
		}
		newAHT, reworkAHT := a.ahtFor(p, at.ProjectID)
		for _, u := range at.Units {
			if u.PersonKey == "" || !f.Range.Contains(u.Timestamp) {
				continue
			}
			c := g.at(u.PersonKey, b.start(u.Timestamp))
			c.tasks[at.TaskID] = struct{}{}
			if u.New() {
				c.row.NewTasks++
				c.row.AccountedHours += newAHT
			} else {
				c.row.Rework++
				c.row.AccountedHours += reworkAHT
			}
		}
		for _, r := range at.Reviews {
			if !r.Attributed() || !f.Range.Contains(r.SubmittedAt) {
				continue
			}
			c := g.at(r.PersonKey, b.start(r.SubmittedAt))
			c.row.ReviewCount++
			if r.Score == nil {
				continue
			}
			switch r.Type {
			case domain.ReviewManual:
				c.row.RatingNumerator += *r.Score
				c.row.RatingDenominator++
			case domain.ReviewAuto:
				c.row.AutoRatingNumerator += *r.Score
				c.row.AutoRatingDenominator++
			}
		}
		for _, rec := range at.Records {
			if (rec.Approved || rec.ApprovedRework) && at.LastCompletion != nil && f.Range.Contains(*at.LastCompletion) {
				c := g.at(rec.PersonID, b.start(*at.LastCompletion))
				if rec.Approved {
					c.row.Approved++
				}
				if rec.ApprovedRework {
					c.row.ApprovedRework++
				}
			}
			if rec.Delivered {
				ts := at.DeliveredAt
				if ts == nil {
					ts = at.LastCompletion
				}
				if ts != nil && f.Range.Contains(*ts) {
					g.at(rec.PersonID, b.start(*ts)).row.Delivered++
				}
			}
			if rec.InQueue {
				// Current state, reported under every range.
				g.at(rec.PersonID, f.current()).row.InQueue++
			}
		}
	}

	keys := make([]string, 0, len(g))
	for key := range g {
		keys = append(keys, key)
	}
	credited := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		credited[key] = struct{}{}
	}
	for _, d := range p.ds.Durations {
		if projectID != "" && p.projectOf[d.TaskID] != projectID {
			continue
		}
		key, ok := p.people.Key(&d.Author)
		if !ok {
			continue
		}
		if _, ok := credited[key]; !ok {
			continue
		}
		if d.EndedAt.IsZero() {
			if !f.Range.IsZero() || b != BucketAll {
				continue
			}
		} else if !f.Range.Contains(d.EndedAt) {
			continue
		}
		g.at(key, b.start(d.EndedAt)).row.ObservedHours += d.Seconds / 3600
	}
	for _, key := range keys {
		for _, te := range a.loggedEntries(p, key) {
			if projectID != "" && a.Lookup.TimeTrackingProject(te.ProjectID) != projectID {
				continue
			}
			if !f.Range.Contains(te.Date) {
				continue
			}
			g.at(key, b.start(te.Date)).row.LoggedHours += te.Hours
		}
	}
	return g
}

// loggedEntries matches time entries to a person by email, falling back to
// display name when no entry carries the email.
func (a Aggregator) loggedEntries(p *prepared, key string) []domain.TimeEntry {
	person, ok := p.people.Get(key)
	if !ok {
		return p.byEmail[key]
	}
	if entries := p.byEmail[normalize(person.Email)]; len(entries) > 0 {
		return entries
	}
	return p.byName[normalize(person.DisplayName)]
}

func (a Aggregator) trainerRows(p *prepared, f Filter, g grid, projectID string) map[time.Time][]domain.AggregateRow {
	b := f.bucket()
	out := map[time.Time][]domain.AggregateRow{}
	for key, buckets := range g {
		person, known := p.people.Get(key)
		for start, c := range buckets {
			row := c.row
			row.Level = domain.LevelTrainer
			row.EntityID = key
			row.ProjectID = projectID
			row.TimeBucket = b.label(start)
			row.UniqueTasks = len(c.tasks)
			if known {
				row.Name = person.DisplayName
				row.Email = person.Email
			} else if strings.Contains(key, "@") {
				row.Email = key
			}
			finish(&row)
			out[start] = append(out[start], row)
		}
	}
	for start := range out {
		sortRows(out[start])
	}
	return out
}

func (a Aggregator) leadRows(p *prepared, f Filter, trainers map[time.Time][]domain.AggregateRow, projectID string) map[time.Time][]domain.AggregateRow {
	b := f.bucket()
	out := map[time.Time][]domain.AggregateRow{}
	for start, rows := range trainers {
		leads := map[string]*domain.AggregateRow{}
		var order []string
		for _, tr := range rows {
			leadID := domain.UnmappedID
			lead, ok := p.people.Lead(tr.EntityID)
			if ok {
				leadID = lead.ID
			}
			row, seen := leads[leadID]
			if !seen {
				row = &domain.AggregateRow{
					Level:      domain.LevelTeamLead,
					EntityID:   leadID,
					ProjectID:  projectID,
					TimeBucket: b.label(start),
				}
				if ok {
					row.Name = lead.DisplayName
					row.Email = lead.Email
				}
				leads[leadID] = row
				order = append(order, leadID)
			}
			sum(row, tr)
			row.Children = append(row.Children, tr)
		}
		for _, id := range order {
			row := leads[id]
			finish(row)
			out[start] = append(out[start], *row)
		}
		sortRows(out[start])
	}
	return out
}

// Trainers returns one row per credited person and bucket.
func (a Aggregator) Trainers(ds domain.Dataset, f Filter) []domain.AggregateRow {
	p := a.prepare(ds)
	rows := a.trainerRows(p, f, a.trainers(p, f, f.ProjectID), f.ProjectID)
	return flatten(rows)
}

// TeamLeads returns one row per team lead and bucket with its trainers
// nested. Trainers without a lead land in the unmapped row.
func (a Aggregator) TeamLeads(ds domain.Dataset, f Filter) []domain.AggregateRow {
	p := a.prepare(ds)
	trainers := a.trainerRows(p, f, a.trainers(p, f, f.ProjectID), f.ProjectID)
	return flatten(a.leadRows(p, f, trainers, f.ProjectID))
}

// Projects returns one row per project and bucket with leads and trainers
// nested. unique_tasks comes from distinct, never from trainer sums.
func (a Aggregator) Projects(ds domain.Dataset, f Filter, distinct DistinctCounter) ([]domain.AggregateRow, error) {
	p := a.prepare(ds)
	b := f.bucket()
	var res []domain.AggregateRow
	for _, project := range ds.Projects {
		if f.ProjectID != "" && project.ID != f.ProjectID {
			continue
		}
		trainers := a.trainerRows(p, f, a.trainers(p, f, project.ID), project.ID)
		leads := a.leadRows(p, f, trainers, project.ID)
		rows := map[time.Time]*domain.AggregateRow{}
		row := func(start time.Time) *domain.AggregateRow {
			r, ok := rows[start]
			if !ok {
				r = &domain.AggregateRow{
					Level:        domain.LevelProject,
					EntityID:     project.ID,
					Name:         project.Name,
					ProjectID:    project.ID,
					TimeBucket:   b.label(start),
					Unattributed: &domain.Unattributed{},
				}
				rows[start] = r
			}
			return r
		}
		if b == BucketAll {
			row(time.Time{})
		}
		for start, ls := range leads {
			r := row(start)
			for _, l := range ls {
				sum(r, l)
			}
			r.Children = ls
		}
		a.unattributed(p, f, project.ID, row)

		starts := make([]time.Time, 0, len(rows))
		for start := range rows {
			starts = append(starts, start)
		}
		sort.Slice(starts, func(i, j int) bool { return starts[i].Before(starts[j]) })
		for _, start := range starts {
			r := rows[start]
			n, err := distinct(project.ID, f.window(start))
			if err != nil {
				return nil, err
			}
			r.UniqueTasks = n
			finish(r)
			if r.Unattributed.Empty() {
				r.Unattributed = nil
			}
			res = append(res, *r)
		}
	}
	return res, nil
}

// unattributed books project-level data-quality counters and rework
// transitions, which belong to no person.
func (a Aggregator) unattributed(p *prepared, f Filter, projectID string, row func(time.Time) *domain.AggregateRow) {
	b := f.bucket()
	for _, at := range p.attrs {
		if at.ProjectID != projectID {
			continue
		}
		if at.Unattributable {
			if last, ok := at.Timeline.Last(); ok && f.Range.Contains(last.Timestamp) {
				row(b.start(last.Timestamp)).Unattributed.Tasks++
			}
		}
		for _, u := range at.Units {
			if u.PersonKey == "" && f.Range.Contains(u.Timestamp) {
				row(b.start(u.Timestamp)).Unattributed.Units++
			}
		}
		for _, r := range at.Reviews {
			if !r.Attributed() && f.Range.Contains(r.SubmittedAt) {
				row(b.start(r.SubmittedAt)).Unattributed.Reviews++
			}
		}
		if at.Has(domain.OutcomeUnattributedDeliverable) {
			row(f.current()).Unattributed.Deliverables++
		}
		if at.Flagged > 0 {
			row(f.current()).Unattributed.Flagged += at.Flagged
		}
		for _, e := range at.Timeline.ReworkEntries {
			if f.Range.Contains(e.Timestamp) {
				row(b.start(e.Timestamp)).ReworkTransitions++
			}
		}
	}
}

// sum adds the count metrics and rating sums of src to dst. Ratios are
// recomputed by finish, never averaged.
func sum(dst *domain.AggregateRow, src domain.AggregateRow) {
	dst.UniqueTasks += src.UniqueTasks
	dst.NewTasks += src.NewTasks
	dst.Rework += src.Rework
	dst.RatingNumerator += src.RatingNumerator
	dst.RatingDenominator += src.RatingDenominator
	dst.AutoRatingNumerator += src.AutoRatingNumerator
	dst.AutoRatingDenominator += src.AutoRatingDenominator
	dst.ReviewCount += src.ReviewCount
	dst.AccountedHours += src.AccountedHours
	dst.LoggedHours += src.LoggedHours
	dst.ObservedHours += src.ObservedHours
	dst.Approved += src.Approved
	dst.ApprovedRework += src.ApprovedRework
	dst.Delivered += src.Delivered
	dst.InQueue += src.InQueue
}

// finish derives totals and ratios from the summed counts. Undefined ratios
// stay nil.
func finish(r *domain.AggregateRow) {
	r.TotalSubmissions = r.NewTasks + r.Rework
	r.AvgRework, r.ReworkPercent, r.AvgRating, r.AvgAutoRating, r.MergedExpectedAHT, r.Efficiency = nil, nil, nil, nil, nil, nil
	if r.UniqueTasks > 0 {
		r.AvgRework = ratio(float64(r.TotalSubmissions)/float64(r.UniqueTasks) - 1)
	}
	if r.TotalSubmissions > 0 {
		r.ReworkPercent = ratio(float64(r.Rework) / float64(r.TotalSubmissions) * 100)
		r.MergedExpectedAHT = ratio(r.AccountedHours / float64(r.TotalSubmissions))
	}
	if r.RatingDenominator > 0 {
		r.AvgRating = ratio(r.RatingNumerator / float64(r.RatingDenominator))
	}
	if r.AutoRatingDenominator > 0 {
		r.AvgAutoRating = ratio(r.AutoRatingNumerator / float64(r.AutoRatingDenominator))
	}
	if r.LoggedHours > 0 {
		r.Efficiency = ratio(r.AccountedHours / r.LoggedHours * 100)
	}
}

func ratio(v float64) *float64 { return &v }

// sortRows orders rows by entity id with the unmapped bucket last.
func sortRows(rows []domain.AggregateRow) {
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if (a.EntityID == domain.UnmappedID) != (b.EntityID == domain.UnmappedID) {
			return b.EntityID == domain.UnmappedID
		}
		return a.EntityID < b.EntityID
	})
}

// flatten orders bucketed rows by entity then bucket.
func flatten(rows map[time.Time][]domain.AggregateRow) []domain.AggregateRow {
	starts := make([]time.Time, 0, len(rows))
	for start := range rows {
		starts = append(starts, start)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i].Before(starts[j]) })
	var out []domain.AggregateRow
	for _, start := range starts {
		out = append(out, rows[start]...)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.EntityID != b.EntityID {
			if (a.EntityID == domain.UnmappedID) != (b.EntityID == domain.UnmappedID) {
				return b.EntityID == domain.UnmappedID
			}
			return a.EntityID < b.EntityID
		}
		return false
	})
	return out
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
