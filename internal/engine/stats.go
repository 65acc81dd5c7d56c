package engine

import (
	"context"
	"fmt"
	"time"

	"creditline/internal/aggregate"
	"creditline/internal/attribution"
	"creditline/internal/domain"
	"creditline/internal/logging"
	"creditline/internal/repo"
)

// Stats is the answer of a stats accessor, tagged with the run whose
// snapshot produced it.
type Stats struct {
	RunID string                `json:"run_id"`
	Rows  []domain.AggregateRow `json:"rows"`
}

func (e *Engine) TrainerStats(ctx context.Context, f aggregate.Filter) (Stats, error) {
	return e.stats(ctx, domain.LevelTrainer, f)
}

func (e *Engine) TeamLeadStats(ctx context.Context, f aggregate.Filter) (Stats, error) {
	return e.stats(ctx, domain.LevelTeamLead, f)
}

func (e *Engine) ProjectStats(ctx context.Context, f aggregate.Filter) (Stats, error) {
	return e.stats(ctx, domain.LevelProject, f)
}

// stats pins a snapshot, then serves from the cache keyed by the pinned run
// and filter. Concurrent identical requests share one computation.
func (e *Engine) stats(ctx context.Context, level domain.EntityLevel, f aggregate.Filter) (Stats, error) {
	if f.Now.IsZero() {
		f.Now = e.now()
	}
	snap, err := e.Repo.Snapshot(ctx)
	if err != nil {
		return Stats{}, err
	}
	defer snap.Close()

	gen, settled := e.generation.Load(), !e.InProgress()
	key := fmt.Sprintf("%s|%s|%s", snap.RunID, level, f.Key())
	if rows, ok := e.cache.Get(key); ok {
		return Stats{RunID: snap.RunID, Rows: rows}, nil
	}
	v, err, _ := e.flight.Do(key, func() (any, error) {
		ds, err := snap.Dataset(ctx, f.ProjectID)
		if err != nil {
			return nil, err
		}
		agg := aggregate.New(e.Lookup(), logging.Component(e.Log, "aggregate"))
		var rows []domain.AggregateRow
		switch level {
		case domain.LevelTrainer:
			rows = agg.Trainers(ds, f)
		case domain.LevelTeamLead:
			rows = agg.TeamLeads(ds, f)
		default:
			rows, err = agg.Projects(ds, f, func(projectID string, w aggregate.Range) (int, error) {
				return snap.DistinctTasks(ctx, projectID, repo.Window{From: w.From, To: w.To})
			})
			if err != nil {
				return nil, err
			}
		}
		if rows == nil {
			rows = []domain.AggregateRow{}
		}
		// Rows read while a run writes may be partial: serve, never cache.
		if settled && !e.InProgress() && e.generation.Load() == gen {
			e.cache.Add(key, rows)
		}
		return rows, nil
	})
	if err != nil {
		return Stats{}, err
	}
	return Stats{RunID: snap.RunID, Rows: v.([]domain.AggregateRow)}, nil
}

// TaskCredit explains how one task was attributed.
type TaskCredit struct {
	RunID             string                     `json:"run_id"`
	TaskID            string                     `json:"task_id"`
	ProjectID         string                     `json:"project_id"`
	CurrentStatus     domain.Status              `json:"current_status"`
	Completions       []domain.CompletionEvent   `json:"completions"`
	Records           []domain.AttributionRecord `json:"records"`
	Reviews           []ReviewCredit             `json:"reviews"`
	Outcomes          []string                   `json:"outcomes"`
	ReworkTransitions int                        `json:"rework_transitions"`
	Unattributable    bool                       `json:"unattributable"`
	UnattributedUnits int                        `json:"unattributed_units"`
	Flagged           int                        `json:"flagged"`
}

type ReviewCredit struct {
	ReviewID    string            `json:"review_id"`
	PersonID    string            `json:"person_id,omitempty"`
	Type        domain.ReviewType `json:"review_type"`
	Score       *float64          `json:"score,omitempty"`
	SubmittedAt time.Time         `json:"submitted_at"`
}

// TaskAttribution resolves one task against the pinned snapshot.
func (e *Engine) TaskAttribution(ctx context.Context, taskID string) (TaskCredit, error) {
	snap, err := e.Repo.Snapshot(ctx)
	if err != nil {
		return TaskCredit{}, err
	}
	defer snap.Close()
	td, err := snap.Task(ctx, taskID)
	if err != nil {
		return TaskCredit{}, err
	}
	a := attribution.Resolve(attribution.TaskInput{
		Task:    td.Task,
		Events:  td.Events,
		Reviews: td.Reviews,
		Batch:   td.Batch,
	}, attribution.NewPeople(td.Persons))

	tc := TaskCredit{
		RunID:             snap.RunID,
		TaskID:            td.Task.ID,
		ProjectID:         td.Task.ProjectID,
		CurrentStatus:     td.Task.CurrentStatus,
		Completions:       a.Timeline.Completions,
		Records:           a.Records,
		Outcomes:          []string{},
		ReworkTransitions: len(a.Timeline.ReworkEntries),
		Unattributable:    a.Unattributable,
		UnattributedUnits: a.UnattributedUnits,
		Flagged:           a.Flagged,
	}
	if tc.Completions == nil {
		tc.Completions = []domain.CompletionEvent{}
	}
	if tc.Records == nil {
		tc.Records = []domain.AttributionRecord{}
	}
	for _, o := range a.Outcomes {
		tc.Outcomes = append(tc.Outcomes, o.String())
	}
	for _, r := range a.Reviews {
		tc.Reviews = append(tc.Reviews, ReviewCredit{
			ReviewID: r.ReviewID, PersonID: r.PersonKey, Type: r.Type, Score: r.Score, SubmittedAt: r.SubmittedAt,
		})
	}
	if tc.Reviews == nil {
		tc.Reviews = []ReviewCredit{}
	}
	return tc, nil
}
