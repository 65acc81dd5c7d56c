package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"creditline/internal/domain"
)

// Snapshot is a read transaction pinned to the state left by the last
// completed sync run. Readers see one consistent view even while a new run
// is writing.
type Snapshot struct {
	tx    *sql.Tx
	RunID string
}

// Snapshot opens a read transaction and tags it with the last completed run
// id read inside that transaction. RunID is empty before the first completed
// run.
func (r Repo) Snapshot(ctx context.Context) (*Snapshot, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	var runID sql.NullString
	err = tx.QueryRowContext(ctx, lastCompletedRunSQL).Scan(&runID)
	if err != nil && err != sql.ErrNoRows {
		tx.Rollback()
		return nil, fmt.Errorf("pin snapshot: %w", err)
	}
	return &Snapshot{tx: tx, RunID: runID.String}, nil
}

const lastCompletedRunSQL = `SELECT id FROM sync_runs WHERE status='completed' ORDER BY completed_at DESC, started_at DESC LIMIT 1`

// Close releases the snapshot.
func (s *Snapshot) Close() error {
	return s.tx.Rollback()
}

// Dataset reads every snapshot table. A non-empty projectID restricts tasks,
// their children and delivery batches to that project.
func (s *Snapshot) Dataset(ctx context.Context, projectID string) (domain.Dataset, error) {
	ds := domain.Dataset{
		RunID:   s.RunID,
		Events:  map[string][]domain.CompletionEvent{},
		Reviews: map[string][]domain.Review{},
		Batches: map[string]domain.DeliveryBatch{},
	}
	var err error
	if ds.Projects, err = listProjects(ctx, s.tx); err != nil {
		return ds, fmt.Errorf("read projects: %w", err)
	}
	if projectID != "" {
		kept := ds.Projects[:0]
		for _, p := range ds.Projects {
			if p.ID == projectID {
				kept = append(kept, p)
			}
		}
		ds.Projects = kept
	}
	if ds.Tasks, err = s.tasks(ctx, projectID); err != nil {
		return ds, fmt.Errorf("read tasks: %w", err)
	}
	if err := s.events(ctx, projectID, ds.Events); err != nil {
		return ds, fmt.Errorf("read completion events: %w", err)
	}
	if err := s.reviews(ctx, projectID, ds.Reviews); err != nil {
		return ds, fmt.Errorf("read reviews: %w", err)
	}
	if ds.Persons, err = s.persons(ctx); err != nil {
		return ds, fmt.Errorf("read persons: %w", err)
	}
	if err := s.batches(ctx, ds.Batches); err != nil {
		return ds, fmt.Errorf("read delivery batches: %w", err)
	}
	if ds.TimeEntries, err = s.timeEntries(ctx); err != nil {
		return ds, fmt.Errorf("read time entries: %w", err)
	}
	if ds.Durations, err = s.durations(ctx, projectID); err != nil {
		return ds, fmt.Errorf("read task durations: %w", err)
	}
	return ds, nil
}

// TaskData is everything attribution needs for a single task.
type TaskData struct {
	Task    domain.Task
	Events  []domain.CompletionEvent
	Reviews []domain.Review
	Batch   *domain.DeliveryBatch
	Persons []domain.Person
}

func (s *Snapshot) Task(ctx context.Context, taskID string) (TaskData, error) {
	var td TaskData
	task, err := getTask(ctx, s.tx, taskID)
	if err != nil {
		return td, err
	}
	td.Task = task
	rows, err := s.tx.QueryContext(ctx, `SELECT id,task_id,timestamp,old_status,new_status,author FROM completion_events WHERE task_id=? ORDER BY timestamp, id`, taskID)
	if err != nil {
		return td, err
	}
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			rows.Close()
			return td, err
		}
		td.Events = append(td.Events, e)
	}
	rows.Close()
	rows, err = s.tx.QueryContext(ctx, `SELECT id,task_id,reviewer,score,review_type,status,submitted_at,action_type FROM reviews WHERE task_id=? ORDER BY submitted_at, id`, taskID)
	if err != nil {
		return td, err
	}
	for rows.Next() {
		rv, err := scanReview(rows)
		if err != nil {
			rows.Close()
			return td, err
		}
		td.Reviews = append(td.Reviews, rv)
	}
	rows.Close()
	if task.DeliveryBatchRef != nil {
		batches := map[string]domain.DeliveryBatch{}
		if err := s.batches(ctx, batches); err != nil {
			return td, err
		}
		if b, ok := batches[*task.DeliveryBatchRef]; ok {
			td.Batch = &b
		}
	}
	td.Persons, err = s.persons(ctx)
	return td, err
}

// Window bounds a distinct count. Zero times are unbounded.
type Window struct {
	From time.Time
	To   time.Time
}

// DistinctTasks counts the distinct tasks of a project with at least one
// completion inside w. Tasks touched by several people count once.
func (s *Snapshot) DistinctTasks(ctx context.Context, projectID string, w Window) (int, error) {
	query := `SELECT COUNT(DISTINCT e.task_id) FROM completion_events e JOIN tasks t ON t.id=e.task_id
WHERE t.project_id=? AND e.new_status=? AND COALESCE(e.old_status,'')<>?`
	args := []any{projectID, string(domain.StatusCompleted), string(domain.StatusCompletedApproval)}
	if !w.From.IsZero() {
		query += ` AND e.timestamp>=?`
		args = append(args, domain.FormatTime(w.From))
	}
	if !w.To.IsZero() {
		query += ` AND e.timestamp<?`
		args = append(args, domain.FormatTime(w.To))
	}
	var n int
	err := s.tx.QueryRowContext(ctx, query, args...).Scan(&n)
	return n, err
}

func (s *Snapshot) tasks(ctx context.Context, projectID string) ([]domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	var args []any
	if projectID != "" {
		query += ` WHERE project_id=?`
		args = append(args, projectID)
	}
	rows, err := s.tx.QueryContext(ctx, query+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (s *Snapshot) events(ctx context.Context, projectID string, into map[string][]domain.CompletionEvent) error {
	query := `SELECT e.id,e.task_id,e.timestamp,e.old_status,e.new_status,e.author FROM completion_events e`
	var args []any
	if projectID != "" {
		query += ` JOIN tasks t ON t.id=e.task_id WHERE t.project_id=?`
		args = append(args, projectID)
	}
	rows, err := s.tx.QueryContext(ctx, query+` ORDER BY e.task_id, e.timestamp, e.id`, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return err
		}
		into[e.TaskID] = append(into[e.TaskID], e)
	}
	return rows.Err()
}

func (s *Snapshot) reviews(ctx context.Context, projectID string, into map[string][]domain.Review) error {
	query := `SELECT r.id,r.task_id,r.reviewer,r.score,r.review_type,r.status,r.submitted_at,r.action_type FROM reviews r`
	var args []any
	if projectID != "" {
		query += ` JOIN tasks t ON t.id=r.task_id WHERE t.project_id=?`
		args = append(args, projectID)
	}
	rows, err := s.tx.QueryContext(ctx, query+` ORDER BY r.task_id, r.submitted_at, r.id`, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		rv, err := scanReview(rows)
		if err != nil {
			return err
		}
		into[rv.TaskID] = append(into[rv.TaskID], rv)
	}
	return rows.Err()
}

func (s *Snapshot) persons(ctx context.Context) ([]domain.Person, error) {
	rows, err := s.tx.QueryContext(ctx, `SELECT id,email,display_name,status,team_lead_ref FROM persons ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Person
	for rows.Next() {
		p, err := scanPerson(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (s *Snapshot) batches(ctx context.Context, into map[string]domain.DeliveryBatch) error {
	rows, err := s.tx.QueryContext(ctx, `SELECT id,COALESCE(project_id,''),name,COALESCE(status,''),delivered_at FROM delivery_batches`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			b           domain.DeliveryBatch
			deliveredAt sql.NullString
		)
		if err := rows.Scan(&b.ID, &b.ProjectID, &b.Name, &b.Status, &deliveredAt); err != nil {
			return err
		}
		if b.DeliveredAt, err = nullTime(deliveredAt); err != nil {
			return fmt.Errorf("batch %s delivered_at: %w", b.ID, err)
		}
		into[b.ID] = b
	}
	return rows.Err()
}

func (s *Snapshot) timeEntries(ctx context.Context) ([]domain.TimeEntry, error) {
	rows, err := s.tx.QueryContext(ctx, `SELECT COALESCE(email,''),COALESCE(name,''),COALESCE(project_id,''),entry_date,hours FROM time_entries ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TimeEntry
	for rows.Next() {
		var (
			te   domain.TimeEntry
			date string
		)
		if err := rows.Scan(&te.Email, &te.Name, &te.ProjectID, &date, &te.Hours); err != nil {
			return nil, err
		}
		if te.Date, err = domain.ParseTime(date); err != nil {
			return nil, fmt.Errorf("time entry date: %w", err)
		}
		res = append(res, te)
	}
	return res, rows.Err()
}

func (s *Snapshot) durations(ctx context.Context, projectID string) ([]domain.TaskDuration, error) {
	query := `SELECT d.task_id,COALESCE(d.author,''),d.seconds,d.ended_at FROM task_durations d`
	var args []any
	if projectID != "" {
		query += ` JOIN tasks t ON t.id=d.task_id WHERE t.project_id=?`
		args = append(args, projectID)
	}
	rows, err := s.tx.QueryContext(ctx, query+` ORDER BY d.id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TaskDuration
	for rows.Next() {
		var (
			d       domain.TaskDuration
			endedAt sql.NullString
		)
		if err := rows.Scan(&d.TaskID, &d.Author, &d.Seconds, &endedAt); err != nil {
			return nil, err
		}
		ts, err := nullTime(endedAt)
		if err != nil {
			return nil, fmt.Errorf("duration ended_at: %w", err)
		}
		if ts != nil {
			d.EndedAt = *ts
		}
		res = append(res, d)
	}
	return res, rows.Err()
}
