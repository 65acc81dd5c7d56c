package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"creditline/internal/domain"
)

// Repo reads the local snapshot tables. All writes go through the loader.
type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	return listProjects(ctx, r.DB)
}

// Counts returns the row count of every snapshot table.
func (r Repo) Counts(ctx context.Context) (map[string]int, error) {
	res := map[string]int{}
	for _, table := range snapshotTables {
		var n int
		if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table).Scan(&n); err != nil {
			return nil, fmt.Errorf("count %s: %w", table, err)
		}
		res[table] = n
	}
	return res, nil
}

var snapshotTables = []string{"projects", "persons", "delivery_batches", "time_entries", "tasks", "completion_events", "reviews", "task_durations"}

type scanner interface {
	Scan(dest ...any) error
}

func listProjects(ctx context.Context, q queryer) ([]domain.Project, error) {
	rows, err := q.QueryContext(ctx, `SELECT id,name FROM projects ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.Name); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

const taskColumns = `id,project_id,domain,current_status,delivery_batch_ref,delivery_status,created_at`

func getTask(ctx context.Context, q queryer, id string) (domain.Task, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	if err != nil {
		return domain.Task{}, err
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return domain.Task{}, err
		}
		return domain.Task{}, ErrNotFound
	}
	return scanTask(rows)
}

func scanTask(row scanner) (domain.Task, error) {
	var (
		t                            domain.Task
		status                       string
		batchRef, delivery, createdAt sql.NullString
	)
	if err := row.Scan(&t.ID, &t.ProjectID, &t.Domain, &status, &batchRef, &delivery, &createdAt); err != nil {
		return t, err
	}
	t.CurrentStatus = domain.Status(status)
	t.DeliveryBatchRef = nullString(batchRef)
	t.DeliveryStatus = nullString(delivery)
	ts, err := nullTime(createdAt)
	if err != nil {
		return t, fmt.Errorf("task %s created_at: %w", t.ID, err)
	}
	if ts != nil {
		t.CreatedAt = *ts
	}
	return t, nil
}

func scanEvent(row scanner) (domain.CompletionEvent, error) {
	var (
		e              domain.CompletionEvent
		ts, newStatus  string
		oldStatus, who sql.NullString
	)
	if err := row.Scan(&e.Ordinal, &e.TaskID, &ts, &oldStatus, &newStatus, &who); err != nil {
		return e, err
	}
	parsed, err := domain.ParseTime(ts)
	if err != nil {
		return e, fmt.Errorf("event %d timestamp: %w", e.Ordinal, err)
	}
	e.Timestamp = parsed
	e.OldStatus = domain.Status(oldStatus.String)
	e.NewStatus = domain.Status(newStatus)
	e.Author = nullString(who)
	return e, nil
}

func scanReview(row scanner) (domain.Review, error) {
	var (
		rv                        domain.Review
		score                     sql.NullFloat64
		reviewType, status, subAt string
		action                    sql.NullString
	)
	if err := row.Scan(&rv.ID, &rv.TaskID, &rv.Reviewer, &score, &reviewType, &status, &subAt, &action); err != nil {
		return rv, err
	}
	if score.Valid {
		v := score.Float64
		rv.Score = &v
	}
	rv.Type = domain.ReviewType(reviewType)
	rv.Status = domain.ReviewStatus(status)
	rv.Action = domain.ActionType(action.String)
	ts, err := domain.ParseTime(subAt)
	if err != nil {
		return rv, fmt.Errorf("review %s submitted_at: %w", rv.ID, err)
	}
	rv.SubmittedAt = ts
	return rv, nil
}

func scanPerson(row scanner) (domain.Person, error) {
	var (
		p           domain.Person
		email, lead sql.NullString
	)
	if err := row.Scan(&p.ID, &email, &p.DisplayName, &p.Status, &lead); err != nil {
		return p, err
	}
	p.Email = email.String
	p.TeamLeadRef = nullString(lead)
	return p, nil
}

func nullString(v sql.NullString) *string {
	if !v.Valid || v.String == "" {
		return nil
	}
	s := v.String
	return &s
}

func nullTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	ts, err := domain.ParseTime(v.String)
	if err != nil {
		return nil, err
	}
	return &ts, nil
}
