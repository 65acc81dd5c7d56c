// Package events records sync runs and their append-only per-table log.
package events

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"creditline/internal/domain"
)

var ErrRunNotFound = errors.New("sync run not found")

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

func (w Writer) now() string {
	if w.Now == nil {
		return domain.FormatTime(time.Now())
	}
	return domain.FormatTime(w.Now())
}

// StartRun inserts the run header in the started state.
func (w Writer) StartRun(ctx context.Context, runID string, mode domain.SyncMode) (domain.SyncRun, error) {
	run := domain.SyncRun{ID: runID, Mode: mode, Status: domain.RunStarted, StartedAt: w.now()}
	_, err := w.DB.ExecContext(ctx, `INSERT INTO sync_runs(id,mode,status,started_at) VALUES (?,?,?,?)`,
		run.ID, string(run.Mode), string(run.Status), run.StartedAt)
	if err != nil {
		return run, fmt.Errorf("start run %s: %w", runID, err)
	}
	return run, nil
}

// FinishRun moves the run header to its terminal status. The per-table log
// is never touched.
func (w Writer) FinishRun(ctx context.Context, runID string, status domain.RunStatus, errMsg string) error {
	res, err := w.DB.ExecContext(ctx, `UPDATE sync_runs SET status=?, completed_at=?, error=? WHERE id=?`,
		string(status), w.now(), nullable(errMsg), runID)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", runID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRunNotFound
	}
	return nil
}

// AbandonStale fails runs left in the started state by a previous process.
func (w Writer) AbandonStale(ctx context.Context) (int, error) {
	res, err := w.DB.ExecContext(ctx, `UPDATE sync_runs SET status='failed', completed_at=?, error='interrupted' WHERE status='started'`, w.now())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// TableStarted appends the started row for (run, table) and returns its
// timestamp for the terminal row.
func (w Writer) TableStarted(ctx context.Context, runID, table string) (string, error) {
	startedAt := w.now()
	err := w.append(ctx, domain.RunLogEntry{RunID: runID, TargetTable: table, StartedAt: startedAt, Status: domain.RunStarted})
	return startedAt, err
}

func (w Writer) TableCompleted(ctx context.Context, runID, table, startedAt string, loaded, skipped int) error {
	done := w.now()
	return w.append(ctx, domain.RunLogEntry{
		RunID: runID, TargetTable: table, StartedAt: startedAt, CompletedAt: &done,
		Status: domain.RunCompleted, RecordsLoaded: loaded, RecordsSkipped: skipped,
	})
}

func (w Writer) TableFailed(ctx context.Context, runID, table, startedAt string, loaded, skipped int, cause error) error {
	done := w.now()
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	return w.append(ctx, domain.RunLogEntry{
		RunID: runID, TargetTable: table, StartedAt: startedAt, CompletedAt: &done,
		Status: domain.RunFailed, RecordsLoaded: loaded, RecordsSkipped: skipped, ErrorMessage: msg,
	})
}

func (w Writer) append(ctx context.Context, e domain.RunLogEntry) error {
	_, err := w.DB.ExecContext(ctx, `INSERT INTO sync_run_log(run_id,target_table,status,started_at,completed_at,records_loaded,records_skipped,error_message) VALUES (?,?,?,?,?,?,?,?)`,
		e.RunID, e.TargetTable, string(e.Status), e.StartedAt, e.CompletedAt, e.RecordsLoaded, e.RecordsSkipped, nullable(e.ErrorMessage))
	if err != nil {
		return fmt.Errorf("append run log %s/%s: %w", e.RunID, e.TargetTable, err)
	}
	return nil
}

func (w Writer) Run(ctx context.Context, runID string) (domain.SyncRun, error) {
	return scanRun(w.DB.QueryRowContext(ctx, `SELECT id,mode,status,started_at,completed_at,COALESCE(error,'') FROM sync_runs WHERE id=?`, runID))
}

// LastCompleted returns the most recent completed run.
func (w Writer) LastCompleted(ctx context.Context) (domain.SyncRun, error) {
	return scanRun(w.DB.QueryRowContext(ctx, `SELECT id,mode,status,started_at,completed_at,COALESCE(error,'') FROM sync_runs WHERE status='completed' ORDER BY completed_at DESC, started_at DESC LIMIT 1`))
}

func (w Writer) ListRuns(ctx context.Context, limit int) ([]domain.SyncRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := w.DB.QueryContext(ctx, `SELECT id,mode,status,started_at,completed_at,COALESCE(error,'') FROM sync_runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SyncRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

// Entries returns the full log of a run in insertion order.
func (w Writer) Entries(ctx context.Context, runID string) ([]domain.RunLogEntry, error) {
	rows, err := w.DB.QueryContext(ctx, `SELECT id,run_id,target_table,status,started_at,completed_at,records_loaded,records_skipped,COALESCE(error_message,'') FROM sync_run_log WHERE run_id=? ORDER BY id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RunLogEntry
	for rows.Next() {
		var (
			e           domain.RunLogEntry
			status      string
			completedAt sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.RunID, &e.TargetTable, &status, &e.StartedAt, &completedAt, &e.RecordsLoaded, &e.RecordsSkipped, &e.ErrorMessage); err != nil {
			return nil, err
		}
		e.Status = domain.RunStatus(status)
		if completedAt.Valid {
			e.CompletedAt = &completedAt.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// Status summarises a run with the latest log entry per target table.
func (w Writer) Status(ctx context.Context, runID string) (domain.SyncStatus, error) {
	run, err := w.Run(ctx, runID)
	if err != nil {
		return domain.SyncStatus{}, err
	}
	entries, err := w.Entries(ctx, runID)
	if err != nil {
		return domain.SyncStatus{}, err
	}
	st := domain.SyncStatus{
		RunID:       run.ID,
		Mode:        run.Mode,
		Status:      run.Status,
		StartedAt:   run.StartedAt,
		CompletedAt: run.CompletedAt,
		Error:       run.Error,
		Tables:      []domain.RunLogEntry{},
	}
	latest := map[string]int{}
	for _, e := range entries {
		if i, ok := latest[e.TargetTable]; ok {
			st.Tables[i] = e
			continue
		}
		latest[e.TargetTable] = len(st.Tables)
		st.Tables = append(st.Tables, e)
	}
	for _, e := range st.Tables {
		st.RecordsLoaded += e.RecordsLoaded
	}
	return st, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (domain.SyncRun, error) {
	var (
		run         domain.SyncRun
		mode        string
		status      string
		completedAt sql.NullString
	)
	err := row.Scan(&run.ID, &mode, &status, &run.StartedAt, &completedAt, &run.Error)
	if err == sql.ErrNoRows {
		return run, ErrRunNotFound
	}
	if err != nil {
		return run, err
	}
	run.Mode = domain.SyncMode(mode)
	run.Status = domain.RunStatus(status)
	if completedAt.Valid {
		run.CompletedAt = &completedAt.String
	}
	return run, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
