package loader_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"creditline/internal/db"
	"creditline/internal/loader"
	"creditline/internal/migrate"
	"creditline/internal/warehouse"
)

func newLoader(t *testing.T) (loader.Loader, *sql.DB) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return loader.New(conn, zerolog.Nop()), conn
}

func count(t *testing.T, conn *sql.DB, query string, args ...any) int {
	t.Helper()
	var n int
	require.NoError(t, conn.QueryRow(query, args...).Scan(&n))
	return n
}

func seedTasks(t *testing.T, l loader.Loader, ids ...string) {
	t.Helper()
	ctx := context.Background()
	_, err := l.LoadSnapshot(ctx, loader.Projects, []warehouse.Row{{"id": "p1", "name": "Alpha"}}, loader.Options{})
	require.NoError(t, err)
	var rows []warehouse.Row
	for _, id := range ids {
		rows = append(rows, warehouse.Row{"id": id, "project_id": "p1", "current_status": "completed"})
	}
	_, err = l.LoadSnapshot(ctx, loader.Tasks, rows, loader.Options{})
	require.NoError(t, err)
}

func TestLoadSnapshotIsIdempotent(t *testing.T) {
	l, conn := newLoader(t)
	ctx := context.Background()
	rows := []warehouse.Row{
		{"id": "b1", "name": "Batch 1", "status": "delivered", "delivered_at": "2024-03-01T10:00:00Z"},
		{"id": "b2", "name": "Batch 2", "status": "open"},
	}
	for i := 0; i < 2; i++ {
		res, err := l.LoadSnapshot(ctx, loader.DeliveryBatches, rows, loader.Options{BatchSize: 1})
		require.NoError(t, err)
		assert.Equal(t, 2, res.Loaded)
		assert.Equal(t, 0, res.Skipped)
	}
	assert.Equal(t, 2, count(t, conn, `SELECT COUNT(*) FROM delivery_batches`))

	var deliveredAt string
	require.NoError(t, conn.QueryRow(`SELECT delivered_at FROM delivery_batches WHERE id='b1'`).Scan(&deliveredAt))
	assert.Equal(t, "2024-03-01T10:00:00.000000000Z", deliveredAt)
}

func TestLoadSnapshotReplacesRowsMissingFromSource(t *testing.T) {
	l, conn := newLoader(t)
	ctx := context.Background()
	_, err := l.LoadSnapshot(ctx, loader.DeliveryBatches, []warehouse.Row{{"id": "b1"}, {"id": "b2"}}, loader.Options{})
	require.NoError(t, err)
	_, err = l.LoadSnapshot(ctx, loader.DeliveryBatches, []warehouse.Row{{"id": "b2"}}, loader.Options{})
	require.NoError(t, err)
	assert.Equal(t, 0, count(t, conn, `SELECT COUNT(*) FROM delivery_batches WHERE id='b1'`))
	assert.Equal(t, 1, count(t, conn, `SELECT COUNT(*) FROM delivery_batches`))
}

func TestUpsertTablePrunesAndCascades(t *testing.T) {
	l, conn := newLoader(t)
	ctx := context.Background()
	seedTasks(t, l, "t1", "t2")
	parents, err := l.KeySet(ctx, loader.Tasks)
	require.NoError(t, err)
	_, err = l.LoadWithFKValidation(ctx, loader.CompletionEvents, []warehouse.Row{
		{"task_id": "t1", "timestamp": "2024-01-01T00:00:00Z", "old_status": "labeling", "new_status": "completed", "author": "a@x.io"},
		{"task_id": "t2", "timestamp": "2024-01-01T00:00:00Z", "old_status": "labeling", "new_status": "completed", "author": "a@x.io"},
	}, parents, loader.Options{})
	require.NoError(t, err)

	res, err := l.LoadSnapshot(ctx, loader.Tasks, []warehouse.Row{
		{"id": "t1", "project_id": "p1", "current_status": "Delivered"},
	}, loader.Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Pruned)

	var status string
	require.NoError(t, conn.QueryRow(`SELECT current_status FROM tasks WHERE id='t1'`).Scan(&status))
	assert.Equal(t, "delivered", status)
	assert.Equal(t, 1, count(t, conn, `SELECT COUNT(*) FROM completion_events`))
	assert.Equal(t, 1, count(t, conn, `SELECT COUNT(*) FROM completion_events WHERE task_id='t1'`))
}

func TestScopedLoadOnlyReplacesPartition(t *testing.T) {
	l, conn := newLoader(t)
	ctx := context.Background()
	seedTasks(t, l, "t1", "t2")
	parents, err := l.KeySet(ctx, loader.Tasks)
	require.NoError(t, err)
	event := func(task, ts string) warehouse.Row {
		return warehouse.Row{"task_id": task, "timestamp": ts, "old_status": "labeling", "new_status": "completed", "author": "a@x.io"}
	}
	_, err = l.LoadWithFKValidation(ctx, loader.CompletionEvents, []warehouse.Row{
		event("t1", "2024-01-01T00:00:00Z"),
		event("t2", "2024-01-01T00:00:00Z"),
	}, parents, loader.Options{})
	require.NoError(t, err)

	_, err = l.LoadWithFKValidation(ctx, loader.CompletionEvents, []warehouse.Row{
		event("t2", "2024-01-02T00:00:00Z"),
		event("t2", "2024-01-03T00:00:00Z"),
	}, parents, loader.Options{Scope: &loader.Scope{Column: "task_id", Values: []string{"t2"}}})
	require.NoError(t, err)
	assert.Equal(t, 1, count(t, conn, `SELECT COUNT(*) FROM completion_events WHERE task_id='t1'`))
	assert.Equal(t, 2, count(t, conn, `SELECT COUNT(*) FROM completion_events WHERE task_id='t2'`))
}

func TestLoadWithFKValidationSkipsOrphans(t *testing.T) {
	l, conn := newLoader(t)
	ctx := context.Background()
	seedTasks(t, l, "t1")
	parents, err := l.KeySet(ctx, loader.Tasks)
	require.NoError(t, err)
	res, err := l.LoadWithFKValidation(ctx, loader.Reviews, []warehouse.Row{
		{"id": "r1", "task_id": "t1", "score": 4, "review_type": "manual", "status": "published", "submitted_at": "2024-01-02T00:00:00Z"},
		{"id": "r2", "task_id": "ghost", "score": 3, "review_type": "manual", "status": "published", "submitted_at": "2024-01-02T00:00:00Z"},
		{"id": "r3", "task_id": "t1", "review_type": "manual", "status": "published"},
	}, parents, loader.Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Loaded)
	assert.Equal(t, 2, res.Skipped)
	assert.Equal(t, 1, count(t, conn, `SELECT COUNT(*) FROM reviews`))
}

func TestLoadSelfReferential(t *testing.T) {
	l, conn := newLoader(t)
	ctx := context.Background()
	rows := []warehouse.Row{
		// Trainer precedes its lead in source order.
		{"id": "u2", "email": "Trainer@Example.com ", "display_name": "Trainer", "status": "Active", "team_lead_ref": "u1"},
		{"id": "u1", "email": "lead@example.com", "display_name": "Lead", "status": "active"},
		{"id": "u3", "email": "orphan@example.com", "display_name": "Orphan", "status": "active", "team_lead_ref": "gone"},
		{"id": "u4", "email": "trainer@example.com", "display_name": "Dup", "status": "active"},
	}
	res, err := l.LoadSelfReferential(ctx, loader.Persons, rows, loader.Options{BatchSize: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Loaded)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 1, res.Cleared)

	var lead sql.NullString
	require.NoError(t, conn.QueryRow(`SELECT team_lead_ref FROM persons WHERE id='u2'`).Scan(&lead))
	assert.Equal(t, "u1", lead.String)
	require.NoError(t, conn.QueryRow(`SELECT team_lead_ref FROM persons WHERE id='u3'`).Scan(&lead))
	assert.False(t, lead.Valid)

	var email, status string
	require.NoError(t, conn.QueryRow(`SELECT email, status FROM persons WHERE id='u2'`).Scan(&email, &status))
	assert.Equal(t, "trainer@example.com", email)
	assert.Equal(t, "active", status)

	// Reload keeps the hierarchy intact.
	_, err = l.LoadSelfReferential(ctx, loader.Persons, rows, loader.Options{})
	require.NoError(t, err)
	assert.Equal(t, 3, count(t, conn, `SELECT COUNT(*) FROM persons`))
	assert.Equal(t, 1, count(t, conn, `SELECT COUNT(*) FROM persons WHERE team_lead_ref IS NOT NULL`))
}

func TestLoadFailureReportsCommittedRows(t *testing.T) {
	l, conn := newLoader(t)
	ctx := context.Background()
	// Tasks loaded without validation hit the projects foreign key on the
	// second batch.
	_, err := l.LoadSnapshot(ctx, loader.Projects, []warehouse.Row{{"id": "p1"}}, loader.Options{})
	require.NoError(t, err)
	_, err = l.LoadSnapshot(ctx, loader.Tasks, []warehouse.Row{
		{"id": "t1", "project_id": "p1", "current_status": "pending"},
		{"id": "t2", "project_id": "missing", "current_status": "pending"},
	}, loader.Options{BatchSize: 1})
	require.Error(t, err)
	var failure *loader.LoadFailure
	require.True(t, errors.As(err, &failure))
	assert.Equal(t, "tasks", failure.Table)
	assert.Equal(t, 1, failure.Loaded)
	assert.Equal(t, 1, count(t, conn, `SELECT COUNT(*) FROM tasks`))
}

func TestDuplicateKeysKeepLastRow(t *testing.T) {
	l, conn := newLoader(t)
	ctx := context.Background()
	res, err := l.LoadSnapshot(ctx, loader.Projects, []warehouse.Row{
		{"id": "p1", "name": "old"},
		{"id": "p1", "name": "new"},
		{"name": "no id"},
	}, loader.Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Loaded)
	assert.Equal(t, 2, res.Skipped)
	var name string
	require.NoError(t, conn.QueryRow(`SELECT name FROM projects WHERE id='p1'`).Scan(&name))
	assert.Equal(t, "new", name)
}
