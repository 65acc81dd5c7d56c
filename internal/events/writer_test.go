package events_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"creditline/internal/db"
	"creditline/internal/domain"
	"creditline/internal/events"
	"creditline/internal/migrate"
)

func newWriter(t *testing.T) events.Writer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return events.Writer{DB: conn, Now: func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}}
}

func TestRunLogLifecycle(t *testing.T) {
	w := newWriter(t)
	ctx := context.Background()
	_, err := w.StartRun(ctx, "run-1", domain.SyncFull)
	require.NoError(t, err)

	started, err := w.TableStarted(ctx, "run-1", "projects")
	require.NoError(t, err)
	require.NoError(t, w.TableCompleted(ctx, "run-1", "projects", started, 3, 1))
	started, err = w.TableStarted(ctx, "run-1", "tasks")
	require.NoError(t, err)
	require.NoError(t, w.TableFailed(ctx, "run-1", "tasks", started, 2, 0, errors.New("boom")))
	require.NoError(t, w.FinishRun(ctx, "run-1", domain.RunFailed, "tasks: boom"))

	entries, err := w.Entries(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, entries, 4)
	assert.Equal(t, domain.RunStarted, entries[0].Status)
	assert.Nil(t, entries[0].CompletedAt)

	st, err := w.Status(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunFailed, st.Status)
	assert.Equal(t, "tasks: boom", st.Error)
	assert.Equal(t, 5, st.RecordsLoaded)
	require.Len(t, st.Tables, 2)
	assert.Equal(t, "projects", st.Tables[0].TargetTable)
	assert.Equal(t, domain.RunCompleted, st.Tables[0].Status)
	assert.Equal(t, "boom", st.Tables[1].ErrorMessage)
}

func TestRunLogIsAppendOnly(t *testing.T) {
	w := newWriter(t)
	ctx := context.Background()
	_, err := w.StartRun(ctx, "run-1", domain.SyncFull)
	require.NoError(t, err)
	_, err = w.TableStarted(ctx, "run-1", "projects")
	require.NoError(t, err)

	_, err = w.DB.ExecContext(ctx, `UPDATE sync_run_log SET status='completed'`)
	require.Error(t, err)
	_, err = w.DB.ExecContext(ctx, `DELETE FROM sync_run_log`)
	require.Error(t, err)
}

func TestLastCompletedAndUnknownRun(t *testing.T) {
	w := newWriter(t)
	ctx := context.Background()
	_, err := w.LastCompleted(ctx)
	require.ErrorIs(t, err, events.ErrRunNotFound)
	_, err = w.Status(ctx, "nope")
	require.ErrorIs(t, err, events.ErrRunNotFound)

	for _, id := range []string{"a", "b", "c"} {
		_, err := w.StartRun(ctx, id, domain.SyncFull)
		require.NoError(t, err)
	}
	require.NoError(t, w.FinishRun(ctx, "a", domain.RunCompleted, ""))
	require.NoError(t, w.FinishRun(ctx, "b", domain.RunCompleted, ""))
	require.NoError(t, w.FinishRun(ctx, "c", domain.RunFailed, "x"))

	last, err := w.LastCompleted(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", last.ID)

	n, err := w.AbandonStale(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
