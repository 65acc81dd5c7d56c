package engine_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"creditline/internal/aggregate"
	"creditline/internal/config"
	"creditline/internal/db"
	"creditline/internal/domain"
	"creditline/internal/engine"
	"creditline/internal/migrate"
	"creditline/internal/warehouse"
)

// fakeWarehouse serves fixed rows per query name.
type fakeWarehouse struct {
	mu      sync.Mutex
	rows    map[string][]warehouse.Row
	fail    map[string]error
	queries []warehouse.Query
	gate    chan struct{}
}

func (f *fakeWarehouse) Query(ctx context.Context, q warehouse.Query) ([]warehouse.Row, error) {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	if err := f.fail[q.Name]; err != nil {
		return nil, &warehouse.SourceUnavailable{Query: q.Name, Cause: err}
	}
	return f.rows[q.Name], nil
}

func (f *fakeWarehouse) set(name string, rows []warehouse.Row) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[name] = rows
}

func (f *fakeWarehouse) failOn(name string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[name] = err
}

func snapshotRows() map[string][]warehouse.Row {
	ev := func(task, ts, old, new, author string) warehouse.Row {
		return warehouse.Row{"task_id": task, "timestamp": ts, "old_status": old, "new_status": new, "author": author}
	}
	return map[string][]warehouse.Row{
		warehouse.TableProjects: {{"id": "p1", "name": "Alpha"}},
		warehouse.TablePersons: {
			{"id": "x", "email": "x@x.io", "display_name": "X", "status": "active", "team_lead_ref": "lead"},
			{"id": "y", "email": "y@x.io", "display_name": "Y", "status": "active", "team_lead_ref": "lead"},
			{"id": "lead", "email": "lead@x.io", "display_name": "Lead", "status": "active"},
		},
		warehouse.TableDeliveryBatches: {
			{"id": "b1", "project_id": "p1", "name": "B1", "status": "delivered", "delivered_at": "2024-02-01T00:00:00Z"},
			{"id": "b2", "project_id": "p1", "name": "B2", "status": "open"},
		},
		warehouse.TableTimeEntries: {
			{"email": "x@x.io", "name": "X", "project_id": "p1", "entry_date": "2024-01-10", "hours": 10},
		},
		warehouse.TableTasks: {
			{"id": "t1", "project_id": "p1", "current_status": "completed", "delivery_batch_ref": "b1", "delivery_status": "delivered"},
			{"id": "t2", "project_id": "p1", "current_status": "completed", "delivery_batch_ref": "b2"},
			{"id": "orphan", "project_id": "nope", "current_status": "completed"},
		},
		warehouse.TableCompletionEvents: {
			ev("t1", "2024-01-10T09:00:00Z", "labeling", "completed", "x@x.io"),
			ev("t1", "2024-01-11T09:00:00Z", "completed", "rework", "lead@x.io"),
			ev("t1", "2024-01-12T09:00:00Z", "rework", "completed", "y@x.io"),
			ev("t2", "2024-01-15T09:00:00Z", "labeling", "completed", "x@x.io"),
			ev("ghost", "2024-01-15T09:00:00Z", "labeling", "completed", "x@x.io"),
		},
		warehouse.TableReviews: {
			{"id": "r1", "task_id": "t1", "score": 5, "review_type": "manual", "status": "published", "submitted_at": "2024-01-13T00:00:00Z"},
			{"id": "r2", "task_id": "t2", "score": 3, "review_type": "manual", "status": "published", "submitted_at": "2024-01-16T00:00:00Z"},
		},
		warehouse.TableTaskDurations: {
			{"task_id": "t1", "author": "x@x.io", "seconds": 7200, "ended_at": "2024-01-10T09:00:00Z"},
		},
	}
}

type countingPurger struct{ n atomic.Int32 }

func (c *countingPurger) Purge() { c.n.Add(1) }

type recordingNotifier struct {
	mu   sync.Mutex
	runs []string
}

func (r *recordingNotifier) SyncCompleted(_ context.Context, st domain.SyncStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, st.RunID)
}

type testEnv struct {
	Engine   *engine.Engine
	WH       *fakeWarehouse
	Purger   *countingPurger
	Notifier *recordingNotifier
	Ctx      context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	wh := &fakeWarehouse{rows: snapshotRows(), fail: map[string]error{}}
	purger := &countingPurger{}
	notifier := &recordingNotifier{}
	eng := engine.New(conn, wh, engine.Options{
		Sync:      config.SyncSettings{BatchSize: 2},
		CacheSize: 16,
		Log:       zerolog.Nop(),
		Purgers:   []engine.Purger{purger},
		Notifiers: []engine.Notifier{notifier},
	})
	return testEnv{Engine: eng, WH: wh, Purger: purger, Notifier: notifier, Ctx: context.Background()}
}

func tableStatus(st domain.SyncStatus) map[string]domain.RunLogEntry {
	out := map[string]domain.RunLogEntry{}
	for _, e := range st.Tables {
		out[e.TargetTable] = e
	}
	return out
}

func TestFullSyncLoadsAndServesStats(t *testing.T) {
	env := newTestEnv(t)
	st, err := env.Engine.RunSync(env.Ctx, domain.SyncFull)
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, st.Status)
	require.Len(t, st.Tables, 8)
	tables := tableStatus(st)
	assert.Equal(t, 2, tables["tasks"].RecordsLoaded)
	assert.Equal(t, 1, tables["tasks"].RecordsSkipped)
	assert.Equal(t, 4, tables["completion_events"].RecordsLoaded)
	assert.Equal(t, 1, tables["completion_events"].RecordsSkipped)

	stats, err := env.Engine.ProjectStats(env.Ctx, aggregate.Filter{})
	require.NoError(t, err)
	assert.Equal(t, st.RunID, stats.RunID)
	require.Len(t, stats.Rows, 1)
	p1 := stats.Rows[0]
	assert.Equal(t, 2, p1.UniqueTasks)
	assert.Equal(t, 3, p1.TotalSubmissions)
	assert.Equal(t, 1, p1.Delivered)
	assert.Equal(t, 1, p1.InQueue)
	assert.Equal(t, 1, p1.ApprovedRework)
	assert.Equal(t, 1, p1.Approved)
	require.NotNil(t, p1.AvgRating)
	assert.InDelta(t, 4.0, *p1.AvgRating, 1e-9)

	trainers, err := env.Engine.TrainerStats(env.Ctx, aggregate.Filter{ProjectID: "p1"})
	require.NoError(t, err)
	require.Len(t, trainers.Rows, 2)
	x := trainers.Rows[0]
	assert.Equal(t, "x", x.EntityID)
	assert.Equal(t, 2, x.NewTasks)
	assert.Equal(t, 10.0, x.LoggedHours)
	assert.InDelta(t, 2.0, x.ObservedHours, 1e-9)

	assert.Equal(t, int32(1), env.Purger.n.Load())
	assert.Equal(t, []string{st.RunID}, env.Notifier.runs)
}

func TestCompletionFromUnknownStatusIsCredited(t *testing.T) {
	env := newTestEnv(t)
	env.WH.set(warehouse.TableCompletionEvents, []warehouse.Row{
		{"task_id": "t1", "timestamp": "2024-01-10T09:00:00Z", "old_status": "in_review", "new_status": "completed", "author": "x@x.io"},
	})
	_, err := env.Engine.RunSync(env.Ctx, domain.SyncFull)
	require.NoError(t, err)

	stats, err := env.Engine.ProjectStats(env.Ctx, aggregate.Filter{})
	require.NoError(t, err)
	require.Len(t, stats.Rows, 1)
	p1 := stats.Rows[0]
	assert.Equal(t, 1, p1.UniqueTasks)
	assert.Equal(t, 1, p1.NewTasks)
	assert.Equal(t, 1, p1.TotalSubmissions)
	require.NotNil(t, p1.AvgRework)
	assert.Zero(t, *p1.AvgRework)
	require.NotNil(t, p1.Unattributed)
	assert.Equal(t, 1, p1.Unattributed.Flagged)

	trainers, err := env.Engine.TrainerStats(env.Ctx, aggregate.Filter{})
	require.NoError(t, err)
	require.Len(t, trainers.Rows, 1)
	assert.Equal(t, "x", trainers.Rows[0].EntityID)
	assert.Equal(t, 1, trainers.Rows[0].NewTasks)
}

func TestReloadIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.RunSync(env.Ctx, domain.SyncFull)
	require.NoError(t, err)
	first, err := env.Engine.TeamLeadStats(env.Ctx, aggregate.Filter{})
	require.NoError(t, err)
	_, err = env.Engine.RunSync(env.Ctx, domain.SyncFull)
	require.NoError(t, err)
	second, err := env.Engine.TeamLeadStats(env.Ctx, aggregate.Filter{})
	require.NoError(t, err)
	assert.NotEqual(t, first.RunID, second.RunID)
	assert.Equal(t, first.Rows, second.Rows)

	var events int
	require.NoError(t, env.Engine.DB.QueryRow(`SELECT COUNT(*) FROM completion_events`).Scan(&events))
	assert.Equal(t, 4, events)
}

func TestTableFailureIsIsolated(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.RunSync(env.Ctx, domain.SyncFull)
	require.NoError(t, err)
	before, err := env.Engine.ProjectStats(env.Ctx, aggregate.Filter{})
	require.NoError(t, err)

	env.WH.failOn(warehouse.TableTasks, errors.New("timeout"))
	env.WH.set(warehouse.TablePersons, []warehouse.Row{{"id": "z", "email": "z@x.io", "display_name": "Z", "status": "active"}})
	st, err := env.Engine.RunSync(env.Ctx, domain.SyncFull)
	require.NoError(t, err)
	assert.Equal(t, domain.RunFailed, st.Status)
	assert.Contains(t, st.Error, "tasks")

	tables := tableStatus(st)
	assert.Equal(t, domain.RunCompleted, tables["persons"].Status)
	assert.Equal(t, domain.RunCompleted, tables["projects"].Status)
	assert.Equal(t, domain.RunFailed, tables["tasks"].Status)
	assert.Contains(t, tables["tasks"].ErrorMessage, "timeout")
	for _, child := range []string{"completion_events", "reviews", "task_durations"} {
		assert.Equal(t, domain.RunFailed, tables[child].Status, child)
		assert.Equal(t, "dependency tasks failed", tables[child].ErrorMessage, child)
	}

	// Caches survive a failed run and stats stay on the last completed run.
	assert.Equal(t, int32(1), env.Purger.n.Load())
	assert.Len(t, env.Notifier.runs, 1)
	after, err := env.Engine.ProjectStats(env.Ctx, aggregate.Filter{})
	require.NoError(t, err)
	assert.Equal(t, before.RunID, after.RunID)
}

func TestConcurrentTriggerIsRejected(t *testing.T) {
	env := newTestEnv(t)
	env.WH.gate = make(chan struct{})
	runID, err := env.Engine.TriggerSync(env.Ctx, domain.SyncFull)
	require.NoError(t, err)
	require.True(t, env.Engine.InProgress())

	_, err = env.Engine.TriggerSync(env.Ctx, domain.SyncIncremental)
	require.ErrorIs(t, err, engine.ErrSyncInProgress)
	_, err = env.Engine.RunSync(env.Ctx, domain.SyncFull)
	require.ErrorIs(t, err, engine.ErrSyncInProgress)

	st, err := env.Engine.GetSyncStatus(env.Ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStarted, st.Status)

	close(env.WH.gate)
	env.Engine.Wait()
	assert.False(t, env.Engine.InProgress())
	st, err = env.Engine.GetSyncStatus(env.Ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, st.Status)
	assert.Positive(t, st.RecordsLoaded)
}

func TestIncrementalSyncReplacesFetchedTasksOnly(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.RunSync(env.Ctx, domain.SyncFull)
	require.NoError(t, err)

	env.WH.set(warehouse.TableTasks, []warehouse.Row{
		{"id": "t2", "project_id": "p1", "current_status": "completed", "delivery_batch_ref": "b1", "delivery_status": "delivered"},
	})
	env.WH.set(warehouse.TableCompletionEvents, []warehouse.Row{
		{"task_id": "t2", "timestamp": "2024-01-15T09:00:00Z", "old_status": "labeling", "new_status": "completed", "author": "x@x.io"},
		{"task_id": "t2", "timestamp": "2024-01-20T09:00:00Z", "old_status": "rework", "new_status": "completed", "author": "y@x.io"},
	})
	env.WH.set(warehouse.TableReviews, nil)
	st, err := env.Engine.RunSync(env.Ctx, domain.SyncIncremental)
	require.NoError(t, err)
	require.Equal(t, domain.RunCompleted, st.Status)

	var tasks, t1Events, t2Events, reviews int
	conn := env.Engine.DB
	require.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM tasks`).Scan(&tasks))
	require.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM completion_events WHERE task_id='t1'`).Scan(&t1Events))
	require.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM completion_events WHERE task_id='t2'`).Scan(&t2Events))
	require.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM reviews`).Scan(&reviews))
	assert.Equal(t, 2, tasks)
	assert.Equal(t, 3, t1Events)
	assert.Equal(t, 2, t2Events)
	assert.Equal(t, 1, reviews)

	var sawSince bool
	for _, q := range env.WH.queries {
		if q.Name == warehouse.TableTasks && q.Params["since"] != nil {
			sawSince = true
		}
	}
	assert.True(t, sawSince)
}

func TestGetSyncStatusUnknownRun(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.GetSyncStatus(env.Ctx, "missing")
	require.ErrorIs(t, err, engine.ErrUnknownRun)
}

func TestTaskAttribution(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.RunSync(env.Ctx, domain.SyncFull)
	require.NoError(t, err)
	tc, err := env.Engine.TaskAttribution(env.Ctx, "t1")
	require.NoError(t, err)
	require.Len(t, tc.Completions, 2)
	assert.Equal(t, 1, tc.Completions[0].Sequence)
	assert.Equal(t, 2, tc.Completions[1].Sequence)
	assert.Equal(t, 1, tc.ReworkTransitions)
	assert.ElementsMatch(t, []string{"approved_rework", "delivered"}, tc.Outcomes)
	require.Len(t, tc.Reviews, 1)
	assert.Equal(t, "y", tc.Reviews[0].PersonID)
}

func TestImportConstantsChangesHours(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.RunSync(env.Ctx, domain.SyncFull)
	require.NoError(t, err)
	before, err := env.Engine.TrainerStats(env.Ctx, aggregate.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 20.0, before.Rows[0].AccountedHours)

	c, err := config.FromYAML([]byte("projects:\n  p1:\n    new_task_aht: 1\n"))
	require.NoError(t, err)
	require.NoError(t, env.Engine.ImportConstants(env.Ctx, c))
	after, err := env.Engine.TrainerStats(env.Ctx, aggregate.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 2.0, after.Rows[0].AccountedHours)
}

func TestScheduleStopsWithContext(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithTimeout(env.Ctx, 150*time.Millisecond)
	defer cancel()
	err := env.Engine.Schedule(ctx, 40*time.Millisecond)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	runs, err := env.Engine.Events.ListRuns(env.Ctx, 10)
	require.NoError(t, err)
	assert.NotEmpty(t, runs)
}

func TestEffectiveConstantsAndTableCounts(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.RunSync(env.Ctx, domain.SyncFull)
	require.NoError(t, err)

	effective, err := env.Engine.EffectiveConstants(env.Ctx)
	require.NoError(t, err)
	require.Len(t, effective, 1)
	assert.Equal(t, "p1", effective[0].ProjectID)
	assert.Equal(t, config.DefaultNewTaskAHT, effective[0].NewTaskAHT)
	assert.ElementsMatch(t, []string{config.KeyNewTaskAHT, config.KeyReworkAHT}, effective[0].Defaulted)

	c, err := config.FromYAML([]byte("projects:\n  p1:\n    rework_aht: 2\ntime_tracking:\n  project_remap:\n    p1: ops\n"))
	require.NoError(t, err)
	require.NoError(t, env.Engine.ImportConstants(env.Ctx, c))
	effective, err = env.Engine.EffectiveConstants(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 2.0, effective[0].ReworkAHT)
	assert.Equal(t, []string{config.KeyNewTaskAHT}, effective[0].Defaulted)
	assert.Equal(t, "ops", effective[0].TimeTrackingProject)

	counts, err := env.Engine.TableCounts(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts["tasks"])
	assert.Equal(t, 3, counts["persons"])
	assert.Equal(t, 4, counts["completion_events"])
	assert.Equal(t, 1, counts["task_durations"])
}

func TestStatsReadDuringSyncAreNotCached(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.RunSync(env.Ctx, domain.SyncFull)
	require.NoError(t, err)
	first, err := env.Engine.TrainerStats(env.Ctx, aggregate.Filter{})
	require.NoError(t, err)
	again, err := env.Engine.TrainerStats(env.Ctx, aggregate.Filter{})
	require.NoError(t, err)
	require.NotEmpty(t, first.Rows)
	assert.Same(t, &first.Rows[0], &again.Rows[0])

	env.WH.gate = make(chan struct{})
	_, err = env.Engine.TriggerSync(env.Ctx, domain.SyncFull)
	require.NoError(t, err)
	require.True(t, env.Engine.InProgress())

	f := aggregate.Filter{ProjectID: "p1"}
	during, err := env.Engine.TrainerStats(env.Ctx, f)
	require.NoError(t, err)
	duringAgain, err := env.Engine.TrainerStats(env.Ctx, f)
	require.NoError(t, err)
	require.NotEmpty(t, during.Rows)
	assert.Equal(t, first.RunID, during.RunID)
	assert.Equal(t, during.Rows, duringAgain.Rows)
	assert.NotSame(t, &during.Rows[0], &duringAgain.Rows[0])

	close(env.WH.gate)
	env.Engine.Wait()
}
