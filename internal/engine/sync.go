package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"creditline/internal/domain"
	"creditline/internal/loader"
	"creditline/internal/warehouse"
)

type loadKind int

const (
	loadSnapshot loadKind = iota
	loadSelfReferential
	loadValidated
)

// target is one table of a sync run.
type target struct {
	table  loader.Table
	kind   loadKind
	parent loader.Table
	deps   []string
	// incremental targets follow the updated-task window; the rest are
	// always reloaded in full.
	incremental bool
}

// stages run in order; targets inside a stage have no dependency on each
// other and load concurrently.
var stages = [][]target{
	{
		{table: loader.Projects},
		{table: loader.Persons, kind: loadSelfReferential},
		{table: loader.DeliveryBatches},
		{table: loader.TimeEntries},
	},
	{
		{table: loader.Tasks, kind: loadValidated, parent: loader.Projects, deps: []string{warehouse.TableProjects}, incremental: true},
	},
	{
		{table: loader.CompletionEvents, kind: loadValidated, parent: loader.Tasks, deps: []string{warehouse.TableTasks}, incremental: true},
		{table: loader.Reviews, kind: loadValidated, parent: loader.Tasks, deps: []string{warehouse.TableTasks}, incremental: true},
		{table: loader.TaskDurations, kind: loadValidated, parent: loader.Tasks, deps: []string{warehouse.TableTasks}},
	},
}

// runState is shared by the targets of one run.
type runState struct {
	id     string
	mode   domain.SyncMode
	since  time.Time
	mu     sync.Mutex
	failed map[string]error
	// taskIDs are the tasks fetched by an incremental run; child tables are
	// replaced for these tasks only.
	taskIDs []string
}

func (s *runState) fail(table string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed[table] = err
}

func (s *runState) failedDep(deps []string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range deps {
		if _, ok := s.failed[d]; ok {
			return d, true
		}
	}
	return "", false
}

// TriggerSync starts a run in the background and returns its id. A second
// trigger while a run executes fails with ErrSyncInProgress.
func (e *Engine) TriggerSync(ctx context.Context, mode domain.SyncMode) (string, error) {
	if !e.acquire() {
		return "", ErrSyncInProgress
	}
	st, err := e.begin(ctx, mode)
	if err != nil {
		e.running.Store(false)
		return "", err
	}
	bg := context.WithoutCancel(ctx)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.running.Store(false)
		e.execute(bg, st)
	}()
	return st.id, nil
}

// RunSync executes a run and returns its final status.
func (e *Engine) RunSync(ctx context.Context, mode domain.SyncMode) (domain.SyncStatus, error) {
	if !e.acquire() {
		return domain.SyncStatus{}, ErrSyncInProgress
	}
	defer e.running.Store(false)
	st, err := e.begin(ctx, mode)
	if err != nil {
		return domain.SyncStatus{}, err
	}
	e.execute(ctx, st)
	return e.Events.Status(context.WithoutCancel(ctx), st.id)
}

func (e *Engine) begin(ctx context.Context, mode domain.SyncMode) (*runState, error) {
	if mode == "" {
		mode = domain.SyncFull
	}
	if _, ok := domain.ParseSyncMode(string(mode)); !ok {
		return nil, fmt.Errorf("invalid sync mode %q", mode)
	}
	st := &runState{id: uuid.NewString(), mode: mode, failed: map[string]error{}}
	if mode == domain.SyncIncremental {
		last, err := e.Events.LastCompleted(ctx)
		switch {
		case errors.Is(err, ErrUnknownRun):
			e.Log.Info().Msg("no completed run yet, incremental sync loads everything")
		case err != nil:
			return nil, err
		default:
			since, err := domain.ParseTime(last.StartedAt)
			if err != nil {
				return nil, fmt.Errorf("run %s started_at: %w", last.ID, err)
			}
			st.since = since
		}
	}
	if _, err := e.Events.StartRun(ctx, st.id, mode); err != nil {
		return nil, err
	}
	return st, nil
}

func (e *Engine) execute(ctx context.Context, st *runState) {
	log := e.Log.With().Str("run_id", st.id).Str("mode", string(st.mode)).Logger()
	log.Info().Msg("sync started")
	started := e.now()

	loadCtx := ctx
	if e.Sync.Timeout > 0 {
		var cancel context.CancelFunc
		loadCtx, cancel = context.WithTimeout(ctx, e.Sync.Timeout)
		defer cancel()
	}
	for _, stage := range stages {
		// Plain group: one failing target must not cancel its siblings.
		var g errgroup.Group
		for _, t := range stage {
			g.Go(func() error {
				e.syncTarget(loadCtx, st, t)
				return nil
			})
		}
		_ = g.Wait()
	}

	recordCtx := context.WithoutCancel(ctx)
	if len(st.failed) > 0 {
		msg := failureMessage(st.failed)
		if err := e.Events.FinishRun(recordCtx, st.id, domain.RunFailed, msg); err != nil {
			log.Error().Err(err).Msg("record run failure")
		}
		log.Warn().Str("error", msg).Dur("elapsed", e.now().Sub(started)).Msg("sync failed, caches kept")
		return
	}
	if err := e.Events.FinishRun(recordCtx, st.id, domain.RunCompleted, ""); err != nil {
		log.Error().Err(err).Msg("record run completion")
		return
	}
	log.Info().Dur("elapsed", e.now().Sub(started)).Msg("sync completed")
	e.invalidate(recordCtx, st.id)
}

// invalidate refreshes everything derived from the previous snapshot.
func (e *Engine) invalidate(ctx context.Context, runID string) {
	if err := e.RefreshLookup(ctx); err != nil {
		e.Log.Error().Err(err).Msg("refresh configuration lookup")
	}
	e.cache.Purge()
	for _, p := range e.purgers {
		p.Purge()
	}
	if len(e.notifiers) == 0 {
		return
	}
	status, err := e.Events.Status(ctx, runID)
	if err != nil {
		e.Log.Error().Err(err).Msg("read run status for notification")
		return
	}
	for _, n := range e.notifiers {
		n.SyncCompleted(ctx, status)
	}
}

func (e *Engine) syncTarget(ctx context.Context, st *runState, t target) {
	name := t.table.Name
	recordCtx := context.WithoutCancel(ctx)
	log := e.Log.With().Str("run_id", st.id).Str("table", name).Logger()
	startedAt, err := e.Events.TableStarted(recordCtx, st.id, name)
	if err != nil {
		log.Error().Err(err).Msg("record table start")
	}

	res, err := e.loadTarget(ctx, st, t)
	if err != nil {
		st.fail(name, err)
		loaded := res.Loaded
		var lf *loader.LoadFailure
		if errors.As(err, &lf) {
			loaded = lf.Loaded
		}
		if rerr := e.Events.TableFailed(recordCtx, st.id, name, startedAt, loaded, res.Skipped, err); rerr != nil {
			log.Error().Err(rerr).Msg("record table failure")
		}
		log.Error().Err(err).Int("loaded", loaded).Msg("table load failed")
		return
	}
	if err := e.Events.TableCompleted(recordCtx, st.id, name, startedAt, res.Loaded, res.Skipped); err != nil {
		st.fail(name, err)
		log.Error().Err(err).Msg("record table completion")
		return
	}
	log.Info().Int("loaded", res.Loaded).Int("skipped", res.Skipped).Int("pruned", res.Pruned).Msg("table loaded")
}

func (e *Engine) loadTarget(ctx context.Context, st *runState, t target) (loader.Result, error) {
	name := t.table.Name
	res := loader.Result{Table: name}
	if dep, failed := st.failedDep(t.deps); failed {
		return res, fmt.Errorf("dependency %s failed", dep)
	}
	var since time.Time
	if t.incremental {
		since = st.since
	}
	q, ok := warehouse.QueryFor(name, since)
	if !ok {
		return res, fmt.Errorf("no query for table %s", name)
	}
	rows, err := e.Warehouse.Query(ctx, q)
	if err != nil {
		return res, err
	}
	opts := loader.Options{BatchSize: e.Sync.BatchSizeFor(name)}
	partial := t.incremental && !since.IsZero()

	switch t.kind {
	case loadSelfReferential:
		return e.Loader.LoadSelfReferential(ctx, t.table, rows, opts)
	case loadValidated:
		parents, err := e.Loader.KeySet(ctx, t.parent)
		if err != nil {
			return res, fmt.Errorf("read %s ids: %w", t.parent.Name, err)
		}
		if partial {
			opts.Scope = e.partition(st, t, rows)
		}
		return e.Loader.LoadWithFKValidation(ctx, t.table, rows, parents, opts)
	default:
		return e.Loader.LoadSnapshot(ctx, t.table, rows, opts)
	}
}

// partition scopes an incremental load. The task load records the fetched
// ids; child tables are replaced for exactly those tasks.
func (e *Engine) partition(st *runState, t target, rows []warehouse.Row) *loader.Scope {
	if t.table.Name == warehouse.TableTasks {
		ids := make([]string, 0, len(rows))
		for _, r := range rows {
			if id, ok := r["id"]; ok && id != nil {
				ids = append(ids, strings.TrimSpace(fmt.Sprint(id)))
			}
		}
		st.mu.Lock()
		st.taskIDs = ids
		st.mu.Unlock()
		return &loader.Scope{Column: "id", Values: ids}
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return &loader.Scope{Column: t.table.ForeignKey, Values: st.taskIDs}
}

func failureMessage(failed map[string]error) string {
	tables := make([]string, 0, len(failed))
	for t := range failed {
		tables = append(tables, t)
	}
	sort.Strings(tables)
	parts := make([]string, 0, len(tables))
	for _, t := range tables {
		parts = append(parts, t+": "+failed[t].Error())
	}
	return strings.Join(parts, "; ")
}
