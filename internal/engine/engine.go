package engine

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"creditline/internal/config"
	"creditline/internal/domain"
	"creditline/internal/events"
	"creditline/internal/loader"
	"creditline/internal/logging"
	"creditline/internal/repo"
	"creditline/internal/warehouse"
)

var (
	ErrSyncInProgress = errors.New("sync already in progress")
	ErrUnknownRun     = events.ErrRunNotFound
)

// Notifier is told about every completed sync run.
type Notifier interface {
	SyncCompleted(ctx context.Context, status domain.SyncStatus)
}

// Purger drops cached state derived from an older snapshot.
type Purger interface {
	Purge()
}

type Options struct {
	Sync      config.SyncSettings
	CacheSize int
	CacheTTL  time.Duration
	Log       zerolog.Logger
	Notifiers []Notifier
	// Purgers are purged with the stats cache after a completed run.
	Purgers []Purger
}

// Engine orchestrates sync runs and serves stats from the local store.
type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Loader    loader.Loader
	Warehouse warehouse.Client
	Sync      config.SyncSettings
	Log       zerolog.Logger
	Now       func() time.Time

	notifiers []Notifier
	purgers   []Purger
	running   atomic.Bool
	lookup    atomic.Pointer[config.Lookup]
	cache     *expirable.LRU[string, []domain.AggregateRow]
	flight    singleflight.Group

	// generation advances with every run so stats computed across a run
	// boundary can be told apart.
	generation atomic.Uint64

	// wg tracks runs started by TriggerSync.
	wg sync.WaitGroup
}

func New(db *sql.DB, wh warehouse.Client, opts Options) *Engine {
	size := opts.CacheSize
	if size <= 0 {
		size = 256
	}
	e := &Engine{
		DB:        db,
		Repo:      repo.Repo{DB: db},
		Events:    events.Writer{DB: db},
		Loader:    loader.New(db, logging.Component(opts.Log, "loader")),
		Warehouse: wh,
		Sync:      opts.Sync,
		Log:       opts.Log,
		Now:       time.Now,
		notifiers: opts.Notifiers,
		purgers:   opts.Purgers,
		cache:     expirable.NewLRU[string, []domain.AggregateRow](size, nil, opts.CacheTTL),
	}
	l := config.NewLookup(nil)
	e.lookup.Store(&l)
	return e
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Lookup returns the configuration snapshot of the current sync cycle.
func (e *Engine) Lookup() config.Lookup {
	return *e.lookup.Load()
}

// RefreshLookup rebuilds the configuration snapshot from the store. A store
// without constants yields system defaults.
func (e *Engine) RefreshLookup(ctx context.Context) error {
	c, err := e.Repo.LoadConstants(ctx)
	if errors.Is(err, repo.ErrNotFound) {
		c, err = nil, nil
	}
	if err != nil {
		return err
	}
	l := config.NewLookup(c)
	e.lookup.Store(&l)
	return nil
}

// ImportConstants stores c as the configuration of record and refreshes the
// lookup and stats cache.
func (e *Engine) ImportConstants(ctx context.Context, c *config.Constants) error {
	if err := e.Repo.ReplaceConstants(ctx, c); err != nil {
		return err
	}
	if err := e.RefreshLookup(ctx); err != nil {
		return err
	}
	e.cache.Purge()
	return nil
}

// ProjectConstants is the configuration a loaded project aggregates with.
type ProjectConstants struct {
	ProjectID  string  `json:"project_id"`
	Name       string  `json:"name"`
	NewTaskAHT float64 `json:"new_task_aht"`
	ReworkAHT  float64 `json:"rework_aht"`
	// Defaulted lists keys that fell back to system defaults.
	Defaulted []string `json:"defaulted,omitempty"`
	// TimeTrackingProject is set when logged hours are booked elsewhere.
	TimeTrackingProject string `json:"time_tracking_project,omitempty"`
}

// EffectiveConstants resolves the constants of every loaded project through
// the current lookup.
func (e *Engine) EffectiveConstants(ctx context.Context) ([]ProjectConstants, error) {
	projects, err := e.Repo.ListProjects(ctx)
	if err != nil {
		return nil, err
	}
	l := e.Lookup()
	out := make([]ProjectConstants, 0, len(projects))
	for _, p := range projects {
		pc := ProjectConstants{ProjectID: p.ID, Name: p.Name}
		pc.NewTaskAHT, pc.ReworkAHT, pc.Defaulted = config.AHT(l, p.ID)
		if to := l.TimeTrackingProject(p.ID); to != p.ID {
			pc.TimeTrackingProject = to
		}
		out = append(out, pc)
	}
	return out, nil
}

// TableCounts returns the row count of every local snapshot table.
func (e *Engine) TableCounts(ctx context.Context) (map[string]int, error) {
	return e.Repo.Counts(ctx)
}

// acquire takes the run guard.
func (e *Engine) acquire() bool {
	if !e.running.CompareAndSwap(false, true) {
		return false
	}
	e.generation.Add(1)
	return true
}

// InProgress reports whether a sync run is executing.
func (e *Engine) InProgress() bool {
	return e.running.Load()
}

// Wait blocks until runs started by TriggerSync have finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// GetSyncStatus reports a run and the latest log entry of each table.
func (e *Engine) GetSyncStatus(ctx context.Context, runID string) (domain.SyncStatus, error) {
	return e.Events.Status(ctx, runID)
}

// Schedule runs a full sync every interval until ctx is done. Ticks that
// find a run in progress are skipped.
func (e *Engine) Schedule(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return errors.New("schedule interval must be positive")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			st, err := e.RunSync(ctx, domain.SyncFull)
			switch {
			case errors.Is(err, ErrSyncInProgress):
				e.Log.Debug().Msg("scheduled sync skipped, run in progress")
			case err != nil:
				e.Log.Error().Err(err).Msg("scheduled sync failed to start")
			default:
				e.Log.Info().Str("run_id", st.RunID).Str("status", string(st.Status)).Msg("scheduled sync finished")
			}
		}
	}
}
