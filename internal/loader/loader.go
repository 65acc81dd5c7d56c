// Package loader materialises warehouse row sets into the local store.
//
// Every load replaces a scope (the whole table or a partition of it) and
// commits per batch. A failure part way leaves the table partially loaded;
// callers record that as a failed run rather than rolling back.
package loader

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"creditline/internal/warehouse"
)

// DefaultBatchSize applies when Options.BatchSize is not positive.
const DefaultBatchSize = 5000

const deleteChunk = 500

// Scope restricts a load to rows whose Column is in Values. A nil scope
// means the whole table.
type Scope struct {
	Column string
	Values []string
}

type Options struct {
	BatchSize int
	Scope     *Scope
}

func (o Options) batchSize() int {
	if o.BatchSize > 0 {
		return o.BatchSize
	}
	return DefaultBatchSize
}

// Result summarises one successful load.
type Result struct {
	Table   string
	Loaded  int
	Skipped int
	// Cleared counts self references dropped because their target was not
	// part of the snapshot.
	Cleared int
	Pruned  int
}

// LoadFailure is a batch insert failure. Loaded rows stay committed.
type LoadFailure struct {
	Table  string
	Loaded int
	Cause  error
}

func (e *LoadFailure) Error() string {
	return fmt.Sprintf("load %s failed after %d rows: %v", e.Table, e.Loaded, e.Cause)
}

func (e *LoadFailure) Unwrap() error { return e.Cause }

// ValidationSkip describes rows dropped before insert. It is counted and
// logged, never returned as an error.
type ValidationSkip struct {
	Table  string
	Reason string
	Count  int
	Sample []string
}

type Loader struct {
	DB  *sql.DB
	Log zerolog.Logger
}

func New(db *sql.DB, log zerolog.Logger) Loader {
	return Loader{DB: db, Log: log}
}

// LoadSnapshot replaces the scope of t with rows.
func (l Loader) LoadSnapshot(ctx context.Context, t Table, rows []warehouse.Row, opts Options) (Result, error) {
	vals, skipped := l.prepare(t, rows)
	return l.load(ctx, t, vals, opts, skipped)
}

// LoadSelfReferential loads t in two passes: rows first with the self
// reference nulled, then the reference restored, so no row ever points at
// a sibling that is not inserted yet.
func (l Loader) LoadSelfReferential(ctx context.Context, t Table, rows []warehouse.Row, opts Options) (Result, error) {
	if t.SelfRef == "" || t.Key == "" {
		return Result{Table: t.Name}, fmt.Errorf("table %s has no self reference", t.Name)
	}
	vals, skipped := l.prepare(t, rows)
	first := make([]Values, len(vals))
	for i, v := range vals {
		c := make(Values, len(v))
		for k, x := range v {
			c[k] = x
		}
		c[t.SelfRef] = nil
		first[i] = c
	}
	res, err := l.load(ctx, t, first, opts, skipped)
	if err != nil {
		return res, err
	}
	ids, err := l.KeySet(ctx, t)
	if err != nil {
		return res, &LoadFailure{Table: t.Name, Loaded: res.Loaded, Cause: err}
	}
	var (
		updates [][2]string
		missing []string
	)
	for _, v := range vals {
		ref, ok := text(v[t.SelfRef])
		if !ok {
			continue
		}
		id, _ := text(v[t.Key])
		if _, known := ids[ref]; !known || ref == id {
			missing = append(missing, id)
			continue
		}
		updates = append(updates, [2]string{id, ref})
	}
	query := fmt.Sprintf(`UPDATE %s SET %s=? WHERE %s=?`, t.Name, t.SelfRef, t.Key)
	size := opts.batchSize()
	for start := 0; start < len(updates); start += size {
		end := min(start+size, len(updates))
		if err := l.inTx(ctx, func(tx *sql.Tx) error {
			stmt, err := tx.PrepareContext(ctx, query)
			if err != nil {
				return err
			}
			defer stmt.Close()
			for _, u := range updates[start:end] {
				if _, err := stmt.ExecContext(ctx, u[1], u[0]); err != nil {
					return fmt.Errorf("set %s for %s: %w", t.SelfRef, u[0], err)
				}
			}
			return nil
		}); err != nil {
			return res, &LoadFailure{Table: t.Name, Loaded: res.Loaded, Cause: err}
		}
	}
	if len(missing) > 0 {
		res.Cleared = len(missing)
		l.logSkip(ValidationSkip{Table: t.Name, Reason: "unknown " + t.SelfRef, Count: len(missing), Sample: sample(missing)})
	}
	return res, nil
}

// LoadWithFKValidation drops rows whose foreign key is not in parentIDs
// before replacing the scope.
func (l Loader) LoadWithFKValidation(ctx context.Context, t Table, rows []warehouse.Row, parentIDs map[string]struct{}, opts Options) (Result, error) {
	if t.ForeignKey == "" {
		return Result{Table: t.Name}, fmt.Errorf("table %s has no foreign key", t.Name)
	}
	vals, skipped := l.prepare(t, rows)
	kept := vals[:0]
	var orphans []string
	for _, v := range vals {
		ref, _ := text(v[t.ForeignKey])
		if _, ok := parentIDs[ref]; !ok {
			orphans = append(orphans, ref)
			continue
		}
		kept = append(kept, v)
	}
	if len(orphans) > 0 {
		l.logSkip(ValidationSkip{Table: t.Name, Reason: "unknown " + t.ForeignKey, Count: len(orphans), Sample: sample(orphans)})
	}
	return l.load(ctx, t, kept, opts, skipped+len(orphans))
}

// KeySet returns every key currently stored in t.
func (l Loader) KeySet(ctx context.Context, t Table) (map[string]struct{}, error) {
	if t.Key == "" {
		return nil, fmt.Errorf("table %s has no key", t.Name)
	}
	rows, err := l.DB.QueryContext(ctx, fmt.Sprintf(`SELECT %s FROM %s`, t.Key, t.Name))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ids := map[string]struct{}{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = struct{}{}
	}
	return ids, rows.Err()
}

// prepare normalises rows and removes duplicates: the last row wins for the
// key, the first surviving row wins for other unique columns.
func (l Loader) prepare(t Table, rows []warehouse.Row) ([]Values, int) {
	var invalid []string
	vals := make([]Values, 0, len(rows))
	for i, r := range rows {
		v, err := t.Normalize(r)
		if err != nil {
			invalid = append(invalid, fmt.Sprintf("row %d: %v", i, err))
			continue
		}
		vals = append(vals, v)
	}
	skipped := len(invalid)
	if len(invalid) > 0 {
		l.logSkip(ValidationSkip{Table: t.Name, Reason: "invalid row", Count: len(invalid), Sample: sample(invalid)})
	}
	if t.Key != "" {
		seen := make(map[string]struct{}, len(vals))
		deduped := make([]Values, 0, len(vals))
		for i := len(vals) - 1; i >= 0; i-- {
			k, _ := text(vals[i][t.Key])
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			deduped = append(deduped, vals[i])
		}
		for i, j := 0, len(deduped)-1; i < j; i, j = i+1, j-1 {
			deduped[i], deduped[j] = deduped[j], deduped[i]
		}
		skipped += len(vals) - len(deduped)
		vals = deduped
	}
	for _, col := range t.Unique {
		seen := map[string]struct{}{}
		kept := vals[:0]
		var dups []string
		for _, v := range vals {
			u, ok := text(v[col])
			if !ok {
				kept = append(kept, v)
				continue
			}
			if _, dup := seen[u]; dup {
				dups = append(dups, u)
				continue
			}
			seen[u] = struct{}{}
			kept = append(kept, v)
		}
		if len(dups) > 0 {
			l.logSkip(ValidationSkip{Table: t.Name, Reason: "duplicate " + col, Count: len(dups), Sample: sample(dups)})
		}
		skipped += len(dups)
		vals = kept
	}
	return vals, skipped
}

func (l Loader) load(ctx context.Context, t Table, vals []Values, opts Options, skipped int) (Result, error) {
	res := Result{Table: t.Name, Skipped: skipped}
	if !t.Upsert {
		if err := l.clearScope(ctx, t, opts.Scope); err != nil {
			return res, &LoadFailure{Table: t.Name, Cause: fmt.Errorf("clear scope: %w", err)}
		}
	}
	query := insertSQL(t)
	size := opts.batchSize()
	for start := 0; start < len(vals); start += size {
		end := min(start+size, len(vals))
		if err := l.insertBatch(ctx, t, query, vals[start:end]); err != nil {
			return res, &LoadFailure{Table: t.Name, Loaded: res.Loaded, Cause: err}
		}
		res.Loaded += end - start
		l.Log.Debug().Str("table", t.Name).Int("loaded", res.Loaded).Int("total", len(vals)).Msg("batch committed")
	}
	if t.Upsert && opts.Scope == nil {
		pruned, err := l.prune(ctx, t, vals)
		if err != nil {
			return res, &LoadFailure{Table: t.Name, Loaded: res.Loaded, Cause: fmt.Errorf("prune: %w", err)}
		}
		res.Pruned = pruned
	}
	return res, nil
}

func (l Loader) insertBatch(ctx context.Context, t Table, query string, batch []Values) error {
	return l.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return err
		}
		defer stmt.Close()
		args := make([]any, len(t.Columns))
		for _, v := range batch {
			for i, col := range t.Columns {
				args[i] = v[col]
			}
			if _, err := stmt.ExecContext(ctx, args...); err != nil {
				return err
			}
		}
		return nil
	})
}

func (l Loader) clearScope(ctx context.Context, t Table, scope *Scope) error {
	return l.inTx(ctx, func(tx *sql.Tx) error {
		if scope == nil {
			_, err := tx.ExecContext(ctx, `DELETE FROM `+t.Name)
			return err
		}
		return deleteIn(ctx, tx, t.Name, scope.Column, scope.Values)
	})
}

// prune deletes rows of an upsert table that are absent from the snapshot.
func (l Loader) prune(ctx context.Context, t Table, vals []Values) (int, error) {
	existing, err := l.KeySet(ctx, t)
	if err != nil {
		return 0, err
	}
	for _, v := range vals {
		k, _ := text(v[t.Key])
		delete(existing, k)
	}
	if len(existing) == 0 {
		return 0, nil
	}
	stale := make([]string, 0, len(existing))
	for k := range existing {
		stale = append(stale, k)
	}
	err = l.inTx(ctx, func(tx *sql.Tx) error {
		return deleteIn(ctx, tx, t.Name, t.Key, stale)
	})
	return len(stale), err
}

func deleteIn(ctx context.Context, tx *sql.Tx, table, column string, values []string) error {
	for start := 0; start < len(values); start += deleteChunk {
		end := min(start+deleteChunk, len(values))
		chunk := values[start:end]
		args := make([]any, len(chunk))
		for i, v := range chunk {
			args[i] = v
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",")
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE %s IN (%s)`, table, column, placeholders), args...); err != nil {
			return err
		}
	}
	return nil
}

func (l Loader) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func insertSQL(t Table) string {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(t.Columns)), ",")
	q := fmt.Sprintf(`INSERT INTO %s(%s) VALUES (%s)`, t.Name, strings.Join(t.Columns, ","), placeholders)
	if t.Upsert && t.Key != "" {
		var sets []string
		for _, c := range t.Columns {
			if c == t.Key {
				continue
			}
			sets = append(sets, c+"=excluded."+c)
		}
		q += fmt.Sprintf(` ON CONFLICT(%s) DO UPDATE SET %s`, t.Key, strings.Join(sets, ", "))
	}
	return q
}

func (l Loader) logSkip(s ValidationSkip) {
	l.Log.Warn().Str("table", s.Table).Str("reason", s.Reason).Int("count", s.Count).Strs("sample", s.Sample).Msg("rows skipped")
}

func sample(items []string) []string {
	if len(items) > 5 {
		return items[:5]
	}
	return items
}
