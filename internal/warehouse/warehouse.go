// Package warehouse adapts the upstream analytical event store. The store
// itself is an external collaborator; this package only fixes the
// query-and-fetch contract and the decorators applied at that boundary.
package warehouse

import (
	"context"
	"errors"
	"fmt"
)

// Row is one flat result row. Keys match local column names by convention.
type Row map[string]any

// Query is a named, parameterised analytical query.
type Query struct {
	Name   string         `json:"name"`
	SQL    string         `json:"query"`
	Params map[string]any `json:"params,omitempty"`
}

// Client executes a query and returns its rows.
type Client interface {
	Query(ctx context.Context, q Query) ([]Row, error)
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, q Query) ([]Row, error)

func (f ClientFunc) Query(ctx context.Context, q Query) ([]Row, error) { return f(ctx, q) }

// SourceUnavailable reports a failed warehouse call. It fails the affected
// target tables only.
type SourceUnavailable struct {
	Query string
	Cause error
}

func (e *SourceUnavailable) Error() string {
	return fmt.Sprintf("warehouse query %s unavailable: %v", e.Query, e.Cause)
}

func (e *SourceUnavailable) Unwrap() error { return e.Cause }

func unavailable(q Query, err error) error {
	if err == nil {
		return nil
	}
	var su *SourceUnavailable
	if errors.As(err, &su) {
		return err
	}
	return &SourceUnavailable{Query: q.Name, Cause: err}
}
