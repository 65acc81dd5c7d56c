package warehouse

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// RetryConfig bounds the retry wrapper.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// Retrying retries failed queries with exponential backoff. It is the only
// retry layer in the pipeline.
type Retrying struct {
	Next   Client
	Config RetryConfig
	Log    zerolog.Logger
}

// WithRetry wraps c. attempts <= 1 disables retrying.
func WithRetry(c Client, attempts int, backoff time.Duration, log zerolog.Logger) Client {
	if attempts <= 1 {
		return c
	}
	return &Retrying{
		Next: c,
		Config: RetryConfig{
			MaxAttempts:  attempts,
			InitialDelay: backoff,
			MaxDelay:     backoff * 8,
			Multiplier:   2,
		},
		Log: log,
	}
}

func (r *Retrying) Query(ctx context.Context, q Query) ([]Row, error) {
	delay := r.Config.InitialDelay
	var lastErr error
	for attempt := 1; attempt <= r.Config.MaxAttempts; attempt++ {
		rows, err := r.Next.Query(ctx, q)
		if err == nil {
			return rows, nil
		}
		lastErr = err
		if !shouldRetry(ctx, err) || attempt == r.Config.MaxAttempts {
			break
		}
		r.Log.Warn().Err(err).Str("query", q.Name).Int("attempt", attempt).Dur("delay", delay).Msg("warehouse query failed, retrying")
		select {
		case <-ctx.Done():
			return nil, unavailable(q, ctx.Err())
		case <-time.After(delay):
		}
		delay = time.Duration(float64(delay) * r.Config.Multiplier)
		if r.Config.MaxDelay > 0 && delay > r.Config.MaxDelay {
			delay = r.Config.MaxDelay
		}
	}
	return nil, unavailable(q, lastErr)
}

func shouldRetry(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) && se.StatusCode >= 400 && se.StatusCode < 500 && se.StatusCode != 429 {
		return false
	}
	return true
}
