package aggregate

import (
	"fmt"
	"strings"
	"time"

	"creditline/internal/domain"
)

// Bucket splits a reporting range into time_bucket rows.
type Bucket string

const (
	BucketAll   Bucket = "all"
	BucketDay   Bucket = "day"
	BucketWeek  Bucket = "week"
	BucketMonth Bucket = "month"
)

func ParseBucket(s string) (Bucket, error) {
	switch b := Bucket(strings.ToLower(strings.TrimSpace(s))); b {
	case "":
		return BucketAll, nil
	case BucketAll, BucketDay, BucketWeek, BucketMonth:
		return b, nil
	default:
		return b, fmt.Errorf("invalid bucket %q (expected all|day|week|month)", s)
	}
}

// start returns the first instant of the bucket holding ts. Every instant
// maps to the zero time for BucketAll.
func (b Bucket) start(ts time.Time) time.Time {
	ts = ts.UTC()
	day := time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, time.UTC)
	switch b {
	case BucketDay:
		return day
	case BucketWeek:
		return day.AddDate(0, 0, -((int(day.Weekday()) + 6) % 7))
	case BucketMonth:
		return time.Date(ts.Year(), ts.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return time.Time{}
	}
}

func (b Bucket) end(start time.Time) time.Time {
	switch b {
	case BucketDay:
		return start.AddDate(0, 0, 1)
	case BucketWeek:
		return start.AddDate(0, 0, 7)
	case BucketMonth:
		return start.AddDate(0, 1, 0)
	default:
		return time.Time{}
	}
}

func (b Bucket) label(start time.Time) string {
	switch b {
	case BucketDay:
		return start.Format("2006-01-02")
	case BucketWeek:
		y, w := start.ISOWeek()
		return fmt.Sprintf("%04d-W%02d", y, w)
	case BucketMonth:
		return start.Format("2006-01")
	default:
		return domain.AllTime
	}
}

// Range is a half-open reporting interval. Zero bounds are open.
type Range struct {
	From time.Time
	To   time.Time
}

func (r Range) IsZero() bool { return r.From.IsZero() && r.To.IsZero() }

func (r Range) Contains(ts time.Time) bool {
	if !r.From.IsZero() && ts.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && !ts.Before(r.To) {
		return false
	}
	return true
}

func (r Range) intersect(o Range) Range {
	out := r
	if !o.From.IsZero() && (out.From.IsZero() || o.From.After(out.From)) {
		out.From = o.From
	}
	if !o.To.IsZero() && (out.To.IsZero() || o.To.Before(out.To)) {
		out.To = o.To
	}
	return out
}

// Filter scopes one aggregation.
type Filter struct {
	ProjectID string
	Range     Range
	Bucket    Bucket
	// Now places current-state counts, such as in-queue tasks, when rows
	// are bucketed. Zero means the wall clock.
	Now time.Time
}

func (f Filter) bucket() Bucket {
	if f.Bucket == "" {
		return BucketAll
	}
	return f.Bucket
}

// current is the bucket that holds counts describing the present.
func (f Filter) current() time.Time {
	now := f.Now
	if now.IsZero() {
		now = time.Now()
	}
	return f.bucket().start(now)
}

// window is the part of the filter range covered by the bucket at start.
func (f Filter) window(start time.Time) Range {
	b := f.bucket()
	if b == BucketAll {
		return f.Range
	}
	return f.Range.intersect(Range{From: start, To: b.end(start)})
}

// Key identifies a filter for caching.
func (f Filter) Key() string {
	format := func(t time.Time) string {
		if t.IsZero() {
			return "-"
		}
		return domain.FormatTime(t)
	}
	key := fmt.Sprintf("%s|%s|%s|%s", f.ProjectID, format(f.Range.From), format(f.Range.To), f.bucket())
	if f.bucket() != BucketAll {
		key += "|" + f.bucket().label(f.current())
	}
	return key
}

// ParseFilter builds a filter from textual bounds. Bounds accept RFC3339 or a
// plain date; a plain date as the upper bound includes that whole day.
func ParseFilter(projectID, from, to, bucket string) (Filter, error) {
	f := Filter{ProjectID: strings.TrimSpace(projectID)}
	b, err := ParseBucket(bucket)
	if err != nil {
		return f, err
	}
	f.Bucket = b
	if f.Range.From, err = parseBound(from, false); err != nil {
		return f, fmt.Errorf("invalid from: %w", err)
	}
	if f.Range.To, err = parseBound(to, true); err != nil {
		return f, fmt.Errorf("invalid to: %w", err)
	}
	if !f.Range.From.IsZero() && !f.Range.To.IsZero() && !f.Range.From.Before(f.Range.To) {
		return f, fmt.Errorf("invalid range: from must be before to")
	}
	return f, nil
}

func parseBound(s string, upper bool) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return ts.UTC(), nil
	}
	day, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is neither a date nor RFC3339", s)
	}
	if upper {
		day = day.AddDate(0, 0, 1)
	}
	return day, nil
}
