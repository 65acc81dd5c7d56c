// Package timeline orders a task's status history into its completion
// timeline, the basis of every attribution rule.
package timeline

import (
	"sort"
	"time"

	"creditline/internal/domain"
)

// Classify maps one transition onto the closed set of transition kinds.
// The kind follows the new status: entering completed is a completion unless
// it leaves completed-approval, whatever the old status. Only an unknown new
// status makes the transition Unrecognized.
func Classify(oldStatus, newStatus domain.Status) domain.TransitionKind {
	next, ok := domain.ParseStatus(string(newStatus))
	if !ok {
		return domain.TransitionUnrecognized
	}
	switch next {
	case domain.StatusCompleted:
		if old, _ := domain.ParseStatus(string(oldStatus)); old == domain.StatusCompletedApproval {
			return domain.TransitionNonSubstantiveCompletion
		}
		return domain.TransitionCompletion
	case domain.StatusRework:
		return domain.TransitionReworkEntry
	default:
		return domain.TransitionOther
	}
}

// Recognized reports whether both sides of a transition name a known status.
func Recognized(oldStatus, newStatus domain.Status) bool {
	_, okOld := domain.ParseStatus(string(oldStatus))
	_, okNew := domain.ParseStatus(string(newStatus))
	return okOld && okNew
}

// Timeline is the ordered, sequence-numbered completions of one task.
type Timeline struct {
	TaskID      string
	Completions []domain.CompletionEvent
	// ReworkEntries are the transitions into rework, in input order.
	// Leaving rework is not a second cycle.
	ReworkEntries []domain.CompletionEvent
	// Unrecognized counts transitions naming an unknown status on either
	// side. They are flagged, and still classified by their new status.
	Unrecognized int
}

// Build selects the completions among events, orders them by timestamp
// with insertion order breaking ties, and numbers them from 1. The input
// slice is not modified.
func Build(taskID string, events []domain.CompletionEvent) Timeline {
	tl := Timeline{TaskID: taskID}
	for _, e := range events {
		if !Recognized(e.OldStatus, e.NewStatus) {
			tl.Unrecognized++
		}
		switch Classify(e.OldStatus, e.NewStatus) {
		case domain.TransitionCompletion:
			tl.Completions = append(tl.Completions, e)
		case domain.TransitionReworkEntry:
			tl.ReworkEntries = append(tl.ReworkEntries, e)
		}
	}
	sort.SliceStable(tl.Completions, func(i, j int) bool {
		a, b := tl.Completions[i], tl.Completions[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		return a.Ordinal < b.Ordinal
	})
	for i := range tl.Completions {
		tl.Completions[i].Sequence = i + 1
	}
	return tl
}

func (t Timeline) Len() int { return len(t.Completions) }

// First returns the completion with sequence number 1.
func (t Timeline) First() (domain.CompletionEvent, bool) {
	if len(t.Completions) == 0 {
		return domain.CompletionEvent{}, false
	}
	return t.Completions[0], true
}

// Last returns the completion with the highest sequence number.
func (t Timeline) Last() (domain.CompletionEvent, bool) {
	if len(t.Completions) == 0 {
		return domain.CompletionEvent{}, false
	}
	return t.Completions[len(t.Completions)-1], true
}

// Reworks returns every completion after the first.
func (t Timeline) Reworks() []domain.CompletionEvent {
	if len(t.Completions) < 2 {
		return nil
	}
	return t.Completions[1:]
}

// LatestAtOrBefore returns the latest completion whose timestamp is not
// after ts.
func (t Timeline) LatestAtOrBefore(ts time.Time) (domain.CompletionEvent, bool) {
	i := sort.Search(len(t.Completions), func(i int) bool {
		return t.Completions[i].Timestamp.After(ts)
	})
	if i == 0 {
		return domain.CompletionEvent{}, false
	}
	return t.Completions[i-1], true
}
