package domain

import "strings"

// Status is a task workflow status as recorded upstream.
type Status string

const (
	StatusPending           Status = "pending"
	StatusClaimed           Status = "claimed"
	StatusLabeling          Status = "labeling"
	StatusInProgress        Status = "in_progress"
	StatusCompleted         Status = "completed"
	StatusCompletedApproval Status = "completed-approval"
	StatusRework            Status = "rework"
	StatusReviewed          Status = "reviewed"
	StatusValidated         Status = "validated"
	StatusDelivered         Status = "delivered"
	StatusSkipped           Status = "skipped"
	StatusAbandoned         Status = "abandoned"
)

var knownStatuses = map[Status]struct{}{
	StatusPending:           {},
	StatusClaimed:           {},
	StatusLabeling:          {},
	StatusInProgress:        {},
	StatusCompleted:         {},
	StatusCompletedApproval: {},
	StatusRework:            {},
	StatusReviewed:          {},
	StatusValidated:         {},
	StatusDelivered:         {},
	StatusSkipped:           {},
	StatusAbandoned:         {},
}

// ParseStatus normalises s and reports whether it is a recognised status.
// The empty string is recognised: it marks the absent side of a creation
// transition.
func ParseStatus(s string) (Status, bool) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if st == "" {
		return st, true
	}
	_, ok := knownStatuses[st]
	return st, ok
}

// TransitionKind classifies one status transition.
type TransitionKind int

const (
	TransitionOther TransitionKind = iota
	TransitionCompletion
	TransitionNonSubstantiveCompletion
	TransitionReworkEntry
	TransitionUnrecognized
)

func (k TransitionKind) String() string {
	switch k {
	case TransitionCompletion:
		return "completion"
	case TransitionNonSubstantiveCompletion:
		return "non_substantive_completion"
	case TransitionReworkEntry:
		return "rework_entry"
	case TransitionUnrecognized:
		return "unrecognized"
	default:
		return "other"
	}
}

// Outcome is a terminal attribution state of a task. Approval and delivery
// outcomes are not mutually exclusive.
type Outcome int

const (
	OutcomeApproved Outcome = iota + 1
	OutcomeApprovedRework
	OutcomeDelivered
	OutcomeInQueue
	OutcomeUnattributedDeliverable
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApproved:
		return "approved"
	case OutcomeApprovedRework:
		return "approved_rework"
	case OutcomeDelivered:
		return "delivered"
	case OutcomeInQueue:
		return "in_queue"
	case OutcomeUnattributedDeliverable:
		return "unattributed_deliverable"
	default:
		return "unknown"
	}
}

type ReviewType string

const (
	ReviewManual ReviewType = "manual"
	ReviewAuto   ReviewType = "auto"
)

func ParseReviewType(s string) (ReviewType, bool) {
	switch t := ReviewType(strings.ToLower(strings.TrimSpace(s))); t {
	case ReviewManual, ReviewAuto:
		return t, true
	default:
		return t, false
	}
}

type ReviewStatus string

const (
	ReviewPublished ReviewStatus = "published"
	ReviewDraft     ReviewStatus = "draft"
)

func ParseReviewStatus(s string) (ReviewStatus, bool) {
	switch st := ReviewStatus(strings.ToLower(strings.TrimSpace(s))); st {
	case ReviewPublished, ReviewDraft:
		return st, true
	default:
		return st, false
	}
}

// ActionType is the follow-up a review requested. The zero value means none.
type ActionType string

const (
	ActionNone     ActionType = ""
	ActionRework   ActionType = "rework"
	ActionDelivery ActionType = "delivery"
)

func ParseActionType(s string) (ActionType, bool) {
	switch a := ActionType(strings.ToLower(strings.TrimSpace(s))); a {
	case ActionNone, ActionRework, ActionDelivery:
		return a, true
	default:
		return a, false
	}
}

// IsDelivered reports whether a delivery-batch status means delivered.
func IsDelivered(status *string) bool {
	return status != nil && strings.EqualFold(strings.TrimSpace(*status), "delivered")
}

type SyncMode string

const (
	SyncFull        SyncMode = "full"
	SyncIncremental SyncMode = "incremental"
)

func ParseSyncMode(s string) (SyncMode, bool) {
	switch m := SyncMode(strings.ToLower(strings.TrimSpace(s))); m {
	case SyncFull, SyncIncremental:
		return m, true
	case "":
		return SyncFull, true
	default:
		return m, false
	}
}

type RunStatus string

const (
	RunStarted   RunStatus = "started"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)
