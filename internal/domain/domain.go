package domain

import "time"

type Project struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Task is the local snapshot of an upstream work item. Status and delivery
// fields are overwritten by every sync.
type Task struct {
	ID               string    `json:"id"`
	ProjectID        string    `json:"project_id"`
	Domain           string    `json:"domain,omitempty"`
	CurrentStatus    Status    `json:"current_status"`
	DeliveryBatchRef *string   `json:"delivery_batch_ref,omitempty"`
	DeliveryStatus   *string   `json:"delivery_status,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// CompletionEvent is one recorded status transition. Ordinal is the local
// insertion order and breaks timestamp ties.
type CompletionEvent struct {
	TaskID    string    `json:"task_id"`
	Timestamp time.Time `json:"timestamp"`
	OldStatus Status    `json:"old_status"`
	NewStatus Status    `json:"new_status"`
	Author    *string   `json:"author,omitempty"`
	Sequence  int       `json:"sequence_number,omitempty"`
	Ordinal   int64     `json:"-"`
}

type Review struct {
	ID          string       `json:"id"`
	TaskID      string       `json:"task_id"`
	Reviewer    string       `json:"reviewer"`
	Score       *float64     `json:"score,omitempty"`
	Type        ReviewType   `json:"review_type"`
	Status      ReviewStatus `json:"status"`
	SubmittedAt time.Time    `json:"submitted_at"`
	Action      ActionType   `json:"action_type,omitempty"`
}

// Published reports whether the review participates in any metric.
func (r Review) Published() bool {
	st, ok := ParseReviewStatus(string(r.Status))
	return ok && st == ReviewPublished
}

type Person struct {
	ID          string  `json:"id"`
	Email       string  `json:"email"`
	DisplayName string  `json:"display_name"`
	Status      string  `json:"status"`
	TeamLeadRef *string `json:"team_lead_ref,omitempty"`
}

type DeliveryBatch struct {
	ID          string     `json:"id"`
	ProjectID   string     `json:"project_id"`
	Name        string     `json:"name"`
	Status      string     `json:"status"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
}

// TimeEntry is one externally logged block of hours.
type TimeEntry struct {
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	ProjectID string    `json:"project_id"`
	Date      time.Time `json:"date"`
	Hours     float64   `json:"hours"`
}

// TaskDuration is an observed working duration derived from the timing feed.
type TaskDuration struct {
	TaskID  string    `json:"task_id"`
	Author  string    `json:"author"`
	Seconds float64   `json:"seconds"`
	EndedAt time.Time `json:"ended_at"`
}

// AttributionRecord is the credit one person receives for one task. It is
// always recomputed from snapshot tables and never persisted.
type AttributionRecord struct {
	TaskID          string `json:"task_id"`
	PersonID        string `json:"person_id"`
	IsFirstAuthor   bool   `json:"is_first_author"`
	NewUnitCount    int    `json:"new_unit_count"`
	ReworkUnitCount int    `json:"rework_unit_count"`
	IsLastCompleter bool   `json:"is_last_completer"`
	Approved        bool   `json:"approved"`
	ApprovedRework  bool   `json:"approved_rework"`
	Delivered       bool   `json:"delivered"`
	InQueue         bool   `json:"in_queue"`
}

type EntityLevel string

const (
	LevelTrainer  EntityLevel = "trainer"
	LevelTeamLead EntityLevel = "team_lead"
	LevelProject  EntityLevel = "project"
)

// UnmappedID is the entity id of the team-lead bucket holding trainers
// without a lead.
const UnmappedID = "unmapped"

// AllTime is the time_bucket label of an unbucketed row.
const AllTime = "all"

// AggregateRow is one rollup row. Ratio fields are nil when undefined.
type AggregateRow struct {
	Level      EntityLevel `json:"entity_level"`
	EntityID   string      `json:"entity_id"`
	Name       string      `json:"name,omitempty"`
	Email      string      `json:"email,omitempty"`
	ProjectID  string      `json:"project_id,omitempty"`
	TimeBucket string      `json:"time_bucket"`

	UniqueTasks      int      `json:"unique_tasks"`
	NewTasks         int      `json:"new_tasks"`
	Rework           int      `json:"rework"`
	TotalSubmissions int      `json:"total_submissions"`
	AvgRework        *float64 `json:"avg_rework,omitempty"`
	ReworkPercent    *float64 `json:"rework_percent,omitempty"`

	RatingNumerator       float64  `json:"rating_numerator"`
	RatingDenominator     int      `json:"rating_denominator"`
	AvgRating             *float64 `json:"avg_rating,omitempty"`
	AutoRatingNumerator   float64  `json:"auto_rating_numerator"`
	AutoRatingDenominator int      `json:"auto_rating_denominator"`
	AvgAutoRating         *float64 `json:"avg_auto_rating,omitempty"`
	ReviewCount           int      `json:"review_count"`

	MergedExpectedAHT *float64 `json:"merged_expected_aht,omitempty"`
	AccountedHours    float64  `json:"accounted_hours"`
	LoggedHours       float64  `json:"logged_hours"`
	Efficiency        *float64 `json:"efficiency,omitempty"`
	ObservedHours     float64  `json:"observed_hours"`

	Approved       int `json:"approved"`
	ApprovedRework int `json:"approved_rework"`
	Delivered      int `json:"delivered"`
	InQueue        int `json:"in_queue"`

	ReworkTransitions int           `json:"rework_transitions,omitempty"`
	Unattributed      *Unattributed `json:"unattributed,omitempty"`

	Children []AggregateRow `json:"children,omitempty"`
}

// Unattributed surfaces data-quality gaps instead of dropping them.
type Unattributed struct {
	Tasks        int `json:"tasks"`
	Deliverables int `json:"deliverables"`
	Units        int `json:"units"`
	Reviews      int `json:"reviews"`
	Flagged      int `json:"flagged"`
}

func (u *Unattributed) Empty() bool {
	return u == nil || (u.Tasks == 0 && u.Deliverables == 0 && u.Units == 0 && u.Reviews == 0 && u.Flagged == 0)
}

type SyncRun struct {
	ID          string    `json:"run_id"`
	Mode        SyncMode  `json:"mode"`
	Status      RunStatus `json:"status"`
	StartedAt   string    `json:"started_at" format:"date-time"`
	CompletedAt *string   `json:"completed_at,omitempty" format:"date-time"`
	Error       string    `json:"error,omitempty"`
}

// RunLogEntry is one append-only audit row for a (run, target table) pair.
type RunLogEntry struct {
	ID             int64     `json:"id"`
	RunID          string    `json:"run_id"`
	TargetTable    string    `json:"target_table"`
	StartedAt      string    `json:"started_at" format:"date-time"`
	CompletedAt    *string   `json:"completed_at,omitempty" format:"date-time"`
	Status         RunStatus `json:"status" enum:"started,completed,failed"`
	RecordsLoaded  int       `json:"records_loaded"`
	RecordsSkipped int       `json:"records_skipped"`
	ErrorMessage   string    `json:"error_message,omitempty"`
}

type SyncStatus struct {
	RunID         string        `json:"run_id"`
	Mode          SyncMode      `json:"mode"`
	Status        RunStatus     `json:"status" enum:"started,completed,failed"`
	StartedAt     string        `json:"started_at" format:"date-time"`
	CompletedAt   *string       `json:"completed_at,omitempty" format:"date-time"`
	RecordsLoaded int           `json:"records_loaded"`
	Error         string        `json:"error,omitempty"`
	Tables        []RunLogEntry `json:"tables"`
}

// TimeLayout is the fixed-width UTC layout used for every stored timestamp so
// that text ordering matches time ordering.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

// FormatTime renders t in TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a stored timestamp.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(TimeLayout, s)
}

// Dataset is an in-memory copy of the snapshot tables read inside one pinned
// transaction. Events are ordered by timestamp then insertion order.
type Dataset struct {
	RunID       string
	Projects    []Project
	Tasks       []Task
	Events      map[string][]CompletionEvent
	Reviews     map[string][]Review
	Persons     []Person
	Batches     map[string]DeliveryBatch
	TimeEntries []TimeEntry
	Durations   []TaskDuration
}
