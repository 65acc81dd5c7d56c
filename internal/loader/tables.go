package loader

import (
	"fmt"
	"strings"

	"creditline/internal/warehouse"
)

// Values is one normalised row keyed by local column name.
type Values map[string]any

// Table describes how a warehouse row set lands in a local table.
type Table struct {
	Name    string
	Columns []string
	// Key is the unique key column; empty for surrogate-keyed tables.
	Key string
	// Unique lists further unique columns; later duplicates are skipped.
	Unique []string
	// SelfRef names a column referencing Key in the same table.
	SelfRef string
	// ForeignKey names the column validated against parent ids.
	ForeignKey string
	// Upsert tables are updated in place and pruned instead of wiped, so
	// children referencing surviving rows are kept.
	Upsert    bool
	Normalize func(warehouse.Row) (Values, error)
}

var Projects = Table{
	Name:    warehouse.TableProjects,
	Columns: []string{"id", "name"},
	Key:     "id",
	Upsert:  true,
	Normalize: func(r warehouse.Row) (Values, error) {
		id, err := required(r, "id")
		if err != nil {
			return nil, err
		}
		name, _ := text(r["name"])
		return Values{"id": id, "name": name}, nil
	},
}

var Persons = Table{
	Name:    warehouse.TablePersons,
	Columns: []string{"id", "email", "display_name", "status", "team_lead_ref"},
	Key:     "id",
	Unique:  []string{"email"},
	SelfRef: "team_lead_ref",
	Normalize: func(r warehouse.Row) (Values, error) {
		id, err := required(r, "id")
		if err != nil {
			return nil, err
		}
		name, _ := text(r["display_name"])
		status, _ := text(r["status"])
		return Values{
			"id":            id,
			"email":         lowerText(r["email"]),
			"display_name":  name,
			"status":        strings.ToLower(status),
			"team_lead_ref": optText(r["team_lead_ref"]),
		}, nil
	},
}

var DeliveryBatches = Table{
	Name:    warehouse.TableDeliveryBatches,
	Columns: []string{"id", "project_id", "name", "status", "delivered_at"},
	Key:     "id",
	Normalize: func(r warehouse.Row) (Values, error) {
		id, err := required(r, "id")
		if err != nil {
			return nil, err
		}
		deliveredAt, err := timestamp(r["delivered_at"])
		if err != nil {
			return nil, err
		}
		name, _ := text(r["name"])
		return Values{
			"id":           id,
			"project_id":   optText(r["project_id"]),
			"name":         name,
			"status":       optText(r["status"]),
			"delivered_at": deliveredAt,
		}, nil
	},
}

var TimeEntries = Table{
	Name:    warehouse.TableTimeEntries,
	Columns: []string{"email", "name", "project_id", "entry_date", "hours"},
	Normalize: func(r warehouse.Row) (Values, error) {
		date, err := timestamp(r["entry_date"])
		if err != nil {
			return nil, err
		}
		if date == nil {
			return nil, fmt.Errorf("missing entry_date")
		}
		hours, err := number(r["hours"])
		if err != nil {
			return nil, err
		}
		if hours == nil {
			hours = 0.0
		}
		return Values{
			"email":      lowerText(r["email"]),
			"name":       optText(r["name"]),
			"project_id": optText(r["project_id"]),
			"entry_date": date,
			"hours":      hours,
		}, nil
	},
}

var Tasks = Table{
	Name:       warehouse.TableTasks,
	Columns:    []string{"id", "project_id", "domain", "current_status", "delivery_batch_ref", "delivery_status", "created_at"},
	Key:        "id",
	ForeignKey: "project_id",
	Upsert:     true,
	Normalize: func(r warehouse.Row) (Values, error) {
		id, err := required(r, "id")
		if err != nil {
			return nil, err
		}
		projectID, err := required(r, "project_id")
		if err != nil {
			return nil, err
		}
		status, err := required(r, "current_status")
		if err != nil {
			return nil, err
		}
		createdAt, err := timestamp(r["created_at"])
		if err != nil {
			return nil, err
		}
		domainName, _ := text(r["domain"])
		return Values{
			"id":                 id,
			"project_id":         projectID,
			"domain":             domainName,
			"current_status":     lowerText(status),
			"delivery_batch_ref": optText(r["delivery_batch_ref"]),
			"delivery_status":    optText(r["delivery_status"]),
			"created_at":         createdAt,
		}, nil
	},
}

var CompletionEvents = Table{
	Name:       warehouse.TableCompletionEvents,
	Columns:    []string{"task_id", "timestamp", "old_status", "new_status", "author"},
	ForeignKey: "task_id",
	Normalize: func(r warehouse.Row) (Values, error) {
		taskID, err := required(r, "task_id")
		if err != nil {
			return nil, err
		}
		ts, err := timestamp(r["timestamp"])
		if err != nil {
			return nil, err
		}
		if ts == nil {
			return nil, fmt.Errorf("missing timestamp")
		}
		newStatus, err := required(r, "new_status")
		if err != nil {
			return nil, err
		}
		return Values{
			"task_id":    taskID,
			"timestamp":  ts,
			"old_status": lowerText(r["old_status"]),
			"new_status": lowerText(newStatus),
			"author":     optText(r["author"]),
		}, nil
	},
}

var Reviews = Table{
	Name:       warehouse.TableReviews,
	Columns:    []string{"id", "task_id", "reviewer", "score", "review_type", "status", "submitted_at", "action_type"},
	Key:        "id",
	ForeignKey: "task_id",
	Normalize: func(r warehouse.Row) (Values, error) {
		id, err := required(r, "id")
		if err != nil {
			return nil, err
		}
		taskID, err := required(r, "task_id")
		if err != nil {
			return nil, err
		}
		score, err := number(r["score"])
		if err != nil {
			return nil, err
		}
		submittedAt, err := timestamp(r["submitted_at"])
		if err != nil {
			return nil, err
		}
		if submittedAt == nil {
			return nil, fmt.Errorf("missing submitted_at")
		}
		reviewType, err := required(r, "review_type")
		if err != nil {
			return nil, err
		}
		status, err := required(r, "status")
		if err != nil {
			return nil, err
		}
		reviewer, _ := text(r["reviewer"])
		return Values{
			"id":           id,
			"task_id":      taskID,
			"reviewer":     reviewer,
			"score":        score,
			"review_type":  lowerText(reviewType),
			"status":       lowerText(status),
			"submitted_at": submittedAt,
			"action_type":  lowerText(r["action_type"]),
		}, nil
	},
}

var TaskDurations = Table{
	Name:       warehouse.TableTaskDurations,
	Columns:    []string{"task_id", "author", "seconds", "ended_at"},
	ForeignKey: "task_id",
	Normalize: func(r warehouse.Row) (Values, error) {
		taskID, err := required(r, "task_id")
		if err != nil {
			return nil, err
		}
		secs, err := number(r["seconds"])
		if err != nil {
			return nil, err
		}
		if secs == nil {
			secs = 0.0
		}
		endedAt, err := timestamp(r["ended_at"])
		if err != nil {
			return nil, err
		}
		return Values{
			"task_id":  taskID,
			"author":   optText(r["author"]),
			"seconds":  secs,
			"ended_at": endedAt,
		}, nil
	},
}

// Tables indexes every target by name.
var Tables = map[string]Table{
	Projects.Name:         Projects,
	Persons.Name:          Persons,
	DeliveryBatches.Name:  DeliveryBatches,
	TimeEntries.Name:      TimeEntries,
	Tasks.Name:            Tasks,
	CompletionEvents.Name: CompletionEvents,
	Reviews.Name:          Reviews,
	TaskDurations.Name:    TaskDurations,
}
