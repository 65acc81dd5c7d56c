package warehouse

import "time"

// Target table names. They double as query names.
const (
	TableProjects         = "projects"
	TablePersons          = "persons"
	TableDeliveryBatches  = "delivery_batches"
	TableTimeEntries      = "time_entries"
	TableTasks            = "tasks"
	TableCompletionEvents = "completion_events"
	TableReviews          = "reviews"
	TableTaskDurations    = "task_durations"
)

var catalog = map[string]string{
	TableProjects: `SELECT project_id AS id, project_name AS name
FROM analytics.projects`,
	TablePersons: `SELECT contributor_id AS id, LOWER(TRIM(email)) AS email, name AS display_name,
       status, team_lead_id AS team_lead_ref
FROM analytics.contributors`,
	TableDeliveryBatches: `SELECT batch_id AS id, project_id, batch_name AS name, status, delivered_at
FROM analytics.delivery_batches`,
	TableTimeEntries: `SELECT LOWER(TRIM(email)) AS email, full_name AS name, project_id,
       DATE(logged_at) AS entry_date, SUM(hours) AS hours
FROM analytics.time_tracking
WHERE (@since IS NULL OR logged_at >= @since)
GROUP BY 1, 2, 3, 4`,
	TableTasks: `SELECT t.task_id AS id, t.project_id, t.domain, t.status AS current_status,
       b.batch_id AS delivery_batch_ref, b.status AS delivery_status, t.created_at
FROM analytics.tasks t
LEFT JOIN analytics.delivery_batch_tasks bt ON bt.task_id = t.task_id
LEFT JOIN analytics.delivery_batches b ON b.batch_id = bt.batch_id
WHERE (@since IS NULL OR t.updated_at >= @since)`,
	TableCompletionEvents: `SELECT h.task_id, h.created_at AS timestamp, h.old_status, h.new_status,
       h.author_id AS author
FROM analytics.task_history h
JOIN analytics.tasks t ON t.task_id = h.task_id
WHERE (@since IS NULL OR t.updated_at >= @since)
ORDER BY h.task_id, h.created_at, h.history_id`,
	TableReviews: `SELECT r.review_id AS id, r.task_id, r.reviewer_id AS reviewer, r.score,
       r.review_type, r.status, r.submitted_at, r.followup_action AS action_type
FROM analytics.reviews r
JOIN analytics.tasks t ON t.task_id = r.task_id
WHERE (@since IS NULL OR t.updated_at >= @since)`,
	TableTaskDurations: `SELECT d.task_id, d.contributor_id AS author, d.duration_seconds AS seconds, d.ended_at
FROM analytics.task_timing d
WHERE (@since IS NULL OR d.ended_at >= @since)`,
}

// QueryFor returns the snapshot query for a target table. A zero since
// selects the full snapshot.
func QueryFor(table string, since time.Time) (Query, bool) {
	sql, ok := catalog[table]
	if !ok {
		return Query{}, false
	}
	var sinceParam any
	if !since.IsZero() {
		sinceParam = since.UTC().Format(time.RFC3339)
	}
	return Query{Name: table, SQL: sql, Params: map[string]any{"since": sinceParam}}, true
}
