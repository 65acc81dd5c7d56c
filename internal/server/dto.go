package server

import (
	"creditline/internal/aggregate"
	"creditline/internal/domain"
	"creditline/internal/engine"
)

// Request payloads

type StatsQuery struct {
	ProjectID string `query:"project_id" doc:"Restrict to one project"`
	From      string `query:"from" doc:"Inclusive lower bound, RFC3339 or YYYY-MM-DD"`
	To        string `query:"to" doc:"Exclusive upper bound; a plain date includes that day"`
	Bucket    string `query:"bucket" enum:"all,day,week,month" default:"all"`
}

func (q *StatsQuery) filter() (aggregate.Filter, error) {
	return aggregate.ParseFilter(q.ProjectID, q.From, q.To, q.Bucket)
}

type SyncRequest struct {
	Mode string `json:"mode,omitempty" enum:"full,incremental" default:"full"`
}

// Responses

type FilterResponse struct {
	ProjectID string `json:"project_id,omitempty"`
	From      string `json:"from,omitempty" format:"date-time"`
	To        string `json:"to,omitempty" format:"date-time"`
	Bucket    string `json:"bucket"`
}

type StatsResponse struct {
	RunID  string                `json:"run_id" doc:"Last completed sync run the rows were computed from"`
	Filter FilterResponse        `json:"filter"`
	Items  []domain.AggregateRow `json:"items"`
}

type SyncAccepted struct {
	RunID  string           `json:"run_id"`
	Mode   domain.SyncMode  `json:"mode"`
	Status domain.RunStatus `json:"status"`
}

type SyncRunsResponse struct {
	Items      []domain.SyncRun `json:"items"`
	InProgress bool             `json:"in_progress"`
	// Tables holds the current row count of every local snapshot table.
	Tables map[string]int `json:"tables"`
}

func statsResponse(s engine.Stats, f aggregate.Filter) StatsResponse {
	resp := StatsResponse{
		RunID: s.RunID,
		Filter: FilterResponse{
			ProjectID: f.ProjectID,
			Bucket:    string(f.Bucket),
		},
		Items: s.Rows,
	}
	if resp.Filter.Bucket == "" {
		resp.Filter.Bucket = string(aggregate.BucketAll)
	}
	if !f.Range.From.IsZero() {
		resp.Filter.From = domain.FormatTime(f.Range.From)
	}
	if !f.Range.To.IsZero() {
		resp.Filter.To = domain.FormatTime(f.Range.To)
	}
	if resp.Items == nil {
		resp.Items = []domain.AggregateRow{}
	}
	return resp
}
