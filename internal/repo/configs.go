package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"creditline/internal/config"
)

// documentRow holds the document-wide part of the constants under a project
// id that no real project can use.
const documentRow = "*"

type documentConfig struct {
	Defaults     config.ProjectConstants `json:"defaults"`
	TimeTracking config.TimeTracking     `json:"time_tracking"`
}

// ReplaceConstants stores c as the configuration of record, one row per
// project plus the document row.
func (r Repo) ReplaceConstants(ctx context.Context, c *config.Constants) error {
	if c == nil {
		return fmt.Errorf("constants nil")
	}
	if err := c.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM project_configs`); err != nil {
		return err
	}
	doc, err := json.Marshal(documentConfig{Defaults: c.Defaults, TimeTracking: c.TimeTracking})
	if err != nil {
		return err
	}
	if err := upsertConfig(ctx, tx, documentRow, doc, now); err != nil {
		return err
	}
	for id, p := range c.Projects {
		payload, err := json.Marshal(p)
		if err != nil {
			return err
		}
		if err := upsertConfig(ctx, tx, id, payload, now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func upsertConfig(ctx context.Context, tx *sql.Tx, projectID string, payload []byte, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO project_configs(project_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(project_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, projectID, string(payload), now, now)
	return err
}

// LoadConstants reassembles the stored document. ErrNotFound means nothing
// was imported yet.
func (r Repo) LoadConstants(ctx context.Context) (*config.Constants, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT project_id,config_json FROM project_configs`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	c := &config.Constants{Projects: map[string]config.ProjectConstants{}}
	found := false
	for rows.Next() {
		var id, payload string
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, err
		}
		found = true
		if id == documentRow {
			var doc documentConfig
			if err := json.Unmarshal([]byte(payload), &doc); err != nil {
				return nil, fmt.Errorf("decode constants document: %w", err)
			}
			c.Defaults = doc.Defaults
			c.TimeTracking = doc.TimeTracking
			continue
		}
		var p config.ProjectConstants
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			return nil, fmt.Errorf("decode constants for %s: %w", id, err)
		}
		c.Projects[id] = p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotFound
	}
	return c, c.Validate()
}
