package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"maestro/internal/domain"
)

// Journal appends orchestration history to the archive database. A nil
// Journal is a valid no-op sink, which is how archiving is disabled.
type Journal struct {
	DB  *sql.DB
	Now func() time.Time
}

// Event is one archived orchestration moment.
type Event struct {
	ID        int64          `json:"id"`
	TS        string         `json:"ts"`
	Type      string         `json:"type"`
	ProjectID string         `json:"project_id,omitempty"`
	AgentID   string         `json:"agent_id,omitempty"`
	Payload   map[string]any `json:"payload"`
}

// EventQuery filters the archived events.
type EventQuery struct {
	ProjectID string
	Type      string
	Limit     int
}

// Append records one event. Disabled journals swallow the write.
func (j *Journal) Append(ctx context.Context, evtType, projectID, agentID string, payload map[string]any) error {
	if j == nil || j.DB == nil {
		return nil
	}
	now := time.Now
	if j.Now != nil {
		now = j.Now
	}
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = j.DB.ExecContext(ctx,
		`INSERT INTO events(ts,type,project_id,agent_id,payload_json) VALUES (?,?,?,?,?)`,
		now().UTC().Format(time.RFC3339), evtType, nullable(projectID), nullable(agentID), string(data))
	return err
}

// Events returns archived events newest first. Limit defaults to 100.
func (j *Journal) Events(ctx context.Context, q EventQuery) ([]Event, error) {
	if j == nil || j.DB == nil {
		return nil, nil
	}
	query := `SELECT id,ts,type,COALESCE(project_id,''),COALESCE(agent_id,''),payload_json FROM events`
	var (
		where []string
		args  []any
	)
	if q.ProjectID != "" {
		where = append(where, "project_id=?")
		args = append(args, q.ProjectID)
	}
	if q.Type != "" {
		where = append(where, "type=?")
		args = append(args, q.Type)
	}
	for i, clause := range where {
		if i == 0 {
			query += " WHERE " + clause
		} else {
			query += " AND " + clause
		}
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := j.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			e       Event
			payload string
		)
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ProjectID, &e.AgentID, &payload); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
			return nil, fmt.Errorf("event %d payload: %w", e.ID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// EventsAfter returns up to limit events with an id greater than afterID,
// oldest first. Webhook delivery reads the journal through this cursor.
func (j *Journal) EventsAfter(ctx context.Context, limit int, afterID int64) ([]Event, error) {
	if j == nil || j.DB == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := j.DB.QueryContext(ctx,
		`SELECT id,ts,type,COALESCE(project_id,''),COALESCE(agent_id,''),payload_json
		 FROM events WHERE id>? ORDER BY id LIMIT ?`, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			e       Event
			payload string
		)
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ProjectID, &e.AgentID, &payload); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
			return nil, fmt.Errorf("event %d payload: %w", e.ID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// LatestEventID returns the highest event id, or zero for an empty journal.
func (j *Journal) LatestEventID(ctx context.Context) (int64, error) {
	if j == nil || j.DB == nil {
		return 0, nil
	}
	var id int64
	err := j.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id)
	return id, err
}

// RecordDeployment stores an approved deployment. Replays of the same
// proposal are absorbed, matching the idempotent approval.
func (j *Journal) RecordDeployment(ctx context.Context, dep domain.Deployment) error {
	if j == nil || j.DB == nil {
		return nil
	}
	_, err := j.DB.ExecContext(ctx,
		`INSERT OR IGNORE INTO deployments(id,proposal_id,project_id,approved_at) VALUES (?,?,?,?)`,
		dep.ID, dep.ProposalID, dep.ProjectID, dep.ApprovedAt.UTC().Format(time.RFC3339))
	return err
}

// Deployments returns the archived deployments for a project, oldest
// first. An empty projectID returns all of them.
func (j *Journal) Deployments(ctx context.Context, projectID string) ([]domain.Deployment, error) {
	if j == nil || j.DB == nil {
		return nil, nil
	}
	query := `SELECT id,proposal_id,project_id,approved_at FROM deployments`
	var args []any
	if projectID != "" {
		query += ` WHERE project_id=?`
		args = append(args, projectID)
	}
	query += ` ORDER BY approved_at, id`

	rows, err := j.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Deployment
	for rows.Next() {
		var (
			dep domain.Deployment
			ts  string
		)
		if err := rows.Scan(&dep.ID, &dep.ProposalID, &dep.ProjectID, &ts); err != nil {
			return nil, err
		}
		if dep.ApprovedAt, err = time.Parse(time.RFC3339, ts); err != nil {
			return nil, fmt.Errorf("deployment %s approved_at: %w", dep.ID, err)
		}
		out = append(out, dep)
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	if j == nil || j.DB == nil {
		return nil
	}
	return j.DB.Close()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
