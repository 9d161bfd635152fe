package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/loomhq/loomd/internal/model"
)

// ToolInvocationEntry is one append-only audit record of a dispatched tool
// call, separate from the evidence ledger (internal/evidence), which stays
// reserved for branching-decision records. This is a thin request log: what
// tool ran, for which project/agent, whether it succeeded, and how long it
// took.
type ToolInvocationEntry struct {
	ProjectID      *int64
	AgentID        *int64
	ToolName       string
	OK             bool
	ErrorKind      string
	Duration       time.Duration
	InvokedAt      time.Time
}

// RecordToolInvocation appends one audit entry. Failures to write the audit
// row are returned to the caller but never block the tool call itself —
// dispatcher.recordAudit discards them rather than failing the response.
func (s *Store) RecordToolInvocation(ctx context.Context, e ToolInvocationEntry) error {
	return s.pool.WithRetry(ctx, 3, func(c *Conn) error {
		_, err := c.Raw().ExecContext(ctx,
			`INSERT INTO tool_invocations (project_id, agent_id, tool_name, ok, error_kind, duration_micros, invoked_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			nullableID(e.ProjectID), nullableID(e.AgentID), e.ToolName, boolToInt(e.OK),
			nullableEmptyString(e.ErrorKind), e.Duration.Microseconds(), e.InvokedAt.UnixMicro())
		if err != nil {
			return fmt.Errorf("storage: record tool invocation: %w", err)
		}
		return nil
	})
}

// RecentToolInvocations returns the most recent limit tool-invocation audit
// entries for a project, newest first, for diagnostics and tests.
func (s *Store) RecentToolInvocations(ctx context.Context, projectID int64, limit int) ([]ToolInvocationEntry, error) {
	var out []ToolInvocationEntry
	err := s.pool.WithRetry(ctx, 3, func(c *Conn) error {
		rows, err := c.Raw().QueryContext(ctx,
			`SELECT project_id, agent_id, tool_name, ok, error_kind, duration_micros, invoked_at
			 FROM tool_invocations WHERE project_id = ? ORDER BY id DESC LIMIT ?`,
			projectID, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		out = out[:0]
		for rows.Next() {
			var e ToolInvocationEntry
			var proj, agent sql.NullInt64
			var ok int
			var errKind sql.NullString
			var durationMicros, invokedMicros int64
			if err := rows.Scan(&proj, &agent, &e.ToolName, &ok, &errKind, &durationMicros, &invokedMicros); err != nil {
				return err
			}
			if proj.Valid {
				v := proj.Int64
				e.ProjectID = &v
			}
			if agent.Valid {
				v := agent.Int64
				e.AgentID = &v
			}
			e.OK = ok != 0
			e.ErrorKind = errKind.String
			e.Duration = time.Duration(durationMicros) * time.Microsecond
			e.InvokedAt = model.TimeFromMicros(invokedMicros)
			out = append(out, e)
		}
		return rows.Err()
	})
	return out, err
}

func nullableID(id *int64) any {
	if id == nil {
		return nil
	}
	return *id
}
