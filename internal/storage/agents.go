package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/loomhq/loomd/internal/model"
)

// ErrAgentNameTaken is returned when a project already has an agent whose
// name matches case-insensitively (spec.md §3: names are unique per project
// regardless of case).
var ErrAgentNameTaken = errors.New("storage: agent name already registered in project")

// RegisterAgent inserts a new agent row, enforcing the case-insensitive
// per-project name uniqueness constraint via the name_lower column. Callers
// are expected to have already run the agent-name validation catalogue
// (internal/dispatcher) before reaching the store.
func (s *Store) RegisterAgent(ctx context.Context, a model.Agent) (model.Agent, error) {
	capsJSON, err := marshalCapabilities(a.Capabilities)
	if err != nil {
		return model.Agent{}, fmt.Errorf("storage: marshal capabilities: %w", err)
	}

	now := time.Now()
	err = s.pool.WithRetry(ctx, 3, func(c *Conn) error {
		res, execErr := c.Raw().ExecContext(ctx,
			`INSERT INTO agents (project_id, name, name_lower, program, model, task_description, capabilities, last_active)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			a.ProjectID, a.Name, strings.ToLower(a.Name), a.Program, a.Model,
			nullableString(a.TaskDescription), capsJSON, now.UnixMicro())
		if execErr != nil {
			if isUniqueViolation(execErr) {
				return ErrAgentNameTaken
			}
			return fmt.Errorf("storage: insert agent: %w", execErr)
		}
		id, idErr := res.LastInsertId()
		if idErr != nil {
			return fmt.Errorf("storage: agent last insert id: %w", idErr)
		}
		a.ID = id
		a.LastActive = now
		return nil
	})
	return a, err
}

// GetAgentByName looks up an agent within project by its case-insensitive name.
func (s *Store) GetAgentByName(ctx context.Context, projectID int64, name string) (model.Agent, error) {
	var a model.Agent
	err := s.pool.WithRetry(ctx, 3, func(c *Conn) error {
		row := c.Raw().QueryRowContext(ctx,
			`SELECT id, project_id, name, program, model, task_description, capabilities, last_active
			 FROM agents WHERE project_id = ? AND name_lower = ?`,
			projectID, strings.ToLower(name))
		return scanAgent(row, &a)
	})
	return a, err
}

// AgentNamesInProject lists every registered name for a project, in
// registration order, for use by the "list registered agents" resource and
// by the UNIX-username/descriptive-name validation catalogue.
func (s *Store) AgentNamesInProject(ctx context.Context, projectID int64) ([]string, error) {
	var names []string
	err := s.pool.WithRetry(ctx, 3, func(c *Conn) error {
		rows, err := c.Raw().QueryContext(ctx,
			`SELECT name FROM agents WHERE project_id = ? ORDER BY id ASC`, projectID)
		if err != nil {
			return err
		}
		defer rows.Close()
		names = names[:0]
		for rows.Next() {
			var n string
			if err := rows.Scan(&n); err != nil {
				return err
			}
			names = append(names, n)
		}
		return rows.Err()
	})
	return names, err
}

// TouchLastActive bumps an agent's last_active timestamp, called on every
// successful tool invocation attributed to that agent.
func (s *Store) TouchLastActive(ctx context.Context, agentID int64, at time.Time) error {
	return s.pool.WithRetry(ctx, 3, func(c *Conn) error {
		_, err := c.Raw().ExecContext(ctx, `UPDATE agents SET last_active = ? WHERE id = ?`, at.UnixMicro(), agentID)
		return err
	})
}

func scanAgent(row *sql.Row, a *model.Agent) error {
	var taskDesc sql.NullString
	var capsJSON sql.NullString
	var lastActiveMicros int64
	err := row.Scan(&a.ID, &a.ProjectID, &a.Name, &a.Program, &a.Model, &taskDesc, &capsJSON, &lastActiveMicros)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("storage: scan agent: %w", err)
	}
	if taskDesc.Valid {
		v := taskDesc.String
		a.TaskDescription = &v
	}
	if capsJSON.Valid && capsJSON.String != "" {
		if err := json.Unmarshal([]byte(capsJSON.String), &a.Capabilities); err != nil {
			return fmt.Errorf("storage: unmarshal capabilities: %w", err)
		}
	}
	a.LastActive = model.TimeFromMicros(lastActiveMicros)
	return nil
}

func marshalCapabilities(caps []string) (string, error) {
	if len(caps) == 0 {
		return "", nil
	}
	b, err := json.Marshal(caps)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func nullableString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func isUniqueViolation(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}
