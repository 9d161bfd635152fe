package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrIdempotencyPayloadMismatch is returned when the same idempotency key is
// replayed for the same (project, agent, tool) with a different request
// payload hash.
var ErrIdempotencyPayloadMismatch = errors.New("storage: idempotency key reused with different payload")

// ErrIdempotencyInProgress indicates a matching idempotency key is still
// being processed by another in-flight call.
var ErrIdempotencyInProgress = errors.New("storage: idempotency key request already in progress")

// IdempotencyLookup describes the result of reserving or checking a key.
type IdempotencyLookup struct {
	Owned        bool // the caller now owns processing; no prior record existed
	Completed    bool
	ResponseJSON string
}

// BeginIdempotency reserves (projectID, agentID, toolName, key) for
// processing. If a record already exists with a matching requestHash and
// status "completed", Completed is true and ResponseJSON holds the prior
// response to replay. A mismatched requestHash returns
// ErrIdempotencyPayloadMismatch; an in-progress record from another caller
// returns ErrIdempotencyInProgress. Stale in-progress rows are not taken
// over here — they clear via CleanupIdempotencyKeys, same as the teacher's
// approach: a crash between BeginIdempotency and CompleteIdempotency must
// not let a retry silently replay a half-applied mutation.
func (s *Store) BeginIdempotency(ctx context.Context, projectID, agentID int64, toolName, key, requestHash string) (IdempotencyLookup, error) {
	var out IdempotencyLookup
	err := s.pool.WithRetry(ctx, 3, func(c *Conn) error {
		now := time.Now().UnixMicro()
		res, err := c.Raw().ExecContext(ctx,
			`INSERT INTO idempotency_keys (project_id, agent_id, tool_name, idempotency_key, request_hash, status, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, 'in_progress', ?, ?)
			 ON CONFLICT (project_id, agent_id, tool_name, idempotency_key) DO NOTHING`,
			projectID, agentID, toolName, key, requestHash, now, now)
		if err != nil {
			return fmt.Errorf("storage: begin idempotency: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 1 {
			out = IdempotencyLookup{Owned: true}
			return nil
		}

		var storedHash, status string
		var responseJSON sql.NullString
		err = c.Raw().QueryRowContext(ctx,
			`SELECT request_hash, status, response_json FROM idempotency_keys
			 WHERE project_id = ? AND agent_id = ? AND tool_name = ? AND idempotency_key = ?`,
			projectID, agentID, toolName, key,
		).Scan(&storedHash, &status, &responseJSON)
		if err != nil {
			return fmt.Errorf("storage: lookup idempotency: %w", err)
		}
		if storedHash != requestHash {
			return ErrIdempotencyPayloadMismatch
		}
		if status == "completed" {
			out = IdempotencyLookup{Completed: true, ResponseJSON: responseJSON.String}
			return nil
		}
		return ErrIdempotencyInProgress
	})
	return out, err
}

// CompleteIdempotency stores the final response body for a reserved key.
func (s *Store) CompleteIdempotency(ctx context.Context, projectID, agentID int64, toolName, key string, response any) error {
	payload, err := json.Marshal(response)
	if err != nil {
		return fmt.Errorf("storage: marshal idempotency response: %w", err)
	}
	return s.pool.WithRetry(ctx, 3, func(c *Conn) error {
		res, err := c.Raw().ExecContext(ctx,
			`UPDATE idempotency_keys SET status = 'completed', response_json = ?, updated_at = ?
			 WHERE project_id = ? AND agent_id = ? AND tool_name = ? AND idempotency_key = ? AND status = 'in_progress'`,
			string(payload), time.Now().UnixMicro(), projectID, agentID, toolName, key)
		if err != nil {
			return fmt.Errorf("storage: complete idempotency: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return fmt.Errorf("storage: complete idempotency: key not found or not in_progress")
		}
		return nil
	})
}

// ClearInProgressIdempotency removes an in-progress reservation so a caller
// can retry after a failed attempt, rather than waiting out the cleanup TTL.
func (s *Store) ClearInProgressIdempotency(ctx context.Context, projectID, agentID int64, toolName, key string) error {
	return s.pool.WithRetry(ctx, 3, func(c *Conn) error {
		_, err := c.Raw().ExecContext(ctx,
			`DELETE FROM idempotency_keys
			 WHERE project_id = ? AND agent_id = ? AND tool_name = ? AND idempotency_key = ? AND status = 'in_progress'`,
			projectID, agentID, toolName, key)
		return err
	})
}

// CleanupIdempotencyKeys removes completed records older than completedTTL
// and abandoned in-progress records older than inProgressTTL, returning the
// number of rows removed.
func (s *Store) CleanupIdempotencyKeys(ctx context.Context, completedTTL, inProgressTTL time.Duration) (int64, error) {
	var removed int64
	err := s.pool.WithRetry(ctx, 3, func(c *Conn) error {
		now := time.Now()
		res, err := c.Raw().ExecContext(ctx,
			`DELETE FROM idempotency_keys
			 WHERE (status = 'completed' AND updated_at < ?)
			    OR (status = 'in_progress' AND updated_at < ?)`,
			now.Add(-completedTTL).UnixMicro(), now.Add(-inProgressTTL).UnixMicro())
		if err != nil {
			return fmt.Errorf("storage: cleanup idempotency keys: %w", err)
		}
		removed, err = res.RowsAffected()
		return err
	})
	return removed, err
}
