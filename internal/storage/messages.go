package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/loomhq/loomd/internal/model"
)

// CreateMessage inserts a Message and its recipient fan-out rows inside a
// single transaction, so a message is never observable without its
// recipients (spec.md §3 "Message/identity store").
func (s *Store) CreateMessage(ctx context.Context, m model.Message) (model.Message, error) {
	err := s.pool.WithRetry(ctx, 3, func(c *Conn) error {
		tx, err := c.Raw().BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("storage: begin message tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx,
			`INSERT INTO messages (project_id, sender_id, subject, body_md, thread_id, importance, ack_required, attachments_json, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ProjectID, m.SenderID, m.Subject, m.BodyMD, nullableThread(m.ThreadID),
			string(m.Importance), boolToInt(m.AckRequired), nullableEmptyString(m.AttachmentsRaw),
			m.CreatedAt.UnixMicro())
		if err != nil {
			return fmt.Errorf("storage: insert message: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		m.ID = id

		for i := range m.Recipients {
			m.Recipients[i].MessageID = id
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO message_recipients (message_id, agent_id, role) VALUES (?, ?, ?)`,
				id, m.Recipients[i].AgentID, string(m.Recipients[i].Role)); err != nil {
				return fmt.Errorf("storage: insert recipient: %w", err)
			}
		}
		return tx.Commit()
	})
	return m, err
}

// FetchInbox returns messages addressed to agentID (any recipient role),
// newest-first, paged by the PageToken cursor and narrowed by filters.
func (s *Store) FetchInbox(ctx context.Context, agentID int64, filters model.QueryFilters, after *model.PageToken, limit int) ([]model.Message, *model.PageToken, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	q := `SELECT m.id, m.project_id, m.sender_id, m.subject, m.body_md, m.thread_id,
	             m.importance, m.ack_required, m.attachments_json, m.created_at, m.archived_at
	      FROM messages m
	      JOIN message_recipients r ON r.message_id = m.id
	      WHERE r.agent_id = ?`
	args := []any{agentID}

	if filters.ProjectID != nil {
		q += ` AND m.project_id = ?`
		args = append(args, *filters.ProjectID)
	}
	if filters.ThreadID != nil {
		q += ` AND m.thread_id = ?`
		args = append(args, *filters.ThreadID)
	}
	if len(filters.ImportanceIn) > 0 {
		placeholders := ""
		for i, imp := range filters.ImportanceIn {
			if i > 0 {
				placeholders += ","
			}
			placeholders += "?"
			args = append(args, string(imp))
		}
		q += fmt.Sprintf(` AND m.importance IN (%s)`, placeholders)
	}
	if after != nil && after.AfterID > 0 {
		q += ` AND m.id < ?`
		args = append(args, after.AfterID)
	}
	q += ` ORDER BY m.id DESC LIMIT ?`
	args = append(args, limit+1)

	var out []model.Message
	err := s.pool.WithRetry(ctx, 3, func(c *Conn) error {
		rows, err := c.Raw().QueryContext(ctx, q, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		out = out[:0]
		for rows.Next() {
			var msg model.Message
			if err := scanMessage(rows, &msg); err != nil {
				return err
			}
			out = append(out, msg)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, nil, err
	}

	var next *model.PageToken
	if len(out) > limit {
		out = out[:limit]
		next = &model.PageToken{AfterID: out[len(out)-1].ID}
	}
	return out, next, nil
}

// AllMessages returns every non-archived message across all projects,
// oldest-first, for use in a full search reindex. There is no paging here:
// callers that need a bound should wrap it with a limit at the call site.
func (s *Store) AllMessages(ctx context.Context) ([]model.Message, error) {
	var out []model.Message
	err := s.pool.WithRetry(ctx, 3, func(c *Conn) error {
		rows, err := c.Raw().QueryContext(ctx,
			`SELECT id, project_id, sender_id, subject, body_md, thread_id,
			        importance, ack_required, attachments_json, created_at, archived_at
			 FROM messages WHERE archived_at IS NULL ORDER BY id ASC`)
		if err != nil {
			return err
		}
		defer rows.Close()
		out = out[:0]
		for rows.Next() {
			var msg model.Message
			if err := scanMessage(rows, &msg); err != nil {
				return err
			}
			out = append(out, msg)
		}
		return rows.Err()
	})
	return out, err
}

// Acknowledge marks a (message, agent) recipient row as acked, idempotently.
func (s *Store) Acknowledge(ctx context.Context, messageID, agentID int64, at time.Time) error {
	return s.pool.WithRetry(ctx, 3, func(c *Conn) error {
		res, err := c.Raw().ExecContext(ctx,
			`UPDATE message_recipients SET acked_at = ? WHERE message_id = ? AND agent_id = ?`,
			at.UnixMicro(), messageID, agentID)
		if err != nil {
			return fmt.Errorf("storage: acknowledge: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func scanMessage(rows *sql.Rows, m *model.Message) error {
	var threadID sql.NullString
	var attachments sql.NullString
	var archivedMicros sql.NullInt64
	var createdMicros int64
	var importance string
	var ackInt int
	if err := rows.Scan(&m.ID, &m.ProjectID, &m.SenderID, &m.Subject, &m.BodyMD, &threadID,
		&importance, &ackInt, &attachments, &createdMicros, &archivedMicros); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	m.Importance = model.Importance(importance)
	m.AckRequired = ackInt != 0
	m.CreatedAt = model.TimeFromMicros(createdMicros)
	if threadID.Valid {
		v := threadID.String
		m.ThreadID = &v
	}
	if attachments.Valid {
		m.AttachmentsRaw = attachments.String
	}
	if archivedMicros.Valid {
		t := model.TimeFromMicros(archivedMicros.Int64)
		m.ArchivedAt = &t
	}
	return nil
}

func nullableThread(t *string) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullableEmptyString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
