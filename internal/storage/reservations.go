package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/loomhq/loomd/internal/model"
)

// ActiveReservations implements reservation.Store: every reservation in
// project currently in the "active" state.
func (s *Store) ActiveReservations(ctx context.Context, projectID int64) ([]model.FileReservation, error) {
	var out []model.FileReservation
	err := s.pool.WithRetry(ctx, 3, func(c *Conn) error {
		rows, err := c.Raw().QueryContext(ctx,
			`SELECT id, project_id, agent_id, pattern, intent, status, acquired_at, released_at, expires_at
			 FROM file_reservations WHERE project_id = ? AND status = ?`,
			projectID, string(model.ReservationActive))
		if err != nil {
			return err
		}
		defer rows.Close()
		out = out[:0]
		for rows.Next() {
			var r model.FileReservation
			if err := scanReservationRow(rows, &r); err != nil {
				return err
			}
			out = append(out, r)
		}
		return rows.Err()
	})
	return out, err
}

// InsertReservation implements reservation.Store.
func (s *Store) InsertReservation(ctx context.Context, r model.FileReservation) (int64, error) {
	var id int64
	err := s.pool.WithRetry(ctx, 3, func(c *Conn) error {
		res, execErr := c.Raw().ExecContext(ctx,
			`INSERT INTO file_reservations (project_id, agent_id, pattern, intent, status, acquired_at, released_at, expires_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ProjectID, r.AgentID, r.Pattern, r.Intent, string(r.Status),
			r.AcquiredAt.UnixMicro(), nullableMicros(nil), nullableMicros(r.ExpiresAt))
		if execErr != nil {
			return fmt.Errorf("storage: insert reservation: %w", execErr)
		}
		lastID, idErr := res.LastInsertId()
		if idErr != nil {
			return idErr
		}
		id = lastID
		return nil
	})
	return id, err
}

// ExtendReservation implements reservation.Store: updates expires_at for an
// in-place re-entrant reservation.
func (s *Store) ExtendReservation(ctx context.Context, id int64, expiresAt *time.Time) error {
	return s.pool.WithRetry(ctx, 3, func(c *Conn) error {
		_, err := c.Raw().ExecContext(ctx,
			`UPDATE file_reservations SET expires_at = ? WHERE id = ?`, nullableMicros(expiresAt), id)
		return err
	})
}

// MarkReleased implements reservation.Store.
func (s *Store) MarkReleased(ctx context.Context, id int64, at time.Time) error {
	return s.pool.WithRetry(ctx, 3, func(c *Conn) error {
		_, err := c.Raw().ExecContext(ctx,
			`UPDATE file_reservations SET status = ?, released_at = ? WHERE id = ?`,
			string(model.ReservationReleased), at.UnixMicro(), id)
		return err
	})
}

// MarkExpired implements reservation.Store, transitioning every id in ids to
// the "expired" terminal state in one statement.
func (s *Store) MarkExpired(ctx context.Context, ids []int64, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, 0, len(ids)+2)
	args = append(args, string(model.ReservationExpired), at.UnixMicro())
	for i, id := range ids {
		placeholders[i] = "?"
		args = append(args, id)
	}
	q := fmt.Sprintf(`UPDATE file_reservations SET status = ?, released_at = ? WHERE id IN (%s)`,
		strings.Join(placeholders, ","))
	return s.pool.WithRetry(ctx, 3, func(c *Conn) error {
		_, err := c.Raw().ExecContext(ctx, q, args...)
		return err
	})
}

// GetReservation implements reservation.Store.
func (s *Store) GetReservation(ctx context.Context, id int64) (model.FileReservation, error) {
	var r model.FileReservation
	err := s.pool.WithRetry(ctx, 3, func(c *Conn) error {
		row := c.Raw().QueryRowContext(ctx,
			`SELECT id, project_id, agent_id, pattern, intent, status, acquired_at, released_at, expires_at
			 FROM file_reservations WHERE id = ?`, id)
		return scanReservationRowSingle(row, &r)
	})
	return r, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReservationRow(rows *sql.Rows, r *model.FileReservation) error {
	return scanReservation(rows, r)
}

func scanReservationRowSingle(row *sql.Row, r *model.FileReservation) error {
	err := scanReservation(row, r)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func scanReservation(s rowScanner, r *model.FileReservation) error {
	var status string
	var acquiredMicros int64
	var releasedMicros, expiresMicros sql.NullInt64
	if err := s.Scan(&r.ID, &r.ProjectID, &r.AgentID, &r.Pattern, &r.Intent, &status,
		&acquiredMicros, &releasedMicros, &expiresMicros); err != nil {
		return err
	}
	r.Status = model.ReservationStatus(status)
	r.AcquiredAt = model.TimeFromMicros(acquiredMicros)
	if releasedMicros.Valid {
		t := model.TimeFromMicros(releasedMicros.Int64)
		r.ReleasedAt = &t
	}
	if expiresMicros.Valid {
		t := model.TimeFromMicros(expiresMicros.Int64)
		r.ExpiresAt = &t
	}
	return nil
}

func nullableMicros(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMicro()
}
