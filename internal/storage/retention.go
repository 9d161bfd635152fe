package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/loomhq/loomd/internal/model"
)

// RetentionPolicy is a project's data-retention configuration. A nil
// RetentionDays means "retain forever" — archived rows sit until an
// explicit purge is invoked (spec.md §3 "not purged unless an explicit
// reset is invoked").
type RetentionPolicy struct {
	RetentionDays *int
}

// PurgeCounts reports how many rows a purge run removed (or, for a dry
// run, would remove) from each retained table.
type PurgeCounts struct {
	MessagesDeleted      int64
	ReservationsDeleted  int64
}

// GetRetentionPolicy always succeeds; a project with no policy set reports
// RetentionDays == nil.
func (s *Store) GetRetentionPolicy(ctx context.Context, projectID int64) (RetentionPolicy, error) {
	var p RetentionPolicy
	err := s.pool.WithRetry(ctx, 3, func(c *Conn) error {
		var days sql.NullInt64
		row := c.Raw().QueryRowContext(ctx, `SELECT retention_days FROM projects WHERE id = ?`, projectID)
		if err := row.Scan(&days); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("storage: get retention policy: %w", err)
		}
		if days.Valid {
			v := int(days.Int64)
			p.RetentionDays = &v
		}
		return nil
	})
	return p, err
}

// SetRetentionPolicy upserts the project's retention_days. Pass nil to
// clear the policy (retain forever).
func (s *Store) SetRetentionPolicy(ctx context.Context, projectID int64, retentionDays *int) error {
	return s.pool.WithRetry(ctx, 3, func(c *Conn) error {
		_, err := c.Raw().ExecContext(ctx,
			`UPDATE projects SET retention_days = ? WHERE id = ?`,
			nullableRetentionDays(retentionDays), projectID)
		if err != nil {
			return fmt.Errorf("storage: set retention policy: %w", err)
		}
		return nil
	})
}

// ArchiveMessagesOlderThan marks every not-yet-archived message in project
// created before cutoff as archived, without deleting anything. This is the
// "soft-delete" half of spec.md §3's lifecycle. The caller supplies the
// cutoff; this method does not read the project's retention_days, and
// nothing in the store runs it on a schedule.
func (s *Store) ArchiveMessagesOlderThan(ctx context.Context, projectID int64, cutoff time.Time) (int64, error) {
	var n int64
	err := s.pool.WithRetry(ctx, 3, func(c *Conn) error {
		res, err := c.Raw().ExecContext(ctx,
			`UPDATE messages SET archived_at = ? WHERE project_id = ? AND archived_at IS NULL AND created_at < ?`,
			time.Now().UnixMicro(), projectID, cutoff.UnixMicro())
		if err != nil {
			return fmt.Errorf("storage: archive messages: %w", err)
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

// CountPurgeablePreview reports how many archived messages and terminal-
// state reservations a purge with cutoff would remove, without deleting
// anything — the dry-run path for an explicit reset.
func (s *Store) CountPurgeablePreview(ctx context.Context, projectID int64, cutoff time.Time) (PurgeCounts, error) {
	var c PurgeCounts
	err := s.pool.WithRetry(ctx, 3, func(conn *Conn) error {
		row := conn.Raw().QueryRowContext(ctx,
			`SELECT COUNT(*) FROM messages WHERE project_id = ? AND archived_at IS NOT NULL AND archived_at < ?`,
			projectID, cutoff.UnixMicro())
		if err := row.Scan(&c.MessagesDeleted); err != nil {
			return fmt.Errorf("storage: count purgeable messages: %w", err)
		}
		row = conn.Raw().QueryRowContext(ctx,
			`SELECT COUNT(*) FROM file_reservations
			 WHERE project_id = ? AND status IN (?, ?) AND released_at IS NOT NULL AND released_at < ?`,
			projectID, string(model.ReservationReleased), string(model.ReservationExpired), cutoff.UnixMicro())
		if err := row.Scan(&c.ReservationsDeleted); err != nil {
			return fmt.Errorf("storage: count purgeable reservations: %w", err)
		}
		return nil
	})
	return c, err
}

// PurgeArchived deletes archived messages (and their recipient rows) and
// terminal-state reservations older than cutoff, logging the run in
// deletion_log. This is the explicit reset spec.md §3 requires before
// archived rows are actually removed — nothing purges on its own.
func (s *Store) PurgeArchived(ctx context.Context, projectID int64, cutoff time.Time, trigger, initiatedBy string) (PurgeCounts, error) {
	var counts PurgeCounts
	err := s.pool.WithRetry(ctx, 3, func(c *Conn) error {
		criteria, _ := json.Marshal(map[string]any{"before": cutoff})

		tx, err := c.Raw().BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("storage: begin purge tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		logRes, err := tx.ExecContext(ctx,
			`INSERT INTO deletion_log (project_id, trigger, initiated_by, criteria_json, started_at)
			 VALUES (?, ?, ?, ?, ?)`,
			projectID, trigger, nullableEmptyString(initiatedBy), string(criteria), time.Now().UnixMicro())
		if err != nil {
			return fmt.Errorf("storage: start deletion log: %w", err)
		}
		logID, err := logRes.LastInsertId()
		if err != nil {
			return err
		}

		var ids []int64
		rows, err := tx.QueryContext(ctx,
			`SELECT id FROM messages WHERE project_id = ? AND archived_at IS NOT NULL AND archived_at < ?`,
			projectID, cutoff.UnixMicro())
		if err != nil {
			return fmt.Errorf("storage: select purgeable messages: %w", err)
		}
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `DELETE FROM message_recipients WHERE message_id = ?`, id); err != nil {
				return fmt.Errorf("storage: purge message recipients: %w", err)
			}
			res, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id)
			if err != nil {
				return fmt.Errorf("storage: purge message: %w", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			counts.MessagesDeleted += n
		}

		res, err := tx.ExecContext(ctx,
			`DELETE FROM file_reservations
			 WHERE project_id = ? AND status IN (?, ?) AND released_at IS NOT NULL AND released_at < ?`,
			projectID, string(model.ReservationReleased), string(model.ReservationExpired), cutoff.UnixMicro())
		if err != nil {
			return fmt.Errorf("storage: purge reservations: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		counts.ReservationsDeleted = n

		if _, err := tx.ExecContext(ctx,
			`UPDATE deletion_log SET messages_deleted = ?, reservations_deleted = ?, completed_at = ? WHERE id = ?`,
			counts.MessagesDeleted, counts.ReservationsDeleted, time.Now().UnixMicro(), logID); err != nil {
			return fmt.Errorf("storage: complete deletion log: %w", err)
		}

		return tx.Commit()
	})
	return counts, err
}

func nullableRetentionDays(d *int) any {
	if d == nil {
		return nil
	}
	return *d
}
