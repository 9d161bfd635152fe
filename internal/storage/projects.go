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

// EnsureProject fetches the project identified by humanKey, creating it
// (with slugHint, or a slug derived from humanKey) if it doesn't already
// exist. A slug already held by another project fails the insert with
// ErrUniqueViolation.
// Projects are never deleted once observed (spec.md §3 lifecycle).
func (s *Store) EnsureProject(ctx context.Context, humanKey, slugHint string) (model.Project, error) {
	var p model.Project
	err := s.pool.WithRetry(ctx, 3, func(c *Conn) error {
		row := c.Raw().QueryRowContext(ctx, `SELECT id, slug, human_key, created_at FROM projects WHERE human_key = ?`, humanKey)
		var createdMicros int64
		scanErr := row.Scan(&p.ID, &p.Slug, &p.HumanKey, &createdMicros)
		if scanErr == nil {
			p.CreatedAt = model.TimeFromMicros(createdMicros)
			return nil
		}
		if !errors.Is(scanErr, sql.ErrNoRows) {
			return fmt.Errorf("storage: lookup project: %w", scanErr)
		}

		slug := slugHint
		if slug == "" {
			slug = deriveSlug(humanKey)
		}
		now := time.Now()
		res, execErr := c.Raw().ExecContext(ctx,
			`INSERT INTO projects (slug, human_key, created_at) VALUES (?, ?, ?)`,
			slug, humanKey, now.UnixMicro())
		if execErr != nil {
			if isUniqueViolation(execErr) {
				return fmt.Errorf("storage: insert project: %w", ErrUniqueViolation)
			}
			return fmt.Errorf("storage: insert project: %w", execErr)
		}
		id, idErr := res.LastInsertId()
		if idErr != nil {
			return fmt.Errorf("storage: project last insert id: %w", idErr)
		}
		p = model.Project{ID: id, Slug: slug, HumanKey: humanKey, CreatedAt: now}
		return nil
	})
	return p, err
}

// GetProjectBySlugOrKey resolves a project by either its slug or its
// human_key, matching the identity-resolution step of the tool dispatcher
// (spec.md §4.9).
func (s *Store) GetProjectBySlugOrKey(ctx context.Context, slugOrKey string) (model.Project, error) {
	var p model.Project
	err := s.pool.WithRetry(ctx, 3, func(c *Conn) error {
		row := c.Raw().QueryRowContext(ctx,
			`SELECT id, slug, human_key, created_at FROM projects WHERE slug = ? OR human_key = ?`,
			slugOrKey, slugOrKey)
		var createdMicros int64
		scanErr := row.Scan(&p.ID, &p.Slug, &p.HumanKey, &createdMicros)
		if errors.Is(scanErr, sql.ErrNoRows) {
			return ErrNotFound
		}
		if scanErr != nil {
			return fmt.Errorf("storage: lookup project: %w", scanErr)
		}
		p.CreatedAt = model.TimeFromMicros(createdMicros)
		return nil
	})
	return p, err
}

// deriveSlug lowercases and strips humanKey down to the `[a-z0-9_]{1,20}`
// shape spec.md §3 requires, using the last path segment as the seed.
func deriveSlug(humanKey string) string {
	seed := humanKey
	if idx := strings.LastIndexByte(seed, '/'); idx >= 0 {
		seed = seed[idx+1:]
	}
	var b strings.Builder
	for _, r := range strings.ToLower(seed) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '_' || r == '-' || r == ' ':
			b.WriteByte('_')
		}
		if b.Len() >= 20 {
			break
		}
	}
	if b.Len() == 0 {
		return "project"
	}
	return b.String()
}
