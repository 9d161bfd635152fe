package reservation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/loomhq/loomd/internal/model"
)

// ErrConflict is returned when a requested pattern overlaps an active
// reservation held by a different agent. Callers should unwrap with
// errors.As into *ConflictError for the conflicting reservation id.
var ErrConflict = errors.New("reservation: conflict")

// ConflictError carries the id of the reservation a request collided with.
type ConflictError struct {
	ConflictingID int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("reservation: conflicts with active reservation %d", e.ConflictingID)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// Store is the persistence boundary the Engine needs. A storage-backed
// implementation lives in internal/storage; tests may use an in-memory fake.
type Store interface {
	ActiveReservations(ctx context.Context, projectID int64) ([]model.FileReservation, error)
	InsertReservation(ctx context.Context, r model.FileReservation) (int64, error)
	ExtendReservation(ctx context.Context, id int64, expiresAt *time.Time) error
	MarkReleased(ctx context.Context, id int64, at time.Time) error
	MarkExpired(ctx context.Context, ids []int64, at time.Time) error
	GetReservation(ctx context.Context, id int64) (model.FileReservation, error)
}

// Engine implements the reservation lifecycle state machine and
// overlap-based conflict detection (spec.md §4.3).
type Engine struct {
	store Store
	cache *OverlapCache
	now   func() time.Time
}

// New creates a reservation Engine backed by store.
func New(store Store) *Engine {
	return &Engine{store: store, cache: NewOverlapCache(), now: time.Now}
}

// Reserve attempts to move a (project, agent, pattern) request from
// "requested" to "active". If an overlapping reservation is already active
// for a different agent, it returns a *ConflictError. If the same agent
// already holds an overlapping active reservation, that reservation is
// extended in place (re-entrance) rather than creating a new row.
func (e *Engine) Reserve(ctx context.Context, projectID, agentID int64, pattern, intent string, expiresAt *time.Time) (model.FileReservation, error) {
	active, err := e.expireStaleAndList(ctx, projectID)
	if err != nil {
		return model.FileReservation{}, fmt.Errorf("reservation: list active: %w", err)
	}

	for _, r := range active {
		if !e.cache.Overlap(r.Pattern, pattern) {
			continue
		}
		if r.AgentID == agentID {
			if err := e.store.ExtendReservation(ctx, r.ID, expiresAt); err != nil {
				return model.FileReservation{}, fmt.Errorf("reservation: extend: %w", err)
			}
			r.ExpiresAt = expiresAt
			return r, nil
		}
		return model.FileReservation{}, &ConflictError{ConflictingID: r.ID}
	}

	now := e.now()
	newRes := model.FileReservation{
		ProjectID:  projectID,
		AgentID:    agentID,
		Pattern:    pattern,
		Intent:     intent,
		Status:     model.ReservationActive,
		AcquiredAt: now,
		ExpiresAt:  expiresAt,
	}
	id, err := e.store.InsertReservation(ctx, newRes)
	if err != nil {
		return model.FileReservation{}, fmt.Errorf("reservation: insert: %w", err)
	}
	newRes.ID = id
	return newRes, nil
}

// Release transitions a reservation to "released". Only the owning agent
// may release its own reservation.
func (e *Engine) Release(ctx context.Context, reservationID, agentID int64) error {
	r, err := e.store.GetReservation(ctx, reservationID)
	if err != nil {
		return fmt.Errorf("reservation: get: %w", err)
	}
	if r.AgentID != agentID {
		return fmt.Errorf("reservation: agent %d does not own reservation %d", agentID, reservationID)
	}
	if r.Status != model.ReservationActive {
		return fmt.Errorf("reservation: %d is not active (status=%s)", reservationID, r.Status)
	}
	return e.store.MarkReleased(ctx, reservationID, e.now())
}

// expireStaleAndList lists active reservations for the project, first
// sweeping any whose expires_at has passed (invariant 4: for every active
// reservation, acquired_at <= now <= expires_at when expires_at is set).
func (e *Engine) expireStaleAndList(ctx context.Context, projectID int64) ([]model.FileReservation, error) {
	all, err := e.store.ActiveReservations(ctx, projectID)
	if err != nil {
		return nil, err
	}
	now := e.now()
	var expiredIDs []int64
	live := all[:0]
	for _, r := range all {
		if r.ExpiresAt != nil && now.After(*r.ExpiresAt) {
			expiredIDs = append(expiredIDs, r.ID)
			continue
		}
		live = append(live, r)
	}
	if len(expiredIDs) > 0 {
		if err := e.store.MarkExpired(ctx, expiredIDs, now); err != nil {
			return nil, fmt.Errorf("mark expired: %w", err)
		}
	}
	return live, nil
}
