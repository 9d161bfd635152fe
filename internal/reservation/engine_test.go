package reservation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loomhq/loomd/internal/model"
)

// fakeStore is an in-memory Store for engine tests.
type fakeStore struct {
	mu      sync.Mutex
	nextID  int64
	byID    map[int64]model.FileReservation
}

func newFakeStore() *fakeStore {
	return &fakeStore{byID: make(map[int64]model.FileReservation)}
}

func (f *fakeStore) ActiveReservations(_ context.Context, projectID int64) ([]model.FileReservation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.FileReservation
	for _, r := range f.byID {
		if r.ProjectID == projectID && r.Status == model.ReservationActive {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeStore) InsertReservation(_ context.Context, r model.FileReservation) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	r.ID = f.nextID
	f.byID[r.ID] = r
	return r.ID, nil
}

func (f *fakeStore) ExtendReservation(_ context.Context, id int64, expiresAt *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.byID[id]
	r.ExpiresAt = expiresAt
	f.byID[id] = r
	return nil
}

func (f *fakeStore) MarkReleased(_ context.Context, id int64, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.byID[id]
	r.Status = model.ReservationReleased
	r.ReleasedAt = &at
	f.byID[id] = r
	return nil
}

func (f *fakeStore) MarkExpired(_ context.Context, ids []int64, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		r := f.byID[id]
		r.Status = model.ReservationExpired
		f.byID[id] = r
	}
	return nil
}

func (f *fakeStore) GetReservation(_ context.Context, id int64) (model.FileReservation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byID[id], nil
}

func TestReserveThenConflict(t *testing.T) {
	store := newFakeStore()
	e := New(store)
	ctx := context.Background()

	r1, err := e.Reserve(ctx, 1, 100, "src/foo/*.rs", "edit", nil)
	require.NoError(t, err)
	require.Equal(t, model.ReservationActive, r1.Status)

	_, err = e.Reserve(ctx, 1, 200, "src/*/bar.rs", "edit", nil)
	var conflictErr *ConflictError
	require.ErrorAs(t, err, &conflictErr)
	require.Equal(t, r1.ID, conflictErr.ConflictingID)
}

func TestReserveNonOverlappingSucceeds(t *testing.T) {
	store := newFakeStore()
	e := New(store)
	ctx := context.Background()

	_, err := e.Reserve(ctx, 1, 100, "src/foo/*", "edit", nil)
	require.NoError(t, err)

	_, err = e.Reserve(ctx, 1, 200, "src/bar/*", "edit", nil)
	require.NoError(t, err)
}

func TestReserveSameAgentReentersAndExtends(t *testing.T) {
	store := newFakeStore()
	e := New(store)
	ctx := context.Background()

	r1, err := e.Reserve(ctx, 1, 100, "src/foo/*.rs", "edit", nil)
	require.NoError(t, err)

	exp := time.Now().Add(time.Hour)
	r2, err := e.Reserve(ctx, 1, 100, "src/foo/bar.rs", "edit", &exp)
	require.NoError(t, err)
	require.Equal(t, r1.ID, r2.ID, "same-agent overlapping request should extend the existing reservation")
}

func TestReleaseRequiresOwnership(t *testing.T) {
	store := newFakeStore()
	e := New(store)
	ctx := context.Background()

	r1, err := e.Reserve(ctx, 1, 100, "src/*", "edit", nil)
	require.NoError(t, err)

	err = e.Release(ctx, r1.ID, 999)
	require.Error(t, err)

	err = e.Release(ctx, r1.ID, 100)
	require.NoError(t, err)
}

func TestExpiredReservationNoLongerConflicts(t *testing.T) {
	store := newFakeStore()
	e := New(store)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	_, err := e.Reserve(ctx, 1, 100, "src/*", "edit", &past)
	require.NoError(t, err)

	// The expired reservation should be swept before the new one is checked.
	_, err = e.Reserve(ctx, 1, 200, "src/foo", "edit", nil)
	require.NoError(t, err)
}
