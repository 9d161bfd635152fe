package storage

// Store is the entity-CRUD façade over a Pool: projects, agents, messages,
// and file reservations. It implements reservation.Store so the reservation
// engine (internal/reservation) can be wired to real persistence.
type Store struct {
	pool *Pool
}

// New wraps an already-opened Pool in a Store.
func New(pool *Pool) *Store {
	return &Store{pool: pool}
}

// Pool returns the underlying connection pool, for callers (the integrity
// guard, the governor) that need raw access.
func (s *Store) Pool() *Pool { return s.pool }
