// Package storage provides the embedded-SQLite storage layer for loomd:
// a bounded connection pool with integrity probes and proactive backup,
// CRUD for projects/agents/messages/reservations, and a CAS update_max
// primitive, all as described in spec.md §4.1 and §3.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// AcquireTier classifies how long a pool Acquire call took to return a
// connection (spec.md §4.1): Green <=10ms, Yellow <=50ms, Red <=200ms.
type AcquireTier int

const (
	TierGreen AcquireTier = iota
	TierYellow
	TierRed
)

func (t AcquireTier) String() string {
	switch t {
	case TierGreen:
		return "green"
	case TierYellow:
		return "yellow"
	case TierRed:
		return "red"
	default:
		return "unknown"
	}
}

func classifyAcquire(d time.Duration) AcquireTier {
	switch {
	case d <= 10*time.Millisecond:
		return TierGreen
	case d <= 50*time.Millisecond:
		return TierYellow
	default:
		return TierRed
	}
}

// Config configures the Pool's sizing, timeouts, and startup behavior.
type Config struct {
	Path           string // database file path
	Min            int    // connections warmed at startup
	Max            int    // hard cap; Acquire beyond this blocks or times out
	AcquireTimeout time.Duration
	MaxLifetime    time.Duration
	Warmup         bool
	RunMigrations  bool
	BackupPath     string // sibling path for proactive backup; empty disables it
}

// ErrPoolExhausted is returned when Acquire cannot obtain a connection
// before AcquireTimeout elapses.
type ErrPoolExhausted struct {
	PoolSize    int
	MaxOverflow int
}

func (e *ErrPoolExhausted) Error() string {
	return fmt.Sprintf("storage: pool exhausted (size=%d, max_overflow=%d)", e.PoolSize, e.MaxOverflow)
}

// AcquireLatencyObserver receives each Acquire's measured latency, letting
// the backpressure governor (spec.md §4.6) consume the signal without this
// package importing it directly.
type AcquireLatencyObserver func(d time.Duration, tier AcquireTier)

// Pool is a bounded FIFO of embedded-SQLite connections with acquire/release
// accounting and a per-connection max-lifetime.
type Pool struct {
	cfg    Config
	db     *sql.DB
	logger *slog.Logger
	sem    chan struct{}

	mu       sync.Mutex
	observer AcquireLatencyObserver
}

// Open creates and warms a Pool per cfg. On startup it runs, in order: a
// file-health probe (see probeFileHealth), a quick integrity check,
// migrations (if cfg.RunMigrations), and a proactive backup (if
// cfg.BackupPath is set).
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Pool, error) {
	if cfg.Max <= 0 {
		cfg.Max = 10
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 30 * time.Second
	}

	if err := probeFileHealth(cfg.Path); err != nil {
		return nil, fmt.Errorf("storage: file-health probe: %w", err)
	}

	dsn := cfg.Path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open: %w", err)
	}
	db.SetMaxOpenConns(cfg.Max)
	if cfg.MaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.MaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: ping: %w", err)
	}

	p := &Pool{
		cfg:    cfg,
		db:     db,
		logger: logger,
		sem:    make(chan struct{}, cfg.Max),
	}

	if _, err := QuickIntegrityCheck(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: quick integrity check: %w", err)
	}

	if cfg.RunMigrations {
		if err := RunMigrations(ctx, db); err != nil {
			db.Close()
			return nil, fmt.Errorf("storage: migrate: %w", err)
		}
	}

	if cfg.BackupPath != "" {
		if err := BackupTo(ctx, db, cfg.BackupPath); err != nil {
			logger.Warn("storage: proactive backup failed", "error", err)
		}
	}

	if cfg.Warmup && cfg.Min > 0 {
		p.warm(ctx, cfg.Min)
	}

	return p, nil
}

// probeFileHealth verifies that path can be opened (or created) as a
// read-write file before the pool takes ownership of it. It applies no
// SQLite recovery pragmas; the pool's DSN sets only busy_timeout and WAL
// journal mode.
func probeFileHealth(path string) error {
	if path == ":memory:" {
		return nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

func (p *Pool) warm(ctx context.Context, n int) {
	conns := make([]*sql.Conn, 0, n)
	for i := 0; i < n; i++ {
		c, err := p.db.Conn(ctx)
		if err != nil {
			p.logger.Warn("storage: warmup connection failed", "error", err)
			break
		}
		conns = append(conns, c)
	}
	for _, c := range conns {
		_ = c.Close()
	}
}

// SetAcquireObserver registers a callback invoked with every Acquire's
// measured latency and tier.
func (p *Pool) SetAcquireObserver(fn AcquireLatencyObserver) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.observer = fn
}

// Acquire blocks (up to cfg.AcquireTimeout) for a free slot in the bounded
// pool, then returns a live *sql.Conn. Release must be called exactly once
// on the returned conn (via Conn.Release, not sql.Conn.Close, to keep the
// semaphore accounting correct).
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	start := time.Now()

	acquireCtx, cancel := context.WithTimeout(ctx, p.cfg.AcquireTimeout)
	defer cancel()

	select {
	case p.sem <- struct{}{}:
	case <-acquireCtx.Done():
		return nil, &ErrPoolExhausted{PoolSize: p.cfg.Max, MaxOverflow: 0}
	}

	latency := time.Since(start)
	p.mu.Lock()
	obs := p.observer
	p.mu.Unlock()
	if obs != nil {
		obs(latency, classifyAcquire(latency))
	}

	c, err := p.db.Conn(ctx)
	if err != nil {
		<-p.sem
		return nil, fmt.Errorf("storage: acquire connection: %w", err)
	}
	return &Conn{pool: p, conn: c}, nil
}

// WithRetry retries Acquire with jittered exponential backoff up to
// maxAttempts times, returning the last error if all attempts fail.
func (p *Pool) WithRetry(ctx context.Context, maxAttempts int, fn func(c *Conn) error) error {
	var lastErr error
	backoff := 20 * time.Millisecond
	for attempt := 0; attempt < maxAttempts; attempt++ {
		c, err := p.Acquire(ctx)
		if err != nil {
			var exhausted *ErrPoolExhausted
			if !errors.As(err, &exhausted) {
				return err
			}
			lastErr = err
			jitter := time.Duration(rand.Int64N(int64(backoff)))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff + jitter):
			}
			backoff *= 2
			continue
		}
		err = fn(c)
		c.Release()
		if err == nil {
			return nil
		}
		lastErr = err
		if !isRetriable(err) {
			return err
		}
	}
	return lastErr
}

// DB returns the underlying *sql.DB for callers that need raw access (e.g.
// the integrity guard's periodic checks). Prefer Acquire for request-scoped work.
func (p *Pool) DB() *sql.DB { return p.db }

// Ping checks connectivity without acquiring a tracked slot.
func (p *Pool) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close shuts down the pool's underlying database handle.
func (p *Pool) Close() error {
	return p.db.Close()
}

// Conn is an acquired pool connection; callers MUST call Release exactly once.
type Conn struct {
	pool *Pool
	conn *sql.Conn
}

// Raw exposes the underlying *sql.Conn for queries.
func (c *Conn) Raw() *sql.Conn { return c.conn }

// Release returns the connection to the pool, freeing its semaphore slot.
func (c *Conn) Release() {
	_ = c.conn.Close()
	<-c.pool.sem
}
