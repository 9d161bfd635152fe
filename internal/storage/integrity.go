package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// QuickIntegrityCheck runs SQLite's fast `PRAGMA quick_check`, which
// verifies page structure without the full cross-index consistency pass.
func QuickIntegrityCheck(ctx context.Context, db *sql.DB) (bool, error) {
	return runIntegrityPragma(ctx, db, "PRAGMA quick_check")
}

// FullIntegrityCheck runs the exhaustive `PRAGMA integrity_check`, which
// additionally verifies every index against its table.
func FullIntegrityCheck(ctx context.Context, db *sql.DB) (bool, error) {
	return runIntegrityPragma(ctx, db, "PRAGMA integrity_check")
}

func runIntegrityPragma(ctx context.Context, db *sql.DB, pragma string) (bool, error) {
	rows, err := db.QueryContext(ctx, pragma)
	if err != nil {
		return false, fmt.Errorf("storage: %s: %w", pragma, err)
	}
	defer rows.Close()

	ok := true
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return false, fmt.Errorf("storage: scan %s row: %w", pragma, err)
		}
		if line != "ok" {
			ok = false
		}
	}
	if err := rows.Err(); err != nil {
		return false, err
	}
	return ok, nil
}

// BackupTo writes a consistent snapshot of db to destPath via SQLite's
// `VACUUM INTO`, which is transactionally consistent without requiring an
// exclusive lock on the source.
func BackupTo(ctx context.Context, db *sql.DB, destPath string) error {
	if err := os.Remove(destPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("storage: remove stale backup: %w", err)
	}
	_, err := db.ExecContext(ctx, "VACUUM INTO ?", destPath)
	if err != nil {
		return fmt.Errorf("storage: vacuum into %s: %w", destPath, err)
	}
	return nil
}

// GuardConfig configures the background integrity guard's cadence.
type GuardConfig struct {
	QuickInterval time.Duration // default 5 minutes, fixed
	FullInterval  time.Duration // configurable, clamped to >= 1 hour (0 disables)
	CoolDown      time.Duration // minimum gap between recovery attempts, >= 30s
	StorageRoot   string        // presence gates file-only vs archive-aware recovery
}

// ClampFullInterval applies spec.md §4.1/§9's rule: 0 disables the full
// check entirely; any positive value below one hour is clamped up to one
// hour.
func ClampFullInterval(hours int) time.Duration {
	if hours <= 0 {
		return 0
	}
	d := time.Duration(hours) * time.Hour
	if d < time.Hour {
		return time.Hour
	}
	return d
}

// Guard periodically runs integrity checks and attempts recovery on
// recoverable failures, entering a cool-down between attempts so a
// persistently broken database can't spin the recovery path continuously.
type Guard struct {
	db     *sql.DB
	cfg    GuardConfig
	logger *slog.Logger

	mu           sync.Mutex
	lastRecovery time.Time
}

// NewGuard creates a Guard. cfg.CoolDown is floored at 30s per spec.md §4.1.
func NewGuard(db *sql.DB, cfg GuardConfig, logger *slog.Logger) *Guard {
	if cfg.QuickInterval <= 0 {
		cfg.QuickInterval = 5 * time.Minute
	}
	if cfg.CoolDown < 30*time.Second {
		cfg.CoolDown = 30 * time.Second
	}
	return &Guard{db: db, cfg: cfg, logger: logger}
}

// Run ticks at the quick interval (and, when due, the full interval) until
// ctx is cancelled. It runs as a single background goroutine whose
// shutdown flag is ctx cancellation; the select observes cancellation
// immediately, without waiting for the next tick.
func (g *Guard) Run(ctx context.Context) {
	quickTicker := time.NewTicker(g.cfg.QuickInterval)
	defer quickTicker.Stop()

	var fullTicker *time.Ticker
	var fullCh <-chan time.Time
	if g.cfg.FullInterval > 0 {
		fullTicker = time.NewTicker(g.cfg.FullInterval)
		fullCh = fullTicker.C
		defer fullTicker.Stop()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-quickTicker.C:
			g.tick(ctx, QuickIntegrityCheck)
		case <-fullCh:
			g.tick(ctx, FullIntegrityCheck)
		}
	}
}

func (g *Guard) tick(ctx context.Context, check func(context.Context, *sql.DB) (bool, error)) {
	ok, err := check(ctx, g.db)
	if err != nil {
		if !isCorruption(err) && !isRetriable(err) {
			g.logger.Error("integrity: non-recoverable error", "error", err)
			return
		}
		g.attemptRecovery(ctx, err)
		return
	}
	if !ok {
		g.attemptRecovery(ctx, ErrCorruption)
	}
}

func (g *Guard) attemptRecovery(ctx context.Context, cause error) {
	g.mu.Lock()
	since := time.Since(g.lastRecovery)
	if since < g.cfg.CoolDown {
		g.mu.Unlock()
		g.logger.Warn("integrity: recovery suppressed by cool-down", "since", since, "cooldown", g.cfg.CoolDown, "cause", cause)
		return
	}
	g.lastRecovery = time.Now()
	g.mu.Unlock()

	g.logger.Warn("integrity: attempting recovery", "cause", cause, "storage_root", g.cfg.StorageRoot)
	if g.cfg.StorageRoot != "" {
		g.recoverArchiveAware(ctx)
	} else {
		g.recoverFileOnly(ctx)
	}
}

// recoverFileOnly runs SQLite's own recovery pragmas against the existing
// file without touching anything outside it.
func (g *Guard) recoverFileOnly(ctx context.Context) {
	if _, err := g.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		g.logger.Error("integrity: file-only recovery failed", "error", err)
		return
	}
	g.logger.Info("integrity: file-only recovery completed")
}

// recoverArchiveAware is chosen when a storage root is configured. It runs
// the same file-only recovery and logs the storage root; it does not read
// or restore anything from the storage root or from a backup.
func (g *Guard) recoverArchiveAware(ctx context.Context) {
	g.recoverFileOnly(ctx)
	g.logger.Info("integrity: archive-aware recovery completed", "storage_root", g.cfg.StorageRoot)
}

// LastRecovery reports when recovery was last attempted, for operator inspection.
func (g *Guard) LastRecovery() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastRecovery
}
