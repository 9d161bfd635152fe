package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loomhq/loomd/internal/config"
	"github.com/loomhq/loomd/internal/dispatcher"
	"github.com/loomhq/loomd/internal/evidence"
	"github.com/loomhq/loomd/internal/governor"
	"github.com/loomhq/loomd/internal/model"
	"github.com/loomhq/loomd/internal/reservation"
	"github.com/loomhq/loomd/internal/search"
	"github.com/loomhq/loomd/internal/storage"
	"github.com/loomhq/loomd/internal/telemetry"
	"github.com/loomhq/loomd/internal/transport/httptransport"
	"github.com/loomhq/loomd/internal/transport/stdio"
	"github.com/loomhq/loomd/internal/tui"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := parseLogLevel(os.Getenv("LOOMD_LOG_LEVEL"))
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("loomd starting", "version", version, "http_port", cfg.HTTPPort)

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	pool, err := storage.Open(ctx, storage.Config{
		Path:           cfg.DBPath,
		Min:            cfg.PoolMin,
		Max:            cfg.PoolMax,
		AcquireTimeout: cfg.PoolAcquireTimeout,
		Warmup:         true,
		RunMigrations:  cfg.RunMigrations,
	}, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer func() { _ = pool.Close() }()

	store := storage.New(pool)
	reserveEngine := reservation.New(store)
	gov := governor.New(governor.DefaultThresholds(), currentDir(), cfg.DBPath, nil)
	var evidenceSink evidence.Sink
	if cfg.EvidenceSinkPath != "" {
		sink, err := evidence.NewFileSink(cfg.EvidenceSinkPath)
		if err != nil {
			return fmt.Errorf("evidence sink: %w", err)
		}
		defer func() { _ = sink.Close() }()
		evidenceSink = sink
	}
	ledger := evidence.New(cfg.EvidenceRingSize, evidenceSink)
	defer func() { _ = ledger.Close() }()

	d := dispatcher.New(store, reserveEngine, gov, ledger)

	docStream := make(chan model.DocChange, 256)
	idx := search.New(cfg.QualityEmbedderEnabled)
	reindexer := storage.NewMessageReindexer(store)
	updater := search.NewUpdater(idx, reindexer, search.SchemaVersion{Schema: "v1", EmbedderID: embedderID(cfg.QualityEmbedderEnabled)}, logger)

	// Seed the index from durable storage before serving any traffic, so a
	// cold restart doesn't expose an empty search surface.
	if err := updater.FullReindex(ctx, search.SchemaVersion{Schema: "v1", EmbedderID: embedderID(cfg.QualityEmbedderEnabled)}); err != nil {
		logger.Warn("search: initial reindex failed", "error", err)
	}
	d.SetSearcher(idx)
	d.SetDocStream(docStream)

	go updater.Run(ctx, docStream)
	go gov.Run(ctx, cfg.GovernorTickInterval)

	guard := storage.NewGuard(pool.DB(), storage.GuardConfig{
		QuickInterval: 5 * time.Minute,
		FullInterval:  storage.ClampFullInterval(cfg.IntegrityFullIntervalHours),
		CoolDown:      30 * time.Second,
		StorageRoot:   currentDir(),
	}, logger)
	go guard.Run(ctx)

	var bridge *tui.Bridge
	if cfg.TUIEnabled && tui.IsTerminalStdout() {
		bridge = tui.NewBridge(gov, ledger)
		go tuiRefreshLoop(ctx, bridge)
	}

	httpSrv := httptransport.New(httptransport.Config{
		Port:         cfg.HTTPPort,
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		LogRequests:  cfg.LogRequests,
		Version:      version,
	}, d, store, pool.DB(), logger, gov.Collectors()...)

	errCh := make(chan error, 2)
	go func() {
		if err := httpSrv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http transport: %w", err)
		}
	}()

	if cfg.StdioEnabled {
		stdioSrv := stdio.New(d, os.Stdin, os.Stdout, logger)
		go func() {
			if err := stdioSrv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("stdio transport: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	slog.Info("loomd shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}

	slog.Info("loomd stopped")
	return nil
}

func embedderID(qualityEnabled bool) string {
	if qualityEnabled {
		return "fast+quality"
	}
	return "fast"
}

func tuiRefreshLoop(ctx context.Context, bridge *tui.Bridge) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			bridge.Refresh()
		}
	}
}

func currentDir() string {
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}

func parseLogLevel(raw string) slog.Level {
	switch raw {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
