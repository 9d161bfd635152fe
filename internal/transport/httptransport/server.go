// Package httptransport implements the streaming HTTP transport (spec.md
// §4.10/§6.2): POST /v1/tools/{name} accepts a JSON body for one-shot tool
// calls (the path is fixed; Config has no option to change it),
// POST /v1/stream accepts NDJSON for streaming,
// and fixed liveness/readiness endpoints report process and store health.
package httptransport

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/loomhq/loomd/internal/dispatcher"
	"github.com/loomhq/loomd/internal/mcpsurface"
	"github.com/loomhq/loomd/internal/storage"
)

// Config configures the HTTP transport's listener and logging gate.
type Config struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	LogRequests  bool
	Version      string
}

// Server is loomd's HTTP transport: one tool-call endpoint, one streaming
// endpoint, and the fixed health surface, all sharing the dispatcher.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// New wires a Server over d, reporting readiness against db. If collectors
// is non-empty (typically governor.Governor.Collectors()), they are
// registered against a dedicated registry served at /metrics. The same
// tool registry is also exposed at /mcp for MCP-speaking clients, via
// mcp-go's streamable HTTP transport. store backs the /v1/retention admin
// endpoints directly, alongside d's tool-call path.
func New(cfg Config, d *dispatcher.Dispatcher, store *storage.Store, db *sql.DB, logger *slog.Logger, collectors ...prometheus.Collector) *Server {
	h := &handlers{d: d, store: store, db: db, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/tools/{name}", h.handleOneShot)
	mux.HandleFunc("POST /v1/stream", h.handleStream)
	mux.HandleFunc("GET /health/liveness", h.handleLiveness)
	mux.HandleFunc("GET /health/readiness", h.handleReadiness)
	mux.HandleFunc("GET /v1/retention", h.handleGetRetention)
	mux.HandleFunc("PUT /v1/retention", h.handleSetRetention)
	mux.HandleFunc("POST /v1/retention/purge", h.handlePurge)

	version := cfg.Version
	if version == "" {
		version = "dev"
	}
	mcpSrv := mcpsurface.New(d, version)
	mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(mcpSrv))

	if len(collectors) > 0 {
		registry := prometheus.NewRegistry()
		for _, c := range collectors {
			_ = registry.Register(c)
		}
		mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}

	var handler http.Handler = mux
	handler = recoveryMiddleware(logger, handler)
	if cfg.LogRequests {
		handler = loggingMiddleware(logger, handler)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  2 * cfg.ReadTimeout,
		},
		handler: handler,
		logger:  logger,
	}
}

// Handler returns the root HTTP handler, for use in tests.
func (s *Server) Handler() http.Handler { return s.handler }

// Start begins serving HTTP requests; it blocks until the listener closes.
func (s *Server) Start() error {
	s.logger.Info("http transport starting", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http transport shutting down")
	return s.httpServer.Shutdown(ctx)
}

type handlers struct {
	d      *dispatcher.Dispatcher
	store  *storage.Store
	db     *sql.DB
	logger *slog.Logger
}

// handleOneShot decodes a single JSON body and dispatches it as one tool
// call. Per spec.md §6.2, tool-level errors are 200 OK with `error`
// populated; only transport/framing errors yield non-2xx status.
func (h *handlers) handleOneShot(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	var args map[string]any
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&args); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
	}

	env := h.d.Invoke(r.Context(), name, args)
	writeJSON(w, http.StatusOK, env)
}

// handleStream accepts newline-delimited JSON requests and emits
// newline-delimited responses on the same connection, each tagged with the
// client-supplied id (spec.md §4.10). Requests on one connection are
// dispatched one at a time in arrival order, so responses come back in
// request order; they are not processed concurrently.
func (h *handlers) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, canFlush := w.(http.Flusher)
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	type streamRequest struct {
		ID     any             `json:"id"`
		Tool   string          `json:"tool"`
		Params json.RawMessage `json:"params"`
	}
	type streamResponse struct {
		ID     any                 `json:"id"`
		Result dispatcher.Envelope `json:"result"`
	}

	scanner := bufio.NewScanner(r.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	enc := json.NewEncoder(w)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req streamRequest
		if err := json.Unmarshal(line, &req); err != nil {
			_ = enc.Encode(streamResponse{Result: dispatcher.Envelope{}})
			continue
		}

		var args map[string]any
		if len(req.Params) > 0 {
			_ = json.Unmarshal(req.Params, &args)
		}

		env := h.d.Invoke(r.Context(), req.Tool, args)
		if err := enc.Encode(streamResponse{ID: req.ID, Result: env}); err != nil {
			return
		}
		if canFlush {
			flusher.Flush()
		}
	}
}

// retentionRequest is the body for PUT /v1/retention.
type retentionRequest struct {
	Project       string `json:"project"`
	RetentionDays *int   `json:"retention_days"`
}

// handleGetRetention handles GET /v1/retention?project=<key>, returning the
// project's current retention policy.
func (h *handlers) handleGetRetention(w http.ResponseWriter, r *http.Request) {
	projectKey := r.URL.Query().Get("project")
	if projectKey == "" {
		http.Error(w, "project is required", http.StatusBadRequest)
		return
	}
	proj, err := h.store.GetProjectBySlugOrKey(r.Context(), projectKey)
	if err != nil {
		http.Error(w, "unknown project", http.StatusNotFound)
		return
	}
	policy, err := h.store.GetRetentionPolicy(r.Context(), proj.ID)
	if err != nil {
		http.Error(w, "failed to read retention policy", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"retention_days": policy.RetentionDays})
}

// handleSetRetention handles PUT /v1/retention, updating a project's
// retention_days. A nil value clears the policy (retain forever).
func (h *handlers) handleSetRetention(w http.ResponseWriter, r *http.Request) {
	var req retentionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.Project == "" {
		http.Error(w, "project is required", http.StatusBadRequest)
		return
	}
	if req.RetentionDays != nil && *req.RetentionDays < 1 {
		http.Error(w, "retention_days must be >= 1", http.StatusBadRequest)
		return
	}
	proj, err := h.store.GetProjectBySlugOrKey(r.Context(), req.Project)
	if err != nil {
		http.Error(w, "unknown project", http.StatusNotFound)
		return
	}
	if err := h.store.SetRetentionPolicy(r.Context(), proj.ID, req.RetentionDays); err != nil {
		http.Error(w, "failed to set retention policy", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"retention_days": req.RetentionDays})
}

// purgeRequest is the body for POST /v1/retention/purge.
type purgeRequest struct {
	Project     string    `json:"project"`
	Before      time.Time `json:"before"`
	DryRun      bool      `json:"dry_run"`
	InitiatedBy string    `json:"initiated_by,omitempty"`
}

// handlePurge handles POST /v1/retention/purge: the explicit reset spec.md
// §3 requires before archived messages and terminal-state reservations are
// actually removed. With dry_run set, it only counts what would be deleted.
func (h *handlers) handlePurge(w http.ResponseWriter, r *http.Request) {
	var req purgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.Project == "" {
		http.Error(w, "project is required", http.StatusBadRequest)
		return
	}
	if req.Before.IsZero() {
		http.Error(w, "before is required", http.StatusBadRequest)
		return
	}
	proj, err := h.store.GetProjectBySlugOrKey(r.Context(), req.Project)
	if err != nil {
		http.Error(w, "unknown project", http.StatusNotFound)
		return
	}

	if req.DryRun {
		counts, err := h.store.CountPurgeablePreview(r.Context(), proj.ID, req.Before)
		if err != nil {
			http.Error(w, "failed to count purgeable rows", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"dry_run":      true,
			"would_delete": counts,
		})
		return
	}

	trigger := "manual"
	counts, err := h.store.PurgeArchived(r.Context(), proj.ID, req.Before, trigger, req.InitiatedBy)
	if err != nil {
		http.Error(w, "purge failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"dry_run": false,
		"deleted": counts,
	})
}

// handleLiveness always returns the fixed payload regardless of state
// (spec.md §6.2/§4.10).
func (h *handlers) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"mcp_oauth": false})
}

// handleReadiness performs a SELECT 1 via the pool to verify the store is
// actually reachable, not merely that the process is alive.
func (h *handlers) handleReadiness(w http.ResponseWriter, r *http.Request) {
	var one int
	if err := h.db.QueryRowContext(r.Context(), "SELECT 1").Scan(&one); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ready": true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// recoveryMiddleware converts a panicking handler into a 500 response
// rather than crashing the listener goroutine.
func recoveryMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("http transport: recovered panic", "panic", rec)
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware derives {method, path, status, duration_ms, client_ip}
// and never logs the body or headers beyond this fixed allowlist (spec.md
// §6.2).
func loggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		clientIP := r.RemoteAddr
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			clientIP = host
		}
		logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration_ms", int(time.Since(start).Milliseconds()),
			"client_ip", clientIP,
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
