// Package dispatcher maps tool names to handlers, enforces identity and
// agent-name validation, and emits evidence for every non-trivial branch
// (spec.md §4.9). It collapses the "deep inheritance in tool classes"
// pattern into a flat ToolHandler capability: name, schema-free JSON
// arguments, and a dispatch function.
package dispatcher

import (
	"context"
	"fmt"
	"time"

	"github.com/loomhq/loomd/internal/evidence"
	"github.com/loomhq/loomd/internal/governor"
	"github.com/loomhq/loomd/internal/model"
	"github.com/loomhq/loomd/internal/reservation"
	"github.com/loomhq/loomd/internal/storage"
)

// Searcher is the boundary the search tool needs; internal/search's Index
// implements it. Kept as an interface so the dispatcher package doesn't
// import the (heavier) search package unconditionally.
type Searcher interface {
	Search(ctx context.Context, query string, mode model.SearchMode, projectID *int64, limit int) (SearchResult, error)
}

// SearchResult is the shape handleSearch renders into the tool envelope.
type SearchResult struct {
	Hits      []model.SearchHit     `json:"hits"`
	ModeUsed  model.SearchMode      `json:"mode_used"`
	Breakdown map[string]any        `json:"breakdown"`
}

// Envelope is the canonical tool response shape (spec.md §4.9 step 4):
// exactly one of Result or Error is populated.
type Envelope struct {
	OK     bool        `json:"ok"`
	Result any         `json:"result,omitempty"`
	Error  *ToolError  `json:"error,omitempty"`
}

func ok(result any) Envelope  { return Envelope{OK: true, Result: result} }
func fail(e *ToolError) Envelope { return Envelope{OK: false, Error: e} }

// ToolHandler is the capability every dispatched tool implements.
type ToolHandler struct {
	Name      string
	ToolClass string // "" (non-shedable) or one of governor.ShedableClasses
	Dispatch  func(ctx context.Context, d *Dispatcher, args map[string]any) Envelope
}

// Dispatcher owns the registry and the shared dependencies every handler
// body needs: the store, the reservation engine, the governor, and the
// evidence ledger.
type Dispatcher struct {
	store    *storage.Store
	reserve  *reservation.Engine
	gov      *governor.Governor
	ledger   *evidence.Ledger
	searcher  Searcher
	docStream chan<- model.DocChange
	handlers  map[string]ToolHandler
}

// SetSearcher wires a Searcher (internal/search's Index) into the
// dispatcher's search tool. Left nil, search returns FEATURE_DISABLED.
func (d *Dispatcher) SetSearcher(s Searcher) {
	d.searcher = s
}

// SetDocStream wires a channel that handlers publish DocChange events to
// after a successful mutation, feeding internal/search's incremental
// Updater. Left nil, handlers skip publishing and the index only reflects
// whatever FullReindex last saw.
func (d *Dispatcher) SetDocStream(stream chan<- model.DocChange) {
	d.docStream = stream
}

// publishDoc sends change on the doc stream without blocking the caller
// when no consumer has drained it yet; a handler's response must not stall
// waiting on the indexer.
func (d *Dispatcher) publishDoc(change model.DocChange) {
	if d.docStream == nil {
		return
	}
	select {
	case d.docStream <- change:
	default:
	}
}

// New wires a Dispatcher over an already-open Store, a reservation Engine
// sharing that store, a Governor, and an evidence Ledger, and registers the
// fixed tool surface (spec.md §6.1).
func New(store *storage.Store, reserve *reservation.Engine, gov *governor.Governor, ledger *evidence.Ledger) *Dispatcher {
	d := &Dispatcher{store: store, reserve: reserve, gov: gov, ledger: ledger, handlers: make(map[string]ToolHandler)}
	for _, h := range builtinTools() {
		d.handlers[h.Name] = h
	}
	return d
}

// Invoke runs the named tool's admission check and dispatch body, returning
// the canonical envelope. It never panics outward: a recovered panic becomes
// an UNHANDLED_EXCEPTION error, matching spec.md §7's "handlers never panic
// on control flow".
func (d *Dispatcher) Invoke(ctx context.Context, name string, args map[string]any) (env Envelope) {
	h, found := d.handlers[name]
	if !found {
		return fail(newToolError(KindInvalidAgentName, false, fmt.Sprintf("unknown tool %q", name), nil))
	}

	start := time.Now()
	tag := &auditTag{}
	ctx = context.WithValue(ctx, auditTagKey{}, tag)
	defer func() {
		if r := recover(); r != nil {
			env = fail(unhandled(r))
		}
		d.recordAudit(ctx, name, tag, env, time.Since(start))
	}()

	if h.ToolClass != "" && d.gov != nil && !d.gov.Admit(h.ToolClass) {
		env = fail(newToolError(KindResourceBusy, true,
			"server is shedding load, retry shortly", map[string]any{"tool_class": h.ToolClass}))
		return env
	}

	env = h.Dispatch(ctx, d, args)
	return env
}

// auditTag carries the project/agent a handler resolved mid-dispatch back
// out to the deferred audit write in Invoke, since handlers (not Invoke)
// are the ones that know how to resolve each tool's own argument shape.
type auditTag struct {
	ProjectID *int64
	AgentID   *int64
}

type auditTagKey struct{}

// tagAuditProject lets a handler record the project it resolved, so the
// audit entry for this call carries a real project ID instead of being
// anonymous.
func tagAuditProject(ctx context.Context, projectID int64) {
	if tag, found := ctx.Value(auditTagKey{}).(*auditTag); found {
		tag.ProjectID = &projectID
	}
}

// tagAuditAgent lets a handler additionally record the agent it resolved.
func tagAuditAgent(ctx context.Context, agentID int64) {
	if tag, found := ctx.Value(auditTagKey{}).(*auditTag); found {
		tag.AgentID = &agentID
	}
}

// recordAudit appends a thin tool-invocation log entry, separate from the
// evidence ledger (which stays reserved for branching-decision records).
// Best-effort: a failure to write the audit row never changes the response
// the caller already received.
func (d *Dispatcher) recordAudit(ctx context.Context, toolName string, tag *auditTag, env Envelope, duration time.Duration) {
	var errorKind string
	if env.Error != nil {
		errorKind = string(env.Error.Type)
	}
	_ = d.store.RecordToolInvocation(ctx, storage.ToolInvocationEntry{
		ProjectID: tag.ProjectID,
		AgentID:   tag.AgentID,
		ToolName:  toolName,
		OK:        env.OK,
		ErrorKind: errorKind,
		Duration:  duration,
		InvokedAt: time.Now(),
	})
}

// recordEvidence is a thin wrapper used by handlers to emit a decision
// record without each call site re-deriving a nil check.
func (d *Dispatcher) recordEvidence(point, action string, confidence float64, ev map[string]any) {
	if d.ledger == nil {
		return
	}
	_, _ = d.ledger.Record(point, action, confidence, ev, nil, "")
}
