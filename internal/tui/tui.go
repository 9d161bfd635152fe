// Package tui exposes a snapshot of daemon state for an operator console.
// Widget rendering is out of scope here — this package only produces the
// data bridge a terminal UI would render from, and gates its own presence
// on the process actually owning a terminal.
package tui

import (
	"os"
	"sync"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/loomhq/loomd/internal/evidence"
	"github.com/loomhq/loomd/internal/governor"
)

// Snapshot is one point-in-time view of daemon health for an operator console.
type Snapshot struct {
	TakenAt       time.Time             `json:"taken_at"`
	HealthLevel   string                `json:"health_level"`
	RecentEvidence []evidenceSummary    `json:"recent_evidence"`
}

type evidenceSummary struct {
	Seq           int64   `json:"seq"`
	DecisionPoint string  `json:"decision_point"`
	Action        string  `json:"action"`
	Confidence    float64 `json:"confidence"`
}

// Bridge periodically renders a Snapshot from the governor and evidence
// ledger for an operator console to poll; it never writes to a terminal
// itself.
type Bridge struct {
	gov    *governor.Governor
	ledger *evidence.Ledger

	mu       sync.RWMutex
	snapshot Snapshot
}

// NewBridge creates a Bridge. IsTerminalStdout reports whether stdout is
// attached to a terminal, the gate callers use to decide whether a live
// console is even meaningful to attach.
func NewBridge(gov *governor.Governor, ledger *evidence.Ledger) *Bridge {
	return &Bridge{gov: gov, ledger: ledger}
}

// IsTerminalStdout reports whether the process's stdout is a terminal
// (spec.md §2: TUI rendering is conditioned on actually owning one).
func IsTerminalStdout() bool {
	return isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
}

// Refresh recomputes the bridge's current Snapshot.
func (b *Bridge) Refresh() Snapshot {
	recent := b.ledger.Recent(20)
	summaries := make([]evidenceSummary, 0, len(recent))
	for _, e := range recent {
		summaries = append(summaries, evidenceSummary{
			Seq:           e.Seq,
			DecisionPoint: e.DecisionPoint,
			Action:        e.Action,
			Confidence:    e.Confidence,
		})
	}

	snap := Snapshot{
		TakenAt:        time.Now(),
		HealthLevel:    b.gov.Level().String(),
		RecentEvidence: summaries,
	}

	b.mu.Lock()
	b.snapshot = snap
	b.mu.Unlock()
	return snap
}

// Latest returns the most recently computed Snapshot without recomputing it.
func (b *Bridge) Latest() Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.snapshot
}
