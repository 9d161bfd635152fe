// Package lock implements the ordered-lock hierarchy: ranked mutual-exclusion
// primitives that refuse out-of-order acquisition instead of risking deadlock.
//
// Every Lock is tagged with an integer Level. A per-goroutine vector (held in
// a goroutine-local slot simulated via an explicit Holder handle, since Go has
// no true goroutine-local storage) records currently held levels. Acquiring a
// lock of level L while the holder already holds a lock of level >= L fails
// fast with ErrOutOfOrder rather than deadlocking.
package lock

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var nowFn = time.Now

type durationNS = time.Duration

// ErrOutOfOrder is returned when a Holder attempts to acquire a lock whose
// level is not strictly greater than the highest level it already holds.
var ErrOutOfOrder = errors.New("lock: out-of-order acquisition refused")

// Lock is a mutex tagged with a fixed rank in the acquisition hierarchy.
type Lock struct {
	name     string
	level    int
	mu       sync.Mutex
	registry *Registry
}

// New creates a Lock at the given level, registering it with reg for
// hold/wait statistics. reg may be nil to skip instrumentation.
func New(name string, level int, reg *Registry) *Lock {
	return &Lock{name: name, level: level, registry: reg}
}

// Level reports the lock's fixed rank.
func (l *Lock) Level() int { return l.level }

// Holder tracks the ordered stack of lock levels held by one logical caller
// (typically one goroutine executing one request). Holders are not safe for
// concurrent use by multiple goroutines — each goroutine doing nested
// acquisitions should own its own Holder.
type Holder struct {
	levels []int
}

// NewHolder creates an empty per-caller lock-level stack.
func NewHolder() *Holder {
	return &Holder{}
}

func (h *Holder) maxLevel() int {
	if len(h.levels) == 0 {
		return -1
	}
	return h.levels[len(h.levels)-1]
}

// Acquire locks l on behalf of h, refusing (without blocking) if h already
// holds a lock at level >= l.Level(). On success, returns a release func
// that must be called exactly once, in LIFO order with any nested Acquire.
func (h *Holder) Acquire(l *Lock) (release func(), err error) {
	if l.level <= h.maxLevel() {
		return nil, fmt.Errorf("%w: holding level %d, attempted level %d (%s)", ErrOutOfOrder, h.maxLevel(), l.level, l.name)
	}
	start := nowFn()
	l.mu.Lock()
	waited := nowFn().Sub(start)
	if l.registry != nil {
		l.registry.recordWait(l.name, waited)
	}
	h.levels = append(h.levels, l.level)
	held := nowFn()

	released := false
	return func() {
		if released {
			return
		}
		released = true
		// Pop the level we pushed; nested releases must be LIFO.
		if n := len(h.levels); n > 0 && h.levels[n-1] == l.level {
			h.levels = h.levels[:n-1]
		} else {
			// Caller violated LIFO order; remove the first matching level
			// so bookkeeping doesn't leak even though this is a programmer error.
			for i, lv := range h.levels {
				if lv == l.level {
					h.levels = append(h.levels[:i], h.levels[i+1:]...)
					break
				}
			}
		}
		if l.registry != nil {
			l.registry.recordHold(l.name, nowFn().Sub(held))
		}
		l.mu.Unlock()
	}, nil
}

// Levels returns a snapshot of the currently held level stack, lowest first.
func (h *Holder) Levels() []int {
	out := make([]int, len(h.levels))
	copy(out, h.levels)
	return out
}

// Stat is one lock's accumulated hold/wait statistics for operator inspection.
type Stat struct {
	Name       string
	Level      int
	Acquires   int64
	TotalWait  int64 // nanoseconds
	TotalHold  int64 // nanoseconds
}

// Registry records hold/wait statistics across every Lock that references it.
type Registry struct {
	mu    sync.Mutex
	stats map[string]*Stat
}

// NewRegistry creates an empty contention registry.
func NewRegistry() *Registry {
	return &Registry{stats: make(map[string]*Stat)}
}

func (r *Registry) recordWait(name string, d durationNS) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.stat(name)
	s.TotalWait += int64(d)
}

func (r *Registry) recordHold(name string, d durationNS) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.stat(name)
	s.Acquires++
	s.TotalHold += int64(d)
}

func (r *Registry) stat(name string) *Stat {
	s, ok := r.stats[name]
	if !ok {
		s = &Stat{Name: name}
		r.stats[name] = s
	}
	return s
}

// Snapshot returns all recorded stats sorted by name for deterministic output.
func (r *Registry) Snapshot() []Stat {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Stat, 0, len(r.stats))
	for _, s := range r.stats {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
