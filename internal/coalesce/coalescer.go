// Package coalesce implements the sharded single-flight request coalescer
// (spec.md §4.4): N concurrent callers sharing one fingerprint collapse into
// one leader execution, with every joiner receiving the leader's result.
package coalesce

import (
	"hash/fnv"
	"sync"
	"time"
)

// numShards reduces lock contention by routing fingerprints to one of 16
// independent shards keyed by a stable hash.
const numShards = 16

type slotState int

const (
	statePending slotState = iota
	stateReady
	stateFailed
)

// slot holds the in-flight or completed state for one fingerprint.
type slot struct {
	mu    sync.Mutex
	cond  *sync.Cond
	state slotState
	value any
	err   error

	lastTouched time.Time
}

func newSlot() *slot {
	s := &slot{state: statePending}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// shard is one partition of the fingerprint -> slot map, each with its own mutex.
type shard struct {
	mu    sync.Mutex
	slots map[string]*slot
}

// Coalescer turns N concurrent identical requests into one leader execution
// plus N-1 joiners. Entries expire from the map after idleTimeout once the
// slot becomes non-pending and has had no new joiners.
type Coalescer struct {
	shards      [numShards]*shard
	idleTimeout time.Duration
}

// New creates a Coalescer whose completed slots are swept once idleTimeout
// has passed since the leader completed or the last joiner arrived,
// whichever is later. idleTimeout <= 0 removes a slot as soon as its leader
// completes.
func New(idleTimeout time.Duration) *Coalescer {
	c := &Coalescer{idleTimeout: idleTimeout}
	for i := range c.shards {
		c.shards[i] = &shard{slots: make(map[string]*slot)}
	}
	return c
}

func (c *Coalescer) shardFor(fingerprint string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(fingerprint))
	return c.shards[h.Sum32()%numShards]
}

// Do executes fn for fingerprint, or — if another caller is already the
// leader for that fingerprint — blocks until the leader publishes a result
// and returns it without running fn again. The returned bool reports
// whether this call was the leader (executed fn itself).
func (c *Coalescer) Do(fingerprint string, fn func() (any, error)) (value any, err error, leader bool) {
	sh := c.shardFor(fingerprint)

	sh.mu.Lock()
	if existing, ok := sh.slots[fingerprint]; ok {
		existing.mu.Lock()
		if existing.state == statePending {
			sh.mu.Unlock()
			for existing.state == statePending {
				existing.cond.Wait()
			}
			v, e := existing.value, existing.err
			existing.mu.Unlock()
			return v, e, false
		}
		// A prior (completed) slot is still parked (not yet swept); join it
		// without re-executing.
		v, e := existing.value, existing.err
		existing.lastTouched = time.Now()
		existing.mu.Unlock()
		sh.mu.Unlock()
		return v, e, false
	}

	s := newSlot()
	sh.slots[fingerprint] = s
	sh.mu.Unlock()

	value, err = fn()

	s.mu.Lock()
	s.value, s.err = value, err
	if err != nil {
		s.state = stateFailed
	} else {
		s.state = stateReady
	}
	s.lastTouched = time.Now()
	s.cond.Broadcast()
	s.mu.Unlock()

	if c.idleTimeout > 0 {
		c.scheduleSweep(sh, fingerprint, s)
	} else {
		c.removeIfSame(sh, fingerprint, s)
	}

	return value, err, true
}

// scheduleSweep removes the slot once idleTimeout has passed since it was
// last touched, unless a newer slot has since replaced it for the same
// fingerprint. A join in the meantime pushes the sweep back.
func (c *Coalescer) scheduleSweep(sh *shard, fingerprint string, s *slot) {
	var sweep func()
	sweep = func() {
		s.mu.Lock()
		remaining := c.idleTimeout - time.Since(s.lastTouched)
		s.mu.Unlock()
		if remaining > 0 {
			time.AfterFunc(remaining, sweep)
			return
		}
		c.removeIfSame(sh, fingerprint, s)
	}
	time.AfterFunc(c.idleTimeout, sweep)
}

func (c *Coalescer) removeIfSame(sh *shard, fingerprint string, s *slot) {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if cur, ok := sh.slots[fingerprint]; ok && cur == s {
		delete(sh.slots, fingerprint)
	}
}

// Len reports the total number of in-flight-or-parked slots across all
// shards, for tests asserting the map drains to empty after completion.
func (c *Coalescer) Len() int {
	n := 0
	for _, sh := range c.shards {
		sh.mu.Lock()
		n += len(sh.slots)
		sh.mu.Unlock()
	}
	return n
}
