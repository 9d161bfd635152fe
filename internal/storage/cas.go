package storage

import "sync/atomic"

// MaxCounter is a compare-and-swap primitive that converges to the maximum
// of all candidate values offered to it, under any interleaving of
// concurrent UpdateMax calls (spec.md §8).
type MaxCounter struct {
	v atomic.Int64
}

// NewMaxCounter creates a MaxCounter initialized to initial.
func NewMaxCounter(initial int64) *MaxCounter {
	m := &MaxCounter{}
	m.v.Store(initial)
	return m
}

// UpdateMax offers candidate as a new value, retrying the CAS loop until
// either candidate is installed or a concurrent writer already installed
// something >= candidate.
func (m *MaxCounter) UpdateMax(candidate int64) int64 {
	for {
		cur := m.v.Load()
		if candidate <= cur {
			return cur
		}
		if m.v.CompareAndSwap(cur, candidate) {
			return candidate
		}
	}
}

// Load returns the current maximum.
func (m *MaxCounter) Load() int64 {
	return m.v.Load()
}
