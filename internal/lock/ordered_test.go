package lock

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAcquireRefusesOutOfOrder(t *testing.T) {
	reg := NewRegistry()
	low := New("low", 1, reg)
	high := New("high", 5, reg)

	h := NewHolder()
	releaseHigh, err := h.Acquire(high)
	require.NoError(t, err)
	defer releaseHigh()

	_, err = h.Acquire(low)
	require.ErrorIs(t, err, ErrOutOfOrder)
}

func TestAcquireSameLevelRefused(t *testing.T) {
	reg := NewRegistry()
	a := New("a", 3, reg)
	b := New("b", 3, reg)

	h := NewHolder()
	release, err := h.Acquire(a)
	require.NoError(t, err)
	defer release()

	_, err = h.Acquire(b)
	require.ErrorIs(t, err, ErrOutOfOrder)
}

func TestAcquireIncreasingLevelsSucceed(t *testing.T) {
	reg := NewRegistry()
	l1 := New("l1", 1, reg)
	l2 := New("l2", 2, reg)
	l3 := New("l3", 3, reg)

	h := NewHolder()
	r1, err := h.Acquire(l1)
	require.NoError(t, err)
	r2, err := h.Acquire(l2)
	require.NoError(t, err)
	r3, err := h.Acquire(l3)
	require.NoError(t, err)

	require.Equal(t, []int{1, 2, 3}, h.Levels())

	r3()
	r2()
	r1()
	require.Empty(t, h.Levels())
}

// TestConcurrentDistinctHoldersNeverDeadlock models many goroutines, each with
// its own Holder, racing to acquire the same ranked locks in increasing
// order. Every interleaving must complete without the test timing out.
func TestConcurrentDistinctHoldersNeverDeadlock(t *testing.T) {
	reg := NewRegistry()
	locks := []*Lock{New("a", 1, reg), New("b", 2, reg), New("c", 3, reg)}

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h := NewHolder()
			var releases []func()
			for _, l := range locks {
				rel, err := h.Acquire(l)
				require.NoError(t, err)
				releases = append(releases, rel)
			}
			for i := len(releases) - 1; i >= 0; i-- {
				releases[i]()
			}
		}()
	}
	wg.Wait()

	snap := reg.Snapshot()
	require.Len(t, snap, 3)
	for _, s := range snap {
		require.Equal(t, int64(200), s.Acquires)
	}
}
