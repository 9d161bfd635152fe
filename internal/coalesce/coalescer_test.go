package coalesce

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestOnlyOneLeaderExecutes(t *testing.T) {
	c := New(50 * time.Millisecond)

	var executions int64
	var wg sync.WaitGroup
	start := make(chan struct{})

	const callers = 50
	results := make([]any, callers)
	leaders := make([]bool, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			<-start
			v, err, leader := c.Do("fp-1", func() (any, error) {
				atomic.AddInt64(&executions, 1)
				time.Sleep(20 * time.Millisecond)
				return "value", nil
			})
			require.NoError(t, err)
			results[idx] = v
			leaders[idx] = leader
		}(i)
	}

	close(start)
	wg.Wait()

	require.Equal(t, int64(1), executions)
	leaderCount := 0
	for i, v := range results {
		require.Equal(t, "value", v)
		if leaders[i] {
			leaderCount++
		}
	}
	require.Equal(t, 1, leaderCount)
}

func TestJoinersReceiveLeaderFailure(t *testing.T) {
	c := New(10 * time.Millisecond)
	boom := fmt.Errorf("boom")

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_, err, _ := c.Do("fp-err", func() (any, error) {
				time.Sleep(5 * time.Millisecond)
				return nil, boom
			})
			errs[idx] = err
		}(i)
	}
	wg.Wait()

	for _, e := range errs {
		require.ErrorIs(t, e, boom)
	}
}

func TestMapDrainsToEmptyAfterCompletion(t *testing.T) {
	c := New(5 * time.Millisecond)
	_, _, _ = c.Do("fp-drain", func() (any, error) { return 1, nil })
	require.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, time.Millisecond)
}

func TestDistinctFingerprintsRunIndependently(t *testing.T) {
	c := New(time.Second)
	var execA, execB int64
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, _ = c.Do("a", func() (any, error) {
				atomic.AddInt64(&execA, 1)
				return nil, nil
			})
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, _ = c.Do("b", func() (any, error) {
				atomic.AddInt64(&execB, 1)
				return nil, nil
			})
		}()
	}
	wg.Wait()
	require.Equal(t, int64(1), execA)
	require.Equal(t, int64(1), execB)
}
