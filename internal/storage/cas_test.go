package storage

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMaxCounterConvergesUnderConcurrency(t *testing.T) {
	m := NewMaxCounter(0)
	var wg sync.WaitGroup
	candidates := make([]int64, 500)
	r := rand.New(rand.NewSource(1))
	for i := range candidates {
		candidates[i] = r.Int63n(1_000_000)
	}

	var want int64
	for _, c := range candidates {
		if c > want {
			want = c
		}
	}

	for _, c := range candidates {
		wg.Add(1)
		go func(v int64) {
			defer wg.Done()
			m.UpdateMax(v)
		}(c)
	}
	wg.Wait()

	require.Equal(t, want, m.Load())
}

func TestUpdateMaxIgnoresSmallerCandidate(t *testing.T) {
	m := NewMaxCounter(10)
	require.Equal(t, int64(10), m.UpdateMax(5))
	require.Equal(t, int64(20), m.UpdateMax(20))
	require.Equal(t, int64(20), m.Load())
}
