package interner

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInternDedupeAndRefcount(t *testing.T) {
	in := New()

	require.Equal(t, "BlueLake", in.Intern("BlueLake"))
	require.Equal(t, int64(1), in.RefCount("BlueLake"))

	in.Intern("BlueLake")
	require.Equal(t, int64(2), in.RefCount("BlueLake"))
	require.Equal(t, 1, in.Len())

	in.Release("BlueLake")
	require.Equal(t, int64(1), in.RefCount("BlueLake"))

	in.Release("BlueLake")
	require.Equal(t, int64(0), in.RefCount("BlueLake"))
	require.Equal(t, 0, in.Len())
}

func TestReleaseUnknownIsNoop(t *testing.T) {
	in := New()
	in.Release("never-interned")
	require.Equal(t, 0, in.Len())
}

func TestInternConcurrent(t *testing.T) {
	in := New()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			in.Intern("RedStone")
		}()
	}
	wg.Wait()
	require.Equal(t, int64(100), in.RefCount("RedStone"))
}
