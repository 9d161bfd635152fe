package evidence

import (
	"bufio"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRecentReturnsNewestFirst(t *testing.T) {
	l := New(100, nil)
	var seqs []int64
	for i := 0; i < 5; i++ {
		seq, err := l.Record("cache.deferred_flush", "flush", 0.9, nil, nil, "")
		require.NoError(t, err)
		seqs = append(seqs, seq)
	}

	recent := l.Recent(5)
	require.Len(t, recent, 5)
	for i, e := range recent {
		require.Equal(t, seqs[len(seqs)-1-i], e.Seq)
	}
}

func TestHitRateInWindow(t *testing.T) {
	l := New(20000, nil)
	const n = 10000
	for i := 0; i < n; i++ {
		seq, err := l.Record("cache.deferred_flush", "flush", 0.5, nil, nil, "")
		require.NoError(t, err)
		correct := i%2 == 0
		require.NoError(t, l.RecordOutcome(seq, "x", correct))
	}

	rate := l.HitRate("cache.deferred_flush", 100)
	require.GreaterOrEqual(t, rate, 0.49)
	require.LessOrEqual(t, rate, 0.51)
}

func TestRingBoundedCapacity(t *testing.T) {
	l := New(10, nil)
	for i := 0; i < 25; i++ {
		_, err := l.Record("p", "a", 1, nil, nil, "")
		require.NoError(t, err)
	}
	all := l.Recent(1000)
	require.Len(t, all, 10)
	require.Equal(t, int64(25), all[0].Seq)
}

func TestFileSinkLineCount(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "evidence.jsonl")
	sink, err := NewFileSink(path)
	require.NoError(t, err)

	l := New(100, sink)
	const records = 5
	var lastSeq int64
	for i := 0; i < records; i++ {
		seq, err := l.Record("p", "a", 1, nil, nil, "")
		require.NoError(t, err)
		lastSeq = seq
	}
	require.NoError(t, l.RecordOutcome(lastSeq, "ok", true))
	require.NoError(t, l.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	scanner := bufio.NewScanner(f)
	var lines int
	for scanner.Scan() {
		lines++
	}
	// records lines for each Record call plus 1 outcome line.
	require.Equal(t, records+1, lines)
}
