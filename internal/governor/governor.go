// Package governor implements the backpressure/SLO governor (spec.md §4.6):
// a background sampler that classifies memory, disk, and pool-acquire
// signals into a single HealthLevel, consulted by the dispatcher before
// admitting shedable tool classes.
package governor

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// HealthLevel is the governor's published system health tier.
type HealthLevel int

const (
	Green HealthLevel = iota
	Yellow
	Orange
	Red
)

func (h HealthLevel) String() string {
	switch h {
	case Green:
		return "green"
	case Yellow:
		return "yellow"
	case Orange:
		return "orange"
	case Red:
		return "red"
	default:
		return "unknown"
	}
}

// Tier classifies a single signal (memory, disk, or acquire latency) into
// one of four severities.
type Tier int

const (
	Ok Tier = iota
	Warning
	Critical
	Fatal
)

// Thresholds configures the MB/byte/latency cut points for each signal.
type Thresholds struct {
	MemWarningMB, MemCriticalMB, MemFatalMB int64
	DiskWarningBytes, DiskCriticalBytes, DiskFatalBytes int64
	// Pool acquire latency tiers (spec.md §4.1): Green <=10ms, Yellow <=50ms, Red <=200ms.
	AcquireGreen, AcquireYellow, AcquireRed time.Duration
}

// DefaultThresholds matches the values named in spec.md.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MemWarningMB:      512,
		MemCriticalMB:     1024,
		MemFatalMB:        2048,
		DiskWarningBytes:  1 << 30,      // 1 GiB
		DiskCriticalBytes: 256 << 20,    // 256 MiB
		DiskFatalBytes:    64 << 20,     // 64 MiB
		AcquireGreen:      10 * time.Millisecond,
		AcquireYellow:     50 * time.Millisecond,
		AcquireRed:        200 * time.Millisecond,
	}
}

func classifyAscending(value, warn, crit, fatal int64) Tier {
	switch {
	case value >= fatal:
		return Fatal
	case value >= crit:
		return Critical
	case value >= warn:
		return Warning
	default:
		return Ok
	}
}

func classifyDescending(value, warn, crit, fatal int64) Tier {
	switch {
	case value <= fatal:
		return Fatal
	case value <= crit:
		return Critical
	case value <= warn:
		return Warning
	default:
		return Ok
	}
}

// DiskStatter reports free bytes for a path; swappable for tests.
type DiskStatter func(path string) (freeBytes int64, err error)

func statfsFree(path string) (int64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, err
	}
	return int64(stat.Bavail) * int64(stat.Bsize), nil //nolint:gosec // Bavail/Bsize are always non-negative in practice
}

// ShedableClasses names the tool classes the dispatcher may reject under
// pressure (spec.md §4.6): bulk reads, search, and indexing.
var ShedableClasses = map[string]bool{
	"bulk_read": true,
	"search":    true,
	"indexing":  true,
}

// Governor samples system signals on a timer and publishes a single HealthLevel.
type Governor struct {
	thresholds  Thresholds
	storageRoot string
	dbPath      string
	statter     DiskStatter

	level        atomic.Int32 // HealthLevel
	lastAcquire  atomic.Int64 // nanoseconds

	memGauge     prometheus.Gauge
	diskGauge    prometheus.Gauge
	acquireHist  prometheus.Histogram
	levelGauge   prometheus.Gauge

	mu       sync.Mutex
	onShed   func(decisionPoint, action string, data map[string]any)
}

// New creates a Governor. storageRoot and dbPath are statted for free space;
// statter may be nil to use the real syscall.Statfs-backed implementation.
func New(thresholds Thresholds, storageRoot, dbPath string, statter DiskStatter) *Governor {
	if statter == nil {
		statter = statfsFree
	}
	g := &Governor{
		thresholds:  thresholds,
		storageRoot: storageRoot,
		dbPath:      dbPath,
		statter:     statter,
		memGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "loomd_governor_rss_bytes",
			Help: "Resident set size sampled by the backpressure governor.",
		}),
		diskGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "loomd_governor_disk_free_bytes",
			Help: "Minimum free bytes across storage root and database path.",
		}),
		acquireHist: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "loomd_governor_pool_acquire_seconds",
			Help:    "Pool acquire latency samples fed into the governor's health classification.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.2, 0.5, 1},
		}),
		levelGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "loomd_governor_health_level",
			Help: "Published HealthLevel (0=green,1=yellow,2=orange,3=red).",
		}),
	}
	g.level.Store(int32(Green))
	return g
}

// Collectors returns the Prometheus collectors this Governor owns, for
// registration against a prometheus.Registerer.
func (g *Governor) Collectors() []prometheus.Collector {
	return []prometheus.Collector{g.memGauge, g.diskGauge, g.acquireHist, g.levelGauge}
}

// OnShed registers a callback invoked whenever Admit rejects a shedable
// tool class, so the caller can record the decision to the evidence ledger.
func (g *Governor) OnShed(fn func(decisionPoint, action string, data map[string]any)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onShed = fn
}

// ObserveAcquireLatency feeds one pool-acquire timing sample into the
// governor's histogram and latest-sample gauge.
func (g *Governor) ObserveAcquireLatency(d time.Duration) {
	g.acquireHist.Observe(d.Seconds())
	g.lastAcquire.Store(int64(d))
}

// Run samples every tick until ctx is cancelled. It is meant to run as a
// single named background worker with a shutdown flag polled at 1s
// granularity (ctx cancellation serves as that flag).
func (g *Governor) Run(ctx context.Context, tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.sampleOnce()
		}
	}
}

func (g *Governor) sampleOnce() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	rssMB := int64(ms.Sys / (1 << 20)) //nolint:gosec // Sys is bounded by process address space
	g.memGauge.Set(float64(ms.Sys))
	memTier := classifyAscending(rssMB, g.thresholds.MemWarningMB, g.thresholds.MemCriticalMB, g.thresholds.MemFatalMB)

	diskTier := Ok
	minFree := int64(-1)
	for _, p := range []string{g.storageRoot, g.dbPath} {
		if p == "" {
			continue
		}
		free, err := g.statter(p)
		if err != nil {
			continue
		}
		if minFree == -1 || free < minFree {
			minFree = free
		}
	}
	if minFree >= 0 {
		g.diskGauge.Set(float64(minFree))
		diskTier = classifyDescending(minFree, g.thresholds.DiskWarningBytes, g.thresholds.DiskCriticalBytes, g.thresholds.DiskFatalBytes)
	}

	acquireTier := Ok
	last := time.Duration(g.lastAcquire.Load())
	switch {
	case last > g.thresholds.AcquireRed:
		acquireTier = Fatal
	case last > g.thresholds.AcquireYellow:
		acquireTier = Critical
	case last > g.thresholds.AcquireGreen:
		acquireTier = Warning
	}

	level := combine(memTier, diskTier, acquireTier)
	g.level.Store(int32(level))
	g.levelGauge.Set(float64(level))
}

// combine picks the worst of the three signal tiers and maps it to a HealthLevel.
func combine(tiers ...Tier) HealthLevel {
	worst := Ok
	for _, t := range tiers {
		if t > worst {
			worst = t
		}
	}
	switch worst {
	case Fatal:
		return Red
	case Critical:
		return Orange
	case Warning:
		return Yellow
	default:
		return Green
	}
}

// Level returns the most recently published HealthLevel.
func (g *Governor) Level() HealthLevel {
	return HealthLevel(g.level.Load())
}

// Admit reports whether a tool invocation in the given class should proceed.
// Shedable classes are rejected once the health level reaches Orange or
// worse; non-shedable classes are always admitted (the governor sheds load,
// it never blocks correctness-critical writes).
func (g *Governor) Admit(toolClass string) bool {
	if !ShedableClasses[toolClass] {
		return true
	}
	level := g.Level()
	admitted := level < Orange
	if !admitted {
		g.mu.Lock()
		cb := g.onShed
		g.mu.Unlock()
		if cb != nil {
			cb("governor.shed", "reject", map[string]any{
				"tool_class": toolClass,
				"level":      level.String(),
			})
		}
	}
	return admitted
}
