package resilience

import (
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
)

// sample is one timed observation inside the sliding window.
type sample struct {
	at  time.Time
	dur time.Duration
}

// Timer records per-operation latency samples over a sliding window and
// computes p50/p95/p99 on demand.
type Timer struct {
	mu     sync.Mutex
	window time.Duration
	op     string
	data   []sample
}

// NewTimer builds a Timer for the named operation with the given sliding
// window (the contract default is 5 minutes).
func NewTimer(op string, window time.Duration) *Timer {
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &Timer{op: op, window: window}
}

// Observe records a single latency sample and prunes entries older than window.
func (t *Timer) Observe(d time.Duration) {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()

	t.data = append(t.data, sample{at: now, dur: d})
	cutoff := now.Add(-t.window)
	i := 0
	for ; i < len(t.data); i++ {
		if t.data[i].at.After(cutoff) {
			break
		}
	}
	t.data = t.data[i:]
}

// Percentiles is the p50/p95/p99 snapshot for a Timer's window.
type Percentiles struct {
	P50, P95, P99 time.Duration
	Count         int
}

// Snapshot computes the current percentiles over the sliding window.
func (t *Timer) Snapshot() Percentiles {
	t.mu.Lock()
	durations := make([]float64, len(t.data))
	for i, s := range t.data {
		durations[i] = float64(s.dur)
	}
	t.mu.Unlock()

	if len(durations) == 0 {
		return Percentiles{}
	}
	sort.Float64s(durations)

	return Percentiles{
		P50:   time.Duration(stat.Quantile(0.50, stat.Empirical, durations, nil)),
		P95:   time.Duration(stat.Quantile(0.95, stat.Empirical, durations, nil)),
		P99:   time.Duration(stat.Quantile(0.99, stat.Empirical, durations, nil)),
		Count: len(durations),
	}
}

// Threshold holds upper bounds for the p95/p99 percentiles; callers check a
// snapshot with Breaches and push a performance alert into the audit log.
type Threshold struct {
	P95Max time.Duration
	P99Max time.Duration
}

// Breaches reports which, if any, of the configured thresholds are exceeded
// by the current snapshot.
func (th Threshold) Breaches(p Percentiles) []string {
	var out []string
	if th.P95Max > 0 && p.P95 > th.P95Max {
		out = append(out, "p95")
	}
	if th.P99Max > 0 && p.P99 > th.P99Max {
		out = append(out, "p99")
	}
	return out
}
