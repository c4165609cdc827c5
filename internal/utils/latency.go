package utils

import (
	"slices"
	"sync"
	"time"
)

// LatencyTracker keeps a fixed window of the newest duration samples.
type LatencyTracker struct {
	mu      sync.RWMutex
	ring    []time.Duration
	next    int
	wrapped bool
}

// LatencySummary is a point-in-time view of a tracker's window.
type LatencySummary struct {
	Samples int
	P50     time.Duration
	P95     time.Duration
	P99     time.Duration
	Max     time.Duration
}

// NewLatencyTracker keeps up to size samples; size <= 0 means 512.
func NewLatencyTracker(size int) *LatencyTracker {
	if size <= 0 {
		size = 512
	}
	return &LatencyTracker{ring: make([]time.Duration, size)}
}

func (l *LatencyTracker) Observe(d time.Duration) {
	l.mu.Lock()
	l.ring[l.next] = d
	l.next = (l.next + 1) % len(l.ring)
	if l.next == 0 {
		l.wrapped = true
	}
	l.mu.Unlock()
}

// Percentile uses nearest-rank on the sorted window; p is clamped to [0, 100].
func (l *LatencyTracker) Percentile(p float64) time.Duration {
	return rank(l.sorted(), p)
}

func (l *LatencyTracker) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.wrapped {
		return len(l.ring)
	}
	return l.next
}

// Summary sorts the window once for all reported percentiles.
func (l *LatencyTracker) Summary() LatencySummary {
	sorted := l.sorted()
	return LatencySummary{
		Samples: len(sorted),
		P50:     rank(sorted, 50),
		P95:     rank(sorted, 95),
		P99:     rank(sorted, 99),
		Max:     rank(sorted, 100),
	}
}

func (l *LatencyTracker) sorted() []time.Duration {
	l.mu.RLock()
	var out []time.Duration
	if l.wrapped {
		out = slices.Clone(l.ring)
	} else {
		out = slices.Clone(l.ring[:l.next])
	}
	l.mu.RUnlock()
	slices.Sort(out)
	return out
}

func rank(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	p = min(max(p, 0), 100)
	return sorted[int(p/100*float64(len(sorted)-1))]
}
