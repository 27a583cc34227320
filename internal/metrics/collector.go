// Package metrics measures settlement operations. The collector keeps
// per-operation aggregates in memory and can flush them to Amazon
// Timestream for dashboarding.
package metrics

import (
	"sort"
	"sync"
	"time"
)

// OperationStats is the aggregate for one engine operation.
type OperationStats struct {
	Operation     string          `json:"operation"`
	Count         int64           `json:"count"`
	ErrorCount    int64           `json:"errorCount"`
	TotalDuration time.Duration   `json:"totalDuration"`
	MinDuration   time.Duration   `json:"minDuration"`
	MaxDuration   time.Duration   `json:"maxDuration"`
	durations     []time.Duration // TODO: cap the sample buffer for long-lived processes
}

// AvgDuration returns the mean duration across observations.
func (s *OperationStats) AvgDuration() time.Duration {
	if s.Count == 0 {
		return 0
	}
	return s.TotalDuration / time.Duration(s.Count)
}

// SuccessRate returns the fraction of observations that succeeded.
func (s *OperationStats) SuccessRate() float64 {
	if s.Count == 0 {
		return 0
	}
	return float64(s.Count-s.ErrorCount) / float64(s.Count)
}

// Percentile returns the duration at the given percentile (0-100).
func (s *OperationStats) Percentile(p int) time.Duration {
	if len(s.durations) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), s.durations...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := len(sorted) * p / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// Collector aggregates transition measurements. It implements the engine's
// Observer interface and is safe for concurrent use.
type Collector struct {
	mu    sync.Mutex
	stats map[string]*OperationStats
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{
		stats: make(map[string]*OperationStats),
	}
}

// ObserveTransition records one operation measurement.
func (c *Collector) ObserveTransition(op string, duration time.Duration, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.stats[op]
	if !ok {
		s = &OperationStats{Operation: op, MinDuration: duration}
		c.stats[op] = s
	}

	s.Count++
	if err != nil {
		s.ErrorCount++
	}
	s.TotalDuration += duration
	if duration < s.MinDuration {
		s.MinDuration = duration
	}
	if duration > s.MaxDuration {
		s.MaxDuration = duration
	}
	s.durations = append(s.durations, duration)
}

// Snapshot returns a copy of the aggregates, sorted by operation name.
func (c *Collector) Snapshot() []*OperationStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*OperationStats, 0, len(c.stats))
	for _, s := range c.stats {
		copied := *s
		copied.durations = append([]time.Duration(nil), s.durations...)
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Operation < out[j].Operation })
	return out
}

// Reset clears all aggregates.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats = make(map[string]*OperationStats)
}
