package metrics_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remitwire/settlement-engine/internal/metrics"
)

func TestCollectorAggregates(t *testing.T) {
	c := metrics.NewCollector()

	c.ObserveTransition("approve", 10*time.Millisecond, nil)
	c.ObserveTransition("approve", 30*time.Millisecond, nil)
	c.ObserveTransition("approve", 20*time.Millisecond, assert.AnError)
	c.ObserveTransition("verify_pickup", 5*time.Millisecond, nil)

	snapshot := c.Snapshot()
	require.Len(t, snapshot, 2)

	// Snapshot is sorted by operation name.
	approve := snapshot[0]
	require.Equal(t, "approve", approve.Operation)
	assert.Equal(t, int64(3), approve.Count)
	assert.Equal(t, int64(1), approve.ErrorCount)
	assert.Equal(t, 10*time.Millisecond, approve.MinDuration)
	assert.Equal(t, 30*time.Millisecond, approve.MaxDuration)
	assert.Equal(t, 20*time.Millisecond, approve.AvgDuration())
	assert.InDelta(t, 2.0/3.0, approve.SuccessRate(), 1e-9)

	verify := snapshot[1]
	require.Equal(t, "verify_pickup", verify.Operation)
	assert.Equal(t, int64(1), verify.Count)
	assert.Equal(t, int64(0), verify.ErrorCount)
	assert.Equal(t, 1.0, verify.SuccessRate())
}

func TestCollectorPercentile(t *testing.T) {
	c := metrics.NewCollector()
	for i := 1; i <= 100; i++ {
		c.ObserveTransition("create", time.Duration(i)*time.Millisecond, nil)
	}

	snapshot := c.Snapshot()
	require.Len(t, snapshot, 1)
	stats := snapshot[0]

	assert.Equal(t, 51*time.Millisecond, stats.Percentile(50))
	assert.Equal(t, 100*time.Millisecond, stats.Percentile(99))
	assert.Equal(t, 100*time.Millisecond, stats.Percentile(100))
}

func TestCollectorConcurrentObserve(t *testing.T) {
	c := metrics.NewCollector()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.ObserveTransition("assign_agent", time.Millisecond, nil)
			}
		}()
	}
	wg.Wait()

	snapshot := c.Snapshot()
	require.Len(t, snapshot, 1)
	assert.Equal(t, int64(800), snapshot[0].Count)
}

func TestCollectorReset(t *testing.T) {
	c := metrics.NewCollector()
	c.ObserveTransition("cancel", time.Millisecond, nil)
	c.Reset()
	assert.Empty(t, c.Snapshot())
}
