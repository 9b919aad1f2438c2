package metric

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_WindowRecompute(t *testing.T) {
	c := NewCollector(time.Second)

	c.RecordRequest("users", 10*time.Millisecond, false)
	c.RecordRequest("users", 30*time.Millisecond, false)
	c.RecordRequest("users", 20*time.Millisecond, true)
	c.RecordRequest("users", 40*time.Millisecond, false)

	before := c.Snapshot("users")
	assert.Equal(t, int64(4), before.RequestCount)
	assert.Equal(t, int64(1), before.ErrorCount)
	assert.Equal(t, 100.0, before.SuccessRate, "aggregates only change on collection")
	assert.Zero(t, before.AverageLatency)

	c.Collect()

	snap := c.Snapshot("users")
	assert.InDelta(t, 25.0, snap.AverageLatency, 0.001)
	assert.InDelta(t, 75.0, snap.SuccessRate, 0.001)
	assert.Equal(t, 4, snap.LastWindowRequests)

	// next window is empty
	c.Collect()
	snap = c.Snapshot("users")
	assert.Zero(t, snap.AverageLatency)
	assert.Zero(t, snap.LastWindowRequests)
	assert.InDelta(t, 75.0, snap.SuccessRate, 0.001)
	assert.Equal(t, int64(4), snap.RequestCount)
}

func TestCollector_UnknownService(t *testing.T) {
	c := NewCollector(time.Second)
	snap := c.Snapshot("ghost")
	assert.Equal(t, 100.0, snap.SuccessRate)
	assert.False(t, snap.IsHealthy)
	assert.Empty(t, c.All())

	c.Track("ghost")
	c.Collect()
	assert.Equal(t, 100.0, c.All()["ghost"].SuccessRate)
}

func TestCollector_HealthCheck(t *testing.T) {
	mock := clock.NewMock()
	c := NewCollector(time.Second, WithCollectorClock(mock))

	c.RecordHealthCheck("orders", true)
	snap := c.Snapshot("orders")
	assert.True(t, snap.IsHealthy)
	assert.Equal(t, mock.Now(), snap.LastHealthCheck)

	c.RecordHealthCheck("orders", false)
	assert.False(t, c.Snapshot("orders").IsHealthy)
	assert.Equal(t, []string{"orders"}, c.Services())
}

func TestCollector_TickerDrivesCollection(t *testing.T) {
	mock := clock.NewMock()
	c := NewCollector(10*time.Second, WithCollectorClock(mock))
	c.Start(context.Background())
	defer c.Stop()

	c.RecordRequest("users", 50*time.Millisecond, false)
	mock.Add(10 * time.Second)

	require.Eventually(t, func() bool {
		return c.Snapshot("users").LastWindowRequests == 1
	}, time.Second, 5*time.Millisecond)
}

func TestCollector_StopIdempotent(t *testing.T) {
	c := NewCollector(time.Second)
	c.Start(context.Background())
	c.Stop()
	c.Stop()
}

func TestCollector_ConcurrentRecording(t *testing.T) {
	c := NewCollector(time.Second)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			svc := "a"
			if i%2 == 0 {
				svc = "b"
			}
			c.RecordRequest(svc, time.Millisecond, i%5 == 0)
			if i%10 == 0 {
				c.Collect()
			}
		}(i)
	}
	wg.Wait()

	all := c.All()
	assert.Equal(t, int64(25), all["a"].RequestCount)
	assert.Equal(t, int64(25), all["b"].RequestCount)
}

func TestCollector_CoreMetrics(t *testing.T) {
	registry := NewMetricsRegistry()
	c := NewCollector(time.Second, WithCoreMetrics(registry.CoreMetrics()))

	c.RecordRequest("users", time.Millisecond, false)
	c.RecordRequest("users", time.Millisecond, true)
	c.RecordHealthCheck("users", true)

	core := registry.CoreMetrics()
	assert.Equal(t, 1.0, testutil.ToFloat64(core.RequestsTotal.WithLabelValues("users", OutcomeSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(core.RequestsTotal.WithLabelValues("users", OutcomeError)))
	assert.Equal(t, 1.0, testutil.ToFloat64(core.HealthStatus.WithLabelValues("users")))
}
