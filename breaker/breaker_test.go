package breaker

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/fedgate/errors"
	"github.com/c360/fedgate/metric"
)

func testConfig() Config {
	return Config{
		ErrorThreshold:   3,
		ErrorRatePercent: 50,
		MinimumRequests:  10,
		Window:           10 * time.Second,
		ResetTimeout:     30 * time.Second,
	}
}

func newTestBreaker(t *testing.T, opts ...Option) (*Breaker, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	b, err := New(testConfig(), append(opts, WithClock(mock))...)
	require.NoError(t, err)
	return b, mock
}

func TestBreaker_TripsOnConsecutiveFailures(t *testing.T) {
	b, _ := newTestBreaker(t)

	b.RecordResult("users", false)
	b.RecordResult("users", false)
	assert.Equal(t, StateClosed, b.State("users"))
	assert.True(t, b.Allow("users"))

	b.RecordResult("users", false)
	assert.Equal(t, StateOpen, b.State("users"))
	assert.False(t, b.Allow("users"))
}

func TestBreaker_SuccessResetsConsecutive(t *testing.T) {
	b, _ := newTestBreaker(t)

	b.RecordResult("users", false)
	b.RecordResult("users", false)
	b.RecordResult("users", true)
	b.RecordResult("users", false)
	b.RecordResult("users", false)

	assert.Equal(t, StateClosed, b.State("users"))
	assert.Equal(t, 2, b.Snapshot()["users"].ConsecutiveFailures)
}

func TestBreaker_TripsOnErrorRate(t *testing.T) {
	b, _ := newTestBreaker(t)

	// Alternate so consecutive failures never reach 3.
	for i := 0; i < 9; i++ {
		b.RecordResult("users", i%2 == 0)
	}
	assert.Equal(t, StateClosed, b.State("users"), "below minimum sample size")

	b.RecordResult("users", false) // 10 requests, 5 failures = 50%
	assert.Equal(t, StateOpen, b.State("users"))
}

func TestBreaker_WindowRollResetsCounts(t *testing.T) {
	b, mock := newTestBreaker(t)

	b.RecordResult("users", false)
	b.RecordResult("users", false)
	mock.Add(11 * time.Second)
	b.RecordResult("users", false)

	assert.Equal(t, StateClosed, b.State("users"))
	info := b.Snapshot()["users"]
	assert.Equal(t, 1, info.ConsecutiveFailures)
	assert.Equal(t, 1, info.WindowRequests)
}

func TestBreaker_HalfOpenSingleProbe(t *testing.T) {
	b, mock := newTestBreaker(t)
	trip(b, "users")

	mock.Add(29 * time.Second)
	assert.False(t, b.Allow("users"))

	mock.Add(time.Second)
	assert.True(t, b.Allow("users"), "probe admitted after reset timeout")
	assert.Equal(t, StateHalfOpen, b.State("users"))
	assert.False(t, b.Allow("users"), "only one probe while half-open")

	b.RecordResult("users", true)
	assert.Equal(t, StateClosed, b.State("users"))
	assert.True(t, b.Allow("users"))
	assert.Equal(t, 0, b.Snapshot()["users"].WindowRequests)
}

func TestBreaker_HalfOpenProbeFailureReopens(t *testing.T) {
	b, mock := newTestBreaker(t)
	trip(b, "users")

	mock.Add(30 * time.Second)
	require.True(t, b.Allow("users"))
	b.RecordResult("users", false)

	assert.Equal(t, StateOpen, b.State("users"))
	assert.False(t, b.Allow("users"))

	mock.Add(30 * time.Second)
	assert.True(t, b.Allow("users"))
}

func TestBreaker_AbandonedProbeIsReplaced(t *testing.T) {
	b, mock := newTestBreaker(t)
	trip(b, "users")

	mock.Add(30 * time.Second)
	require.True(t, b.Allow("users"))
	assert.False(t, b.Allow("users"))

	mock.Add(30 * time.Second)
	assert.True(t, b.Allow("users"))
}

func TestBreaker_HalfOpenConcurrentAllow(t *testing.T) {
	b, mock := newTestBreaker(t)
	trip(b, "users")
	mock.Add(30 * time.Second)

	var mu sync.Mutex
	admitted := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if b.Allow("users") {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, admitted)
}

func TestBreaker_ServicesIsolated(t *testing.T) {
	b, _ := newTestBreaker(t)
	trip(b, "users")

	assert.False(t, b.Allow("users"))
	assert.True(t, b.Allow("orders"))
	assert.Equal(t, StateClosed, b.State("unknown"))
}

func TestBreaker_Gate(t *testing.T) {
	b, _ := newTestBreaker(t)
	ctx := context.Background()
	gated, err := b.Gate(ctx, "users")
	assert.NoError(t, err)
	assert.Equal(t, ctx, gated, "closed admissions carry no ticket")

	trip(b, "users")
	_, err = b.Gate(ctx, "users")
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrCircuitOpen))
	assert.Equal(t, "users", errors.ServiceOf(err))
}

func TestBreaker_GatedProbeIgnoresLateResults(t *testing.T) {
	b, mock := newTestBreaker(t)
	ctx := context.Background()

	early, err := b.Gate(ctx, "users")
	require.NoError(t, err)
	trip(b, "users")

	mock.Add(30 * time.Second)
	probe, err := b.Gate(ctx, "users")
	require.NoError(t, err)
	require.Equal(t, StateHalfOpen, b.State("users"))

	b.Record(early, "users", true)
	assert.Equal(t, StateHalfOpen, b.State("users"), "admitted before the trip")
	b.RecordResult("users", true)
	assert.Equal(t, StateHalfOpen, b.State("users"), "untracked result")
	_, err = b.Gate(ctx, "users")
	assert.Error(t, err, "probe slot still held")

	b.Record(probe, "users", true)
	assert.Equal(t, StateClosed, b.State("users"))
}

func TestBreaker_ReplacedProbeResultIgnored(t *testing.T) {
	b, mock := newTestBreaker(t)
	ctx := context.Background()
	trip(b, "users")

	mock.Add(30 * time.Second)
	first, err := b.Gate(ctx, "users")
	require.NoError(t, err)

	mock.Add(30 * time.Second)
	second, err := b.Gate(ctx, "users")
	require.NoError(t, err)

	b.Record(first, "users", false)
	assert.Equal(t, StateHalfOpen, b.State("users"))

	b.Record(second, "users", false)
	assert.Equal(t, StateOpen, b.State("users"))
}

func TestBreaker_TicketScopedToService(t *testing.T) {
	b, mock := newTestBreaker(t)
	ctx := context.Background()
	trip(b, "users")
	trip(b, "orders")
	mock.Add(30 * time.Second)

	usersProbe, err := b.Gate(ctx, "users")
	require.NoError(t, err)
	_, err = b.Gate(ctx, "orders")
	require.NoError(t, err)

	b.Record(usersProbe, "orders", true)
	assert.Equal(t, StateHalfOpen, b.State("orders"))
	b.Record(usersProbe, "users", true)
	assert.Equal(t, StateClosed, b.State("users"))
}

func TestBreaker_MetricsAndHook(t *testing.T) {
	m := metric.NewMetrics()
	var transitions []string
	b, mock := newTestBreaker(t, WithMetrics(m), WithStateChangeHook(func(service string, from, to State) {
		transitions = append(transitions, service+":"+from.String()+"->"+to.String())
	}))

	trip(b, "users")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CircuitState.WithLabelValues("users")))

	mock.Add(30 * time.Second)
	b.Allow("users")
	assert.Equal(t, float64(2), testutil.ToFloat64(m.CircuitState.WithLabelValues("users")))

	b.RecordResult("users", true)
	assert.Equal(t, float64(0), testutil.ToFloat64(m.CircuitState.WithLabelValues("users")))

	assert.Equal(t, []string{
		"users:closed->open",
		"users:open->half-open",
		"users:half-open->closed",
	}, transitions)
}

func TestBreaker_LateResultsWhileOpenIgnored(t *testing.T) {
	b, _ := newTestBreaker(t)
	trip(b, "users")
	openedAt := b.Snapshot()["users"].OpenedAt

	b.RecordResult("users", true)
	b.RecordResult("users", false)

	info := b.Snapshot()["users"]
	assert.Equal(t, StateOpen, info.State)
	assert.Equal(t, openedAt, info.OpenedAt)
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	bad := DefaultConfig()
	bad.ErrorRatePercent = 150
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.ResetTimeout = 0
	_, err := New(bad)
	assert.Error(t, err)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())

	text, err := StateHalfOpen.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "half-open", string(text))
}

func trip(b *Breaker, service string) {
	for i := 0; i < b.cfg.ErrorThreshold; i++ {
		b.RecordResult(service, false)
	}
}
