package metric

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/fedgate/errors"
)

func TestNewMetricsRegistry(t *testing.T) {
	registry := NewMetricsRegistry()

	assert.NotNil(t, registry)
	assert.NotNil(t, registry.PrometheusRegistry())
	assert.NotNil(t, registry.CoreMetrics())
}

func TestMetricsRegistry_RegisterCounter(t *testing.T) {
	registry := NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "test_counter",
		Help: "A test counter",
	})

	require.NoError(t, registry.RegisterCounter("tiercache", "test_counter", counter))
	counter.Inc()

	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)

	found := false
	for _, mf := range families {
		if mf.GetName() == "test_counter" {
			found = true
			break
		}
	}
	assert.True(t, found, "counter should be registered in Prometheus registry")
}

func TestMetricsRegistry_RegisterVecs(t *testing.T) {
	registry := NewMetricsRegistry()

	gv := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "test_gauge_vec", Help: "g"}, []string{"l"})
	cv := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_counter_vec", Help: "c"}, []string{"l"})
	hv := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "test_hist_vec", Help: "h"}, []string{"l"})
	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: "test_gauge", Help: "g"})

	require.NoError(t, registry.RegisterGaugeVec("owner", "gv", gv))
	require.NoError(t, registry.RegisterCounterVec("owner", "cv", cv))
	require.NoError(t, registry.RegisterHistogramVec("owner", "hv", hv))
	require.NoError(t, registry.RegisterGauge("owner", "g", g))

	gv.WithLabelValues("x").Set(3)
	assert.Equal(t, 3.0, testutil.ToFloat64(gv.WithLabelValues("x")))
}

func TestMetricsRegistry_PreventDuplicateRegistration(t *testing.T) {
	registry := NewMetricsRegistry()

	counter1 := prometheus.NewCounter(prometheus.CounterOpts{Name: "duplicate_counter", Help: "first"})
	counter2 := prometheus.NewCounter(prometheus.CounterOpts{Name: "duplicate_counter", Help: "second"})

	require.NoError(t, registry.RegisterCounter("owner1", "duplicate_counter", counter1))

	err := registry.RegisterCounter("owner1", "duplicate_counter", counter1)
	assert.True(t, errors.IsInvalid(err))

	err = registry.RegisterCounter("owner2", "duplicate_counter", counter2)
	assert.Error(t, err, "prometheus should reject a second collector with the same name")
}

func TestMetricsRegistry_Unregister(t *testing.T) {
	registry := NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "unregister_counter", Help: "c"})
	require.NoError(t, registry.RegisterCounter("owner", "unregister_counter", counter))

	assert.True(t, registry.Unregister("owner", "unregister_counter"))
	assert.False(t, registry.Unregister("owner", "unregister_counter"))

	require.NoError(t, registry.RegisterCounter("owner", "unregister_counter", counter))
}

func TestMetricsRegistry_ThreadSafety(t *testing.T) {
	registry := NewMetricsRegistry()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			counter := prometheus.NewCounter(prometheus.CounterOpts{
				Name: fmt.Sprintf("concurrent_counter_%d", i),
				Help: "c",
			})
			errs <- registry.RegisterCounter("concurrent", fmt.Sprintf("counter_%d", i), counter)
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
}

func TestMetricsRegistrar_Interface(t *testing.T) {
	var registrar MetricsRegistrar = NewMetricsRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "interface_counter", Help: "c"})
	assert.NoError(t, registrar.RegisterCounter("owner", "interface_counter", counter))
}

func TestCoreMetrics_RecordMethods(t *testing.T) {
	core := NewMetricsRegistry().CoreMetrics()

	core.RecordRequest("users", OutcomeSuccess, 20*time.Millisecond)
	core.RecordRequest("users", OutcomeCacheHit, 0)
	core.RecordRateLimited("users")
	core.RecordCircuitState("users", 1)
	core.RecordCacheLookup("local", true)
	core.RecordCacheLookup("shared", false)
	core.RecordNATSStatus(true)

	assert.Equal(t, 1.0, testutil.ToFloat64(core.RequestsTotal.WithLabelValues("users", OutcomeSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(core.RequestsTotal.WithLabelValues("users", OutcomeCacheHit)))
	assert.Equal(t, 1.0, testutil.ToFloat64(core.RateLimited.WithLabelValues("users")))
	assert.Equal(t, 1.0, testutil.ToFloat64(core.CircuitState.WithLabelValues("users")))
	assert.Equal(t, 1.0, testutil.ToFloat64(core.CacheLookups.WithLabelValues("local", "hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(core.CacheLookups.WithLabelValues("shared", "miss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(core.NATSConnected))
	assert.Equal(t, 1, testutil.CollectAndCount(core.RequestDuration))
}

func TestMetricsRegistry_Handler(t *testing.T) {
	registry := NewMetricsRegistry()
	registry.CoreMetrics().RecordRateLimited("users")

	rec := httptest.NewRecorder()
	registry.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics/prometheus", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `fedgate_gateway_rate_limited_total{service="users"} 1`))
	assert.Contains(t, body, "go_goroutines")
}

func TestMetricsRegistry_GatherLabels(t *testing.T) {
	registry := NewMetricsRegistry()
	core := registry.CoreMetrics()
	core.RecordRequest("users", OutcomeSuccess, 10*time.Millisecond)
	core.RecordRequest("orders", OutcomeRejected, 0)
	core.RecordCircuitState("orders", 2)

	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)

	byName := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		byName[f.GetName()] = f
	}

	requests := byName["fedgate_gateway_requests_total"]
	require.NotNil(t, requests)
	assert.Equal(t, dto.MetricType_COUNTER, requests.GetType())
	require.Len(t, requests.GetMetric(), 2)

	outcomes := map[string]string{}
	for _, m := range requests.GetMetric() {
		labels := map[string]string{}
		for _, lp := range m.GetLabel() {
			labels[lp.GetName()] = lp.GetValue()
		}
		outcomes[labels["service"]] = labels["outcome"]
	}
	assert.Equal(t, map[string]string{"users": OutcomeSuccess, "orders": OutcomeRejected}, outcomes)

	circuit := byName["fedgate_gateway_circuit_state"]
	require.NotNil(t, circuit)
	require.Len(t, circuit.GetMetric(), 1)
	assert.Equal(t, 2.0, circuit.GetMetric()[0].GetGauge().GetValue())
}
