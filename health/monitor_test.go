package health

import (
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"
)

func TestMonitor_UpdateAndGet(t *testing.T) {
	monitor := NewMonitor()

	monitor.Update("users", Status{Component: "wrong-name", Status: StateHealthy})

	got, ok := monitor.Get("users")
	if !ok {
		t.Fatal("users should be tracked after Update")
	}
	if got.Component != "users" {
		t.Errorf("Component = %q, want the tracked name", got.Component)
	}
	if got.Timestamp.IsZero() {
		t.Error("Update should stamp a missing timestamp")
	}

	if _, ok := monitor.Get("orders"); ok {
		t.Error("orders should not be tracked")
	}
}

func TestMonitor_ConsecutiveFailures(t *testing.T) {
	monitor := NewMonitor()
	t0 := time.Unix(1700000000, 0)

	up := NewHealthy("users", "").WithMetrics(&Metrics{TotalInstances: 1, HealthyInstances: 1})
	up.Timestamp = t0
	monitor.Update("users", up)

	for i := 1; i <= 3; i++ {
		down := NewUnhealthy("users", "").WithMetrics(&Metrics{TotalInstances: 1})
		monitor.Update("users", down)

		got, _ := monitor.Get("users")
		if got.Metrics.ConsecutiveFailures != i {
			t.Errorf("after %d failures ConsecutiveFailures = %d", i, got.Metrics.ConsecutiveFailures)
		}
		if !got.Metrics.LastSuccess.Equal(t0) {
			t.Errorf("LastSuccess = %v, want %v", got.Metrics.LastSuccess, t0)
		}
	}

	monitor.Update("users", NewHealthy("users", "").WithMetrics(&Metrics{TotalInstances: 1, HealthyInstances: 1}))
	got, _ := monitor.Get("users")
	if got.Metrics.ConsecutiveFailures != 0 {
		t.Errorf("success should reset ConsecutiveFailures, got %d", got.Metrics.ConsecutiveFailures)
	}
}

func TestMonitor_UpdateDoesNotAliasMetrics(t *testing.T) {
	monitor := NewMonitor()
	m := &Metrics{TotalInstances: 1}
	monitor.Update("users", NewUnhealthy("users", "").WithMetrics(m))

	if m.ConsecutiveFailures != 0 {
		t.Error("Update modified the caller's Metrics")
	}
}

func TestMonitor_RetainAndRemove(t *testing.T) {
	monitor := NewMonitor()
	monitor.UpdateHealthy("users", "")
	monitor.UpdateHealthy("orders", "")
	monitor.UpdateHealthy("nats", "connected")

	monitor.Retain([]string{"users"}, "nats")
	if got := monitor.ListComponents(); !reflect.DeepEqual(got, []string{"nats", "users"}) {
		t.Errorf("ListComponents() = %v", got)
	}

	monitor.Remove("users")
	if monitor.Count() != 1 {
		t.Errorf("Count() = %d, want 1", monitor.Count())
	}
}

func TestMonitor_AggregateHealth(t *testing.T) {
	monitor := NewMonitor()
	monitor.UpdateHealthy("users", "")
	monitor.UpdateHealthy("orders", "")

	agg := monitor.AggregateHealth("fedgate")
	if !agg.IsHealthy() {
		t.Errorf("aggregate = %q, want healthy", agg.Status)
	}
	if agg.SubStatuses[0].Component != "orders" {
		t.Errorf("sub-statuses should be sorted by name, first = %q", agg.SubStatuses[0].Component)
	}

	monitor.UpdateUnhealthy("orders", "No healthy instances")
	if agg := monitor.AggregateHealth("fedgate"); !agg.IsDegraded() {
		t.Errorf("aggregate = %q, want degraded", agg.Status)
	}

	all := monitor.GetAll()
	delete(all, "users")
	if monitor.Count() != 2 {
		t.Error("GetAll should return a copy")
	}
}

func TestMonitor_Concurrent(t *testing.T) {
	monitor := NewMonitor()
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				name := fmt.Sprintf("svc-%d", id)
				monitor.Update(name, NewUnhealthy(name, "").WithMetrics(&Metrics{}))
			}
		}(i)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = monitor.AggregateHealth("fedgate")
				_ = monitor.GetAll()
			}
		}()
	}
	wg.Wait()

	if monitor.Count() != 10 {
		t.Errorf("Count() = %d, want 10", monitor.Count())
	}
	got, _ := monitor.Get("svc-3")
	if got.Metrics.ConsecutiveFailures != 100 {
		t.Errorf("ConsecutiveFailures = %d, want 100", got.Metrics.ConsecutiveFailures)
	}
}
