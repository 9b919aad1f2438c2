package gateway_test

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/vektah/gqlparser/v2/ast"

	pkgerrors "github.com/c360/fedgate/errors"
	"github.com/c360/fedgate/gateway"
	"github.com/c360/fedgate/registry"
)

func TestRequest_Validate(t *testing.T) {
	tests := []struct {
		name        string
		req         gateway.Request
		expectError bool
	}{
		{"valid", gateway.Request{Service: "users", Query: "{ me { id } }"}, false},
		{"missing service", gateway.Request{Query: "{ me { id } }"}, true},
		{"missing query", gateway.Request{Service: "users"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.expectError {
				if err == nil {
					t.Fatal("expected error but got nil")
				}
				if !stderrors.Is(err, pkgerrors.ErrInvalidRequest) {
					t.Errorf("expected INVALID_REQUEST kind, got: %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestRequest_Operation(t *testing.T) {
	multi := `query A { me { id } } mutation B { logout }`

	tests := []struct {
		name          string
		query         string
		operationName string
		want          ast.Operation
		expectError   bool
	}{
		{name: "shorthand query", query: "{ me { id } }", want: ast.Query},
		{name: "named mutation", query: "mutation M { logout }", want: ast.Mutation},
		{name: "subscription", query: "subscription { tick }", want: ast.Subscription},
		{name: "selected by name", query: multi, operationName: "B", want: ast.Mutation},
		{name: "ambiguous", query: multi, expectError: true},
		{name: "unknown name", query: multi, operationName: "C", expectError: true},
		{name: "syntax error", query: "query {", expectError: true},
		{name: "fragment only", query: "fragment F on User { id }", expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := gateway.Request{Service: "users", Query: tt.query, OperationName: tt.operationName}
			op, err := req.Operation()
			if tt.expectError {
				if err == nil {
					t.Fatalf("expected error, got operation %q", op)
				}
				if pkgerrors.KindOf(err) != pkgerrors.KindInvalid {
					t.Errorf("KindOf = %s, want %s", pkgerrors.KindOf(err), pkgerrors.KindInvalid)
				}
				if pkgerrors.ServiceOf(err) != "users" {
					t.Errorf("ServiceOf = %q", pkgerrors.ServiceOf(err))
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if op != tt.want {
				t.Errorf("Operation() = %q, want %q", op, tt.want)
			}
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	valid := gateway.DefaultConfig()
	if err := valid.Validate(); err != nil {
		t.Fatalf("default config should be valid: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*gateway.Config)
	}{
		{"zero upstream timeout", func(c *gateway.Config) { c.UpstreamTimeout = 0 }},
		{"zero health interval", func(c *gateway.Config) { c.HealthInterval = 0 }},
		{"health timeout beyond interval", func(c *gateway.Config) { c.HealthTimeout = c.HealthInterval + time.Second }},
		{"zero concurrency", func(c *gateway.Config) { c.HealthConcurrency = 0 }},
		{"zero cache ttl", func(c *gateway.Config) { c.CacheTTL = 0 }},
		{"zero metrics interval", func(c *gateway.Config) { c.MetricsInterval = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := gateway.DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected error but got nil")
			}
			if !pkgerrors.IsInvalid(err) {
				t.Errorf("expected Invalid error classification, got: %v", err)
			}
		})
	}
}

func TestStaticComposer(t *testing.T) {
	built := time.Unix(1700000000, 0)
	snap := registry.NewSnapshot(7, built,
		registry.ServiceDescriptor{Name: "users", URL: "http://users:4001", Instances: []string{"http://u1", "http://u2"}},
		registry.ServiceDescriptor{Name: "orders", URL: "http://orders:4002"},
	)

	plan, err := gateway.StaticComposer{}.Compose(context.Background(), snap)
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	if plan.Version != 7 || !plan.BuiltAt.Equal(built) {
		t.Errorf("plan version/time = %d/%v", plan.Version, plan.BuiltAt)
	}
	if len(plan.Services) != 2 || plan.Services[0] != "orders" {
		t.Errorf("Services = %v, want sorted names", plan.Services)
	}
	r, ok := plan.Route("users")
	if !ok || len(r.Instances) != 2 || r.URL != "http://users:4001" {
		t.Errorf("users route = %+v, %v", r, ok)
	}
	if plan.Has("ghost") {
		t.Error("unexpected route for ghost")
	}

	var nilPlan *gateway.Plan
	if nilPlan.Has("users") {
		t.Error("nil plan should have no routes")
	}
}
