package gateway

import (
	"fmt"
	"net/http"
	"time"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"

	"github.com/c360/fedgate/errors"
	"github.com/c360/fedgate/pkg/retry"
	"github.com/c360/fedgate/ratelimit"
)

// Request is one GraphQL operation addressed to a named service.
type Request struct {
	Service       string         `json:"service"`
	Query         string         `json:"query"`
	Variables     map[string]any `json:"variables,omitempty"`
	OperationName string         `json:"operationName,omitempty"`
	// ClientID identifies the caller for rate limiting, normally the
	// X-Client-ID header or the remote IP.
	ClientID string      `json:"-"`
	Header   http.Header `json:"-"`
}

// Validate checks the fields every request needs.
func (r *Request) Validate() error {
	if r.Service == "" {
		return errors.NewGatewayError(errors.KindInvalid, "",
			errors.WrapInvalid(errors.ErrInvalidData, "Request", "Validate", "service cannot be empty"))
	}
	if r.Query == "" {
		return errors.NewGatewayError(errors.KindInvalid, r.Service,
			errors.WrapInvalid(errors.ErrInvalidData, "Request", "Validate", "query cannot be empty"))
	}
	return nil
}

// Operation parses the query and returns the operation that will run: the
// one named by OperationName, or the only one in the document.
func (r *Request) Operation() (ast.Operation, error) {
	doc, err := parser.ParseQuery(&ast.Source{Input: r.Query})
	if err != nil {
		return "", errors.NewGatewayError(errors.KindInvalid, r.Service,
			errors.WrapInvalid(err, "Request", "Operation", "parse query"))
	}

	switch {
	case r.OperationName != "":
		if op := doc.Operations.ForName(r.OperationName); op != nil {
			return op.Operation, nil
		}
		return "", errors.NewGatewayError(errors.KindInvalid, r.Service,
			errors.WrapInvalid(errors.ErrInvalidData, "Request", "Operation",
				fmt.Sprintf("operation %q not found", r.OperationName)))
	case len(doc.Operations) == 1:
		return doc.Operations[0].Operation, nil
	case len(doc.Operations) == 0:
		return "", errors.NewGatewayError(errors.KindInvalid, r.Service,
			errors.WrapInvalid(errors.ErrInvalidData, "Request", "Operation", "document has no operations"))
	default:
		return "", errors.NewGatewayError(errors.KindInvalid, r.Service,
			errors.WrapInvalid(errors.ErrInvalidData, "Request", "Operation",
				"operationName is required for documents with several operations"))
	}
}

// Response is the backend's answer, relayed verbatim.
type Response struct {
	Service     string `json:"service"`
	Address     string `json:"address,omitempty"`
	StatusCode  int    `json:"status_code"`
	ContentType string `json:"content_type"`
	Body        []byte `json:"-"`
	CacheHit    bool   `json:"cache_hit"`
	// RateLimit is set when a limiter admitted the request.
	RateLimit *ratelimit.Decision `json:"-"`
}

// Config holds the orchestrator's timing and sizing knobs.
type Config struct {
	// UpstreamTimeout bounds a single attempt against a backend.
	UpstreamTimeout time.Duration `json:"upstream_timeout"`

	HealthInterval    time.Duration `json:"health_interval"`
	HealthTimeout     time.Duration `json:"health_timeout"`
	HealthConcurrency int           `json:"health_concurrency"`

	// CacheTTL is the lifetime of cached query responses.
	CacheTTL time.Duration `json:"cache_ttl"`

	Retry retry.Config `json:"retry"`

	MetricsInterval time.Duration `json:"metrics_interval"`
}

// DefaultConfig returns the stock settings: 10s health checks, 1h cache
// lifetime, three attempts with 1s doubling backoff capped at 5s.
func DefaultConfig() Config {
	return Config{
		UpstreamTimeout:   10 * time.Second,
		HealthInterval:    10 * time.Second,
		HealthTimeout:     3 * time.Second,
		HealthConcurrency: 8,
		CacheTTL:          time.Hour,
		Retry:             errors.DefaultRetryConfig().ToRetryConfig(),
		MetricsInterval:   10 * time.Second,
	}
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if c.UpstreamTimeout <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"upstream_timeout must be positive")
	}
	if c.HealthInterval <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"health_interval must be positive")
	}
	if c.HealthTimeout <= 0 || c.HealthTimeout > c.HealthInterval {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"health_timeout must be positive and no longer than health_interval")
	}
	if c.HealthConcurrency <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"health_concurrency must be positive")
	}
	if c.CacheTTL <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"cache_ttl must be positive")
	}
	if c.MetricsInterval <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"metrics_interval must be positive")
	}
	return nil
}
