package errors

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/c360/fedgate/pkg/retry"
)

// Kind is the stable, caller-visible category of a gateway failure.
type Kind string

// Gateway error kinds. The string values are part of the HTTP error contract.
const (
	KindUnknown            Kind = "INTERNAL"
	KindServiceUnresolved  Kind = "SERVICE_UNRESOLVED"
	KindNoHealthyInstances Kind = "NO_HEALTHY_INSTANCES"
	KindCircuitOpen        Kind = "CIRCUIT_OPEN"
	KindRateLimitExceeded  Kind = "RATE_LIMIT_EXCEEDED"
	KindRetriesExhausted   Kind = "RETRIES_EXHAUSTED"
	KindUpstreamError      Kind = "UPSTREAM_ERROR"
	KindStoreUnavailable   Kind = "STORE_UNAVAILABLE"
	KindInvalid            Kind = "INVALID_REQUEST"
)

// Kind sentinels, usable with errors.Is against any *GatewayError.
var (
	ErrServiceUnresolved  = &GatewayError{Kind: KindServiceUnresolved}
	ErrNoHealthyInstances = &GatewayError{Kind: KindNoHealthyInstances}
	ErrCircuitOpen        = &GatewayError{Kind: KindCircuitOpen}
	ErrRateLimitExceeded  = &GatewayError{Kind: KindRateLimitExceeded}
	ErrRetriesExhausted   = &GatewayError{Kind: KindRetriesExhausted}
	ErrUpstream           = &GatewayError{Kind: KindUpstreamError}
	ErrStoreUnavailable   = &GatewayError{Kind: KindStoreUnavailable}
	ErrInvalidRequest     = &GatewayError{Kind: KindInvalid}
)

// GatewayError is the structured error returned to callers of the pipeline.
// It always names the service involved and a stable Kind.
type GatewayError struct {
	Kind       Kind
	Service    string
	StatusCode int    // upstream status for KindUpstreamError
	Body       []byte // upstream body for KindUpstreamError
	Err        error
}

// Error implements the error interface
func (e *GatewayError) Error() string {
	msg := string(e.Kind)
	if e.Service != "" {
		msg = fmt.Sprintf("%s: service %s", msg, e.Service)
	}
	if e.Kind == KindUpstreamError && e.StatusCode != 0 {
		msg = fmt.Sprintf("%s: status %d", msg, e.StatusCode)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying cause
func (e *GatewayError) Unwrap() error {
	return e.Err
}

// Is matches any GatewayError of the same Kind, so the package sentinels work
// with errors.Is regardless of service or cause.
func (e *GatewayError) Is(target error) bool {
	t, ok := target.(*GatewayError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// transient reports whether repeating the request may succeed.
func (e *GatewayError) transient() bool {
	switch e.Kind {
	case KindUpstreamError:
		// Status 0 is a transport failure.
		s := e.StatusCode
		return s < 400 || s >= 500 || s == http.StatusRequestTimeout || s == http.StatusTooManyRequests
	case KindCircuitOpen, KindRateLimitExceeded, KindStoreUnavailable:
		return true
	default:
		return false
	}
}

// NewGatewayError builds a GatewayError of the given kind.
func NewGatewayError(kind Kind, service string, cause error) *GatewayError {
	return &GatewayError{Kind: kind, Service: service, Err: cause}
}

// NewUpstreamError records a non-2xx response from a backend.
func NewUpstreamError(service string, status int, body []byte) *GatewayError {
	return &GatewayError{
		Kind:       KindUpstreamError,
		Service:    service,
		StatusCode: status,
		Body:       body,
	}
}

// KindOf resolves the gateway kind of err by walking its wrap chain.
// Retry exhaustion reported by the retry package maps to KindRetriesExhausted.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ex *retry.ExhaustedError
	if errors.As(err, &ex) {
		return KindRetriesExhausted
	}
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Kind
	}
	if IsInvalid(err) {
		return KindInvalid
	}
	return KindUnknown
}

// ServiceOf returns the service name carried by err, if any.
func ServiceOf(err error) string {
	var ex *retry.ExhaustedError
	if errors.As(err, &ex) {
		return ex.Service
	}
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Service
	}
	return ""
}

// HTTPStatus maps an error onto the status code exposed by the HTTP surface.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindRateLimitExceeded:
		return http.StatusTooManyRequests
	case KindCircuitOpen, KindNoHealthyInstances, KindStoreUnavailable:
		return http.StatusServiceUnavailable
	case KindServiceUnresolved:
		return http.StatusNotFound
	case KindInvalid:
		return http.StatusBadRequest
	case KindRetriesExhausted:
		return http.StatusBadGateway
	case KindUpstreamError:
		var ge *GatewayError
		if errors.As(err, &ge) && ge.StatusCode >= 400 && ge.StatusCode < 500 {
			return ge.StatusCode
		}
		return http.StatusBadGateway
	case "":
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}
