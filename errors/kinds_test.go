package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/fedgate/pkg/retry"
)

func TestGatewayError_Is(t *testing.T) {
	err := fmt.Errorf("execute: %w", NewGatewayError(KindCircuitOpen, "users", nil))

	assert.True(t, errors.Is(err, ErrCircuitOpen))
	assert.False(t, errors.Is(err, ErrRateLimitExceeded))

	var ge *GatewayError
	require.True(t, errors.As(err, &ge))
	assert.Equal(t, "users", ge.Service)
}

func TestGatewayError_Message(t *testing.T) {
	cause := fmt.Errorf("dial tcp: refused")
	err := NewGatewayError(KindNoHealthyInstances, "orders", cause)
	assert.Equal(t, "NO_HEALTHY_INSTANCES: service orders: dial tcp: refused", err.Error())
	assert.ErrorIs(t, err, cause)

	up := NewUpstreamError("orders", 503, []byte("down"))
	assert.Equal(t, "UPSTREAM_ERROR: service orders: status 503", up.Error())
}

func TestKindOf(t *testing.T) {
	exhausted := &retry.ExhaustedError{Service: "users", Attempts: 3, Err: fmt.Errorf("last")}

	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"gateway", NewGatewayError(KindServiceUnresolved, "x", nil), KindServiceUnresolved},
		{"wrapped gateway", fmt.Errorf("ctx: %w", ErrRateLimitExceeded), KindRateLimitExceeded},
		{"exhausted", exhausted, KindRetriesExhausted},
		{"exhausted wrapping upstream", &retry.ExhaustedError{Service: "u", Attempts: 2, Err: NewUpstreamError("u", 500, nil)}, KindRetriesExhausted},
		{"invalid", WrapInvalid(fmt.Errorf("bad"), "c", "m", "a"), KindInvalid},
		{"plain", fmt.Errorf("plain"), KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}

	assert.Equal(t, "users", ServiceOf(exhausted))
	assert.Equal(t, "x", ServiceOf(NewGatewayError(KindCircuitOpen, "x", nil)))
	assert.Empty(t, ServiceOf(fmt.Errorf("plain")))
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"ok", nil, http.StatusOK},
		{"rate limited", ErrRateLimitExceeded, http.StatusTooManyRequests},
		{"circuit open", ErrCircuitOpen, http.StatusServiceUnavailable},
		{"no instances", ErrNoHealthyInstances, http.StatusServiceUnavailable},
		{"unresolved", ErrServiceUnresolved, http.StatusNotFound},
		{"invalid", ErrInvalidRequest, http.StatusBadRequest},
		{"exhausted", &retry.ExhaustedError{Service: "u", Attempts: 3}, http.StatusBadGateway},
		{"upstream 4xx", NewUpstreamError("u", 404, nil), http.StatusNotFound},
		{"upstream 5xx", NewUpstreamError("u", 500, nil), http.StatusBadGateway},
		{"unknown", fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.err))
		})
	}
}
