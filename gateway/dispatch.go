package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"

	"github.com/c360/fedgate/errors"
	"github.com/c360/fedgate/metric"
	"github.com/c360/fedgate/pkg/retry"
)

// maxResponseSize caps how much of a backend body is read.
const maxResponseSize = 32 << 20

// forwardedHeaders are copied from the client request to the backend.
var forwardedHeaders = []string{"Authorization", "X-Request-ID", "Accept-Language"}

type upstreamPayload struct {
	Query         string         `json:"query"`
	Variables     map[string]any `json:"variables,omitempty"`
	OperationName string         `json:"operationName,omitempty"`
}

// dispatch sends req to a healthy instance of its service, retrying through
// the executor. Every attempt is admitted by the circuit breaker first.
func (g *Gateway) dispatch(ctx context.Context, req Request) (*Response, error) {
	payload, err := json.Marshal(upstreamPayload{
		Query:         req.Query,
		Variables:     req.Variables,
		OperationName: req.OperationName,
	})
	if err != nil {
		return nil, errors.NewGatewayError(errors.KindInvalid, req.Service,
			errors.WrapInvalid(err, "Gateway", "dispatch", "encode variables"))
	}

	start := g.clock.Now()
	resp, err := retry.RunWithResult(ctx, g.executor, req.Service,
		func(ctx context.Context, attempt int) (*Response, error) {
			return g.attempt(ctx, req, payload, attempt)
		})
	elapsed := g.clock.Now().Sub(start)

	switch {
	case err == nil:
		g.collector.RecordRequest(req.Service, elapsed, false)
	case errors.KindOf(err) == errors.KindCircuitOpen:
		if g.metrics != nil {
			g.metrics.RecordRequest(req.Service, metric.OutcomeRejected, elapsed)
		}
	default:
		g.collector.RecordRequest(req.Service, elapsed, true)
	}

	if err != nil {
		var nre *retry.NonRetryableError
		if stderrors.As(err, &nre) {
			err = nre.Err
		}
		g.logger.Debug("Request failed", "service", req.Service, "kind", errors.KindOf(err), "error", err)
		return nil, err
	}
	return resp, nil
}

// attempt performs one call. Whether a failure is retried is decided by
// errors.IsTransient: transport failures and 5xx answers are, resolution
// failures and client errors are not.
func (g *Gateway) attempt(ctx context.Context, req Request, payload []byte, attempt int) (*Response, error) {
	address, err := g.resolve(req.Service)
	if err != nil {
		return nil, err
	}

	attemptCtx, cancel := context.WithTimeout(ctx, g.cfg.UpstreamTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, address, bytes.NewReader(payload))
	if err != nil {
		return nil, errors.NewGatewayError(errors.KindInvalid, req.Service,
			errors.WrapInvalid(err, "Gateway", "attempt", "build upstream request"))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	for _, h := range forwardedHeaders {
		if v := req.Header.Get(h); v != "" {
			httpReq.Header.Set(h, v)
		}
	}

	httpResp, err := g.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			// The caller went away; the backend is not at fault.
			return nil, retry.NonRetryable(ctx.Err())
		}
		g.logger.Warn("Upstream call failed",
			"service", req.Service, "address", address, "attempt", attempt, "error", err)
		g.balancer.MarkHealth(address, false)
		g.breaker.Record(ctx, req.Service, false)
		return nil, errors.NewGatewayError(errors.KindUpstreamError, req.Service,
			errors.WrapTransient(err, "Gateway", "attempt", "upstream call"))
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		g.breaker.Record(ctx, req.Service, false)
		return nil, errors.NewGatewayError(errors.KindUpstreamError, req.Service,
			errors.WrapTransient(err, "Gateway", "attempt", "read upstream body"))
	}

	status := httpResp.StatusCode
	if status < 200 || status > 299 {
		upstreamErr := errors.NewUpstreamError(req.Service, status, body)
		// A client error means the backend answered; the request is at fault.
		g.breaker.Record(ctx, req.Service, !errors.IsTransient(upstreamErr))
		return nil, upstreamErr
	}

	g.breaker.Record(ctx, req.Service, true)

	contentType := httpResp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}
	return &Response{
		Service:     req.Service,
		Address:     address,
		StatusCode:  status,
		ContentType: contentType,
		Body:        body,
	}, nil
}

// resolve picks the address for service. Only services in the current plan
// are routable. While the balancer and the plan are being swapped the
// balancer may not know a planned service yet; the route's first address is
// used then.
func (g *Gateway) resolve(service string) (string, error) {
	route, ok := g.Plan().Route(service)
	if !ok {
		return "", errors.NewGatewayError(errors.KindServiceUnresolved, service, nil)
	}

	address, err := g.balancer.Next(service)
	if err == nil || errors.KindOf(err) != errors.KindServiceUnresolved {
		return address, err
	}
	if addrs := route.Addresses(); len(addrs) > 0 {
		return addrs[0], nil
	}
	return "", errors.NewGatewayError(errors.KindNoHealthyInstances, service, nil)
}
