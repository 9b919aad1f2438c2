package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
)

// DefaultProbePath is appended to an instance address to probe it.
const DefaultProbePath = "/health"

// ProbeResult is the outcome of probing one instance address.
type ProbeResult struct {
	Address   string        `json:"address"`
	Healthy   bool          `json:"healthy"`
	Err       error         `json:"-"`
	Latency   time.Duration `json:"latency"`
	CheckedAt time.Time     `json:"checked_at"`
}

// HTTPProber probes instances with GET <address>/health. Any 2xx answer
// within the timeout is healthy.
type HTTPProber struct {
	Client  *http.Client
	Path    string
	Timeout time.Duration
	Clock   clock.Clock
}

// NewHTTPProber creates a prober with the given per-probe timeout.
func NewHTTPProber(client *http.Client, timeout time.Duration) *HTTPProber {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPProber{Client: client, Path: DefaultProbePath, Timeout: timeout, Clock: clock.New()}
}

// Probe checks one address. It never returns an error of its own; failures are
// carried in the result.
func (p *HTTPProber) Probe(ctx context.Context, address string) ProbeResult {
	clk := p.Clock
	if clk == nil {
		clk = clock.New()
	}
	start := clk.Now()
	result := ProbeResult{Address: address}

	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	path := p.Path
	if path == "" {
		path = DefaultProbePath
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(address, "/")+path, nil)
	if err != nil {
		result.Err = err
		result.CheckedAt = clk.Now()
		return result
	}

	resp, err := p.Client.Do(req)
	result.CheckedAt = clk.Now()
	result.Latency = result.CheckedAt.Sub(start)
	if err != nil {
		result.Err = err
		return result
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		result.Err = fmt.Errorf("health probe returned status %d", resp.StatusCode)
		return result
	}
	result.Healthy = true
	return result
}
