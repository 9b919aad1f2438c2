package tiercache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/formatter"
	"github.com/vektah/gqlparser/v2/parser"

	"github.com/c360/fedgate/metric"
	"github.com/c360/fedgate/pkg/cache"
)

// Tier labels used on the cache lookup metric.
const (
	TierLocal  = "local"
	TierShared = "shared"
)

// Config sizes the local tier and sets the default TTL of both tiers.
type Config struct {
	TTL             time.Duration
	MaxSize         int
	CleanupInterval time.Duration
}

// Option configures a Layer.
type Option func(*Layer)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Layer) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics records hits and misses per tier.
func WithMetrics(m *metric.Metrics) Option {
	return func(c *Layer) { c.metrics = m }
}

// WithClock injects the clock used for TTL arithmetic.
func WithClock(clk clock.Clock) Option {
	return func(c *Layer) {
		if clk != nil {
			c.clock = clk
		}
	}
}

// WithLocalOptions passes options through to the local hybrid cache.
func WithLocalOptions(opts ...cache.Option[[]byte]) Option {
	return func(c *Layer) { c.localOpts = append(c.localOpts, opts...) }
}

// Layer reads local then shared, and writes through to both.
type Layer struct {
	local     *cache.Hybrid[[]byte]
	shared    SharedStore
	ttl       time.Duration
	clock     clock.Clock
	logger    *slog.Logger
	metrics   *metric.Metrics
	localOpts []cache.Option[[]byte]
}

// New builds a Layer. shared may be nil, in which case only the local tier is used.
func New(ctx context.Context, cfg Config, shared SharedStore, opts ...Option) (*Layer, error) {
	l := &Layer{
		shared: shared,
		ttl:    cfg.TTL,
		clock:  clock.New(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "tiercache")

	localOpts := append([]cache.Option[[]byte]{cache.WithClock[[]byte](l.clock)}, l.localOpts...)
	local, err := cache.NewHybrid[[]byte](ctx, cfg.MaxSize, cfg.TTL, cfg.CleanupInterval, localOpts...)
	if err != nil {
		return nil, err
	}
	l.local = local
	return l, nil
}

// Get looks key up in the local tier, then the shared tier. A shared hit is
// copied into the local tier for the entry's remaining lifetime. Shared-tier
// failures are logged and reported as a miss.
func (l *Layer) Get(ctx context.Context, key string) ([]byte, bool) {
	if v, ok := l.local.Get(key); ok {
		l.record(TierLocal, true)
		return v, true
	}
	l.record(TierLocal, false)

	if l.shared == nil {
		return nil, false
	}

	entry, ok, err := l.shared.Get(ctx, key)
	if err != nil {
		l.logger.Warn("Shared cache read failed", "key", key, "error", err)
		l.record(TierShared, false)
		return nil, false
	}
	l.record(TierShared, ok)
	if !ok {
		return nil, false
	}

	if remaining := entry.ExpiresAt.Sub(l.clock.Now()); remaining > 0 {
		if _, err := l.local.SetWithTTL(key, entry.Value, remaining); err != nil {
			l.logger.Debug("Local cache populate failed", "key", key, "error", err)
		}
	}
	return entry.Value, true
}

// Set writes value to both tiers. A non-positive ttl uses the configured default.
func (l *Layer) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = l.ttl
	}
	if _, err := l.local.SetWithTTL(key, value, ttl); err != nil {
		l.logger.Debug("Local cache write failed", "key", key, "error", err)
	}
	if l.shared == nil {
		return
	}
	if err := l.shared.Set(ctx, key, value, ttl); err != nil {
		l.logger.Warn("Shared cache write failed", "key", key, "error", err)
	}
}

// Local exposes the local tier for stats and tests.
func (l *Layer) Local() *cache.Hybrid[[]byte] {
	return l.local
}

// Close stops the local tier's cleanup loop.
func (l *Layer) Close() error {
	return l.local.Close()
}

func (l *Layer) record(tier string, hit bool) {
	if l.metrics != nil {
		l.metrics.RecordCacheLookup(tier, hit)
	}
}

// Key derives the cache key for a request: the hex SHA-256 of the service,
// the normalized query, and the canonical JSON of the variables.
func Key(service, query string, variables map[string]any) string {
	h := sha256.New()
	h.Write([]byte(service))
	h.Write([]byte{0})
	h.Write([]byte(NormalizeQuery(query)))
	h.Write([]byte{0})
	if len(variables) > 0 {
		// encoding/json sorts map keys, which makes the encoding canonical.
		if b, err := json.Marshal(variables); err == nil {
			h.Write(b)
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// NormalizeQuery reformats a GraphQL document so that queries differing only
// in whitespace or comments share a key. Unparseable input falls back to
// whitespace collapsing.
func NormalizeQuery(query string) string {
	doc, err := parser.ParseQuery(&ast.Source{Input: query})
	if err != nil {
		return strings.Join(strings.Fields(query), " ")
	}
	var buf bytes.Buffer
	formatter.NewFormatter(&buf).FormatQueryDocument(doc)
	return strings.Join(strings.Fields(buf.String()), " ")
}
