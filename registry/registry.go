package registry

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/c360/fedgate/errors"
	"github.com/c360/fedgate/metric"
	"github.com/c360/fedgate/pkg/retry"
)

// DefaultPrefix is the key prefix for service descriptors.
const DefaultPrefix = "services."

// Config configures a Registry.
type Config struct {
	// Prefix every descriptor key starts with. Defaults to DefaultPrefix.
	Prefix string
	// Seed descriptors are written to the store on Start.
	Seed []ServiceDescriptor
	// Resubscribe controls the delay between watch subscription attempts.
	// MaxAttempts is ignored: the registry retries until stopped.
	Resubscribe retry.Config
}

// Option configures optional Registry collaborators.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics counts published snapshots.
func WithMetrics(m *metric.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithClock sets the clock used for snapshot timestamps and resubscribe backoff.
func WithClock(c clock.Clock) Option {
	return func(r *Registry) {
		if c != nil {
			r.clock = c
		}
	}
}

// WithWatchStateHook is called when the store subscription goes down or
// comes back. err is nil on recovery. The first successful subscription
// reports healthy too.
func WithWatchStateHook(fn func(healthy bool, err error)) Option {
	return func(r *Registry) { r.onWatchState = fn }
}

// Registry keeps an eventually consistent view of the services in a Store and
// fans out every new snapshot to watchers.
type Registry struct {
	store   Store
	cfg     Config
	logger  *slog.Logger
	metrics *metric.Metrics
	clock   clock.Clock

	onWatchState func(healthy bool, err error)
	watchState   atomic.Int32 // 0 unknown, 1 up, 2 down

	snapshot  atomic.Pointer[Snapshot]
	version   atomic.Uint64
	refreshMu sync.Mutex

	mu          sync.Mutex
	subscribers map[*subscriber]struct{}

	shutdownCh chan struct{}
	wg         sync.WaitGroup
	started    atomic.Bool
	stopped    atomic.Bool
}

// New creates a Registry over store. An empty snapshot is published immediately.
func New(store Store, cfg Config, opts ...Option) (*Registry, error) {
	if store == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "registry", "New", "store is required")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if !strings.HasSuffix(cfg.Prefix, ".") {
		cfg.Prefix += "."
	}
	if cfg.Resubscribe.InitialDelay == 0 {
		cfg.Resubscribe = retry.Persistent()
	}
	for _, d := range cfg.Seed {
		if err := d.Validate(); err != nil {
			return nil, err
		}
	}

	r := &Registry{
		store:       store,
		cfg:         cfg,
		logger:      slog.Default(),
		clock:       clock.New(),
		subscribers: make(map[*subscriber]struct{}),
		shutdownCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "registry")
	r.snapshot.Store(NewSnapshot(0, r.clock.Now()))
	return r, nil
}

// Key returns the store key for a service name.
func (r *Registry) Key(name string) string {
	return r.cfg.Prefix + name
}

// Start seeds configured descriptors, loads the initial snapshot and starts
// the watch loop. A store that is down at start is not fatal: the loop keeps
// resubscribing and the first successful subscription triggers a full read.
func (r *Registry) Start(ctx context.Context) error {
	if !r.started.CompareAndSwap(false, true) {
		return errors.ErrAlreadyStarted
	}

	for _, d := range r.cfg.Seed {
		if err := r.put(ctx, d); err != nil {
			r.logger.Warn("Failed to seed service", "service", d.Name, "error", err)
		}
	}
	if err := r.Refresh(ctx); err != nil {
		r.logger.Warn("Initial registry load failed, serving empty snapshot", "error", err)
	}

	r.wg.Add(1)
	go r.watchLoop(ctx)

	r.logger.Info("Service registry started", "prefix", r.cfg.Prefix, "services", r.ListAll().Len())
	return nil
}

// Stop ends the watch loop, releasing its store subscription, and closes all
// watcher channels. Safe to call more than once.
func (r *Registry) Stop(timeout time.Duration) error {
	if !r.stopped.CompareAndSwap(false, true) {
		return nil
	}
	close(r.shutdownCh)

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		err = fmt.Errorf("registry.Stop: watch loop did not exit within %s", timeout)
		r.logger.Warn("Registry shutdown timeout", "timeout", timeout)
	}

	r.mu.Lock()
	subs := make([]*subscriber, 0, len(r.subscribers))
	for s := range r.subscribers {
		subs = append(subs, s)
	}
	r.mu.Unlock()
	for _, s := range subs {
		s.cancel()
	}
	return err
}

// Resolve looks a service up in the current snapshot. A miss falls back to a
// direct store read so a just-registered service resolves before its watch
// event arrives; store errors are treated as not found.
func (r *Registry) Resolve(ctx context.Context, name string) (ServiceDescriptor, bool) {
	if d, ok := r.ListAll().Get(name); ok {
		return d, true
	}
	raw, err := r.store.Get(ctx, r.Key(name))
	if err != nil {
		if !stderrors.Is(err, ErrNotFound) {
			r.logger.Debug("Direct resolve failed", "service", name, "error", err)
		}
		return ServiceDescriptor{}, false
	}
	d, err := decodeDescriptor(r.Key(name), r.cfg.Prefix, raw)
	if err != nil {
		return ServiceDescriptor{}, false
	}
	return d, true
}

// ListAll returns the latest published snapshot. Never nil.
func (r *Registry) ListAll() *Snapshot {
	return r.snapshot.Load()
}

// Register writes d to the store and republishes the snapshot.
func (r *Registry) Register(ctx context.Context, d ServiceDescriptor) error {
	if err := d.Validate(); err != nil {
		return err
	}
	if err := r.put(ctx, d); err != nil {
		return err
	}
	r.logger.Info("Service registered", "service", d.Name, "instances", len(d.Instances))
	r.refreshLogged(ctx)
	return nil
}

// Unregister removes a service. An unknown name yields ServiceUnresolved.
func (r *Registry) Unregister(ctx context.Context, name string) error {
	err := r.store.Delete(ctx, r.Key(name))
	switch {
	case err == nil:
	case stderrors.Is(err, ErrNotFound):
		return errors.NewGatewayError(errors.KindServiceUnresolved, name, nil)
	default:
		return errors.NewGatewayError(errors.KindStoreUnavailable, name,
			errors.Wrap(err, "registry", "Unregister", "store delete"))
	}
	r.logger.Info("Service unregistered", "service", name)
	r.refreshLogged(ctx)
	return nil
}

// Watch returns a channel carrying every snapshot published from now on,
// starting with the current one. The channel holds at most one pending
// snapshot: a slow reader skips intermediate versions and sees the newest.
// The channel closes when cancel is called, ctx ends or the registry stops.
func (r *Registry) Watch(ctx context.Context) (<-chan *Snapshot, func()) {
	s := &subscriber{ch: make(chan *Snapshot, 1)}
	s.release = func() { r.unsubscribe(s) }

	r.mu.Lock()
	if r.stopped.Load() {
		r.mu.Unlock()
		close(s.ch)
		return s.ch, func() {}
	}
	r.subscribers[s] = struct{}{}
	s.offer(r.ListAll())
	r.mu.Unlock()

	context.AfterFunc(ctx, s.cancel)
	return s.ch, s.cancel
}

// Refresh re-reads every descriptor and publishes a new snapshot.
func (r *Registry) Refresh(ctx context.Context) error {
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()

	raw, err := r.store.GetAllByPrefix(ctx, r.cfg.Prefix)
	if err != nil {
		return errors.WrapTransient(err, "registry", "Refresh", "list services")
	}

	descriptors := make([]ServiceDescriptor, 0, len(raw))
	for key, value := range raw {
		d, err := decodeDescriptor(key, r.cfg.Prefix, value)
		if err != nil {
			r.logger.Warn("Skipping malformed service descriptor", "key", key, "error", err)
			continue
		}
		descriptors = append(descriptors, d)
	}

	snap := NewSnapshot(r.version.Add(1), r.clock.Now(), descriptors...)
	r.publish(snap)
	return nil
}

func (r *Registry) refreshLogged(ctx context.Context) {
	if err := r.Refresh(ctx); err != nil {
		r.logger.Warn("Registry refresh failed, keeping last snapshot", "error", err)
	}
}

func (r *Registry) publish(snap *Snapshot) {
	r.snapshot.Store(snap)
	if r.metrics != nil {
		r.metrics.RegistryUpdates.Inc()
	}

	r.mu.Lock()
	for s := range r.subscribers {
		s.offer(snap)
	}
	r.mu.Unlock()

	r.logger.Debug("Published topology snapshot", "version", snap.Version(), "services", snap.Len())
}

func (r *Registry) put(ctx context.Context, d ServiceDescriptor) error {
	data, err := json.Marshal(d)
	if err != nil {
		return errors.WrapInvalid(err, "registry", "put", "marshal descriptor")
	}
	if err := r.store.Put(ctx, r.Key(d.Name), data); err != nil {
		return errors.NewGatewayError(errors.KindStoreUnavailable, d.Name,
			errors.Wrap(err, "registry", "Register", "store put"))
	}
	return nil
}

func (r *Registry) unsubscribe(s *subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subscribers[s]; !ok {
		return
	}
	delete(r.subscribers, s)
	close(s.ch)
}

// watchLoop keeps one store subscription alive until shutdown, resubscribing
// with backoff whenever it fails or ends.
func (r *Registry) watchLoop(ctx context.Context) {
	defer r.wg.Done()

	failures := 0
	for {
		if r.stopping(ctx) {
			return
		}

		w, err := r.store.WatchPrefix(ctx, r.cfg.Prefix)
		if err != nil {
			failures++
			delay := r.cfg.Resubscribe.Delay(failures)
			r.logger.Error("Registry watch subscription failed",
				"attempt", failures, "retry_in", delay, "error", err)
			r.reportWatch(false, err)
			if !r.wait(ctx, delay) {
				return
			}
			continue
		}

		if failures > 0 {
			r.logger.Info("Registry watch resubscribed", "after_attempts", failures)
		}
		failures = 0
		r.reportWatch(true, nil)

		// Changes made while unsubscribed are only visible through a full read.
		r.refreshLogged(ctx)

		ended := r.consume(ctx, w)
		if err := w.Stop(); err != nil {
			r.logger.Debug("Watcher stop returned error", "error", err)
		}
		if !ended {
			return
		}

		failures++
		delay := r.cfg.Resubscribe.Delay(failures)
		r.logger.Warn("Registry watch ended, resubscribing", "retry_in", delay)
		r.reportWatch(false, errWatchEnded)
		if !r.wait(ctx, delay) {
			return
		}
	}
}

var errWatchEnded = stderrors.New("registry watch ended")

// reportWatch forwards subscription state changes to the hook.
func (r *Registry) reportWatch(healthy bool, err error) {
	next := int32(2)
	if healthy {
		next = 1
	}
	if r.watchState.Swap(next) == next || r.onWatchState == nil {
		return
	}
	r.onWatchState(healthy, err)
}

// consume refreshes on every batch of events. It returns true if the
// subscription ended on its own and false on shutdown.
func (r *Registry) consume(ctx context.Context, w Watcher) bool {
	events := w.Events()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-r.shutdownCh:
			return false
		case ev, ok := <-events:
			if !ok {
				return !r.stopping(ctx)
			}
			r.logger.Debug("Registry change", "key", ev.Key, "op", ev.Op)
			if !drain(events) {
				return !r.stopping(ctx)
			}
			r.refreshLogged(ctx)
		}
	}
}

// drain discards queued events. Returns false if the channel closed.
func drain(events <-chan Event) bool {
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return false
			}
		default:
			return true
		}
	}
}

func (r *Registry) stopping(ctx context.Context) bool {
	select {
	case <-r.shutdownCh:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func (r *Registry) wait(ctx context.Context, d time.Duration) bool {
	timer := r.clock.Timer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-r.shutdownCh:
		return false
	}
}

func decodeDescriptor(key, prefix string, raw []byte) (ServiceDescriptor, error) {
	var d ServiceDescriptor
	if err := json.Unmarshal(raw, &d); err != nil {
		return d, errors.WrapInvalid(err, "registry", "decodeDescriptor", "unmarshal")
	}
	if d.Name == "" {
		d.Name = strings.TrimPrefix(key, prefix)
	}
	if err := d.Validate(); err != nil {
		return d, err
	}
	return d, nil
}

type subscriber struct {
	ch      chan *Snapshot
	once    sync.Once
	release func()
}

// offer replaces any pending snapshot with snap. Caller holds Registry.mu.
func (s *subscriber) offer(snap *Snapshot) {
	for {
		select {
		case s.ch <- snap:
			return
		default:
		}
		select {
		case <-s.ch:
		default:
		}
	}
}

func (s *subscriber) cancel() {
	s.once.Do(s.release)
}
