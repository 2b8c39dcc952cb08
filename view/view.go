// Package view maintains materialized views: named results of an expensive
// computation, recomputed in the background on a shared ticker and read
// without waiting for a refresh.
package view

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/agentuity/go-cachesync/logger"
	"github.com/cockroachdb/errors"
)

var (
	// ErrRefreshTimeout is returned when a compute function outlives the compute timeout.
	ErrRefreshTimeout = errors.New("view: compute timed out")
	// ErrNoData is returned by Read when a view has never computed successfully.
	ErrNoData = errors.New("view: no data")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("view: manager closed")
)

const (
	DefaultCheckInterval   = time.Second
	DefaultComputeTimeout  = 30 * time.Second
	DefaultRefreshInterval = 5 * time.Minute
)

// ComputeFunc produces the contents of a view. It should honor ctx.
type ComputeFunc func(ctx context.Context) (any, error)

// Options describe a view at registration.
type Options struct {
	// RefreshInterval is the minimum age before the ticker recomputes the view.
	RefreshInterval time.Duration
	// Dependencies name the tags or keys whose invalidation forces a refresh.
	Dependencies []string
}

// Info describes the state of a view.
type Info struct {
	Name            string
	HasData         bool
	LastRefresh     time.Time
	RefreshInterval time.Duration
	Refreshing      bool
	Dependencies    []string
}

type view struct {
	name        string
	compute     ComputeFunc
	data        any
	hasData     bool
	timestamp   time.Time
	lastRefresh time.Time
	interval    time.Duration
	deps        []string

	refreshing bool
	cancel     context.CancelFunc
	deadline   time.Time
	generation uint64
}

type config struct {
	logger         logger.Logger
	checkInterval  time.Duration
	computeTimeout time.Duration
	now            func() time.Time
}

type Option func(*config)

func WithLogger(log logger.Logger) Option {
	return func(c *config) { c.logger = log }
}

// WithCheckInterval sets how often the shared ticker scans for due views.
func WithCheckInterval(d time.Duration) Option {
	return func(c *config) { c.checkInterval = d }
}

// WithComputeTimeout bounds each compute call. A refresh still running past
// the timeout is abandoned and may be retried.
func WithComputeTimeout(d time.Duration) Option {
	return func(c *config) { c.computeTimeout = d }
}

func WithClock(now func() time.Time) Option {
	return func(c *config) { c.now = now }
}

// Manager owns a set of views and the single ticker that refreshes them.
type Manager struct {
	cfg    config
	logger logger.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	views      map[string]*view
	tickerStop chan struct{}
	closed     bool
	waitGroup  sync.WaitGroup
}

// NewManager returns an empty Manager. The ticker starts with the first view.
func NewManager(parent context.Context, opts ...Option) *Manager {
	cfg := config{
		checkInterval:  DefaultCheckInterval,
		computeTimeout: DefaultComputeTimeout,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = logger.NewConsoleLogger()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Manager{
		cfg:    cfg,
		logger: cfg.logger.With(map[string]interface{}{"component": "view"}),
		ctx:    ctx,
		cancel: cancel,
		views:  make(map[string]*view),
	}
}

// Register creates or replaces the view and computes it synchronously. A
// compute error is logged and returned; the view stays registered without
// data and the ticker retries it.
func (m *Manager) Register(ctx context.Context, name string, compute ComputeFunc, opts Options) error {
	if compute == nil {
		return errors.Newf("view: %s registered without compute function", name)
	}
	interval := opts.RefreshInterval
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	v := &view{
		name:     name,
		compute:  compute,
		interval: interval,
		deps:     slices.Clone(opts.Dependencies),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if old, ok := m.views[name]; ok {
		m.logger.Warn("view %s already registered, replacing it", name)
		if old.cancel != nil {
			old.cancel()
		}
	}
	m.views[name] = v
	m.ensureTicker()
	gen, cctx, cancel := m.beginRefresh(ctx, v)
	m.mu.Unlock()

	return m.runRefresh(cctx, cancel, v, gen, compute)
}

// Read returns the current data of the view. An unknown view is registered
// with compute and the result of its first computation is returned. A view
// older than its refresh interval triggers a background refresh and returns
// the stale data immediately.
func (m *Manager) Read(ctx context.Context, name string, compute ComputeFunc) (any, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	v, ok := m.views[name]
	if !ok {
		m.mu.Unlock()
		if err := m.Register(ctx, name, compute, Options{}); err != nil {
			return nil, err
		}
		return m.current(name)
	}
	if compute != nil {
		v.compute = compute
	}
	if m.cfg.now().Sub(v.lastRefresh) > v.interval {
		m.refreshAsync(v)
	}
	data, has := v.data, v.hasData
	m.mu.Unlock()
	if !has {
		return nil, ErrNoData
	}
	return data, nil
}

func (m *Manager) current(name string) (any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.views[name]
	if !ok || !v.hasData {
		return nil, ErrNoData
	}
	return v.data, nil
}

// Unregister removes the view and cancels its in-flight refresh. The ticker
// stops with the last view.
func (m *Manager) Unregister(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.views[name]
	if !ok {
		return false
	}
	if v.cancel != nil {
		v.cancel()
	}
	delete(m.views, name)
	if len(m.views) == 0 {
		m.stopTicker()
	}
	return true
}

// InvalidateDependency starts a refresh of every view declaring dep and
// returns how many were started.
func (m *Manager) InvalidateDependency(dep string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int
	for _, v := range m.views {
		if slices.Contains(v.deps, dep) && m.refreshAsync(v) {
			n++
		}
	}
	return n
}

// Names returns the registered view names in order.
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.views))
	for name := range m.views {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Info returns the state of a view.
func (m *Manager) Info(name string) (Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.views[name]
	if !ok {
		return Info{}, false
	}
	return Info{
		Name:            v.name,
		HasData:         v.hasData,
		LastRefresh:     v.lastRefresh,
		RefreshInterval: v.interval,
		Refreshing:      v.refreshing,
		Dependencies:    slices.Clone(v.deps),
	}, true
}

// Close stops the ticker, cancels in-flight refreshes and waits for them.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.stopTicker()
	m.mu.Unlock()
	m.cancel()
	m.waitGroup.Wait()
	return nil
}

// ensureTicker starts the shared ticker. Callers hold m.mu.
func (m *Manager) ensureTicker() {
	if m.tickerStop != nil {
		return
	}
	stop := make(chan struct{})
	m.tickerStop = stop
	m.waitGroup.Add(1)
	go m.tick(stop)
}

// stopTicker stops the shared ticker. Callers hold m.mu.
func (m *Manager) stopTicker() {
	if m.tickerStop != nil {
		close(m.tickerStop)
		m.tickerStop = nil
	}
}

func (m *Manager) tick(stop chan struct{}) {
	defer m.waitGroup.Done()
	ticker := time.NewTicker(m.cfg.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.refreshDue()
		}
	}
}

func (m *Manager) refreshDue() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.cfg.now()
	for _, v := range m.views {
		if !v.refreshing && now.Sub(v.lastRefresh) > v.interval {
			m.refreshAsync(v)
		}
	}
}

// beginRefresh claims the refresh slot of v. A refresh still holding the
// slot past its deadline is abandoned first. Callers hold m.mu.
func (m *Manager) beginRefresh(parent context.Context, v *view) (uint64, context.Context, context.CancelFunc) {
	now := m.cfg.now()
	if v.refreshing {
		if now.Before(v.deadline) {
			return 0, nil, nil
		}
		m.logger.Warn("abandoning refresh of view %s stuck since %s", v.name, v.deadline.Add(-m.cfg.computeTimeout).Format(time.RFC3339))
		v.cancel()
	}
	v.generation++
	ctx, cancel := context.WithTimeout(parent, m.cfg.computeTimeout)
	v.refreshing = true
	v.cancel = cancel
	v.deadline = now.Add(m.cfg.computeTimeout)
	return v.generation, ctx, cancel
}

// refreshAsync starts a background refresh unless one is in flight.
// Callers hold m.mu.
func (m *Manager) refreshAsync(v *view) bool {
	if m.closed {
		return false
	}
	gen, ctx, cancel := m.beginRefresh(m.ctx, v)
	if ctx == nil {
		return false
	}
	compute := v.compute
	m.waitGroup.Add(1)
	go func() {
		defer m.waitGroup.Done()
		_ = m.runRefresh(ctx, cancel, v, gen, compute)
	}()
	return true
}

// runRefresh computes the view and stores the result if the refresh still
// owns the slot. The slot is released on every path.
func (m *Manager) runRefresh(ctx context.Context, cancel context.CancelFunc, v *view, gen uint64, compute ComputeFunc) error {
	if ctx == nil {
		return nil
	}
	data, err := callCompute(ctx, compute)
	cancel()

	m.mu.Lock()
	defer m.mu.Unlock()
	if v.generation != gen {
		// Abandoned or replaced while computing.
		return err
	}
	v.refreshing = false
	v.cancel = nil
	if err != nil {
		m.logger.Warn("refresh of view %s failed, keeping previous data: %s", v.name, err)
		return err
	}
	now := m.cfg.now()
	v.data = data
	v.hasData = true
	v.timestamp = now
	v.lastRefresh = now
	return nil
}

func callCompute(ctx context.Context, compute ComputeFunc) (any, error) {
	type result struct {
		data any
		err  error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: errors.Newf("view: compute panic: %v", r)}
			}
		}()
		data, err := compute(ctx)
		done <- result{data, err}
	}()
	select {
	case r := <-done:
		return r.data, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrRefreshTimeout
		}
		return nil, ctx.Err()
	}
}

// ReadAs is the typed form of Manager.Read. Data of another type is ErrNoData.
func ReadAs[T any](ctx context.Context, m *Manager, name string, compute func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var fn ComputeFunc
	if compute != nil {
		fn = func(ctx context.Context) (any, error) { return compute(ctx) }
	}
	data, err := m.Read(ctx, name, fn)
	if err != nil {
		return zero, err
	}
	typed, ok := data.(T)
	if !ok {
		return zero, errors.Wrapf(ErrNoData, "view %s holds %T", name, data)
	}
	return typed, nil
}
