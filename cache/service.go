package cache

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentuity/go-cachesync/codec"
	"github.com/agentuity/go-cachesync/logger"
	"golang.org/x/sync/singleflight"
)

// Service is the tiered cache engine. It owns the lifecycle of every entry in
// its three tiers. A Service is safe for concurrent use; writes to the same
// key from one goroutine apply in call order.
type Service struct {
	cfg    config
	logger logger.Logger
	ctx    context.Context
	cancel context.CancelFunc

	memory  *memoryTier
	local   *durableTier
	session *durableTier

	notifierMu sync.RWMutex
	notifier   Notifier

	flight    singleflight.Group
	lazy      chan refreshTask
	spawnMu   sync.Mutex
	waitGroup sync.WaitGroup
	once      sync.Once
	closed    atomic.Bool

	pressureMu    sync.Mutex
	pressureCheck time.Time

	stats counters
}

// NewService returns a Service. The parent context bounds background refresh
// work; Close must still be called to release the durable stores.
func NewService(parent context.Context, opts ...Option) *Service {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = logger.NewConsoleLogger()
	}
	if cfg.local == nil {
		cfg.local = NewMemoryStore()
	}
	if cfg.session == nil {
		cfg.session = NewMemoryStore()
	}
	ctx, cancel := context.WithCancel(parent)
	s := &Service{
		cfg:      cfg,
		logger:   cfg.logger.With(map[string]interface{}{"component": "cache"}),
		ctx:      ctx,
		cancel:   cancel,
		memory:   newMemoryTier(cfg.shards),
		notifier: cfg.notifier,
		lazy:     make(chan refreshTask, lazyQueueSize),
	}
	s.local = &durableTier{tier: TierLocal, store: cfg.local, svc: s}
	s.session = &durableTier{tier: TierSession, store: cfg.session, svc: s}
	s.waitGroup.Add(1)
	go s.runLazyRefresh()
	return s
}

// SetNotifier replaces the receiver of local mutations. Passing nil disables propagation.
func (s *Service) SetNotifier(n Notifier) {
	if n == nil {
		n = noopNotifier{}
	}
	s.notifierMu.Lock()
	s.notifier = n
	s.notifierMu.Unlock()
}

func (s *Service) notify() Notifier {
	s.notifierMu.RLock()
	defer s.notifierMu.RUnlock()
	return s.notifier
}

func (s *Service) tierFor(t Tier) (tier, bool) {
	switch t {
	case TierMemory, "":
		return s.memory, true
	case TierLocal:
		return s.local, true
	case TierSession:
		return s.session, true
	}
	return nil, false
}

func (s *Service) now() time.Time {
	return s.cfg.now()
}

// Set stores value under key in the given tier for ttl. A ttl <= 0 uses the
// default TTL. Compression failures fall back to storing the raw value. The
// only errors are ErrUnknownTier, ErrClosed and durable write failures.
func (s *Service) Set(ctx context.Context, key string, value any, ttl time.Duration, t Tier, opts ...SetOption) error {
	if s.closed.Load() {
		return ErrClosed
	}
	o := SetOptions{
		CompressionThreshold: s.cfg.compressionThreshold,
		Priority:             PriorityNormal,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.RefreshStrategy != RefreshNone && o.RefreshThresholdPercent <= 0 {
		o.RefreshThresholdPercent = DefaultRefreshThresholdPercent
	}
	if ttl <= 0 {
		ttl = s.cfg.defaultTTL
	}
	store, ok := s.tierFor(t)
	if !ok {
		return ErrUnknownTier
	}
	now := s.now()
	e := &Entry{
		Key:                     key,
		Payload:                 value,
		UseCompression:          o.UseCompression,
		CreatedAt:               now,
		ExpiresAt:               now.Add(ttl),
		CompressionThreshold:    o.CompressionThreshold,
		Priority:                o.Priority,
		Tags:                    o.Tags,
		RefreshStrategy:         o.RefreshStrategy,
		RefreshThresholdPercent: o.RefreshThresholdPercent,
		LastRefreshCheck:        now,
	}
	s.maybeCompress(e, o.UseCompression)
	if err := store.save(ctx, e); err != nil {
		s.logger.Error("write of %s/%s failed: %s", t, key, err)
		return err
	}
	s.stats.sets.Add(1)
	if store == s.memory {
		s.enforceLimits(ctx)
	}
	if !o.DeferBroadcast {
		s.notify().NotifyUpdate(Mutation{Key: key, Data: value, Tier: tierName(t), TTL: ttl, Tags: o.Tags})
	}
	return nil
}

func tierName(t Tier) Tier {
	if t == "" {
		return TierMemory
	}
	return t
}

// maybeCompress encodes the payload when compression is requested and the
// serialized size exceeds the threshold. It also records the size used for
// memory accounting.
func (s *Service) maybeCompress(e *Entry, useCompression bool) {
	if !useCompression && s.cfg.memoryCeiling <= 0 {
		return
	}
	size, err := codec.Size(e.Payload)
	if err != nil {
		s.stats.codecFailures.Add(1)
		s.logger.Debug("cannot size %s, storing uncompressed: %s", e.Key, err)
		return
	}
	e.size = size
	if !useCompression || size <= e.CompressionThreshold {
		return
	}
	encoded, err := codec.Encode(e.Payload)
	if err != nil {
		s.stats.codecFailures.Add(1)
		s.logger.Warn("compression of %s failed, storing uncompressed: %s", e.Key, err)
		return
	}
	e.Payload = encoded
	e.Encoded = true
	e.size = len(encoded)
}

// lookup loads a live entry, purging it if expired.
func (s *Service) lookup(ctx context.Context, key string, t Tier) (*Entry, tier, bool) {
	store, ok := s.tierFor(t)
	if !ok {
		return nil, nil, false
	}
	e, ok := store.load(ctx, key)
	if !ok {
		s.stats.misses.Add(1)
		return nil, store, false
	}
	if e.expired(s.now()) {
		s.purgeExpired(ctx, store, key)
		s.stats.misses.Add(1)
		return nil, store, false
	}
	return e, store, true
}

func (s *Service) purgeExpired(ctx context.Context, store tier, key string) {
	now := s.now()
	if mt, ok := store.(*memoryTier); ok {
		// A concurrent Set may have replaced the entry since it was loaded.
		if mt.deleteIf(key, func(e *Entry) bool { return e.expired(now) }) {
			s.stats.expirations.Add(1)
		}
		return
	}
	if store.delete(ctx, key) {
		s.stats.expirations.Add(1)
	}
}

// Get returns the value stored under key, or false if it is absent, expired
// or cannot be decoded. It never blocks on a refresh.
func (s *Service) Get(ctx context.Context, key string, t Tier, opts ...GetOption) (any, bool) {
	e, store, ok := s.lookup(ctx, key, t)
	if !ok {
		return nil, false
	}
	v, err := e.value()
	if err != nil {
		s.stats.codecFailures.Add(1)
		s.stats.misses.Add(1)
		s.logger.Warn("decode of %s/%s failed, treating as miss: %s", tierName(t), key, err)
		return nil, false
	}
	s.stats.hits.Add(1)
	s.checkRefresh(ctx, store, tierName(t), e, v, opts)
	return v, true
}

// Remove deletes key from the tier and notifies peers.
func (s *Service) Remove(ctx context.Context, key string, t Tier) bool {
	store, ok := s.tierFor(t)
	if !ok {
		return false
	}
	found := store.delete(ctx, key)
	s.notify().NotifyRemove(key, tierName(t))
	return found
}

// Clear empties the tier and notifies peers. It returns the number of entries removed.
func (s *Service) Clear(ctx context.Context, t Tier) int {
	store, ok := s.tierFor(t)
	if !ok {
		return 0
	}
	n := store.clear(ctx)
	s.notify().NotifyClear(ClearScope{Tier: tierName(t)})
	return n
}

// ClearPrefix removes every key starting with prefix from the tier, or from
// every tier when t is empty, and notifies peers. An empty prefix with no
// tier clears each tier in turn so every notification carries a scope.
func (s *Service) ClearPrefix(ctx context.Context, prefix string, t Tier) int {
	if prefix == "" && t == "" {
		var n int
		for _, tt := range Tiers {
			n += s.Clear(ctx, tt)
		}
		return n
	}
	n := s.clearPrefix(ctx, prefix, t)
	s.notify().NotifyClear(ClearScope{Tier: t, Prefix: prefix})
	return n
}

func (s *Service) clearPrefix(ctx context.Context, prefix string, t Tier) int {
	if t != "" {
		store, ok := s.tierFor(t)
		if !ok {
			return 0
		}
		return store.deletePrefix(ctx, prefix)
	}
	var n int
	for _, tt := range Tiers {
		store, _ := s.tierFor(tt)
		n += store.deletePrefix(ctx, prefix)
	}
	return n
}

// InvalidateByTag deletes every entry carrying tag in all three tiers and
// returns the count deleted. Malformed durable records are skipped.
func (s *Service) InvalidateByTag(ctx context.Context, tag string) int {
	n := s.invalidateByTag(ctx, tag)
	s.notify().NotifyClear(ClearScope{Tag: tag})
	return n
}

func (s *Service) invalidateByTag(ctx context.Context, tag string) int {
	var n int
	for _, t := range Tiers {
		store, _ := s.tierFor(t)
		var matched []string
		store.scan(ctx, func(e *Entry) bool {
			if e.HasTag(tag) {
				matched = append(matched, e.Key)
			}
			return true
		})
		for _, key := range matched {
			if store.delete(ctx, key) {
				n++
			}
		}
	}
	s.stats.invalidations.Add(int64(n))
	return n
}

// Remote is a write received from a peer.
type Remote struct {
	Key  string
	Data json.RawMessage
	Tier Tier
	TTL  time.Duration
	Tags []string
}

// ApplySet writes a peer's value directly into the tier. The payload is
// trusted as already shaped: compression is not re-evaluated and peers are
// not notified.
func (s *Service) ApplySet(ctx context.Context, r Remote) error {
	if s.closed.Load() {
		return ErrClosed
	}
	store, ok := s.tierFor(r.Tier)
	if !ok {
		return ErrUnknownTier
	}
	ttl := r.TTL
	if ttl <= 0 {
		ttl = s.cfg.defaultTTL
	}
	now := s.now()
	raw := make([]byte, len(r.Data))
	copy(raw, r.Data)
	e := &Entry{
		Key:              r.Key,
		CreatedAt:        now,
		ExpiresAt:        now.Add(ttl),
		Priority:         PriorityNormal,
		Tags:             r.Tags,
		LastRefreshCheck: now,
		format:           formatJSON,
		raw:              raw,
		size:             len(raw),
	}
	if err := store.save(ctx, e); err != nil {
		return err
	}
	s.stats.applied.Add(1)
	if store == s.memory {
		s.enforceLimits(ctx)
	}
	return nil
}

// ApplyRemove deletes a key on behalf of a peer without notifying.
func (s *Service) ApplyRemove(ctx context.Context, key string, t Tier) bool {
	store, ok := s.tierFor(t)
	if !ok {
		return false
	}
	s.stats.applied.Add(1)
	return store.delete(ctx, key)
}

// ApplyClear performs a peer's bulk removal without notifying.
func (s *Service) ApplyClear(ctx context.Context, scope ClearScope) int {
	s.stats.applied.Add(1)
	switch {
	case scope.Tag != "":
		return s.invalidateByTag(ctx, scope.Tag)
	case scope.Prefix != "":
		return s.clearPrefix(ctx, scope.Prefix, scope.Tier)
	case scope.Tier != "":
		store, ok := s.tierFor(scope.Tier)
		if !ok {
			return 0
		}
		return store.clear(ctx)
	}
	return 0
}

// Inspect returns a copy of the live entry without decoding it or touching
// refresh state.
func (s *Service) Inspect(ctx context.Context, key string, t Tier) (*Entry, bool) {
	e, _, ok := s.lookup(ctx, key, t)
	return e, ok
}

// Close stops background refresh work, clears the session tier and closes
// the durable stores.
func (s *Service) Close() error {
	var firstErr error
	s.once.Do(func() {
		s.spawnMu.Lock()
		s.closed.Store(true)
		s.spawnMu.Unlock()
		s.cancel()
		s.waitGroup.Wait()
		// Session records never outlive the service.
		s.session.clear(context.Background())
		for _, t := range []tier{s.memory, s.local, s.session} {
			if err := t.close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	})
	return firstErr
}
