// Package cachesync is a client-side tiered cache that keeps peers in sync.
//
// A Client combines the tiered cache, materialized views, partitioned query
// storage and the sync transport behind one surface. Writes are propagated
// to peers on the same host through a LocalBus and to remote clients through
// a publish/subscribe relay once InitSync has been called.
package cachesync

import (
	"context"
	"sync"
	"time"

	"github.com/agentuity/go-cachesync/cache"
	"github.com/agentuity/go-cachesync/config"
	"github.com/agentuity/go-cachesync/eventing"
	"github.com/agentuity/go-cachesync/logger"
	"github.com/agentuity/go-cachesync/partition"
	"github.com/agentuity/go-cachesync/transport"
	"github.com/agentuity/go-cachesync/view"
	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
)

var ErrClosed = errors.New("cachesync: client closed")

type options struct {
	logger   logger.Logger
	bus      transport.LocalBus
	relay    eventing.Client
	network  transport.NetworkStatus
	local    cache.DurableStore
	session  cache.DurableStore
	clientID string
	clock    func() time.Time
}

// Option configures a Client.
type Option func(*options)

func WithLogger(log logger.Logger) Option {
	return func(o *options) { o.logger = log }
}

// WithLocalBus connects the client to peers sharing the bus.
func WithLocalBus(bus transport.LocalBus) Option {
	return func(o *options) { o.bus = bus }
}

// WithRelay sets the relay used to reach remote clients. The caller keeps
// ownership of the relay.
func WithRelay(relay eventing.Client) Option {
	return func(o *options) { o.relay = relay }
}

// WithNetworkStatus overrides connectivity detection. Without it a relay is
// probed with Ping and a client without relay is always online.
func WithNetworkStatus(status transport.NetworkStatus) Option {
	return func(o *options) { o.network = status }
}

// WithDurableStores replaces the stores configured for the local and
// session tiers. Either may be nil to keep the configured one.
func WithDurableStores(local, session cache.DurableStore) Option {
	return func(o *options) {
		o.local = local
		o.session = session
	}
}

// WithClientID fixes the sync identity instead of generating one.
func WithClientID(id string) Option {
	return func(o *options) { o.clientID = id }
}

// WithClock replaces the time source of the cache and partition store.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.clock = now }
}

// Client is the application-facing cache.
type Client struct {
	cfg      *config.Config
	opts     options
	logger   logger.Logger
	clientID string

	cache      *cache.Service
	views      *view.Manager
	partitions *partition.Store

	mu        sync.Mutex
	ctx       context.Context
	transport *transport.Transport
	probe     *transport.RelayProbe
	relay     eventing.Client
	ownsRelay bool
	rdb       *redis.Client
	closed    bool
}

// New builds a Client from cfg. A nil cfg uses config.Default.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Client, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logger.NewConsoleLogger(logger.ParseLevel(cfg.LogLevel, logger.GetLevelFromEnv()))
	}
	if o.clientID == "" {
		o.clientID = transport.NewClientID()
	}
	if o.clock == nil {
		o.clock = time.Now
	}

	c := &Client{
		cfg:      cfg,
		opts:     o,
		logger:   o.logger,
		clientID: o.clientID,
		ctx:      ctx,
		relay:    o.relay,
	}
	if cfg.Durable.Backend == config.BackendRedis {
		c.rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	local, session, err := c.openStores(ctx)
	if err != nil {
		c.closeRedis()
		return nil, err
	}

	cacheOpts := append(cfg.CacheOptions(),
		cache.WithLogger(o.logger),
		cache.WithClock(o.clock),
		cache.WithLocalStore(local),
		cache.WithSessionStore(session),
	)
	c.cache = cache.NewService(ctx, cacheOpts...)
	c.views = view.NewManager(ctx, append(cfg.ViewOptions(), view.WithLogger(o.logger))...)
	c.partitions = partition.NewStore(partition.WithLogger(o.logger), partition.WithClock(o.clock))
	return c, nil
}

func (c *Client) openStores(ctx context.Context) (cache.DurableStore, cache.DurableStore, error) {
	local, session := c.opts.local, c.opts.session
	var opened []cache.DurableStore
	fail := func(err error) (cache.DurableStore, cache.DurableStore, error) {
		for _, s := range opened {
			s.Close()
		}
		return nil, nil, err
	}
	switch c.cfg.Durable.Backend {
	case config.BackendSQLite:
		if local == nil {
			s, err := cache.NewSQLiteStore(ctx, c.cfg.Durable.LocalPath)
			if err != nil {
				return fail(errors.Wrap(err, "cachesync: opening local store"))
			}
			opened = append(opened, s)
			local = s
		}
		if session == nil {
			path := c.cfg.Durable.SessionPath
			if path == "" {
				path = ":memory:"
			}
			s, err := cache.NewSQLiteStore(ctx, path, cache.WithClearOnClose())
			if err != nil {
				return fail(errors.Wrap(err, "cachesync: opening session store"))
			}
			session = s
		}
	case config.BackendRedis:
		if local == nil {
			local = cache.NewRedisStore(c.rdb, cache.WithPrefix(c.cfg.Redis.Prefix+":local"))
		}
		if session == nil {
			session = cache.NewRedisStore(c.rdb, cache.WithPrefix(c.cfg.Redis.Prefix+":session:"+c.clientID), cache.WithClearOnClose())
		}
	}
	// Anything left nil falls back to the in-process store inside the service.
	return local, session, nil
}

func (c *Client) closeRedis() {
	if c.rdb != nil {
		if err := c.rdb.Close(); err != nil {
			c.logger.Debug("closing redis client: %s", err)
		}
		c.rdb = nil
	}
}

// ClientID returns the identity stamped on outgoing sync messages.
func (c *Client) ClientID() string { return c.clientID }

// Cache exposes the underlying service for typed access with cache.GetAs.
func (c *Client) Cache() *cache.Service { return c.cache }

// SetCacheData stores value in the given tier for ttl.
func (c *Client) SetCacheData(ctx context.Context, key string, value any, ttl time.Duration, storage cache.Tier, opts ...cache.SetOption) error {
	return c.cache.Set(ctx, key, value, ttl, storage, opts...)
}

// GetCacheData returns the live value of key. Expired or undecodable
// entries are misses.
func (c *Client) GetCacheData(ctx context.Context, key string, storage cache.Tier, opts ...cache.GetOption) (any, bool) {
	return c.cache.Get(ctx, key, storage, opts...)
}

func (c *Client) RemoveCacheData(ctx context.Context, key string, storage cache.Tier) bool {
	return c.cache.Remove(ctx, key, storage)
}

func (c *Client) ClearCache(ctx context.Context, storage cache.Tier) int {
	return c.cache.Clear(ctx, storage)
}

// InvalidateCacheByTag removes every entry carrying tag in all tiers and
// refreshes the views that depend on it. It returns the number of entries
// removed.
func (c *Client) InvalidateCacheByTag(ctx context.Context, tag string) int {
	n := c.cache.InvalidateByTag(ctx, tag)
	if started := c.views.InvalidateDependency(tag); started > 0 {
		c.logger.Debug("tag %s invalidated %d entries and refreshed %d views", tag, n, started)
	}
	return n
}

func (c *Client) CreateMaterializedView(ctx context.Context, name string, compute view.ComputeFunc, opts view.Options) error {
	return c.views.Register(ctx, name, compute, opts)
}

// GetMaterializedView returns the current data of the view, creating it
// with compute when it does not exist.
func (c *Client) GetMaterializedView(ctx context.Context, name string, compute view.ComputeFunc) (any, error) {
	return c.views.Read(ctx, name, compute)
}

func (c *Client) DeleteMaterializedView(name string) bool {
	return c.views.Unregister(name)
}

func (c *Client) CreatePartitionedQuery(queryKey string, totalItems, chunkSize int) (partition.Handle, error) {
	return c.partitions.Open(queryKey, totalItems, chunkSize)
}

func (c *Client) UpdatePartitionedQuery(h partition.Handle, chunkIndex int, data []any) error {
	return c.partitions.PutChunk(h, chunkIndex, data)
}

// GetPartitionedQueryData returns one slot per chunk; missing chunks are nil.
func (c *Client) GetPartitionedQueryData(h partition.Handle) ([][]any, error) {
	return c.partitions.ReadAll(h)
}

func (c *Client) GetPartitionedQueryInfo(h partition.Handle) (partition.Info, error) {
	return c.partitions.Info(h)
}

func (c *Client) DeletePartitionedQuery(h partition.Handle) bool {
	return c.partitions.Close(h)
}

// InitSync starts propagating mutations. It is a no-op when sync is
// disabled or already running.
func (c *Client) InitSync(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if !c.cfg.Sync.Enabled {
		c.logger.Info("sync disabled, mutations stay local")
		return nil
	}
	if c.transport != nil {
		return nil
	}

	relay := c.relay
	if relay == nil && c.rdb != nil {
		r, err := eventing.NewRedisClient(ctx, c.logger, c.rdb)
		if err != nil {
			return errors.Wrap(err, "cachesync: creating relay")
		}
		relay, c.relay, c.ownsRelay = r, r, true
	}

	topts := append(c.cfg.TransportOptions(),
		transport.WithClientID(c.clientID),
		transport.WithLogger(c.logger),
	)
	if c.opts.bus != nil {
		topts = append(topts, transport.WithLocalBus(c.opts.bus))
	}
	if relay != nil {
		topts = append(topts, transport.WithRelay(relay))
	}
	switch {
	case c.opts.network != nil:
		topts = append(topts, transport.WithNetworkStatus(c.opts.network))
	case relay != nil:
		c.probe = transport.NewRelayProbe(c.ctx, c.logger, relay, c.cfg.Sync.ProbeInterval.Std())
		topts = append(topts, transport.WithNetworkStatus(c.probe))
	}

	tr := transport.New(c.cache, topts...)
	if err := tr.Start(c.ctx); err != nil {
		c.closeProbe()
		return err
	}
	c.cache.SetNotifier(tr)
	c.transport = tr
	return nil
}

// CleanupSync flushes pending mutations, then tears down the bus and relay
// subscriptions. Sync can be started again with InitSync.
func (c *Client) CleanupSync(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cleanupSync(ctx)
}

func (c *Client) cleanupSync(ctx context.Context) error {
	if c.transport == nil {
		return nil
	}
	c.cache.SetNotifier(nil)
	err := c.transport.Stop(ctx)
	c.transport = nil
	c.closeProbe()
	return err
}

func (c *Client) closeProbe() {
	if c.probe != nil {
		c.probe.Close()
		c.probe = nil
	}
}

// SyncStats returns the transport counters, or false when sync is not running.
func (c *Client) SyncStats() (transport.Stats, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.transport == nil {
		return transport.Stats{}, false
	}
	return c.transport.Stats(), true
}

// Close stops sync and releases every store the client opened.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	var errs error
	if err := c.cleanupSync(context.Background()); err != nil {
		errs = errors.CombineErrors(errs, err)
	}
	if err := c.views.Close(); err != nil {
		errs = errors.CombineErrors(errs, err)
	}
	if err := c.cache.Close(); err != nil {
		errs = errors.CombineErrors(errs, err)
	}
	if c.ownsRelay {
		if err := c.relay.Close(); err != nil {
			errs = errors.CombineErrors(errs, err)
		}
	}
	c.closeRedis()
	return errs
}
