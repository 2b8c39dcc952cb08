package cache

import (
	"context"
	"time"

	"github.com/agentuity/go-cachesync/logger"
	"github.com/cockroachdb/errors"
)

// Tier names one of the three backing stores. The string values are the
// storage names used on the wire.
type Tier string

const (
	TierMemory  Tier = "memory"
	TierLocal   Tier = "local"
	TierSession Tier = "session"
)

// Tiers lists every tier in scan order.
var Tiers = []Tier{TierMemory, TierLocal, TierSession}

// ParseTier converts a wire storage name into a Tier. An empty name is the memory tier.
func ParseTier(s string) (Tier, error) {
	switch Tier(s) {
	case "", TierMemory:
		return TierMemory, nil
	case TierLocal:
		return TierLocal, nil
	case TierSession:
		return TierSession, nil
	}
	return "", errors.Wrapf(ErrUnknownTier, "%q", s)
}

// Priority orders entries for eviction under memory pressure.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// RefreshStrategy selects how an entry is refreshed in the background.
type RefreshStrategy int

const (
	RefreshNone RefreshStrategy = iota
	RefreshEager
	RefreshLazy
)

func (r RefreshStrategy) String() string {
	switch r {
	case RefreshEager:
		return "eager"
	case RefreshLazy:
		return "lazy"
	default:
		return "none"
	}
}

var (
	ErrUnknownTier = errors.New("cache: unknown tier")
	ErrClosed      = errors.New("cache: service closed")
)

const (
	// DefaultTTL is used by Set when ttl <= 0.
	DefaultTTL = 5 * time.Minute
	// DefaultCompressionThreshold is the serialized size above which compression is attempted.
	DefaultCompressionThreshold = 1024
	// DefaultRefreshThresholdPercent applies when a refresh strategy is set without a percentage.
	DefaultRefreshThresholdPercent = 80
	// DefaultRefreshTimeout bounds a single refresh callback.
	DefaultRefreshTimeout = 30 * time.Second
	// DefaultQueryTimeout is the per-operation timeout for durable stores that perform I/O.
	DefaultQueryTimeout = 5 * time.Second
)

// RefreshFunc produces a replacement value for key. Returning ok=false keeps
// the current entry. The context is cancelled when the refresh times out.
type RefreshFunc func(ctx context.Context, key string, current any) (value any, ok bool, err error)

// SetOptions holds the per-write options. Build it with SetOption helpers.
type SetOptions struct {
	UseCompression          bool
	CompressionThreshold    int
	Priority                Priority
	Tags                    []string
	RefreshStrategy         RefreshStrategy
	RefreshThresholdPercent int
	DeferBroadcast          bool
}

// SetOption configures a single Set call.
type SetOption func(*SetOptions)

// WithCompression enables compression for values whose serialized size exceeds threshold bytes.
// A threshold <= 0 uses the service default.
func WithCompression(threshold int) SetOption {
	return func(o *SetOptions) {
		o.UseCompression = true
		if threshold > 0 {
			o.CompressionThreshold = threshold
		}
	}
}

// WithPriority sets the eviction priority.
func WithPriority(p Priority) SetOption {
	return func(o *SetOptions) { o.Priority = p }
}

// WithTags attaches labels used by InvalidateByTag.
func WithTags(tags ...string) SetOption {
	return func(o *SetOptions) { o.Tags = append(o.Tags, tags...) }
}

// WithRefresh sets the background refresh strategy. percent <= 0 uses DefaultRefreshThresholdPercent.
func WithRefresh(strategy RefreshStrategy, percent int) SetOption {
	return func(o *SetOptions) {
		o.RefreshStrategy = strategy
		if percent > 0 {
			o.RefreshThresholdPercent = percent
		}
	}
}

// WithDeferBroadcast skips notifying peers about this write.
func WithDeferBroadcast() SetOption {
	return func(o *SetOptions) { o.DeferBroadcast = true }
}

// GetOptions holds the per-read options.
type GetOptions struct {
	OnRefresh RefreshFunc
}

// GetOption configures a single Get call.
type GetOption func(*GetOptions)

// WithOnRefresh supplies the callback invoked when the entry is due for refresh.
func WithOnRefresh(fn RefreshFunc) GetOption {
	return func(o *GetOptions) { o.OnRefresh = fn }
}

// Mutation describes a local write handed to the Notifier.
type Mutation struct {
	Key  string
	Data any
	Tier Tier
	TTL  time.Duration
	Tags []string
}

// ClearScope describes a bulk removal handed to the Notifier. An empty Tier
// with a Prefix or Tag applies to every tier.
type ClearScope struct {
	Tier   Tier
	Prefix string
	Tag    string
}

// Notifier receives local mutations for propagation to peers.
type Notifier interface {
	NotifyUpdate(m Mutation)
	NotifyRemove(key string, tier Tier)
	NotifyClear(scope ClearScope)
}

type noopNotifier struct{}

func (noopNotifier) NotifyUpdate(Mutation)     {}
func (noopNotifier) NotifyRemove(string, Tier) {}
func (noopNotifier) NotifyClear(ClearScope)    {}

// config holds the resolved configuration for a Service.
type config struct {
	logger               logger.Logger
	now                  func() time.Time
	defaultTTL           time.Duration
	compressionThreshold int
	refreshReference     time.Duration
	refreshTimeout       time.Duration
	maxEntries           int
	memoryCeiling        int64
	systemPercent        float64
	memoryProbe          func() (float64, error)
	shards               int
	local                DurableStore
	session              DurableStore
	notifier             Notifier
}

// Option configures a Service.
type Option func(*config)

func defaultConfig() config {
	return config{
		now:                  time.Now,
		defaultTTL:           DefaultTTL,
		compressionThreshold: DefaultCompressionThreshold,
		refreshTimeout:       DefaultRefreshTimeout,
		shards:               16,
		memoryProbe:          systemMemoryPercent,
		notifier:             noopNotifier{},
	}
}

// WithLogger sets the logger. Defaults to a console logger.
func WithLogger(log logger.Logger) Option {
	return func(c *config) { c.logger = log }
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(c *config) { c.now = now }
}

// WithDefaultTTL sets the TTL used when Set is called with ttl <= 0 and for
// entries received from peers without a TTL.
func WithDefaultTTL(d time.Duration) Option {
	return func(c *config) { c.defaultTTL = d }
}

// WithCompressionThreshold sets the default compression threshold in bytes.
func WithCompressionThreshold(n int) Option {
	return func(c *config) { c.compressionThreshold = n }
}

// WithRefreshReference fixes the duration refresh percentages are taken of.
// By default each entry's own TTL window is used.
func WithRefreshReference(d time.Duration) Option {
	return func(c *config) { c.refreshReference = d }
}

// WithRefreshTimeout bounds every refresh callback. Defaults to DefaultRefreshTimeout.
func WithRefreshTimeout(d time.Duration) Option {
	return func(c *config) { c.refreshTimeout = d }
}

// WithMaxEntries bounds the number of entries in the memory tier.
func WithMaxEntries(n int) Option {
	return func(c *config) { c.maxEntries = n }
}

// WithMemoryCeiling bounds the approximate payload bytes held by the memory tier.
func WithMemoryCeiling(bytes int64) Option {
	return func(c *config) { c.memoryCeiling = bytes }
}

// WithSystemMemoryPercent evicts low priority memory entries while host
// memory usage is above percent.
func WithSystemMemoryPercent(percent float64) Option {
	return func(c *config) { c.systemPercent = percent }
}

// WithMemoryProbe replaces the host memory usage probe, mainly for tests.
func WithMemoryProbe(fn func() (float64, error)) Option {
	return func(c *config) { c.memoryProbe = fn }
}

// WithShards sets the number of memory tier shards.
func WithShards(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.shards = n
		}
	}
}

// WithLocalStore sets the persistent durable store. Defaults to an in-memory store.
func WithLocalStore(s DurableStore) Option {
	return func(c *config) { c.local = s }
}

// WithSessionStore sets the session-scoped durable store. Defaults to an in-memory store.
func WithSessionStore(s DurableStore) Option {
	return func(c *config) { c.session = s }
}

// WithNotifier sets the receiver of local mutations.
func WithNotifier(n Notifier) Option {
	return func(c *config) {
		if n != nil {
			c.notifier = n
		}
	}
}
