package cache

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// DurableStore is a byte-oriented key/value store backing the local and
// session tiers. Records are opaque to the store; expiresAt is advisory and
// lets backends with native expiry reclaim space. Every access is
// self-contained: there are no multi-key transactions.
type DurableStore interface {
	// Get returns (data, true, nil) on hit and (nil, false, nil) on miss.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Put overwrites the record for key.
	Put(ctx context.Context, key string, data []byte, expiresAt time.Time) error
	// Delete removes key and reports whether it existed.
	Delete(ctx context.Context, key string) (bool, error)
	// Clear removes every record and returns how many were removed.
	Clear(ctx context.Context) (int, error)
	// Keys lists every stored key.
	Keys(ctx context.Context) ([]string, error)
	// Close releases resources held by the store.
	Close() error
}

// StoreOption configures a durable store.
type StoreOption func(*storeConfig)

type storeConfig struct {
	queryTimeout time.Duration
	prefix       string
	clearOnClose bool
}

func applyStoreOptions(opts []StoreOption) storeConfig {
	cfg := storeConfig{queryTimeout: DefaultQueryTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// WithQueryTimeout sets the per-operation timeout for I/O-backed stores.
func WithQueryTimeout(d time.Duration) StoreOption {
	return func(c *storeConfig) { c.queryTimeout = d }
}

// WithPrefix namespaces the keys of a Redis store.
func WithPrefix(p string) StoreOption {
	return func(c *storeConfig) { c.prefix = p }
}

// WithClearOnClose removes every record when the store is closed, giving it
// session lifetime.
func WithClearOnClose() StoreOption {
	return func(c *storeConfig) { c.clearOnClose = true }
}

type memoryStore struct {
	mu      sync.Mutex
	records map[string][]byte
}

var _ DurableStore = (*memoryStore)(nil)

// NewMemoryStore returns a DurableStore held in process memory. It is used as
// the default session store and in tests.
func NewMemoryStore() DurableStore {
	return &memoryStore{records: make(map[string][]byte)}
}

func (s *memoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.records[key]
	return data, ok, nil
}

func (s *memoryStore) Put(_ context.Context, key string, data []byte, _ time.Time) error {
	buf := make([]byte, len(data))
	copy(buf, data)
	s.mu.Lock()
	s.records[key] = buf
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) Delete(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[key]
	delete(s.records, key)
	return ok, nil
}

func (s *memoryStore) Clear(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.records)
	s.records = make(map[string][]byte)
	return n, nil
}

func (s *memoryStore) Keys(_ context.Context) ([]string, error) {
	s.mu.Lock()
	keys := make([]string, 0, len(s.records))
	for k := range s.records {
		keys = append(keys, k)
	}
	s.mu.Unlock()
	sort.Strings(keys)
	return keys, nil
}

func (s *memoryStore) Close() error {
	return nil
}

// durableTier adapts a DurableStore to the tier interface by (de)serializing records.
type durableTier struct {
	tier  Tier
	store DurableStore
	svc   *Service

	// checks holds refresh-check times recorded by reads. Reads never
	// rewrite records, so a concurrent write cannot be undone by one.
	checksMu sync.Mutex
	checks   map[string]time.Time
}

// claimRefreshCheck records now as the refresh check of e unless a check
// within threshold is already recorded.
func (d *durableTier) claimRefreshCheck(e *Entry, now time.Time, threshold time.Duration) bool {
	d.checksMu.Lock()
	defer d.checksMu.Unlock()
	last := e.LastRefreshCheck
	if t, ok := d.checks[e.Key]; ok && t.After(last) {
		last = t
	}
	if now.Sub(last) <= threshold {
		return false
	}
	if d.checks == nil {
		d.checks = make(map[string]time.Time)
	}
	d.checks[e.Key] = now
	return true
}

func (d *durableTier) forgetCheck(key string) {
	d.checksMu.Lock()
	delete(d.checks, key)
	d.checksMu.Unlock()
}

var _ tier = (*durableTier)(nil)

func (d *durableTier) load(ctx context.Context, key string) (*Entry, bool) {
	data, ok, err := d.store.Get(ctx, key)
	if err != nil {
		d.svc.logger.Warn("read of %s/%s failed: %s", d.tier, key, err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	e, err := unmarshalRecord(key, data)
	if err != nil {
		d.svc.stats.malformed.Add(1)
		d.svc.logger.Warn("discarding malformed record %s/%s: %s", d.tier, key, err)
		_, _ = d.store.Delete(ctx, key)
		return nil, false
	}
	return e, true
}

func (d *durableTier) save(ctx context.Context, e *Entry) error {
	data, err := marshalRecord(e)
	if err != nil {
		return err
	}
	d.forgetCheck(e.Key)
	return d.store.Put(ctx, e.Key, data, e.ExpiresAt)
}

func (d *durableTier) delete(ctx context.Context, key string) bool {
	d.forgetCheck(key)
	ok, err := d.store.Delete(ctx, key)
	if err != nil {
		d.svc.logger.Warn("delete of %s/%s failed: %s", d.tier, key, err)
	}
	return ok
}

func (d *durableTier) clear(ctx context.Context) int {
	d.checksMu.Lock()
	d.checks = nil
	d.checksMu.Unlock()
	n, err := d.store.Clear(ctx)
	if err != nil {
		d.svc.logger.Warn("clear of %s failed: %s", d.tier, err)
	}
	return n
}

// scan visits every well-formed record. Malformed records are logged and skipped.
func (d *durableTier) scan(ctx context.Context, fn func(e *Entry) bool) {
	keys, err := d.store.Keys(ctx)
	if err != nil {
		d.svc.logger.Warn("listing %s failed: %s", d.tier, err)
		return
	}
	for _, key := range keys {
		data, ok, err := d.store.Get(ctx, key)
		if err != nil {
			d.svc.logger.Warn("read of %s/%s failed during scan: %s", d.tier, key, err)
			continue
		}
		if !ok {
			continue
		}
		e, err := unmarshalRecord(key, data)
		if err != nil {
			d.svc.stats.malformed.Add(1)
			d.svc.logger.Warn("skipping malformed record %s/%s: %s", d.tier, key, err)
			continue
		}
		if !fn(e) {
			return
		}
	}
}

func (d *durableTier) deletePrefix(ctx context.Context, prefix string) int {
	keys, err := d.store.Keys(ctx)
	if err != nil {
		d.svc.logger.Warn("listing %s failed: %s", d.tier, err)
		return 0
	}
	var n int
	for _, key := range keys {
		if strings.HasPrefix(key, prefix) && d.delete(ctx, key) {
			n++
		}
	}
	return n
}

func (d *durableTier) close() error {
	return d.store.Close()
}
