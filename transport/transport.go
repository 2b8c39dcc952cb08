package transport

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/agentuity/go-cachesync/cache"
	"github.com/agentuity/go-cachesync/eventing"
	"github.com/agentuity/go-cachesync/logger"
	"github.com/cenkalti/backoff/v5"
	"github.com/cockroachdb/errors"
)

// ErrClosed is returned by Start after Stop, and by a second Start.
var ErrClosed = errors.New("transport: closed")

const (
	DefaultFlushDelay   = 200 * time.Millisecond
	DefaultMaxBatch     = 50
	DefaultChannel      = "cachesync"
	DefaultReconnectMin = 500 * time.Millisecond
	DefaultReconnectMax = 30 * time.Second
)

// State is the relay connection state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return "disconnected"
}

// Applier receives mutations from peers. *cache.Service implements it.
type Applier interface {
	ApplySet(ctx context.Context, r cache.Remote) error
	ApplyRemove(ctx context.Context, key string, t cache.Tier) bool
	ApplyClear(ctx context.Context, scope cache.ClearScope) int
}

type config struct {
	clientID     string
	channel      string
	flushDelay   time.Duration
	maxBatch     int
	reconnectMin time.Duration
	reconnectMax time.Duration
	bus          LocalBus
	relay        eventing.Client
	network      NetworkStatus
	logger       logger.Logger
	now          func() time.Time
}

// Option configures a Transport.
type Option func(*config)

// WithClientID overrides the generated client identity.
func WithClientID(id string) Option {
	return func(c *config) { c.clientID = id }
}

// WithChannel sets the relay subject.
func WithChannel(name string) Option {
	return func(c *config) { c.channel = name }
}

// WithFlushDelay sets the coalescing delay before a batch is sent.
func WithFlushDelay(d time.Duration) Option {
	return func(c *config) { c.flushDelay = d }
}

// WithMaxBatch caps the items per outgoing message.
func WithMaxBatch(n int) Option {
	return func(c *config) { c.maxBatch = n }
}

// WithReconnectBackoff bounds the delay between reconnect attempts.
func WithReconnectBackoff(minDelay, maxDelay time.Duration) Option {
	return func(c *config) {
		c.reconnectMin = minDelay
		c.reconnectMax = maxDelay
	}
}

func WithLocalBus(bus LocalBus) Option {
	return func(c *config) { c.bus = bus }
}

func WithRelay(relay eventing.Client) Option {
	return func(c *config) { c.relay = relay }
}

func WithNetworkStatus(status NetworkStatus) Option {
	return func(c *config) { c.network = status }
}

func WithLogger(log logger.Logger) Option {
	return func(c *config) { c.logger = log }
}

// WithClock sets the source of message timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *config) { c.now = now }
}

// Transport propagates local cache mutations to peers and applies the
// mutations peers send. It implements cache.Notifier. Outgoing items are
// queued, coalesced for the flush delay and sent on the local bus and the
// relay. Incoming messages carrying this client's id are discarded.
type Transport struct {
	cfg    config
	logger logger.Logger
	store  Applier

	mu           sync.Mutex
	pending      []BatchItem
	relayBacklog []BatchItem
	state        State
	hooks        []func(State)
	started      bool
	stopped      bool

	flushMu sync.Mutex
	applyMu sync.Mutex

	wake      chan struct{}
	full      chan struct{}
	netChange chan struct{}

	ctx       context.Context
	cancel    context.CancelFunc
	waitGroup sync.WaitGroup
	unsubBus  func()
	unwatch   func()
	relaySub  eventing.Subscriber

	stats counters
}

var _ cache.Notifier = (*Transport)(nil)

// New returns a stopped Transport applying incoming mutations to store.
// Without a LocalBus or relay, messages are only queued and counted.
func New(store Applier, opts ...Option) *Transport {
	cfg := config{
		channel:      DefaultChannel,
		flushDelay:   DefaultFlushDelay,
		maxBatch:     DefaultMaxBatch,
		reconnectMin: DefaultReconnectMin,
		reconnectMax: DefaultReconnectMax,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.clientID == "" {
		cfg.clientID = NewClientID()
	}
	if cfg.maxBatch <= 0 {
		cfg.maxBatch = DefaultMaxBatch
	}
	if cfg.network == nil {
		cfg.network = NewStaticStatus(true)
	}
	if cfg.logger == nil {
		cfg.logger = logger.NewConsoleLogger()
	}
	return &Transport{
		cfg:       cfg,
		logger:    cfg.logger.With(map[string]interface{}{"component": "transport", "client_id": cfg.clientID}),
		store:     store,
		wake:      make(chan struct{}, 1),
		full:      make(chan struct{}, 1),
		netChange: make(chan struct{}, 1),
	}
}

// ClientID returns the identity stamped on every outgoing message.
func (t *Transport) ClientID() string {
	return t.cfg.clientID
}

// State returns the relay connection state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// OnStateChange registers fn to be called after every state transition.
func (t *Transport) OnStateChange(fn func(State)) {
	t.mu.Lock()
	t.hooks = append(t.hooks, fn)
	t.mu.Unlock()
}

func (t *Transport) setState(s State) {
	t.mu.Lock()
	if t.state == s {
		t.mu.Unlock()
		return
	}
	prev := t.state
	t.state = s
	hooks := append([]func(State){}, t.hooks...)
	t.mu.Unlock()
	t.logger.Debug("state %s -> %s", prev, s)
	for _, fn := range hooks {
		fn(s)
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Start subscribes to the local bus and begins connecting to the relay.
// Items queued before Start are sent once connected.
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.started || t.stopped {
		t.mu.Unlock()
		return ErrClosed
	}
	t.started = true
	t.ctx, t.cancel = context.WithCancel(ctx)
	t.mu.Unlock()

	if t.cfg.bus != nil {
		t.unsubBus = t.cfg.bus.Subscribe(func(msg []byte) {
			t.receive(t.ctx, msg, "bus")
		})
	}
	t.unwatch = t.cfg.network.Watch(func(bool) { signal(t.netChange) })
	t.waitGroup.Add(1)
	go t.run()
	t.logger.Debug("started on channel %s", t.cfg.channel)
	return nil
}

// Stop force-flushes every pending item, then unsubscribes from the bus and
// the relay. The relay client itself is left open.
func (t *Transport) Stop(ctx context.Context) error {
	t.mu.Lock()
	if !t.started || t.stopped {
		t.stopped = true
		t.mu.Unlock()
		return nil
	}
	t.stopped = true
	t.mu.Unlock()

	t.Flush(ctx, true)
	t.cancel()
	t.waitGroup.Wait()

	if t.unwatch != nil {
		t.unwatch()
	}
	if t.unsubBus != nil {
		t.unsubBus()
	}
	t.closeRelaySub()
	t.setState(Disconnected)
	if n := t.Stats().Queued; n > 0 {
		t.logger.Warn("stopped with %d items not delivered to the relay", n)
	}
	return nil
}

func (t *Transport) closeRelaySub() {
	t.mu.Lock()
	sub := t.relaySub
	t.relaySub = nil
	t.mu.Unlock()
	if sub != nil {
		if err := sub.Close(); err != nil {
			t.logger.Debug("closing relay subscription: %s", err)
		}
	}
}

func (t *Transport) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = t.cfg.reconnectMin
	b.MaxInterval = t.cfg.reconnectMax
	b.Reset()
	return b
}

// run owns the flush timer and the connection state machine.
func (t *Transport) run() {
	defer t.waitGroup.Done()
	var (
		flushTimer     *time.Timer
		flushC         <-chan time.Time
		reconnectTimer *time.Timer
		reconnectC     <-chan time.Time
	)
	retry := t.newBackoff()
	stopTimer := func(timer *time.Timer) {
		if timer != nil {
			timer.Stop()
		}
	}
	defer func() {
		stopTimer(flushTimer)
		stopTimer(reconnectTimer)
	}()
	scheduleReconnect := func() {
		stopTimer(reconnectTimer)
		delay := retry.NextBackOff()
		if delay == backoff.Stop {
			delay = t.cfg.reconnectMax
		}
		t.logger.Debug("reconnecting in %s", delay)
		reconnectTimer = time.NewTimer(delay)
		reconnectC = reconnectTimer.C
	}
	connect := func() {
		stopTimer(reconnectTimer)
		reconnectC = nil
		if !t.cfg.network.Online() {
			t.setState(Disconnected)
			scheduleReconnect()
			return
		}
		if err := t.connect(); err != nil {
			t.logger.Warn("relay connect failed: %s", err)
			t.setState(Disconnected)
			scheduleReconnect()
			return
		}
		retry.Reset()
	}

	connect()

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-t.wake:
			if flushC == nil {
				flushTimer = time.NewTimer(t.cfg.flushDelay)
				flushC = flushTimer.C
			}
		case <-t.full:
			stopTimer(flushTimer)
			flushC = nil
			if !t.Flush(t.ctx, false) {
				scheduleReconnect()
			}
		case <-flushC:
			flushC = nil
			if !t.Flush(t.ctx, false) {
				scheduleReconnect()
			}
		case <-t.netChange:
			if t.cfg.network.Online() {
				t.logger.Info("network online, connecting")
				retry.Reset()
				connect()
			} else {
				t.logger.Info("network offline, queuing mutations")
				t.closeRelaySub()
				t.setState(Disconnected)
				stopTimer(reconnectTimer)
				reconnectC = nil
			}
		case <-reconnectC:
			reconnectC = nil
			connect()
		}
	}
}

// connect subscribes to the relay, announces this client and flushes
// everything queued while disconnected.
func (t *Transport) connect() error {
	t.setState(Connecting)
	if t.cfg.relay != nil {
		t.closeRelaySub()
		sub, err := t.cfg.relay.Subscribe(t.ctx, t.cfg.channel, func(ctx context.Context, msg eventing.Message) {
			t.receive(ctx, msg.Data(), "relay")
		})
		if err != nil {
			return err
		}
		t.mu.Lock()
		t.relaySub = sub
		t.mu.Unlock()
	}
	t.setState(Connected)
	t.announce()
	if !t.Flush(t.ctx, true) {
		return errors.New("relay rejected queued items")
	}
	return nil
}

func (t *Transport) announce() {
	data, err := Encode(Message{Type: TypePing, ClientID: t.cfg.clientID, Timestamp: t.cfg.now().UnixMilli()})
	if err != nil {
		return
	}
	if t.cfg.bus != nil {
		t.cfg.bus.Publish(data)
	}
	if t.cfg.relay != nil {
		if err := t.cfg.relay.Publish(t.ctx, t.cfg.channel, data); err != nil {
			t.logger.Debug("ping failed: %s", err)
		}
	}
}

// NotifyUpdate queues a set of m.Key. Values that cannot be represented as
// JSON are logged and not propagated.
func (t *Transport) NotifyUpdate(m cache.Mutation) {
	data, err := json.Marshal(m.Data)
	if err != nil {
		t.stats.unencodable.Add(1)
		t.logger.Warn("not propagating %s/%s: %s", m.Tier, m.Key, err)
		return
	}
	t.enqueue(BatchItem{
		Type:    TypeSet,
		Key:     m.Key,
		Data:    data,
		Storage: m.Tier,
		TTL:     m.TTL.Milliseconds(),
		Tags:    m.Tags,
	})
}

func (t *Transport) NotifyRemove(key string, tier cache.Tier) {
	t.enqueue(BatchItem{Type: TypeRemove, Key: key, Storage: tier})
}

func (t *Transport) NotifyClear(scope cache.ClearScope) {
	t.enqueue(BatchItem{Type: TypeClear, Key: scope.Prefix, Storage: scope.Tier, Tag: scope.Tag})
}

func (t *Transport) enqueue(item BatchItem) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		t.logger.Debug("dropping %s of %q after stop", item.Type, item.Key)
		return
	}
	t.pending = append(t.pending, item)
	n := len(t.pending)
	t.mu.Unlock()
	t.stats.enqueued.Add(1)
	if n >= t.cfg.maxBatch {
		signal(t.full)
	} else {
		signal(t.wake)
	}
}

// Flush sends pending items. Unless force is set, nothing is sent while the
// network is offline. Items reach the local bus on every flush; items the
// relay could not take stay queued for the next connection. Flush reports
// false when the relay rejected a send.
func (t *Transport) Flush(ctx context.Context, force bool) bool {
	t.flushMu.Lock()
	defer t.flushMu.Unlock()

	if !force && !t.cfg.network.Online() {
		return true
	}
	t.mu.Lock()
	items := t.pending
	t.pending = nil
	t.mu.Unlock()

	for _, chunk := range t.chunks(items) {
		if t.cfg.bus == nil {
			break
		}
		data, err := t.encodeBatch(chunk)
		if err != nil {
			continue
		}
		t.cfg.bus.Publish(data)
		t.stats.sentBus.Add(1)
	}

	if t.cfg.relay == nil {
		return true
	}
	t.mu.Lock()
	backlog := append(t.relayBacklog, items...)
	t.relayBacklog = nil
	connected := t.state == Connected
	t.mu.Unlock()
	if !connected {
		t.requeueRelay(backlog)
		return true
	}

	sent := 0
	for _, chunk := range t.chunks(backlog) {
		data, err := t.encodeBatch(chunk)
		if err != nil {
			sent += len(chunk)
			continue
		}
		if err := t.cfg.relay.Publish(ctx, t.cfg.channel, data); err != nil {
			t.requeueRelay(backlog[sent:])
			t.stats.relayFailures.Add(1)
			t.logger.Warn("relay send failed, %d items requeued: %s", len(backlog)-sent, err)
			t.closeRelaySub()
			t.setState(Disconnected)
			return false
		}
		t.stats.sentRelay.Add(1)
		sent += len(chunk)
	}
	return true
}

// requeueRelay puts items back ahead of anything queued since.
func (t *Transport) requeueRelay(items []BatchItem) {
	if len(items) == 0 {
		return
	}
	t.mu.Lock()
	t.relayBacklog = append(append([]BatchItem{}, items...), t.relayBacklog...)
	t.mu.Unlock()
}

func (t *Transport) chunks(items []BatchItem) [][]BatchItem {
	var out [][]BatchItem
	for len(items) > 0 {
		n := min(len(items), t.cfg.maxBatch)
		out = append(out, items[:n:n])
		items = items[n:]
	}
	return out
}

func (t *Transport) encodeBatch(items []BatchItem) ([]byte, error) {
	data, err := Encode(Message{
		Type:      TypeBatch,
		ClientID:  t.cfg.clientID,
		Timestamp: t.cfg.now().UnixMilli(),
		Batch:     items,
	})
	if err != nil {
		t.logger.Error("dropping batch of %d items: %s", len(items), err)
	}
	return data, err
}

// receive applies a peer's message. Messages are applied one at a time in
// arrival order across both rails.
func (t *Transport) receive(ctx context.Context, data []byte, rail string) {
	msg, err := DecodeMessage(data)
	if err != nil {
		t.stats.malformed.Add(1)
		t.logger.Warn("ignoring malformed message from %s: %s", rail, err)
		return
	}
	if msg.ClientID == t.cfg.clientID {
		t.stats.ignoredSelf.Add(1)
		return
	}
	t.stats.received.Add(1)

	t.applyMu.Lock()
	defer t.applyMu.Unlock()
	switch msg.Type {
	case TypePing:
		t.stats.pings.Add(1)
		t.logger.Debug("peer %s connected via %s", msg.ClientID, rail)
	case TypeBatch:
		for i, item := range msg.Batch {
			if err := t.apply(ctx, item); err != nil {
				t.stats.malformed.Add(1)
				t.logger.Warn("skipping item %d of batch from %s: %s", i, msg.ClientID, err)
			}
		}
	default:
		if err := t.apply(ctx, msg.Item()); err != nil {
			t.stats.malformed.Add(1)
			t.logger.Warn("skipping %s from %s: %s", msg.Type, msg.ClientID, err)
		}
	}
}

func (t *Transport) apply(ctx context.Context, item BatchItem) error {
	tier, err := item.validate()
	if err != nil {
		return err
	}
	switch item.Type {
	case TypeSet:
		if err := t.store.ApplySet(ctx, cache.Remote{
			Key:  item.Key,
			Data: item.Data,
			Tier: tier,
			TTL:  time.Duration(item.TTL) * time.Millisecond,
			Tags: item.Tags,
		}); err != nil {
			return errors.Wrapf(err, "apply set of %q", item.Key)
		}
	case TypeRemove:
		t.store.ApplyRemove(ctx, item.Key, tier)
	case TypeClear:
		t.store.ApplyClear(ctx, cache.ClearScope{Tier: tier, Prefix: item.Key, Tag: item.Tag})
	}
	t.stats.applied.Add(1)
	return nil
}
