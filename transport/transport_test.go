package transport

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/agentuity/go-cachesync/cache"
	"github.com/agentuity/go-cachesync/eventing"
	"github.com/agentuity/go-cachesync/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingApplier struct {
	mu      sync.Mutex
	sets    []cache.Remote
	removes []string
	clears  []cache.ClearScope
}

func (r *recordingApplier) ApplySet(_ context.Context, rem cache.Remote) error {
	r.mu.Lock()
	r.sets = append(r.sets, rem)
	r.mu.Unlock()
	return nil
}

func (r *recordingApplier) ApplyRemove(_ context.Context, key string, t cache.Tier) bool {
	r.mu.Lock()
	r.removes = append(r.removes, string(t)+"/"+key)
	r.mu.Unlock()
	return true
}

func (r *recordingApplier) ApplyClear(_ context.Context, scope cache.ClearScope) int {
	r.mu.Lock()
	r.clears = append(r.clears, scope)
	r.mu.Unlock()
	return 1
}

func (r *recordingApplier) setCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sets)
}

// capture records every message published on a bus.
type capture struct {
	mu   sync.Mutex
	msgs []Message
}

func (c *capture) attach(bus LocalBus) func() {
	return bus.Subscribe(func(data []byte) {
		msg, err := DecodeMessage(data)
		if err != nil {
			return
		}
		c.mu.Lock()
		c.msgs = append(c.msgs, msg)
		c.mu.Unlock()
	})
}

func (c *capture) ofType(typ MessageType) []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Message
	for _, m := range c.msgs {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

func (c *capture) items() []BatchItem {
	var out []BatchItem
	for _, m := range c.ofType(TypeBatch) {
		out = append(out, m.Batch...)
	}
	return out
}

func newTestTransport(t *testing.T, store Applier, opts ...Option) *Transport {
	t.Helper()
	opts = append([]Option{
		WithLogger(logger.NewTestLogger()),
		WithFlushDelay(5 * time.Millisecond),
		WithReconnectBackoff(5*time.Millisecond, 20*time.Millisecond),
	}, opts...)
	tr := New(store, opts...)
	t.Cleanup(func() { tr.Stop(context.Background()) })
	return tr
}

func TestPeerAppliesAndSelfEchoIgnored(t *testing.T) {
	ctx := context.Background()
	hub := NewHub()
	log := logger.NewTestLogger()
	svcA := cache.NewService(ctx, cache.WithLogger(log))
	svcB := cache.NewService(ctx, cache.WithLogger(log))
	defer svcA.Close()
	defer svcB.Close()

	a := newTestTransport(t, svcA, WithLocalBus(hub), WithClientID("client-a"))
	b := newTestTransport(t, svcB, WithLocalBus(hub), WithClientID("client-b"))
	svcA.SetNotifier(a)
	require.NoError(t, a.Start(ctx))
	require.NoError(t, b.Start(ctx))

	a.NotifyUpdate(cache.Mutation{Key: "k", Data: 5, Tier: cache.TierMemory})
	assert.Eventually(t, func() bool {
		v, ok := cache.GetAs[int](ctx, svcB, "k", cache.TierMemory)
		return ok && v == 5
	}, time.Second, 5*time.Millisecond)

	_, ok := svcA.Get(ctx, "k", cache.TierMemory)
	assert.False(t, ok, "own echo must not be applied")
	stats := a.Stats()
	assert.Zero(t, stats.Applied)
	assert.GreaterOrEqual(t, stats.IgnoredSelf, int64(1))
	assert.Equal(t, int64(1), b.Stats().Applied)
}

func TestCacheWritesPropagate(t *testing.T) {
	ctx := context.Background()
	hub := NewHub()
	log := logger.NewTestLogger()
	svcA := cache.NewService(ctx, cache.WithLogger(log))
	svcB := cache.NewService(ctx, cache.WithLogger(log))
	defer svcA.Close()
	defer svcB.Close()
	a := newTestTransport(t, svcA, WithLocalBus(hub))
	b := newTestTransport(t, svcB, WithLocalBus(hub))
	svcA.SetNotifier(a)
	svcB.SetNotifier(b)
	require.NoError(t, a.Start(ctx))
	require.NoError(t, b.Start(ctx))

	require.NoError(t, svcA.Set(ctx, "report", map[string]any{"total": 3}, time.Minute, cache.TierLocal, cache.WithTags("reports")))
	require.NoError(t, svcA.Set(ctx, "draft", "x", time.Minute, cache.TierSession))
	assert.Eventually(t, func() bool {
		_, ok := svcB.Get(ctx, "draft", cache.TierSession)
		return ok
	}, time.Second, 5*time.Millisecond)

	e, ok := svcB.Inspect(ctx, "report", cache.TierLocal)
	require.True(t, ok)
	assert.Equal(t, []string{"reports"}, e.Tags)
	assert.Equal(t, time.Minute, e.ExpiresAt.Sub(e.CreatedAt))

	// B applied without re-broadcasting, so nothing comes back to A.
	assert.Zero(t, b.Stats().Enqueued)

	svcA.InvalidateByTag(ctx, "reports")
	assert.Eventually(t, func() bool {
		_, ok := svcB.Get(ctx, "report", cache.TierLocal)
		return !ok
	}, time.Second, 5*time.Millisecond)

	svcA.Remove(ctx, "draft", cache.TierSession)
	assert.Eventually(t, func() bool {
		_, ok := svcB.Get(ctx, "draft", cache.TierSession)
		return !ok
	}, time.Second, 5*time.Millisecond)

	// An unscoped prefix clear reaches peers as one clear per tier.
	require.NoError(t, svcA.Set(ctx, "scratch", 1, time.Minute, cache.TierMemory))
	assert.Eventually(t, func() bool {
		_, ok := svcB.Get(ctx, "scratch", cache.TierMemory)
		return ok
	}, time.Second, 5*time.Millisecond)
	svcA.ClearPrefix(ctx, "", "")
	assert.Eventually(t, func() bool {
		_, ok := svcB.Get(ctx, "scratch", cache.TierMemory)
		return !ok
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, b.Stats().Malformed)
}

func TestReceiveDiscardsOwnMessages(t *testing.T) {
	store := &recordingApplier{}
	tr := newTestTransport(t, store, WithClientID("me"))
	data, err := Encode(Message{Type: TypeSet, ClientID: "me", Key: "k", Data: json.RawMessage(`1`)})
	require.NoError(t, err)
	tr.receive(context.Background(), data, "bus")
	assert.Zero(t, store.setCount())
	assert.Equal(t, int64(1), tr.Stats().IgnoredSelf)

	data, err = Encode(Message{Type: TypeSet, ClientID: "peer", Key: "k", Data: json.RawMessage(`1`)})
	require.NoError(t, err)
	tr.receive(context.Background(), data, "bus")
	assert.Equal(t, 1, store.setCount())
	assert.Equal(t, cache.TierMemory, store.sets[0].Tier)
}

func TestMalformedItemsSkipped(t *testing.T) {
	store := &recordingApplier{}
	log := logger.NewTestLogger()
	tr := newTestTransport(t, store, WithLogger(log))
	msg := Message{Type: TypeBatch, ClientID: "peer", Batch: []BatchItem{
		{Type: TypeSet, Key: "a", Data: json.RawMessage(`{"x":1}`), Storage: cache.TierLocal, TTL: 1500, Tags: []string{"t"}},
		{Type: TypeSet, Data: json.RawMessage(`1`)},
		{Type: TypeSet, Key: "nodata"},
		{Type: TypeSet, Key: "bad", Data: json.RawMessage(`1`), Storage: "disk"},
		{Type: TypePing},
		{Type: TypeClear},
		{Type: TypeRemove, Key: "b", Storage: cache.TierSession},
		{Type: TypeClear, Key: "user:"},
		{Type: TypeClear, Tag: "reports"},
	}}
	data, err := Encode(msg)
	require.NoError(t, err)
	tr.receive(context.Background(), data, "relay")

	require.Len(t, store.sets, 1)
	assert.Equal(t, cache.Remote{
		Key:  "a",
		Data: json.RawMessage(`{"x":1}`),
		Tier: cache.TierLocal,
		TTL:  1500 * time.Millisecond,
		Tags: []string{"t"},
	}, store.sets[0])
	assert.Equal(t, []string{"session/b"}, store.removes)
	assert.Equal(t, []cache.ClearScope{{Prefix: "user:"}, {Tag: "reports"}}, store.clears)
	stats := tr.Stats()
	assert.Equal(t, int64(4), stats.Applied)
	assert.Equal(t, int64(5), stats.Malformed)
	assert.Equal(t, 5, log.Count("WARNING", "skipping item"))
}

func TestMalformedEnvelopes(t *testing.T) {
	store := &recordingApplier{}
	tr := newTestTransport(t, store)
	for _, raw := range []string{
		`not json`,
		`{"type":"set","key":"k","data":1}`,
		`{"type":"explode","clientId":"peer"}`,
	} {
		tr.receive(context.Background(), []byte(raw), "bus")
	}
	assert.Equal(t, int64(3), tr.Stats().Malformed)
	assert.Zero(t, store.setCount())
}

func TestFlushSplitsBatches(t *testing.T) {
	hub := NewHub()
	var got capture
	defer got.attach(hub)()
	tr := newTestTransport(t, &recordingApplier{}, WithLocalBus(hub), WithMaxBatch(2))
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		tr.NotifyRemove(k, cache.TierMemory)
	}
	assert.True(t, tr.Flush(context.Background(), true))

	batches := got.ofType(TypeBatch)
	require.Len(t, batches, 3)
	assert.Len(t, batches[0].Batch, 2)
	assert.Len(t, batches[1].Batch, 2)
	assert.Len(t, batches[2].Batch, 1)
	var keys []string
	for _, item := range got.items() {
		keys = append(keys, item.Key)
	}
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, keys)
	assert.Equal(t, tr.ClientID(), batches[0].ClientID)
	assert.Zero(t, tr.Stats().Queued)
}

func TestCoalescesWithinFlushDelay(t *testing.T) {
	ctx := context.Background()
	hub := NewHub()
	var got capture
	defer got.attach(hub)()
	tr := newTestTransport(t, &recordingApplier{}, WithLocalBus(hub), WithFlushDelay(50*time.Millisecond))
	require.NoError(t, tr.Start(ctx))

	tr.NotifyRemove("a", cache.TierMemory)
	tr.NotifyRemove("b", cache.TierMemory)
	tr.NotifyClear(cache.ClearScope{Tier: cache.TierLocal})
	assert.Eventually(t, func() bool { return len(got.items()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Len(t, got.ofType(TypeBatch), 1)
}

func TestOfflineQueuesUntilOnline(t *testing.T) {
	ctx := context.Background()
	hub := NewHub()
	var got capture
	defer got.attach(hub)()
	status := NewStaticStatus(false)
	tr := newTestTransport(t, &recordingApplier{}, WithLocalBus(hub), WithNetworkStatus(status))
	require.NoError(t, tr.Start(ctx))

	for i := 0; i < 3; i++ {
		tr.NotifyUpdate(cache.Mutation{Key: "k", Data: i, Tier: cache.TierMemory})
	}
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, got.items())
	assert.Equal(t, 3, tr.Stats().Queued)
	assert.Equal(t, Disconnected, tr.State())

	status.Set(true)
	assert.Eventually(t, func() bool { return len(got.items()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, Connected, tr.State())
	assert.NotEmpty(t, got.ofType(TypePing))
	items := got.items()
	assert.Equal(t, json.RawMessage(`2`), items[2].Data)
}

func TestStopFlushesPending(t *testing.T) {
	ctx := context.Background()
	hub := NewHub()
	var got capture
	defer got.attach(hub)()
	tr := newTestTransport(t, &recordingApplier{}, WithLocalBus(hub), WithFlushDelay(time.Hour))
	require.NoError(t, tr.Start(ctx))
	tr.NotifyRemove("a", cache.TierLocal)
	require.NoError(t, tr.Stop(ctx))
	assert.Len(t, got.items(), 1)
	assert.Equal(t, 1, hub.Subscribers(), "transport unsubscribed")

	tr.NotifyRemove("b", cache.TierLocal)
	assert.Zero(t, tr.Stats().Queued)
	assert.ErrorIs(t, tr.Start(ctx), ErrClosed)
}

func TestStateTransitions(t *testing.T) {
	ctx := context.Background()
	tr := newTestTransport(t, &recordingApplier{})
	var mu sync.Mutex
	var states []State
	tr.OnStateChange(func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})
	require.NoError(t, tr.Start(ctx))
	assert.Eventually(t, func() bool { return tr.State() == Connected }, time.Second, 5*time.Millisecond)
	require.NoError(t, tr.Stop(ctx))
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{Connecting, Connected, Disconnected}, states)
	assert.Equal(t, "connected", Connected.String())
}

func TestRelayDeliveryAndRequeue(t *testing.T) {
	ctx := context.Background()
	broker := eventing.NewBroker()
	log := logger.NewTestLogger()
	relayA := broker.Client(log)
	relayB := broker.Client(log)
	defer relayA.Close()
	defer relayB.Close()

	storeB := &recordingApplier{}
	a := newTestTransport(t, &recordingApplier{}, WithRelay(relayA), WithChannel("test"))
	b := newTestTransport(t, storeB, WithRelay(relayB), WithChannel("test"))
	require.NoError(t, b.Start(ctx))
	require.NoError(t, a.Start(ctx))
	assert.Eventually(t, func() bool {
		return a.State() == Connected && b.State() == Connected
	}, time.Second, 5*time.Millisecond)

	a.NotifyUpdate(cache.Mutation{Key: "one", Data: "1", Tier: cache.TierSession, TTL: time.Minute})
	assert.Eventually(t, func() bool { return storeB.setCount() == 1 }, time.Second, 5*time.Millisecond)

	broker.SetOffline(true)
	a.NotifyUpdate(cache.Mutation{Key: "two", Data: "2", Tier: cache.TierSession})
	assert.Eventually(t, func() bool { return a.Stats().RelayFailures >= 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, storeB.setCount())
	assert.Equal(t, 1, a.Stats().Queued)

	broker.SetOffline(false)
	assert.Eventually(t, func() bool { return storeB.setCount() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "two", storeB.sets[1].Key)
	assert.Eventually(t, func() bool { return a.State() == Connected }, time.Second, 5*time.Millisecond)
	assert.Zero(t, a.Stats().Queued)
	assert.GreaterOrEqual(t, b.Stats().Pings, int64(1))
}

func TestUnencodableValueNotPropagated(t *testing.T) {
	tr := newTestTransport(t, &recordingApplier{})
	tr.NotifyUpdate(cache.Mutation{Key: "fn", Data: func() {}, Tier: cache.TierMemory})
	stats := tr.Stats()
	assert.Zero(t, stats.Queued)
	assert.Equal(t, int64(1), stats.Unencodable)
}
