package eventing

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/agentuity/go-cachesync/logger"
)

// Broker is an in-process relay shared by the clients created from it. It
// is used in tests and by applications that only synchronize within one
// process.
type Broker struct {
	mu      sync.RWMutex
	subs    map[string]map[*memorySubscriber]struct{}
	offline atomic.Bool
}

// NewBroker returns an empty Broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[string]map[*memorySubscriber]struct{})}
}

// SetOffline makes every client of the broker fail Publish, Subscribe and
// Ping with ErrUnavailable until it is set back.
func (b *Broker) SetOffline(offline bool) {
	b.offline.Store(offline)
}

// Client returns a new client attached to the broker.
func (b *Broker) Client(log logger.Logger) Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &memoryClient{
		broker: b,
		logger: log.With(map[string]interface{}{"component": "eventing"}),
		ctx:    ctx,
		cancel: cancel,
	}
}

type memoryMessage struct {
	subject string
	data    []byte
	headers Headers
}

func (m *memoryMessage) Subject() string  { return m.subject }
func (m *memoryMessage) Data() []byte     { return m.data }
func (m *memoryMessage) Headers() Headers { return m.headers }

type memorySubscriber struct {
	subject string
	cb      MessageCallback
	ctx     context.Context
	queue   chan *memoryMessage
	done    chan struct{}
	once    sync.Once
	broker  *Broker
}

func (s *memorySubscriber) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.ctx.Done():
			s.Close()
			return
		case msg := <-s.queue:
			s.cb(s.ctx, msg)
		}
	}
}

func (s *memorySubscriber) Close() error {
	s.once.Do(func() {
		s.broker.mu.Lock()
		delete(s.broker.subs[s.subject], s)
		s.broker.mu.Unlock()
		close(s.done)
	})
	return nil
}

type memoryClient struct {
	broker *Broker
	logger logger.Logger
	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
}

var _ Client = (*memoryClient)(nil)

// subscriberQueueSize bounds the per-subscriber backlog. A full queue drops
// the message, matching pub/sub delivery to a slow consumer.
const subscriberQueueSize = 1024

func (c *memoryClient) Publish(ctx context.Context, subject string, data []byte, opts ...PublishOption) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if c.broker.offline.Load() {
		return ErrUnavailable
	}
	headers := applyHeaders(opts)
	propagator.Inject(ctx, headers)
	buf := make([]byte, len(data))
	copy(buf, data)

	c.broker.mu.RLock()
	defer c.broker.mu.RUnlock()
	for sub := range c.broker.subs[subject] {
		select {
		case sub.queue <- &memoryMessage{subject: subject, data: buf, headers: headers}:
		default:
			c.logger.Warn("subscriber backlog full on %s, dropping message", subject)
		}
	}
	return nil
}

func (c *memoryClient) Subscribe(ctx context.Context, subject string, cb MessageCallback) (Subscriber, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if c.broker.offline.Load() {
		return nil, ErrUnavailable
	}
	subCtx, cancel := context.WithCancel(ctx)
	sub := &memorySubscriber{
		subject: subject,
		ctx:     subCtx,
		queue:   make(chan *memoryMessage, subscriberQueueSize),
		done:    make(chan struct{}),
		broker:  c.broker,
		cb: func(ctx context.Context, msg Message) {
			cb(propagator.Extract(ctx, msg.Headers()), msg)
		},
	}
	go func() {
		select {
		case <-c.ctx.Done():
			sub.Close()
		case <-sub.done:
		}
		cancel()
	}()

	c.broker.mu.Lock()
	if c.broker.subs[subject] == nil {
		c.broker.subs[subject] = make(map[*memorySubscriber]struct{})
	}
	c.broker.subs[subject][sub] = struct{}{}
	c.broker.mu.Unlock()

	go sub.run()
	return sub, nil
}

func (c *memoryClient) Ping(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if c.broker.offline.Load() {
		return ErrUnavailable
	}
	return ctx.Err()
}

func (c *memoryClient) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		c.cancel()
	}
	return nil
}
