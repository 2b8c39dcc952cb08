package eventing

import (
	"context"
	"sync"

	"github.com/agentuity/go-cachesync/logger"
	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type redisMsgPayload struct {
	InternalData    []byte  `msgpack:"data"`
	InternalHeaders Headers `msgpack:"headers"`
	subject         string
}

func (m *redisMsgPayload) Subject() string {
	return m.subject
}

func (m *redisMsgPayload) Data() []byte {
	return m.InternalData
}

func (m *redisMsgPayload) Headers() Headers {
	return m.InternalHeaders
}

type redisSubscriber struct {
	pubsub *redis.PubSub
	once   sync.Once
	err    error
	client *redisEventingClient
}

func (s *redisSubscriber) Close() error {
	s.once.Do(func() {
		s.err = s.pubsub.Close()
		s.client.forget(s)
	})
	return s.err
}

type redisEventingClient struct {
	rdb    *redis.Client
	ctx    context.Context
	cancel context.CancelFunc
	logger logger.Logger

	mu     sync.Mutex
	subs   map[*redisSubscriber]struct{}
	closed bool
}

var _ Client = (*redisEventingClient)(nil)

// NewRedisClient returns a Client using Redis pub/sub. Messages are wrapped
// in a msgpack envelope carrying headers, including the trace context of the
// publisher. The caller owns the redis.Client.
func NewRedisClient(ctx context.Context, logger logger.Logger, rdb *redis.Client) (Client, error) {
	if rdb == nil {
		return nil, errors.New("eventing: redis client is required")
	}
	ctx, cancel := context.WithCancel(ctx)
	client := &redisEventingClient{
		rdb:    rdb,
		ctx:    ctx,
		cancel: cancel,
		logger: logger.With(map[string]interface{}{"component": "eventing"}),
		subs:   make(map[*redisSubscriber]struct{}),
	}
	return client, nil
}

func (c *redisEventingClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *redisEventingClient) Publish(ctx context.Context, subject string, data []byte, opts ...PublishOption) error {
	if c.isClosed() {
		return ErrClosed
	}
	msg := redisMsgPayload{
		InternalData:    data,
		InternalHeaders: applyHeaders(opts),
	}
	// inject the trace context into the headers before starting a span
	propagator.Inject(ctx, msg.InternalHeaders)

	spanCtx, span := tracer.Start(ctx, "Publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(attribute.String("messaging.destination", subject), attribute.Int("messaging.message.body.size", len(data))),
	)
	defer span.End()

	payload, err := msgpack.Marshal(msg)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return errors.Wrap(err, "failed to marshal message")
	}

	if err := c.rdb.Publish(spanCtx, subject, payload).Err(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return errors.Mark(errors.Wrap(err, "failed to publish message"), ErrUnavailable)
	}

	span.SetStatus(codes.Ok, "message published")
	return nil
}

func (c *redisEventingClient) internalCallback(ctx context.Context, subject string, payload []byte, cb MessageCallback) {
	var msg redisMsgPayload
	if err := msgpack.Unmarshal(payload, &msg); err != nil {
		c.logger.Error("failed to decode message on %s: %s", subject, err)
		return
	}
	if msg.InternalHeaders == nil {
		msg.InternalHeaders = make(Headers)
	}
	msg.subject = subject
	// extract the trace context from the headers
	spanCtx, span := tracer.Start(
		propagator.Extract(ctx, msg.InternalHeaders),
		"internalCallback",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attribute.String("messaging.destination", subject)),
	)
	defer span.End()

	cb(spanCtx, &msg)
}

func (c *redisEventingClient) Subscribe(ctx context.Context, subject string, cb MessageCallback) (Subscriber, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.mu.Unlock()

	pubsub := c.rdb.Subscribe(ctx, subject)
	// Wait for the subscription to be confirmed so no message published after
	// Subscribe returns is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, errors.Mark(errors.Wrapf(err, "failed to subscribe to %s", subject), ErrUnavailable)
	}

	sub := &redisSubscriber{pubsub: pubsub, client: c}
	c.mu.Lock()
	c.subs[sub] = struct{}{}
	c.mu.Unlock()

	ch := pubsub.Channel()
	go func() {
		for {
			select {
			case <-ctx.Done():
				sub.Close()
				return
			case <-c.ctx.Done():
				return
			case redisMsg, ok := <-ch:
				if !ok {
					return
				}
				c.internalCallback(ctx, redisMsg.Channel, []byte(redisMsg.Payload), cb)
			}
		}
	}()

	return sub, nil
}

func (c *redisEventingClient) forget(sub *redisSubscriber) {
	c.mu.Lock()
	delete(c.subs, sub)
	c.mu.Unlock()
}

func (c *redisEventingClient) Ping(ctx context.Context) error {
	if c.isClosed() {
		return ErrClosed
	}
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return errors.Mark(errors.Wrap(err, "failed to ping relay"), ErrUnavailable)
	}
	return nil
}

func (c *redisEventingClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs := make([]*redisSubscriber, 0, len(c.subs))
	for sub := range c.subs {
		subs = append(subs, sub)
	}
	c.mu.Unlock()

	c.cancel()
	var firstErr error
	for _, sub := range subs {
		if err := sub.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
