package eventing

import (
	"context"

	"github.com/cockroachdb/errors"
)

var (
	// ErrClosed is returned when the client has been closed.
	ErrClosed = errors.New("eventing: client closed")
	// ErrUnavailable is returned when the relay cannot be reached.
	ErrUnavailable = errors.New("eventing: relay unavailable")
)

// Message represents a message received from the relay
type Message interface {
	Subject() string
	Data() []byte
	Headers() Headers
}

// Headers represents message headers that can be used for both map operations and propagation
type Headers map[string]string

func (h Headers) Get(key string) string {
	return h[key]
}

func (h Headers) Set(key string, value string) {
	h[key] = value
}

func (h Headers) Keys() []string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	return keys
}

type MessageCallback func(ctx context.Context, msg Message)

type Subscriber interface {
	// Close stops the subscriber
	Close() error
}

type PublishOption func(*publishOptions)

type publishOptions struct {
	Headers [][]string
}

func WithHeader(key, value string) PublishOption {
	return func(o *publishOptions) {
		o.Headers = append(o.Headers, []string{key, value})
	}
}

func applyHeaders(opts []PublishOption) Headers {
	options := &publishOptions{}
	for _, opt := range opts {
		opt(options)
	}
	headers := make(Headers)
	for _, header := range options.Headers {
		if len(header) == 2 {
			headers[header[0]] = header[1]
		}
	}
	return headers
}

// Client is a publish/subscribe relay. Delivery is best effort: a message
// published while a subscriber is disconnected is not redelivered.
type Client interface {
	// Publish publishes a message to a subject
	Publish(ctx context.Context, subject string, data []byte, opts ...PublishOption) error
	// Subscribe subscribes to a subject. The callback runs on the
	// subscription's goroutine, one message at a time, in arrival order.
	Subscribe(ctx context.Context, subject string, cb MessageCallback) (Subscriber, error)
	// Ping checks that the relay is reachable
	Ping(ctx context.Context) error
	// Close closes the client and every subscription made through it
	Close() error
}
