package transport

import (
	"context"
	"sync"
	"time"

	"github.com/agentuity/go-cachesync/logger"
)

// NetworkStatus reports connectivity and notifies on changes.
type NetworkStatus interface {
	Online() bool
	Watch(fn func(online bool)) (unwatch func())
}

type watchers struct {
	mu   sync.Mutex
	next int
	fns  map[int]func(bool)
}

func (w *watchers) add(fn func(bool)) func() {
	w.mu.Lock()
	if w.fns == nil {
		w.fns = make(map[int]func(bool))
	}
	id := w.next
	w.next++
	w.fns[id] = fn
	w.mu.Unlock()
	return func() {
		w.mu.Lock()
		delete(w.fns, id)
		w.mu.Unlock()
	}
}

func (w *watchers) notify(online bool) {
	w.mu.Lock()
	fns := make([]func(bool), 0, len(w.fns))
	for _, fn := range w.fns {
		fns = append(fns, fn)
	}
	w.mu.Unlock()
	for _, fn := range fns {
		fn(online)
	}
}

// StaticStatus is a NetworkStatus toggled by the application.
type StaticStatus struct {
	mu       sync.Mutex
	online   bool
	watchers watchers
}

var _ NetworkStatus = (*StaticStatus)(nil)

func NewStaticStatus(online bool) *StaticStatus {
	return &StaticStatus{online: online}
}

func (s *StaticStatus) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// Set changes the status, notifying watchers when it differs.
func (s *StaticStatus) Set(online bool) {
	s.mu.Lock()
	changed := s.online != online
	s.online = online
	s.mu.Unlock()
	if changed {
		s.watchers.notify(online)
	}
}

func (s *StaticStatus) Watch(fn func(online bool)) func() {
	return s.watchers.add(fn)
}

// Pinger is implemented by relays that can report reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RelayProbe is a NetworkStatus derived from pinging the relay.
type RelayProbe struct {
	StaticStatus
	pinger   Pinger
	interval time.Duration
	timeout  time.Duration
	logger   logger.Logger
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewRelayProbe pings the relay once synchronously and then every interval
// until ctx is done or Close is called.
func NewRelayProbe(ctx context.Context, log logger.Logger, pinger Pinger, interval time.Duration) *RelayProbe {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(ctx)
	p := &RelayProbe{
		pinger:   pinger,
		interval: interval,
		timeout:  interval,
		logger:   log.With(map[string]interface{}{"component": "relay-probe"}),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	p.online = p.probe(ctx)
	go p.run(ctx)
	return p
}

func (p *RelayProbe) probe(ctx context.Context) bool {
	pctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.pinger.Ping(pctx); err != nil {
		p.logger.Debug("relay ping failed: %s", err)
		return false
	}
	return true
}

func (p *RelayProbe) run(ctx context.Context) {
	defer close(p.done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			online := p.probe(ctx)
			if online != p.Online() {
				p.logger.Info("relay is now %s", onlineString(online))
			}
			p.Set(online)
		}
	}
}

// Close stops probing.
func (p *RelayProbe) Close() {
	p.cancel()
	<-p.done
}

func onlineString(online bool) string {
	if online {
		return "online"
	}
	return "offline"
}
