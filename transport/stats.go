package transport

import "sync/atomic"

type counters struct {
	enqueued      atomic.Int64
	sentBus       atomic.Int64
	sentRelay     atomic.Int64
	received      atomic.Int64
	applied       atomic.Int64
	ignoredSelf   atomic.Int64
	malformed     atomic.Int64
	pings         atomic.Int64
	relayFailures atomic.Int64
	unencodable   atomic.Int64
}

// Stats is a point-in-time snapshot of transport counters.
type Stats struct {
	State State `json:"state"`
	// Queued counts items not yet delivered to the relay, or to the local
	// bus when they have not been flushed at all.
	Queued        int   `json:"queued"`
	Enqueued      int64 `json:"enqueued"`
	SentBus       int64 `json:"sent_bus"`
	SentRelay     int64 `json:"sent_relay"`
	Received      int64 `json:"received"`
	Applied       int64 `json:"applied"`
	IgnoredSelf   int64 `json:"ignored_self"`
	Malformed     int64 `json:"malformed"`
	Pings         int64 `json:"pings"`
	RelayFailures int64 `json:"relay_failures"`
	Unencodable   int64 `json:"unencodable"`
}

func (t *Transport) Stats() Stats {
	t.mu.Lock()
	queued := len(t.pending) + len(t.relayBacklog)
	state := t.state
	t.mu.Unlock()
	return Stats{
		State:         state,
		Queued:        queued,
		Enqueued:      t.stats.enqueued.Load(),
		SentBus:       t.stats.sentBus.Load(),
		SentRelay:     t.stats.sentRelay.Load(),
		Received:      t.stats.received.Load(),
		Applied:       t.stats.applied.Load(),
		IgnoredSelf:   t.stats.ignoredSelf.Load(),
		Malformed:     t.stats.malformed.Load(),
		Pings:         t.stats.pings.Load(),
		RelayFailures: t.stats.relayFailures.Load(),
		Unencodable:   t.stats.unencodable.Load(),
	}
}
