package cache

import "sync/atomic"

type counters struct {
	sets            atomic.Int64
	hits            atomic.Int64
	misses          atomic.Int64
	expirations     atomic.Int64
	evictions       atomic.Int64
	invalidations   atomic.Int64
	refreshes       atomic.Int64
	refreshFailures atomic.Int64
	codecFailures   atomic.Int64
	malformed       atomic.Int64
	applied         atomic.Int64
}

// Stats is a point-in-time snapshot of service counters.
type Stats struct {
	Sets            int64 `json:"sets"`
	Hits            int64 `json:"hits"`
	Misses          int64 `json:"misses"`
	Expirations     int64 `json:"expirations"`
	Evictions       int64 `json:"evictions"`
	Invalidations   int64 `json:"invalidations"`
	Refreshes       int64 `json:"refreshes"`
	RefreshFailures int64 `json:"refresh_failures"`
	CodecFailures   int64 `json:"codec_failures"`
	Malformed       int64 `json:"malformed"`
	Applied         int64 `json:"applied"`
	MemoryEntries   int   `json:"memory_entries"`
	MemoryBytes     int64 `json:"memory_bytes"`
}

// Stats returns a snapshot of the service counters.
func (s *Service) Stats() Stats {
	count, bytes := s.memory.usage()
	return Stats{
		Sets:            s.stats.sets.Load(),
		Hits:            s.stats.hits.Load(),
		Misses:          s.stats.misses.Load(),
		Expirations:     s.stats.expirations.Load(),
		Evictions:       s.stats.evictions.Load(),
		Invalidations:   s.stats.invalidations.Load(),
		Refreshes:       s.stats.refreshes.Load(),
		RefreshFailures: s.stats.refreshFailures.Load(),
		CodecFailures:   s.stats.codecFailures.Load(),
		Malformed:       s.stats.malformed.Load(),
		Applied:         s.stats.applied.Load(),
		MemoryEntries:   count,
		MemoryBytes:     bytes,
	}
}
