package cache

import (
	"context"
	"sort"
	"time"

	"github.com/shirou/gopsutil/v4/mem"
)

// pressureInterval throttles host memory probes.
const pressureInterval = time.Second

func systemMemoryPercent() (float64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return vm.UsedPercent, nil
}

func (s *Service) overLimit(count int, bytes int64) bool {
	if s.cfg.maxEntries > 0 && count > s.cfg.maxEntries {
		return true
	}
	return s.cfg.memoryCeiling > 0 && bytes > s.cfg.memoryCeiling
}

// enforceLimits evicts memory tier entries until the configured bounds hold.
// Expired entries go first, then lower priorities, then older entries.
// Critical entries are only evicted once expired.
func (s *Service) enforceLimits(ctx context.Context) {
	s.relievePressure(ctx)
	if s.cfg.maxEntries <= 0 && s.cfg.memoryCeiling <= 0 {
		return
	}
	count, bytes := s.memory.usage()
	if !s.overLimit(count, bytes) {
		return
	}
	now := s.now()
	candidates := s.memory.snapshot()
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if ax, bx := a.expired(now), b.expired(now); ax != bx {
			return ax
		}
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	for _, e := range candidates {
		if !s.overLimit(count, bytes) {
			break
		}
		if e.Priority == PriorityCritical && !e.expired(now) {
			continue
		}
		if s.memory.delete(ctx, e.Key) {
			count--
			bytes -= int64(e.size)
			s.stats.evictions.Add(1)
			s.logger.Trace("evicted %s (priority %s)", e.Key, e.Priority)
		}
	}
	if s.overLimit(count, bytes) {
		s.logger.Debug("memory tier still over limit after eviction: %d entries, %d bytes", count, bytes)
	}
}

// relievePressure drops low priority memory entries while host memory usage
// is above the configured percentage.
func (s *Service) relievePressure(ctx context.Context) {
	if s.cfg.systemPercent <= 0 || s.cfg.memoryProbe == nil {
		return
	}
	now := s.now()
	s.pressureMu.Lock()
	if now.Sub(s.pressureCheck) < pressureInterval {
		s.pressureMu.Unlock()
		return
	}
	s.pressureCheck = now
	s.pressureMu.Unlock()

	used, err := s.cfg.memoryProbe()
	if err != nil {
		s.logger.Debug("memory probe failed: %s", err)
		return
	}
	if used <= s.cfg.systemPercent {
		return
	}
	var n int
	for _, e := range s.memory.snapshot() {
		if e.Priority == PriorityLow && s.memory.delete(ctx, e.Key) {
			n++
		}
	}
	if n > 0 {
		s.stats.evictions.Add(int64(n))
		s.logger.Info("host memory at %.1f%%, evicted %d low priority entries", used, n)
	}
}
