package cache

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
)

const lazyQueueSize = 256

type refreshTask struct {
	tier    Tier
	key     string
	current any
	entry   *Entry
	fn      RefreshFunc
}

func (s *Service) refreshThreshold(e *Entry) time.Duration {
	ref := s.cfg.refreshReference
	if ref <= 0 {
		ref = e.ttl()
	}
	return ref * time.Duration(e.RefreshThresholdPercent) / 100
}

// checkRefresh schedules a background refresh when the entry is due. It never
// runs the callback inline.
func (s *Service) checkRefresh(ctx context.Context, store tier, t Tier, e *Entry, current any, opts []GetOption) {
	if len(opts) == 0 || e.RefreshStrategy == RefreshNone {
		return
	}
	var o GetOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.OnRefresh == nil {
		return
	}
	now := s.now()
	threshold := s.refreshThreshold(e)
	if now.Sub(e.LastRefreshCheck) <= threshold {
		return
	}
	if !s.markRefreshCheck(store, e, now, threshold) {
		return
	}
	task := refreshTask{tier: t, key: e.Key, current: current, entry: e, fn: o.OnRefresh}
	switch e.RefreshStrategy {
	case RefreshEager:
		s.spawn(func() { s.runRefresh(task) })
	case RefreshLazy:
		select {
		case s.lazy <- task:
		default:
			s.logger.Debug("lazy refresh queue full, running %s/%s directly", t, e.Key)
			s.spawn(func() { s.runRefresh(task) })
		}
	}
}

// markRefreshCheck records the check time. It returns false when another
// reader already claimed this refresh window. Durable records are left as
// written; their check times live in the tier.
func (s *Service) markRefreshCheck(store tier, e *Entry, now time.Time, threshold time.Duration) bool {
	if mt, ok := store.(*memoryTier); ok {
		sh := mt.shardFor(e.Key)
		sh.mu.Lock()
		defer sh.mu.Unlock()
		cur, ok := sh.entries[e.Key]
		if !ok || !cur.LastRefreshCheck.Equal(e.LastRefreshCheck) {
			return false
		}
		cur.LastRefreshCheck = now
		return true
	}
	if dt, ok := store.(*durableTier); ok {
		return dt.claimRefreshCheck(e, now, threshold)
	}
	return false
}

func (s *Service) spawn(fn func()) bool {
	s.spawnMu.Lock()
	defer s.spawnMu.Unlock()
	if s.closed.Load() {
		return false
	}
	s.waitGroup.Add(1)
	go func() {
		defer s.waitGroup.Done()
		fn()
	}()
	return true
}

func (s *Service) runLazyRefresh() {
	defer s.waitGroup.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case task := <-s.lazy:
			s.runRefresh(task)
		}
	}
}

// runRefresh invokes the callback once per tier/key at a time and writes its
// result back. A failed refresh leaves the existing entry untouched.
func (s *Service) runRefresh(task refreshTask) {
	_, _, _ = s.flight.Do(string(task.tier)+"/"+task.key, func() (any, error) {
		s.stats.refreshes.Add(1)
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.refreshTimeout)
		defer cancel()
		value, ok, err := callRefresh(ctx, task)
		if err != nil {
			s.stats.refreshFailures.Add(1)
			s.logger.Warn("refresh of %s/%s failed, keeping current value: %s", task.tier, task.key, err)
			return nil, nil
		}
		if !ok {
			return nil, nil
		}
		e := task.entry
		if !s.unchangedSince(task) {
			s.logger.Debug("refresh result for %s/%s dropped, entry was rewritten", task.tier, task.key)
			return nil, nil
		}
		opts := []SetOption{
			WithPriority(e.Priority),
			WithTags(e.Tags...),
			WithRefresh(e.RefreshStrategy, e.RefreshThresholdPercent),
		}
		if e.UseCompression || e.Encoded {
			opts = append(opts, WithCompression(e.CompressionThreshold))
		}
		if err := s.Set(s.ctx, task.key, value, e.ttl(), task.tier, opts...); err != nil {
			s.logger.Debug("refresh result for %s/%s not stored: %s", task.tier, task.key, err)
		}
		return nil, nil
	})
}

// unchangedSince reports whether the entry the refresh started from is still
// the one stored. A write that landed meanwhile wins over the refresh.
func (s *Service) unchangedSince(task refreshTask) bool {
	store, ok := s.tierFor(task.tier)
	if !ok {
		return false
	}
	cur, ok := store.load(s.ctx, task.key)
	return ok && cur.CreatedAt.Equal(task.entry.CreatedAt)
}

// callRefresh runs fn and abandons it when ctx is done, so a callback that
// never returns cannot pin the refresh slot.
func callRefresh(ctx context.Context, task refreshTask) (any, bool, error) {
	type result struct {
		value any
		ok    bool
		err   error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: errors.Newf("refresh panic: %v", r)}
			}
		}()
		v, ok, err := task.fn(ctx, task.key, task.current)
		done <- result{v, ok, err}
	}()
	select {
	case r := <-done:
		return r.value, r.ok, r.err
	case <-ctx.Done():
		return nil, false, errors.Wrap(ctx.Err(), "refresh abandoned")
	}
}
