// Package cache implements the tiered cache engine: a volatile in-process
// tier plus two durable tiers, with TTL expiry, tags, priorities, optional
// compression and background refresh.
//
// # Tiers
//
// Every operation names a [Tier]:
//
//   - [TierMemory]: sharded in-process map. Values are stored as-is, so
//     mutations through stored pointers are visible through the cache.
//     Lost on process restart.
//
//   - [TierLocal]: a persistent [DurableStore], typically [NewSQLiteStore]
//     with a file path. Survives restarts.
//
//   - [TierSession]: a [DurableStore] with session lifetime, typically
//     [NewSQLiteStore] with ":memory:" or [NewRedisStore] with
//     [WithClearOnClose]. Cleared when the [Service] closes.
//
// Durable tiers persist the whole entry (TTL window, tags, priority, refresh
// policy and compression flag) as a msgpack record, so metadata survives a
// restart.
//
// # Expiry
//
// Expiry is lazy. An entry past its expiry is never returned; it is deleted
// by the read that finds it. There is no background sweep.
//
// # Compression
//
// [WithCompression] asks [Service.Set] to encode values whose serialized size
// exceeds the threshold with the codec package. If encoding fails, the raw
// value is stored instead. On read, a payload that fails to decode is a miss.
// Neither case is reported to the caller.
//
// # Refresh
//
// An entry written with [WithRefresh] is refreshed in the background when a
// read passes [WithOnRefresh] and more than the threshold percentage of the
// reference duration (by default the entry's TTL) has elapsed since the last
// check:
//
//	v, ok := svc.Get(ctx, "report:42", cache.TierMemory,
//	    cache.WithOnRefresh(func(ctx context.Context, key string, cur any) (any, bool, error) {
//	        r, err := loadReport(ctx, 42)
//	        return r, err == nil, err
//	    }),
//	)
//
// [RefreshEager] starts the callback immediately on its own goroutine;
// [RefreshLazy] queues it for the refresh worker. The read always returns the
// current value. Refreshes are de-duplicated per key and bounded by
// [WithRefreshTimeout]; a failed or abandoned refresh keeps the current entry.
//
// # Eviction
//
// [WithMaxEntries] and [WithMemoryCeiling] bound the memory tier. When a
// write exceeds a bound, expired entries are evicted first, then entries by
// ascending [Priority], oldest first. [PriorityCritical] entries are never
// evicted before they expire. [WithSystemMemoryPercent] additionally drops
// [PriorityLow] entries while host memory usage is high.
//
// # Propagation
//
// Local writes, removals and clears are handed to a [Notifier], which the
// transport package implements to reach peers. Writes received from peers are
// applied with [Service.ApplySet], [Service.ApplyRemove] and
// [Service.ApplyClear], which never notify, so a peer's write is not echoed
// back.
package cache
