// Package cache provides a two-tier client-side data cache with TTL expiry,
// stale-while-revalidate reads and pattern invalidation.
//
// # Store
//
// A [Store] keeps every entry in a bounded in-process LRU and mirrors it to a
// [Durable] tier. Durable keys are namespaced by a version tag
// ("v1_lessonPlans_42"), so bumping the version with [WithVersion] orphans
// everything persisted under the old one.
//
// Three durable tiers are provided:
//
//   - [NewMemoryDurable] keeps bytes in a map. It is the default when no tier
//     is given and is useful in tests because [WithQuota] is enforced exactly.
//
//   - [NewSQLite] is backed by [modernc.org/sqlite] (pure Go, no CGO). The
//     quota maps to max_page_count and a full database surfaces as
//     [ErrQuotaExceeded].
//
//   - [NewRedis] is backed by [github.com/redis/go-redis/v9]. Values carry no
//     native Redis TTL because expiry is decided by the reader. An OOM reply
//     surfaces as [ErrQuotaExceeded].
//
// Entries are persisted as JSON:
//
//	{"data": ..., "timestamp": 1700000000000, "ttl": 300000, "expiresAt": 1700000300000}
//
// ttl and expiresAt are null for entries written with [NoExpiry].
//
// Durable failures never reach the caller. A write that hits the quota
// triggers one [Store.ClearExpired] sweep and a single retry; if that fails
// too the entry lives in memory only. Entries that cannot be parsed are
// deleted when read.
//
// # Reading through
//
// A [Coordinator] answers reads with [Fetch]:
//
//	plans, stale, err := cache.Fetch(ctx, coord, cache.FetchConfig[[]Plan]{
//	    Key: "lessonPlans_" + schemeID,
//	    TTL: 10 * time.Minute,
//	}, func(ctx context.Context) ([]Plan, error) {
//	    return api.ListPlans(ctx, schemeID)
//	})
//
// A fresh entry is returned without calling the producer. An expired entry is
// returned immediately with stale set, and one deferred background refresh is
// scheduled for the key no matter how many reads arrive before it runs. A
// miss blocks on the producer; concurrent misses for the same key share one
// call. If the producer fails and an expired value exists it is returned as a
// fallback, otherwise the producer's error is returned unchanged.
//
// Deleting a key cancels its pending refresh. A producer already in flight
// when its key is deleted still returns its value to the caller, but the
// value is not written back.
//
// # Notifications
//
// Every successful background refresh is broadcast through an
// [eventing.Client] on "<version>.refreshed.<key>". Use
// [Coordinator.Subscribe] or [OnRefreshed] to receive them. Delivery is
// best-effort and nothing is replayed to late subscribers.
package cache
