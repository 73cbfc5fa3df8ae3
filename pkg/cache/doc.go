// Package cache stores flipbook viewer payloads in Redis so repeated runs
// against the same document can revalidate instead of re-downloading.
//
// The viewer configuration (config.js) is the only payload cached. Page images
// are persisted on disk by the fetcher and never pass through this package.
//
// # Basic Usage
//
//	redisClient := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	manager := cache.NewManager(redisClient)
//
//	key := cache.ConfigKey("ousy/stby")
//	entry, err := manager.Get(ctx, key)
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// fetch config.js
//	}
//
// # Conditional Requests
//
// Stale entries are not discarded by the client: when an entry carries an ETag
// or Last-Modified value, the next config request is sent with If-None-Match or
// If-Modified-Since and a 304 reply refreshes the entry's TTL.
//
// # Metrics
//
//   - flipbook_cache_hits_total{layer="redis"}
//   - flipbook_cache_misses_total
//   - flipbook_cache_size_bytes{layer="redis"}
//   - flipbook_304_responses_total
//   - flipbook_conditional_requests_total
//   - flipbook_cache_errors_total{operation}
package cache
