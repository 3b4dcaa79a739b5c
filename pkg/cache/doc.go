// Package cache stores access tokens in Redis so that every process
// sharing a client identity reuses one token instead of requesting its
// own.
//
// # Basic Usage
//
//	redisClient := redis.NewClient(&redis.Options{
//		Addr: "localhost:6379",
//	})
//
//	manager := cache.NewManager(redisClient)
//
//	key := cache.TokenKey{
//		TenantID: "contoso.onmicrosoft.com",
//		ClientID: "00000000-0000-0000-0000-000000000000",
//		Scopes:   []string{"https://graph.microsoft.com/.default"},
//	}
//
//	tok, err := manager.Load(ctx, key)
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// request a new token, then:
//		_, _ = manager.Store(ctx, key, tok)
//	}
//
//	// after the service rejected tok:
//	_, _ = manager.Invalidate(ctx, key, tok.AccessToken)
//
// Entries are Redis hashes that expire ExpiryMargin before the token
// itself. Invalidate only removes an entry that still holds the rejected
// token.
//
// # Metrics
//
//   - graph_token_cache_lookups_total{result}
//   - graph_token_cache_stores_total{result}
//   - graph_token_cache_invalidations_total{result}
//   - graph_token_cache_errors_total{operation}
package cache
