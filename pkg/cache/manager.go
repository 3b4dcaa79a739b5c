package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2"
)

var (
	// ErrCacheMiss means no usable token is stored under the key.
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidEntry means the stored hash could not be decoded.
	ErrInvalidEntry = errors.New("invalid cache entry")
)

// invalidateScript deletes the entry only while it still holds the token
// being invalidated, so a process rejecting an old token never removes the
// replacement another process already stored.
var invalidateScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], ARGV[1]) == ARGV[2] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Manager shares access tokens through Redis.
type Manager struct {
	redis *redis.Client
}

// NewManager creates a token cache on redisClient.
func NewManager(redisClient *redis.Client) *Manager {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &Manager{redis: redisClient}
}

// Load returns the token stored under key. Tokens within ExpiryMargin of
// their expiry are reported as ErrCacheMiss.
func (m *Manager) Load(ctx context.Context, key TokenKey) (*oauth2.Token, error) {
	h, err := m.redis.HGetAll(ctx, key.String()).Result()
	if err != nil {
		tokenCacheErrors.WithLabelValues("load").Inc()
		return nil, fmt.Errorf("redis hgetall: %w", err)
	}
	if len(h) == 0 {
		tokenCacheLookups.WithLabelValues("miss").Inc()
		return nil, ErrCacheMiss
	}

	entry, err := entryFromFields(h)
	if err != nil {
		tokenCacheLookups.WithLabelValues("invalid").Inc()
		return nil, err
	}
	if entry.IsExpired() {
		tokenCacheLookups.WithLabelValues("expired").Inc()
		return nil, ErrCacheMiss
	}

	tokenCacheLookups.WithLabelValues("hit").Inc()
	return entry.Token(), nil
}

// Store saves tok under key until ExpiryMargin before it expires. Tokens
// without an expiry, or already inside the margin, are not stored and
// Store reports false.
func (m *Manager) Store(ctx context.Context, key TokenKey, tok *oauth2.Token) (bool, error) {
	if tok == nil || tok.AccessToken == "" {
		return false, fmt.Errorf("token cannot be empty")
	}

	entry := EntryFromToken(tok)
	ttl := entry.TTL()
	if ttl <= 0 {
		tokenCacheStores.WithLabelValues("skipped").Inc()
		return false, nil
	}

	k := key.String()
	pipe := m.redis.TxPipeline()
	pipe.Del(ctx, k)
	pipe.HSet(ctx, k, entry.fields())
	pipe.PExpire(ctx, k, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		tokenCacheErrors.WithLabelValues("store").Inc()
		return false, fmt.Errorf("redis store: %w", err)
	}

	tokenCacheStores.WithLabelValues("stored").Inc()
	return true, nil
}

// Invalidate removes the entry under key if it still holds accessToken.
// It reports whether an entry was removed.
func (m *Manager) Invalidate(ctx context.Context, key TokenKey, accessToken string) (bool, error) {
	n, err := invalidateScript.Run(ctx, m.redis, []string{key.String()}, fieldAccessToken, accessToken).Int()
	if err != nil {
		tokenCacheErrors.WithLabelValues("invalidate").Inc()
		return false, fmt.Errorf("redis invalidate: %w", err)
	}
	if n == 0 {
		tokenCacheInvalidations.WithLabelValues("superseded").Inc()
		return false, nil
	}
	tokenCacheInvalidations.WithLabelValues("removed").Inc()
	return true, nil
}
