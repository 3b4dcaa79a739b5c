package cache

import (
	"fmt"
	"strconv"
	"time"

	"golang.org/x/oauth2"
)

// ExpiryMargin is subtracted from a token's expiry when deciding whether
// it may still be served.
const ExpiryMargin = time.Minute

// TokenEntry is a cached access token.
type TokenEntry struct {
	AccessToken string
	TokenType   string
	Expiry      time.Time

	// CachedAt is when the token was stored.
	CachedAt time.Time
}

// Hash field names of a stored entry.
const (
	fieldAccessToken = "access_token"
	fieldTokenType   = "token_type"
	fieldExpiry      = "expiry_unix_ms"
	fieldCachedAt    = "cached_at_unix_ms"
)

func (e *TokenEntry) fields() map[string]any {
	return map[string]any{
		fieldAccessToken: e.AccessToken,
		fieldTokenType:   e.TokenType,
		fieldExpiry:      e.Expiry.UnixMilli(),
		fieldCachedAt:    e.CachedAt.UnixMilli(),
	}
}

// entryFromFields decodes a stored hash. Every field must be present.
func entryFromFields(h map[string]string) (*TokenEntry, error) {
	tok := h[fieldAccessToken]
	if tok == "" {
		return nil, fmt.Errorf("%w: empty access token", ErrInvalidEntry)
	}
	expiry, err := strconv.ParseInt(h[fieldExpiry], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: expiry: %v", ErrInvalidEntry, err)
	}
	cachedAt, err := strconv.ParseInt(h[fieldCachedAt], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: cached_at: %v", ErrInvalidEntry, err)
	}
	return &TokenEntry{
		AccessToken: tok,
		TokenType:   h[fieldTokenType],
		Expiry:      time.UnixMilli(expiry),
		CachedAt:    time.UnixMilli(cachedAt),
	}, nil
}

// EntryFromToken converts an oauth2 token.
func EntryFromToken(tok *oauth2.Token) *TokenEntry {
	return &TokenEntry{
		AccessToken: tok.AccessToken,
		TokenType:   tok.Type(),
		Expiry:      tok.Expiry,
		CachedAt:    time.Now(),
	}
}

// Token converts the entry back into an oauth2 token.
func (e *TokenEntry) Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken: e.AccessToken,
		TokenType:   e.TokenType,
		Expiry:      e.Expiry,
	}
}

// IsExpired reports whether the token is within ExpiryMargin of its expiry.
// Tokens without an expiry never expire.
func (e *TokenEntry) IsExpired() bool {
	if e.Expiry.IsZero() {
		return false
	}
	return time.Now().After(e.Expiry.Add(-ExpiryMargin))
}

// TTL returns how long the entry may stay cached.
// Returns 0 if already expired or if the token has no expiry.
func (e *TokenEntry) TTL() time.Duration {
	if e.Expiry.IsZero() {
		return 0
	}
	ttl := time.Until(e.Expiry.Add(-ExpiryMargin))
	if ttl < 0 {
		return 0
	}
	return ttl
}
