// Package auth attaches bearer tokens to outgoing requests.
//
// A TokenAuthenticator holds one token per process and refreshes it only
// when it expires or the service rejects it with 401. Concurrent callers
// share a single refresh. With a cache.Manager configured, tokens are
// also shared through Redis between processes using the same client
// identity.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/Sternrassler/graph-batch-client/pkg/cache"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// DefaultScope requests every application permission granted to the client.
const DefaultScope = "https://graph.microsoft.com/.default"

// tokenURLTemplate is the v2 token endpoint; %s is the tenant.
const tokenURLTemplate = "https://login.microsoftonline.com/%s/oauth2/v2.0/token"

// ErrNoCredentials is returned when neither a static token nor client
// credentials are configured.
var ErrNoCredentials = errors.New("no credentials configured")

// Config configures a TokenAuthenticator.
type Config struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	Scopes       []string

	// TokenURL overrides the endpoint derived from TenantID.
	TokenURL string

	// StaticToken bypasses the client credentials flow.
	StaticToken string

	// Cache shares tokens between processes. Optional.
	Cache *cache.Manager

	// HTTPClient is used for token requests. Optional.
	HTTPClient *http.Client

	Logger *zerolog.Logger
}

// DefaultConfig returns a config requesting DefaultScope.
func DefaultConfig() Config {
	return Config{Scopes: []string{DefaultScope}}
}

// Validate checks that exactly one credential mode is configured.
func (c Config) Validate() error {
	hasClient := c.ClientID != "" || c.ClientSecret != ""
	if c.StaticToken != "" {
		if hasClient {
			return fmt.Errorf("static_token and client credentials are mutually exclusive")
		}
		return nil
	}
	if !hasClient {
		return ErrNoCredentials
	}
	if c.ClientID == "" || c.ClientSecret == "" {
		return fmt.Errorf("client_id and client_secret are both required")
	}
	if c.TenantID == "" && c.TokenURL == "" {
		return fmt.Errorf("tenant_id or token_url is required")
	}
	if len(c.Scopes) == 0 {
		return fmt.Errorf("at least one scope is required")
	}
	return nil
}

// TokenAuthenticator implements client.Authenticator and
// client.Invalidator.
type TokenAuthenticator struct {
	fetch  func(ctx context.Context) (*oauth2.Token, error)
	cache  *cache.Manager
	key    cache.TokenKey
	logger zerolog.Logger

	mu    sync.Mutex
	token *oauth2.Token
}

// New creates an authenticator from cfg.
func New(cfg Config) (*TokenAuthenticator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid auth config: %w", err)
	}

	logger := log.With().Str("component", "auth").Logger()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	a := &TokenAuthenticator{logger: logger}

	if cfg.StaticToken != "" {
		static := &oauth2.Token{AccessToken: cfg.StaticToken, TokenType: "Bearer"}
		a.fetch = func(context.Context) (*oauth2.Token, error) { return static, nil }
		return a, nil
	}

	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		tokenURL = fmt.Sprintf(tokenURLTemplate, cfg.TenantID)
	}
	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     tokenURL,
		Scopes:       cfg.Scopes,
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	httpClient := cfg.HTTPClient
	a.fetch = func(ctx context.Context) (*oauth2.Token, error) {
		if httpClient != nil {
			ctx = context.WithValue(ctx, oauth2.HTTPClient, httpClient)
		}
		return cc.Token(ctx)
	}
	a.cache = cfg.Cache
	a.key = cache.TokenKey{TenantID: cfg.TenantID, ClientID: cfg.ClientID, Scopes: cfg.Scopes}
	if cfg.TenantID == "" {
		a.key.TenantID = tokenURL
	}
	return a, nil
}

// Authenticate sets the Authorization header of req.
func (a *TokenAuthenticator) Authenticate(ctx context.Context, req *http.Request) error {
	tok, err := a.Token(ctx)
	if err != nil {
		return err
	}
	tok.SetAuthHeader(req)
	return nil
}

// Token returns a valid token, refreshing it if needed.
func (a *TokenAuthenticator) Token(ctx context.Context) (*oauth2.Token, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.token.Valid() {
		return a.token, nil
	}

	if a.cache != nil {
		tok, err := a.cache.Load(ctx, a.key)
		switch {
		case err == nil:
			a.token = tok
			a.logger.Debug().Time("expiry", a.token.Expiry).Msg("Token served from cache")
			return a.token, nil
		case !errors.Is(err, cache.ErrCacheMiss):
			a.logger.Warn().Err(err).Msg("Token cache read failed")
		}
	}

	tok, err := a.fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire token: %w", err)
	}
	if strings.TrimSpace(tok.AccessToken) == "" {
		return nil, fmt.Errorf("acquire token: empty access token")
	}

	if a.cache != nil {
		if _, err := a.cache.Store(ctx, a.key, tok); err != nil {
			a.logger.Warn().Err(err).Msg("Token cache write failed")
		}
	}

	a.logger.Info().Time("expiry", tok.Expiry).Msg("Token acquired")
	a.token = tok
	return tok, nil
}

// Invalidate drops the held token so the next Authenticate fetches a new
// one. The shared cache entry is removed only if it still holds the
// rejected token.
func (a *TokenAuthenticator) Invalidate(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()

	rejected := a.token
	a.token = nil
	if a.cache != nil && rejected != nil {
		removed, err := a.cache.Invalidate(ctx, a.key, rejected.AccessToken)
		if err != nil {
			a.logger.Warn().Err(err).Msg("Token cache invalidation failed")
		} else if !removed {
			a.logger.Debug().Msg("Cached token already replaced")
		}
	}
	a.logger.Debug().Msg("Token invalidated")
}
