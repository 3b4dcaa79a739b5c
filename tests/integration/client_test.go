//go:build integration

package integration

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Sternrassler/graph-batch-client/internal/testutil"
	"github.com/Sternrassler/graph-batch-client/pkg/auth"
	"github.com/Sternrassler/graph-batch-client/pkg/cache"
	"github.com/Sternrassler/graph-batch-client/pkg/client"
	"github.com/Sternrassler/graph-batch-client/pkg/dispatcher"
	"github.com/Sternrassler/graph-batch-client/pkg/handler"
	"github.com/Sternrassler/graph-batch-client/pkg/ratelimit"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis creates a Redis container for integration testing.
func setupRedis(t *testing.T) (*redis.Client, func()) {
	t.Helper()

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := container.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr: host + ":" + port.Port(),
	})

	cleanup := func() {
		redisClient.Close()
		container.Terminate(ctx)
	}

	return redisClient, cleanup
}

func quietLogger() *zerolog.Logger {
	l := zerolog.New(os.Stderr).Level(zerolog.Disabled)
	return &l
}

// tokenServer issues tok-1, tok-2, ... and counts requests.
func tokenServer(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"access_token":"tok-%d","token_type":"Bearer","expires_in":3600}`, n)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func newAuthenticator(t *testing.T, tokenURL string, manager *cache.Manager) *auth.TokenAuthenticator {
	t.Helper()
	cfg := auth.DefaultConfig()
	cfg.ClientID = "client"
	cfg.ClientSecret = "secret"
	cfg.TokenURL = tokenURL
	cfg.Cache = manager
	cfg.Logger = quietLogger()
	a, err := auth.New(cfg)
	if err != nil {
		t.Fatalf("auth.New() error = %v", err)
	}
	return a
}

// TestSharedTokenCache checks that processes sharing Redis fetch one token.
func TestSharedTokenCache(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	srv, calls := tokenServer(t)
	manager := cache.NewManager(redisClient)
	ctx := context.Background()

	first := newAuthenticator(t, srv.URL, manager)
	second := newAuthenticator(t, srv.URL, manager)

	tok1, err := first.Token(ctx)
	if err != nil {
		t.Fatalf("first.Token() error = %v", err)
	}
	tok2, err := second.Token(ctx)
	if err != nil {
		t.Fatalf("second.Token() error = %v", err)
	}

	if tok1.AccessToken != tok2.AccessToken {
		t.Errorf("second token = %q, want %q", tok2.AccessToken, tok1.AccessToken)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("token requests = %d, want 1", n)
	}

	// Invalidation removes the shared entry, so the next caller fetches.
	first.Invalidate(ctx)
	third := newAuthenticator(t, srv.URL, manager)
	tok3, err := third.Token(ctx)
	if err != nil {
		t.Fatalf("third.Token() error = %v", err)
	}
	if tok3.AccessToken != "tok-2" {
		t.Errorf("token after invalidate = %q, want tok-2", tok3.AccessToken)
	}
}

// TestSharedThrottleWindow checks that a throttle seen by one sender
// gates another sender using the same Redis.
func TestSharedThrottleWindow(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	newSender := func() *client.Sender {
		cfg := client.DefaultConfig()
		cfg.Logger = quietLogger()
		cfg.Tracker = ratelimit.NewTracker(redisClient, ratelimit.DefaultConfig(), zerolog.Nop())
		s, err := client.NewSender(cfg)
		if err != nil {
			t.Fatalf("NewSender() error = %v", err)
		}
		return s
	}
	a, b := newSender(), newSender()
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/me", nil)
		resp, err := a.Send(ctx, req, 0)
		if err != nil {
			t.Errorf("a.Send() error = %v", err)
			return
		}
		resp.Body.Close()
	}()

	// Wait until a has recorded the window.
	state := ratelimit.NewTracker(redisClient, ratelimit.DefaultConfig(), zerolog.Nop())
	deadline := time.Now().Add(5 * time.Second)
	for {
		s, err := state.GetState(ctx)
		if err != nil {
			t.Fatalf("GetState() error = %v", err)
		}
		if s.IsThrottled() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("throttle window was not shared")
		}
		time.Sleep(10 * time.Millisecond)
	}

	start := time.Now()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/me", nil)
	resp, err := b.Send(ctx, req, 0)
	if err != nil {
		t.Fatalf("b.Send() error = %v", err)
	}
	resp.Body.Close()
	if elapsed := time.Since(start); elapsed < 500*time.Millisecond {
		t.Errorf("b sent after %v, want it held by the shared window", elapsed)
	}

	wg.Wait()
}

// TestFullRequestFlow runs a partitioned scan through the dispatcher with
// a Redis-backed tracker and cached credentials.
func TestFullRequestFlow(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	mock := testutil.NewMockGraph()
	defer mock.Close()
	mock.SetHandler("/users/u1/messages", testutil.CollectionHandler(450, 100, func(i int) any {
		return map[string]any{"id": fmt.Sprintf("m%d", i)}
	}))
	mock.ThrottleNext("/users/u1/messages", 2, "1")

	srv, calls := tokenServer(t)

	scfg := client.DefaultConfig()
	scfg.Logger = quietLogger()
	scfg.Authenticator = newAuthenticator(t, srv.URL, cache.NewManager(redisClient))
	scfg.Tracker = ratelimit.NewTracker(redisClient, ratelimit.DefaultConfig(), zerolog.Nop())
	sender, err := client.NewSender(scfg)
	if err != nil {
		t.Fatalf("NewSender() error = %v", err)
	}

	dcfg := dispatcher.DefaultConfig(sender)
	dcfg.BaseURL = mock.URL()
	dcfg.Concurrency = 4
	dcfg.IdleFlush = 20 * time.Millisecond
	dcfg.Logger = quietLogger()
	d, err := dispatcher.New(dcfg)
	if err != nil {
		t.Fatalf("dispatcher.New() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	q := handler.NewQuery(d, "messages", handler.PartitioningConstructor[map[string]any](),
		handler.WithPartitions(4, 100))
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, mock.URL()+"/users/u1/messages", nil)
	if err := q.Submit(req); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	q.Close()

	items, err := q.Collect(ctx)
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if len(items) != 450 {
		t.Errorf("items = %d, want 450", len(items))
	}

	seen := make(map[string]bool, len(items))
	for _, it := range items {
		id, _ := it["id"].(string)
		if seen[id] {
			t.Errorf("duplicate item %s", id)
		}
		seen[id] = true
	}

	if err := d.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("token requests = %d, want 1", n)
	}
	if got := mock.LastAuthorization(); got != "Bearer tok-1" {
		t.Errorf("Authorization = %q, want %q", got, "Bearer tok-1")
	}
}
