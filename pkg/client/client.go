// Package client sends single HTTP requests to the Graph service with a
// bounded retry policy that tells throttling, transient failure and stale
// credentials apart.
package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/Sternrassler/graph-batch-client/pkg/ratelimit"
	"github.com/Sternrassler/graph-batch-client/pkg/request"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for send operations.
var (
	graphRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "graph_requests_total",
		Help: "Total Graph HTTP attempts by endpoint and status",
	}, []string{"endpoint", "status"})

	graphRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "graph_request_duration_seconds",
		Help:    "Graph HTTP attempt duration in seconds by endpoint",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"endpoint"})

	graphErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "graph_errors_total",
		Help: "Total Graph errors by class",
	}, []string{"class"})
)

// Authenticator attaches a credential to a request. It is called once per
// attempt, concurrently, and must serve a cached credential.
type Authenticator interface {
	Authenticate(ctx context.Context, req *http.Request) error
}

// Invalidator is implemented by authenticators that can drop their cached
// credential. The sender calls it after a 401.
type Invalidator interface {
	Invalidate(ctx context.Context)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context, req *http.Request) error

// Authenticate calls f.
func (f AuthenticatorFunc) Authenticate(ctx context.Context, req *http.Request) error {
	return f(ctx, req)
}

// Config holds the sender configuration.
type Config struct {
	// HTTPClient performs attempts. Defaults to a client with Timeout.
	HTTPClient *http.Client

	// Timeout for the default HTTP client.
	Timeout time.Duration

	// Authenticator is optional; nil sends requests unauthenticated.
	Authenticator Authenticator

	// Retry budgets.
	Retry RetryPolicy

	// Tracker shares throttle windows and paces attempts. Optional.
	Tracker *ratelimit.Tracker

	// UserAgent header; left alone when empty.
	UserAgent string

	// Logger overrides the component logger.
	Logger *zerolog.Logger
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig() Config {
	return Config{
		Timeout: 100 * time.Second,
		Retry:   DefaultRetryPolicy(),
	}
}

// Sender sends one request at a time with retries. It is safe for
// concurrent use.
type Sender struct {
	httpClient *http.Client
	auth       Authenticator
	policy     RetryPolicy
	tracker    *ratelimit.Tracker
	userAgent  string
	logger     zerolog.Logger
}

// NewSender creates a sender.
func NewSender(cfg Config) (*Sender, error) {
	if err := cfg.Retry.Validate(); err != nil {
		return nil, err
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultConfig().Timeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	logger := log.With().Str("component", "graph-sender").Logger()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	return &Sender{
		httpClient: httpClient,
		auth:       cfg.Authenticator,
		policy:     cfg.Retry,
		tracker:    cfg.Tracker,
		userAgent:  cfg.UserAgent,
		logger:     logger,
	}, nil
}

// Do sends req with no initial delay.
func (s *Sender) Do(req *http.Request) (*http.Response, error) {
	return s.Send(req.Context(), req, 0)
}

// Send waits initialDelay, then sends req until it succeeds, returns an
// unretryable status or exhausts a retry budget. A 429 that outlives the
// throttle budget is returned as a response, not an error. req is cloned
// per attempt and never consumed.
func (s *Sender) Send(ctx context.Context, req *http.Request, initialDelay time.Duration) (*http.Response, error) {
	endpoint := req.URL.Path

	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		return nil, fmt.Errorf("request body for %s is not replayable", req.URL.Redacted())
	}

	if err := sleep(ctx, initialDelay); err != nil {
		return nil, err
	}

	var state RetryState
	for attempt := 1; ; attempt++ {
		if s.tracker != nil {
			if err := s.tracker.Wait(ctx); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrContextCancelled, err)
			}
		}

		clone, err := s.prepare(ctx, req)
		if err != nil {
			s.logger.Warn().
				Err(err).
				Str("endpoint", endpoint).
				Int("attempt", attempt).
				Msg("Request could not be prepared")
			return nil, err
		}

		resp, err := s.attempt(clone, endpoint)
		if err != nil && ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrContextCancelled, context.Cause(ctx))
		}

		decision := state.Next(s.policy, resp, err)
		if decision.Class != "" {
			graphErrorsTotal.WithLabelValues(string(decision.Class)).Inc()
		}

		switch decision.Action {
		case ActionReturn:
			if decision.Class != "" {
				s.logger.Debug().
					Str("endpoint", endpoint).
					Int("status", resp.StatusCode).
					Str("error_class", string(decision.Class)).
					Int("attempt", attempt).
					Msg("Returning unretried response")
			}
			if decision.Class == ErrorClassThrottle {
				graphRetryExhaustedTotal.WithLabelValues(string(decision.Class)).Inc()
			}
			return resp, nil

		case ActionFail:
			graphRetryExhaustedTotal.WithLabelValues(string(decision.Class)).Inc()
			s.logger.Warn().
				Err(err).
				Str("endpoint", endpoint).
				Int("attempts", attempt).
				Msg("Retry attempts exhausted")
			return nil, fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, attempt, err)
		}

		// ActionRetry
		if resp != nil {
			drain(resp)
		}
		s.onRetry(ctx, decision)

		graphRetriesTotal.WithLabelValues(string(decision.Class)).Inc()
		graphRetryBackoffSeconds.WithLabelValues(string(decision.Class)).Observe(decision.Delay.Seconds())

		ev := s.logger.Warn().
			Str("endpoint", endpoint).
			Str("error_class", string(decision.Class)).
			Int("attempt", attempt).
			Int("throttle_retries", state.Throttled).
			Int("transient_retries", state.Transient).
			Dur("backoff", decision.Delay)
		if err != nil {
			ev = ev.Err(err)
		}
		ev.Msg("Retrying request after backoff")

		if err := sleep(ctx, decision.Delay); err != nil {
			s.logger.Warn().
				Str("error_class", string(decision.Class)).
				Int("attempt", attempt).
				Msg("Context cancelled during retry backoff")
			return nil, err
		}
	}
}

// prepare clones req for one attempt and attaches credentials. Its errors
// end the send.
func (s *Sender) prepare(ctx context.Context, req *http.Request) (*http.Request, error) {
	clone, err := request.Clone(ctx, req)
	if err != nil {
		return nil, err
	}
	if s.userAgent != "" {
		clone.Header.Set("User-Agent", s.userAgent)
	}
	if s.auth != nil {
		if err := s.auth.Authenticate(ctx, clone); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrAuthentication, err)
		}
	}
	return clone, nil
}

func (s *Sender) attempt(clone *http.Request, endpoint string) (*http.Response, error) {
	start := time.Now()
	resp, err := s.httpClient.Do(clone)
	graphRequestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())

	if err != nil {
		graphRequestsTotal.WithLabelValues(endpoint, "network_error").Inc()
		return nil, err
	}
	graphRequestsTotal.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()
	return resp, nil
}

func (s *Sender) onRetry(ctx context.Context, d Decision) {
	switch d.Class {
	case ErrorClassThrottle:
		if s.tracker == nil {
			return
		}
		if err := s.tracker.RecordThrottle(ctx, d.Delay); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to share throttle window")
		}
	case ErrorClassAuth:
		if inv, ok := s.auth.(Invalidator); ok {
			inv.Invalidate(ctx)
		}
	}
}

// drain discards the rest of a response body so the connection is reused.
func drain(resp *http.Response) {
	if resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
}
