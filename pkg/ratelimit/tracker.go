package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Prometheus metrics for throttle tracking.
var (
	throttleEventsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "graph_throttle_events_total",
		Help: "Total number of throttle responses recorded",
	})

	throttleWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "graph_throttle_wait_seconds",
		Help:    "Time spent waiting for a shared throttle window to close",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	})

	throttledUntilSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "graph_throttled_until_timestamp_seconds",
		Help: "Unix time at which the current throttle window ends",
	})
)

// Config controls local request pacing.
type Config struct {
	// RequestsPerSecond paces send attempts. Zero disables pacing.
	RequestsPerSecond float64

	// Burst is the token bucket size.
	Burst int
}

// DefaultConfig returns a config with pacing disabled.
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 0,
		Burst:             1,
	}
}

// Tracker records throttle windows and gates send attempts on them.
// A nil Redis client keeps the state in process memory.
type Tracker struct {
	redis   *redis.Client
	limiter *rate.Limiter
	logger  zerolog.Logger

	mu    sync.Mutex
	local ThrottleState
}

// NewTracker creates a tracker. redisClient may be nil.
func NewTracker(redisClient *redis.Client, cfg Config, logger zerolog.Logger) *Tracker {
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	return &Tracker{
		redis:   redisClient,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
	}
}

// GetState returns the current throttle state. Without Redis, or when Redis
// has no state yet, the process-local state is returned.
func (t *Tracker) GetState(ctx context.Context) (*ThrottleState, error) {
	t.mu.Lock()
	local := t.local
	t.mu.Unlock()

	if t.redis == nil {
		return &local, nil
	}

	untilMs, err := t.redis.Get(ctx, RedisKeyThrottledUntil).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get throttled until: %w", err)
	}
	if errors.Is(err, redis.Nil) {
		t.logger.Debug().Msg("No throttle state in Redis, using local state")
		return &local, nil
	}

	count, err := t.redis.Get(ctx, RedisKeyThrottleCount).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get throttle count: %w", err)
	}

	lastMs, err := t.redis.Get(ctx, RedisKeyLastUpdate).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get last update: %w", err)
	}

	state := &ThrottleState{
		ThrottledUntil: time.UnixMilli(untilMs),
		Count:          count,
		LastUpdate:     time.UnixMilli(lastMs),
	}
	if local.ThrottledUntil.After(state.ThrottledUntil) {
		state.ThrottledUntil = local.ThrottledUntil
	}
	return state, nil
}

// RecordThrottle extends the shared throttle window by retryAfter.
func (t *Tracker) RecordThrottle(ctx context.Context, retryAfter time.Duration) error {
	now := time.Now()

	t.mu.Lock()
	t.local.Extend(now, retryAfter)
	state := t.local
	t.mu.Unlock()

	throttleEventsTotal.Inc()
	throttledUntilSeconds.Set(float64(state.ThrottledUntil.Unix()))

	t.logger.Warn().
		Dur("retry_after", retryAfter).
		Time("throttled_until", state.ThrottledUntil).
		Msg("Upstream throttling recorded")

	if t.redis == nil {
		return nil
	}

	// Keep the later deadline if another process already wrote one.
	current, err := t.redis.Get(ctx, RedisKeyThrottledUntil).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("get throttled until: %w", err)
	}
	until := state.ThrottledUntil.UnixMilli()
	if current > until {
		until = current
	}

	ttl := time.Until(time.UnixMilli(until)) + time.Minute
	pipe := t.redis.Pipeline()
	pipe.Set(ctx, RedisKeyThrottledUntil, until, ttl)
	pipe.Incr(ctx, RedisKeyThrottleCount)
	pipe.Expire(ctx, RedisKeyThrottleCount, ttl)
	pipe.Set(ctx, RedisKeyLastUpdate, now.UnixMilli(), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store throttle state in redis: %w", err)
	}

	return nil
}

// Wait blocks until the shared throttle window has closed and the local
// pacer grants a slot. A failing Redis lookup degrades to local state.
func (t *Tracker) Wait(ctx context.Context) error {
	state, err := t.GetState(ctx)
	if err != nil {
		t.logger.Warn().Err(err).Msg("Throttle state lookup failed, using local state")
		t.mu.Lock()
		local := t.local
		t.mu.Unlock()
		state = &local
	}

	if d := state.TimeUntilReset(); d > 0 {
		t.logger.Debug().
			Dur("wait", d).
			Msg("Waiting for throttle window")
		throttleWaitSeconds.Observe(d.Seconds())

		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return t.limiter.Wait(ctx)
}
