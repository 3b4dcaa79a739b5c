package client

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for retry operations.
var (
	graphRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "graph_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	graphRetryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "graph_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error class",
		Buckets: []float64{0, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"error_class"})

	graphRetryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "graph_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error class",
	}, []string{"error_class"})
)

// RetryPolicy holds the retry budgets of a sender.
type RetryPolicy struct {
	// MaxThrottleRetries bounds consecutive 429 retries.
	MaxThrottleRetries int

	// MaxTransientRetries bounds network, 401 and transient status retries.
	MaxTransientRetries int

	// TransientBackoff is scaled by the transient attempt number.
	TransientBackoff time.Duration

	// DefaultRetryAfter applies to a 429 that carries no Retry-After.
	DefaultRetryAfter time.Duration
}

// DefaultRetryPolicy returns the default retry configuration.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxThrottleRetries:  3,
		MaxTransientRetries: 3,
		TransientBackoff:    5 * time.Second,
		DefaultRetryAfter:   5 * time.Second,
	}
}

// Validate checks the policy for nonsensical values.
func (p RetryPolicy) Validate() error {
	if p.MaxThrottleRetries < 0 {
		return fmt.Errorf("max_throttle_retries must be >= 0 (got %d)", p.MaxThrottleRetries)
	}
	if p.MaxTransientRetries < 0 {
		return fmt.Errorf("max_transient_retries must be >= 0 (got %d)", p.MaxTransientRetries)
	}
	if p.TransientBackoff < 0 || p.DefaultRetryAfter < 0 {
		return fmt.Errorf("retry durations must not be negative")
	}
	return nil
}

// Action is what a sender does after one attempt.
type Action int

const (
	// ActionReturn hands the response to the caller.
	ActionReturn Action = iota

	// ActionRetry waits Decision.Delay and tries again.
	ActionRetry

	// ActionFail gives up with the transport error.
	ActionFail
)

// Decision is the outcome of RetryState.Next.
type Decision struct {
	Action Action
	Delay  time.Duration
	Class  ErrorClass
}

// RetryState holds the two independent retry counters of one send.
type RetryState struct {
	// Throttled counts consecutive 429 retries.
	Throttled int

	// Transient counts network, 401 and transient status retries.
	Transient int
}

// Next records the outcome of one attempt and decides what happens next.
// Exactly one of resp and err is non-nil.
func (s *RetryState) Next(p RetryPolicy, resp *http.Response, err error) Decision {
	if err != nil {
		if s.Transient >= p.MaxTransientRetries {
			return Decision{Action: ActionFail, Class: ErrorClassNetwork}
		}
		s.Transient++
		return Decision{
			Action: ActionRetry,
			Delay:  p.TransientBackoff * time.Duration(s.Transient),
			Class:  ErrorClassNetwork,
		}
	}

	class := Classify(resp.StatusCode)
	switch class {
	case "":
		s.Throttled = 0
		s.Transient = 0
		return Decision{Action: ActionReturn}

	case ErrorClassThrottle:
		if s.Throttled >= p.MaxThrottleRetries {
			return Decision{Action: ActionReturn, Class: class}
		}
		s.Throttled++
		s.Transient = 0
		delay, ok := ParseRetryAfter(resp.Header)
		if !ok {
			delay = p.DefaultRetryAfter
		}
		return Decision{Action: ActionRetry, Delay: delay, Class: class}

	case ErrorClassAuth:
		if s.Transient >= p.MaxTransientRetries {
			return Decision{Action: ActionReturn, Class: class}
		}
		s.Transient++
		return Decision{Action: ActionRetry, Class: class}

	case ErrorClassTransient:
		if s.Transient >= p.MaxTransientRetries {
			return Decision{Action: ActionReturn, Class: class}
		}
		s.Transient++
		delay, ok := ParseRetryAfter(resp.Header)
		if !ok {
			delay = p.TransientBackoff * time.Duration(s.Transient)
		}
		return Decision{Action: ActionRetry, Delay: delay, Class: class}
	}

	return Decision{Action: ActionReturn, Class: class}
}

// ParseRetryAfter reads a Retry-After header given either as delta-seconds
// or as an HTTP date.
func ParseRetryAfter(h http.Header) (time.Duration, bool) {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(v); err == nil {
		d := time.Until(at)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", ErrContextCancelled, context.Cause(ctx))
		}
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrContextCancelled, context.Cause(ctx))
	case <-timer.C:
		return nil
	}
}
