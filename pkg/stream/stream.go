// Package stream provides the blocking result sequence handed to callers of
// a logical query while the requests feeding it are still in flight.
//
// A Stream has any number of producers (response handlers) and one
// consumer. Producers register before they start and unregister when they
// are done; once NoMoreProducers has been declared and the last producer has
// unregistered, the stream is closed for writes and consumers see the end of
// the sequence after draining what was buffered.
package stream

import (
	"context"
	"errors"
	"io"
	"iter"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ProgressInterval is how many results pass between progress log lines.
const ProgressInterval = 1000

var (
	// ErrNoMoreProducers is returned by Register after NoMoreProducers.
	ErrNoMoreProducers = errors.New("stream: no more producers may register")

	// ErrClosed is returned by Register on a stream that is already closed.
	ErrClosed = errors.New("stream: closed")
)

var (
	streamResultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "graph_stream_results_total",
		Help: "Total results pushed into result streams",
	}, []string{"stream"})

	streamDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "graph_stream_dropped_total",
		Help: "Results pushed after their stream was closed",
	}, []string{"stream"})
)

// Stream is an unbounded, reference-counted producer/consumer queue.
type Stream[T any] struct {
	name   string
	logger zerolog.Logger

	mu        sync.Mutex
	items     []T
	producers int
	noMore    bool
	closed    bool
	err       error
	pushed    int64
	changed   chan struct{}
	done      chan struct{}
	hooks     []func()
}

// New creates an open stream. name labels logs and metrics.
func New[T any](name string) *Stream[T] {
	return &Stream[T]{
		name:    name,
		logger:  log.With().Str("component", "result-stream").Str("stream", name).Logger(),
		changed: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Name returns the stream label.
func (s *Stream[T]) Name() string { return s.name }

// Push appends item. It reports false, dropping the item, once the stream
// is closed.
func (s *Stream[T]) Push(item T) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		streamDroppedTotal.WithLabelValues(s.name).Inc()
		return false
	}
	s.items = append(s.items, item)
	s.pushed++
	n := s.pushed
	s.signalLocked()
	s.mu.Unlock()

	streamResultsTotal.WithLabelValues(s.name).Inc()
	if n%ProgressInterval == 0 {
		s.logger.Info().Int64("results", n).Msg("Results received")
	}
	return true
}

// Register adds a producer.
func (s *Stream[T]) Register() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.noMore {
		return ErrNoMoreProducers
	}
	if s.closed {
		return ErrClosed
	}
	s.producers++
	return nil
}

// Unregister removes a producer. The last producer out closes the stream if
// NoMoreProducers has been declared.
func (s *Stream[T]) Unregister() {
	s.mu.Lock()
	if s.producers == 0 {
		s.mu.Unlock()
		s.logger.Error().Msg("Unregister without matching Register")
		return
	}
	s.producers--
	var hooks []func()
	if s.producers == 0 && s.noMore {
		hooks = s.closeLocked()
	}
	s.mu.Unlock()
	runHooks(hooks)
}

// NoMoreProducers declares that no further producer will register. With no
// producer registered the stream closes immediately.
func (s *Stream[T]) NoMoreProducers() {
	s.mu.Lock()
	s.noMore = true
	var hooks []func()
	if s.producers == 0 {
		hooks = s.closeLocked()
	}
	s.mu.Unlock()
	runHooks(hooks)
}

// Close closes the stream for writes regardless of producers.
func (s *Stream[T]) Close() {
	s.mu.Lock()
	hooks := s.closeLocked()
	s.mu.Unlock()
	runHooks(hooks)
}

// Fail closes the stream with err. The consumer receives err after the
// buffered items. Only the first error is kept.
func (s *Stream[T]) Fail(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	if s.err == nil && !s.closed {
		s.err = err
	}
	hooks := s.closeLocked()
	s.mu.Unlock()
	runHooks(hooks)
}

func (s *Stream[T]) closeLocked() []func() {
	if s.closed {
		return nil
	}
	s.closed = true
	s.signalLocked()
	close(s.done)

	hooks := s.hooks
	s.hooks = nil

	s.logger.Debug().
		Int64("results", s.pushed).
		Bool("failed", s.err != nil).
		Msg("Stream closed")
	return hooks
}

func (s *Stream[T]) signalLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func runHooks(hooks []func()) {
	for _, fn := range hooks {
		fn()
	}
}

// OnComplete registers fn to run once when the stream closes. If it is
// already closed, fn runs immediately.
func (s *Stream[T]) OnComplete(fn func()) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		fn()
		return
	}
	s.hooks = append(s.hooks, fn)
	s.mu.Unlock()
}

// Done is closed once the stream is closed for writes.
func (s *Stream[T]) Done() <-chan struct{} { return s.done }

// Err returns the failure recorded by Fail, if any.
func (s *Stream[T]) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Count returns how many items were pushed in total.
func (s *Stream[T]) Count() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pushed
}

// Next blocks until an item is available and returns it. At the end of the
// stream it returns io.EOF, or the failure recorded by Fail.
func (s *Stream[T]) Next(ctx context.Context) (T, error) {
	var zero T
	for {
		s.mu.Lock()
		if len(s.items) > 0 {
			item := s.items[0]
			s.items[0] = zero
			s.items = s.items[1:]
			s.mu.Unlock()
			return item, nil
		}
		if s.closed {
			err := s.err
			s.mu.Unlock()
			if err == nil {
				err = io.EOF
			}
			return zero, err
		}
		changed := s.changed
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return zero, context.Cause(ctx)
		case <-changed:
		}
	}
}

// All returns the remaining items as a sequence. A failure is yielded once
// as the final element.
func (s *Stream[T]) All(ctx context.Context) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for {
			item, err := s.Next(ctx)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				var zero T
				yield(zero, err)
				return
			}
			if !yield(item, nil) {
				return
			}
		}
	}
}

// Collect reads the stream to its end.
func (s *Stream[T]) Collect(ctx context.Context) ([]T, error) {
	var out []T
	for item, err := range s.All(ctx) {
		if err != nil {
			return out, err
		}
		out = append(out, item)
	}
	return out, nil
}

// Drain removes and returns everything buffered without blocking, along
// with the recorded failure.
func (s *Stream[T]) Drain() ([]T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := s.items
	s.items = nil
	return items, s.err
}
