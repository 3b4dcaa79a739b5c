// Package handler turns raw responses into result stream items and
// follow-up requests.
//
// Each handler is a small state machine: Initialize submits the first
// request to the dispatcher, and the handler's callback runs once per
// response. A handler holds one producer slot on its output stream from
// construction until it is done, fails, or the dispatcher is cancelled.
package handler

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"sync"

	"github.com/Sternrassler/graph-batch-client/pkg/batch"
	"github.com/Sternrassler/graph-batch-client/pkg/client"
	"github.com/Sternrassler/graph-batch-client/pkg/stream"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// ErrRangeParamsNotAllowed is returned by the partitioning handler for
	// requests that already carry $skip or $top.
	ErrRangeParamsNotAllowed = errors.New("request must not carry $skip or $top")

	// ErrUnknownKind is returned by Registry.Lookup.
	ErrUnknownKind = errors.New("unknown handler kind")
)

// Submitter is the part of the dispatcher handlers depend on.
type Submitter interface {
	Enqueue(req *http.Request, cb batch.Callback)
	Context() context.Context
	OnCancel(fn func()) (stop func() bool)
}

// Handler is a response handler ready to submit its first request.
type Handler interface {
	Initialize(req *http.Request) error
}

// Constructor creates a handler writing into out.
type Constructor[T any] func(sub Submitter, out *stream.Stream[T], opts ...Option) (Handler, error)

// Options tune handler behavior.
type Options struct {
	// IgnoreStatus lists statuses that end a handler quietly instead of
	// failing its stream, e.g. 404 for a parent without the sub-resource.
	IgnoreStatus []int

	// OnDeltaLink receives the final delta link of a collection.
	OnDeltaLink func(link string)

	// Partitions and PageSize configure the partitioning handler.
	Partitions int
	PageSize   int

	Logger *zerolog.Logger
}

// Option sets a field of Options.
type Option func(*Options)

// IgnoreStatus marks statuses as ignorable.
func IgnoreStatus(codes ...int) Option {
	return func(o *Options) { o.IgnoreStatus = append(o.IgnoreStatus, codes...) }
}

// OnDeltaLink registers a receiver for delta links.
func OnDeltaLink(fn func(link string)) Option {
	return func(o *Options) { o.OnDeltaLink = fn }
}

// WithPartitions sets the partition count and page size.
func WithPartitions(partitions, pageSize int) Option {
	return func(o *Options) {
		o.Partitions = partitions
		o.PageSize = pageSize
	}
}

// WithLogger overrides the handler logger.
func WithLogger(l *zerolog.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

func buildOptions(opts []Option) Options {
	var o Options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// base holds the producer slot shared by all handlers.
type base[T any] struct {
	sub    Submitter
	out    *stream.Stream[T]
	opts   Options
	logger zerolog.Logger

	once sync.Once
	mu   sync.Mutex
	stop func() bool
}

func newBase[T any](sub Submitter, out *stream.Stream[T], kind string, opts []Option) (*base[T], error) {
	o := buildOptions(opts)
	if err := out.Register(); err != nil {
		return nil, err
	}

	logger := log.With().Str("component", "response-handler").Logger()
	if o.Logger != nil {
		logger = *o.Logger
	}

	b := &base[T]{
		sub:    sub,
		out:    out,
		opts:   o,
		logger: logger.With().Str("handler", kind).Str("stream", out.Name()).Logger(),
	}

	stop := sub.OnCancel(func() {
		b.finish(context.Cause(sub.Context()))
	})
	b.mu.Lock()
	b.stop = stop
	b.mu.Unlock()
	return b, nil
}

// finish releases the producer slot exactly once. A non-nil err fails the
// stream first.
func (b *base[T]) finish(err error) {
	b.once.Do(func() {
		b.mu.Lock()
		stop := b.stop
		b.mu.Unlock()
		if stop != nil {
			stop()
		}
		if err != nil {
			b.logger.Warn().Err(err).Msg("Handler failed")
			b.out.Fail(err)
		}
		b.out.Unregister()
	})
}

// check classifies a response. An ignorable error status reports
// ignored; any other error status returns an *client.APIError.
func (b *base[T]) check(resp *http.Response) (ignored bool, err error) {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return false, nil
	}
	if slices.Contains(b.opts.IgnoreStatus, resp.StatusCode) {
		b.logger.Debug().
			Int("status", resp.StatusCode).
			Msg("Ignoring error response")
		return true, nil
	}
	return false, client.NewAPIError(resp)
}
