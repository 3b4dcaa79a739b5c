package handler

import (
	"context"
	"iter"
	"net/http"
	"sync"

	"github.com/Sternrassler/graph-batch-client/pkg/stream"
)

// Query groups the handlers feeding one result stream. Every Submit
// creates a new handler; Close declares that no more will follow.
type Query[T any] struct {
	sub  Submitter
	out  *stream.Stream[T]
	ctor Constructor[T]
	opts []Option

	mu    sync.Mutex
	delta string
}

// NewQuery creates a query whose handlers are built by ctor.
func NewQuery[T any](sub Submitter, name string, ctor Constructor[T], opts ...Option) *Query[T] {
	q := &Query[T]{
		sub:  sub,
		out:  stream.New[T](name),
		ctor: ctor,
	}
	q.opts = append(append([]Option(nil), opts...), OnDeltaLink(q.recordDelta))
	return q
}

// Submit starts a handler for req.
func (q *Query[T]) Submit(req *http.Request) error {
	return q.SubmitWith(q.ctor, req)
}

// SubmitWith starts a handler built by ctor instead of the query default.
func (q *Query[T]) SubmitWith(ctor Constructor[T], req *http.Request) error {
	h, err := ctor(q.sub, q.out, q.opts...)
	if err != nil {
		return err
	}
	return h.Initialize(req)
}

// Close declares that no more requests will be submitted. The stream
// completes once every handler has finished.
func (q *Query[T]) Close() {
	q.out.NoMoreProducers()
}

// Results returns the output stream.
func (q *Query[T]) Results() *stream.Stream[T] { return q.out }

// All iterates the results.
func (q *Query[T]) All(ctx context.Context) iter.Seq2[T, error] {
	return q.out.All(ctx)
}

// Collect blocks until the stream completes and returns every result.
func (q *Query[T]) Collect(ctx context.Context) ([]T, error) {
	return q.out.Collect(ctx)
}

// DeltaLink returns the last delta link seen by a collection handler.
func (q *Query[T]) DeltaLink() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.delta
}

func (q *Query[T]) recordDelta(link string) {
	q.mu.Lock()
	q.delta = link
	q.mu.Unlock()
}
