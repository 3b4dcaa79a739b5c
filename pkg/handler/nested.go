package handler

import (
	"net/http"

	"github.com/Sternrassler/graph-batch-client/pkg/stream"
)

// Attach combines a parent with its fully collected children.
type Attach[P, C any] func(parent P, children []C) P

// Nested collects a child collection into a private stream and emits the
// parent only once every child has arrived. Parents are never emitted
// with a partial child list.
type Nested[P, C any] struct {
	*base[P]
	parent P
	attach Attach[P, C]
	child  Constructor[C]
}

// NewNested registers a nested handler for parent on out. child builds
// the handler that fetches the children.
func NewNested[P, C any](sub Submitter, out *stream.Stream[P], parent P, attach Attach[P, C], child Constructor[C], opts ...Option) (*Nested[P, C], error) {
	b, err := newBase(sub, out, "nested", opts)
	if err != nil {
		return nil, err
	}
	return &Nested[P, C]{base: b, parent: parent, attach: attach, child: child}, nil
}

// NestedConstructor binds a parent to a Constructor for use with
// Query.SubmitWith.
func NestedConstructor[P, C any](parent P, attach Attach[P, C], child Constructor[C]) Constructor[P] {
	return func(sub Submitter, out *stream.Stream[P], opts ...Option) (Handler, error) {
		return NewNested(sub, out, parent, attach, child, opts...)
	}
}

// Initialize starts the child collection for req.
func (h *Nested[P, C]) Initialize(req *http.Request) error {
	children := stream.New[C](h.out.Name() + "/children")

	ch, err := h.child(h.sub, children, IgnoreStatus(h.opts.IgnoreStatus...))
	if err != nil {
		h.finish(err)
		return err
	}
	children.NoMoreProducers()

	// Like a rejected partitioning request, a child that cannot start
	// releases the slot and reports to the caller without emitting the parent.
	if err := ch.Initialize(req); err != nil {
		children.Fail(err)
		h.finish(nil)
		return err
	}

	children.OnComplete(func() {
		items, err := children.Drain()
		if err != nil {
			h.finish(err)
			return
		}
		h.out.Push(h.attach(h.parent, items))
		h.finish(nil)
	})
	return nil
}
