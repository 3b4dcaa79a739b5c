package handler

import (
	"net/http"

	"github.com/Sternrassler/graph-batch-client/pkg/request"
	"github.com/Sternrassler/graph-batch-client/pkg/stream"
)

// Collection follows @odata.nextLink until the collection is exhausted,
// pushing every element of every page.
type Collection[T any] struct {
	*base[T]
	req   *http.Request
	pages int
}

// NewCollection registers a collection handler on out.
func NewCollection[T any](sub Submitter, out *stream.Stream[T], opts ...Option) (*Collection[T], error) {
	b, err := newBase(sub, out, "collection", opts)
	if err != nil {
		return nil, err
	}
	return &Collection[T]{base: b}, nil
}

// CollectionConstructor adapts NewCollection to Constructor.
func CollectionConstructor[T any]() Constructor[T] {
	return func(sub Submitter, out *stream.Stream[T], opts ...Option) (Handler, error) {
		return NewCollection(sub, out, opts...)
	}
}

// Initialize submits the first page request.
func (h *Collection[T]) Initialize(req *http.Request) error {
	h.req = req
	h.sub.Enqueue(req, h.onResponse)
	return nil
}

func (h *Collection[T]) onResponse(resp *http.Response) {
	defer resp.Body.Close()

	ignored, err := h.check(resp)
	if err != nil || ignored {
		h.finish(err)
		return
	}

	page, err := decodePage[T](resp)
	if err != nil {
		h.finish(err)
		return
	}
	h.pages++
	for _, item := range page.Value {
		h.out.Push(item)
	}

	if page.NextLink != "" {
		prev := resp.Request
		if prev == nil {
			prev = h.req
		}
		next, err := request.FromURL(prev, page.NextLink)
		if err != nil {
			h.finish(err)
			return
		}
		h.sub.Enqueue(next, h.onResponse)
		return
	}

	if page.DeltaLink != "" && h.opts.OnDeltaLink != nil {
		h.opts.OnDeltaLink(page.DeltaLink)
	}
	h.logger.Debug().Int("pages", h.pages).Msg("Collection complete")
	h.finish(nil)
}
