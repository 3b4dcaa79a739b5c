package handler

import (
	"fmt"
	"net/http"

	"github.com/Sternrassler/graph-batch-client/pkg/pagination"
	"github.com/Sternrassler/graph-batch-client/pkg/request"
	"github.com/Sternrassler/graph-batch-client/pkg/stream"
)

// Partitioning scans a collection with a fixed number of concurrent
// $skip/$top windows. A full page advances its window past the current
// maximum offset; a short page retires it. The handler is done when no
// window remains open.
//
// Pages are fetched without a consistent snapshot, so concurrent writes
// can cause duplicated or skipped elements.
type Partitioning[T any] struct {
	*base[T]
	req        *http.Request
	set        *pagination.PartitionSet
	partitions int
}

// NewPartitioning registers a partitioning handler on out.
func NewPartitioning[T any](sub Submitter, out *stream.Stream[T], opts ...Option) (*Partitioning[T], error) {
	b, err := newBase(sub, out, "partitioned", opts)
	if err != nil {
		return nil, err
	}
	partitions := b.opts.Partitions
	if partitions <= 0 {
		partitions = pagination.DefaultPartitions
	}
	pageSize := b.opts.PageSize
	if pageSize <= 0 {
		pageSize = pagination.DefaultPageSize
	}
	return &Partitioning[T]{
		base:       b,
		set:        pagination.NewPartitionSet(pageSize),
		partitions: partitions,
	}, nil
}

// PartitioningConstructor adapts NewPartitioning to Constructor.
func PartitioningConstructor[T any]() Constructor[T] {
	return func(sub Submitter, out *stream.Stream[T], opts ...Option) (Handler, error) {
		return NewPartitioning(sub, out, opts...)
	}
}

// Initialize opens the initial windows. A request that already carries
// $skip or $top is rejected.
func (h *Partitioning[T]) Initialize(req *http.Request) error {
	if pagination.HasRangeParams(req.URL) {
		h.finish(nil)
		return fmt.Errorf("%w: %s", ErrRangeParamsNotAllowed, req.URL.Redacted())
	}
	h.req = req
	for range h.partitions {
		if !h.openWindow(h.set.Open()) {
			return nil
		}
	}
	return nil
}

func (h *Partitioning[T]) openWindow(skip int) bool {
	r, err := request.WithRawQuery(h.req, pagination.WindowQuery(skip, h.set.PageSize()))
	if err != nil {
		h.finish(err)
		return false
	}
	h.sub.Enqueue(r, h.onResponse)
	return true
}

func (h *Partitioning[T]) onResponse(resp *http.Response) {
	defer resp.Body.Close()

	if resp.Request == nil {
		h.finish(fmt.Errorf("partition response without request"))
		return
	}
	skip, err := pagination.SkipValue(resp.Request.URL)
	if err != nil {
		h.finish(err)
		return
	}

	ignored, err := h.check(resp)
	if err != nil {
		h.finish(err)
		return
	}
	if ignored {
		h.retire(skip)
		return
	}

	page, err := decodePage[T](resp)
	if err != nil {
		h.finish(err)
		return
	}
	for _, item := range page.Value {
		h.out.Push(item)
	}

	if len(page.Value) < h.set.PageSize() {
		h.retire(skip)
		return
	}

	next, err := h.set.Advance(skip)
	if err != nil {
		h.finish(err)
		return
	}
	h.openWindow(next)
}

func (h *Partitioning[T]) retire(skip int) {
	remaining := h.set.Retire(skip)
	h.logger.Debug().
		Int("skip", skip).
		Int("remaining", remaining).
		Msg("Window retired")
	if remaining == 0 {
		h.finish(nil)
	}
}
