// Package batch implements the multiplexed $batch wire protocol: it encodes
// pending request items into one batch request and unpacks a batch response
// back to the items' callbacks.
package batch

import (
	"net/http"
	"strconv"
	"sync"
	"time"
)

// MaxSize is the service's hard cap on sub-requests per batch.
const MaxSize = 20

// DefaultRetryAfter applies when a throttled sub-response carries no hint.
const DefaultRetryAfter = 5 * time.Second

// Callback receives the response for exactly one item.
type Callback func(resp *http.Response)

// Item is one logical request owned by the dispatcher from enqueue until its
// callback runs.
type Item struct {
	ID       int64
	Request  *http.Request
	callback Callback

	mu      sync.Mutex
	readyAt time.Time

	once sync.Once
}

// NewItem creates an item with no execution delay.
func NewItem(id int64, req *http.Request, cb Callback) *Item {
	return &Item{
		ID:       id,
		Request:  req,
		callback: cb,
	}
}

// CorrelationID is the id used on the wire.
func (i *Item) CorrelationID() string {
	return strconv.FormatInt(i.ID, 10)
}

// SetDelay records a relative wait as an absolute deadline, so later reads
// of Delay shrink as time passes.
func (i *Item) SetDelay(d time.Duration) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.readyAt = time.Now().Add(d)
}

// Delay returns the time left before the item may be sent.
func (i *Item) Delay() time.Duration {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.readyAt.IsZero() {
		return 0
	}
	if d := time.Until(i.readyAt); d > 0 {
		return d
	}
	return 0
}

// Complete invokes the callback. Only the first call has any effect.
func (i *Item) Complete(resp *http.Response) {
	i.once.Do(func() {
		if i.callback != nil {
			i.callback(resp)
		}
	})
}

// MaxDelay returns the largest pending delay among items; a batch cannot go
// out before its most-delayed member is ready.
func MaxDelay(items []*Item) time.Duration {
	var max time.Duration
	for _, it := range items {
		if d := it.Delay(); d > max {
			max = d
		}
	}
	return max
}
