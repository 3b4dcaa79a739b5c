package batch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Sternrassler/graph-batch-client/pkg/request"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrUnknownCorrelationID means the service answered for an id that was
	// never sent. This breaks the protocol and is not retried.
	ErrUnknownCorrelationID = errors.New("batch response references unknown request id")

	// ErrIncompleteBatchResponse means the service answered a request id
	// twice or left one unanswered.
	ErrIncompleteBatchResponse = errors.New("batch response does not answer every request exactly once")

	// ErrOutsideBaseURL is returned for request URLs not under the base URL.
	ErrOutsideBaseURL = errors.New("request url is outside the service base url")
)

// maxDecodeParallelism bounds concurrent callback dispatch for one batch.
const maxDecodeParallelism = MaxSize

// Codec encodes and decodes batch requests against one service base URL.
type Codec struct {
	baseURL string
	logger  zerolog.Logger
}

// NewCodec creates a codec for baseURL.
func NewCodec(baseURL string, logger *zerolog.Logger) *Codec {
	l := log.With().Str("component", "batch-codec").Logger()
	if logger != nil {
		l = *logger
	}
	return &Codec{
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  l,
	}
}

// BaseURL returns the service base URL.
func (c *Codec) BaseURL() string { return c.baseURL }

// Encode builds one batch request from items and returns the earliest delay
// after which the whole batch may be sent.
func (c *Codec) Encode(ctx context.Context, items []*Item) (*http.Request, time.Duration, error) {
	payload := Request{Requests: make([]SubRequest, 0, len(items))}
	seen := make(map[string]struct{}, len(items))

	for _, it := range items {
		sub, err := c.encodeItem(it)
		if err != nil {
			return nil, 0, err
		}
		if _, dup := seen[sub.ID]; dup {
			return nil, 0, fmt.Errorf("duplicate request id %s in batch", sub.ID)
		}
		seen[sub.ID] = struct{}{}
		payload.Requests = append(payload.Requests, sub)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, fmt.Errorf("marshal batch payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/$batch", bytes.NewReader(data))
	if err != nil {
		return nil, 0, fmt.Errorf("create batch request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("client-request-id", uuid.NewString())

	return req, MaxDelay(items), nil
}

func (c *Codec) encodeItem(it *Item) (SubRequest, error) {
	raw := it.Request.URL.String()
	rel, ok := strings.CutPrefix(raw, c.baseURL)
	if !ok || (rel != "" && rel[0] != '/' && rel[0] != '?') {
		return SubRequest{}, fmt.Errorf("%w: %s", ErrOutsideBaseURL, it.Request.URL.Redacted())
	}
	if rel == "" || rel[0] != '/' {
		rel = "/" + rel
	}

	sub := SubRequest{
		ID:     it.CorrelationID(),
		Method: it.Request.Method,
		URL:    rel,
	}

	if len(it.Request.Header) > 0 {
		sub.Headers = make(map[string]string, len(it.Request.Header))
		for k, v := range it.Request.Header {
			if strings.EqualFold(k, "Authorization") {
				continue
			}
			sub.Headers[k] = strings.Join(v, ", ")
		}
	}

	body, err := request.Body(it.Request)
	if err != nil {
		return SubRequest{}, err
	}
	if len(body) > 0 {
		if json.Valid(body) {
			sub.Body = json.RawMessage(body)
		} else {
			quoted, err := json.Marshal(string(body))
			if err != nil {
				return SubRequest{}, fmt.Errorf("encode body for request %s: %w", sub.ID, err)
			}
			sub.Body = quoted
		}
		if sub.Headers == nil {
			sub.Headers = map[string]string{}
		}
		if _, ok := sub.Headers["Content-Type"]; !ok {
			sub.Headers["Content-Type"] = "application/json"
		}
	}

	return sub, nil
}

// Index maps correlation ids to items for Decode.
func Index(items []*Item) map[string]*Item {
	byID := make(map[string]*Item, len(items))
	for _, it := range items {
		byID[it.CorrelationID()] = it
	}
	return byID
}

// Decode reads a batch response, hands every non-throttled sub-response to
// its item's callback and returns the items that were throttled, each with
// its delay set from the server's Retry-After hint.
//
// Callbacks for different items run concurrently.
func (c *Codec) Decode(ctx context.Context, resp *http.Response, items map[string]*Item) ([]*Item, error) {
	var payload Response
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode batch response: %w", err)
	}

	// Resolve every id up front so a protocol violation is reported before
	// any callback runs.
	resolved := make([]*Item, len(payload.Responses))
	answered := make(map[string]struct{}, len(payload.Responses))
	for i, sub := range payload.Responses {
		it, ok := items[sub.ID]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownCorrelationID, sub.ID)
		}
		if _, dup := answered[sub.ID]; dup {
			return nil, fmt.Errorf("%w: id %q answered twice", ErrIncompleteBatchResponse, sub.ID)
		}
		answered[sub.ID] = struct{}{}
		resolved[i] = it
	}
	if len(answered) != len(items) {
		for id := range items {
			if _, ok := answered[id]; !ok {
				return nil, fmt.Errorf("%w: id %q unanswered", ErrIncompleteBatchResponse, id)
			}
		}
	}

	var (
		mu      sync.Mutex
		retries []*Item
	)

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(maxDecodeParallelism)

	for i := range payload.Responses {
		sub := payload.Responses[i]
		it := resolved[i]

		if sub.Status == http.StatusTooManyRequests {
			delay := retryAfterFromHeaders(sub.Headers)
			it.SetDelay(delay)
			c.logger.Debug().
				Str("id", sub.ID).
				Dur("retry_after", delay).
				Msg("Sub-request throttled")
			mu.Lock()
			retries = append(retries, it)
			mu.Unlock()
			continue
		}

		g.Go(func() error {
			it.Complete(toHTTPResponse(sub, it.Request))
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return retries, nil
}

func retryAfterFromHeaders(headers map[string]string) time.Duration {
	for k, v := range headers {
		if !strings.EqualFold(k, "Retry-After") {
			continue
		}
		if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs >= 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return DefaultRetryAfter
}

func toHTTPResponse(sub SubResponse, req *http.Request) *http.Response {
	header := make(http.Header, len(sub.Headers))
	for k, v := range sub.Headers {
		header.Set(k, v)
	}
	body := []byte(sub.Body)
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", sub.Status, http.StatusText(sub.Status)),
		StatusCode:    sub.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}
