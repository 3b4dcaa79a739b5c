// Package testutil provides an in-process Graph service for tests.
package testutil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Sternrassler/graph-batch-client/pkg/batch"
)

// APIVersion is the path prefix of the mock service.
const APIVersion = "/v1.0"

// MockResponse defines a canned sub-request response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
}

// MockGraph is a configurable mock Graph service. It implements the $batch
// endpoint by routing every sub-request to the handler registered for its
// path; plain requests are routed the same way.
type MockGraph struct {
	server *httptest.Server

	mu         sync.RWMutex
	handlers   map[string]http.HandlerFunc
	throttles  map[string][]string
	batchFails []MockResponse
	batchDelay time.Duration
	batchSizes []int
	paths      map[string]int
	lastAuth   string

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	subRequests atomic.Int64
}

// NewMockGraph starts a mock service.
func NewMockGraph() *MockGraph {
	m := &MockGraph{
		handlers:  make(map[string]http.HandlerFunc),
		throttles: make(map[string][]string),
		paths:     make(map[string]int),
	}
	m.server = httptest.NewServer(http.HandlerFunc(m.serve))
	return m
}

// URL returns the service base URL, including the API version.
func (m *MockGraph) URL() string {
	return m.server.URL + APIVersion
}

// Close shuts down the mock server.
func (m *MockGraph) Close() {
	m.server.Close()
}

// SetHandler sets the handler for a resource path such as "/users".
func (m *MockGraph) SetHandler(path string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a fixed response for a path.
func (m *MockGraph) SetResponse(path string, resp MockResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		for k, v := range resp.Headers {
			w.Header().Set(k, v)
		}
		w.WriteHeader(resp.StatusCode)
		if resp.Body != "" {
			_, _ = w.Write([]byte(resp.Body))
		}
	})
}

// ThrottleNext makes the next n sub-requests for path answer 429 with the
// given Retry-After value ("" omits the header).
func (m *MockGraph) ThrottleNext(path string, n int, retryAfter string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < n; i++ {
		m.throttles[path] = append(m.throttles[path], retryAfter)
	}
}

// FailBatches makes the next len(resps) batch requests answer with resps
// at the top level.
func (m *MockGraph) FailBatches(resps ...MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batchFails = append(m.batchFails, resps...)
}

// SetBatchDelay delays every batch response, so concurrent batches overlap.
func (m *MockGraph) SetBatchDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batchDelay = d
}

// BatchSizes returns the number of sub-requests of every batch received.
func (m *MockGraph) BatchSizes() []int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]int(nil), m.batchSizes...)
}

// MaxInFlight returns the highest number of concurrently open batches.
func (m *MockGraph) MaxInFlight() int {
	return int(m.maxInFlight.Load())
}

// RequestCount returns the number of sub-requests and plain requests served.
func (m *MockGraph) RequestCount() int {
	return int(m.subRequests.Load())
}

// PathCount returns how many requests hit path.
func (m *MockGraph) PathCount(path string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.paths[path]
}

// LastAuthorization returns the Authorization header of the last request.
func (m *MockGraph) LastAuthorization() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastAuth
}

func (m *MockGraph) serve(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.lastAuth = r.Header.Get("Authorization")
	m.mu.Unlock()

	path := strings.TrimPrefix(r.URL.Path, APIVersion)
	if path == "/$batch" && r.Method == http.MethodPost {
		m.serveBatch(w, r)
		return
	}
	m.route(w, r, path)
}

func (m *MockGraph) serveBatch(w http.ResponseWriter, r *http.Request) {
	n := m.inFlight.Add(1)
	defer m.inFlight.Add(-1)
	for {
		cur := m.maxInFlight.Load()
		if n <= cur || m.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}

	var payload batch.Request
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	m.mu.Lock()
	delay := m.batchDelay
	var fail *MockResponse
	if len(m.batchFails) > 0 {
		fail = &m.batchFails[0]
		m.batchFails = m.batchFails[1:]
	}
	if fail == nil {
		m.batchSizes = append(m.batchSizes, len(payload.Requests))
	}
	m.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	if fail != nil {
		for k, v := range fail.Headers {
			w.Header().Set(k, v)
		}
		w.WriteHeader(fail.StatusCode)
		_, _ = w.Write([]byte(fail.Body))
		return
	}

	out := batch.Response{Responses: make([]batch.SubResponse, 0, len(payload.Requests))}
	for _, sub := range payload.Requests {
		out.Responses = append(out.Responses, m.serveSub(r, sub))
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

func (m *MockGraph) serveSub(parent *http.Request, sub batch.SubRequest) batch.SubResponse {
	req := httptest.NewRequest(sub.Method, m.server.URL+APIVersion+sub.URL, bytes.NewReader(sub.Body))
	for k, v := range sub.Headers {
		req.Header.Set(k, v)
	}
	if auth := parent.Header.Get("Authorization"); auth != "" {
		req.Header.Set("Authorization", auth)
	}

	rec := httptest.NewRecorder()
	m.route(rec, req, strings.TrimPrefix(req.URL.Path, APIVersion))

	resp := batch.SubResponse{
		ID:     sub.ID,
		Status: rec.Code,
	}
	if len(rec.Header()) > 0 {
		resp.Headers = make(map[string]string, len(rec.Header()))
		for k := range rec.Header() {
			resp.Headers[k] = rec.Header().Get(k)
		}
	}
	if data := rec.Body.Bytes(); len(data) > 0 {
		if json.Valid(data) {
			resp.Body = json.RawMessage(data)
		} else {
			quoted, _ := json.Marshal(string(data))
			resp.Body = quoted
		}
	}
	return resp
}

func (m *MockGraph) route(w http.ResponseWriter, r *http.Request, path string) {
	m.subRequests.Add(1)

	m.mu.Lock()
	m.paths[path]++
	handler, ok := m.handlers[path]
	throttled := false
	var retryAfter string
	if q := m.throttles[path]; len(q) > 0 {
		throttled = true
		retryAfter = q[0]
		m.throttles[path] = q[1:]
	}
	m.mu.Unlock()

	if throttled {
		if retryAfter != "" {
			w.Header().Set("Retry-After", retryAfter)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"code":"TooManyRequests","message":"throttled"}}`))
		return
	}

	if !ok {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = fmt.Fprintf(w, `{"error":{"code":"ResourceNotFound","message":"no handler for %s"}}`, path)
		return
	}
	handler(w, r)
}

// CollectionHandler serves total generated items in pages of pageSize. A
// request carrying $skip/$top is answered with exactly that window and no
// continuation link; otherwise pages are chained with @odata.nextLink using
// a $skiptoken.
func CollectionHandler(total, pageSize int, item func(i int) any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		top := pageSize
		if v := q.Get("$top"); v != "" {
			top, _ = strconv.Atoi(v)
		}

		start := 0
		windowed := q.Get("$skip") != ""
		if windowed {
			start, _ = strconv.Atoi(q.Get("$skip"))
		} else if tok := q.Get("$skiptoken"); tok != "" {
			start, _ = strconv.Atoi(tok)
		}

		end := min(start+top, total)
		values := make([]any, 0, max(0, end-start))
		for i := start; i < end; i++ {
			values = append(values, item(i))
		}

		page := map[string]any{"value": values}
		if !windowed && end < total {
			next := *r.URL
			nq := next.Query()
			nq.Set("$skiptoken", strconv.Itoa(end))
			next.RawQuery = nq.Encode()
			page["@odata.nextLink"] = next.String()
		}
		if !windowed && end >= total {
			page["@odata.deltaLink"] = "https://graph.example.com/v1.0" + strings.TrimPrefix(r.URL.Path, APIVersion) + "/delta?$deltatoken=done"
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(page)
	}
}

// JSONHandler always answers status with body.
func JSONHandler(status int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}
}
