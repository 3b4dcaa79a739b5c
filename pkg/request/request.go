// Package request builds HTTP request descriptors for the dispatcher.
//
// The dispatcher treats filter syntax, field selection and resource
// addressing as opaque strings. This package is one way to produce the
// descriptors it consumes; hand-built *http.Request values work as well,
// as long as their URL starts with the service base URL and any body is
// replayable through GetBody.
package request

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// DefaultBaseURL is the Microsoft Graph v1.0 endpoint.
const DefaultBaseURL = "https://graph.microsoft.com/v1.0"

// Builder creates request descriptors relative to a service base URL.
type Builder struct {
	// BaseURL is the service root without a trailing slash.
	BaseURL string

	// Header is copied onto every request built.
	Header http.Header
}

// NewBuilder returns a Builder for baseURL.
func NewBuilder(baseURL string) *Builder {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Builder{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Header:  http.Header{},
	}
}

// Resource starts a query against the resource path (e.g. "/users").
func (b *Builder) Resource(path string) *Query {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return &Query{
		builder: b,
		path:    path,
		params:  make([]param, 0, 4),
		header:  b.Header.Clone(),
	}
}

type param struct {
	key   string
	value string
}

// Query accumulates OData query options for one resource.
type Query struct {
	builder *Builder
	path    string
	params  []param
	header  http.Header
}

// Filter adds a $filter expression.
func (q *Query) Filter(expr string) *Query { return q.add("$filter", expr) }

// Select adds a $select field list.
func (q *Query) Select(fields ...string) *Query {
	return q.add("$select", strings.Join(fields, ","))
}

// Expand adds an $expand expression.
func (q *Query) Expand(expr string) *Query { return q.add("$expand", expr) }

// OrderBy adds an $orderby expression.
func (q *Query) OrderBy(expr string) *Query { return q.add("$orderby", expr) }

// Top sets the page size.
func (q *Query) Top(n int) *Query { return q.add("$top", strconv.Itoa(n)) }

// Param adds an arbitrary query parameter.
func (q *Query) Param(key, value string) *Query { return q.add(key, value) }

// WithHeader sets a header on the built request.
func (q *Query) WithHeader(key, value string) *Query {
	q.header.Set(key, value)
	return q
}

// PreferNoContent asks the service not to echo the modified entity back.
func (q *Query) PreferNoContent() *Query {
	return q.WithHeader("Prefer", "return-no-content")
}

func (q *Query) add(key, value string) *Query {
	q.params = append(q.params, param{key: key, value: value})
	return q
}

// URL renders the absolute request URL. OData option names keep their
// literal "$" prefix; values are query-escaped.
func (q *Query) URL() string {
	var sb strings.Builder
	sb.WriteString(q.builder.BaseURL)
	sb.WriteString(q.path)
	for i, p := range q.params {
		if i == 0 {
			sb.WriteByte('?')
		} else {
			sb.WriteByte('&')
		}
		sb.WriteString(p.key)
		sb.WriteByte('=')
		sb.WriteString(url.QueryEscape(p.value))
	}
	return sb.String()
}

// Get builds a GET descriptor.
func (q *Query) Get(ctx context.Context) (*http.Request, error) {
	return q.Build(ctx, http.MethodGet, nil)
}

// Build builds a descriptor with the given method and optional JSON body.
func (q *Query) Build(ctx context.Context, method string, body any) (*http.Request, error) {
	req, err := New(ctx, method, q.URL(), body)
	if err != nil {
		return nil, err
	}
	for k, v := range q.header {
		req.Header[k] = append([]string(nil), v...)
	}
	return req, nil
}

// New creates a request descriptor. A non-nil body is marshalled to JSON
// unless it already is a []byte or json.RawMessage.
func New(ctx context.Context, method, rawURL string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		var data []byte
		switch b := body.(type) {
		case []byte:
			data = b
		case json.RawMessage:
			data = b
		default:
			var err error
			data, err = json.Marshal(body)
			if err != nil {
				return nil, fmt.Errorf("marshal request body: %w", err)
			}
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// Body returns the request body without consuming it. Requests whose body
// cannot be replayed are rejected.
func Body(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	if req.GetBody == nil {
		return nil, fmt.Errorf("request body for %s is not replayable", req.URL.Redacted())
	}
	rc, err := req.GetBody()
	if err != nil {
		return nil, fmt.Errorf("get request body: %w", err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	return data, nil
}

// Clone returns a deep copy of req bound to ctx with a fresh, unconsumed body.
func Clone(ctx context.Context, req *http.Request) (*http.Request, error) {
	clone := req.Clone(ctx)
	if req.Body == nil || req.Body == http.NoBody {
		return clone, nil
	}
	if req.GetBody == nil {
		return nil, fmt.Errorf("request body for %s is not replayable", req.URL.Redacted())
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, fmt.Errorf("get request body: %w", err)
	}
	clone.Body = body
	return clone, nil
}

// WithRawQuery clones req and appends extra (already encoded) to its query.
func WithRawQuery(req *http.Request, extra string) (*http.Request, error) {
	clone, err := Clone(req.Context(), req)
	if err != nil {
		return nil, err
	}
	u := *req.URL
	if u.RawQuery != "" {
		u.RawQuery += "&" + extra
	} else {
		u.RawQuery = extra
	}
	clone.URL = &u
	clone.Host = u.Host
	return clone, nil
}

// FromURL builds a GET continuation request for rawURL carrying the
// headers of prev. Used to follow continuation links.
func FromURL(prev *http.Request, rawURL string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(prev.Context(), http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create continuation request: %w", err)
	}
	for k, v := range prev.Header {
		if strings.EqualFold(k, "Content-Type") || strings.EqualFold(k, "Authorization") {
			continue
		}
		req.Header[k] = append([]string(nil), v...)
	}
	return req, nil
}
