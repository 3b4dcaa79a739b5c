package handler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"

	"github.com/Sternrassler/graph-batch-client/pkg/stream"
	"github.com/rs/zerolog"
)

// ProgressInterval is how many operations pass between progress logs.
const ProgressInterval = 100

// ErrorDetail is the "error" object of a service error payload.
type ErrorDetail struct {
	Code       string          `json:"code"`
	Message    string          `json:"message"`
	InnerError json.RawMessage `json:"innerError,omitempty"`
}

// ErrorResponse is a decoded service error for one operation.
type ErrorResponse struct {
	Error      ErrorDetail `json:"error"`
	StatusCode int         `json:"-"`
}

func (e *ErrorResponse) String() string {
	return fmt.Sprintf("%d %s: %s", e.StatusCode, e.Error.Code, e.Error.Message)
}

// OperationResult carries either the decoded response body or the error
// payload of one request, never both.
type OperationResult[T any] struct {
	Item       T
	Error      *ErrorResponse
	RequestURI string
}

// Succeeded reports whether the operation returned a 2xx status.
func (r OperationResult[T]) Succeeded() bool { return r.Error == nil }

// Progress counts finished operations and logs every ProgressInterval.
type Progress struct {
	succeeded atomic.Int64
	failed    atomic.Int64
	logger    zerolog.Logger
}

// NewProgress creates a progress counter logging to logger.
func NewProgress(logger zerolog.Logger) *Progress {
	return &Progress{logger: logger}
}

// Record counts one operation.
func (p *Progress) Record(ok bool) {
	if ok {
		p.succeeded.Add(1)
	} else {
		p.failed.Add(1)
	}
	s, f := p.Counts()
	if (s+f)%ProgressInterval == 0 {
		p.logger.Info().
			Int64("succeeded", s).
			Int64("failed", f).
			Msg("Operation progress")
	}
}

// Counts returns the succeeded and failed totals.
func (p *Progress) Counts() (succeeded, failed int64) {
	return p.succeeded.Load(), p.failed.Load()
}

// SingleOperation handles one request and reports its outcome as an
// OperationResult. Error statuses never fail the stream.
type SingleOperation[T any] struct {
	*base[OperationResult[T]]
	progress *Progress
}

// NewSingleOperation registers a single-operation handler on out.
// progress may be nil.
func NewSingleOperation[T any](sub Submitter, out *stream.Stream[OperationResult[T]], progress *Progress, opts ...Option) (*SingleOperation[T], error) {
	b, err := newBase(sub, out, "single", opts)
	if err != nil {
		return nil, err
	}
	return &SingleOperation[T]{base: b, progress: progress}, nil
}

// SingleOperationConstructor adapts NewSingleOperation to Constructor,
// sharing progress across every handler it creates.
func SingleOperationConstructor[T any](progress *Progress) Constructor[OperationResult[T]] {
	return func(sub Submitter, out *stream.Stream[OperationResult[T]], opts ...Option) (Handler, error) {
		return NewSingleOperation(sub, out, progress, opts...)
	}
}

// Initialize submits req.
func (h *SingleOperation[T]) Initialize(req *http.Request) error {
	h.sub.Enqueue(req, h.onResponse)
	return nil
}

func (h *SingleOperation[T]) onResponse(resp *http.Response) {
	defer resp.Body.Close()
	defer h.finish(nil)

	result := OperationResult[T]{RequestURI: requestURI(resp)}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		result.Error = &ErrorResponse{
			Error:      ErrorDetail{Code: "readError", Message: err.Error()},
			StatusCode: resp.StatusCode,
		}
	} else if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if len(bytes.TrimSpace(body)) > 0 {
			if err := json.Unmarshal(body, &result.Item); err != nil {
				var zero T
				result.Item = zero
				result.Error = &ErrorResponse{
					Error:      ErrorDetail{Code: "decodeError", Message: err.Error()},
					StatusCode: resp.StatusCode,
				}
			}
		}
	} else {
		result.Error = decodeError(resp.StatusCode, body)
	}

	if h.progress != nil {
		h.progress.Record(result.Succeeded())
	}
	if result.Error != nil {
		h.logger.Debug().
			Int("status", result.Error.StatusCode).
			Str("code", result.Error.Error.Code).
			Str("uri", result.RequestURI).
			Msg("Operation failed")
	}
	h.out.Push(result)
}

func decodeError(status int, body []byte) *ErrorResponse {
	e := &ErrorResponse{StatusCode: status}
	if err := json.Unmarshal(body, e); err != nil || e.Error.Code == "" {
		e.Error.Code = http.StatusText(status)
		if e.Error.Message == "" {
			e.Error.Message = string(body)
		}
	}
	return e
}
