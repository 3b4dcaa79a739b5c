package client

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// Common errors returned by the client.
var (
	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled during retry.
	ErrContextCancelled = errors.New("context cancelled")

	// ErrAuthentication wraps Authenticator failures. They are not retried.
	ErrAuthentication = errors.New("authenticate request")
)

// ErrorClass represents a classification of request failures.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx client errors other than 401 and 429.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassThrottle represents 429 throttling.
	ErrorClassThrottle ErrorClass = "throttle"

	// ErrorClassAuth represents a stale credential (401).
	ErrorClassAuth ErrorClass = "auth"

	// ErrorClassTransient represents retryable statuses (408, 502, 503, 504).
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassNetwork represents network/timeout errors.
	ErrorClassNetwork ErrorClass = "network"
)

// Classify maps an HTTP status to its error class. Success statuses return "".
func Classify(status int) ErrorClass {
	switch {
	case status >= 200 && status < 400:
		return ""
	case status == http.StatusTooManyRequests:
		return ErrorClassThrottle
	case status == http.StatusUnauthorized:
		return ErrorClassAuth
	case IsTransientStatus(status):
		return ErrorClassTransient
	case status >= 500:
		return ErrorClassServer
	default:
		return ErrorClassClient
	}
}

// IsTransientStatus reports whether status is retried under the transient
// failure budget.
func IsTransientStatus(status int) bool {
	switch status {
	case http.StatusRequestTimeout, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// APIError is an unretryable response surfaced to the caller. Body holds the
// raw response body for diagnosis.
type APIError struct {
	StatusCode int
	ErrorClass ErrorClass
	Message    string
	Body       []byte
	RequestURI string
	Err        error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	msg := fmt.Sprintf("graph %s error (status %d)", e.ErrorClass, e.StatusCode)
	if e.RequestURI != "" {
		msg += " for " + e.RequestURI
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *APIError) Unwrap() error {
	return e.Err
}

// NewAPIError builds an APIError from resp. The body is read and replaced so
// that resp stays readable.
func NewAPIError(resp *http.Response) *APIError {
	apiErr := &APIError{
		StatusCode: resp.StatusCode,
		ErrorClass: Classify(resp.StatusCode),
		Message:    http.StatusText(resp.StatusCode),
	}
	if resp.Request != nil && resp.Request.URL != nil {
		apiErr.RequestURI = resp.Request.URL.String()
	}
	if resp.Body != nil {
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			apiErr.Err = fmt.Errorf("read error body: %w", err)
		}
		apiErr.Body = body
		resp.Body = io.NopCloser(bytes.NewReader(body))
	}
	return apiErr
}
