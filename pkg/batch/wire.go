package batch

import "encoding/json"

// SubRequest is one entry of the batch request payload.
type SubRequest struct {
	ID      string            `json:"id"`
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

// Request is the body of POST {base}/$batch.
type Request struct {
	Requests []SubRequest `json:"requests"`
}

// SubResponse is one entry of the batch response payload.
type SubResponse struct {
	ID      string            `json:"id"`
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

// Response is the body returned by the batch endpoint.
type Response struct {
	Responses []SubResponse `json:"responses"`
}
