package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Page is one page of an OData collection.
type Page[T any] struct {
	Value     []T    `json:"value"`
	NextLink  string `json:"@odata.nextLink,omitempty"`
	DeltaLink string `json:"@odata.deltaLink,omitempty"`
}

func decodePage[T any](resp *http.Response) (*Page[T], error) {
	var page Page[T]
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("decode page from %s: %w", requestURI(resp), err)
	}
	return &page, nil
}

func requestURI(resp *http.Response) string {
	if resp.Request == nil || resp.Request.URL == nil {
		return ""
	}
	return resp.Request.URL.Redacted()
}
