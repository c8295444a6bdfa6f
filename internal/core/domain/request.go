package domain

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// RequestDescriptor describes one logical call through the access layer.
// The same descriptor is replayed, with IsRetry set, after a refresh.
type RequestDescriptor struct {
	Method string
	Path   string
	Header http.Header
	Body   []byte

	// IsRetry marks the second attempt after a refresh. A retried request
	// that is rejected again is never retried.
	IsRetry bool

	// RequestID is sent as X-Request-ID and kept across the retry.
	RequestID string
}

// AsRetry returns a copy of the descriptor marked as a retry
func (d RequestDescriptor) AsRetry() RequestDescriptor {
	retry := d
	retry.IsRetry = true
	if d.Header != nil {
		retry.Header = d.Header.Clone()
	}
	return retry
}

// Response is a successful (2xx) response with its body fully read
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Decode unmarshals the JSON body into v
func (r *Response) Decode(v any) error {
	if len(r.Body) == 0 {
		return fmt.Errorf("empty response body")
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
