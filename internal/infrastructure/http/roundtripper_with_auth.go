package httpinfra

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"kilometers.ai/authlayer/internal/core/domain"
)

// Doer runs a descriptor through the full access layer, refresh included
type Doer interface {
	Do(ctx context.Context, req domain.RequestDescriptor) (*domain.Response, error)
}

// AuthTransport lets a plain *http.Client use the access layer. Only the
// request URI is used; scheme and host come from the access layer's base
// URL. Terminal HTTP errors are turned back into responses so callers see
// the status code; session loss and transport failures are returned as
// errors.
type AuthTransport struct {
	doer Doer
}

// NewAuthTransport wraps doer as an http.RoundTripper
func NewAuthTransport(doer Doer) *AuthTransport {
	return &AuthTransport{doer: doer}
}

// RoundTrip implements http.RoundTripper
func (t *AuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	var body []byte
	if req.Body != nil {
		defer req.Body.Close()
		b, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read request body: %w", err)
		}
		body = b
	}

	header := req.Header.Clone()
	if header != nil {
		header.Del("Authorization")
	}

	resp, err := t.doer.Do(ctx, domain.RequestDescriptor{
		Method:    req.Method,
		Path:      req.URL.RequestURI(),
		Header:    header,
		Body:      body,
		RequestID: req.Header.Get(RequestIDHeader),
	})
	if err != nil {
		var herr *domain.HTTPError
		if errors.As(err, &herr) && !domain.IsSessionExpired(err) {
			return errorResponse(req, herr), nil
		}
		return nil, err
	}

	return &http.Response{
		Status:        fmt.Sprintf("%d %s", resp.StatusCode, http.StatusText(resp.StatusCode)),
		StatusCode:    resp.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        resp.Header,
		Body:          io.NopCloser(bytes.NewReader(resp.Body)),
		ContentLength: int64(len(resp.Body)),
		Request:       req,
	}, nil
}

func errorResponse(req *http.Request, herr *domain.HTTPError) *http.Response {
	body, _ := json.Marshal(map[string]string{"message": herr.Message})

	header := make(http.Header)
	header.Set("Content-Type", "application/json")
	if herr.RequestID != "" {
		header.Set(RequestIDHeader, herr.RequestID)
	}

	return &http.Response{
		Status:        fmt.Sprintf("%d %s", herr.StatusCode, http.StatusText(herr.StatusCode)),
		StatusCode:    herr.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

var _ http.RoundTripper = (*AuthTransport)(nil)
