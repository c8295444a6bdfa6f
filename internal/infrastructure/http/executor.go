package httpinfra

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"kilometers.ai/authlayer/internal/core/domain"
	"kilometers.ai/authlayer/internal/core/ports"
	"kilometers.ai/authlayer/internal/infrastructure/metrics"
)

// DefaultRequestTimeout bounds a single attempt when no client is supplied
const DefaultRequestTimeout = 30 * time.Second

// RequestIDHeader carries the per-request correlation id
const RequestIDHeader = "X-Request-ID"

// maxErrorBody caps how much of an error body is inspected for a message
const maxErrorBody = 64 << 10

// Executor performs one HTTP attempt against the API and classifies the
// outcome. It reads the access token from the store on every call and
// never retries by itself.
type Executor struct {
	baseURL     string
	refreshPath string
	terminal    []string
	store       ports.CredentialStore
	client      *http.Client
	userAgent   string
	logger      hclog.Logger
	metrics     *metrics.Recorder
}

// Option configures an Executor
type Option func(*Executor)

// WithHTTPClient replaces the default client
func WithHTTPClient(client *http.Client) Option {
	return func(e *Executor) {
		if client != nil {
			e.client = client
		}
	}
}

// WithLogger sets the executor's logger
func WithLogger(logger hclog.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics records every attempt on recorder
func WithMetrics(recorder *metrics.Recorder) Option {
	return func(e *Executor) {
		e.metrics = recorder
	}
}

// WithUserAgent sets the User-Agent sent when the caller sets none
func WithUserAgent(userAgent string) Option {
	return func(e *Executor) {
		e.userAgent = userAgent
	}
}

// WithNoRefreshPaths makes a 401 on any of paths terminal, like the
// refresh path itself. Login endpoints belong here.
func WithNoRefreshPaths(paths ...string) Option {
	return func(e *Executor) {
		e.terminal = append(e.terminal, paths...)
	}
}

// NewExecutor creates an executor for baseURL. A 401 on refreshPath is
// always terminal.
func NewExecutor(baseURL, refreshPath string, store ports.CredentialStore, opts ...Option) *Executor {
	e := &Executor{
		baseURL:     strings.TrimRight(baseURL, "/"),
		refreshPath: refreshPath,
		store:       store,
		client:      &http.Client{Timeout: DefaultRequestTimeout},
		logger:      hclog.NewNullLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// BaseURL returns the API root requests are resolved against
func (e *Executor) BaseURL() string {
	return e.baseURL
}

// Execute sends desc once.
//
// A 2xx response is returned as is. A first-attempt 401 outside the refresh
// path yields a *domain.RejectedTokenError, which matches
// domain.ErrRefreshNeeded and names the token that was refused. A 401 on a
// retry or on the refresh path, and any other non-2xx status, yields a
// terminal *domain.HTTPError.
// Transport failures yield *domain.NetworkError.
func (e *Executor) Execute(ctx context.Context, desc domain.RequestDescriptor) (*domain.Response, error) {
	fullURL, err := joinURL(e.baseURL, desc.Path)
	if err != nil {
		return nil, fmt.Errorf("invalid request path %q: %w", desc.Path, err)
	}

	method := desc.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if len(desc.Body) > 0 {
		body = bytes.NewReader(desc.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, fullURL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	requestID := desc.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}
	sentToken := e.buildHeaders(httpReq, desc.Header, requestID)

	start := time.Now()
	resp, err := e.client.Do(httpReq)
	if err != nil {
		e.metrics.Request(metrics.ClassNetworkError)
		e.logger.Debug("request failed", "method", method, "path", desc.Path, "request_id", requestID, "error", err)
		return nil, &domain.NetworkError{Method: method, URL: fullURL, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		e.metrics.Request(metrics.ClassNetworkError)
		return nil, &domain.NetworkError{Method: method, URL: fullURL, Err: fmt.Errorf("failed to read response body: %w", err)}
	}

	e.logger.Debug("request completed",
		"method", method,
		"path", desc.Path,
		"status", resp.StatusCode,
		"retry", desc.IsRetry,
		"request_id", requestID,
		"duration", time.Since(start))

	return e.classify(desc, requestID, sentToken, resp, respBody)
}

// buildHeaders returns the access token the request carries, if any
func (e *Executor) buildHeaders(httpReq *http.Request, header http.Header, requestID string) string {
	mergeHeader(httpReq.Header, header)

	if e.userAgent != "" && httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", e.userAgent)
	}
	if httpReq.Body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set(RequestIDHeader, requestID)

	// Only the store decides the Authorization header
	httpReq.Header.Del("Authorization")
	token := e.store.Get().AccessToken
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
	return token
}

// mergeHeader adds every value of extra to base
func mergeHeader(base, extra http.Header) {
	for k, vs := range extra {
		for _, v := range vs {
			base.Add(k, v)
		}
	}
}

func (e *Executor) classify(desc domain.RequestDescriptor, requestID, sentToken string, resp *http.Response, body []byte) (*domain.Response, error) {
	status := resp.StatusCode

	if status >= 200 && status < 300 {
		e.metrics.Request(metrics.ClassSuccess)
		return &domain.Response{
			StatusCode: status,
			Header:     resp.Header,
			Body:       body,
		}, nil
	}

	if status == http.StatusUnauthorized {
		if !desc.IsRetry && !e.IsRefreshPath(desc.Path) && !e.isTerminalPath(desc.Path) {
			e.metrics.Request(metrics.ClassRefreshNeeded)
			return nil, &domain.RejectedTokenError{AccessToken: sentToken}
		}

		e.metrics.Request(metrics.ClassUnauthorized)
		herr := domain.NewHTTPError(status, serverMessage(body))
		herr.Kind = domain.KindUnauthorized
		herr.RequestID = requestID
		return nil, herr
	}

	e.metrics.Request(metrics.ClassHTTPError)
	herr := domain.NewHTTPError(status, serverMessage(body))
	herr.RequestID = requestID
	return nil, herr
}

// IsRefreshPath reports whether path targets the refresh endpoint
func (e *Executor) IsRefreshPath(path string) bool {
	return samePath(path, e.refreshPath)
}

func (e *Executor) isTerminalPath(path string) bool {
	for _, p := range e.terminal {
		if samePath(path, p) {
			return true
		}
	}
	return false
}

// samePath compares request paths ignoring query and trailing slash
func samePath(path, target string) bool {
	if target == "" {
		return false
	}
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	return strings.TrimRight(path, "/") == strings.TrimRight(target, "/")
}

// serverMessage extracts a human readable message from a JSON error body
func serverMessage(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}

	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return ""
	}
	for _, key := range []string{"message", "error_description", "error"} {
		if s, ok := doc[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// joinURL resolves p, which may carry a query string, against base
func joinURL(base, p string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(p)
	if err != nil {
		return "", err
	}
	if ref.IsAbs() {
		return "", fmt.Errorf("absolute URL not allowed, use a path relative to the base URL")
	}
	u.Path = joinPath(u.Path, ref.Path)
	u.RawQuery = ref.RawQuery
	return u.String(), nil
}

func joinPath(a, b string) string {
	if a == "" {
		return b
	}
	if b == "" {
		return a
	}
	if a[len(a)-1] == '/' {
		a = a[:len(a)-1]
	}
	if b[0] != '/' {
		b = "/" + b
	}
	return a + b
}

var _ ports.RequestExecutor = (*Executor)(nil)
