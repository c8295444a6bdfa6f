package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"kilometers.ai/authlayer/internal/core/domain"
)

// Paths served by MockAPIServer
const (
	LoginPath       = "/auth/login"
	RefreshPath     = "/auth/refresh"
	ProfilePath     = "/api/me"
	FailPath        = "/api/fail"
	AlwaysDenyPath  = "/api/deny"
	TestUsername    = "tester"
	TestPassword    = "secret"
	accessTokenTTL  = time.Hour
	mockSigningKey  = "mock-signing-key"
	contentTypeJSON = "application/json"
)

// RequestInfo is one logged request
type RequestInfo struct {
	Method        string
	Path          string
	Authorization string
	RequestID     string
	Timestamp     time.Time
}

// MockAPIServer is an httptest API that issues rotating token pairs and
// rejects unknown or expired access tokens with 401
type MockAPIServer struct {
	*httptest.Server

	mu            sync.Mutex
	validAccess   map[string]bool
	validRefresh  map[string]bool
	requestLog    []RequestInfo
	refreshGate   chan struct{}
	refreshStatus int
	refreshBody   string
	refreshDelay  time.Duration

	refreshCalls atomic.Int64
}

// NewMockAPIServer starts a server that is closed when the test ends
func NewMockAPIServer(t testing.TB) *MockAPIServer {
	t.Helper()

	s := &MockAPIServer{
		validAccess:  make(map[string]bool),
		validRefresh: make(map[string]bool),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(LoginPath, s.handleLogin)
	mux.HandleFunc(RefreshPath, s.handleRefresh)
	mux.HandleFunc(ProfilePath, s.requireAuth(s.handleProfile))
	mux.HandleFunc(FailPath, s.requireAuth(s.handleFail))
	mux.HandleFunc(AlwaysDenyPath, s.handleDeny)
	mux.HandleFunc("/", s.requireAuth(s.handleEcho))

	s.Server = httptest.NewServer(s.logged(mux))
	t.Cleanup(s.Close)
	return s
}

// IssuePair mints a valid credential pair
func (s *MockAPIServer) IssuePair() domain.Credential {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.issuePairLocked()
}

func (s *MockAPIServer) issuePairLocked() domain.Credential {
	access := mintAccessToken()
	refresh := "refresh-" + uuid.NewString()
	s.validAccess[access] = true
	s.validRefresh[refresh] = true
	return domain.Credential{AccessToken: access, RefreshToken: refresh}
}

// ExpireAccessTokens makes every issued access token answer 401
func (s *MockAPIServer) ExpireAccessTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.validAccess = make(map[string]bool)
}

// RevokeRefreshTokens makes every issued refresh token answer 401
func (s *MockAPIServer) RevokeRefreshTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.validRefresh = make(map[string]bool)
}

// BlockRefresh holds refresh requests until the returned func is called
func (s *MockAPIServer) BlockRefresh() (release func()) {
	gate := make(chan struct{})
	s.mu.Lock()
	s.refreshGate = gate
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { close(gate) })
	}
}

// FailRefresh makes the refresh endpoint answer status with body
func (s *MockAPIServer) FailRefresh(status int, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshStatus = status
	s.refreshBody = body
}

// DelayRefresh delays every refresh response by d
func (s *MockAPIServer) DelayRefresh(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshDelay = d
}

// RefreshCalls returns how many refresh requests reached the server
func (s *MockAPIServer) RefreshCalls() int {
	return int(s.refreshCalls.Load())
}

// Requests returns the logged requests for path
func (s *MockAPIServer) Requests(path string) []RequestInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []RequestInfo
	for _, r := range s.requestLog {
		if r.Path == path {
			out = append(out, r)
		}
	}
	return out
}

func (s *MockAPIServer) logged(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requestLog = append(s.requestLog, RequestInfo{
			Method:        r.Method,
			Path:          r.URL.Path,
			Authorization: r.Header.Get("Authorization"),
			RequestID:     r.Header.Get("X-Request-ID"),
			Timestamp:     time.Now(),
		})
		s.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (s *MockAPIServer) requireAuth(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")

		s.mu.Lock()
		valid := ok && s.validAccess[token]
		s.mu.Unlock()

		if !valid {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid or expired token"})
			return
		}
		handler(w, r)
	}
}

func (s *MockAPIServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req map[string]string
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if req["username"] != TestUsername || req["password"] != TestPassword {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "invalid username or password"})
		return
	}

	cred := s.IssuePair()
	writeJSON(w, http.StatusOK, map[string]string{
		"access_token":  cred.AccessToken,
		"refresh_token": cred.RefreshToken,
	})
}

func (s *MockAPIServer) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s.refreshCalls.Add(1)

	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	s.mu.Lock()
	gate := s.refreshGate
	delay := s.refreshDelay
	status := s.refreshStatus
	body := s.refreshBody
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}

	if status != 0 {
		w.Header().Set("Content-Type", contentTypeJSON)
		w.WriteHeader(status)
		fmt.Fprint(w, body)
		return
	}

	var req map[string]string
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}

	s.mu.Lock()
	if !s.validRefresh[req["refresh_token"]] {
		s.mu.Unlock()
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid refresh token"})
		return
	}
	// rotation: the presented refresh token is spent
	delete(s.validRefresh, req["refresh_token"])
	cred := s.issuePairLocked()
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{
		"access_token":  cred.AccessToken,
		"refresh_token": cred.RefreshToken,
	})
}

func (s *MockAPIServer) handleProfile(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"user": TestUsername})
}

func (s *MockAPIServer) handleFail(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "internal failure"})
}

func (s *MockAPIServer) handleDeny(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "denied"})
}

func (s *MockAPIServer) handleEcho(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"method": r.Method,
		"path":   r.URL.Path,
		"query":  r.URL.RawQuery,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func mintAccessToken() string {
	claims := jwt.RegisteredClaims{
		Subject:   TestUsername,
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(accessTokenTTL)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(mockSigningKey))
	if err != nil {
		panic(fmt.Sprintf("failed to sign mock token: %v", err))
	}
	return signed
}
