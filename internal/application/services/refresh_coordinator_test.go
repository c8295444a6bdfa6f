package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"kilometers.ai/authlayer/internal/core/domain"
	"kilometers.ai/authlayer/internal/core/session"
	"kilometers.ai/authlayer/internal/infrastructure/auth"
	httpinfra "kilometers.ai/authlayer/internal/infrastructure/http"
	"kilometers.ai/authlayer/internal/infrastructure/metrics"
	"kilometers.ai/authlayer/internal/testutil"
)

// harness wires the access layer against a mock API
type harness struct {
	api     *testutil.MockAPIServer
	store   *auth.MemoryCredentialStore
	bus     *session.EventBus
	coord   *RefreshCoordinator
	client  *AccessClient
	metrics *metrics.Recorder
	logouts atomic.Int32
}

func newHarness(t *testing.T, refreshTimeout time.Duration) *harness {
	t.Helper()
	return newHarnessWithAPI(testutil.NewMockAPIServer(t), refreshTimeout)
}

func newHarnessWithAPI(api *testutil.MockAPIServer, refreshTimeout time.Duration) *harness {
	h := &harness{
		api:     api,
		store:   auth.NewMemoryCredentialStore(),
		bus:     session.NewEventBus(nil),
		metrics: metrics.NewRecorder(),
	}

	exec := httpinfra.NewExecutor(api.URL, testutil.RefreshPath, h.store,
		httpinfra.WithNoRefreshPaths(testutil.LoginPath),
		httpinfra.WithMetrics(h.metrics))
	exchanger := auth.NewJSONExchanger(exec, testutil.RefreshPath)

	h.coord = NewRefreshCoordinator(exec, exchanger, h.store, h.bus, RefreshCoordinatorConfig{
		RefreshTimeout: refreshTimeout,
		Metrics:        h.metrics,
	})
	h.client = NewAccessClient(exec, h.coord, h.store, testutil.LoginPath, nil)

	h.bus.Subscribe(func(evt session.Event) {
		if evt.Name == session.EventLogout {
			h.logouts.Add(1)
		}
	})
	return h
}

// loginExpired stores a pair whose access token the API no longer accepts
func (h *harness) loginExpired() domain.Credential {
	cred := h.api.IssuePair()
	h.store.Set(cred)
	h.api.ExpireAccessTokens()
	return cred
}

type outcome struct {
	resp *domain.Response
	err  error
}

// storm fires n concurrent GETs for path while the refresh is held, and
// releases it once every request is parked
func (h *harness) storm(t require.TestingT, n int, path string) []outcome {
	release := h.api.BlockRefresh()
	defer release()

	results := make([]outcome, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := h.client.Get(context.Background(), path)
			results[i] = outcome{resp: resp, err: err}
		}(i)
	}

	require.Eventually(t, func() bool { return h.coord.pending() == n },
		5*time.Second, 5*time.Millisecond, "all requests should park behind one refresh")
	release()
	wg.Wait()
	return results
}

func TestAccessClient_ValidTokenNeedsNoRefresh(t *testing.T) {
	h := newHarness(t, 0)
	h.store.Set(h.api.IssuePair())

	resp, err := h.client.Get(context.Background(), testutil.ProfilePath)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Len(t, h.api.Requests(testutil.ProfilePath), 1, "One network call")
	assert.Equal(t, 0, h.api.RefreshCalls(), "No refresh call")
}

func TestAccessClient_ExpiredTokenRefreshesAndRetries(t *testing.T) {
	h := newHarness(t, 0)
	old := h.loginExpired()

	resp, err := h.client.Get(context.Background(), testutil.ProfilePath)
	require.NoError(t, err, "Caller should only see the final success")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	reqs := h.api.Requests(testutil.ProfilePath)
	require.Len(t, reqs, 2, "Original plus one retry")
	assert.Equal(t, 1, h.api.RefreshCalls())

	current := h.store.Get()
	assert.NotEqual(t, old.AccessToken, current.AccessToken)
	assert.NotEqual(t, old.RefreshToken, current.RefreshToken, "Rotated refresh token should be stored")
	assert.Equal(t, "Bearer "+current.AccessToken, reqs[1].Authorization, "Retry should carry the new token")
	assert.Equal(t, reqs[0].RequestID, reqs[1].RequestID, "Retry keeps the request id")

	assert.False(t, h.coord.Refreshing())
	assert.Equal(t, int32(0), h.logouts.Load())
}

func TestAccessClient_ConcurrentExpiredRequestsShareOneRefresh(t *testing.T) {
	h := newHarness(t, 0)
	h.loginExpired()

	results := h.storm(t, 5, testutil.ProfilePath)

	for i, r := range results {
		require.NoError(t, r.err, "request %d", i)
		assert.Equal(t, http.StatusOK, r.resp.StatusCode)
	}
	assert.Equal(t, 1, h.api.RefreshCalls(), "Exactly one refresh for the storm")
	assert.Len(t, h.api.Requests(testutil.ProfilePath), 10, "Five originals and five retries")
	assert.Equal(t, 0, h.coord.pending())
	assert.Equal(t, int32(0), h.logouts.Load())
}

func TestAccessClient_RefreshFailureEndsSessionOnce(t *testing.T) {
	tests := []struct {
		name  string
		setup func(h *harness)
	}{
		{
			name: "refresh endpoint returns 500",
			setup: func(h *harness) {
				h.api.FailRefresh(http.StatusInternalServerError, `{"message":"refresh unavailable"}`)
			},
		},
		{
			name: "refresh token revoked",
			setup: func(h *harness) {
				h.api.RevokeRefreshTokens()
			},
		},
		{
			name: "malformed refresh response",
			setup: func(h *harness) {
				h.api.FailRefresh(http.StatusOK, `{"access_token":"only-access"}`)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 0)
			h.loginExpired()
			tt.setup(h)

			results := h.storm(t, 5, testutil.ProfilePath)

			for i, r := range results {
				assert.Nil(t, r.resp)
				assert.ErrorIs(t, r.err, domain.ErrSessionExpired, "request %d", i)
				assert.ErrorIs(t, r.err, domain.ErrRefreshFailed, "request %d", i)
			}
			assert.True(t, h.store.Get().IsZero(), "Credentials should be cleared")
			assert.Equal(t, int32(1), h.logouts.Load(), "Exactly one logout")
			assert.Equal(t, 1, h.api.RefreshCalls(), "A failed refresh is never refreshed")
			assert.Len(t, h.api.Requests(testutil.ProfilePath), 5, "No request is retried")
		})
	}
}

func TestAccessClient_MissingRefreshTokenFailsFast(t *testing.T) {
	h := newHarness(t, 0)
	cred := h.api.IssuePair()
	h.store.Set(domain.Credential{AccessToken: cred.AccessToken})
	h.api.ExpireAccessTokens()

	_, err := h.client.Get(context.Background(), testutil.ProfilePath)
	assert.ErrorIs(t, err, domain.ErrSessionExpired)
	assert.ErrorIs(t, err, domain.ErrNoRefreshToken)
	assert.Equal(t, 0, h.api.RefreshCalls(), "No network call without a refresh token")
	assert.Equal(t, int32(1), h.logouts.Load())
}

func TestAccessClient_RetryIsNeverRetriedAgain(t *testing.T) {
	h := newHarness(t, 0)
	h.store.Set(h.api.IssuePair())

	results := h.storm(t, 4, testutil.AlwaysDenyPath)

	for _, r := range results {
		assert.ErrorIs(t, r.err, domain.ErrSessionExpired)
		assert.ErrorIs(t, r.err, domain.ErrUnauthorized)
	}
	assert.Len(t, h.api.Requests(testutil.AlwaysDenyPath), 8, "Each request is tried at most twice")
	assert.Equal(t, 1, h.api.RefreshCalls())
	assert.True(t, h.store.Get().IsZero())
	assert.Equal(t, int32(1), h.logouts.Load(), "Rejected retries share one logout")
}

func TestAccessClient_RefreshTimeoutIsFailure(t *testing.T) {
	h := newHarness(t, 50*time.Millisecond)
	h.loginExpired()
	h.api.DelayRefresh(5 * time.Second)

	start := time.Now()
	_, err := h.client.Get(context.Background(), testutil.ProfilePath)

	assert.Less(t, time.Since(start), 4*time.Second, "The refresh timeout should release the waiter")
	assert.ErrorIs(t, err, domain.ErrSessionExpired)
	assert.ErrorIs(t, err, domain.ErrRefreshFailed)
	assert.True(t, h.store.Get().IsZero())
	assert.Equal(t, int32(1), h.logouts.Load())
}

func TestAccessClient_CancelledWaiterStopsWaiting(t *testing.T) {
	h := newHarness(t, 0)
	h.loginExpired()
	release := h.api.BlockRefresh()
	defer release()

	driverDone := make(chan outcome, 1)
	go func() {
		resp, err := h.client.Get(context.Background(), testutil.ProfilePath)
		driverDone <- outcome{resp: resp, err: err}
	}()
	require.Eventually(t, func() bool { return h.coord.pending() == 1 }, 5*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	waiterDone := make(chan error, 1)
	go func() {
		_, err := h.client.Get(ctx, testutil.ProfilePath)
		waiterDone <- err
	}()
	require.Eventually(t, func() bool { return h.coord.pending() == 2 }, 5*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-waiterDone:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled waiter did not return")
	}

	release()
	res := <-driverDone
	require.NoError(t, res.err, "The refresh completes for the remaining request")
	assert.Equal(t, 1, h.api.RefreshCalls())
}

func TestAccessClient_CancelledDriverDoesNotAbortRefresh(t *testing.T) {
	h := newHarness(t, 0)
	old := h.loginExpired()
	release := h.api.BlockRefresh()
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	driverDone := make(chan error, 1)
	go func() {
		_, err := h.client.Get(ctx, testutil.ProfilePath)
		driverDone <- err
	}()
	require.Eventually(t, func() bool { return h.coord.pending() == 1 }, 5*time.Second, 5*time.Millisecond)

	waiterDone := make(chan error, 1)
	go func() {
		_, err := h.client.Get(context.Background(), testutil.ProfilePath)
		waiterDone <- err
	}()
	require.Eventually(t, func() bool { return h.coord.pending() == 2 }, 5*time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-driverDone, context.Canceled)

	release()
	assert.NoError(t, <-waiterDone)
	assert.NotEqual(t, old.AccessToken, h.store.Get().AccessToken)
	assert.Equal(t, int32(0), h.logouts.Load())
}

func TestAccessClient_LogoutDuringRefreshStaysLoggedOut(t *testing.T) {
	h := newHarness(t, 0)
	h.loginExpired()
	release := h.api.BlockRefresh()
	defer release()

	done := make(chan error, 1)
	go func() {
		_, err := h.client.Get(context.Background(), testutil.ProfilePath)
		done <- err
	}()
	require.Eventually(t, func() bool { return h.coord.pending() == 1 }, 5*time.Second, 5*time.Millisecond)

	h.client.Logout()
	release()

	err := <-done
	assert.ErrorIs(t, err, domain.ErrSessionExpired)
	assert.ErrorIs(t, err, domain.ErrLoggedOut)
	assert.False(t, h.client.Authenticated(), "A refresh settling after logout must not restore the session")
	assert.True(t, h.store.Get().IsZero())
	assert.Equal(t, int32(0), h.logouts.Load(), "A deliberate logout is not announced")
	assert.Equal(t, 1, h.api.RefreshCalls())
}

func TestAccessClient_LoginDuringFailedRefreshIsKept(t *testing.T) {
	h := newHarness(t, 0)
	h.loginExpired()
	h.api.FailRefresh(http.StatusInternalServerError, `{"message":"refresh broken"}`)
	release := h.api.BlockRefresh()
	defer release()

	done := make(chan outcome, 1)
	go func() {
		resp, err := h.client.Get(context.Background(), testutil.ProfilePath)
		done <- outcome{resp: resp, err: err}
	}()
	require.Eventually(t, func() bool { return h.coord.pending() == 1 }, 5*time.Second, 5*time.Millisecond)

	fresh := h.api.IssuePair()
	h.client.UseCredential(fresh)
	release()

	res := <-done
	require.NoError(t, res.err, "The parked request should retry with the new login")
	assert.Equal(t, http.StatusOK, res.resp.StatusCode)
	assert.Equal(t, fresh, h.store.Get(), "A failed refresh must not wipe a newer login")
	assert.Equal(t, int32(0), h.logouts.Load())
}

// A request sent with the old token whose 401 lands after the refresh
// settled reuses the new credential instead of refreshing again.
func TestAccessClient_LateRejectionReusesSettledRefresh(t *testing.T) {
	var refreshes atomic.Int32
	var arrived sync.Once
	slowArrived := make(chan struct{})
	releaseSlow := make(chan struct{})

	authorized := func(r *http.Request) bool {
		return r.Header.Get("Authorization") == "Bearer fresh"
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		refreshes.Add(1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"fresh","refresh_token":"r2"}`)
	})
	mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		if authorized(r) {
			w.WriteHeader(http.StatusOK)
			return
		}
		arrived.Do(func() { close(slowArrived) })
		<-releaseSlow
		w.WriteHeader(http.StatusUnauthorized)
	})
	mux.HandleFunc("/fast", func(w http.ResponseWriter, r *http.Request) {
		if !authorized(r) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	store := auth.NewMemoryCredentialStore()
	store.Set(domain.Credential{AccessToken: "stale", RefreshToken: "r1"})
	exec := httpinfra.NewExecutor(server.URL, "/auth/refresh", store)
	coord := NewRefreshCoordinator(exec, auth.NewJSONExchanger(exec, "/auth/refresh"), store, nil, RefreshCoordinatorConfig{})
	client := NewAccessClient(exec, coord, store, "", nil)

	slowDone := make(chan error, 1)
	go func() {
		_, err := client.Get(context.Background(), "/slow")
		slowDone <- err
	}()
	select {
	case <-slowArrived:
	case <-time.After(5 * time.Second):
		t.Fatal("slow request never reached the server")
	}

	_, err := client.Get(context.Background(), "/fast")
	require.NoError(t, err)
	require.Equal(t, "fresh", store.Get().AccessToken)

	close(releaseSlow)
	require.NoError(t, <-slowDone)
	assert.Equal(t, int32(1), refreshes.Load(), "Both requests were sent with the same token; one refresh serves them")
}

func TestAccessClient_SequentialStormsRefreshAgain(t *testing.T) {
	h := newHarness(t, 0)

	h.loginExpired()
	_, err := h.client.Get(context.Background(), testutil.ProfilePath)
	require.NoError(t, err)

	h.api.ExpireAccessTokens()
	_, err = h.client.Get(context.Background(), testutil.ProfilePath)
	require.NoError(t, err)

	assert.Equal(t, 2, h.api.RefreshCalls(), "A settled refresh lets the next storm start its own")
}

func TestAccessClient_RefreshMetrics(t *testing.T) {
	h := newHarness(t, 0)
	h.loginExpired()
	h.storm(t, 3, testutil.ProfilePath)

	body := scrape(t, h.metrics)
	assert.Contains(t, body, `authlayer_refresh_total{outcome="success"} 1`)
	assert.Contains(t, body, `authlayer_refresh_waiters_sum 3`)
	assert.Contains(t, body, `authlayer_requests_total{class="refresh_needed"} 3`)
}

// Property: for any storm size, one refresh settles every request the
// same way and a failure publishes one logout.
func TestRefreshCoordinator_StormProperty(t *testing.T) {
	api := testutil.NewMockAPIServer(t)

	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 12).Draw(rt, "requests")
		succeed := rapid.Bool().Draw(rt, "refreshSucceeds")

		if succeed {
			api.FailRefresh(0, "")
		} else {
			api.FailRefresh(http.StatusBadGateway, `{"error":"upstream"}`)
		}

		h := newHarnessWithAPI(api, 0)
		h.loginExpired()
		before := api.RefreshCalls()

		results := h.storm(rt, n, testutil.ProfilePath)

		if got := api.RefreshCalls() - before; got != 1 {
			rt.Fatalf("expected 1 refresh call, got %d", got)
		}
		for i, r := range results {
			if succeed && r.err != nil {
				rt.Fatalf("request %d failed after a successful refresh: %v", i, r.err)
			}
			if !succeed && !errors.Is(r.err, domain.ErrSessionExpired) {
				rt.Fatalf("request %d: expected session expired, got %v", i, r.err)
			}
		}

		wantLogouts := int32(0)
		if !succeed {
			wantLogouts = 1
		}
		if got := h.logouts.Load(); got != wantLogouts {
			rt.Fatalf("expected %d logouts, got %d", wantLogouts, got)
		}
		if h.coord.Refreshing() || h.coord.pending() != 0 {
			rt.Fatalf("coordinator should be idle after settling")
		}
	})
}

// MockExchanger is a testify mock of the refresh exchange
type MockExchanger struct {
	mock.Mock
}

func (m *MockExchanger) Exchange(ctx context.Context, refreshToken string) (domain.Credential, error) {
	args := m.Called(ctx, refreshToken)
	return args.Get(0).(domain.Credential), args.Error(1)
}

type recordingExecutor struct {
	mu    sync.Mutex
	calls []domain.RequestDescriptor
	err   error
}

func (e *recordingExecutor) Execute(ctx context.Context, req domain.RequestDescriptor) (*domain.Response, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, req)
	if e.err != nil {
		return nil, e.err
	}
	return &domain.Response{StatusCode: http.StatusOK}, nil
}

func TestRefreshCoordinator_RetriesWithRetryFlag(t *testing.T) {
	store := auth.NewMemoryCredentialStore()
	store.Set(domain.Credential{AccessToken: "a1", RefreshToken: "r1"})

	exchanger := new(MockExchanger)
	exchanger.On("Exchange", mock.Anything, "r1").
		Return(domain.Credential{AccessToken: "a2", RefreshToken: "r2"}, nil).Once()

	exec := &recordingExecutor{}
	coord := NewRefreshCoordinator(exec, exchanger, store, nil, RefreshCoordinatorConfig{})

	resp, err := coord.HandleUnauthorized(context.Background(), domain.RequestDescriptor{
		Method:    http.MethodGet,
		Path:      "/api/items",
		RequestID: "req-1",
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.Len(t, exec.calls, 1)
	assert.True(t, exec.calls[0].IsRetry)
	assert.Equal(t, "req-1", exec.calls[0].RequestID)
	assert.Equal(t, domain.Credential{AccessToken: "a2", RefreshToken: "r2"}, store.Get())
	exchanger.AssertExpectations(t)
}

func TestRefreshCoordinator_RetryDescriptorIsTerminal(t *testing.T) {
	store := auth.NewMemoryCredentialStore()
	store.Set(domain.Credential{AccessToken: "a1", RefreshToken: "r1"})

	exchanger := new(MockExchanger)
	bus := session.NewEventBus(nil)
	var events []session.Event
	bus.Subscribe(func(evt session.Event) { events = append(events, evt) })

	coord := NewRefreshCoordinator(&recordingExecutor{}, exchanger, store, bus, RefreshCoordinatorConfig{})

	_, err := coord.HandleUnauthorized(context.Background(), domain.RequestDescriptor{Path: "/x", IsRetry: true})
	assert.ErrorIs(t, err, domain.ErrSessionExpired)

	_, err = coord.HandleUnauthorized(context.Background(), domain.RequestDescriptor{Path: "/x", IsRetry: true})
	assert.ErrorIs(t, err, domain.ErrSessionExpired)

	exchanger.AssertNotCalled(t, "Exchange", mock.Anything, mock.Anything)
	assert.True(t, store.Get().IsZero())
	require.Len(t, events, 1, "Only the live credential produces a logout")
	assert.Equal(t, session.EventLogout, events[0].Name)
}

func TestRefreshCoordinator_TransportErrorOnRetryKeepsSession(t *testing.T) {
	store := auth.NewMemoryCredentialStore()
	store.Set(domain.Credential{AccessToken: "a1", RefreshToken: "r1"})

	exchanger := new(MockExchanger)
	exchanger.On("Exchange", mock.Anything, "r1").
		Return(domain.Credential{AccessToken: "a2", RefreshToken: "r2"}, nil).Once()

	netErr := &domain.NetworkError{Method: http.MethodGet, URL: "http://api/x", Err: errors.New("connection reset")}
	coord := NewRefreshCoordinator(&recordingExecutor{err: netErr}, exchanger, store, nil, RefreshCoordinatorConfig{})

	_, err := coord.HandleUnauthorized(context.Background(), domain.RequestDescriptor{Path: "/x"})

	var got *domain.NetworkError
	assert.ErrorAs(t, err, &got)
	assert.NotErrorIs(t, err, domain.ErrSessionExpired)
	assert.True(t, store.Get().IsAuthenticated(), "A network failure is not a session loss")
}

func TestRefreshCoordinator_RejectionAfterClearDoesNotRefresh(t *testing.T) {
	store := auth.NewMemoryCredentialStore()
	exchanger := new(MockExchanger)
	bus := session.NewEventBus(nil)
	var events atomic.Int32
	bus.Subscribe(func(session.Event) { events.Add(1) })

	exec := &recordingExecutor{}
	coord := NewRefreshCoordinator(exec, exchanger, store, bus, RefreshCoordinatorConfig{})

	_, err := coord.HandleRejected(context.Background(), domain.RequestDescriptor{Path: "/x"}, "a1")
	assert.ErrorIs(t, err, domain.ErrSessionExpired)
	assert.ErrorIs(t, err, domain.ErrLoggedOut)
	assert.Empty(t, exec.calls)
	assert.Equal(t, int32(0), events.Load())
	exchanger.AssertNotCalled(t, "Exchange", mock.Anything, mock.Anything)
}

func TestRefreshCoordinator_RejectionWithReplacedTokenRetriesAtOnce(t *testing.T) {
	store := auth.NewMemoryCredentialStore()
	store.Set(domain.Credential{AccessToken: "a2", RefreshToken: "r2"})
	exchanger := new(MockExchanger)

	exec := &recordingExecutor{}
	coord := NewRefreshCoordinator(exec, exchanger, store, nil, RefreshCoordinatorConfig{})

	resp, err := coord.HandleRejected(context.Background(), domain.RequestDescriptor{Path: "/x"}, "a1")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, exec.calls, 1)
	assert.True(t, exec.calls[0].IsRetry)
	assert.False(t, coord.Refreshing())
	exchanger.AssertNotCalled(t, "Exchange", mock.Anything, mock.Anything)
}
