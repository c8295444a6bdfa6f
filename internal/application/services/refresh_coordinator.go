package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"kilometers.ai/authlayer/internal/core/domain"
	"kilometers.ai/authlayer/internal/core/ports"
	"kilometers.ai/authlayer/internal/core/session"
	"kilometers.ai/authlayer/internal/infrastructure/metrics"
)

// DefaultRefreshTimeout bounds one refresh exchange
const DefaultRefreshTimeout = 10 * time.Second

// RefreshCoordinatorConfig configures a RefreshCoordinator
type RefreshCoordinatorConfig struct {
	// RefreshTimeout bounds the exchange. Expiry counts as a failed refresh.
	RefreshTimeout time.Duration

	Logger  hclog.Logger
	Metrics *metrics.Recorder
}

// waiter is a request parked until the in-flight refresh settles
type waiter struct {
	ctx    context.Context
	desc   domain.RequestDescriptor
	result chan refreshResult
}

type refreshResult struct {
	resp *domain.Response
	err  error
}

// refreshState is Idle when inFlight is false. waiters is only non-empty
// while a refresh is in flight.
type refreshState struct {
	inFlight bool
	waiters  []*waiter
}

// RefreshCoordinator turns any number of concurrent 401s into a single
// refresh exchange. Every request that hit 401 is parked until the refresh
// settles, then retried once with the new credential or failed with
// domain.ErrSessionExpired.
type RefreshCoordinator struct {
	executor  ports.RequestExecutor
	exchanger ports.RefreshExchanger
	store     ports.CredentialStore
	publisher ports.SessionPublisher
	timeout   time.Duration
	logger    hclog.Logger
	metrics   *metrics.Recorder

	mu    sync.Mutex
	state refreshState
}

// NewRefreshCoordinator creates a coordinator. publisher may be nil.
func NewRefreshCoordinator(
	executor ports.RequestExecutor,
	exchanger ports.RefreshExchanger,
	store ports.CredentialStore,
	publisher ports.SessionPublisher,
	config RefreshCoordinatorConfig,
) *RefreshCoordinator {
	if config.RefreshTimeout <= 0 {
		config.RefreshTimeout = DefaultRefreshTimeout
	}
	if config.Logger == nil {
		config.Logger = hclog.NewNullLogger()
	}

	return &RefreshCoordinator{
		executor:  executor,
		exchanger: exchanger,
		store:     store,
		publisher: publisher,
		timeout:   config.RefreshTimeout,
		logger:    config.Logger,
		metrics:   config.Metrics,
	}
}

// HandleUnauthorized parks desc behind the current refresh, starting one
// if none is in flight, and returns the outcome of the single retry. The
// rejected attempt is assumed to have carried the stored access token.
//
// If ctx ends first the call returns ctx.Err(); the refresh still
// completes for the other waiters.
func (c *RefreshCoordinator) HandleUnauthorized(ctx context.Context, desc domain.RequestDescriptor) (*domain.Response, error) {
	return c.HandleRejected(ctx, desc, c.store.Get().AccessToken)
}

// HandleRejected is HandleUnauthorized for an attempt known to have been
// sent with rejectedToken. A 401 that arrives after the credential was
// already replaced is retried with the current one, no refresh needed.
func (c *RefreshCoordinator) HandleRejected(ctx context.Context, desc domain.RequestDescriptor, rejectedToken string) (*domain.Response, error) {
	if desc.IsRetry {
		// a retry never rejoins a waiter list
		return nil, c.expireSession(c.store.Get(), domain.ErrUnauthorized)
	}

	w := &waiter{
		ctx:    ctx,
		desc:   desc,
		result: make(chan refreshResult, 1),
	}

	c.mu.Lock()
	current := c.store.Get()
	if !c.state.inFlight && current.AccessToken != rejectedToken {
		c.mu.Unlock()
		if !current.IsAuthenticated() {
			// cleared since the request went out; whoever cleared it announced it
			return nil, domain.SessionExpired(domain.ErrLoggedOut)
		}
		c.logger.Debug("credential replaced since the request was sent, retrying", "path", desc.Path, "request_id", desc.RequestID)
		return c.retry(w, current)
	}
	c.state.waiters = append(c.state.waiters, w)
	driver := !c.state.inFlight
	c.state.inFlight = true
	c.mu.Unlock()

	if driver {
		// the refresh starts from the pair seen when this request became the driver
		go c.refresh(context.WithoutCancel(ctx), current)
	}

	select {
	case res := <-w.result:
		return res.resp, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Install replaces the credential pair, serialized with refresh outcomes
func (c *RefreshCoordinator) Install(cred domain.Credential) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store.Set(cred)
}

// Forget clears the credential pair, serialized with refresh outcomes. An
// in-flight refresh will not bring it back.
func (c *RefreshCoordinator) Forget() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store.Clear()
}

// Refreshing reports whether a refresh is in flight
func (c *RefreshCoordinator) Refreshing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.inFlight
}

func (c *RefreshCoordinator) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.state.waiters)
}

func (c *RefreshCoordinator) refresh(ctx context.Context, base domain.Credential) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	cred, err := c.exchange(ctx, base)
	if err != nil {
		outcome := metrics.OutcomeFailure
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			outcome = metrics.OutcomeTimeout
			err = fmt.Errorf("refresh timed out after %s: %w", c.timeout, err)
		}
		c.fail(base, err, outcome)
		return
	}

	waiters, current, applied := c.settle(base, func() { c.store.Set(cred) })
	c.metrics.Refresh(metrics.OutcomeSuccess, len(waiters))
	if !applied {
		c.logger.Info("credential changed during refresh, discarding refreshed pair", "waiters", len(waiters))
	} else {
		c.logger.Debug("token refreshed", "waiters", len(waiters), "duration", time.Since(start))
		if expiry, ok := cred.AccessExpiry(); ok {
			c.logger.Trace("new access token", "expires_at", expiry, "token", domain.Masked(cred.AccessToken))
		}
	}

	if !current.IsAuthenticated() {
		c.reject(waiters, domain.SessionExpired(domain.ErrLoggedOut))
		return
	}
	c.resume(waiters, current)
}

func (c *RefreshCoordinator) exchange(ctx context.Context, base domain.Credential) (domain.Credential, error) {
	if base.RefreshToken == "" {
		return domain.Credential{}, domain.ErrNoRefreshToken
	}
	return c.exchanger.Exchange(ctx, base.RefreshToken)
}

// fail clears the session, announces it once and rejects every waiter.
// If the pair was replaced while the exchange ran, the replacement is kept
// and the waiters retry with it; if it was cleared, nothing is published.
func (c *RefreshCoordinator) fail(base domain.Credential, cause error, outcome string) {
	waiters, current, applied := c.settle(base, c.store.Clear)
	c.metrics.Refresh(outcome, len(waiters))

	if !applied && current.IsAuthenticated() {
		c.logger.Info("token refresh failed but a new credential was stored meanwhile", "waiters", len(waiters), "error", cause)
		c.resume(waiters, current)
		return
	}

	if applied {
		c.logger.Warn("token refresh failed, session ended", "waiters", len(waiters), "error", cause)
		c.publishLogout(cause)
	}
	c.reject(waiters, domain.SessionExpired(fmt.Errorf("%w: %w", domain.ErrRefreshFailed, cause)))
}

// settle applies update only while the store still holds base, drains the
// waiters and returns the coordinator to Idle, all in one critical section.
// current is the pair the waiters should continue with.
func (c *RefreshCoordinator) settle(base domain.Credential, update func()) (waiters []*waiter, current domain.Credential, applied bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.store.Get() == base {
		update()
		applied = true
	}
	current = c.store.Get()
	waiters = c.state.waiters
	c.state = refreshState{}
	return waiters, current, applied
}

// resume retries every waiter concurrently with cred
func (c *RefreshCoordinator) resume(waiters []*waiter, cred domain.Credential) {
	for _, w := range waiters {
		go func(w *waiter) {
			resp, err := c.retry(w, cred)
			w.result <- refreshResult{resp: resp, err: err}
		}(w)
	}
}

func (c *RefreshCoordinator) reject(waiters []*waiter, err error) {
	for _, w := range waiters {
		w.result <- refreshResult{err: err}
	}
}

func (c *RefreshCoordinator) retry(w *waiter, cred domain.Credential) (*domain.Response, error) {
	if err := w.ctx.Err(); err != nil {
		return nil, err
	}

	resp, err := c.executor.Execute(w.ctx, w.desc.AsRetry())
	if err != nil && errors.Is(err, domain.ErrUnauthorized) {
		return nil, c.expireSession(cred, err)
	}
	return resp, err
}

// expireSession ends the session when a retried request is rejected with
// the credential that was live for it. Only the first rejection for a
// given credential clears the store and publishes.
func (c *RefreshCoordinator) expireSession(stale domain.Credential, cause error) error {
	c.mu.Lock()
	live := !stale.IsZero() && c.store.Get() == stale
	if live {
		c.store.Clear()
	}
	c.mu.Unlock()

	if live {
		c.logger.Warn("retried request rejected, session ended", "error", cause)
		c.publishLogout(cause)
	}
	return domain.SessionExpired(cause)
}

func (c *RefreshCoordinator) publishLogout(reason error) {
	c.metrics.Logout()
	if c.publisher == nil {
		return
	}
	c.publisher.Publish(session.NewLogoutEvent(reason))
}
