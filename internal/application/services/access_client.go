package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"kilometers.ai/authlayer/internal/core/domain"
	"kilometers.ai/authlayer/internal/core/ports"
	"kilometers.ai/authlayer/internal/infrastructure/auth"
)

// DefaultLoginPath is the password login endpoint
const DefaultLoginPath = "/auth/login"

// AccessClient is the entry point for every authenticated call. It runs
// the first attempt and hands a 401 to the refresh coordinator, so callers
// only ever see the final outcome.
type AccessClient struct {
	executor    ports.RequestExecutor
	coordinator *RefreshCoordinator
	store       ports.CredentialStore
	loginPath   string
	logger      hclog.Logger
}

// NewAccessClient composes executor, coordinator and store. An empty
// loginPath uses DefaultLoginPath.
func NewAccessClient(
	executor ports.RequestExecutor,
	coordinator *RefreshCoordinator,
	store ports.CredentialStore,
	loginPath string,
	logger hclog.Logger,
) *AccessClient {
	if loginPath == "" {
		loginPath = DefaultLoginPath
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &AccessClient{
		executor:    executor,
		coordinator: coordinator,
		store:       store,
		loginPath:   loginPath,
		logger:      logger,
	}
}

// Do executes desc, refreshing and retrying once on 401
func (c *AccessClient) Do(ctx context.Context, desc domain.RequestDescriptor) (*domain.Response, error) {
	desc.IsRetry = false
	if desc.RequestID == "" {
		desc.RequestID = uuid.NewString()
	}

	resp, err := c.executor.Execute(ctx, desc)
	if !errors.Is(err, domain.ErrRefreshNeeded) {
		return resp, err
	}

	c.logger.Debug("access token rejected, waiting for refresh", "path", desc.Path, "request_id", desc.RequestID)
	var rejected *domain.RejectedTokenError
	if errors.As(err, &rejected) {
		return c.coordinator.HandleRejected(ctx, desc, rejected.AccessToken)
	}
	return c.coordinator.HandleUnauthorized(ctx, desc)
}

// Get issues a GET for path
func (c *AccessClient) Get(ctx context.Context, path string) (*domain.Response, error) {
	return c.Do(ctx, domain.RequestDescriptor{Method: http.MethodGet, Path: path})
}

// PostJSON issues a POST for path with body encoded as JSON
func (c *AccessClient) PostJSON(ctx context.Context, path string, body any) (*domain.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}

	header := make(http.Header)
	header.Set("Content-Type", "application/json")

	return c.Do(ctx, domain.RequestDescriptor{
		Method: http.MethodPost,
		Path:   path,
		Header: header,
		Body:   data,
	})
}

// Login exchanges username and password for a credential pair and stores it
func (c *AccessClient) Login(ctx context.Context, username, password string) (domain.Credential, error) {
	data, err := json.Marshal(map[string]string{
		"username": username,
		"password": password,
	})
	if err != nil {
		return domain.Credential{}, fmt.Errorf("failed to marshal login request: %w", err)
	}

	header := make(http.Header)
	header.Set("Content-Type", "application/json")

	resp, err := c.executor.Execute(ctx, domain.RequestDescriptor{
		Method:    http.MethodPost,
		Path:      c.loginPath,
		Header:    header,
		Body:      data,
		RequestID: uuid.NewString(),
	})
	if err != nil {
		return domain.Credential{}, fmt.Errorf("login failed: %w", err)
	}

	cred, err := auth.ParseTokenResponse(resp.Body)
	if err != nil {
		return domain.Credential{}, fmt.Errorf("login failed: %w", err)
	}

	c.coordinator.Install(cred)
	c.logger.Info("logged in", "user", username)
	return cred, nil
}

// UseCredential stores a pair obtained elsewhere
func (c *AccessClient) UseCredential(cred domain.Credential) {
	c.coordinator.Install(cred)
}

// Logout forgets the credential pair. A deliberate logout is not a
// session loss, so nothing is published. A refresh still in flight
// will not restore the pair.
func (c *AccessClient) Logout() {
	c.coordinator.Forget()
	c.logger.Info("logged out")
}

// Authenticated reports whether an access token is held
func (c *AccessClient) Authenticated() bool {
	return c.store.Get().IsAuthenticated()
}

// Credential returns the current pair
func (c *AccessClient) Credential() domain.Credential {
	return c.store.Get()
}
