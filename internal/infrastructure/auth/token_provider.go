package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"kilometers.ai/authlayer/internal/core/domain"
	"kilometers.ai/authlayer/internal/core/ports"
)

// DefaultRefreshPath is the refresh endpoint used when none is configured
const DefaultRefreshPath = "/auth/refresh"

// ErrMalformedTokenResponse means the refresh endpoint answered 2xx without a full pair
var ErrMalformedTokenResponse = errors.New("malformed token response")

// tokenResponse accepts both snake_case and camelCase token fields
type tokenResponse struct {
	AccessToken       string `json:"access_token"`
	RefreshToken      string `json:"refresh_token"`
	AccessTokenCamel  string `json:"accessToken"`
	RefreshTokenCamel string `json:"refreshToken"`
}

func (r tokenResponse) credential() domain.Credential {
	cred := domain.Credential{
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
	}
	if cred.AccessToken == "" {
		cred.AccessToken = r.AccessTokenCamel
	}
	if cred.RefreshToken == "" {
		cred.RefreshToken = r.RefreshTokenCamel
	}
	return cred
}

// JSONExchanger posts the refresh token as JSON to the refresh path.
// The call goes through the executor, so a 401 from the refresh endpoint
// is terminal and never triggers another refresh.
type JSONExchanger struct {
	executor    ports.RequestExecutor
	refreshPath string
}

// NewJSONExchanger creates a JSON refresh exchanger
func NewJSONExchanger(executor ports.RequestExecutor, refreshPath string) *JSONExchanger {
	if refreshPath == "" {
		refreshPath = DefaultRefreshPath
	}
	return &JSONExchanger{
		executor:    executor,
		refreshPath: refreshPath,
	}
}

// Exchange trades refreshToken for a new pair
func (e *JSONExchanger) Exchange(ctx context.Context, refreshToken string) (domain.Credential, error) {
	if refreshToken == "" {
		return domain.Credential{}, domain.ErrNoRefreshToken
	}

	body, err := json.Marshal(map[string]string{"refresh_token": refreshToken})
	if err != nil {
		return domain.Credential{}, fmt.Errorf("failed to marshal refresh request: %w", err)
	}

	header := make(http.Header)
	header.Set("Content-Type", "application/json")

	resp, err := e.executor.Execute(ctx, domain.RequestDescriptor{
		Method: http.MethodPost,
		Path:   e.refreshPath,
		Header: header,
		Body:   body,
	})
	if err != nil {
		return domain.Credential{}, fmt.Errorf("refresh request failed: %w", err)
	}

	return ParseTokenResponse(resp.Body)
}

// ParseTokenResponse reads a credential pair from a login or refresh
// response body. Both tokens are required.
func ParseTokenResponse(body []byte) (domain.Credential, error) {
	var tokenResp tokenResponse
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return domain.Credential{}, fmt.Errorf("%w: %v", ErrMalformedTokenResponse, err)
	}

	cred := tokenResp.credential()
	if cred.AccessToken == "" || cred.RefreshToken == "" {
		return domain.Credential{}, fmt.Errorf("%w: missing access or refresh token", ErrMalformedTokenResponse)
	}
	return cred, nil
}

// OAuth2Exchanger performs a standard RFC 6749 refresh_token grant
type OAuth2Exchanger struct {
	config     *oauth2.Config
	httpClient *http.Client
}

// NewOAuth2Exchanger creates an exchanger for tokenURL. httpClient may be nil.
func NewOAuth2Exchanger(tokenURL, clientID, clientSecret string, httpClient *http.Client) *OAuth2Exchanger {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &OAuth2Exchanger{
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL: tokenURL,
			},
		},
		httpClient: httpClient,
	}
}

// Exchange trades refreshToken for a new pair. Servers that do not rotate
// refresh tokens keep the old one.
func (e *OAuth2Exchanger) Exchange(ctx context.Context, refreshToken string) (domain.Credential, error) {
	if refreshToken == "" {
		return domain.Credential{}, domain.ErrNoRefreshToken
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, e.httpClient)

	// An expired token with only a refresh token forces the refresh grant
	source := e.config.TokenSource(ctx, &oauth2.Token{
		RefreshToken: refreshToken,
		Expiry:       time.Unix(1, 0),
	})

	token, err := source.Token()
	if err != nil {
		return domain.Credential{}, fmt.Errorf("oauth2 refresh failed: %w", err)
	}

	cred := domain.Credential{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
	}
	if cred.RefreshToken == "" {
		cred.RefreshToken = refreshToken
	}
	if cred.AccessToken == "" {
		return domain.Credential{}, fmt.Errorf("%w: missing access token", ErrMalformedTokenResponse)
	}
	return cred, nil
}
