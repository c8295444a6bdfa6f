package ports

import (
	"context"

	"kilometers.ai/authlayer/internal/core/domain"
	"kilometers.ai/authlayer/internal/core/session"
)

// CredentialStore holds the current credential pair. Set and Clear are
// visible to every subsequent Get and survive a restart when the store is
// durable. The store never fails; a broken backend degrades to memory.
type CredentialStore interface {
	// Get returns the current pair
	Get() domain.Credential

	// Set replaces both tokens atomically
	Set(cred domain.Credential)

	// Clear empties both tokens atomically
	Clear()
}

// RequestExecutor performs a single HTTP call and classifies the result.
// It never retries on its own.
type RequestExecutor interface {
	Execute(ctx context.Context, req domain.RequestDescriptor) (*domain.Response, error)
}

// RefreshExchanger trades a refresh token for a new credential pair
type RefreshExchanger interface {
	Exchange(ctx context.Context, refreshToken string) (domain.Credential, error)
}

// SessionPublisher announces session events to the rest of the application
type SessionPublisher interface {
	Publish(evt session.Event)
}
