package auth

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"kilometers.ai/authlayer/internal/core/domain"
)

// defaultBackendTimeout bounds every backend call made by a store
const defaultBackendTimeout = 5 * time.Second

// CredentialBackend persists the credential pair somewhere durable.
// Save and Erase must replace or remove both slots as one operation.
type CredentialBackend interface {
	Load(ctx context.Context) (domain.Credential, error)
	Save(ctx context.Context, cred domain.Credential) error
	Erase(ctx context.Context) error
	Name() string
}

// MemoryCredentialStore keeps the pair in process memory only
type MemoryCredentialStore struct {
	mu   sync.RWMutex
	cred domain.Credential
}

// NewMemoryCredentialStore creates a new in-memory credential store
func NewMemoryCredentialStore() *MemoryCredentialStore {
	return &MemoryCredentialStore{}
}

// Get returns the current pair
func (s *MemoryCredentialStore) Get() domain.Credential {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cred
}

// Set replaces both tokens
func (s *MemoryCredentialStore) Set(cred domain.Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cred = cred
}

// Clear empties both tokens
func (s *MemoryCredentialStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cred = domain.Credential{}
}

// PersistentCredentialStore serves reads from memory and writes every
// change through to a backend. Backend failures are logged and the store
// keeps working from memory.
type PersistentCredentialStore struct {
	mu   sync.RWMutex
	cred domain.Credential

	// writeMu orders backend writes so the backend ends in the last state
	writeMu sync.Mutex

	backend CredentialBackend
	timeout time.Duration
	logger  hclog.Logger
}

// NewPersistentCredentialStore loads the pair from backend and returns a
// store that keeps it in sync. A nil backend gives a memory-only store.
func NewPersistentCredentialStore(backend CredentialBackend, logger hclog.Logger) *PersistentCredentialStore {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	s := &PersistentCredentialStore{
		backend: backend,
		timeout: defaultBackendTimeout,
		logger:  logger,
	}

	if backend == nil {
		return s
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	cred, err := backend.Load(ctx)
	if err != nil {
		logger.Warn("failed to load credentials, continuing in memory", "backend", backend.Name(), "error", err)
		return s
	}

	s.cred = cred
	logger.Debug("credentials loaded", "backend", backend.Name(), "authenticated", cred.IsAuthenticated())
	return s
}

// Get returns the current pair
func (s *PersistentCredentialStore) Get() domain.Credential {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cred
}

// Set replaces both tokens and persists them
func (s *PersistentCredentialStore) Set(cred domain.Credential) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	s.cred = cred
	s.mu.Unlock()

	if s.backend == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if err := s.backend.Save(ctx, cred); err != nil {
		s.logger.Warn("failed to persist credentials, keeping them in memory", "backend", s.backend.Name(), "error", err)
	}
}

// Clear empties both tokens and removes them from the backend
func (s *PersistentCredentialStore) Clear() {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	s.cred = domain.Credential{}
	s.mu.Unlock()

	if s.backend == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if err := s.backend.Erase(ctx); err != nil {
		s.logger.Warn("failed to erase persisted credentials", "backend", s.backend.Name(), "error", err)
	}
}
