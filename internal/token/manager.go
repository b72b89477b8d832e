// Package token manages per-user OAuth credentials for the vendor platforms.
package token

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"example.com/healthsync/internal/domain"
)

// Credential is one stored grant for a (user, source) pair.
type Credential struct {
	UserID       uuid.UUID
	Source       domain.Source
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Active       bool
	UpdatedAt    time.Time
}

// Store persists credentials.
type Store interface {
	Credential(ctx context.Context, userID uuid.UUID, source domain.Source) (*Credential, error)
	SaveCredential(ctx context.Context, cred Credential) error
}

// Refresher exchanges a refresh token for a new grant at the vendor's token
// endpoint.
type Refresher interface {
	RefreshToken(ctx context.Context, refreshToken string) (Refreshed, error)
}

// Refreshed is the vendor's refresh response. RefreshToken may be empty when
// the vendor does not rotate it.
type Refreshed struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int // seconds
}

// refreshLeeway is how close to expiry a token is considered stale. It is
// re-checked before each batch of vendor calls so a token cannot expire
// mid-pass.
const refreshLeeway = 5 * time.Minute

// Manager hands out valid access tokens, refreshing near-expiry ones
// transparently.
type Manager struct {
	store      Store
	refreshers map[domain.Source]Refresher
	now        func() time.Time
	logger     *log.Logger
}

// Option configures optional behaviour for the Manager.
type Option func(*Manager)

// WithLogger overrides the logger used to report refresh activity.
func WithLogger(logger *log.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// NewManager constructs a Manager.
func NewManager(store Store, opts ...Option) *Manager {
	m := &Manager{
		store:      store,
		refreshers: make(map[domain.Source]Refresher),
		now:        time.Now,
		logger:     log.New(log.Writer(), "[token] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RegisterSource wires the refresher used for one vendor.
func (m *Manager) RegisterSource(source domain.Source, refresher Refresher) {
	m.refreshers[source] = refresher
}

// AccessToken returns a token valid for at least the refresh leeway. A failed
// refresh reports ErrAuthExpired so callers can skip the user without failing
// the batch.
func (m *Manager) AccessToken(ctx context.Context, userID uuid.UUID, source domain.Source) (string, error) {
	cred, err := m.store.Credential(ctx, userID, source)
	if err != nil {
		return "", fmt.Errorf("load credential: %w", err)
	}
	if cred == nil || !cred.Active || cred.AccessToken == "" {
		return "", fmt.Errorf("%w: user=%s source=%s", domain.ErrNoCredentials, userID, source)
	}

	if cred.ExpiresAt.IsZero() || cred.ExpiresAt.After(m.now().Add(refreshLeeway)) {
		return cred.AccessToken, nil
	}

	refresher, ok := m.refreshers[source]
	if !ok || cred.RefreshToken == "" {
		return "", fmt.Errorf("%w: user=%s source=%s", domain.ErrAuthExpired, userID, source)
	}

	refreshed, err := refresher.RefreshToken(ctx, cred.RefreshToken)
	if err != nil {
		m.logger.Printf("refresh failed: user=%s source=%s err=%v", userID, source, err)
		return "", fmt.Errorf("%w: user=%s source=%s", domain.ErrAuthExpired, userID, source)
	}

	cred.AccessToken = refreshed.AccessToken
	if refreshed.RefreshToken != "" {
		cred.RefreshToken = refreshed.RefreshToken
	}
	expiresIn := refreshed.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 86400
	}
	cred.ExpiresAt = m.now().Add(time.Duration(expiresIn) * time.Second)
	cred.UpdatedAt = m.now()

	if err := m.store.SaveCredential(ctx, *cred); err != nil {
		return "", fmt.Errorf("save refreshed credential: %w", err)
	}

	m.logger.Printf("refreshed token: user=%s source=%s", userID, source)
	return cred.AccessToken, nil
}
