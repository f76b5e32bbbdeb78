package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const (
	defaultRefreshMargin = 24 * time.Hour
	renewAttempts        = 3
	renewBaseDelay       = 500 * time.Millisecond
)

// Options tune the token manager.
type Options struct {
	RefreshMargin time.Duration
}

// Manager owns credentials and hands out valid access tokens. Renewal for a
// given (provider, account) key is coalesced: concurrent callers share one
// in-flight attempt.
type Manager struct {
	store    Store
	renewers map[string]Renewer
	margin   time.Duration
	group    singleflight.Group
	logger   zerolog.Logger

	mu    sync.RWMutex
	cache map[string]Credential
	now   func() time.Time
}

// NewManager constructs a Manager over a credential store and per-provider
// renewers.
func NewManager(store Store, renewers map[string]Renewer, opts Options, logger zerolog.Logger) *Manager {
	margin := opts.RefreshMargin
	if margin <= 0 {
		margin = defaultRefreshMargin
	}
	return &Manager{
		store:    store,
		renewers: renewers,
		margin:   margin,
		logger:   logger.With().Str("component", "auth").Logger(),
		cache:    make(map[string]Credential),
		now:      time.Now,
	}
}

// Token returns a valid access token for the account, renewing first when the
// credential expires within the safety margin.
func (m *Manager) Token(ctx context.Context, provider, accountID string) (string, error) {
	cred, err := m.lookup(ctx, provider, accountID)
	if err != nil {
		return "", err
	}

	if cred.Fresh(m.now(), m.margin) {
		return cred.AccessToken, nil
	}

	renewed, err := m.renew(ctx, provider, accountID)
	if err != nil {
		return "", err
	}
	return renewed.AccessToken, nil
}

// ForceRefresh renews regardless of cached freshness. Used after an upstream
// rejected a token the cache considered valid.
func (m *Manager) ForceRefresh(ctx context.Context, provider, accountID string) (string, error) {
	renewed, err := m.renew(ctx, provider, accountID)
	if err != nil {
		return "", err
	}
	return renewed.AccessToken, nil
}

// Disconnect removes all token material for the account.
func (m *Manager) Disconnect(ctx context.Context, provider, accountID string) error {
	m.mu.Lock()
	delete(m.cache, provider+":"+accountID)
	m.mu.Unlock()
	return m.store.DeleteCredential(ctx, provider, accountID)
}

// RunRefreshLoop proactively renews credentials approaching expiry until ctx
// is cancelled. interval controls how often the sweep runs.
func (m *Manager) RunRefreshLoop(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *Manager) sweep(ctx context.Context) {
	creds, err := m.store.ListCredentials(ctx)
	if err != nil {
		m.logger.Error().Err(err).Msg("refresh sweep: list credentials failed")
		return
	}

	now := m.now()
	for _, cred := range creds {
		if cred.Fresh(now, m.margin) {
			continue
		}
		if _, err := m.renew(ctx, cred.Provider, cred.AccountID); err != nil {
			if errors.Is(err, ErrReauthRequired) {
				m.logger.Warn().
					Str("provider", cred.Provider).
					Str("account_id", cred.AccountID).
					Msg("credential needs re-authentication, skipping proactive renewal")
				continue
			}
			m.logger.Error().Err(err).
				Str("provider", cred.Provider).
				Str("account_id", cred.AccountID).
				Msg("proactive renewal failed")
		}
	}
}

func (m *Manager) lookup(ctx context.Context, provider, accountID string) (Credential, error) {
	key := provider + ":" + accountID

	m.mu.RLock()
	cred, ok := m.cache[key]
	m.mu.RUnlock()
	if ok {
		return cred, nil
	}

	stored, err := m.store.GetCredential(ctx, provider, accountID)
	if err != nil {
		return Credential{}, err
	}

	m.mu.Lock()
	m.cache[key] = *stored
	m.mu.Unlock()
	return *stored, nil
}

func (m *Manager) renew(ctx context.Context, provider, accountID string) (Credential, error) {
	key := provider + ":" + accountID

	v, err, _ := m.group.Do(key, func() (interface{}, error) {
		cred, err := m.lookup(ctx, provider, accountID)
		if err != nil {
			return nil, err
		}

		renewer, ok := m.renewers[provider]
		if !ok {
			return nil, fmt.Errorf("auth: no renewer registered for provider %q", provider)
		}

		renewed, err := m.renewWithBackoff(ctx, renewer, cred)
		if err != nil {
			return nil, err
		}

		if !renewed.ExpiresAt.After(m.now()) {
			return nil, fmt.Errorf("auth: renewal produced already-expired credential for %s", key)
		}

		if err := m.store.PutCredential(ctx, renewed); err != nil {
			return nil, fmt.Errorf("persist renewed credential: %w", err)
		}

		m.mu.Lock()
		m.cache[key] = renewed
		m.mu.Unlock()

		m.logger.Info().
			Str("provider", provider).
			Str("account_id", accountID).
			Time("expires_at", renewed.ExpiresAt).
			Msg("credential renewed")
		return renewed, nil
	})
	if err != nil {
		return Credential{}, err
	}
	return v.(Credential), nil
}

// renewWithBackoff retries network-class failures with bounded exponential
// backoff. Authorization failures are terminal.
func (m *Manager) renewWithBackoff(ctx context.Context, renewer Renewer, cred Credential) (Credential, error) {
	var lastErr error
	delay := renewBaseDelay

	for attempt := 0; attempt < renewAttempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return Credential{}, ctx.Err()
			case <-timer.C:
			}
			delay *= 2
		}

		renewed, err := renewer.Renew(ctx, cred)
		if err == nil {
			return renewed, nil
		}
		if errors.Is(err, ErrReauthRequired) {
			return Credential{}, err
		}
		lastErr = err
	}

	return Credential{}, fmt.Errorf("renew credential after %d attempts: %w", renewAttempts, lastErr)
}
