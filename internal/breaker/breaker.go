package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// State of a single circuit.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the state label.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Options tune circuit behaviour, shared by all keys.
type Options struct {
	FailureThreshold int
	ResetTimeout     time.Duration
}

// OpenError is returned when a circuit rejects a call without invoking it.
type OpenError struct {
	Provider   string
	AccountID  string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit open for %s/%s, retry after %s", e.Provider, e.AccountID, e.RetryAfter)
}

type circuit struct {
	state         State
	failures      int
	lastFailureAt time.Time
	openedAt      time.Time
	probing       bool
}

// Breakers holds one circuit per (provider, account) pair. Transitions are
// owned here exclusively.
type Breakers struct {
	mu       sync.Mutex
	opts     Options
	circuits map[string]*circuit
	logger   zerolog.Logger
	now      func() time.Time
}

// New constructs keyed circuit breakers.
func New(opts Options, logger zerolog.Logger) *Breakers {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 5
	}
	if opts.ResetTimeout <= 0 {
		opts.ResetTimeout = 60 * time.Second
	}
	return &Breakers{
		opts:     opts,
		circuits: make(map[string]*circuit),
		logger:   logger.With().Str("component", "breaker").Logger(),
		now:      time.Now,
	}
}

// Execute runs fn under the (provider, account) circuit. While open it fails
// fast with *OpenError; in half-open exactly one probe call is admitted and
// concurrent callers are rejected with a retry hint.
func (b *Breakers) Execute(ctx context.Context, provider, accountID string, fn func(context.Context) error) error {
	probe, err := b.admit(provider, accountID)
	if err != nil {
		return err
	}

	callErr := fn(ctx)
	b.record(provider, accountID, probe, callErr)
	return callErr
}

// CurrentState reports the circuit state for diagnostics.
func (b *Breakers) CurrentState(provider, accountID string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.circuits[provider+":"+accountID]
	if !ok {
		return StateClosed
	}
	return c.state
}

func (b *Breakers) admit(provider, accountID string) (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := provider + ":" + accountID
	c, ok := b.circuits[key]
	if !ok {
		c = &circuit{state: StateClosed}
		b.circuits[key] = c
	}

	switch c.state {
	case StateClosed:
		return false, nil
	case StateOpen:
		elapsed := b.now().Sub(c.openedAt)
		if elapsed < b.opts.ResetTimeout {
			return false, &OpenError{Provider: provider, AccountID: accountID, RetryAfter: b.opts.ResetTimeout - elapsed}
		}
		c.state = StateHalfOpen
		c.probing = true
		b.logger.Info().Str("provider", provider).Str("account_id", accountID).Msg("circuit half-open, probing")
		return true, nil
	case StateHalfOpen:
		if c.probing {
			return false, &OpenError{Provider: provider, AccountID: accountID, RetryAfter: b.opts.ResetTimeout}
		}
		c.probing = true
		return true, nil
	}
	return false, nil
}

func (b *Breakers) record(provider, accountID string, probe bool, callErr error) {
	// Cancellation is the caller giving up, not upstream failing.
	if errors.Is(callErr, context.Canceled) {
		callErr = nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuits[provider+":"+accountID]
	if c == nil {
		return
	}
	if probe {
		c.probing = false
	}

	if callErr == nil {
		switch c.state {
		case StateHalfOpen:
			c.state = StateClosed
			c.failures = 0
			b.logger.Info().Str("provider", provider).Str("account_id", accountID).Msg("circuit closed after successful probe")
		case StateClosed:
			c.failures = 0
		}
		return
	}

	c.lastFailureAt = b.now()
	switch c.state {
	case StateHalfOpen:
		c.state = StateOpen
		c.openedAt = b.now()
		b.logger.Warn().Str("provider", provider).Str("account_id", accountID).Msg("probe failed, circuit re-opened")
	case StateClosed:
		c.failures++
		if c.failures >= b.opts.FailureThreshold {
			c.state = StateOpen
			c.openedAt = b.now()
			b.logger.Warn().
				Str("provider", provider).
				Str("account_id", accountID).
				Int("failures", c.failures).
				Msg("failure threshold reached, circuit opened")
		}
	}
}
