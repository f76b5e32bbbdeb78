package insights

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"adwatch/internal/providers"
)

const (
	defaultCacheTTL      = 5 * time.Minute
	defaultMaxConcurrent = 4
)

// Request describes one aggregated insights query.
type Request struct {
	AccountIDs []string
	Window     providers.Window
	Fields     []string
	PageLimit  int
	// Providers restricts the fetch to the named providers; empty means all.
	Providers []string
}

// Result is an aggregated, possibly degraded response. FailedProviders maps
// provider name to the failure cause when Degraded is true.
type Result struct {
	Insights        []UnifiedInsight  `json:"insights"`
	Degraded        bool              `json:"degraded"`
	FailedProviders map[string]string `json:"failed_providers,omitempty"`
	FetchedAt       time.Time         `json:"fetched_at"`
}

// Options tune the aggregator.
type Options struct {
	CacheTTL      time.Duration
	MaxConcurrent int
	FetchTimeout  time.Duration
}

// Aggregator fans out to all provider clients, normalizes their rows into the
// unified schema, and caches merged results.
type Aggregator struct {
	fetchers    []providers.InsightFetcher
	normalizers map[string]Normalizer
	cache       *resultCache
	opts        Options
	logger      zerolog.Logger
	now         func() time.Time
}

// NewAggregator constructs an Aggregator over the given clients. Every
// fetcher must have a matching normalizer.
func NewAggregator(fetchers []providers.InsightFetcher, normalizers []Normalizer, opts Options, logger zerolog.Logger) (*Aggregator, error) {
	if len(fetchers) == 0 {
		return nil, ErrNoProviders
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = defaultCacheTTL
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = defaultMaxConcurrent
	}

	byProvider := make(map[string]Normalizer, len(normalizers))
	for _, n := range normalizers {
		byProvider[n.Provider()] = n
	}
	for _, f := range fetchers {
		if _, ok := byProvider[f.Provider()]; !ok {
			return nil, fmt.Errorf("insights: no normalizer for provider %q", f.Provider())
		}
	}

	return &Aggregator{
		fetchers:    fetchers,
		normalizers: byProvider,
		cache:       newResultCache(opts.CacheTTL),
		opts:        opts,
		logger:      logger.With().Str("component", "aggregator").Logger(),
		now:         time.Now,
	}, nil
}

// CampaignInsights serves the request from cache when a non-stale entry
// exists, otherwise fetches from all providers.
func (a *Aggregator) CampaignInsights(ctx context.Context, req Request) (*Result, error) {
	key := requestKey(req)
	if cached := a.cache.get(key, a.now()); cached != nil {
		a.logger.Debug().Str("key", key[:8]).Msg("cache hit")
		return cached, nil
	}
	return a.fetchAndStore(ctx, key, req)
}

// Refresh bypasses the cache and fetches fresh data, storing the result for
// subsequent reads.
func (a *Aggregator) Refresh(ctx context.Context, req Request) (*Result, error) {
	return a.fetchAndStore(ctx, requestKey(req), req)
}

// Invalidate drops cached results covering the account. Idempotent.
func (a *Aggregator) Invalidate(accountID string) int {
	removed := a.cache.invalidate(accountID)
	if removed > 0 {
		a.logger.Info().Str("account_id", accountID).Int("entries", removed).Msg("cache invalidated")
	}
	return removed
}

type fetchOutcome struct {
	rows []UnifiedInsight
	err  error
}

func (a *Aggregator) fetchAndStore(ctx context.Context, key string, req Request) (*Result, error) {
	fetchStartedAt := a.now()

	fetchers, err := a.selectFetchers(req.Providers)
	if err != nil {
		return nil, err
	}

	if a.opts.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.opts.FetchTimeout)
		defer cancel()
	}

	// outcomes[providerIdx][accountIdx] keeps the merge order stable
	// regardless of completion order.
	outcomes := make([][]fetchOutcome, len(fetchers))
	for i := range outcomes {
		outcomes[i] = make([]fetchOutcome, len(req.AccountIDs))
	}

	var mu sync.Mutex
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(a.opts.MaxConcurrent)

	for pi, f := range fetchers {
		for ai, accountID := range req.AccountIDs {
			pi, ai, f, accountID := pi, ai, f, accountID
			eg.Go(func() error {
				rows, err := a.fetchOne(egCtx, f, accountID, req)
				mu.Lock()
				outcomes[pi][ai] = fetchOutcome{rows: rows, err: err}
				mu.Unlock()
				// Failures degrade the result instead of cancelling siblings.
				return nil
			})
		}
	}
	_ = eg.Wait()

	result := &Result{FetchedAt: a.now()}
	failed := make(map[string]string)
	succeeded := make(map[string]bool)

	for pi, f := range fetchers {
		provider := f.Provider()
		for _, outcome := range outcomes[pi] {
			if outcome.err != nil {
				if _, ok := failed[provider]; !ok {
					failed[provider] = outcome.err.Error()
				}
				continue
			}
			succeeded[provider] = true
			result.Insights = append(result.Insights, outcome.rows...)
		}
	}

	if len(failed) > 0 {
		if len(succeeded) == 0 {
			return nil, combinedError(failed)
		}
		result.Degraded = true
		result.FailedProviders = failed
		a.logger.Warn().Interface("failed_providers", failed).Msg("returning degraded result")
	}

	a.cache.put(key, req.AccountIDs, fetchStartedAt, a.now(), result)
	return result, nil
}

func (a *Aggregator) fetchOne(ctx context.Context, f providers.InsightFetcher, accountID string, req Request) ([]UnifiedInsight, error) {
	raws, err := f.FetchInsights(ctx, accountID, req.Window, providers.FetchOptions{
		Fields:    req.Fields,
		PageLimit: req.PageLimit,
	})
	if err != nil {
		return nil, err
	}

	normalizer := a.normalizers[f.Provider()]
	rows := make([]UnifiedInsight, 0, len(raws))
	for _, raw := range raws {
		rows = append(rows, normalizer.Normalize(accountID, raw))
	}
	return rows, nil
}

// selectFetchers resolves the provider filter against the configured clients.
func (a *Aggregator) selectFetchers(names []string) ([]providers.InsightFetcher, error) {
	if len(names) == 0 {
		return a.fetchers, nil
	}
	wanted := make(map[string]bool, len(names))
	for _, name := range names {
		wanted[name] = true
	}
	var out []providers.InsightFetcher
	for _, f := range a.fetchers {
		if wanted[f.Provider()] {
			out = append(out, f)
			delete(wanted, f.Provider())
		}
	}
	for name := range wanted {
		return nil, fmt.Errorf("insights: unknown provider %q", name)
	}
	return out, nil
}

func combinedError(failed map[string]string) error {
	parts := make([]string, 0, len(failed))
	for provider, cause := range failed {
		parts = append(parts, fmt.Sprintf("%s: %s", provider, cause))
	}
	sort.Strings(parts)
	return fmt.Errorf("all providers failed: %s", strings.Join(parts, "; "))
}

// ErrNoProviders indicates the aggregator was built without any clients.
var ErrNoProviders = errors.New("insights: no providers configured")
