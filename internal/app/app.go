package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"adwatch/internal/api"
	"adwatch/internal/auth"
	"adwatch/internal/breaker"
	"adwatch/internal/broadcast"
	"adwatch/internal/config"
	"adwatch/internal/insights"
	"adwatch/internal/logging"
	"adwatch/internal/monitor"
	"adwatch/internal/providers"
	"adwatch/internal/ratelimit"
	"adwatch/internal/scheduler"
	"adwatch/internal/service"
	"adwatch/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logging.Component(logger, "app")}
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) newLimiter() *ratelimit.Limiter {
	return ratelimit.New(map[string]ratelimit.Config{
		providers.ProviderMeta:      a.Config.Meta.RateLimit,
		providers.ProviderGoogleAds: a.Config.GoogleAds.RateLimit,
	}, a.Logger)
}

func (a *App) newBreakers() *breaker.Breakers {
	return breaker.New(breaker.Options{
		FailureThreshold: a.Config.Breaker.FailureThreshold,
		ResetTimeout:     a.Config.Breaker.ResetTimeout,
	}, a.Logger)
}

func (a *App) newTokenManager(store auth.Store) *auth.Manager {
	renewers := make(map[string]auth.Renewer)
	if a.Config.Meta.Enabled {
		renewers[providers.ProviderMeta] = providers.NewMetaRenewer(providers.MetaOptions{
			BaseURL:    a.Config.Meta.BaseURL,
			APIVersion: a.Config.Meta.APIVersion,
			Timeout:    a.Config.Meta.RequestTimeout,
		}, a.Config.Meta.AppID, a.Config.Meta.AppSecret)
	}
	if a.Config.GoogleAds.Enabled {
		renewers[providers.ProviderGoogleAds] = providers.NewGoogleAdsRenewer(providers.GoogleAdsOptions{
			TokenURL: a.Config.GoogleAds.TokenURL,
			Timeout:  a.Config.GoogleAds.RequestTimeout,
		}, a.Config.GoogleAds.ClientID, a.Config.GoogleAds.ClientSecret)
	}

	return auth.NewManager(store, renewers, auth.Options{
		RefreshMargin: a.Config.Auth.RefreshMargin,
	}, a.Logger)
}

func (a *App) newFetchers(tokens providers.TokenSource, limits *ratelimit.Limiter, circuit *breaker.Breakers) []providers.InsightFetcher {
	var fetchers []providers.InsightFetcher
	if a.Config.Meta.Enabled {
		fetchers = append(fetchers, providers.NewMeta(providers.MetaOptions{
			BaseURL:    a.Config.Meta.BaseURL,
			APIVersion: a.Config.Meta.APIVersion,
			Timeout:    a.Config.Meta.RequestTimeout,
			UserAgent:  a.Config.Meta.UserAgent,
			PageSize:   a.Config.Meta.PageSize,
		}, tokens, limits, circuit, a.Logger))
	}
	if a.Config.GoogleAds.Enabled {
		fetchers = append(fetchers, providers.NewGoogleAds(providers.GoogleAdsOptions{
			BaseURL:        a.Config.GoogleAds.BaseURL,
			APIVersion:     a.Config.GoogleAds.APIVersion,
			DeveloperToken: a.Config.GoogleAds.DeveloperToken,
			Timeout:        a.Config.GoogleAds.RequestTimeout,
			UserAgent:      a.Config.GoogleAds.UserAgent,
			PageSize:       a.Config.GoogleAds.PageSize,
		}, tokens, limits, circuit, a.Logger))
	}
	return fetchers
}

func (a *App) newRules() []monitor.Rule {
	rules := make([]monitor.Rule, 0, len(a.Config.Alerting.Rules))
	for _, rc := range a.Config.Alerting.Rules {
		rules = append(rules, monitor.Rule{
			ID:         rc.ID,
			Metric:     rc.Metric,
			Comparator: monitor.Comparator(rc.Comparator),
			Threshold:  decimal.NewFromFloat(rc.Threshold),
			Baseline:   decimal.NewFromFloat(rc.Baseline),
			Severity:   rc.Severity,
			Cooldown:   rc.Cooldown,
		})
	}
	return rules
}

// hubSink forwards alert lifecycle events onto the real-time channel.
type hubSink struct {
	hub *broadcast.Hub
}

func (s hubSink) AlertTriggered(alert monitor.Alert) {
	s.hub.Publish(broadcast.Event{
		Type:      broadcast.EventAlertTriggered,
		AccountID: alert.Context["account_id"],
		Payload:   alert,
	})
}

func (s hubSink) AlertResolved(alert monitor.Alert) {
	s.hub.Publish(broadcast.Event{
		Type:      broadcast.EventAlertResolved,
		AccountID: alert.Context["account_id"],
		Payload:   alert,
	})
}

// Run executes the long-running integration service: token refresh sweep,
// polling loop, and the dashboard-facing API.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; persistence disabled")
	}
	if closeStore != nil {
		defer closeStore()
	}

	var credStore auth.Store
	var alertStore monitor.AlertStore
	var snapshotStore storage.SnapshotStore
	var locker storage.AdvisoryLocker
	if store != nil {
		credStore = store
		alertStore = store
		snapshotStore = store
		locker = store
	} else {
		credStore = auth.NewMemStore()
		alertStore = monitor.NewMemAlertStore()
	}

	limits := a.newLimiter()
	circuit := a.newBreakers()
	tokens := a.newTokenManager(credStore)
	fetchers := a.newFetchers(tokens, limits, circuit)

	for _, rule := range a.newRules() {
		if err := rule.Validate(); err != nil {
			return err
		}
	}

	agg, err := insights.NewAggregator(fetchers,
		[]insights.Normalizer{insights.MetaNormalizer{}, insights.GoogleAdsNormalizer{}},
		insights.Options{
			CacheTTL:      a.Config.Insights.CacheTTL,
			MaxConcurrent: a.Config.Insights.MaxConcurrent,
			FetchTimeout:  a.Config.Insights.FetchTimeout,
		}, a.Logger)
	if err != nil {
		return err
	}

	hub := broadcast.NewHub(a.Logger)

	var mon *monitor.Monitor
	if a.Config.Alerting.Enabled {
		mon = monitor.New(a.newRules(), alertStore, hubSink{hub: hub}, a.Logger)
	}

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToTick,
		StartupDelay: a.Config.Scheduler.StartupDelay,
	}, a.Logger)

	svc := service.New(a.Config, sched, agg, mon, hub, snapshotStore, locker, a.Logger)

	listAlerts := alertStore
	server := api.NewServer(api.Options{
		Addr:        a.Config.Server.Addr,
		ReadTimeout: a.Config.Server.ReadTimeout,
		WindowDays:  a.Config.Insights.WindowDays,
	}, agg, listAlerts, resolverOrNoop(mon), svc.Sync, svc.Last, hub, a.Logger)

	a.Logger.Info().Msg("starting ad integration service")

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return svc.Run(groupCtx)
	})
	group.Go(func() error {
		return tokens.RunRefreshLoop(groupCtx, a.Config.Auth.SweepInterval)
	})
	group.Go(func() error {
		return server.Run(groupCtx, a.Config.Server.ShutdownTimeout)
	})

	err = group.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("service stopped")
	return nil
}

// noopResolver rejects resolution when alerting is disabled.
type noopResolver struct{}

func (noopResolver) Resolve(ctx context.Context, id string) (*monitor.Alert, error) {
	return nil, errors.New("alerting disabled")
}

func resolverOrNoop(mon *monitor.Monitor) api.Resolver {
	if mon == nil {
		return noopResolver{}
	}
	return mon
}

// ExportOptions hold parameters for exporting historical spend data.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit  int
	Status string
}
