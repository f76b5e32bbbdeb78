package service

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"adwatch/internal/broadcast"
	"adwatch/internal/config"
	"adwatch/internal/insights"
	"adwatch/internal/monitor"
	"adwatch/internal/providers"
	"adwatch/internal/scheduler"
	"adwatch/internal/storage"
)

// Service orchestrates the polling loop: aggregate fresh insights, persist
// snapshots, evaluate alert rules, broadcast deltas.
type Service struct {
	scheduler *scheduler.Scheduler
	agg       *insights.Aggregator
	mon       *monitor.Monitor
	hub       *broadcast.Hub
	snapshots storage.SnapshotStore
	locker    storage.AdvisoryLocker
	logger    zerolog.Logger

	accounts   []string
	windowDays int
	alertsOn   bool
	lockKey    int64
	now        func() time.Time

	last atomic.Pointer[insights.Result]
}

// New constructs the polling service.
func New(cfg *config.Config, sched *scheduler.Scheduler, agg *insights.Aggregator, mon *monitor.Monitor, hub *broadcast.Hub, snapshots storage.SnapshotStore, locker storage.AdvisoryLocker, logger zerolog.Logger) *Service {
	return &Service{
		scheduler:  sched,
		agg:        agg,
		mon:        mon,
		hub:        hub,
		snapshots:  snapshots,
		locker:     locker,
		logger:     logger.With().Str("component", "service").Logger(),
		accounts:   cfg.Insights.Accounts,
		windowDays: cfg.Insights.WindowDays,
		alertsOn:   cfg.Alerting.Enabled,
		lockKey:    cfg.Scheduler.AdvisoryLockKey,
		now:        time.Now,
	}
}

// Run begins the polling loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	if len(s.accounts) == 0 {
		s.logger.Warn().Msg("insights.accounts not configured; polling loop idle")
	}
	return s.scheduler.Run(ctx, s.ProcessTick)
}

// ProcessTick executes one polling pass.
func (s *Service) ProcessTick(ctx context.Context, tick time.Time) error {
	if len(s.accounts) == 0 {
		return nil
	}

	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("tick", tick).Msg("skip tick because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	return s.executeTick(ctx, tick)
}

// Sync invalidates cached insights for the account and fetches fresh data
// immediately. Empty accountID refreshes every configured account; a non-empty
// provider restricts the re-fetch to that upstream.
func (s *Service) Sync(ctx context.Context, accountID, provider string) error {
	accounts := s.accounts
	if accountID != "" {
		s.agg.Invalidate(accountID)
		accounts = []string{accountID}
	} else {
		for _, id := range s.accounts {
			s.agg.Invalidate(id)
		}
	}
	if len(accounts) == 0 {
		return nil
	}

	req := s.request(accounts, s.now())
	if provider != "" {
		req.Providers = []string{provider}
	}
	result, err := s.agg.Refresh(ctx, req)
	if err != nil {
		return fmt.Errorf("sync refresh: %w", err)
	}
	s.afterRefresh(ctx, result)
	return nil
}

func (s *Service) executeTick(ctx context.Context, tick time.Time) error {
	result, err := s.agg.Refresh(ctx, s.request(s.accounts, tick))
	if err != nil {
		return fmt.Errorf("refresh insights: %w", err)
	}

	s.logger.Info().Time("tick", tick).
		Int("rows", len(result.Insights)).
		Bool("degraded", result.Degraded).
		Msg("insights refreshed")

	s.afterRefresh(ctx, result)
	return nil
}

// Last returns the most recent aggregated result, or nil before the first
// refresh. Served to new real-time subscribers as their initial snapshot.
func (s *Service) Last() *insights.Result {
	return s.last.Load()
}

func (s *Service) afterRefresh(ctx context.Context, result *insights.Result) {
	s.last.Store(result)

	if s.snapshots != nil && len(result.Insights) > 0 {
		if err := s.snapshots.UpsertSnapshots(ctx, toSnapshots(result)); err != nil {
			s.logger.Error().Err(err).Msg("failed to persist insight snapshots")
		}
	}

	if s.hub != nil {
		for _, accountID := range accountsOf(result) {
			s.hub.Publish(broadcast.Event{
				Type:      broadcast.EventInsightUpdate,
				AccountID: accountID,
				Payload:   result,
			})
		}
	}

	if s.alertsOn && s.mon != nil {
		// The monitor publishes alert events through its sink.
		s.mon.Evaluate(ctx, result.Insights)
	}
}

func (s *Service) request(accounts []string, at time.Time) insights.Request {
	until := at.UTC()
	since := until.AddDate(0, 0, -s.windowDays)
	return insights.Request{
		AccountIDs: accounts,
		Window:     providers.Window{Since: since, Until: until},
	}
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

func toSnapshots(result *insights.Result) []storage.InsightSnapshot {
	snapshots := make([]storage.InsightSnapshot, 0, len(result.Insights))
	for _, row := range result.Insights {
		snapshots = append(snapshots, storage.InsightSnapshot{
			Provider:     row.Provider,
			AccountID:    row.AccountID,
			CampaignID:   row.CampaignID,
			CampaignName: row.CampaignName,
			WindowStart:  row.WindowStart,
			WindowEnd:    row.WindowEnd,
			Impressions:  row.Impressions,
			Clicks:       row.Clicks,
			Spend:        row.Spend,
			Conversions:  row.Conversions,
			CTR:          row.CTR,
			CPC:          row.CPC,
			FetchedAt:    result.FetchedAt,
		})
	}
	return snapshots
}

func accountsOf(result *insights.Result) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, row := range result.Insights {
		if _, ok := seen[row.AccountID]; ok {
			continue
		}
		seen[row.AccountID] = struct{}{}
		out = append(out, row.AccountID)
	}
	return out
}
