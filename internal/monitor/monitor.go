package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"adwatch/internal/insights"
)

// Comparator names a threshold comparison.
type Comparator string

// Supported comparators. PctOf triggers when the value reaches the configured
// percentage of the rule's baseline (e.g. 80% of a daily budget).
const (
	CmpGT    Comparator = "gt"
	CmpLT    Comparator = "lt"
	CmpGTE   Comparator = "gte"
	CmpLTE   Comparator = "lte"
	CmpPctOf Comparator = "pct_of"
)

// Alert statuses.
const (
	StatusActive   = "active"
	StatusResolved = "resolved"
)

// Rule is a configured alert condition. Read-only during evaluation.
type Rule struct {
	ID         string
	Metric     string
	Comparator Comparator
	Threshold  decimal.Decimal
	Baseline   decimal.Decimal
	Severity   string
	Cooldown   time.Duration
}

// Validate checks the rule definition at startup.
func (r Rule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("alert rule missing id")
	}
	if _, ok := metricExtractors[r.Metric]; !ok {
		return fmt.Errorf("alert rule %s: unknown metric %q", r.ID, r.Metric)
	}
	switch r.Comparator {
	case CmpGT, CmpLT, CmpGTE, CmpLTE:
	case CmpPctOf:
		if r.Baseline.IsZero() {
			return fmt.Errorf("alert rule %s: pct_of requires a non-zero baseline", r.ID)
		}
	default:
		return fmt.Errorf("alert rule %s: unknown comparator %q", r.ID, r.Comparator)
	}
	if r.Cooldown < 0 {
		return fmt.Errorf("alert rule %s: cooldown cannot be negative", r.ID)
	}
	return nil
}

// Alert is an emitted rule breach. Never deleted, only status-transitioned.
type Alert struct {
	ID          string            `json:"id"`
	RuleID      string            `json:"rule_id"`
	Provider    string            `json:"provider"`
	CampaignID  string            `json:"campaign_id"`
	Severity    string            `json:"severity"`
	Status      string            `json:"status"`
	Value       decimal.Decimal   `json:"value"`
	Threshold   decimal.Decimal   `json:"threshold"`
	TriggeredAt time.Time         `json:"triggered_at"`
	ResolvedAt  *time.Time        `json:"resolved_at,omitempty"`
	Context     map[string]string `json:"context,omitempty"`
}

// AlertStore persists the alert audit trail.
type AlertStore interface {
	InsertAlert(ctx context.Context, alert Alert) error
	UpdateAlertStatus(ctx context.Context, id, status string, resolvedAt time.Time) error
	ListAlerts(ctx context.Context, status string, limit int) ([]Alert, error)
}

// Sink receives lifecycle events for broadcast.
type Sink interface {
	AlertTriggered(alert Alert)
	AlertResolved(alert Alert)
}

type stateKey struct {
	ruleID     string
	provider   string
	campaignID string
}

type ruleState struct {
	active    *Alert
	lastFired time.Time
}

// Monitor evaluates aggregated insights against configured rules, suppressing
// repeat firings inside each rule's cooldown window.
type Monitor struct {
	rules  []Rule
	store  AlertStore
	sink   Sink
	logger zerolog.Logger

	mu     sync.Mutex
	states map[stateKey]*ruleState
	byID   map[string]stateKey
	now    func() time.Time
}

// New constructs a Monitor. Rules must already be validated.
func New(rules []Rule, store AlertStore, sink Sink, logger zerolog.Logger) *Monitor {
	return &Monitor{
		rules:  rules,
		store:  store,
		sink:   sink,
		logger: logger.With().Str("component", "monitor").Logger(),
		states: make(map[stateKey]*ruleState),
		byID:   make(map[string]stateKey),
		now:    time.Now,
	}
}

// Evaluate runs every rule against the latest insights and returns newly
// triggered alerts. Cleared conditions resolve their active alerts.
func (m *Monitor) Evaluate(ctx context.Context, rows []insights.UnifiedInsight) []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var fired []Alert

	for _, rule := range m.rules {
		for _, row := range rows {
			value, ok := extractMetric(rule.Metric, row)
			if !ok {
				continue
			}

			key := stateKey{ruleID: rule.ID, provider: row.Provider, campaignID: row.CampaignID}
			state, exists := m.states[key]
			if !exists {
				state = &ruleState{}
				m.states[key] = state
			}

			if breached(rule, value) {
				if alert := m.trigger(ctx, rule, key, state, row, value, now); alert != nil {
					fired = append(fired, *alert)
				}
			} else if state.active != nil {
				m.resolve(ctx, state, now)
			}
		}
	}
	return fired
}

// Resolve acknowledges an active alert explicitly.
func (m *Monitor) Resolve(ctx context.Context, id string) (*Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key, ok := m.byID[id]
	if !ok {
		return nil, fmt.Errorf("monitor: no active alert with id %s", id)
	}
	state := m.states[key]
	if state == nil || state.active == nil || state.active.ID != id {
		return nil, fmt.Errorf("monitor: alert %s is not active", id)
	}

	resolved := m.resolve(ctx, state, m.now())
	return resolved, nil
}

func (m *Monitor) trigger(ctx context.Context, rule Rule, key stateKey, state *ruleState, row insights.UnifiedInsight, value decimal.Decimal, now time.Time) *Alert {
	if state.active != nil {
		return nil
	}
	if !state.lastFired.IsZero() && now.Sub(state.lastFired) < rule.Cooldown {
		m.logger.Debug().
			Str("rule_id", rule.ID).
			Str("campaign_id", row.CampaignID).
			Msg("breach suppressed by cooldown")
		return nil
	}

	alert := Alert{
		ID:          uuid.NewString(),
		RuleID:      rule.ID,
		Provider:    row.Provider,
		CampaignID:  row.CampaignID,
		Severity:    rule.Severity,
		Status:      StatusActive,
		Value:       value,
		Threshold:   rule.Threshold,
		TriggeredAt: now,
		Context: map[string]string{
			"account_id":    row.AccountID,
			"campaign_name": row.CampaignName,
			"metric":        rule.Metric,
			"comparator":    string(rule.Comparator),
		},
	}

	state.active = &alert
	state.lastFired = now
	m.byID[alert.ID] = key

	if m.store != nil {
		if err := m.store.InsertAlert(ctx, alert); err != nil {
			m.logger.Error().Err(err).Str("alert_id", alert.ID).Msg("failed to persist alert")
		}
	}
	if m.sink != nil {
		m.sink.AlertTriggered(alert)
	}

	m.logger.Warn().
		Str("rule_id", rule.ID).
		Str("campaign_id", row.CampaignID).
		Str("severity", rule.Severity).
		Str("value", value.String()).
		Msg("alert triggered")
	return &alert
}

func (m *Monitor) resolve(ctx context.Context, state *ruleState, now time.Time) *Alert {
	alert := *state.active
	alert.Status = StatusResolved
	resolvedAt := now
	alert.ResolvedAt = &resolvedAt
	state.active = nil
	delete(m.byID, alert.ID)

	if m.store != nil {
		if err := m.store.UpdateAlertStatus(ctx, alert.ID, StatusResolved, resolvedAt); err != nil {
			m.logger.Error().Err(err).Str("alert_id", alert.ID).Msg("failed to persist alert resolution")
		}
	}
	if m.sink != nil {
		m.sink.AlertResolved(alert)
	}

	m.logger.Info().Str("alert_id", alert.ID).Str("rule_id", alert.RuleID).Msg("alert resolved")
	return &alert
}

func breached(rule Rule, value decimal.Decimal) bool {
	switch rule.Comparator {
	case CmpGT:
		return value.GreaterThan(rule.Threshold)
	case CmpLT:
		return value.LessThan(rule.Threshold)
	case CmpGTE:
		return value.GreaterThanOrEqual(rule.Threshold)
	case CmpLTE:
		return value.LessThanOrEqual(rule.Threshold)
	case CmpPctOf:
		if rule.Baseline.IsZero() {
			return false
		}
		pct := value.Div(rule.Baseline).Mul(decimal.NewFromInt(100))
		return pct.GreaterThanOrEqual(rule.Threshold)
	}
	return false
}

type metricExtractor func(insights.UnifiedInsight) decimal.Decimal

var metricExtractors = map[string]metricExtractor{
	"spend":       func(r insights.UnifiedInsight) decimal.Decimal { return r.Spend },
	"impressions": func(r insights.UnifiedInsight) decimal.Decimal { return decimal.NewFromInt(r.Impressions) },
	"clicks":      func(r insights.UnifiedInsight) decimal.Decimal { return decimal.NewFromInt(r.Clicks) },
	"conversions": func(r insights.UnifiedInsight) decimal.Decimal { return r.Conversions },
	"ctr":         func(r insights.UnifiedInsight) decimal.Decimal { return r.CTR },
	"cpc":         func(r insights.UnifiedInsight) decimal.Decimal { return r.CPC },
}

func extractMetric(metric string, row insights.UnifiedInsight) (decimal.Decimal, bool) {
	extractor, ok := metricExtractors[metric]
	if !ok {
		return decimal.Decimal{}, false
	}
	return extractor(row), true
}
