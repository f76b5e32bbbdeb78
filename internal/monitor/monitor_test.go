package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"adwatch/internal/insights"
)

type recordingSink struct {
	triggered []Alert
	resolved  []Alert
}

func (s *recordingSink) AlertTriggered(alert Alert) { s.triggered = append(s.triggered, alert) }
func (s *recordingSink) AlertResolved(alert Alert)  { s.resolved = append(s.resolved, alert) }

func spendRule(threshold float64, cooldown time.Duration) Rule {
	return Rule{
		ID:         "spend-cap",
		Metric:     "spend",
		Comparator: CmpGT,
		Threshold:  decimal.NewFromFloat(threshold),
		Severity:   "critical",
		Cooldown:   cooldown,
	}
}

func spendRow(campaignID string, spend float64) insights.UnifiedInsight {
	return insights.UnifiedInsight{
		Provider:     "meta",
		AccountID:    "act_1",
		CampaignID:   campaignID,
		CampaignName: "Summer Sale",
		Spend:        decimal.NewFromFloat(spend),
	}
}

func newTestMonitor(rules []Rule, store AlertStore, sink Sink) (*Monitor, *time.Time) {
	m := New(rules, store, sink, zerolog.Nop())
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	return m, &now
}

func TestEvaluateTriggersOnBreach(t *testing.T) {
	store := NewMemAlertStore()
	sink := &recordingSink{}
	m, _ := newTestMonitor([]Rule{spendRule(500, 10*time.Minute)}, store, sink)

	fired := m.Evaluate(context.Background(), []insights.UnifiedInsight{spendRow("c1", 520)})
	if len(fired) != 1 {
		t.Fatalf("应触发 1 条告警, 实际 %d", len(fired))
	}

	alert := fired[0]
	if alert.RuleID != "spend-cap" || alert.Status != StatusActive {
		t.Fatalf("告警内容不正确: %#v", alert)
	}
	if alert.Value.String() != "520" {
		t.Fatalf("告警应携带当前值, 实际 %s", alert.Value)
	}
	if alert.Severity != "critical" {
		t.Fatalf("severity 应来自规则: %s", alert.Severity)
	}
	if alert.Context["account_id"] != "act_1" {
		t.Fatalf("上下文缺少 account_id: %#v", alert.Context)
	}

	stored, err := store.ListAlerts(context.Background(), StatusActive, 10)
	if err != nil {
		t.Fatalf("读取告警失败: %v", err)
	}
	if len(stored) != 1 {
		t.Fatalf("告警应持久化, 实际 %d 条", len(stored))
	}
	if len(sink.triggered) != 1 {
		t.Fatalf("应推送 1 条触发事件, 实际 %d", len(sink.triggered))
	}
}

func TestEvaluateBelowThresholdDoesNotTrigger(t *testing.T) {
	m, _ := newTestMonitor([]Rule{spendRule(500, 0)}, NewMemAlertStore(), nil)

	if fired := m.Evaluate(context.Background(), []insights.UnifiedInsight{spendRow("c1", 450)}); len(fired) != 0 {
		t.Fatalf("未突破阈值不应触发, 实际 %d 条", len(fired))
	}
}

func TestActiveAlertIsNotDuplicated(t *testing.T) {
	m, _ := newTestMonitor([]Rule{spendRule(500, 0)}, NewMemAlertStore(), nil)

	rows := []insights.UnifiedInsight{spendRow("c1", 520)}
	if fired := m.Evaluate(context.Background(), rows); len(fired) != 1 {
		t.Fatal("首次评估应触发")
	}
	if fired := m.Evaluate(context.Background(), rows); len(fired) != 0 {
		t.Fatal("告警活跃期间不应重复触发")
	}
}

func TestCooldownSuppressesRefire(t *testing.T) {
	store := NewMemAlertStore()
	m, now := newTestMonitor([]Rule{spendRule(500, 10*time.Minute)}, store, nil)

	// trigger, resolve, then breach again 2 minutes later: suppressed
	if fired := m.Evaluate(context.Background(), []insights.UnifiedInsight{spendRow("c1", 520)}); len(fired) != 1 {
		t.Fatal("首次评估应触发")
	}
	*now = now.Add(time.Minute)
	if fired := m.Evaluate(context.Background(), []insights.UnifiedInsight{spendRow("c1", 450)}); len(fired) != 0 {
		t.Fatal("恢复不应触发新告警")
	}
	*now = now.Add(time.Minute)
	if fired := m.Evaluate(context.Background(), []insights.UnifiedInsight{spendRow("c1", 530)}); len(fired) != 0 {
		t.Fatal("冷却期内的再次突破应被抑制")
	}

	// past the cooldown the same breach fires again
	*now = now.Add(10 * time.Minute)
	if fired := m.Evaluate(context.Background(), []insights.UnifiedInsight{spendRow("c1", 530)}); len(fired) != 1 {
		t.Fatal("冷却期结束后应重新触发")
	}

	all, err := store.ListAlerts(context.Background(), "", 10)
	if err != nil {
		t.Fatalf("读取告警失败: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("审计记录应有 2 条, 实际 %d", len(all))
	}
}

func TestClearedConditionResolvesAlert(t *testing.T) {
	store := NewMemAlertStore()
	sink := &recordingSink{}
	m, now := newTestMonitor([]Rule{spendRule(500, 0)}, store, sink)

	fired := m.Evaluate(context.Background(), []insights.UnifiedInsight{spendRow("c1", 520)})
	if len(fired) != 1 {
		t.Fatal("首次评估应触发")
	}

	*now = now.Add(5 * time.Minute)
	m.Evaluate(context.Background(), []insights.UnifiedInsight{spendRow("c1", 100)})

	if len(sink.resolved) != 1 {
		t.Fatalf("应推送 1 条恢复事件, 实际 %d", len(sink.resolved))
	}
	if sink.resolved[0].ResolvedAt == nil {
		t.Fatal("恢复事件应带 ResolvedAt")
	}

	resolved, err := store.ListAlerts(context.Background(), StatusResolved, 10)
	if err != nil {
		t.Fatalf("读取告警失败: %v", err)
	}
	if len(resolved) != 1 {
		t.Fatalf("存储中应有 1 条已恢复告警, 实际 %d", len(resolved))
	}
}

func TestExplicitResolve(t *testing.T) {
	store := NewMemAlertStore()
	m, _ := newTestMonitor([]Rule{spendRule(500, 0)}, store, nil)

	fired := m.Evaluate(context.Background(), []insights.UnifiedInsight{spendRow("c1", 520)})
	if len(fired) != 1 {
		t.Fatal("首次评估应触发")
	}

	resolved, err := m.Resolve(context.Background(), fired[0].ID)
	if err != nil {
		t.Fatalf("Resolve 应成功: %v", err)
	}
	if resolved.Status != StatusResolved {
		t.Fatalf("状态应为 resolved: %s", resolved.Status)
	}

	if _, err := m.Resolve(context.Background(), fired[0].ID); err == nil {
		t.Fatal("重复 Resolve 应报错")
	}
	if _, err := m.Resolve(context.Background(), "no-such-id"); err == nil {
		t.Fatal("未知 ID 应报错")
	}
}

func TestPctOfComparator(t *testing.T) {
	rule := Rule{
		ID:         "budget-80",
		Metric:     "spend",
		Comparator: CmpPctOf,
		Threshold:  decimal.NewFromInt(80),
		Baseline:   decimal.NewFromInt(1000),
		Severity:   "warning",
	}
	m, _ := newTestMonitor([]Rule{rule}, NewMemAlertStore(), nil)

	if fired := m.Evaluate(context.Background(), []insights.UnifiedInsight{spendRow("c1", 790)}); len(fired) != 0 {
		t.Fatal("79% 不应触发")
	}
	if fired := m.Evaluate(context.Background(), []insights.UnifiedInsight{spendRow("c1", 800)}); len(fired) != 1 {
		t.Fatal("80% 应触发")
	}
}

func TestRulesScopedPerCampaign(t *testing.T) {
	m, _ := newTestMonitor([]Rule{spendRule(500, time.Hour)}, NewMemAlertStore(), nil)

	fired := m.Evaluate(context.Background(), []insights.UnifiedInsight{
		spendRow("c1", 520),
		spendRow("c2", 600),
		spendRow("c3", 100),
	})
	if len(fired) != 2 {
		t.Fatalf("两个战役突破应各触发一条, 实际 %d", len(fired))
	}
}

func TestRuleValidate(t *testing.T) {
	cases := []struct {
		name    string
		rule    Rule
		wantErr bool
	}{
		{"valid gt", Rule{ID: "r1", Metric: "spend", Comparator: CmpGT}, false},
		{"missing id", Rule{Metric: "spend", Comparator: CmpGT}, true},
		{"unknown metric", Rule{ID: "r1", Metric: "bounce_rate", Comparator: CmpGT}, true},
		{"unknown comparator", Rule{ID: "r1", Metric: "spend", Comparator: "near"}, true},
		{"pct_of needs baseline", Rule{ID: "r1", Metric: "spend", Comparator: CmpPctOf}, true},
		{"pct_of with baseline", Rule{ID: "r1", Metric: "spend", Comparator: CmpPctOf, Baseline: decimal.NewFromInt(100)}, false},
		{"negative cooldown", Rule{ID: "r1", Metric: "spend", Comparator: CmpGT, Cooldown: -time.Second}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.rule.Validate()
			if tc.wantErr && err == nil {
				t.Fatal("应返回校验错误")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("不应报错: %v", err)
			}
		})
	}
}
