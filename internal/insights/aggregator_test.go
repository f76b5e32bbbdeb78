package insights

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"adwatch/internal/providers"
)

type fakeFetcher struct {
	provider string
	rows     map[string][]providers.RawInsight
	err      error
	calls    int32
}

func (f *fakeFetcher) Provider() string { return f.provider }

func (f *fakeFetcher) FetchInsights(ctx context.Context, accountID string, window providers.Window, opts providers.FetchOptions) ([]providers.RawInsight, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.err != nil {
		return nil, f.err
	}
	return f.rows[accountID], nil
}

func rawRow(campaignID, impressions, clicks, spendKey, spend string) providers.RawInsight {
	return providers.RawInsight{
		CampaignID: campaignID,
		Metrics: map[string]string{
			"impressions": impressions,
			"clicks":      clicks,
			spendKey:      spend,
		},
	}
}

func newTestAggregator(t *testing.T, fetchers []providers.InsightFetcher, opts Options) *Aggregator {
	t.Helper()
	agg, err := NewAggregator(fetchers, []Normalizer{MetaNormalizer{}, GoogleAdsNormalizer{}}, opts, zerolog.Nop())
	if err != nil {
		t.Fatalf("构造聚合器失败: %v", err)
	}
	return agg
}

func testRequest(accounts ...string) Request {
	return Request{
		AccountIDs: accounts,
		Window: providers.Window{
			Since: time.Date(2026, 7, 25, 0, 0, 0, 0, time.UTC),
			Until: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
		},
	}
}

func TestCampaignInsightsMergesInStableOrder(t *testing.T) {
	meta := &fakeFetcher{provider: providers.ProviderMeta, rows: map[string][]providers.RawInsight{
		"a1": {rawRow("m1", "100", "10", "spend", "5.00")},
		"a2": {rawRow("m2", "200", "20", "spend", "8.00")},
	}}
	google := &fakeFetcher{provider: providers.ProviderGoogleAds, rows: map[string][]providers.RawInsight{
		"a1": {rawRow("g1", "300", "30", "cost_micros", "12000000")},
	}}

	agg := newTestAggregator(t, []providers.InsightFetcher{meta, google}, Options{})

	result, err := agg.CampaignInsights(context.Background(), testRequest("a1", "a2"))
	if err != nil {
		t.Fatalf("查询应成功: %v", err)
	}
	if result.Degraded {
		t.Fatal("全部成功不应标记降级")
	}

	got := make([]string, 0, len(result.Insights))
	for _, row := range result.Insights {
		got = append(got, row.Provider+"/"+row.CampaignID)
	}
	want := "meta/m1,meta/m2,googleads/g1"
	if strings.Join(got, ",") != want {
		t.Fatalf("合并顺序不稳定: got %s want %s", strings.Join(got, ","), want)
	}

	// googleads cost_micros scaled to currency
	if result.Insights[2].Spend.String() != "12" {
		t.Fatalf("cost_micros 应换算为货币单位: %s", result.Insights[2].Spend)
	}
}

func TestCampaignInsightsServedFromCache(t *testing.T) {
	meta := &fakeFetcher{provider: providers.ProviderMeta, rows: map[string][]providers.RawInsight{
		"a1": {rawRow("m1", "100", "10", "spend", "5.00")},
	}}

	agg := newTestAggregator(t, []providers.InsightFetcher{meta}, Options{CacheTTL: time.Minute})
	req := testRequest("a1")

	first, err := agg.CampaignInsights(context.Background(), req)
	if err != nil {
		t.Fatalf("首次查询应成功: %v", err)
	}
	second, err := agg.CampaignInsights(context.Background(), req)
	if err != nil {
		t.Fatalf("二次查询应成功: %v", err)
	}

	if first != second {
		t.Fatal("TTL 内应命中缓存")
	}
	if got := atomic.LoadInt32(&meta.calls); got != 1 {
		t.Fatalf("缓存命中不应再次抓取, 实际 %d 次", got)
	}
}

func TestCacheExpiresAfterTTL(t *testing.T) {
	meta := &fakeFetcher{provider: providers.ProviderMeta, rows: map[string][]providers.RawInsight{
		"a1": {rawRow("m1", "100", "10", "spend", "5.00")},
	}}

	agg := newTestAggregator(t, []providers.InsightFetcher{meta}, Options{CacheTTL: time.Minute})
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	agg.now = func() time.Time { return now }
	req := testRequest("a1")

	if _, err := agg.CampaignInsights(context.Background(), req); err != nil {
		t.Fatalf("首次查询应成功: %v", err)
	}

	now = now.Add(2 * time.Minute)
	if _, err := agg.CampaignInsights(context.Background(), req); err != nil {
		t.Fatalf("过期后查询应成功: %v", err)
	}
	if got := atomic.LoadInt32(&meta.calls); got != 2 {
		t.Fatalf("TTL 过期后应重新抓取, 实际 %d 次", got)
	}
}

func TestPartialFailureReturnsDegradedResult(t *testing.T) {
	meta := &fakeFetcher{provider: providers.ProviderMeta, rows: map[string][]providers.RawInsight{
		"a1": {rawRow("m1", "100", "10", "spend", "5.00")},
	}}
	google := &fakeFetcher{provider: providers.ProviderGoogleAds, err: &providers.Error{
		Provider: providers.ProviderGoogleAds,
		Kind:     providers.KindRateLimited,
		Message:  "quota exhausted",
	}}

	agg := newTestAggregator(t, []providers.InsightFetcher{meta, google}, Options{})

	result, err := agg.CampaignInsights(context.Background(), testRequest("a1"))
	if err != nil {
		t.Fatalf("部分失败不应报错: %v", err)
	}
	if !result.Degraded {
		t.Fatal("部分失败应标记降级")
	}
	if !strings.Contains(result.FailedProviders[providers.ProviderGoogleAds], "quota exhausted") {
		t.Fatalf("失败原因不正确: %#v", result.FailedProviders)
	}
	if len(result.Insights) != 1 {
		t.Fatalf("应保留成功提供方的数据, 实际 %d 行", len(result.Insights))
	}
}

func TestAllProvidersFailedReturnsError(t *testing.T) {
	meta := &fakeFetcher{provider: providers.ProviderMeta, err: errors.New("meta down")}
	google := &fakeFetcher{provider: providers.ProviderGoogleAds, err: errors.New("google down")}

	agg := newTestAggregator(t, []providers.InsightFetcher{meta, google}, Options{})

	_, err := agg.CampaignInsights(context.Background(), testRequest("a1"))
	if err == nil {
		t.Fatal("全部失败应报错")
	}
	if !strings.Contains(err.Error(), "meta down") || !strings.Contains(err.Error(), "google down") {
		t.Fatalf("组合错误应包含每个提供方的原因: %v", err)
	}
}

func TestInvalidateDropsMatchingEntries(t *testing.T) {
	meta := &fakeFetcher{provider: providers.ProviderMeta, rows: map[string][]providers.RawInsight{
		"a1": {rawRow("m1", "100", "10", "spend", "5.00")},
	}}

	agg := newTestAggregator(t, []providers.InsightFetcher{meta}, Options{CacheTTL: time.Minute})
	req := testRequest("a1")

	if _, err := agg.CampaignInsights(context.Background(), req); err != nil {
		t.Fatalf("首次查询应成功: %v", err)
	}

	if removed := agg.Invalidate("a1"); removed != 1 {
		t.Fatalf("应移除 1 条缓存, 实际 %d", removed)
	}
	if removed := agg.Invalidate("a1"); removed != 0 {
		t.Fatalf("重复失效应为空操作, 实际移除 %d", removed)
	}

	if _, err := agg.CampaignInsights(context.Background(), req); err != nil {
		t.Fatalf("失效后查询应成功: %v", err)
	}
	if got := atomic.LoadInt32(&meta.calls); got != 2 {
		t.Fatalf("失效后应重新抓取, 实际 %d 次", got)
	}
}

func TestRefreshBypassesCache(t *testing.T) {
	meta := &fakeFetcher{provider: providers.ProviderMeta, rows: map[string][]providers.RawInsight{
		"a1": {rawRow("m1", "100", "10", "spend", "5.00")},
	}}

	agg := newTestAggregator(t, []providers.InsightFetcher{meta}, Options{CacheTTL: time.Minute})
	req := testRequest("a1")

	if _, err := agg.CampaignInsights(context.Background(), req); err != nil {
		t.Fatalf("首次查询应成功: %v", err)
	}
	if _, err := agg.Refresh(context.Background(), req); err != nil {
		t.Fatalf("Refresh 应成功: %v", err)
	}
	if got := atomic.LoadInt32(&meta.calls); got != 2 {
		t.Fatalf("Refresh 应绕过缓存, 实际 %d 次", got)
	}
}

func TestProviderFilterSkipsOtherFetchers(t *testing.T) {
	meta := &fakeFetcher{provider: providers.ProviderMeta, rows: map[string][]providers.RawInsight{
		"a1": {rawRow("m1", "100", "10", "spend", "5.00")},
	}}
	google := &fakeFetcher{provider: providers.ProviderGoogleAds, rows: map[string][]providers.RawInsight{
		"a1": {rawRow("g1", "300", "30", "cost_micros", "12000000")},
	}}
	agg := newTestAggregator(t, []providers.InsightFetcher{meta, google}, Options{})

	req := testRequest("a1")
	req.Providers = []string{providers.ProviderGoogleAds}

	result, err := agg.CampaignInsights(context.Background(), req)
	if err != nil {
		t.Fatalf("查询应成功: %v", err)
	}
	if len(result.Insights) != 1 || result.Insights[0].CampaignID != "g1" {
		t.Fatalf("应只有 googleads 的行: %#v", result.Insights)
	}
	if atomic.LoadInt32(&meta.calls) != 0 {
		t.Fatal("未选中的 provider 不应被调用")
	}

	req.Providers = []string{"tiktok"}
	if _, err := agg.CampaignInsights(context.Background(), req); err == nil {
		t.Fatal("未知 provider 应返回错误")
	}
}

func TestNewAggregatorRequiresProviders(t *testing.T) {
	if _, err := NewAggregator(nil, nil, Options{}, zerolog.Nop()); !errors.Is(err, ErrNoProviders) {
		t.Fatalf("应返回 ErrNoProviders, 实际 %v", err)
	}
}

func TestNewAggregatorRequiresMatchingNormalizer(t *testing.T) {
	meta := &fakeFetcher{provider: providers.ProviderMeta}
	if _, err := NewAggregator([]providers.InsightFetcher{meta}, nil, Options{}, zerolog.Nop()); err == nil {
		t.Fatal("缺少归一化器应报错")
	}
}
