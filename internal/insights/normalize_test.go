package insights

import (
	"testing"
	"time"

	"adwatch/internal/providers"
)

func TestMetaNormalizeDerivesRates(t *testing.T) {
	raw := providers.RawInsight{
		CampaignID:   "c1",
		CampaignName: "Summer Sale",
		WindowStart:  time.Date(2026, 7, 25, 0, 0, 0, 0, time.UTC),
		WindowEnd:    time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
		Metrics: map[string]string{
			"impressions": "2000",
			"clicks":      "50",
			"spend":       "125.50",
			"conversions": "7",
		},
	}

	out := MetaNormalizer{}.Normalize("act_1", raw)

	if out.Provider != providers.ProviderMeta || out.AccountID != "act_1" {
		t.Fatalf("身份字段不正确: %#v", out)
	}
	if out.Impressions != 2000 || out.Clicks != 50 {
		t.Fatalf("计数字段不正确: %#v", out)
	}
	if out.Spend.String() != "125.5" {
		t.Fatalf("spend 不正确: %s", out.Spend)
	}
	// 50/2000*100 = 2.5
	if out.CTR.String() != "2.5" {
		t.Fatalf("CTR 不正确: %s", out.CTR)
	}
	// 125.50/50 = 2.51
	if out.CPC.String() != "2.51" {
		t.Fatalf("CPC 不正确: %s", out.CPC)
	}
}

func TestGoogleAdsNormalizeScalesMicros(t *testing.T) {
	raw := providers.RawInsight{
		CampaignID: "101",
		Metrics: map[string]string{
			"impressions": "1000",
			"clicks":      "40",
			"cost_micros": "34560000",
			"conversions": "2.5",
		},
	}

	out := GoogleAdsNormalizer{}.Normalize("123", raw)

	if out.Spend.String() != "34.56" {
		t.Fatalf("cost_micros 换算不正确: %s", out.Spend)
	}
	if out.Conversions.String() != "2.5" {
		t.Fatalf("conversions 不正确: %s", out.Conversions)
	}
	// 34.56/40 = 0.864
	if out.CPC.String() != "0.864" {
		t.Fatalf("CPC 不正确: %s", out.CPC)
	}
}

func TestNormalizeZeroDenominators(t *testing.T) {
	raw := providers.RawInsight{
		CampaignID: "c1",
		Metrics: map[string]string{
			"impressions": "0",
			"clicks":      "0",
			"spend":       "10.00",
		},
	}

	out := MetaNormalizer{}.Normalize("act_1", raw)

	if !out.CTR.IsZero() || !out.CPC.IsZero() {
		t.Fatalf("零分母应得到零比率: ctr=%s cpc=%s", out.CTR, out.CPC)
	}
}

func TestNormalizeUnparseableMetricsFallBackToZero(t *testing.T) {
	raw := providers.RawInsight{
		CampaignID: "c1",
		Metrics: map[string]string{
			"impressions": "not-a-number",
			"clicks":      "",
			"spend":       "whoops",
		},
	}

	out := MetaNormalizer{}.Normalize("act_1", raw)

	if out.Impressions != 0 || out.Clicks != 0 || !out.Spend.IsZero() {
		t.Fatalf("无法解析的指标应归零: %#v", out)
	}
}
