package insights

import (
	"time"

	"github.com/shopspring/decimal"

	"adwatch/internal/providers"
)

// UnifiedInsight is the normalized campaign record shared with the API layer
// and the broadcaster. Immutable once produced; newer fetches supersede it.
type UnifiedInsight struct {
	Provider     string          `json:"provider"`
	AccountID    string          `json:"account_id"`
	CampaignID   string          `json:"campaign_id"`
	CampaignName string          `json:"campaign_name"`
	WindowStart  time.Time       `json:"window_start"`
	WindowEnd    time.Time       `json:"window_end"`
	Impressions  int64           `json:"impressions"`
	Clicks       int64           `json:"clicks"`
	Spend        decimal.Decimal `json:"spend"`
	Conversions  decimal.Decimal `json:"conversions"`
	CTR          decimal.Decimal `json:"ctr"`
	CPC          decimal.Decimal `json:"cpc"`
}

// Normalizer maps one provider's raw rows into the unified schema. New
// providers plug in here; shared logic never branches on provider name.
type Normalizer interface {
	Provider() string
	Normalize(accountID string, raw providers.RawInsight) UnifiedInsight
}

var micros = decimal.NewFromInt(1_000_000)

// MetaNormalizer interprets Graph-API string metrics: spend already arrives
// as a decimal currency string.
type MetaNormalizer struct{}

// Provider returns the provider identifier.
func (MetaNormalizer) Provider() string { return providers.ProviderMeta }

// Normalize maps a raw Meta row to the unified schema.
func (MetaNormalizer) Normalize(accountID string, raw providers.RawInsight) UnifiedInsight {
	out := newUnified(providers.ProviderMeta, accountID, raw)
	out.Impressions = parseInt(raw.Metrics["impressions"])
	out.Clicks = parseInt(raw.Metrics["clicks"])
	out.Spend = parseDecimal(raw.Metrics["spend"])
	out.Conversions = parseDecimal(raw.Metrics["conversions"])
	deriveRates(&out)
	return out
}

// GoogleAdsNormalizer interprets searchStream metrics: cost arrives in
// micro-units and is scaled down to currency.
type GoogleAdsNormalizer struct{}

// Provider returns the provider identifier.
func (GoogleAdsNormalizer) Provider() string { return providers.ProviderGoogleAds }

// Normalize maps a raw Google Ads row to the unified schema.
func (GoogleAdsNormalizer) Normalize(accountID string, raw providers.RawInsight) UnifiedInsight {
	out := newUnified(providers.ProviderGoogleAds, accountID, raw)
	out.Impressions = parseInt(raw.Metrics["impressions"])
	out.Clicks = parseInt(raw.Metrics["clicks"])
	out.Spend = parseDecimal(raw.Metrics["cost_micros"]).Div(micros)
	out.Conversions = parseDecimal(raw.Metrics["conversions"])
	deriveRates(&out)
	return out
}

func newUnified(provider, accountID string, raw providers.RawInsight) UnifiedInsight {
	return UnifiedInsight{
		Provider:     provider,
		AccountID:    accountID,
		CampaignID:   raw.CampaignID,
		CampaignName: raw.CampaignName,
		WindowStart:  raw.WindowStart,
		WindowEnd:    raw.WindowEnd,
		Spend:        decimal.Zero,
		Conversions:  decimal.Zero,
		CTR:          decimal.Zero,
		CPC:          decimal.Zero,
	}
}

func deriveRates(in *UnifiedInsight) {
	if in.Impressions > 0 {
		in.CTR = decimal.NewFromInt(in.Clicks).
			Div(decimal.NewFromInt(in.Impressions)).
			Mul(decimal.NewFromInt(100)).
			Round(4)
	}
	if in.Clicks > 0 {
		in.CPC = in.Spend.Div(decimal.NewFromInt(in.Clicks)).Round(4)
	}
}

func parseInt(v string) int64 {
	d := parseDecimal(v)
	return d.IntPart()
}

func parseDecimal(v string) decimal.Decimal {
	if v == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero
	}
	return d
}
