package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// InsightSnapshot is a persisted observation of one campaign's metrics for a
// reporting window. Keyed by (provider, campaign_id, window_start); newer
// fetches for the same key replace older ones.
type InsightSnapshot struct {
	Provider     string
	AccountID    string
	CampaignID   string
	CampaignName string
	WindowStart  time.Time
	WindowEnd    time.Time
	Impressions  int64
	Clicks       int64
	Spend        decimal.Decimal
	Conversions  decimal.Decimal
	CTR          decimal.Decimal
	CPC          decimal.Decimal
	FetchedAt    time.Time
	CreatedAt    time.Time
}
