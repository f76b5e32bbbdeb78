package providers

import (
	"context"
	"fmt"
	"time"
)

// Provider identifiers used across the integration layer.
const (
	ProviderMeta      = "meta"
	ProviderGoogleAds = "googleads"
)

// Window bounds a reporting period. Since is inclusive, Until exclusive.
type Window struct {
	Since time.Time
	Until time.Time
}

// FetchOptions tune a single insights fetch.
type FetchOptions struct {
	Fields    []string
	PageLimit int
}

// RawInsight carries one campaign row as returned by a provider, before
// normalization. Metric values stay in the provider's own units and string
// encoding; the provider-specific normalizer interprets them.
type RawInsight struct {
	CampaignID   string
	CampaignName string
	WindowStart  time.Time
	WindowEnd    time.Time
	Metrics      map[string]string
}

// InsightFetcher is the capability surface every ad platform client exposes.
type InsightFetcher interface {
	Provider() string
	FetchInsights(ctx context.Context, accountID string, window Window, opts FetchOptions) ([]RawInsight, error)
}

// TokenSource supplies valid access tokens; implemented by the auth manager.
type TokenSource interface {
	Token(ctx context.Context, provider, accountID string) (string, error)
	// ForceRefresh discards the cached credential's freshness and renews;
	// used after an upstream rejects a token the cache thought was valid.
	ForceRefresh(ctx context.Context, provider, accountID string) (string, error)
}

// ErrorKind classifies provider failures into the shared taxonomy.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindAuth
	KindRateLimited
	KindPermission
	KindValidation
	KindTransient
)

// String returns the taxonomy label.
func (k ErrorKind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindRateLimited:
		return "rate_limited"
	case KindPermission:
		return "permission"
	case KindValidation:
		return "validation"
	case KindTransient:
		return "transient"
	default:
		return "unknown"
	}
}

// Error is the shared provider error. StatusCode is the HTTP status, Code the
// provider's own numeric error code where it has one.
type Error struct {
	Provider   string
	Kind       ErrorKind
	StatusCode int
	Code       int
	Message    string
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s api error (%s, http %d, code %d): %s", e.Provider, e.Kind, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("%s api error (%s, http %d): %s", e.Provider, e.Kind, e.StatusCode, e.Message)
}

// Retryable reports whether the client may retry internally with backoff.
func (e *Error) Retryable() bool {
	return e.Kind == KindTransient
}
