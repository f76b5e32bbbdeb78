package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"adwatch/internal/auth"
	"adwatch/internal/breaker"
	"adwatch/internal/ratelimit"
)

const (
	metaDefaultBaseURL = "https://graph.facebook.com"
	metaDefaultVersion = "v19.0"
	metaDefaultFields  = "campaign_id,campaign_name,impressions,clicks,spend,actions"
	metaLongLivedTTL   = 60 * 24 * time.Hour
)

// MetaOptions parameterise the Graph-API style client.
type MetaOptions struct {
	BaseURL    string
	APIVersion string
	Timeout    time.Duration
	UserAgent  string
	PageSize   int
}

// Meta fetches campaign insights from a Graph-API style endpoint: resource
// path GETs with field selection and cursor pagination.
type Meta struct {
	opts    MetaOptions
	tokens  TokenSource
	limits  *ratelimit.Limiter
	circuit *breaker.Breakers
	client  *http.Client
	logger  zerolog.Logger
	baseURL string
}

// NewMeta constructs a Meta insights client.
func NewMeta(opts MetaOptions, tokens TokenSource, limits *ratelimit.Limiter, circuit *breaker.Breakers, logger zerolog.Logger) *Meta {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = metaDefaultBaseURL
	}
	if opts.APIVersion == "" {
		opts.APIVersion = metaDefaultVersion
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 100
	}

	return &Meta{
		opts:    opts,
		tokens:  tokens,
		limits:  limits,
		circuit: circuit,
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With().Str("component", "meta_client").Logger(),
		baseURL: baseURL,
	}
}

// Provider returns the provider identifier.
func (m *Meta) Provider() string { return ProviderMeta }

// FetchInsights pulls campaign-level insight rows for the account, following
// paging cursors until exhausted or opts.PageLimit pages are consumed.
func (m *Meta) FetchInsights(ctx context.Context, accountID string, window Window, opts FetchOptions) ([]RawInsight, error) {
	token, err := m.tokens.Token(ctx, ProviderMeta, accountID)
	if err != nil {
		return nil, err
	}

	rows, err := m.fetchAllPages(ctx, accountID, token, window, opts)
	if err == nil {
		return rows, nil
	}

	// One forced token refresh on auth rejection, then a single retry.
	var provErr *Error
	if errors.As(err, &provErr) && provErr.Kind == KindAuth {
		m.logger.Warn().Str("account_id", accountID).Msg("token rejected, forcing refresh")
		token, refreshErr := m.tokens.ForceRefresh(ctx, ProviderMeta, accountID)
		if refreshErr != nil {
			return nil, refreshErr
		}
		return m.fetchAllPages(ctx, accountID, token, window, opts)
	}
	return nil, err
}

func (m *Meta) fetchAllPages(ctx context.Context, accountID, token string, window Window, opts FetchOptions) ([]RawInsight, error) {
	fields := metaDefaultFields
	if len(opts.Fields) > 0 {
		fields = strings.Join(opts.Fields, ",")
	}

	var rows []RawInsight
	after := ""
	pages := 0

	for {
		page, next, err := m.fetchPage(ctx, accountID, token, window, fields, after)
		if err != nil {
			return nil, err
		}
		rows = append(rows, page...)
		pages++

		if next == "" {
			return rows, nil
		}
		if opts.PageLimit > 0 && pages >= opts.PageLimit {
			m.logger.Debug().Str("account_id", accountID).Int("pages", pages).Msg("page limit reached")
			return rows, nil
		}
		after = next
	}
}

func (m *Meta) fetchPage(ctx context.Context, accountID, token string, window Window, fields, after string) ([]RawInsight, string, error) {
	if err := m.limits.Acquire(ProviderMeta, accountID, 1); err != nil {
		return nil, "", err
	}

	var payload metaInsightsResponse
	err := m.circuit.Execute(ctx, ProviderMeta, accountID, func(ctx context.Context) error {
		return m.doWithRetry(ctx, accountID, token, window, fields, after, &payload)
	})
	if err != nil {
		return nil, "", err
	}

	rows := make([]RawInsight, 0, len(payload.Data))
	for _, row := range payload.Data {
		rows = append(rows, row.toRaw(window))
	}
	return rows, payload.Paging.Cursors.After, nil
}

// doWithRetry retries transient failures with bounded backoff. Rate-limit and
// auth errors propagate immediately.
func (m *Meta) doWithRetry(ctx context.Context, accountID, token string, window Window, fields, after string, out *metaInsightsResponse) error {
	var lastErr error
	delay := 500 * time.Millisecond

	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			delay *= 2
		}

		err := m.do(ctx, accountID, token, window, fields, after, out)
		if err == nil {
			return nil
		}

		var provErr *Error
		if errors.As(err, &provErr) && provErr.Retryable() {
			lastErr = err
			continue
		}
		return err
	}
	return lastErr
}

func (m *Meta) do(ctx context.Context, accountID, token string, window Window, fields, after string, out *metaInsightsResponse) error {
	endpoint := fmt.Sprintf("%s/%s/act_%s/insights", m.baseURL, m.opts.APIVersion, strings.TrimPrefix(accountID, "act_"))

	query := url.Values{}
	query.Set("level", "campaign")
	query.Set("fields", fields)
	query.Set("time_range", fmt.Sprintf(`{"since":"%s","until":"%s"}`,
		window.Since.UTC().Format("2006-01-02"), window.Until.UTC().Format("2006-01-02")))
	query.Set("limit", fmt.Sprintf("%d", m.opts.PageSize))
	query.Set("access_token", token)
	if after != "" {
		query.Set("after", after)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+query.Encode(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(m.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return &Error{Provider: ProviderMeta, Kind: KindTransient, Message: err.Error()}
	}
	defer resp.Body.Close()

	payloadBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Error{Provider: ProviderMeta, Kind: KindTransient, Message: err.Error()}
	}

	if resp.StatusCode != http.StatusOK {
		return parseMetaError(resp.StatusCode, payloadBytes)
	}

	if err := json.Unmarshal(payloadBytes, out); err != nil {
		return &Error{Provider: ProviderMeta, Kind: KindUnknown, StatusCode: resp.StatusCode, Message: fmt.Sprintf("decode insights payload: %v", err)}
	}
	return nil
}

type metaInsightRow struct {
	CampaignID   string `json:"campaign_id"`
	CampaignName string `json:"campaign_name"`
	Impressions  string `json:"impressions"`
	Clicks       string `json:"clicks"`
	Spend        string `json:"spend"`
	Actions      []struct {
		ActionType string `json:"action_type"`
		Value      string `json:"value"`
	} `json:"actions"`
	DateStart string `json:"date_start"`
	DateStop  string `json:"date_stop"`
}

func (r metaInsightRow) toRaw(window Window) RawInsight {
	metrics := map[string]string{
		"impressions": r.Impressions,
		"clicks":      r.Clicks,
		"spend":       r.Spend,
	}
	for _, action := range r.Actions {
		if action.ActionType == "offsite_conversion" || action.ActionType == "purchase" {
			metrics["conversions"] = action.Value
		}
	}
	return RawInsight{
		CampaignID:   r.CampaignID,
		CampaignName: r.CampaignName,
		WindowStart:  window.Since,
		WindowEnd:    window.Until,
		Metrics:      metrics,
	}
}

type metaInsightsResponse struct {
	Data   []metaInsightRow `json:"data"`
	Paging struct {
		Cursors struct {
			Before string `json:"before"`
			After  string `json:"after"`
		} `json:"cursors"`
		Next string `json:"next"`
	} `json:"paging"`
}

type metaErrorResponse struct {
	Error struct {
		Message   string `json:"message"`
		Type      string `json:"type"`
		Code      int    `json:"code"`
		Subcode   int    `json:"error_subcode"`
		FBTraceID string `json:"fbtrace_id"`
	} `json:"error"`
}

// parseMetaError maps Graph API error codes onto the shared taxonomy.
func parseMetaError(status int, payload []byte) error {
	provErr := &Error{Provider: ProviderMeta, Kind: KindUnknown, StatusCode: status}

	var apiErr metaErrorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil && apiErr.Error.Message != "" {
		provErr.Code = apiErr.Error.Code
		provErr.Message = apiErr.Error.Message
	} else if len(payload) > 0 {
		provErr.Message = strings.TrimSpace(string(payload))
	}

	switch provErr.Code {
	case 190, 102:
		provErr.Kind = KindAuth
	case 4, 17, 32, 613:
		provErr.Kind = KindRateLimited
		provErr.RetryAfter = time.Minute
	case 10, 200, 294:
		provErr.Kind = KindPermission
	case 100:
		provErr.Kind = KindValidation
	default:
		switch {
		case status == http.StatusUnauthorized:
			provErr.Kind = KindAuth
		case status == http.StatusTooManyRequests:
			provErr.Kind = KindRateLimited
			provErr.RetryAfter = time.Minute
		case status == http.StatusForbidden:
			provErr.Kind = KindPermission
		case status >= 500:
			provErr.Kind = KindTransient
		}
	}
	return provErr
}

// MetaRenewer renews Meta credentials. Graph API has no refresh tokens: a
// short-lived token is exchanged for a long-lived one exactly once, and an
// expired long-lived token can only be replaced by user-driven OAuth.
type MetaRenewer struct {
	opts      MetaOptions
	appID     string
	appSecret string
	client    *http.Client
	baseURL   string
	now       func() time.Time
}

// NewMetaRenewer constructs a token-exchange renewer.
func NewMetaRenewer(opts MetaOptions, appID, appSecret string) *MetaRenewer {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = metaDefaultBaseURL
	}
	if opts.APIVersion == "" {
		opts.APIVersion = metaDefaultVersion
	}
	return &MetaRenewer{
		opts:      opts,
		appID:     appID,
		appSecret: appSecret,
		client:    &http.Client{Timeout: timeout},
		baseURL:   baseURL,
		now:       time.Now,
	}
}

// Renew exchanges a still-valid short-lived token for a long-lived one. Any
// other situation requires re-authentication.
func (r *MetaRenewer) Renew(ctx context.Context, cred auth.Credential) (auth.Credential, error) {
	now := r.now()
	if !cred.ExpiresAt.After(now) {
		return auth.Credential{}, fmt.Errorf("token for %s expired at %s: %w", cred.AccountID, cred.ExpiresAt.Format(time.RFC3339), auth.ErrReauthRequired)
	}
	if cred.TokenType == "long_lived" {
		// Already exchanged once; cannot silently renew past this point.
		return auth.Credential{}, fmt.Errorf("long-lived token for %s cannot be renewed silently: %w", cred.AccountID, auth.ErrReauthRequired)
	}

	query := url.Values{}
	query.Set("grant_type", "fb_exchange_token")
	query.Set("client_id", r.appID)
	query.Set("client_secret", r.appSecret)
	query.Set("fb_exchange_token", cred.AccessToken)

	endpoint := fmt.Sprintf("%s/%s/oauth/access_token?%s", r.baseURL, r.opts.APIVersion, query.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return auth.Credential{}, err
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return auth.Credential{}, fmt.Errorf("exchange token: %w", err)
	}
	defer resp.Body.Close()

	payloadBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return auth.Credential{}, err
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr metaErrorResponse
		if jsonErr := json.Unmarshal(payloadBytes, &apiErr); jsonErr == nil && (apiErr.Error.Code == 190 || apiErr.Error.Type == "OAuthException") {
			return auth.Credential{}, fmt.Errorf("exchange rejected: %s: %w", apiErr.Error.Message, auth.ErrReauthRequired)
		}
		return auth.Credential{}, fmt.Errorf("exchange token: http %d: %s", resp.StatusCode, strings.TrimSpace(string(payloadBytes)))
	}

	var result struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(payloadBytes, &result); err != nil {
		return auth.Credential{}, fmt.Errorf("decode exchange response: %w", err)
	}
	if result.AccessToken == "" {
		return auth.Credential{}, errors.New("exchange returned empty access token")
	}

	ttl := metaLongLivedTTL
	if result.ExpiresIn > 0 {
		ttl = time.Duration(result.ExpiresIn) * time.Second
	}

	renewed := cred
	renewed.AccessToken = result.AccessToken
	renewed.TokenType = "long_lived"
	renewed.IssuedAt = now
	renewed.ExpiresAt = now.Add(ttl)
	return renewed, nil
}

var (
	_ InsightFetcher = (*Meta)(nil)
	_ auth.Renewer   = (*MetaRenewer)(nil)
)
