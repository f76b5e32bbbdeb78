package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"adwatch/internal/auth"
	"adwatch/internal/breaker"
	"adwatch/internal/ratelimit"
)

const (
	googleDefaultBaseURL  = "https://googleads.googleapis.com"
	googleDefaultVersion  = "v16"
	googleDefaultTokenURL = "https://oauth2.googleapis.com/token"
)

const googleInsightsQuery = `SELECT campaign.id, campaign.name, metrics.impressions, metrics.clicks, metrics.cost_micros, metrics.conversions FROM campaign WHERE segments.date BETWEEN '%s' AND '%s'`

// GoogleAdsOptions parameterise the Google-Ads style client.
type GoogleAdsOptions struct {
	BaseURL        string
	APIVersion     string
	TokenURL       string
	DeveloperToken string
	Timeout        time.Duration
	UserAgent      string
	PageSize       int
}

// GoogleAds fetches campaign insights through a structured query language
// over POST, with page-token pagination.
type GoogleAds struct {
	opts    GoogleAdsOptions
	tokens  TokenSource
	limits  *ratelimit.Limiter
	circuit *breaker.Breakers
	client  *http.Client
	logger  zerolog.Logger
	baseURL string
}

// NewGoogleAds constructs a Google Ads insights client.
func NewGoogleAds(opts GoogleAdsOptions, tokens TokenSource, limits *ratelimit.Limiter, circuit *breaker.Breakers, logger zerolog.Logger) *GoogleAds {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = googleDefaultBaseURL
	}
	if opts.APIVersion == "" {
		opts.APIVersion = googleDefaultVersion
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 1000
	}

	return &GoogleAds{
		opts:    opts,
		tokens:  tokens,
		limits:  limits,
		circuit: circuit,
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With().Str("component", "googleads_client").Logger(),
		baseURL: baseURL,
	}
}

// Provider returns the provider identifier.
func (g *GoogleAds) Provider() string { return ProviderGoogleAds }

// FetchInsights runs the campaign metrics query for the customer, following
// page tokens until exhausted or opts.PageLimit pages are consumed.
func (g *GoogleAds) FetchInsights(ctx context.Context, accountID string, window Window, opts FetchOptions) ([]RawInsight, error) {
	token, err := g.tokens.Token(ctx, ProviderGoogleAds, accountID)
	if err != nil {
		return nil, err
	}

	rows, err := g.fetchAllPages(ctx, accountID, token, window, opts)
	if err == nil {
		return rows, nil
	}

	var provErr *Error
	if errors.As(err, &provErr) && provErr.Kind == KindAuth {
		g.logger.Warn().Str("account_id", accountID).Msg("token rejected, forcing refresh")
		token, refreshErr := g.tokens.ForceRefresh(ctx, ProviderGoogleAds, accountID)
		if refreshErr != nil {
			return nil, refreshErr
		}
		return g.fetchAllPages(ctx, accountID, token, window, opts)
	}
	return nil, err
}

func (g *GoogleAds) fetchAllPages(ctx context.Context, accountID, token string, window Window, opts FetchOptions) ([]RawInsight, error) {
	var rows []RawInsight
	pageToken := ""
	pages := 0

	for {
		page, next, err := g.fetchPage(ctx, accountID, token, window, pageToken)
		if err != nil {
			return nil, err
		}
		rows = append(rows, page...)
		pages++

		if next == "" {
			return rows, nil
		}
		if opts.PageLimit > 0 && pages >= opts.PageLimit {
			g.logger.Debug().Str("account_id", accountID).Int("pages", pages).Msg("page limit reached")
			return rows, nil
		}
		pageToken = next
	}
}

func (g *GoogleAds) fetchPage(ctx context.Context, accountID, token string, window Window, pageToken string) ([]RawInsight, string, error) {
	if err := g.limits.Acquire(ProviderGoogleAds, accountID, 1); err != nil {
		return nil, "", err
	}

	var payload googleSearchResponse
	err := g.circuit.Execute(ctx, ProviderGoogleAds, accountID, func(ctx context.Context) error {
		return g.doWithRetry(ctx, accountID, token, window, pageToken, &payload)
	})
	if err != nil {
		return nil, "", err
	}

	rows := make([]RawInsight, 0, len(payload.Results))
	for _, result := range payload.Results {
		rows = append(rows, result.toRaw(window))
	}
	return rows, payload.NextPageToken, nil
}

func (g *GoogleAds) doWithRetry(ctx context.Context, accountID, token string, window Window, pageToken string, out *googleSearchResponse) error {
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

		err := g.do(ctx, accountID, token, window, pageToken, out)
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

func (g *GoogleAds) do(ctx context.Context, accountID, token string, window Window, pageToken string, out *googleSearchResponse) error {
	endpoint := fmt.Sprintf("%s/%s/customers/%s/googleAds:search", g.baseURL, g.opts.APIVersion, accountID)

	query := fmt.Sprintf(googleInsightsQuery,
		window.Since.UTC().Format("2006-01-02"), window.Until.UTC().Format("2006-01-02"))

	reqPayload := googleSearchRequest{
		Query:    query,
		PageSize: g.opts.PageSize,
	}
	if pageToken != "" {
		reqPayload.PageToken = pageToken
	}

	body, err := json.Marshal(reqPayload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	if g.opts.DeveloperToken != "" {
		req.Header.Set("developer-token", g.opts.DeveloperToken)
	}
	if ua := strings.TrimSpace(g.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return &Error{Provider: ProviderGoogleAds, Kind: KindTransient, Message: err.Error()}
	}
	defer resp.Body.Close()

	payloadBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Error{Provider: ProviderGoogleAds, Kind: KindTransient, Message: err.Error()}
	}

	if resp.StatusCode != http.StatusOK {
		return parseGoogleError(resp, payloadBytes)
	}

	if err := json.Unmarshal(payloadBytes, out); err != nil {
		return &Error{Provider: ProviderGoogleAds, Kind: KindUnknown, StatusCode: resp.StatusCode, Message: fmt.Sprintf("decode search payload: %v", err)}
	}
	return nil
}

type googleSearchRequest struct {
	Query     string `json:"query"`
	PageSize  int    `json:"pageSize,omitempty"`
	PageToken string `json:"pageToken,omitempty"`
}

type googleSearchResult struct {
	Campaign struct {
		ID   json.Number `json:"id"`
		Name string      `json:"name"`
	} `json:"campaign"`
	Metrics struct {
		Impressions string  `json:"impressions"`
		Clicks      string  `json:"clicks"`
		CostMicros  string  `json:"costMicros"`
		Conversions float64 `json:"conversions"`
	} `json:"metrics"`
}

func (r googleSearchResult) toRaw(window Window) RawInsight {
	return RawInsight{
		CampaignID:   r.Campaign.ID.String(),
		CampaignName: r.Campaign.Name,
		WindowStart:  window.Since,
		WindowEnd:    window.Until,
		Metrics: map[string]string{
			"impressions": r.Metrics.Impressions,
			"clicks":      r.Metrics.Clicks,
			"cost_micros": r.Metrics.CostMicros,
			"conversions": strconv.FormatFloat(r.Metrics.Conversions, 'f', -1, 64),
		},
	}
}

type googleSearchResponse struct {
	Results       []googleSearchResult `json:"results"`
	NextPageToken string               `json:"nextPageToken"`
}

type googleErrorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// parseGoogleError maps HTTP status onto the shared taxonomy. Retry-After is
// honoured when the upstream sends it.
func parseGoogleError(resp *http.Response, payload []byte) error {
	provErr := &Error{Provider: ProviderGoogleAds, Kind: KindUnknown, StatusCode: resp.StatusCode}

	var apiErr googleErrorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil && apiErr.Error.Message != "" {
		provErr.Code = apiErr.Error.Code
		provErr.Message = apiErr.Error.Message
	} else if len(payload) > 0 {
		provErr.Message = strings.TrimSpace(string(payload))
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		provErr.Kind = KindAuth
	case resp.StatusCode == http.StatusTooManyRequests:
		provErr.Kind = KindRateLimited
		provErr.RetryAfter = time.Minute
		if header := resp.Header.Get("Retry-After"); header != "" {
			if seconds, err := strconv.Atoi(header); err == nil && seconds > 0 {
				provErr.RetryAfter = time.Duration(seconds) * time.Second
			}
		}
	case resp.StatusCode == http.StatusForbidden:
		provErr.Kind = KindPermission
	case resp.StatusCode == http.StatusBadRequest:
		provErr.Kind = KindValidation
	case resp.StatusCode >= 500:
		provErr.Kind = KindTransient
	}
	return provErr
}

// GoogleAdsRenewer renews credentials through the OAuth2 refresh-token grant.
type GoogleAdsRenewer struct {
	tokenURL     string
	clientID     string
	clientSecret string
	client       *http.Client
	now          func() time.Time
}

// NewGoogleAdsRenewer constructs a refresh-token renewer.
func NewGoogleAdsRenewer(opts GoogleAdsOptions, clientID, clientSecret string) *GoogleAdsRenewer {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	tokenURL := strings.TrimRight(opts.TokenURL, "/")
	if tokenURL == "" {
		tokenURL = googleDefaultTokenURL
	}
	return &GoogleAdsRenewer{
		tokenURL:     tokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		client:       &http.Client{Timeout: timeout},
		now:          time.Now,
	}
}

// Renew posts the refresh-token grant. invalid_grant is terminal and surfaces
// as ErrReauthRequired.
func (r *GoogleAdsRenewer) Renew(ctx context.Context, cred auth.Credential) (auth.Credential, error) {
	if cred.Exchangeable {
		return auth.Credential{}, errors.New("exchangeable credential must not go through refresh-token grant")
	}
	if cred.RefreshToken == "" {
		return auth.Credential{}, fmt.Errorf("no refresh token stored for %s: %w", cred.AccountID, auth.ErrReauthRequired)
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("client_id", r.clientID)
	form.Set("client_secret", r.clientSecret)
	form.Set("refresh_token", cred.RefreshToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return auth.Credential{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.client.Do(req)
	if err != nil {
		return auth.Credential{}, fmt.Errorf("refresh token: %w", err)
	}
	defer resp.Body.Close()

	payloadBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return auth.Credential{}, err
	}

	if resp.StatusCode != http.StatusOK {
		var oauthErr struct {
			Error            string `json:"error"`
			ErrorDescription string `json:"error_description"`
		}
		if jsonErr := json.Unmarshal(payloadBytes, &oauthErr); jsonErr == nil {
			if oauthErr.Error == "invalid_grant" || oauthErr.Error == "invalid_client" {
				return auth.Credential{}, fmt.Errorf("refresh rejected (%s): %s: %w", oauthErr.Error, oauthErr.ErrorDescription, auth.ErrReauthRequired)
			}
		}
		return auth.Credential{}, fmt.Errorf("refresh token: http %d: %s", resp.StatusCode, strings.TrimSpace(string(payloadBytes)))
	}

	var result struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(payloadBytes, &result); err != nil {
		return auth.Credential{}, fmt.Errorf("decode refresh response: %w", err)
	}
	if result.AccessToken == "" {
		return auth.Credential{}, errors.New("refresh returned empty access token")
	}

	ttl := time.Hour
	if result.ExpiresIn > 0 {
		ttl = time.Duration(result.ExpiresIn) * time.Second
	}

	now := r.now()
	renewed := cred
	renewed.AccessToken = result.AccessToken
	if result.TokenType != "" {
		renewed.TokenType = result.TokenType
	}
	renewed.IssuedAt = now
	renewed.ExpiresAt = now.Add(ttl)
	return renewed, nil
}

var (
	_ InsightFetcher = (*GoogleAds)(nil)
	_ auth.Renewer   = (*GoogleAdsRenewer)(nil)
)
