package providers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"adwatch/internal/auth"
	"adwatch/internal/breaker"
	"adwatch/internal/ratelimit"
)

type stubTokens struct {
	token          string
	refreshedToken string
	refreshes      int32
	err            error
}

func (s *stubTokens) Token(ctx context.Context, provider, accountID string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return s.token, nil
}

func (s *stubTokens) ForceRefresh(ctx context.Context, provider, accountID string) (string, error) {
	atomic.AddInt32(&s.refreshes, 1)
	if s.refreshedToken == "" {
		return "", errors.New("no refreshed token configured")
	}
	return s.refreshedToken, nil
}

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

func openLimiter() *ratelimit.Limiter {
	return ratelimit.New(map[string]ratelimit.Config{}, noopLogger())
}

func openBreakers() *breaker.Breakers {
	return breaker.New(breaker.Options{}, noopLogger())
}

func testWindow() Window {
	return Window{
		Since: time.Date(2026, 7, 25, 0, 0, 0, 0, time.UTC),
		Until: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
	}
}

func metaPage(rows []map[string]any, after string) map[string]any {
	page := map[string]any{"data": rows}
	if after != "" {
		page["paging"] = map[string]any{"cursors": map[string]string{"after": after}}
	}
	return page
}

func TestMetaFetchInsightsFollowsCursors(t *testing.T) {
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		if r.URL.Query().Get("access_token") != "tok" {
			t.Errorf("access_token 不正确: %s", r.URL.Query().Get("access_token"))
		}
		if r.URL.Query().Get("level") != "campaign" {
			t.Errorf("level 应为 campaign")
		}

		var page map[string]any
		switch r.URL.Query().Get("after") {
		case "":
			page = metaPage([]map[string]any{{
				"campaign_id":   "c1",
				"campaign_name": "Summer Sale",
				"impressions":   "1000",
				"clicks":        "50",
				"spend":         "12.34",
			}}, "cursor-2")
		case "cursor-2":
			page = metaPage([]map[string]any{{
				"campaign_id":   "c2",
				"campaign_name": "Retargeting",
				"impressions":   "2000",
				"clicks":        "80",
				"spend":         "45.00",
				"actions": []map[string]string{
					{"action_type": "purchase", "value": "7"},
				},
			}}, "")
		default:
			t.Errorf("未知的分页游标: %s", r.URL.Query().Get("after"))
		}
		_ = json.NewEncoder(w).Encode(page)
	}))
	defer srv.Close()

	client := NewMeta(MetaOptions{BaseURL: srv.URL, Timeout: time.Second}, &stubTokens{token: "tok"}, openLimiter(), openBreakers(), noopLogger())

	rows, err := client.FetchInsights(context.Background(), "act_1", testWindow(), FetchOptions{})
	if err != nil {
		t.Fatalf("FetchInsights 应成功: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("应返回 2 行, 实际 %d", len(rows))
	}
	if rows[0].CampaignID != "c1" || rows[1].CampaignID != "c2" {
		t.Fatalf("行顺序不正确: %#v", rows)
	}
	if rows[1].Metrics["conversions"] != "7" {
		t.Fatalf("purchase action 应映射为 conversions: %#v", rows[1].Metrics)
	}
	if got := atomic.LoadInt32(&requests); got != 2 {
		t.Fatalf("应请求 2 页, 实际 %d", got)
	}
}

func TestMetaFetchInsightsHonoursPageLimit(t *testing.T) {
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		// every page advertises a next cursor
		_ = json.NewEncoder(w).Encode(metaPage([]map[string]any{{
			"campaign_id": "c1",
			"impressions": "1",
			"clicks":      "1",
			"spend":       "1",
		}}, "more"))
	}))
	defer srv.Close()

	client := NewMeta(MetaOptions{BaseURL: srv.URL, Timeout: time.Second}, &stubTokens{token: "tok"}, openLimiter(), openBreakers(), noopLogger())

	rows, err := client.FetchInsights(context.Background(), "act_1", testWindow(), FetchOptions{PageLimit: 3})
	if err != nil {
		t.Fatalf("FetchInsights 应成功: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("PageLimit=3 应返回 3 行, 实际 %d", len(rows))
	}
	if got := atomic.LoadInt32(&requests); got != 3 {
		t.Fatalf("应停在 3 页, 实际 %d", got)
	}
}

func TestMetaFetchInsightsRetriesOnceAfterAuthError(t *testing.T) {
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		if r.URL.Query().Get("access_token") == "tok-stale" {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"error": map[string]any{"message": "token expired", "type": "OAuthException", "code": 190},
			})
			return
		}
		_ = json.NewEncoder(w).Encode(metaPage([]map[string]any{{
			"campaign_id": "c1",
			"impressions": "10",
			"clicks":      "1",
			"spend":       "0.50",
		}}, ""))
	}))
	defer srv.Close()

	tokens := &stubTokens{token: "tok-stale", refreshedToken: "tok-new"}
	client := NewMeta(MetaOptions{BaseURL: srv.URL, Timeout: time.Second}, tokens, openLimiter(), openBreakers(), noopLogger())

	rows, err := client.FetchInsights(context.Background(), "act_1", testWindow(), FetchOptions{})
	if err != nil {
		t.Fatalf("强制刷新后应成功: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("应返回 1 行, 实际 %d", len(rows))
	}
	if got := atomic.LoadInt32(&tokens.refreshes); got != 1 {
		t.Fatalf("应强制刷新一次, 实际 %d", got)
	}
}

func TestMetaRateLimiterBlocksRequest(t *testing.T) {
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		_ = json.NewEncoder(w).Encode(metaPage(nil, ""))
	}))
	defer srv.Close()

	limits := ratelimit.New(map[string]ratelimit.Config{
		ProviderMeta: {Capacity: 1, Refill: 1, Per: time.Hour},
	}, noopLogger())
	client := NewMeta(MetaOptions{BaseURL: srv.URL, Timeout: time.Second}, &stubTokens{token: "tok"}, limits, openBreakers(), noopLogger())

	if _, err := client.FetchInsights(context.Background(), "act_1", testWindow(), FetchOptions{}); err != nil {
		t.Fatalf("首次调用应成功: %v", err)
	}

	_, err := client.FetchInsights(context.Background(), "act_1", testWindow(), FetchOptions{})
	var rle *ratelimit.RateLimitedError
	if !errors.As(err, &rle) {
		t.Fatalf("预算耗尽应返回 *RateLimitedError, 实际 %v", err)
	}
	if got := atomic.LoadInt32(&requests); got != 1 {
		t.Fatalf("被限流的调用不应发出请求, 实际 %d 次请求", got)
	}
}

func TestParseMetaErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		status int
		code   int
		want   ErrorKind
	}{
		{"invalid token", 401, 190, KindAuth},
		{"session expired", 401, 102, KindAuth},
		{"app rate limit", 400, 4, KindRateLimited},
		{"user rate limit", 400, 17, KindRateLimited},
		{"page rate limit", 400, 32, KindRateLimited},
		{"ads rate limit", 400, 613, KindRateLimited},
		{"permission denied", 403, 10, KindPermission},
		{"missing permission", 403, 200, KindPermission},
		{"invalid parameter", 400, 100, KindValidation},
		{"server error", 500, 0, KindTransient},
		{"plain 401", 401, 0, KindAuth},
		{"plain 429", 429, 0, KindRateLimited},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			payload, _ := json.Marshal(map[string]any{
				"error": map[string]any{"message": "boom", "code": tc.code},
			})
			err := parseMetaError(tc.status, payload)
			var provErr *Error
			if !errors.As(err, &provErr) {
				t.Fatalf("应返回 *Error, 实际 %T", err)
			}
			if provErr.Kind != tc.want {
				t.Fatalf("错误类别不正确: got %s want %s", provErr.Kind, tc.want)
			}
			if tc.want == KindRateLimited && provErr.RetryAfter <= 0 {
				t.Fatal("限流错误应带 RetryAfter")
			}
		})
	}
}

func TestMetaRenewerExchangesShortLivedToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("grant_type") != "fb_exchange_token" {
			t.Errorf("grant_type 不正确: %s", q.Get("grant_type"))
		}
		if q.Get("fb_exchange_token") != "tok-short" {
			t.Errorf("fb_exchange_token 不正确: %s", q.Get("fb_exchange_token"))
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "tok-long",
			"token_type":   "bearer",
			"expires_in":   5183944,
		})
	}))
	defer srv.Close()

	renewer := NewMetaRenewer(MetaOptions{BaseURL: srv.URL, Timeout: time.Second}, "app", "secret")
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	renewer.now = func() time.Time { return now }

	renewed, err := renewer.Renew(context.Background(), auth.Credential{
		Provider:     ProviderMeta,
		AccountID:    "act_1",
		AccessToken:  "tok-short",
		IssuedAt:     now.Add(-time.Hour),
		ExpiresAt:    now.Add(time.Hour),
		Exchangeable: true,
	})
	if err != nil {
		t.Fatalf("交换应成功: %v", err)
	}
	if renewed.AccessToken != "tok-long" {
		t.Fatalf("access token 不正确: %s", renewed.AccessToken)
	}
	if renewed.TokenType != "long_lived" {
		t.Fatalf("token type 应标记为 long_lived: %s", renewed.TokenType)
	}
	if !renewed.ExpiresAt.Equal(now.Add(5183944 * time.Second)) {
		t.Fatalf("过期时间不正确: %s", renewed.ExpiresAt)
	}
}

func TestMetaRenewerExpiredTokenNeedsReauth(t *testing.T) {
	renewer := NewMetaRenewer(MetaOptions{Timeout: time.Second}, "app", "secret")
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	renewer.now = func() time.Time { return now }

	_, err := renewer.Renew(context.Background(), auth.Credential{
		AccountID: "act_1",
		ExpiresAt: now.Add(-time.Minute),
	})
	if !errors.Is(err, auth.ErrReauthRequired) {
		t.Fatalf("过期 token 应要求重新授权, 实际 %v", err)
	}
}

func TestMetaRenewerLongLivedTokenNeedsReauth(t *testing.T) {
	renewer := NewMetaRenewer(MetaOptions{Timeout: time.Second}, "app", "secret")
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	renewer.now = func() time.Time { return now }

	_, err := renewer.Renew(context.Background(), auth.Credential{
		AccountID: "act_1",
		TokenType: "long_lived",
		ExpiresAt: now.Add(time.Hour),
	})
	if !errors.Is(err, auth.ErrReauthRequired) {
		t.Fatalf("长期 token 不能静默续期, 实际 %v", err)
	}
}
