package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"adwatch/internal/broadcast"
	"adwatch/internal/insights"
	"adwatch/internal/providers"
)

// apiResponse is the JSON envelope for every endpoint.
type apiResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, resp apiResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, apiResponse{Success: false, Error: message})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, apiResponse{Success: true, Data: map[string]interface{}{
		"status":      "ok",
		"subscribers": s.hub.SubscriberCount(),
	}})
}

// handleInsights serves GET /api/insights?accounts=a,b&since=...&until=...
func (s *Server) handleInsights(w http.ResponseWriter, r *http.Request) {
	accounts := splitParam(r.URL.Query().Get("accounts"))
	if len(accounts) == 0 {
		writeError(w, http.StatusBadRequest, "accounts parameter is required")
		return
	}

	window, err := s.parseWindow(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	req := insights.Request{
		AccountIDs: accounts,
		Window:     window,
		Fields:     splitParam(r.URL.Query().Get("metrics")),
	}

	result, err := s.insights.CampaignInsights(r.Context(), req)
	if err != nil {
		s.logger.Error().Err(err).Msg("insights request failed")
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, apiResponse{Success: true, Data: result})
}

// handleAlerts serves GET /api/alerts?status=active&limit=50
func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if status != "" && status != "active" && status != "resolved" {
		writeError(w, http.StatusBadRequest, "status must be active or resolved")
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	alerts, err := s.alerts.ListAlerts(r.Context(), status, limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("alert listing failed")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, apiResponse{Success: true, Data: alerts})
}

// handleResolveAlert serves POST /api/alerts/{id}/resolve
func (s *Server) handleResolveAlert(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	alert, err := s.resolver.Resolve(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, apiResponse{Success: true, Data: alert})
}

type syncRequest struct {
	AccountID string `json:"account_id"`
	Provider  string `json:"provider"`
}

// handleSync serves POST /api/sync, forcing cache invalidation + re-fetch.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	// An empty body means "sync everything".
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid sync request body")
		return
	}
	switch req.Provider {
	case "", providers.ProviderMeta, providers.ProviderGoogleAds:
	default:
		writeError(w, http.StatusBadRequest, "unknown provider: "+req.Provider)
		return
	}

	if err := s.sync(r.Context(), req.AccountID, req.Provider); err != nil {
		s.logger.Error().Err(err).Str("account_id", req.AccountID).Msg("sync failed")
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, apiResponse{Success: true})
}

// handleWebSocket serves GET /ws?accounts=a,b — the real-time channel.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	accounts := splitParam(r.URL.Query().Get("accounts"))

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	var snapshot *broadcast.Event
	if current := s.snapshot(); current != nil {
		snapshot = &broadcast.Event{Type: broadcast.EventInsightUpdate, Payload: current}
	}

	s.hub.Serve(conn, accounts, snapshot)
}

func (s *Server) parseWindow(r *http.Request) (providers.Window, error) {
	now := time.Now().UTC()
	window := providers.Window{
		Since: now.AddDate(0, 0, -s.opts.WindowDays),
		Until: now,
	}

	if raw := r.URL.Query().Get("since"); raw != "" {
		since, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return providers.Window{}, errors.New("since must be YYYY-MM-DD")
		}
		window.Since = since
	}
	if raw := r.URL.Query().Get("until"); raw != "" {
		until, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return providers.Window{}, errors.New("until must be YYYY-MM-DD")
		}
		window.Until = until
	}
	if !window.Since.Before(window.Until) {
		return providers.Window{}, errors.New("since must be before until")
	}
	return window, nil
}

func splitParam(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
