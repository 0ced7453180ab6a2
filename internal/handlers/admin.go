package handlers

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/summitlabs/bastion/internal/analytics"
	pkghttp "github.com/summitlabs/bastion/pkg/http"
)

// timeframes accepted by the summary endpoint.
var summaryWindows = map[string]time.Duration{
	"1h":  time.Hour,
	"24h": 24 * time.Hour,
	"7d":  7 * 24 * time.Hour,
	"30d": 30 * 24 * time.Hour,
}

// AdminHandler exposes the security analytics surface to operators.
// All routes require the admin role.
type AdminHandler struct {
	recorder *analytics.Recorder
	signals  SignalSource
	logger   *slog.Logger
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(recorder *analytics.Recorder, signals SignalSource, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{recorder: recorder, signals: signals, logger: logger}
}

// UserStats handles GET /admin/sessions/stats/{user_id}
func (h *AdminHandler) UserStats(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")
	if userID == "" {
		pkghttp.WriteBadRequest(w, "user_id is required")
		return
	}

	stats, err := h.recorder.Stats(r.Context(), userID)
	if err != nil {
		h.logger.Error("stats aggregation failed", slog.Any("error", err))
		pkghttp.WriteInternalError(w, "Unable to compute stats")
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, stats)
}

// SecurityEvents handles GET /admin/sessions/security/{user_id}
func (h *AdminHandler) SecurityEvents(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")
	if userID == "" {
		pkghttp.WriteBadRequest(w, "user_id is required")
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > 100 {
			pkghttp.WriteBadRequest(w, "limit must be between 1 and 100")
			return
		}
		limit = parsed
	}

	events, err := h.recorder.RecentSecurityEvents(r.Context(), userID, limit)
	if err != nil {
		h.logger.Error("event lookup failed", slog.Any("error", err))
		pkghttp.WriteInternalError(w, "Unable to read events")
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, events)
}

// Anomalies handles GET /admin/sessions/anomalies/{user_id}.
// The current request's signals stand in for the device under review.
func (h *AdminHandler) Anomalies(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")
	if userID == "" {
		pkghttp.WriteBadRequest(w, "user_id is required")
		return
	}

	sig := h.signals.SignalsFrom(r)
	anomalies, err := h.recorder.DetectAnomalies(r.Context(), userID, sig)
	if err != nil {
		h.logger.Error("anomaly detection failed", slog.Any("error", err))
		pkghttp.WriteInternalError(w, "Unable to check anomalies")
		return
	}
	if anomalies == nil {
		anomalies = []string{}
	}

	pkghttp.WriteJSON(w, http.StatusOK, map[string]any{
		"user_id":   userID,
		"anomalies": anomalies,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// ActiveSessions handles GET /admin/sessions/active
func (h *AdminHandler) ActiveSessions(w http.ResponseWriter, r *http.Request) {
	census, err := h.recorder.ActiveSessionCensus(r.Context())
	if err != nil {
		h.logger.Error("session census failed", slog.Any("error", err))
		pkghttp.WriteInternalError(w, "Unable to count sessions")
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, map[string]any{
		"total_active_sessions": census.TotalActiveSessions,
		"users_with_sessions":   census.UsersWithSessions,
		"session_distribution":  census.SessionDistribution,
		"timestamp":             time.Now().UTC().Format(time.RFC3339),
	})
}

// Summary handles GET /admin/sessions/summary?timeframe=24h
func (h *AdminHandler) Summary(w http.ResponseWriter, r *http.Request) {
	timeframe := r.URL.Query().Get("timeframe")
	if timeframe == "" {
		timeframe = "24h"
	}
	window, ok := summaryWindows[timeframe]
	if !ok {
		pkghttp.WriteBadRequest(w, "timeframe must be one of: 1h, 24h, 7d, 30d")
		return
	}

	summary, err := h.recorder.Summarize(r.Context(), window)
	if err != nil {
		h.logger.Error("summary aggregation failed", slog.Any("error", err))
		pkghttp.WriteInternalError(w, "Unable to compute summary")
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, map[string]any{
		"timeframe": timeframe,
		"summary":   summary,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
