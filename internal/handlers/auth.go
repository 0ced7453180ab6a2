package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/summitlabs/bastion/internal/auth"
	"github.com/summitlabs/bastion/internal/bruteforce"
	"github.com/summitlabs/bastion/internal/device"
	"github.com/summitlabs/bastion/internal/gateway"
	"github.com/summitlabs/bastion/internal/models"
	"github.com/summitlabs/bastion/internal/session"
	"github.com/summitlabs/bastion/internal/stepup"
	pkghttp "github.com/summitlabs/bastion/pkg/http"
	pkglogger "github.com/summitlabs/bastion/pkg/logger"
)

// UserFetcher resolves account records during login
type UserFetcher interface {
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	GetByID(ctx context.Context, id string) (*models.User, error)
}

// SignalSource builds device signals from an incoming request
type SignalSource interface {
	SignalsFrom(r *http.Request) device.Signals
}

// EventRecorder is the analytics surface the auth flow feeds
type EventRecorder interface {
	RecordLogin(ctx context.Context, sessionID, userID string, sig device.Signals, success bool) error
	RecordSecurityEvent(ctx context.Context, eventType, sessionID, userID string, sig device.Signals, details map[string]string) error
	DetectAnomalies(ctx context.Context, userID string, sig device.Signals) ([]string, error)
}

// AuthHandler handles login and session lifecycle requests
type AuthHandler struct {
	userRepo UserFetcher
	tm       *auth.TokenManager
	sessions *session.Manager
	guard    *bruteforce.Guard
	engine   *device.Engine
	stepUp   *stepup.Orchestrator
	recorder EventRecorder
	signals  SignalSource
	audit    *pkglogger.AuditLogger
	logger   *slog.Logger
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(
	userRepo UserFetcher,
	tm *auth.TokenManager,
	sessions *session.Manager,
	guard *bruteforce.Guard,
	engine *device.Engine,
	stepUp *stepup.Orchestrator,
	recorder EventRecorder,
	signals SignalSource,
	audit *pkglogger.AuditLogger,
	logger *slog.Logger,
) *AuthHandler {
	return &AuthHandler{
		userRepo: userRepo,
		tm:       tm,
		sessions: sessions,
		guard:    guard,
		engine:   engine,
		stepUp:   stepUp,
		recorder: recorder,
		signals:  signals,
		audit:    audit,
		logger:   logger,
	}
}

// Login handles POST /auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	sig := h.signals.SignalsFrom(r)

	// Address-scoped lockout applies before the account is even resolved,
	// so a blocked address cannot keep probing for valid emails.
	if h.writeIfLockedOut(w, r, "", sig.ClientAddress) {
		return
	}

	user, err := h.userRepo.GetByEmail(r.Context(), req.Email)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			// Track by address only; the account does not exist
			h.recordFailure(r.Context(), "", sig)
			pkghttp.WriteUnauthorized(w, "Invalid email or password")
			return
		}
		h.logger.Error("user lookup failed", slog.Any("error", err))
		pkghttp.WriteInternalError(w, "Login failed")
		return
	}

	if h.writeIfLockedOut(w, r, user.ID, sig.ClientAddress) {
		return
	}

	if user.Status != "active" {
		h.audit.LogAuthAttempt(pkglogger.AuditEvent{
			EventType:     "login",
			UserID:        user.ID,
			IPAddress:     sig.ClientAddress,
			Success:       false,
			FailureReason: "account " + user.Status,
		})
		pkghttp.WriteForbidden(w, "Account is not active")
		return
	}

	if err := auth.ComparePassword(user.PasswordHash, req.Password); err != nil {
		h.recordFailure(r.Context(), user.ID, sig)
		if err := h.recorder.RecordLogin(r.Context(), "", user.ID, sig, false); err != nil {
			h.logger.Error("failed to record login event", slog.Any("error", err))
		}
		h.audit.LogAuthAttempt(pkglogger.AuditEvent{
			EventType:     "login",
			UserID:        user.ID,
			IPAddress:     sig.ClientAddress,
			UserAgent:     sig.UserAgent,
			Success:       false,
			FailureReason: "invalid credentials",
		})
		pkghttp.WriteUnauthorized(w, "Invalid email or password")
		return
	}

	// Successful credential check clears both lockout counters
	if err := h.guard.RecordSuccess(r.Context(), user.ID); err != nil {
		h.logger.Error("failed to clear attempt counter", slog.Any("error", err))
	}
	if err := h.guard.RecordSuccess(r.Context(), sig.ClientAddress); err != nil {
		h.logger.Error("failed to clear attempt counter", slog.Any("error", err))
	}

	sessionID, err := h.sessions.Create(r.Context(), user.ID, sig.ClientAddress, sig.UserAgent)
	if err != nil {
		h.logger.Error("session creation failed", slog.Any("error", err))
		pkghttp.WriteInternalError(w, "Login failed")
		return
	}

	token, err := h.tm.GenerateToken(user)
	if err != nil {
		h.logger.Error("token generation failed", slog.Any("error", err))
		pkghttp.WriteInternalError(w, "Login failed")
		return
	}

	resp := LoginResponse{
		AccessToken: token,
		SessionID:   sessionID,
		User: UserInfo{
			ID:    user.ID,
			Email: user.Email,
			Role:  user.Role,
		},
	}

	record, err := h.engine.Process(r.Context(), user.ID, sig)
	if err != nil {
		// Trust evaluation is advisory at login; the gateway re-checks
		h.logger.Error("device trust evaluation failed", slog.Any("error", err))
	} else {
		resp.Device = LoginDeviceInfo{
			Fingerprint: record.Fingerprint,
			Trusted:     record.IsTrusted,
			TrustScore:  record.TrustScore,
		}
		if !record.IsTrusted {
			resp.StepUpRequired = true
			methods, err := h.stepUp.AvailableMethods(r.Context(), user.ID)
			if err != nil {
				h.logger.Error("step-up method lookup failed", slog.Any("error", err))
			} else {
				resp.Methods = methods
			}
		}
	}

	if err := h.recorder.RecordLogin(r.Context(), sessionID, user.ID, sig, true); err != nil {
		h.logger.Error("failed to record login event", slog.Any("error", err))
	}

	anomalies, err := h.recorder.DetectAnomalies(r.Context(), user.ID, sig)
	if err != nil {
		h.logger.Error("anomaly detection failed", slog.Any("error", err))
	}
	for _, anomaly := range anomalies {
		if err := h.recorder.RecordSecurityEvent(r.Context(), "login_anomaly", sessionID, user.ID, sig, map[string]string{
			"description": anomaly,
		}); err != nil {
			h.logger.Error("failed to record security event", slog.Any("error", err))
		}
	}

	h.audit.LogAuthAttempt(pkglogger.AuditEvent{
		EventType: "login",
		UserID:    user.ID,
		IPAddress: sig.ClientAddress,
		UserAgent: sig.UserAgent,
		Success:   true,
	})

	pkghttp.WriteJSON(w, http.StatusOK, resp)
}

// Logout handles POST /auth/logout and ends the current session
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetUserFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "Unauthorized")
		return
	}

	sessionID := r.Header.Get(gateway.SessionHeader)
	if sess := gateway.SessionFromContext(r.Context()); sess != nil {
		sessionID = sess.ID
	}
	if sessionID == "" {
		pkghttp.WriteBadRequest(w, "No session to end")
		return
	}

	if err := h.sessions.End(r.Context(), sessionID); err != nil {
		h.logger.Error("session end failed", slog.Any("error", err))
		pkghttp.WriteInternalError(w, "Logout failed")
		return
	}

	h.audit.LogSessionAction("logout", claims.UserID, sessionID, "")
	pkghttp.WriteJSON(w, http.StatusOK, map[string]string{"detail": "Logged out"})
}

// LogoutAll handles POST /auth/logout-all and ends every session for the user
func (h *AuthHandler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetUserFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "Unauthorized")
		return
	}

	if err := h.sessions.EndAllForUser(r.Context(), claims.UserID); err != nil {
		h.logger.Error("session sweep failed", slog.Any("error", err))
		pkghttp.WriteInternalError(w, "Logout failed")
		return
	}

	h.audit.LogSessionAction("logout_all", claims.UserID, "", "")
	pkghttp.WriteJSON(w, http.StatusOK, map[string]string{"detail": "All sessions ended"})
}

// ListSessions handles GET /auth/sessions
func (h *AuthHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetUserFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "Unauthorized")
		return
	}

	sessions, err := h.sessions.ListForUser(r.Context(), claims.UserID)
	if err != nil {
		h.logger.Error("session listing failed", slog.Any("error", err))
		pkghttp.WriteInternalError(w, "Unable to list sessions")
		return
	}

	currentID := r.Header.Get(gateway.SessionHeader)
	infos := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, SessionInfo{
			SessionID:     s.ID,
			CreatedAt:     s.CreatedAt,
			ExpiresAt:     s.ExpiresAt,
			ClientAddress: s.ClientAddress,
			UserAgent:     s.UserAgent,
			Current:       s.ID == currentID,
		})
	}

	pkghttp.WriteJSON(w, http.StatusOK, map[string]any{"sessions": infos})
}

// writeIfLockedOut checks the lockout counters (userID may be empty for an
// unresolved account) and writes the 429 response when blocked. A store
// outage logs and allows the attempt.
func (h *AuthHandler) writeIfLockedOut(w http.ResponseWriter, r *http.Request, userID, clientAddress string) bool {
	status, err := h.guard.StatusFor(r.Context(), userID, clientAddress)
	if err != nil {
		// Availability over enforcement when the store is down
		h.logger.Error("brute force check failed, allowing login attempt", slog.Any("error", err))
		return false
	}
	if !status.Blocked {
		return false
	}

	pkghttp.WriteJSON(w, http.StatusTooManyRequests, map[string]any{
		"detail":       fmt.Sprintf("Too many attempts. Try again in %d seconds.", status.WaitSeconds),
		"wait_seconds": status.WaitSeconds,
	})
	return true
}

// recordFailure bumps the lockout counters for an identity and its address.
func (h *AuthHandler) recordFailure(ctx context.Context, userID string, sig device.Signals) {
	if userID != "" {
		if err := h.guard.RecordFailure(ctx, userID); err != nil {
			h.logger.Error("failed to record attempt", slog.Any("error", err))
		}
	}
	if err := h.guard.RecordFailure(ctx, sig.ClientAddress); err != nil {
		h.logger.Error("failed to record attempt", slog.Any("error", err))
	}
}
