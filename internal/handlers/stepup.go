package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/summitlabs/bastion/internal/auth"
	"github.com/summitlabs/bastion/internal/bruteforce"
	"github.com/summitlabs/bastion/internal/device"
	"github.com/summitlabs/bastion/internal/models"
	"github.com/summitlabs/bastion/internal/stepup"
	pkghttp "github.com/summitlabs/bastion/pkg/http"
	pkglogger "github.com/summitlabs/bastion/pkg/logger"
)

// StepUpHandler handles enrollment and verification of supplementary
// authentication methods. A successful verification marks the requesting
// device as trusted.
type StepUpHandler struct {
	stepUp   *stepup.Orchestrator
	engine   *device.Engine
	guard    *bruteforce.Guard
	recorder EventRecorder
	signals  SignalSource
	audit    *pkglogger.AuditLogger
	logger   *slog.Logger
}

// NewStepUpHandler creates a new step-up handler
func NewStepUpHandler(
	stepUp *stepup.Orchestrator,
	engine *device.Engine,
	guard *bruteforce.Guard,
	recorder EventRecorder,
	signals SignalSource,
	audit *pkglogger.AuditLogger,
	logger *slog.Logger,
) *StepUpHandler {
	return &StepUpHandler{
		stepUp:   stepUp,
		engine:   engine,
		guard:    guard,
		recorder: recorder,
		signals:  signals,
		audit:    audit,
		logger:   logger,
	}
}

// Methods handles GET /auth/step-up/methods
func (h *StepUpHandler) Methods(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetUserFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "Unauthorized")
		return
	}

	methods, err := h.stepUp.AvailableMethods(r.Context(), claims.UserID)
	if err != nil {
		h.logger.Error("method lookup failed", slog.Any("error", err))
		pkghttp.WriteInternalError(w, "Unable to list methods")
		return
	}
	if methods == nil {
		methods = []models.MethodKind{}
	}

	pkghttp.WriteJSON(w, http.StatusOK, MethodsResponse{Methods: methods})
}

// SetupTOTP handles POST /auth/step-up/totp/setup
func (h *StepUpHandler) SetupTOTP(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetUserFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "Unauthorized")
		return
	}

	setup, err := h.stepUp.SetupTOTP(r.Context(), claims.UserID, claims.Email)
	if err != nil {
		h.logger.Error("totp setup failed", slog.Any("error", err))
		pkghttp.WriteInternalError(w, "Setup failed")
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, TOTPSetupResponse{
		Secret:    setup.Secret,
		URI:       setup.URI,
		QRCodeURL: setup.QRCodeURL,
	})
}

// VerifyTOTP handles POST /auth/step-up/totp/verify
func (h *StepUpHandler) VerifyTOTP(w http.ResponseWriter, r *http.Request) {
	h.verifyCode(w, r, models.MethodTOTP, func(ctx context.Context, userID, code string) (bool, error) {
		return h.stepUp.VerifyTOTP(ctx, userID, code)
	})
}

// GenerateRecoveryCodes handles POST /auth/step-up/recovery/generate
func (h *StepUpHandler) GenerateRecoveryCodes(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetUserFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "Unauthorized")
		return
	}

	codes, err := h.stepUp.GenerateRecoveryCodes(r.Context(), claims.UserID)
	if err != nil {
		h.logger.Error("recovery code generation failed", slog.Any("error", err))
		pkghttp.WriteInternalError(w, "Generation failed")
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, RecoveryCodesResponse{Codes: codes})
}

// VerifyRecoveryCode handles POST /auth/step-up/recovery/verify
func (h *StepUpHandler) VerifyRecoveryCode(w http.ResponseWriter, r *http.Request) {
	h.verifyCode(w, r, models.MethodRecoveryCodes, func(ctx context.Context, userID, code string) (bool, error) {
		return h.stepUp.VerifyRecoveryCode(ctx, userID, code)
	})
}

// SetupQuestions handles POST /auth/step-up/questions/setup
func (h *StepUpHandler) SetupQuestions(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetUserFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "Unauthorized")
		return
	}

	var req QuestionsSetupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	if err := h.stepUp.SetupSecurityQuestions(r.Context(), claims.UserID, req.Questions); err != nil {
		h.logger.Error("question setup failed", slog.Any("error", err))
		pkghttp.WriteInternalError(w, "Setup failed")
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, map[string]string{"detail": "Security questions saved"})
}

// VerifyQuestions handles POST /auth/step-up/questions/verify
func (h *StepUpHandler) VerifyQuestions(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetUserFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "Unauthorized")
		return
	}

	var req QuestionsVerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	ok, err := h.stepUp.VerifySecurityQuestions(r.Context(), claims.UserID, req.Answers)
	h.finishVerification(w, r, claims.UserID, models.MethodSecurityQuestions, ok, err)
}

// SetupEmail handles POST /auth/step-up/email/setup
func (h *StepUpHandler) SetupEmail(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetUserFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "Unauthorized")
		return
	}

	var req EmailSetupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	if err := h.stepUp.SetupEmailChallenge(r.Context(), claims.UserID, req.Email); err != nil {
		h.logger.Error("email challenge setup failed", slog.Any("error", err))
		pkghttp.WriteInternalError(w, "Setup failed")
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, map[string]string{"detail": "Email challenge enabled"})
}

// SendEmailChallenge handles POST /auth/step-up/email/send
func (h *StepUpHandler) SendEmailChallenge(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetUserFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "Unauthorized")
		return
	}

	if err := h.stepUp.SendEmailChallenge(r.Context(), claims.UserID); err != nil {
		if errors.Is(err, models.ErrMethodNotConfigured) {
			pkghttp.WriteBadRequest(w, "Email challenge is not configured")
			return
		}
		h.logger.Error("challenge send failed", slog.Any("error", err))
		pkghttp.WriteInternalError(w, "Unable to send challenge code")
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, map[string]string{"detail": "Challenge code sent"})
}

// VerifyEmailChallenge handles POST /auth/step-up/email/verify
func (h *StepUpHandler) VerifyEmailChallenge(w http.ResponseWriter, r *http.Request) {
	h.verifyCode(w, r, models.MethodEmailChallenge, func(ctx context.Context, userID, code string) (bool, error) {
		return h.stepUp.VerifyEmailChallenge(ctx, userID, code)
	})
}

// verifyCode is the shared body for single-code verification endpoints.
func (h *StepUpHandler) verifyCode(w http.ResponseWriter, r *http.Request, kind models.MethodKind, verify func(ctx context.Context, userID, code string) (bool, error)) {
	claims := auth.GetUserFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "Unauthorized")
		return
	}

	var req VerifyCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	ok, err := verify(r.Context(), claims.UserID, req.Code)
	h.finishVerification(w, r, claims.UserID, kind, ok, err)
}

// finishVerification applies the shared outcome handling: trusted device on
// success, lockout counter and security event on failure.
func (h *StepUpHandler) finishVerification(w http.ResponseWriter, r *http.Request, userID string, kind models.MethodKind, ok bool, err error) {
	sig := h.signals.SignalsFrom(r)

	if err != nil {
		if errors.Is(err, models.ErrMethodNotConfigured) {
			pkghttp.WriteBadRequest(w, "Method is not configured")
			return
		}
		h.logger.Error("verification failed", slog.String("method", string(kind)), slog.Any("error", err))
		pkghttp.WriteInternalError(w, "Verification failed")
		return
	}

	if !ok {
		if gErr := h.guard.RecordFailure(r.Context(), userID); gErr != nil {
			h.logger.Error("failed to record attempt", slog.Any("error", gErr))
		}
		if gErr := h.guard.RecordFailure(r.Context(), sig.ClientAddress); gErr != nil {
			h.logger.Error("failed to record attempt", slog.Any("error", gErr))
		}
		if rErr := h.recorder.RecordSecurityEvent(r.Context(), "step_up_failure", "", userID, sig, map[string]string{
			"method": string(kind),
		}); rErr != nil {
			h.logger.Error("failed to record security event", slog.Any("error", rErr))
		}
		h.audit.LogStepUp(userID, string(kind), sig.ClientAddress, false)
		pkghttp.WriteUnauthorized(w, "Verification failed")
		return
	}

	if gErr := h.guard.RecordSuccess(r.Context(), userID); gErr != nil {
		h.logger.Error("failed to clear attempt counter", slog.Any("error", gErr))
	}

	trusted := true
	if mErr := h.engine.MarkTrusted(r.Context(), userID, sig.Fingerprint()); mErr != nil {
		h.logger.Error("failed to mark device trusted", slog.Any("error", mErr))
		trusted = false
	}

	if rErr := h.recorder.RecordSecurityEvent(r.Context(), "step_up_success", "", userID, sig, map[string]string{
		"method": string(kind),
	}); rErr != nil {
		h.logger.Error("failed to record security event", slog.Any("error", rErr))
	}
	h.audit.LogStepUp(userID, string(kind), sig.ClientAddress, true)

	pkghttp.WriteJSON(w, http.StatusOK, VerifyResponse{Verified: true, DeviceTrusted: trusted})
}
