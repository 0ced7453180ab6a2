package handlers

import (
	"time"

	"github.com/summitlabs/bastion/internal/models"
)

// Auth DTOs

// LoginRequest is the primary credential check
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8,max=128"`
}

// LoginDeviceInfo describes the trust decision made for the logging-in device
type LoginDeviceInfo struct {
	Fingerprint string  `json:"fingerprint"`
	Trusted     bool    `json:"trusted"`
	TrustScore  float64 `json:"trust_score"`
}

// LoginResponse is returned after successful credential verification
type LoginResponse struct {
	AccessToken    string              `json:"access_token"`
	SessionID      string              `json:"session_id"`
	User           UserInfo            `json:"user"`
	Device         LoginDeviceInfo     `json:"device"`
	StepUpRequired bool                `json:"step_up_required"`
	Methods        []models.MethodKind `json:"methods,omitempty"`
}

// UserInfo is the public slice of the account record
type UserInfo struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

// SessionInfo describes one active session for the session listing
type SessionInfo struct {
	SessionID     string    `json:"session_id"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	ClientAddress string    `json:"client_address"`
	UserAgent     string    `json:"user_agent"`
	Current       bool      `json:"current"`
}

// Step-up DTOs

// TOTPSetupResponse contains the enrollment material for an authenticator app
type TOTPSetupResponse struct {
	Secret    string `json:"secret"`
	URI       string `json:"uri"`
	QRCodeURL string `json:"qr_code_url"`
}

// VerifyCodeRequest carries a single verification code (TOTP, recovery, or email)
type VerifyCodeRequest struct {
	Code string `json:"code" validate:"required,max=20"`
}

// RecoveryCodesResponse returns freshly generated single-use codes
type RecoveryCodesResponse struct {
	Codes []string `json:"codes"`
}

// QuestionsSetupRequest enrolls security questions with their answers
type QuestionsSetupRequest struct {
	Questions []models.SecurityQuestion `json:"questions" validate:"required,min=1,max=10,dive"`
}

// QuestionsVerifyRequest carries answers in enrollment order
type QuestionsVerifyRequest struct {
	Answers []string `json:"answers" validate:"required,min=1"`
}

// EmailSetupRequest enrolls an email challenge destination
type EmailSetupRequest struct {
	Email string `json:"email" validate:"required,email"`
}

// VerifyResponse reports a step-up verification outcome
type VerifyResponse struct {
	Verified      bool `json:"verified"`
	DeviceTrusted bool `json:"device_trusted"`
}

// MethodsResponse lists the verification methods a user has enabled
type MethodsResponse struct {
	Methods []models.MethodKind `json:"methods"`
}
