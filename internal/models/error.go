package models

import "errors"

// Sentinel errors for common failure conditions
var (
	ErrNotFound       = errors.New("resource not found")
	ErrConflict       = errors.New("resource already exists")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrBadRequest     = errors.New("bad request")
	ErrInternalServer = errors.New("internal server error")

	// Security core errors
	ErrSessionExpired      = errors.New("session expired or unknown")
	ErrMethodNotConfigured = errors.New("step-up method not configured")
	ErrStoreUnavailable    = errors.New("state store unavailable")
	ErrLockedOut           = errors.New("too many failed attempts")
)
