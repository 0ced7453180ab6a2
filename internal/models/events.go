package models

import "time"

// LoginEvent is an immutable record of one login attempt. Events are only
// ever appended; nothing rewrites them after the fact.
type LoginEvent struct {
	SessionID     string    `json:"session_id"`
	UserID        string    `json:"user_id"`
	Timestamp     time.Time `json:"timestamp"`
	ClientAddress string    `json:"client_address"`
	UserAgent     string    `json:"user_agent"`
	DeviceType    string    `json:"device_type"`
	Browser       string    `json:"browser"`
	OS            string    `json:"os"`
	Country       string    `json:"country,omitempty"`
	City          string    `json:"city,omitempty"`
	Success       bool      `json:"success"`
}

// SecurityEvent is an immutable record of a notable security occurrence
// (anomaly detected, step-up verified, session revoked, ...).
type SecurityEvent struct {
	EventType     string            `json:"event_type"`
	SessionID     string            `json:"session_id"`
	UserID        string            `json:"user_id"`
	Timestamp     time.Time         `json:"timestamp"`
	ClientAddress string            `json:"client_address"`
	Details       map[string]string `json:"details"`
}

// SessionStats aggregates a user's login history.
type SessionStats struct {
	TotalSessions          int            `json:"total_sessions"`
	ActiveSessions         int            `json:"active_sessions"`
	Devices                map[string]int `json:"devices"`
	Browsers               map[string]int `json:"browsers"`
	Countries              map[string]int `json:"countries"`
	AverageSessionDuration float64        `json:"average_session_duration"`
	LoginSuccessRate       float64        `json:"login_success_rate"`
}
