package models

import "time"

// TrustThreshold is the score at or above which a device is considered trusted.
const TrustThreshold = 0.7

// Location is a coarse geolocation result for a client address.
type Location struct {
	Country string `json:"country"`
	City    string `json:"city"`
}

// DeviceRecord describes one fingerprinted device observed for a user.
// IsTrusted is derived from TrustScore and recomputed on every observation.
type DeviceRecord struct {
	Fingerprint   string    `json:"fingerprint"`
	UserAgent     string    `json:"user_agent"`
	ClientAddress string    `json:"client_address"`
	Location      *Location `json:"location,omitempty"`
	FirstSeen     time.Time `json:"first_seen"`
	LastSeen      time.Time `json:"last_seen"`
	TrustScore    float64   `json:"trust_score"`
	IsTrusted     bool      `json:"is_trusted"`
}
