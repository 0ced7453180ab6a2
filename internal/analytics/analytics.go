// Package analytics appends the immutable login/security event log, keeps
// rolling aggregate counters, and flags deviations from a user's history.
package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/summitlabs/bastion/internal/device"
	"github.com/summitlabs/bastion/internal/models"
	"github.com/summitlabs/bastion/internal/store"
)

const (
	loginEventsPrefix    = "login_events:"
	securityEventsPrefix = "security_events:"
	userStatsPrefix      = "user_stats:"
	userDevicesPrefix    = "user_devices:"
	userBrowsersPrefix   = "user_browsers:"
	userCountriesPrefix  = "user_countries:"
	securityStatsPrefix  = "security_stats:"
	userSessionsPrefix   = "user_sessions:"

	// anomalyLookback bounds how much history feeds pattern comparison.
	anomalyLookback = 100

	scanBatchSize = 100
)

// Recorder tracks login and security events against the shared store.
// The event append and the counter increments are independent writes; a crash
// between them can leave counters behind the log, which is accepted.
type Recorder struct {
	store  store.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewRecorder creates a security analytics recorder.
func NewRecorder(s store.Store, logger *slog.Logger) *Recorder {
	return &Recorder{store: s, logger: logger, now: time.Now}
}

// RecordLogin appends an immutable login event and bumps the per-user
// counters. Every counter mutation goes through the store's atomic increment.
func (r *Recorder) RecordLogin(ctx context.Context, sessionID, userID string, sig device.Signals, success bool) error {
	families := device.ParseAgent(sig.UserAgent)

	event := models.LoginEvent{
		SessionID:     sessionID,
		UserID:        userID,
		Timestamp:     r.now().UTC(),
		ClientAddress: sig.ClientAddress,
		UserAgent:     sig.UserAgent,
		DeviceType:    families.Device,
		Browser:       families.Browser,
		OS:            families.OS,
		Success:       success,
	}
	if sig.Location != nil {
		event.Country = sig.Location.Country
		event.City = sig.Location.City
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal login event: %w", err)
	}
	if err := r.store.LPush(ctx, loginEventsPrefix+userID, string(data)); err != nil {
		return fmt.Errorf("append login event: %w", err)
	}

	if _, err := r.store.HIncrBy(ctx, userStatsPrefix+userID, "total_logins", 1); err != nil {
		return fmt.Errorf("increment login stats: %w", err)
	}
	outcome := "failed_logins"
	if success {
		outcome = "successful_logins"
	}
	if _, err := r.store.HIncrBy(ctx, userStatsPrefix+userID, outcome, 1); err != nil {
		return fmt.Errorf("increment login stats: %w", err)
	}
	if _, err := r.store.HIncrBy(ctx, userDevicesPrefix+userID, event.DeviceType, 1); err != nil {
		return fmt.Errorf("increment device histogram: %w", err)
	}
	if _, err := r.store.HIncrBy(ctx, userBrowsersPrefix+userID, event.Browser, 1); err != nil {
		return fmt.Errorf("increment browser histogram: %w", err)
	}
	if event.Country != "" {
		if _, err := r.store.HIncrBy(ctx, userCountriesPrefix+userID, event.Country, 1); err != nil {
			return fmt.Errorf("increment country histogram: %w", err)
		}
	}
	return nil
}

// RecordSecurityEvent appends an immutable security event and bumps its
// per-type counter.
func (r *Recorder) RecordSecurityEvent(ctx context.Context, eventType, sessionID, userID string, sig device.Signals, details map[string]string) error {
	event := models.SecurityEvent{
		EventType:     eventType,
		SessionID:     sessionID,
		UserID:        userID,
		Timestamp:     r.now().UTC(),
		ClientAddress: sig.ClientAddress,
		Details:       details,
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal security event: %w", err)
	}
	if err := r.store.LPush(ctx, securityEventsPrefix+userID, string(data)); err != nil {
		return fmt.Errorf("append security event: %w", err)
	}
	if _, err := r.store.HIncrBy(ctx, securityStatsPrefix+userID, eventType, 1); err != nil {
		return fmt.Errorf("increment security stats: %w", err)
	}

	r.logger.Info("security event recorded",
		slog.String("event_type", eventType),
		slog.String("user_id", userID))
	return nil
}

// Stats aggregates a user's login history. The average session duration is a
// heuristic: the gap between each adjacent pair of successful events is
// treated as one session length.
func (r *Recorder) Stats(ctx context.Context, userID string) (*models.SessionStats, error) {
	statsData, err := r.store.HGetAll(ctx, userStatsPrefix+userID)
	if err != nil {
		return nil, fmt.Errorf("get login stats: %w", err)
	}
	devices, err := r.hashCounts(ctx, userDevicesPrefix+userID)
	if err != nil {
		return nil, err
	}
	browsers, err := r.hashCounts(ctx, userBrowsersPrefix+userID)
	if err != nil {
		return nil, err
	}
	countries, err := r.hashCounts(ctx, userCountriesPrefix+userID)
	if err != nil {
		return nil, err
	}
	active, err := r.store.SCard(ctx, userSessionsPrefix+userID)
	if err != nil {
		return nil, fmt.Errorf("count active sessions: %w", err)
	}

	total := atoi(statsData["total_logins"])
	successful := atoi(statsData["successful_logins"])
	successRate := 0.0
	if total > 0 {
		successRate = float64(successful) / float64(total)
	}

	avgDuration, err := r.averageSessionDuration(ctx, userID)
	if err != nil {
		return nil, err
	}

	return &models.SessionStats{
		TotalSessions:          total,
		ActiveSessions:         int(active),
		Devices:                devices,
		Browsers:               browsers,
		Countries:              countries,
		AverageSessionDuration: avgDuration,
		LoginSuccessRate:       successRate,
	}, nil
}

// RecentSecurityEvents returns up to limit events, newest first.
func (r *Recorder) RecentSecurityEvents(ctx context.Context, userID string, limit int) ([]models.SecurityEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	raw, err := r.store.LRange(ctx, securityEventsPrefix+userID, 0, int64(limit-1))
	if err != nil {
		return nil, fmt.Errorf("get security events: %w", err)
	}

	events := make([]models.SecurityEvent, 0, len(raw))
	for _, item := range raw {
		var event models.SecurityEvent
		if err := json.Unmarshal([]byte(item), &event); err != nil {
			continue
		}
		events = append(events, event)
	}
	return events, nil
}

// DetectAnomalies compares the current signals against the distinct values
// seen over the last hundred successful logins. With no history nothing is
// anomalous; a cold start is silent, not suspicious.
func (r *Recorder) DetectAnomalies(ctx context.Context, userID string, sig device.Signals) ([]string, error) {
	raw, err := r.store.LRange(ctx, loginEventsPrefix+userID, 0, anomalyLookback-1)
	if err != nil {
		return nil, fmt.Errorf("get login history: %w", err)
	}
	if len(raw) == 0 {
		return nil, nil
	}

	countries := make(map[string]struct{})
	deviceTypes := make(map[string]struct{})
	browsers := make(map[string]struct{})
	for _, item := range raw {
		var event models.LoginEvent
		if err := json.Unmarshal([]byte(item), &event); err != nil {
			continue
		}
		if !event.Success {
			continue
		}
		if event.Country != "" {
			countries[event.Country] = struct{}{}
		}
		deviceTypes[event.DeviceType] = struct{}{}
		browsers[event.Browser] = struct{}{}
	}

	var anomalies []string
	families := device.ParseAgent(sig.UserAgent)

	if sig.Location != nil && sig.Location.Country != "" {
		if _, ok := countries[sig.Location.Country]; !ok && len(countries) > 0 {
			anomalies = append(anomalies, fmt.Sprintf("Unusual login location: %s", sig.Location.Country))
		}
	}
	if _, ok := deviceTypes[families.Device]; !ok && len(deviceTypes) > 0 {
		anomalies = append(anomalies, fmt.Sprintf("Unusual device: %s", families.Device))
	}
	if _, ok := browsers[families.Browser]; !ok && len(browsers) > 0 {
		anomalies = append(anomalies, fmt.Sprintf("Unusual browser: %s", families.Browser))
	}

	return anomalies, nil
}

// SessionCensus summarizes active sessions across all users.
type SessionCensus struct {
	TotalActiveSessions int            `json:"total_active_sessions"`
	UsersWithSessions   int            `json:"users_with_sessions"`
	SessionDistribution map[string]int `json:"session_distribution"`
}

// ActiveSessionCensus scans every user's session set and counts members.
func (r *Recorder) ActiveSessionCensus(ctx context.Context) (*SessionCensus, error) {
	census := &SessionCensus{SessionDistribution: make(map[string]int)}

	var cursor uint64
	for {
		keys, next, err := r.store.Scan(ctx, cursor, userSessionsPrefix+"*", scanBatchSize)
		if err != nil {
			return nil, fmt.Errorf("scan session sets: %w", err)
		}
		for _, key := range keys {
			count, err := r.store.SCard(ctx, key)
			if err != nil {
				return nil, fmt.Errorf("count sessions: %w", err)
			}
			if count > 0 {
				userID := strings.TrimPrefix(key, userSessionsPrefix)
				census.SessionDistribution[userID] = int(count)
				census.TotalActiveSessions += int(count)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	census.UsersWithSessions = len(census.SessionDistribution)
	return census, nil
}

// LoginSummary aggregates login activity inside a time window across users.
type LoginSummary struct {
	TotalLogins         int            `json:"total_logins"`
	SuccessfulLogins    int            `json:"successful_logins"`
	FailedLogins        int            `json:"failed_logins"`
	UniqueUsers         int            `json:"unique_users"`
	UniqueAddresses     int            `json:"unique_addresses"`
	SuccessRate         float64        `json:"success_rate"`
	DeviceDistribution  map[string]int `json:"device_distribution"`
	BrowserDistribution map[string]int `json:"browser_distribution"`
	CountryDistribution map[string]int `json:"country_distribution"`
}

// Summarize walks every user's login log and aggregates events newer than
// the window start.
func (r *Recorder) Summarize(ctx context.Context, window time.Duration) (*LoginSummary, error) {
	start := r.now().UTC().Add(-window)

	summary := &LoginSummary{
		DeviceDistribution:  make(map[string]int),
		BrowserDistribution: make(map[string]int),
		CountryDistribution: make(map[string]int),
	}
	users := make(map[string]struct{})
	addresses := make(map[string]struct{})

	var cursor uint64
	for {
		keys, next, err := r.store.Scan(ctx, cursor, loginEventsPrefix+"*", scanBatchSize)
		if err != nil {
			return nil, fmt.Errorf("scan login logs: %w", err)
		}
		for _, key := range keys {
			raw, err := r.store.LRange(ctx, key, 0, -1)
			if err != nil {
				return nil, fmt.Errorf("read login log: %w", err)
			}
			for _, item := range raw {
				var event models.LoginEvent
				if err := json.Unmarshal([]byte(item), &event); err != nil {
					continue
				}
				if event.Timestamp.Before(start) {
					continue
				}

				summary.TotalLogins++
				users[event.UserID] = struct{}{}
				addresses[event.ClientAddress] = struct{}{}
				if event.Success {
					summary.SuccessfulLogins++
				} else {
					summary.FailedLogins++
				}
				summary.DeviceDistribution[event.DeviceType]++
				summary.BrowserDistribution[event.Browser]++
				if event.Country != "" {
					summary.CountryDistribution[event.Country]++
				}
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	summary.UniqueUsers = len(users)
	summary.UniqueAddresses = len(addresses)
	if summary.TotalLogins > 0 {
		summary.SuccessRate = float64(summary.SuccessfulLogins) / float64(summary.TotalLogins)
	}
	return summary, nil
}

func (r *Recorder) averageSessionDuration(ctx context.Context, userID string) (float64, error) {
	raw, err := r.store.LRange(ctx, loginEventsPrefix+userID, 0, -1)
	if err != nil {
		return 0, fmt.Errorf("read login log: %w", err)
	}

	events := make([]models.LoginEvent, 0, len(raw))
	for _, item := range raw {
		var event models.LoginEvent
		if err := json.Unmarshal([]byte(item), &event); err != nil {
			continue
		}
		events = append(events, event)
	}

	// Events are newest first. Each adjacent pair of successful events is
	// treated as one session; the result is an approximation, not a true
	// duration measurement.
	var durations []float64
	for i := 0; i+1 < len(events); i++ {
		if events[i].Success && events[i+1].Success {
			durations = append(durations, events[i].Timestamp.Sub(events[i+1].Timestamp).Seconds())
		}
	}
	if len(durations) == 0 {
		return 0, nil
	}

	sum := 0.0
	for _, d := range durations {
		sum += d
	}
	return sum / float64(len(durations)), nil
}

func (r *Recorder) hashCounts(ctx context.Context, key string) (map[string]int, error) {
	raw, err := r.store.HGetAll(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("get histogram %s: %w", key, err)
	}
	counts := make(map[string]int, len(raw))
	for field, val := range raw {
		counts[field] = atoi(val)
	}
	return counts, nil
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

// SetClock overrides the recorder's time source. Test hook.
func (r *Recorder) SetClock(now func() time.Time) { r.now = now }
