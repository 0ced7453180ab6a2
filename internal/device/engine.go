// Package device fingerprints requesting clients and scores how much a
// request looks like it comes from a device the user has used before.
package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/summitlabs/bastion/internal/models"
	"github.com/summitlabs/bastion/internal/store"
)

const (
	infoKeyPrefix      = "device:info:"
	locationsKeyPrefix = "device:locations:"
	statsKeyPrefix     = "device:stats:"

	locationWeight = 0.4
	historyWeight  = 0.3
	patternWeight  = 0.3

	// NeutralScore is the prior for a never-seen device. New devices never
	// start trusted.
	NeutralScore = 0.5

	matureDeviceAge = 30 * 24 * time.Hour
)

// Engine computes device trust from location, history, and behavioral-pattern
// signals. All state lives in the shared store keyed by (user, fingerprint).
type Engine struct {
	store  store.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewEngine creates a device trust engine.
func NewEngine(s store.Store, logger *slog.Logger) *Engine {
	return &Engine{store: s, logger: logger, now: time.Now}
}

func infoKey(userID string) string      { return infoKeyPrefix + userID }
func locationsKey(userID string) string { return locationsKeyPrefix + userID }
func statsKey(userID string) string     { return statsKeyPrefix + userID }

// Process observes the signals of an incoming request, creating or rescoring
// the device record for (userID, fingerprint). Side effects: the current
// location joins the user's known set if new, and the user's login counter is
// incremented atomically.
func (e *Engine) Process(ctx context.Context, userID string, sig Signals) (*models.DeviceRecord, error) {
	fingerprint := sig.Fingerprint()
	now := e.now().UTC()

	record, err := e.Get(ctx, userID, fingerprint)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}

	totalLogins, err := e.store.HIncrBy(ctx, statsKey(userID), "total_logins", 1)
	if err != nil {
		return nil, fmt.Errorf("increment login counter: %w", err)
	}

	if record == nil {
		record = &models.DeviceRecord{
			Fingerprint:   fingerprint,
			UserAgent:     sig.UserAgent,
			ClientAddress: sig.ClientAddress,
			Location:      sig.Location,
			FirstSeen:     now,
			LastSeen:      now,
			TrustScore:    NeutralScore,
			IsTrusted:     false,
		}
	} else {
		known, err := e.KnownLocations(ctx, userID)
		if err != nil {
			return nil, err
		}

		locScore := locationScore(sig.Location, known)
		histScore := e.historyScore(record, int(totalLogins))
		patScore := patternScore(sig.UserAgent, record.UserAgent)

		record.LastSeen = now
		record.ClientAddress = sig.ClientAddress
		record.Location = sig.Location
		record.TrustScore = locationWeight*locScore + historyWeight*histScore + patternWeight*patScore
		record.IsTrusted = record.TrustScore >= models.TrustThreshold
	}

	// The current location joins the baseline only after it has been
	// scored against it.
	if sig.Location != nil {
		if err := e.addKnownLocation(ctx, userID, *sig.Location); err != nil {
			return nil, err
		}
	}

	if err := e.put(ctx, userID, record); err != nil {
		return nil, err
	}
	return record, nil
}

// Get fetches the stored record for a fingerprint, or models.ErrNotFound.
func (e *Engine) Get(ctx context.Context, userID, fingerprint string) (*models.DeviceRecord, error) {
	data, err := e.store.HGet(ctx, infoKey(userID), fingerprint)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("get device record: %w", err)
	}

	var record models.DeviceRecord
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		return nil, fmt.Errorf("decode device record: %w", err)
	}
	return &record, nil
}

// MarkTrusted pins a device to full trust, e.g. after a completed step-up
// challenge. The next Process call recomputes the score from signals.
func (e *Engine) MarkTrusted(ctx context.Context, userID, fingerprint string) error {
	return e.setTrust(ctx, userID, fingerprint, 1.0, true)
}

// MarkUntrusted zeroes a device's trust, forcing step-up on its next request.
func (e *Engine) MarkUntrusted(ctx context.Context, userID, fingerprint string) error {
	return e.setTrust(ctx, userID, fingerprint, 0.0, false)
}

func (e *Engine) setTrust(ctx context.Context, userID, fingerprint string, score float64, trusted bool) error {
	record, err := e.Get(ctx, userID, fingerprint)
	if err != nil {
		return err
	}
	record.TrustScore = score
	record.IsTrusted = trusted
	if err := e.put(ctx, userID, record); err != nil {
		return err
	}

	e.logger.Info("device trust updated",
		slog.String("user_id", userID),
		slog.String("fingerprint", fingerprint),
		slog.Bool("trusted", trusted))
	return nil
}

// KnownLocations returns the user's location history baseline.
func (e *Engine) KnownLocations(ctx context.Context, userID string) ([]models.Location, error) {
	members, err := e.store.SMembers(ctx, locationsKey(userID))
	if err != nil {
		return nil, fmt.Errorf("get known locations: %w", err)
	}

	locations := make([]models.Location, 0, len(members))
	for _, member := range members {
		var loc models.Location
		if err := json.Unmarshal([]byte(member), &loc); err != nil {
			continue
		}
		locations = append(locations, loc)
	}
	return locations, nil
}

// TotalLogins returns the user's atomic login counter.
func (e *Engine) TotalLogins(ctx context.Context, userID string) (int64, error) {
	val, err := e.store.HGet(ctx, statsKey(userID), "total_logins")
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("get login counter: %w", err)
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("decode login counter: %w", err)
	}
	return n, nil
}

func (e *Engine) addKnownLocation(ctx context.Context, userID string, loc models.Location) error {
	data, err := json.Marshal(loc)
	if err != nil {
		return fmt.Errorf("marshal location: %w", err)
	}
	if err := e.store.SAdd(ctx, locationsKey(userID), string(data)); err != nil {
		return fmt.Errorf("add known location: %w", err)
	}
	return nil
}

func (e *Engine) put(ctx context.Context, userID string, record *models.DeviceRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal device record: %w", err)
	}
	if err := e.store.HSet(ctx, infoKey(userID), record.Fingerprint, string(data)); err != nil {
		return fmt.Errorf("store device record: %w", err)
	}
	return nil
}

// locationScore rates how familiar the current location is:
// exact (country, city) match 1.0, country-only 0.7, known-but-mismatched 0.3,
// no location data 0.5.
func locationScore(current *models.Location, known []models.Location) float64 {
	if current == nil || len(known) == 0 {
		return 0.5
	}

	for _, loc := range known {
		if loc.Country == current.Country && loc.City == current.City {
			return 1.0
		}
	}
	for _, loc := range known {
		if loc.Country == current.Country {
			return 0.7
		}
	}
	return 0.3
}

// historyScore rewards device age first, then login volume.
func (e *Engine) historyScore(record *models.DeviceRecord, totalLogins int) float64 {
	if e.now().UTC().Sub(record.FirstSeen) > matureDeviceAge {
		return 1.0
	}
	switch {
	case totalLogins > 10:
		return 0.9
	case totalLogins > 5:
		return 0.7
	}
	return 0.5
}

// patternScore compares the current user agent against the stored one:
// browser+OS+device family 1.0, browser+OS only 0.8, anything else 0.4.
func patternScore(currentUA, storedUA string) float64 {
	current := ParseAgent(currentUA)
	stored := ParseAgent(storedUA)

	if current.Browser == stored.Browser && current.OS == stored.OS {
		if current.Device == stored.Device {
			return 1.0
		}
		return 0.8
	}
	return 0.4
}

// SetClock overrides the engine's time source. Test hook.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }
