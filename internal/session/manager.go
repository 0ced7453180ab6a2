// Package session owns session records and their sliding expiration.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/summitlabs/bastion/internal/models"
	"github.com/summitlabs/bastion/internal/store"
)

const (
	keyPrefix      = "session:"
	userSetPrefix  = "user_sessions:"
	sweepBatchSize = 100
)

// Manager creates, validates, and terminates sessions against the shared
// state store. Two concurrent validations of the same session may both renew
// it; last-write-wins on the expiry is acceptable because sliding expiration
// is inherently approximate.
type Manager struct {
	store   store.Store
	logger  *slog.Logger
	timeout time.Duration
	now     func() time.Time
}

// NewManager creates a session manager with the given idle timeout.
func NewManager(s store.Store, logger *slog.Logger, timeout time.Duration) *Manager {
	return &Manager{
		store:   s,
		logger:  logger,
		timeout: timeout,
		now:     time.Now,
	}
}

func sessionKey(id string) string { return keyPrefix + id }
func userKey(userID string) string { return userSetPrefix + userID }

// Create starts a new active session and registers it in the user's session
// set. Returns the generated session id.
func (m *Manager) Create(ctx context.Context, userID, clientAddress, userAgent string) (string, error) {
	id := uuid.New().String()
	now := m.now().UTC()

	sess := models.Session{
		ID:            id,
		UserID:        userID,
		CreatedAt:     now,
		ExpiresAt:     now.Add(m.timeout),
		ClientAddress: clientAddress,
		UserAgent:     userAgent,
		Active:        true,
	}

	data, err := json.Marshal(sess)
	if err != nil {
		return "", fmt.Errorf("marshal session: %w", err)
	}

	if err := m.store.Set(ctx, sessionKey(id), string(data), m.timeout); err != nil {
		return "", fmt.Errorf("store session: %w", err)
	}
	if err := m.store.SAdd(ctx, userKey(userID), id); err != nil {
		return "", fmt.Errorf("register session: %w", err)
	}

	m.logger.Info("session created",
		slog.String("session_id", id),
		slog.String("user_id", userID))

	return id, nil
}

// Get fetches a session record without touching its expiry.
// Returns models.ErrNotFound if the session does not exist.
func (m *Manager) Get(ctx context.Context, sessionID string) (*models.Session, error) {
	data, err := m.store.Get(ctx, sessionKey(sessionID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}

	var sess models.Session
	if err := json.Unmarshal([]byte(data), &sess); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &sess, nil
}

// Validate checks a session and renews its expiry on success. An inactive or
// expired session is removed and false is returned; this is the single
// transition point for natural expiry.
func (m *Manager) Validate(ctx context.Context, sessionID string) (bool, error) {
	sess, err := m.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	now := m.now().UTC()
	if !sess.Live(now) {
		if err := m.End(ctx, sessionID); err != nil {
			return false, err
		}
		return false, nil
	}

	// Sliding expiration: push the deadline forward on every valid check.
	sess.ExpiresAt = now.Add(m.timeout)
	data, err := json.Marshal(sess)
	if err != nil {
		return false, fmt.Errorf("marshal session: %w", err)
	}
	if err := m.store.Set(ctx, sessionKey(sessionID), string(data), m.timeout); err != nil {
		return false, fmt.Errorf("renew session: %w", err)
	}

	return true, nil
}

// End terminates a session regardless of its expiry, removing both the record
// and the user's membership entry. Ending an already-removed session is not
// an error; the concurrent sweeper may get there first.
func (m *Manager) End(ctx context.Context, sessionID string) error {
	sess, err := m.Get(ctx, sessionID)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return err
	}
	if sess != nil {
		if err := m.store.SRem(ctx, userKey(sess.UserID), sessionID); err != nil {
			return fmt.Errorf("deregister session: %w", err)
		}
	}
	if err := m.store.Del(ctx, sessionKey(sessionID)); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// ListForUser returns the user's live sessions.
func (m *Manager) ListForUser(ctx context.Context, userID string) ([]*models.Session, error) {
	ids, err := m.store.SMembers(ctx, userKey(userID))
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	sessions := make([]*models.Session, 0, len(ids))
	for _, id := range ids {
		sess, err := m.Get(ctx, id)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if sess.Active {
			sessions = append(sessions, sess)
		}
	}
	return sessions, nil
}

// EndAllForUser terminates every session the user has.
func (m *Manager) EndAllForUser(ctx context.Context, userID string) error {
	ids, err := m.store.SMembers(ctx, userKey(userID))
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	for _, id := range ids {
		if err := m.End(ctx, id); err != nil {
			return err
		}
	}
	if err := m.store.Del(ctx, userKey(userID)); err != nil {
		return fmt.Errorf("clear session set: %w", err)
	}

	m.logger.Info("all sessions ended", slog.String("user_id", userID))
	return nil
}

// SweepExpired scans for session records whose deadline has passed and
// terminates them. Idempotent: records already removed by a concurrent
// Validate are skipped, not errors. Returns the number swept.
func (m *Manager) SweepExpired(ctx context.Context) (int, error) {
	count := 0
	var cursor uint64

	for {
		keys, next, err := m.store.Scan(ctx, cursor, keyPrefix+"*", sweepBatchSize)
		if err != nil {
			return count, fmt.Errorf("scan sessions: %w", err)
		}

		for _, key := range keys {
			data, err := m.store.Get(ctx, key)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					continue
				}
				return count, fmt.Errorf("get session: %w", err)
			}

			var sess models.Session
			if err := json.Unmarshal([]byte(data), &sess); err != nil {
				m.logger.Warn("skipping undecodable session record", slog.String("key", key))
				continue
			}

			if m.now().UTC().After(sess.ExpiresAt) {
				if err := m.End(ctx, sess.ID); err != nil {
					return count, err
				}
				count++
			}
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	if count > 0 {
		m.logger.Info("expired sessions swept", slog.Int("count", count))
	}
	return count, nil
}

// SetClock overrides the manager's time source. Test hook.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }
