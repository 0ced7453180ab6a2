// Package bruteforce tracks failed-attempt counters and enforces temporary
// lockout. A counter's existence plus its TTL encode the lockout state; there
// is no separate locked flag.
package bruteforce

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/summitlabs/bastion/internal/store"
)

const keyPrefix = "brute_force:"

// Config bounds the guard's policy.
type Config struct {
	MaxAttempts   int
	AttemptWindow time.Duration
}

// DefaultConfig is five failures inside a five-minute window.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:   5,
		AttemptWindow: 5 * time.Minute,
	}
}

// Status reports lockout state for an identity/address pair.
type Status struct {
	Blocked     bool `json:"blocked"`
	Attempts    int  `json:"attempts"`
	WaitSeconds int  `json:"wait_seconds"`
}

// Guard counts failures per identifier (user id or network address).
// Increments go through the store's atomic primitive: concurrent failed
// logins from the same identifier are an expected adversarial pattern, and a
// lost update would silently weaken the guard.
type Guard struct {
	store  store.Store
	logger *slog.Logger
	config Config
}

// NewGuard creates a brute-force guard.
func NewGuard(s store.Store, logger *slog.Logger, config Config) *Guard {
	return &Guard{store: s, logger: logger, config: config}
}

func counterKey(identifier string) string { return keyPrefix + identifier }

// RecordFailure atomically increments the identifier's counter. The TTL is
// set only on the increment that creates the key, so the window is anchored
// to the first failure.
func (g *Guard) RecordFailure(ctx context.Context, identifier string) error {
	key := counterKey(identifier)

	attempts, err := g.store.Incr(ctx, key)
	if err != nil {
		return fmt.Errorf("increment attempt counter: %w", err)
	}

	if attempts == 1 {
		if err := g.store.Expire(ctx, key, g.config.AttemptWindow); err != nil {
			return fmt.Errorf("set attempt window: %w", err)
		}
	}

	if int(attempts) >= g.config.MaxAttempts {
		g.logger.Warn("identifier locked out",
			slog.String("identifier", identifier),
			slog.Int64("attempts", attempts))
	}
	return nil
}

// RecordSuccess deletes the identifier's counter, clearing any lockout
// immediately.
func (g *Guard) RecordSuccess(ctx context.Context, identifier string) error {
	if err := g.store.Del(ctx, counterKey(identifier)); err != nil {
		return fmt.Errorf("reset attempt counter: %w", err)
	}
	return nil
}

// StatusFor evaluates both the user-scoped and the address-scoped counter
// (userID may be empty) and reports the worse of the two. The wait time
// prefers the user-scoped TTL, falling back to the address-scoped one.
func (g *Guard) StatusFor(ctx context.Context, userID, clientAddress string) (Status, error) {
	addrAttempts, err := g.attempts(ctx, clientAddress)
	if err != nil {
		return Status{}, err
	}

	userAttempts := 0
	if userID != "" {
		userAttempts, err = g.attempts(ctx, userID)
		if err != nil {
			return Status{}, err
		}
	}

	attempts := max(addrAttempts, userAttempts)
	status := Status{
		Attempts: attempts,
		Blocked:  attempts >= g.config.MaxAttempts,
	}

	if status.Blocked {
		wait := 0
		if userID != "" {
			wait = g.remainingSeconds(ctx, userID)
		}
		if wait == 0 {
			wait = g.remainingSeconds(ctx, clientAddress)
		}
		status.WaitSeconds = wait
	}

	return status, nil
}

func (g *Guard) attempts(ctx context.Context, identifier string) (int, error) {
	val, err := g.store.Get(ctx, counterKey(identifier))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("read attempt counter: %w", err)
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("decode attempt counter: %w", err)
	}
	return n, nil
}

func (g *Guard) remainingSeconds(ctx context.Context, identifier string) int {
	ttl, err := g.store.TTL(ctx, counterKey(identifier))
	if err != nil || ttl <= 0 {
		return 0
	}
	return int(ttl.Round(time.Second) / time.Second)
}
