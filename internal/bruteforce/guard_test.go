package bruteforce

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/summitlabs/bastion/internal/store"
)

func testGuard(t *testing.T) (*Guard, *store.MemoryStore, *time.Time) {
	t.Helper()

	mem := store.NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	guard := NewGuard(mem, logger, DefaultConfig())

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := &now
	mem.Now = func() time.Time { return *clock }

	return guard, mem, clock
}

func TestNoFailuresNotBlocked(t *testing.T) {
	guard, _, _ := testGuard(t)

	status, err := guard.StatusFor(context.Background(), "user-1", "203.0.113.7")
	require.NoError(t, err)
	assert.False(t, status.Blocked)
	assert.Equal(t, 0, status.Attempts)
}

func TestBlockedAfterMaxFailures(t *testing.T) {
	guard, _, _ := testGuard(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, guard.RecordFailure(ctx, "user-1"))
	}

	status, err := guard.StatusFor(ctx, "user-1", "203.0.113.7")
	require.NoError(t, err)
	assert.True(t, status.Blocked)
	assert.Equal(t, 5, status.Attempts)
	assert.Greater(t, status.WaitSeconds, 0)
}

func TestBelowThresholdNotBlocked(t *testing.T) {
	guard, _, _ := testGuard(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, guard.RecordFailure(ctx, "user-1"))
	}

	status, err := guard.StatusFor(ctx, "user-1", "203.0.113.7")
	require.NoError(t, err)
	assert.False(t, status.Blocked)
	assert.Equal(t, 4, status.Attempts)
}

func TestAddressCounterBlocksIndependently(t *testing.T) {
	guard, _, _ := testGuard(t)
	ctx := context.Background()

	// Failures spread across many users from one address
	for i := 0; i < 5; i++ {
		require.NoError(t, guard.RecordFailure(ctx, "203.0.113.7"))
	}

	status, err := guard.StatusFor(ctx, "fresh-user", "203.0.113.7")
	require.NoError(t, err)
	assert.True(t, status.Blocked)
}

func TestSuccessClearsLockout(t *testing.T) {
	guard, _, _ := testGuard(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, guard.RecordFailure(ctx, "user-1"))
	}
	require.NoError(t, guard.RecordSuccess(ctx, "user-1"))

	status, err := guard.StatusFor(ctx, "user-1", "203.0.113.7")
	require.NoError(t, err)
	assert.False(t, status.Blocked)
	assert.Equal(t, 0, status.Attempts)
}

func TestWindowExpiryResets(t *testing.T) {
	guard, _, clock := testGuard(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, guard.RecordFailure(ctx, "user-1"))
	}

	*clock = clock.Add(6 * time.Minute)

	status, err := guard.StatusFor(ctx, "user-1", "203.0.113.7")
	require.NoError(t, err)
	assert.False(t, status.Blocked)
	assert.Equal(t, 0, status.Attempts)
}

func TestWindowAnchoredToFirstFailure(t *testing.T) {
	guard, _, clock := testGuard(t)
	ctx := context.Background()

	require.NoError(t, guard.RecordFailure(ctx, "user-1"))

	// Later failures must not extend the window
	*clock = clock.Add(4 * time.Minute)
	for i := 0; i < 4; i++ {
		require.NoError(t, guard.RecordFailure(ctx, "user-1"))
	}

	status, err := guard.StatusFor(ctx, "user-1", "203.0.113.7")
	require.NoError(t, err)
	require.True(t, status.Blocked)
	assert.LessOrEqual(t, status.WaitSeconds, 60)
}
