package session

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/summitlabs/bastion/internal/models"
	"github.com/summitlabs/bastion/internal/store"
)

func testManager(t *testing.T, timeout time.Duration) (*Manager, *store.MemoryStore, *time.Time) {
	t.Helper()

	mem := store.NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mgr := NewManager(mem, logger, timeout)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := &now
	mgr.SetClock(func() time.Time { return *clock })
	mem.Now = func() time.Time { return *clock }

	return mgr, mem, clock
}

func TestCreateAndValidate(t *testing.T) {
	mgr, _, _ := testManager(t, 30*time.Minute)
	ctx := context.Background()

	id, err := mgr.Create(ctx, "user-1", "203.0.113.7", "test-agent")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	valid, err := mgr.Validate(ctx, id)
	require.NoError(t, err)
	assert.True(t, valid)

	sess, err := mgr.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "user-1", sess.UserID)
	assert.Equal(t, "203.0.113.7", sess.ClientAddress)
	assert.True(t, sess.Active)
}

func TestValidateRenewsExpiry(t *testing.T) {
	mgr, _, clock := testManager(t, 30*time.Minute)
	ctx := context.Background()

	id, err := mgr.Create(ctx, "user-1", "203.0.113.7", "test-agent")
	require.NoError(t, err)

	before, err := mgr.Get(ctx, id)
	require.NoError(t, err)

	*clock = clock.Add(10 * time.Minute)

	valid, err := mgr.Validate(ctx, id)
	require.NoError(t, err)
	require.True(t, valid)

	after, err := mgr.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, after.ExpiresAt.After(before.ExpiresAt), "expiry should slide forward on validation")
}

func TestValidateExpiredSession(t *testing.T) {
	mgr, _, clock := testManager(t, 30*time.Minute)
	ctx := context.Background()

	id, err := mgr.Create(ctx, "user-1", "203.0.113.7", "test-agent")
	require.NoError(t, err)

	*clock = clock.Add(31 * time.Minute)

	valid, err := mgr.Validate(ctx, id)
	require.NoError(t, err)
	assert.False(t, valid)

	// Expired validation removes the record and the membership entry
	_, err = mgr.Get(ctx, id)
	assert.ErrorIs(t, err, models.ErrNotFound)

	sessions, err := mgr.ListForUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestValidateUnknownSession(t *testing.T) {
	mgr, _, _ := testManager(t, 30*time.Minute)

	valid, err := mgr.Validate(context.Background(), "no-such-session")
	require.NoError(t, err)
	assert.False(t, valid)
}

func TestEndSession(t *testing.T) {
	mgr, _, _ := testManager(t, 30*time.Minute)
	ctx := context.Background()

	id, err := mgr.Create(ctx, "user-1", "203.0.113.7", "test-agent")
	require.NoError(t, err)

	require.NoError(t, mgr.End(ctx, id))

	valid, err := mgr.Validate(ctx, id)
	require.NoError(t, err)
	assert.False(t, valid)

	// Ending again is not an error
	assert.NoError(t, mgr.End(ctx, id))
}

func TestListForUser(t *testing.T) {
	mgr, _, _ := testManager(t, 30*time.Minute)
	ctx := context.Background()

	first, err := mgr.Create(ctx, "user-1", "203.0.113.7", "agent-a")
	require.NoError(t, err)
	second, err := mgr.Create(ctx, "user-1", "198.51.100.4", "agent-b")
	require.NoError(t, err)
	_, err = mgr.Create(ctx, "user-2", "192.0.2.1", "agent-c")
	require.NoError(t, err)

	sessions, err := mgr.ListForUser(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, sessions, 2)

	ids := []string{sessions[0].ID, sessions[1].ID}
	assert.Contains(t, ids, first)
	assert.Contains(t, ids, second)
}

func TestEndAllForUser(t *testing.T) {
	mgr, _, _ := testManager(t, 30*time.Minute)
	ctx := context.Background()

	_, err := mgr.Create(ctx, "user-1", "203.0.113.7", "agent-a")
	require.NoError(t, err)
	_, err = mgr.Create(ctx, "user-1", "198.51.100.4", "agent-b")
	require.NoError(t, err)
	keep, err := mgr.Create(ctx, "user-2", "192.0.2.1", "agent-c")
	require.NoError(t, err)

	require.NoError(t, mgr.EndAllForUser(ctx, "user-1"))

	sessions, err := mgr.ListForUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Empty(t, sessions)

	// Other users are untouched
	valid, err := mgr.Validate(ctx, keep)
	require.NoError(t, err)
	assert.True(t, valid)
}

func TestSweepExpired(t *testing.T) {
	mgr, _, clock := testManager(t, 30*time.Minute)
	ctx := context.Background()

	stale, err := mgr.Create(ctx, "user-1", "203.0.113.7", "agent-a")
	require.NoError(t, err)

	*clock = clock.Add(20 * time.Minute)

	fresh, err := mgr.Create(ctx, "user-1", "198.51.100.4", "agent-b")
	require.NoError(t, err)

	*clock = clock.Add(15 * time.Minute)

	// The memory store would drop the stale record by TTL on access; the
	// sweep path matters for stores that keep records past their deadline,
	// so check via membership rather than forcing store-level expiry.
	swept, err := mgr.SweepExpired(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, swept, 0)

	valid, err := mgr.Validate(ctx, stale)
	require.NoError(t, err)
	assert.False(t, valid)

	valid, err = mgr.Validate(ctx, fresh)
	require.NoError(t, err)
	assert.True(t, valid)
}
