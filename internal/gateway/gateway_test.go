package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/summitlabs/bastion/internal/auth"
	"github.com/summitlabs/bastion/internal/bruteforce"
	"github.com/summitlabs/bastion/internal/device"
	"github.com/summitlabs/bastion/internal/geo"
	"github.com/summitlabs/bastion/internal/models"
	"github.com/summitlabs/bastion/internal/stepup"
	"github.com/summitlabs/bastion/internal/store"
)

const chromeUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

type nopMailer struct{}

func (nopMailer) SendChallengeCode(context.Context, string, string, time.Time) error { return nil }

type fixture struct {
	gateway *Gateway
	guard   *bruteforce.Guard
	engine  *device.Engine
	stepUp  *stepup.Orchestrator
	store   *store.MemoryStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	mem := store.NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	guard := bruteforce.NewGuard(mem, logger, bruteforce.DefaultConfig())
	engine := device.NewEngine(mem, logger)
	stepUp := stepup.NewOrchestrator(mem, nopMailer{}, logger, stepup.Config{
		Issuer:          "Bastion",
		EmailCodeExpiry: 5 * time.Minute,
	})

	gw := New(guard, engine, stepUp, geo.NewStaticLocator(nil), Config{
		ExcludedPaths: []string{"/health", "/auth/login"},
	}, logger)

	return &fixture{gateway: gw, guard: guard, engine: engine, stepUp: stepUp, store: mem}
}

// serve runs a request through the gateway middleware with the given claims
// injected, the way the token middleware would.
func (f *fixture) serve(r *http.Request, claims *models.TokenClaims) *httptest.ResponseRecorder {
	if claims != nil {
		ctx := context.WithValue(r.Context(), auth.UserContextKey, claims)
		r = r.WithContext(ctx)
	}

	final := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	f.gateway.Middleware(final).ServeHTTP(rec, r)
	return rec
}

func apiRequest() *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/api/resource", nil)
	r.RemoteAddr = "203.0.113.7:51234"
	r.Header.Set("User-Agent", chromeUA)
	r.Header.Set("Accept", "application/json")
	r.Header.Set("Accept-Language", "en-US")
	r.Header.Set("Accept-Encoding", "gzip")
	return r
}

func userClaims() *models.TokenClaims {
	return &models.TokenClaims{UserID: "user-1", Email: "user@example.com", Role: "user"}
}

func TestAnonymousRequestPassesThrough(t *testing.T) {
	f := newFixture(t)

	rec := f.serve(apiRequest(), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestExcludedPathSkipsChecks(t *testing.T) {
	f := newFixture(t)

	r := httptest.NewRequest(http.MethodPost, "/auth/login", nil)
	r.RemoteAddr = "203.0.113.7:51234"

	rec := f.serve(r, userClaims())
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStepUpPathStaysReachable(t *testing.T) {
	f := newFixture(t)

	r := httptest.NewRequest(http.MethodPost, "/auth/step-up/totp/verify", nil)
	r.RemoteAddr = "203.0.113.7:51234"
	r.Header.Set("User-Agent", chromeUA)

	rec := f.serve(r, userClaims())
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUntrustedDeviceNoMethodsForbidden(t *testing.T) {
	f := newFixture(t)

	rec := f.serve(apiRequest(), userClaims())
	require.Equal(t, http.StatusForbidden, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body["detail"], "set up additional authentication")
}

func TestUntrustedDeviceWithMethodsChallenged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.stepUp.SetupTOTP(ctx, "user-1", "user@example.com")
	require.NoError(t, err)
	require.NoError(t, f.stepUp.SetupEmailChallenge(ctx, "user-1", "user@example.com"))

	rec := f.serve(apiRequest(), userClaims())
	require.Equal(t, http.StatusPreconditionRequired, rec.Code)

	var body challengeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Additional verification required.", body.Detail)
	assert.Equal(t, []models.MethodKind{models.MethodTOTP, models.MethodEmailChallenge}, body.Methods)
	assert.NotEmpty(t, body.DeviceInfo.Fingerprint)
	assert.InDelta(t, 0.5, body.DeviceInfo.TrustScore, 1e-9)
}

func TestTrustedDevicePasses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Local address so the locator resolves and the location joins the
	// known set on first sight
	request := func() *http.Request {
		r := apiRequest()
		r.RemoteAddr = "127.0.0.1:51234"
		return r
	}

	// First request records the device and challenges
	rec := f.serve(request(), userClaims())
	require.Equal(t, http.StatusForbidden, rec.Code)

	fingerprint := f.gateway.SignalsFrom(request()).Fingerprint()
	require.NoError(t, f.engine.MarkTrusted(ctx, "user-1", fingerprint))

	record, err := f.engine.Get(ctx, "user-1", fingerprint)
	require.NoError(t, err)
	require.True(t, record.IsTrusted)

	// Subsequent request from the same fingerprint passes straight through
	rec = f.serve(request(), userClaims())
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLockedOutIdentityRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, f.guard.RecordFailure(ctx, "user-1"))
	}

	rec := f.serve(apiRequest(), userClaims())
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	var body lockoutResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Greater(t, body.WaitSeconds, 0)
	assert.Contains(t, body.Detail, "Too many attempts")
}

func TestLockedOutAddressRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, f.guard.RecordFailure(ctx, "203.0.113.7"))
	}

	// Different user, same address
	claims := &models.TokenClaims{UserID: "user-2", Email: "other@example.com", Role: "user"}
	rec := f.serve(apiRequest(), claims)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestLockedOutAddressRejectedAnonymously(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, f.guard.RecordFailure(ctx, "203.0.113.7"))
	}

	// No identity at all: the address check still applies
	rec := f.serve(apiRequest(), nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	var body lockoutResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Greater(t, body.WaitSeconds, 0)
	assert.Contains(t, body.Detail, "Too many attempts")
}
