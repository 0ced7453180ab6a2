package handlers

import (
	"bytes"
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
	"github.com/summitlabs/bastion/internal/models"
	"github.com/summitlabs/bastion/internal/session"
	"github.com/summitlabs/bastion/internal/stepup"
	"github.com/summitlabs/bastion/internal/store"
	pkglogger "github.com/summitlabs/bastion/pkg/logger"
)

const testUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

type fakeUsers struct {
	byEmail map[string]*models.User
}

func (f *fakeUsers) GetByEmail(_ context.Context, email string) (*models.User, error) {
	u, ok := f.byEmail[email]
	if !ok {
		return nil, models.ErrNotFound
	}
	return u, nil
}

func (f *fakeUsers) GetByID(_ context.Context, id string) (*models.User, error) {
	for _, u := range f.byEmail {
		if u.ID == id {
			return u, nil
		}
	}
	return nil, models.ErrNotFound
}

type staticSignals struct {
	sig device.Signals
}

func (s *staticSignals) SignalsFrom(*http.Request) device.Signals { return s.sig }

type recordedLogin struct {
	userID  string
	success bool
}

type fakeRecorder struct {
	logins    []recordedLogin
	events    []string
	anomalies []string
}

func (f *fakeRecorder) RecordLogin(_ context.Context, _, userID string, _ device.Signals, success bool) error {
	f.logins = append(f.logins, recordedLogin{userID: userID, success: success})
	return nil
}

func (f *fakeRecorder) RecordSecurityEvent(_ context.Context, eventType, _, _ string, _ device.Signals, _ map[string]string) error {
	f.events = append(f.events, eventType)
	return nil
}

func (f *fakeRecorder) DetectAnomalies(context.Context, string, device.Signals) ([]string, error) {
	return f.anomalies, nil
}

type nopMailer struct{}

func (nopMailer) SendChallengeCode(context.Context, string, string, time.Time) error { return nil }

type authFixture struct {
	handler  *AuthHandler
	users    *fakeUsers
	guard    *bruteforce.Guard
	recorder *fakeRecorder
}

func newAuthFixture(t *testing.T) *authFixture {
	t.Helper()

	mem := store.NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	hash, err := auth.HashPassword("correct-horse-battery")
	require.NoError(t, err)

	users := &fakeUsers{byEmail: map[string]*models.User{
		"user@example.com": {
			ID:           "user-1",
			TenantID:     "tenant-1",
			Email:        "user@example.com",
			PasswordHash: hash,
			Role:         "user",
			Status:       "active",
		},
		"suspended@example.com": {
			ID:           "user-2",
			TenantID:     "tenant-1",
			Email:        "suspended@example.com",
			PasswordHash: hash,
			Role:         "user",
			Status:       "suspended",
		},
	}}

	guard := bruteforce.NewGuard(mem, logger, bruteforce.DefaultConfig())
	engine := device.NewEngine(mem, logger)
	sessions := session.NewManager(mem, logger, 30*time.Minute)
	stepUp := stepup.NewOrchestrator(mem, nopMailer{}, logger, stepup.Config{
		Issuer:          "Bastion",
		EmailCodeExpiry: 5 * time.Minute,
	})
	recorder := &fakeRecorder{}
	signals := &staticSignals{sig: device.Signals{
		UserAgent:      testUA,
		ClientAddress:  "203.0.113.7",
		Accept:         "application/json",
		AcceptLanguage: "en-US",
		AcceptEncoding: "gzip",
	}}

	handler := NewAuthHandler(
		users,
		auth.NewTokenManager("test-secret", 15*time.Minute),
		sessions,
		guard,
		engine,
		stepUp,
		recorder,
		signals,
		pkglogger.NewAuditLogger(logger),
		logger,
	)

	return &authFixture{handler: handler, users: users, guard: guard, recorder: recorder}
}

func loginRequest(t *testing.T, email, password string) *http.Request {
	t.Helper()

	body, err := json.Marshal(LoginRequest{Email: email, Password: password})
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodPost, "/auth/login", bytes.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	return r
}

func TestLoginSuccess(t *testing.T) {
	f := newAuthFixture(t)

	w := httptest.NewRecorder()
	f.handler.Login(w, loginRequest(t, "user@example.com", "correct-horse-battery"))

	require.Equal(t, http.StatusOK, w.Code)

	var resp LoginResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.AccessToken)
	assert.NotEmpty(t, resp.SessionID)
	assert.Equal(t, "user-1", resp.User.ID)

	// A device never seen before starts untrusted and triggers step-up
	assert.False(t, resp.Device.Trusted)
	assert.True(t, resp.StepUpRequired)

	require.Len(t, f.recorder.logins, 1)
	assert.True(t, f.recorder.logins[0].success)
}

func TestLoginWrongPassword(t *testing.T) {
	f := newAuthFixture(t)

	w := httptest.NewRecorder()
	f.handler.Login(w, loginRequest(t, "user@example.com", "wrong-password"))

	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Len(t, f.recorder.logins, 1)
	assert.False(t, f.recorder.logins[0].success)
}

func TestLoginUnknownAccountSameError(t *testing.T) {
	f := newAuthFixture(t)

	w := httptest.NewRecorder()
	f.handler.Login(w, loginRequest(t, "nobody@example.com", "whatever-password"))

	unknownBody := w.Body.String()
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = httptest.NewRecorder()
	f.handler.Login(w, loginRequest(t, "user@example.com", "wrong-password"))

	// Unknown account and bad password are indistinguishable to the caller
	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, unknownBody, w.Body.String())
}

func TestLoginSuspendedAccount(t *testing.T) {
	f := newAuthFixture(t)

	w := httptest.NewRecorder()
	f.handler.Login(w, loginRequest(t, "suspended@example.com", "correct-horse-battery"))

	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestLoginLockedOutAfterRepeatedFailures(t *testing.T) {
	f := newAuthFixture(t)

	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		f.handler.Login(w, loginRequest(t, "user@example.com", "wrong-password"))
		require.Equal(t, http.StatusUnauthorized, w.Code)
	}

	// Correct credentials no longer help once the window is saturated
	w := httptest.NewRecorder()
	f.handler.Login(w, loginRequest(t, "user@example.com", "correct-horse-battery"))
	require.Equal(t, http.StatusTooManyRequests, w.Code)

	var body struct {
		Detail      string `json:"detail"`
		WaitSeconds int    `json:"wait_seconds"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Contains(t, body.Detail, "Too many attempts")
	assert.Greater(t, body.WaitSeconds, 0)
}

func TestLoginUnknownEmailAddressLockout(t *testing.T) {
	f := newAuthFixture(t)

	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		f.handler.Login(w, loginRequest(t, "nobody@example.com", "whatever-password"))
		require.Equal(t, http.StatusUnauthorized, w.Code)
	}

	// The address is locked before any account is resolved, so probing
	// more unknown emails gets 429 rather than endless 401s
	w := httptest.NewRecorder()
	f.handler.Login(w, loginRequest(t, "someone-else@example.com", "whatever-password"))
	require.Equal(t, http.StatusTooManyRequests, w.Code)

	var body struct {
		Detail      string `json:"detail"`
		WaitSeconds int    `json:"wait_seconds"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Greater(t, body.WaitSeconds, 0)
}

func TestLoginValidationRejectsShortPassword(t *testing.T) {
	f := newAuthFixture(t)

	w := httptest.NewRecorder()
	f.handler.Login(w, loginRequest(t, "user@example.com", "short"))

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestLoginRecordsAnomalies(t *testing.T) {
	f := newAuthFixture(t)
	f.recorder.anomalies = []string{"Unusual login location: BR"}

	w := httptest.NewRecorder()
	f.handler.Login(w, loginRequest(t, "user@example.com", "correct-horse-battery"))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, f.recorder.events, "login_anomaly")
}
