package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/summitlabs/bastion/internal/models"
	"github.com/summitlabs/bastion/internal/session"
	pkghttp "github.com/summitlabs/bastion/pkg/http"
)

// SessionHeader carries the session identifier on requests and responses.
const SessionHeader = "X-Session-ID"

// SessionExpiresHeader reports the renewed expiry as a unix timestamp.
const SessionExpiresHeader = "X-Session-Expires"

type sessionContextKey string

const sessionKey sessionContextKey = "session"

// SessionMiddleware validates and renews the session named by the request
// header. Unlike the trust checks, a store outage here denies the request;
// an unverifiable session is treated as no session.
type SessionMiddleware struct {
	sessions      *session.Manager
	excludedPaths []string
	logger        *slog.Logger
}

// NewSessionMiddleware creates the session validation middleware.
func NewSessionMiddleware(sessions *session.Manager, excludedPaths []string, logger *slog.Logger) *SessionMiddleware {
	return &SessionMiddleware{sessions: sessions, excludedPaths: excludedPaths, logger: logger}
}

// Handler validates the session header, renews the sliding expiry, and
// echoes the session headers on the response. Requests without a session
// header pass through; handlers that require a session enforce it.
func (m *SessionMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, excluded := range m.excludedPaths {
			if strings.HasPrefix(r.URL.Path, excluded) {
				next.ServeHTTP(w, r)
				return
			}
		}

		sessionID := r.Header.Get(SessionHeader)
		if sessionID == "" {
			next.ServeHTTP(w, r)
			return
		}

		valid, err := m.sessions.Validate(r.Context(), sessionID)
		if err != nil {
			m.logger.Error("session validation failed", slog.String("error", err.Error()))
			pkghttp.WriteError(w, http.StatusServiceUnavailable, "store_unavailable", "unable to verify session")
			return
		}
		if !valid {
			pkghttp.WriteUnauthorized(w, "Invalid or expired session")
			return
		}

		sess, err := m.sessions.Get(r.Context(), sessionID)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				pkghttp.WriteUnauthorized(w, "Session not found")
				return
			}
			m.logger.Error("session lookup failed", slog.String("error", err.Error()))
			pkghttp.WriteError(w, http.StatusServiceUnavailable, "store_unavailable", "unable to verify session")
			return
		}

		w.Header().Set(SessionHeader, sessionID)
		w.Header().Set(SessionExpiresHeader, strconv.FormatInt(sess.ExpiresAt.Unix(), 10))

		ctx := context.WithValue(r.Context(), sessionKey, sess)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// SessionFromContext returns the validated session stored by the middleware,
// or nil when the request carried no session.
func SessionFromContext(ctx context.Context) *models.Session {
	sess, ok := ctx.Value(sessionKey).(*models.Session)
	if !ok {
		return nil
	}
	return sess
}
