// Package gateway composes the security components into HTTP middleware.
// It enforces the request-time checks: lockout, device trust, and step-up
// escalation. Store outages fail open for these checks; session validation
// in session.go fails closed.
package gateway

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/summitlabs/bastion/internal/auth"
	"github.com/summitlabs/bastion/internal/bruteforce"
	"github.com/summitlabs/bastion/internal/device"
	"github.com/summitlabs/bastion/internal/geo"
	"github.com/summitlabs/bastion/internal/models"
	"github.com/summitlabs/bastion/internal/stepup"
	pkghttp "github.com/summitlabs/bastion/pkg/http"
)

// Gateway wires the brute-force guard, device trust engine, and step-up
// orchestrator into a single request checkpoint.
type Gateway struct {
	guard         *bruteforce.Guard
	engine        *device.Engine
	stepUp        *stepup.Orchestrator
	locator       geo.Locator
	ipConfig      *pkghttp.IPConfig
	excludedPaths []string
	logger        *slog.Logger
}

// Config holds gateway construction options.
type Config struct {
	ExcludedPaths  []string
	TrustedProxies []string
}

// New creates a security gateway.
func New(guard *bruteforce.Guard, engine *device.Engine, stepUp *stepup.Orchestrator, locator geo.Locator, cfg Config, logger *slog.Logger) *Gateway {
	return &Gateway{
		guard:         guard,
		engine:        engine,
		stepUp:        stepUp,
		locator:       locator,
		ipConfig:      &pkghttp.IPConfig{TrustedProxies: cfg.TrustedProxies},
		excludedPaths: cfg.ExcludedPaths,
		logger:        logger,
	}
}

// deviceInfoPayload is the challenge context returned with a 428.
type deviceInfoPayload struct {
	Fingerprint string  `json:"fingerprint"`
	Location    any     `json:"location"`
	TrustScore  float64 `json:"trust_score"`
}

type challengeResponse struct {
	Detail     string              `json:"detail"`
	Methods    []models.MethodKind `json:"methods"`
	DeviceInfo deviceInfoPayload   `json:"device_info"`
}

type lockoutResponse struct {
	Detail      string `json:"detail"`
	WaitSeconds int    `json:"wait_seconds"`
}

// Middleware runs the security checks for each request. Mount after the
// token middleware so user identity is available; anonymous requests pass
// through untouched.
func (g *Gateway) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.isExcluded(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		clientIP := pkghttp.ExtractClientIP(r, g.ipConfig)
		reqID := middleware.GetReqID(r.Context())

		// The address-scoped lockout check applies to anonymous traffic
		// too; an attacker probing accounts has no identity yet.
		claims := auth.GetUserFromContext(r)
		userID := ""
		if claims != nil {
			userID = claims.UserID
		}

		status, err := g.guard.StatusFor(r.Context(), userID, clientIP)
		if err != nil {
			// Availability over enforcement when the store is down.
			g.logger.Error("brute force check failed, allowing request",
				slog.String("request_id", reqID),
				slog.String("error", err.Error()))
		} else if status.Blocked {
			pkghttp.WriteJSON(w, http.StatusTooManyRequests, lockoutResponse{
				Detail:      fmt.Sprintf("Too many attempts. Try again in %d seconds.", status.WaitSeconds),
				WaitSeconds: status.WaitSeconds,
			})
			return
		}

		// Device trust needs an identity to evaluate against.
		if claims == nil {
			next.ServeHTTP(w, r)
			return
		}

		sig := g.signalsFrom(r, clientIP)
		record, err := g.engine.Process(r.Context(), claims.UserID, sig)
		if err != nil {
			g.logger.Error("device trust check failed, allowing request",
				slog.String("request_id", reqID),
				slog.String("error", err.Error()))
			next.ServeHTTP(w, r)
			return
		}

		if !record.IsTrusted {
			methods, err := g.stepUp.AvailableMethods(r.Context(), claims.UserID)
			if err != nil {
				g.logger.Error("step-up method lookup failed, allowing request",
					slog.String("request_id", reqID),
					slog.String("error", err.Error()))
				next.ServeHTTP(w, r)
				return
			}

			if len(methods) == 0 {
				pkghttp.WriteJSON(w, http.StatusForbidden, map[string]string{
					"detail": "Device not trusted. Please set up additional authentication methods.",
				})
				return
			}

			pkghttp.WriteJSON(w, http.StatusPreconditionRequired, challengeResponse{
				Detail:  "Additional verification required.",
				Methods: methods,
				DeviceInfo: deviceInfoPayload{
					Fingerprint: record.Fingerprint,
					Location:    record.Location,
					TrustScore:  record.TrustScore,
				},
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

// SignalsFrom assembles the device signals for the request, used by
// handlers that record events outside the middleware path.
func (g *Gateway) SignalsFrom(r *http.Request) device.Signals {
	return g.signalsFrom(r, pkghttp.ExtractClientIP(r, g.ipConfig))
}

func (g *Gateway) signalsFrom(r *http.Request, clientIP string) device.Signals {
	return device.Signals{
		UserAgent:      r.UserAgent(),
		ClientAddress:  clientIP,
		Accept:         r.Header.Get("Accept"),
		AcceptLanguage: r.Header.Get("Accept-Language"),
		AcceptEncoding: r.Header.Get("Accept-Encoding"),
		Location:       g.locator.Locate(r.Context(), clientIP),
	}
}

func (g *Gateway) isExcluded(path string) bool {
	for _, excluded := range g.excludedPaths {
		if strings.HasPrefix(path, excluded) {
			return true
		}
	}
	// Step-up endpoints must stay reachable from an untrusted device,
	// otherwise a challenged user could never verify.
	return strings.HasPrefix(path, "/auth/step-up")
}
