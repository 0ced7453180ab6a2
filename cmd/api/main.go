package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/summitlabs/bastion/internal/analytics"
	"github.com/summitlabs/bastion/internal/auth"
	"github.com/summitlabs/bastion/internal/background"
	"github.com/summitlabs/bastion/internal/bruteforce"
	"github.com/summitlabs/bastion/internal/config"
	"github.com/summitlabs/bastion/internal/database"
	"github.com/summitlabs/bastion/internal/device"
	"github.com/summitlabs/bastion/internal/gateway"
	"github.com/summitlabs/bastion/internal/geo"
	"github.com/summitlabs/bastion/internal/handlers"
	middlewareCustom "github.com/summitlabs/bastion/internal/middleware"
	"github.com/summitlabs/bastion/internal/repositories"
	"github.com/summitlabs/bastion/internal/routes"
	"github.com/summitlabs/bastion/internal/services"
	"github.com/summitlabs/bastion/internal/session"
	"github.com/summitlabs/bastion/internal/stepup"
	"github.com/summitlabs/bastion/internal/store"
	pkglogger "github.com/summitlabs/bastion/pkg/logger"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("configuration loaded", slog.String("env", cfg.Server.Env))

	// Connect the shared state store
	connectCtx, connectCancel := context.WithTimeout(context.Background(), 10*time.Second)
	sharedStore, err := store.Connect(connectCtx, cfg.Store.Addr, logger)
	connectCancel()
	if err != nil {
		logger.Error("failed to connect to state store", slog.Any("error", err))
		os.Exit(1)
	}
	defer sharedStore.Close()

	// Initialize database
	db, err := database.NewConnection(&cfg.Database, logger)
	if err != nil {
		logger.Error("failed to connect to database", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	// Initialize repositories
	userRepo := repositories.NewUserRepository(db)

	// AWS SES mail service for email challenges
	mailer, err := services.NewAWSSESMailer(cfg.Email.AWSRegion, cfg.Email.FromAddress, logger)
	if err != nil {
		logger.Error("failed to initialize mail service", slog.Any("error", err))
		os.Exit(1)
	}

	// Security core components
	sessions := session.NewManager(sharedStore, logger, cfg.Security.SessionTimeout)
	engine := device.NewEngine(sharedStore, logger)
	guard := bruteforce.NewGuard(sharedStore, logger, bruteforce.Config{
		MaxAttempts:   cfg.Security.MaxAttempts,
		AttemptWindow: cfg.Security.AttemptWindow,
	})
	stepUp := stepup.NewOrchestrator(sharedStore, mailer, logger, stepup.Config{
		Issuer:          cfg.Security.StepUpIssuer,
		EmailCodeExpiry: cfg.Security.EmailCodeExpiry,
	})
	recorder := analytics.NewRecorder(sharedStore, logger)
	locator := geo.NewStaticLocator(nil)

	// Token manager and audit logging
	tokenManager := auth.NewTokenManager(cfg.Security.JWTSecret, cfg.Security.TokenExpiry)
	auditLogger := pkglogger.NewAuditLogger(logger)

	// Security gateway and session middleware
	gw := gateway.New(guard, engine, stepUp, locator, gateway.Config{
		ExcludedPaths:  cfg.Security.ExcludedPaths,
		TrustedProxies: cfg.Security.TrustedProxies,
	}, logger)
	sessionMW := gateway.NewSessionMiddleware(sessions, cfg.Security.ExcludedPaths, logger)

	// Initialize handlers
	authHandler := handlers.NewAuthHandler(userRepo, tokenManager, sessions, guard, engine, stepUp, recorder, gw, auditLogger, logger)
	stepUpHandler := handlers.NewStepUpHandler(stepUp, engine, guard, recorder, gw, auditLogger, logger)
	adminHandler := handlers.NewAdminHandler(recorder, gw, logger)

	// Background session sweeper
	sweeper := background.NewSweeper(sessions, logger, cfg.Security.SweepInterval)

	// Setup router
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middlewareCustom.SecurityHeaders())
	router.Use(middlewareCustom.SecureLogger(logger))
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(60 * time.Second))

	// Register routes
	routes.RegisterRoutes(router, authHandler, stepUpHandler, adminHandler, tokenManager, gw, sessionMW, middlewareCustom.RateLimitConfig{
		RequestsPerWindow: cfg.Security.LoginRateLimit,
		Window:            time.Minute,
	})

	// Health check with store and database
	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		w.Header().Set("Content-Type", "application/json")

		if err := sharedStore.HealthCheck(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy","store":"down"}`))
			return
		}
		if err := db.HealthCheck(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy","database":"down"}`))
			return
		}

		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy","store":"up","database":"up"}`))
	})

	// Create server
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start sweeper task
	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	defer sweepCancel()

	go sweeper.Start(sweepCtx)

	// Start server
	go func() {
		logger.Info("starting server", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received")

	sweepCancel()
	sweeper.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("server stopped gracefully")
}
