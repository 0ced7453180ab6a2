package config

import (
	"os"
	"testing"
	"time"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	os.Setenv("JWT_SECRET", "test-secret-32-characters-long!")
	os.Setenv("DB_PASSWORD", "test")
	t.Cleanup(os.Clearenv)
}

func TestSecurityConfig_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() = %v, want nil", err)
	}

	tests := []struct {
		name     string
		actual   time.Duration
		expected time.Duration
	}{
		{"TokenExpiry", cfg.Security.TokenExpiry, 15 * time.Minute},
		{"SessionTimeout", cfg.Security.SessionTimeout, 30 * time.Minute},
		{"SweepInterval", cfg.Security.SweepInterval, 15 * time.Minute},
		{"AttemptWindow", cfg.Security.AttemptWindow, 5 * time.Minute},
		{"EmailCodeExpiry", cfg.Security.EmailCodeExpiry, 5 * time.Minute},
	}

	for _, tt := range tests {
		if tt.actual != tt.expected {
			t.Errorf("%s: got %v, want %v", tt.name, tt.actual, tt.expected)
		}
	}

	if cfg.Security.MaxAttempts != 5 {
		t.Errorf("MaxAttempts: got %d, want 5", cfg.Security.MaxAttempts)
	}
}

func TestSecurityConfig_CustomValues(t *testing.T) {
	setRequiredEnv(t)
	os.Setenv("SESSION_TIMEOUT", "1h")
	os.Setenv("BRUTE_FORCE_MAX_ATTEMPTS", "3")
	os.Setenv("SECURITY_EXCLUDED_PATHS", "/health, /auth/login, /metrics")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() = %v, want nil", err)
	}

	if cfg.Security.SessionTimeout != time.Hour {
		t.Errorf("SessionTimeout: got %v, want 1h", cfg.Security.SessionTimeout)
	}
	if cfg.Security.MaxAttempts != 3 {
		t.Errorf("MaxAttempts: got %d, want 3", cfg.Security.MaxAttempts)
	}
	if len(cfg.Security.ExcludedPaths) != 3 || cfg.Security.ExcludedPaths[2] != "/metrics" {
		t.Errorf("ExcludedPaths: got %v", cfg.Security.ExcludedPaths)
	}
}

func TestLoad_MissingJWTSecret(t *testing.T) {
	os.Clearenv()
	os.Setenv("DB_PASSWORD", "test")
	t.Cleanup(os.Clearenv)

	if _, err := Load(); err == nil {
		t.Fatal("Load() should fail without JWT_SECRET")
	}
}

func TestLoad_WeakJWTSecretRejected(t *testing.T) {
	os.Clearenv()
	os.Setenv("JWT_SECRET", "short")
	os.Setenv("DB_PASSWORD", "test")
	t.Cleanup(os.Clearenv)

	if _, err := Load(); err == nil {
		t.Fatal("Load() should reject a short JWT_SECRET")
	}
}

func TestDatabaseConfig_DSN(t *testing.T) {
	cfg := DatabaseConfig{
		Host:     "db.internal",
		Port:     5433,
		User:     "bastion",
		Password: "pw",
		Name:     "bastion",
		SSLMode:  "require",
	}

	want := "host=db.internal port=5433 user=bastion password=pw dbname=bastion sslmode=require"
	if got := cfg.DSN(); got != want {
		t.Errorf("DSN() = %q, want %q", got, want)
	}
}
