package config

import (
	"strings"
	"testing"
	"time"
)

const testMasterKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

// TestLoadDefaults is not t.Parallel because it mutates process-wide environment variables.
func TestLoadDefaults(t *testing.T) {
	// Clear any env vars that would override defaults
	keys := []string{
		"SERVER_PORT", "SERVER_ENV", "API_BASE_URL", "LOG_HEALTH_REQUESTS",
		"DATABASE_URL", "DATABASE_MAX_CONNS", "DATABASE_MIN_CONNS",
		"REDIS_URL",
		"JWT_SECRET", "JWT_ISSUER", "JWT_ACCESS_TTL",
		"ARGON2_MEMORY", "ARGON2_ITERATIONS", "ARGON2_PARALLELISM", "ARGON2_SALT_LENGTH", "ARGON2_KEY_LENGTH",
		"RATE_LIMIT_DEFAULT_LIMIT", "RATE_LIMIT_DEFAULT_WINDOW",
		"RATE_LIMIT_AUTH_LIMIT", "RATE_LIMIT_AUTH_WINDOW",
		"OUTBOUND_WORKERS", "WEBHOOK_WORKERS", "QUEUE_POLL_INTERVAL",
		"DISCORD_MAX_CONNECTIONS", "SEND_TIMEOUT", "WS_SEND_TIMEOUT",
		"MAX_BODY_SIZE_MB",
		"ABUSE_DISPOSABLE_EMAIL_BLOCKLIST_ENABLED", "ABUSE_DISPOSABLE_EMAIL_BLOCKLIST_URL",
		"ABUSE_DISPOSABLE_EMAIL_BLOCKLIST_REFRESH_INTERVAL",
		"SMTP_HOST", "SMTP_PORT", "SMTP_USERNAME", "SMTP_PASSWORD", "SMTP_FROM",
		"CORS_ALLOW_ORIGINS",
	}
	for _, k := range keys {
		t.Setenv(k, "")
	}

	// CREDENTIALS_ENCRYPTION_KEY is required by validation
	t.Setenv("CREDENTIALS_ENCRYPTION_KEY", testMasterKey)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned unexpected error: %v", err)
	}

	if cfg.ServerPort != 8080 {
		t.Errorf("ServerPort = %d, want 8080", cfg.ServerPort)
	}
	if cfg.ServerEnv != "production" {
		t.Errorf("ServerEnv = %q, want %q", cfg.ServerEnv, "production")
	}
	if cfg.APIBaseURL != "http://localhost:8080" {
		t.Errorf("APIBaseURL = %q, want %q", cfg.APIBaseURL, "http://localhost:8080")
	}

	if cfg.DatabaseMaxConn != 25 {
		t.Errorf("DatabaseMaxConn = %d, want 25", cfg.DatabaseMaxConn)
	}
	if cfg.DatabaseMinConn != 5 {
		t.Errorf("DatabaseMinConn = %d, want 5", cfg.DatabaseMinConn)
	}

	if cfg.RedisURL != "redis://redis:6379/0" {
		t.Errorf("RedisURL = %q, want %q", cfg.RedisURL, "redis://redis:6379/0")
	}

	if cfg.JWTSecret != "" {
		t.Errorf("JWTSecret = %q, want empty", cfg.JWTSecret)
	}
	if cfg.JWTConfigured() {
		t.Error("JWTConfigured() = true with no secret")
	}
	if cfg.JWTIssuer != "gatekit" {
		t.Errorf("JWTIssuer = %q, want %q", cfg.JWTIssuer, "gatekit")
	}
	if cfg.JWTAccessTTL != 24*time.Hour {
		t.Errorf("JWTAccessTTL = %v, want 24h", cfg.JWTAccessTTL)
	}

	if cfg.Argon2Memory != 65536 {
		t.Errorf("Argon2Memory = %d, want 65536", cfg.Argon2Memory)
	}
	if cfg.Argon2Iterations != 3 {
		t.Errorf("Argon2Iterations = %d, want 3", cfg.Argon2Iterations)
	}
	if cfg.Argon2Parallelism != 2 {
		t.Errorf("Argon2Parallelism = %d, want 2", cfg.Argon2Parallelism)
	}

	if cfg.RateLimitDefaultLimit != 120 {
		t.Errorf("RateLimitDefaultLimit = %d, want 120", cfg.RateLimitDefaultLimit)
	}
	if cfg.RateLimitDefaultWindow != time.Minute {
		t.Errorf("RateLimitDefaultWindow = %v, want 1m", cfg.RateLimitDefaultWindow)
	}
	if cfg.RateLimitAuthLimit != 10 {
		t.Errorf("RateLimitAuthLimit = %d, want 10", cfg.RateLimitAuthLimit)
	}
	if cfg.RateLimitAuthWindow != 5*time.Minute {
		t.Errorf("RateLimitAuthWindow = %v, want 5m", cfg.RateLimitAuthWindow)
	}

	if cfg.OutboundWorkers != 4 {
		t.Errorf("OutboundWorkers = %d, want 4", cfg.OutboundWorkers)
	}
	if cfg.WebhookWorkers != 2 {
		t.Errorf("WebhookWorkers = %d, want 2", cfg.WebhookWorkers)
	}
	if cfg.QueuePollInterval != time.Second {
		t.Errorf("QueuePollInterval = %v, want 1s", cfg.QueuePollInterval)
	}

	if cfg.DiscordMaxConnections != 100 {
		t.Errorf("DiscordMaxConnections = %d, want 100", cfg.DiscordMaxConnections)
	}
	if cfg.SendTimeout != 10*time.Second {
		t.Errorf("SendTimeout = %v, want 10s", cfg.SendTimeout)
	}
	if cfg.WSSendTimeout != 30*time.Second {
		t.Errorf("WSSendTimeout = %v, want 30s", cfg.WSSendTimeout)
	}

	if !cfg.DisposableEmailBlocklistEnabled {
		t.Error("DisposableEmailBlocklistEnabled = false, want true by default")
	}
	if cfg.DisposableEmailBlocklistURL == "" {
		t.Error("DisposableEmailBlocklistURL is empty, want the default list URL")
	}
	if cfg.DisposableEmailBlocklistRefreshInterval != 24*time.Hour {
		t.Errorf("DisposableEmailBlocklistRefreshInterval = %v, want 24h", cfg.DisposableEmailBlocklistRefreshInterval)
	}

	if cfg.SMTPConfigured() {
		t.Error("SMTPConfigured() = true with no host")
	}
	if cfg.CORSAllowOrigins != "*" {
		t.Errorf("CORSAllowOrigins = %q, want %q", cfg.CORSAllowOrigins, "*")
	}
}

func TestLoadValidationRequiresMasterKey(t *testing.T) {
	t.Setenv("CREDENTIALS_ENCRYPTION_KEY", "")

	_, err := Load()
	if err == nil {
		t.Fatal("Load() returned nil error, want validation error for missing CREDENTIALS_ENCRYPTION_KEY")
	}
	if !strings.Contains(err.Error(), "CREDENTIALS_ENCRYPTION_KEY") {
		t.Errorf("error %q does not mention CREDENTIALS_ENCRYPTION_KEY", err.Error())
	}
}

func TestLoadValidationMasterKeyShape(t *testing.T) {
	t.Setenv("CREDENTIALS_ENCRYPTION_KEY", "tooshort")

	_, err := Load()
	if err == nil {
		t.Fatal("Load() returned nil error, want validation error for short master key")
	}
	if !strings.Contains(err.Error(), "64 hex characters") {
		t.Errorf("error %q does not mention the expected key shape", err.Error())
	}
}

func TestLoadValidationShortJWTSecret(t *testing.T) {
	t.Setenv("CREDENTIALS_ENCRYPTION_KEY", testMasterKey)
	t.Setenv("JWT_SECRET", "short")

	_, err := Load()
	if err == nil {
		t.Fatal("Load() returned nil error, want validation error for short JWT_SECRET")
	}
	if !strings.Contains(err.Error(), "JWT_SECRET") {
		t.Errorf("error %q does not mention JWT_SECRET", err.Error())
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("CREDENTIALS_ENCRYPTION_KEY", testMasterKey)
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("SERVER_ENV", "development")
	t.Setenv("API_BASE_URL", "https://gateway.example.com")
	t.Setenv("DATABASE_MAX_CONNS", "50")
	t.Setenv("JWT_SECRET", "0123456789abcdef0123456789abcdef")
	t.Setenv("JWT_ACCESS_TTL", "1h")
	t.Setenv("RATE_LIMIT_DEFAULT_WINDOW", "30s")
	t.Setenv("OUTBOUND_WORKERS", "8")
	t.Setenv("QUEUE_POLL_INTERVAL", "250ms")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned unexpected error: %v", err)
	}

	if cfg.ServerPort != 9090 {
		t.Errorf("ServerPort = %d, want 9090", cfg.ServerPort)
	}
	if !cfg.IsDevelopment() {
		t.Error("IsDevelopment() = false, want true")
	}
	if cfg.APIBaseURL != "https://gateway.example.com" {
		t.Errorf("APIBaseURL = %q, want explicit value kept", cfg.APIBaseURL)
	}
	if cfg.DatabaseMaxConn != 50 {
		t.Errorf("DatabaseMaxConn = %d, want 50", cfg.DatabaseMaxConn)
	}
	if !cfg.JWTConfigured() {
		t.Error("JWTConfigured() = false, want true")
	}
	if cfg.JWTAccessTTL != time.Hour {
		t.Errorf("JWTAccessTTL = %v, want 1h", cfg.JWTAccessTTL)
	}
	if cfg.RateLimitDefaultWindow != 30*time.Second {
		t.Errorf("RateLimitDefaultWindow = %v, want 30s", cfg.RateLimitDefaultWindow)
	}
	if cfg.OutboundWorkers != 8 {
		t.Errorf("OutboundWorkers = %d, want 8", cfg.OutboundWorkers)
	}
	if cfg.QueuePollInterval != 250*time.Millisecond {
		t.Errorf("QueuePollInterval = %v, want 250ms", cfg.QueuePollInterval)
	}

	// Development mode routes mail through the local catcher.
	if cfg.SMTPHost != "mailpit" || cfg.SMTPPort != 1025 {
		t.Errorf("dev SMTP = %s:%d, want mailpit:1025", cfg.SMTPHost, cfg.SMTPPort)
	}
}

func TestLoadInvalidInt(t *testing.T) {
	t.Setenv("CREDENTIALS_ENCRYPTION_KEY", testMasterKey)
	t.Setenv("SERVER_PORT", "not-a-number")

	_, err := Load()
	if err == nil {
		t.Fatal("Load() returned nil error, want parse error")
	}
	if !strings.Contains(err.Error(), "SERVER_PORT") {
		t.Errorf("error %q does not mention SERVER_PORT", err.Error())
	}
	if !strings.Contains(err.Error(), "not-a-number") {
		t.Errorf("error %q does not include the invalid value", err.Error())
	}
}

func TestLoadInvalidDuration(t *testing.T) {
	t.Setenv("CREDENTIALS_ENCRYPTION_KEY", testMasterKey)
	t.Setenv("QUEUE_POLL_INTERVAL", "soon")

	_, err := Load()
	if err == nil {
		t.Fatal("Load() returned nil error, want parse error")
	}
	if !strings.Contains(err.Error(), "QUEUE_POLL_INTERVAL") {
		t.Errorf("error %q does not mention QUEUE_POLL_INTERVAL", err.Error())
	}
}

func TestLoadMultipleErrors(t *testing.T) {
	t.Setenv("CREDENTIALS_ENCRYPTION_KEY", testMasterKey)
	t.Setenv("SERVER_PORT", "abc")
	t.Setenv("DATABASE_MAX_CONNS", "xyz")
	t.Setenv("LOG_HEALTH_REQUESTS", "nope")

	_, err := Load()
	if err == nil {
		t.Fatal("Load() returned nil error, want multiple parse errors")
	}

	errStr := err.Error()
	if !strings.Contains(errStr, "SERVER_PORT") {
		t.Errorf("error missing SERVER_PORT, got: %s", errStr)
	}
	if !strings.Contains(errStr, "DATABASE_MAX_CONNS") {
		t.Errorf("error missing DATABASE_MAX_CONNS, got: %s", errStr)
	}
	if !strings.Contains(errStr, "LOG_HEALTH_REQUESTS") {
		t.Errorf("error missing LOG_HEALTH_REQUESTS, got: %s", errStr)
	}
}

func TestIsDevelopment(t *testing.T) {
	tests := []struct {
		env  string
		want bool
	}{
		{"development", true},
		{"production", false},
		{"", false},
		{"staging", false},
	}
	for _, tt := range tests {
		cfg := &Config{ServerEnv: tt.env}
		if got := cfg.IsDevelopment(); got != tt.want {
			t.Errorf("IsDevelopment() with env=%q = %v, want %v", tt.env, got, tt.want)
		}
	}
}
