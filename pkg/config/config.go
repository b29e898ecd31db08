// Package config loads server configuration from the environment, with
// optional YAML deployment profiles layered on top.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds server configuration.
type Config struct {
	Port        string
	LogLevel    string
	DatabaseURL string
	RedisURL    string

	// OpsTokens authorize the /ops surface; comma-separated in the env.
	OpsTokens []string

	// BillingWebhookSecret verifies inbound provider webhooks.
	BillingWebhookSecret string
	// BillingPlans is the known plan catalog, comma-separated.
	BillingPlans []string

	// SignerKeyFile points at the hex-encoded wallet issuer key seed;
	// empty disables the sponsor wallet surface.
	SignerKeyFile string

	// APIKeys holds bearer credentials as "keyId:secret[:tenantId]",
	// comma-separated in the env.
	APIKeys []string

	// OTLPEndpoint enables OpenTelemetry export when set.
	OTLPEndpoint string

	// ArtifactDir is the root of the filesystem object store for exported
	// statements and audit packets.
	ArtifactDir string

	// WorkerInterval is the maintenance worker tick.
	WorkerInterval time.Duration
	// RetentionDryRun makes the retention worker count-only.
	RetentionDryRun bool

	// RateRPS / RateBurst bound per-IP request rates.
	RateRPS   int
	RateBurst int
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envList(key string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		Port:                 envOr("PORT", "8080"),
		LogLevel:             envOr("LOG_LEVEL", "INFO"),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		RedisURL:             os.Getenv("REDIS_URL"),
		OpsTokens:            envList("OPS_TOKENS"),
		BillingWebhookSecret: os.Getenv("BILLING_WEBHOOK_SECRET"),
		BillingPlans:         envList("BILLING_PLANS"),
		SignerKeyFile:        os.Getenv("SIGNER_KEY_FILE"),
		APIKeys:              envList("API_KEYS"),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		ArtifactDir:          envOr("ARTIFACT_DIR", "data/artifacts"),
		WorkerInterval:       envDuration("WORKER_INTERVAL", time.Minute),
		RetentionDryRun:      os.Getenv("RETENTION_DRY_RUN") == "true",
		RateRPS:              envInt("RATE_RPS", 50),
		RateBurst:            envInt("RATE_BURST", 100),
	}
}
