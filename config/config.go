// Package config loads runtime configuration from the environment.
// Flags in cmd/server override individual fields.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/verdant/dispensary-hub/dispense"
)

// Config is the server's runtime configuration.
type Config struct {
	Port            int
	DBPath          string
	PaymentPolicy   dispense.ShortfallPolicy
	Currency        string
	AllowedOrigins  []string
	ShutdownTimeout time.Duration
}

// Load reads configuration from the environment, applying defaults
// for anything unset.
func Load() (Config, error) {
	cfg := Config{
		Port:            getInt("PORT", 8080),
		DBPath:          getenv("DB_PATH", "./data/dispensary.db"),
		Currency:        getenv("CONTRIB_CURRENCY", "USD"),
		AllowedOrigins:  splitList(getenv("CORS_ORIGINS", "*")),
		ShutdownTimeout: getDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
	}

	policy, err := dispense.ParseShortfallPolicy(
		getenv("DISPENSE_PAYMENT_POLICY", string(dispense.ShortfallReject)))
	if err != nil {
		return Config{}, fmt.Errorf("DISPENSE_PAYMENT_POLICY: %w", err)
	}
	cfg.PaymentPolicy = policy
	return cfg, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
