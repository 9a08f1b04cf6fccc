// Package config loads the environment-variable configuration described in
// spec §6. Loading is a pure parsing step, kept outside the core (spec §1
// "Out of scope").
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/antigravity-relay/relay/internal/account"
)

// Config is the fully parsed, validated process configuration.
type Config struct {
	Port                 string
	ProxyAPIKey           string
	AntigravityClientID   string
	AntigravityClientSecret string
	CooldownDurationMs    int64
	MaxRetryAccounts      int
	Accounts              []account.Credential

	BaseURLs []string
	LogFormat string
}

const (
	prodBaseURL  = "https://cloudcode-pa.googleapis.com/v1internal"
	dailyBaseURL = "https://daily-cloudcode-pa.sandbox.googleapis.com/v1internal"
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

type accountCredentialJSON struct {
	Email        string `json:"email"`
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiryDate   int64  `json:"expiryDate"`
	ProjectID    string `json:"projectId"`
}

// Load reads environment variables into a Config. The ANTIGRAVITY_ACCOUNTS_N
// series starts at N=1 and terminates at the first gap; malformed entries
// are skipped with a warning (spec §6).
func Load() (*Config, error) {
	cfg := &Config{
		Port:                    envOr("PORT", "8080"),
		ProxyAPIKey:             os.Getenv("PROXY_API_KEY"),
		AntigravityClientID:     os.Getenv("ANTIGRAVITY_CLIENT_ID"),
		AntigravityClientSecret: os.Getenv("ANTIGRAVITY_CLIENT_SECRET"),
		CooldownDurationMs:      envInt64("COOLDOWN_DURATION_MS", 60000),
		MaxRetryAccounts:        envInt("MAX_RETRY_ACCOUNTS", 3),
		BaseURLs:                []string{prodBaseURL, dailyBaseURL},
		LogFormat:               envOr("LOG_FORMAT", "text"),
	}

	for n := 1; ; n++ {
		raw := os.Getenv(fmt.Sprintf("ANTIGRAVITY_ACCOUNTS_%d", n))
		if raw == "" {
			break
		}
		var parsed accountCredentialJSON
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			slog.Warn("skipping malformed account credential", "index", n, "err", err)
			continue
		}
		if parsed.Email == "" || parsed.RefreshToken == "" {
			slog.Warn("skipping account credential missing required fields", "index", n)
			continue
		}
		cfg.Accounts = append(cfg.Accounts, account.Credential{
			Email:        parsed.Email,
			AccessToken:  parsed.AccessToken,
			RefreshToken: parsed.RefreshToken,
			ExpiryMs:     parsed.ExpiryDate,
			ProjectID:    parsed.ProjectID,
		})
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields.
func (c *Config) Validate() error {
	if c.AntigravityClientID == "" {
		return fmt.Errorf("ANTIGRAVITY_CLIENT_ID is required")
	}
	if c.AntigravityClientSecret == "" {
		return fmt.Errorf("ANTIGRAVITY_CLIENT_SECRET is required")
	}
	if len(c.Accounts) == 0 {
		return fmt.Errorf("at least one ANTIGRAVITY_ACCOUNTS_<N> credential is required")
	}
	return nil
}
