package httpapi

import (
	"fmt"
	"strings"
	"time"
)

const (
	defaultListenAddr    = ":8080"
	defaultAllowedOrigin = "http://localhost:8000"
	defaultTokenIssuer   = "smsrelay"
	defaultTokenTTL      = 12 * time.Hour
	defaultRequestBody   = 1 << 20
	shutdownTimeout      = 5 * time.Second
)

// Config aggregates runtime settings for the HTTP surface.
type Config struct {
	ListenAddr      string
	AllowedOrigins  []string
	AdminUser       string
	AdminPassword   string
	UserUser        string
	UserPassword    string
	APIKey          string
	TokenSigningKey string
	TokenIssuer     string
	TokenTTL        time.Duration
	MaxBodyBytes    int64
}

// Validate applies defaults and rejects incomplete credential sets.
func (cfg *Config) Validate() error {
	cfg.ListenAddr = defaultIfEmpty(cfg.ListenAddr, defaultListenAddr)
	cfg.TokenIssuer = defaultIfEmpty(cfg.TokenIssuer, defaultTokenIssuer)
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = defaultTokenTTL
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultRequestBody
	}
	for _, origin := range cfg.AllowedOrigins {
		if !validOrigin(origin) {
			return fmt.Errorf("allowed origin %q must be * or start with http:// or https://", origin)
		}
	}
	if strings.TrimSpace(cfg.AdminUser) == "" || cfg.AdminPassword == "" {
		return fmt.Errorf("admin credentials are required")
	}
	userSet := strings.TrimSpace(cfg.UserUser) != ""
	passwordSet := cfg.UserPassword != ""
	if userSet != passwordSet {
		return fmt.Errorf("user credentials need both a name and a password")
	}
	if userSet && cfg.UserUser == cfg.AdminUser {
		return fmt.Errorf("user and admin names must differ")
	}
	return nil
}

func validOrigin(origin string) bool {
	if origin == "*" {
		return true
	}
	for _, scheme := range []string{"http://", "https://"} {
		if strings.HasPrefix(origin, scheme) && len(origin) > len(scheme) {
			return true
		}
	}
	return false
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

// ParseAllowedOrigins splits comma-delimited origins into a slice.
func ParseAllowedOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}
