package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"supportgw/internal/gateway"
	"supportgw/internal/session"
)

// Config carries everything the chat client needs from the environment.
type Config struct {
	Env        string
	GatewayURL string
	Session    session.Session
	// Conversations to join at startup; empty means the user-keyed widget
	// channel only.
	Conversations []string
	Reconnect     gateway.ReconnectPolicy
	TypingTTL     time.Duration
}

func (c Config) IsDevelopment() bool { return c.Env == "development" }
func (c Config) IsProduction() bool  { return c.Env == "production" }

// Load reads configuration from environment variables. In development a
// local .env file is honored when present.
func Load() (Config, error) {
	if getEnv("SUPPORTGW_ENV", "development") == "development" {
		_ = godotenv.Load()
	}

	cfg := Config{
		Env:        getEnv("SUPPORTGW_ENV", "development"),
		GatewayURL: getEnv("GATEWAY_URL", "ws://localhost:8080/socket"),
		Session: session.Session{
			UserID: getEnv("GATEWAY_USER_ID", ""),
			Token:  getEnv("GATEWAY_TOKEN", ""),
			Role:   session.Role(getEnv("GATEWAY_ROLE", string(session.RoleConsumer))),
		},
		Conversations: splitList(getEnv("GATEWAY_CONVERSATIONS", "")),
		Reconnect: gateway.ReconnectPolicy{
			MaxAttempts: getEnvInt("RECONNECT_MAX_ATTEMPTS", 10),
			BaseDelay:   getEnvDuration("RECONNECT_BASE_DELAY", 1*time.Second),
			MaxDelay:    getEnvDuration("RECONNECT_MAX_DELAY", 30*time.Second),
			StableAfter: getEnvDuration("RECONNECT_STABLE_AFTER", 60*time.Second),
		},
		TypingTTL: getEnvDuration("TYPING_TTL", 6*time.Second),
	}

	switch cfg.Session.Role {
	case session.RoleConsumer, session.RoleContractor, session.RoleAdmin, session.RoleAgent:
	default:
		return Config{}, fmt.Errorf("config: unknown role %q", cfg.Session.Role)
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
