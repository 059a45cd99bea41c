// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Client   ClientConfig
	Relay    RelayConfig
	LogLevel slog.Level
}

// ClientConfig configures the widget and the console.
type ClientConfig struct {
	SocketURL         string
	APIURL            string
	StatePath         string
	TypingQuiet       time.Duration
	UserAgent         string
	OriginLookup      bool
	OriginLookupURL   string
	ReconnectMaxDelay time.Duration
	SessionPoll       time.Duration
}

// RelayConfig configures the development relay.
type RelayConfig struct {
	Port           string
	DBPath         string
	AdminToken     string
	UploadDir      string
	AllowedOrigins []string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Client: ClientConfig{
			SocketURL:         getEnv("SOCKET_URL", "ws://localhost:5001/ws"),
			APIURL:            getEnv("API_URL", "http://localhost:5001/api"),
			StatePath:         getEnv("STATE_PATH", "./data/client.db"),
			TypingQuiet:       time.Duration(getEnvInt("TYPING_QUIET_MS", 2000)) * time.Millisecond,
			UserAgent:         getEnv("USER_AGENT", "supportchat-cli"),
			OriginLookup:      getEnvBool("ORIGIN_LOOKUP", true),
			OriginLookupURL:   getEnv("ORIGIN_LOOKUP_URL", "https://api.ipify.org?format=json"),
			ReconnectMaxDelay: getEnvDuration("RECONNECT_MAX_DELAY", 30*time.Second),
			SessionPoll:       getEnvDuration("SESSION_POLL_INTERVAL", 5*time.Second),
		},
		Relay: RelayConfig{
			Port:           getEnv("PORT", "5001"),
			DBPath:         getEnv("RELAY_DB_PATH", "./data/relay.db"),
			AdminToken:     getEnv("RELAY_ADMIN_TOKEN", ""),
			UploadDir:      getEnv("UPLOAD_DIR", "./data/uploads"),
			AllowedOrigins: getEnvList("ALLOWED_ORIGINS", []string{"*"}),
		},
		LogLevel: parseLevel(getEnv("LOG_LEVEL", "info")),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if err := validateURL("SOCKET_URL", c.Client.SocketURL, "ws", "wss", "http", "https"); err != nil {
		return err
	}
	if err := validateURL("API_URL", c.Client.APIURL, "http", "https"); err != nil {
		return err
	}
	if c.Client.TypingQuiet <= 0 {
		return fmt.Errorf("TYPING_QUIET_MS must be > 0")
	}
	if c.Client.ReconnectMaxDelay <= 0 {
		return fmt.Errorf("RECONNECT_MAX_DELAY must be > 0")
	}
	if c.Client.SessionPoll <= 0 {
		return fmt.Errorf("SESSION_POLL_INTERVAL must be > 0")
	}
	if c.Relay.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.Relay.DBPath == "" {
		return fmt.Errorf("RELAY_DB_PATH cannot be empty")
	}
	return nil
}

func validateURL(key, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return fmt.Errorf("%s must be an absolute URL", key)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("%s has unsupported scheme %q", key, u.Scheme)
}

func parseLevel(value string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(value))); err != nil {
		return slog.LevelInfo
	}
	return level
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
