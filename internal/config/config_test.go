package config

import (
	"log/slog"
	"slices"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Client.SocketURL != "ws://localhost:5001/ws" || cfg.Client.APIURL != "http://localhost:5001/api" {
		t.Fatalf("unexpected urls %+v", cfg.Client)
	}
	if cfg.Client.TypingQuiet != 2*time.Second {
		t.Fatalf("TypingQuiet = %v", cfg.Client.TypingQuiet)
	}
	if cfg.Relay.Port != "5001" || cfg.LogLevel != slog.LevelInfo {
		t.Fatalf("unexpected relay config %+v level=%v", cfg.Relay, cfg.LogLevel)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("SOCKET_URL", "wss://chat.example/ws")
	t.Setenv("TYPING_QUIET_MS", "500")
	t.Setenv("ORIGIN_LOOKUP", "off")
	t.Setenv("RECONNECT_MAX_DELAY", "5s")
	t.Setenv("ALLOWED_ORIGINS", "http://a.example, http://b.example")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Client.SocketURL != "wss://chat.example/ws" || cfg.Client.TypingQuiet != 500*time.Millisecond {
		t.Fatalf("unexpected client config %+v", cfg.Client)
	}
	if cfg.Client.OriginLookup || cfg.Client.ReconnectMaxDelay != 5*time.Second {
		t.Fatalf("unexpected client config %+v", cfg.Client)
	}
	if !slices.Equal(cfg.Relay.AllowedOrigins, []string{"http://a.example", "http://b.example"}) {
		t.Fatalf("AllowedOrigins = %v", cfg.Relay.AllowedOrigins)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Fatalf("LogLevel = %v", cfg.LogLevel)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"SOCKET_URL", "ftp://chat.example"},
		{"API_URL", "not a url"},
		{"TYPING_QUIET_MS", "0"},
		{"PORT", ""},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := Load(); err == nil {
				t.Fatalf("expected error for %s=%q", tt.key, tt.value)
			}
		})
	}
}

func TestGetEnvDurationFallback(t *testing.T) {
	t.Setenv("RECONNECT_MAX_DELAY", "soon")
	if got := getEnvDuration("RECONNECT_MAX_DELAY", time.Minute); got != time.Minute {
		t.Fatalf("got %v", got)
	}
}
