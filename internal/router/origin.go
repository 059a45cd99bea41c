package router

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// UnknownOrigin is reported when the network origin cannot be determined.
const UnknownOrigin = "unknown"

// DefaultOriginURL is the public IP echo service queried by IPLookup.
const DefaultOriginURL = "https://api.ipify.org?format=json"

// OriginResolver returns the visitor's approximate network origin.
type OriginResolver interface {
	Resolve(ctx context.Context) string
}

// StaticOrigin always reports the same origin.
type StaticOrigin string

// Resolve implements OriginResolver.
func (s StaticOrigin) Resolve(context.Context) string {
	if s == "" {
		return UnknownOrigin
	}
	return string(s)
}

// IPLookup asks an ipify-compatible service for the public address.
type IPLookup struct {
	URL    string
	Client *http.Client
	Logger *slog.Logger
}

// Resolve implements OriginResolver. Any failure yields UnknownOrigin.
func (l IPLookup) Resolve(ctx context.Context) string {
	ip, err := l.lookup(ctx)
	if err != nil {
		logger := l.Logger
		if logger == nil {
			logger = slog.Default()
		}
		logger.Debug("Origin lookup failed", "error", err)
		return UnknownOrigin
	}
	return ip
}

func (l IPLookup) lookup(ctx context.Context) (string, error) {
	url := l.URL
	if url == "" {
		url = DefaultOriginURL
	}
	client := l.Client
	if client == nil {
		client = &http.Client{Timeout: 3 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("build origin request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("origin request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("origin request: status %d", resp.StatusCode)
	}

	var body struct {
		IP string `json:"ip"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1024)).Decode(&body); err != nil {
		return "", fmt.Errorf("decode origin: %w", err)
	}
	if body.IP == "" {
		return "", fmt.Errorf("decode origin: empty ip")
	}
	return body.IP, nil
}
