// Package restapi is the HTTP client for the chat backend's REST surface.
package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ashureev/supportchat/internal/domain"
	"github.com/ashureev/supportchat/internal/store"
)

// ErrUnauthorized is returned when the backend rejects the bearer token.
var ErrUnauthorized = errors.New("unauthorized")

// StatusError is a non-2xx response.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Code, e.Body)
	}
	return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.Code)
}

// Unwrap maps 401/403 to ErrUnauthorized.
func (e *StatusError) Unwrap() error {
	if e.Code == http.StatusUnauthorized || e.Code == http.StatusForbidden {
		return ErrUnauthorized
	}
	return nil
}

// TokenSource returns the bearer token to send, or "" for none.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed token.
type StaticToken string

// Token implements TokenSource.
func (t StaticToken) Token(context.Context) (string, error) { return string(t), nil }

// KVToken reads the token from client storage on every request.
type KVToken struct {
	KV store.KeyValue
}

// Token implements TokenSource.
func (t KVToken) Token(ctx context.Context) (string, error) {
	if t.KV == nil {
		return "", nil
	}
	v, _, err := t.KV.Get(ctx, store.KeyAdminToken)
	if err != nil {
		return "", fmt.Errorf("read admin token: %w", err)
	}
	return v, nil
}

// Client talks to the REST backend rooted at a base URL such as
// http://localhost:5001/api.
type Client struct {
	base   string
	http   *http.Client
	tokens TokenSource
	logger *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithTokenSource sets where the bearer token comes from.
func WithTokenSource(ts TokenSource) Option {
	return func(c *Client) { c.tokens = ts }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// New creates a client for baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse api url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("parse api url: unsupported scheme %q", u.Scheme)
	}
	c := &Client{
		base:   strings.TrimRight(baseURL, "/"),
		http:   &http.Client{Timeout: 15 * time.Second},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// ActiveSessions lists sessions with a connected or recent visitor.
func (c *Client) ActiveSessions(ctx context.Context) ([]domain.Session, error) {
	var out []domain.Session
	if err := c.do(ctx, http.MethodGet, "/chat/sessions/active", nil, "", &out); err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	return out, nil
}

// PastSessions lists closed sessions.
func (c *Client) PastSessions(ctx context.Context) ([]domain.Session, error) {
	var out []domain.Session
	if err := c.do(ctx, http.MethodGet, "/chat/sessions/past", nil, "", &out); err != nil {
		return nil, fmt.Errorf("list past sessions: %w", err)
	}
	return out, nil
}

// History returns the session's transcript in stored order.
func (c *Client) History(ctx context.Context, sessionID string) ([]domain.Message, error) {
	var records []domain.HistoryRecord
	path := "/chat/sessions/" + url.PathEscape(sessionID) + "/messages"
	if err := c.do(ctx, http.MethodGet, path, nil, "", &records); err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	msgs := make([]domain.Message, 0, len(records))
	for _, r := range records {
		m := r.ToMessage()
		if m.SessionID == "" {
			m.SessionID = sessionID
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

type setAIRequest struct {
	Enabled bool `json:"enabled"`
}

// SetAI persists the session's AI auto-reply flag.
func (c *Client) SetAI(ctx context.Context, sessionID string, enabled bool) error {
	body, err := json.Marshal(setAIRequest{Enabled: enabled})
	if err != nil {
		return fmt.Errorf("encode ai toggle: %w", err)
	}
	path := "/chat/sessions/" + url.PathEscape(sessionID) + "/ai"
	if err := c.do(ctx, http.MethodPatch, path, bytes.NewReader(body), "application/json", nil); err != nil {
		return fmt.Errorf("set ai: %w", err)
	}
	return nil
}

// Upload sends a file as multipart field "file" and returns where it is served.
func (c *Client) Upload(ctx context.Context, name string, r io.Reader) (domain.Attachment, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		return domain.Attachment{}, fmt.Errorf("upload: create form: %w", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return domain.Attachment{}, fmt.Errorf("upload: read file: %w", err)
	}
	if err := mw.Close(); err != nil {
		return domain.Attachment{}, fmt.Errorf("upload: close form: %w", err)
	}

	var out domain.Attachment
	if err := c.do(ctx, http.MethodPost, "/chat/upload", &buf, mw.FormDataContentType(), &out); err != nil {
		return domain.Attachment{}, fmt.Errorf("upload: %w", err)
	}
	if out.URL == "" {
		return domain.Attachment{}, errors.New("upload: response carried no url")
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return err
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		c.logger.Debug("REST request failed", "method", method, "path", path, "status", resp.StatusCode)
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: errorMessage(msg)}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// errorMessage extracts {"error": "..."} bodies, falling back to raw text.
func errorMessage(body []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return e.Error
	}
	return strings.TrimSpace(string(body))
}
