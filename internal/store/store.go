// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"

	"github.com/ashureev/supportchat/internal/domain"
)

// Keys of the persisted client state.
const (
	KeySessionID  = "chatSessionId"
	KeyAdminToken = "adminToken"
)

// ErrNotFound is returned when a lookup matches no record.
var ErrNotFound = errors.New("not found")

// KeyValue is durable client-side key-value storage.
type KeyValue interface {
	// Get returns the value stored under key and whether it exists.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key, value string) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Close releases the underlying storage.
	Close() error
}

// ChatRepository persists sessions and messages for the development relay.
type ChatRepository interface {
	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error

	// GetSession retrieves a session by ID. Returns nil, nil when absent.
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)

	// UpsertSession creates or updates a session record.
	UpsertSession(ctx context.Context, session *domain.Session) error

	// SetSessionStatus moves a session between active and past.
	SetSessionStatus(ctx context.Context, sessionID string, status domain.SessionStatus) error

	// SetSessionAI stores the AI responder toggle for a session.
	SetSessionAI(ctx context.Context, sessionID string, enabled bool) error

	// ListSessions returns sessions with the given status, most recent activity first.
	ListSessions(ctx context.Context, status domain.SessionStatus) ([]domain.Session, error)

	// AppendMessage stores a message and bumps the session's last activity.
	AppendMessage(ctx context.Context, msg domain.Message) error

	// ListMessages returns a session's messages in arrival order.
	ListMessages(ctx context.Context, sessionID string) ([]domain.HistoryRecord, error)
}
