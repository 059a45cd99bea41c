// Package identity provides the durable visitor-side session identifier.
package identity

import (
	"context"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/supportchat/internal/store"
	"github.com/google/uuid"
)

const (
	idPrefix     = "session_"
	randomLength = 9
)

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// Valid reports whether id is acceptable as a session identifier.
func Valid(id string) bool {
	return sessionIDPattern.MatchString(id)
}

// Generate builds a new identifier from a time component and a random component.
func Generate(now time.Time) string {
	random := strings.ReplaceAll(uuid.NewString(), "-", "")[:randomLength]
	return idPrefix + strconv.FormatInt(now.UnixMilli(), 10) + "_" + random
}

// Identity derives and persists the visitor's session identifier.
//
// The stored value is authoritative: Obtain returns it unchanged for as long
// as the storage entry exists. If storage fails, Identity degrades to an
// in-memory value for the rest of the process lifetime.
type Identity struct {
	mu       sync.Mutex
	kv       store.KeyValue
	current  string
	degraded bool
	now      func() time.Time
	logger   *slog.Logger
}

// New creates an Identity backed by kv. A nil kv starts degraded.
func New(kv store.KeyValue, logger *slog.Logger) *Identity {
	if logger == nil {
		logger = slog.Default()
	}
	return &Identity{
		kv:       kv,
		degraded: kv == nil,
		now:      time.Now,
		logger:   logger,
	}
}

// Obtain returns the stored identifier, generating and storing one if absent.
func (i *Identity) Obtain(ctx context.Context) string {
	i.mu.Lock()
	defer i.mu.Unlock()

	if !i.degraded {
		stored, ok, err := i.kv.Get(ctx, store.KeySessionID)
		switch {
		case err != nil:
			i.degrade("read", err)
		case ok && Valid(stored):
			i.current = stored
			return stored
		case ok:
			i.logger.Warn("Discarding invalid stored session id", "session_id", stored)
			i.current = ""
		default:
			// Entry gone: its lifetime ended, start a fresh identity.
			i.current = ""
		}
	}

	if i.current != "" {
		return i.current
	}

	i.current = Generate(i.now())
	i.persist(ctx, i.current)
	i.logger.Info("Generated session id", "session_id", i.current, "in_memory", i.degraded)
	return i.current
}

// Confirm adopts a server-confirmed identifier. The server is authoritative
// after the handshake, so a differing id overwrites the stored one.
func (i *Identity) Confirm(ctx context.Context, id string) {
	if !Valid(id) {
		i.logger.Warn("Ignoring invalid confirmed session id", "session_id", id)
		return
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	if id == i.current {
		return
	}
	i.logger.Info("Session id confirmed by server", "previous", i.current, "session_id", id)
	i.current = id
	i.persist(ctx, id)
}

// Current returns the last obtained or confirmed identifier without touching storage.
func (i *Identity) Current() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.current
}

func (i *Identity) persist(ctx context.Context, id string) {
	if i.degraded {
		return
	}
	if err := i.kv.Set(ctx, store.KeySessionID, id); err != nil {
		i.degrade("write", err)
	}
}

func (i *Identity) degrade(op string, err error) {
	i.degraded = true
	i.logger.Warn("Session storage unavailable, keeping id in memory", "op", op, "error", err)
}
