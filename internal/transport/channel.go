// Package transport provides the bidirectional event channel.
package transport

import (
	"context"
	"errors"
	"net/http"

	"github.com/ashureev/supportchat/internal/protocol"
)

var (
	// ErrNotConnected is returned by Emit while no live connection exists.
	ErrNotConnected = errors.New("channel not connected")
	// ErrClosed is returned by Emit after Close.
	ErrClosed = errors.New("channel closed")
)

// Channel is a named-event channel to the counterpart server.
//
// Inbound delivers wire events in receive order, interleaved with the
// transport events protocol.EventConnect, EventDisconnect and
// EventConnectionError. It is closed after Close returns.
type Channel interface {
	Emit(ctx context.Context, event protocol.Event, payload any) error
	Inbound() <-chan protocol.Envelope
	Connected() bool
	Close() error
}

// Options describes one channel to open.
type Options struct {
	URL    string
	Header http.Header
}

// Dialer opens channels. Implementations own reconnection.
type Dialer interface {
	Open(ctx context.Context, opts Options) (Channel, error)
}
