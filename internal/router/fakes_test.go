package router

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/supportchat/internal/connection"
	"github.com/ashureev/supportchat/internal/domain"
	"github.com/ashureev/supportchat/internal/protocol"
	"github.com/ashureev/supportchat/internal/transport"
)

type emitted struct {
	event   protocol.Event
	payload any
}

type fakeChannel struct {
	mu        sync.Mutex
	inbound   chan protocol.Envelope
	emits     []emitted
	emitErr   error
	connected bool
	closeOnce sync.Once
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{inbound: make(chan protocol.Envelope, 64)}
}

func (f *fakeChannel) Emit(_ context.Context, event protocol.Event, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.emitErr != nil {
		return f.emitErr
	}
	f.emits = append(f.emits, emitted{event: event, payload: payload})
	return nil
}

func (f *fakeChannel) Inbound() <-chan protocol.Envelope { return f.inbound }

func (f *fakeChannel) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeChannel) Close() error {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.connected = false
		f.mu.Unlock()
		close(f.inbound)
	})
	return nil
}

func (f *fakeChannel) failEmits(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emitErr = err
}

func (f *fakeChannel) push(t *testing.T, event protocol.Event, payload any) {
	t.Helper()
	if event == protocol.EventConnect {
		f.mu.Lock()
		f.connected = true
		f.mu.Unlock()
	}
	env, err := protocol.NewEnvelope(event, payload)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	f.inbound <- env
}

func (f *fakeChannel) emitted() []emitted {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]emitted(nil), f.emits...)
}

// events returns emitted event names, skipping handshakes.
func (f *fakeChannel) events() []protocol.Event {
	var out []protocol.Event
	for _, e := range f.emitted() {
		if e.event == protocol.EventUserConnect || e.event == protocol.EventAdminJoin {
			continue
		}
		out = append(out, e.event)
	}
	return out
}

type fakeDialer struct {
	mu       sync.Mutex
	channels []*fakeChannel
}

func (d *fakeDialer) Open(context.Context, transport.Options) (transport.Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ch := newFakeChannel()
	d.channels = append(d.channels, ch)
	return ch, nil
}

func (d *fakeDialer) last() *fakeChannel {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.channels) == 0 {
		return nil
	}
	return d.channels[len(d.channels)-1]
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.channels)
}

type fakeBackend struct {
	mu       sync.Mutex
	history  map[string][]domain.Message
	active   []domain.Session
	past     []domain.Session
	setAIErr error
	setAI    []bool
	uploads  []string
	refresh  int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{history: make(map[string][]domain.Message)}
}

func (b *fakeBackend) History(_ context.Context, id string) ([]domain.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	msgs, ok := b.history[id]
	if !ok {
		return nil, errors.New("not found")
	}
	return append([]domain.Message(nil), msgs...), nil
}

func (b *fakeBackend) ActiveSessions(context.Context) ([]domain.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refresh++
	return append([]domain.Session(nil), b.active...), nil
}

func (b *fakeBackend) PastSessions(context.Context) ([]domain.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refresh++
	return append([]domain.Session(nil), b.past...), nil
}

func (b *fakeBackend) SetAI(_ context.Context, _ string, enabled bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setAI = append(b.setAI, enabled)
	return b.setAIErr
}

func (b *fakeBackend) Upload(_ context.Context, name string, r io.Reader) (domain.Attachment, error) {
	if _, err := io.ReadAll(r); err != nil {
		return domain.Attachment{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.uploads = append(b.uploads, name)
	return domain.Attachment{URL: "/uploads/" + name, Type: "image/png"}, nil
}

func (b *fakeBackend) refreshes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.refresh
}

func newTestManager() (*connection.Manager, *fakeDialer) {
	d := &fakeDialer{}
	return connection.NewManager("ws://test/ws", d, nil), d
}

// startRun runs fn until the test ends.
func startRun(t *testing.T, run func(context.Context) error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func outgoing(t *testing.T, e emitted) protocol.Outgoing {
	t.Helper()
	out, ok := e.payload.(protocol.Outgoing)
	if !ok {
		raw, _ := json.Marshal(e.payload)
		t.Fatalf("payload of %s is not an outgoing message: %s", e.event, raw)
	}
	return out
}
