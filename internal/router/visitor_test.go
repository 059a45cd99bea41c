package router

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/supportchat/internal/domain"
	"github.com/ashureev/supportchat/internal/identity"
	"github.com/ashureev/supportchat/internal/messages"
	"github.com/ashureev/supportchat/internal/protocol"
	"github.com/ashureev/supportchat/internal/store"
	"github.com/ashureev/supportchat/internal/typing"
)

const storedID = "session_1760000000000_abcdef123"

type visitorFixture struct {
	v       *Visitor
	dialer  *fakeDialer
	backend *fakeBackend
	kv      *store.MemoryKV
	clock   *typing.ManualClock
}

func newVisitorFixture(t *testing.T) *visitorFixture {
	t.Helper()
	kv := store.NewMemoryKV()
	if err := kv.Set(context.Background(), store.KeySessionID, storedID); err != nil {
		t.Fatalf("Set: %v", err)
	}
	mgr, dialer := newTestManager()
	t.Cleanup(mgr.Close)
	backend := newFakeBackend()
	clock := typing.NewManualClock()

	v, err := NewVisitor(VisitorConfig{
		Options: Options{
			Manager:  mgr,
			Messages: messages.NewStore(messages.WithLocation(time.UTC)),
			Clock:    clock,
		},
		Identity:  identity.New(kv, nil),
		History:   backend,
		Uploader:  backend,
		Origin:    StaticOrigin("203.0.113.5"),
		UserAgent: "supportchat-test",
	})
	if err != nil {
		t.Fatalf("NewVisitor: %v", err)
	}
	return &visitorFixture{v: v, dialer: dialer, backend: backend, kv: kv, clock: clock}
}

// confirm connects, runs and completes the handshake.
func (f *visitorFixture) confirm(t *testing.T) *fakeChannel {
	t.Helper()
	if err := f.v.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	startRun(t, f.v.Run)
	ch := f.dialer.last()
	ch.push(t, protocol.EventConnect, nil)
	ch.push(t, protocol.EventUserConnected, protocol.UserConnected{SessionID: f.v.SessionID()})
	waitFor(t, "established", f.v.Established)
	return ch
}

func TestVisitorConnectHydratesAndAnnounces(t *testing.T) {
	t.Parallel()

	f := newVisitorFixture(t)
	f.backend.history[storedID] = []domain.Message{
		{SessionID: storedID, Body: "earlier", SenderType: domain.SenderUser, Timestamp: time.Now()},
	}

	if err := f.v.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := f.v.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	if n := f.dialer.count(); n != 1 {
		t.Fatalf("expected one dial, got %d", n)
	}
	if got := f.v.Messages().Len(storedID); got != 1 {
		t.Fatalf("expected hydrated history, got %d messages", got)
	}

	startRun(t, f.v.Run)
	ch := f.dialer.last()
	ch.push(t, protocol.EventConnect, nil)
	waitFor(t, "handshake", func() bool { return len(ch.emitted()) == 1 })

	hs, ok := ch.emitted()[0].payload.(protocol.UserConnect)
	if !ok {
		t.Fatalf("unexpected handshake payload %#v", ch.emitted()[0].payload)
	}
	if hs.SessionID != storedID || hs.UserIP != "203.0.113.5" || hs.UserAgent != "supportchat-test" {
		t.Fatalf("unexpected handshake %+v", hs)
	}
	if f.v.Established() {
		t.Fatal("visitor must wait for confirmation before sending")
	}
}

func TestVisitorSendRules(t *testing.T) {
	t.Parallel()

	f := newVisitorFixture(t)
	ctx := context.Background()
	if err := f.v.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if f.v.SendMessage(ctx, "too early", nil) {
		t.Fatal("send before confirmation must be a no-op")
	}

	startRun(t, f.v.Run)
	ch := f.dialer.last()
	ch.push(t, protocol.EventConnect, nil)
	ch.push(t, protocol.EventUserConnected, protocol.UserConnected{SessionID: storedID})
	waitFor(t, "established", f.v.Established)

	if f.v.SendMessage(ctx, "   ", nil) {
		t.Fatal("whitespace-only message must be a no-op")
	}
	if !f.v.SendMessage(ctx, "  hello  ", nil) {
		t.Fatal("expected message to be sent")
	}
	if !f.v.SendMessage(ctx, "", &domain.Attachment{URL: "/uploads/a.png", Type: "image/png"}) {
		t.Fatal("expected attachment-only message to be sent")
	}

	var sent []protocol.Outgoing
	for _, e := range ch.emitted() {
		if e.event == protocol.EventMessageUser {
			sent = append(sent, outgoing(t, e))
		}
	}
	if len(sent) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(sent))
	}
	if sent[0].Message != "hello" || sent[0].SessionID != storedID || sent[0].SenderType != domain.SenderUser || sent[0].Sender != "User" {
		t.Fatalf("unexpected first message %+v", sent[0])
	}
	if sent[1].Message != domain.AttachmentPlaceholder || sent[1].AttachmentURL != "/uploads/a.png" {
		t.Fatalf("unexpected attachment message %+v", sent[1])
	}
	if f.v.Messages().Len(storedID) != 0 {
		t.Fatal("sending must not append locally; the echo does")
	}
}

func TestVisitorConfirmAdoptsServerID(t *testing.T) {
	t.Parallel()

	f := newVisitorFixture(t)
	const serverID = "session_1760000009999_fedcba987"
	f.backend.history[serverID] = []domain.Message{{SessionID: serverID, Body: "from server"}}

	if err := f.v.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	startRun(t, f.v.Run)
	ch := f.dialer.last()
	ch.push(t, protocol.EventConnect, nil)
	ch.push(t, protocol.EventUserConnected, protocol.UserConnected{SessionID: serverID})
	waitFor(t, "established", f.v.Established)

	if f.v.SessionID() != serverID {
		t.Fatalf("SessionID = %q, want %q", f.v.SessionID(), serverID)
	}
	stored, _, _ := f.kv.Get(context.Background(), store.KeySessionID)
	if stored != serverID {
		t.Fatalf("stored id = %q, want %q", stored, serverID)
	}
	if f.v.Messages().Len(serverID) != 1 {
		t.Fatal("expected history of the confirmed session")
	}
}

func TestVisitorInboundMessages(t *testing.T) {
	t.Parallel()

	f := newVisitorFixture(t)
	ch := f.confirm(t)

	ch.push(t, protocol.EventTypingAdmin, nil)
	waitFor(t, "staff typing", f.v.StaffTyping)

	ch.push(t, protocol.EventMessageSent, domain.Message{SessionID: storedID, Body: "mine", SenderType: domain.SenderUser})
	ch.push(t, protocol.EventMessageReceived, domain.Message{Body: "reply", SenderType: domain.SenderAdmin})
	waitFor(t, "two messages", func() bool { return f.v.Messages().Len(storedID) == 2 })

	if f.v.StaffTyping() {
		t.Fatal("a delivered message clears the typing indicator")
	}
	msgs := f.v.Messages().All(storedID)
	if msgs[0].Body != "mine" || msgs[1].Body != "reply" || msgs[1].SessionID != storedID {
		t.Fatalf("unexpected transcript %+v", msgs)
	}

	ch.push(t, protocol.EventTypingAdmin, nil)
	waitFor(t, "staff typing", f.v.StaffTyping)
	ch.push(t, protocol.EventTypingAdminStop, nil)
	waitFor(t, "staff idle", func() bool { return !f.v.StaffTyping() })
}

func TestVisitorTypingDebounce(t *testing.T) {
	t.Parallel()

	f := newVisitorFixture(t)
	ch := f.confirm(t)

	for i := 0; i < 4; i++ {
		f.v.InputChanged()
		f.clock.Advance(400 * time.Millisecond)
	}
	if got := ch.events(); !slices.Equal(got, []protocol.Event{protocol.EventTypingStart}) {
		t.Fatalf("events = %v", got)
	}
	f.clock.Advance(typing.DefaultQuietInterval)
	want := []protocol.Event{protocol.EventTypingStart, protocol.EventTypingStop}
	if got := ch.events(); !slices.Equal(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}

	payload, ok := ch.emitted()[len(ch.emitted())-1].payload.(protocol.Typing)
	if !ok || payload.SessionID != storedID || payload.SenderType != domain.SenderUser {
		t.Fatalf("unexpected typing payload %#v", ch.emitted()[len(ch.emitted())-1].payload)
	}
}

func TestVisitorSendStopsTyping(t *testing.T) {
	t.Parallel()

	f := newVisitorFixture(t)
	ch := f.confirm(t)

	f.v.InputChanged()
	f.v.SendMessage(context.Background(), "done", nil)
	f.clock.Advance(time.Minute)

	want := []protocol.Event{protocol.EventTypingStart, protocol.EventTypingStop, protocol.EventMessageUser}
	if got := ch.events(); !slices.Equal(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
}

func TestVisitorDisconnectEvent(t *testing.T) {
	t.Parallel()

	f := newVisitorFixture(t)
	ch := f.confirm(t)

	f.v.InputChanged()
	ch.push(t, protocol.EventDisconnect, nil)
	waitFor(t, "not established", func() bool { return !f.v.Established() })

	if f.v.TypingState(storedID) != typing.StateIdle {
		t.Fatal("typing state must be cleared on disconnect")
	}
	if f.v.SendMessage(context.Background(), "offline", nil) {
		t.Fatal("send while disconnected must be a no-op")
	}

	// Reconnect and confirm again.
	ch.push(t, protocol.EventConnect, nil)
	ch.push(t, protocol.EventUserConnected, protocol.UserConnected{SessionID: storedID})
	waitFor(t, "re-established", f.v.Established)
}

func TestVisitorConnectionErrorClearsFlag(t *testing.T) {
	t.Parallel()

	f := newVisitorFixture(t)
	ch := f.confirm(t)
	ch.push(t, protocol.EventConnectionError, protocol.ConnectionError{Error: "refused"})
	waitFor(t, "not established", func() bool { return !f.v.Established() })
}

func TestVisitorEmitFailure(t *testing.T) {
	t.Parallel()

	f := newVisitorFixture(t)
	ch := f.confirm(t)
	ch.failEmits(errors.New("broken pipe"))

	if f.v.SendMessage(context.Background(), "lost", nil) {
		t.Fatal("failed emit must report not sent")
	}
	if f.v.Established() {
		t.Fatal("failed emit must clear the connectivity flag")
	}
}

func TestVisitorSendAttachment(t *testing.T) {
	t.Parallel()

	f := newVisitorFixture(t)
	ch := f.confirm(t)

	sent, err := f.v.SendAttachment(context.Background(), "shot.png", strings.NewReader("png"))
	if err != nil || !sent {
		t.Fatalf("SendAttachment = %v, %v", sent, err)
	}
	last := ch.emitted()[len(ch.emitted())-1]
	out := outgoing(t, last)
	if out.AttachmentURL != "/uploads/shot.png" || out.Message != domain.AttachmentPlaceholder {
		t.Fatalf("unexpected attachment message %+v", out)
	}
}

func TestVisitorDisconnectClosesRun(t *testing.T) {
	t.Parallel()

	f := newVisitorFixture(t)
	if err := f.v.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- f.v.Run(context.Background()) }()

	f.v.Disconnect()
	select {
	case err := <-done:
		// Run may start after the handle is already gone.
		if err != nil && !errors.Is(err, ErrNotConnected) {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Disconnect")
	}
	if err := f.v.Run(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestNewVisitorRequiresIdentity(t *testing.T) {
	t.Parallel()

	mgr, _ := newTestManager()
	if _, err := NewVisitor(VisitorConfig{Options: Options{Manager: mgr}}); !errors.Is(err, ErrMissingDependency) {
		t.Fatalf("expected ErrMissingDependency, got %v", err)
	}
}
