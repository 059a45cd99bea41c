package protocol

import (
	"testing"

	"github.com/ashureev/supportchat/internal/domain"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		role  domain.Role
		event Event
		want  Kind
	}{
		{domain.RoleVisitor, EventUserConnected, KindHandshakeConfirmed},
		{domain.RoleVisitor, EventMessageReceived, KindDelivered},
		{domain.RoleVisitor, EventMessageSent, KindEcho},
		{domain.RoleVisitor, EventTypingAdmin, KindTypingStart},
		{domain.RoleVisitor, EventTypingAdminStop, KindTypingStop},
		{domain.RoleVisitor, EventTypingUser, KindUnknown},
		{domain.RoleVisitor, EventConnectionError, KindConnectionError},
		{domain.RoleStaff, EventMessageNew, KindDelivered},
		{domain.RoleStaff, EventMessageSent, KindEcho},
		{domain.RoleStaff, EventTypingUser, KindTypingStart},
		{domain.RoleStaff, EventTypingUserStop, KindTypingStop},
		{domain.RoleStaff, EventUserConnected, KindUnknown},
		{domain.RoleStaff, EventConnect, KindConnected},
		{domain.RoleStaff, EventDisconnect, KindDisconnected},
	}

	for _, tt := range tests {
		if got := Classify(tt.role, tt.event); got != tt.want {
			t.Errorf("Classify(%s, %s) = %s, want %s", tt.role, tt.event, got, tt.want)
		}
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	t.Parallel()

	env, err := NewEnvelope(EventTypingStart, Typing{SessionID: "s1", SenderType: domain.SenderUser})
	if err != nil {
		t.Fatalf("NewEnvelope failed: %v", err)
	}
	var got Typing
	if err := env.Decode(&got); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if got.SessionID != "s1" || got.SenderType != domain.SenderUser {
		t.Errorf("unexpected payload: %+v", got)
	}

	empty, err := NewEnvelope(EventConnect, nil)
	if err != nil {
		t.Fatalf("NewEnvelope(nil) failed: %v", err)
	}
	if err := empty.Decode(&got); err == nil {
		t.Error("expected error decoding empty envelope")
	}
}
