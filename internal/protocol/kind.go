package protocol

import "github.com/ashureev/supportchat/internal/domain"

// Kind is the role-independent meaning of an inbound event.
type Kind int

const (
	KindUnknown Kind = iota
	KindConnected
	KindDisconnected
	KindConnectionError
	KindHandshakeConfirmed
	// KindDelivered is a message authored by the other role.
	KindDelivered
	// KindEcho is a message authored by this role, echoed back for log consistency.
	KindEcho
	KindTypingStart
	KindTypingStop
)

func (k Kind) String() string {
	switch k {
	case KindConnected:
		return "connected"
	case KindDisconnected:
		return "disconnected"
	case KindConnectionError:
		return "connection-error"
	case KindHandshakeConfirmed:
		return "handshake-confirmed"
	case KindDelivered:
		return "message-delivered-to-counterpart"
	case KindEcho:
		return "message-echo-to-author"
	case KindTypingStart:
		return "typing-start"
	case KindTypingStop:
		return "typing-stop"
	default:
		return "unknown"
	}
}

var inbound = map[domain.Role]map[Event]Kind{
	domain.RoleVisitor: {
		EventUserConnected:   KindHandshakeConfirmed,
		EventMessageReceived: KindDelivered,
		EventMessageSent:     KindEcho,
		EventTypingAdmin:     KindTypingStart,
		EventTypingAdminStop: KindTypingStop,
	},
	domain.RoleStaff: {
		EventMessageNew:     KindDelivered,
		EventMessageSent:    KindEcho,
		EventTypingUser:     KindTypingStart,
		EventTypingUserStop: KindTypingStop,
	},
}

// Classify maps an inbound event to its meaning for role.
func Classify(role domain.Role, event Event) Kind {
	switch event {
	case EventConnect:
		return KindConnected
	case EventDisconnect:
		return KindDisconnected
	case EventConnectionError:
		return KindConnectionError
	}
	return inbound[role][event]
}

// HandshakeEvent returns the event role emits after every connect.
func HandshakeEvent(role domain.Role) Event {
	if role == domain.RoleStaff {
		return EventAdminJoin
	}
	return EventUserConnect
}

// MessageEvent returns the event role emits to send a message.
func MessageEvent(role domain.Role) Event {
	if role == domain.RoleStaff {
		return EventMessageAdmin
	}
	return EventMessageUser
}

// TypingEvent returns the outbound typing event. Both roles share the
// same names; the payload's sender type tells them apart.
func TypingEvent(start bool) Event {
	if start {
		return EventTypingStart
	}
	return EventTypingStop
}

// RelayedTypingEvent returns the event a server forwards to the counterpart
// of sender.
func RelayedTypingEvent(sender domain.Role, start bool) Event {
	switch {
	case sender == domain.RoleStaff && start:
		return EventTypingAdmin
	case sender == domain.RoleStaff:
		return EventTypingAdminStop
	case start:
		return EventTypingUser
	default:
		return EventTypingUserStop
	}
}
