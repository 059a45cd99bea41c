// Package domain contains core domain types for the support chat.
package domain

// Role identifies which side of a conversation a process acts for.
type Role string

const (
	// RoleVisitor is the anonymous website visitor using the widget.
	RoleVisitor Role = "visitor"
	// RoleStaff is a support agent using the console.
	RoleStaff Role = "staff"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleVisitor || r == RoleStaff
}

// Counterpart returns the role on the other end of the channel.
func (r Role) Counterpart() Role {
	if r == RoleStaff {
		return RoleVisitor
	}
	return RoleStaff
}

// SenderType returns the sender type used on messages authored by r.
func (r Role) SenderType() SenderType {
	if r == RoleStaff {
		return SenderAdmin
	}
	return SenderUser
}

// DisplayName returns the sender display name used on messages authored by r.
func (r Role) DisplayName() string {
	if r == RoleStaff {
		return "Admin"
	}
	return "User"
}
