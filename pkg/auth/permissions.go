// Package auth implements control-plane authentication: single-use
// pairing tokens that bind ed25519 public keys, and a challenge/response
// flow that turns a bound key into an authenticated session.
package auth

// Permission is a session capability level.
type Permission string

const (
	PermissionRead  Permission = "read"
	PermissionWrite Permission = "write"
	PermissionAdmin Permission = "admin"
)

// IsValid checks if the permission is a known value.
func (p Permission) IsValid() bool {
	switch p {
	case PermissionRead, PermissionWrite, PermissionAdmin:
		return true
	default:
		return false
	}
}

// Allows reports whether a holder of p may perform an action requiring
// required. Admin implies write, write implies read.
func (p Permission) Allows(required Permission) bool {
	rank := func(x Permission) int {
		switch x {
		case PermissionAdmin:
			return 3
		case PermissionWrite:
			return 2
		case PermissionRead:
			return 1
		default:
			return 0
		}
	}
	return rank(p) >= rank(required)
}
