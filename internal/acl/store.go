package acl

import "errors"

// Common errors.
var (
	ErrPermissionNotFound = errors.New("permission not found")
	ErrAccessDenied       = errors.New("access denied")
	ErrUnknownRole        = errors.New("unknown role")
)

// Wildcard in a grant matches every collection or every user.
const Wildcard = "*"

// Store defines the interface for persisting collection permissions.
// Collections are named by their slash separated path, e.g. rooms or
// rooms/r1/messages.
type Store interface {
	// Grant gives a user a specific role on a collection.
	// If the user already has a permission, it is replaced.
	Grant(collection, userID string, role Role) error

	// Revoke removes a user's permission on a collection.
	// Returns ErrPermissionNotFound if no permission exists.
	Revoke(collection, userID string) error

	// GetRole returns the user's role for a collection. Wildcards are not
	// expanded. Returns ErrPermissionNotFound if no permission exists.
	GetRole(collection, userID string) (Role, error)

	// ListPermissions returns all permissions for a collection.
	ListPermissions(collection string) ([]Permission, error)
}
