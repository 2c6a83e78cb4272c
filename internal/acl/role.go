package acl

import (
	"fmt"
	"strings"
)

// Role represents a user's access level for a collection.
type Role int

const (
	// Viewer can only read documents.
	Viewer Role = iota
	// Editor can read and write documents.
	Editor
	// Owner has full access: read, write, share, and delete.
	Owner
)

// String returns the string representation of the role.
func (r Role) String() string {
	switch r {
	case Viewer:
		return "viewer"
	case Editor:
		return "editor"
	case Owner:
		return "owner"
	default:
		return "unknown"
	}
}

// ParseRole parses the string form of a role.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(s) {
	case "viewer":
		return Viewer, nil
	case "editor":
		return Editor, nil
	case "owner":
		return Owner, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownRole, s)
	}
}

// CanRead returns true if the role allows reading.
func (r Role) CanRead() bool {
	return r >= Viewer
}

// CanWrite returns true if the role allows writing.
func (r Role) CanWrite() bool {
	return r >= Editor
}

// CanShare returns true if the role allows granting roles to others.
func (r Role) CanShare() bool {
	return r >= Owner
}

// CanDelete returns true if the role allows deleting documents.
func (r Role) CanDelete() bool {
	return r >= Owner
}

// Permission represents a user's access to a collection.
type Permission struct {
	Collection string
	UserID     string
	Role       Role
}

// ParsePermission parses a collection:user:role entry.
func ParsePermission(s string) (Permission, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return Permission{}, fmt.Errorf("invalid permission %q: want collection:user:role", s)
	}

	role, err := ParseRole(parts[2])
	if err != nil {
		return Permission{}, err
	}

	return Permission{Collection: parts[0], UserID: parts[1], Role: role}, nil
}
