package acl

import "errors"

// Action represents an operation a user wants to perform.
type Action int

const (
	ActionRead Action = iota
	ActionWrite
	ActionShare
	ActionDelete
)

// String returns the string representation of the action.
func (a Action) String() string {
	switch a {
	case ActionRead:
		return "read"
	case ActionWrite:
		return "write"
	case ActionShare:
		return "share"
	case ActionDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Checker validates user permissions for collection operations.
type Checker struct {
	store Store
}

// NewChecker creates a new permission checker.
func NewChecker(store Store) *Checker {
	return &Checker{store: store}
}

// Role resolves the effective role of a user on a collection. The most
// specific grant wins: (collection, user), (collection, *), (*, user),
// then (*, *).
func (c *Checker) Role(collection, userID string) (Role, error) {
	candidates := [...][2]string{
		{collection, userID},
		{collection, Wildcard},
		{Wildcard, userID},
		{Wildcard, Wildcard},
	}

	for _, cand := range candidates {
		role, err := c.store.GetRole(cand[0], cand[1])
		if err == nil {
			return role, nil
		}

		if !errors.Is(err, ErrPermissionNotFound) {
			return 0, err
		}
	}

	return 0, ErrPermissionNotFound
}

// CanPerform checks if a user can perform an action on a collection.
func (c *Checker) CanPerform(collection, userID string, action Action) (bool, error) {
	role, err := c.Role(collection, userID)
	if err != nil {
		if errors.Is(err, ErrPermissionNotFound) {
			return false, nil
		}

		return false, err
	}

	switch action {
	case ActionRead:
		return role.CanRead(), nil
	case ActionWrite:
		return role.CanWrite(), nil
	case ActionShare:
		return role.CanShare(), nil
	case ActionDelete:
		return role.CanDelete(), nil
	default:
		return false, nil
	}
}

// RequirePermission checks permission and returns an error if denied.
func (c *Checker) RequirePermission(collection, userID string, action Action) error {
	allowed, err := c.CanPerform(collection, userID, action)
	if err != nil {
		return err
	}

	if !allowed {
		return ErrAccessDenied
	}

	return nil
}
