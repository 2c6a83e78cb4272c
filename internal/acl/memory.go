package acl

import (
	"maps"
	"slices"
	"sync"
)

// MemoryStore keeps grants in memory, indexed by collection and then user.
type MemoryStore struct {
	mu     sync.RWMutex
	grants map[string]map[string]Role
}

// Ensure MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{grants: make(map[string]map[string]Role)}
}

// Grant implements Store.
func (m *MemoryStore) Grant(collection, userID string, role Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	users, ok := m.grants[collection]
	if !ok {
		users = make(map[string]Role)
		m.grants[collection] = users
	}

	users[userID] = role

	return nil
}

// Revoke implements Store.
func (m *MemoryStore) Revoke(collection, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	users := m.grants[collection]
	if _, ok := users[userID]; !ok {
		return ErrPermissionNotFound
	}

	delete(users, userID)

	if len(users) == 0 {
		delete(m.grants, collection)
	}

	return nil
}

// GetRole implements Store.
func (m *MemoryStore) GetRole(collection, userID string) (Role, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	role, ok := m.grants[collection][userID]
	if !ok {
		return 0, ErrPermissionNotFound
	}

	return role, nil
}

// ListPermissions implements Store. Permissions are ordered by user.
func (m *MemoryStore) ListPermissions(collection string) ([]Permission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	users := m.grants[collection]
	out := make([]Permission, 0, len(users))

	for _, userID := range slices.Sorted(maps.Keys(users)) {
		out = append(out, Permission{Collection: collection, UserID: userID, Role: users[userID]})
	}

	return out, nil
}
