package store

import (
	"context"
	"sort"
	"sync"

	"opsgate/internal/authz/models"
	id "opsgate/pkg/domain"
	"opsgate/pkg/platform/sentinel"
)

// InMemoryRoleStore implements RoleStore with a mutex-guarded map.
// Single-node development and tests; production uses PostgresRoleStore.
type InMemoryRoleStore struct {
	mu    sync.RWMutex
	roles map[id.UserID]map[models.Role]models.RoleAssignment
}

// NewInMemoryRoleStore creates an empty in-memory role store.
func NewInMemoryRoleStore() *InMemoryRoleStore {
	return &InMemoryRoleStore{roles: make(map[id.UserID]map[models.Role]models.RoleAssignment)}
}

func (s *InMemoryRoleStore) ListRoles(_ context.Context, userID id.UserID) ([]models.RoleAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.RoleAssignment, 0, len(s.roles[userID]))
	for _, a := range s.roles[userID] {
		out = append(out, a)
	}
	// Stable order so repeated reads of an unchanged set compare equal.
	sort.Slice(out, func(i, j int) bool { return out[i].Role < out[j].Role })
	return out, nil
}

func (s *InMemoryRoleStore) AssignRole(_ context.Context, assignment models.RoleAssignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byRole := s.roles[assignment.UserID]
	if byRole == nil {
		byRole = make(map[models.Role]models.RoleAssignment)
		s.roles[assignment.UserID] = byRole
	}
	if _, exists := byRole[assignment.Role]; exists {
		return nil
	}
	byRole[assignment.Role] = assignment
	return nil
}

func (s *InMemoryRoleStore) RemoveRole(_ context.Context, userID id.UserID, role models.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byRole := s.roles[userID]
	if _, exists := byRole[role]; !exists {
		return sentinel.ErrNotFound
	}
	delete(byRole, role)
	return nil
}

// InMemoryPermissionStore implements PermissionStore with a mutex-guarded map.
type InMemoryPermissionStore struct {
	mu     sync.RWMutex
	grants map[id.UserID]map[models.Module]models.PermissionGrant
}

// NewInMemoryPermissionStore creates an empty in-memory permission store.
func NewInMemoryPermissionStore() *InMemoryPermissionStore {
	return &InMemoryPermissionStore{grants: make(map[id.UserID]map[models.Module]models.PermissionGrant)}
}

func (s *InMemoryPermissionStore) ListGrants(_ context.Context, userID id.UserID) ([]models.PermissionGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.PermissionGrant, 0, len(s.grants[userID]))
	for _, g := range s.grants[userID] {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Module < out[j].Module })
	return out, nil
}

func (s *InMemoryPermissionStore) UpsertGrant(_ context.Context, grant models.PermissionGrant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byModule := s.grants[grant.UserID]
	if byModule == nil {
		byModule = make(map[models.Module]models.PermissionGrant)
		s.grants[grant.UserID] = byModule
	}
	byModule[grant.Module] = grant
	return nil
}

func (s *InMemoryPermissionStore) DeleteGrant(_ context.Context, userID id.UserID, module models.Module) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byModule := s.grants[userID]
	if _, exists := byModule[module]; !exists {
		return sentinel.ErrNotFound
	}
	delete(byModule, module)
	return nil
}
