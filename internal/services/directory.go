package services

import (
	"context"
	"sync"
)

// StaticDirectory is a Directory backed by in-memory grant tables, loaded
// from configuration or seeded in tests. Production deployments replace it
// with a client for the platform's permission service.
type StaticDirectory struct {
	mu          sync.RWMutex
	permissions map[string]map[string]struct{}
	roles       map[string][]string
}

// NewStaticDirectory creates an empty directory.
func NewStaticDirectory() *StaticDirectory {
	return &StaticDirectory{
		permissions: make(map[string]map[string]struct{}),
		roles:       make(map[string][]string),
	}
}

// Grant gives an actor a permission code.
func (d *StaticDirectory) Grant(actorID, code string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.permissions[actorID] == nil {
		d.permissions[actorID] = make(map[string]struct{})
	}
	d.permissions[actorID][code] = struct{}{}
}

// Assign adds roles to an actor.
func (d *StaticDirectory) Assign(actorID string, roles ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.roles[actorID] = append(d.roles[actorID], roles...)
}

// HasPermission reports whether the actor holds the permission code.
func (d *StaticDirectory) HasPermission(ctx context.Context, actorID, code string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.permissions[actorID][code]
	return ok, nil
}

// RolesOf returns the actor's roles.
func (d *StaticDirectory) RolesOf(ctx context.Context, actorID string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	roles := d.roles[actorID]
	out := make([]string, len(roles))
	copy(out, roles)
	return out, nil
}
