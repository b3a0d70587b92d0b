package services

import (
	"context"
	"fmt"
	"sync"

	"github.com/recordflow/recordflow/pkg/models"
)

// SnapshotFunc materializes the current data of one record.
type SnapshotFunc func(ctx context.Context, id string) (map[string]any, error)

// UpdateFieldFunc sets one field on a record, for update_field actions.
type UpdateFieldFunc func(ctx context.Context, id, field string, value any) error

// SnapshotRegistry maps record kinds onto accessor functions, resolved once
// at the boundary instead of via reflection. Registration happens at
// startup; lookups are safe for concurrent use.
type SnapshotRegistry struct {
	mu        sync.RWMutex
	snapshots map[string]SnapshotFunc
	updaters  map[string]UpdateFieldFunc
}

// NewSnapshotRegistry creates an empty registry.
func NewSnapshotRegistry() *SnapshotRegistry {
	return &SnapshotRegistry{
		snapshots: make(map[string]SnapshotFunc),
		updaters:  make(map[string]UpdateFieldFunc),
	}
}

// Register binds a snapshot function to a record kind.
func (r *SnapshotRegistry) Register(kind string, fn SnapshotFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots[kind] = fn
}

// RegisterUpdater binds a field updater to a record kind.
func (r *SnapshotRegistry) RegisterUpdater(kind string, fn UpdateFieldFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updaters[kind] = fn
}

// Snapshot returns the record's current data. An unregistered kind yields
// an empty snapshot so guard conditions still evaluate (against defaults)
// instead of failing the whole operation.
func (r *SnapshotRegistry) Snapshot(ctx context.Context, ref models.RecordReference) (map[string]any, error) {
	r.mu.RLock()
	fn, ok := r.snapshots[ref.Kind]
	r.mu.RUnlock()
	if !ok {
		return map[string]any{}, nil
	}
	return fn(ctx, ref.ID)
}

// UpdateField sets a field on the record. Unlike Snapshot, an unregistered
// kind is an error: an update_field action that cannot run points at a
// wiring gap.
func (r *SnapshotRegistry) UpdateField(ctx context.Context, ref models.RecordReference, field string, value any) error {
	r.mu.RLock()
	fn, ok := r.updaters[ref.Kind]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no field updater registered for record kind %q", ref.Kind)
	}
	return fn(ctx, ref.ID, field, value)
}
