// Package services defines the external collaborators the engine consumes:
// permission resolution, audit, record access and notification. The engine
// depends on these interfaces only; deployments wire real implementations.
package services

import (
	"context"

	"github.com/recordflow/recordflow/pkg/models"
)

// Directory resolves an actor's permissions and roles.
type Directory interface {
	HasPermission(ctx context.Context, actorID, code string) (bool, error)
	RolesOf(ctx context.Context, actorID string) ([]string, error)
}

// AuditEntry is one record appended to the platform's compliance audit log.
type AuditEntry struct {
	Action   string
	Record   models.RecordReference
	ActorID  string
	OldValue map[string]any
	NewValue map[string]any
	TenantID string
}

// AuditSink appends to the external audit log. A failed append must not
// roll back a committed transition; the engine logs the failure and
// continues.
type AuditSink interface {
	Append(ctx context.Context, entry AuditEntry) error
}

// Notifier delivers events to recipients (users or roles).
type Notifier interface {
	Notify(ctx context.Context, recipients []string, eventType string, payload map[string]any) error
}
