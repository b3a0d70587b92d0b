// Package repository persists workflow definitions, instances, history and
// approvals.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/recordflow/recordflow/pkg/models"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// Store is the persistence boundary the engine writes through. History and
// decisions are append-only; the store never exposes a way to mutate or
// delete them.
type Store interface {
	CreateDefinition(ctx context.Context, def *models.WorkflowDefinition) error
	GetDefinition(ctx context.Context, id string) (*models.WorkflowDefinition, error)
	UpdateDefinition(ctx context.Context, def *models.WorkflowDefinition) error
	ListDefinitions(ctx context.Context, tenantID string) ([]*models.WorkflowDefinition, error)

	CreateInstance(ctx context.Context, inst *models.WorkflowInstance) error
	GetInstance(ctx context.Context, id string) (*models.WorkflowInstance, error)
	UpdateInstance(ctx context.Context, inst *models.WorkflowInstance) error
	ListInstancesByRecord(ctx context.Context, ref models.RecordReference) ([]*models.WorkflowInstance, error)
	// ListOverdueInstances returns active instances whose state deadline
	// elapsed before now.
	ListOverdueInstances(ctx context.Context, now time.Time) ([]*models.WorkflowInstance, error)

	AppendHistory(ctx context.Context, entry *models.StateHistory) error
	ListHistory(ctx context.Context, instanceID string) ([]*models.StateHistory, error)

	CreateApprovalRequest(ctx context.Context, req *models.ApprovalRequest) error
	GetApprovalRequest(ctx context.Context, id string) (*models.ApprovalRequest, error)
	UpdateApprovalRequest(ctx context.Context, req *models.ApprovalRequest) error
	ListPendingApprovals(ctx context.Context, instanceID string) ([]*models.ApprovalRequest, error)
	// ListOverdueApprovals returns pending requests whose own deadline
	// elapsed before now.
	ListOverdueApprovals(ctx context.Context, now time.Time) ([]*models.ApprovalRequest, error)

	AppendDecision(ctx context.Context, decision *models.ApprovalDecision) error
	ListDecisions(ctx context.Context, requestID string) ([]*models.ApprovalDecision, error)

	// InTx runs fn against a store bound to one transaction; fn's writes
	// commit together or not at all.
	InTx(ctx context.Context, fn func(Store) error) error
}
