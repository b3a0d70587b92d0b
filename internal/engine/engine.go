// Package engine executes workflow transitions: it authorizes attempts,
// moves instances between states under a per-instance lock, orchestrates
// multi-party approvals and sweeps elapsed deadlines.
package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/recordflow/recordflow/internal/catalog"
	"github.com/recordflow/recordflow/internal/locker"
	"github.com/recordflow/recordflow/internal/logging"
	"github.com/recordflow/recordflow/internal/repository"
	"github.com/recordflow/recordflow/internal/services"
	"github.com/recordflow/recordflow/pkg/models"
)

// SystemActorID attributes transitions triggered by the engine itself:
// automatic hops and timeout transitions.
const SystemActorID = "system"

const (
	// maxAutoChain bounds automatic transition chasing per execution.
	maxAutoChain = 16

	defaultLockWait = 2 * time.Second
	defaultLockTTL  = 30 * time.Second
)

// Engine coordinates the workflow state machine over its collaborators.
// All instance mutations go through the per-instance lock.
type Engine struct {
	store     repository.Store
	catalog   *catalog.Catalog
	locks     locker.Locker
	directory services.Directory
	audit     services.AuditSink
	notifier  services.Notifier
	records   *services.SnapshotRegistry
	webhooks  *services.WebhookClient
	log       *logging.Logger
	tracer    trace.Tracer

	now      func() time.Time
	lockWait time.Duration
	lockTTL  time.Duration
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock replaces the engine's time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLockBounds sets how long operations wait for the instance lock and
// how long an acquired lock may be held.
func WithLockBounds(wait, ttl time.Duration) Option {
	return func(e *Engine) {
		e.lockWait = wait
		e.lockTTL = ttl
	}
}

// New creates an engine over the given store, catalog, lock provider and
// collaborators.
func New(
	store repository.Store,
	cat *catalog.Catalog,
	locks locker.Locker,
	directory services.Directory,
	audit services.AuditSink,
	notifier services.Notifier,
	records *services.SnapshotRegistry,
	log *logging.Logger,
	opts ...Option,
) *Engine {
	e := &Engine{
		store:     store,
		catalog:   cat,
		locks:     locks,
		directory: directory,
		audit:     audit,
		notifier:  notifier,
		records:   records,
		webhooks:  services.NewWebhookClient(),
		log:       log,
		tracer:    otel.Tracer("recordflow/engine"),
		now:       time.Now,
		lockWait:  defaultLockWait,
		lockTTL:   defaultLockTTL,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// TransitionOption is one outgoing transition of the instance's current
// state, with the actor's guard verdict attached.
type TransitionOption struct {
	Transition models.Transition `json:"transition"`
	ToState    models.State      `json:"to_state"`
	CanExecute bool              `json:"can_execute"`
	// Reason names the first failing guard check when CanExecute is false.
	Reason string `json:"reason,omitempty"`
}

// ExecutionResult reports the outcome of a transition attempt. A refused
// guard is Success=false with the reason in Message; it is not an error.
type ExecutionResult struct {
	Success  bool                     `json:"success"`
	Message  string                   `json:"message,omitempty"`
	Instance *models.WorkflowInstance `json:"instance,omitempty"`
	// ApprovalRequest is set when the attempt succeeded by filing an
	// approval request; the instance state is untouched in that case.
	ApprovalRequest *models.ApprovalRequest `json:"approval_request,omitempty"`
	// AutoTransitions counts follow-on automatic hops taken after the
	// requested transition.
	AutoTransitions int `json:"auto_transitions,omitempty"`
}

// DecisionResult reports the outcome of one approval decision. A decision
// the engine would not accept, on a resolved request or from an approver
// who already voted, is Success=false with the reason in Message.
type DecisionResult struct {
	Success bool                    `json:"success"`
	Message string                  `json:"message,omitempty"`
	Request *models.ApprovalRequest `json:"request"`
	// Execution is set when this decision satisfied the rule and the
	// transition was executed.
	Execution *ExecutionResult `json:"execution,omitempty"`
}

// StartWorkflow binds a record to an active definition and creates the
// instance in its initial state, with the synthetic start entry appended
// in the same transaction.
func (e *Engine) StartWorkflow(ctx context.Context, definitionID string, record models.RecordReference, actorID string, contextData map[string]any) (*models.WorkflowInstance, error) {
	ctx, span := e.tracer.Start(ctx, "engine.StartWorkflow")
	defer span.End()

	compiled, err := e.catalog.Definition(ctx, definitionID)
	if err != nil {
		return nil, err
	}
	def := compiled.Definition
	if def.Status != models.DefinitionStatusActive {
		return nil, configErrorf("workflow definition %s v%d is not active", def.Code, def.Version)
	}
	initial := def.InitialState()
	if initial == nil {
		return nil, configErrorf("workflow definition %s v%d has no initial state", def.Code, def.Version)
	}

	now := e.now()
	inst := &models.WorkflowInstance{
		ID:             uuid.New().String(),
		DefinitionID:   def.ID,
		CurrentStateID: initial.ID,
		Status:         models.InstanceStatusActive,
		Record:         record,
		TenantID:       def.TenantID,
		ContextData:    contextData,
		StartedAt:      now,
		StartedBy:      actorID,
		StateEnteredAt: now,
		UpdatedAt:      now,
	}
	if d := initial.TimeoutDuration; d > 0 {
		deadline := now.Add(d)
		inst.StateDeadline = &deadline
	}

	entry := &models.StateHistory{
		ID:             uuid.New().String(),
		InstanceID:     inst.ID,
		ToStateID:      initial.ID,
		Action:         models.HistoryActionStarted,
		TriggeredBy:    actorID,
		TransitionedAt: now,
	}
	entry.Seal()

	err = e.store.InTx(ctx, func(s repository.Store) error {
		if err := s.CreateInstance(ctx, inst); err != nil {
			return err
		}
		return s.AppendHistory(ctx, entry)
	})
	if err != nil {
		return nil, err
	}

	e.appendAudit(ctx, services.AuditEntry{
		Action:   "workflow_started",
		Record:   record,
		ActorID:  actorID,
		NewValue: map[string]any{"instance_id": inst.ID, "state": initial.Code},
		TenantID: inst.TenantID,
	})
	e.log.Info("workflow started",
		"instance", inst.ID, "definition", def.Code, "record", record.String(), "actor", actorID)
	return inst, nil
}

// GetAvailableTransitions returns every outgoing transition of the current
// state in declared order, each carrying whether the actor's full guard
// passes and, if not, the first failing check's reason.
func (e *Engine) GetAvailableTransitions(ctx context.Context, instanceID, actorID string) ([]TransitionOption, error) {
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	compiled, err := e.catalog.Definition(ctx, inst.DefinitionID)
	if err != nil {
		return nil, err
	}
	scope, err := e.guardScope(ctx, inst)
	if err != nil {
		return nil, err
	}

	var out []TransitionOption
	for _, tr := range compiled.Definition.Outgoing(inst.CurrentStateID) {
		ok, reason, err := e.canExecute(ctx, inst, compiled, tr, actorID, scope)
		if err != nil {
			return nil, err
		}
		target := compiled.Definition.StateByID(tr.ToStateID)
		if target == nil {
			return nil, configErrorf("transition %s targets unknown state %s", tr.Code, tr.ToStateID)
		}
		out = append(out, TransitionOption{
			Transition: *tr,
			ToState:    *target,
			CanExecute: ok,
			Reason:     reason,
		})
	}
	return out, nil
}

// GetHistory returns the instance's state history, oldest first.
func (e *Engine) GetHistory(ctx context.Context, instanceID string) ([]*models.StateHistory, error) {
	if _, err := e.store.GetInstance(ctx, instanceID); err != nil {
		return nil, err
	}
	return e.store.ListHistory(ctx, instanceID)
}

// CancelInstance terminates an active instance without moving it to a
// terminal state. Pending approval requests are cancelled with it. No
// history entry is written; the cancellation is recorded in the audit log.
func (e *Engine) CancelInstance(ctx context.Context, instanceID, actorID, reason string) (*models.WorkflowInstance, error) {
	ctx, span := e.tracer.Start(ctx, "engine.CancelInstance")
	defer span.End()

	release, err := e.lockInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	defer release()

	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.Status != models.InstanceStatusActive {
		return nil, configErrorf("workflow instance %s is %s, not active", inst.ID, inst.Status)
	}

	now := e.now()
	inst.Status = models.InstanceStatusCancelled
	inst.CompletedAt = &now
	inst.CompletedBy = actorID
	inst.StateDeadline = nil
	inst.UpdatedAt = now

	err = e.store.InTx(ctx, func(s repository.Store) error {
		pending, err := s.ListPendingApprovals(ctx, inst.ID)
		if err != nil {
			return err
		}
		for _, req := range pending {
			req.Status = models.ApprovalStatusCancelled
			req.UpdatedAt = now
			if err := s.UpdateApprovalRequest(ctx, req); err != nil {
				return err
			}
		}
		return s.UpdateInstance(ctx, inst)
	})
	if err != nil {
		return nil, err
	}

	e.appendAudit(ctx, services.AuditEntry{
		Action:   "workflow_cancelled",
		Record:   inst.Record,
		ActorID:  actorID,
		NewValue: map[string]any{"instance_id": inst.ID, "reason": reason},
		TenantID: inst.TenantID,
	})
	e.log.Info("workflow cancelled", "instance", inst.ID, "actor", actorID, "reason", reason)
	return inst, nil
}

// lockInstance acquires the instance's exclusive lock, waiting at most the
// engine's lock wait bound.
func (e *Engine) lockInstance(ctx context.Context, instanceID string) (func(), error) {
	lockCtx, cancel := context.WithTimeout(ctx, e.lockWait)
	defer cancel()
	return e.locks.Acquire(lockCtx, "instance:"+instanceID, e.lockTTL)
}

// guardScope builds the data conditions evaluate against: the record's
// current fields with the instance's context data overlaid.
func (e *Engine) guardScope(ctx context.Context, inst *models.WorkflowInstance) (map[string]any, error) {
	snapshot, err := e.records.Snapshot(ctx, inst.Record)
	if err != nil {
		return nil, err
	}
	scope := make(map[string]any, len(snapshot)+len(inst.ContextData))
	for k, v := range snapshot {
		scope[k] = v
	}
	for k, v := range inst.ContextData {
		scope[k] = v
	}
	return scope, nil
}

// appendAudit writes to the audit collaborator. A failure here never rolls
// back a committed transition; it is logged and the operation continues.
func (e *Engine) appendAudit(ctx context.Context, entry services.AuditEntry) {
	if err := e.audit.Append(ctx, entry); err != nil {
		e.log.Error("audit append failed", "action", entry.Action, "record", entry.Record.String(), "error", err)
	}
}
