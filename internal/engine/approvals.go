package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/recordflow/recordflow/internal/services"
	"github.com/recordflow/recordflow/pkg/models"
)

// requestApproval creates the pending approval request for a guarded
// transition, snapshotting the record for later review. An existing pending
// request for the same transition is returned instead of a duplicate. The
// caller holds the instance lock.
func (e *Engine) requestApproval(ctx context.Context, inst *models.WorkflowInstance, tr *models.Transition, actorID, notes string) (*models.ApprovalRequest, error) {
	rule := tr.ApprovalRule
	if rule == nil {
		return nil, configErrorf("transition %s requires approval but has no approval rule", tr.Code)
	}

	pending, err := e.store.ListPendingApprovals(ctx, inst.ID)
	if err != nil {
		return nil, err
	}
	for _, req := range pending {
		if req.TransitionID == tr.ID {
			return req, nil
		}
	}

	snapshot, err := e.records.Snapshot(ctx, inst.Record)
	if err != nil {
		return nil, err
	}

	now := e.now()
	req := &models.ApprovalRequest{
		ID:             uuid.New().String(),
		InstanceID:     inst.ID,
		TransitionID:   tr.ID,
		Status:         models.ApprovalStatusPending,
		RequestedBy:    actorID,
		RequestedAt:    now,
		RequestNotes:   notes,
		RecordSnapshot: snapshot,
		UpdatedAt:      now,
	}
	if d := rule.EscalationDuration; d > 0 {
		deadline := now.Add(d)
		req.Deadline = &deadline
	}
	if err := e.store.CreateApprovalRequest(ctx, req); err != nil {
		return nil, err
	}

	recipients := append(append([]string(nil), rule.ApproverUsers...), rule.ApproverRoles...)
	if len(recipients) > 0 {
		err := e.notifier.Notify(ctx, recipients, "approval_requested", map[string]any{
			"request_id":  req.ID,
			"instance_id": inst.ID,
			"transition":  tr.Code,
			"record":      inst.Record.String(),
		})
		if err != nil {
			e.log.Error("approval notification failed", "request", req.ID, "error", err)
		}
	}
	e.log.Info("approval requested",
		"request", req.ID, "instance", inst.ID, "transition", tr.Code, "actor", actorID)
	return req, nil
}

// DecideApproval records one approver's verdict. A rejection vetoes the
// request immediately regardless of policy. When approvals reach the rule's
// threshold the request is approved and the transition executes for the
// original requester with the approval gate already satisfied. A decision
// on a resolved request, or a second decision by the same approver, is
// refused as a result rather than an error.
func (e *Engine) DecideApproval(ctx context.Context, requestID, actorID string, decision models.Decision, comments, signatureRef string) (*DecisionResult, error) {
	ctx, span := e.tracer.Start(ctx, "engine.DecideApproval")
	defer span.End()

	if decision != models.DecisionApproved && decision != models.DecisionRejected {
		return nil, fmt.Errorf("unknown decision %q", decision)
	}

	stale, err := e.store.GetApprovalRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}

	release, err := e.lockInstance(ctx, stale.InstanceID)
	if err != nil {
		return nil, err
	}
	defer release()

	// Re-read under the lock; a concurrent decision may have resolved it.
	req, err := e.store.GetApprovalRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != models.ApprovalStatusPending {
		return &DecisionResult{Success: false, Message: ReasonRequestNotPending, Request: req}, nil
	}

	decisions, err := e.store.ListDecisions(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	for _, d := range decisions {
		if d.DecidedBy == actorID {
			return &DecisionResult{Success: false, Message: ReasonAlreadyDecided, Request: req}, nil
		}
	}

	now := e.now()
	record := &models.ApprovalDecision{
		ID:           uuid.New().String(),
		RequestID:    req.ID,
		Decision:     decision,
		DecidedBy:    actorID,
		DecidedAt:    now,
		Comments:     comments,
		SignatureRef: signatureRef,
	}
	if err := e.store.AppendDecision(ctx, record); err != nil {
		return nil, err
	}

	if decision == models.DecisionRejected {
		req.Status = models.ApprovalStatusRejected
		req.UpdatedAt = now
		if err := e.store.UpdateApprovalRequest(ctx, req); err != nil {
			return nil, err
		}
		e.auditDecision(ctx, req, actorID, "approval_rejected")
		e.log.Info("approval rejected", "request", req.ID, "actor", actorID)
		return &DecisionResult{Success: true, Request: req}, nil
	}

	approved := 1
	for _, d := range decisions {
		if d.Decision == models.DecisionApproved {
			approved++
		}
	}

	inst, err := e.store.GetInstance(ctx, req.InstanceID)
	if err != nil {
		return nil, err
	}
	compiled, err := e.catalog.Definition(ctx, inst.DefinitionID)
	if err != nil {
		return nil, err
	}
	tr := compiled.Definition.TransitionByID(req.TransitionID)
	if tr == nil || tr.ApprovalRule == nil {
		return nil, configErrorf("approval request %s references transition %s without an approval rule", req.ID, req.TransitionID)
	}

	if approved < tr.ApprovalRule.RequiredApprovals() {
		e.log.Info("approval recorded",
			"request", req.ID, "actor", actorID, "approvals", approved, "required", tr.ApprovalRule.RequiredApprovals())
		return &DecisionResult{Success: true, Request: req}, nil
	}

	req.Status = models.ApprovalStatusApproved
	req.UpdatedAt = now
	if err := e.store.UpdateApprovalRequest(ctx, req); err != nil {
		return nil, err
	}
	e.auditDecision(ctx, req, actorID, "approval_granted")
	e.log.Info("approval granted", "request", req.ID, "actor", actorID)

	exec, err := e.executeLocked(ctx, req.InstanceID, req.TransitionID, req.RequestedBy, "approved", true)
	if err != nil {
		return nil, err
	}
	return &DecisionResult{Success: true, Request: req, Execution: exec}, nil
}

func (e *Engine) auditDecision(ctx context.Context, req *models.ApprovalRequest, actorID, action string) {
	inst, err := e.store.GetInstance(ctx, req.InstanceID)
	if err != nil {
		e.log.Error("audit append failed", "action", action, "request", req.ID, "error", err)
		return
	}
	e.appendAudit(ctx, services.AuditEntry{
		Action:   action,
		Record:   inst.Record,
		ActorID:  actorID,
		NewValue: map[string]any{"request_id": req.ID, "transition_id": req.TransitionID},
		TenantID: inst.TenantID,
	})
}
