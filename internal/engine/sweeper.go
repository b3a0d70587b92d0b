package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/recordflow/recordflow/internal/catalog"
	"github.com/recordflow/recordflow/pkg/models"
)

// ProcessedInstance reports one sweep outcome.
type ProcessedInstance struct {
	InstanceID string
	Action     models.TimeoutAction
	Skipped    bool
	Err        error
}

// Sweep processes active instances whose state deadline elapsed before now,
// then escalates pending approval requests past their own deadline. Each
// instance is handled under its lock; a busy lock skips the instance until
// the next sweep. Per-instance failures are collected, not fatal.
func (e *Engine) Sweep(ctx context.Context, now time.Time) ([]ProcessedInstance, error) {
	ctx, span := e.tracer.Start(ctx, "engine.Sweep")
	defer span.End()

	overdue, err := e.store.ListOverdueInstances(ctx, now)
	if err != nil {
		return nil, err
	}

	results := make([]ProcessedInstance, 0, len(overdue))
	for _, inst := range overdue {
		res := e.sweepInstance(ctx, inst.ID, now)
		if res.Err != nil {
			e.log.Error("sweep failed for instance", "instance", res.InstanceID, "error", res.Err)
		}
		results = append(results, res)
	}

	lateApprovals, err := e.store.ListOverdueApprovals(ctx, now)
	if err != nil {
		return results, err
	}
	for _, req := range lateApprovals {
		if err := e.escalateApproval(ctx, req.ID, req.InstanceID, now); err != nil {
			e.log.Error("approval escalation failed", "request", req.ID, "error", err)
		}
	}
	return results, nil
}

func (e *Engine) sweepInstance(ctx context.Context, instanceID string, now time.Time) ProcessedInstance {
	out := ProcessedInstance{InstanceID: instanceID}

	release, err := e.lockInstance(ctx, instanceID)
	if err != nil {
		if errors.Is(err, ErrLockBusy) {
			// Another worker holds the instance; the next sweep retries.
			out.Skipped = true
			return out
		}
		out.Err = err
		return out
	}
	defer release()

	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		out.Err = err
		return out
	}
	// The deadline may have been resolved while we waited for the lock.
	if inst.Status != models.InstanceStatusActive || inst.StateDeadline == nil || inst.StateDeadline.After(now) {
		out.Skipped = true
		return out
	}

	compiled, err := e.catalog.Definition(ctx, inst.DefinitionID)
	if err != nil {
		out.Err = err
		return out
	}
	state := compiled.Definition.StateByID(inst.CurrentStateID)
	if state == nil {
		out.Err = configErrorf("instance %s is in unknown state %s", inst.ID, inst.CurrentStateID)
		return out
	}

	out.Action = state.TimeoutAction
	e.log.Info("state deadline elapsed",
		"instance", inst.ID, "state", state.Code, "action", string(state.TimeoutAction))

	switch state.TimeoutAction {
	case models.TimeoutActionEscalate:
		out.Err = e.escalateInstance(ctx, inst, compiled, now)

	case models.TimeoutActionNotify:
		recipients := state.TimeoutNotifyRoles
		if len(recipients) == 0 {
			recipients = []string{inst.StartedBy}
		}
		err := e.notifier.Notify(ctx, recipients, "state_deadline_elapsed", map[string]any{
			"instance_id": inst.ID,
			"state":       state.Code,
			"record":      inst.Record.String(),
		})
		if err != nil {
			e.log.Error("deadline notification failed", "instance", inst.ID, "error", err)
		}
		out.Err = e.clearDeadline(ctx, inst, now)

	case models.TimeoutActionTransition:
		if state.TimeoutTransitionID == "" {
			out.Err = configErrorf("state %s times out into a transition but designates none", state.Code)
			return out
		}
		res, err := e.executeLocked(ctx, inst.ID, state.TimeoutTransitionID, SystemActorID, "state deadline elapsed", true)
		if err != nil {
			out.Err = err
			return out
		}
		if !res.Success {
			// The guard refused the designated transition; clear the
			// deadline so the sweeper does not retry it forever.
			e.log.Warn("timeout transition refused",
				"instance", inst.ID, "transition", state.TimeoutTransitionID, "reason", res.Message)
			out.Err = e.clearDeadline(ctx, inst, now)
		}

	default:
		// Deadline with no configured action: one-shot, clear it.
		out.Err = e.clearDeadline(ctx, inst, now)
	}
	return out
}

// escalateInstance marks the instance's pending approval requests escalated
// and notifies the escalation roles of their rules. The elapsed deadline is
// cleared so escalation fires once.
func (e *Engine) escalateInstance(ctx context.Context, inst *models.WorkflowInstance, compiled *catalog.Compiled, now time.Time) error {
	pending, err := e.store.ListPendingApprovals(ctx, inst.ID)
	if err != nil {
		return err
	}
	def := compiled.Definition
	for _, req := range pending {
		req.Status = models.ApprovalStatusEscalated
		req.UpdatedAt = now
		if err := e.store.UpdateApprovalRequest(ctx, req); err != nil {
			return err
		}
		e.notifyEscalation(ctx, def.TransitionByID(req.TransitionID), req, inst)
	}
	if len(pending) == 0 {
		err := e.notifier.Notify(ctx, []string{inst.StartedBy}, "workflow_escalated", map[string]any{
			"instance_id": inst.ID,
			"record":      inst.Record.String(),
		})
		if err != nil {
			e.log.Error("escalation notification failed", "instance", inst.ID, "error", err)
		}
	}
	return e.clearDeadline(ctx, inst, now)
}

// escalateApproval handles a pending request whose own deadline elapsed,
// independent of the instance deadline.
func (e *Engine) escalateApproval(ctx context.Context, requestID, instanceID string, now time.Time) error {
	release, err := e.lockInstance(ctx, instanceID)
	if err != nil {
		if errors.Is(err, ErrLockBusy) {
			return nil
		}
		return err
	}
	defer release()

	req, err := e.store.GetApprovalRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if req.Status != models.ApprovalStatusPending || req.Deadline == nil || req.Deadline.After(now) {
		return nil
	}

	req.Status = models.ApprovalStatusEscalated
	req.UpdatedAt = now
	if err := e.store.UpdateApprovalRequest(ctx, req); err != nil {
		return err
	}

	inst, err := e.store.GetInstance(ctx, req.InstanceID)
	if err != nil {
		return fmt.Errorf("request %s escalated but instance lookup failed: %w", req.ID, err)
	}
	compiled, err := e.catalog.Definition(ctx, inst.DefinitionID)
	if err != nil {
		return err
	}
	e.notifyEscalation(ctx, compiled.Definition.TransitionByID(req.TransitionID), req, inst)
	e.log.Info("approval escalated", "request", req.ID, "instance", inst.ID)
	return nil
}

func (e *Engine) notifyEscalation(ctx context.Context, tr *models.Transition, req *models.ApprovalRequest, inst *models.WorkflowInstance) {
	if tr == nil || tr.ApprovalRule == nil || len(tr.ApprovalRule.EscalationRoles) == 0 {
		return
	}
	err := e.notifier.Notify(ctx, tr.ApprovalRule.EscalationRoles, "approval_escalated", map[string]any{
		"request_id":  req.ID,
		"instance_id": inst.ID,
		"transition":  tr.Code,
		"record":      inst.Record.String(),
	})
	if err != nil {
		e.log.Error("escalation notification failed", "request", req.ID, "error", err)
	}
}

func (e *Engine) clearDeadline(ctx context.Context, inst *models.WorkflowInstance, now time.Time) error {
	inst.StateDeadline = nil
	inst.UpdatedAt = now
	return e.store.UpdateInstance(ctx, inst)
}
