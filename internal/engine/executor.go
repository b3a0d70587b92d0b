package engine

import (
	"context"

	"github.com/google/uuid"

	"github.com/recordflow/recordflow/internal/catalog"
	"github.com/recordflow/recordflow/internal/repository"
	"github.com/recordflow/recordflow/internal/services"
	"github.com/recordflow/recordflow/pkg/models"
)

// ExecuteTransition attempts a transition on behalf of the actor. The full
// guard is evaluated under the instance lock; a refusal is reported as a
// result, not an error. When the transition requires approval a pending
// request is created and the state is left untouched.
func (e *Engine) ExecuteTransition(ctx context.Context, instanceID, transitionID, actorID, notes string) (*ExecutionResult, error) {
	ctx, span := e.tracer.Start(ctx, "engine.ExecuteTransition")
	defer span.End()

	release, err := e.lockInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	defer release()

	return e.executeLocked(ctx, instanceID, transitionID, actorID, notes, false)
}

// executeLocked is the execution path shared by direct attempts, satisfied
// approvals and timeout transitions. The caller holds the instance lock.
// approvalSatisfied bypasses the approval pause, never the guard.
func (e *Engine) executeLocked(ctx context.Context, instanceID, transitionID, actorID, notes string, approvalSatisfied bool) (*ExecutionResult, error) {
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	compiled, err := e.catalog.Definition(ctx, inst.DefinitionID)
	if err != nil {
		return nil, err
	}
	tr := compiled.Definition.TransitionByID(transitionID)
	if tr == nil {
		return &ExecutionResult{Success: false, Message: ReasonNotInWorkflow, Instance: inst}, nil
	}

	scope, err := e.guardScope(ctx, inst)
	if err != nil {
		return nil, err
	}
	ok, reason, err := e.canExecute(ctx, inst, compiled, tr, actorID, scope)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &ExecutionResult{Success: false, Message: reason, Instance: inst}, nil
	}

	if tr.RequiresApproval && !approvalSatisfied {
		req, err := e.requestApproval(ctx, inst, tr, actorID, notes)
		if err != nil {
			return nil, err
		}
		// The attempt succeeded: the request is filed and the transition
		// waits for it. The state stays put until the rule is satisfied.
		return &ExecutionResult{
			Success:         true,
			Message:         ReasonApprovalRequired,
			Instance:        inst,
			ApprovalRequest: req,
		}, nil
	}

	if err := e.perform(ctx, inst, compiled, tr, actorID, notes); err != nil {
		return nil, err
	}
	result := &ExecutionResult{Success: true, Instance: inst}

	current := compiled.Definition.StateByID(inst.CurrentStateID)
	if current == nil {
		return nil, configErrorf("instance %s is in unknown state %s", inst.ID, inst.CurrentStateID)
	}
	hops, err := e.chaseAutoTransitions(ctx, inst, compiled, current, actorID)
	if err != nil {
		return nil, err
	}
	result.AutoTransitions = hops
	return result, nil
}

// perform executes one already-authorized hop: pre-actions, sealed history
// entry and state move in one transaction, deadline bookkeeping, terminal
// completion, post-actions, best-effort audit. inst is mutated in place.
func (e *Engine) perform(ctx context.Context, inst *models.WorkflowInstance, compiled *catalog.Compiled, tr *models.Transition, actorID, notes string) error {
	def := compiled.Definition
	target := def.StateByID(tr.ToStateID)
	if target == nil {
		return configErrorf("transition %s targets unknown state %s", tr.Code, tr.ToStateID)
	}

	e.runActions(ctx, inst, tr.PreActions)

	now := e.now()
	from := inst.CurrentStateID
	entry := &models.StateHistory{
		ID:             uuid.New().String(),
		InstanceID:     inst.ID,
		FromStateID:    from,
		ToStateID:      target.ID,
		TransitionID:   tr.ID,
		Action:         tr.Code,
		Notes:          notes,
		TriggeredBy:    actorID,
		TimeInState:    now.Sub(inst.StateEnteredAt),
		TransitionedAt: now,
	}
	entry.Seal()

	inst.CurrentStateID = target.ID
	inst.StateEnteredAt = now
	inst.UpdatedAt = now
	inst.StateDeadline = nil
	if d := target.TimeoutDuration; d > 0 && !target.IsTerminal {
		deadline := now.Add(d)
		inst.StateDeadline = &deadline
	}
	if target.IsTerminal {
		inst.Status = models.InstanceStatusCompleted
		inst.CompletedAt = &now
		inst.CompletedBy = actorID
	}

	err := e.store.InTx(ctx, func(s repository.Store) error {
		if err := s.AppendHistory(ctx, entry); err != nil {
			return err
		}
		return s.UpdateInstance(ctx, inst)
	})
	if err != nil {
		return err
	}

	e.runActions(ctx, inst, tr.PostActions)
	e.appendAudit(ctx, services.AuditEntry{
		Action:   "workflow_transition",
		Record:   inst.Record,
		ActorID:  actorID,
		OldValue: map[string]any{"state": from},
		NewValue: map[string]any{"state": target.ID, "transition": tr.Code},
		TenantID: inst.TenantID,
	})
	e.log.Info("transition executed",
		"instance", inst.ID, "transition", tr.Code, "from", from, "to", target.ID, "actor", actorID)
	return nil
}

// chaseAutoTransitions follows auto-transition markers from the given state
// until the chain ends, a guard refuses, an approval gate is reached or the
// instance completes. Each hop re-runs the full guard for the actor who
// triggered the chain; a hop the actor may not take parks the chain there.
// A revisited state or a chain longer than maxAutoChain is a definition
// cycle and fails with ConfigError.
func (e *Engine) chaseAutoTransitions(ctx context.Context, inst *models.WorkflowInstance, compiled *catalog.Compiled, from *models.State, actorID string) (int, error) {
	def := compiled.Definition
	visited := map[string]struct{}{from.ID: {}}
	current := from
	hops := 0

	for inst.Status == models.InstanceStatusActive && current.AutoTransitionEnabled {
		if hops >= maxAutoChain {
			return hops, configErrorf("auto-transition chain from state %s exceeded %d hops", from.Code, maxAutoChain)
		}
		tr := def.FindTransition(current.ID, current.AutoTransitionTo)
		if tr == nil {
			return hops, configErrorf("state %s has no transition to its auto-transition target", current.Code)
		}
		// Automatic hops cannot approve themselves; the chain parks here.
		if tr.RequiresApproval {
			return hops, nil
		}
		scope, err := e.guardScope(ctx, inst)
		if err != nil {
			return hops, err
		}
		ok, _, err := e.canExecute(ctx, inst, compiled, tr, actorID, scope)
		if err != nil {
			return hops, err
		}
		if !ok {
			return hops, nil
		}

		if err := e.perform(ctx, inst, compiled, tr, actorID, "automatic transition"); err != nil {
			return hops, err
		}
		hops++

		next := def.StateByID(inst.CurrentStateID)
		if next == nil {
			return hops, configErrorf("instance %s is in unknown state %s", inst.ID, inst.CurrentStateID)
		}
		if _, seen := visited[next.ID]; seen {
			return hops, configErrorf("auto-transition cycle through state %s", next.Code)
		}
		visited[next.ID] = struct{}{}
		current = next
	}
	return hops, nil
}

// runActions dispatches transition actions. Action failures are logged and
// never fail the transition.
func (e *Engine) runActions(ctx context.Context, inst *models.WorkflowInstance, actions models.ActionList) {
	for _, a := range actions {
		var err error
		switch act := a.(type) {
		case models.NotificationAction:
			err = e.notifier.Notify(ctx, act.Recipients, "workflow_action", map[string]any{
				"instance_id": inst.ID,
				"record":      inst.Record.String(),
				"template":    act.Template,
			})
		case models.UpdateFieldAction:
			err = e.records.UpdateField(ctx, inst.Record, act.Field, act.Value)
		case models.WebhookAction:
			payload := make(map[string]any, len(act.Payload)+2)
			for k, v := range act.Payload {
				payload[k] = v
			}
			payload["instance_id"] = inst.ID
			payload["record"] = inst.Record.String()
			err = e.webhooks.Call(ctx, act.URL, payload)
		}
		if err != nil {
			e.log.Error("transition action failed",
				"instance", inst.ID, "action", a.Kind(), "error", err)
		}
	}
}
