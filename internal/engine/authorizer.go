package engine

import (
	"context"

	"github.com/recordflow/recordflow/internal/catalog"
	"github.com/recordflow/recordflow/internal/conditions"
	"github.com/recordflow/recordflow/pkg/models"
)

// canExecute runs the ordered transition guard: instance active, transition
// belongs to the definition, leaves the current state, actor holds the
// permission, actor holds one of the required roles, condition truthy. The
// first failing check short-circuits with its reason. No side effects.
//
// The system actor skips the permission and role checks; conditions still
// apply to it.
func (e *Engine) canExecute(ctx context.Context, inst *models.WorkflowInstance, compiled *catalog.Compiled, tr *models.Transition, actorID string, scope map[string]any) (bool, string, error) {
	if inst.Status != models.InstanceStatusActive {
		return false, ReasonInstanceInactive, nil
	}
	if compiled.Definition.TransitionByID(tr.ID) == nil {
		return false, ReasonNotInWorkflow, nil
	}
	if tr.FromStateID != inst.CurrentStateID {
		return false, ReasonNotAvailable, nil
	}

	if actorID != SystemActorID {
		if tr.RequiredPermission != "" {
			ok, err := e.directory.HasPermission(ctx, actorID, tr.RequiredPermission)
			if err != nil {
				return false, "", err
			}
			if !ok {
				return false, ReasonMissingPermission, nil
			}
		}
		if len(tr.RequiredRoles) > 0 {
			roles, err := e.directory.RolesOf(ctx, actorID)
			if err != nil {
				return false, "", err
			}
			if !hasAnyRole(roles, tr.RequiredRoles) {
				return false, ReasonMissingRole, nil
			}
		}
	}

	if guard := compiled.Guard(tr.ID); guard != nil {
		if !conditions.Truthy(conditions.Evaluate(guard, scope)) {
			return false, ReasonConditionsNotMet, nil
		}
	}
	return true, "", nil
}

func hasAnyRole(held, required []string) bool {
	for _, r := range required {
		for _, h := range held {
			if h == r {
				return true
			}
		}
	}
	return false
}
