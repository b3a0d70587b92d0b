// Package catalog manages workflow definitions: compilation of their guard
// conditions, structural validation, activation and versioning.
package catalog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/recordflow/recordflow/internal/conditions"
	"github.com/recordflow/recordflow/internal/repository"
	"github.com/recordflow/recordflow/pkg/models"
)

// ValidationError describes one problem found in a definition.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Compiled pairs a definition with its guard conditions parsed into typed
// expression trees. Conditions are parsed once here, never re-interpreted
// from raw JSON at evaluation time.
type Compiled struct {
	Definition *models.WorkflowDefinition

	guards map[string]conditions.Expression // by transition id
}

// Compile parses every transition condition of the definition. A condition
// that fails to parse makes the whole definition unusable.
func Compile(def *models.WorkflowDefinition) (*Compiled, error) {
	guards := make(map[string]conditions.Expression)
	for i := range def.Transitions {
		tr := &def.Transitions[i]
		if len(tr.Condition) == 0 {
			continue
		}
		expr, err := conditions.Parse(tr.Condition)
		if err != nil {
			return nil, fmt.Errorf("transition %s: %w", tr.Code, err)
		}
		guards[tr.ID] = expr
	}
	return &Compiled{Definition: def, guards: guards}, nil
}

// Guard returns the compiled condition for a transition, or nil when the
// transition is unconditional.
func (c *Compiled) Guard(transitionID string) conditions.Expression {
	return c.guards[transitionID]
}

// Validate checks a definition for activation: exactly one initial state,
// at least one terminal state, transition endpoints inside the definition,
// auto-transition and timeout targets resolvable, approval rules present
// where required, and all conditions parseable.
func Validate(def *models.WorkflowDefinition) []ValidationError {
	var errs []ValidationError

	var initials int
	for i := range def.States {
		if def.States[i].IsInitial {
			initials++
		}
	}
	if initials != 1 {
		errs = append(errs, ValidationError{
			Field:   "states",
			Message: fmt.Sprintf("definition must have exactly one initial state, found %d", initials),
		})
	}
	if len(def.TerminalStates()) == 0 {
		errs = append(errs, ValidationError{
			Field:   "states",
			Message: "definition must have at least one terminal state",
		})
	}

	for i := range def.States {
		st := &def.States[i]
		if st.AutoTransitionEnabled {
			if st.AutoTransitionTo == "" {
				errs = append(errs, ValidationError{
					Field:   "states." + st.Code,
					Message: "auto-transition enabled without a target state",
				})
			} else if def.StateByID(st.AutoTransitionTo) == nil {
				errs = append(errs, ValidationError{
					Field:   "states." + st.Code,
					Message: "auto-transition target is not a state of this definition",
				})
			} else if def.FindTransition(st.ID, st.AutoTransitionTo) == nil {
				errs = append(errs, ValidationError{
					Field:   "states." + st.Code,
					Message: "no transition leads to the auto-transition target",
				})
			}
		}
		if st.TimeoutAction == models.TimeoutActionTransition {
			tr := def.TransitionByID(st.TimeoutTransitionID)
			if tr == nil || tr.FromStateID != st.ID {
				errs = append(errs, ValidationError{
					Field:   "states." + st.Code,
					Message: "timeout action needs a designated outgoing transition",
				})
			}
		}
	}

	for i := range def.Transitions {
		tr := &def.Transitions[i]
		if def.StateByID(tr.FromStateID) == nil {
			errs = append(errs, ValidationError{
				Field:   "transitions." + tr.Code,
				Message: "from-state does not belong to this definition",
			})
		}
		if def.StateByID(tr.ToStateID) == nil {
			errs = append(errs, ValidationError{
				Field:   "transitions." + tr.Code,
				Message: "to-state does not belong to this definition",
			})
		}
		if tr.RequiresApproval && tr.ApprovalRule == nil {
			errs = append(errs, ValidationError{
				Field:   "transitions." + tr.Code,
				Message: "transition requires approval but has no approval rule",
			})
		}
		if len(tr.Condition) > 0 {
			if _, err := conditions.Parse(tr.Condition); err != nil {
				errs = append(errs, ValidationError{
					Field:   "transitions." + tr.Code,
					Message: err.Error(),
				})
			}
		}
	}

	return errs
}

// Activate validates the definition and marks it active. Once active the
// definition is immutable except through NewVersion.
func Activate(def *models.WorkflowDefinition, now time.Time) error {
	if def.Status == models.DefinitionStatusActive {
		return fmt.Errorf("definition %s v%d is already active", def.Code, def.Version)
	}
	if errs := Validate(def); len(errs) > 0 {
		return fmt.Errorf("definition %s v%d failed validation: %w", def.Code, def.Version, errs[0])
	}
	def.Status = models.DefinitionStatusActive
	def.UpdatedAt = now
	return nil
}

// NewVersion deep-copies the definition into a fresh draft: states,
// transitions and approval rules are cloned with new ids, the version is
// bumped and the parent link recorded. The source definition is left
// untouched.
func NewVersion(def *models.WorkflowDefinition, actorID string, now time.Time) *models.WorkflowDefinition {
	draft := &models.WorkflowDefinition{
		ID:              uuid.New().String(),
		Code:            def.Code,
		Name:            def.Name,
		Description:     def.Description,
		Version:         def.Version + 1,
		ParentVersionID: def.ID,
		Status:          models.DefinitionStatusDraft,
		TenantID:        def.TenantID,
		CreatedBy:       actorID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	stateIDs := make(map[string]string, len(def.States))
	for i := range def.States {
		stateIDs[def.States[i].ID] = uuid.New().String()
	}
	transitionIDs := make(map[string]string, len(def.Transitions))
	for i := range def.Transitions {
		transitionIDs[def.Transitions[i].ID] = uuid.New().String()
	}

	draft.States = make([]models.State, len(def.States))
	for i, st := range def.States {
		st.ID = stateIDs[st.ID]
		if st.AutoTransitionTo != "" {
			st.AutoTransitionTo = stateIDs[st.AutoTransitionTo]
		}
		if st.TimeoutTransitionID != "" {
			st.TimeoutTransitionID = transitionIDs[st.TimeoutTransitionID]
		}
		draft.States[i] = st
	}

	draft.Transitions = make([]models.Transition, len(def.Transitions))
	for i, tr := range def.Transitions {
		tr.ID = transitionIDs[tr.ID]
		tr.FromStateID = stateIDs[tr.FromStateID]
		tr.ToStateID = stateIDs[tr.ToStateID]
		tr.RequiredRoles = append([]string(nil), tr.RequiredRoles...)
		tr.Condition = append([]byte(nil), tr.Condition...)
		tr.PreActions = append(models.ActionList(nil), tr.PreActions...)
		tr.PostActions = append(models.ActionList(nil), tr.PostActions...)
		if tr.ApprovalRule != nil {
			rule := *tr.ApprovalRule
			rule.ID = uuid.New().String()
			rule.ApproverRoles = append([]string(nil), rule.ApproverRoles...)
			rule.ApproverUsers = append([]string(nil), rule.ApproverUsers...)
			rule.EscalationRoles = append([]string(nil), rule.EscalationRoles...)
			tr.ApprovalRule = &rule
		}
		draft.Transitions[i] = tr
	}

	return draft
}

// Catalog loads definitions from the store and caches their compiled form.
// Active definitions are immutable, so the cache never needs invalidation
// beyond explicit eviction after an update.
type Catalog struct {
	store repository.Store

	mu    sync.RWMutex
	cache map[string]*Compiled
}

// NewCatalog creates a catalog over the given store.
func NewCatalog(store repository.Store) *Catalog {
	return &Catalog{store: store, cache: make(map[string]*Compiled)}
}

// Definition returns the compiled definition, loading and compiling on
// first use.
func (c *Catalog) Definition(ctx context.Context, id string) (*Compiled, error) {
	c.mu.RLock()
	compiled, ok := c.cache[id]
	c.mu.RUnlock()
	if ok {
		return compiled, nil
	}

	def, err := c.store.GetDefinition(ctx, id)
	if err != nil {
		return nil, err
	}
	compiled, err = Compile(def)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.cache[id] = compiled
	c.mu.Unlock()
	return compiled, nil
}

// Evict drops a definition from the cache, e.g. after a status change.
func (c *Catalog) Evict(id string) {
	c.mu.Lock()
	delete(c.cache, id)
	c.mu.Unlock()
}
