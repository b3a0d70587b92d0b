// Package models defines the domain records shared by the workflow engine.
package models

import (
	"encoding/json"
	"time"
)

// DefinitionStatus represents the lifecycle stage of a workflow definition.
type DefinitionStatus string

const (
	DefinitionStatusDraft      DefinitionStatus = "draft"
	DefinitionStatusActive     DefinitionStatus = "active"
	DefinitionStatusDeprecated DefinitionStatus = "deprecated"
	DefinitionStatusArchived   DefinitionStatus = "archived"
)

// TimeoutAction is what the sweeper does when a state deadline elapses.
type TimeoutAction string

const (
	TimeoutActionNone       TimeoutAction = ""
	TimeoutActionEscalate   TimeoutAction = "escalate"
	TimeoutActionNotify     TimeoutAction = "notify"
	TimeoutActionTransition TimeoutAction = "transition"
)

// ApprovalPolicy is the aggregation rule used to decide when enough
// approvals exist for a guarded transition.
type ApprovalPolicy string

const (
	ApprovalPolicySingle     ApprovalPolicy = "single"
	ApprovalPolicyAny        ApprovalPolicy = "any"
	ApprovalPolicyAll        ApprovalPolicy = "all"
	ApprovalPolicyMajority   ApprovalPolicy = "majority"
	ApprovalPolicySequential ApprovalPolicy = "sequential"
)

// WorkflowDefinition is a versioned catalog entry owning a set of states
// and transitions. Once active it is immutable except through NewVersion.
type WorkflowDefinition struct {
	ID              string           `json:"id" db:"id"`
	Code            string           `json:"code" db:"code"`
	Name            string           `json:"name" db:"name"`
	Description     string           `json:"description,omitempty" db:"description"`
	Version         int              `json:"version" db:"version"`
	ParentVersionID string           `json:"parent_version_id,omitempty" db:"parent_version_id"`
	Status          DefinitionStatus `json:"status" db:"status"`
	TenantID        string           `json:"tenant_id,omitempty" db:"tenant_id"`
	States          []State          `json:"states"`
	Transitions     []Transition     `json:"transitions"`
	CreatedBy       string           `json:"created_by" db:"created_by"`
	CreatedAt       time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at" db:"updated_at"`
}

// StateByID returns the state with the given id, or nil.
func (d *WorkflowDefinition) StateByID(id string) *State {
	for i := range d.States {
		if d.States[i].ID == id {
			return &d.States[i]
		}
	}
	return nil
}

// StateByCode returns the state with the given code, or nil.
func (d *WorkflowDefinition) StateByCode(code string) *State {
	for i := range d.States {
		if d.States[i].Code == code {
			return &d.States[i]
		}
	}
	return nil
}

// TransitionByID returns the transition with the given id, or nil.
func (d *WorkflowDefinition) TransitionByID(id string) *Transition {
	for i := range d.Transitions {
		if d.Transitions[i].ID == id {
			return &d.Transitions[i]
		}
	}
	return nil
}

// InitialState returns the state flagged as initial, or nil. A valid
// active definition has exactly one.
func (d *WorkflowDefinition) InitialState() *State {
	for i := range d.States {
		if d.States[i].IsInitial {
			return &d.States[i]
		}
	}
	return nil
}

// TerminalStates returns all states flagged as terminal.
func (d *WorkflowDefinition) TerminalStates() []*State {
	var out []*State
	for i := range d.States {
		if d.States[i].IsTerminal {
			out = append(out, &d.States[i])
		}
	}
	return out
}

// Outgoing returns the transitions leaving the given state, in declared
// order.
func (d *WorkflowDefinition) Outgoing(stateID string) []*Transition {
	var out []*Transition
	for i := range d.Transitions {
		if d.Transitions[i].FromStateID == stateID {
			out = append(out, &d.Transitions[i])
		}
	}
	return out
}

// FindTransition returns the first transition from one state to another,
// or nil.
func (d *WorkflowDefinition) FindTransition(fromStateID, toStateID string) *Transition {
	for i := range d.Transitions {
		if d.Transitions[i].FromStateID == fromStateID && d.Transitions[i].ToStateID == toStateID {
			return &d.Transitions[i]
		}
	}
	return nil
}

// State is a node in the workflow graph.
type State struct {
	ID          string `json:"id"`
	Code        string `json:"code"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	IsInitial   bool   `json:"is_initial"`
	IsTerminal  bool   `json:"is_terminal"`

	AutoTransitionEnabled bool   `json:"auto_transition_enabled,omitempty"`
	AutoTransitionTo      string `json:"auto_transition_to,omitempty"`

	// TimeoutDuration of zero means the state never times out.
	TimeoutDuration time.Duration `json:"timeout_duration,omitempty"`
	TimeoutAction   TimeoutAction `json:"timeout_action,omitempty"`
	// TimeoutNotifyRoles receive the deadline notification when
	// TimeoutAction is "notify"; empty falls back to whoever started the
	// instance.
	TimeoutNotifyRoles []string `json:"timeout_notify_roles,omitempty"`
	// TimeoutTransitionID designates the transition the sweeper executes
	// when TimeoutAction is "transition".
	TimeoutTransitionID string `json:"timeout_transition_id,omitempty"`
}

// Transition is a directed edge between two states of one definition. Its
// guard is the combination of permission, roles and condition.
type Transition struct {
	ID          string `json:"id"`
	Code        string `json:"code"`
	Name        string `json:"name"`
	FromStateID string `json:"from_state_id"`
	ToStateID   string `json:"to_state_id"`

	RequiredPermission string          `json:"required_permission,omitempty"`
	RequiredRoles      []string        `json:"required_roles,omitempty"`
	Condition          json.RawMessage `json:"condition,omitempty"`

	RequiresApproval bool          `json:"requires_approval,omitempty"`
	ApprovalRule     *ApprovalRule `json:"approval_rule,omitempty"`

	PreActions  ActionList `json:"pre_actions,omitempty"`
	PostActions ActionList `json:"post_actions,omitempty"`
}

// ApprovalRule defines who may approve a transition and how decisions
// aggregate. A transition carries at most one rule.
type ApprovalRule struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Policy        ApprovalPolicy `json:"policy"`
	MinApprovals  int            `json:"min_approvals,omitempty"`
	ApproverRoles []string       `json:"approver_roles,omitempty"`
	ApproverUsers []string       `json:"approver_users,omitempty"`

	EscalationDuration time.Duration `json:"escalation_duration,omitempty"`
	EscalationRoles    []string      `json:"escalation_roles,omitempty"`
}

// RequiredApprovals returns the approval count that satisfies the rule.
func (r *ApprovalRule) RequiredApprovals() int {
	switch r.Policy {
	case ApprovalPolicySingle, ApprovalPolicyAny:
		return 1
	default:
		// all, majority and sequential all approximate via the configured
		// threshold rather than a live roster count.
		if r.MinApprovals < 1 {
			return 1
		}
		return r.MinApprovals
	}
}
