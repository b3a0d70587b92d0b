package engine

import (
	"fmt"

	"github.com/recordflow/recordflow/internal/locker"
)

// ErrLockBusy is returned when the per-instance lock could not be acquired
// within the wait bound. It signals contention; callers may retry.
var ErrLockBusy = locker.ErrBusy

// ConfigError marks a definition inconsistency discovered while executing:
// a missing approval rule, a dangling transition target, an auto-transition
// cycle. It is fatal for the operation and never retried; fixing it requires
// a new definition version.
type ConfigError struct {
	msg string
}

func configErrorf(format string, args ...any) *ConfigError {
	return &ConfigError{msg: fmt.Sprintf(format, args...)}
}

func (e *ConfigError) Error() string { return e.msg }

// Guard refusal reasons. A refused transition is a result, not an error.
const (
	ReasonInstanceInactive  = "Workflow instance is not active"
	ReasonNotInWorkflow     = "Transition not part of this workflow"
	ReasonNotAvailable      = "Transition not available from current state"
	ReasonMissingPermission = "Missing required permission"
	ReasonMissingRole       = "Missing required role"
	ReasonConditionsNotMet  = "Conditions not met"
	ReasonApprovalRequired  = "Approval required"
)

// Decision refusal reasons. Like guard refusals, these ride the result.
const (
	ReasonRequestNotPending = "Approval request is not pending"
	ReasonAlreadyDecided    = "Approver has already decided on this request"
)
