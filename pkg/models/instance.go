package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// InstanceStatus represents the lifecycle of a workflow instance.
type InstanceStatus string

const (
	InstanceStatusActive    InstanceStatus = "active"
	InstanceStatusCompleted InstanceStatus = "completed"
	InstanceStatusCancelled InstanceStatus = "cancelled"
	InstanceStatusSuspended InstanceStatus = "suspended"
)

// WorkflowInstance is a live process binding a record to a definition.
// The executor is the only writer of CurrentStateID and the history.
type WorkflowInstance struct {
	ID             string          `json:"id" db:"id"`
	DefinitionID   string          `json:"definition_id" db:"definition_id"`
	CurrentStateID string          `json:"current_state_id" db:"current_state_id"`
	Status         InstanceStatus  `json:"status" db:"status"`
	Record         RecordReference `json:"record"`
	TenantID       string          `json:"tenant_id,omitempty" db:"tenant_id"`
	ContextData    map[string]any  `json:"context_data,omitempty" db:"context_data"`

	StartedAt      time.Time  `json:"started_at" db:"started_at"`
	StartedBy      string     `json:"started_by" db:"started_by"`
	CompletedAt    *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	CompletedBy    string     `json:"completed_by,omitempty" db:"completed_by"`
	StateEnteredAt time.Time  `json:"state_entered_at" db:"state_entered_at"`
	StateDeadline  *time.Time `json:"state_deadline,omitempty" db:"state_deadline"`
	UpdatedAt      time.Time  `json:"updated_at" db:"updated_at"`
}

// HistoryActionStarted is the synthetic action recorded when a workflow
// instance is started.
const HistoryActionStarted = "workflow_started"

// StateHistory is one entry of the append-only per-instance ledger: one
// entry per executed transition plus the synthetic start entry. Entries
// are checksummed over their own fields; there is no cross-entry chain
// link (the platform's tamper-evident audit log is a separate mechanism).
type StateHistory struct {
	ID          string `json:"id" db:"id"`
	InstanceID  string `json:"instance_id" db:"instance_id"`
	FromStateID string `json:"from_state_id,omitempty" db:"from_state_id"`
	ToStateID   string `json:"to_state_id" db:"to_state_id"`
	// TransitionID is empty for the synthetic start entry.
	TransitionID string `json:"transition_id,omitempty" db:"transition_id"`
	Action       string `json:"action" db:"action"`
	Notes        string `json:"notes,omitempty" db:"notes"`
	TriggeredBy  string `json:"triggered_by" db:"triggered_by"`

	TimeInState    time.Duration `json:"time_in_state,omitempty" db:"time_in_state"`
	TransitionedAt time.Time     `json:"transitioned_at" db:"transitioned_at"`

	Checksum string `json:"checksum" db:"checksum"`
}

// checksumFields is the canonical field set the entry checksum covers.
// Field order is fixed by the struct so the JSON encoding is stable.
type checksumFields struct {
	InstanceID  string `json:"instance_id"`
	FromStateID string `json:"from_state"`
	ToStateID   string `json:"to_state"`
	TriggeredBy string `json:"triggered_by"`
	Action      string `json:"action"`
	Notes       string `json:"notes"`
}

// ComputeChecksum returns the SHA-256 checksum over the entry's own fields.
func (h *StateHistory) ComputeChecksum() string {
	payload, _ := json.Marshal(checksumFields{
		InstanceID:  h.InstanceID,
		FromStateID: h.FromStateID,
		ToStateID:   h.ToStateID,
		TriggeredBy: h.TriggeredBy,
		Action:      h.Action,
		Notes:       h.Notes,
	})
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Seal fills in the checksum. Call once, before the entry is persisted.
func (h *StateHistory) Seal() {
	h.Checksum = h.ComputeChecksum()
}

// VerifyChecksum reports whether the stored checksum still matches the
// entry's fields.
func (h *StateHistory) VerifyChecksum() bool {
	return h.Checksum != "" && h.Checksum == h.ComputeChecksum()
}

// ApprovalStatus represents the lifecycle of an approval request.
type ApprovalStatus string

const (
	ApprovalStatusPending   ApprovalStatus = "pending"
	ApprovalStatusApproved  ApprovalStatus = "approved"
	ApprovalStatusRejected  ApprovalStatus = "rejected"
	ApprovalStatusEscalated ApprovalStatus = "escalated"
	ApprovalStatusExpired   ApprovalStatus = "expired"
	ApprovalStatusCancelled ApprovalStatus = "cancelled"
)

// ApprovalRequest is created when a guarded, approval-requiring transition
// is attempted. The orchestrator is the only writer of its status.
type ApprovalRequest struct {
	ID           string         `json:"id" db:"id"`
	InstanceID   string         `json:"instance_id" db:"instance_id"`
	TransitionID string         `json:"transition_id" db:"transition_id"`
	Status       ApprovalStatus `json:"status" db:"status"`

	RequestedBy  string     `json:"requested_by" db:"requested_by"`
	RequestedAt  time.Time  `json:"requested_at" db:"requested_at"`
	Deadline     *time.Time `json:"deadline,omitempty" db:"deadline"`
	RequestNotes string     `json:"request_notes,omitempty" db:"request_notes"`

	// RecordSnapshot preserves the record's data at request time for later
	// review by approvers.
	RecordSnapshot map[string]any `json:"record_snapshot,omitempty" db:"record_snapshot"`

	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Decision is an approver's verdict.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

// ApprovalDecision is the immutable record of one approver's verdict.
// SignatureRef points at a signature issued by the external signature
// service; the engine never performs cryptography itself.
type ApprovalDecision struct {
	ID           string    `json:"id" db:"id"`
	RequestID    string    `json:"request_id" db:"request_id"`
	Decision     Decision  `json:"decision" db:"decision"`
	DecidedBy    string    `json:"decided_by" db:"decided_by"`
	DecidedAt    time.Time `json:"decided_at" db:"decided_at"`
	Comments     string    `json:"comments,omitempty" db:"comments"`
	SignatureRef string    `json:"signature_ref,omitempty" db:"signature_ref"`
}
