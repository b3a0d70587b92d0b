package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/recordflow/recordflow/pkg/models"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, so the same
// statements serve inside and outside InTx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres is the pgx-backed Store.
type Postgres struct {
	db   querier
	pool *pgxpool.Pool
}

// NewPostgres creates a Postgres store over a connection pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{db: pool, pool: pool}
}

// Migrate applies the engine schema.
func (s *Postgres) Migrate(ctx context.Context) error {
	_, err := s.db.Exec(ctx, Schema)
	return err
}

// InTx runs fn against a store bound to a single transaction.
func (s *Postgres) InTx(ctx context.Context, fn func(Store) error) error {
	if s.pool == nil {
		// Already inside a transaction; pgx has no nested tx, run directly.
		return fn(s)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&Postgres{db: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// --- definitions ---

func (s *Postgres) CreateDefinition(ctx context.Context, def *models.WorkflowDefinition) error {
	document, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO workflow_definitions (id, code, version, status, tenant_id, document, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		def.ID, def.Code, def.Version, def.Status, def.TenantID, document, def.CreatedAt, def.UpdatedAt)
	return err
}

func (s *Postgres) GetDefinition(ctx context.Context, id string) (*models.WorkflowDefinition, error) {
	var document []byte
	err := s.db.QueryRow(ctx,
		`SELECT document FROM workflow_definitions WHERE id = $1`, id).Scan(&document)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var def models.WorkflowDefinition
	if err := json.Unmarshal(document, &def); err != nil {
		return nil, fmt.Errorf("unmarshal definition %s: %w", id, err)
	}
	return &def, nil
}

func (s *Postgres) UpdateDefinition(ctx context.Context, def *models.WorkflowDefinition) error {
	document, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE workflow_definitions
		SET status = $2, document = $3, updated_at = $4
		WHERE id = $1`,
		def.ID, def.Status, document, def.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) ListDefinitions(ctx context.Context, tenantID string) ([]*models.WorkflowDefinition, error) {
	rows, err := s.db.Query(ctx, `
		SELECT document FROM workflow_definitions
		WHERE tenant_id = $1
		ORDER BY code, version DESC`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var defs []*models.WorkflowDefinition
	for rows.Next() {
		var document []byte
		if err := rows.Scan(&document); err != nil {
			return nil, err
		}
		var def models.WorkflowDefinition
		if err := json.Unmarshal(document, &def); err != nil {
			return nil, fmt.Errorf("unmarshal definition: %w", err)
		}
		defs = append(defs, &def)
	}
	return defs, rows.Err()
}

// --- instances ---

const instanceColumns = `id, definition_id, current_state_id, status, record_kind, record_id,
	tenant_id, context_data, started_at, started_by, completed_at, completed_by,
	state_entered_at, state_deadline, updated_at`

func (s *Postgres) CreateInstance(ctx context.Context, inst *models.WorkflowInstance) error {
	contextData, err := json.Marshal(inst.ContextData)
	if err != nil {
		return fmt.Errorf("marshal context data: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO workflow_instances (`+instanceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		inst.ID, inst.DefinitionID, inst.CurrentStateID, inst.Status,
		inst.Record.Kind, inst.Record.ID, inst.TenantID, contextData,
		inst.StartedAt, inst.StartedBy, inst.CompletedAt, inst.CompletedBy,
		inst.StateEnteredAt, inst.StateDeadline, inst.UpdatedAt)
	return err
}

func scanInstance(row pgx.Row) (*models.WorkflowInstance, error) {
	var inst models.WorkflowInstance
	var contextData []byte
	err := row.Scan(
		&inst.ID, &inst.DefinitionID, &inst.CurrentStateID, &inst.Status,
		&inst.Record.Kind, &inst.Record.ID, &inst.TenantID, &contextData,
		&inst.StartedAt, &inst.StartedBy, &inst.CompletedAt, &inst.CompletedBy,
		&inst.StateEnteredAt, &inst.StateDeadline, &inst.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(contextData) > 0 {
		if err := json.Unmarshal(contextData, &inst.ContextData); err != nil {
			return nil, fmt.Errorf("unmarshal context data: %w", err)
		}
	}
	return &inst, nil
}

func (s *Postgres) GetInstance(ctx context.Context, id string) (*models.WorkflowInstance, error) {
	return scanInstance(s.db.QueryRow(ctx,
		`SELECT `+instanceColumns+` FROM workflow_instances WHERE id = $1`, id))
}

func (s *Postgres) UpdateInstance(ctx context.Context, inst *models.WorkflowInstance) error {
	contextData, err := json.Marshal(inst.ContextData)
	if err != nil {
		return fmt.Errorf("marshal context data: %w", err)
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE workflow_instances
		SET current_state_id = $2, status = $3, context_data = $4,
		    completed_at = $5, completed_by = $6,
		    state_entered_at = $7, state_deadline = $8, updated_at = $9
		WHERE id = $1`,
		inst.ID, inst.CurrentStateID, inst.Status, contextData,
		inst.CompletedAt, inst.CompletedBy,
		inst.StateEnteredAt, inst.StateDeadline, inst.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) listInstances(ctx context.Context, where string, args ...any) ([]*models.WorkflowInstance, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+instanceColumns+` FROM workflow_instances `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.WorkflowInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func (s *Postgres) ListInstancesByRecord(ctx context.Context, ref models.RecordReference) ([]*models.WorkflowInstance, error) {
	return s.listInstances(ctx,
		`WHERE record_kind = $1 AND record_id = $2 ORDER BY started_at DESC`,
		ref.Kind, ref.ID)
}

func (s *Postgres) ListOverdueInstances(ctx context.Context, now time.Time) ([]*models.WorkflowInstance, error) {
	return s.listInstances(ctx,
		`WHERE status = $1 AND state_deadline IS NOT NULL AND state_deadline < $2 ORDER BY state_deadline`,
		models.InstanceStatusActive, now)
}

// --- history ---

func (s *Postgres) AppendHistory(ctx context.Context, entry *models.StateHistory) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO workflow_state_history
			(id, instance_id, from_state_id, to_state_id, transition_id, action,
			 notes, triggered_by, time_in_state, transitioned_at, checksum)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		entry.ID, entry.InstanceID, entry.FromStateID, entry.ToStateID,
		entry.TransitionID, entry.Action, entry.Notes, entry.TriggeredBy,
		int64(entry.TimeInState), entry.TransitionedAt, entry.Checksum)
	return err
}

func (s *Postgres) ListHistory(ctx context.Context, instanceID string) ([]*models.StateHistory, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, instance_id, from_state_id, to_state_id, transition_id, action,
		       notes, triggered_by, time_in_state, transitioned_at, checksum
		FROM workflow_state_history
		WHERE instance_id = $1
		ORDER BY transitioned_at, id`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.StateHistory
	for rows.Next() {
		var entry models.StateHistory
		var timeInState int64
		if err := rows.Scan(
			&entry.ID, &entry.InstanceID, &entry.FromStateID, &entry.ToStateID,
			&entry.TransitionID, &entry.Action, &entry.Notes, &entry.TriggeredBy,
			&timeInState, &entry.TransitionedAt, &entry.Checksum); err != nil {
			return nil, err
		}
		entry.TimeInState = time.Duration(timeInState)
		out = append(out, &entry)
	}
	return out, rows.Err()
}

// --- approvals ---

const approvalColumns = `id, instance_id, transition_id, status, requested_by,
	requested_at, deadline, request_notes, record_snapshot, updated_at`

func (s *Postgres) CreateApprovalRequest(ctx context.Context, req *models.ApprovalRequest) error {
	snapshot, err := json.Marshal(req.RecordSnapshot)
	if err != nil {
		return fmt.Errorf("marshal record snapshot: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO workflow_approval_requests (`+approvalColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		req.ID, req.InstanceID, req.TransitionID, req.Status, req.RequestedBy,
		req.RequestedAt, req.Deadline, req.RequestNotes, snapshot, req.UpdatedAt)
	return err
}

func scanApproval(row pgx.Row) (*models.ApprovalRequest, error) {
	var req models.ApprovalRequest
	var snapshot []byte
	err := row.Scan(
		&req.ID, &req.InstanceID, &req.TransitionID, &req.Status, &req.RequestedBy,
		&req.RequestedAt, &req.Deadline, &req.RequestNotes, &snapshot, &req.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(snapshot) > 0 {
		if err := json.Unmarshal(snapshot, &req.RecordSnapshot); err != nil {
			return nil, fmt.Errorf("unmarshal record snapshot: %w", err)
		}
	}
	return &req, nil
}

func (s *Postgres) GetApprovalRequest(ctx context.Context, id string) (*models.ApprovalRequest, error) {
	return scanApproval(s.db.QueryRow(ctx,
		`SELECT `+approvalColumns+` FROM workflow_approval_requests WHERE id = $1`, id))
}

func (s *Postgres) UpdateApprovalRequest(ctx context.Context, req *models.ApprovalRequest) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE workflow_approval_requests
		SET status = $2, deadline = $3, updated_at = $4
		WHERE id = $1`,
		req.ID, req.Status, req.Deadline, req.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) listApprovals(ctx context.Context, where string, args ...any) ([]*models.ApprovalRequest, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+approvalColumns+` FROM workflow_approval_requests `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.ApprovalRequest
	for rows.Next() {
		req, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func (s *Postgres) ListPendingApprovals(ctx context.Context, instanceID string) ([]*models.ApprovalRequest, error) {
	return s.listApprovals(ctx,
		`WHERE instance_id = $1 AND status = $2 ORDER BY requested_at`,
		instanceID, models.ApprovalStatusPending)
}

func (s *Postgres) ListOverdueApprovals(ctx context.Context, now time.Time) ([]*models.ApprovalRequest, error) {
	return s.listApprovals(ctx,
		`WHERE status = $1 AND deadline IS NOT NULL AND deadline < $2 ORDER BY deadline`,
		models.ApprovalStatusPending, now)
}

func (s *Postgres) AppendDecision(ctx context.Context, decision *models.ApprovalDecision) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO workflow_approval_decisions
			(id, request_id, decision, decided_by, decided_at, comments, signature_ref)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		decision.ID, decision.RequestID, decision.Decision, decision.DecidedBy,
		decision.DecidedAt, decision.Comments, decision.SignatureRef)
	return err
}

func (s *Postgres) ListDecisions(ctx context.Context, requestID string) ([]*models.ApprovalDecision, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, request_id, decision, decided_by, decided_at, comments, signature_ref
		FROM workflow_approval_decisions
		WHERE request_id = $1
		ORDER BY decided_at, id`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.ApprovalDecision
	for rows.Next() {
		var d models.ApprovalDecision
		if err := rows.Scan(&d.ID, &d.RequestID, &d.Decision, &d.DecidedBy,
			&d.DecidedAt, &d.Comments, &d.SignatureRef); err != nil {
			return nil, err
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}
