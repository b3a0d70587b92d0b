package repository

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/recordflow/recordflow/pkg/models"
)

// Memory is an in-memory Store used by unit tests and single-process
// development. All values are deep-copied on the way in and out so callers
// never share state with the store.
type Memory struct {
	mu sync.RWMutex

	definitions map[string]*models.WorkflowDefinition
	instances   map[string]*models.WorkflowInstance
	history     map[string][]*models.StateHistory
	approvals   map[string]*models.ApprovalRequest
	decisions   map[string][]*models.ApprovalDecision
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		definitions: make(map[string]*models.WorkflowDefinition),
		instances:   make(map[string]*models.WorkflowInstance),
		history:     make(map[string][]*models.StateHistory),
		approvals:   make(map[string]*models.ApprovalRequest),
		decisions:   make(map[string][]*models.ApprovalDecision),
	}
}

func deepCopy[T any](src *T) *T {
	raw, _ := json.Marshal(src)
	dst := new(T)
	_ = json.Unmarshal(raw, dst)
	return dst
}

func (m *Memory) CreateDefinition(ctx context.Context, def *models.WorkflowDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.definitions[def.ID] = deepCopy(def)
	return nil
}

func (m *Memory) GetDefinition(ctx context.Context, id string) (*models.WorkflowDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	def, ok := m.definitions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return deepCopy(def), nil
}

func (m *Memory) UpdateDefinition(ctx context.Context, def *models.WorkflowDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.definitions[def.ID]; !ok {
		return ErrNotFound
	}
	m.definitions[def.ID] = deepCopy(def)
	return nil
}

func (m *Memory) ListDefinitions(ctx context.Context, tenantID string) ([]*models.WorkflowDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.WorkflowDefinition
	for _, def := range m.definitions {
		if def.TenantID == tenantID {
			out = append(out, deepCopy(def))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Code != out[j].Code {
			return out[i].Code < out[j].Code
		}
		return out[i].Version > out[j].Version
	})
	return out, nil
}

func (m *Memory) CreateInstance(ctx context.Context, inst *models.WorkflowInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.instances[inst.ID] = deepCopy(inst)
	return nil
}

func (m *Memory) GetInstance(ctx context.Context, id string) (*models.WorkflowInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.instances[id]
	if !ok {
		return nil, ErrNotFound
	}
	return deepCopy(inst), nil
}

func (m *Memory) UpdateInstance(ctx context.Context, inst *models.WorkflowInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.instances[inst.ID]; !ok {
		return ErrNotFound
	}
	m.instances[inst.ID] = deepCopy(inst)
	return nil
}

func (m *Memory) ListInstancesByRecord(ctx context.Context, ref models.RecordReference) ([]*models.WorkflowInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.WorkflowInstance
	for _, inst := range m.instances {
		if inst.Record == ref {
			out = append(out, deepCopy(inst))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}

func (m *Memory) ListOverdueInstances(ctx context.Context, now time.Time) ([]*models.WorkflowInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.WorkflowInstance
	for _, inst := range m.instances {
		if inst.Status == models.InstanceStatusActive &&
			inst.StateDeadline != nil && inst.StateDeadline.Before(now) {
			out = append(out, deepCopy(inst))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StateDeadline.Before(*out[j].StateDeadline) })
	return out, nil
}

func (m *Memory) AppendHistory(ctx context.Context, entry *models.StateHistory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history[entry.InstanceID] = append(m.history[entry.InstanceID], deepCopy(entry))
	return nil
}

func (m *Memory) ListHistory(ctx context.Context, instanceID string) ([]*models.StateHistory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := m.history[instanceID]
	out := make([]*models.StateHistory, 0, len(entries))
	for _, entry := range entries {
		out = append(out, deepCopy(entry))
	}
	return out, nil
}

func (m *Memory) CreateApprovalRequest(ctx context.Context, req *models.ApprovalRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.approvals[req.ID] = deepCopy(req)
	return nil
}

func (m *Memory) GetApprovalRequest(ctx context.Context, id string) (*models.ApprovalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	req, ok := m.approvals[id]
	if !ok {
		return nil, ErrNotFound
	}
	return deepCopy(req), nil
}

func (m *Memory) UpdateApprovalRequest(ctx context.Context, req *models.ApprovalRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.approvals[req.ID]; !ok {
		return ErrNotFound
	}
	m.approvals[req.ID] = deepCopy(req)
	return nil
}

func (m *Memory) ListPendingApprovals(ctx context.Context, instanceID string) ([]*models.ApprovalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.ApprovalRequest
	for _, req := range m.approvals {
		if req.InstanceID == instanceID && req.Status == models.ApprovalStatusPending {
			out = append(out, deepCopy(req))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	return out, nil
}

func (m *Memory) ListOverdueApprovals(ctx context.Context, now time.Time) ([]*models.ApprovalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.ApprovalRequest
	for _, req := range m.approvals {
		if req.Status == models.ApprovalStatusPending &&
			req.Deadline != nil && req.Deadline.Before(now) {
			out = append(out, deepCopy(req))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Deadline.Before(*out[j].Deadline) })
	return out, nil
}

func (m *Memory) AppendDecision(ctx context.Context, decision *models.ApprovalDecision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decisions[decision.RequestID] = append(m.decisions[decision.RequestID], deepCopy(decision))
	return nil
}

func (m *Memory) ListDecisions(ctx context.Context, requestID string) ([]*models.ApprovalDecision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	decisions := m.decisions[requestID]
	out := make([]*models.ApprovalDecision, 0, len(decisions))
	for _, d := range decisions {
		out = append(out, deepCopy(d))
	}
	return out, nil
}

// InTx runs fn directly; single-map writes are already serialized and the
// engine holds the per-instance lock across the call.
func (m *Memory) InTx(ctx context.Context, fn func(Store) error) error {
	return fn(m)
}
