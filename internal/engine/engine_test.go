package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/recordflow/recordflow/internal/catalog"
	"github.com/recordflow/recordflow/internal/locker"
	"github.com/recordflow/recordflow/internal/logging"
	"github.com/recordflow/recordflow/internal/repository"
	"github.com/recordflow/recordflow/internal/services"
	"github.com/recordflow/recordflow/pkg/models"
)

type notification struct {
	Recipients []string
	EventType  string
	Payload    map[string]any
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notification
}

func (n *recordingNotifier) Notify(ctx context.Context, recipients []string, eventType string, payload map[string]any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, notification{Recipients: recipients, EventType: eventType, Payload: payload})
	return nil
}

func (n *recordingNotifier) byType(eventType string) []notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []notification
	for _, ev := range n.events {
		if ev.EventType == eventType {
			out = append(out, ev)
		}
	}
	return out
}

type recordingAudit struct {
	mu      sync.Mutex
	entries []services.AuditEntry
}

func (a *recordingAudit) Append(ctx context.Context, entry services.AuditEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, entry)
	return nil
}

func (a *recordingAudit) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.entries))
	for i, e := range a.entries {
		out[i] = e.Action
	}
	return out
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	store     *repository.Memory
	engine    *Engine
	notifier  *recordingNotifier
	audit     *recordingAudit
	directory *services.StaticDirectory
	clock     *fakeClock

	mu     sync.Mutex
	record map[string]any
}

// setField changes the fake record's data, which guard conditions see on
// the next evaluation.
func (f *fixture) setField(key string, value any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record[key] = value
}

func newFixture(t *testing.T, def *models.WorkflowDefinition) *fixture {
	t.Helper()

	f := &fixture{
		store:     repository.NewMemory(),
		notifier:  &recordingNotifier{},
		audit:     &recordingAudit{},
		directory: services.NewStaticDirectory(),
		clock:     &fakeClock{t: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)},
		record:    map[string]any{"status": "ready", "score": 95.0},
	}
	require.NoError(t, f.store.CreateDefinition(context.Background(), def))

	records := services.NewSnapshotRegistry()
	records.Register("batch", func(ctx context.Context, id string) (map[string]any, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		snapshot := make(map[string]any, len(f.record))
		for k, v := range f.record {
			snapshot[k] = v
		}
		return snapshot, nil
	})
	records.RegisterUpdater("batch", func(ctx context.Context, id, field string, value any) error {
		f.setField(field, value)
		return nil
	})

	f.engine = New(
		f.store,
		catalog.NewCatalog(f.store),
		locker.NewMemory(),
		f.directory,
		f.audit,
		f.notifier,
		records,
		logging.NewNop(),
		WithClock(f.clock.Now),
	)
	return f
}

func testRecord() models.RecordReference {
	return models.RecordReference{Kind: "batch", ID: "batch-7"}
}

// batchDefinition models a release review: draft -> review -> released or
// rejected. Tests tighten individual transitions as needed.
func batchDefinition() *models.WorkflowDefinition {
	return &models.WorkflowDefinition{
		ID:      "def-batch",
		Code:    "batch_release",
		Name:    "Batch Release",
		Version: 1,
		Status:  models.DefinitionStatusActive,
		States: []models.State{
			{ID: "s-draft", Code: "draft", Name: "Draft", IsInitial: true},
			{ID: "s-review", Code: "review", Name: "In Review"},
			{ID: "s-released", Code: "released", Name: "Released", IsTerminal: true},
			{ID: "s-rejected", Code: "rejected", Name: "Rejected", IsTerminal: true},
		},
		Transitions: []models.Transition{
			{ID: "t-submit", Code: "submit", Name: "Submit", FromStateID: "s-draft", ToStateID: "s-review"},
			{ID: "t-release", Code: "release", Name: "Release", FromStateID: "s-review", ToStateID: "s-released"},
			{ID: "t-reject", Code: "reject", Name: "Reject", FromStateID: "s-review", ToStateID: "s-rejected"},
		},
	}
}

func (f *fixture) start(t *testing.T, definitionID, actorID string) *models.WorkflowInstance {
	t.Helper()
	inst, err := f.engine.StartWorkflow(context.Background(), definitionID, testRecord(), actorID, nil)
	require.NoError(t, err)
	return inst
}
