package engine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recordflow/recordflow/pkg/models"
)

func TestStartWorkflowCreatesInstanceAndHistory(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, batchDefinition())

	inst := f.start(t, "def-batch", "alice")
	assert.Equal(t, "s-draft", inst.CurrentStateID)
	assert.Equal(t, models.InstanceStatusActive, inst.Status)
	assert.Equal(t, "alice", inst.StartedBy)
	assert.Nil(t, inst.StateDeadline)

	history, err := f.engine.GetHistory(ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.HistoryActionStarted, history[0].Action)
	assert.Empty(t, history[0].FromStateID)
	assert.Equal(t, "s-draft", history[0].ToStateID)
	assert.True(t, history[0].VerifyChecksum())

	assert.Contains(t, f.audit.actions(), "workflow_started")
}

func TestStartWorkflowSetsInitialDeadline(t *testing.T) {
	def := batchDefinition()
	def.States[0].TimeoutDuration = 48 * time.Hour
	def.States[0].TimeoutAction = models.TimeoutActionNotify
	f := newFixture(t, def)

	inst := f.start(t, "def-batch", "alice")
	require.NotNil(t, inst.StateDeadline)
	assert.Equal(t, f.clock.Now().Add(48*time.Hour), *inst.StateDeadline)
}

func TestStartWorkflowRequiresActiveDefinition(t *testing.T) {
	def := batchDefinition()
	def.Status = models.DefinitionStatusDraft
	f := newFixture(t, def)

	_, err := f.engine.StartWorkflow(context.Background(), "def-batch", testRecord(), "alice", nil)
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestExecuteTransitionMovesState(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, batchDefinition())
	inst := f.start(t, "def-batch", "alice")

	f.clock.Advance(3 * time.Hour)
	res, err := f.engine.ExecuteTransition(ctx, inst.ID, "t-submit", "alice", "ready for review")
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, "s-review", res.Instance.CurrentStateID)

	history, err := f.engine.GetHistory(ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	last := history[1]
	assert.Equal(t, "submit", last.Action)
	assert.Equal(t, "s-draft", last.FromStateID)
	assert.Equal(t, "s-review", last.ToStateID)
	assert.Equal(t, "alice", last.TriggeredBy)
	assert.Equal(t, "ready for review", last.Notes)
	assert.Equal(t, 3*time.Hour, last.TimeInState)
	assert.True(t, last.VerifyChecksum())
}

func TestExecuteTransitionGuardRefusals(t *testing.T) {
	ctx := context.Background()

	t.Run("wrong current state", func(t *testing.T) {
		f := newFixture(t, batchDefinition())
		inst := f.start(t, "def-batch", "alice")

		res, err := f.engine.ExecuteTransition(ctx, inst.ID, "t-release", "alice", "")
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Equal(t, ReasonNotAvailable, res.Message)
	})

	t.Run("unknown transition", func(t *testing.T) {
		f := newFixture(t, batchDefinition())
		inst := f.start(t, "def-batch", "alice")

		res, err := f.engine.ExecuteTransition(ctx, inst.ID, "t-nowhere", "alice", "")
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Equal(t, ReasonNotInWorkflow, res.Message)
	})

	t.Run("missing permission", func(t *testing.T) {
		def := batchDefinition()
		def.Transitions[0].RequiredPermission = "records.submit"
		f := newFixture(t, def)
		inst := f.start(t, "def-batch", "alice")

		res, err := f.engine.ExecuteTransition(ctx, inst.ID, "t-submit", "alice", "")
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Equal(t, ReasonMissingPermission, res.Message)

		f.directory.Grant("alice", "records.submit")
		res, err = f.engine.ExecuteTransition(ctx, inst.ID, "t-submit", "alice", "")
		require.NoError(t, err)
		assert.True(t, res.Success)
	})

	t.Run("missing role", func(t *testing.T) {
		def := batchDefinition()
		def.Transitions[0].RequiredRoles = []string{"qa_lead", "qa_manager"}
		f := newFixture(t, def)
		inst := f.start(t, "def-batch", "alice")

		res, err := f.engine.ExecuteTransition(ctx, inst.ID, "t-submit", "alice", "")
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Equal(t, ReasonMissingRole, res.Message)

		f.directory.Assign("alice", "qa_manager")
		res, err = f.engine.ExecuteTransition(ctx, inst.ID, "t-submit", "alice", "")
		require.NoError(t, err)
		assert.True(t, res.Success)
	})

	t.Run("condition not met", func(t *testing.T) {
		def := batchDefinition()
		def.Transitions[0].Condition = json.RawMessage(`{">=": [{"var": "score"}, 99]}`)
		f := newFixture(t, def)
		inst := f.start(t, "def-batch", "alice")

		res, err := f.engine.ExecuteTransition(ctx, inst.ID, "t-submit", "alice", "")
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Equal(t, ReasonConditionsNotMet, res.Message)

		f.setField("score", 99.5)
		res, err = f.engine.ExecuteTransition(ctx, inst.ID, "t-submit", "alice", "")
		require.NoError(t, err)
		assert.True(t, res.Success)
	})
}

func TestRefusedTransitionLeavesNoTrace(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, batchDefinition())
	inst := f.start(t, "def-batch", "alice")

	res, err := f.engine.ExecuteTransition(ctx, inst.ID, "t-release", "alice", "")
	require.NoError(t, err)
	require.False(t, res.Success)

	stored, err := f.store.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, "s-draft", stored.CurrentStateID)

	history, err := f.engine.GetHistory(ctx, inst.ID)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestTerminalTransitionCompletesInstance(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, batchDefinition())
	inst := f.start(t, "def-batch", "alice")

	_, err := f.engine.ExecuteTransition(ctx, inst.ID, "t-submit", "alice", "")
	require.NoError(t, err)
	res, err := f.engine.ExecuteTransition(ctx, inst.ID, "t-release", "bob", "")
	require.NoError(t, err)
	require.True(t, res.Success)

	assert.Equal(t, models.InstanceStatusCompleted, res.Instance.Status)
	assert.Equal(t, "bob", res.Instance.CompletedBy)
	require.NotNil(t, res.Instance.CompletedAt)
	assert.Nil(t, res.Instance.StateDeadline)

	// Terminal instances refuse further transitions.
	res, err = f.engine.ExecuteTransition(ctx, inst.ID, "t-reject", "bob", "")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, ReasonInstanceInactive, res.Message)
}

func TestTransitionSetsTargetDeadline(t *testing.T) {
	def := batchDefinition()
	def.States[1].TimeoutDuration = 72 * time.Hour
	def.States[1].TimeoutAction = models.TimeoutActionEscalate
	f := newFixture(t, def)
	inst := f.start(t, "def-batch", "alice")

	res, err := f.engine.ExecuteTransition(context.Background(), inst.ID, "t-submit", "alice", "")
	require.NoError(t, err)
	require.True(t, res.Success)
	require.NotNil(t, res.Instance.StateDeadline)
	assert.Equal(t, f.clock.Now().Add(72*time.Hour), *res.Instance.StateDeadline)
}

func TestAutoTransitionChain(t *testing.T) {
	ctx := context.Background()
	def := batchDefinition()
	def.States[1].AutoTransitionEnabled = true
	def.States[1].AutoTransitionTo = "s-released"
	f := newFixture(t, def)
	inst := f.start(t, "def-batch", "alice")

	res, err := f.engine.ExecuteTransition(ctx, inst.ID, "t-submit", "alice", "")
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, 1, res.AutoTransitions)
	assert.Equal(t, "s-released", res.Instance.CurrentStateID)
	assert.Equal(t, models.InstanceStatusCompleted, res.Instance.Status)

	// Automatic hops stay attributed to the actor who set the chain off.
	history, err := f.engine.GetHistory(ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "alice", history[2].TriggeredBy)
	assert.Equal(t, "automatic transition", history[2].Notes)
	assert.Equal(t, "release", history[2].Action)
}

func TestAutoTransitionCycleIsConfigError(t *testing.T) {
	def := batchDefinition()
	def.States[0].AutoTransitionEnabled = true
	def.States[0].AutoTransitionTo = "s-review"
	def.States[1].AutoTransitionEnabled = true
	def.States[1].AutoTransitionTo = "s-draft"
	def.Transitions = append(def.Transitions, models.Transition{
		ID: "t-back", Code: "back", Name: "Back", FromStateID: "s-review", ToStateID: "s-draft",
	})
	f := newFixture(t, def)
	inst := f.start(t, "def-batch", "alice")

	_, err := f.engine.ExecuteTransition(context.Background(), inst.ID, "t-submit", "alice", "")
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestAutoTransitionStopsAtGuards(t *testing.T) {
	ctx := context.Background()

	t.Run("condition not met", func(t *testing.T) {
		def := batchDefinition()
		def.States[1].AutoTransitionEnabled = true
		def.States[1].AutoTransitionTo = "s-released"
		def.Transitions[1].Condition = json.RawMessage(`{"==": [{"var": "status"}, "verified"]}`)
		f := newFixture(t, def)
		inst := f.start(t, "def-batch", "alice")

		res, err := f.engine.ExecuteTransition(ctx, inst.ID, "t-submit", "alice", "")
		require.NoError(t, err)
		require.True(t, res.Success)
		assert.Zero(t, res.AutoTransitions)
		assert.Equal(t, "s-review", res.Instance.CurrentStateID)
	})

	t.Run("missing permission", func(t *testing.T) {
		def := batchDefinition()
		def.States[1].AutoTransitionEnabled = true
		def.States[1].AutoTransitionTo = "s-released"
		def.Transitions[1].RequiredPermission = "records.release"
		f := newFixture(t, def)
		inst := f.start(t, "def-batch", "alice")

		res, err := f.engine.ExecuteTransition(ctx, inst.ID, "t-submit", "alice", "")
		require.NoError(t, err)
		require.True(t, res.Success)
		assert.Zero(t, res.AutoTransitions)
		assert.Equal(t, "s-review", res.Instance.CurrentStateID)
	})

	t.Run("missing role", func(t *testing.T) {
		def := batchDefinition()
		def.States[1].AutoTransitionEnabled = true
		def.States[1].AutoTransitionTo = "s-released"
		def.Transitions[1].RequiredRoles = []string{"qa_lead"}
		f := newFixture(t, def)
		inst := f.start(t, "def-batch", "alice")

		res, err := f.engine.ExecuteTransition(ctx, inst.ID, "t-submit", "alice", "")
		require.NoError(t, err)
		require.True(t, res.Success)
		assert.Zero(t, res.AutoTransitions)
		assert.Equal(t, "s-review", res.Instance.CurrentStateID)

		// With the role held, the same chain follows through.
		f.directory.Assign("bob", "qa_lead")
		inst2 := f.start(t, "def-batch", "bob")
		res, err = f.engine.ExecuteTransition(ctx, inst2.ID, "t-submit", "bob", "")
		require.NoError(t, err)
		require.True(t, res.Success)
		assert.Equal(t, 1, res.AutoTransitions)
		assert.Equal(t, "s-released", res.Instance.CurrentStateID)
	})

	t.Run("approval gate", func(t *testing.T) {
		def := batchDefinition()
		def.States[1].AutoTransitionEnabled = true
		def.States[1].AutoTransitionTo = "s-released"
		def.Transitions[1].RequiresApproval = true
		def.Transitions[1].ApprovalRule = &models.ApprovalRule{ID: "r-1", Policy: models.ApprovalPolicySingle}
		f := newFixture(t, def)
		inst := f.start(t, "def-batch", "alice")

		res, err := f.engine.ExecuteTransition(ctx, inst.ID, "t-submit", "alice", "")
		require.NoError(t, err)
		require.True(t, res.Success)
		assert.Zero(t, res.AutoTransitions)
		assert.Equal(t, "s-review", res.Instance.CurrentStateID)
	})
}

func TestGetAvailableTransitionsReportsGuardVerdicts(t *testing.T) {
	ctx := context.Background()
	def := batchDefinition()
	def.Transitions[1].RequiredRoles = []string{"qa_lead"}
	def.Transitions[2].Condition = json.RawMessage(`{"<": [{"var": "score"}, 50]}`)
	f := newFixture(t, def)
	inst := f.start(t, "def-batch", "alice")

	_, err := f.engine.ExecuteTransition(ctx, inst.ID, "t-submit", "alice", "")
	require.NoError(t, err)

	// Every outgoing transition comes back, blocked ones with their reason.
	options, err := f.engine.GetAvailableTransitions(ctx, inst.ID, "alice")
	require.NoError(t, err)
	require.Len(t, options, 2)
	assert.Equal(t, "release", options[0].Transition.Code)
	assert.Equal(t, "released", options[0].ToState.Code)
	assert.False(t, options[0].CanExecute)
	assert.Equal(t, ReasonMissingRole, options[0].Reason)
	assert.Equal(t, "reject", options[1].Transition.Code)
	assert.False(t, options[1].CanExecute)
	assert.Equal(t, ReasonConditionsNotMet, options[1].Reason)

	f.directory.Assign("alice", "qa_lead")
	options, err = f.engine.GetAvailableTransitions(ctx, inst.ID, "alice")
	require.NoError(t, err)
	require.Len(t, options, 2)
	assert.True(t, options[0].CanExecute)
	assert.Empty(t, options[0].Reason)
	assert.False(t, options[1].CanExecute)
}

func TestRunActionsUpdateFieldAndNotify(t *testing.T) {
	ctx := context.Background()
	def := batchDefinition()
	def.Transitions[0].PostActions = models.ActionList{
		models.UpdateFieldAction{Field: "status", Value: "in_review"},
		models.NotificationAction{Recipients: []string{"qa_team"}, Template: "batch_submitted"},
	}
	f := newFixture(t, def)
	inst := f.start(t, "def-batch", "alice")

	res, err := f.engine.ExecuteTransition(ctx, inst.ID, "t-submit", "alice", "")
	require.NoError(t, err)
	require.True(t, res.Success)

	f.mu.Lock()
	assert.Equal(t, "in_review", f.record["status"])
	f.mu.Unlock()

	events := f.notifier.byType("workflow_action")
	require.Len(t, events, 1)
	assert.Equal(t, []string{"qa_team"}, events[0].Recipients)
	assert.Equal(t, "batch_submitted", events[0].Payload["template"])
}

func TestCancelInstance(t *testing.T) {
	ctx := context.Background()
	def := batchDefinition()
	def.Transitions[1].RequiresApproval = true
	def.Transitions[1].ApprovalRule = &models.ApprovalRule{ID: "r-1", Policy: models.ApprovalPolicySingle}
	f := newFixture(t, def)
	inst := f.start(t, "def-batch", "alice")

	_, err := f.engine.ExecuteTransition(ctx, inst.ID, "t-submit", "alice", "")
	require.NoError(t, err)
	res, err := f.engine.ExecuteTransition(ctx, inst.ID, "t-release", "alice", "")
	require.NoError(t, err)
	require.NotNil(t, res.ApprovalRequest)

	cancelled, err := f.engine.CancelInstance(ctx, inst.ID, "alice", "batch withdrawn")
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStatusCancelled, cancelled.Status)
	assert.Equal(t, "alice", cancelled.CompletedBy)

	req, err := f.store.GetApprovalRequest(ctx, res.ApprovalRequest.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalStatusCancelled, req.Status)

	// Cancellation writes no history entry.
	history, err := f.engine.GetHistory(ctx, inst.ID)
	require.NoError(t, err)
	assert.Len(t, history, 2)

	_, err = f.engine.CancelInstance(ctx, inst.ID, "alice", "again")
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestConcurrentExecuteHasOneWinner(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, batchDefinition())
	inst := f.start(t, "def-batch", "alice")

	results := make([]*ExecutionResult, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.engine.ExecuteTransition(ctx, inst.ID, "t-submit", "alice", "")
		}(i)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	var wins, refusals int
	for _, res := range results {
		if res.Success {
			wins++
		} else {
			refusals++
			assert.Equal(t, ReasonNotAvailable, res.Message)
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, refusals)

	history, err := f.engine.GetHistory(ctx, inst.ID)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}
