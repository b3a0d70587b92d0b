package repository

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/recordflow/recordflow/pkg/models"
)

func TestPostgresStore(t *testing.T) {
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("test-db"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2)),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Fatalf("failed to terminate container: %s", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatal(err)
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()

	store := NewPostgres(pool)
	require.NoError(t, store.Migrate(ctx))

	now := time.Now().UTC().Truncate(time.Microsecond)

	def := &models.WorkflowDefinition{
		ID:      uuid.New().String(),
		Code:    "batch_release",
		Name:    "Batch Release",
		Version: 1,
		Status:  models.DefinitionStatusActive,
		States: []models.State{
			{ID: "s-draft", Code: "draft", Name: "Draft", IsInitial: true},
			{ID: "s-done", Code: "done", Name: "Done", IsTerminal: true},
		},
		Transitions: []models.Transition{
			{
				ID: "t-finish", Code: "finish", Name: "Finish",
				FromStateID: "s-draft", ToStateID: "s-done",
				Condition: json.RawMessage(`{">": [{"var": "score"}, 80]}`),
				PostActions: models.ActionList{
					models.NotificationAction{Recipients: []string{"qa"}, Template: "done"},
				},
			},
		},
		CreatedBy: "seed",
		CreatedAt: now,
		UpdatedAt: now,
	}

	t.Run("definition roundtrip", func(t *testing.T) {
		require.NoError(t, store.CreateDefinition(ctx, def))

		got, err := store.GetDefinition(ctx, def.ID)
		require.NoError(t, err)
		assert.Equal(t, def.Code, got.Code)
		assert.Equal(t, def.Status, got.Status)
		require.Len(t, got.States, 2)
		require.Len(t, got.Transitions, 1)
		assert.JSONEq(t, string(def.Transitions[0].Condition), string(got.Transitions[0].Condition))
		require.Len(t, got.Transitions[0].PostActions, 1)
		assert.Equal(t, "notification", got.Transitions[0].PostActions[0].Kind())

		_, err = store.GetDefinition(ctx, uuid.New().String())
		assert.ErrorIs(t, err, ErrNotFound)

		got.Status = models.DefinitionStatusDeprecated
		require.NoError(t, store.UpdateDefinition(ctx, got))
		got, err = store.GetDefinition(ctx, def.ID)
		require.NoError(t, err)
		assert.Equal(t, models.DefinitionStatusDeprecated, got.Status)

		defs, err := store.ListDefinitions(ctx, "")
		require.NoError(t, err)
		assert.Len(t, defs, 1)
	})

	inst := &models.WorkflowInstance{
		ID:             uuid.New().String(),
		DefinitionID:   def.ID,
		CurrentStateID: "s-draft",
		Status:         models.InstanceStatusActive,
		Record:         models.RecordReference{Kind: "batch", ID: "b-1"},
		ContextData:    map[string]any{"lot": "L-42"},
		StartedAt:      now,
		StartedBy:      "alice",
		StateEnteredAt: now,
		UpdatedAt:      now,
	}

	t.Run("instance roundtrip", func(t *testing.T) {
		require.NoError(t, store.CreateInstance(ctx, inst))

		got, err := store.GetInstance(ctx, inst.ID)
		require.NoError(t, err)
		assert.Equal(t, inst.Record, got.Record)
		assert.Equal(t, "L-42", got.ContextData["lot"])
		assert.Nil(t, got.StateDeadline)

		deadline := now.Add(24 * time.Hour)
		got.StateDeadline = &deadline
		got.UpdatedAt = now
		require.NoError(t, store.UpdateInstance(ctx, got))

		byRecord, err := store.ListInstancesByRecord(ctx, inst.Record)
		require.NoError(t, err)
		require.Len(t, byRecord, 1)
		assert.Equal(t, inst.ID, byRecord[0].ID)

		overdue, err := store.ListOverdueInstances(ctx, now.Add(25*time.Hour))
		require.NoError(t, err)
		require.Len(t, overdue, 1)

		overdue, err = store.ListOverdueInstances(ctx, now.Add(time.Hour))
		require.NoError(t, err)
		assert.Empty(t, overdue)
	})

	t.Run("history append only and ordered", func(t *testing.T) {
		first := &models.StateHistory{
			ID:             uuid.New().String(),
			InstanceID:     inst.ID,
			ToStateID:      "s-draft",
			Action:         models.HistoryActionStarted,
			TriggeredBy:    "alice",
			TransitionedAt: now,
		}
		first.Seal()
		second := &models.StateHistory{
			ID:             uuid.New().String(),
			InstanceID:     inst.ID,
			FromStateID:    "s-draft",
			ToStateID:      "s-done",
			TransitionID:   "t-finish",
			Action:         "finish",
			TriggeredBy:    "alice",
			TimeInState:    3 * time.Hour,
			TransitionedAt: now.Add(3 * time.Hour),
		}
		second.Seal()

		require.NoError(t, store.AppendHistory(ctx, first))
		require.NoError(t, store.AppendHistory(ctx, second))

		entries, err := store.ListHistory(ctx, inst.ID)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, models.HistoryActionStarted, entries[0].Action)
		assert.Equal(t, "finish", entries[1].Action)
		assert.Equal(t, 3*time.Hour, entries[1].TimeInState)
		assert.True(t, entries[0].VerifyChecksum())
		assert.True(t, entries[1].VerifyChecksum())
	})

	req := &models.ApprovalRequest{
		ID:             uuid.New().String(),
		InstanceID:     inst.ID,
		TransitionID:   "t-finish",
		Status:         models.ApprovalStatusPending,
		RequestedBy:    "alice",
		RequestedAt:    now,
		RequestNotes:   "please review",
		RecordSnapshot: map[string]any{"score": 92.0},
		UpdatedAt:      now,
	}

	t.Run("approval roundtrip", func(t *testing.T) {
		deadline := now.Add(72 * time.Hour)
		req.Deadline = &deadline
		require.NoError(t, store.CreateApprovalRequest(ctx, req))

		got, err := store.GetApprovalRequest(ctx, req.ID)
		require.NoError(t, err)
		assert.Equal(t, models.ApprovalStatusPending, got.Status)
		assert.Equal(t, 92.0, got.RecordSnapshot["score"])
		require.NotNil(t, got.Deadline)

		pending, err := store.ListPendingApprovals(ctx, inst.ID)
		require.NoError(t, err)
		require.Len(t, pending, 1)

		overdue, err := store.ListOverdueApprovals(ctx, now.Add(73*time.Hour))
		require.NoError(t, err)
		require.Len(t, overdue, 1)

		got.Status = models.ApprovalStatusApproved
		got.UpdatedAt = now
		require.NoError(t, store.UpdateApprovalRequest(ctx, got))

		pending, err = store.ListPendingApprovals(ctx, inst.ID)
		require.NoError(t, err)
		assert.Empty(t, pending)
	})

	t.Run("decisions append only", func(t *testing.T) {
		decision := &models.ApprovalDecision{
			ID:           uuid.New().String(),
			RequestID:    req.ID,
			Decision:     models.DecisionApproved,
			DecidedBy:    "bob",
			DecidedAt:    now,
			Comments:     "looks good",
			SignatureRef: "sig-1",
		}
		require.NoError(t, store.AppendDecision(ctx, decision))

		decisions, err := store.ListDecisions(ctx, req.ID)
		require.NoError(t, err)
		require.Len(t, decisions, 1)
		assert.Equal(t, "sig-1", decisions[0].SignatureRef)
	})

	t.Run("transaction rolls back together", func(t *testing.T) {
		ghost := &models.WorkflowInstance{
			ID:             uuid.New().String(),
			DefinitionID:   def.ID,
			CurrentStateID: "s-draft",
			Status:         models.InstanceStatusActive,
			Record:         models.RecordReference{Kind: "batch", ID: "b-ghost"},
			StartedAt:      now,
			StartedBy:      "alice",
			StateEnteredAt: now,
			UpdatedAt:      now,
		}
		boom := errors.New("boom")
		err := store.InTx(ctx, func(s Store) error {
			if err := s.CreateInstance(ctx, ghost); err != nil {
				return err
			}
			return boom
		})
		require.ErrorIs(t, err, boom)

		_, err = store.GetInstance(ctx, ghost.ID)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}
