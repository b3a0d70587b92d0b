package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/recordflow/recordflow/internal/catalog"
	"github.com/recordflow/recordflow/internal/config"
	"github.com/recordflow/recordflow/internal/logging"
	"github.com/recordflow/recordflow/internal/repository"
	"github.com/recordflow/recordflow/pkg/models"
)

// runSeed creates and activates the reference batch release workflow:
// draft -> review -> released/rejected, with an approval gate on release
// and an escalating review deadline. Re-running is a no-op if a definition
// with the same code already exists.
func runSeed(ctx context.Context) error {
	logger := logging.NewLogger()
	defer logger.Sync()

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	pool, err := initDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	store := repository.NewPostgres(pool)
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	existing, err := store.ListDefinitions(ctx, "")
	if err != nil {
		return fmt.Errorf("failed to list existing definitions: %w", err)
	}
	for _, def := range existing {
		if def.Code == "batch_release" {
			logger.Info("skipping existing definition", "code", def.Code, "version", def.Version)
			return nil
		}
	}

	def := batchReleaseDefinition()
	if err := catalog.Activate(def, time.Now()); err != nil {
		return fmt.Errorf("seed definition failed validation: %w", err)
	}
	if err := store.CreateDefinition(ctx, def); err != nil {
		return fmt.Errorf("failed to create definition: %w", err)
	}
	logger.Info("seeded definition", "code", def.Code, "id", def.ID)
	return nil
}

func batchReleaseDefinition() *models.WorkflowDefinition {
	draftID := uuid.New().String()
	reviewID := uuid.New().String()
	releasedID := uuid.New().String()
	rejectedID := uuid.New().String()
	releaseTrID := uuid.New().String()
	now := time.Now()

	return &models.WorkflowDefinition{
		ID:          uuid.New().String(),
		Code:        "batch_release",
		Name:        "Batch Release Review",
		Description: "Release review for manufactured batch records",
		Version:     1,
		Status:      models.DefinitionStatusDraft,
		CreatedBy:   "seed-script",
		CreatedAt:   now,
		UpdatedAt:   now,
		States: []models.State{
			{ID: draftID, Code: "draft", Name: "Draft", IsInitial: true},
			{
				ID:   reviewID,
				Code: "review",
				Name: "In Review",
				// A review sitting for five days escalates to QA management.
				TimeoutDuration: 120 * time.Hour,
				TimeoutAction:   models.TimeoutActionEscalate,
			},
			{ID: releasedID, Code: "released", Name: "Released", IsTerminal: true},
			{ID: rejectedID, Code: "rejected", Name: "Rejected", IsTerminal: true},
		},
		Transitions: []models.Transition{
			{
				ID:                 uuid.New().String(),
				Code:               "submit",
				Name:               "Submit for Review",
				FromStateID:        draftID,
				ToStateID:          reviewID,
				RequiredPermission: "records.submit",
				Condition:          json.RawMessage(`{"==": [{"var": ["review_complete", false]}, true]}`),
				PostActions: models.ActionList{
					models.NotificationAction{Recipients: []string{"qa_reviewer"}, Template: "batch_submitted"},
				},
			},
			{
				ID:               releaseTrID,
				Code:             "release",
				Name:             "Release Batch",
				FromStateID:      reviewID,
				ToStateID:        releasedID,
				RequiredRoles:    []string{"qa_lead"},
				RequiresApproval: true,
				ApprovalRule: &models.ApprovalRule{
					ID:                 uuid.New().String(),
					Name:               "QA release approval",
					Policy:             models.ApprovalPolicySingle,
					ApproverRoles:      []string{"qa_lead"},
					EscalationDuration: 72 * time.Hour,
					EscalationRoles:    []string{"qa_director"},
				},
				PostActions: models.ActionList{
					models.UpdateFieldAction{Field: "release_status", Value: "released"},
				},
			},
			{
				ID:            uuid.New().String(),
				Code:          "reject",
				Name:          "Reject Batch",
				FromStateID:   reviewID,
				ToStateID:     rejectedID,
				RequiredRoles: []string{"qa_lead", "qa_reviewer"},
				PostActions: models.ActionList{
					models.UpdateFieldAction{Field: "release_status", Value: "rejected"},
					models.NotificationAction{Recipients: []string{"production"}, Template: "batch_rejected"},
				},
			},
		},
	}
}
