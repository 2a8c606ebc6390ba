package workflow

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/docket/internal/observability"
	"github.com/pitabwire/docket/model"
)

// ActivateParams describes a workflow activation on a matter.
type ActivateParams struct {
	FirmID             string
	MatterID           string
	WorkflowTemplateID string
	ActivatedByID      string

	// Conditions is the matter context applicability conditions are
	// evaluated against. Nil is treated as empty.
	Conditions map[string]any

	MatterCreatedAt *time.Time
	MatterOpenedAt  *time.Time
}

// ActivationResult holds everything created by an activation.
type ActivationResult struct {
	MatterWorkflow model.MatterWorkflow `json:"matter_workflow"`
	Stages         []model.MatterStage  `json:"stages"`
	Tasks          []model.Task         `json:"tasks"`
	SkippedStages  []model.MatterStage  `json:"skipped_stages"`

	// Existing is set when the duplicate policy returned a prior instance
	// instead of creating one.
	Existing bool `json:"existing,omitempty"`
}

// ActivateWorkflow instantiates a template on a matter: one stage per stage
// template, in ascending sort order, with tasks for every applicable stage
// and a not_applicable exception for every skipped one. The workflow's
// current stage is the first applicable stage.
func (e *Engine) ActivateWorkflow(ctx context.Context, tx Tx, params ActivateParams) (result ActivationResult, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.ActivateWorkflow",
		observability.AttrFirmID.String(params.FirmID),
		observability.AttrMatterID.String(params.MatterID),
		observability.AttrTemplateID.String(params.WorkflowTemplateID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	tpl, err := tx.GetWorkflowTemplate(ctx, params.WorkflowTemplateID)
	if err != nil {
		return ActivationResult{}, err
	}
	switch e.duplicatePolicy {
	case DuplicateReject, DuplicateReturnExisting:
		existing, err := tx.FindMatterWorkflows(ctx, params.FirmID, params.MatterID, tpl.Key)
		if err != nil {
			return ActivationResult{}, fmt.Errorf("find existing workflows: %w", err)
		}
		if len(existing) > 0 {
			if e.duplicatePolicy == DuplicateReject {
				e.recordActivation(tpl.Key, "rejected")
				return ActivationResult{}, model.NewConflictError(fmt.Sprintf(
					"workflow %q is already active on matter %q", tpl.Key, params.MatterID))
			}
			e.recordActivation(tpl.Key, "existing")
			return e.loadActivation(ctx, tx, existing[0])
		}
	}

	// Deactivation stops new instances only; the duplicate policy above
	// still answers for instances that already exist.
	if !tpl.IsActive {
		return ActivationResult{}, model.NewTemplateInactiveError(fmt.Sprintf(
			"workflow template %q version %d is inactive", tpl.Key, tpl.Version))
	}

	stageTemplates, err := tx.ListStageTemplates(ctx, tpl.ID)
	if err != nil {
		return ActivationResult{}, fmt.Errorf("list stage templates for %q: %w", tpl.ID, err)
	}

	matterContext := params.Conditions
	if matterContext == nil {
		matterContext = map[string]any{}
	}

	now := e.now()
	wf := model.MatterWorkflow{
		ID:                 e.newID(),
		FirmID:             params.FirmID,
		MatterID:           params.MatterID,
		WorkflowTemplateID: tpl.ID,
		TemplateKey:        tpl.Key,
		TemplateVersion:    tpl.Version,
		ActivatedByID:      params.ActivatedByID,
		ActivatedAt:        now,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := tx.CreateMatterWorkflow(ctx, wf); err != nil {
		return ActivationResult{}, fmt.Errorf("create matter workflow: %w", err)
	}

	result = ActivationResult{
		Stages:        []model.MatterStage{},
		Tasks:         []model.Task{},
		SkippedStages: []model.MatterStage{},
	}
	anchors := DueDateAnchors{
		MatterCreatedAt: params.MatterCreatedAt,
		MatterOpenedAt:  params.MatterOpenedAt,
	}

	var firstApplicableStageID string
	for _, st := range stageTemplates {
		stage := model.MatterStage{
			ID:               e.newID(),
			FirmID:           params.FirmID,
			MatterID:         params.MatterID,
			MatterWorkflowID: wf.ID,
			StageTemplateID:  st.ID,
			Name:             st.Name,
			SortOrder:        st.SortOrder,
			Status:           model.StageStatusPending,
			CreatedAt:        now,
			UpdatedAt:        now,
		}

		if !Evaluate(st.ApplicabilityConditions, matterContext) {
			stage.Status = model.StageStatusSkipped
			stage.SkippedReason = BuildSkipReason(st.ApplicabilityConditions, matterContext)
			if err := e.skipStage(ctx, tx, stage, params.ActivatedByID, now); err != nil {
				return ActivationResult{}, err
			}
			result.Stages = append(result.Stages, stage)
			result.SkippedStages = append(result.SkippedStages, stage)
			continue
		}

		if err := tx.CreateMatterStage(ctx, stage); err != nil {
			return ActivationResult{}, fmt.Errorf("create stage %q: %w", st.Name, err)
		}
		if firstApplicableStageID == "" {
			firstApplicableStageID = stage.ID
		}
		result.Stages = append(result.Stages, stage)

		taskTemplates, err := tx.ListTaskTemplates(ctx, st.ID)
		if err != nil {
			return ActivationResult{}, fmt.Errorf("list task templates for %q: %w", st.ID, err)
		}
		for _, tt := range taskTemplates {
			task, err := e.newTask(stage, tt, params.ActivatedByID, now, anchors)
			if err != nil {
				return ActivationResult{}, err
			}
			if err := tx.CreateTask(ctx, task); err != nil {
				return ActivationResult{}, fmt.Errorf("create task %q: %w", tt.Title, err)
			}
			result.Tasks = append(result.Tasks, task)
		}
	}

	if firstApplicableStageID != "" {
		wf.CurrentStageID = stringPtr(firstApplicableStageID)
		if err := tx.UpdateMatterWorkflow(ctx, wf); err != nil {
			return ActivationResult{}, fmt.Errorf("set current stage: %w", err)
		}
	}
	result.MatterWorkflow = wf

	if err := e.emit(ctx, tx, model.TimelineEvent{
		FirmID:     params.FirmID,
		MatterID:   params.MatterID,
		Type:       model.EventWorkflowActivated,
		Title:      "Workflow activated: " + tpl.Name,
		ActorType:  actorType(params.ActivatedByID),
		ActorID:    params.ActivatedByID,
		EntityType: model.ObjectMatterWorkflow,
		EntityID:   wf.ID,
		Metadata: map[string]any{
			"templateKey":     tpl.Key,
			"templateVersion": tpl.Version,
			"totalStages":     len(result.Stages),
			"skippedStages":   len(result.SkippedStages),
			"totalTasks":      len(result.Tasks),
		},
		OccurredAt: now,
	}); err != nil {
		return ActivationResult{}, err
	}

	e.recordActivation(tpl.Key, "created")
	if e.metrics != nil && len(result.SkippedStages) > 0 {
		e.metrics.RecordStageTransition(string(model.StageStatusSkipped), len(result.SkippedStages))
	}
	e.log(ctx).Info("workflow activated",
		zap.String("workflow_id", wf.ID),
		zap.String("matter_id", params.MatterID),
		zap.String("template_key", tpl.Key),
		zap.Int("template_version", tpl.Version),
		zap.Int("stages", len(result.Stages)),
		zap.Int("skipped", len(result.SkippedStages)),
		zap.Int("tasks", len(result.Tasks)),
	)
	return result, nil
}

func (e *Engine) skipStage(ctx context.Context, tx Tx, stage model.MatterStage, actorID string, now time.Time) error {
	if err := tx.CreateMatterStage(ctx, stage); err != nil {
		return fmt.Errorf("create skipped stage %q: %w", stage.Name, err)
	}

	if err := tx.CreateException(ctx, model.Exception{
		ID:             e.newID(),
		FirmID:         stage.FirmID,
		MatterID:       stage.MatterID,
		ObjectType:     model.ObjectMatterStage,
		ObjectID:       stage.ID,
		ExceptionType:  model.ExceptionNotApplicable,
		Reason:         stage.SkippedReason,
		DecisionSource: model.DecisionSystem,
		ApprovedByID:   actorID,
		ApprovedAt:     now,
		CreatedAt:      now,
	}); err != nil {
		return fmt.Errorf("create not_applicable exception: %w", err)
	}

	return e.emit(ctx, tx, model.TimelineEvent{
		FirmID:      stage.FirmID,
		MatterID:    stage.MatterID,
		Type:        model.EventStageSkipped,
		Title:       "Stage skipped: " + stage.Name,
		Description: stage.SkippedReason,
		EntityType:  model.ObjectMatterStage,
		EntityID:    stage.ID,
		OccurredAt:  now,
	})
}

func (e *Engine) newTask(stage model.MatterStage, tt model.TaskTemplate, createdByID string, now time.Time, anchors DueDateAnchors) (model.Task, error) {
	priority, err := model.ParseTaskPriority(string(tt.DefaultPriority))
	if err != nil {
		return model.Task{}, model.NewValidationError([]model.FieldError{{
			Field: "default_priority", Code: "INVALID", Message: err.Error(),
		}})
	}

	task := model.Task{
		ID:               e.newID(),
		FirmID:           stage.FirmID,
		MatterID:         stage.MatterID,
		MatterStageID:    stage.ID,
		TaskTemplateID:   tt.ID,
		Title:            tt.Title,
		Description:      tt.Description,
		Status:           model.TaskStatusPending,
		Priority:         priority,
		IsMandatory:      tt.IsMandatory,
		RequiresEvidence: tt.RequiresEvidence,
		RequiresApproval: tt.RequiresApproval,
		CreatedByID:      createdByID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if tt.RelativeDueDays != nil {
		anchor, err := model.ParseDueDateAnchor(string(tt.DueDateRelativeTo))
		if err != nil {
			return model.Task{}, model.NewValidationError([]model.FieldError{{
				Field: "due_date_relative_to", Code: "INVALID", Message: err.Error(),
			}})
		}
		anchors.StageStartedAt = stage.StartedAt
		task.DueDate = timePtr(CalculateDueDate(*tt.RelativeDueDays, anchor, now, anchors))
	}
	return task, nil
}

// loadActivation rebuilds an ActivationResult for an existing workflow.
func (e *Engine) loadActivation(ctx context.Context, tx Tx, wf model.MatterWorkflow) (ActivationResult, error) {
	stages, err := tx.ListMatterStages(ctx, wf.ID)
	if err != nil {
		return ActivationResult{}, fmt.Errorf("list stages for workflow %q: %w", wf.ID, err)
	}

	result := ActivationResult{
		MatterWorkflow: wf,
		Stages:         stages,
		Tasks:          []model.Task{},
		SkippedStages:  []model.MatterStage{},
		Existing:       true,
	}
	for _, stage := range stages {
		if stage.Status == model.StageStatusSkipped {
			result.SkippedStages = append(result.SkippedStages, stage)
			continue
		}
		tasks, err := tx.ListTasksByStage(ctx, stage.ID)
		if err != nil {
			return ActivationResult{}, fmt.Errorf("list tasks for stage %q: %w", stage.ID, err)
		}
		result.Tasks = append(result.Tasks, tasks...)
	}
	return result, nil
}

func (e *Engine) recordActivation(templateKey, outcome string) {
	if e.metrics != nil {
		e.metrics.RecordActivation(templateKey, outcome)
	}
}
