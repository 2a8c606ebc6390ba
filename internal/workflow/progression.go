package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/docket/internal/observability"
	"github.com/pitabwire/docket/model"
)

// TaskStatusChange reports that a task bound to a stage changed status.
type TaskStatusChange struct {
	MatterStageID string
	TaskID        string
	TaskStatus    model.TaskStatus
	ActorID       string
}

// ProgressionResult describes the stage transitions triggered by a task
// status change.
type ProgressionResult struct {
	StageStarted     bool    `json:"stage_started"`
	StageCompleted   bool    `json:"stage_completed"`
	NextStageStarted bool    `json:"next_stage_started"`
	CurrentStageID   *string `json:"current_stage_id"`
}

// UpdateTaskStatus persists a new status on a task and then runs
// HandleTaskStatusChange for the stage it is bound to.
func (e *Engine) UpdateTaskStatus(ctx context.Context, tx Tx, change TaskStatusChange) (ProgressionResult, error) {
	status, err := model.ParseTaskStatus(string(change.TaskStatus))
	if err != nil {
		return ProgressionResult{}, model.NewValidationError([]model.FieldError{{
			Field: "status", Code: "INVALID", Message: err.Error(),
		}})
	}

	task, err := tx.GetTask(ctx, change.TaskID)
	if err != nil {
		return ProgressionResult{}, err
	}
	if change.MatterStageID != "" && task.MatterStageID != change.MatterStageID {
		return ProgressionResult{}, model.NewBadRequestError(fmt.Sprintf(
			"task %q is not bound to stage %q", task.ID, change.MatterStageID))
	}

	if task.Status != status {
		task.Status = status
		task.UpdatedAt = e.now()
		if err := tx.UpdateTask(ctx, task); err != nil {
			return ProgressionResult{}, fmt.Errorf("update task %q: %w", task.ID, err)
		}
	}

	change.MatterStageID = task.MatterStageID
	change.TaskStatus = status
	return e.HandleTaskStatusChange(ctx, tx, change)
}

// HandleTaskStatusChange starts a pending stage when one of its tasks goes
// in progress, completes the stage once its completion criteria are met, and
// then tries to start the next stage. It is a no-op for missing and skipped
// stages.
func (e *Engine) HandleTaskStatusChange(ctx context.Context, tx Tx, change TaskStatusChange) (result ProgressionResult, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.HandleTaskStatusChange",
		observability.AttrStageID.String(change.MatterStageID),
		observability.AttrTaskStatus.String(string(change.TaskStatus)),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	stage, err := tx.GetMatterStageForUpdate(ctx, change.MatterStageID)
	if model.IsNotFound(err) {
		return ProgressionResult{}, nil
	}
	if err != nil {
		return ProgressionResult{}, err
	}
	if stage.Status == model.StageStatusSkipped {
		return ProgressionResult{}, nil
	}
	if e.metrics != nil {
		e.metrics.RecordTaskStatusChange(string(change.TaskStatus))
	}

	if change.TaskStatus == model.TaskStatusInProgress && stage.Status == model.StageStatusPending {
		if stage, err = e.startStage(ctx, tx, stage, change.ActorID); err != nil {
			return ProgressionResult{}, err
		}
		result.StageStarted = true
	}

	completion, err := e.stageCompletion(ctx, tx, stage)
	if err != nil {
		return ProgressionResult{}, err
	}

	if completion.IsComplete && stage.Status != model.StageStatusCompleted {
		if stage, err = e.completeStage(ctx, tx, stage, change.ActorID); err != nil {
			return ProgressionResult{}, err
		}
		result.StageCompleted = true

		result.NextStageStarted, result.CurrentStageID, err = e.tryStartNextStage(ctx, tx, stage, change.ActorID)
		if err != nil {
			return ProgressionResult{}, err
		}
		return result, nil
	}

	result.CurrentStageID, err = e.recomputeCurrentStageID(ctx, tx, stage.MatterWorkflowID)
	if err != nil {
		return ProgressionResult{}, err
	}
	return result, nil
}

// StartStage moves a pending stage to in_progress.
func (e *Engine) StartStage(ctx context.Context, tx Tx, stageID, actorID string) (model.MatterStage, error) {
	stage, err := tx.GetMatterStageForUpdate(ctx, stageID)
	if err != nil {
		return model.MatterStage{}, err
	}
	if stage.Status != model.StageStatusPending {
		return model.MatterStage{}, model.NewConflictError(fmt.Sprintf(
			"stage %q is %s, only pending stages can be started", stage.Name, stage.Status))
	}
	return e.startStage(ctx, tx, stage, actorID)
}

// CompleteStage marks a pending or in-progress stage completed. Completion
// criteria are not checked.
func (e *Engine) CompleteStage(ctx context.Context, tx Tx, stageID, actorID string) (model.MatterStage, error) {
	stage, err := tx.GetMatterStageForUpdate(ctx, stageID)
	if err != nil {
		return model.MatterStage{}, err
	}
	if stage.Status.IsTerminal() {
		return model.MatterStage{}, model.NewConflictError(fmt.Sprintf(
			"stage %q is already %s", stage.Name, stage.Status))
	}
	return e.completeStage(ctx, tx, stage, actorID)
}

func (e *Engine) startStage(ctx context.Context, tx Tx, stage model.MatterStage, actorID string) (model.MatterStage, error) {
	now := e.now()
	stage.Status = model.StageStatusInProgress
	if stage.StartedAt == nil {
		stage.StartedAt = timePtr(now)
	}
	stage.StartedByID = actorID
	stage.UpdatedAt = now
	if err := tx.UpdateMatterStage(ctx, stage); err != nil {
		return model.MatterStage{}, fmt.Errorf("start stage %q: %w", stage.ID, err)
	}

	if err := e.setCurrentStage(ctx, tx, stage.MatterWorkflowID, stringPtr(stage.ID)); err != nil {
		return model.MatterStage{}, err
	}
	if err := e.recomputeStageDueDates(ctx, tx, stage, now); err != nil {
		return model.MatterStage{}, err
	}

	if err := e.emit(ctx, tx, model.TimelineEvent{
		FirmID:     stage.FirmID,
		MatterID:   stage.MatterID,
		Type:       model.EventStageStarted,
		Title:      "Stage started: " + stage.Name,
		ActorType:  actorType(actorID),
		ActorID:    actorID,
		EntityType: model.ObjectMatterStage,
		EntityID:   stage.ID,
		OccurredAt: now,
	}); err != nil {
		return model.MatterStage{}, err
	}

	if e.metrics != nil {
		e.metrics.RecordStageTransition(string(model.StageStatusInProgress), 1)
	}
	e.log(ctx).Info("stage started",
		zap.String("stage_id", stage.ID),
		zap.String("workflow_id", stage.MatterWorkflowID),
		zap.String("stage", stage.Name),
	)
	return stage, nil
}

func (e *Engine) completeStage(ctx context.Context, tx Tx, stage model.MatterStage, actorID string) (model.MatterStage, error) {
	now := e.now()
	stage.Status = model.StageStatusCompleted
	if stage.CompletedAt == nil {
		stage.CompletedAt = timePtr(now)
	}
	stage.CompletedByID = actorID
	stage.UpdatedAt = now
	if err := tx.UpdateMatterStage(ctx, stage); err != nil {
		return model.MatterStage{}, fmt.Errorf("complete stage %q: %w", stage.ID, err)
	}

	if err := e.emit(ctx, tx, model.TimelineEvent{
		FirmID:     stage.FirmID,
		MatterID:   stage.MatterID,
		Type:       model.EventStageCompleted,
		Title:      "Stage completed: " + stage.Name,
		ActorType:  actorType(actorID),
		ActorID:    actorID,
		EntityType: model.ObjectMatterStage,
		EntityID:   stage.ID,
		OccurredAt: now,
	}); err != nil {
		return model.MatterStage{}, err
	}

	if e.metrics != nil {
		e.metrics.RecordStageTransition(string(model.StageStatusCompleted), 1)
	}
	e.log(ctx).Info("stage completed",
		zap.String("stage_id", stage.ID),
		zap.String("workflow_id", stage.MatterWorkflowID),
		zap.String("stage", stage.Name),
	)
	return stage, nil
}

// recomputeStageDueDates re-anchors stage_started due dates on the stage's
// start time.
func (e *Engine) recomputeStageDueDates(ctx context.Context, tx Tx, stage model.MatterStage, now time.Time) error {
	tasks, err := tx.ListTasksByStage(ctx, stage.ID)
	if err != nil {
		return fmt.Errorf("list tasks for stage %q: %w", stage.ID, err)
	}
	for _, task := range tasks {
		if task.TaskTemplateID == "" {
			continue
		}
		tt, err := tx.GetTaskTemplate(ctx, task.TaskTemplateID)
		if model.IsNotFound(err) {
			continue
		}
		if err != nil {
			return fmt.Errorf("load task template %q: %w", task.TaskTemplateID, err)
		}
		if tt.RelativeDueDays == nil || tt.DueDateRelativeTo != model.AnchorStageStarted {
			continue
		}
		task.DueDate = timePtr(CalculateDueDate(*tt.RelativeDueDays, model.AnchorStageStarted, now,
			DueDateAnchors{StageStartedAt: stage.StartedAt}))
		task.UpdatedAt = now
		if err := tx.UpdateTask(ctx, task); err != nil {
			return fmt.Errorf("update due date of task %q: %w", task.ID, err)
		}
	}
	return nil
}

// nextStage returns the first non-skipped stage sorted after current.
func nextStage(stages []model.MatterStage, current model.MatterStage) (model.MatterStage, bool) {
	for _, s := range stages {
		if s.SortOrder > current.SortOrder && s.Status != model.StageStatusSkipped {
			return s, true
		}
	}
	return model.MatterStage{}, false
}

// tryStartNextStage starts the stage after completed when its gate allows
// it. The returned id is the workflow's current stage afterwards.
func (e *Engine) tryStartNextStage(ctx context.Context, tx Tx, completed model.MatterStage, actorID string) (bool, *string, error) {
	stages, err := tx.ListMatterStages(ctx, completed.MatterWorkflowID)
	if err != nil {
		return false, nil, fmt.Errorf("list stages for workflow %q: %w", completed.MatterWorkflowID, err)
	}

	next, ok := nextStage(stages, completed)
	if !ok {
		current, err := e.recomputeCurrentStageID(ctx, tx, completed.MatterWorkflowID)
		return false, current, err
	}

	gate, err := e.checkGate(ctx, tx, next)
	if err != nil {
		return false, nil, err
	}
	e.recordGate(gate)
	if gate.IsBlocked {
		e.log(ctx).Warn("next stage blocked by gate",
			zap.String("stage_id", next.ID),
			zap.String("blocked_by", gate.BlockedBy.StageID),
			zap.String("reason", gate.BlockedBy.Reason),
		)
		current, err := e.recomputeCurrentStageID(ctx, tx, completed.MatterWorkflowID)
		return false, current, err
	}

	if next.Status != model.StageStatusPending {
		current, err := e.recomputeCurrentStageID(ctx, tx, completed.MatterWorkflowID)
		return false, current, err
	}
	if _, err := e.startStage(ctx, tx, next, actorID); err != nil {
		return false, nil, err
	}
	return true, stringPtr(next.ID), nil
}

// recomputeCurrentStageID persists the first stage that is neither completed
// nor skipped as the workflow's current stage, or nil when none is left.
func (e *Engine) recomputeCurrentStageID(ctx context.Context, tx Tx, workflowID string) (*string, error) {
	stages, err := tx.ListMatterStages(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("list stages for workflow %q: %w", workflowID, err)
	}

	var current *string
	for _, s := range stages {
		if !s.Status.IsTerminal() {
			current = stringPtr(s.ID)
			break
		}
	}
	if err := e.setCurrentStage(ctx, tx, workflowID, current); err != nil {
		return nil, err
	}
	return current, nil
}

func (e *Engine) setCurrentStage(ctx context.Context, tx Tx, workflowID string, stageID *string) error {
	wf, err := tx.GetMatterWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	if equalStringPtr(wf.CurrentStageID, stageID) {
		return nil
	}
	wf.CurrentStageID = stageID
	wf.UpdatedAt = e.now()
	if err := tx.UpdateMatterWorkflow(ctx, wf); err != nil {
		return fmt.Errorf("update current stage of workflow %q: %w", workflowID, err)
	}
	return nil
}

func equalStringPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// AdvanceParams describes a manual advance of a workflow.
type AdvanceParams struct {
	MatterWorkflowID string
	ActorID          string

	// OverrideReason lets the advance pass a blocking gate. The override is
	// recorded as a gate_override exception.
	OverrideReason string
}

// AdvanceResult describes a manual advance.
type AdvanceResult struct {
	FromStageID    string           `json:"from_stage_id"`
	StageID        string           `json:"stage_id"`
	StageStarted   bool             `json:"stage_started"`
	Gate           GateResult       `json:"gate"`
	Override       *model.Exception `json:"override,omitempty"`
	CurrentStageID *string          `json:"current_stage_id"`
}

// AdvanceToNextStage moves a workflow from its current stage to the next
// non-skipped stage. A hard gate blocks the advance unless an override
// reason is given, in which case the override is recorded before the stage
// starts. Nothing is written when the advance fails.
func (e *Engine) AdvanceToNextStage(ctx context.Context, tx Tx, params AdvanceParams) (result AdvanceResult, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.AdvanceToNextStage",
		observability.AttrWorkflowID.String(params.MatterWorkflowID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	wf, err := tx.GetMatterWorkflow(ctx, params.MatterWorkflowID)
	if err != nil {
		return AdvanceResult{}, err
	}
	if wf.CurrentStageID == nil {
		return AdvanceResult{}, model.NewNoCurrentStageError(fmt.Sprintf(
			"workflow %q has no current stage", wf.ID))
	}

	current, err := tx.GetMatterStage(ctx, *wf.CurrentStageID)
	if model.IsNotFound(err) {
		return AdvanceResult{}, model.NewNotFoundError(fmt.Sprintf(
			"current stage %q of workflow %q not found", *wf.CurrentStageID, wf.ID))
	}
	if err != nil {
		return AdvanceResult{}, err
	}

	stages, err := tx.ListMatterStages(ctx, wf.ID)
	if err != nil {
		return AdvanceResult{}, fmt.Errorf("list stages for workflow %q: %w", wf.ID, err)
	}
	next, ok := nextStage(stages, current)
	if !ok {
		return AdvanceResult{}, model.NewNoNextStageError(fmt.Sprintf(
			"stage %q is the last stage of the workflow", current.Name))
	}

	gate, err := e.checkGate(ctx, tx, next)
	if err != nil {
		return AdvanceResult{}, err
	}
	e.recordGate(gate)

	override := strings.TrimSpace(params.OverrideReason)
	if gate.IsBlocked && override == "" {
		e.log(ctx).Warn("advance blocked by gate",
			zap.String("workflow_id", wf.ID),
			zap.String("stage_id", next.ID),
			zap.String("blocked_by", gate.BlockedBy.StageID),
		)
		return AdvanceResult{}, model.NewStageBlockedError(fmt.Sprintf(
			"Blocked by %s: %s", gate.BlockedBy.Name, gate.BlockedBy.Reason))
	}

	result = AdvanceResult{
		FromStageID: current.ID,
		StageID:     next.ID,
		Gate:        gate,
	}

	if override != "" && (gate.IsBlocked || len(gate.Warnings) > 0) {
		exc, err := e.OverrideGate(ctx, tx, OverrideParams{
			FirmID:        next.FirmID,
			MatterID:      next.MatterID,
			MatterStageID: next.ID,
			Reason:        override,
			ApprovedByID:  params.ActorID,
		})
		if err != nil {
			return AdvanceResult{}, err
		}
		result.Override = &exc
	}

	if next.Status == model.StageStatusPending {
		if _, err := e.startStage(ctx, tx, next, params.ActorID); err != nil {
			return AdvanceResult{}, err
		}
		result.StageStarted = true
	} else if err := e.setCurrentStage(ctx, tx, wf.ID, stringPtr(next.ID)); err != nil {
		return AdvanceResult{}, err
	}
	result.CurrentStageID = stringPtr(next.ID)

	e.log(ctx).Info("workflow advanced",
		zap.String("workflow_id", wf.ID),
		zap.String("from_stage_id", current.ID),
		zap.String("to_stage_id", next.ID),
		zap.Bool("overridden", result.Override != nil),
	)
	return result, nil
}

// AdvanceWithOverride advances past a blocking gate, recording the override
// and starting the next stage in the same transaction.
func (e *Engine) AdvanceWithOverride(ctx context.Context, tx Tx, params AdvanceParams) (AdvanceResult, error) {
	if strings.TrimSpace(params.OverrideReason) == "" {
		return AdvanceResult{}, model.NewValidationError([]model.FieldError{{
			Field: "override_reason", Code: "REQUIRED", Message: "override reason is required",
		}})
	}
	return e.AdvanceToNextStage(ctx, tx, params)
}
