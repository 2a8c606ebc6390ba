package workflow

import (
	"context"
	"fmt"
	"math"

	"github.com/pitabwire/docket/model"
)

// PendingTask is an unresolved task holding up a stage.
type PendingTask struct {
	ID          string           `json:"id"`
	Title       string           `json:"title"`
	Status      model.TaskStatus `json:"status"`
	IsMandatory bool             `json:"is_mandatory"`
}

// StageCompletion summarises task resolution for one stage.
type StageCompletion struct {
	IsComplete             bool          `json:"is_complete"`
	TotalTasks             int           `json:"total_tasks"`
	ResolvedTasks          int           `json:"resolved_tasks"`
	MandatoryTasks         int           `json:"mandatory_tasks"`
	ResolvedMandatoryTasks int           `json:"resolved_mandatory_tasks"`
	PendingTasks           []PendingTask `json:"pending_tasks"`
}

// IncompleteMandatory is the number of mandatory tasks not yet resolved.
func (c StageCompletion) IncompleteMandatory() int {
	return c.MandatoryTasks - c.ResolvedMandatoryTasks
}

// StageCompletionStatus pairs a stage with its completion summary.
type StageCompletionStatus struct {
	StageID    string            `json:"stage_id"`
	Name       string            `json:"name"`
	SortOrder  int               `json:"sort_order"`
	Status     model.StageStatus `json:"status"`
	Completion StageCompletion   `json:"completion"`
}

// WorkflowProgress aggregates mandatory-task progress over a workflow.
type WorkflowProgress struct {
	TotalStages            int `json:"total_stages"`
	CompletedStages        int `json:"completed_stages"`
	SkippedStages          int `json:"skipped_stages"`
	MandatoryTasks         int `json:"mandatory_tasks"`
	ResolvedMandatoryTasks int `json:"resolved_mandatory_tasks"`
	ProgressPercent        int `json:"progress_percent"`
}

// CheckStageCompletion applies the stage's completion criteria to the tasks
// currently bound to it.
func (e *Engine) CheckStageCompletion(ctx context.Context, tx Tx, stageID string) (StageCompletion, error) {
	stage, err := tx.GetMatterStage(ctx, stageID)
	if err != nil {
		return StageCompletion{}, err
	}
	return e.stageCompletion(ctx, tx, stage)
}

func (e *Engine) stageCompletion(ctx context.Context, tx Tx, stage model.MatterStage) (StageCompletion, error) {
	st, err := stageTemplateOrDefault(ctx, tx, stage)
	if err != nil {
		return StageCompletion{}, err
	}

	tasks, err := tx.ListTasksByStage(ctx, stage.ID)
	if err != nil {
		return StageCompletion{}, fmt.Errorf("list tasks for stage %q: %w", stage.ID, err)
	}

	c := StageCompletion{
		TotalTasks:   len(tasks),
		PendingTasks: []PendingTask{},
	}
	for _, task := range tasks {
		resolved := e.resolver(task.Status)
		if task.IsMandatory {
			c.MandatoryTasks++
		}
		if resolved {
			c.ResolvedTasks++
			if task.IsMandatory {
				c.ResolvedMandatoryTasks++
			}
			continue
		}
		c.PendingTasks = append(c.PendingTasks, PendingTask{
			ID:          task.ID,
			Title:       task.Title,
			Status:      task.Status,
			IsMandatory: task.IsMandatory,
		})
	}

	switch st.CompletionCriteria {
	case model.CriteriaAllTasks:
		c.IsComplete = c.ResolvedTasks == c.TotalTasks
	case model.CriteriaAllMandatoryTasks, model.CriteriaCustom:
		c.IsComplete = c.ResolvedMandatoryTasks == c.MandatoryTasks
	}
	return c, nil
}

// GetWorkflowCompletionStatus checks completion for every stage of a
// workflow, in ascending sort order.
func (e *Engine) GetWorkflowCompletionStatus(ctx context.Context, tx Tx, workflowID string) ([]StageCompletionStatus, error) {
	if _, err := tx.GetMatterWorkflow(ctx, workflowID); err != nil {
		return nil, err
	}
	stages, err := tx.ListMatterStages(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("list stages for workflow %q: %w", workflowID, err)
	}

	result := make([]StageCompletionStatus, 0, len(stages))
	for _, stage := range stages {
		c, err := e.stageCompletion(ctx, tx, stage)
		if err != nil {
			return nil, err
		}
		result = append(result, StageCompletionStatus{
			StageID:    stage.ID,
			Name:       stage.Name,
			SortOrder:  stage.SortOrder,
			Status:     stage.Status,
			Completion: c,
		})
	}
	return result, nil
}

// CalculateWorkflowProgress sums mandatory tasks over non-skipped stages.
// A workflow with no mandatory tasks is 100% complete.
func (e *Engine) CalculateWorkflowProgress(ctx context.Context, tx Tx, workflowID string) (WorkflowProgress, error) {
	statuses, err := e.GetWorkflowCompletionStatus(ctx, tx, workflowID)
	if err != nil {
		return WorkflowProgress{}, err
	}

	p := WorkflowProgress{TotalStages: len(statuses)}
	for _, s := range statuses {
		switch s.Status {
		case model.StageStatusSkipped:
			p.SkippedStages++
			continue
		case model.StageStatusCompleted:
			p.CompletedStages++
		}
		p.MandatoryTasks += s.Completion.MandatoryTasks
		p.ResolvedMandatoryTasks += s.Completion.ResolvedMandatoryTasks
	}

	if p.MandatoryTasks == 0 {
		p.ProgressPercent = 100
	} else {
		p.ProgressPercent = int(math.Round(float64(p.ResolvedMandatoryTasks) / float64(p.MandatoryTasks) * 100))
	}
	return p, nil
}
