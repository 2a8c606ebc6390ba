package workflow

import (
	"context"

	"github.com/pitabwire/docket/model"
)

// Store opens transactions against the workflow tables.
type Store interface {
	// InTx runs fn inside a single transaction. The transaction commits when
	// fn returns nil and rolls back otherwise; fn's error is returned as-is.
	InTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is a transactional handle over templates, workflow instances, stages,
// tasks, exceptions, and timeline events. Lookups of a single row return
// NOT_FOUND when the row does not exist. List methods return rows in
// ascending sort order.
type Tx interface {
	// CreateWorkflowTemplate persists a template with its stages and task
	// templates. Returns CONFLICT if (key, version) already exists.
	CreateWorkflowTemplate(ctx context.Context, tpl model.WorkflowTemplate) error

	// GetWorkflowTemplate returns the template header without stages.
	GetWorkflowTemplate(ctx context.Context, templateID string) (model.WorkflowTemplate, error)

	// FindWorkflowTemplate returns the template header for (key, version).
	FindWorkflowTemplate(ctx context.Context, key string, version int) (model.WorkflowTemplate, error)

	// FindLatestActiveWorkflowTemplate returns the header of the highest
	// active version of key.
	FindLatestActiveWorkflowTemplate(ctx context.Context, key string) (model.WorkflowTemplate, error)

	// SetWorkflowTemplateActive toggles whether a template can be activated.
	SetWorkflowTemplateActive(ctx context.Context, templateID string, active bool) error

	// ListStageTemplates returns the template's stages without task templates.
	ListStageTemplates(ctx context.Context, templateID string) ([]model.StageTemplate, error)

	// GetStageTemplate returns a stage template without task templates.
	GetStageTemplate(ctx context.Context, stageTemplateID string) (model.StageTemplate, error)

	// ListTaskTemplates returns the task templates of a stage template.
	ListTaskTemplates(ctx context.Context, stageTemplateID string) ([]model.TaskTemplate, error)

	// GetTaskTemplate returns a single task template.
	GetTaskTemplate(ctx context.Context, taskTemplateID string) (model.TaskTemplate, error)

	CreateMatterWorkflow(ctx context.Context, wf model.MatterWorkflow) error
	GetMatterWorkflow(ctx context.Context, workflowID string) (model.MatterWorkflow, error)
	UpdateMatterWorkflow(ctx context.Context, wf model.MatterWorkflow) error

	// FindMatterWorkflows returns the instances of a template key activated
	// on a matter, oldest first.
	FindMatterWorkflows(ctx context.Context, firmID, matterID, templateKey string) ([]model.MatterWorkflow, error)

	CreateMatterStage(ctx context.Context, stage model.MatterStage) error
	GetMatterStage(ctx context.Context, stageID string) (model.MatterStage, error)

	// GetMatterStageForUpdate is GetMatterStage holding a row lock until the
	// transaction ends, so progression on one stage is serialised.
	GetMatterStageForUpdate(ctx context.Context, stageID string) (model.MatterStage, error)

	UpdateMatterStage(ctx context.Context, stage model.MatterStage) error
	ListMatterStages(ctx context.Context, workflowID string) ([]model.MatterStage, error)

	CreateTask(ctx context.Context, task model.Task) error
	GetTask(ctx context.Context, taskID string) (model.Task, error)
	UpdateTask(ctx context.Context, task model.Task) error

	// ListTasksByStage returns the tasks currently bound to a stage, oldest
	// first.
	ListTasksByStage(ctx context.Context, stageID string) ([]model.Task, error)

	CreateException(ctx context.Context, exc model.Exception) error
	ListExceptions(ctx context.Context, objectType, objectID string) ([]model.Exception, error)

	CreateTimelineEvent(ctx context.Context, event model.TimelineEvent) error
	ListTimelineEvents(ctx context.Context, firmID, matterID string) ([]model.TimelineEvent, error)
}

// TimelineSink receives timeline events emitted by the engine. Events are
// written inside the caller's transaction.
type TimelineSink interface {
	CreateTimelineEvent(ctx context.Context, tx Tx, event model.TimelineEvent) error
}

// TxTimelineSink writes timeline events through the transaction itself.
type TxTimelineSink struct{}

// CreateTimelineEvent persists the event with tx.
func (TxTimelineSink) CreateTimelineEvent(ctx context.Context, tx Tx, event model.TimelineEvent) error {
	return tx.CreateTimelineEvent(ctx, event)
}

// TaskResolver reports whether a task status counts as resolved.
type TaskResolver func(status model.TaskStatus) bool
