package workflow

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/pitabwire/docket/model"
)

// testNow is a Monday.
var testNow = time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

const (
	testFirm   = "firm-1"
	testMatter = "matter-1"
	testActor  = "user-alice"
)

// testEnv wires an engine to a memory store with a controllable clock and
// sequential ids.
type testEnv struct {
	t      *testing.T
	ctx    context.Context
	store  *MemoryStore
	engine *Engine
	now    time.Time
	ids    int
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	env := &testEnv{
		t:     t,
		ctx:   context.Background(),
		store: NewMemoryStore(),
		now:   testNow,
	}
	base := []Option{
		WithClock(func() time.Time { return env.now }),
		WithIDGenerator(env.nextID),
	}
	env.engine = NewEngine(append(base, opts...)...)
	return env
}

func (env *testEnv) nextID() string {
	env.ids++
	return fmt.Sprintf("id-%03d", env.ids)
}

// tx runs fn in a transaction and fails the test on error.
func (env *testEnv) tx(fn func(tx Tx) error) {
	env.t.Helper()
	if err := env.store.InTx(env.ctx, fn); err != nil {
		env.t.Fatalf("InTx() error = %v", err)
	}
}

func (env *testEnv) publish(tpl model.WorkflowTemplate) {
	env.t.Helper()
	env.tx(func(tx Tx) error { return tx.CreateWorkflowTemplate(env.ctx, tpl) })
}

func (env *testEnv) activate(templateID string, conditions map[string]any) ActivationResult {
	env.t.Helper()
	var result ActivationResult
	env.tx(func(tx Tx) error {
		var err error
		result, err = env.engine.ActivateWorkflow(env.ctx, tx, ActivateParams{
			FirmID:             testFirm,
			MatterID:           testMatter,
			WorkflowTemplateID: templateID,
			ActivatedByID:      testActor,
			Conditions:         conditions,
		})
		return err
	})
	return result
}

func (env *testEnv) setTaskStatus(taskID string, status model.TaskStatus) ProgressionResult {
	env.t.Helper()
	var result ProgressionResult
	env.tx(func(tx Tx) error {
		var err error
		result, err = env.engine.UpdateTaskStatus(env.ctx, tx, TaskStatusChange{
			TaskID:     taskID,
			TaskStatus: status,
			ActorID:    testActor,
		})
		return err
	})
	return result
}

func (env *testEnv) stage(id string) model.MatterStage {
	env.t.Helper()
	var stage model.MatterStage
	env.tx(func(tx Tx) error {
		var err error
		stage, err = tx.GetMatterStage(env.ctx, id)
		return err
	})
	return stage
}

func (env *testEnv) workflow(id string) model.MatterWorkflow {
	env.t.Helper()
	var wf model.MatterWorkflow
	env.tx(func(tx Tx) error {
		var err error
		wf, err = tx.GetMatterWorkflow(env.ctx, id)
		return err
	})
	return wf
}

func (env *testEnv) tasks(stageID string) []model.Task {
	env.t.Helper()
	var tasks []model.Task
	env.tx(func(tx Tx) error {
		var err error
		tasks, err = tx.ListTasksByStage(env.ctx, stageID)
		return err
	})
	return tasks
}

func (env *testEnv) events() []model.TimelineEvent {
	env.t.Helper()
	var events []model.TimelineEvent
	env.tx(func(tx Tx) error {
		var err error
		events, err = tx.ListTimelineEvents(env.ctx, testFirm, testMatter)
		return err
	})
	return events
}

func (env *testEnv) exceptions(stageID string) []model.Exception {
	env.t.Helper()
	var excs []model.Exception
	env.tx(func(tx Tx) error {
		var err error
		excs, err = tx.ListExceptions(env.ctx, model.ObjectMatterStage, stageID)
		return err
	})
	return excs
}

func eventTypes(events []model.TimelineEvent) []string {
	types := make([]string, len(events))
	for i, e := range events {
		types[i] = e.Type
	}
	return types
}

func intPtr(n int) *int { return &n }

func deref(s *string) string {
	if s == nil {
		return "<nil>"
	}
	return *s
}

// conveyancingTemplate has three stages. Searches only applies when
// hasProperty is true.
//
//	Instruction (hard): Client ID check (mandatory), Welcome call
//	Searches    (none): Local authority search (mandatory, stage_started + 3)
//	Completion  (hard): Transfer funds (mandatory)
func conveyancingTemplate() model.WorkflowTemplate {
	return model.WorkflowTemplate{
		ID:       "tpl-conv-1",
		Key:      "conveyancing",
		Version:  1,
		Name:     "Conveyancing",
		IsActive: true,
		Stages: []model.StageTemplate{
			{
				ID:        "st-instruction",
				Name:      "Instruction",
				SortOrder: 1,
				GateType:  model.GateHard,
				TaskTemplates: []model.TaskTemplate{
					{
						ID: "tt-id-check", Title: "Client ID check", SortOrder: 1, IsMandatory: true,
						DefaultPriority: model.PriorityHigh,
						RelativeDueDays: intPtr(5), DueDateRelativeTo: model.AnchorMatterCreated,
					},
					{ID: "tt-welcome", Title: "Welcome call", SortOrder: 2},
				},
			},
			{
				ID:                      "st-searches",
				Name:                    "Searches",
				SortOrder:               2,
				GateType:                model.GateNone,
				ApplicabilityConditions: model.Conditions{{Key: "hasProperty", Value: true}},
				TaskTemplates: []model.TaskTemplate{
					{
						ID: "tt-la-search", Title: "Local authority search", SortOrder: 1, IsMandatory: true,
						RelativeDueDays: intPtr(3), DueDateRelativeTo: model.AnchorStageStarted,
					},
				},
			},
			{
				ID:        "st-completion",
				Name:      "Completion",
				SortOrder: 3,
				GateType:  model.GateHard,
				TaskTemplates: []model.TaskTemplate{
					{ID: "tt-funds", Title: "Transfer funds", SortOrder: 1, IsMandatory: true},
				},
			},
		},
	}
}

// taskByTemplate returns the task created from a task template.
func taskByTemplate(t *testing.T, tasks []model.Task, taskTemplateID string) model.Task {
	t.Helper()
	for _, task := range tasks {
		if task.TaskTemplateID == taskTemplateID {
			return task
		}
	}
	t.Fatalf("no task created from template %q", taskTemplateID)
	return model.Task{}
}
