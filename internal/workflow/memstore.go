package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pitabwire/docket/model"
)

// MemoryStore is an in-memory Store for testing and single-process use.
// Transactions are serialised and write in place; each write records how to
// undo itself, and the undo log is replayed when the transaction function
// fails or panics. A transaction costs what it writes, but list reads scan
// the whole table, so the store suits tests and small deployments.
// InTx must not be called re-entrantly from inside a transaction.
type MemoryStore struct {
	mu    sync.Mutex
	state *memState
}

type memState struct {
	templates      map[string]model.WorkflowTemplate
	stageTemplates map[string]model.StageTemplate
	taskTemplates  map[string]model.TaskTemplate
	workflows      map[string]model.MatterWorkflow
	stages         map[string]model.MatterStage
	tasks          map[string]model.Task
	exceptions     []model.Exception
	events         []model.TimelineEvent

	// seq records insertion order so "oldest first" reads are stable.
	seq     map[string]int64
	nextSeq int64
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: &memState{
			templates:      make(map[string]model.WorkflowTemplate),
			stageTemplates: make(map[string]model.StageTemplate),
			taskTemplates:  make(map[string]model.TaskTemplate),
			workflows:      make(map[string]model.MatterWorkflow),
			stages:         make(map[string]model.MatterStage),
			tasks:          make(map[string]model.Task),
			seq:            make(map[string]int64),
		},
	}
}

// InTx runs fn against the store and keeps its writes only if fn succeeds.
func (s *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{st: s.state}
	committed := false
	defer func() {
		if !committed {
			tx.rollback()
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	committed = true
	return nil
}

// HealthCheck always succeeds.
func (s *MemoryStore) HealthCheck(_ context.Context) error {
	return nil
}

// memTx is the Tx handed to MemoryStore transaction functions.
type memTx struct {
	st   *memState
	undo []func()
}

func (t *memTx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

// put sets m[k] and logs the previous value.
func put[V any](t *memTx, m map[string]V, k string, v V) {
	prev, had := m[k]
	t.undo = append(t.undo, func() {
		if had {
			m[k] = prev
		} else {
			delete(m, k)
		}
	})
	m[k] = v
}

func (t *memTx) mark(id string) {
	next := t.st.nextSeq
	t.undo = append(t.undo, func() { t.st.nextSeq = next })
	t.st.nextSeq++
	put(t, t.st.seq, id, t.st.nextSeq)
}

func (t *memTx) CreateWorkflowTemplate(_ context.Context, tpl model.WorkflowTemplate) error {
	if _, exists := t.st.templates[tpl.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("workflow template %q already exists", tpl.ID))
	}
	for _, existing := range t.st.templates {
		if existing.Key == tpl.Key && existing.Version == tpl.Version {
			return model.NewConflictError(
				fmt.Sprintf("workflow template %q version %d already exists", tpl.Key, tpl.Version),
			)
		}
	}

	for _, stage := range tpl.Stages {
		stage.WorkflowTemplateID = tpl.ID
		for _, task := range stage.TaskTemplates {
			task.StageTemplateID = stage.ID
			put(t, t.st.taskTemplates, task.ID, task)
		}
		stage.TaskTemplates = nil
		put(t, t.st.stageTemplates, stage.ID, stage)
	}
	tpl.Stages = nil
	put(t, t.st.templates, tpl.ID, tpl)
	return nil
}

func (t *memTx) GetWorkflowTemplate(_ context.Context, templateID string) (model.WorkflowTemplate, error) {
	tpl, ok := t.st.templates[templateID]
	if !ok {
		return model.WorkflowTemplate{}, model.NewNotFoundError(
			fmt.Sprintf("workflow template %q not found", templateID),
		)
	}
	return tpl, nil
}

func (t *memTx) FindWorkflowTemplate(_ context.Context, key string, version int) (model.WorkflowTemplate, error) {
	for _, tpl := range t.st.templates {
		if tpl.Key == key && tpl.Version == version {
			return tpl, nil
		}
	}
	return model.WorkflowTemplate{}, model.NewNotFoundError(
		fmt.Sprintf("workflow template %q version %d not found", key, version),
	)
}

func (t *memTx) FindLatestActiveWorkflowTemplate(_ context.Context, key string) (model.WorkflowTemplate, error) {
	var latest model.WorkflowTemplate
	found := false
	for _, tpl := range t.st.templates {
		if tpl.Key == key && tpl.IsActive && (!found || tpl.Version > latest.Version) {
			latest, found = tpl, true
		}
	}
	if !found {
		return model.WorkflowTemplate{}, model.NewNotFoundError(
			fmt.Sprintf("no active version of workflow template %q", key),
		)
	}
	return latest, nil
}

func (t *memTx) SetWorkflowTemplateActive(_ context.Context, templateID string, active bool) error {
	tpl, ok := t.st.templates[templateID]
	if !ok {
		return model.NewNotFoundError(fmt.Sprintf("workflow template %q not found", templateID))
	}
	tpl.IsActive = active
	put(t, t.st.templates, templateID, tpl)
	return nil
}

func (t *memTx) ListStageTemplates(_ context.Context, templateID string) ([]model.StageTemplate, error) {
	var result []model.StageTemplate
	for _, st := range t.st.stageTemplates {
		if st.WorkflowTemplateID == templateID {
			result = append(result, st)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].SortOrder != result[j].SortOrder {
			return result[i].SortOrder < result[j].SortOrder
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func (t *memTx) GetStageTemplate(_ context.Context, stageTemplateID string) (model.StageTemplate, error) {
	st, ok := t.st.stageTemplates[stageTemplateID]
	if !ok {
		return model.StageTemplate{}, model.NewNotFoundError(
			fmt.Sprintf("stage template %q not found", stageTemplateID),
		)
	}
	return st, nil
}

func (t *memTx) ListTaskTemplates(_ context.Context, stageTemplateID string) ([]model.TaskTemplate, error) {
	var result []model.TaskTemplate
	for _, tt := range t.st.taskTemplates {
		if tt.StageTemplateID == stageTemplateID {
			result = append(result, tt)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].SortOrder != result[j].SortOrder {
			return result[i].SortOrder < result[j].SortOrder
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func (t *memTx) GetTaskTemplate(_ context.Context, taskTemplateID string) (model.TaskTemplate, error) {
	tt, ok := t.st.taskTemplates[taskTemplateID]
	if !ok {
		return model.TaskTemplate{}, model.NewNotFoundError(
			fmt.Sprintf("task template %q not found", taskTemplateID),
		)
	}
	return tt, nil
}

func (t *memTx) CreateMatterWorkflow(_ context.Context, wf model.MatterWorkflow) error {
	if _, exists := t.st.workflows[wf.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("matter workflow %q already exists", wf.ID))
	}
	put(t, t.st.workflows, wf.ID, wf)
	t.mark(wf.ID)
	return nil
}

func (t *memTx) GetMatterWorkflow(_ context.Context, workflowID string) (model.MatterWorkflow, error) {
	wf, ok := t.st.workflows[workflowID]
	if !ok {
		return model.MatterWorkflow{}, model.NewNotFoundError(
			fmt.Sprintf("matter workflow %q not found", workflowID),
		)
	}
	return wf, nil
}

func (t *memTx) UpdateMatterWorkflow(_ context.Context, wf model.MatterWorkflow) error {
	if _, ok := t.st.workflows[wf.ID]; !ok {
		return model.NewNotFoundError(fmt.Sprintf("matter workflow %q not found", wf.ID))
	}
	put(t, t.st.workflows, wf.ID, wf)
	return nil
}

func (t *memTx) FindMatterWorkflows(_ context.Context, firmID, matterID, templateKey string) ([]model.MatterWorkflow, error) {
	var result []model.MatterWorkflow
	for _, wf := range t.st.workflows {
		if wf.FirmID == firmID && wf.MatterID == matterID && wf.TemplateKey == templateKey {
			result = append(result, wf)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return t.st.seq[result[i].ID] < t.st.seq[result[j].ID]
	})
	return result, nil
}

func (t *memTx) CreateMatterStage(_ context.Context, stage model.MatterStage) error {
	if _, exists := t.st.stages[stage.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("matter stage %q already exists", stage.ID))
	}
	put(t, t.st.stages, stage.ID, stage)
	t.mark(stage.ID)
	return nil
}

func (t *memTx) GetMatterStage(_ context.Context, stageID string) (model.MatterStage, error) {
	stage, ok := t.st.stages[stageID]
	if !ok {
		return model.MatterStage{}, model.NewNotFoundError(
			fmt.Sprintf("matter stage %q not found", stageID),
		)
	}
	return stage, nil
}

// GetMatterStageForUpdate needs no lock: transactions are already serialised.
func (t *memTx) GetMatterStageForUpdate(ctx context.Context, stageID string) (model.MatterStage, error) {
	return t.GetMatterStage(ctx, stageID)
}

func (t *memTx) UpdateMatterStage(_ context.Context, stage model.MatterStage) error {
	if _, ok := t.st.stages[stage.ID]; !ok {
		return model.NewNotFoundError(fmt.Sprintf("matter stage %q not found", stage.ID))
	}
	put(t, t.st.stages, stage.ID, stage)
	return nil
}

func (t *memTx) ListMatterStages(_ context.Context, workflowID string) ([]model.MatterStage, error) {
	var result []model.MatterStage
	for _, stage := range t.st.stages {
		if stage.MatterWorkflowID == workflowID {
			result = append(result, stage)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].SortOrder != result[j].SortOrder {
			return result[i].SortOrder < result[j].SortOrder
		}
		return t.st.seq[result[i].ID] < t.st.seq[result[j].ID]
	})
	return result, nil
}

func (t *memTx) CreateTask(_ context.Context, task model.Task) error {
	if _, exists := t.st.tasks[task.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("task %q already exists", task.ID))
	}
	put(t, t.st.tasks, task.ID, task)
	t.mark(task.ID)
	return nil
}

func (t *memTx) GetTask(_ context.Context, taskID string) (model.Task, error) {
	task, ok := t.st.tasks[taskID]
	if !ok {
		return model.Task{}, model.NewNotFoundError(fmt.Sprintf("task %q not found", taskID))
	}
	return task, nil
}

func (t *memTx) UpdateTask(_ context.Context, task model.Task) error {
	if _, ok := t.st.tasks[task.ID]; !ok {
		return model.NewNotFoundError(fmt.Sprintf("task %q not found", task.ID))
	}
	put(t, t.st.tasks, task.ID, task)
	return nil
}

func (t *memTx) ListTasksByStage(_ context.Context, stageID string) ([]model.Task, error) {
	var result []model.Task
	for _, task := range t.st.tasks {
		if task.MatterStageID == stageID {
			result = append(result, task)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return t.st.seq[result[i].ID] < t.st.seq[result[j].ID]
	})
	return result, nil
}

func (t *memTx) CreateException(_ context.Context, exc model.Exception) error {
	n := len(t.st.exceptions)
	t.undo = append(t.undo, func() { t.st.exceptions = t.st.exceptions[:n] })
	t.st.exceptions = append(t.st.exceptions, exc)
	return nil
}

func (t *memTx) ListExceptions(_ context.Context, objectType, objectID string) ([]model.Exception, error) {
	var result []model.Exception
	for _, exc := range t.st.exceptions {
		if exc.ObjectType == objectType && exc.ObjectID == objectID {
			result = append(result, exc)
		}
	}
	return result, nil
}

func (t *memTx) CreateTimelineEvent(_ context.Context, event model.TimelineEvent) error {
	n := len(t.st.events)
	t.undo = append(t.undo, func() { t.st.events = t.st.events[:n] })
	t.st.events = append(t.st.events, event)
	return nil
}

func (t *memTx) ListTimelineEvents(_ context.Context, firmID, matterID string) ([]model.TimelineEvent, error) {
	var result []model.TimelineEvent
	for _, evt := range t.st.events {
		if evt.FirmID == firmID && evt.MatterID == matterID {
			result = append(result, evt)
		}
	}
	return result, nil
}
