package workflow

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/pitabwire/docket/internal/observability"
	"github.com/pitabwire/docket/model"
)

func (env *testEnv) advance(params AdvanceParams) (AdvanceResult, error) {
	env.t.Helper()
	var result AdvanceResult
	err := env.store.InTx(env.ctx, func(tx Tx) error {
		var err error
		result, err = env.engine.AdvanceToNextStage(env.ctx, tx, params)
		return err
	})
	return result, err
}

func TestHandleTaskStatusChange_completesStageAndStartsNext(t *testing.T) {
	env := newTestEnv(t)
	env.publish(conveyancingTemplate())
	result := env.activate("tpl-conv-1", map[string]any{"hasProperty": true})
	s1, s2 := result.Stages[0], result.Stages[1]

	env.now = testNow.Add(48 * time.Hour)
	idCheck := taskByTemplate(t, result.Tasks, "tt-id-check")
	pr := env.setTaskStatus(idCheck.ID, model.TaskStatusCompleted)

	if pr.StageStarted {
		t.Error("StageStarted = true, want false")
	}
	if !pr.StageCompleted {
		t.Error("StageCompleted = false, want true")
	}
	if !pr.NextStageStarted {
		t.Error("NextStageStarted = false, want true")
	}
	if deref(pr.CurrentStageID) != s2.ID {
		t.Errorf("CurrentStageID = %s, want %s", deref(pr.CurrentStageID), s2.ID)
	}

	first := env.stage(s1.ID)
	if first.Status != model.StageStatusCompleted {
		t.Errorf("S1 status = %q, want completed", first.Status)
	}
	if first.CompletedAt == nil || !first.CompletedAt.Equal(env.now) {
		t.Errorf("S1 CompletedAt = %v, want %v", first.CompletedAt, env.now)
	}
	if first.CompletedByID != testActor {
		t.Errorf("S1 CompletedByID = %q, want %q", first.CompletedByID, testActor)
	}

	second := env.stage(s2.ID)
	if second.Status != model.StageStatusInProgress {
		t.Errorf("S2 status = %q, want in_progress", second.Status)
	}
	if second.StartedAt == nil || !second.StartedAt.Equal(env.now) {
		t.Errorf("S2 StartedAt = %v, want %v", second.StartedAt, env.now)
	}
	if got := deref(env.workflow(result.MatterWorkflow.ID).CurrentStageID); got != s2.ID {
		t.Errorf("workflow current stage = %s, want %s", got, s2.ID)
	}

	// The search is due three days after the stage actually started.
	search := env.tasks(s2.ID)[0]
	if want := env.now.AddDate(0, 0, 3); search.DueDate == nil || !search.DueDate.Equal(want) {
		t.Errorf("search DueDate = %v, want %v", search.DueDate, want)
	}

	got := eventTypes(env.events())
	want := []string{model.EventWorkflowActivated, model.EventStageCompleted, model.EventStageStarted}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestHandleTaskStatusChange_inProgressStartsStage(t *testing.T) {
	env := newTestEnv(t)
	env.publish(conveyancingTemplate())
	result := env.activate("tpl-conv-1", map[string]any{"hasProperty": true})
	s1 := result.Stages[0]

	welcome := taskByTemplate(t, result.Tasks, "tt-welcome")
	pr := env.setTaskStatus(welcome.ID, model.TaskStatusInProgress)

	if !pr.StageStarted || pr.StageCompleted || pr.NextStageStarted {
		t.Errorf("result = %+v, want only StageStarted", pr)
	}
	if deref(pr.CurrentStageID) != s1.ID {
		t.Errorf("CurrentStageID = %s, want %s", deref(pr.CurrentStageID), s1.ID)
	}
	stage := env.stage(s1.ID)
	if stage.Status != model.StageStatusInProgress {
		t.Errorf("S1 status = %q, want in_progress", stage.Status)
	}
	if stage.StartedByID != testActor {
		t.Errorf("S1 StartedByID = %q, want %q", stage.StartedByID, testActor)
	}

	// A second in_progress task does not restart the stage.
	idCheck := taskByTemplate(t, result.Tasks, "tt-id-check")
	if pr := env.setTaskStatus(idCheck.ID, model.TaskStatusInProgress); pr.StageStarted {
		t.Error("StageStarted = true on an already started stage")
	}
}

func TestHandleTaskStatusChange_notApplicableResolvesMandatoryTask(t *testing.T) {
	env := newTestEnv(t)
	env.publish(conveyancingTemplate())
	result := env.activate("tpl-conv-1", nil)

	idCheck := taskByTemplate(t, result.Tasks, "tt-id-check")
	pr := env.setTaskStatus(idCheck.ID, model.TaskStatusNotApplicable)

	if !pr.StageCompleted {
		t.Error("StageCompleted = false, want true")
	}
	// Searches is skipped so Completion is next.
	if deref(pr.CurrentStageID) != result.Stages[2].ID {
		t.Errorf("CurrentStageID = %s, want the Completion stage", deref(pr.CurrentStageID))
	}
}

func TestHandleTaskStatusChange_hardGateHoldsNextStage(t *testing.T) {
	env := newTestEnv(t)
	env.publish(gatedTemplate(model.GateHard, model.GateHard))
	result := env.activate("tpl-gated", nil)
	s1, s2, s3 := result.Stages[0], result.Stages[1], result.Stages[2]

	pr := env.setTaskStatus(taskByTemplate(t, result.Tasks, "tt-2").ID, model.TaskStatusCompleted)

	if !pr.StageCompleted {
		t.Error("StageCompleted = false, want true")
	}
	if pr.NextStageStarted {
		t.Error("NextStageStarted = true, want false while Pre-action is incomplete")
	}
	if deref(pr.CurrentStageID) != s1.ID {
		t.Errorf("CurrentStageID = %s, want %s", deref(pr.CurrentStageID), s1.ID)
	}
	if got := env.stage(s2.ID).Status; got != model.StageStatusCompleted {
		t.Errorf("S2 status = %q, want completed", got)
	}
	if got := env.stage(s3.ID).Status; got != model.StageStatusPending {
		t.Errorf("S3 status = %q, want pending", got)
	}
}

func TestHandleTaskStatusChange_lastStageClearsCurrent(t *testing.T) {
	env := newTestEnv(t)
	env.publish(gatedTemplate(model.GateNone, model.GateNone))
	result := env.activate("tpl-gated", nil)

	var pr ProgressionResult
	for _, id := range []string{"tt-1", "tt-2", "tt-3"} {
		pr = env.setTaskStatus(taskByTemplate(t, result.Tasks, id).ID, model.TaskStatusCompleted)
	}

	if !pr.StageCompleted || pr.NextStageStarted {
		t.Errorf("result = %+v, want the last stage completed and nothing started", pr)
	}
	if pr.CurrentStageID != nil {
		t.Errorf("CurrentStageID = %s, want nil", *pr.CurrentStageID)
	}
	if wf := env.workflow(result.MatterWorkflow.ID); wf.CurrentStageID != nil {
		t.Errorf("workflow current stage = %s, want nil", *wf.CurrentStageID)
	}
}

func TestHandleTaskStatusChange_noOps(t *testing.T) {
	env := newTestEnv(t)
	env.publish(conveyancingTemplate())
	result := env.activate("tpl-conv-1", nil)
	skipped := result.SkippedStages[0]

	for name, stageID := range map[string]string{"missing": "ghost", "skipped": skipped.ID} {
		t.Run(name, func(t *testing.T) {
			env.tx(func(tx Tx) error {
				pr, err := env.engine.HandleTaskStatusChange(env.ctx, tx, TaskStatusChange{
					MatterStageID: stageID,
					TaskID:        "task-x",
					TaskStatus:    model.TaskStatusInProgress,
				})
				if pr != (ProgressionResult{}) {
					t.Errorf("result = %+v, want zero", pr)
				}
				return err
			})
		})
	}
	if got := env.stage(skipped.ID).Status; got != model.StageStatusSkipped {
		t.Errorf("skipped stage status = %q, want skipped", got)
	}
}

func TestUpdateTaskStatus_errors(t *testing.T) {
	env := newTestEnv(t)
	env.publish(conveyancingTemplate())
	result := env.activate("tpl-conv-1", map[string]any{"hasProperty": true})
	idCheck := taskByTemplate(t, result.Tasks, "tt-id-check")

	tests := []struct {
		name   string
		change TaskStatusChange
		code   string
	}{
		{"unknown status", TaskStatusChange{TaskID: idCheck.ID, TaskStatus: "finished"}, model.ErrValidationError},
		{"missing task", TaskStatusChange{TaskID: "ghost", TaskStatus: model.TaskStatusCompleted}, model.ErrNotFound},
		{"wrong stage", TaskStatusChange{
			MatterStageID: result.Stages[1].ID, TaskID: idCheck.ID, TaskStatus: model.TaskStatusCompleted,
		}, model.ErrBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := env.store.InTx(env.ctx, func(tx Tx) error {
				_, err := env.engine.UpdateTaskStatus(env.ctx, tx, tt.change)
				return err
			})
			if got := model.ErrorCode(err); got != tt.code {
				t.Errorf("error = %v, want %s", err, tt.code)
			}
		})
	}

	if got := env.tasks(result.Stages[0].ID); got[0].Status != model.TaskStatusPending {
		t.Errorf("task status = %q after failed updates, want pending", got[0].Status)
	}
}

func TestStartStageAndCompleteStage(t *testing.T) {
	env := newTestEnv(t)
	env.publish(conveyancingTemplate())
	result := env.activate("tpl-conv-1", nil)
	s1, s3 := result.Stages[0], result.Stages[2]

	call := func(fn func(tx Tx) error) error {
		return env.store.InTx(env.ctx, fn)
	}

	if err := call(func(tx Tx) error {
		_, err := env.engine.StartStage(env.ctx, tx, s1.ID, testActor)
		return err
	}); err != nil {
		t.Fatalf("StartStage() error = %v", err)
	}
	err := call(func(tx Tx) error {
		_, err := env.engine.StartStage(env.ctx, tx, s1.ID, testActor)
		return err
	})
	if model.ErrorCode(err) != model.ErrConflict {
		t.Errorf("second StartStage() error = %v, want CONFLICT", err)
	}

	// Completion skips criteria, so a stage with open tasks can be closed.
	if err := call(func(tx Tx) error {
		_, err := env.engine.CompleteStage(env.ctx, tx, s3.ID, testActor)
		return err
	}); err != nil {
		t.Fatalf("CompleteStage() error = %v", err)
	}
	if got := env.stage(s3.ID).Status; got != model.StageStatusCompleted {
		t.Errorf("S3 status = %q, want completed", got)
	}
	err = call(func(tx Tx) error {
		_, err := env.engine.CompleteStage(env.ctx, tx, s3.ID, testActor)
		return err
	})
	if model.ErrorCode(err) != model.ErrConflict {
		t.Errorf("second CompleteStage() error = %v, want CONFLICT", err)
	}

	err = call(func(tx Tx) error {
		_, err := env.engine.CompleteStage(env.ctx, tx, result.Stages[1].ID, testActor)
		return err
	})
	if model.ErrorCode(err) != model.ErrConflict {
		t.Errorf("CompleteStage() on a skipped stage error = %v, want CONFLICT", err)
	}
}

func TestAdvanceToNextStage_blockedWritesNothing(t *testing.T) {
	env := newTestEnv(t)
	env.publish(conveyancingTemplate())
	result := env.activate("tpl-conv-1", map[string]any{"hasProperty": true})
	s1, s2 := result.Stages[0], result.Stages[1]
	eventsBefore := len(env.events())

	var advanceErr error
	env.tx(func(tx Tx) error {
		_, advanceErr = env.engine.AdvanceToNextStage(env.ctx, tx, AdvanceParams{
			MatterWorkflowID: result.MatterWorkflow.ID,
			ActorID:          testActor,
		})
		return nil
	})

	if model.ErrorCode(advanceErr) != model.ErrStageBlocked {
		t.Fatalf("error = %v, want STAGE_BLOCKED", advanceErr)
	}
	if want := "Blocked by Instruction: 1 mandatory task(s) incomplete"; !strings.Contains(advanceErr.Error(), want) {
		t.Errorf("error = %q, want it to mention %q", advanceErr, want)
	}
	if got := len(env.events()); got != eventsBefore {
		t.Errorf("events = %d, want %d", got, eventsBefore)
	}
	if got := len(env.exceptions(s2.ID)); got != 0 {
		t.Errorf("exceptions = %d, want 0", got)
	}
	if got := env.stage(s2.ID).Status; got != model.StageStatusPending {
		t.Errorf("S2 status = %q, want pending", got)
	}
	if got := deref(env.workflow(result.MatterWorkflow.ID).CurrentStageID); got != s1.ID {
		t.Errorf("current stage = %s, want %s", got, s1.ID)
	}
}

func TestAdvanceWithOverride(t *testing.T) {
	env := newTestEnv(t)
	env.publish(conveyancingTemplate())
	result := env.activate("tpl-conv-1", map[string]any{"hasProperty": true})
	s1, s2 := result.Stages[0], result.Stages[1]

	var adv AdvanceResult
	env.tx(func(tx Tx) error {
		var err error
		adv, err = env.engine.AdvanceWithOverride(env.ctx, tx, AdvanceParams{
			MatterWorkflowID: result.MatterWorkflow.ID,
			ActorID:          "partner-bob",
			OverrideReason:   "Searches ordered before ID received",
		})
		return err
	})

	if adv.FromStageID != s1.ID || adv.StageID != s2.ID {
		t.Errorf("advance %s -> %s, want %s -> %s", adv.FromStageID, adv.StageID, s1.ID, s2.ID)
	}
	if !adv.StageStarted {
		t.Error("StageStarted = false, want true")
	}
	if !adv.Gate.IsBlocked {
		t.Error("Gate.IsBlocked = false, want the gate result that was overridden")
	}
	if adv.Override == nil {
		t.Fatal("Override = nil")
	}
	if adv.Override.ExceptionType != model.ExceptionGateOverride || adv.Override.ApprovedByID != "partner-bob" {
		t.Errorf("override = %+v", adv.Override)
	}
	if deref(adv.CurrentStageID) != s2.ID {
		t.Errorf("CurrentStageID = %s, want %s", deref(adv.CurrentStageID), s2.ID)
	}

	if got := len(env.exceptions(s2.ID)); got != 1 {
		t.Errorf("exceptions = %d, want 1", got)
	}
	types := eventTypes(env.events())
	tail := strings.Join(types[len(types)-2:], ",")
	if want := model.EventStageGateOverridden + "," + model.EventStageStarted; tail != want {
		t.Errorf("last events = %s, want %s", tail, want)
	}
	if got := env.stage(s1.ID).Status; got != model.StageStatusPending {
		t.Errorf("S1 status = %q, want pending after an override", got)
	}
	if got := deref(env.workflow(result.MatterWorkflow.ID).CurrentStageID); got != s2.ID {
		t.Errorf("current stage = %s, want %s", got, s2.ID)
	}
}

func TestAdvanceWithOverride_requiresReason(t *testing.T) {
	env := newTestEnv(t)
	err := env.store.InTx(env.ctx, func(tx Tx) error {
		_, err := env.engine.AdvanceWithOverride(env.ctx, tx, AdvanceParams{MatterWorkflowID: "wf", OverrideReason: " "})
		return err
	})
	if model.ErrorCode(err) != model.ErrValidationError {
		t.Fatalf("error = %v, want VALIDATION_ERROR", err)
	}
}

func TestAdvanceToNextStage_openGateRecordsNoOverride(t *testing.T) {
	env := newTestEnv(t)
	env.publish(gatedTemplate(model.GateNone, model.GateNone))
	result := env.activate("tpl-gated", nil)
	s2 := result.Stages[1]

	adv, err := env.advance(AdvanceParams{
		MatterWorkflowID: result.MatterWorkflow.ID,
		ActorID:          testActor,
		OverrideReason:   "not needed",
	})
	if err != nil {
		t.Fatalf("AdvanceToNextStage() error = %v", err)
	}
	if adv.Override != nil {
		t.Errorf("Override = %+v, want nil on an open gate", adv.Override)
	}
	if got := len(env.exceptions(s2.ID)); got != 0 {
		t.Errorf("exceptions = %d, want 0", got)
	}
	if got := env.stage(s2.ID).Status; got != model.StageStatusInProgress {
		t.Errorf("S2 status = %q, want in_progress", got)
	}
}

func TestAdvanceToNextStage_softGateWarns(t *testing.T) {
	env := newTestEnv(t)
	env.publish(gatedTemplate(model.GateSoft, model.GateHard))
	result := env.activate("tpl-gated", nil)

	adv, err := env.advance(AdvanceParams{MatterWorkflowID: result.MatterWorkflow.ID, ActorID: testActor})
	if err != nil {
		t.Fatalf("AdvanceToNextStage() error = %v", err)
	}
	if !adv.StageStarted {
		t.Error("StageStarted = false, want true")
	}
	if len(adv.Gate.Warnings) != 1 {
		t.Errorf("Gate.Warnings = %v, want one warning", adv.Gate.Warnings)
	}
	if adv.Override != nil {
		t.Error("Override recorded without a reason")
	}
}

func TestAdvanceToNextStage_errors(t *testing.T) {
	env := newTestEnv(t)
	env.publish(model.WorkflowTemplate{
		ID: "tpl-single", Key: "single", Version: 1, Name: "Single", IsActive: true,
		Stages: []model.StageTemplate{{ID: "st-only", Name: "Only", SortOrder: 1}},
	})
	single := env.activate("tpl-single", nil)

	ghost := "ghost-stage"
	env.tx(func(tx Tx) error {
		for _, wf := range []model.MatterWorkflow{
			{ID: "wf-no-current", FirmID: testFirm, MatterID: testMatter},
			{ID: "wf-ghost", FirmID: testFirm, MatterID: testMatter, CurrentStageID: &ghost},
		} {
			if err := tx.CreateMatterWorkflow(env.ctx, wf); err != nil {
				return err
			}
		}
		return nil
	})

	tests := []struct {
		name       string
		workflowID string
		code       string
	}{
		{"last stage", single.MatterWorkflow.ID, model.ErrNoNextStage},
		{"no current stage", "wf-no-current", model.ErrNoCurrentStage},
		{"current stage missing", "wf-ghost", model.ErrNotFound},
		{"workflow missing", "wf-missing", model.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.advance(AdvanceParams{MatterWorkflowID: tt.workflowID, ActorID: testActor})
			if got := model.ErrorCode(err); got != tt.code {
				t.Errorf("error = %v, want %s", err, tt.code)
			}
		})
	}
}

func TestProgression_metrics(t *testing.T) {
	metrics := observability.InitMetrics(prometheus.NewRegistry())
	env := newTestEnv(t, WithMetrics(metrics))
	env.publish(conveyancingTemplate())
	result := env.activate("tpl-conv-1", nil)

	env.setTaskStatus(taskByTemplate(t, result.Tasks, "tt-id-check").ID, model.TaskStatusCompleted)

	if got := testutil.ToFloat64(metrics.StageTransitionsTotal.WithLabelValues("skipped")); got != 1 {
		t.Errorf("skipped transitions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.StageTransitionsTotal.WithLabelValues("completed")); got != 1 {
		t.Errorf("completed transitions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.StageTransitionsTotal.WithLabelValues("in_progress")); got != 1 {
		t.Errorf("in_progress transitions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.TaskStatusChangesTotal.WithLabelValues("completed")); got != 1 {
		t.Errorf("task status changes = %v, want 1", got)
	}
}
