package workflow

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/pitabwire/docket/internal/observability"
	"github.com/pitabwire/docket/model"
)

// GateBlocker identifies an earlier stage holding up the target stage.
type GateBlocker struct {
	StageID string `json:"stage_id"`
	Name    string `json:"name"`
	Reason  string `json:"reason"`
}

// GateResult is the outcome of checking whether a stage may start.
type GateResult struct {
	CanProceed bool           `json:"can_proceed"`
	GateType   model.GateType `json:"gate_type"`
	IsBlocked  bool           `json:"is_blocked"`
	BlockedBy  *GateBlocker   `json:"blocked_by,omitempty"`
	Warnings   []string       `json:"warnings"`

	// SoftBlockers lists the incomplete soft-gated stages behind Warnings.
	SoftBlockers []GateBlocker `json:"soft_blockers,omitempty"`
}

func incompleteReason(n int) string {
	return fmt.Sprintf("%d mandatory task(s) incomplete", n)
}

// CheckGate scans the stages sorted before the target in ascending order.
// The first incomplete hard-gated stage blocks and ends the scan; incomplete
// soft-gated stages add warnings.
func (e *Engine) CheckGate(ctx context.Context, tx Tx, targetStageID string) (result GateResult, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.CheckGate",
		observability.AttrStageID.String(targetStageID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	target, err := tx.GetMatterStage(ctx, targetStageID)
	if err != nil {
		return GateResult{}, err
	}
	result, err = e.checkGate(ctx, tx, target)
	if err != nil {
		return GateResult{}, err
	}
	e.recordGate(result)
	return result, nil
}

func (e *Engine) checkGate(ctx context.Context, tx Tx, target model.MatterStage) (GateResult, error) {
	stages, err := tx.ListMatterStages(ctx, target.MatterWorkflowID)
	if err != nil {
		return GateResult{}, fmt.Errorf("list stages for workflow %q: %w", target.MatterWorkflowID, err)
	}

	result := GateResult{Warnings: []string{}}
	for _, stage := range stages {
		if stage.SortOrder >= target.SortOrder {
			break
		}
		if stage.Status.IsTerminal() {
			continue
		}

		st, err := stageTemplateOrDefault(ctx, tx, stage)
		if err != nil {
			return GateResult{}, err
		}
		if st.GateType == model.GateNone {
			continue
		}

		c, err := e.stageCompletion(ctx, tx, stage)
		if err != nil {
			return GateResult{}, err
		}
		if c.IsComplete {
			continue
		}

		blocker := GateBlocker{
			StageID: stage.ID,
			Name:    stage.Name,
			Reason:  incompleteReason(c.IncompleteMandatory()),
		}
		if st.GateType == model.GateHard {
			return GateResult{
				CanProceed:   false,
				GateType:     model.GateHard,
				IsBlocked:    true,
				BlockedBy:    &blocker,
				Warnings:     result.Warnings,
				SoftBlockers: result.SoftBlockers,
			}, nil
		}
		result.Warnings = append(result.Warnings, stage.Name+": "+blocker.Reason)
		result.SoftBlockers = append(result.SoftBlockers, blocker)
	}

	result.CanProceed = true
	result.GateType = model.GateNone
	if len(result.Warnings) > 0 {
		result.GateType = model.GateSoft
	}
	return result, nil
}

func (e *Engine) recordGate(r GateResult) {
	if e.metrics == nil {
		return
	}
	switch {
	case r.IsBlocked:
		e.metrics.RecordGateCheck("blocked")
	case len(r.Warnings) > 0:
		e.metrics.RecordGateCheck("warned")
	default:
		e.metrics.RecordGateCheck("open")
	}
}

// OverrideParams describes a gate override.
type OverrideParams struct {
	FirmID        string
	MatterID      string
	MatterStageID string
	Reason        string
	ApprovedByID  string

	// BlockedTaskIDs defaults to the pending mandatory tasks of the
	// blocking stages when empty.
	BlockedTaskIDs []string
}

// OverrideGate records a gate_override exception against the target stage
// and emits a stage_gate_overridden event. Stage state is not changed.
func (e *Engine) OverrideGate(ctx context.Context, tx Tx, params OverrideParams) (exc model.Exception, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.OverrideGate",
		observability.AttrStageID.String(params.MatterStageID),
		observability.AttrMatterID.String(params.MatterID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	var fields []model.FieldError
	if strings.TrimSpace(params.Reason) == "" {
		fields = append(fields, model.FieldError{Field: "reason", Code: "REQUIRED", Message: "override reason is required"})
	}
	if params.ApprovedByID == "" {
		fields = append(fields, model.FieldError{Field: "approved_by_id", Code: "REQUIRED", Message: "approver is required"})
	}
	if len(fields) > 0 {
		return model.Exception{}, model.NewValidationError(fields)
	}

	target, err := tx.GetMatterStage(ctx, params.MatterStageID)
	if err != nil {
		return model.Exception{}, err
	}
	firmID, matterID := params.FirmID, params.MatterID
	if firmID == "" {
		firmID = target.FirmID
	}
	if matterID == "" {
		matterID = target.MatterID
	}

	gate, err := e.checkGate(ctx, tx, target)
	if err != nil {
		return model.Exception{}, err
	}

	var blockers []GateBlocker
	if gate.BlockedBy != nil {
		blockers = append(blockers, *gate.BlockedBy)
	}
	blockers = append(blockers, gate.SoftBlockers...)

	blockedTaskIDs := params.BlockedTaskIDs
	if len(blockedTaskIDs) == 0 {
		blockedTaskIDs, err = e.pendingMandatoryTaskIDs(ctx, tx, blockers)
		if err != nil {
			return model.Exception{}, err
		}
	}

	gateType := gate.GateType
	blockedByStageID := ""
	if gate.BlockedBy != nil {
		blockedByStageID = gate.BlockedBy.StageID
	} else if len(gate.SoftBlockers) > 0 {
		blockedByStageID = gate.SoftBlockers[0].StageID
	}

	now := e.now()
	exc = model.Exception{
		ID:             e.newID(),
		FirmID:         firmID,
		MatterID:       matterID,
		ObjectType:     model.ObjectMatterStage,
		ObjectID:       target.ID,
		ExceptionType:  model.ExceptionGateOverride,
		Reason:         params.Reason,
		DecisionSource: model.DecisionUser,
		ApprovedByID:   params.ApprovedByID,
		ApprovedAt:     now,
		Metadata: map[string]any{
			"gateType":         string(gateType),
			"blockedTaskIds":   blockedTaskIDs,
			"blockedByStageId": blockedByStageID,
		},
		CreatedAt: now,
	}
	if err := tx.CreateException(ctx, exc); err != nil {
		return model.Exception{}, fmt.Errorf("create gate override exception: %w", err)
	}

	if err := e.emit(ctx, tx, model.TimelineEvent{
		FirmID:      firmID,
		MatterID:    matterID,
		Type:        model.EventStageGateOverridden,
		Title:       "Gate overridden for " + target.Name,
		Description: params.Reason,
		ActorType:   actorType(params.ApprovedByID),
		ActorID:     params.ApprovedByID,
		EntityType:  model.ObjectMatterStage,
		EntityID:    target.ID,
		Metadata: map[string]any{
			"exceptionId":      exc.ID,
			"gateType":         string(gateType),
			"blockedTaskIds":   blockedTaskIDs,
			"blockedByStageId": blockedByStageID,
		},
		OccurredAt: now,
	}); err != nil {
		return model.Exception{}, err
	}

	if e.metrics != nil {
		e.metrics.RecordGateOverride(string(gateType))
	}
	e.log(ctx).Warn("stage gate overridden",
		zap.String("stage_id", target.ID),
		zap.String("gate_type", string(gateType)),
		zap.String("approved_by", params.ApprovedByID),
		zap.Int("blocked_tasks", len(blockedTaskIDs)),
	)
	return exc, nil
}

func (e *Engine) pendingMandatoryTaskIDs(ctx context.Context, tx Tx, blockers []GateBlocker) ([]string, error) {
	ids := []string{}
	for _, b := range blockers {
		stage, err := tx.GetMatterStage(ctx, b.StageID)
		if err != nil {
			return nil, err
		}
		c, err := e.stageCompletion(ctx, tx, stage)
		if err != nil {
			return nil, err
		}
		for _, p := range c.PendingTasks {
			if p.IsMandatory {
				ids = append(ids, p.ID)
			}
		}
	}
	return ids, nil
}
