package transport

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/docket/internal/workflow"
	"github.com/pitabwire/docket/model"
)

func loadStage(ctx context.Context, tx workflow.Tx, rctx *model.RequestContext, id string) (model.MatterStage, error) {
	stage, err := tx.GetMatterStage(ctx, id)
	if err != nil {
		return model.MatterStage{}, err
	}
	return stage, requireFirm(rctx, stage.FirmID, "matter stage", id)
}

// stageHandler runs fn for the stage named in the URL inside a transaction
// and writes its result with status.
func stageHandler(deps Dependencies, status int, fn func(r *http.Request, tx workflow.Tx, rctx *model.RequestContext, stageID string) (any, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		stageID := chi.URLParam(r, "stageId")

		var result any
		err := deps.Store.InTx(r.Context(), func(tx workflow.Tx) error {
			if _, err := loadStage(r.Context(), tx, rctx, stageID); err != nil {
				return err
			}
			var err error
			result, err = fn(r, tx, rctx, stageID)
			return err
		})
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, status, result)
	}
}

func handleStageCompletion(deps Dependencies) http.HandlerFunc {
	return stageHandler(deps, http.StatusOK, func(r *http.Request, tx workflow.Tx, _ *model.RequestContext, stageID string) (any, error) {
		return deps.Engine.CheckStageCompletion(r.Context(), tx, stageID)
	})
}

func handleStageGate(deps Dependencies) http.HandlerFunc {
	return stageHandler(deps, http.StatusOK, func(r *http.Request, tx workflow.Tx, _ *model.RequestContext, stageID string) (any, error) {
		return deps.Engine.CheckGate(r.Context(), tx, stageID)
	})
}

func handleStartStage(deps Dependencies) http.HandlerFunc {
	return stageHandler(deps, http.StatusOK, func(r *http.Request, tx workflow.Tx, rctx *model.RequestContext, stageID string) (any, error) {
		return deps.Engine.StartStage(r.Context(), tx, stageID, rctx.ActorID)
	})
}

func handleCompleteStage(deps Dependencies) http.HandlerFunc {
	return stageHandler(deps, http.StatusOK, func(r *http.Request, tx workflow.Tx, rctx *model.RequestContext, stageID string) (any, error) {
		return deps.Engine.CompleteStage(r.Context(), tx, stageID, rctx.ActorID)
	})
}

func handleGateOverride(deps Dependencies) http.HandlerFunc {
	type overrideRequest struct {
		Reason         string   `json:"reason"`
		BlockedTaskIDs []string `json:"blocked_task_ids"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req overrideRequest
		if _, err := readBody(w, r, deps.API, opOverrideGate, &req); err != nil {
			WriteError(w, err)
			return
		}
		stageHandler(deps, http.StatusCreated, func(r *http.Request, tx workflow.Tx, rctx *model.RequestContext, stageID string) (any, error) {
			return deps.Engine.OverrideGate(r.Context(), tx, workflow.OverrideParams{
				MatterStageID:  stageID,
				Reason:         req.Reason,
				ApprovedByID:   rctx.ActorID,
				BlockedTaskIDs: req.BlockedTaskIDs,
			})
		})(w, r)
	}
}

func handleTaskStatus(deps Dependencies) http.HandlerFunc {
	type taskStatusRequest struct {
		TaskID string           `json:"task_id"`
		Status model.TaskStatus `json:"status"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req taskStatusRequest
		if _, err := readBody(w, r, deps.API, opSetTaskStatus, &req); err != nil {
			WriteError(w, err)
			return
		}
		stageHandler(deps, http.StatusOK, func(r *http.Request, tx workflow.Tx, rctx *model.RequestContext, stageID string) (any, error) {
			return deps.Engine.UpdateTaskStatus(r.Context(), tx, workflow.TaskStatusChange{
				MatterStageID: stageID,
				TaskID:        req.TaskID,
				TaskStatus:    req.Status,
				ActorID:       rctx.ActorID,
			})
		})(w, r)
	}
}
