package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/docket/internal/idempotency"
	"github.com/pitabwire/docket/internal/observability"
	"github.com/pitabwire/docket/internal/workflow"
	"github.com/pitabwire/docket/model"
)

const maxBodyBytes = 1 << 20

type activateRequest struct {
	TemplateID      string         `json:"template_id"`
	TemplateKey     string         `json:"template_key"`
	TemplateVersion int            `json:"template_version"`
	Conditions      map[string]any `json:"conditions"`
	MatterCreatedAt *time.Time     `json:"matter_created_at"`
	MatterOpenedAt  *time.Time     `json:"matter_opened_at"`
}

type workflowResponse struct {
	Workflow model.MatterWorkflow             `json:"workflow"`
	Stages   []workflow.StageCompletionStatus `json:"stages"`
}

// readBody reads a JSON request body, checks it against the request schema
// of operationID and decodes it into v. An empty body is checked as an empty
// object and leaves v at its zero value.
func readBody(w http.ResponseWriter, r *http.Request, api *APIDocument, operationID string, v any) ([]byte, error) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, model.NewBadRequestError("request body too large or unreadable")
	}

	var doc any = map[string]any{}
	empty := len(strings.TrimSpace(string(raw))) == 0
	if !empty {
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, model.NewBadRequestError("invalid JSON body")
		}
	}
	if err := api.ValidateBody(operationID, doc); err != nil {
		return nil, err
	}
	if empty {
		return raw, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return nil, model.NewBadRequestError("invalid JSON body")
	}
	return raw, nil
}

// requireFirm hides rows owned by another firm.
func requireFirm(rctx *model.RequestContext, ownerFirmID, what, id string) error {
	if ownerFirmID != rctx.FirmID {
		return model.NewNotFoundError(fmt.Sprintf("%s %q not found", what, id))
	}
	return nil
}

func loadWorkflow(ctx context.Context, tx workflow.Tx, rctx *model.RequestContext, id string) (model.MatterWorkflow, error) {
	wf, err := tx.GetMatterWorkflow(ctx, id)
	if err != nil {
		return model.MatterWorkflow{}, err
	}
	return wf, requireFirm(rctx, wf.FirmID, "matter workflow", id)
}

func handleActivateWorkflow(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		matterID := chi.URLParam(r, "matterId")

		var req activateRequest
		raw, err := readBody(w, r, deps.API, opActivateWorkflow, &req)
		if err != nil {
			WriteError(w, err)
			return
		}

		logger := observability.LoggerFrom(r.Context(), deps.Logger)
		logger.Debug("workflow activation requested",
			zap.String("matter_id", matterID),
			zap.Any("conditions", observability.RedactBody(req.Conditions, nil)),
		)

		var idemKey, idemHash string
		if key := r.Header.Get(HeaderIdempotencyKey); key != "" && deps.Idempotency != nil {
			idemKey = idempotency.FormatKey(rctx.FirmID, "activate", key)
			idemHash = idempotency.HashInput(append([]byte(matterID+"\n"), raw...))

			cached, err := deps.Idempotency.Reserve(r.Context(), idemKey, idemHash, deps.idempotencyLease())
			if err != nil {
				WriteError(w, err)
				return
			}
			if cached != nil {
				if deps.Metrics != nil {
					deps.Metrics.RecordIdempotencyReplay()
				}
				logger.Debug("idempotent replay", zap.String("idempotency_key", key))
				w.Header().Set("Idempotent-Replayed", "true")
				writeRawJSON(w, cached.Status, cached.Body)
				return
			}
		}

		// The reservation outlives a cancelled request context.
		storeCtx := context.WithoutCancel(r.Context())
		fail := func(err error) {
			if idemKey != "" {
				if relErr := deps.Idempotency.Release(storeCtx, idemKey, idemHash); relErr != nil {
					logger.Warn("releasing idempotency key failed", zap.Error(relErr))
				}
			}
			WriteError(w, err)
		}

		var result workflow.ActivationResult
		err = deps.Store.InTx(r.Context(), func(tx workflow.Tx) error {
			templateID, err := resolveTemplateID(r.Context(), tx, req)
			if err != nil {
				return err
			}
			result, err = deps.Engine.ActivateWorkflow(r.Context(), tx, workflow.ActivateParams{
				FirmID:             rctx.FirmID,
				MatterID:           matterID,
				WorkflowTemplateID: templateID,
				ActivatedByID:      rctx.ActorID,
				Conditions:         req.Conditions,
				MatterCreatedAt:    req.MatterCreatedAt,
				MatterOpenedAt:     req.MatterOpenedAt,
			})
			return err
		})
		if err != nil {
			fail(err)
			return
		}

		status := http.StatusCreated
		if result.Existing {
			status = http.StatusOK
		}
		body, err := json.Marshal(result)
		if err != nil {
			fail(err)
			return
		}
		if idemKey != "" {
			resp := idempotency.Response{Status: status, Body: body}
			if err := deps.Idempotency.Save(storeCtx, idemKey, idemHash, resp, deps.idempotencyTTL()); err != nil {
				logger.Warn("storing idempotent response failed", zap.Error(err))
			}
		}
		writeRawJSON(w, status, body)
	}
}

// resolveTemplateID picks the template to activate: an explicit id, a
// (key, version) pair, or the latest active version of key. Lookups go
// through the store so that templates toggled after startup are seen.
func resolveTemplateID(ctx context.Context, tx workflow.Tx, req activateRequest) (string, error) {
	if req.TemplateID != "" {
		return req.TemplateID, nil
	}
	var (
		tpl model.WorkflowTemplate
		err error
	)
	if req.TemplateVersion > 0 {
		tpl, err = tx.FindWorkflowTemplate(ctx, req.TemplateKey, req.TemplateVersion)
	} else {
		tpl, err = tx.FindLatestActiveWorkflowTemplate(ctx, req.TemplateKey)
	}
	if err != nil {
		return "", err
	}
	return tpl.ID, nil
}

func handleGetWorkflow(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		workflowID := chi.URLParam(r, "workflowId")

		var resp workflowResponse
		err := deps.Store.InTx(r.Context(), func(tx workflow.Tx) error {
			wf, err := loadWorkflow(r.Context(), tx, rctx, workflowID)
			if err != nil {
				return err
			}
			stages, err := deps.Engine.GetWorkflowCompletionStatus(r.Context(), tx, wf.ID)
			if err != nil {
				return err
			}
			resp = workflowResponse{Workflow: wf, Stages: stages}
			return nil
		})
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func handleWorkflowProgress(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		workflowID := chi.URLParam(r, "workflowId")

		var progress workflow.WorkflowProgress
		err := deps.Store.InTx(r.Context(), func(tx workflow.Tx) error {
			if _, err := loadWorkflow(r.Context(), tx, rctx, workflowID); err != nil {
				return err
			}
			var err error
			progress, err = deps.Engine.CalculateWorkflowProgress(r.Context(), tx, workflowID)
			return err
		})
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, progress)
	}
}

func handleAdvanceWorkflow(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		workflowID := chi.URLParam(r, "workflowId")

		var body struct {
			OverrideReason string `json:"override_reason"`
		}
		if _, err := readBody(w, r, deps.API, opAdvanceWorkflow, &body); err != nil {
			WriteError(w, err)
			return
		}

		var result workflow.AdvanceResult
		err := deps.Store.InTx(r.Context(), func(tx workflow.Tx) error {
			if _, err := loadWorkflow(r.Context(), tx, rctx, workflowID); err != nil {
				return err
			}
			params := workflow.AdvanceParams{
				MatterWorkflowID: workflowID,
				ActorID:          rctx.ActorID,
				OverrideReason:   body.OverrideReason,
			}
			var err error
			if body.OverrideReason != "" {
				result, err = deps.Engine.AdvanceWithOverride(r.Context(), tx, params)
			} else {
				result, err = deps.Engine.AdvanceToNextStage(r.Context(), tx, params)
			}
			return err
		})
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, result)
	}
}

func handleListTemplates(deps Dependencies) http.HandlerFunc {
	type templateSummary struct {
		ID       string `json:"id"`
		Key      string `json:"key"`
		Version  int    `json:"version"`
		Name     string `json:"name"`
		IsActive bool   `json:"is_active"`
		Stages   int    `json:"stages"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		tpls := deps.Registry.All()
		items := make([]templateSummary, 0, len(tpls))
		// The active flag can change after load, so it is read from the store.
		err := deps.Store.InTx(r.Context(), func(tx workflow.Tx) error {
			for _, tpl := range tpls {
				current, err := tx.GetWorkflowTemplate(r.Context(), tpl.ID)
				if err != nil {
					return err
				}
				items = append(items, templateSummary{
					ID: tpl.ID, Key: tpl.Key, Version: tpl.Version, Name: tpl.Name,
					IsActive: current.IsActive, Stages: len(tpl.Stages),
				})
			}
			return nil
		})
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"items":    items,
			"checksum": deps.Registry.Checksum(),
		})
	}
}

func writeRawJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	w.Write(body)
}
