package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pitabwire/docket/model"
)

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	WriteJSON(w, http.StatusOK, map[string]string{"hello": "world"})

	if w.Code != 200 {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	if xct := w.Header().Get("X-Content-Type-Options"); xct != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", xct)
	}

	var body map[string]string
	json.NewDecoder(w.Body).Decode(&body)
	if body["hello"] != "world" {
		t.Errorf("body = %v", body)
	}
}

func TestWriteError_envelope(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, model.NewNotFoundError("stage not found"))

	if w.Code != 404 {
		t.Errorf("status = %d, want 404", w.Code)
	}

	var resp struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.Error.Code != "NOT_FOUND" {
		t.Errorf("code = %q, want NOT_FOUND", resp.Error.Code)
	}
	if resp.Error.Message != "stage not found" {
		t.Errorf("message = %q", resp.Error.Message)
	}
}

func TestWriteError_wrappedEnvelope(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, fmt.Errorf("advance: %w", model.NewStageBlockedError("Blocked by Drafting: 1 mandatory task(s) incomplete")))

	if w.Code != 409 {
		t.Errorf("status = %d, want 409 for wrapped STAGE_BLOCKED", w.Code)
	}
	var resp errorResponse
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.Error == nil || resp.Error.Code != model.ErrStageBlocked {
		t.Errorf("error = %+v, want STAGE_BLOCKED", resp.Error)
	}
}

func TestWriteError_non_envelope(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, fmt.Errorf("connection reset by peer"))

	if w.Code != 500 {
		t.Errorf("status = %d, want 500 for non-envelope error", w.Code)
	}
	var resp errorResponse
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.Error == nil || resp.Error.Code != model.ErrInternalError {
		t.Errorf("error = %+v, want INTERNAL_ERROR", resp.Error)
	}
}

func TestWriteError_deadlineExceeded(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, fmt.Errorf("begin transaction: %w", context.DeadlineExceeded))

	if w.Code != 504 {
		t.Errorf("status = %d, want 504 for an expired deadline", w.Code)
	}
	var resp errorResponse
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.Error == nil || resp.Error.Code != model.ErrTimeout {
		t.Errorf("error = %+v, want TIMEOUT", resp.Error)
	}
}

func TestWriteError_cancelledIsInternal(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, context.Canceled)
	if w.Code != 500 {
		t.Errorf("status = %d, want 500 for a cancelled request", w.Code)
	}
}

func TestWriteError_unknownCode(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, &model.ErrorEnvelope{Code: "SOMETHING_NEW", Message: "test"})
	if w.Code != 500 {
		t.Errorf("status = %d, want 500 for unmapped code", w.Code)
	}
}

func TestWriteNotFound(t *testing.T) {
	w := httptest.NewRecorder()
	WriteNotFound(w, "resource missing")
	if w.Code != 404 {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestWriteError_validationDetails(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, model.NewValidationError([]model.FieldError{
		{Field: "reason", Code: "REQUIRED", Message: "override reason is required"},
	}))
	if w.Code != 422 {
		t.Errorf("status = %d, want 422", w.Code)
	}

	var resp struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	json.NewDecoder(w.Body).Decode(&resp)
	if len(resp.Error.Details) != 1 || resp.Error.Details[0].Field != "reason" {
		t.Errorf("details = %+v", resp.Error.Details)
	}
}

func TestStatusForCode_coverage(t *testing.T) {
	codes := []struct {
		code   string
		status int
	}{
		{model.ErrBadRequest, 400},
		{model.ErrUnauthorized, 401},
		{model.ErrNotFound, 404},
		{model.ErrConflict, 409},
		{model.ErrValidationError, 422},
		{model.ErrInternalError, 500},
		{model.ErrTimeout, 504},
		{model.ErrTemplateInactive, 409},
		{model.ErrStageBlocked, 409},
		{model.ErrNoCurrentStage, 409},
		{model.ErrNoNextStage, 409},
	}
	for _, tc := range codes {
		t.Run(tc.code, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteError(w, &model.ErrorEnvelope{Code: tc.code, Message: "test"})
			if w.Code != tc.status {
				t.Errorf("status for %s = %d, want %d", tc.code, w.Code, tc.status)
			}
		})
	}
}
