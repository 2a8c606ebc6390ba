// Package transport contains the HTTP router, middleware chain, and request
// handlers for the workflow API.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pitabwire/docket/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:       http.StatusBadRequest,
	model.ErrUnauthorized:     http.StatusUnauthorized,
	model.ErrNotFound:         http.StatusNotFound,
	model.ErrConflict:         http.StatusConflict,
	model.ErrValidationError:  http.StatusUnprocessableEntity,
	model.ErrInternalError:    http.StatusInternalServerError,
	model.ErrTimeout:          http.StatusGatewayTimeout,
	model.ErrTemplateInactive: http.StatusConflict,
	model.ErrStageBlocked:     http.StatusConflict,
	model.ErrNoCurrentStage:   http.StatusConflict,
	model.ErrNoNextStage:      http.StatusConflict,
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

// WriteError writes an ErrorEnvelope as a JSON response with the correct
// HTTP status code. Wrapped envelopes are unwrapped, an expired handler
// deadline becomes a 504, and any other error becomes a generic 500.
func WriteError(w http.ResponseWriter, err error) {
	WriteJSON(w, statusFor(err), errorResponse{Error: envelopeFor(err)})
}

type errorResponse struct {
	Error *model.ErrorEnvelope `json:"error"`
}

func envelopeFor(err error) *model.ErrorEnvelope {
	var ee *model.ErrorEnvelope
	switch {
	case errors.As(err, &ee):
		return ee
	case errors.Is(err, context.DeadlineExceeded):
		return model.NewTimeoutError()
	default:
		return model.NewInternalError()
	}
}

func statusFor(err error) int {
	status := statusForCode[envelopeFor(err).Code]
	if status == 0 {
		return http.StatusInternalServerError
	}
	return status
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, msg string) {
	WriteError(w, model.NewNotFoundError(msg))
}
