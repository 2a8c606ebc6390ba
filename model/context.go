package model

import (
	"context"
	"errors"
	"fmt"
)

// RequestContext carries the identity and tracing information of a request.
// Authentication happens upstream; the firm and actor are trusted as given.
// It is immutable after construction and safe for concurrent reads.
type RequestContext struct {
	FirmID        string
	ActorID       string
	CorrelationID string
	TraceID       string
}

// Validate checks that all mandatory fields are present.
// FirmID and ActorID must be non-empty.
func (rc *RequestContext) Validate() error {
	var errs []error
	if rc.FirmID == "" {
		errs = append(errs, fmt.Errorf("FirmID is required"))
	}
	if rc.ActorID == "" {
		errs = append(errs, fmt.Errorf("ActorID is required"))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

type contextKey struct{}

// WithRequestContext attaches a RequestContext to the given context.
func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rctx)
}

// RequestContextFrom extracts the RequestContext from the context, or returns nil
// if not present.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(contextKey{}).(*RequestContext)
	return rctx
}
