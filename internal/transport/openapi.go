package transport

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/pitabwire/docket/model"
)

//go:embed openapi.yaml
var apiDocumentSource []byte

// Operation ids of the /v1 routes that take a request body.
const (
	opActivateWorkflow = "activateWorkflow"
	opAdvanceWorkflow  = "advanceWorkflow"
	opOverrideGate     = "overrideGate"
	opSetTaskStatus    = "setTaskStatus"
)

// APIDocument is the OpenAPI description of the /v1 surface, indexed by
// operationId. Request bodies are validated against its schemas before
// they reach the engine.
type APIDocument struct {
	json   []byte
	bodies map[string]*openapi3.Schema
	ops    []string
}

// LoadAPIDocument parses and validates the embedded OpenAPI document.
func LoadAPIDocument(ctx context.Context) (*APIDocument, error) {
	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = false

	doc, err := loader.LoadFromData(apiDocumentSource)
	if err != nil {
		return nil, fmt.Errorf("openapi: loading document: %w", err)
	}
	if err := doc.Validate(ctx); err != nil {
		return nil, fmt.Errorf("openapi: validating document: %w", err)
	}

	api := &APIDocument{bodies: make(map[string]*openapi3.Schema)}
	for _, pathItem := range doc.Paths.Map() {
		for _, op := range pathItem.Operations() {
			if op.OperationID == "" {
				continue
			}
			api.ops = append(api.ops, op.OperationID)
			if op.RequestBody == nil || op.RequestBody.Value == nil {
				continue
			}
			ct := op.RequestBody.Value.Content.Get("application/json")
			if ct == nil || ct.Schema == nil || ct.Schema.Value == nil {
				continue
			}
			api.bodies[op.OperationID] = ct.Schema.Value
		}
	}
	sort.Strings(api.ops)

	api.json, err = json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("openapi: encoding document: %w", err)
	}
	return api, nil
}

// MustLoadAPIDocument is LoadAPIDocument for callers that cannot recover
// from a broken embedded document.
func MustLoadAPIDocument() *APIDocument {
	api, err := LoadAPIDocument(context.Background())
	if err != nil {
		panic(err)
	}
	return api
}

// OperationIDs returns the documented operation ids, sorted.
func (a *APIDocument) OperationIDs() []string {
	ids := make([]string, len(a.ops))
	copy(ids, a.ops)
	return ids
}

// ValidateBody checks a decoded JSON body against the request schema of
// operationID. Operations without a request schema accept any body.
func (a *APIDocument) ValidateBody(operationID string, body any) error {
	schema, ok := a.bodies[operationID]
	if !ok {
		return nil
	}
	err := schema.VisitJSON(body, openapi3.MultiErrors())
	if err == nil {
		return nil
	}

	var details []model.FieldError
	for _, se := range schemaErrors(err) {
		details = append(details, fieldError(se))
	}
	if len(details) == 0 {
		details = []model.FieldError{{Code: "INVALID", Message: err.Error()}}
	}
	return model.NewValidationError(details)
}

func schemaErrors(err error) []*openapi3.SchemaError {
	switch e := err.(type) {
	case openapi3.MultiError:
		var out []*openapi3.SchemaError
		for _, inner := range e {
			out = append(out, schemaErrors(inner)...)
		}
		return out
	case *openapi3.SchemaError:
		return []*openapi3.SchemaError{e}
	}
	var se *openapi3.SchemaError
	if errors.As(err, &se) {
		return []*openapi3.SchemaError{se}
	}
	return nil
}

// fieldError maps a schema failure onto the error envelope. A schema that
// fails its anyOf as a whole names the field and message with x-field and
// x-message.
func fieldError(se *openapi3.SchemaError) model.FieldError {
	fe := model.FieldError{
		Field:   strings.Join(se.JSONPointer(), "."),
		Message: se.Reason,
	}

	switch se.SchemaField {
	case "required":
		fe.Code = "REQUIRED"
		fe.Message = fe.Field + " is required"
	case "anyOf":
		fe.Code = "REQUIRED"
		if se.Schema != nil {
			if f, ok := se.Schema.Extensions["x-field"].(string); ok && fe.Field == "" {
				fe.Field = f
			}
			if m, ok := se.Schema.Extensions["x-message"].(string); ok {
				fe.Message = m
			}
		}
	case "minLength":
		fe.Code = "REQUIRED"
		fe.Message = fe.Field + " must not be empty"
	case "enum":
		fe.Code = "INVALID_ENUM"
	case "type":
		fe.Code = "INVALID_TYPE"
	case "format":
		fe.Code = "INVALID_FORMAT"
	case "minimum":
		fe.Code = "RANGE"
	default:
		fe.Code = "INVALID"
	}
	return fe
}

// handleAPIDocument serves the OpenAPI document as JSON.
func handleAPIDocument(api *APIDocument) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeRawJSON(w, http.StatusOK, api.json)
	}
}
