package definition

import (
	"fmt"

	"github.com/pitabwire/docket/model"
)

// VError describes a single validation error in a template.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validator checks templates structurally and checks applicability
// conditions against the configured condition schema.
type Validator struct {
	schema map[string]string
}

// NewValidator creates a Validator. schema maps condition keys to bool,
// string, or number; a nil or empty schema accepts any key.
func NewValidator(schema map[string]string) *Validator {
	return &Validator{schema: schema}
}

// Validate checks all templates.
func (v *Validator) Validate(tpls []model.WorkflowTemplate) []VError {
	var errs []VError

	versions := make(map[string]string)
	ids := make(map[string]string)
	for i, tpl := range tpls {
		prefix := fmt.Sprintf("templates[%d]", i)
		if tpl.SourceFile != "" {
			prefix = tpl.SourceFile
		}

		if tpl.Key != "" && tpl.Version > 0 {
			kv := fmt.Sprintf("%s@%d", tpl.Key, tpl.Version)
			if other, dup := versions[kv]; dup {
				errs = append(errs, VError{
					Path:    prefix + ".version",
					Code:    "DUPLICATE",
					Message: fmt.Sprintf("template %s is also defined in %s", kv, other),
				})
			}
			versions[kv] = prefix
		}

		errs = append(errs, v.validateTemplate(prefix, tpl, ids)...)
	}
	return errs
}

func (v *Validator) validateTemplate(prefix string, tpl model.WorkflowTemplate, ids map[string]string) []VError {
	var errs []VError

	if tpl.Key == "" {
		errs = append(errs, VError{Path: prefix + ".key", Code: "REQUIRED", Message: "key is required"})
	}
	if tpl.Version < 1 {
		errs = append(errs, VError{Path: prefix + ".version", Code: "RANGE", Message: "version must be at least 1"})
	}
	if tpl.Name == "" {
		errs = append(errs, VError{Path: prefix + ".name", Code: "REQUIRED", Message: "name is required"})
	}
	if len(tpl.Stages) == 0 {
		errs = append(errs, VError{Path: prefix + ".stages", Code: "REQUIRED", Message: "at least one stage is required"})
	}
	errs = append(errs, checkID(prefix+".id", tpl.ID, ids)...)

	sortOrders := make(map[int]string)
	for i, st := range tpl.Stages {
		sp := fmt.Sprintf("%s.stages[%d]", prefix, i)
		if other, dup := sortOrders[st.SortOrder]; dup {
			errs = append(errs, VError{
				Path:    sp + ".sort_order",
				Code:    "DUPLICATE",
				Message: fmt.Sprintf("sort_order %d is already used by %s", st.SortOrder, other),
			})
		}
		sortOrders[st.SortOrder] = sp
		errs = append(errs, v.validateStage(sp, st, ids)...)
	}

	return errs
}

func (v *Validator) validateStage(prefix string, st model.StageTemplate, ids map[string]string) []VError {
	var errs []VError

	if st.Name == "" {
		errs = append(errs, VError{Path: prefix + ".name", Code: "REQUIRED", Message: "name is required"})
	}
	if _, err := model.ParseGateType(string(st.GateType)); err != nil {
		errs = append(errs, VError{Path: prefix + ".gate_type", Code: "INVALID_ENUM", Message: err.Error()})
	}
	if _, err := model.ParseCompletionCriteria(string(st.CompletionCriteria)); err != nil {
		errs = append(errs, VError{Path: prefix + ".completion_criteria", Code: "INVALID_ENUM", Message: err.Error()})
	}
	errs = append(errs, checkID(prefix+".id", st.ID, ids)...)
	errs = append(errs, v.validateConditions(prefix+".applicability_conditions", st.ApplicabilityConditions)...)

	for i, tt := range st.TaskTemplates {
		tp := fmt.Sprintf("%s.tasks[%d]", prefix, i)
		if tt.Title == "" {
			errs = append(errs, VError{Path: tp + ".title", Code: "REQUIRED", Message: "title is required"})
		}
		if _, err := model.ParseTaskPriority(string(tt.DefaultPriority)); err != nil {
			errs = append(errs, VError{Path: tp + ".default_priority", Code: "INVALID_ENUM", Message: err.Error()})
		}
		if _, err := model.ParseDueDateAnchor(string(tt.DueDateRelativeTo)); err != nil {
			errs = append(errs, VError{Path: tp + ".due_date_relative_to", Code: "INVALID_ENUM", Message: err.Error()})
		}
		if tt.DueDateRelativeTo != "" && tt.RelativeDueDays == nil {
			errs = append(errs, VError{
				Path:    tp + ".relative_due_days",
				Code:    "REQUIRED",
				Message: "relative_due_days is required when due_date_relative_to is set",
			})
		}
		errs = append(errs, checkID(tp+".id", tt.ID, ids)...)
	}

	return errs
}

func (v *Validator) validateConditions(prefix string, conds model.Conditions) []VError {
	var errs []VError

	seen := make(map[string]bool, len(conds))
	for _, c := range conds {
		cp := prefix + "." + c.Key
		if seen[c.Key] {
			errs = append(errs, VError{Path: cp, Code: "DUPLICATE", Message: fmt.Sprintf("condition %q is declared twice", c.Key)})
		}
		seen[c.Key] = true

		if len(v.schema) == 0 {
			continue
		}
		want, ok := v.schema[c.Key]
		if !ok {
			errs = append(errs, VError{Path: cp, Code: "UNKNOWN_CONDITION", Message: fmt.Sprintf("condition key %q is not in the schema", c.Key)})
			continue
		}
		if got := conditionType(c.Value); got != want {
			errs = append(errs, VError{
				Path:    cp,
				Code:    "TYPE_MISMATCH",
				Message: fmt.Sprintf("condition %q is %s, schema requires %s", c.Key, got, want),
			})
		}
	}

	return errs
}

func conditionType(v any) string {
	n, ok := model.NormalizeConditionValue(v)
	if !ok {
		return fmt.Sprintf("%T", v)
	}
	switch n.(type) {
	case bool:
		return "bool"
	case string:
		return "string"
	default:
		return "number"
	}
}

// checkID flags explicit ids used more than once across the loaded set.
// Empty ids are assigned at publish time.
func checkID(path, id string, ids map[string]string) []VError {
	if id == "" {
		return nil
	}
	if other, dup := ids[id]; dup {
		return []VError{{Path: path, Code: "DUPLICATE", Message: fmt.Sprintf("id %q is already used by %s", id, other)}}
	}
	ids[id] = path
	return nil
}
