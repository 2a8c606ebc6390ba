package model

import "time"

// WorkflowTemplate is a versioned, ordered set of stage templates. Its
// identity is (Key, Version) and it is immutable once published.
type WorkflowTemplate struct {
	ID          string          `yaml:"id"          json:"id"`
	Key         string          `yaml:"key"         json:"key"`
	Version     int             `yaml:"version"     json:"version"`
	Name        string          `yaml:"name"        json:"name"`
	Description string          `yaml:"description" json:"description,omitempty"`
	IsActive    bool            `yaml:"active"      json:"is_active"`
	Stages      []StageTemplate `yaml:"stages"      json:"stages,omitempty"`
	CreatedAt   time.Time       `yaml:"-"           json:"created_at"`
	UpdatedAt   time.Time       `yaml:"-"           json:"updated_at"`

	// Set by the definition loader.
	Checksum   string `yaml:"-" json:"-"`
	SourceFile string `yaml:"-" json:"-"`
}

// StageTemplate describes one stage of a workflow template.
type StageTemplate struct {
	ID                      string             `yaml:"id"                       json:"id"`
	WorkflowTemplateID      string             `yaml:"-"                        json:"workflow_template_id"`
	Key                     string             `yaml:"key"                      json:"key"`
	Name                    string             `yaml:"name"                     json:"name"`
	Description             string             `yaml:"description"              json:"description,omitempty"`
	SortOrder               int                `yaml:"sort_order"               json:"sort_order"`
	ApplicabilityConditions Conditions         `yaml:"applicability_conditions" json:"applicability_conditions,omitempty"`
	CompletionCriteria      CompletionCriteria `yaml:"completion_criteria"      json:"completion_criteria"`
	GateType                GateType           `yaml:"gate_type"                json:"gate_type"`
	TaskTemplates           []TaskTemplate     `yaml:"tasks"                    json:"tasks,omitempty"`
}

// TaskTemplate describes a task created when its stage is activated.
type TaskTemplate struct {
	ID                string        `yaml:"id"                   json:"id"`
	StageTemplateID   string        `yaml:"-"                    json:"stage_template_id"`
	Title             string        `yaml:"title"                json:"title"`
	Description       string        `yaml:"description"          json:"description,omitempty"`
	SortOrder         int           `yaml:"sort_order"           json:"sort_order"`
	IsMandatory       bool          `yaml:"mandatory"            json:"is_mandatory"`
	RequiresEvidence  bool          `yaml:"requires_evidence"    json:"requires_evidence"`
	RequiresApproval  bool          `yaml:"requires_approval"    json:"requires_approval"`
	DefaultPriority   TaskPriority  `yaml:"default_priority"     json:"default_priority"`
	RelativeDueDays   *int          `yaml:"relative_due_days"    json:"relative_due_days,omitempty"`
	DueDateRelativeTo DueDateAnchor `yaml:"due_date_relative_to" json:"due_date_relative_to,omitempty"`
}
