package model

import "time"

// Object types referenced by exceptions and timeline events.
const (
	ObjectMatterWorkflow = "matter_workflow"
	ObjectMatterStage    = "matter_stage"
	ObjectTask           = "task"
)

// Timeline event types emitted by the workflow engine.
const (
	EventStageSkipped        = "stage_skipped"
	EventWorkflowActivated   = "workflow_activated"
	EventStageStarted        = "stage_started"
	EventStageCompleted      = "stage_completed"
	EventStageGateOverridden = "stage_gate_overridden"
)

// Actor types on timeline events.
const (
	ActorSystem = "system"
	ActorUser   = "user"
)

// MatterWorkflow is a workflow template activated on a matter. It is pinned
// to the template version at activation time.
type MatterWorkflow struct {
	ID                 string    `json:"id"`
	FirmID             string    `json:"firm_id"`
	MatterID           string    `json:"matter_id"`
	WorkflowTemplateID string    `json:"workflow_template_id"`
	TemplateKey        string    `json:"template_key"`
	TemplateVersion    int       `json:"template_version"`
	CurrentStageID     *string   `json:"current_stage_id"`
	ActivatedByID      string    `json:"activated_by_id"`
	ActivatedAt        time.Time `json:"activated_at"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// MatterStage is one stage of a matter workflow.
type MatterStage struct {
	ID               string      `json:"id"`
	FirmID           string      `json:"firm_id"`
	MatterID         string      `json:"matter_id"`
	MatterWorkflowID string      `json:"matter_workflow_id"`
	StageTemplateID  string      `json:"stage_template_id"`
	Name             string      `json:"name"`
	SortOrder        int         `json:"sort_order"`
	Status           StageStatus `json:"status"`
	SkippedReason    string      `json:"skipped_reason,omitempty"`
	StartedAt        *time.Time  `json:"started_at,omitempty"`
	StartedByID      string      `json:"started_by_id,omitempty"`
	CompletedAt      *time.Time  `json:"completed_at,omitempty"`
	CompletedByID    string      `json:"completed_by_id,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// Task is a unit of work bound to a matter stage.
type Task struct {
	ID               string       `json:"id"`
	FirmID           string       `json:"firm_id"`
	MatterID         string       `json:"matter_id"`
	MatterStageID    string       `json:"matter_stage_id"`
	TaskTemplateID   string       `json:"task_template_id,omitempty"`
	Title            string       `json:"title"`
	Description      string       `json:"description,omitempty"`
	Status           TaskStatus   `json:"status"`
	Priority         TaskPriority `json:"priority"`
	IsMandatory      bool         `json:"is_mandatory"`
	RequiresEvidence bool         `json:"requires_evidence"`
	RequiresApproval bool         `json:"requires_approval"`
	DueDate          *time.Time   `json:"due_date,omitempty"`
	CreatedByID      string       `json:"created_by_id"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// Exception is an append-only audit record of a deviation from the normal
// workflow path.
type Exception struct {
	ID             string         `json:"id"`
	FirmID         string         `json:"firm_id"`
	MatterID       string         `json:"matter_id"`
	ObjectType     string         `json:"object_type"`
	ObjectID       string         `json:"object_id"`
	ExceptionType  ExceptionType  `json:"exception_type"`
	Reason         string         `json:"reason"`
	DecisionSource DecisionSource `json:"decision_source"`
	ApprovedByID   string         `json:"approved_by_id"`
	ApprovedAt     time.Time      `json:"approved_at"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// TimelineEvent records an event in a matter's timeline.
type TimelineEvent struct {
	ID          string         `json:"id"`
	FirmID      string         `json:"firm_id"`
	MatterID    string         `json:"matter_id"`
	Type        string         `json:"type"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	ActorType   string         `json:"actor_type"`
	ActorID     string         `json:"actor_id"`
	EntityType  string         `json:"entity_type"`
	EntityID    string         `json:"entity_id"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	OccurredAt  time.Time      `json:"occurred_at"`
}
