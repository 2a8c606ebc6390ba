package model

import "fmt"

// GateType controls whether an incomplete stage holds back later stages.
type GateType string

// Gate types.
const (
	GateHard GateType = "hard"
	GateSoft GateType = "soft"
	GateNone GateType = "none"
)

// ParseGateType validates s. An empty value defaults to hard.
func ParseGateType(s string) (GateType, error) {
	switch GateType(s) {
	case GateHard, GateSoft, GateNone:
		return GateType(s), nil
	case "":
		return GateHard, nil
	}
	return "", fmt.Errorf("unknown gate type %q", s)
}

// CompletionCriteria decides which tasks must be resolved for a stage to complete.
type CompletionCriteria string

// Completion criteria. Custom is evaluated as all mandatory tasks.
const (
	CriteriaAllMandatoryTasks CompletionCriteria = "all_mandatory_tasks"
	CriteriaAllTasks          CompletionCriteria = "all_tasks"
	CriteriaCustom            CompletionCriteria = "custom"
)

// ParseCompletionCriteria validates s. An empty value defaults to
// all_mandatory_tasks.
func ParseCompletionCriteria(s string) (CompletionCriteria, error) {
	switch CompletionCriteria(s) {
	case CriteriaAllMandatoryTasks, CriteriaAllTasks, CriteriaCustom:
		return CompletionCriteria(s), nil
	case "":
		return CriteriaAllMandatoryTasks, nil
	}
	return "", fmt.Errorf("unknown completion criteria %q", s)
}

// StageStatus is the lifecycle state of a matter stage.
type StageStatus string

// Stage statuses.
const (
	StageStatusPending    StageStatus = "pending"
	StageStatusInProgress StageStatus = "in_progress"
	StageStatusCompleted  StageStatus = "completed"
	StageStatusSkipped    StageStatus = "skipped"
)

// ParseStageStatus validates s.
func ParseStageStatus(s string) (StageStatus, error) {
	switch StageStatus(s) {
	case StageStatusPending, StageStatusInProgress, StageStatusCompleted, StageStatusSkipped:
		return StageStatus(s), nil
	}
	return "", fmt.Errorf("unknown stage status %q", s)
}

// IsTerminal reports whether no transition leaves this status.
func (s StageStatus) IsTerminal() bool {
	return s == StageStatusCompleted || s == StageStatusSkipped
}

// TaskStatus is the lifecycle state of a task. The task subsystem owns the
// full set; the engine only cares whether a status counts as resolved.
type TaskStatus string

// Task statuses.
const (
	TaskStatusPending          TaskStatus = "pending"
	TaskStatusInProgress       TaskStatus = "in_progress"
	TaskStatusAwaitingEvidence TaskStatus = "awaiting_evidence"
	TaskStatusAwaitingApproval TaskStatus = "awaiting_approval"
	TaskStatusBlocked          TaskStatus = "blocked"
	TaskStatusCompleted        TaskStatus = "completed"
	TaskStatusSkipped          TaskStatus = "skipped"
	TaskStatusNotApplicable    TaskStatus = "not_applicable"
)

// ParseTaskStatus validates s.
func ParseTaskStatus(s string) (TaskStatus, error) {
	switch TaskStatus(s) {
	case TaskStatusPending, TaskStatusInProgress, TaskStatusAwaitingEvidence,
		TaskStatusAwaitingApproval, TaskStatusBlocked, TaskStatusCompleted,
		TaskStatusSkipped, TaskStatusNotApplicable:
		return TaskStatus(s), nil
	}
	return "", fmt.Errorf("unknown task status %q", s)
}

// IsTaskResolved reports whether a task in this status no longer holds up
// its stage.
func IsTaskResolved(status TaskStatus) bool {
	switch status {
	case TaskStatusCompleted, TaskStatusSkipped, TaskStatusNotApplicable:
		return true
	}
	return false
}

// TaskPriority is the default priority copied onto tasks.
type TaskPriority string

// Task priorities.
const (
	PriorityLow    TaskPriority = "low"
	PriorityMedium TaskPriority = "medium"
	PriorityHigh   TaskPriority = "high"
	PriorityUrgent TaskPriority = "urgent"
)

// ParseTaskPriority validates s. An empty value defaults to medium.
func ParseTaskPriority(s string) (TaskPriority, error) {
	switch TaskPriority(s) {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return TaskPriority(s), nil
	case "":
		return PriorityMedium, nil
	}
	return "", fmt.Errorf("unknown task priority %q", s)
}

// DueDateAnchor names the date a relative due-day offset counts from.
type DueDateAnchor string

// Due date anchors.
const (
	AnchorTaskCreated   DueDateAnchor = "task_created"
	AnchorMatterCreated DueDateAnchor = "matter_created"
	AnchorMatterOpened  DueDateAnchor = "matter_opened"
	AnchorStageStarted  DueDateAnchor = "stage_started"
)

// ParseDueDateAnchor validates s. An empty value defaults to task_created.
func ParseDueDateAnchor(s string) (DueDateAnchor, error) {
	switch DueDateAnchor(s) {
	case AnchorTaskCreated, AnchorMatterCreated, AnchorMatterOpened, AnchorStageStarted:
		return DueDateAnchor(s), nil
	case "":
		return AnchorTaskCreated, nil
	}
	return "", fmt.Errorf("unknown due date anchor %q", s)
}

// ExceptionType classifies an audit exception.
type ExceptionType string

// Exception types.
const (
	ExceptionNotApplicable ExceptionType = "not_applicable"
	ExceptionGateOverride  ExceptionType = "gate_override"
)

// DecisionSource records who made the decision behind an exception.
type DecisionSource string

// Decision sources.
const (
	DecisionSystem DecisionSource = "system"
	DecisionUser   DecisionSource = "user"
)
