package workflow

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/docket/model"
)

//go:embed schema.sql
var schemaSQL string

// uniqueViolation is the PostgreSQL SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// PgStore is a PostgreSQL-backed Store using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// InTx runs fn in a database transaction.
func (s *PgStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&pgTx{tx: tx})
	})
}

// Migrate creates the workflow tables if they do not exist.
func (s *PgStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// HealthCheck pings the database.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

type pgTx struct {
	tx pgx.Tx
}

func wrapInsertErr(err error, what, id string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return model.NewConflictError(fmt.Sprintf("%s %q already exists", what, id))
	}
	return fmt.Errorf("insert %s: %w", what, err)
}

func notFound(err error, what, id string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return model.NewNotFoundError(fmt.Sprintf("%s %q not found", what, id))
	}
	return fmt.Errorf("query %s: %w", what, err)
}

func marshalJSON(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// --- templates ---

func (t *pgTx) CreateWorkflowTemplate(ctx context.Context, tpl model.WorkflowTemplate) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO workflow_templates (
			id, key, version, name, description, is_active,
			checksum, source_file, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		tpl.ID, tpl.Key, tpl.Version, tpl.Name, tpl.Description, tpl.IsActive,
		tpl.Checksum, tpl.SourceFile, tpl.CreatedAt, tpl.UpdatedAt,
	)
	if err != nil {
		return wrapInsertErr(err, "workflow template", fmt.Sprintf("%s@%d", tpl.Key, tpl.Version))
	}

	for _, st := range tpl.Stages {
		conds, err := json.Marshal(st.ApplicabilityConditions)
		if err != nil {
			return fmt.Errorf("marshal applicability conditions: %w", err)
		}
		_, err = t.tx.Exec(ctx, `
			INSERT INTO stage_templates (
				id, workflow_template_id, key, name, description, sort_order,
				applicability_conditions, completion_criteria, gate_type
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			st.ID, tpl.ID, st.Key, st.Name, st.Description, st.SortOrder,
			string(conds), string(st.CompletionCriteria), string(st.GateType),
		)
		if err != nil {
			return wrapInsertErr(err, "stage template", st.ID)
		}

		for _, tt := range st.TaskTemplates {
			_, err = t.tx.Exec(ctx, `
				INSERT INTO task_templates (
					id, stage_template_id, title, description, sort_order,
					is_mandatory, requires_evidence, requires_approval,
					default_priority, relative_due_days, due_date_relative_to
				) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
				tt.ID, st.ID, tt.Title, tt.Description, tt.SortOrder,
				tt.IsMandatory, tt.RequiresEvidence, tt.RequiresApproval,
				string(tt.DefaultPriority), tt.RelativeDueDays, string(tt.DueDateRelativeTo),
			)
			if err != nil {
				return wrapInsertErr(err, "task template", tt.ID)
			}
		}
	}
	return nil
}

const templateColumns = `id, key, version, name, description, is_active,
	checksum, source_file, created_at, updated_at`

func scanTemplate(row pgx.Row) (model.WorkflowTemplate, error) {
	var tpl model.WorkflowTemplate
	err := row.Scan(
		&tpl.ID, &tpl.Key, &tpl.Version, &tpl.Name, &tpl.Description, &tpl.IsActive,
		&tpl.Checksum, &tpl.SourceFile, &tpl.CreatedAt, &tpl.UpdatedAt,
	)
	return tpl, err
}

func (t *pgTx) GetWorkflowTemplate(ctx context.Context, templateID string) (model.WorkflowTemplate, error) {
	tpl, err := scanTemplate(t.tx.QueryRow(ctx,
		`SELECT `+templateColumns+` FROM workflow_templates WHERE id = $1`, templateID))
	if err != nil {
		return model.WorkflowTemplate{}, notFound(err, "workflow template", templateID)
	}
	return tpl, nil
}

func (t *pgTx) FindWorkflowTemplate(ctx context.Context, key string, version int) (model.WorkflowTemplate, error) {
	tpl, err := scanTemplate(t.tx.QueryRow(ctx,
		`SELECT `+templateColumns+` FROM workflow_templates WHERE key = $1 AND version = $2`, key, version))
	if err != nil {
		return model.WorkflowTemplate{}, notFound(err, "workflow template", fmt.Sprintf("%s@%d", key, version))
	}
	return tpl, nil
}

func (t *pgTx) FindLatestActiveWorkflowTemplate(ctx context.Context, key string) (model.WorkflowTemplate, error) {
	tpl, err := scanTemplate(t.tx.QueryRow(ctx,
		`SELECT `+templateColumns+` FROM workflow_templates
		 WHERE key = $1 AND is_active ORDER BY version DESC LIMIT 1`, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowTemplate{}, model.NewNotFoundError(
			fmt.Sprintf("no active version of workflow template %q", key))
	}
	if err != nil {
		return model.WorkflowTemplate{}, fmt.Errorf("find latest workflow template %q: %w", key, err)
	}
	return tpl, nil
}

func (t *pgTx) SetWorkflowTemplateActive(ctx context.Context, templateID string, active bool) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE workflow_templates SET is_active = $1, updated_at = now() WHERE id = $2`,
		active, templateID)
	if err != nil {
		return fmt.Errorf("update workflow template: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(fmt.Sprintf("workflow template %q not found", templateID))
	}
	return nil
}

const stageTemplateColumns = `id, workflow_template_id, key, name, description, sort_order,
	applicability_conditions, completion_criteria, gate_type`

func scanStageTemplate(row pgx.Row) (model.StageTemplate, error) {
	var (
		st       model.StageTemplate
		conds    []byte
		criteria string
		gate     string
	)
	if err := row.Scan(
		&st.ID, &st.WorkflowTemplateID, &st.Key, &st.Name, &st.Description, &st.SortOrder,
		&conds, &criteria, &gate,
	); err != nil {
		return model.StageTemplate{}, err
	}
	if len(conds) > 0 {
		if err := json.Unmarshal(conds, &st.ApplicabilityConditions); err != nil {
			return model.StageTemplate{}, fmt.Errorf("unmarshal applicability conditions: %w", err)
		}
	}
	st.CompletionCriteria = model.CompletionCriteria(criteria)
	st.GateType = model.GateType(gate)
	return st, nil
}

func (t *pgTx) ListStageTemplates(ctx context.Context, templateID string) ([]model.StageTemplate, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+stageTemplateColumns+`
		FROM stage_templates
		WHERE workflow_template_id = $1
		ORDER BY sort_order ASC, id ASC`, templateID)
	if err != nil {
		return nil, fmt.Errorf("query stage templates: %w", err)
	}
	defer rows.Close()

	var result []model.StageTemplate
	for rows.Next() {
		st, err := scanStageTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stage template: %w", err)
		}
		result = append(result, st)
	}
	return result, rows.Err()
}

func (t *pgTx) GetStageTemplate(ctx context.Context, stageTemplateID string) (model.StageTemplate, error) {
	st, err := scanStageTemplate(t.tx.QueryRow(ctx,
		`SELECT `+stageTemplateColumns+` FROM stage_templates WHERE id = $1`, stageTemplateID))
	if err != nil {
		return model.StageTemplate{}, notFound(err, "stage template", stageTemplateID)
	}
	return st, nil
}

const taskTemplateColumns = `id, stage_template_id, title, description, sort_order,
	is_mandatory, requires_evidence, requires_approval,
	default_priority, relative_due_days, due_date_relative_to`

func scanTaskTemplate(row pgx.Row) (model.TaskTemplate, error) {
	var (
		tt       model.TaskTemplate
		priority string
		anchor   string
	)
	err := row.Scan(
		&tt.ID, &tt.StageTemplateID, &tt.Title, &tt.Description, &tt.SortOrder,
		&tt.IsMandatory, &tt.RequiresEvidence, &tt.RequiresApproval,
		&priority, &tt.RelativeDueDays, &anchor,
	)
	tt.DefaultPriority = model.TaskPriority(priority)
	tt.DueDateRelativeTo = model.DueDateAnchor(anchor)
	return tt, err
}

func (t *pgTx) ListTaskTemplates(ctx context.Context, stageTemplateID string) ([]model.TaskTemplate, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+taskTemplateColumns+`
		FROM task_templates
		WHERE stage_template_id = $1
		ORDER BY sort_order ASC, id ASC`, stageTemplateID)
	if err != nil {
		return nil, fmt.Errorf("query task templates: %w", err)
	}
	defer rows.Close()

	var result []model.TaskTemplate
	for rows.Next() {
		tt, err := scanTaskTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task template: %w", err)
		}
		result = append(result, tt)
	}
	return result, rows.Err()
}

func (t *pgTx) GetTaskTemplate(ctx context.Context, taskTemplateID string) (model.TaskTemplate, error) {
	tt, err := scanTaskTemplate(t.tx.QueryRow(ctx,
		`SELECT `+taskTemplateColumns+` FROM task_templates WHERE id = $1`, taskTemplateID))
	if err != nil {
		return model.TaskTemplate{}, notFound(err, "task template", taskTemplateID)
	}
	return tt, nil
}

// --- matter workflows ---

const workflowColumns = `id, firm_id, matter_id, workflow_template_id, template_key,
	template_version, current_stage_id, activated_by_id, activated_at, created_at, updated_at`

func scanWorkflow(row pgx.Row) (model.MatterWorkflow, error) {
	var wf model.MatterWorkflow
	err := row.Scan(
		&wf.ID, &wf.FirmID, &wf.MatterID, &wf.WorkflowTemplateID, &wf.TemplateKey,
		&wf.TemplateVersion, &wf.CurrentStageID, &wf.ActivatedByID, &wf.ActivatedAt,
		&wf.CreatedAt, &wf.UpdatedAt,
	)
	return wf, err
}

func (t *pgTx) CreateMatterWorkflow(ctx context.Context, wf model.MatterWorkflow) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO matter_workflows (`+workflowColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		wf.ID, wf.FirmID, wf.MatterID, wf.WorkflowTemplateID, wf.TemplateKey,
		wf.TemplateVersion, wf.CurrentStageID, wf.ActivatedByID, wf.ActivatedAt,
		wf.CreatedAt, wf.UpdatedAt,
	)
	if err != nil {
		return wrapInsertErr(err, "matter workflow", wf.ID)
	}
	return nil
}

func (t *pgTx) GetMatterWorkflow(ctx context.Context, workflowID string) (model.MatterWorkflow, error) {
	wf, err := scanWorkflow(t.tx.QueryRow(ctx,
		`SELECT `+workflowColumns+` FROM matter_workflows WHERE id = $1`, workflowID))
	if err != nil {
		return model.MatterWorkflow{}, notFound(err, "matter workflow", workflowID)
	}
	return wf, nil
}

func (t *pgTx) UpdateMatterWorkflow(ctx context.Context, wf model.MatterWorkflow) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE matter_workflows SET current_stage_id = $1, updated_at = $2
		WHERE id = $3`,
		wf.CurrentStageID, wf.UpdatedAt, wf.ID,
	)
	if err != nil {
		return fmt.Errorf("update matter workflow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(fmt.Sprintf("matter workflow %q not found", wf.ID))
	}
	return nil
}

func (t *pgTx) FindMatterWorkflows(ctx context.Context, firmID, matterID, templateKey string) ([]model.MatterWorkflow, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+workflowColumns+`
		FROM matter_workflows
		WHERE firm_id = $1 AND matter_id = $2 AND template_key = $3
		ORDER BY seq ASC`, firmID, matterID, templateKey)
	if err != nil {
		return nil, fmt.Errorf("query matter workflows: %w", err)
	}
	defer rows.Close()

	var result []model.MatterWorkflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan matter workflow: %w", err)
		}
		result = append(result, wf)
	}
	return result, rows.Err()
}

// --- matter stages ---

const stageColumns = `id, firm_id, matter_id, matter_workflow_id, stage_template_id, name,
	sort_order, status, skipped_reason, started_at, started_by_id, completed_at,
	completed_by_id, created_at, updated_at`

func scanStage(row pgx.Row) (model.MatterStage, error) {
	var (
		s      model.MatterStage
		status string
	)
	err := row.Scan(
		&s.ID, &s.FirmID, &s.MatterID, &s.MatterWorkflowID, &s.StageTemplateID, &s.Name,
		&s.SortOrder, &status, &s.SkippedReason, &s.StartedAt, &s.StartedByID, &s.CompletedAt,
		&s.CompletedByID, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return model.MatterStage{}, err
	}
	if s.Status, err = model.ParseStageStatus(status); err != nil {
		return model.MatterStage{}, err
	}
	return s, nil
}

func (t *pgTx) CreateMatterStage(ctx context.Context, s model.MatterStage) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO matter_stages (`+stageColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		s.ID, s.FirmID, s.MatterID, s.MatterWorkflowID, s.StageTemplateID, s.Name,
		s.SortOrder, string(s.Status), s.SkippedReason, s.StartedAt, s.StartedByID, s.CompletedAt,
		s.CompletedByID, s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		return wrapInsertErr(err, "matter stage", s.ID)
	}
	return nil
}

func (t *pgTx) GetMatterStage(ctx context.Context, stageID string) (model.MatterStage, error) {
	s, err := scanStage(t.tx.QueryRow(ctx,
		`SELECT `+stageColumns+` FROM matter_stages WHERE id = $1`, stageID))
	if err != nil {
		return model.MatterStage{}, notFound(err, "matter stage", stageID)
	}
	return s, nil
}

func (t *pgTx) GetMatterStageForUpdate(ctx context.Context, stageID string) (model.MatterStage, error) {
	s, err := scanStage(t.tx.QueryRow(ctx,
		`SELECT `+stageColumns+` FROM matter_stages WHERE id = $1 FOR UPDATE`, stageID))
	if err != nil {
		return model.MatterStage{}, notFound(err, "matter stage", stageID)
	}
	return s, nil
}

func (t *pgTx) UpdateMatterStage(ctx context.Context, s model.MatterStage) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE matter_stages SET
			status = $1,
			skipped_reason = $2,
			started_at = $3,
			started_by_id = $4,
			completed_at = $5,
			completed_by_id = $6,
			updated_at = $7
		WHERE id = $8`,
		string(s.Status), s.SkippedReason, s.StartedAt, s.StartedByID,
		s.CompletedAt, s.CompletedByID, s.UpdatedAt, s.ID,
	)
	if err != nil {
		return fmt.Errorf("update matter stage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(fmt.Sprintf("matter stage %q not found", s.ID))
	}
	return nil
}

func (t *pgTx) ListMatterStages(ctx context.Context, workflowID string) ([]model.MatterStage, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+stageColumns+`
		FROM matter_stages
		WHERE matter_workflow_id = $1
		ORDER BY sort_order ASC, seq ASC`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("query matter stages: %w", err)
	}
	defer rows.Close()

	var result []model.MatterStage
	for rows.Next() {
		s, err := scanStage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan matter stage: %w", err)
		}
		result = append(result, s)
	}
	return result, rows.Err()
}

// --- tasks ---

const taskColumns = `id, firm_id, matter_id, matter_stage_id, task_template_id, title,
	description, status, priority, is_mandatory, requires_evidence, requires_approval,
	due_date, created_by_id, created_at, updated_at`

func scanTask(row pgx.Row) (model.Task, error) {
	var (
		task     model.Task
		status   string
		priority string
	)
	err := row.Scan(
		&task.ID, &task.FirmID, &task.MatterID, &task.MatterStageID, &task.TaskTemplateID, &task.Title,
		&task.Description, &status, &priority, &task.IsMandatory, &task.RequiresEvidence,
		&task.RequiresApproval, &task.DueDate, &task.CreatedByID, &task.CreatedAt, &task.UpdatedAt,
	)
	if err != nil {
		return model.Task{}, err
	}
	if task.Status, err = model.ParseTaskStatus(status); err != nil {
		return model.Task{}, err
	}
	if task.Priority, err = model.ParseTaskPriority(priority); err != nil {
		return model.Task{}, err
	}
	return task, nil
}

func (t *pgTx) CreateTask(ctx context.Context, task model.Task) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		task.ID, task.FirmID, task.MatterID, task.MatterStageID, task.TaskTemplateID, task.Title,
		task.Description, string(task.Status), string(task.Priority), task.IsMandatory,
		task.RequiresEvidence, task.RequiresApproval, task.DueDate, task.CreatedByID,
		task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		return wrapInsertErr(err, "task", task.ID)
	}
	return nil
}

func (t *pgTx) GetTask(ctx context.Context, taskID string) (model.Task, error) {
	task, err := scanTask(t.tx.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = $1`, taskID))
	if err != nil {
		return model.Task{}, notFound(err, "task", taskID)
	}
	return task, nil
}

func (t *pgTx) UpdateTask(ctx context.Context, task model.Task) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE tasks SET
			matter_stage_id = $1,
			title = $2,
			description = $3,
			status = $4,
			priority = $5,
			is_mandatory = $6,
			due_date = $7,
			updated_at = $8
		WHERE id = $9`,
		task.MatterStageID, task.Title, task.Description, string(task.Status),
		string(task.Priority), task.IsMandatory, task.DueDate, task.UpdatedAt, task.ID,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(fmt.Sprintf("task %q not found", task.ID))
	}
	return nil
}

func (t *pgTx) ListTasksByStage(ctx context.Context, stageID string) ([]model.Task, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE matter_stage_id = $1
		ORDER BY seq ASC`, stageID)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var result []model.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		result = append(result, task)
	}
	return result, rows.Err()
}

// --- audit ---

func (t *pgTx) CreateException(ctx context.Context, exc model.Exception) error {
	meta, err := marshalJSON(exc.Metadata)
	if err != nil {
		return fmt.Errorf("marshal exception metadata: %w", err)
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO exceptions (
			id, firm_id, matter_id, object_type, object_id, exception_type,
			reason, decision_source, approved_by_id, approved_at, metadata, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		exc.ID, exc.FirmID, exc.MatterID, exc.ObjectType, exc.ObjectID, string(exc.ExceptionType),
		exc.Reason, string(exc.DecisionSource), exc.ApprovedByID, exc.ApprovedAt, meta, exc.CreatedAt,
	)
	if err != nil {
		return wrapInsertErr(err, "exception", exc.ID)
	}
	return nil
}

func (t *pgTx) ListExceptions(ctx context.Context, objectType, objectID string) ([]model.Exception, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id, firm_id, matter_id, object_type, object_id, exception_type,
		       reason, decision_source, approved_by_id, approved_at, metadata, created_at
		FROM exceptions
		WHERE object_type = $1 AND object_id = $2
		ORDER BY seq ASC`, objectType, objectID)
	if err != nil {
		return nil, fmt.Errorf("query exceptions: %w", err)
	}
	defer rows.Close()

	var result []model.Exception
	for rows.Next() {
		var (
			exc      model.Exception
			excType  string
			source   string
			metaJSON []byte
		)
		if err := rows.Scan(
			&exc.ID, &exc.FirmID, &exc.MatterID, &exc.ObjectType, &exc.ObjectID, &excType,
			&exc.Reason, &source, &exc.ApprovedByID, &exc.ApprovedAt, &metaJSON, &exc.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan exception: %w", err)
		}
		exc.ExceptionType = model.ExceptionType(excType)
		exc.DecisionSource = model.DecisionSource(source)
		if metaJSON != nil {
			if err := json.Unmarshal(metaJSON, &exc.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal exception metadata: %w", err)
			}
		}
		result = append(result, exc)
	}
	return result, rows.Err()
}

func (t *pgTx) CreateTimelineEvent(ctx context.Context, event model.TimelineEvent) error {
	meta, err := marshalJSON(event.Metadata)
	if err != nil {
		return fmt.Errorf("marshal event metadata: %w", err)
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO timeline_events (
			id, firm_id, matter_id, type, title, description, actor_type,
			actor_id, entity_type, entity_id, metadata, occurred_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		event.ID, event.FirmID, event.MatterID, event.Type, event.Title, event.Description,
		event.ActorType, event.ActorID, event.EntityType, event.EntityID, meta, event.OccurredAt,
	)
	if err != nil {
		return wrapInsertErr(err, "timeline event", event.ID)
	}
	return nil
}

func (t *pgTx) ListTimelineEvents(ctx context.Context, firmID, matterID string) ([]model.TimelineEvent, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id, firm_id, matter_id, type, title, description, actor_type,
		       actor_id, entity_type, entity_id, metadata, occurred_at
		FROM timeline_events
		WHERE firm_id = $1 AND matter_id = $2
		ORDER BY seq ASC`, firmID, matterID)
	if err != nil {
		return nil, fmt.Errorf("query timeline events: %w", err)
	}
	defer rows.Close()

	var result []model.TimelineEvent
	for rows.Next() {
		var (
			evt      model.TimelineEvent
			metaJSON []byte
		)
		if err := rows.Scan(
			&evt.ID, &evt.FirmID, &evt.MatterID, &evt.Type, &evt.Title, &evt.Description,
			&evt.ActorType, &evt.ActorID, &evt.EntityType, &evt.EntityID, &metaJSON, &evt.OccurredAt,
		); err != nil {
			return nil, fmt.Errorf("scan timeline event: %w", err)
		}
		if metaJSON != nil {
			if err := json.Unmarshal(metaJSON, &evt.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal event metadata: %w", err)
			}
		}
		result = append(result, evt)
	}
	return result, rows.Err()
}
