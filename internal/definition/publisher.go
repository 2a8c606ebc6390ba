package definition

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/docket/internal/observability"
	"github.com/pitabwire/docket/internal/workflow"
	"github.com/pitabwire/docket/model"
)

// Publish outcomes recorded per template.
const (
	PublishCreated   = "created"
	PublishUnchanged = "unchanged"
	PublishConflict  = "conflict"
)

// Publisher stores validated templates in the workflow store. A published
// (key, version) is immutable: republishing identical content is a no-op and
// different content under the same version is a conflict.
type Publisher struct {
	store   workflow.Store
	logger  *zap.Logger
	metrics *observability.Metrics
	now     func() time.Time
	newID   func() string
}

// NewPublisher creates a Publisher. metrics may be nil.
func NewPublisher(store workflow.Store, logger *zap.Logger, metrics *observability.Metrics) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		store:   store,
		logger:  logger,
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
		newID:   func() string { return uuid.New().String() },
	}
}

// Publish stores every template in one transaction and returns them as
// stored, with ids assigned. Nothing is stored if any template conflicts.
func (p *Publisher) Publish(ctx context.Context, tpls []model.WorkflowTemplate) ([]model.WorkflowTemplate, error) {
	published := make([]model.WorkflowTemplate, 0, len(tpls))
	outcomes := make([]string, 0, len(tpls))

	err := p.store.InTx(ctx, func(tx workflow.Tx) error {
		published = published[:0]
		outcomes = outcomes[:0]
		for _, tpl := range tpls {
			stored, outcome, err := p.publishOne(ctx, tx, tpl)
			if err != nil {
				p.record(PublishConflict)
				return err
			}
			published = append(published, stored)
			outcomes = append(outcomes, outcome)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i, tpl := range published {
		p.record(outcomes[i])
		p.logger.Info("workflow template published",
			zap.String("key", tpl.Key),
			zap.Int("version", tpl.Version),
			zap.String("template_id", tpl.ID),
			zap.String("outcome", outcomes[i]),
		)
	}
	return published, nil
}

func (p *Publisher) publishOne(ctx context.Context, tx workflow.Tx, tpl model.WorkflowTemplate) (model.WorkflowTemplate, string, error) {
	existing, err := tx.FindWorkflowTemplate(ctx, tpl.Key, tpl.Version)
	switch {
	case err == nil:
		if existing.Checksum != "" && tpl.Checksum != "" && existing.Checksum != tpl.Checksum {
			return model.WorkflowTemplate{}, "", model.NewConflictError(fmt.Sprintf(
				"workflow template %q version %d is already published with different content (%s)",
				tpl.Key, tpl.Version, tpl.SourceFile))
		}
		stored, err := LoadTemplate(ctx, tx, existing)
		return stored, PublishUnchanged, err
	case !model.IsNotFound(err):
		return model.WorkflowTemplate{}, "", fmt.Errorf("find template %q version %d: %w", tpl.Key, tpl.Version, err)
	}

	now := p.now()
	tpl.CreatedAt = now
	tpl.UpdatedAt = now
	if tpl.ID == "" {
		tpl.ID = p.newID()
	}
	stages := make([]model.StageTemplate, len(tpl.Stages))
	for i, st := range tpl.Stages {
		if st.ID == "" {
			st.ID = p.newID()
		}
		st.WorkflowTemplateID = tpl.ID
		tasks := make([]model.TaskTemplate, len(st.TaskTemplates))
		for j, tt := range st.TaskTemplates {
			if tt.ID == "" {
				tt.ID = p.newID()
			}
			tt.StageTemplateID = st.ID
			tasks[j] = tt
		}
		st.TaskTemplates = tasks
		stages[i] = st
	}
	tpl.Stages = stages

	if err := tx.CreateWorkflowTemplate(ctx, tpl); err != nil {
		return model.WorkflowTemplate{}, "", fmt.Errorf("create template %q version %d: %w", tpl.Key, tpl.Version, err)
	}
	return tpl, PublishCreated, nil
}

// Resolve returns the stored versions of already published templates. It
// does not write; templates that were never published are skipped and
// logged.
func (p *Publisher) Resolve(ctx context.Context, tpls []model.WorkflowTemplate) ([]model.WorkflowTemplate, error) {
	var stored []model.WorkflowTemplate
	err := p.store.InTx(ctx, func(tx workflow.Tx) error {
		stored = stored[:0]
		for _, tpl := range tpls {
			existing, err := tx.FindWorkflowTemplate(ctx, tpl.Key, tpl.Version)
			if model.IsNotFound(err) {
				p.logger.Warn("workflow template is not published",
					zap.String("key", tpl.Key),
					zap.Int("version", tpl.Version),
					zap.String("source", tpl.SourceFile),
				)
				continue
			}
			if err != nil {
				return fmt.Errorf("find template %q version %d: %w", tpl.Key, tpl.Version, err)
			}
			if existing.Checksum != "" && tpl.Checksum != "" && existing.Checksum != tpl.Checksum {
				p.logger.Warn("published workflow template differs from its source file",
					zap.String("key", tpl.Key),
					zap.Int("version", tpl.Version),
					zap.String("source", tpl.SourceFile),
				)
			}
			full, err := LoadTemplate(ctx, tx, existing)
			if err != nil {
				return err
			}
			stored = append(stored, full)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// SetActive enables or disables activation of a published template.
func (p *Publisher) SetActive(ctx context.Context, key string, version int, active bool) (model.WorkflowTemplate, error) {
	var tpl model.WorkflowTemplate
	err := p.store.InTx(ctx, func(tx workflow.Tx) error {
		existing, err := tx.FindWorkflowTemplate(ctx, key, version)
		if err != nil {
			return err
		}
		if err := tx.SetWorkflowTemplateActive(ctx, existing.ID, active); err != nil {
			return err
		}
		existing.IsActive = active
		tpl, err = LoadTemplate(ctx, tx, existing)
		return err
	})
	if err != nil {
		return model.WorkflowTemplate{}, err
	}
	p.logger.Info("workflow template activity changed",
		zap.String("key", key),
		zap.Int("version", version),
		zap.Bool("active", active),
	)
	return tpl, nil
}

// LoadTemplate fills a stored template header with its stages and task
// templates.
func LoadTemplate(ctx context.Context, tx workflow.Tx, tpl model.WorkflowTemplate) (model.WorkflowTemplate, error) {
	stages, err := tx.ListStageTemplates(ctx, tpl.ID)
	if err != nil {
		return model.WorkflowTemplate{}, fmt.Errorf("list stages of template %q: %w", tpl.ID, err)
	}
	for i := range stages {
		tasks, err := tx.ListTaskTemplates(ctx, stages[i].ID)
		if err != nil {
			return model.WorkflowTemplate{}, fmt.Errorf("list tasks of stage template %q: %w", stages[i].ID, err)
		}
		stages[i].TaskTemplates = tasks
	}
	tpl.Stages = stages
	return tpl, nil
}

func (p *Publisher) record(outcome string) {
	if p.metrics != nil {
		p.metrics.RecordTemplatePublish(outcome)
	}
}
