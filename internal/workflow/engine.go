package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/docket/internal/observability"
	"github.com/pitabwire/docket/model"
)

// DuplicatePolicy decides what happens when a template is activated on a
// matter that already has an instance of the same template key.
type DuplicatePolicy string

// Duplicate activation policies.
const (
	DuplicateAllow          DuplicatePolicy = "allow"
	DuplicateReject         DuplicatePolicy = "reject"
	DuplicateReturnExisting DuplicatePolicy = "return_existing"
)

// ParseDuplicatePolicy validates s. An empty value defaults to allow.
func ParseDuplicatePolicy(s string) (DuplicatePolicy, error) {
	switch DuplicatePolicy(s) {
	case DuplicateAllow, DuplicateReject, DuplicateReturnExisting:
		return DuplicatePolicy(s), nil
	case "":
		return DuplicateAllow, nil
	}
	return "", fmt.Errorf("unknown duplicate activation policy %q", s)
}

// Engine activates workflow templates on matters and drives stage
// progression. Every operation runs inside the caller's transaction and
// performs no concurrency control of its own.
type Engine struct {
	sink            TimelineSink
	resolver        TaskResolver
	logger          *zap.Logger
	metrics         *observability.Metrics
	duplicatePolicy DuplicatePolicy
	now             func() time.Time
	newID           func() string
}

// Option configures an Engine.
type Option func(*Engine)

// WithTimelineSink replaces the default transaction-backed timeline sink.
func WithTimelineSink(sink TimelineSink) Option {
	return func(e *Engine) { e.sink = sink }
}

// WithTaskResolver replaces model.IsTaskResolved.
func WithTaskResolver(resolver TaskResolver) Option {
	return func(e *Engine) { e.resolver = resolver }
}

// WithLogger sets the engine logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithMetrics enables Prometheus recording.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithDuplicatePolicy sets the duplicate activation policy.
func WithDuplicatePolicy(p DuplicatePolicy) Option {
	return func(e *Engine) { e.duplicatePolicy = p }
}

// WithClock overrides time.Now. For testing.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDGenerator overrides uuid generation. For testing.
func WithIDGenerator(newID func() string) Option {
	return func(e *Engine) { e.newID = newID }
}

// NewEngine creates a new workflow engine.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		sink:            TxTimelineSink{},
		resolver:        model.IsTaskResolved,
		logger:          zap.NewNop(),
		duplicatePolicy: DuplicateAllow,
		now:             func() time.Time { return time.Now().UTC() },
		newID:           func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// log returns the logger of the request behind ctx, which carries the
// caller's identity, or the engine logger outside a request.
func (e *Engine) log(ctx context.Context) *zap.Logger {
	if l := observability.LoggerFrom(ctx, nil); l != nil {
		return l.Named("workflow")
	}
	return e.logger
}

// emit sends a timeline event through the sink.
func (e *Engine) emit(ctx context.Context, tx Tx, event model.TimelineEvent) error {
	event.ID = e.newID()
	if event.OccurredAt.IsZero() {
		event.OccurredAt = e.now()
	}
	if event.ActorType == "" {
		event.ActorType = model.ActorSystem
	}
	if err := e.sink.CreateTimelineEvent(ctx, tx, event); err != nil {
		return fmt.Errorf("create %s timeline event: %w", event.Type, err)
	}
	return nil
}

// actorType classifies an actor id for timeline events.
func actorType(actorID string) string {
	if actorID == "" || actorID == model.ActorSystem {
		return model.ActorSystem
	}
	return model.ActorUser
}

// stageTemplateOrDefault loads a stage's template. A stage without a template
// reference, or whose template no longer exists, gets default criteria and
// gate settings.
func stageTemplateOrDefault(ctx context.Context, tx Tx, stage model.MatterStage) (model.StageTemplate, error) {
	defaults := model.StageTemplate{
		CompletionCriteria: model.CriteriaAllMandatoryTasks,
		GateType:           model.GateHard,
	}
	if stage.StageTemplateID == "" {
		return defaults, nil
	}

	st, err := tx.GetStageTemplate(ctx, stage.StageTemplateID)
	if model.IsNotFound(err) {
		return defaults, nil
	}
	if err != nil {
		return model.StageTemplate{}, fmt.Errorf("load stage template %q: %w", stage.StageTemplateID, err)
	}

	if st.CompletionCriteria, err = model.ParseCompletionCriteria(string(st.CompletionCriteria)); err != nil {
		return model.StageTemplate{}, model.NewValidationError([]model.FieldError{{
			Field: "completion_criteria", Code: "INVALID", Message: err.Error(),
		}})
	}
	if st.GateType, err = model.ParseGateType(string(st.GateType)); err != nil {
		return model.StageTemplate{}, model.NewValidationError([]model.FieldError{{
			Field: "gate_type", Code: "INVALID", Message: err.Error(),
		}})
	}
	return st, nil
}

func timePtr(t time.Time) *time.Time {
	return &t
}

func stringPtr(s string) *string {
	return &s
}
