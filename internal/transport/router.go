package transport

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/docket/internal/config"
	"github.com/pitabwire/docket/internal/definition"
	"github.com/pitabwire/docket/internal/idempotency"
	"github.com/pitabwire/docket/internal/observability"
	"github.com/pitabwire/docket/internal/workflow"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config   *config.Config
	Store    workflow.Store
	Engine   *workflow.Engine
	Registry *definition.Registry

	// API validates request bodies and is served at /openapi.json. The
	// embedded document is loaded when nil.
	API *APIDocument

	// Idempotency is nil when activation requests are not deduplicated.
	Idempotency idempotency.Store

	Logger  *zap.Logger
	Metrics *observability.Metrics
}

func (d Dependencies) idempotencyTTL() time.Duration {
	if ttl := d.Config.Idempotency.Store.DefaultTTL; ttl > 0 {
		return ttl
	}
	return 24 * time.Hour
}

func (d Dependencies) idempotencyLease() time.Duration {
	if lease := d.Config.Idempotency.Store.Lease; lease > 0 {
		return lease
	}
	return time.Minute
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints do not
// require identity headers.
func NewRouter(deps Dependencies) chi.Router {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Registry == nil {
		deps.Registry = definition.NewRegistry()
	}
	if deps.API == nil {
		deps.API = MustLoadAPIDocument()
	}

	r := chi.NewRouter()

	r.Use(Recovery(deps.Logger))
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	r.Use(observability.TracingMiddleware)
	r.Use(MetricsRecording(deps.Metrics))

	checks := observability.ReadinessChecks{
		TemplatesLoaded: deps.Registry.Loaded,
	}
	if hc, ok := deps.Store.(observability.HealthChecker); ok {
		checks.Store = hc
	}
	if deps.Idempotency != nil {
		checks.IdempotencyStore = deps.Idempotency
	}

	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(checks))
	r.Get("/openapi.json", handleAPIDocument(deps.API))
	if m := deps.Config.Observability.Metrics; m.Enabled {
		r.Handle(m.Path, observability.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(RequestLogging(deps.Logger))
		r.Use(BuildRequestContext(deps.Logger))
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))

		r.Get("/templates", handleListTemplates(deps))

		r.Post("/matters/{matterId}/workflows", handleActivateWorkflow(deps))

		r.Get("/workflows/{workflowId}", handleGetWorkflow(deps))
		r.Get("/workflows/{workflowId}/progress", handleWorkflowProgress(deps))
		r.Post("/workflows/{workflowId}/advance", handleAdvanceWorkflow(deps))

		r.Get("/stages/{stageId}/completion", handleStageCompletion(deps))
		r.Get("/stages/{stageId}/gate", handleStageGate(deps))
		r.Post("/stages/{stageId}/gate-override", handleGateOverride(deps))
		r.Post("/stages/{stageId}/task-status", handleTaskStatus(deps))
		r.Post("/stages/{stageId}/start", handleStartStage(deps))
		r.Post("/stages/{stageId}/complete", handleCompleteStage(deps))
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		WriteNotFound(w, "route not found")
	})

	return r
}
