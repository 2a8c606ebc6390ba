package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pitabwire/docket/internal/config"
	"github.com/pitabwire/docket/internal/definition"
	"github.com/pitabwire/docket/internal/observability"
	"github.com/pitabwire/docket/internal/transport"
	"github.com/pitabwire/docket/internal/workflow"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the workflow HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger, err := ctx.ensureLogger()
			if err != nil {
				return fmt.Errorf("logger: %w", err)
			}
			defer logger.Sync()

			runCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()
			return serve(runCtx, cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	observability.Version = version
	observability.Commit = commit

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "docket", version)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	store, closeStore, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	registry := definition.NewRegistry()
	if err := loadRegistry(ctx, cfg, store, registry, logger, metrics); err != nil {
		return err
	}

	idem, closeIdem, err := openIdempotencyStore(ctx, cfg.Idempotency, logger)
	if err != nil {
		return err
	}
	defer closeIdem()

	policy, err := workflow.ParseDuplicatePolicy(cfg.Workflow.DuplicateActivation)
	if err != nil {
		return err
	}
	engine := workflow.NewEngine(
		workflow.WithLogger(logger.Named("workflow")),
		workflow.WithMetrics(metrics),
		workflow.WithDuplicatePolicy(policy),
	)

	api, err := transport.LoadAPIDocument(ctx)
	if err != nil {
		return err
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:      cfg,
		Store:       store,
		Engine:      engine,
		Registry:    registry,
		API:         api,
		Idempotency: idem,
		Logger:      logger,
		Metrics:     metrics,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Int("templates", registry.Len()),
		zap.Int("api_operations", len(api.OperationIDs())),
		zap.String("duplicate_activation", string(policy)),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return err
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return nil
}

// loadRegistry fills the registry from the configured template directories.
// Templates are published first when publishing is enabled or the store is
// in memory; otherwise only already published versions are served.
func loadRegistry(ctx context.Context, cfg *config.Config, store workflow.Store, registry *definition.Registry, logger *zap.Logger, metrics *observability.Metrics) error {
	tpls, verrs, err := loadTemplates(cfg, nil)
	if err != nil {
		return err
	}
	if len(verrs) > 0 {
		for _, ve := range verrs {
			logger.Error("template validation error", zap.String("error", ve.Error()))
		}
		return fmt.Errorf("template validation failed with %d error(s)", len(verrs))
	}

	publisher := definition.NewPublisher(store, logger.Named("definition"), metrics)
	publish := publisher.Resolve
	if cfg.Templates.Publish || cfg.Store.Driver == "memory" {
		publish = publisher.Publish
	}
	stored, err := publish(ctx, tpls)
	if err != nil {
		return fmt.Errorf("publish templates: %w", err)
	}

	registry.Replace(stored)
	if metrics != nil {
		metrics.SetTemplatesLoaded(float64(registry.Len()))
	}
	logger.Info("workflow templates loaded",
		zap.Int("count", registry.Len()),
		zap.String("checksum", registry.Checksum()),
	)
	return nil
}
