package commands

import (
	"context"
	"fmt"

	"github.com/opsforge/opsforge/pkg/authz"
	"github.com/opsforge/opsforge/pkg/catalog"
	"github.com/opsforge/opsforge/pkg/config"
	"github.com/opsforge/opsforge/pkg/engines"
	"github.com/opsforge/opsforge/pkg/notify"
	"github.com/opsforge/opsforge/pkg/runbook"
	"github.com/opsforge/opsforge/pkg/stores"
	"github.com/opsforge/opsforge/pkg/telemetry"
)

// app holds the wired framework for one command invocation.
type app struct {
	cfg     *config.Config
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
	store   stores.Store
	service *runbook.Service
}

// newApp loads configuration and wires the store, registry, authorization,
// notifications, and the runbook service.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}

	logger, err := telemetry.NewLogger(cfg.Telemetry.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	metrics, err := telemetry.NewMetrics(cfg.Telemetry.Metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	tracer, err := telemetry.NewTracer(
		cfg.Telemetry.Tracing,
		cfg.Telemetry.ServiceName,
		cfg.Telemetry.ServiceVersion,
		cfg.Telemetry.Environment,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tracer: %w", err)
	}

	store, err := stores.NewSQLiteStore(stores.Config{
		Path:            cfg.Store.Path,
		MaxOpenConns:    cfg.Store.MaxOpenConns,
		MaxIdleConns:    cfg.Store.MaxIdleConns,
		ConnMaxLifetime: cfg.Store.ConnMaxLifetime,
	})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}

	if cfg.Catalog.Path != "" {
		file, err := catalog.Load(cfg.Catalog.Path)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		if err := file.Sync(ctx, store); err != nil {
			_ = store.Close()
			return nil, err
		}
	}

	registry := runbook.NewRegistry()
	for name, engineCfg := range cfg.Engines {
		engine, err := buildEngine(engineCfg, logger)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("engine %s: %w", name, err)
		}
		if err := registry.Register(name, engine); err != nil {
			_ = store.Close()
			return nil, err
		}
	}

	grants := cfg.Authz.Grants
	if len(grants) == 0 {
		grants = authz.DefaultGrants()
	}
	provider := authz.NewStaticProvider(cfg.Authz.Actors, grants)

	var notifier notify.Notifier = notify.NewLogNotifier(logger.Zerolog())
	if cfg.Notifications.Webhook.URL != "" {
		notifier = notify.NewFanout(
			notifier,
			notify.NewWebhookNotifier(
				cfg.Notifications.Webhook.URL,
				cfg.Notifications.Webhook.Timeout,
				cfg.Notifications.Webhook.Headers,
			),
		)
	}

	service := runbook.NewService(store, registry, provider, notifier, logger, metrics, tracer)

	return &app{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		tracer:  tracer,
		store:   store,
		service: service,
	}, nil
}

func buildEngine(cfg config.EngineConfig, logger *telemetry.Logger) (runbook.Engine, error) {
	switch cfg.Type {
	case "noop":
		return engines.Noop(), nil
	case "script":
		return engines.NewScriptEngine(cfg.Command, cfg.WorkDir, cfg.Timeout, logger)
	default:
		return nil, fmt.Errorf("unknown engine type %q", cfg.Type)
	}
}

// actorContext attaches the acting user to the context. Every lifecycle
// command needs one.
func (a *app) actorContext(ctx context.Context) (context.Context, error) {
	if actorName == "" {
		return nil, fmt.Errorf("an actor is required: pass --actor or set OPSFORGE_ACTOR")
	}
	return authz.WithActor(ctx, actorName), nil
}

// close releases the store and flushes pending telemetry.
func (a *app) close(ctx context.Context) {
	if err := a.tracer.Shutdown(ctx); err != nil {
		a.logger.WithError(err).Warn("tracer shutdown failed")
	}
	if err := a.store.Close(); err != nil {
		a.logger.WithError(err).Warn("store close failed")
	}
}
