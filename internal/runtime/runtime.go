// Package runtime wires the components into one explicitly constructed
// context: the lock table, registries, store, and event bus are owned
// here and passed into constructors, never reached through globals.
package runtime

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/jlneal/choragen/internal/config"
	"github.com/jlneal/choragen/internal/events"
	"github.com/jlneal/choragen/internal/governance"
	"github.com/jlneal/choragen/internal/llm"
	"github.com/jlneal/choragen/internal/llm/providers"
	"github.com/jlneal/choragen/internal/observability"
	"github.com/jlneal/choragen/internal/scope"
	"github.com/jlneal/choragen/internal/session"
	"github.com/jlneal/choragen/internal/store"
	"github.com/jlneal/choragen/internal/types"
	"github.com/jlneal/choragen/internal/workflow"
)

// Options carries the pluggable collaborators a Runtime cannot build
// itself: the tool executor and the human-approval broker.
type Options struct {
	Executor session.ToolExecutor
	Broker   session.ApprovalBroker
	Logger   *slog.Logger
}

// Runtime owns the process-wide components. Constructed once per
// process and shut down on exit.
type Runtime struct {
	Config    *config.Config
	Logger    *slog.Logger
	Tracer    trace.Tracer
	Store     *store.FileStore
	Bus       *events.Bus
	Resolver  *scope.Resolver
	Registry  *governance.Registry
	Providers *llm.Registry
	Tracker   *llm.UsageTracker
	Templates *workflow.TemplateStore
	Runner    *session.Runner
	Workflows *workflow.Manager
}

// New builds a Runtime from configuration.
func New(cfg *config.Config, opts Options) (*Runtime, error) {
	logger := opts.Logger
	if logger == nil {
		logger = observability.NewLogger(nil, cfg.Log.Level, cfg.Log.Format)
	}
	tracer := observability.NewTracer("choragen")

	fileStore, err := store.NewFileStore(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	bus := events.NewBus(logger)

	resolver, err := scope.NewResolver(fileStore)
	if err != nil {
		return nil, err
	}

	registry := governance.NewRegistry()
	if err := registry.LoadFromFiles(cfg.RolesFile, cfg.ToolsFile); err != nil {
		return nil, err
	}
	authorizer := governance.NewAuthorizer(registry, resolver)

	providerRegistry, err := buildProviders(cfg)
	if err != nil {
		return nil, err
	}

	tracker := llm.NewUsageTracker(nil)

	templates, err := workflow.NewTemplateStore()
	if err != nil {
		return nil, err
	}
	if cfg.TemplatesDir != "" {
		if err := templates.LoadDir(cfg.TemplatesDir); err != nil {
			return nil, err
		}
	}

	retry := session.RetryPolicy{
		MaxRetries:   cfg.Session.MaxRetries,
		InitialDelay: cfg.Session.RetryBaseDelay,
		MaxDelay:     cfg.Session.RetryMaxDelay,
		Multiplier:   2.0,
		Jitter:       0.2,
	}
	runner := session.NewRunner(session.RunnerDeps{
		Registry:        registry,
		Authorizer:      authorizer,
		Providers:       providerRegistry,
		Tracker:         tracker,
		Persister:       fileStore,
		Executor:        opts.Executor,
		Broker:          opts.Broker,
		Bus:             bus,
		Logger:          logger,
		Tracer:          tracer,
		Retry:           &retry,
		MaxTurns:        cfg.Session.MaxTurns,
		ApprovalTimeout: cfg.Session.ApprovalTimeout,
	})

	rt := &Runtime{
		Config:    cfg,
		Logger:    logger,
		Tracer:    tracer,
		Store:     fileStore,
		Bus:       bus,
		Resolver:  resolver,
		Registry:  registry,
		Providers: providerRegistry,
		Tracker:   tracker,
		Templates: templates,
		Runner:    runner,
	}

	hooks := workflow.NewHookRunner(bus, logger)
	rt.Workflows = workflow.NewManager(workflow.ManagerDeps{
		Templates: templates,
		Persister: fileStore,
		Hooks:     hooks,
		Launcher:  rt.launchAgent,
		Bus:       bus,
		Logger:    logger,
		Tracer:    tracer,
	})

	return rt, nil
}

// launchAgent starts a session for an activated agent stage in its own
// goroutine. Each active session gets one goroutine; turns within a
// session run strictly sequentially.
func (rt *Runtime) launchAgent(ctx context.Context, w *workflow.Workflow, stage *workflow.WorkflowStage) error {
	cfg := session.Config{
		Role:      stage.Role,
		Provider:  rt.Config.Provider.Default,
		Model:     rt.Config.Provider.Model,
		Prompt:    stage.InitPrompt,
		StageType: string(stage.Type),
		ChainID:   w.ChainID,
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	detached := context.WithoutCancel(ctx)
	go func() {
		if _, err := rt.Runner.Run(detached, cfg); err != nil {
			rt.Logger.Error("stage agent session failed to start",
				"workflow_id", w.ID,
				"stage", stage.Name,
				"error", err)
		}
	}()
	return nil
}

// Health aggregates provider health.
func (rt *Runtime) Health(ctx context.Context) types.HealthStatus {
	return rt.Providers.Health(ctx)
}

// Shutdown tears the runtime down. Sessions persist after every turn
// and workflows after every mutation, so there is no buffered state to
// flush beyond closing the event bus.
func (rt *Runtime) Shutdown() error {
	return rt.Bus.Close()
}

// buildProviders registers one adapter per vendor credential found in
// the environment, plus a local adapter when an endpoint is configured.
func buildProviders(cfg *config.Config) (*llm.Registry, error) {
	registry := llm.NewRegistry()

	for name, key := range cfg.Credentials() {
		pc := llm.ProviderConfig{
			Type:   llm.ProviderType(name),
			APIKey: key,
		}
		provider, err := providers.NewProvider(pc)
		if err != nil {
			return nil, err
		}
		if err := registry.Register(provider); err != nil {
			return nil, err
		}
	}

	if cfg.Provider.LocalEndpoint != "" {
		provider, err := providers.NewProvider(llm.ProviderConfig{
			Type:    llm.ProviderLocal,
			BaseURL: cfg.Provider.LocalEndpoint,
		})
		if err != nil {
			return nil, err
		}
		if err := registry.Register(provider); err != nil {
			return nil, err
		}
	}

	return registry, nil
}
