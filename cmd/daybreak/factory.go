package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/ShayCichocki/daybreak/internal/agent"
	"github.com/ShayCichocki/daybreak/internal/capability"
	"github.com/ShayCichocki/daybreak/internal/config"
	"github.com/ShayCichocki/daybreak/internal/llm"
	"github.com/ShayCichocki/daybreak/internal/metrics"
	"github.com/ShayCichocki/daybreak/internal/orchestrator"
	"github.com/ShayCichocki/daybreak/internal/sandbox"
	"github.com/ShayCichocki/daybreak/internal/state"
	"github.com/ShayCichocki/daybreak/internal/state/gormstore"
)

// openStore opens and migrates the configured store.
func openStore(cfg *config.Config) (state.Store, error) {
	var (
		store state.Store
		err   error
	)
	switch cfg.Database.Driver {
	case "mysql":
		store, err = gormstore.Open(cfg.Database.DSN)
	default:
		path := cfg.Database.Path
		if path == "" {
			path = state.DefaultDBPath()
		}
		store, err = state.Open(path, state.WithDriver(cfg.Database.Driver))
	}
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := store.Migrate(); err != nil {
		store.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return store, nil
}

// buildEngine selects the reasoning engine. Dry runs never touch the
// network.
func buildEngine(ctx context.Context, cfg *config.Config, dryRun bool) (llm.Engine, error) {
	if dryRun {
		return &llm.DryRun{Topics: cfg.Generation.Topics}, nil
	}
	switch cfg.Engine.Provider {
	case "gemini":
		return llm.NewGeminiEngine(ctx, llm.GeminiConfig{
			APIKey: cfg.Gemini.APIKey,
			Model:  cfg.Gemini.Model,
		})
	case "anthropic", "":
		if !cfg.Anthropic.Bedrock {
			if _, err := config.GetAPIKey(cfg); err != nil {
				return nil, fmt.Errorf("%w: set ANTHROPIC_API_KEY or anthropic.api_key, or use --dry-run", err)
			}
		}
		return llm.NewClaudeEngine(llm.ClaudeConfig{
			Model:      cfg.Anthropic.Model,
			APIKey:     cfg.Anthropic.APIKey,
			UseBedrock: cfg.Anthropic.Bedrock,
			AWSRegion:  cfg.Anthropic.AWSRegion,
			AWSProfile: cfg.Anthropic.AWSProfile,
		})
	default:
		return nil, fmt.Errorf("unknown engine provider %q", cfg.Engine.Provider)
	}
}

type appOptions struct {
	dryRun bool
	// onStream receives agent loop progress. Optional.
	onStream func(agent.StreamEvent)
}

// app holds everything one process needs to drive runs.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   state.Store
	engine  llm.Engine
	metrics *metrics.Metrics
	orch    *orchestrator.Orchestrator
	closers []io.Closer
}

// newApp wires the store, capabilities, engine, agents and orchestrator.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts appOptions) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger, metrics: metrics.New()}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.store, err = openStore(cfg)
	if err != nil {
		return nil, err
	}

	var runner sandbox.Runner
	if cfg.Sandbox.Enabled {
		runner = sandbox.NewLocalRunner(cfg.Sandbox.Home, cfg.Sandbox.Timeout)
	}
	registry := capability.Builtins(a.store, runner)
	registry.SetObserver(a.metrics.CapabilityCalled)

	var notes agent.NotesSource
	if cfg.Notes.Path != "" {
		nw, err := agent.NewNotesWatcher(cfg.Notes.Path, logger)
		if err != nil {
			return nil, fmt.Errorf("watch notes: %w", err)
		}
		a.closers = append(a.closers, nw)
		notes = nw
	}

	a.engine, err = buildEngine(ctx, cfg, opts.dryRun)
	if err != nil {
		return nil, err
	}
	if c, ok := a.engine.(io.Closer); ok {
		a.closers = append(a.closers, c)
	}

	loop := agent.NewLoop(agent.LoopConfig{
		Engine:       a.engine,
		Notes:        notes,
		Logger:       logger,
		OnStream:     opts.onStream,
		OnEngineCall: a.metrics.EngineCalled,
	})

	executor, err := agent.NewExecutor(agent.ExecutorConfig{
		Store:         a.store,
		Loop:          loop,
		Registry:      registry,
		Logger:        logger,
		MaxIterations: cfg.Agents.ExecutorMaxIterations,
		TaskTimeout:   cfg.Execution.TaskTimeout,
	})
	if err != nil {
		return nil, err
	}
	generator := agent.NewGenerator(agent.GeneratorConfig{
		Loop:          loop,
		Registry:      registry,
		Logger:        logger,
		MaxIterations: cfg.Agents.GeneratorMaxIterations,
		MinTasks:      cfg.Generation.MinTasks,
		MaxTasks:      cfg.Generation.MaxTasks,
		Topics:        cfg.Generation.Topics,
	})
	reporter := agent.NewReporter(agent.ReporterConfig{
		Loop:          loop,
		Registry:      registry,
		Logger:        logger,
		MaxIterations: cfg.Agents.ReporterMaxIterations,
	})

	a.orch, err = orchestrator.New(orchestrator.RequiredConfig{
		Store:     a.store,
		Generator: generator,
		Executor:  executor,
		Reporter:  reporter,
	},
		orchestrator.WithLogger(logger),
		orchestrator.WithPolicy(cfg.Policy()),
		orchestrator.WithObserver(a.metrics),
	)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Close releases everything newApp opened, last opened first.
func (a *app) Close() error {
	if a.orch != nil {
		a.orch.Close()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i].Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}
