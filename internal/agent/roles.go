package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/ShayCichocki/daybreak/internal/capability"
	"github.com/ShayCichocki/daybreak/pkg/models"
)

// MainAgentID returns the id of the generating and reporting agent of a run.
func MainAgentID(runID string) string {
	return "main_agent_" + runID
}

// Generator invents the run's tasks through create_task.
type Generator struct {
	loop          *Loop
	registry      *capability.Registry
	logger        *slog.Logger
	maxIterations int
	minTasks      int
	maxTasks      int
	topics        []string
	now           func() time.Time
}

// GeneratorConfig configures a Generator.
type GeneratorConfig struct {
	Loop     *Loop
	Registry *capability.Registry
	Logger   *slog.Logger
	// MaxIterations defaults to GeneratorMaxIterations.
	MaxIterations int
	// MinTasks and MaxTasks bound how many tasks are asked for; MaxTasks
	// is also enforced on create_task. Defaults 2 and 4.
	MinTasks int
	MaxTasks int
	// Topics, when set, are created verbatim instead of letting the engine
	// choose.
	Topics []string
	Now    func() time.Time
}

// NewGenerator creates a Generator.
func NewGenerator(cfg GeneratorConfig) *Generator {
	g := &Generator{
		loop:          cfg.Loop,
		registry:      cfg.Registry,
		logger:        cfg.Logger,
		maxIterations: cfg.MaxIterations,
		minTasks:      cfg.MinTasks,
		maxTasks:      cfg.MaxTasks,
		topics:        cfg.Topics,
		now:           cfg.Now,
	}
	if g.registry == nil {
		g.registry = capability.NewRegistry()
	}
	g.registry = g.registry.Subset(capability.GeneratorSet...)
	if g.logger == nil {
		g.logger = slog.Default()
	}
	if g.maxIterations <= 0 {
		g.maxIterations = GeneratorMaxIterations
	}
	if g.minTasks <= 0 {
		g.minTasks = 2
	}
	if g.maxTasks < g.minTasks {
		g.maxTasks = max(4, g.minTasks)
	}
	if len(g.topics) > g.maxTasks {
		g.maxTasks = len(g.topics)
	}
	if g.now == nil {
		g.now = time.Now
	}
	return g
}

// Generation is the outcome of a generation pass.
type Generation struct {
	// Created lists the ids of tasks created, in creation order.
	Created []string
	Loop    *Result
}

// Generate runs the generator loop for run. Created ids are reported even
// when the loop ends abnormally.
func (g *Generator) Generate(ctx context.Context, run *models.WorkflowRun) (*Generation, error) {
	scope := &capability.Scope{
		RunID:      run.ID,
		UserID:     run.UserID,
		AgentID:    MainAgentID(run.ID),
		Deadline:   run.Deadline,
		MaxCreates: g.maxTasks,
		Now:        g.now,
		Logger:     g.logger,
	}
	res, err := g.loop.Run(ctx, Invocation{
		System:        GeneratorDirective,
		Instruction:   GeneratorInstruction(run.ID, g.topics, g.minTasks, g.maxTasks),
		Registry:      g.registry,
		Scope:         scope,
		MaxIterations: g.maxIterations,
	})
	gen := &Generation{Created: scope.Created(), Loop: res}
	g.logger.Info("generation finished",
		"run", run.ID,
		"created", len(gen.Created),
		"outcome", res.Outcome,
		"iterations", res.Iterations,
	)
	return gen, err
}

// Reporter summarises a finished run.
type Reporter struct {
	loop          *Loop
	registry      *capability.Registry
	logger        *slog.Logger
	maxIterations int
	now           func() time.Time
}

// ReporterConfig configures a Reporter.
type ReporterConfig struct {
	Loop     *Loop
	Registry *capability.Registry
	Logger   *slog.Logger
	// MaxIterations defaults to ReporterMaxIterations.
	MaxIterations int
	Now           func() time.Time
}

// NewReporter creates a Reporter.
func NewReporter(cfg ReporterConfig) *Reporter {
	r := &Reporter{
		loop:          cfg.Loop,
		registry:      cfg.Registry,
		logger:        cfg.Logger,
		maxIterations: cfg.MaxIterations,
		now:           cfg.Now,
	}
	if r.registry == nil {
		r.registry = capability.NewRegistry()
	}
	r.registry = r.registry.Subset(capability.ReporterSet...)
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.maxIterations <= 0 {
		r.maxIterations = ReporterMaxIterations
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// Report runs the reporter loop. Callers decide what to do when the
// outcome is not OutcomeDone.
func (r *Reporter) Report(ctx context.Context, run *models.WorkflowRun) (*Result, error) {
	return r.loop.Run(ctx, Invocation{
		System:      ReporterDirective,
		Instruction: ReporterInstruction,
		Registry:    r.registry,
		Scope: &capability.Scope{
			RunID:    run.ID,
			UserID:   run.UserID,
			AgentID:  MainAgentID(run.ID),
			Deadline: run.Deadline,
			Now:      r.now,
			Logger:   r.logger,
		},
		MaxIterations: r.maxIterations,
	})
}
