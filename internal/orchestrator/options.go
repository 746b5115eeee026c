package orchestrator

import (
	"log/slog"
	"time"

	"github.com/ShayCichocki/daybreak/internal/agent"
	"github.com/ShayCichocki/daybreak/internal/orchestrator/policy"
	"github.com/ShayCichocki/daybreak/internal/state"
	"github.com/ShayCichocki/daybreak/pkg/models"
)

// RequiredConfig contains the minimal required configuration for an
// Orchestrator. All fields are required and have no defaults.
type RequiredConfig struct {
	Store     state.Store
	Generator *agent.Generator
	Executor  *agent.Executor
	Reporter  *agent.Reporter
}

// Observer receives phase, task and run outcomes. The metrics package
// implements it.
type Observer interface {
	PhaseCompleted(phase models.Phase, d time.Duration, err error)
	TaskFinished(status models.TaskStatus)
	RunFinished(status string)
}

// Option configures an Orchestrator. Use With* functions to create Options.
type Option func(*orchestratorOptions)

type orchestratorOptions struct {
	logger       *slog.Logger
	now          func() time.Time
	policyConfig *policy.Config
	observer     Observer
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *orchestratorOptions) { o.logger = l }
}

// WithClock overrides time.Now for deadlines and budgets.
func WithClock(now func() time.Time) Option {
	return func(o *orchestratorOptions) { o.now = now }
}

// WithPolicy sets the policy configuration.
func WithPolicy(p *policy.Config) Option {
	return func(o *orchestratorOptions) { o.policyConfig = p }
}

// WithObserver registers an Observer.
func WithObserver(obs Observer) Option {
	return func(o *orchestratorOptions) { o.observer = obs }
}

type nopObserver struct{}

func (nopObserver) PhaseCompleted(models.Phase, time.Duration, error) {}
func (nopObserver) TaskFinished(models.TaskStatus)                    {}
func (nopObserver) RunFinished(string)                                {}
