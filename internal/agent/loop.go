// Package agent runs the bounded capability-calling loop and its three
// roles: task generator, task executor and reporter.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ShayCichocki/daybreak/internal/capability"
	"github.com/ShayCichocki/daybreak/internal/llm"
)

// Iteration caps per role.
const (
	DefaultMaxIterations   = 10
	GeneratorMaxIterations = 8
	ExecutorMaxIterations  = 6
	ReporterMaxIterations  = 5
)

// Outcome is how a loop invocation ended.
type Outcome string

const (
	// OutcomeDone means the engine produced a final answer.
	OutcomeDone Outcome = "done"
	// OutcomeMaxIterations means the iteration cap was reached first.
	OutcomeMaxIterations Outcome = "max_iterations"
	// OutcomeAnomaly means the engine stopped for an unrecognised reason
	// or the engine call failed.
	OutcomeAnomaly Outcome = "anomaly"
)

// Stream event types.
const (
	EventText              = "text"
	EventCapabilityRequest = "capability_request"
	EventCapabilityResult  = "capability_result"
	EventDone              = "done"
	EventAnomaly           = "anomaly"
)

// StreamEvent reports loop progress to an optional observer.
type StreamEvent struct {
	Type       string
	AgentID    string
	Content    string
	Capability string
	Input      json.RawMessage
}

// Result is the outcome of one loop invocation.
type Result struct {
	Outcome Outcome
	// Text is the final answer, or the partial text for other outcomes.
	Text string
	// Anomaly describes why an anomalous invocation stopped.
	Anomaly            string
	Iterations         int
	ConversationLength int
	CapabilityCalls    int
	TokensIn           int64
	TokensOut          int64
}

// NotesSource supplies operator notes appended to every system directive.
type NotesSource interface {
	Read() string
}

// Invocation describes one run of the loop.
type Invocation struct {
	System      string
	Instruction string
	// Registry holds the capabilities the engine may request.
	Registry *capability.Registry
	Scope    *capability.Scope
	// MaxIterations caps engine calls. Zero selects DefaultMaxIterations.
	MaxIterations int
}

// Loop drives an Engine through capability calls until it answers. A Loop
// holds no per-invocation state and may be shared across goroutines.
type Loop struct {
	engine   llm.Engine
	notes    NotesSource
	logger   *slog.Logger
	onStream func(StreamEvent)
	onCall   func(outcome string)
}

// LoopConfig contains configuration for a Loop.
type LoopConfig struct {
	Engine llm.Engine
	// Notes is optional.
	Notes  NotesSource
	Logger *slog.Logger
	// OnStream receives progress events. Optional.
	OnStream func(StreamEvent)
	// OnEngineCall is told the outcome of every engine call
	// ("capability_request", "final", "anomaly" or "error"). Optional.
	OnEngineCall func(outcome string)
}

// NewLoop creates a Loop.
func NewLoop(cfg LoopConfig) *Loop {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		engine:   cfg.Engine,
		notes:    cfg.Notes,
		logger:   logger,
		onStream: cfg.OnStream,
		onCall:   cfg.OnEngineCall,
	}
}

// Engine returns the loop's engine.
func (l *Loop) Engine() llm.Engine { return l.engine }

func (l *Loop) emit(ev StreamEvent) {
	if l.onStream != nil {
		l.onStream(ev)
	}
}

func (l *Loop) observe(outcome string) {
	if l.onCall != nil {
		l.onCall(outcome)
	}
}

// Run executes the invocation. The returned Result is never nil. A
// non-nil error means the engine call failed; the result then carries
// OutcomeAnomaly and whatever text was produced before the failure.
func (l *Loop) Run(ctx context.Context, inv Invocation) (*Result, error) {
	maxIter := inv.MaxIterations
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}
	scope := inv.Scope
	if scope == nil {
		scope = &capability.Scope{}
	}
	registry := inv.Registry
	if registry == nil {
		registry = capability.NewRegistry()
	}

	system := inv.System
	if l.notes != nil {
		if notes := l.notes.Read(); notes != "" {
			system = fmt.Sprintf("%s\n\n## Operator Notes\n%s", system, notes)
		}
	}

	log := l.logger.With("agent", scope.AgentID, "run", scope.RunID)
	specs := registry.Specs()
	conversation := []llm.Message{
		{Role: llm.RoleUser, Blocks: []llm.Block{llm.TextBlock(inv.Instruction)}},
	}
	result := &Result{}
	var partial string

	for result.Iterations < maxIter {
		result.Iterations++

		if err := ctx.Err(); err != nil {
			return l.anomaly(scope.AgentID, result, conversation, partial, err.Error()), err
		}

		reply, err := l.engine.Converse(ctx, system, conversation, specs)
		if err != nil {
			l.observe("error")
			log.Warn("engine call failed", "iteration", result.Iterations, "error", err)
			return l.anomaly(scope.AgentID, result, conversation, partial, err.Error()), err
		}
		l.observe(string(reply.Stop))
		result.TokensIn += reply.Usage.InputTokens
		result.TokensOut += reply.Usage.OutputTokens

		text := reply.Text()
		if text != "" {
			partial = text
			l.emit(StreamEvent{Type: EventText, AgentID: scope.AgentID, Content: text})
		}

		switch reply.Stop {
		case llm.StopFinal:
			conversation = append(conversation, llm.Message{Role: llm.RoleAssistant, Blocks: reply.Content})
			if text == "" {
				text = "Task completed."
			}
			result.Outcome = OutcomeDone
			result.Text = text
			result.ConversationLength = len(conversation)
			l.emit(StreamEvent{Type: EventDone, AgentID: scope.AgentID})
			log.Debug("agent completed", "iterations", result.Iterations)
			return result, nil

		case llm.StopCapability:
			conversation = append(conversation, llm.Message{Role: llm.RoleAssistant, Blocks: reply.Content})
			var results []llm.Block
			for _, req := range reply.Requests() {
				result.CapabilityCalls++
				l.emit(StreamEvent{Type: EventCapabilityRequest, AgentID: scope.AgentID, Capability: req.Name, Input: req.Input})

				content, err := registry.Invoke(ctx, scope, req.Name, req.Input)
				isErr := err != nil
				if isErr {
					log.Info("capability failed", "capability", req.Name, "error", err)
					content = errorContent(err)
				}
				l.emit(StreamEvent{Type: EventCapabilityResult, AgentID: scope.AgentID, Capability: req.Name, Content: truncateForDisplay(content)})
				results = append(results, llm.ResultBlock(req.ID, req.Name, content, isErr))
			}
			if len(results) > 0 {
				conversation = append(conversation, llm.Message{Role: llm.RoleUser, Blocks: results})
			}

		default:
			conversation = append(conversation, llm.Message{Role: llm.RoleAssistant, Blocks: reply.Content})
			reason := reply.Anomaly
			if reason == "" {
				reason = fmt.Sprintf("Stopped: %s", reply.Stop)
			}
			return l.anomaly(scope.AgentID, result, conversation, text, reason), nil
		}
	}

	log.Warn("max iterations reached", "max", maxIter)
	result.Outcome = OutcomeMaxIterations
	result.Text = partial
	result.ConversationLength = len(conversation)
	return result, nil
}

func (l *Loop) anomaly(agentID string, result *Result, conversation []llm.Message, partial, reason string) *Result {
	result.Outcome = OutcomeAnomaly
	result.Anomaly = reason
	result.Text = partial
	if result.Text == "" {
		result.Text = reason
	}
	result.ConversationLength = len(conversation)
	l.emit(StreamEvent{Type: EventAnomaly, AgentID: agentID, Content: reason})
	return result
}

func errorContent(err error) string {
	b, _ := json.Marshal(map[string]string{"error": err.Error()})
	return string(b)
}

// truncateForDisplay caps stream output at 500 runes.
func truncateForDisplay(s string) string {
	r := []rune(s)
	if len(r) > 500 {
		return string(r[:500]) + "..."
	}
	return s
}
