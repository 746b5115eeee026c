package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/ShayCichocki/daybreak/internal/capability"
)

// EngineFunc adapts a function to the Engine interface.
type EngineFunc func(ctx context.Context, system string, conversation []Message, capabilities []capability.Spec) (*Reply, error)

// Converse implements Engine.
func (f EngineFunc) Converse(ctx context.Context, system string, conversation []Message, capabilities []capability.Spec) (*Reply, error) {
	return f(ctx, system, conversation, capabilities)
}

// Name implements Engine.
func (f EngineFunc) Name() string { return "func" }

// Step is one scripted engine turn: a reply or an error.
type Step struct {
	Reply *Reply
	Err   error
}

// Scripted replays a fixed sequence of steps, one per Converse call.
// It is safe for concurrent use; concurrent callers consume steps in
// arrival order.
type Scripted struct {
	mu    sync.Mutex
	steps []Step
	next  int
	calls [][]Message
}

// NewScripted creates a Scripted engine.
func NewScripted(steps ...Step) *Scripted {
	return &Scripted{steps: steps}
}

// Name implements Engine.
func (s *Scripted) Name() string { return "scripted" }

// Converse implements Engine. Running past the end of the script is an
// engine error.
func (s *Scripted) Converse(ctx context.Context, system string, conversation []Message, capabilities []capability.Spec) (*Reply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, append([]Message(nil), conversation...))
	if s.next >= len(s.steps) {
		return nil, &EngineError{Engine: s.Name(), Err: fmt.Errorf("script exhausted after %d steps", len(s.steps))}
	}
	step := s.steps[s.next]
	s.next++
	if step.Err != nil {
		return nil, step.Err
	}
	return step.Reply, nil
}

// Calls returns the conversations the engine has been sent.
func (s *Scripted) Calls() [][]Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]Message(nil), s.calls...)
}

// Final is a step answering with text.
func Final(text string) Step {
	return Step{Reply: &Reply{Stop: StopFinal, Content: []Block{TextBlock(text)}}}
}

// Call is a step requesting one capability. input is marshalled to JSON.
func Call(name string, input any) Step {
	return Calls(Request(name, input))
}

// Calls is a step requesting several capabilities in one turn.
func Calls(reqs ...Block) Step {
	return Step{Reply: &Reply{Stop: StopCapability, Content: reqs}}
}

var requestSeq struct {
	mu sync.Mutex
	n  int
}

// Request builds a capability request block with a fresh id.
func Request(name string, input any) Block {
	raw, err := json.Marshal(input)
	if err != nil {
		panic(fmt.Sprintf("llm: marshal request input: %v", err))
	}
	requestSeq.mu.Lock()
	requestSeq.n++
	id := fmt.Sprintf("req_%d", requestSeq.n)
	requestSeq.mu.Unlock()
	return RequestBlock(id, name, raw)
}

// Anomalous is a step ending the turn with an unrecognised stop condition.
func Anomalous(reason, partial string) Step {
	r := &Reply{Stop: StopAnomaly, Anomaly: reason}
	if partial != "" {
		r.Content = []Block{TextBlock(partial)}
	}
	return Step{Reply: r}
}

// Fail is a step where the engine call itself fails.
func Fail(err error) Step {
	return Step{Err: &EngineError{Engine: "scripted", Err: err}}
}

// DryRun is an offline engine for exercising a run without a provider.
// Given create_task it creates one task per topic on its first turn;
// otherwise it answers immediately with a canned summary of the request.
type DryRun struct {
	Topics []string
}

// Name implements Engine.
func (d *DryRun) Name() string { return "dry-run" }

// Converse implements Engine.
func (d *DryRun) Converse(ctx context.Context, system string, conversation []Message, capabilities []capability.Spec) (*Reply, error) {
	if len(conversation) == 1 && hasCapability(capabilities, capability.CreateTask) {
		var reqs []Block
		for i, topic := range d.Topics {
			input, _ := json.Marshal(map[string]string{"description": topic})
			reqs = append(reqs, RequestBlock(fmt.Sprintf("dry_%d", i), capability.CreateTask, input))
		}
		if len(reqs) > 0 {
			return &Reply{Stop: StopCapability, Content: reqs}, nil
		}
	}

	instruction := ""
	if len(conversation) > 0 {
		for _, b := range conversation[0].Blocks {
			if b.Kind == BlockText {
				instruction = b.Text
				break
			}
		}
	}
	line, _, _ := strings.Cut(strings.TrimSpace(instruction), "\n")
	return &Reply{Stop: StopFinal, Content: []Block{TextBlock("[dry run] " + line)}}, nil
}

func hasCapability(specs []capability.Spec, name string) bool {
	for _, s := range specs {
		if s.Name == name {
			return true
		}
	}
	return false
}
