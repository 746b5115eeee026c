// Package llm provides the reasoning engines agents converse with.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ShayCichocki/daybreak/internal/capability"
	"github.com/ShayCichocki/daybreak/pkg/models"
)

// Role identifies the speaker of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// BlockKind tags the content of a Block.
type BlockKind string

const (
	BlockText              BlockKind = "text"
	BlockCapabilityRequest BlockKind = "capability_request"
	BlockCapabilityResult  BlockKind = "capability_result"
)

// Block is one piece of message content.
type Block struct {
	Kind BlockKind `json:"kind"`
	Text string    `json:"text,omitempty"`

	// Set for capability requests and results. ID pairs a result with
	// the request it answers.
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	Content string `json:"content,omitempty"`
	IsError bool   `json:"is_error,omitempty"`
}

// TextBlock returns a plain text block.
func TextBlock(text string) Block {
	return Block{Kind: BlockText, Text: text}
}

// RequestBlock returns a capability request block.
func RequestBlock(id, name string, input json.RawMessage) Block {
	return Block{Kind: BlockCapabilityRequest, ID: id, Name: name, Input: input}
}

// ResultBlock returns the result of the request with the given id.
func ResultBlock(id, name, content string, isError bool) Block {
	return Block{Kind: BlockCapabilityResult, ID: id, Name: name, Content: content, IsError: isError}
}

// Message is one turn of a conversation.
type Message struct {
	Role   Role    `json:"role"`
	Blocks []Block `json:"blocks"`
}

// StopReason says why the engine ended its turn.
type StopReason string

const (
	// StopFinal means the engine produced its final answer.
	StopFinal StopReason = "final"
	// StopCapability means the engine wants capabilities invoked.
	StopCapability StopReason = "capability_request"
	// StopAnomaly covers every other stop condition.
	StopAnomaly StopReason = "anomaly"
)

// Usage counts tokens for one call.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Reply is the engine's answer to one Converse call.
type Reply struct {
	Stop    StopReason
	Content []Block
	// Anomaly describes the unrecognised stop condition.
	Anomaly string
	Usage   Usage
}

// Text concatenates the text blocks of the reply.
func (r *Reply) Text() string {
	var sb strings.Builder
	for _, b := range r.Content {
		if b.Kind == BlockText {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

// Requests returns the capability requests of the reply in order.
func (r *Reply) Requests() []Block {
	var reqs []Block
	for _, b := range r.Content {
		if b.Kind == BlockCapabilityRequest {
			reqs = append(reqs, b)
		}
	}
	return reqs
}

// Engine is a multi-turn reasoning engine that can request capabilities.
type Engine interface {
	// Converse sends the system directive and the conversation so far and
	// returns the engine's next turn.
	Converse(ctx context.Context, system string, conversation []Message, capabilities []capability.Spec) (*Reply, error)
	// Name identifies the engine in logs and metrics.
	Name() string
}

// EngineError wraps a failed engine call.
type EngineError struct {
	Engine string
	Err    error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("engine %s: %v", e.Engine, e.Err)
}

func (e *EngineError) Unwrap() error { return e.Err }

// Is makes every EngineError match models.ErrReasoningEngine.
func (e *EngineError) Is(target error) bool { return target == models.ErrReasoningEngine }
