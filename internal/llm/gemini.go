package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/ShayCichocki/daybreak/internal/capability"
)

// DefaultGeminiModel is used when no model is configured.
const DefaultGeminiModel = "gemini-1.5-flash"

// GeminiConfig configures a GeminiEngine.
type GeminiConfig struct {
	// APIKey is the Google AI key. If empty, GOOGLE_API_KEY is used.
	APIKey string
	Model  string
}

// GeminiEngine implements Engine with the Gemini API.
type GeminiEngine struct {
	client  *genai.Client
	model   string
	tracker *TokenTracker
}

// NewGeminiEngine creates a Gemini-backed engine.
func NewGeminiEngine(ctx context.Context, cfg GeminiConfig) (*GeminiEngine, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("GOOGLE_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is not set (gemini.api_key or GOOGLE_API_KEY)")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	model := cfg.Model
	if model == "" {
		model = DefaultGeminiModel
	}
	return &GeminiEngine{client: client, model: model, tracker: NewTokenTracker()}, nil
}

// Name implements Engine.
func (e *GeminiEngine) Name() string { return "gemini" }

// Tracker returns the engine-wide token tracker.
func (e *GeminiEngine) Tracker() *TokenTracker { return e.tracker }

// Close releases the underlying client.
func (e *GeminiEngine) Close() error { return e.client.Close() }

// Converse implements Engine. The last message of the conversation is sent
// as the new turn; everything before it becomes chat history.
func (e *GeminiEngine) Converse(ctx context.Context, system string, conversation []Message, capabilities []capability.Spec) (*Reply, error) {
	if len(conversation) == 0 {
		return nil, &EngineError{Engine: e.Name(), Err: fmt.Errorf("empty conversation")}
	}

	model := e.client.GenerativeModel(e.model)
	if system != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
	}
	if decls := toGeminiFunctions(capabilities); len(decls) > 0 {
		model.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	contents := toGeminiContents(conversation)
	if len(contents) == 0 {
		return nil, &EngineError{Engine: e.Name(), Err: fmt.Errorf("conversation has no content")}
	}
	chat := model.StartChat()
	chat.History = contents[:len(contents)-1]

	resp, err := chat.SendMessage(ctx, contents[len(contents)-1].Parts...)
	if err != nil {
		return nil, &EngineError{Engine: e.Name(), Err: err}
	}
	return e.toReply(resp, len(conversation)), nil
}

func (e *GeminiEngine) toReply(resp *genai.GenerateContentResponse, turn int) *Reply {
	reply := &Reply{}
	if resp.UsageMetadata != nil {
		reply.Usage = Usage{
			InputTokens:  int64(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int64(resp.UsageMetadata.CandidatesTokenCount),
		}
	}
	e.tracker.Add(reply.Usage.InputTokens, reply.Usage.OutputTokens)

	if len(resp.Candidates) == 0 {
		reply.Stop = StopAnomaly
		reply.Anomaly = "Stopped: no candidates"
		return reply
	}
	cand := resp.Candidates[0]
	if cand.Content != nil {
		for i, part := range cand.Content.Parts {
			switch p := part.(type) {
			case genai.Text:
				reply.Content = append(reply.Content, TextBlock(string(p)))
			case genai.FunctionCall:
				args, _ := json.Marshal(p.Args)
				id := fmt.Sprintf("call_%d_%d", turn, i)
				reply.Content = append(reply.Content, RequestBlock(id, p.Name, args))
			}
		}
	}

	switch {
	case len(reply.Requests()) > 0:
		reply.Stop = StopCapability
	case cand.FinishReason == genai.FinishReasonStop || cand.FinishReason == genai.FinishReasonUnspecified:
		reply.Stop = StopFinal
	default:
		reply.Stop = StopAnomaly
		reply.Anomaly = fmt.Sprintf("Stopped: %s", cand.FinishReason)
	}
	return reply
}

func toGeminiContents(conversation []Message) []*genai.Content {
	contents := make([]*genai.Content, 0, len(conversation))
	for _, m := range conversation {
		role := "user"
		if m.Role == RoleAssistant {
			role = "model"
		}
		var parts []genai.Part
		for _, b := range m.Blocks {
			switch b.Kind {
			case BlockText:
				if b.Text != "" {
					parts = append(parts, genai.Text(b.Text))
				}
			case BlockCapabilityRequest:
				var args map[string]any
				_ = json.Unmarshal(nonEmptyJSON(b.Input), &args)
				parts = append(parts, genai.FunctionCall{Name: b.Name, Args: args})
			case BlockCapabilityResult:
				key := "content"
				if b.IsError {
					key = "error"
				}
				parts = append(parts, genai.FunctionResponse{Name: b.Name, Response: map[string]any{key: b.Content}})
			}
		}
		if len(parts) > 0 {
			contents = append(contents, &genai.Content{Role: role, Parts: parts})
		}
	}
	return contents
}

func toGeminiFunctions(specs []capability.Spec) []*genai.FunctionDeclaration {
	decls := make([]*genai.FunctionDeclaration, 0, len(specs))
	for _, s := range specs {
		decl := &genai.FunctionDeclaration{Name: s.Name, Description: s.Description}
		if params := toGeminiSchema(s.JSONSchema()); params != nil && len(params.Properties) > 0 {
			decl.Parameters = params
		}
		decls = append(decls, decl)
	}
	return decls
}

// toGeminiSchema converts the JSON-schema subset used by capability specs.
// Objects without declared properties (free-form maps) are dropped, since
// Gemini rejects them.
func toGeminiSchema(m map[string]any) *genai.Schema {
	s := &genai.Schema{}
	switch m["type"] {
	case "string":
		s.Type = genai.TypeString
	case "integer":
		s.Type = genai.TypeInteger
	case "number":
		s.Type = genai.TypeNumber
	case "boolean":
		s.Type = genai.TypeBoolean
	case "array":
		s.Type = genai.TypeArray
		if items, ok := m["items"].(map[string]any); ok {
			s.Items = toGeminiSchema(items)
		}
	case "object":
		s.Type = genai.TypeObject
		props, _ := m["properties"].(map[string]any)
		if len(props) == 0 {
			return nil
		}
		s.Properties = make(map[string]*genai.Schema, len(props))
		for name, raw := range props {
			pm, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			if ps := toGeminiSchema(pm); ps != nil {
				s.Properties[name] = ps
			}
		}
		if req, ok := m["required"].([]string); ok {
			for _, r := range req {
				if _, kept := s.Properties[r]; kept {
					s.Required = append(s.Required, r)
				}
			}
		}
	default:
		return nil
	}
	if d, ok := m["description"].(string); ok {
		s.Description = d
	}
	if enum, ok := m["enum"].([]string); ok {
		s.Enum = enum
	}
	return s
}
