package llm

import (
	"context"
	"fmt"
	"os"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/aws/aws-sdk-go-v2/config"

	"github.com/ShayCichocki/daybreak/internal/capability"
)

// DefaultClaudeModel is used when no model is configured.
const DefaultClaudeModel = anthropic.ModelClaudeHaiku4_5_20251001

const claudeMaxTokens = 4096

// ClaudeConfig configures a ClaudeEngine.
type ClaudeConfig struct {
	// Model is the Claude model id. Empty selects DefaultClaudeModel.
	Model string
	// APIKey is the Anthropic API key. If empty, ANTHROPIC_API_KEY is used.
	APIKey string
	// UseBedrock routes calls through AWS Bedrock with the default AWS
	// credential chain instead of an API key.
	UseBedrock bool
	AWSRegion  string
	AWSProfile string
	MaxTokens  int64
}

// ClaudeEngine implements Engine with the Anthropic Messages API.
type ClaudeEngine struct {
	inner     anthropic.Client
	model     anthropic.Model
	maxTokens int64
	tracker   *TokenTracker
}

// NewClaudeEngine creates an engine for the direct API or Bedrock.
func NewClaudeEngine(cfg ClaudeConfig) (*ClaudeEngine, error) {
	var opts []option.RequestOption

	if cfg.UseBedrock {
		var loadOpts []func(*config.LoadOptions) error
		if cfg.AWSRegion != "" {
			loadOpts = append(loadOpts, config.WithRegion(cfg.AWSRegion))
		}
		if cfg.AWSProfile != "" {
			loadOpts = append(loadOpts, config.WithSharedConfigProfile(cfg.AWSProfile))
		}
		opts = append(opts, bedrock.WithLoadDefaultConfig(context.Background(), loadOpts...))
	} else {
		apiKey := cfg.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("anthropic api key is not set (anthropic.api_key or ANTHROPIC_API_KEY)")
		}
		opts = append(opts, option.WithAPIKey(apiKey))
	}

	model := anthropic.Model(cfg.Model)
	if model == "" {
		model = DefaultClaudeModel
	}
	if cfg.UseBedrock {
		model = bedrockModel(model)
	}

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = claudeMaxTokens
	}

	return &ClaudeEngine{
		inner:     anthropic.NewClient(opts...),
		model:     model,
		maxTokens: maxTokens,
		tracker:   NewTokenTracker(),
	}, nil
}

// bedrockModel maps Anthropic model ids to Bedrock cross-region inference
// profiles. Unknown ids are returned unchanged.
func bedrockModel(model anthropic.Model) anthropic.Model {
	profiles := map[anthropic.Model]string{
		anthropic.ModelClaudeHaiku4_5_20251001:  "us.anthropic.claude-haiku-4-5-20251001-v1:0",
		anthropic.ModelClaudeSonnet4_5_20250929: "us.anthropic.claude-sonnet-4-5-20250929-v1:0",
		anthropic.ModelClaudeSonnet4_20250514:   "us.anthropic.claude-sonnet-4-20250514-v1:0",
		anthropic.ModelClaudeOpus4_1_20250805:   "us.anthropic.claude-opus-4-1-20250805-v1:0",
		anthropic.ModelClaude3_5Haiku20241022:   "us.anthropic.claude-3-5-haiku-20241022-v1:0",
	}
	if p, ok := profiles[model]; ok {
		return anthropic.Model(p)
	}
	return model
}

// Name implements Engine.
func (e *ClaudeEngine) Name() string { return "anthropic" }

// Model returns the resolved model id.
func (e *ClaudeEngine) Model() string { return string(e.model) }

// Tracker returns the engine-wide token tracker.
func (e *ClaudeEngine) Tracker() *TokenTracker { return e.tracker }

// Converse implements Engine.
func (e *ClaudeEngine) Converse(ctx context.Context, system string, conversation []Message, capabilities []capability.Spec) (*Reply, error) {
	params := anthropic.MessageNewParams{
		Model:     e.model,
		MaxTokens: e.maxTokens,
		Messages:  toAnthropicMessages(conversation),
		Tools:     toAnthropicTools(capabilities),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	resp, err := e.inner.Messages.New(ctx, params)
	if err != nil {
		return nil, &EngineError{Engine: e.Name(), Err: err}
	}
	e.tracker.Add(resp.Usage.InputTokens, resp.Usage.OutputTokens)

	reply := &Reply{
		Usage: Usage{InputTokens: resp.Usage.InputTokens, OutputTokens: resp.Usage.OutputTokens},
	}
	for _, block := range resp.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			reply.Content = append(reply.Content, TextBlock(variant.Text))
		case anthropic.ToolUseBlock:
			reply.Content = append(reply.Content, RequestBlock(variant.ID, variant.Name, variant.Input))
		}
	}

	switch resp.StopReason {
	case anthropic.StopReasonEndTurn:
		reply.Stop = StopFinal
	case anthropic.StopReasonToolUse:
		reply.Stop = StopCapability
	default:
		reply.Stop = StopAnomaly
		reply.Anomaly = fmt.Sprintf("Stopped: %s", resp.StopReason)
	}
	return reply, nil
}

func toAnthropicMessages(conversation []Message) []anthropic.MessageParam {
	msgs := make([]anthropic.MessageParam, 0, len(conversation))
	for _, m := range conversation {
		var blocks []anthropic.ContentBlockParamUnion
		for _, b := range m.Blocks {
			switch b.Kind {
			case BlockText:
				if b.Text != "" {
					blocks = append(blocks, anthropic.NewTextBlock(b.Text))
				}
			case BlockCapabilityRequest:
				blocks = append(blocks, anthropic.NewToolUseBlock(b.ID, nonEmptyJSON(b.Input), b.Name))
			case BlockCapabilityResult:
				blocks = append(blocks, anthropic.NewToolResultBlock(b.ID, b.Content, b.IsError))
			}
		}
		if len(blocks) == 0 {
			continue
		}
		if m.Role == RoleAssistant {
			msgs = append(msgs, anthropic.NewAssistantMessage(blocks...))
		} else {
			msgs = append(msgs, anthropic.NewUserMessage(blocks...))
		}
	}
	return msgs
}

func toAnthropicTools(specs []capability.Spec) []anthropic.ToolUnionParam {
	if len(specs) == 0 {
		return nil
	}
	tools := make([]anthropic.ToolUnionParam, 0, len(specs))
	for _, s := range specs {
		tools = append(tools, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        s.Name,
				Description: anthropic.String(s.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: s.Properties,
					Required:   s.Required,
				},
			},
		})
	}
	return tools
}
