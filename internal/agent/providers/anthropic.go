package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/tomluvoe/agentgw/internal/agent"
	"github.com/tomluvoe/agentgw/pkg/models"
)

// maxEmptyStreamEvents bounds consecutive no-op events before a stream
// is declared malformed.
const maxEmptyStreamEvents = 100

// AnthropicConfig configures the Anthropic provider.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	MaxRetries   int
	RetryDelay   time.Duration
}

// AnthropicProvider streams completions from the Anthropic Messages API,
// normalizing its event stream (content blocks, input JSON deltas) into
// agent.Chunk values.
type AnthropicProvider struct {
	BaseProvider
	client       anthropic.Client
	defaultModel string
}

// NewAnthropic creates an Anthropic provider.
func NewAnthropic(cfg AnthropicConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic: api key is required")
	}
	options := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}
	model := cfg.DefaultModel
	if model == "" {
		model = string(anthropic.ModelClaudeSonnet4_20250514)
	}
	return &AnthropicProvider{
		BaseProvider: NewBaseProvider("anthropic", cfg.MaxRetries, cfg.RetryDelay),
		client:       anthropic.NewClient(options...),
		defaultModel: model,
	}, nil
}

// Stream starts a completion and returns its chunk stream.
func (p *AnthropicProvider) Stream(ctx context.Context, req agent.Request) (<-chan agent.Chunk, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	params, err := p.buildParams(req, model)
	if err != nil {
		return nil, err
	}

	chunks := make(chan agent.Chunk)
	go func() {
		defer close(chunks)
		stream := p.client.Messages.NewStreaming(ctx, params)
		p.processStream(stream, chunks, model)
	}()
	return chunks, nil
}

func (p *AnthropicProvider) buildParams(req agent.Request, model string) (anthropic.MessageNewParams, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	system, messages, err := convertAnthropicMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(model),
		Messages:    messages,
		MaxTokens:   int64(maxTokens),
		Temperature: anthropic.Float(req.Temperature),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: system}}
	}

	for _, tool := range req.Tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Schema, &schema); err != nil {
			return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: invalid schema for tool %s: %w", tool.Name, err)
		}
		toolParam := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if toolParam.OfTool == nil {
			return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: invalid tool definition for %s", tool.Name)
		}
		toolParam.OfTool.Description = anthropic.String(tool.Description)
		params.Tools = append(params.Tools, toolParam)
	}
	return params, nil
}

// convertAnthropicMessages maps transcript messages to the Messages API
// shape. System content moves to the top-level system parameter; tool
// messages become user-role tool_result blocks.
func convertAnthropicMessages(messages []*models.Message) (string, []anthropic.MessageParam, error) {
	var system strings.Builder
	var result []anthropic.MessageParam

	for _, msg := range messages {
		switch msg.Role {
		case models.RoleSystem:
			if system.Len() > 0 {
				system.WriteString("\n\n")
			}
			system.WriteString(msg.Content)

		case models.RoleAssistant:
			var content []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				content = append(content, anthropic.NewTextBlock(msg.Content))
			}
			for _, call := range msg.ToolCalls {
				var input map[string]any
				if err := json.Unmarshal(call.Arguments, &input); err != nil {
					return "", nil, fmt.Errorf("invalid tool call arguments for %s: %w", call.Name, err)
				}
				content = append(content, anthropic.NewToolUseBlock(call.ID, input, call.Name))
			}
			if len(content) > 0 {
				result = append(result, anthropic.NewAssistantMessage(content...))
			}

		case models.RoleTool:
			result = append(result, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false),
			))

		default:
			result = append(result, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}
	return system.String(), result, nil
}

// processStream consumes the SSE stream, forwarding text deltas as they
// arrive and assembling tool calls from fragmented input JSON. A single
// Finish or Err chunk ends the stream.
func (p *AnthropicProvider) processStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], chunks chan<- agent.Chunk, model string) {
	var (
		current      *models.ToolCall
		currentInput strings.Builder
		completed    []models.ToolCall
		usage        agent.Usage
		stopReason   string
		emptyEvents  int
	)

	for stream.Next() {
		event := stream.Current()
		processed := false

		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			if start.Message.Usage.InputTokens > 0 {
				usage.InputTokens = int(start.Message.Usage.InputTokens)
			}
			processed = true

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				current = &models.ToolCall{ID: toolUse.ID, Name: toolUse.Name}
				currentInput.Reset()
				processed = true
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					chunks <- agent.Chunk{Text: delta.Text}
					processed = true
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					currentInput.WriteString(delta.PartialJSON)
					if current != nil {
						chunks <- agent.Chunk{ToolCallDelta: &agent.ToolCallDelta{
							Index:        len(completed),
							ID:           current.ID,
							Name:         current.Name,
							ArgsFragment: delta.PartialJSON,
						}}
					}
					processed = true
				}
			}

		case "content_block_stop":
			if current != nil {
				args := currentInput.String()
				if args == "" {
					args = "{}"
				}
				if !json.Valid([]byte(args)) {
					chunks <- agent.Chunk{Err: &ProviderError{
						Reason:   ReasonMalformed,
						Provider: "anthropic",
						Model:    model,
						Message:  fmt.Sprintf("tool call %s arguments are not valid JSON", current.Name),
					}}
					return
				}
				current.Arguments = json.RawMessage(args)
				completed = append(completed, *current)
				current = nil
				processed = true
			}

		case "message_delta":
			delta := event.AsMessageDelta()
			if delta.Usage.OutputTokens > 0 {
				usage.OutputTokens = int(delta.Usage.OutputTokens)
			}
			if delta.Delta.StopReason != "" {
				stopReason = string(delta.Delta.StopReason)
			}
			processed = true

		case "message_stop":
			chunks <- agent.Chunk{Finish: &agent.Finish{
				Reason:    anthropicFinishReason(stopReason, len(completed) > 0),
				ToolCalls: completed,
				Usage:     usage,
			}}
			return

		case "error":
			chunks <- agent.Chunk{Err: p.wrapError(errors.New("anthropic stream error"), model)}
			return
		}

		if processed {
			emptyEvents = 0
		} else {
			emptyEvents++
			if emptyEvents >= maxEmptyStreamEvents {
				chunks <- agent.Chunk{Err: &ProviderError{
					Reason:   ReasonMalformed,
					Provider: "anthropic",
					Model:    model,
					Message:  fmt.Sprintf("stream appears malformed: %d consecutive empty events", emptyEvents),
				}}
				return
			}
		}
	}

	if err := stream.Err(); err != nil {
		chunks <- agent.Chunk{Err: p.wrapError(err, model)}
		return
	}
	// Stream ended without message_stop; report what we have.
	chunks <- agent.Chunk{Finish: &agent.Finish{
		Reason:    anthropicFinishReason(stopReason, len(completed) > 0),
		ToolCalls: completed,
		Usage:     usage,
	}}
}

func anthropicFinishReason(stopReason string, hasToolCalls bool) agent.FinishReason {
	if hasToolCalls {
		return agent.FinishToolCalls
	}
	switch stopReason {
	case "max_tokens":
		return agent.FinishLength
	case "tool_use":
		return agent.FinishToolCalls
	default:
		return agent.FinishStop
	}
}

type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (p *AnthropicProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if IsProviderError(err) {
		return err
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		providerErr := NewProviderError("anthropic", model, err).WithStatus(apiErr.StatusCode)
		if raw := apiErr.RawJSON(); raw != "" {
			var payload anthropicErrorPayload
			if json.Unmarshal([]byte(raw), &payload) == nil {
				if payload.Error.Message != "" {
					providerErr.Message = payload.Error.Message
				}
				if payload.Error.Type != "" {
					providerErr = providerErr.WithCode(payload.Error.Type)
				}
			}
		}
		return providerErr
	}
	return NewProviderError("anthropic", model, err)
}
