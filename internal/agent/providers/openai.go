package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/tomluvoe/agentgw/internal/agent"
	"github.com/tomluvoe/agentgw/pkg/models"
)

// OpenAIConfig configures the OpenAI provider. BaseURL allows pointing
// the same client at any OpenAI-compatible endpoint.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	MaxRetries   int
	RetryDelay   time.Duration

	// name overrides the provider identifier for compatible vendors.
	name string
}

// OpenAIProvider streams chat completions from the OpenAI API (or any
// compatible endpoint), accumulating indexed tool-call deltas into
// complete tuples before the finish chunk.
type OpenAIProvider struct {
	BaseProvider
	client       *openai.Client
	defaultModel string
}

// NewOpenAI creates an OpenAI provider.
func NewOpenAI(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai: api key is required")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	name := cfg.name
	if name == "" {
		name = "openai"
	}
	model := cfg.DefaultModel
	if model == "" {
		model = openai.GPT4o
	}
	return &OpenAIProvider{
		BaseProvider: NewBaseProvider(name, cfg.MaxRetries, cfg.RetryDelay),
		client:       openai.NewClientWithConfig(clientCfg),
		defaultModel: model,
	}, nil
}

// Stream starts a completion and returns its chunk stream. Opening the
// stream is retried on retryable failures; streaming failures are not.
func (p *OpenAIProvider) Stream(ctx context.Context, req agent.Request) (<-chan agent.Chunk, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	chatReq := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    convertOpenAIMessages(req.Messages),
		Temperature: float32(req.Temperature),
		Stream:      true,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	for _, tool := range req.Tools {
		chatReq.Tools = append(chatReq.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Schema,
			},
		})
	}

	var stream *openai.ChatCompletionStream
	err := p.Retry(ctx, func() error {
		var err error
		stream, err = p.client.CreateChatCompletionStream(ctx, chatReq)
		if err != nil {
			return p.wrapError(err, model)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	chunks := make(chan agent.Chunk)
	go p.processStream(ctx, stream, chunks, model)
	return chunks, nil
}

// processStream reads streamed deltas, emitting text immediately and
// accumulating tool-call fragments keyed by the vendor's call index.
func (p *OpenAIProvider) processStream(ctx context.Context, stream *openai.ChatCompletionStream, chunks chan<- agent.Chunk, model string) {
	defer close(chunks)
	defer stream.Close()

	partial := make(map[int]*models.ToolCall)
	partialArgs := make(map[int]string)
	var order []int
	var usage agent.Usage
	finishReason := agent.FinishStop

	for {
		select {
		case <-ctx.Done():
			chunks <- agent.Chunk{Err: ctx.Err()}
			return
		default:
		}

		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				calls, convErr := assembleToolCalls(partial, partialArgs, order)
				if convErr != nil {
					chunks <- agent.Chunk{Err: &ProviderError{
						Reason:   ReasonMalformed,
						Provider: p.Name(),
						Model:    model,
						Message:  convErr.Error(),
					}}
					return
				}
				if len(calls) > 0 {
					finishReason = agent.FinishToolCalls
				}
				chunks <- agent.Chunk{Finish: &agent.Finish{
					Reason:    finishReason,
					ToolCalls: calls,
					Usage:     usage,
				}}
				return
			}
			chunks <- agent.Chunk{Err: p.wrapError(err, model)}
			return
		}

		if response.Usage != nil {
			usage.InputTokens = response.Usage.PromptTokens
			usage.OutputTokens = response.Usage.CompletionTokens
		}
		if len(response.Choices) == 0 {
			continue
		}
		choice := response.Choices[0]

		if choice.Delta.Content != "" {
			chunks <- agent.Chunk{Text: choice.Delta.Content}
		}

		for _, tc := range choice.Delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			call, ok := partial[index]
			if !ok {
				call = &models.ToolCall{}
				partial[index] = call
				order = append(order, index)
			}
			if tc.ID != "" {
				call.ID = tc.ID
			}
			if tc.Function.Name != "" {
				call.Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				partialArgs[index] += tc.Function.Arguments
				chunks <- agent.Chunk{ToolCallDelta: &agent.ToolCallDelta{
					Index:        index,
					ID:           call.ID,
					Name:         call.Name,
					ArgsFragment: tc.Function.Arguments,
				}}
			}
		}

		switch choice.FinishReason {
		case openai.FinishReasonLength:
			finishReason = agent.FinishLength
		case openai.FinishReasonToolCalls:
			finishReason = agent.FinishToolCalls
		}
	}
}

// assembleToolCalls finalizes accumulated fragments in emission order,
// validating each argument payload.
func assembleToolCalls(partial map[int]*models.ToolCall, args map[int]string, order []int) ([]models.ToolCall, error) {
	sort.Ints(order)
	var out []models.ToolCall
	for _, index := range order {
		call := partial[index]
		if call.ID == "" || call.Name == "" {
			continue
		}
		raw := args[index]
		if raw == "" {
			raw = "{}"
		}
		if !json.Valid([]byte(raw)) {
			return nil, fmt.Errorf("tool call %s arguments are not valid JSON", call.Name)
		}
		call.Arguments = json.RawMessage(raw)
		out = append(out, *call)
	}
	return out, nil
}

// convertOpenAIMessages maps transcript messages to the chat format.
func convertOpenAIMessages(messages []*models.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		oai := openai.ChatCompletionMessage{Content: msg.Content}
		switch msg.Role {
		case models.RoleSystem:
			oai.Role = openai.ChatMessageRoleSystem
		case models.RoleAssistant:
			oai.Role = openai.ChatMessageRoleAssistant
			for _, call := range msg.ToolCalls {
				oai.ToolCalls = append(oai.ToolCalls, openai.ToolCall{
					ID:   call.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      call.Name,
						Arguments: string(call.Arguments),
					},
				})
			}
		case models.RoleTool:
			oai.Role = openai.ChatMessageRoleTool
			oai.ToolCallID = msg.ToolCallID
		default:
			oai.Role = openai.ChatMessageRoleUser
		}
		out = append(out, oai)
	}
	return out
}

func (p *OpenAIProvider) wrapError(err error, model string) error {
	if err == nil || IsProviderError(err) {
		return err
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		providerErr := NewProviderError(p.Name(), model, err).WithStatus(apiErr.HTTPStatusCode)
		if apiErr.Message != "" {
			providerErr.Message = apiErr.Message
		}
		if code, ok := apiErr.Code.(string); ok && code != "" {
			providerErr = providerErr.WithCode(code)
		}
		return providerErr
	}
	return NewProviderError(p.Name(), model, err)
}
