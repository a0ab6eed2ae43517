package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/parleyhq/parley/internal/agent"
)

const (
	defaultAnthropicModel     = "claude-sonnet-4-20250514"
	defaultAnthropicMaxTokens = 4096
)

// AnthropicProvider implements agent.ModelProvider for Anthropic's Claude
// models.
//
// Claude streams tool calls as content blocks: content_block_start carries
// the call id and name, input_json_delta events carry argument fragments for
// that block index, and message_stop ends the turn.
type AnthropicProvider struct {
	client     anthropic.Client
	model      string
	maxRetries int
	retryDelay time.Duration
}

// AnthropicConfig configures the Anthropic provider.
type AnthropicConfig struct {
	// APIKey authenticates with the Anthropic API. Required.
	APIKey string

	// BaseURL overrides the API endpoint, for proxies and gateways.
	BaseURL string

	// Model is the default model for requests that do not name one.
	Model string
}

// NewAnthropicProvider creates a provider from the given configuration.
func NewAnthropicProvider(cfg AnthropicConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = defaultAnthropicModel
	}

	options := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}

	return &AnthropicProvider{
		client:     anthropic.NewClient(options...),
		model:      cfg.Model,
		maxRetries: 3,
		retryDelay: time.Second,
	}, nil
}

// Name returns "anthropic".
func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

// Stream sends a streaming message request and returns the ordered delta
// channel.
func (p *AnthropicProvider) Stream(ctx context.Context, req *agent.CompletionRequest) (<-chan agent.StreamDelta, error) {
	messages, err := p.convertMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("anthropic: failed to convert messages: %w", err)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.getModel(req.Model)),
		Messages:  messages,
		MaxTokens: int64(p.getMaxTokens(req.MaxTokens)),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := p.convertTools(req.Tools)
		if err != nil {
			return nil, fmt.Errorf("anthropic: failed to convert tools: %w", err)
		}
		params.Tools = tools
	}

	var stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
	var lastErr error
	for attempt := 0; attempt < p.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(p.retryDelay * time.Duration(attempt)):
			}
		}

		stream = p.client.Messages.NewStreaming(ctx, params)
		if lastErr = stream.Err(); lastErr == nil {
			break
		}
		if !isRetryableError(lastErr) {
			return nil, fmt.Errorf("anthropic: %w", lastErr)
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("anthropic: max retries exceeded: %w", lastErr)
	}

	deltas := make(chan agent.StreamDelta)
	go p.processStream(ctx, stream, deltas)
	return deltas, nil
}

func (p *AnthropicProvider) processStream(ctx context.Context, stream *ssestream.Stream[anthropic.MessageStreamEventUnion], deltas chan<- agent.StreamDelta) {
	defer close(deltas)

	send := func(d agent.StreamDelta) bool {
		select {
		case deltas <- d:
			return true
		case <-ctx.Done():
			return false
		}
	}

	// toolBlocks maps content block indices to tool-use blocks so
	// input_json_delta fragments route to the right call.
	toolBlocks := make(map[int]bool)

	for stream.Next() {
		event := stream.Current()

		switch event.Type {
		case "content_block_start":
			start := event.AsContentBlockStart()
			if start.ContentBlock.Type == "tool_use" {
				toolUse := start.ContentBlock.AsToolUse()
				index := int(start.Index)
				toolBlocks[index] = true
				if !send(agent.StreamDelta{ToolCallBegin: &agent.ToolCallBegin{
					Index: index,
					ID:    toolUse.ID,
					Name:  toolUse.Name,
				}}) {
					return
				}
			}

		case "content_block_delta":
			blockDelta := event.AsContentBlockDelta()
			switch blockDelta.Delta.Type {
			case "text_delta":
				if blockDelta.Delta.Text != "" {
					if !send(agent.StreamDelta{Text: blockDelta.Delta.Text}) {
						return
					}
				}
			case "input_json_delta":
				index := int(blockDelta.Index)
				if toolBlocks[index] && blockDelta.Delta.PartialJSON != "" {
					if !send(agent.StreamDelta{ArgsFragment: &agent.ArgsFragment{
						Index: index,
						Text:  blockDelta.Delta.PartialJSON,
					}}) {
						return
					}
				}
			}

		case "message_stop":
			send(agent.StreamDelta{Done: true})
			return

		case "error":
			send(agent.StreamDelta{Err: errors.New("anthropic: stream error")})
			return
		}
	}

	if err := stream.Err(); err != nil {
		send(agent.StreamDelta{Err: fmt.Errorf("anthropic: %w", err)})
		return
	}

	// Stream ended without an explicit message_stop.
	send(agent.StreamDelta{Done: true})
}

func (p *AnthropicProvider) convertMessages(messages []agent.CompletionMessage) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam

	for _, msg := range messages {
		// System messages travel in params.System, not the message list.
		if msg.Role == "system" {
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, tr := range msg.ToolResults {
			content = append(content, anthropic.NewToolResultBlock(tr.ToolCallID, tr.Content, tr.IsError))
		}
		for _, tc := range msg.ToolCalls {
			var input map[string]interface{}
			if err := json.Unmarshal(tc.Input, &input); err != nil {
				return nil, fmt.Errorf("invalid tool call input: %w", err)
			}
			content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}
		if len(content) == 0 {
			continue
		}

		if msg.Role == "assistant" {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			// User and tool roles both map to user messages.
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	return result, nil
}

func (p *AnthropicProvider) convertTools(tools []agent.Tool) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam

	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Schema(), &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", tool.Name(), err)
		}

		toolParam := anthropic.ToolUnionParamOfTool(schema, tool.Name())
		if toolParam.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", tool.Name())
		}
		toolParam.OfTool.Description = anthropic.String(tool.Description())
		result = append(result, toolParam)
	}
	return result, nil
}

func (p *AnthropicProvider) getModel(model string) string {
	if model != "" {
		return model
	}
	return p.model
}

func (p *AnthropicProvider) getMaxTokens(maxTokens int) int {
	if maxTokens > 0 {
		return maxTokens
	}
	return defaultAnthropicMaxTokens
}
