// Package providers contains ModelProvider implementations for the supported
// model APIs.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/parleyhq/parley/internal/agent"
)

const defaultOpenAIModel = "gpt-4o"

// OpenAIProvider implements agent.ModelProvider for OpenAI's chat models.
//
// OpenAI streams tool calls incrementally: the first fragment for a call
// index carries the id and function name, subsequent fragments carry raw
// argument text. The provider surfaces those fragments as-is; assembly is
// the multiplexer's job.
//
// Thread safety: safe for concurrent use. Each Stream call creates an
// independent stream and goroutine.
type OpenAIProvider struct {
	client     *openai.Client
	model      string
	maxRetries int
	retryDelay time.Duration
}

// NewOpenAIProvider creates a provider. model is the default used when a
// request does not name one.
func NewOpenAIProvider(apiKey, model string) *OpenAIProvider {
	if model == "" {
		model = defaultOpenAIModel
	}
	p := &OpenAIProvider{
		model:      model,
		maxRetries: 3,
		retryDelay: time.Second,
	}
	if apiKey != "" {
		p.client = openai.NewClient(apiKey)
	}
	return p
}

// Name returns "openai".
func (p *OpenAIProvider) Name() string {
	return "openai"
}

// Stream sends a streaming chat completion request and returns the ordered
// delta channel.
func (p *OpenAIProvider) Stream(ctx context.Context, req *agent.CompletionRequest) (<-chan agent.StreamDelta, error) {
	if p.client == nil {
		return nil, errors.New("openai: API key not configured")
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    p.getModel(req.Model),
		Messages: p.convertMessages(req.Messages, req.System),
		Stream:   true,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = p.convertTools(req.Tools)
	}

	var stream *openai.ChatCompletionStream
	var lastErr error
	for attempt := 0; attempt < p.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(p.retryDelay * time.Duration(attempt)):
			}
		}

		stream, lastErr = p.client.CreateChatCompletionStream(ctx, chatReq)
		if lastErr == nil {
			break
		}
		if !isRetryableError(lastErr) {
			return nil, fmt.Errorf("openai: %w", lastErr)
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("openai: max retries exceeded: %w", lastErr)
	}

	deltas := make(chan agent.StreamDelta)
	go p.processStream(ctx, stream, deltas)
	return deltas, nil
}

// callState tracks one in-flight tool call index until its begin delta can
// be emitted (id and name may arrive across chunks).
type callState struct {
	id       string
	name     string
	begun    bool
	buffered []string
}

func (p *OpenAIProvider) processStream(ctx context.Context, stream *openai.ChatCompletionStream, deltas chan<- agent.StreamDelta) {
	defer close(deltas)
	defer stream.Close()

	send := func(d agent.StreamDelta) bool {
		select {
		case deltas <- d:
			return true
		case <-ctx.Done():
			return false
		}
	}

	calls := make(map[int]*callState)

	for {
		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				send(agent.StreamDelta{Done: true})
			} else {
				send(agent.StreamDelta{Err: fmt.Errorf("openai: %w", err)})
			}
			return
		}
		if len(response.Choices) == 0 {
			continue
		}

		delta := response.Choices[0].Delta

		if delta.Content != "" {
			if !send(agent.StreamDelta{Text: delta.Content}) {
				return
			}
		}

		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			state := calls[index]
			if state == nil {
				state = &callState{}
				calls[index] = state
			}
			if tc.ID != "" {
				state.id = tc.ID
			}
			if tc.Function.Name != "" {
				state.name = tc.Function.Name
			}

			// Emit the call's begin delta once id and name are known,
			// flushing any argument text that arrived early.
			if !state.begun && state.id != "" && state.name != "" {
				state.begun = true
				if !send(agent.StreamDelta{ToolCallBegin: &agent.ToolCallBegin{
					Index: index,
					ID:    state.id,
					Name:  state.name,
				}}) {
					return
				}
				for _, frag := range state.buffered {
					if !send(agent.StreamDelta{ArgsFragment: &agent.ArgsFragment{Index: index, Text: frag}}) {
						return
					}
				}
				state.buffered = nil
			}

			if tc.Function.Arguments != "" {
				if state.begun {
					if !send(agent.StreamDelta{ArgsFragment: &agent.ArgsFragment{Index: index, Text: tc.Function.Arguments}}) {
						return
					}
				} else {
					state.buffered = append(state.buffered, tc.Function.Arguments)
				}
			}
		}
	}
}

func (p *OpenAIProvider) convertMessages(messages []agent.CompletionMessage, system string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)

	// OpenAI takes the system prompt as the first message.
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		switch msg.Role {
		case "tool":
			// Each tool result becomes its own message linked by call id.
			for _, tr := range msg.ToolResults {
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    tr.Content,
					ToolCallID: tr.ToolCallID,
				})
			}

		case "assistant":
			oaiMsg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			if len(msg.ToolCalls) > 0 {
				oaiMsg.ToolCalls = make([]openai.ToolCall, len(msg.ToolCalls))
				for i, tc := range msg.ToolCalls {
					oaiMsg.ToolCalls[i] = openai.ToolCall{
						ID:   tc.ID,
						Type: openai.ToolTypeFunction,
						Function: openai.FunctionCall{
							Name:      tc.Name,
							Arguments: string(tc.Input),
						},
					}
				}
			}
			result = append(result, oaiMsg)

		default:
			result = append(result, openai.ChatCompletionMessage{
				Role:    msg.Role,
				Content: msg.Content,
			})
		}
	}
	return result
}

func (p *OpenAIProvider) convertTools(tools []agent.Tool) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		var schemaMap map[string]any
		if err := json.Unmarshal(tool.Schema(), &schemaMap); err != nil {
			// A bad schema degrades to an open object so the remaining
			// tools keep working.
			schemaMap = map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			}
		}
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name(),
				Description: tool.Description(),
				Parameters:  schemaMap,
			},
		}
	}
	return result
}

func (p *OpenAIProvider) getModel(model string) string {
	if model != "" {
		return model
	}
	return p.model
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range []string{"rate limit", "429", "500", "502", "503", "504", "timeout", "deadline exceeded"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
