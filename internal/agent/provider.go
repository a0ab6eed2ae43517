package agent

import (
	"context"
	"encoding/json"

	"github.com/parleyhq/parley/pkg/models"
)

// ModelProvider defines the interface for language model backends.
//
// Implementations handle the specifics of communicating with different model
// APIs (Anthropic, OpenAI, ...) while presenting a unified delta stream to the
// multiplexer.
//
// Thread safety: implementations must be safe for concurrent use across
// sessions.
type ModelProvider interface {
	// Stream sends a completion request and returns an ordered channel of
	// partial-message deltas. The channel is closed after the end-of-turn
	// delta or a transport error delta.
	Stream(ctx context.Context, req *CompletionRequest) (<-chan StreamDelta, error)

	// Name returns the provider name.
	Name() string
}

// CompletionRequest contains all parameters for a model completion request.
type CompletionRequest struct {
	// Model specifies which model to use. Empty means the provider default.
	Model string `json:"model"`

	// System is the system prompt. Handled separately from messages by most APIs.
	System string `json:"system,omitempty"`

	// Messages contains the conversation history in chronological order.
	Messages []CompletionMessage `json:"messages"`

	// Tools defines the tools the model may request to execute.
	Tools []Tool `json:"tools,omitempty"`

	// MaxTokens limits response length. Zero means the provider default.
	MaxTokens int `json:"max_tokens,omitempty"`
}

// CompletionMessage is a single message in a conversation.
//
// Role values: "user", "assistant", "system", "tool".
type CompletionMessage struct {
	Role        string              `json:"role"`
	Content     string              `json:"content,omitempty"`
	ToolCalls   []models.ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []models.ToolResult `json:"tool_results,omitempty"`
}

// StreamDelta is one opaque partial-message delta from a model stream.
// Exactly one of the variant fields is set:
//
//   - Text: a content fragment, emitted in arrival order
//   - ToolCallBegin: the first delta of a tool call (id and name)
//   - ArgsFragment: an argument-text fragment for an open call index
//   - Done: the end-of-turn marker
//   - Err: a transport failure terminating the stream
type StreamDelta struct {
	Text          string
	ToolCallBegin *ToolCallBegin
	ArgsFragment  *ArgsFragment
	Done          bool
	Err           error
}

// ToolCallBegin announces a tool call. Index keys subsequent argument
// fragments; ID and Name arrive once, in this delta.
type ToolCallBegin struct {
	Index int
	ID    string
	Name  string
}

// ArgsFragment is a fragment of the argument text for an open call index.
type ArgsFragment struct {
	Index int
	Text  string
}

// Tool defines the invocation capability contract for executable tools.
//
// A tool is resolved through registry lookup by name; the executor treats
// immediately-returning and suspending implementations uniformly through
// Execute, which may block until ctx is cancelled.
type Tool interface {
	// Name returns the tool name used for model function calling.
	Name() string

	// Description returns a natural language description of the tool.
	Description() string

	// Schema returns the JSON Schema for the tool's parameters.
	Schema() json.RawMessage

	// Execute runs the tool with the given JSON arguments.
	Execute(ctx context.Context, args json.RawMessage) (*ToolResult, error)
}

// ToolResult contains the output from a tool execution. Errors the tool wants
// the model to see are communicated with IsError=true rather than a Go error.
type ToolResult struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}
