package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/parleyhq/parley/internal/agent"
)

// ClockTool reports the current time, optionally in a named IANA zone.
type ClockTool struct {
	now func() time.Time
}

// NewClockTool creates a new clock tool.
func NewClockTool() *ClockTool {
	return &ClockTool{now: time.Now}
}

// Name returns the tool name.
func (t *ClockTool) Name() string { return "current_time" }

// Description returns the tool description.
func (t *ClockTool) Description() string {
	return "Get the current date and time, optionally in a specific IANA timezone."
}

// Schema returns the JSON schema for the tool parameters.
func (t *ClockTool) Schema() json.RawMessage {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"timezone": map[string]interface{}{
				"type":        "string",
				"description": "IANA timezone name, e.g. America/New_York. Defaults to UTC.",
			},
		},
		"required": []string{},
	}
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

// Execute reports the current time.
func (t *ClockTool) Execute(_ context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input struct {
		Timezone string `json:"timezone"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &input); err != nil {
			return nil, fmt.Errorf("invalid parameters: %w", err)
		}
	}

	loc := time.UTC
	if input.Timezone != "" {
		parsed, err := time.LoadLocation(input.Timezone)
		if err != nil {
			return &agent.ToolResult{Content: fmt.Sprintf("unknown timezone %q", input.Timezone), IsError: true}, nil
		}
		loc = parsed
	}

	return &agent.ToolResult{Content: t.now().In(loc).Format(time.RFC1123)}, nil
}
