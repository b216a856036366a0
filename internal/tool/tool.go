// Package tool defines the capability interface tool-engine nodes invoke and
// the built-in file tools. Every invocation passes through the policy gate
// before Execute is called; tools themselves still canonicalize paths so a
// tool is safe even when called directly.
package tool

import (
	"context"
	"encoding/json"
)

// Result is the outcome of one tool invocation.
type Result struct {
	// Content is the human-readable output returned to the calling node.
	Content string `json:"content"`
	// IsError marks tool-level failures that are not Go errors (for
	// example a missing file the caller may want to handle).
	IsError bool `json:"is_error,omitempty"`
	// Data carries structured output when the tool has one.
	Data map[string]any `json:"data,omitempty"`
}

// Tool is one invocable capability.
type Tool interface {
	Name() string
	Description() string
	// Schema describes the argument object as JSON Schema.
	Schema() json.RawMessage
	Execute(ctx context.Context, args map[string]any) (*Result, error)
}

func mustSchema(schema map[string]any) json.RawMessage {
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

func stringArg(args map[string]any, key string) string {
	if raw, ok := args[key]; ok {
		if s, ok := raw.(string); ok {
			return s
		}
	}
	return ""
}
