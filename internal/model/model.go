// Package model declares the ChatModel capability the graph runtime consumes
// and its provider implementations. Providers stream tokens over a channel;
// the runtime treats every received chunk as a progress signal for its
// inactivity timeout.
package model

import (
	"context"
)

// Message is one turn of prompt history.
type Message struct {
	Role string // "user" or "assistant"
	Text string
}

// Request is a completion request.
type Request struct {
	System    string
	Messages  []Message
	Model     string
	MaxTokens int
}

// Chunk is one streamed increment. Exactly one terminal chunk arrives per
// stream: either Done with usage totals or Err set.
type Chunk struct {
	Text string
	Done bool
	Err  error

	// Usage totals, populated on the Done chunk.
	InputTokens  int
	OutputTokens int
}

// ChatModel streams a completion. The returned channel is closed after the
// terminal chunk. Implementations must honor ctx cancellation.
type ChatModel interface {
	Complete(ctx context.Context, req Request) (<-chan Chunk, error)
	Name() string
}
