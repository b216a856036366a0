package model

import (
	"context"
	"errors"
	"os"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/haasonsaas/amon/internal/errs"
)

// AnthropicModel streams completions from the Anthropic Messages API.
type AnthropicModel struct {
	client       anthropic.Client
	defaultModel string
	hasKey       bool
}

// NewAnthropicModel builds the provider. A missing ANTHROPIC_API_KEY is not a
// construction error; Complete reports MODEL_AUTH_FAILED at call time so the
// daemon can start without credentials.
func NewAnthropicModel(defaultModel string) *AnthropicModel {
	key := os.Getenv("ANTHROPIC_API_KEY")
	if defaultModel == "" {
		defaultModel = string(anthropic.ModelClaudeSonnet4_20250514)
	}
	return &AnthropicModel{
		client:       anthropic.NewClient(option.WithAPIKey(key)),
		defaultModel: defaultModel,
		hasKey:       key != "",
	}
}

func (m *AnthropicModel) Name() string { return "anthropic" }

// Complete implements ChatModel.
func (m *AnthropicModel) Complete(ctx context.Context, req Request) (<-chan Chunk, error) {
	if !m.hasKey {
		return nil, errs.New(errs.KindModelAuthFailed, "ANTHROPIC_API_KEY is not set")
	}

	modelID := req.Model
	if modelID == "" {
		modelID = m.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(modelID),
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	for _, msg := range req.Messages {
		block := anthropic.NewTextBlock(msg.Text)
		if msg.Role == "assistant" {
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(block))
		} else {
			params.Messages = append(params.Messages, anthropic.NewUserMessage(block))
		}
	}

	chunks := make(chan Chunk)
	go func() {
		defer close(chunks)

		stream := m.client.Messages.NewStreaming(ctx, params)
		var inputTokens, outputTokens int
		for stream.Next() {
			event := stream.Current()
			switch event.Type {
			case "message_start":
				start := event.AsMessageStart()
				inputTokens = int(start.Message.Usage.InputTokens)
			case "content_block_delta":
				delta := event.AsContentBlockDelta()
				if delta.Delta.Type == "text_delta" && delta.Delta.Text != "" {
					select {
					case chunks <- Chunk{Text: delta.Delta.Text}:
					case <-ctx.Done():
						chunks <- Chunk{Err: errs.Wrap(errs.KindCancelled, ctx.Err())}
						return
					}
				}
			case "message_delta":
				delta := event.AsMessageDelta()
				outputTokens = int(delta.Usage.OutputTokens)
			}
		}
		if err := stream.Err(); err != nil {
			chunks <- Chunk{Err: m.classify(err)}
			return
		}
		chunks <- Chunk{Done: true, InputTokens: inputTokens, OutputTokens: outputTokens}
	}()
	return chunks, nil
}

func (m *AnthropicModel) classify(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 401, 403:
			return errs.Wrap(errs.KindModelAuthFailed, err)
		case 429:
			return errs.Wrap(errs.KindModelRateLimit, err)
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return errs.Wrap(errs.KindCancelled, err)
	}
	return errs.Wrap(errs.KindIO, err)
}
