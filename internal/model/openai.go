package model

import (
	"context"
	"errors"
	"io"
	"os"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/amon/internal/errs"
)

// OpenAIModel streams completions from the OpenAI chat completions API.
type OpenAIModel struct {
	client       *openai.Client
	defaultModel string
	hasKey       bool
}

// NewOpenAIModel builds the provider; the key is checked at call time.
func NewOpenAIModel(defaultModel string) *OpenAIModel {
	key := os.Getenv("OPENAI_API_KEY")
	if defaultModel == "" {
		defaultModel = openai.GPT4o
	}
	return &OpenAIModel{
		client:       openai.NewClient(key),
		defaultModel: defaultModel,
		hasKey:       key != "",
	}
}

func (m *OpenAIModel) Name() string { return "openai" }

// Complete implements ChatModel.
func (m *OpenAIModel) Complete(ctx context.Context, req Request) (<-chan Chunk, error) {
	if !m.hasKey {
		return nil, errs.New(errs.KindModelAuthFailed, "OPENAI_API_KEY is not set")
	}

	modelID := req.Model
	if modelID == "" {
		modelID = m.defaultModel
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, msg := range req.Messages {
		role := openai.ChatMessageRoleUser
		if msg.Role == "assistant" {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: msg.Text})
	}

	stream, err := m.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:         modelID,
		Messages:      messages,
		MaxTokens:     req.MaxTokens,
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	})
	if err != nil {
		return nil, m.classify(err)
	}

	chunks := make(chan Chunk)
	go func() {
		defer close(chunks)
		defer stream.Close()

		var inputTokens, outputTokens int
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				chunks <- Chunk{Done: true, InputTokens: inputTokens, OutputTokens: outputTokens}
				return
			}
			if err != nil {
				chunks <- Chunk{Err: m.classify(err)}
				return
			}
			if resp.Usage != nil {
				inputTokens = resp.Usage.PromptTokens
				outputTokens = resp.Usage.CompletionTokens
			}
			if len(resp.Choices) > 0 && resp.Choices[0].Delta.Content != "" {
				select {
				case chunks <- Chunk{Text: resp.Choices[0].Delta.Content}:
				case <-ctx.Done():
					chunks <- Chunk{Err: errs.Wrap(errs.KindCancelled, ctx.Err())}
					return
				}
			}
		}
	}()
	return chunks, nil
}

func (m *OpenAIModel) classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
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
