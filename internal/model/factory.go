package model

import (
	"github.com/haasonsaas/amon/internal/errs"
)

// New returns the provider named in config. "fake" is an offline scripted
// provider used in tests and dry runs.
func New(provider, defaultModel string) (ChatModel, error) {
	switch provider {
	case "anthropic":
		return NewAnthropicModel(defaultModel), nil
	case "openai":
		return NewOpenAIModel(defaultModel), nil
	case "fake":
		return NewFakeModel(), nil
	default:
		return nil, errs.New(errs.KindConfigInvalid, "unknown model provider %q", provider)
	}
}
