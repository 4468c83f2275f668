package provider

import (
	"context"
	"errors"

	"github.com/mohammad-safakhou/vooli/config"
	"github.com/mohammad-safakhou/vooli/provider/models"
	openai_provider "github.com/mohammad-safakhou/vooli/provider/openai"
)

// Client represents different LLM providers
type Client string

const (
	OpenAI    Client = "openai"
	Anthropic Client = "anthropic"
	Gemini    Client = "gemini"
)

var ErrUnsupportedProvider = errors.New("unsupported LLM provider")

// Provider is the interface that all LLM implementations must satisfy
type Provider interface {
	// GenerateObject decodes a schema-conforming JSON object into out.
	GenerateObject(ctx context.Context, req models.ObjectRequest, out any) error
	StreamText(ctx context.Context, req models.TextRequest) (models.TextStream, error)
}

// NewProvider creates a new LLM client based on the provided configuration
func NewProvider(cfg config.LLMConfig) (Provider, error) {
	switch Client(cfg.Provider) {
	case OpenAI, "":
		if cfg.APIKey == "" {
			return nil, errors.New("llm api key not set")
		}
		return openai_provider.NewOpenAIClient(openai_provider.Options{
			APIKey:      cfg.APIKey,
			BaseURL:     cfg.BaseURL,
			ObjectModel: cfg.ObjectModel,
			StreamModel: cfg.StreamModel,
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
			Timeout:     cfg.Timeout,
		}), nil
	case Anthropic:
		return nil, errors.New("anthropic client not implemented yet")
	case Gemini:
		return nil, errors.New("gemini client not implemented yet")
	default:
		return nil, ErrUnsupportedProvider
	}
}
