// Package llm implements the analyze and compose stages on top of an eino
// chat model.
package llm

import (
	"context"
	"fmt"
	"time"

	einoollama "github.com/cloudwego/eino-ext/components/model/ollama"
	einoopenai "github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"

	"github.com/fawad-mazhar/kxcreation/internal/config"
)

const defaultOllamaBaseURL = "http://localhost:11434"

// NewChatModel builds the chat model selected by cfg.Driver
func NewChatModel(ctx context.Context, cfg config.LLMConfig, timeout time.Duration) (model.BaseChatModel, error) {
	switch cfg.Driver {
	case config.LLMDriverOpenAI, "":
		return newOpenAI(ctx, cfg, timeout)
	case config.LLMDriverOllama:
		return newOllama(ctx, cfg, timeout)
	default:
		return nil, fmt.Errorf("unknown llm driver %q", cfg.Driver)
	}
}

// newOpenAI targets any OpenAI-compatible endpoint, Qwen's included
func newOpenAI(ctx context.Context, cfg config.LLMConfig, timeout time.Duration) (model.BaseChatModel, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("QWEN_API_KEY is required for the %s driver", config.LLMDriverOpenAI)
	}

	modelConfig := &einoopenai.ChatModelConfig{
		APIKey:  cfg.APIKey,
		Model:   cfg.Model,
		Timeout: timeout,
	}
	if cfg.BaseURL != "" {
		modelConfig.BaseURL = cfg.BaseURL
	}
	if cfg.MaxTokens > 0 {
		maxTokens := cfg.MaxTokens
		modelConfig.MaxCompletionTokens = &maxTokens
	}
	temp := cfg.Temperature
	modelConfig.Temperature = &temp

	cm, err := einoopenai.NewChatModel(ctx, modelConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create openai chat model: %w", err)
	}
	return cm, nil
}

func newOllama(ctx context.Context, cfg config.LLMConfig, timeout time.Duration) (model.BaseChatModel, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" || baseURL == config.DefaultLLMBaseURL {
		baseURL = defaultOllamaBaseURL
	}

	modelConfig := &einoollama.ChatModelConfig{
		BaseURL: baseURL,
		Model:   cfg.Model,
		Timeout: timeout,
		Options: &einoollama.Options{
			Temperature: cfg.Temperature,
			NumPredict:  cfg.MaxTokens,
		},
	}

	cm, err := einoollama.NewChatModel(ctx, modelConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create ollama chat model: %w", err)
	}
	return cm, nil
}
