package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"medchat/internal/config"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/openai"
)

const claudeMaxTokens = 3000

// NewProvider builds the configured provider. It never returns nil: any
// initialization failure yields the Unavailable variant.
func NewProvider(ctx context.Context, cfg config.ProviderConfig, logger *slog.Logger) Provider {
	if logger == nil {
		logger = slog.Default()
	}
	p, err := newProvider(ctx, cfg)
	if err != nil {
		logger.Error("ai model initialization failed", "provider", cfg.Name, "model", cfg.Model, "err", err)
		return Unavailable(err)
	}
	logger.Info("ai model ready", "provider", cfg.Name, "model", cfg.Model)
	return p
}

func newProvider(ctx context.Context, cfg config.ProviderConfig) (Provider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("api key not configured")
	}
	switch cfg.Name {
	case "", "gemini":
		return NewGeminiProvider(ctx, cfg.APIKey, cfg.Model)
	case "openai":
		chatModel, err := openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
			APIKey:  cfg.APIKey,
		})
		if err != nil {
			return nil, fmt.Errorf("init openai model: %w", err)
		}
		return NewEinoProvider(chatModel), nil
	case "claude":
		var baseURL *string
		if cfg.BaseURL != "" {
			baseURL = &cfg.BaseURL
		}
		chatModel, err := claude.NewChatModel(ctx, &claude.Config{
			APIKey:    cfg.APIKey,
			Model:     cfg.Model,
			BaseURL:   baseURL,
			MaxTokens: claudeMaxTokens,
		})
		if err != nil {
			return nil, fmt.Errorf("init claude model: %w", err)
		}
		return NewEinoProvider(chatModel), nil
	default:
		return nil, fmt.Errorf("invalid provider: %s", cfg.Name)
	}
}
