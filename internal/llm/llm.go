// Package llm adapts hosted language models to the document composer and chat
// collaborators.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"specforge/internal/config"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"

	defaultMaxTokens = 4096
)

var ErrEmptyResponse = errors.New("model returned no text")

type Message struct {
	Role    string
	Content string
}

type Request struct {
	System    string
	Messages  []Message
	MaxTokens int
}

// Client sends one completion request.
type Client interface {
	Complete(ctx context.Context, req Request) (string, error)
	Model() string
}

// New returns the client for the configured provider, or nil when the
// provider is "none" or empty.
func New(cfg config.LLMConfig) (Client, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", "none":
		return nil, nil
	case "anthropic":
		if cfg.APIKey == "" {
			return nil, errors.New("llm.api_key is required for provider anthropic")
		}
		return NewAnthropic(cfg.APIKey, cfg.Model), nil
	case "openai":
		if cfg.APIKey == "" {
			return nil, errors.New("llm.api_key is required for provider openai")
		}
		return NewOpenAI(cfg.APIKey, cfg.Model), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}

func maxTokens(n int) int64 {
	if n <= 0 {
		return defaultMaxTokens
	}
	return int64(n)
}
