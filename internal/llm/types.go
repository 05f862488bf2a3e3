package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-assistant/internal/config"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one prior exchange of the conversation.
type Message struct {
	Role    string
	Content string
}

// Request describes a language model prompt.
type Request struct {
	SessionID   string
	Prompt      string
	System      string
	Messages    []Message
	Tier        string
	MaxTokens   int
	Temperature float64
	TraceID     string
}

// Chunk represents streamed model output.
type Chunk struct {
	SessionID        string
	Content          string
	Partial          bool
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
	TraceID          string
}

// Generator defines a pluggable LLM backend.
type Generator interface {
	Generate(ctx context.Context, req Request, consumer func(Chunk) error) error
}

// OptionsFromConfig builds defaults from config.
func OptionsFromConfig(cfg config.LLMConfig, reqTier string) (Request, error) {
	req := Request{Tier: cfg.DefaultTier, MaxTokens: cfg.MaxTokens, Temperature: cfg.Temperature}
	if reqTier != "" {
		req.Tier = reqTier
	}
	switch req.Tier {
	case "", "fast", "balanced":
	default:
		return req, fmt.Errorf("unknown llm tier %q", req.Tier)
	}
	return req, nil
}

// NewGenerator builds the backend selected by cfg.Mode.
func NewGenerator(ctx context.Context, cfg config.LLMConfig) (Generator, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockGenerator(), nil
	case "ollama":
		return NewOllamaGenerator(cfg.Endpoint, cfg.ModelFast, cfg.ModelBalanced), nil
	case "exec":
		return NewExecGenerator(cfg.Command)
	case "openai":
		return NewOpenAIGenerator(cfg)
	case "gemini":
		return NewGeminiGenerator(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported llm mode %q", cfg.Mode)
	}
}

// Collect runs g and joins every chunk into the full reply.
func Collect(ctx context.Context, g Generator, req Request) (string, Chunk, error) {
	var (
		content []byte
		last    Chunk
	)
	err := g.Generate(ctx, req, func(chunk Chunk) error {
		content = append(content, chunk.Content...)
		last = chunk
		return nil
	})
	last.Content = string(content)
	last.Partial = false
	return last.Content, last, err
}

func modelForTier(tier, fast, balanced, fallback string) string {
	switch tier {
	case "fast":
		if fast != "" {
			return fast
		}
	case "balanced":
		if balanced != "" {
			return balanced
		}
	}
	if balanced != "" {
		return balanced
	}
	if fast != "" {
		return fast
	}
	return fallback
}
