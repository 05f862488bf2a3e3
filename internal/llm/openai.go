package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/loqalabs/loqa-assistant/internal/config"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// openAIGenerator talks to OpenAI or any compatible chat completions
// endpoint (Groq, vLLM, LM Studio).
type openAIGenerator struct {
	client        *openai.Client
	modelFast     string
	modelBalanced string
}

func NewOpenAIGenerator(cfg config.LLMConfig) (Generator, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai generator requires an api key")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := openai.NewClient(opts...)
	return &openAIGenerator{
		client:        &client,
		modelFast:     cfg.ModelFast,
		modelBalanced: cfg.ModelBalanced,
	}, nil
}

func (g *openAIGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+2)
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		if m.Role == RoleAssistant {
			messages = append(messages, openai.AssistantMessage(m.Content))
		} else {
			messages = append(messages, openai.UserMessage(m.Content))
		}
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Model:    modelForTier(req.Tier, g.modelFast, g.modelBalanced, "gpt-4o-mini"),
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}

	start := time.Now()
	stream := g.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()
	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		if err := consumer(Chunk{
			SessionID: req.SessionID,
			Content:   delta,
			Partial:   true,
			Latency:   time.Since(start),
			TraceID:   req.TraceID,
		}); err != nil {
			return err
		}
	}
	if err := stream.Err(); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("openai stream: %w", err)
	}
	return consumer(Chunk{
		SessionID: req.SessionID,
		Partial:   false,
		Latency:   time.Since(start),
		TraceID:   req.TraceID,
	})
}
