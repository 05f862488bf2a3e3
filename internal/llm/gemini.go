package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/loqalabs/loqa-assistant/internal/config"
	"google.golang.org/genai"
)

type geminiGenerator struct {
	client        *genai.Client
	modelFast     string
	modelBalanced string
}

func NewGeminiGenerator(ctx context.Context, cfg config.LLMConfig) (Generator, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini generator requires an api key")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &geminiGenerator{
		client:        client,
		modelFast:     cfg.ModelFast,
		modelBalanced: cfg.ModelBalanced,
	}, nil
}

func textContent(role, text string) *genai.Content {
	return &genai.Content{Role: role, Parts: []*genai.Part{{Text: text}}}
}

func (g *geminiGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	contents := make([]*genai.Content, 0, len(req.Messages)+1)
	for _, m := range req.Messages {
		role := "user"
		if m.Role == RoleAssistant {
			role = "model"
		}
		contents = append(contents, textContent(role, m.Content))
	}
	contents = append(contents, textContent("user", req.Prompt))

	cfg := &genai.GenerateContentConfig{}
	if req.System != "" {
		cfg.SystemInstruction = textContent("user", req.System)
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.Temperature > 0 {
		temperature := float32(req.Temperature)
		cfg.Temperature = &temperature
	}

	model := modelForTier(req.Tier, g.modelFast, g.modelBalanced, "gemini-1.5-flash")
	start := time.Now()
	var promptTokens, completionTokens int
	for resp, err := range g.client.Models.GenerateContentStream(ctx, model, contents, cfg) {
		if err != nil {
			return fmt.Errorf("gemini stream: %w", err)
		}
		if resp.UsageMetadata != nil {
			promptTokens = int(resp.UsageMetadata.PromptTokenCount)
			completionTokens = int(resp.UsageMetadata.CandidatesTokenCount)
		}
		if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
			continue
		}
		var sb strings.Builder
		for _, p := range resp.Candidates[0].Content.Parts {
			sb.WriteString(p.Text)
		}
		if sb.Len() == 0 {
			continue
		}
		if err := consumer(Chunk{
			SessionID: req.SessionID,
			Content:   sb.String(),
			Partial:   true,
			Latency:   time.Since(start),
			TraceID:   req.TraceID,
		}); err != nil {
			return err
		}
	}
	return consumer(Chunk{
		SessionID:        req.SessionID,
		Partial:          false,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		Latency:          time.Since(start),
		TraceID:          req.TraceID,
	})
}
