package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-assistant/internal/bus"
	"github.com/loqalabs/loqa-assistant/internal/config"
	"github.com/loqalabs/loqa-assistant/internal/protocol"
	"github.com/loqalabs/loqa-assistant/internal/turn"
)

// GeneratorProvider answers turns with an in-process Generator.
type GeneratorProvider struct {
	generator Generator
	cfg       config.LLMConfig
}

func NewGeneratorProvider(generator Generator, cfg config.LLMConfig) *GeneratorProvider {
	return &GeneratorProvider{generator: generator, cfg: cfg}
}

func (p *GeneratorProvider) Reply(ctx context.Context, req turn.ReplyRequest) (string, error) {
	options, err := OptionsFromConfig(p.cfg, "")
	if err != nil {
		return "", err
	}
	options.SessionID = req.SessionID
	options.Prompt = req.Text
	options.System = SystemPrompt(req.Locale, p.cfg.SystemPrompt)
	options.Messages = MessagesFromHistory(req.History, MaxHistoryTurns)
	options.TraceID = uuid.NewString()

	text, _, err := Collect(ctx, p.generator, options)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

// BusProvider asks the LLM service over NATS request/reply.
type BusProvider struct {
	bus     *bus.Client
	cfg     config.LLMConfig
	timeout time.Duration
}

func NewBusProvider(client *bus.Client, cfg config.LLMConfig, timeout time.Duration) *BusProvider {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &BusProvider{bus: client, cfg: cfg, timeout: timeout}
}

func (p *BusProvider) Reply(ctx context.Context, req turn.ReplyRequest) (string, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	history := MessagesFromHistory(req.History, MaxHistoryTurns)
	msg := protocol.LLMRequest{
		RequestID: uuid.NewString(),
		SessionID: req.SessionID,
		Prompt:    req.Text,
		System:    SystemPrompt(req.Locale, p.cfg.SystemPrompt),
		History:   make([]protocol.ChatMessage, 0, len(history)),
		Locale:    req.Locale,
	}
	for _, m := range history {
		msg.History = append(msg.History, protocol.ChatMessage{Role: m.Role, Content: m.Content})
	}

	var resp protocol.LLMResponse
	if err := p.bus.RequestJSON(ctx, protocol.SubjectLLMRequest, msg, &resp); err != nil {
		return "", err
	}
	if resp.Error != "" {
		return "", fmt.Errorf("llm service: %s", resp.Error)
	}
	return strings.TrimSpace(resp.Content), nil
}
