package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-assistant/internal/bus"
	"github.com/loqalabs/loqa-assistant/internal/config"
	"github.com/loqalabs/loqa-assistant/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Service answers llm.request messages. Partial chunks are published on
// llm.response.partial; the aggregated reply goes back to the requester and
// out on llm.response.final.
type Service struct {
	cfg       config.LLMConfig
	bus       *bus.Client
	generator Generator
	sub       *nats.Subscription
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	ready     bool
	logger    *slog.Logger
}

func NewService(parent context.Context, cfg config.LLMConfig, busClient *bus.Client, generator Generator, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:       cfg,
		bus:       busClient,
		generator: generator,
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger.With(slog.String("component", "llm-service")),
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectLLMRequest, s.handleRequest)
	if err != nil {
		return fmt.Errorf("subscribe LLM requests: %w", err)
	}
	s.sub = sub
	s.ready = true
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || s.ready
}

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.LLMRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode llm request", slogError(err))
		s.respond(msg, protocol.LLMResponse{Error: "malformed request"})
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, 60*time.Second)
		defer cancel()

		final := protocol.LLMResponse{RequestID: req.RequestID, SessionID: req.SessionID}

		options, err := OptionsFromConfig(s.cfg, req.Tier)
		if err != nil {
			s.logger.Warn("invalid LLM options", slogError(err))
			final.Error = err.Error()
			s.finish(msg, final)
			return
		}
		options.SessionID = req.SessionID
		options.Prompt = req.Prompt
		options.System = req.System
		if options.System == "" {
			options.System = SystemPrompt(req.Locale, s.cfg.SystemPrompt)
		}
		options.Messages = make([]Message, 0, len(req.History))
		for _, m := range req.History {
			options.Messages = append(options.Messages, Message{Role: m.Role, Content: m.Content})
		}
		options.MaxTokens = coalesceInt(req.MaxTokens, s.cfg.MaxTokens)
		if req.Temperature != 0 {
			options.Temperature = req.Temperature
		}
		options.TraceID = req.RequestID

		start := time.Now()
		var content strings.Builder
		err = s.generator.Generate(ctx, options, func(chunk Chunk) error {
			content.WriteString(chunk.Content)
			final.PromptTokens = chunk.PromptTokens
			final.CompletionTokens = chunk.CompletionTokens
			if chunk.Partial {
				return s.publishChunk(req.RequestID, chunk)
			}
			return nil
		})
		final.Content = strings.TrimSpace(content.String())
		final.LatencyMS = time.Since(start).Milliseconds()
		if err != nil {
			s.logger.Warn("llm generation failed", slog.String("session_id", req.SessionID), slogError(err))
			final.Error = err.Error()
		} else {
			s.logger.Info("llm generation complete",
				slog.String("session_id", req.SessionID),
				slog.Duration("latency", time.Since(start)))
		}
		s.finish(msg, final)
	}()
}

func (s *Service) finish(msg *nats.Msg, resp protocol.LLMResponse) {
	resp.Partial = false
	resp.Timestamp = time.Now().UTC()
	s.respond(msg, resp)
	if resp.Error == "" {
		if err := s.bus.PublishJSON(protocol.SubjectLLMFinal, resp); err != nil {
			s.logger.Warn("failed to publish llm final", slogError(err))
		}
	}
}

func (s *Service) respond(msg *nats.Msg, resp protocol.LLMResponse) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Warn("failed to marshal llm reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to respond to llm request", slogError(err))
	}
}

func (s *Service) publishChunk(requestID string, chunk Chunk) error {
	if chunk.Content == "" {
		return nil
	}
	msg := protocol.LLMResponse{
		RequestID:        requestID,
		SessionID:        chunk.SessionID,
		Content:          chunk.Content,
		Partial:          true,
		PromptTokens:     chunk.PromptTokens,
		CompletionTokens: chunk.CompletionTokens,
		LatencyMS:        chunk.Latency.Milliseconds(),
		Timestamp:        time.Now().UTC(),
	}
	if err := s.bus.PublishJSON(protocol.SubjectLLMPartial, msg); err != nil {
		s.logger.Warn("failed to publish llm chunk", slogError(err))
		return err
	}
	return nil
}

func coalesceInt(value, fallback int) int {
	if value > 0 {
		return value
	}
	return fallback
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
