package tts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-assistant/internal/bus"
	"github.com/loqalabs/loqa-assistant/internal/config"
	"github.com/loqalabs/loqa-assistant/internal/protocol"
	"github.com/nats-io/nats.go"
)

var errCancelled = errors.New("tts request cancelled")

type inflight struct {
	sessionID string
	cancel    context.CancelCauseFunc
}

// Service answers tts.request messages with audio on tts.audio and
// lifecycle updates on tts.status.
type Service struct {
	cfg     config.TTSConfig
	bus     *bus.Client
	engine  Engine
	subs    []*nats.Subscription
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  *slog.Logger
	mu      sync.Mutex
	running map[string]inflight
	// cancels that arrived before their request
	early map[string]time.Time
}

func NewService(parent context.Context, cfg config.TTSConfig, busClient *bus.Client, engine Engine, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:     cfg,
		bus:     busClient,
		engine:  engine,
		ctx:     ctx,
		cancel:  cancel,
		logger:  log.With(slog.String("component", "tts-service")),
		running: make(map[string]inflight),
		early:   make(map[string]time.Time),
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	requests, err := s.bus.Conn().Subscribe(protocol.SubjectTTSRequest, s.handleRequest)
	if err != nil {
		return fmt.Errorf("subscribe tts requests: %w", err)
	}
	cancels, err := s.bus.Conn().Subscribe(protocol.SubjectTTSCancel, s.handleCancel)
	if err != nil {
		_ = requests.Unsubscribe()
		return fmt.Errorf("subscribe tts cancel: %w", err)
	}
	s.mu.Lock()
	s.subs = []*nats.Subscription{requests, cancels}
	s.mu.Unlock()
	return nil
}

func (s *Service) Close() {
	s.cancel()
	s.mu.Lock()
	subs := s.subs
	s.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.cfg.Enabled || len(s.subs) > 0
}

func (s *Service) handleCancel(msg *nats.Msg) {
	var req protocol.TTSCancel
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode tts cancel", slogError(err))
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if req.RequestID != "" {
		if job, ok := s.running[req.RequestID]; ok {
			job.cancel(errCancelled)
			return
		}
		now := time.Now()
		for id, at := range s.early {
			if now.Sub(at) > time.Minute {
				delete(s.early, id)
			}
		}
		s.early[req.RequestID] = now
		return
	}
	for _, job := range s.running {
		if job.sessionID == req.SessionID {
			job.cancel(errCancelled)
		}
	}
}

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.TTSRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode tts request", slogError(err))
		return
	}

	ctx, cancel := context.WithCancelCause(s.ctx)
	s.mu.Lock()
	if _, ok := s.early[req.RequestID]; ok {
		delete(s.early, req.RequestID)
		s.mu.Unlock()
		cancel(nil)
		s.publishStatus(req, protocol.TTSStateCancelled, nil)
		return
	}
	if req.RequestID != "" {
		s.running[req.RequestID] = inflight{sessionID: req.SessionID, cancel: cancel}
	}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.running, req.RequestID)
			s.mu.Unlock()
			cancel(nil)
		}()

		timeoutCtx, stop := context.WithTimeout(ctx, 45*time.Second)
		defer stop()

		s.publishStatus(req, protocol.TTSStateStarted, nil)
		synthReq := SynthRequest{
			SessionID: req.SessionID,
			Text:      req.Text,
			Voice:     coalesceString(req.Voice, s.cfg.Voice),
			Rate:      coalesceFloat(req.Rate, s.cfg.Rate),
			Pitch:     coalesceFloat(req.Pitch, s.cfg.Pitch),
			Volume:    coalesceFloat(req.Volume, s.cfg.Volume),
		}
		chunks, errs := s.engine.Synthesize(timeoutCtx, synthReq)
		err := drain(timeoutCtx, chunks, errs, func(chunk SynthChunk) error {
			s.publishChunk(req, chunk)
			return nil
		})
		switch {
		case err == nil:
			s.publishStatus(req, protocol.TTSStateCompleted, nil)
		case errors.Is(context.Cause(ctx), errCancelled):
			s.publishStatus(req, protocol.TTSStateCancelled, nil)
		default:
			s.logger.Warn("tts synthesis error", slog.String("session_id", req.SessionID), slogError(err))
			s.publishStatus(req, protocol.TTSStateFailed, err)
		}
	}()
}

func (s *Service) publishChunk(req protocol.TTSRequest, chunk SynthChunk) {
	packet := protocol.AudioChunk{
		RequestID:  req.RequestID,
		SessionID:  req.SessionID,
		Target:     req.Target,
		SampleRate: chunk.SampleRate,
		Channels:   chunk.Channels,
		Sequence:   chunk.Sequence,
		PCM:        chunk.PCM,
		Final:      chunk.Final,
	}
	if err := s.bus.PublishJSON(protocol.SubjectTTSAudio, packet); err != nil {
		s.logger.Warn("failed to publish tts chunk", slogError(err))
	}
}

func (s *Service) publishStatus(req protocol.TTSRequest, state string, cause error) {
	status := protocol.TTSStatus{
		RequestID: req.RequestID,
		SessionID: req.SessionID,
		Target:    req.Target,
		State:     state,
		Timestamp: time.Now().UTC(),
	}
	if cause != nil {
		status.Error = cause.Error()
	}
	if err := s.bus.PublishJSON(protocol.SubjectTTSStatus, status); err != nil {
		s.logger.Warn("failed to publish tts status", slogError(err))
	}
}

func coalesceString(value, fallback string) string {
	if value != "" {
		return value
	}
	return fallback
}

func coalesceFloat(value, fallback float64) float64 {
	if value > 0 {
		return value
	}
	return fallback
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
