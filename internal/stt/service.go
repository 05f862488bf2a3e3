package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-assistant/internal/bus"
	"github.com/loqalabs/loqa-assistant/internal/config"
	"github.com/loqalabs/loqa-assistant/internal/protocol"
	"github.com/loqalabs/loqa-assistant/internal/turn"
	"github.com/nats-io/nats.go"
)

// Service buffers audio frames per session and publishes transcripts. A
// session that received a stop control drops frames until it is started
// again; sessions that never saw a control message are always captured.
type Service struct {
	cfg         config.STTConfig
	bus         *bus.Client
	transcriber Transcriber
	sessions    map[string]*sessionState
	gated       map[string]bool
	mu          sync.Mutex
	ctx         context.Context
	cancel      context.CancelFunc
	subs        []*nats.Subscription
	wg          sync.WaitGroup
	ready       bool
}

type sessionState struct {
	Buffer       []byte
	LastPartial  time.Time
	Inflight     bool
	PendingFinal bool
}

func NewService(parent context.Context, cfg config.STTConfig, busClient *bus.Client, transcriber Transcriber) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:         cfg,
		bus:         busClient,
		transcriber: transcriber,
		sessions:    make(map[string]*sessionState),
		gated:       make(map[string]bool),
		ctx:         ctx,
		cancel:      cancel,
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	frames, err := s.bus.Conn().Subscribe(protocol.SubjectAudioFramePrefix+".>", s.handleFrame)
	if err != nil {
		return fmt.Errorf("subscribe audio frames: %w", err)
	}
	control, err := s.bus.Conn().Subscribe(protocol.SubjectSTTControl, s.handleControl)
	if err != nil {
		_ = frames.Unsubscribe()
		return fmt.Errorf("subscribe stt control: %w", err)
	}
	s.subs = []*nats.Subscription{frames, control}
	s.ready = true
	return nil
}

func (s *Service) Close() {
	s.cancel()
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || s.ready
}

func (s *Service) handleControl(msg *nats.Msg) {
	var ctl protocol.STTControl
	if err := json.Unmarshal(msg.Data, &ctl); err != nil {
		s.bus.Logger().Warn("failed to decode stt control", slogError(err))
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch ctl.Action {
	case protocol.STTActionStart:
		delete(s.gated, ctl.SessionID)
	case protocol.STTActionStop:
		s.gated[ctl.SessionID] = true
		if state := s.sessions[ctl.SessionID]; state != nil && !state.Inflight {
			delete(s.sessions, ctl.SessionID)
		}
	default:
		s.bus.Logger().Warn("unknown stt control action", slog.String("action", ctl.Action))
	}
}

func (s *Service) handleFrame(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		s.bus.Logger().Warn("failed to decode audio frame", slogError(err))
		if id := strings.TrimPrefix(msg.Subject, protocol.SubjectAudioFramePrefix+"."); id != msg.Subject {
			s.publishError(id, turn.ErrorAudioCapture, err)
		}
		return
	}
	if len(frame.PCM)%2 != 0 {
		s.publishError(frame.SessionID, turn.ErrorAudioCapture, errUnalignedPCM)
		return
	}

	s.mu.Lock()
	if s.gated[frame.SessionID] {
		s.mu.Unlock()
		return
	}
	state := s.sessions[frame.SessionID]
	if state == nil {
		state = &sessionState{}
		s.sessions[frame.SessionID] = state
	}
	state.Buffer = append(state.Buffer, frame.PCM...)
	s.mu.Unlock()

	if s.cfg.PublishInterim && !frame.Final {
		if s.shouldSchedulePartial(frame.SessionID) {
			s.scheduleTranscription(frame.SessionID, false)
		}
	}
	if frame.Final {
		s.scheduleTranscription(frame.SessionID, true)
	}
}

func (s *Service) shouldSchedulePartial(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.sessions[sessionID]
	if state == nil {
		return false
	}
	if state.Inflight {
		return false
	}
	if state.LastPartial.IsZero() {
		state.LastPartial = time.Now()
		return true
	}
	interval := time.Duration(s.cfg.PartialEveryMS) * time.Millisecond
	if interval <= 0 {
		return false
	}
	if time.Since(state.LastPartial) >= interval {
		state.LastPartial = time.Now()
		return true
	}
	return false
}

func (s *Service) scheduleTranscription(sessionID string, final bool) {
	s.mu.Lock()
	state := s.sessions[sessionID]
	if state == nil {
		s.mu.Unlock()
		return
	}
	if state.Inflight {
		if final {
			state.PendingFinal = true
		}
		s.mu.Unlock()
		return
	}
	pcm := append([]byte(nil), state.Buffer...)
	state.Inflight = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, 45*time.Second)
		defer cancel()

		result, err := s.transcriber.Transcribe(ctx, pcm, s.cfg.SampleRate, s.cfg.Channels, final)
		switch {
		case err != nil && s.ctx.Err() != nil:
			// shutting down
		case errors.Is(err, errUnalignedPCM):
			s.publishError(sessionID, turn.ErrorAudioCapture, err)
		case err != nil:
			s.bus.Logger().Warn("stt transcription failed", slog.String("session_id", sessionID), slogError(err))
			s.publishError(sessionID, turn.ErrorNetwork, err)
		case final && strings.TrimSpace(result.Text) == "":
			s.publishError(sessionID, turn.ErrorNoSpeech, nil)
		default:
			s.publishTranscript(sessionID, result.Text, result.Confidence, final)
		}

		s.mu.Lock()
		state := s.sessions[sessionID]
		var pendingFinal bool
		if state != nil {
			state.Inflight = false
			pendingFinal = state.PendingFinal
			if !final {
				state.LastPartial = time.Now()
			}
			if final || s.gated[sessionID] {
				delete(s.sessions, sessionID)
			}
		}
		s.mu.Unlock()

		if pendingFinal && !final {
			s.scheduleTranscription(sessionID, true)
		}
	}()
}

func (s *Service) publishTranscript(sessionID, text string, confidence float64, final bool) {
	if text == "" {
		return
	}
	subject := protocol.SubjectTranscriptPartial
	if final {
		subject = protocol.SubjectTranscriptFinal
	}
	msg := protocol.Transcript{
		SessionID:  sessionID,
		Text:       text,
		Partial:    !final,
		Timestamp:  time.Now().UTC(),
		Confidence: confidence,
	}
	if err := s.bus.PublishJSON(subject, msg); err != nil {
		s.bus.Logger().Warn("failed to publish transcript", slogError(err))
	}
}

func (s *Service) publishError(sessionID string, kind turn.ErrorKind, cause error) {
	msg := protocol.STTError{
		SessionID: sessionID,
		Code:      string(kind),
		Timestamp: time.Now().UTC(),
	}
	if cause != nil {
		msg.Message = cause.Error()
	}
	if err := s.bus.PublishJSON(protocol.SubjectSTTError, msg); err != nil {
		s.bus.Logger().Warn("failed to publish stt error", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
