package tts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-assistant/internal/bus"
	"github.com/loqalabs/loqa-assistant/internal/config"
	"github.com/loqalabs/loqa-assistant/internal/protocol"
	"github.com/loqalabs/loqa-assistant/internal/turn"
	"github.com/nats-io/nats.go"
)

// Sink plays synthesized audio.
type Sink interface {
	Play(ctx context.Context, chunk SynthChunk) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, chunk SynthChunk) error

func (f SinkFunc) Play(ctx context.Context, chunk SynthChunk) error { return f(ctx, chunk) }

// DiscardSink drops audio.
var DiscardSink Sink = SinkFunc(func(context.Context, SynthChunk) error { return nil })

// BusSink publishes audio on tts.audio for playback devices.
func BusSink(client *bus.Client, target string) Sink {
	return SinkFunc(func(_ context.Context, chunk SynthChunk) error {
		return client.PublishJSON(protocol.SubjectTTSAudio, protocol.AudioChunk{
			SessionID:  chunk.SessionID,
			Target:     target,
			Sequence:   chunk.Sequence,
			SampleRate: chunk.SampleRate,
			Channels:   chunk.Channels,
			PCM:        chunk.PCM,
			Final:      chunk.Final,
		})
	})
}

// LocalSpeaker speaks through an in-process Engine.
type LocalSpeaker struct {
	engine    Engine
	sink      Sink
	cfg       config.TTSConfig
	sessionID string

	mu     sync.Mutex
	gen    uint64
	cancel context.CancelFunc
}

func NewLocalSpeaker(engine Engine, sink Sink, cfg config.TTSConfig, sessionID string) *LocalSpeaker {
	if sink == nil {
		sink = DiscardSink
	}
	return &LocalSpeaker{engine: engine, sink: sink, cfg: cfg, sessionID: sessionID}
}

func (s *LocalSpeaker) Speak(ctx context.Context, text string, cb turn.SpeechCallbacks) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	go func() {
		defer cancel()
		if cb.OnStart != nil {
			cb.OnStart()
		}
		chunks, errs := s.engine.Synthesize(ctx, RequestFromConfig(s.cfg, s.sessionID, text))
		err := drain(ctx, chunks, errs, func(chunk SynthChunk) error {
			return s.sink.Play(ctx, chunk)
		})
		if ctx.Err() != nil {
			// cancelled by the caller; it already moved on
			return
		}
		s.mu.Lock()
		if s.gen == gen {
			s.cancel = nil
		}
		s.mu.Unlock()
		if err != nil {
			if cb.OnError != nil {
				cb.OnError(err)
			}
			return
		}
		if cb.OnEnd != nil {
			cb.OnEnd()
		}
	}()
	return nil
}

func (s *LocalSpeaker) Cancel() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	return nil
}

// ErrNoTTSWorker is reported when no TTS service acknowledged a request.
var ErrNoTTSWorker = errors.New("no tts worker acknowledged the request")

// BusSpeaker speaks through the TTS service over NATS.
type BusSpeaker struct {
	bus          *bus.Client
	cfg          config.TTSConfig
	sessionID    string
	target       string
	startTimeout time.Duration
	log          *slog.Logger

	mu        sync.Mutex
	requestID string
	sub       *nats.Subscription
	watchdog  *time.Timer
}

func NewBusSpeaker(client *bus.Client, cfg config.TTSConfig, sessionID, target string, log *slog.Logger) *BusSpeaker {
	if log == nil {
		log = client.Logger()
	}
	return &BusSpeaker{
		bus:          client,
		cfg:          cfg,
		sessionID:    sessionID,
		target:       target,
		startTimeout: 5 * time.Second,
		log:          log.With(slog.String("component", "bus-speaker"), slog.String("session_id", sessionID)),
	}
}

func (s *BusSpeaker) Speak(_ context.Context, text string, cb turn.SpeechCallbacks) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked()

	requestID := uuid.NewString()
	var once sync.Once
	finish := func(fn func()) {
		once.Do(func() {
			s.mu.Lock()
			if s.requestID == requestID {
				s.releaseLocked()
			}
			s.mu.Unlock()
			if fn != nil {
				fn()
			}
		})
	}

	sub, err := s.bus.Conn().Subscribe(protocol.SubjectTTSStatus, func(msg *nats.Msg) {
		status, ok := decodeStatus(msg, requestID)
		if !ok {
			return
		}
		switch status.State {
		case protocol.TTSStateStarted:
			s.mu.Lock()
			if s.requestID == requestID && s.watchdog != nil {
				s.watchdog.Stop()
			}
			s.mu.Unlock()
			if cb.OnStart != nil {
				cb.OnStart()
			}
		case protocol.TTSStateCompleted, protocol.TTSStateCancelled:
			finish(cb.OnEnd)
		case protocol.TTSStateFailed:
			finish(func() {
				if cb.OnError != nil {
					cb.OnError(fmt.Errorf("tts service: %s", status.Error))
				}
			})
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe tts status: %w", err)
	}

	req := protocol.TTSRequest{
		RequestID: requestID,
		SessionID: s.sessionID,
		Text:      text,
		Voice:     s.cfg.Voice,
		Rate:      s.cfg.Rate,
		Pitch:     s.cfg.Pitch,
		Volume:    s.cfg.Volume,
		Target:    s.target,
	}
	if err := s.bus.PublishJSON(protocol.SubjectTTSRequest, req); err != nil {
		_ = sub.Unsubscribe()
		return fmt.Errorf("publish tts request: %w", err)
	}

	s.requestID = requestID
	s.sub = sub
	s.watchdog = time.AfterFunc(s.startTimeout, func() {
		finish(func() {
			if cb.OnError != nil {
				cb.OnError(ErrNoTTSWorker)
			}
		})
	})
	return nil
}

func (s *BusSpeaker) Cancel() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelLocked()
}

func (s *BusSpeaker) cancelLocked() error {
	if s.requestID == "" {
		return nil
	}
	requestID := s.requestID
	s.releaseLocked()
	return s.bus.PublishJSON(protocol.SubjectTTSCancel, protocol.TTSCancel{
		RequestID: requestID,
		SessionID: s.sessionID,
	})
}

func (s *BusSpeaker) releaseLocked() {
	if s.sub != nil {
		_ = s.sub.Unsubscribe()
		s.sub = nil
	}
	if s.watchdog != nil {
		s.watchdog.Stop()
		s.watchdog = nil
	}
	s.requestID = ""
}

func decodeStatus(msg *nats.Msg, requestID string) (protocol.TTSStatus, bool) {
	var status protocol.TTSStatus
	if err := json.Unmarshal(msg.Data, &status); err != nil {
		return status, false
	}
	return status, status.RequestID == requestID
}

// WriterSpeaker prints replies instead of playing audio. Each utterance
// lasts a little per word so barge-in can be exercised from a terminal.
type WriterSpeaker struct {
	w       io.Writer
	format  func(text string) string
	perWord time.Duration

	mu     sync.Mutex
	cancel chan struct{}
}

func NewWriterSpeaker(w io.Writer, perWord time.Duration, format func(string) string) *WriterSpeaker {
	if format == nil {
		format = func(text string) string { return text }
	}
	return &WriterSpeaker{w: w, format: format, perWord: perWord}
}

func (s *WriterSpeaker) Speak(ctx context.Context, text string, cb turn.SpeechCallbacks) error {
	s.mu.Lock()
	if s.cancel != nil {
		close(s.cancel)
	}
	cancel := make(chan struct{})
	s.cancel = cancel
	s.mu.Unlock()

	if _, err := fmt.Fprintln(s.w, s.format(text)); err != nil {
		return err
	}
	go func() {
		if cb.OnStart != nil {
			cb.OnStart()
		}
		timer := time.NewTimer(time.Duration(len(strings.Fields(text))) * s.perWord)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-cancel:
			return
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
		if s.cancel == cancel {
			s.cancel = nil
		}
		s.mu.Unlock()
		if cb.OnEnd != nil {
			cb.OnEnd()
		}
	}()
	return nil
}

func (s *WriterSpeaker) Cancel() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		close(s.cancel)
		s.cancel = nil
	}
	return nil
}
