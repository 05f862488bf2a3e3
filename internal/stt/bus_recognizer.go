package stt

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-assistant/internal/bus"
	"github.com/loqalabs/loqa-assistant/internal/protocol"
	"github.com/loqalabs/loqa-assistant/internal/turn"
	"github.com/nats-io/nats.go"
)

// BusRecognizer listens to the transcripts the STT service publishes for one
// session. A single wildcard subscription keeps partials, finals and errors
// in publish order.
type BusRecognizer struct {
	bus       *bus.Client
	sessionID string
	log       *slog.Logger

	mu  sync.Mutex
	sub *nats.Subscription
}

func NewBusRecognizer(client *bus.Client, sessionID string, log *slog.Logger) *BusRecognizer {
	if log == nil {
		log = client.Logger()
	}
	return &BusRecognizer{
		bus:       client,
		sessionID: sessionID,
		log:       log.With(slog.String("component", "bus-recognizer"), slog.String("session_id", sessionID)),
	}
}

func (r *BusRecognizer) Start(_ context.Context, cb turn.RecognizerCallbacks) error {
	r.mu.Lock()
	if r.sub != nil {
		_ = r.sub.Unsubscribe()
		r.sub = nil
	}
	sub, err := r.bus.Conn().Subscribe("stt.>", func(msg *nats.Msg) { r.dispatch(msg, cb) })
	if err != nil {
		r.mu.Unlock()
		return turn.NewRecognizerError(turn.ErrorNetwork, err)
	}
	if err := r.control(protocol.STTActionStart); err != nil {
		_ = sub.Unsubscribe()
		r.mu.Unlock()
		return turn.NewRecognizerError(turn.ErrorNetwork, err)
	}
	r.sub = sub
	r.mu.Unlock()

	if cb.OnStart != nil {
		cb.OnStart()
	}
	return nil
}

// Stop closes capture. Calling it while stopped is a no-op.
func (r *BusRecognizer) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sub == nil {
		return nil
	}
	err := r.sub.Unsubscribe()
	r.sub = nil
	if cerr := r.control(protocol.STTActionStop); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func (r *BusRecognizer) control(action string) error {
	return r.bus.PublishJSON(protocol.SubjectSTTControl, protocol.STTControl{
		SessionID: r.sessionID,
		Action:    action,
	})
}

func (r *BusRecognizer) dispatch(msg *nats.Msg, cb turn.RecognizerCallbacks) {
	switch msg.Subject {
	case protocol.SubjectTranscriptPartial, protocol.SubjectTranscriptFinal:
		var t protocol.Transcript
		if err := json.Unmarshal(msg.Data, &t); err != nil {
			r.log.Warn("failed to decode transcript", slogError(err))
			return
		}
		if t.SessionID != r.sessionID {
			return
		}
		if msg.Subject == protocol.SubjectTranscriptFinal {
			if cb.OnFinal != nil {
				cb.OnFinal(t.Text)
			}
			return
		}
		if cb.OnInterim != nil {
			cb.OnInterim(t.Text)
		}
	case protocol.SubjectSTTError:
		var e protocol.STTError
		if err := json.Unmarshal(msg.Data, &e); err != nil {
			r.log.Warn("failed to decode stt error", slogError(err))
			return
		}
		if e.SessionID != r.sessionID {
			return
		}
		if cb.OnError != nil {
			cb.OnError(turn.ParseErrorKind(e.Code))
		}
	}
}
