package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-assistant/internal/bus/bustest"
	"github.com/loqalabs/loqa-assistant/internal/config"
	"github.com/loqalabs/loqa-assistant/internal/eventstore"
	"github.com/loqalabs/loqa-assistant/internal/protocol"
	"github.com/loqalabs/loqa-assistant/internal/turn"
	"github.com/nats-io/nats.go"
)

type fakeRecognizer struct {
	mu sync.Mutex
	cb *turn.RecognizerCallbacks
}

func (r *fakeRecognizer) Start(_ context.Context, cb turn.RecognizerCallbacks) error {
	r.mu.Lock()
	r.cb = &cb
	r.mu.Unlock()
	go cb.OnStart()
	return nil
}

func (r *fakeRecognizer) Stop() error {
	r.mu.Lock()
	cb := r.cb
	r.cb = nil
	r.mu.Unlock()
	if cb != nil {
		go cb.OnEnd()
	}
	return nil
}

func (r *fakeRecognizer) final(text string) bool {
	r.mu.Lock()
	cb := r.cb
	r.mu.Unlock()
	if cb == nil {
		return false
	}
	cb.OnFinal(text)
	return true
}

type fakeSynth struct{}

func (fakeSynth) Speak(_ context.Context, _ string, cb turn.SpeechCallbacks) error {
	go func() {
		cb.OnStart()
		cb.OnEnd()
	}()
	return nil
}

func (fakeSynth) Cancel() error { return nil }

func echoProvider() turn.ReplyProvider {
	return turn.ReplyProviderFunc(func(_ context.Context, req turn.ReplyRequest) (string, error) {
		if req.Text == "falha" {
			return "", errors.New("provider down")
		}
		return "eco: " + req.Text, nil
	})
}

type fixture struct {
	host *Host
	mu   sync.Mutex
	recs map[string]*fakeRecognizer
}

func (f *fixture) recognizer(id string) *fakeRecognizer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recs[id]
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T, cfg config.SessionsConfig, store *eventstore.Store) *fixture {
	t.Helper()
	f := &fixture{recs: make(map[string]*fakeRecognizer)}
	factory := FactoryFunc(func(id string) (Capabilities, error) {
		rec := &fakeRecognizer{}
		f.mu.Lock()
		f.recs[id] = rec
		f.mu.Unlock()
		return Capabilities{Recognizer: rec, Synthesizer: fakeSynth{}, Provider: echoProvider()}, nil
	})
	turnCfg := turn.DefaultConfig()
	turnCfg.SilenceDelay = 20 * time.Millisecond
	f.host = NewHost(context.Background(), cfg, turnCfg, factory, nil, store, testLogger())
	t.Cleanup(f.host.Close)
	return f
}

func waitEvent(t *testing.T, ch <-chan protocol.SessionEvent, match func(protocol.SessionEvent) bool) protocol.SessionEvent {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatal("event stream closed")
			}
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatal("timed out waiting for session event")
		}
	}
}

func isTurn(ev protocol.SessionEvent) bool { return ev.Type == protocol.SessionEventTurn }

func TestHostTypedTurnIsPersisted(t *testing.T) {
	store, err := eventstore.Open(context.Background(), config.EventStoreConfig{
		Path:          filepath.Join(t.TempDir(), "events.db"),
		RetentionMode: "session",
	}, testLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	f := newFixture(t, config.SessionsConfig{MaxSessions: 4, PrivacyScope: "session"}, store)
	events, unsubscribe := f.host.Subscribe("sala")
	defer unsubscribe()

	if err := f.host.SubmitText("sala", "bom dia"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	ev := waitEvent(t, events, isTurn)
	if ev.Turn.UserText != "bom dia" || ev.Turn.ReplyText != "eco: bom dia" || ev.Turn.Source != turn.SourceText {
		t.Fatalf("unexpected turn %+v", ev.Turn)
	}

	turns, err := store.ListTurns(context.Background(), "sala", 10)
	if err != nil {
		t.Fatalf("list turns: %v", err)
	}
	if len(turns) != 1 || turns[0].ID != ev.Turn.ID {
		t.Fatalf("expected persisted turn, got %+v", turns)
	}
	recorded, err := store.ListSessionEvents(context.Background(), "sala", 50)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	var sawTurn bool
	for _, e := range recorded {
		if e.Type == "session.turn" {
			sawTurn = true
		}
		if e.Privacy != "session" {
			t.Fatalf("unexpected privacy scope %q", e.Privacy)
		}
	}
	if !sawTurn {
		t.Fatalf("expected a session.turn event, got %d events", len(recorded))
	}

	snap, err := f.host.Snapshot("sala")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap.History) != 1 {
		t.Fatalf("expected one turn in history, got %d", len(snap.History))
	}
}

func TestHostVoiceTurn(t *testing.T) {
	f := newFixture(t, config.SessionsConfig{}, nil)
	events, unsubscribe := f.host.Subscribe("")
	defer unsubscribe()

	if err := f.host.Start("cozinha"); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitEvent(t, events, func(ev protocol.SessionEvent) bool {
		return ev.Type == protocol.SessionEventState && ev.State == turn.StateListening.String()
	})
	deadline := time.Now().Add(2 * time.Second)
	for !f.recognizer("cozinha").final("que horas são") {
		if time.Now().After(deadline) {
			t.Fatal("recognizer was not started")
		}
		time.Sleep(5 * time.Millisecond)
	}
	caption := waitEvent(t, events, func(ev protocol.SessionEvent) bool {
		return ev.Type == protocol.SessionEventTranscript
	})
	if caption.Text != "que horas são" || !caption.Final {
		t.Fatalf("unexpected caption %+v", caption)
	}
	ev := waitEvent(t, events, isTurn)
	if ev.SessionID != "cozinha" || ev.Turn.ReplyText != "eco: que horas são" || ev.Turn.Source != turn.SourceVoice {
		t.Fatalf("unexpected turn event %+v", ev)
	}

	if err := f.host.Stop("cozinha"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	waitEvent(t, events, func(ev protocol.SessionEvent) bool {
		return ev.Type == protocol.SessionEventState && ev.State == turn.StateIdle.String()
	})
}

func TestHostProviderFailureStillCompletesTurn(t *testing.T) {
	f := newFixture(t, config.SessionsConfig{}, nil)
	events, unsubscribe := f.host.Subscribe("s")
	defer unsubscribe()

	if err := f.host.SubmitText("s", "falha"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	ev := waitEvent(t, events, isTurn)
	if !ev.Turn.ProviderFailed || ev.Turn.ReplyText != turn.FallbackMessage("pt-BR") {
		t.Fatalf("expected fallback turn, got %+v", ev.Turn)
	}
}

func TestHostSessionLimitsAndLookups(t *testing.T) {
	f := newFixture(t, config.SessionsConfig{MaxSessions: 1}, nil)

	if err := f.host.Stop("nobody"); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("expected ErrUnknownSession, got %v", err)
	}
	if err := f.host.Restart("nobody"); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("expected ErrUnknownSession, got %v", err)
	}
	if err := f.host.Start("bad id"); !errors.Is(err, ErrInvalidID) {
		t.Fatalf("expected ErrInvalidID, got %v", err)
	}
	if err := f.host.SubmitText("a", "  "); !errors.Is(err, turn.ErrEmptyText) {
		t.Fatalf("expected ErrEmptyText, got %v", err)
	}
	if err := f.host.Start("a"); err != nil {
		t.Fatalf("start a: %v", err)
	}
	if err := f.host.Start("b"); !errors.Is(err, ErrTooManySessions) {
		t.Fatalf("expected ErrTooManySessions, got %v", err)
	}
	if got := f.host.Sessions(); len(got) != 1 || got[0].SessionID != "a" {
		t.Fatalf("unexpected sessions %+v", got)
	}
	if err := f.host.Remove("a"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := f.host.Start("b"); err != nil {
		t.Fatalf("start b after remove: %v", err)
	}
}

func TestHostSubscriptionFilterAndClose(t *testing.T) {
	f := newFixture(t, config.SessionsConfig{}, nil)
	mine, _ := f.host.Subscribe("mine")
	other, unsubscribe := f.host.Subscribe("other")

	if err := f.host.SubmitText("mine", "olá"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitEvent(t, mine, isTurn)
	select {
	case ev := <-other:
		t.Fatalf("filtered subscriber received %+v", ev)
	default:
	}
	unsubscribe()
	unsubscribe()

	f.host.Close()
	for range mine {
	}
	if err := f.host.Start("mine"); !errors.Is(err, ErrHostClosed) {
		t.Fatalf("expected ErrHostClosed, got %v", err)
	}
}

func TestHostBusCommands(t *testing.T) {
	client := bustest.New(t)
	factory := FactoryFunc(func(string) (Capabilities, error) {
		return Capabilities{Recognizer: &fakeRecognizer{}, Synthesizer: fakeSynth{}, Provider: echoProvider()}, nil
	})
	host := NewHost(context.Background(), config.SessionsConfig{}, turn.DefaultConfig(), factory, client, nil, testLogger())
	t.Cleanup(host.Close)
	if err := host.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}

	published := make(chan protocol.SessionEvent, 32)
	sub, err := client.Conn().Subscribe(protocol.SubjectSessionEvent, func(msg *nats.Msg) {
		var ev protocol.SessionEvent
		if json.Unmarshal(msg.Data, &ev) != nil {
			return
		}
		select {
		case published <- ev:
		default:
		}
	})
	if err != nil {
		t.Fatalf("subscribe events: %v", err)
	}
	defer sub.Unsubscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var reply protocol.SessionReply
	if err := client.RequestJSON(ctx, protocol.SubjectSessionCommand, protocol.SessionCommand{SessionID: "porta", Action: protocol.SessionActionText, Text: "abre"}, &reply); err != nil {
		t.Fatalf("request: %v", err)
	}
	if !reply.OK || reply.Error != "" {
		t.Fatalf("unexpected reply %+v", reply)
	}
	ev := waitEvent(t, published, isTurn)
	if ev.Turn.ReplyText != "eco: abre" {
		t.Fatalf("unexpected published turn %+v", ev.Turn)
	}

	reply = protocol.SessionReply{}
	if err := client.RequestJSON(ctx, protocol.SubjectSessionCommand, protocol.SessionCommand{SessionID: "porta", Action: protocol.SessionActionClear}, &reply); err != nil {
		t.Fatalf("request: %v", err)
	}
	if !reply.OK {
		t.Fatalf("clear rejected: %+v", reply)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		snap, err := host.Snapshot("porta")
		if err != nil {
			t.Fatalf("snapshot: %v", err)
		}
		if len(snap.History) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("history not cleared: %+v", snap.History)
		}
		time.Sleep(10 * time.Millisecond)
	}

	reply = protocol.SessionReply{}
	if err := client.RequestJSON(ctx, protocol.SubjectSessionCommand, protocol.SessionCommand{SessionID: "ghost", Action: protocol.SessionActionStop}, &reply); err != nil {
		t.Fatalf("request: %v", err)
	}
	if reply.OK || !strings.Contains(reply.Error, "unknown session") {
		t.Fatalf("expected unknown session error, got %+v", reply)
	}

	reply = protocol.SessionReply{}
	if err := client.RequestJSON(ctx, protocol.SubjectSessionCommand, protocol.SessionCommand{SessionID: "porta", Action: "dance"}, &reply); err != nil {
		t.Fatalf("request: %v", err)
	}
	if reply.OK {
		t.Fatal("unknown action must be rejected")
	}
}

func TestTurnConfigConversion(t *testing.T) {
	cfg := TurnConfig(config.CoordinatorConfig{
		SilenceDelayMS:  900,
		Mode:            "single_shot",
		BargeIn:         true,
		BargeInMinWords: 3,
		HistoryLimit:    5,
		Locale:          "en-US",
		ReplyTimeoutMS:  1000,
		TextOnly:        true,
	})
	if cfg.SilenceDelay != 900*time.Millisecond || cfg.Mode != turn.ModeSingleShot {
		t.Fatalf("unexpected conversion %+v", cfg)
	}
	if cfg.ReplyTimeout != time.Second || cfg.BargeInMinWords != 3 || cfg.HistoryLimit != 5 || !cfg.TextOnly {
		t.Fatalf("unexpected conversion %+v", cfg)
	}
}
