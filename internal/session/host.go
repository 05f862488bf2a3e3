package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-assistant/internal/bus"
	"github.com/loqalabs/loqa-assistant/internal/config"
	"github.com/loqalabs/loqa-assistant/internal/eventstore"
	"github.com/loqalabs/loqa-assistant/internal/protocol"
	"github.com/loqalabs/loqa-assistant/internal/turn"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var (
	ErrUnknownSession  = errors.New("session: unknown session")
	ErrTooManySessions = errors.New("session: too many sessions")
	ErrHostClosed      = errors.New("session: host closed")
	ErrInvalidID       = errors.New("session: invalid session id")
)

const (
	eventBuffer      = 256
	subscriberBuffer = 64
	storeTimeout     = 2 * time.Second
)

// Capabilities are the collaborators one coordinator is built from.
type Capabilities struct {
	Recognizer  turn.Recognizer
	Synthesizer turn.Synthesizer
	Provider    turn.ReplyProvider
}

// CapabilityFactory builds the capabilities of a new session.
type CapabilityFactory interface {
	Build(sessionID string) (Capabilities, error)
}

type FactoryFunc func(sessionID string) (Capabilities, error)

func (f FactoryFunc) Build(sessionID string) (Capabilities, error) { return f(sessionID) }

// Snapshot is the observable state of one session.
type Snapshot struct {
	SessionID string      `json:"session_id"`
	State     turn.State  `json:"state"`
	History   []turn.Turn `json:"history"`
}

type subscriber struct {
	sessionID string
	ch        chan protocol.SessionEvent
}

// Host owns one coordinator per session ID.
type Host struct {
	cfg     config.SessionsConfig
	turnCfg turn.Config
	factory CapabilityFactory
	bus     *bus.Client
	store   *eventstore.Store
	logger  *slog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	running sync.WaitGroup
	events  chan protocol.SessionEvent
	quit    chan struct{}
	pumped  chan struct{}

	mu       sync.RWMutex
	sessions map[string]*turn.Coordinator
	closed   bool

	subMu   sync.Mutex
	subs    map[int]subscriber
	nextSub int

	cmdSub *nats.Subscription
	meter  metric.Meter
}

// NewHost starts the event pump. busClient and store may be nil.
func NewHost(parent context.Context, cfg config.SessionsConfig, turnCfg turn.Config, factory CapabilityFactory, busClient *bus.Client, store *eventstore.Store, logger *slog.Logger) *Host {
	ctx, cancel := context.WithCancel(parent)
	h := &Host{
		cfg:      cfg,
		turnCfg:  turnCfg,
		factory:  factory,
		bus:      busClient,
		store:    store,
		logger:   logger.With(slog.String("component", "session-host")),
		ctx:      ctx,
		cancel:   cancel,
		events:   make(chan protocol.SessionEvent, eventBuffer),
		quit:     make(chan struct{}),
		pumped:   make(chan struct{}),
		sessions: make(map[string]*turn.Coordinator),
		subs:     make(map[int]subscriber),
		meter:    otel.Meter("github.com/loqalabs/loqa-assistant/session"),
	}
	if err := h.initMetrics(); err != nil {
		h.logger.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	go h.pump()
	return h
}

// TurnConfig converts the coordinator section of the runtime config.
func TurnConfig(cfg config.CoordinatorConfig) turn.Config {
	return turn.Config{
		SilenceDelay:    time.Duration(cfg.SilenceDelayMS) * time.Millisecond,
		Mode:            turn.Mode(cfg.Mode),
		BargeIn:         cfg.BargeIn,
		BargeInMinWords: cfg.BargeInMinWords,
		HistoryLimit:    cfg.HistoryLimit,
		Locale:          cfg.Locale,
		FallbackMessage: cfg.FallbackMessage,
		ReplyTimeout:    time.Duration(cfg.ReplyTimeoutMS) * time.Millisecond,
		TextOnly:        cfg.TextOnly,
	}
}

// Listen serves session.command on the bus. Commands sent as requests are
// answered with a SessionReply.
func (h *Host) Listen() error {
	if h.bus == nil {
		return errors.New("session: no bus client")
	}
	sub, err := h.bus.Conn().Subscribe(protocol.SubjectSessionCommand, h.handleCommand)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", protocol.SubjectSessionCommand, err)
	}
	h.mu.Lock()
	h.cmdSub = sub
	h.mu.Unlock()
	return nil
}

func (h *Host) handleCommand(msg *nats.Msg) {
	var cmd protocol.SessionCommand
	reply := protocol.SessionReply{OK: true}
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		reply = protocol.SessionReply{Error: "invalid command: " + err.Error()}
	} else if state, err := h.Execute(cmd); err != nil {
		h.logger.Warn("session command failed",
			slog.String("session_id", cmd.SessionID),
			slog.String("action", cmd.Action),
			slog.String("error", err.Error()))
		reply = protocol.SessionReply{Error: err.Error()}
	} else {
		reply.State = state.String()
	}
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		return
	}
	if err := msg.Respond(data); err != nil {
		h.logger.Warn("failed to respond to session command", slog.String("error", err.Error()))
	}
}

// Execute applies one control command and returns the state observed right
// after posting it.
func (h *Host) Execute(cmd protocol.SessionCommand) (turn.State, error) {
	var err error
	switch cmd.Action {
	case protocol.SessionActionStart:
		err = h.Start(cmd.SessionID)
	case protocol.SessionActionStop:
		err = h.Stop(cmd.SessionID)
	case protocol.SessionActionRestart:
		err = h.Restart(cmd.SessionID)
	case protocol.SessionActionText:
		err = h.SubmitText(cmd.SessionID, cmd.Text)
	case protocol.SessionActionClear:
		err = h.ClearHistory(cmd.SessionID)
	default:
		return turn.StateIdle, fmt.Errorf("session: unknown action %q", cmd.Action)
	}
	if err != nil {
		return turn.StateIdle, err
	}
	snap, err := h.Snapshot(cmd.SessionID)
	if err != nil {
		return turn.StateIdle, err
	}
	return snap.State, nil
}

// Start begins listening, creating the session if needed.
func (h *Host) Start(sessionID string) error {
	c, err := h.getOrCreate(sessionID)
	if err != nil {
		return err
	}
	return c.Start()
}

func (h *Host) Stop(sessionID string) error {
	c, err := h.lookup(sessionID)
	if err != nil {
		return err
	}
	return c.Stop()
}

func (h *Host) Restart(sessionID string) error {
	c, err := h.lookup(sessionID)
	if err != nil {
		return err
	}
	return c.Restart()
}

// SubmitText runs a typed turn, creating the session if needed.
func (h *Host) SubmitText(sessionID, text string) error {
	if strings.TrimSpace(text) == "" {
		return turn.ErrEmptyText
	}
	c, err := h.getOrCreate(sessionID)
	if err != nil {
		return err
	}
	return c.SubmitText(text)
}

// ClearHistory forgets the conversation of a session. Persisted turns are
// kept.
func (h *Host) ClearHistory(sessionID string) error {
	c, err := h.lookup(sessionID)
	if err != nil {
		return err
	}
	return c.ClearHistory()
}

// Remove closes a session and forgets it.
func (h *Host) Remove(sessionID string) error {
	h.mu.Lock()
	c, ok := h.sessions[sessionID]
	delete(h.sessions, sessionID)
	h.mu.Unlock()
	if !ok {
		return ErrUnknownSession
	}
	c.Close()
	return nil
}

func (h *Host) Snapshot(sessionID string) (Snapshot, error) {
	c, err := h.lookup(sessionID)
	if err != nil {
		return Snapshot{}, err
	}
	return snapshotOf(c), nil
}

// Sessions lists every live session ordered by ID.
func (h *Host) Sessions() []Snapshot {
	h.mu.RLock()
	out := make([]Snapshot, 0, len(h.sessions))
	for _, c := range h.sessions {
		out = append(out, snapshotOf(c))
	}
	h.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

func snapshotOf(c *turn.Coordinator) Snapshot {
	return Snapshot{SessionID: c.SessionID(), State: c.State(), History: c.History()}
}

// Subscribe streams the events of one session, or of every session when
// sessionID is empty. Slow subscribers miss events. The returned function
// unsubscribes and closes the channel.
func (h *Host) Subscribe(sessionID string) (<-chan protocol.SessionEvent, func()) {
	ch := make(chan protocol.SessionEvent, subscriberBuffer)
	h.subMu.Lock()
	id := h.nextSub
	h.nextSub++
	h.subs[id] = subscriber{sessionID: sessionID, ch: ch}
	h.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.subMu.Lock()
			if _, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(ch)
			}
			h.subMu.Unlock()
		})
	}
}

// Close stops every session and waits until their last events have been
// delivered.
func (h *Host) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	sessions := h.sessions
	h.sessions = make(map[string]*turn.Coordinator)
	sub := h.cmdSub
	h.mu.Unlock()

	if sub != nil {
		_ = sub.Drain()
	}
	for _, c := range sessions {
		c.Close()
	}
	h.cancel()
	h.running.Wait()
	close(h.quit)
	<-h.pumped

	h.subMu.Lock()
	for id, s := range h.subs {
		close(s.ch)
		delete(h.subs, id)
	}
	h.subMu.Unlock()
}

func (h *Host) lookup(sessionID string) (*turn.Coordinator, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return nil, ErrHostClosed
	}
	c, ok := h.sessions[sessionID]
	if !ok {
		return nil, ErrUnknownSession
	}
	return c, nil
}

func (h *Host) getOrCreate(sessionID string) (*turn.Coordinator, error) {
	if err := validID(sessionID); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHostClosed
	}
	if c, ok := h.sessions[sessionID]; ok {
		return c, nil
	}
	if h.cfg.MaxSessions > 0 && len(h.sessions) >= h.cfg.MaxSessions {
		return nil, ErrTooManySessions
	}
	caps, err := h.factory.Build(sessionID)
	if err != nil {
		return nil, fmt.Errorf("build capabilities for %s: %w", sessionID, err)
	}

	log := h.logger.With(slog.String("session_id", sessionID))
	c := turn.New(caps.Recognizer, caps.Synthesizer, caps.Provider,
		turn.WithConfig(h.turnCfg),
		turn.WithLogger(log),
		turn.WithSessionID(sessionID),
		turn.WithStateChangeCallback(func(s turn.State) {
			h.emit(protocol.SessionEvent{Type: protocol.SessionEventState, SessionID: sessionID, State: s.String()})
		}),
		turn.WithTurnCompleteCallback(func(t turn.Turn) {
			h.emit(protocol.SessionEvent{Type: protocol.SessionEventTurn, SessionID: sessionID, Turn: &t})
		}),
		turn.WithErrorCallback(func(e turn.Error) {
			ev := protocol.SessionEvent{
				Type:      protocol.SessionEventError,
				SessionID: sessionID,
				ErrorKind: string(e.Kind),
				Category:  e.Kind.Category().String(),
			}
			if e.Err != nil {
				ev.Message = e.Err.Error()
			}
			h.emit(ev)
		}),
		turn.WithTranscriptCallback(func(text string, final bool) {
			h.emit(protocol.SessionEvent{Type: protocol.SessionEventTranscript, SessionID: sessionID, Text: text, Final: final})
		}),
	)
	h.sessions[sessionID] = c

	h.running.Add(1)
	go func() {
		defer h.running.Done()
		if err := c.Run(h.ctx); err != nil {
			log.Error("coordinator stopped", slog.String("error", err.Error()))
		}
	}()

	if h.store != nil {
		ctx, cancel := context.WithTimeout(h.ctx, storeTimeout)
		if err := h.store.AppendSession(ctx, sessionID, "", h.cfg.PrivacyScope); err != nil {
			log.Warn("failed to record session", slog.String("error", err.Error()))
		}
		cancel()
	}
	log.Info("session created")
	return c, nil
}

func validID(id string) error {
	if id == "" || strings.ContainsAny(id, " \t\r\n*>") {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

// emit runs on a coordinator loop and must not block it.
func (h *Host) emit(ev protocol.SessionEvent) {
	ev.Timestamp = time.Now().UTC()
	select {
	case h.events <- ev:
	default:
		h.logger.Warn("session event dropped",
			slog.String("session_id", ev.SessionID),
			slog.String("type", ev.Type))
	}
}

func (h *Host) pump() {
	defer close(h.pumped)
	for {
		select {
		case ev := <-h.events:
			h.deliver(ev)
		case <-h.quit:
			for {
				select {
				case ev := <-h.events:
					h.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

func (h *Host) deliver(ev protocol.SessionEvent) {
	if h.bus != nil {
		if err := h.bus.PublishJSON(protocol.SubjectSessionEvent, ev); err != nil {
			h.logger.Warn("failed to publish session event", slog.String("error", err.Error()))
		}
	}
	h.persist(ev)

	h.subMu.Lock()
	for _, s := range h.subs {
		if s.sessionID != "" && s.sessionID != ev.SessionID {
			continue
		}
		select {
		case s.ch <- ev:
		default:
		}
	}
	h.subMu.Unlock()
}

func (h *Host) persist(ev protocol.SessionEvent) {
	if h.store == nil || ev.Type == protocol.SessionEventTranscript {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := h.store.AppendEvent(ctx, eventstore.Event{
		SessionID: ev.SessionID,
		Type:      "session." + ev.Type,
		Payload:   payload,
		Privacy:   h.cfg.PrivacyScope,
		CreatedAt: ev.Timestamp,
	}); err != nil {
		h.logger.Warn("failed to append session event", slog.String("error", err.Error()))
	}
	if ev.Turn != nil {
		if err := h.store.AppendTurn(ctx, ev.SessionID, *ev.Turn); err != nil {
			h.logger.Warn("failed to append turn", slog.String("error", err.Error()))
		}
	}
}

func (h *Host) initMetrics() error {
	if h.meter == nil {
		return nil
	}
	gauge, err := h.meter.Int64ObservableGauge("assistant.sessions.active", metric.WithDescription("Number of live sessions"))
	if err != nil {
		return err
	}
	_, err = h.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		h.mu.RLock()
		n := int64(len(h.sessions))
		h.mu.RUnlock()
		obs.ObserveInt64(gauge, n)
		return nil
	}, gauge)
	return err
}
