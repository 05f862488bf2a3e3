package turn

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Coordinator drives one conversation: it captures an utterance from the
// Recognizer, asks the ReplyProvider for an answer and speaks it through the
// Synthesizer, making sure the user and the assistant never talk over each
// other.
//
// Every callback, timer and control request is queued and handled by Run on
// a single goroutine, in arrival order. The recognizer may be nil for
// text-only sessions.
type Coordinator struct {
	recognizer Recognizer
	synth      Synthesizer
	provider   ReplyProvider

	cfg       Config
	logger    *slog.Logger
	clock     Clock
	sessionID string

	onStateChange  func(State)
	onTurnComplete func(Turn)
	onError        func(Error)
	onTranscript   func(text string, final bool)

	box     *mailbox
	timer   *SilenceTimer
	history *History
	metrics instruments

	state     atomic.Int32
	running   atomic.Bool
	closeOnce sync.Once
	done      chan struct{}

	// Read by recognizer callbacks off the loop.
	recognizerEpoch atomic.Uint64

	// Everything below is owned by the loop.
	ctx              context.Context
	active           bool
	buffer           UtteranceBuffer
	recognizerActive bool
	speaking         bool
	speechEpoch      uint64
	spokenText       string
	replyEpoch       uint64
	replyCancel      context.CancelFunc
	replyDeadline    func() bool
	replyStarted     time.Time
	pending          *Turn
	span             trace.Span
}

func New(recognizer Recognizer, synth Synthesizer, provider ReplyProvider, opts ...Option) *Coordinator {
	c := &Coordinator{
		recognizer: recognizer,
		synth:      synth,
		provider:   provider,
		cfg:        DefaultConfig(),
		logger:     discardLogger(),
		clock:      SystemClock,
		box:        newMailbox(),
		done:       make(chan struct{}),
		metrics:    newInstruments(),
		ctx:        context.Background(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.timer = NewSilenceTimer(c.clock)
	c.history = NewHistory(c.cfg.HistoryLimit)
	c.logger = c.logger.With(slog.String("component", "turn-coordinator"))
	if c.sessionID != "" {
		c.logger = c.logger.With(slog.String("session_id", c.sessionID))
	}
	return c
}

// Start begins a session: Idle -> Listening.
func (c *Coordinator) Start() error { return c.post(startEvent{}) }

// Stop ends the session from any state, releasing the recognizer and the
// synthesizer and discarding the turn in flight.
func (c *Coordinator) Stop() error { return c.post(stopEvent{}) }

// Restart leaves the Error state.
func (c *Coordinator) Restart() error { return c.post(restartEvent{}) }

// SubmitText injects a typed utterance that skips the recognizer.
func (c *Coordinator) SubmitText(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyText
	}
	return c.post(submitEvent{text: text})
}

// Configure replaces the configuration. It takes effect for the next event.
func (c *Coordinator) Configure(cfg Config) error {
	return c.post(configureEvent{cfg: cfg})
}

// ClearHistory forgets the completed turns, so later replies start without
// conversational context.
func (c *Coordinator) ClearHistory() error { return c.post(clearHistoryEvent{}) }

func (c *Coordinator) State() State { return State(c.state.Load()) }

// History returns the completed turns, oldest first.
func (c *Coordinator) History() []Turn { return c.history.Turns() }

func (c *Coordinator) SessionID() string { return c.sessionID }

// Close stops Run. Requests made afterwards return ErrClosed.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		c.box.close()
		close(c.done)
	})
}

func (c *Coordinator) post(e event) error {
	if !c.box.post(e) {
		return ErrClosed
	}
	return nil
}

// Run processes events until ctx is cancelled or Close is called. Any
// session in progress is stopped on the way out.
func (c *Coordinator) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("turn: coordinator already running")
	}
	c.ctx = ctx
	defer func() {
		c.Close()
		c.handleStop()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.done:
			return nil
		case <-c.box.ready:
			for _, item := range c.box.take() {
				c.dispatch(item)
			}
		}
	}
}

func (c *Coordinator) dispatch(item queuedEvent) {
	c.metrics.queueDelayMilli.Record(c.ctx, float64(time.Since(item.queuedAt))/float64(time.Millisecond))
	switch e := item.event.(type) {
	case startEvent:
		c.handleStart()
	case stopEvent:
		c.handleStop()
	case restartEvent:
		c.handleRestart()
	case submitEvent:
		c.handleSubmit(e.text)
	case configureEvent:
		c.handleConfigure(e.cfg)
	case clearHistoryEvent:
		c.history.Clear()
		c.logger.Debug("history cleared")
	case recognizerStartEvent:
		if c.currentRecognizer(e.epoch) {
			c.logger.Debug("recognizer started")
		}
	case recognizerInterimEvent:
		c.handleInterim(e)
	case recognizerFinalEvent:
		c.handleFinal(e)
	case recognizerErrorEvent:
		c.handleRecognizerError(e)
	case recognizerEndEvent:
		c.handleRecognizerEnd(e)
	case silenceEvent:
		c.handleSilence(e.gen)
	case replyEvent:
		c.handleReply(e)
	case speechStartEvent:
		if e.epoch != c.speechEpoch || !c.speaking {
			return
		}
		c.logger.Debug("speech started")
		if c.cfg.BargeIn && c.active {
			c.startRecognizer()
		}
	case speechEndEvent:
		if e.epoch != c.speechEpoch || !c.speaking {
			return
		}
		c.finishTurn(e.err)
	}
}

func (c *Coordinator) handleStart() {
	switch c.State() {
	case StateError:
		c.logger.Warn("start ignored until restart")
	case StateIdle:
		c.active = true
		c.beginListening()
	default:
		// A typed turn is already in flight; listen once it has been spoken.
		c.active = true
	}
}

func (c *Coordinator) handleStop() {
	c.timer.Cancel()
	c.stopRecognizer()
	c.cancelSpeech()
	c.cancelReply()
	c.discardPending()
	c.buffer.Clear()
	c.active = false
	c.setState(StateIdle)
}

func (c *Coordinator) handleRestart() {
	if c.State() != StateError {
		c.logger.Debug("restart ignored", slog.String("state", c.State().String()))
		return
	}
	c.setState(StateIdle)
}

func (c *Coordinator) handleSubmit(text string) {
	switch c.State() {
	case StateError:
		c.logger.Warn("text ignored until restart")
		return
	case StateFinalizing, StateAwaitingReply:
		c.logger.Warn("text ignored while a reply is pending")
		return
	case StateSpeaking:
		c.cancelSpeech()
		if c.pending != nil {
			c.pending.Interrupted = true
		}
		c.completeTurn()
	case StateListening:
		c.timer.Cancel()
	}
	c.buffer.Clear()
	c.buffer.Commit(text)
	c.notifyTranscript(text, true)
	c.finalize(SourceText)
}

func (c *Coordinator) handleConfigure(cfg Config) {
	c.cfg = cfg.withDefaults()
	c.history.SetLimit(c.cfg.HistoryLimit)
	if !c.cfg.BargeIn && c.State() == StateSpeaking {
		c.stopRecognizer()
	}
}

func (c *Coordinator) handleInterim(e recognizerInterimEvent) {
	if !c.currentRecognizer(e.epoch) {
		return
	}
	text := strings.TrimSpace(e.text)
	if text == "" {
		return
	}
	switch c.State() {
	case StateListening:
		c.buffer.SetInterim(text)
		c.armSilence()
		c.notifyTranscript(text, false)
	case StateSpeaking:
		if c.cfg.BargeIn && IsBargeIn(text, c.spokenText, c.cfg.BargeInMinWords) {
			c.bargeIn(text)
			c.notifyTranscript(text, false)
		}
	}
}

func (c *Coordinator) handleFinal(e recognizerFinalEvent) {
	if !c.currentRecognizer(e.epoch) {
		return
	}
	text := strings.TrimSpace(e.text)
	switch c.State() {
	case StateListening:
		if text == "" {
			text = c.buffer.Interim()
		}
		if text == "" {
			return
		}
		c.buffer.Commit(text)
		c.notifyTranscript(text, true)
		c.finalize(SourceVoice)
	case StateSpeaking:
		if text == "" || !c.cfg.BargeIn || !IsBargeIn(text, c.spokenText, c.cfg.BargeInMinWords) {
			return
		}
		c.bargeIn(text)
		c.buffer.Commit(text)
		c.notifyTranscript(text, true)
		c.finalize(SourceVoice)
	}
}

func (c *Coordinator) handleSilence(gen uint64) {
	if !c.timer.Valid(gen) || c.State() != StateListening {
		return
	}
	if c.buffer.Empty() {
		return
	}
	c.logger.Debug("silence elapsed, committing interim")
	c.finalize(SourceVoice)
}

func (c *Coordinator) handleRecognizerError(e recognizerErrorEvent) {
	if !c.currentRecognizer(e.epoch) {
		return
	}
	c.metrics.recognizerErrors.Add(c.ctx, 1, metric.WithAttributes(attribute.String("kind", string(e.kind))))
	if e.kind.Category() == CategoryFatal {
		c.enterError(e.kind, nil)
		return
	}
	c.logger.Info("recognizer error recovered", slog.String("kind", string(e.kind)))
	c.stopRecognizer()
	if c.State() == StateListening {
		c.recoverListening()
	}
}

func (c *Coordinator) handleRecognizerEnd(e recognizerEndEvent) {
	if !c.currentRecognizer(e.epoch) {
		return
	}
	c.recognizerActive = false
	c.recognizerEpoch.Add(1)
	switch c.State() {
	case StateListening:
		c.recoverListening()
	case StateSpeaking:
		if c.cfg.BargeIn && c.active {
			c.startRecognizer()
		}
	}
}

// recoverListening runs once capture has ended while Listening.
func (c *Coordinator) recoverListening() {
	if !c.buffer.Empty() {
		c.finalize(SourceVoice)
		return
	}
	if c.active && c.cfg.Mode == ModeContinuous {
		c.startRecognizer()
		return
	}
	c.timer.Cancel()
	c.active = false
	c.setState(StateIdle)
}

func (c *Coordinator) handleReply(e replyEvent) {
	if e.epoch != c.replyEpoch || c.State() != StateAwaitingReply || c.pending == nil {
		c.logger.Debug("stale reply dropped")
		return
	}
	c.cancelReply()
	c.metrics.replyLatencyMilli.Record(c.ctx, float64(c.clock.Now().Sub(c.replyStarted).Milliseconds()))

	reply := strings.TrimSpace(e.text)
	if e.err != nil || reply == "" {
		err := e.err
		if err == nil {
			err = errors.New("empty reply")
		}
		c.logger.Warn("reply provider failed, speaking fallback", slog.String("error", err.Error()))
		c.metrics.providerFailures.Add(c.ctx, 1)
		if c.span != nil {
			c.span.RecordError(err)
		}
		c.pending.ProviderFailed = true
		reply = c.cfg.fallback()
	}
	c.pending.ReplyText = reply
	if c.cfg.TextOnly {
		c.finishTurn(nil)
		return
	}
	c.speak(reply)
}

func (c *Coordinator) beginListening() {
	c.timer.Cancel()
	c.buffer.Clear()
	c.setState(StateListening)
	c.startRecognizer()
}

func (c *Coordinator) armSilence() {
	c.timer.Arm(c.cfg.SilenceDelay, func(gen uint64) {
		c.box.post(silenceEvent{gen: gen})
	})
}

// finalize commits the buffer to a new turn and asks for a reply.
func (c *Coordinator) finalize(source Source) {
	text := c.buffer.Text()
	c.timer.Cancel()
	c.setState(StateFinalizing)
	c.stopRecognizer()

	c.endSpan(nil)
	ctx, span := tracer.Start(c.ctx, "process turn", trace.WithAttributes(
		attribute.String("session.id", c.sessionID),
		attribute.String("turn.source", string(source)),
	))
	c.span = span

	c.pending = &Turn{
		ID:        uuid.NewString(),
		UserText:  text,
		Source:    source,
		StartedAt: c.clock.Now(),
	}
	c.buffer.Clear()
	c.setState(StateAwaitingReply)
	c.requestReply(ctx, *c.pending)
}

func (c *Coordinator) requestReply(ctx context.Context, t Turn) {
	c.replyEpoch++
	epoch := c.replyEpoch
	var cancel context.CancelFunc
	if d := c.cfg.ReplyTimeout; d > 0 {
		ctx, cancel = context.WithTimeout(ctx, d)
		// Providers may ignore ctx; the deadline is enforced here as well.
		c.replyDeadline = c.clock.AfterFunc(d, func() {
			c.box.post(replyEvent{epoch: epoch, err: ErrReplyTimeout})
		})
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	c.replyCancel = cancel
	c.replyStarted = c.clock.Now()

	req := ReplyRequest{
		SessionID: c.sessionID,
		Text:      t.UserText,
		History:   c.history.Turns(),
		Locale:    c.cfg.Locale,
	}
	provider := c.provider
	go func() {
		text, err := callProvider(ctx, provider, req)
		c.box.post(replyEvent{epoch: epoch, text: text, err: err})
	}()
}

func callProvider(ctx context.Context, provider ReplyProvider, req ReplyRequest) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Op: "reply provider", Value: r}
		}
	}()
	if provider == nil {
		return "", errors.New("no reply provider configured")
	}
	return provider.Reply(ctx, req)
}

// cancelReply drops the request in flight along with its deadline. Only the
// first result of a request is ever used.
func (c *Coordinator) cancelReply() {
	c.replyEpoch++
	if c.replyDeadline != nil {
		c.replyDeadline()
		c.replyDeadline = nil
	}
	if c.replyCancel != nil {
		c.replyCancel()
		c.replyCancel = nil
	}
}

func (c *Coordinator) speak(text string) {
	if c.speaking {
		c.cancelSpeech()
	}
	c.speechEpoch++
	epoch := c.speechEpoch
	c.speaking = true
	c.spokenText = text
	c.setState(StateSpeaking)

	cb := SpeechCallbacks{
		OnStart: func() { c.box.post(speechStartEvent{epoch: epoch}) },
		OnEnd:   func() { c.box.post(speechEndEvent{epoch: epoch}) },
		OnError: func(err error) {
			if err == nil {
				err = errors.New("synthesis failed")
			}
			c.box.post(speechEndEvent{epoch: epoch, err: err})
		},
	}
	err := c.guard("synthesizer speak", func() error {
		return c.synth.Speak(c.ctx, text, cb)
	})
	if err != nil {
		c.finishTurn(err)
	}
}

func (c *Coordinator) cancelSpeech() {
	if !c.speaking {
		return
	}
	c.speaking = false
	c.speechEpoch++
	c.spokenText = ""
	if err := c.guard("synthesizer cancel", c.synth.Cancel); err != nil {
		c.reportCapabilityFailure(err)
	}
}

// finishTurn completes the turn once the synthesizer is done with it,
// successfully or not, or right after the reply in text-only mode.
func (c *Coordinator) finishTurn(err error) {
	c.speaking = false
	c.speechEpoch++
	c.spokenText = ""
	if err != nil {
		c.logger.Warn("speech synthesis failed", slog.String("error", err.Error()))
		if c.pending != nil {
			c.pending.SpeechError = err.Error()
		}
		c.emitError(Error{Kind: ErrorSynthesis, Err: err})
	}
	c.completeTurn()

	if c.active && c.cfg.Mode == ModeContinuous {
		// The barge-in monitor, if running, keeps capturing.
		c.timer.Cancel()
		c.buffer.Clear()
		c.setState(StateListening)
		c.startRecognizer()
		return
	}
	c.stopRecognizer()
	c.buffer.Clear()
	c.active = false
	c.setState(StateIdle)
}

func (c *Coordinator) bargeIn(text string) {
	c.logger.Info("barge-in", slog.String("heard", text))
	c.metrics.bargeIns.Add(c.ctx, 1)
	c.cancelSpeech()
	if c.pending != nil {
		c.pending.Interrupted = true
	}
	c.completeTurn()
	c.buffer.Clear()
	c.setState(StateListening)
	c.buffer.SetInterim(text)
	c.armSilence()
}

func (c *Coordinator) completeTurn() {
	if c.pending == nil {
		return
	}
	t := *c.pending
	c.pending = nil
	t.EndedAt = c.clock.Now()
	c.history.Append(t)
	c.metrics.turnsCompleted.Add(c.ctx, 1, metric.WithAttributes(
		attribute.String("source", string(t.Source)),
		attribute.Bool("interrupted", t.Interrupted),
		attribute.Bool("provider_failed", t.ProviderFailed),
	))
	c.endSpan(nil)
	if c.onTurnComplete != nil {
		c.notify("turn complete", func() { c.onTurnComplete(t) })
	}
}

func (c *Coordinator) discardPending() {
	if c.pending == nil {
		return
	}
	c.pending = nil
	c.endSpan(errors.New("turn discarded"))
}

func (c *Coordinator) enterError(kind ErrorKind, err error) {
	c.logger.Error("recognizer failed", slog.String("kind", string(kind)))
	c.timer.Cancel()
	c.stopRecognizer()
	c.cancelSpeech()
	c.cancelReply()
	c.discardPending()
	c.buffer.Clear()
	c.active = false
	c.setState(StateError)
	c.emitError(Error{Kind: kind, Err: err})
}

func (c *Coordinator) currentRecognizer(epoch uint64) bool {
	return c.recognizerActive && epoch == c.recognizerEpoch.Load()
}

func (c *Coordinator) startRecognizer() {
	if c.recognizer == nil || c.recognizerActive {
		return
	}
	epoch := c.recognizerEpoch.Add(1)
	c.recognizerActive = true
	err := c.guard("recognizer start", func() error {
		return c.recognizer.Start(c.ctx, c.recognizerCallbacks(epoch))
	})
	if err == nil {
		return
	}
	c.recognizerActive = false
	c.recognizerEpoch.Add(1)
	kind := kindOf(err, ErrorAudioCapture)
	c.logger.Warn("recognizer start failed", slog.String("kind", string(kind)), slog.String("error", err.Error()))
	if kind.Category() != CategoryTransient {
		c.enterError(kind, err)
		return
	}
	// Not retried: capture resumes on the next Start.
	if c.State() == StateListening && c.buffer.Empty() {
		c.timer.Cancel()
		c.active = false
		c.setState(StateIdle)
	}
}

func (c *Coordinator) stopRecognizer() {
	if !c.recognizerActive {
		return
	}
	c.recognizerActive = false
	c.recognizerEpoch.Add(1)
	if err := c.guard("recognizer stop", c.recognizer.Stop); err != nil {
		c.reportCapabilityFailure(err)
	}
}

func (c *Coordinator) recognizerCallbacks(epoch uint64) RecognizerCallbacks {
	return RecognizerCallbacks{
		OnStart: func() { c.box.post(recognizerStartEvent{epoch: epoch}) },
		OnInterim: func(text string) {
			c.box.post(recognizerInterimEvent{epoch: epoch, text: text})
		},
		OnFinal: func(text string) {
			// A final fragment wins over a silence timer firing in the same tick.
			if c.recognizerEpoch.Load() == epoch {
				c.timer.Cancel()
			}
			c.box.post(recognizerFinalEvent{epoch: epoch, text: text})
		},
		OnError: func(kind ErrorKind) {
			c.box.post(recognizerErrorEvent{epoch: epoch, kind: kind})
		},
		OnEnd: func() { c.box.post(recognizerEndEvent{epoch: epoch}) },
	}
}

func (c *Coordinator) setState(s State) {
	prev := State(c.state.Swap(int32(s)))
	if prev == s {
		return
	}
	c.logger.Debug("state changed", slog.String("from", prev.String()), slog.String("to", s.String()))
	if c.span != nil {
		c.span.AddEvent("state." + s.String())
	}
	if c.onStateChange != nil {
		c.notify("state change", func() { c.onStateChange(s) })
	}
}

func (c *Coordinator) notifyTranscript(text string, final bool) {
	if c.onTranscript != nil {
		c.notify("transcript", func() { c.onTranscript(text, final) })
	}
}

func (c *Coordinator) endSpan(err error) {
	if c.span == nil {
		return
	}
	if err != nil {
		c.span.SetStatus(codes.Error, err.Error())
	}
	c.span.End()
	c.span = nil
}

// guard runs a capability call, turning a panic into an error.
func (c *Coordinator) guard(op string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Op: op, Value: r}
		}
	}()
	return fn()
}

// notify runs an observer callback. A panicking observer is reported through
// the error callback and otherwise ignored.
func (c *Coordinator) notify(op string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			perr := &PanicError{Op: op, Value: r}
			c.logger.Error("observer panicked", slog.String("error", perr.Error()))
			c.emitError(Error{Kind: ErrorCallbackPanic, Err: perr})
		}
	}()
	fn()
}

func (c *Coordinator) reportCapabilityFailure(err error) {
	var perr *PanicError
	if errors.As(err, &perr) {
		c.logger.Error("capability panicked", slog.String("error", err.Error()))
		c.emitError(Error{Kind: ErrorCallbackPanic, Err: err})
		return
	}
	c.logger.Warn("capability call failed", slog.String("error", err.Error()))
}

func (c *Coordinator) emitError(e Error) {
	if c.onError == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("error callback panicked", slog.Any("panic", r))
		}
	}()
	c.onError(e)
}
