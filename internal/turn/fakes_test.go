package turn

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

const waitTimeout = 2 * time.Second

type fakeRecognizer struct {
	mu       sync.Mutex
	cb       RecognizerCallbacks
	active   bool
	starts   int
	stops    int
	startErr error
	started  chan struct{}
}

func newFakeRecognizer() *fakeRecognizer {
	return &fakeRecognizer{started: make(chan struct{}, 32)}
}

func (r *fakeRecognizer) Start(_ context.Context, cb RecognizerCallbacks) error {
	r.mu.Lock()
	if r.startErr != nil {
		err := r.startErr
		r.mu.Unlock()
		return err
	}
	r.cb = cb
	r.active = true
	r.starts++
	r.mu.Unlock()
	r.started <- struct{}{}
	return nil
}

func (r *fakeRecognizer) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active {
		r.stops++
	}
	r.active = false
	return nil
}

func (r *fakeRecognizer) callbacks() RecognizerCallbacks {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cb
}

func (r *fakeRecognizer) isActive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

func (r *fakeRecognizer) startCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.starts
}

func (r *fakeRecognizer) interim(text string) { r.callbacks().OnInterim(text) }
func (r *fakeRecognizer) final(text string)   { r.callbacks().OnFinal(text) }
func (r *fakeRecognizer) fail(kind ErrorKind) { r.callbacks().OnError(kind) }
func (r *fakeRecognizer) end()                { r.callbacks().OnEnd() }

func (r *fakeRecognizer) waitStarted(t *testing.T) {
	t.Helper()
	select {
	case <-r.started:
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for recognizer start")
	}
}

type fakeSynth struct {
	mu       sync.Mutex
	cb       SpeechCallbacks
	speaking bool
	spoken   []string
	cancels  int
	speakErr error
	panicOn  bool
	// manualStart holds OnStart back until start is called.
	manualStart bool
	spokeCh     chan string
}

func newFakeSynth() *fakeSynth {
	return &fakeSynth{spokeCh: make(chan string, 32)}
}

func (s *fakeSynth) Speak(_ context.Context, text string, cb SpeechCallbacks) error {
	s.mu.Lock()
	if s.panicOn {
		s.mu.Unlock()
		panic("speaker exploded")
	}
	if s.speakErr != nil {
		err := s.speakErr
		s.mu.Unlock()
		return err
	}
	if s.speaking {
		s.mu.Unlock()
		panic("speak called while already speaking")
	}
	s.cb = cb
	s.speaking = true
	s.spoken = append(s.spoken, text)
	manual := s.manualStart
	s.mu.Unlock()
	if !manual {
		cb.OnStart()
	}
	s.spokeCh <- text
	return nil
}

func (s *fakeSynth) start() {
	s.mu.Lock()
	cb := s.cb
	s.mu.Unlock()
	cb.OnStart()
}

func (s *fakeSynth) Cancel() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.speaking {
		s.cancels++
	}
	s.speaking = false
	return nil
}

func (s *fakeSynth) finish() {
	s.mu.Lock()
	cb := s.cb
	s.speaking = false
	s.mu.Unlock()
	cb.OnEnd()
}

func (s *fakeSynth) fail(err error) {
	s.mu.Lock()
	cb := s.cb
	s.speaking = false
	s.mu.Unlock()
	cb.OnError(err)
}

func (s *fakeSynth) isSpeaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speaking
}

func (s *fakeSynth) cancelCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancels
}

func (s *fakeSynth) spokenTexts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.spoken...)
}

func (s *fakeSynth) waitSpoken(t *testing.T) string {
	t.Helper()
	select {
	case text := <-s.spokeCh:
		return text
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for speech")
		return ""
	}
}

type fakeTimer struct {
	at      time.Time
	fn      func()
	stopped bool
	fired   bool
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
	armed  chan time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{
		now:   time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC),
		armed: make(chan time.Duration, 64),
	}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) func() bool {
	c.mu.Lock()
	timer := &fakeTimer{at: c.now.Add(d), fn: f}
	c.timers = append(c.timers, timer)
	c.mu.Unlock()
	select {
	case c.armed <- d:
	default:
	}
	return func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		wasPending := !timer.stopped && !timer.fired
		timer.stopped = true
		return wasPending
	}
}

// Advance moves time forward and runs every timer that became due.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []func()
	for _, timer := range c.timers {
		if !timer.stopped && !timer.fired && !timer.at.After(c.now) {
			timer.fired = true
			due = append(due, timer.fn)
		}
	}
	c.mu.Unlock()
	for _, fn := range due {
		fn()
	}
}

// waitArmed waits for the silence timer. Reply deadlines share the clock
// and are skipped.
func (c *fakeClock) waitArmed(t *testing.T) {
	t.Helper()
	c.waitArmedFor(t, DefaultSilenceDelay)
}

func (c *fakeClock) waitArmedFor(t *testing.T, d time.Duration) {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case got := <-c.armed:
			if got == d {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for a %s timer", d)
		}
	}
}

// staticProvider answers every request with the same reply or error.
type staticProvider struct {
	mu       sync.Mutex
	reply    string
	err      error
	requests []ReplyRequest
}

func (p *staticProvider) Reply(_ context.Context, req ReplyRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	return p.reply, p.err
}

func (p *staticProvider) seen() []ReplyRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ReplyRequest(nil), p.requests...)
}

// blockingProvider waits until released or cancelled.
type blockingProvider struct {
	called   chan ReplyRequest
	release  chan string
	returned chan error
}

func newBlockingProvider() *blockingProvider {
	return &blockingProvider{
		called:   make(chan ReplyRequest, 4),
		release:  make(chan string, 4),
		returned: make(chan error, 4),
	}
}

func (p *blockingProvider) Reply(ctx context.Context, req ReplyRequest) (string, error) {
	p.called <- req
	select {
	case text := <-p.release:
		p.returned <- nil
		return text, nil
	case <-ctx.Done():
		p.returned <- ctx.Err()
		return "", ctx.Err()
	}
}

// stubbornProvider ignores its context and answers only when released.
type stubbornProvider struct {
	called  chan struct{}
	release chan string
}

func newStubbornProvider() *stubbornProvider {
	return &stubbornProvider{called: make(chan struct{}, 4), release: make(chan string, 4)}
}

func (p *stubbornProvider) Reply(context.Context, ReplyRequest) (string, error) {
	p.called <- struct{}{}
	return <-p.release, nil
}

type recorder struct {
	states      chan State
	turns       chan Turn
	errs        chan Error
	transcripts chan string
}

func newRecorder() *recorder {
	return &recorder{
		states:      make(chan State, 64),
		turns:       make(chan Turn, 16),
		errs:        make(chan Error, 16),
		transcripts: make(chan string, 64),
	}
}

func (r *recorder) options() []Option {
	return []Option{
		WithStateChangeCallback(func(s State) { r.states <- s }),
		WithTurnCompleteCallback(func(t Turn) { r.turns <- t }),
		WithErrorCallback(func(e Error) { r.errs <- e }),
	}
}

func (r *recorder) expectStates(t *testing.T, want ...State) {
	t.Helper()
	for i, w := range want {
		select {
		case got := <-r.states:
			if got != w {
				t.Fatalf("state %d: expected %s, got %s", i, w, got)
			}
		case <-time.After(waitTimeout):
			t.Fatalf("timed out waiting for state %s (index %d)", w, i)
		}
	}
}

func (r *recorder) expectTurn(t *testing.T) Turn {
	t.Helper()
	select {
	case turn := <-r.turns:
		return turn
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for completed turn")
		return Turn{}
	}
}

func (r *recorder) expectError(t *testing.T) Error {
	t.Helper()
	select {
	case e := <-r.errs:
		return e
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for error callback")
		return Error{}
	}
}

func (r *recorder) expectNoError(t *testing.T) {
	t.Helper()
	select {
	case e := <-r.errs:
		t.Fatalf("unexpected error callback: %v", e.Error())
	default:
	}
}

type harness struct {
	c     *Coordinator
	rec   *fakeRecognizer
	synth *fakeSynth
	clock *fakeClock
	obs   *recorder
}

func newHarness(t *testing.T, cfg Config, provider ReplyProvider, extra ...Option) *harness {
	t.Helper()
	h := &harness{
		rec:   newFakeRecognizer(),
		synth: newFakeSynth(),
		clock: newFakeClock(),
		obs:   newRecorder(),
	}
	opts := append(h.obs.options(), WithConfig(cfg), WithClock(h.clock), WithSessionID("test-session"))
	opts = append(opts, extra...)
	h.c = New(h.rec, h.synth, provider, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func quietConfig() Config {
	cfg := DefaultConfig()
	cfg.BargeIn = false
	return cfg
}

var errBoom = errors.New("boom")
