package turn

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestFinalFragmentCompletesTurn(t *testing.T) {
	provider := &staticProvider{reply: "Tudo ótimo!"}
	h := newHarness(t, quietConfig(), provider)

	if err := h.c.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.obs.expectStates(t, StateListening)
	h.rec.waitStarted(t)

	h.rec.interim("oi")
	h.rec.final("oi, tudo bem?")
	h.obs.expectStates(t, StateFinalizing, StateAwaitingReply, StateSpeaking)

	if spoken := h.synth.waitSpoken(t); spoken != "Tudo ótimo!" {
		t.Fatalf("expected reply to be spoken, got %q", spoken)
	}
	if h.rec.isActive() {
		t.Fatal("recognizer must not run while speaking without barge-in")
	}

	h.synth.finish()
	h.obs.expectStates(t, StateListening)

	turn := h.obs.expectTurn(t)
	if turn.UserText != "oi, tudo bem?" {
		t.Fatalf("expected final fragment as user text, got %q", turn.UserText)
	}
	if turn.ReplyText != "Tudo ótimo!" {
		t.Fatalf("unexpected reply text %q", turn.ReplyText)
	}
	if turn.Source != SourceVoice || turn.ID == "" {
		t.Fatalf("unexpected turn metadata: %+v", turn)
	}
	if turn.EndedAt.Before(turn.StartedAt) {
		t.Fatalf("turn ended before it started: %+v", turn)
	}

	h.rec.waitStarted(t)
	if got := len(h.c.History()); got != 1 {
		t.Fatalf("expected 1 turn in history, got %d", got)
	}
	reqs := provider.seen()
	if len(reqs) != 1 || reqs[0].Text != "oi, tudo bem?" || reqs[0].SessionID != "test-session" {
		t.Fatalf("unexpected provider requests: %+v", reqs)
	}
}

func TestSilenceCommitsLastInterim(t *testing.T) {
	provider := &staticProvider{reply: "Olá!"}
	h := newHarness(t, quietConfig(), provider)

	_ = h.c.Start()
	h.obs.expectStates(t, StateListening)
	h.rec.waitStarted(t)

	h.rec.interim("o")
	h.clock.waitArmed(t)
	h.rec.interim("oi")
	h.clock.waitArmed(t)

	h.clock.Advance(1600 * time.Millisecond)
	h.obs.expectStates(t, StateFinalizing, StateAwaitingReply, StateSpeaking)
	h.synth.waitSpoken(t)
	h.synth.finish()

	turn := h.obs.expectTurn(t)
	if turn.UserText != "oi" {
		t.Fatalf("expected last interim to be committed, got %q", turn.UserText)
	}
}

func TestSilenceBeforeDelayDoesNothing(t *testing.T) {
	h := newHarness(t, quietConfig(), &staticProvider{reply: "ok"})

	_ = h.c.Start()
	h.obs.expectStates(t, StateListening)
	h.rec.waitStarted(t)

	h.rec.interim("oi")
	h.clock.waitArmed(t)
	h.clock.Advance(1000 * time.Millisecond)
	h.rec.interim("oi tudo")
	h.clock.waitArmed(t)
	h.clock.Advance(1000 * time.Millisecond)

	select {
	case s := <-h.obs.states:
		t.Fatalf("unexpected state change to %s before silence delay", s)
	case <-time.After(100 * time.Millisecond):
	}

	h.clock.Advance(600 * time.Millisecond)
	h.obs.expectStates(t, StateFinalizing, StateAwaitingReply, StateSpeaking)
}

func TestFinalFragmentWinsOverSilenceTimer(t *testing.T) {
	gate := make(chan struct{})
	blocked := make(chan struct{}, 1)
	provider := &staticProvider{reply: "Tudo ótimo!"}
	h := newHarness(t, quietConfig(), provider, WithTranscriptCallback(func(text string, final bool) {
		if text == "oi" && !final {
			blocked <- struct{}{}
			<-gate
		}
	}))

	_ = h.c.Start()
	h.obs.expectStates(t, StateListening)
	h.rec.waitStarted(t)

	// The loop is held inside the interim handler with the timer armed.
	h.rec.interim("oi")
	<-blocked
	h.clock.Advance(2 * time.Second)
	h.rec.final("oi, tudo bem?")
	close(gate)

	h.obs.expectStates(t, StateFinalizing, StateAwaitingReply, StateSpeaking)
	h.synth.waitSpoken(t)
	h.synth.finish()
	turn := h.obs.expectTurn(t)
	if turn.UserText != "oi, tudo bem?" {
		t.Fatalf("expected final fragment to win, got %q", turn.UserText)
	}
	if got := len(provider.seen()); got != 1 {
		t.Fatalf("expected exactly one reply request, got %d", got)
	}
}

func TestProviderFailureSpeaksFallback(t *testing.T) {
	provider := &staticProvider{err: errBoom}
	h := newHarness(t, quietConfig(), provider)

	_ = h.c.Start()
	h.obs.expectStates(t, StateListening)
	h.rec.waitStarted(t)

	h.rec.final("teste")
	h.obs.expectStates(t, StateFinalizing, StateAwaitingReply, StateSpeaking)
	spoken := h.synth.waitSpoken(t)
	if spoken == "" || spoken != FallbackMessage("pt-BR") {
		t.Fatalf("expected localized fallback, got %q", spoken)
	}
	h.synth.finish()
	h.obs.expectStates(t, StateListening)

	turn := h.obs.expectTurn(t)
	if !turn.ProviderFailed || turn.ReplyText != spoken {
		t.Fatalf("expected fallback turn, got %+v", turn)
	}
	h.obs.expectNoError(t)
}

func TestProviderPanicSpeaksFallback(t *testing.T) {
	provider := ReplyProviderFunc(func(context.Context, ReplyRequest) (string, error) {
		panic("provider exploded")
	})
	cfg := quietConfig()
	cfg.FallbackMessage = "Falhou, tente de novo."
	h := newHarness(t, cfg, provider)

	_ = h.c.Start()
	h.obs.expectStates(t, StateListening)
	h.rec.waitStarted(t)
	h.rec.final("teste")

	if spoken := h.synth.waitSpoken(t); spoken != "Falhou, tente de novo." {
		t.Fatalf("expected configured fallback, got %q", spoken)
	}
}

func TestStopFromEveryState(t *testing.T) {
	t.Run("listening", func(t *testing.T) {
		h := newHarness(t, quietConfig(), &staticProvider{reply: "ok"})
		_ = h.c.Start()
		h.obs.expectStates(t, StateListening)
		h.rec.waitStarted(t)
		h.rec.interim("oi")
		h.clock.waitArmed(t)

		_ = h.c.Stop()
		h.obs.expectStates(t, StateIdle)
		if h.rec.isActive() {
			t.Fatal("recognizer still active after stop")
		}
		h.clock.Advance(5 * time.Second)
		select {
		case s := <-h.obs.states:
			t.Fatalf("stale silence timer changed state to %s", s)
		case <-time.After(100 * time.Millisecond):
		}
	})

	t.Run("awaiting reply", func(t *testing.T) {
		provider := newBlockingProvider()
		h := newHarness(t, quietConfig(), provider)
		_ = h.c.Start()
		h.obs.expectStates(t, StateListening)
		h.rec.waitStarted(t)
		h.rec.final("oi")
		h.obs.expectStates(t, StateFinalizing, StateAwaitingReply)
		<-provider.called

		_ = h.c.Stop()
		h.obs.expectStates(t, StateIdle)
		select {
		case err := <-provider.returned:
			if !errors.Is(err, context.Canceled) {
				t.Fatalf("expected provider context to be cancelled, got %v", err)
			}
		case <-time.After(waitTimeout):
			t.Fatal("provider was not cancelled")
		}

		_ = h.c.Start()
		h.obs.expectStates(t, StateListening)
		if spoken := h.synth.spokenTexts(); len(spoken) != 0 {
			t.Fatalf("stale reply was spoken: %v", spoken)
		}
		if len(h.c.History()) != 0 {
			t.Fatal("discarded turn must not reach history")
		}
	})

	t.Run("speaking", func(t *testing.T) {
		h := newHarness(t, DefaultConfig(), &staticProvider{reply: "Tudo ótimo!"})
		_ = h.c.Start()
		h.obs.expectStates(t, StateListening)
		h.rec.waitStarted(t)
		h.rec.final("oi")
		h.obs.expectStates(t, StateFinalizing, StateAwaitingReply, StateSpeaking)
		h.synth.waitSpoken(t)
		h.rec.waitStarted(t)

		_ = h.c.Stop()
		h.obs.expectStates(t, StateIdle)
		if h.synth.isSpeaking() {
			t.Fatal("synthesizer still speaking after stop")
		}
		if h.rec.isActive() {
			t.Fatal("recognizer still active after stop")
		}

		// A late end notification from the cancelled utterance is ignored.
		h.synth.finish()
		select {
		case s := <-h.obs.states:
			t.Fatalf("late speech end changed state to %s", s)
		case <-time.After(100 * time.Millisecond):
		}
	})

	t.Run("error", func(t *testing.T) {
		h := newHarness(t, quietConfig(), &staticProvider{reply: "ok"})
		_ = h.c.Start()
		h.obs.expectStates(t, StateListening)
		h.rec.waitStarted(t)
		h.rec.fail(ErrorNotAllowed)
		h.obs.expectStates(t, StateError)

		_ = h.c.Stop()
		h.obs.expectStates(t, StateIdle)
	})
}

func TestBargeInCancelsSpeech(t *testing.T) {
	provider := &staticProvider{reply: "Tudo ótimo! Como posso ajudar você hoje?"}
	h := newHarness(t, DefaultConfig(), provider)

	_ = h.c.Start()
	h.obs.expectStates(t, StateListening)
	h.rec.waitStarted(t)
	h.rec.final("oi, tudo bem?")
	h.obs.expectStates(t, StateFinalizing, StateAwaitingReply, StateSpeaking)
	h.synth.waitSpoken(t)
	h.rec.waitStarted(t)

	// Echo of the reply and filler words are not an interruption.
	h.rec.interim("como posso ajudar")
	h.rec.interim("hum")
	h.rec.interim("espera um pouco")
	h.obs.expectStates(t, StateListening)

	if h.synth.cancelCount() != 1 {
		t.Fatalf("expected synthesizer cancelled once, got %d", h.synth.cancelCount())
	}
	interrupted := h.obs.expectTurn(t)
	if !interrupted.Interrupted || interrupted.UserText != "oi, tudo bem?" {
		t.Fatalf("expected interrupted turn, got %+v", interrupted)
	}

	h.rec.final("espera um pouco, quero outra coisa")
	h.obs.expectStates(t, StateFinalizing, StateAwaitingReply, StateSpeaking)
	h.synth.waitSpoken(t)

	reqs := provider.seen()
	if len(reqs) != 2 {
		t.Fatalf("expected two reply requests, got %d", len(reqs))
	}
	if reqs[1].Text != "espera um pouco, quero outra coisa" {
		t.Fatalf("unexpected second request %q", reqs[1].Text)
	}
	if len(reqs[1].History) != 1 || !reqs[1].History[0].Interrupted {
		t.Fatalf("expected interrupted turn in history, got %+v", reqs[1].History)
	}
	if spoken := h.synth.spokenTexts(); len(spoken) != 2 {
		t.Fatalf("cancelled reply must not be spoken again: %v", spoken)
	}
}

func TestSilenceAfterBargeInCommitsInterruption(t *testing.T) {
	provider := &staticProvider{reply: "Claro, vou explicar tudo com calma."}
	h := newHarness(t, DefaultConfig(), provider)

	_ = h.c.Start()
	h.obs.expectStates(t, StateListening)
	h.rec.waitStarted(t)
	h.rec.final("me explica")
	h.obs.expectStates(t, StateFinalizing, StateAwaitingReply, StateSpeaking)
	h.synth.waitSpoken(t)
	h.rec.waitStarted(t)

	h.rec.interim("espera agora")
	h.obs.expectStates(t, StateListening)
	h.clock.waitArmed(t)
	h.clock.Advance(2 * time.Second)
	h.obs.expectStates(t, StateFinalizing, StateAwaitingReply, StateSpeaking)

	reqs := provider.seen()
	if last := reqs[len(reqs)-1]; last.Text != "espera agora" {
		t.Fatalf("expected barge-in text as next utterance, got %q", last.Text)
	}
}

func TestFatalRecognizerErrorRequiresRestart(t *testing.T) {
	h := newHarness(t, quietConfig(), &staticProvider{reply: "ok"})

	_ = h.c.Start()
	h.obs.expectStates(t, StateListening)
	h.rec.waitStarted(t)

	h.rec.fail(ErrorNotAllowed)
	h.obs.expectStates(t, StateError)
	if e := h.obs.expectError(t); e.Kind != ErrorNotAllowed {
		t.Fatalf("expected not-allowed, got %s", e.Kind)
	}
	if h.rec.isActive() {
		t.Fatal("recognizer still active in error state")
	}

	_ = h.c.Start()
	_ = h.c.SubmitText("olá")
	_ = h.c.Restart()
	h.obs.expectStates(t, StateIdle)
	_ = h.c.Start()
	h.obs.expectStates(t, StateListening)
}

func TestRecognizerStartFailureIsFatal(t *testing.T) {
	h := newHarness(t, quietConfig(), &staticProvider{reply: "ok"})
	h.rec.startErr = NewRecognizerError(ErrorNotAllowed, errors.New("permission denied"))

	_ = h.c.Start()
	h.obs.expectStates(t, StateListening, StateError)
	if e := h.obs.expectError(t); e.Kind != ErrorNotAllowed {
		t.Fatalf("expected not-allowed, got %s", e.Kind)
	}
}

func TestTransientRecognizerErrorRestartsCapture(t *testing.T) {
	h := newHarness(t, quietConfig(), &staticProvider{reply: "ok"})

	_ = h.c.Start()
	h.obs.expectStates(t, StateListening)
	h.rec.waitStarted(t)

	h.rec.fail(ErrorNoSpeech)
	h.rec.waitStarted(t)
	if h.c.State() != StateListening {
		t.Fatalf("expected to keep listening, got %s", h.c.State())
	}
	if h.rec.startCount() != 2 {
		t.Fatalf("expected recognizer restarted, got %d starts", h.rec.startCount())
	}
	h.obs.expectNoError(t)
}

func TestTransientRecognizerErrorSingleShotGoesIdle(t *testing.T) {
	cfg := quietConfig()
	cfg.Mode = ModeSingleShot
	h := newHarness(t, cfg, &staticProvider{reply: "ok"})

	_ = h.c.Start()
	h.obs.expectStates(t, StateListening)
	h.rec.waitStarted(t)

	h.rec.fail(ErrorAborted)
	h.obs.expectStates(t, StateIdle)
	h.obs.expectNoError(t)
}

func TestRecognizerEndCommitsBufferedInterim(t *testing.T) {
	h := newHarness(t, quietConfig(), &staticProvider{reply: "ok"})

	_ = h.c.Start()
	h.obs.expectStates(t, StateListening)
	h.rec.waitStarted(t)
	h.rec.interim("que horas são")
	h.rec.end()
	h.obs.expectStates(t, StateFinalizing, StateAwaitingReply, StateSpeaking)
	h.synth.waitSpoken(t)
	h.synth.finish()
	if turn := h.obs.expectTurn(t); turn.UserText != "que horas são" {
		t.Fatalf("unexpected user text %q", turn.UserText)
	}
}

func TestSingleShotReturnsToIdle(t *testing.T) {
	cfg := quietConfig()
	cfg.Mode = ModeSingleShot
	h := newHarness(t, cfg, &staticProvider{reply: "ok"})

	_ = h.c.Start()
	h.obs.expectStates(t, StateListening)
	h.rec.waitStarted(t)
	h.rec.final("oi")
	h.obs.expectStates(t, StateFinalizing, StateAwaitingReply, StateSpeaking)
	h.synth.waitSpoken(t)
	h.synth.finish()
	h.obs.expectStates(t, StateIdle)
	if h.rec.startCount() != 1 {
		t.Fatalf("single-shot session must not re-arm the recognizer")
	}
}

func TestSubmitTextFromIdle(t *testing.T) {
	provider := &staticProvider{reply: "Olá!"}
	h := newHarness(t, DefaultConfig(), provider)

	if err := h.c.SubmitText("   "); !errors.Is(err, ErrEmptyText) {
		t.Fatalf("expected ErrEmptyText, got %v", err)
	}
	if err := h.c.SubmitText("olá"); err != nil {
		t.Fatalf("submit text: %v", err)
	}
	h.obs.expectStates(t, StateFinalizing, StateAwaitingReply, StateSpeaking)
	h.synth.waitSpoken(t)
	if h.rec.isActive() {
		t.Fatal("recognizer must stay off outside a voice session")
	}
	h.synth.finish()
	h.obs.expectStates(t, StateIdle)

	turn := h.obs.expectTurn(t)
	if turn.Source != SourceText || turn.UserText != "olá" {
		t.Fatalf("unexpected turn %+v", turn)
	}
}

func TestSubmitTextWhileSpeakingReplacesReply(t *testing.T) {
	provider := &staticProvider{reply: "resposta"}
	h := newHarness(t, quietConfig(), provider)

	_ = h.c.SubmitText("primeira")
	h.obs.expectStates(t, StateFinalizing, StateAwaitingReply, StateSpeaking)
	h.synth.waitSpoken(t)

	_ = h.c.SubmitText("segunda")
	h.obs.expectStates(t, StateFinalizing, StateAwaitingReply, StateSpeaking)
	h.synth.waitSpoken(t)

	first := h.obs.expectTurn(t)
	if !first.Interrupted || first.UserText != "primeira" {
		t.Fatalf("expected first turn interrupted, got %+v", first)
	}
	if h.synth.cancelCount() != 1 {
		t.Fatalf("expected prior speech cancelled before speaking again")
	}
}

func TestSynthesisErrorKeepsSession(t *testing.T) {
	h := newHarness(t, quietConfig(), &staticProvider{reply: "ok"})

	_ = h.c.Start()
	h.obs.expectStates(t, StateListening)
	h.rec.waitStarted(t)
	h.rec.final("oi")
	h.obs.expectStates(t, StateFinalizing, StateAwaitingReply, StateSpeaking)
	h.synth.waitSpoken(t)

	h.synth.fail(errBoom)
	h.obs.expectStates(t, StateListening)
	if e := h.obs.expectError(t); e.Kind != ErrorSynthesis || e.Kind.Category() != CategorySynthesis {
		t.Fatalf("expected synthesis error, got %s", e.Kind)
	}
	if turn := h.obs.expectTurn(t); turn.SpeechError == "" {
		t.Fatalf("expected speech error recorded on turn")
	}
}

func TestPanicsBecomeErrors(t *testing.T) {
	h := newHarness(t, quietConfig(), &staticProvider{reply: "ok"},
		WithTurnCompleteCallback(func(Turn) { panic("observer exploded") }))
	h.synth.panicOn = true

	_ = h.c.SubmitText("oi")
	h.obs.expectStates(t, StateFinalizing, StateAwaitingReply, StateSpeaking, StateIdle)

	speakErr := h.obs.expectError(t)
	var perr *PanicError
	if speakErr.Kind != ErrorSynthesis || !errors.As(speakErr.Err, &perr) {
		t.Fatalf("expected synthesis error wrapping a panic, got %+v", speakErr)
	}
	observerErr := h.obs.expectError(t)
	if observerErr.Kind != ErrorCallbackPanic {
		t.Fatalf("expected callback-panic, got %s", observerErr.Kind)
	}

	// Still usable afterwards.
	_ = h.c.Start()
	h.obs.expectStates(t, StateListening)
}

func TestStaleRecognizerCallbacksIgnored(t *testing.T) {
	h := newHarness(t, quietConfig(), &staticProvider{reply: "ok"})

	_ = h.c.Start()
	h.obs.expectStates(t, StateListening)
	h.rec.waitStarted(t)
	stale := h.rec.callbacks()

	_ = h.c.Stop()
	h.obs.expectStates(t, StateIdle)
	_ = h.c.Start()
	h.obs.expectStates(t, StateListening)
	h.rec.waitStarted(t)

	stale.OnFinal("fantasma")
	h.rec.final("real")
	h.obs.expectStates(t, StateFinalizing, StateAwaitingReply, StateSpeaking)
	h.synth.waitSpoken(t)
	h.synth.finish()
	if turn := h.obs.expectTurn(t); turn.UserText != "real" {
		t.Fatalf("stale callback leaked into turn: %q", turn.UserText)
	}
}

func TestConfigureBoundsHistory(t *testing.T) {
	h := newHarness(t, quietConfig(), &staticProvider{reply: "ok"})
	cfg := quietConfig()
	cfg.HistoryLimit = 1
	_ = h.c.Configure(cfg)

	for _, text := range []string{"um", "dois"} {
		_ = h.c.SubmitText(text)
		h.obs.expectStates(t, StateFinalizing, StateAwaitingReply, StateSpeaking)
		h.synth.waitSpoken(t)
		h.synth.finish()
		h.obs.expectStates(t, StateIdle)
		h.obs.expectTurn(t)
	}
	history := h.c.History()
	if len(history) != 1 || history[0].UserText != "dois" {
		t.Fatalf("expected only the latest turn, got %+v", history)
	}
}

func TestClosedCoordinatorRejectsRequests(t *testing.T) {
	c := New(newFakeRecognizer(), newFakeSynth(), &staticProvider{reply: "ok"})
	c.Close()
	if err := c.Start(); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestReplyTimeoutSpeaksFallbackAndDropsLateReply(t *testing.T) {
	provider := newStubbornProvider()
	cfg := quietConfig()
	cfg.ReplyTimeout = 100 * time.Millisecond
	h := newHarness(t, cfg, provider)
	t.Cleanup(func() { provider.release <- "" })

	_ = h.c.Start()
	h.obs.expectStates(t, StateListening)
	h.rec.waitStarted(t)
	h.rec.final("que horas são?")
	h.obs.expectStates(t, StateFinalizing, StateAwaitingReply)
	<-provider.called
	h.clock.waitArmedFor(t, cfg.ReplyTimeout)

	h.clock.Advance(150 * time.Millisecond)
	h.obs.expectStates(t, StateSpeaking)
	fallback := FallbackMessage("pt-BR")
	if spoken := h.synth.waitSpoken(t); spoken != fallback {
		t.Fatalf("expected fallback after the deadline, got %q", spoken)
	}

	provider.release <- "tarde demais"
	h.synth.finish()
	h.obs.expectStates(t, StateListening)
	turn := h.obs.expectTurn(t)
	if !turn.ProviderFailed || turn.ReplyText != fallback {
		t.Fatalf("expected fallback turn, got %+v", turn)
	}
	h.rec.waitStarted(t)

	select {
	case s := <-h.obs.states:
		t.Fatalf("late reply changed state to %s", s)
	case <-time.After(100 * time.Millisecond):
	}
	if spoken := h.synth.spokenTexts(); len(spoken) != 1 {
		t.Fatalf("late reply must not be spoken: %v", spoken)
	}
}

func TestBargeInMonitorWaitsForSpeechStart(t *testing.T) {
	h := newHarness(t, DefaultConfig(), &staticProvider{reply: "Tudo ótimo! Como posso ajudar?"})
	h.synth.manualStart = true

	_ = h.c.Start()
	h.obs.expectStates(t, StateListening)
	h.rec.waitStarted(t)
	h.rec.final("oi")
	h.obs.expectStates(t, StateFinalizing, StateAwaitingReply, StateSpeaking)
	h.synth.waitSpoken(t)

	select {
	case <-h.rec.started:
		t.Fatal("recognizer started before the synthesizer reported speech")
	case <-time.After(100 * time.Millisecond):
	}

	h.synth.start()
	h.rec.waitStarted(t)
	if !h.rec.isActive() {
		t.Fatal("expected barge-in monitor once speech started")
	}
}

func TestTextOnlyCompletesTurnWithoutSpeaking(t *testing.T) {
	cfg := quietConfig()
	cfg.TextOnly = true
	h := newHarness(t, cfg, &staticProvider{reply: "Tudo ótimo!"})

	_ = h.c.Start()
	h.obs.expectStates(t, StateListening)
	h.rec.waitStarted(t)
	h.rec.final("oi, tudo bem?")
	h.obs.expectStates(t, StateFinalizing, StateAwaitingReply, StateListening)

	turn := h.obs.expectTurn(t)
	if turn.ReplyText != "Tudo ótimo!" || turn.SpeechError != "" {
		t.Fatalf("unexpected turn %+v", turn)
	}
	if spoken := h.synth.spokenTexts(); len(spoken) != 0 {
		t.Fatalf("text-only reply was spoken: %v", spoken)
	}
	h.rec.waitStarted(t)
}

func TestClearHistoryDropsConversationContext(t *testing.T) {
	provider := &staticProvider{reply: "ok"}
	h := newHarness(t, quietConfig(), provider)

	_ = h.c.Start()
	h.obs.expectStates(t, StateListening)
	h.rec.waitStarted(t)
	h.rec.final("primeira")
	h.obs.expectStates(t, StateFinalizing, StateAwaitingReply, StateSpeaking)
	h.synth.waitSpoken(t)
	h.synth.finish()
	h.obs.expectStates(t, StateListening)
	h.obs.expectTurn(t)
	h.rec.waitStarted(t)

	if err := h.c.ClearHistory(); err != nil {
		t.Fatalf("clear history: %v", err)
	}
	h.rec.final("segunda")
	h.obs.expectStates(t, StateFinalizing, StateAwaitingReply, StateSpeaking)
	h.synth.waitSpoken(t)

	reqs := provider.seen()
	if len(reqs) != 2 || len(reqs[1].History) != 0 {
		t.Fatalf("expected an empty history after clearing, got %+v", reqs)
	}
	if got := len(h.c.History()); got != 0 {
		t.Fatalf("expected empty history, got %d turns", got)
	}
}
