package turn

import "context"

// RecognizerCallbacks are invoked by a Recognizer from any goroutine. The
// coordinator serializes them onto its own loop.
type RecognizerCallbacks struct {
	OnStart   func()
	OnInterim func(text string)
	OnFinal   func(text string)
	OnError   func(kind ErrorKind)
	OnEnd     func()
}

// Recognizer turns speech into transcript fragments while active.
type Recognizer interface {
	// Start begins capture. Return an error built with NewRecognizerError to
	// report a specific kind; any other error is treated as audio-capture.
	Start(ctx context.Context, cb RecognizerCallbacks) error
	// Stop ends capture. Stopping an inactive recognizer is a no-op.
	Stop() error
}

// SpeechCallbacks report the lifecycle of one utterance.
type SpeechCallbacks struct {
	// OnStart marks audible output; barge-in monitoring begins there.
	OnStart func()
	OnEnd   func()
	OnError func(err error)
}

// Synthesizer speaks text aloud.
type Synthesizer interface {
	// Speak starts speaking and returns without waiting for the end of the
	// utterance.
	Speak(ctx context.Context, text string, cb SpeechCallbacks) error
	// Cancel interrupts the current utterance. Idempotent.
	Cancel() error
}

// ReplyRequest is the input of a ReplyProvider call.
type ReplyRequest struct {
	SessionID string
	Text      string
	History   []Turn
	Locale    string
}

// ReplyProvider produces the assistant's reply for a finalized utterance.
type ReplyProvider interface {
	Reply(ctx context.Context, req ReplyRequest) (string, error)
}

// ReplyProviderFunc adapts a plain function to ReplyProvider.
type ReplyProviderFunc func(ctx context.Context, req ReplyRequest) (string, error)

func (f ReplyProviderFunc) Reply(ctx context.Context, req ReplyRequest) (string, error) {
	return f(ctx, req)
}
