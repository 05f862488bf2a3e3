package turn

import (
	"errors"
	"fmt"
)

// ErrorKind names a failure reported by a capability or raised by the
// coordinator itself.
type ErrorKind string

const (
	ErrorNoSpeech      ErrorKind = "no-speech"
	ErrorAborted       ErrorKind = "aborted"
	ErrorNetwork       ErrorKind = "network"
	ErrorNotAllowed    ErrorKind = "not-allowed"
	ErrorAudioCapture  ErrorKind = "audio-capture"
	ErrorSynthesis     ErrorKind = "synthesis-failed"
	ErrorProvider      ErrorKind = "provider-failed"
	ErrorCallbackPanic ErrorKind = "callback-panic"
)

// Category groups error kinds by how the coordinator reacts to them.
type Category int

const (
	// CategoryTransient errors are logged and recovered from automatically.
	CategoryTransient Category = iota
	// CategoryFatal errors move the coordinator to StateError.
	CategoryFatal
	CategorySynthesis
	CategoryProvider
	CategoryInternal
)

func (c Category) String() string {
	switch c {
	case CategoryTransient:
		return "recognizer_transient"
	case CategoryFatal:
		return "recognizer_fatal"
	case CategorySynthesis:
		return "synthesis"
	case CategoryProvider:
		return "provider"
	case CategoryInternal:
		return "internal"
	default:
		return fmt.Sprintf("category(%d)", int(c))
	}
}

// Category reports the group a kind belongs to. Unknown recognizer kinds are
// treated as transient.
func (k ErrorKind) Category() Category {
	switch k {
	case ErrorNotAllowed, ErrorAudioCapture:
		return CategoryFatal
	case ErrorSynthesis:
		return CategorySynthesis
	case ErrorProvider:
		return CategoryProvider
	case ErrorCallbackPanic:
		return CategoryInternal
	default:
		return CategoryTransient
	}
}

// ParseErrorKind maps recognizer error codes, including the aliases used by
// browser speech engines, onto an ErrorKind.
func ParseErrorKind(code string) ErrorKind {
	switch code {
	case "service-not-allowed", "permission-denied":
		return ErrorNotAllowed
	case "capture-failed", "microphone":
		return ErrorAudioCapture
	default:
		return ErrorKind(code)
	}
}

// Error is what the coordinator reports through its error callback.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewRecognizerError lets a Recognizer return a typed failure from Start.
func NewRecognizerError(kind ErrorKind, err error) error {
	return &Error{Kind: kind, Err: err}
}

var (
	// ErrEmptyText is returned by SubmitText for blank input.
	ErrEmptyText = errors.New("turn: empty text")
	// ErrClosed is returned once the coordinator has been closed.
	ErrClosed = errors.New("turn: coordinator closed")
	// ErrReplyTimeout replaces a reply that did not arrive within
	// Config.ReplyTimeout.
	ErrReplyTimeout = errors.New("turn: reply timed out")
)

// PanicError wraps a value recovered from a capability or observer.
type PanicError struct {
	Op    string
	Value any
}

func (p *PanicError) Error() string {
	return fmt.Sprintf("panic in %s: %v", p.Op, p.Value)
}

// kindOf picks the ErrorKind to report for a failed recognizer start.
func kindOf(err error, fallback ErrorKind) ErrorKind {
	var typed *Error
	if errors.As(err, &typed) && typed.Kind != "" {
		return typed.Kind
	}
	var panicked *PanicError
	if errors.As(err, &panicked) {
		return ErrorCallbackPanic
	}
	return fallback
}
