package turn

import (
	"io"
	"log/slog"
	"time"
)

// Config is the explicit configuration of a coordinator. It replaces ambient
// settings such as the provider selection or voice list.
type Config struct {
	// SilenceDelay is measured from the most recent interim fragment.
	SilenceDelay time.Duration
	Mode         Mode
	// BargeIn lets the user interrupt a reply by speaking over it.
	BargeIn         bool
	BargeInMinWords int
	// HistoryLimit bounds the turn log; zero keeps every turn.
	HistoryLimit int
	Locale       string
	// FallbackMessage overrides the localized apology spoken when the reply
	// provider fails.
	FallbackMessage string
	// ReplyTimeout bounds one ReplyProvider call; zero disables the bound.
	ReplyTimeout time.Duration
	// TextOnly completes each turn as soon as the reply arrives, without
	// speaking it. Observers still receive the reply through the turn.
	TextOnly bool
}

const (
	DefaultSilenceDelay    = 1500 * time.Millisecond
	DefaultBargeInMinWords = 2
	DefaultReplyTimeout    = 30 * time.Second
	DefaultLocale          = "pt-BR"
)

func DefaultConfig() Config {
	return Config{
		SilenceDelay:    DefaultSilenceDelay,
		Mode:            ModeContinuous,
		BargeIn:         true,
		BargeInMinWords: DefaultBargeInMinWords,
		Locale:          DefaultLocale,
		ReplyTimeout:    DefaultReplyTimeout,
	}
}

func (c Config) withDefaults() Config {
	if c.SilenceDelay <= 0 {
		c.SilenceDelay = DefaultSilenceDelay
	}
	if c.Mode != ModeSingleShot {
		c.Mode = ModeContinuous
	}
	if c.BargeInMinWords <= 0 {
		c.BargeInMinWords = DefaultBargeInMinWords
	}
	if c.HistoryLimit < 0 {
		c.HistoryLimit = 0
	}
	if c.Locale == "" {
		c.Locale = DefaultLocale
	}
	if c.ReplyTimeout < 0 {
		c.ReplyTimeout = 0
	}
	return c
}

func (c Config) fallback() string {
	if c.FallbackMessage != "" {
		return c.FallbackMessage
	}
	return FallbackMessage(c.Locale)
}

type Option func(*Coordinator)

func WithConfig(cfg Config) Option {
	return func(c *Coordinator) { c.cfg = cfg.withDefaults() }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithClock(clock Clock) Option {
	return func(c *Coordinator) {
		if clock != nil {
			c.clock = clock
		}
	}
}

func WithSessionID(id string) Option {
	return func(c *Coordinator) { c.sessionID = id }
}

func WithStateChangeCallback(fn func(State)) Option {
	return func(c *Coordinator) { c.onStateChange = fn }
}

func WithTurnCompleteCallback(fn func(Turn)) Option {
	return func(c *Coordinator) { c.onTurnComplete = fn }
}

func WithErrorCallback(fn func(Error)) Option {
	return func(c *Coordinator) { c.onError = fn }
}

// WithTranscriptCallback reports every non-empty interim and final fragment
// the coordinator accepts, for live captions.
func WithTranscriptCallback(fn func(text string, final bool)) Option {
	return func(c *Coordinator) { c.onTranscript = fn }
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
