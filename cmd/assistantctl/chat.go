package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/loqalabs/loqa-assistant/internal/config"
	"github.com/loqalabs/loqa-assistant/internal/eventstore"
	"github.com/loqalabs/loqa-assistant/internal/llm"
	"github.com/loqalabs/loqa-assistant/internal/session"
	"github.com/loqalabs/loqa-assistant/internal/stt"
	"github.com/loqalabs/loqa-assistant/internal/tts"
	"github.com/loqalabs/loqa-assistant/internal/turn"
	"github.com/spf13/cobra"
)

type chatOptions struct {
	sessionID string
	locale    string
	pace      time.Duration
	silence   time.Duration
	bargeIn   bool
	record    bool
	verbose   bool
}

var chatOpts chatOptions

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Hold a conversation from the terminal, one line per utterance",
	Long: `chat runs a single session in-process. Every line read from stdin is a
final transcript fragment and replies are printed instead of spoken. The
session ends at end of input or on interrupt.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runChat(ctx, cfg, chatOpts, cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

func init() {
	f := chatCmd.Flags()
	f.StringVar(&chatOpts.sessionID, "session", "cli", "Session ID")
	f.StringVar(&chatOpts.locale, "locale", "", "Conversation locale (defaults to the configured one)")
	f.DurationVar(&chatOpts.pace, "pace", 0, "Simulated speaking time per reply word")
	f.DurationVar(&chatOpts.silence, "silence", 300*time.Millisecond, "Silence delay before an utterance is committed")
	f.BoolVar(&chatOpts.bargeIn, "barge-in", false, "Let a new line interrupt a reply that is still being spoken")
	f.BoolVar(&chatOpts.record, "record", false, "Record completed turns in the event store")
	f.BoolVarP(&chatOpts.verbose, "verbose", "v", false, "Print state changes and coordinator logs")
}

type chatStyles struct {
	reply lipgloss.Style
	state lipgloss.Style
	err   lipgloss.Style
}

func newChatStyles() chatStyles {
	return chatStyles{
		reply: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#25A065")),
		state: lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
		err:   lipgloss.NewStyle().Foreground(lipgloss.Color("#E0475B")),
	}
}

func runChat(ctx context.Context, cfg config.Config, opts chatOptions, in io.Reader, out io.Writer) error {
	generator, err := llm.NewGenerator(ctx, cfg.LLM)
	if err != nil {
		return fmt.Errorf("llm generator: %w", err)
	}

	var store *eventstore.Store
	if opts.record {
		store, err = eventstore.Open(ctx, cfg.EventStore, discardLogger())
		if err != nil {
			return fmt.Errorf("open event store: %w", err)
		}
		defer store.Close()
		if err := store.AppendSession(ctx, opts.sessionID, "assistantctl", cfg.Sessions.PrivacyScope); err != nil {
			return fmt.Errorf("record session: %w", err)
		}
	}

	logger := discardLogger()
	if opts.verbose {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	turnCfg := session.TurnConfig(cfg.Coordinator)
	turnCfg.Mode = turn.ModeContinuous
	turnCfg.BargeIn = opts.bargeIn
	if opts.silence > 0 {
		turnCfg.SilenceDelay = opts.silence
	}
	if opts.locale != "" {
		turnCfg.Locale = opts.locale
	}

	styles := newChatStyles()
	var outMu sync.Mutex
	say := func(s string) {
		outMu.Lock()
		defer outMu.Unlock()
		fmt.Fprintln(out, s)
	}
	speaker := tts.NewWriterSpeaker(lockedWriter{mu: &outMu, w: out}, opts.pace, func(text string) string {
		return styles.reply.Render(text)
	})

	done := make(chan struct{})
	var (
		closeOnce sync.Once
		listened  bool
	)
	finish := func() { closeOnce.Do(func() { close(done) }) }

	coord := turn.New(stt.NewLineRecognizer(in), speaker, llm.NewGeneratorProvider(generator, cfg.LLM),
		turn.WithConfig(turnCfg),
		turn.WithLogger(logger),
		turn.WithSessionID(opts.sessionID),
		turn.WithStateChangeCallback(func(s turn.State) {
			if opts.verbose {
				say(styles.state.Render("· " + s.String()))
			}
			switch s {
			case turn.StateListening:
				listened = true
			case turn.StateIdle:
				if listened {
					finish()
				}
			case turn.StateError:
				finish()
			}
		}),
		turn.WithTurnCompleteCallback(func(t turn.Turn) {
			if store == nil {
				return
			}
			if err := store.AppendTurn(ctx, opts.sessionID, t); err != nil {
				say(styles.err.Render("record turn: " + err.Error()))
			}
		}),
		turn.WithErrorCallback(func(e turn.Error) {
			say(styles.err.Render("! " + e.Error()))
		}),
	)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- coord.Run(runCtx) }()

	if err := coord.Start(); err != nil {
		return err
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
	coord.Close()
	return <-errc
}

// lockedWriter shares one mutex with the status printer so replies and
// status lines never interleave.
type lockedWriter struct {
	mu *sync.Mutex
	w  io.Writer
}

func (l lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
