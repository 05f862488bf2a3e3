package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/loqalabs/loqa-assistant/internal/config"
	"github.com/loqalabs/loqa-assistant/internal/eventstore"
	"github.com/loqalabs/loqa-assistant/internal/turn"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

const timeFormat = "2006-01-02 15:04:05"

var (
	historySession string
	historyLimit   int
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recorded sessions, or the turns of one session",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return runHistory(cmd.Context(), cfg, historySession, historyLimit, cmd.OutOrStdout())
	},
}

func init() {
	historyCmd.Flags().StringVarP(&historySession, "session", "s", "", "Show the turns of this session")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Maximum number of rows")
}

func runHistory(ctx context.Context, cfg config.Config, sessionID string, limit int, out io.Writer) error {
	if cfg.EventStore.RetentionMode == "ephemeral" {
		return fmt.Errorf("event store is ephemeral, nothing is recorded")
	}
	store, err := eventstore.Open(ctx, cfg.EventStore, discardLogger())
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	defer store.Close()

	if sessionID == "" {
		sessions, err := store.ListSessions(ctx, limit)
		if err != nil {
			return err
		}
		if len(sessions) == 0 {
			fmt.Fprintln(out, "no recorded turns")
			return nil
		}
		table := newTable(out, []string{"Session", "Turns", "Last Turn"})
		for _, s := range sessions {
			table.Append([]string{s.SessionID, fmt.Sprint(s.Turns), s.LastTurn.Local().Format(timeFormat)})
		}
		table.Render()
		return nil
	}

	turns, err := store.ListTurns(ctx, sessionID, limit)
	if err != nil {
		return err
	}
	if len(turns) == 0 {
		fmt.Fprintf(out, "no turns recorded for %s\n", sessionID)
		return nil
	}
	table := newTable(out, []string{"Started", "Source", "User", "Assistant", "Flags"})
	for _, t := range turns {
		table.Append([]string{
			t.StartedAt.Local().Format(timeFormat),
			string(t.Source),
			t.UserText,
			t.ReplyText,
			flags(t),
		})
	}
	table.Render()
	return nil
}

func newTable(out io.Writer, header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(out)
	table.SetHeader(header)
	table.SetBorder(false)
	table.SetCenterSeparator("|")
	table.SetColumnSeparator("|")
	table.SetRowSeparator("-")
	table.SetAutoWrapText(true)
	table.SetColWidth(48)
	table.SetAutoFormatHeaders(true)
	return table
}

func flags(t turn.Turn) string {
	var out []string
	if t.Interrupted {
		out = append(out, "interrupted")
	}
	if t.ProviderFailed {
		out = append(out, "fallback")
	}
	if t.SpeechError != "" {
		out = append(out, "speech-error")
	}
	return strings.Join(out, ",")
}
