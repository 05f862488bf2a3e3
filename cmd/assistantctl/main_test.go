package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-assistant/internal/config"
)

func testConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.EventStore.Path = filepath.Join(t.TempDir(), "events.db")
	return cfg
}

func TestChatAnswersEachLineAndRecords(t *testing.T) {
	cfg := testConfig(t)
	var out bytes.Buffer
	opts := chatOptions{sessionID: "terminal", silence: 20 * time.Millisecond, record: true}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := runChat(ctx, cfg, opts, strings.NewReader("bom dia\n"), &out); err != nil {
		t.Fatalf("chat: %v", err)
	}
	if ctx.Err() != nil {
		t.Fatal("chat did not end at end of input")
	}
	if !strings.Contains(out.String(), "mock completion for bom dia") {
		t.Fatalf("reply not printed, got %q", out.String())
	}

	var table bytes.Buffer
	if err := runHistory(context.Background(), cfg, "terminal", 10, &table); err != nil {
		t.Fatalf("history: %v", err)
	}
	if !strings.Contains(table.String(), "bom dia") || !strings.Contains(table.String(), "voice") {
		t.Fatalf("expected the recorded turn, got:\n%s", table.String())
	}

	table.Reset()
	if err := runHistory(context.Background(), cfg, "", 10, &table); err != nil {
		t.Fatalf("history sessions: %v", err)
	}
	if !strings.Contains(table.String(), "terminal") {
		t.Fatalf("expected session listing, got:\n%s", table.String())
	}
}

func TestHistoryRejectsEphemeralStore(t *testing.T) {
	cfg := testConfig(t)
	cfg.EventStore.RetentionMode = "ephemeral"
	if err := runHistory(context.Background(), cfg, "", 10, &bytes.Buffer{}); err == nil {
		t.Fatal("expected an error for an ephemeral store")
	}
}

func TestVersionAndValidateCommands(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version", "--env", filepath.Join(t.TempDir(), "missing.env")})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("version: %v", err)
	}
	if strings.TrimSpace(out.String()) != version {
		t.Fatalf("unexpected version output %q", out.String())
	}

	out.Reset()
	rootCmd.SetArgs([]string{"validate", "--env", filepath.Join(t.TempDir(), "missing.env")})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(out.String(), "configuration valid") {
		t.Fatalf("unexpected validate output %q", out.String())
	}
}
