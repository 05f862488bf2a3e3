// Package bustest starts an in-process NATS server for tests.
package bustest

import (
	"io"
	"log/slog"
	"testing"

	"github.com/loqalabs/loqa-assistant/internal/bus"
	"github.com/loqalabs/loqa-assistant/internal/config"
	"github.com/loqalabs/loqa-assistant/internal/natsserver"
	"github.com/nats-io/nats.go"
)

// Logger discards everything.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// New returns a client connected to a fresh embedded server. Both are torn
// down when the test ends.
func New(t testing.TB) *bus.Client {
	t.Helper()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, Logger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	conn, err := nats.Connect(srv.ClientURL())
	if err != nil {
		srv.Shutdown()
		t.Fatalf("connect nats: %v", err)
	}
	client := bus.NewFromConn(conn, Logger())
	t.Cleanup(func() {
		conn.Close()
		srv.Shutdown()
	})
	return client
}
