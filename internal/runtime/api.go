package runtime

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-assistant/internal/protocol"
	"github.com/loqalabs/loqa-assistant/internal/session"
	"github.com/loqalabs/loqa-assistant/internal/turn"
)

const (
	defaultTurnLimit = 50
	wsWriteTimeout   = 5 * time.Second
	wsPingInterval   = 30 * time.Second
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

type textRequest struct {
	Text string `json:"text"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Handler serves health, metrics and the session API.
func (r *Runtime) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", r.handleHealth)
	mux.HandleFunc("GET /readyz", r.handleReady)
	if r.metrics != nil {
		mux.Handle("GET /metrics", r.metrics)
	}
	mux.HandleFunc("GET /v1/nodes", r.handleNodes)
	if r.host != nil {
		mux.HandleFunc("GET /v1/sessions", r.handleSessions)
		mux.HandleFunc("GET /v1/sessions/{id}", r.handleSnapshot)
		mux.HandleFunc("DELETE /v1/sessions/{id}", r.handleRemove)
		mux.HandleFunc("POST /v1/sessions/{id}/start", r.sessionAction(r.host.Start))
		mux.HandleFunc("POST /v1/sessions/{id}/stop", r.sessionAction(r.host.Stop))
		mux.HandleFunc("POST /v1/sessions/{id}/restart", r.sessionAction(r.host.Restart))
		mux.HandleFunc("POST /v1/sessions/{id}/text", r.handleText)
		mux.HandleFunc("DELETE /v1/sessions/{id}/history", r.handleClearHistory)
		mux.HandleFunc("GET /v1/sessions/{id}/turns", r.handleTurns)
		mux.HandleFunc("GET /v1/sessions/{id}/events", r.handleEvents)
	}
	return mux
}

func (r *Runtime) handleNodes(w http.ResponseWriter, _ *http.Request) {
	if r.registry == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, r.registry.Query(nil))
}

func (r *Runtime) handleSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, r.host.Sessions())
}

func (r *Runtime) handleSnapshot(w http.ResponseWriter, req *http.Request) {
	snap, err := r.host.Snapshot(req.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (r *Runtime) handleRemove(w http.ResponseWriter, req *http.Request) {
	if err := r.host.Remove(req.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleClearHistory resets the conversation context of a live session.
// Recorded turns stay in the event store.
func (r *Runtime) handleClearHistory(w http.ResponseWriter, req *http.Request) {
	if err := r.host.ClearHistory(req.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Runtime) sessionAction(action func(string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		id := req.PathValue("id")
		if err := action(id); err != nil {
			writeError(w, err)
			return
		}
		r.writeSnapshot(w, id)
	}
}

func (r *Runtime) handleText(w http.ResponseWriter, req *http.Request) {
	var body textRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, 64<<10)).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid body: " + err.Error()})
		return
	}
	id := req.PathValue("id")
	if err := r.host.SubmitText(id, body.Text); err != nil {
		writeError(w, err)
		return
	}
	r.writeSnapshot(w, id)
}

func (r *Runtime) writeSnapshot(w http.ResponseWriter, id string) {
	snap, err := r.host.Snapshot(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, snap)
}

func (r *Runtime) handleTurns(w http.ResponseWriter, req *http.Request) {
	limit := defaultTurnLimit
	if raw := req.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid limit"})
			return
		}
		limit = n
	}
	turns, err := r.store.ListTurns(req.Context(), req.PathValue("id"), limit)
	if err != nil {
		r.logger.Error("list turns failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "list turns failed"})
		return
	}
	if turns == nil {
		turns = []turn.Turn{}
	}
	writeJSON(w, http.StatusOK, turns)
}

// handleEvents streams session events over a WebSocket. Text frames from the
// client are decoded as session commands for the same session.
func (r *Runtime) handleEvents(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	conn, err := wsUpgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer func() { _ = conn.Close() }()

	events, unsubscribe := r.host.Subscribe(id)
	defer unsubscribe()

	if snap, err := r.host.Snapshot(id); err == nil {
		_ = writeWS(conn, protocol.SessionEvent{
			Type:      protocol.SessionEventState,
			SessionID: id,
			State:     snap.State.String(),
			Timestamp: time.Now().UTC(),
		})
	}

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if mt != websocket.TextMessage {
				continue
			}
			var cmd protocol.SessionCommand
			if json.Unmarshal(data, &cmd) != nil {
				continue
			}
			cmd.SessionID = id
			if _, err := r.host.Execute(cmd); err != nil {
				r.logger.Debug("websocket command failed", slog.String("session_id", id), slog.String("error", err.Error()))
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case ev, ok := <-events:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(wsWriteTimeout))
				return
			}
			if err := writeWS(conn, ev); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		}
	}
}

// writeWS is only called from the handler goroutine; gorilla connections
// allow a single concurrent writer.
func writeWS(conn *websocket.Conn, v any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrUnknownSession):
		status = http.StatusNotFound
	case errors.Is(err, session.ErrInvalidID), errors.Is(err, turn.ErrEmptyText):
		status = http.StatusBadRequest
	case errors.Is(err, session.ErrTooManySessions):
		status = http.StatusTooManyRequests
	case errors.Is(err, session.ErrHostClosed), errors.Is(err, turn.ErrClosed):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}
