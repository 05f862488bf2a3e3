package eventstore

import (
	"context"
	"time"

	"github.com/loqalabs/loqa-assistant/internal/turn"
)

// Fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// SessionSummary describes a session with recorded turns.
type SessionSummary struct {
	SessionID string
	Turns     int
	LastTurn  time.Time
}

// AppendTurn records a completed turn. The session row must exist.
func (s *Store) AppendTurn(ctx context.Context, sessionID string, t turn.Turn) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO turns(turn_id, session_id, user_text, reply_text, source, provider_failed, speech_error, interrupted, started_at, ended_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(turn_id) DO NOTHING`,
		t.ID, sessionID, t.UserText, t.ReplyText, string(t.Source), t.ProviderFailed, t.SpeechError, t.Interrupted,
		formatTime(t.StartedAt), formatTime(t.EndedAt))
	return err
}

// ListTurns returns the newest limit turns of a session, oldest first.
func (s *Store) ListTurns(ctx context.Context, sessionID string, limit int) ([]turn.Turn, error) {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT turn_id, user_text, reply_text, source, provider_failed, speech_error, interrupted, started_at, ended_at
		 FROM (SELECT * FROM turns WHERE session_id = ? ORDER BY ended_at DESC LIMIT ?)
		 ORDER BY ended_at ASC`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var turns []turn.Turn
	for rows.Next() {
		var (
			t               turn.Turn
			source          string
			started, ended  string
			failed, stopped bool
		)
		if err := rows.Scan(&t.ID, &t.UserText, &t.ReplyText, &source, &failed, &t.SpeechError, &stopped, &started, &ended); err != nil {
			return nil, err
		}
		t.Source = turn.Source(source)
		t.ProviderFailed = failed
		t.Interrupted = stopped
		t.StartedAt = parseTime(started)
		t.EndedAt = parseTime(ended)
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// ListSessions returns sessions that recorded turns, most recent first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]SessionSummary, error) {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, COUNT(*), MAX(ended_at) FROM turns
		 GROUP BY session_id ORDER BY MAX(ended_at) DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionSummary
	for rows.Next() {
		var (
			summary SessionSummary
			last    string
		)
		if err := rows.Scan(&summary.SessionID, &summary.Turns, &last); err != nil {
			return nil, err
		}
		summary.LastTurn = parseTime(last)
		out = append(out, summary)
	}
	return out, rows.Err()
}
