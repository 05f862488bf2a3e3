package turn

import (
	"sync"
	"time"
)

// Source tells how the user text of a turn was captured.
type Source string

const (
	SourceVoice Source = "voice"
	SourceText  Source = "text"
)

// Turn is one user-input and assistant-reply exchange. It is handed to
// observers by value and never changes after completion.
type Turn struct {
	ID             string    `json:"id"`
	UserText       string    `json:"user_text"`
	ReplyText      string    `json:"reply_text"`
	Source         Source    `json:"source"`
	StartedAt      time.Time `json:"started_at"`
	EndedAt        time.Time `json:"ended_at"`
	ProviderFailed bool      `json:"provider_failed,omitempty"`
	SpeechError    string    `json:"speech_error,omitempty"`
	Interrupted    bool      `json:"interrupted,omitempty"`
}

// History is the log of completed turns. A limit of zero keeps every turn.
type History struct {
	mu    sync.RWMutex
	limit int
	turns []Turn
}

func NewHistory(limit int) *History {
	if limit < 0 {
		limit = 0
	}
	return &History{limit: limit}
}

func (h *History) Append(t Turn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.turns = append(h.turns, t)
	h.trimLocked()
}

// SetLimit changes the bound and drops the oldest turns when needed.
func (h *History) SetLimit(limit int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if limit < 0 {
		limit = 0
	}
	h.limit = limit
	h.trimLocked()
}

func (h *History) trimLocked() {
	if h.limit > 0 && len(h.turns) > h.limit {
		drop := len(h.turns) - h.limit
		h.turns = append(h.turns[:0:0], h.turns[drop:]...)
	}
}

// Turns returns a copy, oldest first.
func (h *History) Turns() []Turn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Turn, len(h.turns))
	copy(out, h.turns)
	return out
}

func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.turns)
}

func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.turns = nil
}
