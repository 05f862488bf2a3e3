package protocol

import (
	"time"

	"github.com/loqalabs/loqa-assistant/internal/turn"
)

// AudioFrame represents PCM audio data streamed from edge devices.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// Transcript represents STT output broadcast on the bus.
type Transcript struct {
	SessionID  string    `json:"session_id"`
	Text       string    `json:"text"`
	Partial    bool      `json:"partial"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence,omitempty"`
}

const (
	STTActionStart = "start"
	STTActionStop  = "stop"
)

// STTControl opens or closes capture for a session.
type STTControl struct {
	SessionID string `json:"session_id"`
	Action    string `json:"action"`
}

// STTError reports a recognition failure. Code is one of the recognizer
// error kinds (no-speech, aborted, network, not-allowed, audio-capture).
type STTError struct {
	SessionID string    `json:"session_id"`
	Code      string    `json:"code"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ChatMessage is one labelled entry of the conversation sent to the LLM.
type ChatMessage struct {
	Role    string `json:"role"` // user, assistant
	Content string `json:"content"`
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// LLMRequest asks the LLM worker for a reply.
type LLMRequest struct {
	RequestID   string        `json:"request_id"`
	SessionID   string        `json:"session_id"`
	Prompt      string        `json:"prompt"`
	System      string        `json:"system,omitempty"`
	History     []ChatMessage `json:"history,omitempty"`
	Locale      string        `json:"locale,omitempty"`
	Tier        string        `json:"tier,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
}

// LLMResponse carries a partial chunk or the aggregated final reply.
type LLMResponse struct {
	RequestID        string    `json:"request_id"`
	SessionID        string    `json:"session_id"`
	Content          string    `json:"content"`
	Partial          bool      `json:"partial"`
	Error            string    `json:"error,omitempty"`
	PromptTokens     int       `json:"prompt_tokens,omitempty"`
	CompletionTokens int       `json:"completion_tokens,omitempty"`
	LatencyMS        int64     `json:"latency_ms,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// TTSRequest asks the TTS worker to speak Text.
type TTSRequest struct {
	RequestID string  `json:"request_id"`
	SessionID string  `json:"session_id"`
	Text      string  `json:"text"`
	Voice     string  `json:"voice,omitempty"`
	Rate      float64 `json:"rate,omitempty"`
	Pitch     float64 `json:"pitch,omitempty"`
	Volume    float64 `json:"volume,omitempty"`
	Target    string  `json:"target,omitempty"`
}

// AudioChunk is synthesized PCM streamed to playback devices.
type AudioChunk struct {
	RequestID  string `json:"request_id"`
	SessionID  string `json:"session_id"`
	Target     string `json:"target,omitempty"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

const (
	TTSStateStarted   = "started"
	TTSStateCompleted = "completed"
	TTSStateCancelled = "cancelled"
	TTSStateFailed    = "failed"
)

// TTSStatus reports the lifecycle of one TTS request.
type TTSStatus struct {
	RequestID string    `json:"request_id"`
	SessionID string    `json:"session_id"`
	Target    string    `json:"target,omitempty"`
	State     string    `json:"state"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// TTSCancel aborts a TTS request. An empty RequestID cancels every request of
// the session.
type TTSCancel struct {
	RequestID string `json:"request_id,omitempty"`
	SessionID string `json:"session_id"`
}

const (
	SessionActionStart   = "start"
	SessionActionStop    = "stop"
	SessionActionRestart = "restart"
	SessionActionText    = "text"
	SessionActionClear   = "clear"
)

// SessionCommand drives a session's coordinator over the bus.
type SessionCommand struct {
	SessionID string `json:"session_id"`
	Action    string `json:"action"`
	Text      string `json:"text,omitempty"`
}

// SessionReply answers a SessionCommand sent as a request.
type SessionReply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	State string `json:"state,omitempty"`
}

const (
	SessionEventState      = "state"
	SessionEventTurn       = "turn"
	SessionEventError      = "error"
	SessionEventTranscript = "transcript"
)

// SessionEvent is published for every observable change of a session.
type SessionEvent struct {
	Type      string     `json:"type"`
	SessionID string     `json:"session_id"`
	State     string     `json:"state,omitempty"`
	Turn      *turn.Turn `json:"turn,omitempty"`
	ErrorKind string     `json:"error_kind,omitempty"`
	Category  string     `json:"category,omitempty"`
	Message   string     `json:"message,omitempty"`
	Text      string     `json:"text,omitempty"`
	Final     bool       `json:"final,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

const (
	SubjectAudioFramePrefix  = "audio.frame"
	SubjectTranscriptPartial = "stt.text.partial"
	SubjectTranscriptFinal   = "stt.text.final"
	SubjectSTTControl        = "stt.control"
	SubjectSTTError          = "stt.error"
	SubjectLLMRequest        = "llm.request"
	SubjectLLMPartial        = "llm.response.partial"
	SubjectLLMFinal          = "llm.response.final"
	SubjectTTSRequest        = "tts.request"
	SubjectTTSAudio          = "tts.audio"
	SubjectTTSStatus         = "tts.status"
	SubjectTTSCancel         = "tts.cancel"
	SubjectSessionCommand    = "session.command"
	SubjectSessionEvent      = "session.event"
)

// AudioFrameSubject is the subject audio frames of a session are published on.
func AudioFrameSubject(sessionID string) string {
	return SubjectAudioFramePrefix + "." + sessionID
}
