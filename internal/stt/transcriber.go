package stt

import (
	"context"
	"fmt"

	"github.com/loqalabs/loqa-assistant/internal/config"
)

// TranscriptResult captures transcriber output.
type TranscriptResult struct {
	Text       string
	Confidence float64
}

// Transcriber abstracts STT backends that turn buffered PCM into text.
type Transcriber interface {
	Transcribe(ctx context.Context, pcm []byte, sampleRate int, channels int, final bool) (TranscriptResult, error)
}

// NewTranscriber builds the backend selected by cfg.Mode.
func NewTranscriber(cfg config.STTConfig) (Transcriber, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockTranscriber(), nil
	case "exec":
		return NewExecTranscriber(cfg)
	default:
		return nil, fmt.Errorf("unsupported stt mode %q", cfg.Mode)
	}
}

type mockTranscriber struct{}

func NewMockTranscriber() Transcriber {
	return &mockTranscriber{}
}

func (m *mockTranscriber) Transcribe(_ context.Context, pcm []byte, _ int, _ int, final bool) (TranscriptResult, error) {
	mode := "partial"
	if final {
		mode = "final"
	}
	return TranscriptResult{
		Text:       fmt.Sprintf("[%s transcript length=%d]", mode, len(pcm)),
		Confidence: 0,
	}, nil
}
