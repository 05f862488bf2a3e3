package tts

import (
	"context"
	"fmt"

	"github.com/loqalabs/loqa-assistant/internal/config"
)

// SynthRequest contains parameters to synthesize speech.
type SynthRequest struct {
	SessionID string
	Text      string
	Voice     string
	Rate      float64
	Pitch     float64
	Volume    float64
}

// SynthChunk contains PCM data.
type SynthChunk struct {
	SessionID  string
	Sequence   int
	SampleRate int
	Channels   int
	PCM        []byte
	Final      bool
}

// Engine is the contract for producing audio.
type Engine interface {
	Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error)
}

// NewEngine builds the backend selected by cfg.Mode.
func NewEngine(cfg config.TTSConfig) (Engine, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockEngine(cfg.SampleRate, cfg.Channels), nil
	case "exec":
		return NewExecEngine(cfg.Command, cfg.SampleRate, cfg.Channels)
	default:
		return nil, fmt.Errorf("unsupported tts mode %q", cfg.Mode)
	}
}

// RequestFromConfig fills voice settings from cfg.
func RequestFromConfig(cfg config.TTSConfig, sessionID, text string) SynthRequest {
	return SynthRequest{
		SessionID: sessionID,
		Text:      text,
		Voice:     cfg.Voice,
		Rate:      cfg.Rate,
		Pitch:     cfg.Pitch,
		Volume:    cfg.Volume,
	}
}

// drain forwards every chunk to play and returns the first error reported by
// the engine, the sink, or ctx.
func drain(ctx context.Context, chunks <-chan SynthChunk, errs <-chan error, play func(SynthChunk) error) error {
	var first error
	sequence := 0
	for chunks != nil || errs != nil {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			if first != nil {
				continue
			}
			chunk.Sequence = sequence
			sequence++
			if err := play(chunk); err != nil {
				first = err
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil && first == nil {
				first = err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if first == nil {
		first = ctx.Err()
	}
	return first
}
