package stt

import (
	"bufio"
	"context"
	"io"
	"strings"
	"sync"

	"github.com/loqalabs/loqa-assistant/internal/turn"
)

// LineRecognizer treats every non-empty line read from r as a final
// fragment. End of input ends the current capture; later starts fail with an
// aborted error.
type LineRecognizer struct {
	once  sync.Once
	src   io.Reader
	lines chan string

	mu      sync.Mutex
	stop    chan struct{}
	pending []string
	closed  bool
}

func NewLineRecognizer(r io.Reader) *LineRecognizer {
	return &LineRecognizer{src: r, lines: make(chan string)}
}

func (l *LineRecognizer) Start(ctx context.Context, cb turn.RecognizerCallbacks) error {
	l.once.Do(func() { go l.read() })

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return turn.NewRecognizerError(turn.ErrorAborted, io.EOF)
	}
	if l.stop != nil {
		close(l.stop)
	}
	stop := make(chan struct{})
	l.stop = stop
	l.mu.Unlock()

	if cb.OnStart != nil {
		cb.OnStart()
	}
	go l.forward(ctx, stop, cb)
	return nil
}

func (l *LineRecognizer) Stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stop != nil {
		close(l.stop)
		l.stop = nil
	}
	return nil
}

func (l *LineRecognizer) read() {
	defer close(l.lines)
	scanner := bufio.NewScanner(l.src)
	for scanner.Scan() {
		l.lines <- scanner.Text()
	}
}

func (l *LineRecognizer) forward(ctx context.Context, stop chan struct{}, cb turn.RecognizerCallbacks) {
	l.mu.Lock()
	pending := l.pending
	l.pending = nil
	l.mu.Unlock()
	for _, text := range pending {
		if cb.OnFinal != nil {
			cb.OnFinal(text)
		}
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case line, ok := <-l.lines:
			if !ok {
				l.mu.Lock()
				l.closed = true
				if l.stop == stop {
					l.stop = nil
				}
				l.mu.Unlock()
				if cb.OnEnd != nil {
					cb.OnEnd()
				}
				return
			}
			text := strings.TrimSpace(line)
			if text == "" {
				continue
			}
			select {
			case <-stop:
				// Keep the line for the next capture.
				l.mu.Lock()
				l.pending = append(l.pending, text)
				l.mu.Unlock()
				return
			default:
			}
			if cb.OnFinal != nil {
				cb.OnFinal(text)
			}
		}
	}
}
