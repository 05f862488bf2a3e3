package turn

import (
	"sync"
	"time"
)

type queuedEvent struct {
	event    event
	queuedAt time.Time
}

// mailbox is an unbounded FIFO. Capability callbacks may post from inside a
// Start or Speak call made by the loop itself, so posting never blocks.
type mailbox struct {
	mu     sync.Mutex
	items  []queuedEvent
	ready  chan struct{}
	closed bool
}

func newMailbox() *mailbox {
	return &mailbox{ready: make(chan struct{}, 1)}
}

func (m *mailbox) post(e event) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.items = append(m.items, queuedEvent{event: e, queuedAt: time.Now()})
	m.mu.Unlock()

	select {
	case m.ready <- struct{}{}:
	default:
	}
	return true
}

// take removes and returns everything queued so far, in arrival order.
func (m *mailbox) take() []queuedEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.items
	m.items = nil
	return items
}

func (m *mailbox) close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}
