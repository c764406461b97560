package session

import (
	"strings"
	"sync"
)

// steeringCap bounds queued guidance; pushes beyond it are rejected so a
// runaway client cannot grow the transcript unboundedly mid-run.
const steeringCap = 16

// Steering queues user messages that arrive while a run is active. The
// loop drains the queue at each turn boundary and injects the messages
// as ordinary user turns.
type Steering struct {
	mu    sync.Mutex
	queue []string
}

// Push enqueues one guidance message. It reports false for empty text
// or a full queue.
func (s *Steering) Push(text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) >= steeringCap {
		return false
	}
	s.queue = append(s.queue, text)
	return true
}

// Drain returns and clears the queued messages in arrival order.
func (s *Steering) Drain() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.queue
	s.queue = nil
	return out
}

// Len reports how many messages are waiting.
func (s *Steering) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}
