// Package hub implements the coordinator's agent-facing core: the
// registry of authenticated WebSocket sessions, the per-connection
// session state machine, and the fan-out request coordinator that
// aggregates screenshot responses under a deadline.
package hub

import (
	"sync"
)

// sinkBufferSize is the capacity of each agent's outbound frame queue.
// Large enough to absorb short bursts; an agent that cannot drain it is
// skipped by broadcasts rather than blocking them.
const sinkBufferSize = 64

// OutboundFrame is one queued wire frame: a gorilla/websocket message
// type (text, pong, ...) and its payload.
type OutboundFrame struct {
	MessageType int
	Data        []byte
}

// Sink is an agent's outbound frame queue. The session's write pump is
// the sole consumer; broadcasts and the session's own read side are the
// producers. Enqueueing on a closed or full sink reports failure instead
// of panicking or blocking, so a dying session never stalls a broadcast.
type Sink struct {
	mu     sync.Mutex
	closed bool
	ch     chan OutboundFrame
}

// NewSink creates an open sink.
func NewSink() *Sink {
	return &Sink{ch: make(chan OutboundFrame, sinkBufferSize)}
}

// TrySend enqueues a frame without blocking. It reports false if the sink
// is closed or full; the caller treats that as "not enqueued" and the
// session itself discovers the dead connection.
func (s *Sink) TrySend(f OutboundFrame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	select {
	case s.ch <- f:
		return true
	default:
		return false
	}
}

// Close marks the sink closed and closes the frame channel, letting the
// write pump drain the remaining frames and exit. Idempotent.
func (s *Sink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Frames returns the consumer side of the queue. Frames arrive in enqueue
// order; the channel closes after Close once drained.
func (s *Sink) Frames() <-chan OutboundFrame {
	return s.ch
}
