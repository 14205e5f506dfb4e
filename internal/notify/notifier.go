// Package notify delivers coordinator events to external systems.
package notify

import (
	"context"
	"sync"
	"time"
)

// EventType identifies what happened.
type EventType string

const (
	EventAgentConnected      EventType = "agent_connected"
	EventAgentDisconnected   EventType = "agent_disconnected"
	EventAuthFailed          EventType = "auth_failed"
	EventScreenshotCompleted EventType = "screenshot_completed"
)

// Event represents a notification event.
type Event struct {
	Type      EventType `json:"type"`
	AgentName string    `json:"agent_name,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	Images    []string  `json:"images,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Notifier sends events to an external system.
type Notifier interface {
	Send(ctx context.Context, event Event) error
	Name() string
}

// Logger is a minimal logging interface to avoid importing the logging package.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Multi fans out events to multiple notifiers.
// It never returns errors — failures are logged but don't block requests.
type Multi struct {
	mu        sync.RWMutex
	notifiers []Notifier
	log       Logger
}

// NewMulti creates a dispatcher from the given notifiers.
func NewMulti(log Logger, notifiers ...Notifier) *Multi {
	return &Multi{notifiers: notifiers, log: log}
}

// Notify sends an event to all registered notifiers.
// Returns true if at least one notifier succeeded (or none are configured).
// Errors are logged but never propagated — notifications must not block
// screenshot serving.
func (m *Multi) Notify(ctx context.Context, event Event) bool {
	m.mu.RLock()
	notifiers := m.notifiers
	m.mu.RUnlock()

	if len(notifiers) == 0 {
		return true
	}

	anyOK := false
	for _, n := range notifiers {
		if err := n.Send(ctx, event); err != nil {
			m.log.Error("notification failed",
				"provider", n.Name(),
				"event", string(event.Type),
				"agent", event.AgentName,
				"error", err.Error(),
			)
		} else {
			anyOK = true
		}
	}
	return anyOK
}

// Reconfigure replaces the notifier chain at runtime.
func (m *Multi) Reconfigure(notifiers ...Notifier) {
	m.mu.Lock()
	m.notifiers = notifiers
	m.mu.Unlock()
}
