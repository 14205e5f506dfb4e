package hub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/remoshot/remoshot/internal/clock"
	"github.com/remoshot/remoshot/internal/events"
	"github.com/remoshot/remoshot/internal/metrics"
	"github.com/remoshot/remoshot/internal/protocol"
	"github.com/remoshot/remoshot/internal/store"
)

// pendingRequest is the aggregation barrier for one fan-out. expected is
// frozen at broadcast time; received grows (or is overwritten, for
// duplicate agent names) as deliveries arrive. notify is the one-shot
// completion signal: taken (nilled) under mu before firing, so it can
// fire at most once.
type pendingRequest struct {
	mu       sync.Mutex
	expected int
	received map[string][]string
	notify   chan map[string][]string
}

// snapshot returns a copy of received, safe to use after the lock drops.
func (p *pendingRequest) snapshot() map[string][]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return cloneResult(p.received)
}

func cloneResult(m map[string][]string) map[string][]string {
	out := make(map[string][]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Coordinator runs screenshot fan-outs: it broadcasts a request to every
// connected agent, persists the images each one returns, and aggregates
// per-agent URL lists until the expected count is reached or the deadline
// fires. Timeouts are not errors -- callers get whatever arrived in time.
type Coordinator struct {
	registry *Registry
	store    *store.Store
	bus      *events.Bus
	clock    clock.Clock
	timeout  time.Duration
	log      *slog.Logger

	mu      sync.RWMutex
	pending map[string]*pendingRequest
}

// NewCoordinator creates a Coordinator. timeout is the per-request
// deadline (10s in production); it is fixed once a dispatch starts.
func NewCoordinator(reg *Registry, st *store.Store, bus *events.Bus, timeout time.Duration, clk clock.Clock, log *slog.Logger) *Coordinator {
	return &Coordinator{
		registry: reg,
		store:    st,
		bus:      bus,
		clock:    clk,
		timeout:  timeout,
		log:      log.With("component", "coordinator"),
		pending:  make(map[string]*pendingRequest),
	}
}

// Dispatch broadcasts a screenshot request to every connected agent and
// blocks until all of them respond, the deadline fires, or ctx is
// cancelled (caller went away). The result maps agent name to image URLs;
// every agent connected at return time is present, with an empty list if
// it did not answer. With no agents connected it returns an empty map
// immediately without installing a pending entry.
func (c *Coordinator) Dispatch(ctx context.Context) map[string][]string {
	start := c.clock.Now()
	requestID := uuid.NewString()
	log := c.log.With("request_id", requestID)

	frame, err := protocol.ScreenshotRequest(requestID).Encode()
	if err != nil {
		log.Error("failed to encode screenshot request", "error", err)
		return map[string][]string{}
	}

	expected := c.registry.Broadcast(frame)
	log.Info("broadcast screenshot request", "expected", expected)

	if expected == 0 {
		metrics.RequestsTotal.WithLabelValues("empty").Inc()
		return map[string][]string{}
	}

	c.bus.Publish(events.SSEEvent{
		Type:      events.EventRequestStarted,
		RequestID: requestID,
		Timestamp: c.clock.Now().UTC(),
	})

	pr := &pendingRequest{
		expected: expected,
		received: make(map[string][]string),
		// Buffered so the firing deliver never blocks on a caller that
		// already gave up.
		notify: make(chan map[string][]string, 1),
	}

	c.mu.Lock()
	c.pending[requestID] = pr
	c.mu.Unlock()

	// The entry is removed whatever happens; late responses then miss
	// the lookup in Deliver and are dropped.
	defer func() {
		c.mu.Lock()
		delete(c.pending, requestID)
		c.mu.Unlock()
	}()

	var result map[string][]string
	outcome := "complete"
	select {
	case result = <-pr.notify:
		log.Info("all expected responses received", "expected", expected)
	case <-c.clock.After(c.timeout):
		outcome = "timeout"
		result = pr.snapshot()
		log.Warn("deadline reached with partial responses",
			"received", len(result), "expected", expected)
	case <-ctx.Done():
		outcome = "cancelled"
		result = pr.snapshot()
		log.Info("caller cancelled the request", "received", len(result))
	}

	// Every currently connected agent shows up in the result, even if it
	// never answered. Callers distinguish "not connected" (absent key)
	// from "connected but silent" (empty list).
	for _, name := range c.registry.Names() {
		if _, ok := result[name]; !ok {
			result[name] = []string{}
		}
	}

	metrics.RequestsTotal.WithLabelValues(outcome).Inc()
	metrics.RequestDuration.Observe(c.clock.Since(start).Seconds())

	c.bus.Publish(events.SSEEvent{
		Type:      events.EventRequestCompleted,
		RequestID: requestID,
		Message:   outcome,
		Timestamp: c.clock.Now().UTC(),
	})
	return result
}

// Deliver records one agent's URL list for a pending request. Responses
// for unknown request ids (late, after cleanup) are dropped silently.
// Duplicate deliveries under one agent name overwrite -- last writer
// wins, and the received count never exceeds expected.
func (c *Coordinator) Deliver(requestID, agentName string, urls []string) {
	c.mu.RLock()
	pr := c.pending[requestID]
	c.mu.RUnlock()

	if pr == nil {
		c.log.Debug("dropping response for unknown request",
			"request_id", requestID, "name", agentName)
		return
	}

	pr.mu.Lock()
	defer pr.mu.Unlock()

	pr.received[agentName] = urls
	if len(pr.received) >= pr.expected && pr.notify != nil {
		notify := pr.notify
		pr.notify = nil // take: the barrier fires exactly once
		notify <- cloneResult(pr.received)
	}
}

// HandleScreenshots persists one agent's screenshot payload and delivers
// the resulting URL list to the pending request. A failed image write is
// logged and skipped; the remaining images still count.
func (c *Coordinator) HandleScreenshots(requestID, agentName string, shots []protocol.Screenshot) {
	metrics.ScreenshotsReceived.Inc()
	c.log.Info("screenshot response received",
		"request_id", requestID, "name", agentName, "images", len(shots))

	urls := make([]string, 0, len(shots))
	for _, shot := range shots {
		_, url, err := c.store.Write(requestID, agentName, shot.Monitor, shot.Data)
		if err != nil {
			metrics.ImageWriteErrors.Inc()
			c.log.Warn("failed to store image",
				"request_id", requestID, "name", agentName,
				"monitor", shot.Monitor, "error", err)
			continue
		}
		metrics.ImagesStored.Inc()
		c.bus.Publish(events.SSEEvent{
			Type:      events.EventImageStored,
			AgentName: agentName,
			RequestID: requestID,
			Message:   url,
			Timestamp: c.clock.Now().UTC(),
		})
		urls = append(urls, url)
	}

	c.Deliver(requestID, agentName, urls)
}

// PendingCount reports the number of in-flight fan-outs. Health endpoint
// and tests only.
func (c *Coordinator) PendingCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.pending)
}
