package hub

import (
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/remoshot/remoshot/internal/metrics"
)

// client is one authenticated agent session: the server-minted id, the
// agent-chosen display name, and the outbound frame sink.
//
// The name is not a primary key -- two concurrent connections may share
// one. The registry is keyed by id; the name only labels aggregation
// results.
type client struct {
	id   uint64
	name string
	sink *Sink
}

// Registry tracks currently connected, authenticated agents. All state is
// in-memory and intentionally non-persistent: agents reconnect and
// re-register after a coordinator restart.
type Registry struct {
	mu      sync.RWMutex
	clients map[uint64]*client
	log     *slog.Logger

	idMu   sync.Mutex
	nextID uint64
}

// NewRegistry creates an empty Registry.
func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		clients: make(map[uint64]*client),
		log:     log.With("component", "registry"),
	}
}

// NextID returns the next monotonic client id. Ids are unique for the
// coordinator process lifetime and are minted before authentication so
// session logs can be correlated from the first frame.
func (r *Registry) NextID() uint64 {
	r.idMu.Lock()
	defer r.idMu.Unlock()

	id := r.nextID
	r.nextID++
	return id
}

// Register inserts an authenticated agent. Ids are minted once per
// connection, so an existing entry under the same id would be a bug; it
// is overwritten and logged rather than crashed on.
func (r *Registry) Register(id uint64, name string, sink *Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.clients[id]; exists {
		r.log.Warn("replacing registry entry", "client_id", id, "name", name)
	}
	r.clients[id] = &client{id: id, name: name, sink: sink}

	metrics.ConnectedAgents.Set(float64(len(r.clients)))
	r.log.Info("agent registered",
		"client_id", id,
		"name", name,
		"total_connected", len(r.clients),
	)
}

// Unregister removes an agent by id. Idempotent -- the session's deferred
// cleanup and a coordinator shutdown may race here.
func (r *Registry) Unregister(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, exists := r.clients[id]
	if !exists {
		return
	}
	delete(r.clients, id)

	metrics.ConnectedAgents.Set(float64(len(r.clients)))
	r.log.Info("agent unregistered",
		"client_id", id,
		"name", c.name,
		"total_connected", len(r.clients),
	)
}

// Broadcast enqueues a text frame on every connected agent's sink and
// returns the number of successful enqueues. A failed enqueue means the
// sink is closed or full; the session detects its own death and
// unregisters -- broadcast never tears sessions down.
func (r *Registry) Broadcast(data []byte) int {
	r.mu.RLock()
	sinks := make([]*Sink, 0, len(r.clients))
	for _, c := range r.clients {
		sinks = append(sinks, c.sink)
	}
	r.mu.RUnlock()

	count := 0
	for _, s := range sinks {
		if s.TrySend(OutboundFrame{MessageType: websocket.TextMessage, Data: data}) {
			count++
		} else {
			metrics.BroadcastDrops.Inc()
		}
	}
	return count
}

// Names returns the deduplicated set of currently connected agent names.
// Used to guarantee every connected agent appears in a result map.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool, len(r.clients))
	names := make([]string, 0, len(r.clients))
	for _, c := range r.clients {
		if !seen[c.name] {
			seen[c.name] = true
			names = append(names, c.name)
		}
	}
	return names
}

// Count returns the number of connected agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// CloseAll closes every sink, prompting each session's write pump to send
// a close frame and exit. Called on coordinator shutdown.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	sinks := make([]*Sink, 0, len(r.clients))
	for _, c := range r.clients {
		sinks = append(sinks, c.sink)
	}
	r.mu.RUnlock()

	for _, s := range sinks {
		s.Close()
	}
}
