package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/remoshot/remoshot/internal/auth"
	"github.com/remoshot/remoshot/internal/events"
	"github.com/remoshot/remoshot/internal/metrics"
	"github.com/remoshot/remoshot/internal/protocol"
)

const (
	// writeWait is the maximum time allowed to write a frame to an agent.
	writeWait = 10 * time.Second

	// pongWait is how long the server waits for any inbound traffic
	// (pong replies included) before declaring the connection dead.
	pongWait = 60 * time.Second

	// pingPeriod is how often the write pump sends a keepalive ping.
	// Must be less than pongWait so the agent has time to reply.
	pingPeriod = (pongWait * 9) / 10

	// maxFrameSize bounds inbound frames. Screenshot responses carry one
	// JPEG per monitor, so the limit is generous.
	maxFrameSize = 64 << 20
)

// upgrader performs the HTTP → WebSocket protocol upgrade.
// CheckOrigin always returns true -- agents are native processes, not
// browsers, and TLS termination plus the HMAC handshake carry the trust.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Hub owns the agent-facing WebSocket listener and runs one session per
// connection: challenge, verify, register, serve.
type Hub struct {
	registry    *Registry
	coordinator *Coordinator
	secret      string
	bus         *events.Bus
	log         *slog.Logger

	httpSrv *http.Server
}

// NewHub creates a Hub. secret is the coordinator-wide shared key agents
// authenticate against.
func NewHub(reg *Registry, coord *Coordinator, secret string, bus *events.Bus, log *slog.Logger) *Hub {
	return &Hub{
		registry:    reg,
		coordinator: coord,
		secret:      secret,
		bus:         bus,
		log:         log.With("component", "hub"),
	}
}

// Handler returns the agent-facing HTTP handler (the /ws endpoint).
// Exposed separately from ListenAndServe for tests.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", h.handleWS)
	return mux
}

// ListenAndServe binds the agent listener and serves until Shutdown.
// A bind failure is returned immediately and is fatal to the caller.
func (h *Hub) ListenAndServe(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	h.httpSrv = &http.Server{
		Handler:           h.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	h.log.Info("agent WebSocket server listening", "addr", lis.Addr().String())

	if err := h.httpSrv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and closes every live session's
// sink, which makes each write pump send a clean close frame and exit.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.registry.CloseAll()
	if h.httpSrv != nil {
		return h.httpSrv.Shutdown(ctx)
	}
	return nil
}

// handleWS upgrades the connection and runs the session to completion on
// the handler goroutine, the gorilla pattern: the read loop lives here,
// the write pump gets its own goroutine.
func (h *Hub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	h.serveAgent(conn)
}

// serveAgent drives one connection through the session state machine:
//
//	start ──send auth_challenge──▶ awaiting_auth
//	awaiting_auth ──valid auth_response──▶ registered
//	awaiting_auth ──invalid MAC / close──▶ closed  (never registered)
//	registered ──close / error──▶ closed           (unregistered)
func (h *Hub) serveAgent(conn *websocket.Conn) {
	clientID := h.registry.NextID()
	log := h.log.With("client_id", clientID, "remote_addr", conn.RemoteAddr().String())

	nonce, err := auth.NewNonce()
	if err != nil {
		log.Error("failed to generate nonce", "error", err)
		conn.Close()
		return
	}

	sink := NewSink()
	go h.writePump(conn, sink, log)
	// Closing the sink makes the write pump send a close frame, close the
	// connection, and exit. Runs on every path out of this function.
	defer sink.Close()

	challenge, err := protocol.AuthChallenge(nonce).Encode()
	if err != nil {
		log.Error("failed to encode auth challenge", "error", err)
		return
	}
	sink.TrySend(OutboundFrame{MessageType: websocket.TextMessage, Data: challenge})

	conn.SetReadLimit(maxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	// Pong replies go through the sink so the write pump stays the only
	// writer on the connection.
	conn.SetPingHandler(func(payload string) error {
		sink.TrySend(OutboundFrame{MessageType: websocket.PongMessage, Data: []byte(payload)})
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	name, ok := h.awaitAuth(conn, nonce, log)
	if !ok {
		return
	}

	h.registry.Register(clientID, name, sink)
	h.bus.Publish(events.SSEEvent{
		Type:      events.EventAgentConnected,
		AgentName: name,
		Timestamp: time.Now().UTC(),
	})

	defer func() {
		h.registry.Unregister(clientID)
		h.bus.Publish(events.SSEEvent{
			Type:      events.EventAgentDisconnected,
			AgentName: name,
			Timestamp: time.Now().UTC(),
		})
	}()

	h.readLoop(conn, name, log.With("name", name))
}

// awaitAuth reads frames until a valid auth_response arrives. An invalid
// MAC closes the connection without registering; other unexpected frames
// are logged and the wait continues. Connection loss exits silently.
func (h *Hub) awaitAuth(conn *websocket.Conn, nonce string, log *slog.Logger) (string, bool) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return "", false
		}

		if msgType != websocket.TextMessage {
			log.Warn("non-text frame during authentication, ignoring")
			continue
		}

		msg, err := protocol.DecodeClientText(data)
		if err != nil {
			log.Warn("undecodable frame during authentication", "error", err)
			continue
		}
		if msg.Type != protocol.TypeAuthResponse {
			log.Warn("expected auth_response", "got", string(msg.Type))
			continue
		}

		if !auth.VerifyMAC(h.secret, nonce, msg.HMAC) {
			metrics.AuthFailures.Inc()
			log.Warn("invalid authentication MAC, closing session", "name", msg.Name)
			h.bus.Publish(events.SSEEvent{
				Type:      events.EventAuthFailed,
				AgentName: msg.Name,
				Timestamp: time.Now().UTC(),
			})
			return "", false
		}
		return msg.Name, true
	}
}

// readLoop dispatches inbound frames for a registered session until the
// connection closes. Decode failures and frames in the wrong encoding are
// warnings, never session teardown.
func (h *Hub) readLoop(conn *websocket.Conn, name string, log *slog.Logger) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				log.Warn("session closed unexpectedly", "error", err)
			}
			return
		}

		switch msgType {
		case websocket.TextMessage:
			msg, err := protocol.DecodeClientText(data)
			if err != nil {
				log.Warn("invalid text frame", "error", err)
				continue
			}
			switch msg.Type {
			case protocol.TypeAuthResponse:
				log.Warn("duplicate auth_response, ignoring")
			case protocol.TypeScreenshotResponse:
				log.Warn("screenshot_response received as text frame, responses must be binary")
			}

		case websocket.BinaryMessage:
			msg, err := protocol.DecodeClientBinary(data)
			if err != nil {
				log.Warn("invalid binary frame", "error", err)
				continue
			}
			switch msg.Type {
			case protocol.TypeScreenshotResponse:
				h.coordinator.HandleScreenshots(msg.RequestID, name, msg.Screenshots)
			case protocol.TypeAuthResponse:
				log.Warn("auth_response received as binary frame, ignoring")
			}
		}
	}
}

// writePump is the sole writer on the connection. It drains the sink in
// FIFO order and sends keepalive pings. It exits when the sink closes
// (after draining) or a write fails, closing the connection either way.
func (h *Hub) writePump(conn *websocket.Conn, sink *Sink, log *slog.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case frame, ok := <-sink.Frames():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Sink closed -- say goodbye properly.
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteMessage(frame.MessageType, frame.Data); err != nil {
				log.Warn("write to agent failed", "error", err)
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
