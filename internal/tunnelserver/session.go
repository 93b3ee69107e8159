package tunnelserver

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/magnitudedev/bunnel/internal/logging"
	"github.com/magnitudedev/bunnel/internal/metrics"
	"github.com/magnitudedev/bunnel/internal/subdomain"
	"github.com/magnitudedev/bunnel/internal/wire"
	"github.com/magnitudedev/bunnel/pkg/auth"
)

// upgrader accepts every origin: the control channel is not a browser-facing
// API and has no cookie-based session to protect (spec.md Non-goals exclude
// agent authentication and CORS handling).
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// SessionHandler upgrades an agent's control connection and runs its
// lifecycle: fresh registration or grace-window reattach, the
// ConnectedNotice handshake, and the read loop that demultiplexes
// WireResponse frames into the PendingTable (spec §4.6 Agent Session).
type SessionHandler struct {
	registry  *Registry
	pending   *PendingTable
	allocator *subdomain.Allocator
	tokens    *auth.ReconnectTokens
	graceTTL  time.Duration
}

// NewSessionHandler wires the collaborators a session needs.
func NewSessionHandler(registry *Registry, pending *PendingTable, allocator *subdomain.Allocator, tokens *auth.ReconnectTokens, graceTTL time.Duration) *SessionHandler {
	return &SessionHandler{registry: registry, pending: pending, allocator: allocator, tokens: tokens, graceTTL: graceTTL}
}

// ServeHTTP implements the agent-facing upgrade endpoint; the Listener
// routes every upgrade on the root host here, whatever its path. A
// "reconnect" query parameter carrying a
// previously issued reconnect token attempts a reattach; its absence, or a
// token that fails verification, always falls back to a fresh subdomain
// (spec §4.3 tie-break, SPEC_FULL.md Open Question 1).
func (h *SessionHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Sugar().Warnw("agent session: ws upgrade failed", "error", err)
		return
	}

	tunnel, sub := h.establish(conn, r.URL.Query().Get("reconnect"))

	token, tokErr := h.tokens.Issue(sub)
	if tokErr != nil {
		logging.Sugar().Errorw("agent session: issue reconnect token", "error", tokErr, "subdomain", sub)
		token = ""
	}
	notice, err := wire.EncodeConnected(wire.NewConnectedNotice(sub, token))
	if err != nil {
		logging.Sugar().Errorw("agent session: encode connected notice", "error", err)
		h.registry.Reap(sub, metrics.ReapFatal)
		return
	}
	if err := tunnel.Send(websocket.TextMessage, notice); err != nil {
		logging.Sugar().Warnw("agent session: send connected notice", "error", err, "subdomain", sub)
		h.registry.Reap(sub, metrics.ReapFatal)
		return
	}

	h.readLoop(tunnel, conn, sub)
}

// establish either reattaches to a previously assigned, still-in-grace
// subdomain, or allocates a fresh one and registers it.
func (h *SessionHandler) establish(conn Conn, reconnectToken string) (*TunnelInfo, string) {
	if reconnectToken != "" {
		if sub, err := h.tokens.Verify(reconnectToken); err == nil {
			if tunnel, ok := h.registry.Reattach(sub, conn); ok {
				logging.Sugar().Infow("agent session: reattached", "subdomain", sub)
				return tunnel, sub
			}
		}
	}

	sub, err := h.allocator.Allocate(h.registry.Exists)
	if err != nil {
		// Allocation only fails after exhausting many collisions; falling
		// back to the fixed label "tunnel-fallback" keeps the session usable
		// rather than refusing the agent outright.
		sub = "tunnel-fallback"
		logging.Sugar().Errorw("agent session: subdomain allocation failed", "error", err)
	}
	tunnel := h.registry.Register(sub, conn)
	logging.Sugar().Infow("agent session: registered", "subdomain", sub)
	return tunnel, sub
}

// readLoop consumes WireResponse frames from the agent until the connection
// errors or closes, at which point the tunnel is marked offline to start
// its grace window (spec §4.6). It guards against acting on behalf of a
// connection that a concurrent reattach has already superseded.
func (h *SessionHandler) readLoop(tunnel *TunnelInfo, conn Conn, sub string) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if tunnel.boundControl() == conn {
				logging.Sugar().Infow("agent session: control channel closed", "subdomain", sub, "error", err)
				h.registry.MarkOffline(sub, h.graceTTL)
			}
			return
		}

		resp, err := wire.DecodeResponse(raw)
		if err != nil {
			logging.Sugar().Warnw("agent session: unparseable frame, reaping", "subdomain", sub, "error", err)
			h.registry.Reap(sub, metrics.ReapFatal)
			return
		}

		if !h.pending.Complete(resp) {
			logging.Sugar().Debugw("agent session: response for unknown or already-completed request", "subdomain", sub, "request_id", resp.ID)
		}
		metrics.PendingRequests.Set(float64(h.pending.Len()))
	}
}
