package tunnelserver

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/magnitudedev/bunnel/internal/logging"
	"github.com/magnitudedev/bunnel/internal/metrics"
	"github.com/magnitudedev/bunnel/internal/tracing"
	"github.com/magnitudedev/bunnel/internal/util"
	"github.com/magnitudedev/bunnel/internal/wire"
)

var errBodyTooLarge = errors.New("tunnelserver: request body exceeds configured maximum")

// hopByHopHeaders is the classic RFC 7230 §6.1 set stripped from an inbound
// request's headers before a WireRequest is built (SPEC_FULL.md Open
// Question 3). Response headers coming back from the agent are not
// filtered.
var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"TE", "Trailer", "Transfer-Encoding", "Upgrade",
}

// hostKind discriminates how the Tunnel Listener should treat an incoming
// request's Host header (spec §4.5).
type hostKind int

const (
	hostRoot hostKind = iota
	hostSubdomain
	hostUnknown
)

// classifyHost implements the routing-priority host matching spec §4.5
// describes: a bare root host (or any single-label host, covering local
// development against "localhost") is the control endpoint; exactly one
// label in front of the configured root is a tunneled subdomain; anything
// else is unrecognised.
func classifyHost(host, root string) (hostKind, string) {
	host = strings.ToLower(stripPort(host))
	root = strings.ToLower(root)

	if host == root {
		return hostRoot, ""
	}
	if !strings.Contains(host, ".") {
		return hostRoot, ""
	}
	suffix := "." + root
	if strings.HasSuffix(host, suffix) {
		label := strings.TrimSuffix(host, suffix)
		if label != "" && !strings.Contains(label, ".") {
			return hostSubdomain, label
		}
	}
	return hostUnknown, ""
}

func stripPort(host string) string {
	if i := strings.LastIndex(host, ":"); i != -1 {
		// Guard against bare IPv6 literals without a port, which contain
		// colons but no trailing port segment worth stripping.
		if strings.Count(host, ":") == 1 {
			return host[:i]
		}
	}
	return host
}

func isWebsocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// Listener is the single HTTP front door described in spec §4.5: it
// multiplexes the health probe, the agent control upgrade, secondary
// client-channel upgrades, and tunneled HTTP requests behind one handler.
type Listener struct {
	cfg      *Config
	registry *Registry
	pending  *PendingTable
	session  *SessionHandler
}

// NewListener assembles a Listener from its collaborators.
func NewListener(cfg *Config, registry *Registry, pending *PendingTable, session *SessionHandler) *Listener {
	return &Listener{cfg: cfg, registry: registry, pending: pending, session: session}
}

func (l *Listener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	kind, sub := classifyHost(r.Host, l.cfg.RootHost)

	if isWebsocketUpgrade(r) {
		l.handleUpgrade(w, r, kind, sub)
		return
	}

	if kind == hostRoot && r.Method == http.MethodGet && r.URL.Path == "/" {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("Tunnel server is running"))
		return
	}

	if kind != hostSubdomain {
		http.Error(w, "Tunnel not found", http.StatusNotFound)
		return
	}
	l.handleTunneled(w, r, sub)
}

func (l *Listener) handleUpgrade(w http.ResponseWriter, r *http.Request, kind hostKind, sub string) {
	if kind == hostRoot {
		l.session.ServeHTTP(w, r)
		return
	}
	if kind == hostSubdomain {
		tunnel, ok := l.registry.Lookup(sub)
		if !ok {
			http.Error(w, "Tunnel not found", http.StatusNotFound)
			return
		}
		l.handleSecondaryChannel(w, r, tunnel)
		return
	}
	http.Error(w, "Malformed tunnel host", http.StatusBadRequest)
}

// handleSecondaryChannel implements SPEC_FULL.md's resolution of Open
// Question 2: accept the upgrade, register it, and relay every frame read
// from the client channel opaquely to the bound control channel. The server
// never parses these frames as WireRequest/WireResponse. Nothing is relayed
// from the control channel back to client channels.
func (l *Listener) handleSecondaryChannel(w http.ResponseWriter, r *http.Request, tunnel *TunnelInfo) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Sugar().Warnw("secondary channel: ws upgrade failed", "error", err)
		return
	}
	tunnel.AddClientChannel(conn)
	defer func() {
		tunnel.RemoveClientChannel(conn)
		_ = conn.Close()
	}()

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if sendErr := tunnel.Send(mt, data); sendErr != nil {
			l.registry.Reap(tunnel.Subdomain, metrics.ReapFatal)
			return
		}
	}
}

// handleTunneled implements spec §4.5 step 3: materialise the request,
// hand it to the pending table and the agent's control channel, and
// translate whatever eventually completes it into an HTTP response.
func (l *Listener) handleTunneled(w http.ResponseWriter, r *http.Request, sub string) {
	tunnel, ok := l.registry.Lookup(sub)
	if !ok {
		metrics.RequestsTotal.WithLabelValues(metrics.OutcomeNoSuch).Inc()
		http.Error(w, "Tunnel not found", http.StatusNotFound)
		return
	}

	body, err := readLimitedBody(r, l.cfg.MaxBodyBytes)
	if errors.Is(err, errBodyTooLarge) {
		http.Error(w, "Request body too large", http.StatusRequestEntityTooLarge)
		return
	}
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	reqID := util.MustNewRequestID()
	headers := flattenHeaders(r.Header)

	_, span := tracing.StartRequestSpan(r.Context(), r.Method, r.URL.RequestURI(), headers)
	defer span.End()

	wireReq := wire.Request{
		ID:      reqID,
		Method:  r.Method,
		Path:    r.URL.RequestURI(),
		Headers: headers,
		Body:    body,
	}
	raw, err := wire.EncodeRequest(wireReq)
	if err != nil {
		metrics.RequestsTotal.WithLabelValues(metrics.OutcomeLost).Inc()
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	start := time.Now()
	respCh := l.pending.Put(reqID, sub, l.cfg.RequestTimeout, wire.Response{
		ID: reqID, Status: http.StatusGatewayTimeout, Body: "Request timeout",
	})
	metrics.PendingRequests.Set(float64(l.pending.Len()))

	if err := tunnel.Send(websocket.TextMessage, raw); err != nil {
		l.pending.Complete(wire.Response{ID: reqID, Status: http.StatusBadGateway, Body: "Tunnel connection lost"})
		l.registry.Reap(sub, metrics.ReapFatal)
	}

	resp := <-respCh
	l.registry.Touch(sub)
	metrics.RequestDuration.Observe(time.Since(start).Seconds())
	tracing.EndWithStatus(span, resp.Status)
	metrics.RequestsTotal.WithLabelValues(outcomeFor(resp.Status)).Inc()

	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(resp.Status)
	_, _ = io.WriteString(w, resp.Body)
}

func outcomeFor(status int) string {
	switch status {
	case http.StatusGatewayTimeout:
		return metrics.OutcomeTimeout
	case http.StatusBadGateway:
		return metrics.OutcomeLost
	default:
		return metrics.OutcomeOK
	}
}

// readLimitedBody materialises r's body up to max bytes, per spec §4.5
// ("Materialise the request body in full, bounded by a configurable max").
// Bodyless methods return an empty string without reading anything.
func readLimitedBody(r *http.Request, max int64) (string, error) {
	if r.Body == nil || r.ContentLength == 0 {
		return "", nil
	}
	limited := io.LimitReader(r.Body, max+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return "", err
	}
	if int64(len(data)) > max {
		return "", errBodyTooLarge
	}
	return string(data), nil
}

// flattenHeaders lower-cases header names and strips hop-by-hop headers
// before they cross the wire (spec §3, SPEC_FULL.md Open Question 3).
// Multi-value headers are joined with ", " since WireRequest.Headers is a
// flat string map.
func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, values := range h {
		if isHopByHop(k) {
			continue
		}
		out[strings.ToLower(k)] = strings.Join(values, ", ")
	}
	return out
}

func isHopByHop(name string) bool {
	for _, h := range hopByHopHeaders {
		if strings.EqualFold(h, name) {
			return true
		}
	}
	return false
}
