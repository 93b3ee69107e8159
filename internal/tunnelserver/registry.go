// Package tunnelserver implements the server side of the reverse HTTP
// tunnel: the tunnel registry, pending request table, agent session state
// machine, idle monitor and the HTTP front door that dispatches callers to
// the right agent (spec §4.3-§4.7).
package tunnelserver

import (
	"errors"
	"sync"
	"time"

	"github.com/magnitudedev/bunnel/internal/metrics"
	"github.com/magnitudedev/bunnel/internal/wire"
)

// State is one of the two live TunnelInfo states (spec §3).
type State int

const (
	StateOnline State = iota
	StateOfflineGrace
)

func (s State) String() string {
	if s == StateOnline {
		return "online"
	}
	return "offline_grace"
}

// Conn is the minimal bidirectional-channel contract the registry and
// session code depend on. *websocket.Conn satisfies it structurally; tests
// use lightweight fakes instead of real sockets.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// ErrNoControlChannel is returned by TunnelInfo.Send when the tunnel has no
// bound control connection (should not happen for a registry-returned
// entry, but guards against use-after-reap bugs).
var ErrNoControlChannel = errors.New("tunnelserver: no control channel bound")

// TunnelInfo is the one-per-subdomain record described in spec §3.
type TunnelInfo struct {
	Subdomain string

	mu             sync.Mutex
	state          State
	control        Conn
	clientChannels map[Conn]struct{}
	graceTimer     *time.Timer
	lastActive     time.Time

	sendMu sync.Mutex // serializes writes to control (spec §5)
}

// Snapshot returns the tunnel's current state and last-activity timestamp
// without exposing the lock.
func (t *TunnelInfo) Snapshot() (State, time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state, t.lastActive
}

// Touch refreshes lastActive to now.
func (t *TunnelInfo) Touch() {
	t.mu.Lock()
	t.lastActive = time.Now()
	t.mu.Unlock()
}

// Send writes a frame to the bound control channel. Concurrent callers are
// serialized so one slow write cannot interleave with another's frame.
func (t *TunnelInfo) Send(messageType int, data []byte) error {
	t.mu.Lock()
	conn := t.control
	t.mu.Unlock()
	if conn == nil {
		return ErrNoControlChannel
	}
	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	return conn.WriteMessage(messageType, data)
}

// AddClientChannel registers a secondary pass-through channel (spec §4.6).
func (t *TunnelInfo) AddClientChannel(c Conn) {
	t.mu.Lock()
	t.clientChannels[c] = struct{}{}
	t.mu.Unlock()
}

// RemoveClientChannel drops bookkeeping for a closed secondary channel.
func (t *TunnelInfo) RemoveClientChannel(c Conn) {
	t.mu.Lock()
	delete(t.clientChannels, c)
	t.mu.Unlock()
}

// boundControl returns the currently bound control connection, used by the
// per-connection read loop to confirm it is still the active one (an old
// connection's read loop must not be allowed to mutate state after a
// reattach has swapped in a newer one).
func (t *TunnelInfo) boundControl() Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.control
}

// Registry is the keyed mapping from Subdomain to TunnelInfo (spec §4.3). A
// single mutex guards the map and every lifecycle transition; this is the
// "single mutex per structure" option spec §5 explicitly allows at the
// scale this system targets.
type Registry struct {
	mu      sync.Mutex
	tunnels map[string]*TunnelInfo
	pending *PendingTable
}

// NewRegistry builds an empty registry. pending is drained whenever a
// tunnel it owns is reaped.
func NewRegistry(pending *PendingTable) *Registry {
	return &Registry{
		tunnels: make(map[string]*TunnelInfo),
		pending: pending,
	}
}

// Register creates a new Online entry bound to conn (spec §4.3 register).
// Callers are responsible for ensuring sub is not already live (the
// subdomain allocator already guarantees this for fresh subdomains).
func (r *Registry) Register(sub string, conn Conn) *TunnelInfo {
	t := &TunnelInfo{
		Subdomain:      sub,
		state:          StateOnline,
		control:        conn,
		clientChannels: make(map[Conn]struct{}),
		lastActive:     time.Now(),
	}
	r.mu.Lock()
	r.tunnels[sub] = t
	r.mu.Unlock()
	metrics.TunnelsOnline.Inc()
	return t
}

// Reattach rebinds sub's control channel if it is currently in
// OfflineGrace, cancelling its grace timer and transitioning back to
// Online (spec §4.3 reattach). It returns false if sub has no such entry —
// including when a racing grace expiry has already removed it, in which
// case the caller must treat this as a fresh connection and call Register
// instead (spec §4.3 tie-break).
func (r *Registry) Reattach(sub string, conn Conn) (*TunnelInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tunnels[sub]
	if !ok {
		return nil, false
	}

	t.mu.Lock()
	if t.state != StateOfflineGrace {
		t.mu.Unlock()
		return nil, false
	}
	if t.graceTimer != nil {
		if !t.graceTimer.Stop() {
			// The grace timer already fired and its Reap is waiting for
			// r.mu: expiry wins, the caller registers a fresh subdomain.
			t.mu.Unlock()
			return nil, false
		}
		t.graceTimer = nil
	}
	t.control = conn
	t.state = StateOnline
	t.lastActive = time.Now()
	t.mu.Unlock()

	metrics.TunnelsGrace.Dec()
	metrics.TunnelsOnline.Inc()
	metrics.ReconnectsTotal.Inc()
	return t, true
}

// Lookup returns the TunnelInfo for sub, if any.
func (r *Registry) Lookup(sub string) (*TunnelInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tunnels[sub]
	return t, ok
}

// Exists reports whether sub is currently registered; suitable as a
// subdomain.Exists predicate.
func (r *Registry) Exists(sub string) bool {
	_, ok := r.Lookup(sub)
	return ok
}

// MarkOffline transitions an Online tunnel to OfflineGrace and arms a
// grace timer that reaps it after graceMs (spec §4.3 markOffline). If sub
// is already OfflineGrace the existing timer is preserved without
// extension, matching spec's tie-break rule. A missing sub is a no-op —
// harmless when a send-failure reap has already raced ahead of the
// control read loop noticing the same disconnect.
func (r *Registry) MarkOffline(sub string, graceMs time.Duration) {
	r.mu.Lock()
	t, ok := r.tunnels[sub]
	r.mu.Unlock()
	if !ok {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateOfflineGrace {
		return
	}
	t.state = StateOfflineGrace
	t.graceTimer = time.AfterFunc(graceMs, func() {
		r.Reap(sub, metrics.ReapGraceExpired)
	})
	metrics.TunnelsOnline.Dec()
	metrics.TunnelsGrace.Inc()
}

// Reap removes sub's entry, closes its channels, and fails every pending
// request it owns with a 502 "tunnel lost" completion (spec §4.3 reap). It
// is idempotent: a second call for an already-removed sub is a no-op,
// which is what makes the grace timer, a fatal read-loop error, and an
// explicit send-failure reap all safe to race against each other.
func (r *Registry) Reap(sub string, reason string) bool {
	r.mu.Lock()
	t, ok := r.tunnels[sub]
	if ok {
		delete(r.tunnels, sub)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}

	t.mu.Lock()
	if t.graceTimer != nil {
		t.graceTimer.Stop()
	}
	wasOnline := t.state == StateOnline
	control := t.control
	clients := make([]Conn, 0, len(t.clientChannels))
	for c := range t.clientChannels {
		clients = append(clients, c)
	}
	t.mu.Unlock()

	if control != nil {
		_ = control.Close()
	}
	for _, c := range clients {
		_ = c.Close()
	}

	r.pending.DrainForSubdomain(sub, wire.Response{Status: 502, Body: "Tunnel connection lost"})

	if wasOnline {
		metrics.TunnelsOnline.Dec()
	} else {
		metrics.TunnelsGrace.Dec()
	}
	metrics.TunnelsReapedTotal.WithLabelValues(reason).Inc()
	return true
}

// Touch refreshes sub's lastActive timestamp (spec §4.3 touch). A missing
// sub is silently ignored.
func (r *Registry) Touch(sub string) {
	if t, ok := r.Lookup(sub); ok {
		t.Touch()
	}
}

// Snapshot returns every live TunnelInfo for iteration (e.g. by the idle
// monitor). The slice is a point-in-time copy of the map; entries may be
// reaped concurrently by the time the caller inspects them, which every
// caller of Snapshot must tolerate.
func (r *Registry) Snapshot() []*TunnelInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*TunnelInfo, 0, len(r.tunnels))
	for _, t := range r.tunnels {
		out = append(out, t)
	}
	return out
}

// Len reports the number of live tunnels.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tunnels)
}
