package tunnelserver

import (
	"sync"
	"time"

	"github.com/magnitudedev/bunnel/internal/wire"
)

// entry is one in-flight WireRequest awaiting its WireResponse (spec §3
// "Pending request").
type entry struct {
	subdomain string
	ch        chan wire.Response
	timer     *time.Timer
}

// PendingTable correlates RequestIds with the HTTP handler goroutine
// waiting on the matching WireResponse (spec §4.4). Every entry completes
// exactly once — by response, by timeout, or by drain — because completion
// is gated on a single delete-from-map step: whichever caller observes the
// entry still present wins, everyone else no-ops.
type PendingTable struct {
	mu             sync.Mutex
	entries        map[string]*entry
	defaultTimeout time.Duration
}

// NewPendingTable returns a table whose Put calls default to timeout when
// the caller passes zero.
func NewPendingTable(timeout time.Duration) *PendingTable {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &PendingTable{
		entries:        make(map[string]*entry),
		defaultTimeout: timeout,
	}
}

// Put records a pending entry for id and arms a timer that completes it
// with timeoutResponse after timeout elapses (spec §4.4 put). The returned
// channel receives exactly one value, however the entry is eventually
// completed, and is then closed.
//
// Per spec §5, callers MUST send the corresponding WireRequest only after
// Put returns, never before, so a racing immediate response cannot arrive
// before the entry exists.
func (t *PendingTable) Put(id, subdomain string, timeout time.Duration, timeoutResponse wire.Response) <-chan wire.Response {
	if timeout <= 0 {
		timeout = t.defaultTimeout
	}
	e := &entry{subdomain: subdomain, ch: make(chan wire.Response, 1)}

	t.mu.Lock()
	e.timer = time.AfterFunc(timeout, func() {
		t.complete(id, timeoutResponse)
	})
	t.entries[id] = e
	t.mu.Unlock()
	return e.ch
}

// Complete resolves the pending entry for response.ID, if one still exists.
// A response for an unknown or already-completed id is silently dropped
// (spec testable property 3) and does not mutate any other state.
func (t *PendingTable) Complete(response wire.Response) bool {
	return t.complete(response.ID, response)
}

func (t *PendingTable) complete(id string, response wire.Response) bool {
	t.mu.Lock()
	e, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	e.timer.Stop()
	e.ch <- response
	close(e.ch)
	return true
}

// Drain completes and removes every entry for which match returns true,
// using response as the completion value for all of them (response.ID is
// overwritten per-entry so every caller sees their own RequestId echoed
// back). Used on tunnel reap (spec §4.3 reap) and on server shutdown.
func (t *PendingTable) Drain(match func(subdomain string) bool, response wire.Response) int {
	t.mu.Lock()
	var matched []struct {
		id string
		e  *entry
	}
	for id, e := range t.entries {
		if match(e.subdomain) {
			matched = append(matched, struct {
				id string
				e  *entry
			}{id, e})
			delete(t.entries, id)
		}
	}
	t.mu.Unlock()

	for _, m := range matched {
		m.e.timer.Stop()
		resp := response
		resp.ID = m.id
		m.e.ch <- resp
		close(m.e.ch)
	}
	return len(matched)
}

// DrainForSubdomain is the common case of Drain used when a single tunnel
// is reaped.
func (t *PendingTable) DrainForSubdomain(subdomain string, response wire.Response) int {
	return t.Drain(func(s string) bool { return s == subdomain }, response)
}

// Len reports the number of entries currently awaiting completion; exposed
// for the pending-requests gauge.
func (t *PendingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
