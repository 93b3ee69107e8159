package tunnelserver

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/magnitudedev/bunnel/internal/subdomain"
	"github.com/magnitudedev/bunnel/internal/wire"
	"github.com/magnitudedev/bunnel/pkg/auth"
)

func newTestHandler(t *testing.T) (*SessionHandler, *Registry, *PendingTable) {
	t.Helper()
	pending := NewPendingTable(50 * time.Millisecond)
	registry := NewRegistry(pending)
	tokens := auth.NewReconnectTokens([]byte("test-secret"), time.Minute)
	h := NewSessionHandler(registry, pending, subdomain.New(), tokens, 30*time.Millisecond)
	return h, registry, pending
}

func TestSessionHandler_EstablishFreshThenReadLoopMarksOfflineOnClose(t *testing.T) {
	h, registry, _ := newTestHandler(t)
	conn := newFakeConn()

	tunnel, sub := h.establish(conn, "")
	if sub == "" {
		t.Fatal("expected a non-empty subdomain")
	}
	if state, _ := tunnel.Snapshot(); state != StateOnline {
		t.Fatalf("expected fresh registration to be Online, got %v", state)
	}

	done := make(chan struct{})
	go func() {
		h.readLoop(tunnel, conn, sub)
		close(done)
	}()

	conn.Close()
	<-done

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if tun, ok := registry.Lookup(sub); ok {
			if state, _ := tun.Snapshot(); state == StateOfflineGrace {
				return
			}
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("expected tunnel to transition to OfflineGrace after control channel closed")
}

func TestSessionHandler_ReadLoopCompletesPendingRequest(t *testing.T) {
	h, _, pending := newTestHandler(t)
	conn := newFakeConn()
	tunnel, sub := h.establish(conn, "")

	ch := pending.Put("req-1", sub, time.Second, wire.Response{Status: 504})

	go h.readLoop(tunnel, conn, sub)

	raw, err := wire.EncodeResponse(wire.Response{ID: "req-1", Status: 200, Body: "ok"})
	if err != nil {
		t.Fatalf("encode response: %v", err)
	}
	conn.reads <- raw

	select {
	case resp := <-ch:
		if resp.Status != 200 || resp.Body != "ok" {
			t.Fatalf("unexpected response: %+v", resp)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for pending request to complete")
	}
	conn.Close()
}

func TestSessionHandler_ReadLoopReapsOnUnparseableFrame(t *testing.T) {
	h, registry, _ := newTestHandler(t)
	conn := newFakeConn()
	tunnel, sub := h.establish(conn, "")

	done := make(chan struct{})
	go func() {
		h.readLoop(tunnel, conn, sub)
		close(done)
	}()

	conn.reads <- []byte(`not json`)
	<-done

	if _, ok := registry.Lookup(sub); ok {
		t.Fatal("expected tunnel to be reaped after an unparseable frame")
	}
}

func TestSessionHandler_ReattachWithValidToken(t *testing.T) {
	h, registry, _ := newTestHandler(t)
	conn1 := newFakeConn()
	_, sub := h.establish(conn1, "")

	token, err := h.tokens.Issue(sub)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	registry.MarkOffline(sub, time.Minute)

	conn2 := newFakeConn()
	tunnel2, sub2 := h.establish(conn2, token)
	if sub2 != sub {
		t.Fatalf("expected reattach to same subdomain, got %q want %q", sub2, sub)
	}
	if state, _ := tunnel2.Snapshot(); state != StateOnline {
		t.Fatalf("expected Online after reattach, got %v", state)
	}
}

func TestSessionHandler_ReattachWithExpiredGraceFallsBackToFresh(t *testing.T) {
	h, registry, _ := newTestHandler(t)
	conn1 := newFakeConn()
	_, sub := h.establish(conn1, "")
	token, _ := h.tokens.Issue(sub)

	registry.MarkOffline(sub, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	conn2 := newFakeConn()
	_, sub2 := h.establish(conn2, token)
	if sub2 == sub {
		t.Fatal("expected fallback to a different, freshly allocated subdomain")
	}
}

func TestSessionHandler_ConnectedNoticeShape(t *testing.T) {
	c := wire.NewConnectedNotice("mysub", "tok123")
	raw, err := wire.EncodeConnected(c)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["type"] != "connected" || decoded["subdomain"] != "mysub" {
		t.Fatalf("unexpected shape: %+v", decoded)
	}
}
