package tunnelserver

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/magnitudedev/bunnel/internal/subdomain"
	"github.com/magnitudedev/bunnel/internal/wire"
	"github.com/magnitudedev/bunnel/pkg/auth"
)

func TestClassifyHost(t *testing.T) {
	cases := []struct {
		host, root string
		wantKind   hostKind
		wantSub    string
	}{
		{"tunnel.example.com", "tunnel.example.com", hostRoot, ""},
		{"tunnel.example.com:8080", "tunnel.example.com", hostRoot, ""},
		{"localhost", "localhost", hostRoot, ""},
		{"localhost:9000", "localhost", hostRoot, ""},
		{"abc123.tunnel.example.com", "tunnel.example.com", hostSubdomain, "abc123"},
		{"ABC123.tunnel.example.com", "tunnel.example.com", hostSubdomain, "abc123"},
		{"abc123.tunnel.example.com:443", "tunnel.example.com", hostSubdomain, "abc123"},
		{"evil.abc123.tunnel.example.com", "tunnel.example.com", hostUnknown, ""},
		{"other.com", "tunnel.example.com", hostUnknown, ""},
	}
	for _, c := range cases {
		kind, sub := classifyHost(c.host, c.root)
		if kind != c.wantKind || sub != c.wantSub {
			t.Errorf("classifyHost(%q, %q) = (%v, %q), want (%v, %q)", c.host, c.root, kind, sub, c.wantKind, c.wantSub)
		}
	}
}

func newTestListener(t *testing.T) (*Listener, *Registry, *PendingTable) {
	t.Helper()
	cfg := (&Config{RootHost: "tunnel.example.com", RequestTimeout: 200 * time.Millisecond}).Normalize()
	pending := NewPendingTable(cfg.RequestTimeout)
	registry := NewRegistry(pending)
	tokens := auth.NewReconnectTokens([]byte("secret"), time.Minute)
	session := NewSessionHandler(registry, pending, subdomain.New(), tokens, cfg.GraceWindow)
	return NewListener(cfg, registry, pending, session), registry, pending
}

func TestListener_HealthProbe(t *testing.T) {
	l, _, _ := newTestListener(t)
	req := httptest.NewRequest(http.MethodGet, "http://tunnel.example.com/", nil)
	rec := httptest.NewRecorder()
	l.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != "Tunnel server is running" {
		t.Fatalf("unexpected body: %q", rec.Body.String())
	}
}

func TestListener_TunneledRequest_NotFound(t *testing.T) {
	l, _, _ := newTestListener(t)
	req := httptest.NewRequest(http.MethodGet, "http://missing.tunnel.example.com/foo", nil)
	rec := httptest.NewRecorder()
	l.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestListener_TunneledRequest_CompletesAgainstFakeTunnel(t *testing.T) {
	l, registry, pending := newTestListener(t)
	conn := newFakeConn()
	registry.Register("abc123", conn)

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		req := httptest.NewRequest(http.MethodGet, "http://abc123.tunnel.example.com/hello", nil)
		rec := httptest.NewRecorder()
		l.ServeHTTP(rec, req)
		done <- rec
	}()

	var raw []byte
	select {
	case raw = <-conn.writes1():
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for WireRequest to be sent to agent")
	}
	kind, v, err := wire.Decode(raw)
	if err != nil || kind != wire.KindRequest {
		t.Fatalf("expected a decodable WireRequest, got kind=%v err=%v", kind, err)
	}
	wireReq := v.(wire.Request)

	if !pending.Complete(wire.Response{ID: wireReq.ID, Status: 201, Body: "created"}) {
		t.Fatal("expected pending completion to succeed")
	}

	rec := <-done
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	if rec.Body.String() != "created" {
		t.Fatalf("unexpected body: %q", rec.Body.String())
	}
}

func TestListener_TunneledRequest_TimesOut(t *testing.T) {
	l, registry, _ := newTestListener(t)
	registry.Register("abc123", newFakeConn())

	req := httptest.NewRequest(http.MethodGet, "http://abc123.tunnel.example.com/slow", nil)
	rec := httptest.NewRecorder()
	l.ServeHTTP(rec, req)

	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d", rec.Code)
	}
}

func TestListener_TunneledRequest_SendFailureReaps(t *testing.T) {
	l, registry, _ := newTestListener(t)
	conn := newFakeConn()
	conn.err = errFakeSendFailed
	registry.Register("abc123", conn)

	req := httptest.NewRequest(http.MethodGet, "http://abc123.tunnel.example.com/x", nil)
	rec := httptest.NewRecorder()
	l.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	if _, ok := registry.Lookup("abc123"); ok {
		t.Fatal("expected tunnel to be reaped after send failure")
	}
}

func TestFlattenHeaders_StripsHopByHop(t *testing.T) {
	h := http.Header{}
	h.Set("Connection", "keep-alive")
	h.Set("X-Custom", "value")
	h.Set("Content-Type", "application/json")

	out := flattenHeaders(h)
	if _, ok := out["connection"]; ok {
		t.Fatal("expected Connection header to be stripped")
	}
	if out["x-custom"] != "value" {
		t.Fatalf("expected x-custom to survive, got %+v", out)
	}
	if out["content-type"] != "application/json" {
		t.Fatalf("expected content-type to survive, got %+v", out)
	}
}
