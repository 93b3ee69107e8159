package agentexec

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/magnitudedev/bunnel/internal/wire"
)

func TestExecutor_ProbeLocalFailureRejectsConnect(t *testing.T) {
	e := New(&Config{LocalURL: "http://127.0.0.1:1", TunnelURL: "ws://127.0.0.1:1", ProbeTimeout: 50 * time.Millisecond})

	done := make(chan struct{})
	go func() {
		_ = e.Run(context.Background())
		close(done)
	}()

	_, err := e.Connect(context.Background())
	if err == nil {
		t.Fatal("expected Connect to be rejected when the local probe fails")
	}
	<-done
}

func TestExecutor_ForwardTranslatesLocalResponse(t *testing.T) {
	local := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/hello" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		w.Header().Set("X-Echo", "yes")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("created body"))
	}))
	defer local.Close()

	e := New(&Config{LocalURL: local.URL, TunnelURL: "ws://unused"})
	resp := e.forward(wire.Request{ID: "r1", Method: http.MethodGet, Path: "/hello", Headers: map[string]string{}})

	if resp.Status != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.Status)
	}
	if resp.Body != "created body" {
		t.Fatalf("unexpected body: %q", resp.Body)
	}
	if resp.Headers["x-echo"] != "yes" {
		t.Fatalf("expected echoed header, got %+v", resp.Headers)
	}
}

func TestExecutor_ForwardReturnsBadGatewayOnTransportFailure(t *testing.T) {
	e := New(&Config{LocalURL: "http://127.0.0.1:1", TunnelURL: "ws://unused", ForwardTimeout: 50 * time.Millisecond})
	resp := e.forward(wire.Request{ID: "r1", Method: http.MethodGet, Path: "/x", Headers: map[string]string{}})

	if resp.Status != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.Status)
	}
	if resp.ID != "r1" {
		t.Fatalf("expected response to carry original id, got %q", resp.ID)
	}
}

func TestExecutor_EndToEndHandshakeAndRequestRoundTrip(t *testing.T) {
	local := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("hello"))
	}))
	defer local.Close()

	upgrader := websocket.Upgrader{}
	serverDone := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("server upgrade: %v", err)
			return
		}
		defer conn.Close()

		notice, _ := wire.EncodeConnected(wire.NewConnectedNotice("abc123", "tok"))
		if err := conn.WriteMessage(websocket.TextMessage, notice); err != nil {
			t.Errorf("write connected notice: %v", err)
			return
		}

		reqRaw, _ := wire.EncodeRequest(wire.Request{ID: "req-1", Method: http.MethodGet, Path: "/", Headers: map[string]string{}})
		if err := conn.WriteMessage(websocket.TextMessage, reqRaw); err != nil {
			t.Errorf("write request: %v", err)
			return
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			t.Errorf("read response: %v", err)
			return
		}
		resp, err := wire.DecodeResponse(raw)
		if err != nil {
			t.Errorf("decode response: %v", err)
			return
		}
		if resp.Status != http.StatusOK || resp.Body != "hello" {
			t.Errorf("unexpected response: %+v", resp)
		}
		close(serverDone)
	}))
	defer srv.Close()

	tunnelURL := "ws" + srv.URL[len("http"):]
	e := New(&Config{LocalURL: local.URL, TunnelURL: tunnelURL})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = e.Run(ctx) }()

	result, err := e.Connect(context.Background())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if result.Subdomain != "abc123" {
		t.Fatalf("expected subdomain abc123, got %q", result.Subdomain)
	}

	select {
	case <-serverDone:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for request round trip")
	}

	e.Disconnect()
}
