package tunnelserver

import (
	"testing"
	"time"

	"github.com/magnitudedev/bunnel/internal/wire"
)

func TestPendingTable_CompleteDelivers(t *testing.T) {
	pt := NewPendingTable(time.Second)
	ch := pt.Put("r1", "sub1", time.Second, wire.Response{Status: 504, Body: "Request timeout"})

	if !pt.Complete(wire.Response{ID: "r1", Status: 200, Body: "hi"}) {
		t.Fatal("expected Complete to report success")
	}
	resp := <-ch
	if resp.Status != 200 || resp.Body != "hi" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestPendingTable_UnknownIDIsNoop(t *testing.T) {
	pt := NewPendingTable(time.Second)
	if pt.Complete(wire.Response{ID: "ghost", Status: 200}) {
		t.Fatal("expected Complete on unknown id to report false")
	}
}

func TestPendingTable_FirstWriterWins(t *testing.T) {
	pt := NewPendingTable(time.Second)
	ch := pt.Put("r1", "sub1", time.Second, wire.Response{Status: 504})

	first := pt.Complete(wire.Response{ID: "r1", Status: 200})
	second := pt.Complete(wire.Response{ID: "r1", Status: 201})
	if !first || second {
		t.Fatalf("expected exactly one completion to succeed, got first=%v second=%v", first, second)
	}
	resp := <-ch
	if resp.Status != 200 {
		t.Fatalf("expected the first completion's response, got %+v", resp)
	}
}

func TestPendingTable_Timeout(t *testing.T) {
	pt := NewPendingTable(time.Second)
	ch := pt.Put("r1", "sub1", 10*time.Millisecond, wire.Response{Status: 504, Body: "Request timeout"})

	select {
	case resp := <-ch:
		if resp.Status != 504 {
			t.Fatalf("expected 504 timeout response, got %+v", resp)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for timeout completion")
	}

	if pt.Complete(wire.Response{ID: "r1", Status: 200}) {
		t.Fatal("expected entry to already be gone after timeout fired")
	}
}

func TestPendingTable_DrainForSubdomain(t *testing.T) {
	pt := NewPendingTable(time.Second)
	chA1 := pt.Put("a1", "subA", time.Minute, wire.Response{})
	chA2 := pt.Put("a2", "subA", time.Minute, wire.Response{})
	chB1 := pt.Put("b1", "subB", time.Minute, wire.Response{})

	n := pt.DrainForSubdomain("subA", wire.Response{Status: 502, Body: "Tunnel connection lost"})
	if n != 2 {
		t.Fatalf("expected 2 entries drained, got %d", n)
	}

	for _, ch := range []<-chan wire.Response{chA1, chA2} {
		resp := <-ch
		if resp.Status != 502 {
			t.Fatalf("expected 502 drain response, got %+v", resp)
		}
	}

	if pt.Len() != 1 {
		t.Fatalf("expected subB entry to survive, Len=%d", pt.Len())
	}

	// subB must remain untouched.
	select {
	case <-chB1:
		t.Fatal("subB entry should not have been drained")
	case <-time.After(20 * time.Millisecond):
	}

	pt.Drain(func(string) bool { return true }, wire.Response{Status: 502})
}

func TestPendingTable_DrainPreservesPerEntryID(t *testing.T) {
	pt := NewPendingTable(time.Second)
	ch := pt.Put("unique-id", "sub1", time.Minute, wire.Response{})
	pt.DrainForSubdomain("sub1", wire.Response{Status: 502, Body: "Tunnel connection lost"})
	resp := <-ch
	if resp.ID != "unique-id" {
		t.Fatalf("expected drained response to carry original id, got %q", resp.ID)
	}
}

func TestPendingTable_Len(t *testing.T) {
	pt := NewPendingTable(time.Second)
	if pt.Len() != 0 {
		t.Fatalf("expected empty table, got %d", pt.Len())
	}
	pt.Put("a", "sub", time.Minute, wire.Response{})
	pt.Put("b", "sub", time.Minute, wire.Response{})
	if pt.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", pt.Len())
	}
	pt.Complete(wire.Response{ID: "a"})
	if pt.Len() != 1 {
		t.Fatalf("expected 1 entry after completion, got %d", pt.Len())
	}
}
