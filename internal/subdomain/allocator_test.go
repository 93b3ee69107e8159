package subdomain

import (
	"strings"
	"testing"
)

func TestAllocate_ReturnsValidLabel(t *testing.T) {
	a := New()
	sub, err := a.Allocate(nil)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if len(sub) != DefaultLength {
		t.Fatalf("expected length %d, got %d (%q)", DefaultLength, len(sub), sub)
	}
	for _, r := range sub {
		if !strings.ContainsRune(alphabet, r) {
			t.Fatalf("subdomain %q contains disallowed rune %q", sub, r)
		}
	}
}

func TestAllocate_RetriesOnCollision(t *testing.T) {
	a := New()
	seen := map[string]bool{}
	calls := 0
	exists := func(sub string) bool {
		calls++
		if len(seen) < 2 && !seen[sub] {
			seen[sub] = true
			return true // force at least one retry
		}
		return false
	}
	sub, err := a.Allocate(exists)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if sub == "" {
		t.Fatal("expected non-empty subdomain")
	}
	if calls < 2 {
		t.Fatalf("expected retries, got %d exists() calls", calls)
	}
}

func TestAllocate_GivesUpEventually(t *testing.T) {
	a := New()
	_, err := a.Allocate(func(string) bool { return true })
	if err == nil {
		t.Fatal("expected error when exists() always returns true")
	}
}

func TestAllocate_DistinctAcrossCalls(t *testing.T) {
	a := New()
	seen := map[string]bool{}
	for i := 0; i < 1000; i++ {
		sub, err := a.Allocate(func(s string) bool { return seen[s] })
		if err != nil {
			t.Fatalf("Allocate: %v", err)
		}
		if seen[sub] {
			t.Fatalf("duplicate subdomain %q", sub)
		}
		seen[sub] = true
	}
}
