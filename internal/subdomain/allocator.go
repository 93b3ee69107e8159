// Package subdomain generates the opaque host-routable identifiers that the
// tunnel registry keys tunnels by (spec §3 "Subdomain").
package subdomain

import (
	"crypto/rand"
	"fmt"
)

// alphabet is deliberately restricted to lowercase alphanumerics so the
// generated value is always a legal, case-stable DNS label (spec §3).
const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// DefaultLength is the recommended subdomain length (spec §3): 36^12
// possibilities make collisions negligible at the tunnel counts this system
// targets.
const DefaultLength = 12

// Exists reports whether a candidate subdomain is already in use. Allocate
// retries generation against this predicate so callers never observe a
// collision with a live tunnel.
type Exists func(sub string) bool

// Allocator mints fresh subdomains, retrying on collision against a live
// registry.
type Allocator struct {
	Length int
}

// New returns an Allocator using DefaultLength.
func New() *Allocator {
	return &Allocator{Length: DefaultLength}
}

// Allocate returns a subdomain not currently reported by exists. The
// generator is not required to be cryptographically unpredictable (spec
// §4.2) but crypto/rand costs nothing here and removes any argument about
// predictability of agent routing.
func (a *Allocator) Allocate(exists Exists) (string, error) {
	length := a.Length
	if length <= 0 {
		length = DefaultLength
	}
	// Collisions are astronomically unlikely at this alphabet/length, but the
	// loop bound keeps a pathological exists() (e.g. a bug that always
	// returns true) from spinning forever.
	const maxAttempts = 64
	for attempt := 0; attempt < maxAttempts; attempt++ {
		candidate, err := randomLabel(length)
		if err != nil {
			return "", fmt.Errorf("subdomain: generate candidate: %w", err)
		}
		if exists == nil || !exists(candidate) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("subdomain: exhausted %d attempts at length %d", maxAttempts, length)
}

func randomLabel(length int) (string, error) {
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, length)
	for i, b := range buf {
		out[i] = alphabet[int(b)%len(alphabet)]
	}
	return string(out), nil
}
