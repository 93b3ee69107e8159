// Package util holds small dependency-light helpers shared by the tunnel
// server and the agent executor.
//
// NewRequestID returns a RequestId suitable for correlating a WireRequest
// with its eventual WireResponse (spec §3). ULIDs are 128-bit, URL-safe and
// preserve chronological order, which makes pending-table log lines easy to
// skim during debugging even though ordering itself is not a protocol
// requirement (spec §5: "no cross-tunnel ordering is guaranteed or needed").
//
// To avoid excessive syscalls we keep a process-global monotonic entropy
// source (math/rand wrapped by ulid.Monotonic) seeded from crypto/rand.
package util

import (
	"crypto/rand"
	"encoding/binary"
	"io"
	mrand "math/rand"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

var entropy *ulid.MonotonicEntropy

func init() {
	// Seed math/rand with crypto-secure random so the ulid monotonic
	// generator starts at an unpredictable state while remaining cheap
	// thereafter.
	var seed int64
	_ = binaryRead(rand.Reader, &seed)
	entropy = ulid.Monotonic(mrand.New(mrand.NewSource(seed)), 0)
}

// NewRequestID returns a new RequestId string or an error if entropy could
// not be read.
func NewRequestID() (string, error) {
	id, err := ulid.New(ulid.Timestamp(time.Now()), entropy)
	if err != nil {
		return "", err
	}
	return strings.ToLower(id.String()), nil
}

// MustNewRequestID panics on failure (entropy read errors); used on paths
// where the caller has no sensible recovery (the listener must always be
// able to mint a RequestId for an accepted HTTP request).
func MustNewRequestID() string {
	s, err := NewRequestID()
	if err != nil {
		panic(err)
	}
	return s
}

// binaryRead is a tiny helper to read crypto/rand into any fixed-size
// integer.
func binaryRead(r io.Reader, v interface{}) error {
	return binary.Read(r, binary.BigEndian, v)
}
