// Package wire implements the frame codec for the bidirectional tunnel
// channel (spec §4.1). The wire is a stream of JSON text frames; this
// package defines the three message shapes exchanged over it and the
// discriminator logic used to tell them apart on decode.
package wire

import (
	"encoding/json"
	"fmt"
)

// Kind discriminates a decoded frame.
type Kind int

const (
	// KindUnknown is the zero value; Decode never returns it on success.
	KindUnknown Kind = iota
	KindRequest
	KindResponse
	KindConnected
)

// connectedType is the literal "type" discriminator value for ConnectedNotice
// frames (spec §4.1).
const connectedType = "connected"

// Request is a server→agent frame describing one HTTP exchange to perform
// against the agent's local service (spec §3 WireRequest).
//
// Headers use lowercased names with last-write-wins semantics on decode;
// Body is omitted (empty string) for bodyless methods.
type Request struct {
	ID      string            `json:"id"`
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body,omitempty"`
}

// Response is an agent→server frame carrying the result of one HTTP
// exchange (spec §3 WireResponse).
type Response struct {
	ID      string            `json:"id"`
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

// ConnectedNotice is sent server→agent exactly once at session
// establishment, including after a grace-window reconnect (spec §3).
//
// ReconnectToken resolves SPEC_FULL.md's Open Question 1: an opaque,
// short-lived capability the agent may present on a future upgrade request
// to resume this exact subdomain within the grace window. It is not an
// authentication mechanism — spec.md's Non-goals explicitly exclude agent
// authentication — it only proves "I was just issued this subdomain",
// nothing about agent identity.
type ConnectedNotice struct {
	Type           string `json:"type"`
	Subdomain      string `json:"subdomain"`
	ReconnectToken string `json:"reconnectToken,omitempty"`
}

// NewConnectedNotice builds a well-formed ConnectedNotice frame.
func NewConnectedNotice(subdomain, reconnectToken string) ConnectedNotice {
	return ConnectedNotice{Type: connectedType, Subdomain: subdomain, ReconnectToken: reconnectToken}
}

// EncodeRequest marshals a Request frame.
func EncodeRequest(r Request) ([]byte, error) {
	return json.Marshal(r)
}

// EncodeResponse marshals a Response frame.
func EncodeResponse(r Response) ([]byte, error) {
	return json.Marshal(r)
}

// EncodeConnected marshals a ConnectedNotice frame.
func EncodeConnected(c ConnectedNotice) ([]byte, error) {
	c.Type = connectedType
	return json.Marshal(c)
}

// probe is the minimal shape decoded first to discriminate frame kind
// without committing to a concrete struct. The second decode pass against
// the concrete type does not coerce header values: a frame whose headers
// hold anything other than JSON strings fails to decode.
type probe struct {
	Type   *string `json:"type"`
	Method *string `json:"method"`
	Status *int    `json:"status"`
	ID     *string `json:"id"`
}

// Decode inspects raw and returns the discriminated frame. Per spec §4.1:
//   - type="connected"            -> ConnectedNotice
//   - has method/path/headers/body -> Request
//   - has id/status/headers/body   -> Response
//
// An unparseable frame, or one matching none of the three shapes, is a
// protocol violation: the caller is expected to reap the owning session
// (spec §4.6 "unparseable frame -> fatal").
func Decode(raw []byte) (Kind, interface{}, error) {
	var p probe
	if err := json.Unmarshal(raw, &p); err != nil {
		return KindUnknown, nil, fmt.Errorf("wire: decode frame: %w", err)
	}

	switch {
	case p.Type != nil && *p.Type == connectedType:
		var c ConnectedNotice
		if err := json.Unmarshal(raw, &c); err != nil {
			return KindUnknown, nil, fmt.Errorf("wire: decode connected notice: %w", err)
		}
		if c.Subdomain == "" {
			return KindUnknown, nil, fmt.Errorf("wire: connected notice missing subdomain")
		}
		return KindConnected, c, nil

	case p.Method != nil:
		var r Request
		if err := json.Unmarshal(raw, &r); err != nil {
			return KindUnknown, nil, fmt.Errorf("wire: decode request: %w", err)
		}
		if r.ID == "" || r.Method == "" {
			return KindUnknown, nil, fmt.Errorf("wire: request missing required field")
		}
		if r.Headers == nil {
			r.Headers = map[string]string{}
		}
		return KindRequest, r, nil

	case p.Status != nil:
		var resp Response
		if err := json.Unmarshal(raw, &resp); err != nil {
			return KindUnknown, nil, fmt.Errorf("wire: decode response: %w", err)
		}
		if resp.ID == "" {
			return KindUnknown, nil, fmt.Errorf("wire: response missing id")
		}
		if resp.Headers == nil {
			resp.Headers = map[string]string{}
		}
		return KindResponse, resp, nil

	default:
		return KindUnknown, nil, fmt.Errorf("wire: frame matches no known shape")
	}
}

// DecodeResponse is a convenience wrapper for the common agent→server
// direction where only a Response is ever expected on the control channel
// (spec §4.6).
func DecodeResponse(raw []byte) (Response, error) {
	kind, v, err := Decode(raw)
	if err != nil {
		return Response{}, err
	}
	if kind != KindResponse {
		return Response{}, fmt.Errorf("wire: expected response frame, got kind %d", kind)
	}
	return v.(Response), nil
}
