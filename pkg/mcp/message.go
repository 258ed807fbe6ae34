// Package mcp provides the JSON-RPC 2.0 envelope type and codec utilities
// used by every mcpway transport adapter.
package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Kind classifies a JSON-RPC envelope.
type Kind int

const (
	// KindRequest is a message with both "method" and "id".
	KindRequest Kind = iota
	// KindNotification is a message with "method" but no "id".
	KindNotification
	// KindResponse is a message with "id" but no "method".
	KindResponse
	// KindError is a response carrying an "error" member.
	KindError
	// KindInvalid is a message that fits none of the above shapes.
	KindInvalid
)

// String returns the string representation of the Kind.
func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindNotification:
		return "notification"
	case KindResponse:
		return "response"
	case KindError:
		return "error"
	default:
		return "invalid"
	}
}

// Envelope wraps one JSON-RPC 2.0 message. The original bytes are retained
// so that unknown members survive the gateway byte-for-byte; the parsed
// member map is only consulted for the facets the gateway needs (kind, id,
// method).
type Envelope struct {
	raw    json.RawMessage
	fields map[string]json.RawMessage
}

// Raw returns the wire bytes of the envelope. Callers must not mutate the
// returned slice.
func (e *Envelope) Raw() json.RawMessage {
	return e.raw
}

// Kind classifies the envelope per the JSON-RPC 2.0 shapes.
func (e *Envelope) Kind() Kind {
	_, hasMethod := e.fields["method"]
	_, hasID := e.fields["id"]
	_, hasError := e.fields["error"]

	switch {
	case hasMethod && hasID:
		return KindRequest
	case hasMethod:
		return KindNotification
	case hasID && hasError:
		return KindError
	case hasID:
		return KindResponse
	default:
		return KindInvalid
	}
}

// IsRequest reports whether the envelope carries both method and id.
func (e *Envelope) IsRequest() bool {
	return e.Kind() == KindRequest
}

// ID returns the raw "id" member, or nil when absent. The bytes preserve the
// original representation (string, number, or null).
func (e *Envelope) ID() json.RawMessage {
	return e.fields["id"]
}

// Method returns the "method" member, or "" when absent or not a string.
func (e *Envelope) Method() string {
	raw, ok := e.fields["method"]
	if !ok {
		return ""
	}
	var method string
	if err := json.Unmarshal(raw, &method); err != nil {
		return ""
	}
	return method
}

// IsInitialize reports whether the envelope is an MCP initialize request.
func (e *Envelope) IsInitialize() bool {
	return e.Method() == "initialize"
}

// Field returns the raw value of an arbitrary top-level member.
func (e *Envelope) Field(name string) (json.RawMessage, bool) {
	raw, ok := e.fields[name]
	return raw, ok
}

// WithID returns a copy of the envelope whose "id" member is replaced.
// All other members are carried over verbatim.
func (e *Envelope) WithID(id json.RawMessage) (*Envelope, error) {
	fields := make(map[string]json.RawMessage, len(e.fields)+1)
	for k, v := range e.fields {
		fields[k] = v
	}
	fields["id"] = id

	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("re-encode envelope: %w", err)
	}
	return &Envelope{raw: raw, fields: fields}, nil
}

// ProtocolVersion extracts params.protocolVersion from an initialize
// request, or "" when absent.
func (e *Envelope) ProtocolVersion() string {
	params, ok := e.fields["params"]
	if !ok {
		return ""
	}
	var p struct {
		ProtocolVersion string `json:"protocolVersion"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return ""
	}
	return p.ProtocolVersion
}

// idText renders an id value as the bare text used inside prefixed ids:
// strings lose their quotes, everything else keeps its JSON form.
func idText(id json.RawMessage) string {
	var s string
	if err := json.Unmarshal(id, &s); err == nil {
		return s
	}
	return string(bytes.TrimSpace(id))
}

// PairID encodes (clientTag, originalID) into the string id "{tag}:{id}"
// used when many inbound clients share one stdio child.
func PairID(clientTag string, id json.RawMessage) json.RawMessage {
	prefixed, _ := json.Marshal(clientTag + ":" + idText(id))
	return prefixed
}

// StripPrefixedID is the inverse of PairID. It returns the client tag and
// the original id with numeric ids restored as JSON numbers. ok is false
// when the envelope id is not a prefixed string.
func StripPrefixedID(e *Envelope) (clientTag string, original json.RawMessage, ok bool) {
	raw := e.ID()
	if raw == nil {
		return "", nil, false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", nil, false
	}
	tag, rest, found := strings.Cut(s, ":")
	if !found {
		return "", nil, false
	}
	if n, err := strconv.ParseInt(rest, 10, 64); err == nil {
		original, _ = json.Marshal(n)
	} else {
		original, _ = json.Marshal(rest)
	}
	return tag, original, true
}
