package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrEmptyLine is returned by Decode for blank NDJSON lines. Callers drop
// these silently.
var ErrEmptyLine = errors.New("empty line")

// Decode parses one NDJSON line into an Envelope. The input bytes are
// copied, so the caller may reuse its buffer.
func Decode(line []byte) (*Envelope, error) {
	trimmed := strings.TrimSpace(string(line))
	if trimmed == "" {
		return nil, ErrEmptyLine
	}

	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal([]byte(trimmed), &fields); err != nil {
		return nil, fmt.Errorf("invalid JSON-RPC message: %w", err)
	}

	return &Envelope{
		raw:    json.RawMessage(trimmed),
		fields: fields,
	}, nil
}

// MustDecode is Decode for test fixtures and programmatically built
// messages that are known to be valid.
func MustDecode(line string) *Envelope {
	env, err := Decode([]byte(line))
	if err != nil {
		panic(err)
	}
	return env
}

// NewResponse builds a response envelope for req carrying the given result.
// The jsonrpc member is copied from the request ("2.0" when the request
// omitted it would be wrong to invent, so absence is preserved); the id is
// copied verbatim, null when the request had none.
func NewResponse(req *Envelope, result json.RawMessage) *Envelope {
	fields := responseBase(req)
	fields["result"] = result
	raw, _ := json.Marshal(fields)
	return &Envelope{raw: raw, fields: fields}
}

// NewErrorResponse builds an error response envelope for req. The message is
// normalized to strip a redundant "MCP error <code>:" prefix coming back
// from an upstream that already wrapped it.
func NewErrorResponse(req *Envelope, code int64, message string) *Envelope {
	fields := responseBase(req)
	errObj, _ := json.Marshal(map[string]any{
		"code":    code,
		"message": NormalizeErrorMessage(code, message),
	})
	fields["error"] = errObj
	raw, _ := json.Marshal(fields)
	return &Envelope{raw: raw, fields: fields}
}

// NewRawErrorResponse builds an error response for req reusing an upstream
// error object verbatim.
func NewRawErrorResponse(req *Envelope, errObj json.RawMessage) *Envelope {
	fields := responseBase(req)
	fields["error"] = errObj
	raw, _ := json.Marshal(fields)
	return &Envelope{raw: raw, fields: fields}
}

func responseBase(req *Envelope) map[string]json.RawMessage {
	fields := make(map[string]json.RawMessage, 3)
	if v, ok := req.Field("jsonrpc"); ok {
		fields["jsonrpc"] = v
	}
	if id := req.ID(); id != nil {
		fields["id"] = id
	} else {
		fields["id"] = json.RawMessage("null")
	}
	return fields
}

// NormalizeErrorMessage strips the "MCP error <code>:" prefix some upstreams
// prepend, preventing double-prefixing when the message is re-wrapped.
func NormalizeErrorMessage(code int64, message string) string {
	prefix := fmt.Sprintf("MCP error %d:", code)
	if strings.HasPrefix(message, prefix) {
		return strings.TrimSpace(message[len(prefix):])
	}
	return message
}

// NewInitializeRequest builds the synthetic initialize request the gateway
// injects when a client issues a non-initialize request before the upstream
// handshake has happened.
func NewInitializeRequest(id, protocolVersion, clientName, clientVersion string) *Envelope {
	raw, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  "initialize",
		"params": map[string]any{
			"protocolVersion": protocolVersion,
			"capabilities": map[string]any{
				"roots":    map[string]any{"listChanged": true},
				"sampling": map[string]any{},
			},
			"clientInfo": map[string]any{
				"name":    clientName,
				"version": clientVersion,
			},
		},
	})
	env, _ := Decode(raw)
	return env
}

// NewInitializedNotification builds the notifications/initialized message
// that follows a successful initialize.
func NewInitializedNotification() *Envelope {
	return MustDecode(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)
}
