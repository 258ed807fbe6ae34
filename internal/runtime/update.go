package runtime

import (
	"context"
	"encoding/json"
	"fmt"
)

// Scope addresses an update at the whole gateway or a single session.
type Scope struct {
	SessionID string // empty means global
}

// Global reports whether the scope addresses the whole gateway.
func (s Scope) Global() bool {
	return s.SessionID == ""
}

// Update is one control-bus message: a scope plus the args delta.
type Update struct {
	Scope  Scope
	Update ArgsUpdate
}

// ApplyResult is the reply to an Update, telling the producer whether the
// change took effect and whether the outbound side needs a restart or
// reconnect to observe it.
type ApplyResult struct {
	OK             bool   `json:"ok"`
	Message        string `json:"message"`
	RestartNeeded  bool   `json:"restart_needed"`
	HeadersChanged bool   `json:"headers_changed"`
}

// ApplyOK builds a successful ApplyResult.
func ApplyOK(message string, restartNeeded bool) ApplyResult {
	return ApplyResult{OK: true, Message: message, RestartNeeded: restartNeeded}
}

// ApplyError builds a failed ApplyResult.
func ApplyError(message string) ApplyResult {
	return ApplyResult{OK: false, Message: message}
}

// UpdateRequest pairs an Update with its reply channel. The handler must
// send exactly one ApplyResult.
type UpdateRequest struct {
	Update  Update
	ReplyTo chan ApplyResult
}

// UpdateChannel is the control bus feeding the active gateway.
type UpdateChannel chan UpdateRequest

// NewUpdateChannel creates the control bus with the standard buffer.
func NewUpdateChannel() UpdateChannel {
	return make(UpdateChannel, 32)
}

// Dispatch sends an update onto the bus and waits for the gateway's reply.
func (c UpdateChannel) Dispatch(ctx context.Context, update Update) ApplyResult {
	req := UpdateRequest{Update: update, ReplyTo: make(chan ApplyResult, 1)}
	select {
	case c <- req:
	case <-ctx.Done():
		return ApplyError("runtime update channel closed")
	}
	select {
	case result := <-req.ReplyTo:
		return result
	case <-ctx.Done():
		return ApplyError("runtime update handler did not reply")
	}
}

// updatePayload is the wire shape accepted by the admin endpoint.
type updatePayload struct {
	Headers       map[string]string `json:"headers"`
	RemoveHeaders []string          `json:"remove_headers"`
	Env           map[string]string `json:"env"`
	RemoveEnv     []string          `json:"remove_env"`
	Args          *[]string         `json:"args"`
}

// DecodeUpdatePayload parses a JSON update body, rejecting empty header keys
// at ingest.
func DecodeUpdatePayload(body []byte) (ArgsUpdate, error) {
	var payload updatePayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return ArgsUpdate{}, fmt.Errorf("invalid update payload: %w", err)
	}
	for key := range payload.Headers {
		if key == "" {
			return ArgsUpdate{}, ErrEmptyHeaderKey
		}
	}
	return ArgsUpdate{
		SetHeaders:    payload.Headers,
		RemoveHeaders: payload.RemoveHeaders,
		SetEnv:        payload.Env,
		RemoveEnv:     payload.RemoveEnv,
		ReplaceArgs:   payload.Args,
	}, nil
}
