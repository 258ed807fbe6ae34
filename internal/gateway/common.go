// Package gateway implements the crossbar: the six transport pairings that
// pipe JSON-RPC envelopes between one inbound and one outbound adapter while
// preserving ids, ordering, and session identity.
package gateway

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mcpway/mcpway/pkg/mcp"
)

const (
	clientName    = "mcpway"
	clientVersion = "1.3.0"

	connectTimeout  = 10 * time.Second
	requestTimeout  = 30 * time.Second
	endpointTimeout = 10 * time.Second

	// JSON-RPC error code surfaced for exhausted transport failures.
	codeTransportError = -32000

	lineScannerInitial = 256 * 1024
	lineScannerMax     = 4 * 1024 * 1024
)

// lineWriter serializes NDJSON envelope emission on a shared stream
// (typically the gateway's stdout).
type lineWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func newLineWriter(w io.Writer) *lineWriter {
	return &lineWriter{w: w}
}

// WriteEnvelope emits one envelope as a single newline-terminated line.
func (lw *lineWriter) WriteEnvelope(env *mcp.Envelope) error {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	if _, err := lw.w.Write(env.Raw()); err != nil {
		return err
	}
	_, err := lw.w.Write([]byte{'\n'})
	return err
}

// scanEnvelopes reads NDJSON lines from r, dropping blanks silently and
// logging invalid JSON at error level, and calls handle for each envelope.
// Returns when r is exhausted or handle reports a terminal error.
func scanEnvelopes(r io.Reader, logger *slog.Logger, handle func(*mcp.Envelope) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, lineScannerInitial), lineScannerMax)

	for scanner.Scan() {
		env, err := mcp.Decode(scanner.Bytes())
		if err != nil {
			if err != mcp.ErrEmptyLine {
				logger.Error("invalid JSON on inbound stream", "error", err)
			}
			continue
		}
		if err := handle(env); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// upstreamPayload is the normalized result of one outbound request: at most
// one of Result or ErrObj is set (neither, for an accepted-with-no-body reply).
type upstreamPayload struct {
	Result json.RawMessage
	ErrObj json.RawMessage
}

// IsError reports whether the payload carries an error member.
func (p upstreamPayload) IsError() bool {
	return p.ErrObj != nil
}

// IsEmpty reports an accepted-with-no-body delivery; the response is
// expected asynchronously.
func (p upstreamPayload) IsEmpty() bool {
	return p.Result == nil && p.ErrObj == nil
}

// wrap builds the response envelope for req: {jsonrpc, id} always come from
// the inbound request so every request gets exactly one well-paired reply.
func (p upstreamPayload) wrap(req *mcp.Envelope) *mcp.Envelope {
	if p.ErrObj != nil {
		var parsed struct {
			Code    *int64 `json:"code"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(p.ErrObj, &parsed); err == nil && parsed.Code != nil {
			return mcp.NewErrorResponse(req, *parsed.Code, parsed.Message)
		}
		return mcp.NewRawErrorResponse(req, p.ErrObj)
	}
	result := p.Result
	if result == nil {
		result = json.RawMessage("null")
	}
	return mcp.NewResponse(req, result)
}

// errorPayload builds a transport-error payload.
func errorPayload(code int64, message string) upstreamPayload {
	raw, _ := json.Marshal(map[string]any{"code": code, "message": message})
	return upstreamPayload{ErrObj: raw}
}

// parseUpstreamBody normalizes an HTTP response body into a payload. Bodies
// may be a full JSON-RPC response, a bare result, or (for streamable HTTP)
// an event-stream whose first data event is the response.
func parseUpstreamBody(status int, contentType string, body []byte) (upstreamPayload, error) {
	text := bytes.TrimSpace(body)
	if len(text) == 0 {
		if status >= 200 && status < 300 {
			// Accepted with no body: the response will arrive on the event
			// stream. The caller awaits its pending slot.
			return upstreamPayload{}, nil
		}
		return upstreamPayload{}, fmt.Errorf("request failed with status %d", status)
	}

	var raw json.RawMessage
	var err error
	if strings.Contains(strings.ToLower(contentType), "text/event-stream") {
		raw, err = firstEventStreamData(text)
	} else {
		err = json.Unmarshal(text, &raw)
	}
	if err != nil {
		return upstreamPayload{}, err
	}

	var members struct {
		Result json.RawMessage `json:"result"`
		Error  json.RawMessage `json:"error"`
	}
	_ = json.Unmarshal(raw, &members)

	if status < 200 || status >= 300 {
		if members.Error != nil {
			return upstreamPayload{ErrObj: members.Error}, nil
		}
		return upstreamPayload{}, fmt.Errorf("request failed with status %d", status)
	}
	if members.Error != nil {
		return upstreamPayload{ErrObj: members.Error}, nil
	}
	if members.Result != nil {
		return upstreamPayload{Result: members.Result}, nil
	}
	// A bare result body (no JSON-RPC framing) passes through whole.
	return upstreamPayload{Result: raw}, nil
}

// autoInitID builds the id of a synthesized initialize request.
func autoInitID() string {
	return fmt.Sprintf("init_%d_%s", time.Now().UnixMilli(), uuid.NewString())
}

