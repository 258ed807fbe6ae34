package tools

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mcpway/mcpway/internal/runtime"
	"github.com/mcpway/mcpway/internal/transport"
)

// Transport selects the wire protocol the tool client speaks.
type Transport string

const (
	TransportStreamableHTTP Transport = "streamable-http"
	TransportSSE            Transport = "sse"
	TransportWS             Transport = "ws"
)

// Options configures a transport client.
type Options struct {
	Endpoint        string
	Headers         runtime.Headers
	ProtocolVersion string
	ConnectTimeout  time.Duration
	RequestTimeout  time.Duration
}

// wire is the transport contract the ToolClient drives: requests return the
// full JSON-RPC response value; notifications return nothing.
type wire interface {
	SendRequest(ctx context.Context, message json.RawMessage) (json.RawMessage, error)
	SendNotification(ctx context.Context, message json.RawMessage) error
	Close() error
}

// newWire builds the concrete transport.
func newWire(kind Transport, opts Options) (wire, error) {
	if opts.Endpoint == "" {
		return nil, &InvalidEndpointError{Reason: "endpoint is empty"}
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}

	switch kind {
	case TransportStreamableHTTP:
		return newStreamableWire(opts), nil
	case TransportSSE:
		return newSSEWire(opts), nil
	case TransportWS:
		return newWSWire(opts), nil
	default:
		return nil, &InvalidEndpointError{Reason: fmt.Sprintf("unsupported transport %q", kind)}
	}
}

// httpPost performs one POST and maps HTTP failures onto the typed errors.
func httpPost(ctx context.Context, client *http.Client, endpoint string, headers runtime.Headers, extra map[string]string, message json.RawMessage) ([]byte, http.Header, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(message))
	if err != nil {
		return nil, nil, 0, &TransportError{Reason: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	headers.Range(func(key, value string) bool {
		req.Header.Set(key, value)
		return true
	})
	for key, value := range extra {
		req.Header.Set(key, value)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, nil, 0, &TransportError{Reason: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10*1024*1024))
	if err != nil {
		return nil, resp.Header, resp.StatusCode, &TransportError{Reason: err.Error(), Status: resp.StatusCode}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return body, resp.Header, resp.StatusCode, &AuthorizationRequiredError{
			Status: resp.StatusCode,
			Hint:   "supply credentials via --header or --oauth2-bearer",
		}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return body, resp.Header, resp.StatusCode, &TransportError{
			Reason: strings.TrimSpace(string(body)),
			Status: resp.StatusCode,
		}
	}
	return body, resp.Header, resp.StatusCode, nil
}

// parseResponseBody accepts application/json or text/event-stream bodies;
// for event-stream the first data event is the payload.
func parseResponseBody(contentType string, body []byte) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, &ProtocolError{Reason: "empty response body"}
	}
	if strings.Contains(strings.ToLower(contentType), "text/event-stream") {
		return firstDataEvent(trimmed)
	}
	var raw json.RawMessage
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return nil, &ProtocolError{Reason: fmt.Sprintf("response was not JSON: %v", err)}
	}
	return raw, nil
}

func firstDataEvent(body []byte) (json.RawMessage, error) {
	var data []string
	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSuffix(scanner.Text(), "\r")
		if line == "" {
			if payload := joinDataLines(data); payload != nil {
				return payload, nil
			}
			data = nil
			continue
		}
		if rest, ok := strings.CutPrefix(line, "data:"); ok {
			data = append(data, strings.TrimPrefix(rest, " "))
		}
	}
	if payload := joinDataLines(data); payload != nil {
		return payload, nil
	}
	return nil, &ProtocolError{Reason: "no JSON payload found in event-stream response"}
}

func joinDataLines(data []string) json.RawMessage {
	if len(data) == 0 {
		return nil
	}
	var raw json.RawMessage
	if err := json.Unmarshal([]byte(strings.Join(data, "\n")), &raw); err != nil {
		return nil
	}
	return raw
}

// ---- streamable HTTP ----

type streamableWire struct {
	opts   Options
	client *http.Client

	mu        sync.Mutex
	sessionID string
}

func newStreamableWire(opts Options) *streamableWire {
	key := transport.Fingerprint("tool-api-streamable-http", opts.Endpoint, opts.Headers.Map(), opts.ProtocolVersion)
	return &streamableWire{
		opts:   opts,
		client: transport.Global().HTTPClient(key, opts.ConnectTimeout, opts.RequestTimeout),
	}
}

func (w *streamableWire) extraHeaders() map[string]string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sessionID == "" {
		return nil
	}
	return map[string]string{"Mcp-Session-Id": w.sessionID}
}

func (w *streamableWire) captureSession(header http.Header) {
	if sid := header.Get("Mcp-Session-Id"); sid != "" {
		w.mu.Lock()
		w.sessionID = sid
		w.mu.Unlock()
	}
}

func (w *streamableWire) SendRequest(ctx context.Context, message json.RawMessage) (json.RawMessage, error) {
	body, header, _, err := httpPost(ctx, w.client, w.opts.Endpoint, w.opts.Headers, w.extraHeaders(), message)
	if header != nil {
		w.captureSession(header)
	}
	if err != nil {
		return nil, err
	}
	return parseResponseBody(header.Get("Content-Type"), body)
}

func (w *streamableWire) SendNotification(ctx context.Context, message json.RawMessage) error {
	_, header, _, err := httpPost(ctx, w.client, w.opts.Endpoint, w.opts.Headers, w.extraHeaders(), message)
	if header != nil {
		w.captureSession(header)
	}
	return err
}

func (w *streamableWire) Close() error { return nil }

// ---- SSE ----

type sseWire struct {
	opts   Options
	client *http.Client
	stream *http.Client

	mu       sync.Mutex
	endpoint string
	pending  map[string]chan json.RawMessage

	startOnce sync.Once
	ready     chan struct{}
	cancel    context.CancelFunc
}

func newSSEWire(opts Options) *sseWire {
	requestKey := transport.Fingerprint("tool-api-sse-request", opts.Endpoint, opts.Headers.Map(), opts.ProtocolVersion)
	streamKey := transport.Fingerprint("tool-api-sse-events", opts.Endpoint, opts.Headers.Map(), opts.ProtocolVersion)
	return &sseWire{
		opts:    opts,
		client:  transport.Global().HTTPClient(requestKey, opts.ConnectTimeout, opts.RequestTimeout),
		stream:  transport.Global().HTTPClient(streamKey, opts.ConnectTimeout, 0),
		pending: make(map[string]chan json.RawMessage),
		ready:   make(chan struct{}),
	}
}

// start connects the event stream once, publishing the message endpoint.
func (w *sseWire) start() {
	w.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		w.cancel = cancel
		go w.readStream(ctx)
	})
}

func (w *sseWire) readStream(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.opts.Endpoint, nil)
	if err != nil {
		return
	}
	req.Header.Set("Accept", "text/event-stream")
	w.opts.Headers.Range(func(key, value string) bool {
		req.Header.Set(key, value)
		return true
	})

	resp, err := w.stream.Do(req)
	if err != nil || resp.StatusCode != http.StatusOK {
		if resp != nil {
			resp.Body.Close()
		}
		return
	}
	defer resp.Body.Close()

	base, err := url.Parse(w.opts.Endpoint)
	if err != nil {
		return
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	var eventName string
	var data []string
	for scanner.Scan() {
		line := strings.TrimSuffix(scanner.Text(), "\r")
		switch {
		case line == "":
			w.dispatchEvent(base, eventName, strings.Join(data, "\n"))
			eventName = ""
			data = nil
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
}

func (w *sseWire) dispatchEvent(base *url.URL, name, data string) {
	if data == "" {
		return
	}
	if name == "endpoint" {
		if joined, err := base.Parse(data); err == nil {
			w.mu.Lock()
			first := w.endpoint == ""
			w.endpoint = joined.String()
			w.mu.Unlock()
			if first {
				close(w.ready)
			}
		}
		return
	}
	var envelope struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal([]byte(data), &envelope); err != nil || envelope.ID == nil {
		return
	}
	w.mu.Lock()
	ch, ok := w.pending[string(envelope.ID)]
	if ok {
		delete(w.pending, string(envelope.ID))
	}
	w.mu.Unlock()
	if ok {
		ch <- json.RawMessage(data)
	}
}

// awaitEndpoint blocks until the endpoint event arrives.
func (w *sseWire) awaitEndpoint(ctx context.Context) (string, error) {
	w.start()
	select {
	case <-w.ready:
	case <-time.After(10 * time.Second):
		return "", &TransportError{Reason: "timed out waiting for SSE endpoint event"}
	case <-ctx.Done():
		return "", &TransportError{Reason: ctx.Err().Error()}
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.endpoint, nil
}

func (w *sseWire) SendRequest(ctx context.Context, message json.RawMessage) (json.RawMessage, error) {
	endpoint, err := w.awaitEndpoint(ctx)
	if err != nil {
		return nil, err
	}

	var envelope struct {
		ID json.RawMessage `json:"id"`
	}
	_ = json.Unmarshal(message, &envelope)
	var slot chan json.RawMessage
	if envelope.ID != nil {
		slot = make(chan json.RawMessage, 1)
		w.mu.Lock()
		w.pending[string(envelope.ID)] = slot
		w.mu.Unlock()
	}
	clearSlot := func() {
		if slot != nil {
			w.mu.Lock()
			delete(w.pending, string(envelope.ID))
			w.mu.Unlock()
		}
	}

	body, header, _, err := httpPost(ctx, w.client, endpoint, w.opts.Headers, nil, message)
	if err != nil {
		clearSlot()
		return nil, err
	}
	if len(bytes.TrimSpace(body)) > 0 {
		clearSlot()
		return parseResponseBody(header.Get("Content-Type"), body)
	}
	if slot == nil {
		return nil, &ProtocolError{Reason: "empty response body for request"}
	}

	select {
	case payload := <-slot:
		return payload, nil
	case <-time.After(w.opts.RequestTimeout):
		clearSlot()
		return nil, &TransportError{Reason: "timed out waiting for response on SSE stream"}
	case <-ctx.Done():
		clearSlot()
		return nil, &TransportError{Reason: ctx.Err().Error()}
	}
}

func (w *sseWire) SendNotification(ctx context.Context, message json.RawMessage) error {
	endpoint, err := w.awaitEndpoint(ctx)
	if err != nil {
		return err
	}
	_, _, _, err = httpPost(ctx, w.client, endpoint, w.opts.Headers, nil, message)
	return err
}

func (w *sseWire) Close() error {
	if w.cancel != nil {
		w.cancel()
	}
	return nil
}

// ---- WebSocket ----

type wsWire struct {
	opts Options

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan json.RawMessage
}

func newWSWire(opts Options) *wsWire {
	return &wsWire{opts: opts, pending: make(map[string]chan json.RawMessage)}
}

func (w *wsWire) dial(ctx context.Context) (*websocket.Conn, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn != nil {
		return w.conn, nil
	}

	header := http.Header{}
	w.opts.Headers.Range(func(key, value string) bool {
		header.Set(key, value)
		return true
	})
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = w.opts.ConnectTimeout

	conn, _, err := dialer.DialContext(ctx, w.opts.Endpoint, header)
	if err != nil {
		return nil, &TransportError{Reason: err.Error()}
	}
	w.conn = conn
	key := transport.Fingerprint("tool-api-ws", w.opts.Endpoint, w.opts.Headers.Map(), w.opts.ProtocolVersion)
	transport.Global().MarkSuccess(key, "ws")
	go w.readPump(conn)
	return conn, nil
}

func (w *wsWire) readPump(conn *websocket.Conn) {
	for {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			w.failAll(&TransportError{Reason: err.Error()})
			return
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}
		var envelope struct {
			ID json.RawMessage `json:"id"`
		}
		if err := json.Unmarshal(payload, &envelope); err != nil || envelope.ID == nil {
			continue
		}
		w.mu.Lock()
		ch, ok := w.pending[string(envelope.ID)]
		if ok {
			delete(w.pending, string(envelope.ID))
		}
		w.mu.Unlock()
		if ok {
			ch <- json.RawMessage(payload)
		}
	}
}

// failAll clears the in-flight slots after a connection loss; their waiters
// fall back to the request timeout.
func (w *wsWire) failAll(error) {
	w.mu.Lock()
	w.pending = make(map[string]chan json.RawMessage)
	w.conn = nil
	w.mu.Unlock()
}

func (w *wsWire) SendRequest(ctx context.Context, message json.RawMessage) (json.RawMessage, error) {
	conn, err := w.dial(ctx)
	if err != nil {
		return nil, err
	}

	var envelope struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(message, &envelope); err != nil || envelope.ID == nil {
		return nil, &ProtocolError{Reason: "request is missing an id"}
	}
	slot := make(chan json.RawMessage, 1)
	w.mu.Lock()
	w.pending[string(envelope.ID)] = slot
	w.mu.Unlock()

	if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
		w.mu.Lock()
		delete(w.pending, string(envelope.ID))
		w.mu.Unlock()
		return nil, &TransportError{Reason: err.Error()}
	}

	select {
	case payload := <-slot:
		return payload, nil
	case <-time.After(w.opts.RequestTimeout):
		w.mu.Lock()
		delete(w.pending, string(envelope.ID))
		w.mu.Unlock()
		return nil, &TransportError{Reason: "timed out waiting for WebSocket response"}
	case <-ctx.Done():
		return nil, &TransportError{Reason: ctx.Err().Error()}
	}
}

func (w *wsWire) SendNotification(ctx context.Context, message json.RawMessage) error {
	conn, err := w.dial(ctx)
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
		return &TransportError{Reason: err.Error()}
	}
	return nil
}

func (w *wsWire) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn != nil {
		err := w.conn.Close()
		w.conn = nil
		return err
	}
	return nil
}
