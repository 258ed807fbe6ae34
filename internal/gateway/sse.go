package gateway

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// sseEvent is one server-sent event: an optional event name and the joined
// data payload.
type sseEvent struct {
	Name string
	Data string
}

// readSSEStream incrementally parses a text/event-stream body, invoking
// handle for every complete event. Comment lines and id fields are ignored.
// Returns when the stream ends or handle reports a terminal error.
func readSSEStream(body io.Reader, handle func(sseEvent) error) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, lineScannerInitial), lineScannerMax)

	var name string
	var data []string
	flush := func() error {
		if len(data) == 0 {
			name = ""
			return nil
		}
		event := sseEvent{Name: name, Data: strings.Join(data, "\n")}
		name = ""
		data = nil
		return handle(event)
	}

	for scanner.Scan() {
		line := strings.TrimSuffix(scanner.Text(), "\r")
		switch {
		case line == "":
			if err := flush(); err != nil {
				return err
			}
		case strings.HasPrefix(line, ":"):
			// comment / keep-alive
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := flush(); err != nil {
		return err
	}
	return scanner.Err()
}

// firstEventStreamData extracts the first complete data payload from a fully
// buffered event-stream body, used for streamable-HTTP POST responses framed
// as SSE.
func firstEventStreamData(body []byte) (json.RawMessage, error) {
	var payload json.RawMessage
	errFound := fmt.Errorf("found")
	err := readSSEStream(strings.NewReader(string(body)), func(event sseEvent) error {
		var raw json.RawMessage
		if json.Unmarshal([]byte(event.Data), &raw) == nil {
			payload = raw
			return errFound
		}
		return nil
	})
	if payload != nil {
		return payload, nil
	}
	if err != nil && err != errFound {
		return nil, err
	}
	// Fall back to treating the body as plain JSON.
	var raw json.RawMessage
	if jsonErr := json.Unmarshal(body, &raw); jsonErr == nil {
		return raw, nil
	}
	return nil, fmt.Errorf("no JSON payload found in event-stream response")
}

// sseSink writes server-sent events to an HTTP response, flushing each one.
type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// newSSESink prepares an HTTP response for event streaming.
func newSSESink(w http.ResponseWriter) (*sseSink, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &sseSink{w: w, flusher: flusher}, nil
}

// sendEvent writes one event with an explicit name.
func (s *sseSink) sendEvent(name, data string) error {
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// sendData writes one unnamed (message) event.
func (s *sseSink) sendData(data string) error {
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
