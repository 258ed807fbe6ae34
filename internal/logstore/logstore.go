// Package logstore persists mcpway's structured log stream as append-only
// NDJSON, one record per line, so the logs subcommand and external viewers
// can filter and follow gateway activity after the fact.
package logstore

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// LogPathEnv overrides the on-disk location of the NDJSON log file.
const LogPathEnv = "MCPWAY_LOG_PATH"

// maxLogFileBytes triggers truncation: once the file grows past this size it
// is reset rather than rotated.
const maxLogFileBytes = 20 * 1024 * 1024

// Record is one NDJSON log line.
type Record struct {
	TsUTC     int64             `json:"ts_utc"`
	Level     string            `json:"level"`
	Target    string            `json:"target"`
	Message   string            `json:"message"`
	Mode      string            `json:"mode"`
	Transport string            `json:"transport"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// DefaultPath resolves the log file location.
func DefaultPath() string {
	if path := os.Getenv(LogPathEnv); path != "" {
		return path
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".mcpway", "logs", "mcpway.ndjson")
	}
	return filepath.Join(".mcpway", "logs", "mcpway.ndjson")
}

// ParseRecord parses one NDJSON line, returning ok=false for garbage.
func ParseRecord(line string) (Record, bool) {
	var record Record
	if err := json.Unmarshal([]byte(line), &record); err != nil {
		return Record{}, false
	}
	return record, true
}

// prepareLogFile creates parent directories, truncates an oversized file,
// and opens it for appending.
func prepareLogFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	if info, err := os.Stat(path); err == nil && info.Size() > maxLogFileBytes {
		if err := os.Truncate(path, 0); err != nil {
			return nil, fmt.Errorf("truncate oversized log: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return f, nil
}

// Handler is a slog.Handler that appends one Record per event. It is paired
// with a human-readable handler via slogmulti-style fan-out in the gateway
// bootstrap (both handlers receive each event).
type Handler struct {
	mu        *sync.Mutex
	w         io.Writer
	level     slog.Level
	mode      string
	transport string
	attrs     []slog.Attr
}

// NewHandler opens the log file at path and returns the NDJSON handler.
func NewHandler(path, mode, transport string, level slog.Level) (*Handler, error) {
	f, err := prepareLogFile(path)
	if err != nil {
		return nil, err
	}
	return &Handler{
		mu:        &sync.Mutex{},
		w:         f,
		level:     level,
		mode:      mode,
		transport: transport,
	}, nil
}

// Enabled implements slog.Handler.
func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

// Handle implements slog.Handler.
func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	record := Record{
		TsUTC:     r.Time.UTC().Unix(),
		Level:     strings.ToLower(r.Level.String()),
		Target:    "mcpway",
		Message:   r.Message,
		Mode:      h.mode,
		Transport: h.transport,
		Fields:    make(map[string]string),
	}
	if record.TsUTC == 0 {
		record.TsUTC = time.Now().UTC().Unix()
	}

	collect := func(a slog.Attr) bool {
		if a.Key == "target" {
			record.Target = a.Value.String()
			return true
		}
		record.Fields[a.Key] = a.Value.String()
		return true
	}
	for _, a := range h.attrs {
		collect(a)
	}
	r.Attrs(collect)
	if len(record.Fields) == 0 {
		record.Fields = nil
	}

	line, err := json.Marshal(record)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err = h.w.Write(line)
	return err
}

// WithAttrs implements slog.Handler.
func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &clone
}

// WithGroup implements slog.Handler. Groups are flattened: the gateway's log
// call sites do not nest.
func (h *Handler) WithGroup(string) slog.Handler {
	return h
}

// FilterOptions narrows ReadRecent output.
type FilterOptions struct {
	Lines     int
	Level     string
	Transport string
	Search    string
}

// ReadRecent returns the last matching records from the log file.
func ReadRecent(path string, opts FilterOptions) ([]Record, error) {
	lines := opts.Lines
	if lines <= 0 {
		lines = 300
	}
	if lines > 5000 {
		lines = 5000
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	var buffer []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		record, ok := ParseRecord(scanner.Text())
		if !ok || !matches(record, opts) {
			continue
		}
		buffer = append(buffer, record)
		if len(buffer) > lines {
			buffer = buffer[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan log file: %w", err)
	}
	return buffer, nil
}

func matches(record Record, opts FilterOptions) bool {
	if opts.Level != "" && record.Level != strings.ToLower(opts.Level) {
		return false
	}
	if opts.Transport != "" && record.Transport != opts.Transport {
		return false
	}
	if opts.Search != "" &&
		!strings.Contains(strings.ToLower(record.Message), strings.ToLower(opts.Search)) {
		return false
	}
	return true
}

// Multi fans a log record out to several handlers (stderr text + NDJSON
// file).
type Multi struct {
	handlers []slog.Handler
}

// NewMulti builds a fan-out handler. Nil entries are skipped.
func NewMulti(handlers ...slog.Handler) *Multi {
	var kept []slog.Handler
	for _, h := range handlers {
		if h != nil {
			kept = append(kept, h)
		}
	}
	return &Multi{handlers: kept}
}

// Enabled implements slog.Handler.
func (m *Multi) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

// Handle implements slog.Handler.
func (m *Multi) Handle(ctx context.Context, r slog.Record) error {
	var firstErr error
	for _, h := range m.handlers {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// WithAttrs implements slog.Handler.
func (m *Multi) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		next[i] = h.WithAttrs(attrs)
	}
	return &Multi{handlers: next}
}

// WithGroup implements slog.Handler.
func (m *Multi) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		next[i] = h.WithGroup(name)
	}
	return &Multi{handlers: next}
}
