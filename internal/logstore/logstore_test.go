package logstore

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestHandler(t *testing.T) (*Handler, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mcpway.ndjson")
	h, err := NewHandler(path, "gateway", "sse", slog.LevelDebug)
	if err != nil {
		t.Fatalf("NewHandler() error = %v", err)
	}
	return h, path
}

func TestHandlerWritesNDJSONRecords(t *testing.T) {
	h, path := newTestHandler(t)
	logger := slog.New(h)

	logger.Info("endpoint event sent", "session_id", "abc123")
	logger.Error("upstream refused connection")

	records, err := ReadRecent(path, FilterOptions{})
	if err != nil {
		t.Fatalf("ReadRecent() error = %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("records = %d, want 2", len(records))
	}
	first := records[0]
	if first.Level != "info" || first.Message != "endpoint event sent" {
		t.Errorf("first record = %+v", first)
	}
	if first.Mode != "gateway" || first.Transport != "sse" {
		t.Errorf("record mode/transport = %s/%s", first.Mode, first.Transport)
	}
	if first.Fields["session_id"] != "abc123" {
		t.Errorf("fields = %v", first.Fields)
	}
	if records[1].Level != "error" {
		t.Errorf("second record level = %s", records[1].Level)
	}
}

func TestReadRecentFilters(t *testing.T) {
	h, path := newTestHandler(t)
	logger := slog.New(h)
	logger.Info("keep this one")
	logger.Debug("drop by level")
	logger.Info("nothing to see")

	records, err := ReadRecent(path, FilterOptions{Level: "info", Search: "keep"})
	if err != nil {
		t.Fatalf("ReadRecent() error = %v", err)
	}
	if len(records) != 1 || records[0].Message != "keep this one" {
		t.Errorf("records = %+v", records)
	}
}

func TestReadRecentCapsLineCount(t *testing.T) {
	h, path := newTestHandler(t)
	logger := slog.New(h)
	for i := 0; i < 20; i++ {
		logger.Info("line", "n", i)
	}

	records, err := ReadRecent(path, FilterOptions{Lines: 5})
	if err != nil {
		t.Fatalf("ReadRecent() error = %v", err)
	}
	if len(records) != 5 {
		t.Fatalf("records = %d, want 5 (most recent)", len(records))
	}
	if records[4].Fields["n"] != "19" {
		t.Errorf("last record = %+v, want most recent retained", records[4])
	}
}

func TestOversizedLogIsTruncatedOnOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "big.ndjson")
	if err := os.WriteFile(path, make([]byte, maxLogFileBytes+1), 0o644); err != nil {
		t.Fatalf("seed oversized file: %v", err)
	}

	if _, err := NewHandler(path, "gateway", "stdio", slog.LevelInfo); err != nil {
		t.Fatalf("NewHandler() error = %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Size() > 1024 {
		t.Errorf("file size = %d, want truncated", info.Size())
	}
}

func TestParseRecordRejectsGarbage(t *testing.T) {
	if _, ok := ParseRecord("not json at all"); ok {
		t.Error("ParseRecord accepted garbage")
	}
	record, ok := ParseRecord(`{"ts_utc":1,"level":"info","target":"mcpway","message":"m","mode":"gateway","transport":"ws"}`)
	if !ok || record.Transport != "ws" {
		t.Errorf("ParseRecord = %+v, %v", record, ok)
	}
}

func TestMultiFansOutToAllHandlers(t *testing.T) {
	var buf strings.Builder
	text := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})
	ndjson, path := newTestHandler(t)

	logger := slog.New(NewMulti(text, ndjson))
	logger.Info("both sinks")

	if !strings.Contains(buf.String(), "both sinks") {
		t.Error("text handler missed the record")
	}
	records, err := ReadRecent(path, FilterOptions{})
	if err != nil || len(records) != 1 {
		t.Errorf("ndjson records = %v, err = %v", records, err)
	}

	if !logger.Handler().Enabled(context.Background(), slog.LevelInfo) {
		t.Error("multi handler should be enabled at info")
	}
}
