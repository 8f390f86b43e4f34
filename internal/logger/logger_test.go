package logger

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

type recordingSink struct {
	mu      sync.Mutex
	batches [][]RequestLog
	err     error
	closed  bool
}

func (s *recordingSink) Write(_ context.Context, batch []RequestLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]RequestLog(nil), batch...))
	return s.err
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) entries() []RequestLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []RequestLog
	for _, b := range s.batches {
		out = append(out, b...)
	}
	return out
}

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func TestLogger_CloseFlushesPending(t *testing.T) {
	sink := &recordingSink{}
	l, err := New(context.Background(), sink, quiet())
	if err != nil {
		t.Fatal(err)
	}

	for range 250 {
		l.Log(RequestLog{Model: "gpt-4o", Provider: "openai"})
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got := sink.entries()
	if len(got) != 250 {
		t.Fatalf("flushed %d entries, want 250", len(got))
	}
	for _, b := range sink.batches {
		if len(b) > batchSize {
			t.Errorf("batch of %d exceeds %d", len(b), batchSize)
		}
	}
	if !sink.closed {
		t.Error("sink should be closed")
	}
	if got[0].ID == uuid.Nil || got[0].CreatedAt.IsZero() {
		t.Errorf("ID and CreatedAt should be filled: %+v", got[0])
	}
	if got[0].CreatedAt.Location() != time.UTC {
		t.Error("CreatedAt should be UTC")
	}
}

func TestLogger_CloseIdempotent(t *testing.T) {
	l, _ := New(context.Background(), &recordingSink{}, quiet())
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestLogger_CancelledContextStillFlushes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sink := &recordingSink{}
	l, _ := New(ctx, sink, quiet())
	cancel()

	l.Log(RequestLog{Model: "m"})
	l.Close()
	if len(sink.entries()) != 1 {
		t.Error("entries logged before shutdown must reach the sink")
	}
}

func TestLogger_SinkErrorIsLogged(t *testing.T) {
	var buf bytes.Buffer
	sink := &recordingSink{err: errors.New("disk full")}
	l, _ := New(context.Background(), sink, slog.New(slog.NewTextHandler(&buf, nil)))

	l.Log(RequestLog{Model: "m"})
	l.Close()
	if !strings.Contains(buf.String(), "request_log_sink_error") {
		t.Errorf("log = %q", buf.String())
	}
}

func TestLogger_NilContext(t *testing.T) {
	var ctx context.Context
	if _, err := New(ctx, nil, nil); err == nil {
		t.Error("expected error for nil context")
	}
}

func TestSlogSink_Fields(t *testing.T) {
	var buf bytes.Buffer
	sink := NewSlogSink(slog.New(slog.NewJSONHandler(&buf, nil)))

	err := sink.Write(context.Background(), []RequestLog{
		{Provider: "anthropic", Model: "claude-3-5-sonnet", Status: 502, ErrorKind: "all_providers_failed"},
		{Provider: "openai", Model: "gpt-4o", Status: 200, Cached: true},
	})
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d records", len(lines))
	}
	if !strings.Contains(lines[0], `"error_kind":"all_providers_failed"`) {
		t.Errorf("first record = %s", lines[0])
	}
	if strings.Contains(lines[1], "error_kind") {
		t.Errorf("successful record should omit error_kind: %s", lines[1])
	}
	if !strings.Contains(lines[1], `"cached":true`) {
		t.Errorf("second record = %s", lines[1])
	}
}
