package logger

import (
	"context"
	"log/slog"
)

// Sink persists batches of request logs.
type Sink interface {
	Write(ctx context.Context, batch []RequestLog) error
	Close() error
}

// SlogSink writes one structured "request" record per entry.
type SlogSink struct {
	log *slog.Logger
}

func NewSlogSink(log *slog.Logger) *SlogSink {
	if log == nil {
		log = slog.Default()
	}
	return &SlogSink{log: log}
}

func (s *SlogSink) Write(ctx context.Context, batch []RequestLog) error {
	for _, e := range batch {
		attrs := []slog.Attr{
			slog.String("id", e.ID.String()),
			slog.String("request_id", e.RequestID),
			slog.String("route", e.Route),
			slog.String("provider", e.Provider),
			slog.String("model", e.Model),
			slog.Bool("stream", e.Stream),
			slog.Uint64("input_tokens", uint64(e.InputTokens)),
			slog.Uint64("output_tokens", uint64(e.OutputTokens)),
			slog.Uint64("latency_ms", uint64(e.LatencyMs)),
			slog.Uint64("status", uint64(e.Status)),
			slog.Bool("cached", e.Cached),
			slog.Time("created_at", e.CreatedAt),
		}
		if e.ErrorKind != "" {
			attrs = append(attrs, slog.String("error_kind", e.ErrorKind))
		}
		s.log.LogAttrs(ctx, slog.LevelInfo, "request", attrs...)
	}
	return nil
}

func (s *SlogSink) Close() error { return nil }

// NopSink discards everything.
type NopSink struct{}

func (NopSink) Write(context.Context, []RequestLog) error { return nil }
func (NopSink) Close() error { return nil }
