package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// LogTee is a slog.Handler that mirrors records at INFO and above onto the
// live feed before passing them on.
type LogTee struct {
	next  slog.Handler
	feed  *Feed
	attrs []slog.Attr
}

// NewLogTee wraps next.
func NewLogTee(next slog.Handler, feed *Feed) *LogTee {
	return &LogTee{next: next, feed: feed}
}

func (t *LogTee) Enabled(ctx context.Context, level slog.Level) bool {
	return t.next.Enabled(ctx, level)
}

func (t *LogTee) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= slog.LevelInfo {
		var b strings.Builder
		b.WriteString(r.Message)
		write := func(a slog.Attr) bool {
			if a.Key == "stack" {
				return true
			}
			fmt.Fprintf(&b, " %s=%v", a.Key, a.Value.Any())
			return true
		}
		for _, a := range t.attrs {
			write(a)
		}
		r.Attrs(write)
		t.feed.Publish(FeedEvent{
			Type:    EventLog,
			Level:   strings.ToLower(r.Level.String()),
			Message: b.String(),
			TS:      r.Time.Format("2006-01-02T15:04:05Z07:00"),
		})
	}
	return t.next.Handle(ctx, r)
}

func (t *LogTee) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := append(append([]slog.Attr(nil), t.attrs...), attrs...)
	return &LogTee{next: t.next.WithAttrs(attrs), feed: t.feed, attrs: merged}
}

func (t *LogTee) WithGroup(name string) slog.Handler {
	return &LogTee{next: t.next.WithGroup(name), feed: t.feed, attrs: t.attrs}
}
