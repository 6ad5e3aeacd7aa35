package comptesting

import (
	"context"
	"io"
	"log/slog"
	"os"

	"k8s.io/utils/clock"
)

// NewLogger returns a logger for tests that writes debug-level text logs to stdout, timestamped with clk.
func NewLogger(clk clock.Clock) *slog.Logger {
	return NewLoggerWithWriter(os.Stdout, clk)
}

// NewLoggerWithWriter is like NewLogger but writes to w.
func NewLoggerWithWriter(w io.Writer, clk clock.Clock) *slog.Logger {
	h := slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})
	return slog.New(&clockHandler{next: h, clock: clk})
}

// clockHandler sets the time of each record from a clock, which can be a fake clock.
type clockHandler struct {
	next  slog.Handler
	clock clock.Clock
}

func (h *clockHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *clockHandler) Handle(ctx context.Context, r slog.Record) error {
	r.Time = h.clock.Now()
	return h.next.Handle(ctx, r)
}

func (h *clockHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &clockHandler{next: h.next.WithAttrs(attrs), clock: h.clock}
}

func (h *clockHandler) WithGroup(name string) slog.Handler {
	return &clockHandler{next: h.next.WithGroup(name), clock: h.clock}
}
