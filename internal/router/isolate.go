package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"

	"github.com/wenbnb/wenbnb/internal/plugin"
)

// Apology is the generic reply for a failed handler. The branding footer is
// appended.
const Apology = "⚠️ Oops, something glitched on our side. Please try again in a moment."

// UpstreamApology is the reply when a market or chain service failed.
const UpstreamApology = "📡 Live data is unavailable right now. Please try again shortly."

// panicError carries a recovered panic and where it happened.
type panicError struct {
	value any
	stack string
}

func (p *panicError) Error() string { return fmt.Sprintf("panic: %v", p.value) }

// invoke is the error isolation wrapper. Whatever the handler does, the
// failure is logged, turned into a branded reply and swallowed.
func (r *Router) invoke(ctx context.Context, name string, h plugin.Handler, req *plugin.Request) {
	req.Handler = name
	err := call(ctx, h, req)
	if err == nil {
		return
	}

	var (
		usage    *plugin.UsageError
		upstream *plugin.UpstreamError
		pe       *panicError
	)
	switch {
	case errors.As(err, &usage):
		r.metrics.HandlerFailure(name, "usage")
		r.reply(ctx, req, "⚠️ Usage: "+usage.Usage)

	case errors.Is(err, plugin.ErrUnauthorized):
		r.metrics.HandlerFailure(name, "unauthorized")
		r.reply(ctx, req, MsgUnauthorized)

	case errors.As(err, &upstream):
		slog.Info("upstream unavailable", "handler", name, "service", upstream.Service, "error", upstream.Err)
		r.metrics.HandlerFailure(name, "upstream")
		r.reply(ctx, req, req.Branded(UpstreamApology))

	case errors.As(err, &pe):
		slog.Warn("handler panicked", "handler", name, "panic", pe.value, "stack", pe.stack)
		r.metrics.HandlerFailure(name, "panic")
		r.reply(ctx, req, req.Branded(Apology))

	default:
		slog.Warn("handler failed", "handler", name, "error", err)
		r.metrics.HandlerFailure(name, "error")
		r.reply(ctx, req, req.Branded(Apology))
	}
}

func call(ctx context.Context, h plugin.Handler, req *plugin.Request) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = &panicError{value: rec, stack: compactStack(4)}
		}
	}()
	return h(ctx, req)
}

// compactStack renders up to five caller frames as "func file:line" joined
// by " < ", skipping runtime frames.
func compactStack(skip int) string {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(skip, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	var parts []string
	for len(parts) < 5 {
		f, more := frames.Next()
		if !strings.HasPrefix(f.Function, "runtime.") && f.Function != "" {
			file := f.File
			if i := strings.LastIndexByte(file, '/'); i >= 0 {
				file = file[i+1:]
			}
			fn := f.Function
			if i := strings.LastIndexByte(fn, '/'); i >= 0 {
				fn = fn[i+1:]
			}
			parts = append(parts, fmt.Sprintf("%s %s:%d", fn, file, f.Line))
		}
		if !more {
			break
		}
	}
	return strings.Join(parts, " < ")
}
