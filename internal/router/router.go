// Package router demultiplexes platform updates onto plugin handlers.
//
// Classification order: pre-dispatch hooks, then commands, member joins,
// callback buttons and finally free text. Every handler runs inside the
// error isolation wrapper (see invoke), so nothing a handler does can stop
// the update loop.
package router

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/wenbnb/wenbnb/internal/config"
	"github.com/wenbnb/wenbnb/internal/plugin"
	"github.com/wenbnb/wenbnb/pkg/channel"
)

// Fixed user-facing replies.
const (
	MsgUnauthorized = "🚫 Unauthorized Access"
	MsgUnknown      = "🤖 Unknown command. Try /help."
)

// Metrics receives dispatch observations. telemetry.Metrics implements it.
type Metrics interface {
	ObserveDispatch(kind string, elapsed time.Duration)
	HandlerFailure(handler, reason string)
}

type nopMetrics struct{}

func (nopMetrics) ObserveDispatch(string, time.Duration) {}
func (nopMetrics) HandlerFailure(string, string)         {}

// Router dispatches updates using the registry's table.
type Router struct {
	reg     *plugin.Registry
	cfg     *config.Config
	sender  channel.Sender
	metrics Metrics
	now     func() time.Time
}

// Option configures a Router.
type Option func(*Router)

// WithMetrics installs a metrics sink.
func WithMetrics(m Metrics) Option {
	return func(r *Router) {
		if m != nil {
			r.metrics = m
		}
	}
}

// WithClock overrides time.Now for requests.
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// New creates a Router.
func New(reg *plugin.Registry, cfg *config.Config, sender channel.Sender, opts ...Option) *Router {
	r := &Router{
		reg:     reg,
		cfg:     cfg,
		sender:  sender,
		metrics: nopMetrics{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Dispatch routes one update. It never panics and never returns an error.
func (r *Router) Dispatch(ctx context.Context, upd channel.Update) {
	start := time.Now()
	req := &plugin.Request{
		Update: upd,
		Config: r.cfg,
		Sender: r.sender,
		Now:    r.now(),
	}
	isCommand := false
	if upd.Kind == channel.UpdateMessage {
		req.Command, req.Args, req.RawArgs, isCommand = plugin.ParseCommand(upd.Text)
	}

	kind := r.route(ctx, req, isCommand)
	r.metrics.ObserveDispatch(kind, time.Since(start))
}

func (r *Router) route(ctx context.Context, req *plugin.Request, isCommand bool) string {
	for _, h := range r.reg.Hooks() {
		if r.runHook(ctx, h, req) {
			return "consumed"
		}
	}

	upd := req.Update
	switch {
	case isCommand:
		r.dispatchCommand(ctx, req)
		return "command"

	case upd.Kind == channel.UpdateMemberJoin:
		for _, h := range r.reg.JoinHandlers() {
			r.invoke(ctx, h.Plugin+"/"+h.Name, h.Handler, req)
		}
		return "member_join"

	case upd.Kind == channel.UpdateCallback:
		if upd.Callback == nil {
			return "ignored"
		}
		cb, ok := r.reg.MatchCallback(upd.Callback.Data)
		if !ok {
			slog.Debug("callback without route", "data", upd.Callback.Data)
			return "ignored"
		}
		r.invoke(ctx, cb.Plugin+"/callback", cb.Handler, req)
		return "callback"

	default:
		if strings.TrimSpace(upd.Text) == "" {
			return "ignored"
		}
		for _, h := range r.reg.TextHandlers() {
			r.invoke(ctx, h.Plugin+"/"+h.Name, h.Handler, req)
		}
		return "text"
	}
}

func (r *Router) dispatchCommand(ctx context.Context, req *plugin.Request) {
	entry, ok := r.reg.Command(req.Command)
	if !ok {
		slog.Debug("unknown command", "command", req.Command, "chat_id", req.ChatID())
		if r.cfg.Router.ReplyUnknown {
			r.reply(ctx, req, MsgUnknown)
		}
		return
	}

	req.Handler = entry.Plugin + "/" + entry.Name
	if entry.Admin && !r.cfg.IsAdmin(req.UserID()) {
		slog.Info("admin gate rejected caller",
			"command", entry.Name,
			"user_id", req.UserID(),
		)
		r.reply(ctx, req, MsgUnauthorized)
		return
	}
	r.invoke(ctx, req.Handler, entry.Handler, req)
}

func (r *Router) runHook(ctx context.Context, h plugin.HookEntry, req *plugin.Request) (consumed bool) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Warn("hook panicked",
				"hook", h.Plugin+"/"+h.Name,
				"panic", rec,
				"stack", compactStack(3),
			)
			r.metrics.HandlerFailure(h.Plugin+"/"+h.Name, "panic")
			consumed = false
		}
	}()
	return h.Hook(ctx, req)
}

func (r *Router) reply(ctx context.Context, req *plugin.Request, text string) {
	if _, err := r.sender.Send(ctx, channel.Response{ChatID: req.ChatID(), Text: text}); err != nil {
		slog.Warn("reply failed", "chat_id", req.ChatID(), "error", err)
	}
}
