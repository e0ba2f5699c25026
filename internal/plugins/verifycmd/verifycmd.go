// Package verifycmd wires the member verifier into the router: joins start a
// challenge, button presses resolve it, and messages from members still
// pending are removed.
package verifycmd

import (
	"context"
	"errors"
	"log/slog"
	"regexp"

	"github.com/wenbnb/wenbnb/internal/config"
	"github.com/wenbnb/wenbnb/internal/plugin"
	"github.com/wenbnb/wenbnb/internal/verify"
)

// Toasts shown on rejected presses.
const (
	ToastWrongUser  = "This button isn't for you."
	ToastNotPending = "Nothing to verify."
	ToastBadToken   = "This challenge is no longer valid."
)

// Plugin is the verify plugin.
type Plugin struct {
	v *verify.Verifier
}

// New creates the plugin around v.
func New(v *verify.Verifier) *Plugin { return &Plugin{v: v} }

func (p *Plugin) Name() string { return "verify" }

func (p *Plugin) Register(r plugin.Registrar, _ *config.Config) error {
	if p.v == nil {
		return errors.New("verifier is required")
	}
	r.Use("pending-gate", p.gate)
	r.OnMemberJoin("challenge", p.join)
	r.OnCallback("^"+regexp.QuoteMeta(verify.CallbackPrefix), p.press)
	return nil
}

// gate swallows messages from members who have not passed verification yet
// in the chat they are challenged in. Other chats are untouched.
func (p *Plugin) gate(ctx context.Context, req *plugin.Request) bool {
	if req.Update.Callback != nil || req.Update.From.ID == 0 || !p.v.PendingIn(req.UserID(), req.ChatID()) {
		return false
	}
	if req.Update.MessageID != 0 {
		if err := req.Sender.Delete(ctx, req.ChatID(), req.Update.MessageID); err != nil {
			slog.Warn("delete unverified message failed", "chat_id", req.ChatID(), "error", err)
		}
	}
	return true
}

func (p *Plugin) join(ctx context.Context, req *plugin.Request) error {
	var errs []error
	for _, m := range req.Update.NewMembers {
		if m.IsBot || req.Config.IsAdmin(m.ID) {
			continue
		}
		if err := p.v.Begin(ctx, req.ChatID(), m); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Plugin) press(ctx context.Context, req *plugin.Request) error {
	outcome, err := p.v.Resolve(ctx, req.UserID(), req.Update.Callback.Data)
	toast := ""
	switch outcome {
	case verify.WrongUser:
		toast = ToastWrongUser
	case verify.NotPending:
		toast = ToastNotPending
	case verify.BadToken:
		toast = ToastBadToken
	}
	if aerr := req.Sender.AnswerCallback(ctx, req.Update.Callback.ID, toast); aerr != nil {
		slog.Debug("answer callback failed", "error", aerr)
	}
	if err != nil {
		return err
	}
	slog.Info("verify press", "user_id", req.UserID(), "outcome", outcome.String())
	if outcome != verify.Accepted {
		return nil
	}
	return req.Reply(ctx, p.v.Welcome(req.Update.From.DisplayName()))
}
