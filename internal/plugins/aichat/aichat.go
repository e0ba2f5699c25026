// Package aichat is the conversational side of the bot: the free-text
// auto-reply, /aianalyze and /meme. Replies are shaped by the user's mood
// and their remembered exchanges.
package aichat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/wenbnb/wenbnb/internal/config"
	"github.com/wenbnb/wenbnb/internal/emotion"
	"github.com/wenbnb/wenbnb/internal/llm"
	"github.com/wenbnb/wenbnb/internal/memory"
	"github.com/wenbnb/wenbnb/internal/plugin"
)

// User-facing failure replies.
const (
	MsgSyncing = "🔄 Neural core is syncing… please retry in a moment."
	MsgOffline = "⚠️ AI offline: %s"
)

// Completer is the LLM surface the plugin needs.
type Completer interface {
	Complete(ctx context.Context, req llm.Request) (string, error)
}

// Recaller archives and surfaces older exchanges. Optional.
type Recaller interface {
	Archive(user int64, msg, reply string, at time.Time)
	Recall(ctx context.Context, user int64, query string) ([]string, error)
}

// Deps are the collaborators of the plugin.
type Deps struct {
	Memory  *memory.Engine
	Emotion *emotion.Engine
	LLM     Completer
	Recall  Recaller // nil disables recall
	// OnMood is told the label of the latest observed tone.
	OnMood func(label string)
}

// Plugin implements the AI chat features.
type Plugin struct {
	deps     Deps
	cfg      *config.Config
	interval time.Duration

	mu      sync.Mutex
	typists map[int64]*rate.Limiter
}

// New creates the plugin.
func New(deps Deps) *Plugin {
	return &Plugin{deps: deps, typists: make(map[int64]*rate.Limiter)}
}

func (p *Plugin) Name() string { return "aichat" }

func (p *Plugin) Register(r plugin.Registrar, cfg *config.Config) error {
	if p.deps.Memory == nil || p.deps.Emotion == nil || p.deps.LLM == nil {
		return errors.New("aichat needs memory, emotion and llm")
	}
	p.cfg = cfg
	p.interval = cfg.Router.TypingInterval.D()
	if p.interval <= 0 {
		p.interval = 4 * time.Second
	}

	r.Use("context", p.track)
	r.OnText("autoreply", p.autoReply)
	r.Commands(
		plugin.Command{Name: "aianalyze", Help: "AI analysis of your text", Handler: p.analyze},
		plugin.Command{Name: "meme", Help: "AI meme caption for a topic", Handler: p.meme},
	)
	return nil
}

// track records every message snippet and its script for the mood prefix.
// It never consumes the update.
func (p *Plugin) track(_ context.Context, req *plugin.Request) bool {
	text := strings.TrimSpace(req.Update.Text)
	if text == "" || req.Update.From.ID == 0 {
		return false
	}
	if err := p.deps.Emotion.Track(req.UserID(), text); err != nil {
		slog.Warn("context tracker failed", "user_id", req.UserID(), "error", err)
	}
	return false
}

func (p *Plugin) autoReply(ctx context.Context, req *plugin.Request) error {
	user := req.UserID()
	text := strings.TrimSpace(req.Update.Text)

	state, err := p.deps.Emotion.Observe(user, text, req.Now)
	if err != nil {
		return fmt.Errorf("observe mood: %w", err)
	}
	if p.deps.OnMood != nil {
		p.deps.OnMood(state.Emoji() + " " + state.Tone.Label)
	}

	history, err := p.deps.Memory.Read(user, p.deps.Memory.Limit())
	if err != nil {
		return fmt.Errorf("read memory: %w", err)
	}
	turns := make([]llm.Turn, 0, len(history))
	for _, ex := range history {
		turns = append(turns, llm.Turn{User: ex.Msg, Bot: ex.Reply})
	}

	prompt := llm.Prompt{
		BotName:    p.cfg.Branding.Name,
		Persona:    p.cfg.LLM.Persona,
		MoodPrefix: p.deps.Emotion.MoodPrefix(user, req.Update.From.FirstName, req.Now),
		Recalled:   p.recall(ctx, user, text),
	}

	reply, err := p.complete(ctx, req, llm.Request{
		System:  prompt.System(),
		History: llm.HistoryMessages(turns),
		User:    text,
	})
	if err != nil {
		// The exchange is not committed, but the observed mood still is.
		if serr := p.deps.Memory.SetEmotion(user, state.Emoji()); serr != nil {
			slog.Warn("set last emotion failed", "user_id", user, "error", serr)
		}
		return p.replyFailure(ctx, req, err)
	}

	if err := req.Reply(ctx, reply); err != nil {
		return err
	}
	if err := p.deps.Memory.Append(user, text, reply, req.Now, memory.WithEmotion(state.Emoji())); err != nil {
		return fmt.Errorf("append memory: %w", err)
	}
	if p.deps.Recall != nil {
		p.deps.Recall.Archive(user, text, reply, req.Now)
	}
	return nil
}

func (p *Plugin) analyze(ctx context.Context, req *plugin.Request) error {
	if req.RawArgs == "" {
		return plugin.Usage("/aianalyze <text to analyze>")
	}
	system := fmt.Sprintf(
		"You are %s in analyst mode. Break the user's text down into key points, sentiment and risks. "+
			"Use short bullet points. Never give financial advice.", p.cfg.Branding.Name)
	reply, err := p.complete(ctx, req, llm.Request{System: system, User: req.RawArgs})
	if err != nil {
		return p.replyFailure(ctx, req, err)
	}
	return req.Reply(ctx, req.Branded("🧠 Analysis\n"+reply))
}

func (p *Plugin) meme(ctx context.Context, req *plugin.Request) error {
	topic := req.RawArgs
	if topic == "" {
		topic = "crypto traders waiting for the next pump"
	}
	system := fmt.Sprintf(
		"You are %s, a crypto meme writer. Reply with one short, punchy meme caption "+
			"(top text / bottom text). No hashtags.", p.cfg.Branding.Name)
	reply, err := p.complete(ctx, req, llm.Request{System: system, User: "Meme topic: " + topic})
	if err != nil {
		return p.replyFailure(ctx, req, err)
	}
	return req.Reply(ctx, "😂 "+reply)
}

func (p *Plugin) recall(ctx context.Context, user int64, text string) []string {
	if p.deps.Recall == nil {
		return nil
	}
	lines, err := p.deps.Recall.Recall(ctx, user, text)
	if err != nil {
		slog.Info("recall unavailable", "user_id", user, "error", err)
		return nil
	}
	return lines
}

// complete runs the LLM call with a typing indicator kept alive.
func (p *Plugin) complete(ctx context.Context, req *plugin.Request, lr llm.Request) (string, error) {
	stop := p.typing(ctx, req)
	defer stop()
	return p.deps.LLM.Complete(ctx, lr)
}

// replyFailure turns an LLM error into the matching user reply. Non-LLM
// errors go back to the router.
func (p *Plugin) replyFailure(ctx context.Context, req *plugin.Request, err error) error {
	var le *llm.Error
	if !errors.As(err, &le) {
		return err
	}
	slog.Warn("llm completion failed",
		"handler", req.Handler,
		"user_id", req.UserID(),
		"kind", le.Kind.String(),
		"error", err,
	)
	if le.Retryable() {
		return req.Reply(ctx, MsgSyncing)
	}
	return req.Reply(ctx, fmt.Sprintf(MsgOffline, shortReason(le)))
}

func shortReason(e *llm.Error) string {
	switch {
	case e.Kind == llm.KindEmptyCompletion:
		return "empty response"
	case e.StatusCode != 0:
		return fmt.Sprintf("provider returned %d", e.StatusCode)
	case e.Detail != "":
		d := e.Detail
		if r := []rune(d); len(r) > 60 {
			d = string(r[:60]) + "…"
		}
		return d
	default:
		return "provider error"
	}
}

// typing shows the indicator now and then every interval until stop is
// called. A per-chat limiter keeps concurrent replies in one chat from
// stacking indicators.
func (p *Plugin) typing(ctx context.Context, req *plugin.Request) (stop func()) {
	chatID := req.ChatID()
	lim := p.limiter(chatID)
	send := func() {
		if !lim.Allow() {
			return
		}
		if err := req.Sender.Typing(ctx, chatID); err != nil {
			slog.Debug("typing indicator failed", "chat_id", chatID, "error", err)
		}
	}
	send()

	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		t := time.NewTicker(p.interval)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				send()
			}
		}
	}()
	return func() {
		close(done)
		<-finished
	}
}

func (p *Plugin) limiter(chatID int64) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	lim, ok := p.typists[chatID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(p.interval), 1)
		p.typists[chatID] = lim
	}
	return lim
}
