// Package memorycmd exposes the user's own memory and mood: /memory,
// /forget and /mood.
package memorycmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/wenbnb/wenbnb/internal/config"
	"github.com/wenbnb/wenbnb/internal/emotion"
	"github.com/wenbnb/wenbnb/internal/memory"
	"github.com/wenbnb/wenbnb/internal/plugin"
)

const shown = 5

// Forgetter drops archived exchanges of a user. Optional.
type Forgetter interface {
	Forget(ctx context.Context, user int64) error
}

// Plugin serves the memory commands.
type Plugin struct {
	mem    *memory.Engine
	emo    *emotion.Engine
	recall Forgetter
}

// New creates the plugin. recall may be nil.
func New(mem *memory.Engine, emo *emotion.Engine, recall Forgetter) *Plugin {
	return &Plugin{mem: mem, emo: emo, recall: recall}
}

func (p *Plugin) Name() string { return "memory" }

func (p *Plugin) Register(r plugin.Registrar, _ *config.Config) error {
	r.Commands(
		plugin.Command{Name: "memory", Help: "what I remember about our chats", Handler: p.show},
		plugin.Command{Name: "forget", Help: "wipe your memory and mood", Handler: p.forget},
		plugin.Command{Name: "mood", Help: "your current mood as I see it", Handler: p.mood},
	)
	return nil
}

func (p *Plugin) show(ctx context.Context, req *plugin.Request) error {
	hist, err := p.mem.Read(req.UserID(), shown)
	if err != nil {
		return err
	}
	if len(hist) == 0 {
		return req.Reply(ctx, "🗂 I don't remember anything about you yet. Say hi!")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "🗂 Last %d of up to %d remembered exchanges:\n", len(hist), p.mem.Limit())
	for _, ex := range hist {
		fmt.Fprintf(&b, "\n• %s\n  You: %s\n  Me: %s\n",
			humanize.RelTime(ex.Time, req.Now, "ago", "from now"), clip(ex.Msg), clip(ex.Reply))
	}
	if last, ok, err := p.mem.Last(req.UserID()); err == nil && ok && last.Emotion != "" {
		fmt.Fprintf(&b, "\nLast mood: %s", last.Emotion)
	}
	return req.Reply(ctx, strings.TrimRight(b.String(), "\n"))
}

func (p *Plugin) forget(ctx context.Context, req *plugin.Request) error {
	user := req.UserID()
	if err := p.mem.Forget(user); err != nil {
		return err
	}
	if err := p.emo.Forget(user); err != nil {
		return err
	}
	if p.recall != nil {
		if err := p.recall.Forget(ctx, user); err != nil {
			slog.Warn("recall forget failed", "user_id", user, "error", err)
		}
	}
	slog.Info("user memory wiped", "user_id", user)
	return req.Reply(ctx, "🧹 Done. I've forgotten our conversations and your mood.")
}

func (p *Plugin) mood(ctx context.Context, req *plugin.Request) error {
	st, ok, err := p.emo.Get(req.UserID(), req.Now)
	if err != nil {
		return err
	}
	if !ok {
		return req.Reply(ctx, "🙂 No mood yet. Chat with me a little first.")
	}
	text := fmt.Sprintf("%s Mood: %s\nVibe score: %.0f/100 (updated %s)",
		st.Emoji(), st.Tone.Label, st.Vibe.Score, humanize.RelTime(st.Vibe.UpdatedAt, req.Now, "ago", "from now"))
	return req.Reply(ctx, text)
}

func clip(s string) string {
	r := []rune(strings.ReplaceAll(s, "\n", " "))
	if len(r) > 80 {
		return string(r[:80]) + "…"
	}
	return string(r)
}
