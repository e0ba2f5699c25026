package bot

import (
	"context"
	"log/slog"

	"github.com/wenbnb/wenbnb/internal/plugin"
	"github.com/wenbnb/wenbnb/internal/plugins/admin"
	"github.com/wenbnb/wenbnb/internal/plugins/aichat"
	"github.com/wenbnb/wenbnb/internal/plugins/airdrop"
	"github.com/wenbnb/wenbnb/internal/plugins/core"
	"github.com/wenbnb/wenbnb/internal/plugins/marketcmd"
	"github.com/wenbnb/wenbnb/internal/plugins/memorycmd"
	"github.com/wenbnb/wenbnb/internal/plugins/verifycmd"
)

// catalog maps plugin ids to factories over the bot's components. Optional
// collaborators are only handed over when present so plugins never see a
// typed nil.
func (b *Bot) catalog() map[string]plugin.Factory {
	commands := func() []plugin.CommandEntry { return b.registry.Commands() }
	subs := core.NewSubscribers(b.stores.Subscribers)

	return map[string]plugin.Factory{
		"core": func() (plugin.Plugin, error) {
			return core.New(subs, commands), nil
		},
		"verify": func() (plugin.Plugin, error) {
			return verifycmd.New(b.verifier), nil
		},
		"memory": func() (plugin.Plugin, error) {
			if b.recall != nil {
				return memorycmd.New(b.mem, b.emo, b.recall), nil
			}
			return memorycmd.New(b.mem, b.emo, nil), nil
		},
		"market": func() (plugin.Plugin, error) {
			return marketcmd.New(b.market), nil
		},
		"airdrop": func() (plugin.Plugin, error) {
			p := airdrop.New(b.market, airdrop.NewWatchlist(b.stores.Watchlist), b.notifyAdmins)
			b.sentinel = func(ctx context.Context) {
				moves, err := p.Scan(ctx)
				if err != nil {
					slog.Warn("airdrop sentinel failed", "error", err)
					return
				}
				b.recorder.Safe("sentinel_scan", map[string]int{"moves": len(moves)})
			}
			return p, nil
		},
		"admin": func() (plugin.Plugin, error) {
			deps := admin.Deps{
				Subscribers: subs,
				Telemetry:   b.recorder,
				Pending:     func() int { return len(b.verifier.Pending()) },
				Commands:    commands,
				Restart:     b.Restart,
				Started:     b.started,
			}
			if b.sampler != nil {
				deps.Sampler = b.sampler
			}
			if b.maint != nil {
				deps.Backup = b.maint
			}
			return admin.New(deps), nil
		},
		"aichat": func() (plugin.Plugin, error) {
			deps := aichat.Deps{
				Memory:  b.mem,
				Emotion: b.emo,
				LLM:     b.llm,
				OnMood:  b.feed.SetEmotion,
			}
			if b.recall != nil {
				deps.Recall = b.recall
			}
			return aichat.New(deps), nil
		},
	}
}
