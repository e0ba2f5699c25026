// Package core provides the greeting, help, about and menu commands plus
// broadcast subscriptions.
package core

import (
	"context"
	"fmt"
	"strings"

	"github.com/wenbnb/wenbnb/internal/config"
	"github.com/wenbnb/wenbnb/internal/plugin"
	"github.com/wenbnb/wenbnb/pkg/channel"
)

// MainKeyboard is the reply keyboard shown by /start.
var MainKeyboard = [][]string{
	{"/price", "/tokeninfo"},
	{"/meme", "/aianalyze"},
	{"/airdropcheck", "/about"},
}

var menuItems = []struct {
	key, label, hint string
}{
	{"price", "💰 Price", "Send /price <symbol>, e.g. /price bnb"},
	{"token", "🪙 Token info", "Send /tokeninfo for supply and contract details"},
	{"airdrop", "🎁 Airdrop check", "Send /airdropcheck <wallet|contract|symbol>"},
	{"ai", "🧠 AI analysis", "Send /aianalyze <text> or just talk to me"},
	{"meme", "😂 Meme", "Send /meme <topic> for a fresh caption"},
	{"memory", "🗂 Memory", "Send /memory to see what I remember, /forget to wipe it"},
}

// CommandLister returns every registered command.
type CommandLister func() []plugin.CommandEntry

// Plugin is the core feature set.
type Plugin struct {
	subs     *Subscribers
	commands CommandLister
}

// New creates the core plugin. commands backs /help.
func New(subs *Subscribers, commands CommandLister) *Plugin {
	return &Plugin{subs: subs, commands: commands}
}

func (p *Plugin) Name() string { return "core" }

func (p *Plugin) Register(r plugin.Registrar, _ *config.Config) error {
	r.Commands(
		plugin.Command{Name: "start", Help: "greet and show the main keyboard", Handler: p.start},
		plugin.Command{Name: "help", Help: "list commands", Handler: p.help},
		plugin.Command{Name: "about", Help: "version and branding", Handler: p.about},
		plugin.Command{Name: "menu", Help: "feature picker", Handler: p.menu},
		plugin.Command{Name: "subscribe", Help: "receive announcements in this chat", Handler: p.subscribe},
		plugin.Command{Name: "unsubscribe", Help: "stop announcements in this chat", Handler: p.unsubscribe},
	)
	r.OnCallback(`^menu:`, p.menuPressed)
	return nil
}

func (p *Plugin) start(ctx context.Context, req *plugin.Request) error {
	name := req.Update.From.DisplayName()
	text := fmt.Sprintf("👋 Hey %s!\nI'm %s, your AI + crypto sidekick. Pick something below or just say hi.",
		name, req.Config.Branding.Name)
	_, err := req.ReplyWith(ctx, channel.Response{
		Text:     req.Branded(text),
		Keyboard: &channel.Keyboard{Reply: MainKeyboard},
	})
	return err
}

func (p *Plugin) help(ctx context.Context, req *plugin.Request) error {
	var b strings.Builder
	b.WriteString("📖 Commands\n")
	if p.commands != nil {
		admin := req.IsAdmin()
		for _, c := range p.commands() {
			if c.Admin && !admin {
				continue
			}
			fmt.Fprintf(&b, "/%s", c.Name)
			if c.Help != "" {
				fmt.Fprintf(&b, " - %s", c.Help)
			}
			if c.Admin {
				b.WriteString(" (admin)")
			}
			b.WriteByte('\n')
		}
	}
	return req.Reply(ctx, req.Branded(strings.TrimRight(b.String(), "\n")))
}

func (p *Plugin) about(ctx context.Context, req *plugin.Request) error {
	br := req.Config.Branding
	text := fmt.Sprintf("🤖 %s %s\nEmotion-aware AI chat, live market data and airdrop scouting.", br.Name, br.Version)
	return req.Reply(ctx, req.Branded(text))
}

func (p *Plugin) menu(ctx context.Context, req *plugin.Request) error {
	var rows [][]channel.Button
	for i := 0; i < len(menuItems); i += 2 {
		row := []channel.Button{{Text: menuItems[i].label, Data: "menu:" + menuItems[i].key}}
		if i+1 < len(menuItems) {
			row = append(row, channel.Button{Text: menuItems[i+1].label, Data: "menu:" + menuItems[i+1].key})
		}
		rows = append(rows, row)
	}
	_, err := req.ReplyWith(ctx, channel.Response{
		Text:     "✨ What would you like to do?",
		Keyboard: &channel.Keyboard{Inline: rows},
	})
	return err
}

func (p *Plugin) menuPressed(ctx context.Context, req *plugin.Request) error {
	cb := req.Update.Callback
	key := strings.TrimPrefix(cb.Data, "menu:")
	hint := "Unknown option. Try /menu again."
	for _, item := range menuItems {
		if item.key == key {
			hint = item.hint
			break
		}
	}
	if err := req.Sender.AnswerCallback(ctx, cb.ID, ""); err != nil {
		return err
	}
	return req.Reply(ctx, hint)
}

func (p *Plugin) subscribe(ctx context.Context, req *plugin.Request) error {
	added, err := p.subs.Add(req.ChatID(), req.Now)
	if err != nil {
		return err
	}
	if !added {
		return req.Reply(ctx, "📬 This chat is already subscribed.")
	}
	return req.Reply(ctx, "📬 Subscribed. Announcements will arrive here. /unsubscribe to stop.")
}

func (p *Plugin) unsubscribe(ctx context.Context, req *plugin.Request) error {
	removed, err := p.subs.Remove(req.ChatID())
	if err != nil {
		return err
	}
	if !removed {
		return req.Reply(ctx, "📭 This chat was not subscribed.")
	}
	return req.Reply(ctx, "📭 Unsubscribed.")
}
