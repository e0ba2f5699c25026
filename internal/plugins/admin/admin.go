// Package admin holds the admin-only commands: /admin, /broadcast,
// /reboot, /backup and /telemetry.
package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/time/rate"

	"github.com/wenbnb/wenbnb/internal/config"
	"github.com/wenbnb/wenbnb/internal/maintenance"
	"github.com/wenbnb/wenbnb/internal/plugin"
	"github.com/wenbnb/wenbnb/internal/telemetry"
	"github.com/wenbnb/wenbnb/pkg/channel"
)

// Sampler reads system stats.
type Sampler interface {
	Sample() (maintenance.Stats, error)
}

// SubscriberLister returns the broadcast audience.
type SubscriberLister interface {
	List() ([]int64, error)
}

// Backuper takes an on-demand snapshot.
type Backuper interface {
	Backup(ctx context.Context) (string, error)
}

// Telemetry is the recorder surface used here.
type Telemetry interface {
	Record(kind string, payload any) error
	Counts() (map[string]int, error)
}

// Deps are the collaborators. Nil fields disable the matching output or
// command reply.
type Deps struct {
	Sampler     Sampler
	Subscribers SubscriberLister
	Backup      Backuper
	Telemetry   Telemetry
	// Pending counts members awaiting verification.
	Pending func() int
	// Commands lists the loaded commands.
	Commands func() []plugin.CommandEntry
	// Restart asks the process to shut down gracefully.
	Restart func()
	// BroadcastRate paces broadcast sends. Zero means 20 per second.
	BroadcastRate rate.Limit
	Started       time.Time
}

// Plugin is the admin plugin.
type Plugin struct {
	deps Deps
}

// New creates the plugin.
func New(deps Deps) *Plugin {
	if deps.BroadcastRate == 0 {
		deps.BroadcastRate = 20
	}
	if deps.Started.IsZero() {
		deps.Started = time.Now()
	}
	return &Plugin{deps: deps}
}

func (p *Plugin) Name() string { return "admin" }

func (p *Plugin) Register(r plugin.Registrar, cfg *config.Config) error {
	if !cfg.AdminCommandsEnabled() {
		slog.Warn("no admin ids configured, admin commands will reject everyone")
	}
	r.Commands(
		plugin.Command{Name: "admin", Admin: true, Help: "system stats", Handler: p.panel},
		plugin.Command{Name: "broadcast", Admin: true, Help: "announce to all subscribers", Handler: p.broadcast},
		plugin.Command{Name: "reboot", Admin: true, Help: "graceful restart", Handler: p.reboot},
		plugin.Command{Name: "backup", Admin: true, Help: "take a backup now", Handler: p.backup},
		plugin.Command{Name: "telemetry", Admin: true, Help: "event counts", Handler: p.telemetry},
	)
	return nil
}

func (p *Plugin) panel(ctx context.Context, req *plugin.Request) error {
	var b strings.Builder
	b.WriteString("🛠 Admin Panel\n")
	fmt.Fprintf(&b, "Bot uptime: %s\n", req.Now.Sub(p.deps.Started).Round(time.Second))
	if p.deps.Sampler != nil {
		st, err := p.deps.Sampler.Sample()
		if err != nil {
			slog.Warn("stats sample incomplete", "error", err)
		}
		fmt.Fprintf(&b, "%s\n", st)
	}
	if p.deps.Pending != nil {
		fmt.Fprintf(&b, "Pending verifications: %d\n", p.deps.Pending())
	}
	if p.deps.Commands != nil {
		cmds := p.deps.Commands()
		plugins := map[string]struct{}{}
		for _, c := range cmds {
			plugins[c.Plugin] = struct{}{}
		}
		fmt.Fprintf(&b, "Plugins: %d | Commands: %d\n", len(plugins), len(cmds))
	}
	return req.Reply(ctx, req.Branded(strings.TrimRight(b.String(), "\n")))
}

func (p *Plugin) broadcast(ctx context.Context, req *plugin.Request) error {
	if req.RawArgs == "" {
		return plugin.Usage("/broadcast <text>")
	}
	if p.deps.Subscribers == nil {
		return errors.New("broadcast has no subscriber list")
	}
	chats, err := p.deps.Subscribers.List()
	if err != nil {
		return err
	}

	text := "📢 " + req.RawArgs
	lim := rate.NewLimiter(p.deps.BroadcastRate, 1)
	sent, failed := 0, 0
	for _, chatID := range chats {
		if err := lim.Wait(ctx); err != nil {
			break
		}
		if _, err := req.Sender.Send(ctx, channel.Response{ChatID: chatID, Text: text}); err != nil {
			slog.Warn("broadcast send failed", "chat_id", chatID, "error", err)
			failed++
			continue
		}
		sent++
	}
	slog.Info("broadcast finished", "by", req.UserID(), "sent", sent, "failed", failed)
	p.record("broadcast", map[string]any{"by": req.UserID(), "sent": sent, "failed": failed})

	if len(chats) == 0 {
		return req.Reply(ctx, "📣 Broadcast composed. No subscribers yet.")
	}
	reply := fmt.Sprintf("📣 Broadcast sent to %d subscriber(s).", sent)
	if failed > 0 {
		reply += fmt.Sprintf(" %d failed.", failed)
	}
	return req.Reply(ctx, reply)
}

func (p *Plugin) reboot(ctx context.Context, req *plugin.Request) error {
	if p.deps.Restart == nil {
		return req.Reply(ctx, "⚠️ Reboot is not available in this mode.")
	}
	p.record("reboot", map[string]any{"by": req.UserID()})
	if err := req.Reply(ctx, "♻️ Rebooting… back in a moment."); err != nil {
		slog.Warn("reboot notice failed", "error", err)
	}
	slog.Info("reboot requested", "by", req.UserID())
	p.deps.Restart()
	return nil
}

func (p *Plugin) backup(ctx context.Context, req *plugin.Request) error {
	if p.deps.Backup == nil {
		return req.Reply(ctx, "⚠️ Backups are disabled.")
	}
	path, err := p.deps.Backup.Backup(ctx)
	if err != nil {
		return fmt.Errorf("backup: %w", err)
	}
	size := ""
	if fi, err := os.Stat(path); err == nil {
		size = " (" + humanize.Bytes(uint64(fi.Size())) + ")"
	}
	return req.Reply(ctx, fmt.Sprintf("💾 Backup saved: %s%s", filepath.Base(path), size))
}

func (p *Plugin) telemetry(ctx context.Context, req *plugin.Request) error {
	if p.deps.Telemetry == nil {
		return req.Reply(ctx, "📊 Telemetry is disabled.")
	}
	counts, err := p.deps.Telemetry.Counts()
	if err != nil {
		return err
	}
	lines := telemetry.Summary(counts)
	if len(lines) == 0 {
		return req.Reply(ctx, "📊 No telemetry recorded yet.")
	}
	return req.Reply(ctx, "📊 Telemetry\n"+strings.Join(lines, "\n"))
}

func (p *Plugin) record(kind string, payload any) {
	if p.deps.Telemetry == nil {
		return
	}
	if err := p.deps.Telemetry.Record(kind, payload); err != nil {
		slog.Warn("telemetry record failed", "kind", kind, "error", err)
	}
}
