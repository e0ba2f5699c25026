// Package bot is the composition root. It builds every component from the
// configuration, loads the plugins and supervises the update loop and the
// background services.
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/wenbnb/wenbnb/internal/channel/matrix"
	"github.com/wenbnb/wenbnb/internal/channel/telegram"
	"github.com/wenbnb/wenbnb/internal/config"
	"github.com/wenbnb/wenbnb/internal/emotion"
	"github.com/wenbnb/wenbnb/internal/llm"
	"github.com/wenbnb/wenbnb/internal/maintenance"
	"github.com/wenbnb/wenbnb/internal/market"
	"github.com/wenbnb/wenbnb/internal/memory"
	"github.com/wenbnb/wenbnb/internal/plugin"
	"github.com/wenbnb/wenbnb/internal/recall"
	"github.com/wenbnb/wenbnb/internal/router"
	"github.com/wenbnb/wenbnb/internal/telemetry"
	"github.com/wenbnb/wenbnb/internal/verify"
	"github.com/wenbnb/wenbnb/pkg/channel"
	"github.com/wenbnb/wenbnb/pkg/kv"
)

// queueDepth is the per-worker update backlog.
const queueDepth = 64

// Bot is the running process.
type Bot struct {
	cfg     *config.Config
	ch      channel.Channel
	started time.Time

	stores   *Stores
	feed     *telemetry.Feed
	recorder *telemetry.Recorder
	metrics  *telemetry.Metrics
	server   *telemetry.Server

	mem      *memory.Engine
	emo      *emotion.Engine
	llm      *llm.Client
	market   *market.Client
	verifier *verify.Verifier
	maint    *maintenance.Daemon
	sampler  *maintenance.Sampler

	recall      *recall.Service
	recallStore *recall.PGStore

	registry *plugin.Registry
	router   *router.Router
	sentinel func(ctx context.Context)

	mu        sync.Mutex
	cancel    context.CancelFunc
	restarted atomic.Bool
}

// Option customises New.
type Option func(*options)

type options struct {
	channel  channel.Channel
	feed     *telemetry.Feed
	registry *prometheus.Registry
	now      func() time.Time
}

// WithChannel replaces the platform adapter chosen by platform.kind.
func WithChannel(ch channel.Channel) Option {
	return func(o *options) { o.channel = ch }
}

// WithFeed shares a live feed, typically the one the log tee writes to.
func WithFeed(feed *telemetry.Feed) Option {
	return func(o *options) { o.feed = feed }
}

// WithRegistry registers metrics on reg instead of a fresh registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New builds every component. Configuration and token problems are
// returned wrapped in config.ErrFatalStartup.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Bot, error) {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.feed == nil {
		o.feed = telemetry.NewFeed()
	}
	if o.registry == nil {
		o.registry = prometheus.NewRegistry()
		o.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	b := &Bot{cfg: cfg, ch: o.channel, feed: o.feed, started: o.now()}
	if b.ch == nil {
		ch, err := newChannel(cfg)
		if err != nil {
			return nil, err
		}
		b.ch = ch
	}

	stores, corrupt, err := OpenStores(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open stores: %w", err)
	}
	b.stores = stores

	b.recorder = telemetry.NewRecorder(stores.Telemetry, b.feed)
	for _, c := range corrupt {
		b.recorder.Safe("store_corrupt", c)
	}
	b.metrics = telemetry.MustNewMetrics(o.registry, b.feed)
	b.server = telemetry.NewServer(telemetry.ServerOptions{
		Addr:     cfg.Telemetry.Addr,
		Branding: cfg.Branding.Name,
		Feed:     b.feed,
		Gatherer: o.registry,
	})

	b.mem = memory.New(stores.Memory, cfg.Memory.HistoryLimit)
	b.emo = emotion.New(stores.Vibe, stores.Tone, stores.Context, emotion.Options{
		Alpha:       cfg.Emotion.Alpha,
		Samples:     cfg.Emotion.Samples,
		DecayWindow: cfg.Emotion.DecayWindow.D(),
	})
	if err := b.reconcile(); err != nil {
		slog.Warn("emotion reconcile failed", "error", err)
	}

	b.llm, err = llm.NewFromConfig(cfg.LLM)
	if err != nil {
		b.stores.Close()
		return nil, fmt.Errorf("%w: %v", config.ErrFatalStartup, err)
	}
	b.llm.OnResult(b.metrics.ObserveLLM)
	b.market = market.New(cfg.Market, nil)

	b.verifier = verify.New(b.ch, verify.Options{
		Timeout: cfg.Verify.Timeout.D(),
		Now:     o.now,
		OnEvent: b.onVerifyEvent,
	})

	b.buildMaintenance()
	b.connectRecall(ctx)

	b.registry = plugin.NewRegistry(cfg, b.catalog())
	b.router = router.New(b.registry, cfg, b.ch, router.WithMetrics(b.metrics), router.WithClock(o.now))

	b.markReboot(o.now())
	return b, nil
}

func newChannel(cfg *config.Config) (channel.Channel, error) {
	switch cfg.Platform.Kind {
	case "telegram":
		ch, err := telegram.New(telegram.Options{
			Token:       cfg.Platform.Token,
			APIBase:     cfg.Platform.APIBase,
			PollTimeout: cfg.Platform.PollTimeout.D(),
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", config.ErrFatalStartup, err)
		}
		return ch, nil
	case "matrix":
		return matrix.New(matrix.Config{
			Homeserver: cfg.Matrix.Homeserver,
			UserID:     cfg.Matrix.UserID,
			Password:   cfg.Matrix.Password,
			ServerName: cfg.Matrix.ServerName,
			DataDir:    cfg.Matrix.DataDir,
		}), nil
	default:
		return nil, fmt.Errorf("%w: unknown platform %q", config.ErrFatalStartup, cfg.Platform.Kind)
	}
}

// reconcile pairs emotion state with memory records left behind by a crash
// between the two writes of a first message.
func (b *Bot) reconcile() error {
	users, err := b.mem.Users()
	if err != nil {
		return err
	}
	last := make(map[int64]string, len(users))
	for _, u := range users {
		l, ok, err := b.mem.Last(u)
		if err != nil {
			return err
		}
		if ok {
			last[u] = l.Emotion
		}
	}
	seeded, dropped, err := b.emo.Reconcile(last, b.started)
	if err != nil {
		return err
	}
	if seeded > 0 || dropped > 0 {
		slog.Info("emotion state reconciled", "seeded", seeded, "dropped", dropped)
	}
	return nil
}

func (b *Bot) buildMaintenance() {
	mc := b.cfg.Maintenance
	sampler, err := maintenance.NewSampler(mc.DataDir)
	if err != nil {
		slog.Warn("system stats unavailable", "error", err)
	} else {
		b.sampler = sampler
	}
	if mc.Disabled {
		slog.Info("maintenance disabled by config")
		return
	}
	opts := maintenance.Options{
		Interval:      mc.Interval.D(),
		DataDir:       mc.DataDir,
		LogsDir:       mc.LogsDir,
		BackupsDir:    mc.BackupsDir,
		TelemetryKeep: mc.TelemetryKeep,
		Sampler:       b.sampler,
		Recorder:      b.recorder,
		Notify:        b.notifyAdmins,
		OnBackup:      b.metrics.BackupDone,
	}
	up, err := maintenance.NewS3Uploader(b.cfg.ObjectStore)
	switch {
	case err != nil:
		slog.Warn("backup upload disabled", "error", err)
	case up != nil:
		opts.Uploader = up
	}
	b.maint = maintenance.New(opts)
}

// connectRecall wires the optional recall service. Any failure leaves the
// bot running without it.
func (b *Bot) connectRecall(ctx context.Context) {
	rc := b.cfg.Recall
	if !rc.Enabled {
		return
	}
	tei := recall.NewTEIClient(rc.TEIURL)
	if err := tei.Health(ctx); err != nil {
		slog.Warn("recall disabled: embedding server unreachable", "url", rc.TEIURL, "error", err)
		return
	}
	store, err := recall.NewPGStore(ctx, rc.PostgresURL, 0)
	if err != nil {
		slog.Warn("recall disabled: vector store unreachable", "error", err)
		return
	}
	if err := store.Init(ctx); err != nil {
		store.Close()
		slog.Warn("recall disabled: schema init failed", "error", err)
		return
	}
	b.recallStore = store
	b.recall = recall.New(tei, store, rc.Limit)
	slog.Info("recall enabled", "limit", rc.Limit)
}

// markReboot records the start-up time in last_reboot.json.
func (b *Bot) markReboot(now time.Time) {
	path := filepath.Join(b.cfg.Maintenance.DataDir, "last_reboot.json")
	f, err := kv.OpenFile(path)
	if err != nil {
		slog.Warn("last reboot marker", "path", path, "error", err)
		return
	}
	defer f.Close()
	if err := f.Put("timestamp", now.UTC()); err != nil {
		slog.Warn("last reboot marker", "path", path, "error", err)
	}
}

func (b *Bot) onVerifyEvent(event string, p verify.Pending) {
	b.recorder.Safe(event, map[string]int64{"user_id": p.UserID, "chat_id": p.ChatID})
	b.metrics.SetPendingVerifications(len(b.verifier.Pending()))
}

// notifyAdmins sends text to every admin's private chat.
func (b *Bot) notifyAdmins(ctx context.Context, text string) {
	for _, id := range b.cfg.AdminIDs {
		if _, err := b.ch.Send(ctx, channel.Response{ChatID: id, Text: text}); err != nil {
			slog.Warn("admin notice failed", "admin", id, "error", err)
		}
	}
}

// Restart asks Run to shut down so a supervisor can start a fresh process.
func (b *Bot) Restart() {
	b.restarted.Store(true)
	b.mu.Lock()
	cancel := b.cancel
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Restarted reports whether the last Run ended through Restart.
func (b *Bot) Restarted() bool { return b.restarted.Load() }

// Run loads the plugins and serves until ctx is cancelled, Restart is
// called or the channel fails.
func (b *Bot) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	b.mu.Lock()
	b.cancel = cancel
	b.mu.Unlock()

	report := b.registry.Load(ctx, b.cfg.Plugins)
	for _, st := range report.Failed() {
		slog.Warn("plugin not loaded", "plugin", st.Name, "code", st.Code, "reason", st.Reason)
		b.recorder.Safe("plugin_failed", st)
	}
	slog.Info("wenbnb running",
		"name", b.cfg.Name,
		"channel", b.ch.Name(),
		"plugins", strings.Join(report.Loaded(), ","),
		"commands", len(b.registry.Commands()),
		"llm", b.llm.Provider(),
		"admins", len(b.cfg.AdminIDs),
	)
	if !b.cfg.AdminCommandsEnabled() {
		slog.Warn("admin_ids is empty, admin commands are disabled")
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := b.server.ListenAndServe(gctx); err != nil {
			slog.Error("telemetry server failed", "error", err)
		}
		return nil
	})

	if b.maint != nil {
		if b.sentinel != nil {
			spec := "@every " + b.cfg.Maintenance.SentinelEvery.D().String()
			if err := b.maint.Schedule(spec, "airdrop-sentinel", b.sentinel); err != nil {
				slog.Warn("sentinel not scheduled", "error", err)
			}
		}
		if err := b.maint.Start(gctx); err != nil {
			slog.Error("maintenance failed to start", "error", err)
		}
	}

	if b.recall != nil {
		g.Go(func() error {
			b.recall.Run(gctx)
			return nil
		})
	}

	if b.cfg.Telemetry.MoodPulse {
		g.Go(func() error {
			telemetry.Pulse(gctx, b.feed, 0)
			return nil
		})
	}

	pool := router.NewPool(gctx, b.cfg.Router.Workers, queueDepth, b.router.Dispatch)
	g.Go(func() error {
		defer cancel()
		slog.Info("starting channel", "channel", b.ch.Name())
		err := b.ch.Start(gctx, pool.Handler())
		if err != nil && gctx.Err() == nil {
			return fmt.Errorf("%s channel: %w", b.ch.Name(), err)
		}
		return nil
	})

	err := g.Wait()
	if b.restarted.Load() {
		slog.Info("restart requested, shutting down")
	} else {
		slog.Info("shutting down")
	}

	_ = b.ch.Stop()
	pool.Close()
	if b.maint != nil {
		b.maint.Stop()
	}
	b.verifier.Close()
	if b.recall != nil {
		b.recall.Close()
	}
	return err
}

// Close releases stores and connections. Call it after Run returns.
func (b *Bot) Close() error {
	if b.recallStore != nil {
		b.recallStore.Close()
	}
	return b.stores.Close()
}
