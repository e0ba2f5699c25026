// Package maintenance runs the periodic housekeeping cycle: a system stats
// sample, a zip snapshot of logs and data, an optional upload, telemetry
// rotation and an admin notice.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/robfig/cron/v3"
)

// Recorder receives telemetry events and rotates them.
type Recorder interface {
	Record(kind string, payload any) error
	Rotate(keep int) (int, error)
}

// NotifyFunc delivers a one-line summary to admins.
type NotifyFunc func(ctx context.Context, text string)

// Options configures a Daemon.
type Options struct {
	Interval      time.Duration // default 24h
	DataDir       string
	LogsDir       string
	BackupsDir    string
	TelemetryKeep int // default 500

	Sampler  *Sampler // nil skips stats
	Uploader Uploader // nil skips upload
	Recorder Recorder // nil skips telemetry
	Notify   NotifyFunc
	// OnBackup observes every snapshot attempt.
	OnBackup func(err error)
	Now      func() time.Time
}

// Report holds the results of one maintenance cycle.
type Report struct {
	Cycle     int       `json:"cycle"`
	StartedAt time.Time `json:"started_at"`
	Duration  string    `json:"duration"`
	Stats     *Stats    `json:"stats,omitempty"`
	Archive   string    `json:"archive,omitempty"`
	Files     int       `json:"files"`
	Size      int64     `json:"size"`
	Uploaded  string    `json:"uploaded,omitempty"`
	Rotated   int       `json:"rotated"`
	Errors    []string  `json:"errors,omitempty"`
}

// Summary is the one-line admin notice.
func (r Report) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "🧹 Maintenance #%d", r.Cycle)
	if r.Stats != nil {
		fmt.Fprintf(&b, " | %s", r.Stats)
	}
	if r.Archive != "" {
		fmt.Fprintf(&b, " | backup %s (%d files, %s)", filepath.Base(r.Archive), r.Files, humanize.Bytes(uint64(r.Size)))
	}
	if r.Uploaded != "" {
		b.WriteString(" | uploaded")
	}
	if len(r.Errors) > 0 {
		fmt.Fprintf(&b, " | %d error(s)", len(r.Errors))
	}
	return b.String()
}

// Daemon schedules maintenance on a cron and exposes on-demand runs.
type Daemon struct {
	opts Options
	cron *cron.Cron

	mu         sync.Mutex
	ctx        context.Context
	cycle      int
	lastReport *Report
	running    bool
	backupMu   sync.Mutex
}

// New creates a Daemon.
func New(opts Options) *Daemon {
	if opts.Interval <= 0 {
		opts.Interval = 24 * time.Hour
	}
	if opts.TelemetryKeep <= 0 {
		opts.TelemetryKeep = 500
	}
	if opts.BackupsDir == "" {
		opts.BackupsDir = "backups"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := cron.VerbosePrintfLogger(slogPrintf{})
	return &Daemon{
		opts: opts,
		cron: cron.New(cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger))),
		ctx:  context.Background(),
	}
}

// Schedule adds a named job on spec (standard cron or "@every 1h").
func (d *Daemon) Schedule(spec, name string, fn func(ctx context.Context)) error {
	_, err := d.cron.AddFunc(spec, func() {
		d.mu.Lock()
		ctx := d.ctx
		d.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		slog.Debug("scheduled job", "job", name)
		fn(ctx)
	})
	if err != nil {
		return fmt.Errorf("schedule %s (%s): %w", name, spec, err)
	}
	return nil
}

// Start registers the maintenance tick and starts the scheduler. Jobs run
// with ctx.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return nil
	}
	d.ctx = ctx
	d.running = true
	d.mu.Unlock()

	spec := "@every " + d.opts.Interval.String()
	if err := d.Schedule(spec, "maintenance", func(ctx context.Context) {
		d.RunOnce(ctx)
	}); err != nil {
		return err
	}
	d.cron.Start()
	slog.Info("maintenance started", "interval", d.opts.Interval, "backups", d.opts.BackupsDir)
	return nil
}

// Stop halts the scheduler and waits for running jobs.
func (d *Daemon) Stop() {
	d.mu.Lock()
	running := d.running
	d.running = false
	d.mu.Unlock()
	if !running {
		return
	}
	<-d.cron.Stop().Done()
	slog.Info("maintenance stopped")
}

// RunOnce runs one maintenance cycle.
func (d *Daemon) RunOnce(ctx context.Context) Report {
	d.mu.Lock()
	d.cycle++
	cycle := d.cycle
	d.mu.Unlock()

	start := d.opts.Now()
	report := Report{Cycle: cycle, StartedAt: start}

	if d.opts.Sampler != nil {
		st, err := d.opts.Sampler.Sample()
		if err != nil {
			report.Errors = append(report.Errors, err.Error())
		}
		report.Stats = &st
		d.record("system_stats", st)
	}

	path, files, err := d.backup()
	if err != nil {
		report.Errors = append(report.Errors, err.Error())
	} else {
		report.Archive, report.Files = path, files
		if info, err := os.Stat(path); err == nil {
			report.Size = info.Size()
		}
		if d.opts.Uploader != nil {
			where, err := d.opts.Uploader.Upload(ctx, path)
			if err != nil {
				report.Errors = append(report.Errors, err.Error())
			} else {
				report.Uploaded = where
			}
		}
	}

	if d.opts.Recorder != nil {
		n, err := d.opts.Recorder.Rotate(d.opts.TelemetryKeep)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("rotate telemetry: %v", err))
		}
		report.Rotated = n
	}

	report.Duration = d.opts.Now().Sub(start).Round(time.Millisecond).String()
	d.record("maintenance", report)

	d.mu.Lock()
	d.lastReport = &report
	d.mu.Unlock()

	slog.Info("maintenance cycle complete",
		"cycle", cycle,
		"archive", report.Archive,
		"files", report.Files,
		"rotated", report.Rotated,
		"errors", len(report.Errors),
	)
	if d.opts.Notify != nil {
		d.opts.Notify(ctx, report.Summary())
	}
	return report
}

// Backup writes one snapshot and returns its path.
func (d *Daemon) Backup(ctx context.Context) (string, error) {
	path, files, err := d.backup()
	if err != nil {
		return "", err
	}
	if d.opts.Uploader != nil {
		if _, err := d.opts.Uploader.Upload(ctx, path); err != nil {
			slog.Warn("backup upload failed", "archive", path, "error", err)
		}
	}
	slog.Info("backup written", "archive", path, "files", files)
	return path, nil
}

// LastReport returns the most recent cycle report, or nil.
func (d *Daemon) LastReport() *Report {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastReport
}

func (d *Daemon) backup() (string, int, error) {
	d.backupMu.Lock()
	defer d.backupMu.Unlock()

	dest := filepath.Join(d.opts.BackupsDir, ArchiveName(d.opts.Now()))
	var dirs []string
	for _, dir := range []string{d.opts.LogsDir, d.opts.DataDir} {
		if dir != "" {
			dirs = append(dirs, dir)
		}
	}
	files, err := Snapshot(dest, dirs...)
	if d.opts.OnBackup != nil {
		d.opts.OnBackup(err)
	}
	if err != nil {
		return "", files, fmt.Errorf("backup: %w", err)
	}
	d.record("backup", map[string]any{"archive": filepath.Base(dest), "files": files})
	return dest, files, nil
}

func (d *Daemon) record(kind string, payload any) {
	if d.opts.Recorder == nil {
		return
	}
	if err := d.opts.Recorder.Record(kind, payload); err != nil {
		slog.Warn("maintenance telemetry", "kind", kind, "error", err)
	}
}

// slogPrintf adapts cron's printf logger to slog.
type slogPrintf struct{}

func (slogPrintf) Printf(format string, args ...any) {
	slog.Debug(fmt.Sprintf(format, args...), "component", "cron")
}
