package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"sync"

	"github.com/wenbnb/wenbnb/internal/config"
)

var commandName = regexp.MustCompile(`^[a-z0-9_]{1,32}$`)

// CommandEntry is a bound command.
type CommandEntry struct {
	Command
	Plugin string
}

// HandlerEntry is a bound text or member-join handler.
type HandlerEntry struct {
	Plugin  string
	Name    string
	Handler Handler
}

// CallbackEntry is a bound callback route.
type CallbackEntry struct {
	Plugin  string
	Pattern *regexp.Regexp
	Handler Handler
}

// HookEntry is a bound pre-dispatch hook.
type HookEntry struct {
	Plugin string
	Name   string
	Hook   Hook
}

// Status is one line of the load report.
type Status struct {
	Name     string
	Loaded   bool
	Commands []string
	Code     ErrorCode `json:",omitempty"`
	Reason   string    `json:",omitempty"`
}

// Report lists the outcome for every requested plugin, in load order.
type Report struct {
	Plugins []Status
}

// Loaded returns the ids of plugins that registered successfully.
func (r Report) Loaded() []string {
	var out []string
	for _, s := range r.Plugins {
		if s.Loaded {
			out = append(out, s.Name)
		}
	}
	return out
}

// Failed returns the statuses of plugins that did not load.
func (r Report) Failed() []Status {
	var out []Status
	for _, s := range r.Plugins {
		if !s.Loaded {
			out = append(out, s)
		}
	}
	return out
}

// Registry owns the dispatch table.
type Registry struct {
	cfg     *config.Config
	catalog map[string]Factory

	mu        sync.RWMutex
	commands  map[string]CommandEntry
	text      []HandlerEntry
	join      []HandlerEntry
	callbacks []CallbackEntry
	hooks     []HookEntry
}

// NewRegistry creates a registry that resolves plugin ids through catalog.
func NewRegistry(cfg *config.Config, catalog map[string]Factory) *Registry {
	return &Registry{
		cfg:      cfg,
		catalog:  catalog,
		commands: make(map[string]CommandEntry),
	}
}

// Load constructs and registers each plugin in order. A failing plugin is
// logged and skipped; it never stops the rest.
func (r *Registry) Load(ctx context.Context, ids []string) Report {
	var report Report
	for _, id := range ids {
		st := r.loadOne(ctx, id)
		report.Plugins = append(report.Plugins, st)
	}
	slog.InfoContext(ctx, "plugins loaded",
		"loaded", len(report.Loaded()),
		"failed", len(report.Failed()),
		"commands", len(r.Commands()),
	)
	return report
}

func (r *Registry) loadOne(ctx context.Context, id string) Status {
	fail := func(err *RegistryError) Status {
		slog.WarnContext(ctx, "plugin skipped", "plugin", id, "code", err.Code, "reason", err.Reason)
		return Status{Name: id, Code: err.Code, Reason: err.Reason}
	}

	factory, ok := r.catalog[id]
	if !ok {
		return fail(NewModuleLoadFailure(id, "unknown plugin"))
	}

	p, err := construct(factory)
	if err != nil {
		return fail(NewModuleLoadFailure(id, err.Error()))
	}

	st := &staging{plugin: id}
	if err := register(p, st, r.cfg); err != nil {
		return fail(NewMalformedRegistration(id, err.Error()))
	}
	if err := st.validate(); err != nil {
		return fail(NewMalformedRegistration(id, err.Error()))
	}

	names := r.commit(ctx, st)
	slog.DebugContext(ctx, "plugin registered", "plugin", id, "commands", names)
	return Status{Name: id, Loaded: true, Commands: names}
}

func construct(f Factory) (p Plugin, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	p, err = f()
	if err == nil && p == nil {
		err = fmt.Errorf("factory returned nil plugin")
	}
	return p, err
}

func register(p Plugin, st *staging, cfg *config.Config) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in Register: %v", rec)
		}
	}()
	return p.Register(st, cfg)
}

// commit publishes a validated staging area. Duplicate commands override the
// earlier owner with a warning.
func (r *Registry) commit(ctx context.Context, st *staging) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var names []string
	for _, c := range st.commands {
		if prev, ok := r.commands[c.Name]; ok {
			slog.WarnContext(ctx, "duplicate command, last registration wins",
				"code", ErrDuplicateCommand,
				"command", c.Name,
				"previous", prev.Plugin,
				"plugin", st.plugin,
			)
		}
		r.commands[c.Name] = CommandEntry{Command: c, Plugin: st.plugin}
		names = append(names, c.Name)
	}
	r.text = append(r.text, st.text...)
	r.join = append(r.join, st.join...)
	r.callbacks = append(r.callbacks, st.callbacks...)
	r.hooks = append(r.hooks, st.hooks...)
	return names
}

// Command looks up a command by lower-case name.
func (r *Registry) Command(name string) (CommandEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.commands[name]
	return c, ok
}

// Commands returns every bound command sorted by name.
func (r *Registry) Commands() []CommandEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]CommandEntry, 0, len(r.commands))
	for _, c := range r.commands {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// TextHandlers returns free-text handlers in registration order.
func (r *Registry) TextHandlers() []HandlerEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]HandlerEntry(nil), r.text...)
}

// JoinHandlers returns member-join handlers in registration order.
func (r *Registry) JoinHandlers() []HandlerEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]HandlerEntry(nil), r.join...)
}

// MatchCallback returns the first route whose pattern matches data.
func (r *Registry) MatchCallback(data string) (CallbackEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, cb := range r.callbacks {
		if cb.Pattern.MatchString(data) {
			return cb, true
		}
	}
	return CallbackEntry{}, false
}

// Hooks returns pre-dispatch hooks in registration order.
func (r *Registry) Hooks() []HookEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]HookEntry(nil), r.hooks...)
}

// staging collects one plugin's registrations until they validate.
type staging struct {
	plugin    string
	commands  []Command
	text      []HandlerEntry
	join      []HandlerEntry
	callbacks []CallbackEntry
	hooks     []HookEntry
	errs      []string
}

func (s *staging) Commands(cmds ...Command) {
	for _, c := range cmds {
		switch {
		case !commandName.MatchString(c.Name):
			s.errs = append(s.errs, fmt.Sprintf("invalid command name %q", c.Name))
		case c.Handler == nil:
			s.errs = append(s.errs, fmt.Sprintf("command %q has no handler", c.Name))
		default:
			s.commands = append(s.commands, c)
		}
	}
}

func (s *staging) OnText(name string, h Handler) {
	if h == nil {
		s.errs = append(s.errs, "nil text handler "+name)
		return
	}
	s.text = append(s.text, HandlerEntry{Plugin: s.plugin, Name: name, Handler: h})
}

func (s *staging) OnMemberJoin(name string, h Handler) {
	if h == nil {
		s.errs = append(s.errs, "nil member-join handler "+name)
		return
	}
	s.join = append(s.join, HandlerEntry{Plugin: s.plugin, Name: name, Handler: h})
}

func (s *staging) OnCallback(pattern string, h Handler) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		s.errs = append(s.errs, fmt.Sprintf("callback pattern %q: %v", pattern, err))
		return
	}
	if h == nil {
		s.errs = append(s.errs, fmt.Sprintf("callback %q has no handler", pattern))
		return
	}
	s.callbacks = append(s.callbacks, CallbackEntry{Plugin: s.plugin, Pattern: re, Handler: h})
}

func (s *staging) Use(name string, h Hook) {
	if h == nil {
		s.errs = append(s.errs, "nil hook "+name)
		return
	}
	s.hooks = append(s.hooks, HookEntry{Plugin: s.plugin, Name: name, Hook: h})
}

func (s *staging) validate() error {
	if len(s.errs) > 0 {
		return fmt.Errorf("%d invalid registration(s): %v", len(s.errs), s.errs)
	}
	return nil
}
