// Package plugin defines feature modules and the registry that binds their
// commands and handlers into one dispatch table.
//
// Registration is declarative: a plugin's Register lists its commands and
// optional text, member-join, callback and hook handlers on the Registrar.
// The registry validates everything a plugin declared before any of it
// becomes visible, so a broken plugin never leaves half a registration.
package plugin

import (
	"context"
	"strings"
	"time"

	"github.com/wenbnb/wenbnb/internal/config"
	"github.com/wenbnb/wenbnb/pkg/channel"
)

// Plugin is a feature module.
type Plugin interface {
	// Name returns the plugin id used in config and logs.
	Name() string

	// Register declares the plugin's commands and handlers.
	Register(r Registrar, cfg *config.Config) error
}

// Factory constructs a plugin. A factory error or panic is a module load
// failure.
type Factory func() (Plugin, error)

// Handler serves one update.
type Handler func(ctx context.Context, req *Request) error

// Hook runs before classification. Returning true consumes the update.
type Hook func(ctx context.Context, req *Request) bool

// Command is one declared slash command.
type Command struct {
	Name    string // without the leading slash
	Admin   bool   // consult the admin gate before invoking
	Help    string // one line for /help
	Handler Handler
}

// Registrar is the surface a plugin registers against.
type Registrar interface {
	Commands(cmds ...Command)
	OnText(name string, h Handler)
	OnMemberJoin(name string, h Handler)
	// OnCallback matches callback data against a regular expression.
	OnCallback(pattern string, h Handler)
	// Use installs a pre-dispatch hook.
	Use(name string, h Hook)
}

// Request is what a handler sees. Config is shared and read-only.
type Request struct {
	Update  channel.Update
	Command string   // lower-case command name, empty for non-commands
	Args    []string // whitespace-split arguments
	RawArgs string   // everything after the command token
	Config  *config.Config
	Sender  channel.Sender
	Handler string // "<plugin>/<name>", for logs
	Now     time.Time
}

// UserID is the sender's id.
func (r *Request) UserID() int64 { return r.Update.From.ID }

// ChatID is the chat the update came from.
func (r *Request) ChatID() int64 { return r.Update.ChatID }

// IsAdmin consults the admin set for the sender.
func (r *Request) IsAdmin() bool { return r.Config.IsAdmin(r.Update.From.ID) }

// Reply sends text to the originating chat.
func (r *Request) Reply(ctx context.Context, text string) error {
	_, err := r.Sender.Send(ctx, channel.Response{ChatID: r.Update.ChatID, Text: text})
	return err
}

// ReplyWith sends resp to the originating chat.
func (r *Request) ReplyWith(ctx context.Context, resp channel.Response) (int64, error) {
	resp.ChatID = r.Update.ChatID
	return r.Sender.Send(ctx, resp)
}

// Branded appends the configured footer to text.
func (r *Request) Branded(text string) string {
	if f := r.Config.Branding.Footer; f != "" {
		return text + "\n\n" + f
	}
	return text
}

// ParseCommand splits "/cmd@bot a b" into ("cmd", ["a","b"], "a b"). ok is
// false for text without a leading slash.
func ParseCommand(text string) (name string, args []string, raw string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") || len(text) == 1 {
		return "", nil, "", false
	}
	head, rest, _ := strings.Cut(text[1:], " ")
	if i := strings.IndexByte(head, '@'); i >= 0 {
		head = head[:i]
	}
	if i := strings.IndexByte(head, '\n'); i >= 0 {
		rest = strings.TrimSpace(head[i+1:] + " " + rest)
		head = head[:i]
	}
	if head == "" {
		return "", nil, "", false
	}
	raw = strings.TrimSpace(rest)
	if raw != "" {
		args = strings.Fields(raw)
	}
	return strings.ToLower(head), args, raw, true
}
