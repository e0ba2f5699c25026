// Package channel defines the platform-neutral update model and the interface
// every messaging adapter implements. Telegram and Matrix both speak it.
package channel

import (
	"context"
	"hash/fnv"
	"strings"
)

// UpdateKind classifies an inbound platform update.
type UpdateKind int

const (
	UpdateMessage    UpdateKind = iota // text message (command or free text)
	UpdateMemberJoin                   // one or more members joined a chat
	UpdateCallback                     // inline button press
)

func (k UpdateKind) String() string {
	switch k {
	case UpdateMessage:
		return "message"
	case UpdateMemberJoin:
		return "member_join"
	case UpdateCallback:
		return "callback"
	default:
		return "unknown"
	}
}

// User identifies a platform account.
type User struct {
	ID        int64
	FirstName string
	Username  string
	IsBot     bool
}

// DisplayName returns the friendliest available name for u.
func (u User) DisplayName() string {
	if n := strings.TrimSpace(u.FirstName); n != "" {
		return n
	}
	if n := strings.TrimSpace(u.Username); n != "" {
		return "@" + n
	}
	return "there"
}

// Callback is an inline button press.
type Callback struct {
	ID        string // platform callback id, used to acknowledge the press
	Data      string // opaque button payload
	MessageID int64  // message carrying the button
}

// Update is a single inbound event from a platform.
type Update struct {
	ID         int64
	Source     string // "telegram", "matrix", ...
	Kind       UpdateKind
	ChatID     int64
	MessageID  int64
	From       User
	Text       string
	NewMembers []User
	Callback   *Callback
}

// Button is an inline keyboard button. Data is delivered back in a Callback.
type Button struct {
	Text string
	Data string
}

// Keyboard carries either reply-keyboard rows (plain command strings) or
// inline rows (buttons with callback data). Both may be empty.
type Keyboard struct {
	Reply  [][]string
	Inline [][]Button
}

// Response is an outgoing message.
type Response struct {
	ChatID   int64
	Text     string
	ReplyTo  int64
	Keyboard *Keyboard
}

// Sender is the outbound half of a channel. Handlers only ever need this.
type Sender interface {
	// Send delivers resp and returns the platform message id.
	Send(ctx context.Context, resp Response) (int64, error)

	// Delete removes a message.
	Delete(ctx context.Context, chatID, messageID int64) error

	// Restrict revokes a member's permission to post in chatID.
	Restrict(ctx context.Context, chatID, userID int64) error

	// Unrestrict restores a member's posting permission in chatID.
	Unrestrict(ctx context.Context, chatID, userID int64) error

	// Typing shows a typing indicator in chatID.
	Typing(ctx context.Context, chatID int64) error

	// AnswerCallback acknowledges a button press, optionally with a toast.
	AnswerCallback(ctx context.Context, callbackID, text string) error
}

// Channel is a messaging platform adapter.
type Channel interface {
	Sender

	// Name returns the channel identifier (e.g., "telegram").
	Name() string

	// Start begins receiving updates. Blocks until ctx is cancelled.
	// Updates are delivered to handler one at a time in delivery order.
	Start(ctx context.Context, handler UpdateHandler) error

	// Stop gracefully shuts down the channel.
	Stop() error
}

// UpdateHandler is called for every inbound update.
type UpdateHandler func(ctx context.Context, upd Update)

// StableID maps a platform string identifier (Matrix user or room id) onto a
// positive int64. The mapping is deterministic across restarts.
func StableID(s string) int64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return int64(h.Sum64() >> 1)
}
