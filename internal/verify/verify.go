// Package verify gates new chat members behind a one-shot button. A joining
// member is restricted and shown a button carrying a random 48-bit token;
// only that member pressing that button releases the restriction. Unanswered
// challenges expire and the member stays restricted.
package verify

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/wenbnb/wenbnb/pkg/channel"
)

// CallbackPrefix starts every verify button payload.
const CallbackPrefix = "verify:"

// Pending is one outstanding challenge.
type Pending struct {
	UserID    int64
	ChatID    int64
	Token     string // 12 hex chars
	IssuedAt  time.Time
	MessageID int64 // the button message
}

// Outcome of a button press.
type Outcome int

const (
	Accepted Outcome = iota
	NotPending
	WrongUser
	BadToken
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case NotPending:
		return "not_pending"
	case WrongUser:
		return "wrong_user"
	case BadToken:
		return "bad_token"
	default:
		return "unknown"
	}
}

// Timer is the subset of *time.Timer the verifier uses.
type Timer interface {
	Stop() bool
}

// Options configures a Verifier.
type Options struct {
	Timeout time.Duration
	// Welcome renders the post-verification greeting for name.
	Welcome func(name string) string
	// Now and AfterFunc are overridable for tests.
	Now       func() time.Time
	AfterFunc func(d time.Duration, f func()) Timer
	// OnEvent is told about begin/verified/expired transitions.
	OnEvent func(event string, p Pending)
}

type entry struct {
	Pending
	timer Timer
}

// Verifier owns the pending map. It is safe for concurrent use by the
// dispatch goroutine and expiry timers.
type Verifier struct {
	sender channel.Sender
	opts   Options

	mu      sync.Mutex
	pending map[int64]*entry
	wg      sync.WaitGroup
	closed  bool
}

// New creates a Verifier sending through sender.
func New(sender channel.Sender, opts Options) *Verifier {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
	}
	if opts.Welcome == nil {
		opts.Welcome = func(name string) string { return fmt.Sprintf("✅ Welcome, %s! You're verified.", name) }
	}
	return &Verifier{sender: sender, opts: opts, pending: make(map[int64]*entry)}
}

// Begin restricts user in chatID, posts the verify button and starts the
// expiry timer. A user who already has a pending challenge gets a fresh one.
func (v *Verifier) Begin(ctx context.Context, chatID int64, user channel.User) error {
	token, err := newToken()
	if err != nil {
		return fmt.Errorf("verify token: %w", err)
	}
	if err := v.sender.Restrict(ctx, chatID, user.ID); err != nil {
		return fmt.Errorf("restrict %d: %w", user.ID, err)
	}

	msgID, err := v.sender.Send(ctx, channel.Response{
		ChatID: chatID,
		Text:   fmt.Sprintf("👋 Welcome %s! Tap the button within %d seconds to prove you're human.", user.DisplayName(), int(v.opts.Timeout.Seconds())),
		Keyboard: &channel.Keyboard{Inline: [][]channel.Button{{
			{Text: "✅ I'm human", Data: CallbackData(user.ID, token)},
		}}},
	})
	if err != nil {
		err = fmt.Errorf("send verify button: %w", err)
		// A member is never left restricted without a button.
		if uerr := v.sender.Unrestrict(ctx, chatID, user.ID); uerr != nil {
			err = errors.Join(err, fmt.Errorf("unrestrict %d: %w", user.ID, uerr))
		}
		return err
	}

	p := Pending{UserID: user.ID, ChatID: chatID, Token: token, IssuedAt: v.opts.Now(), MessageID: msgID}

	v.mu.Lock()
	if old, ok := v.pending[user.ID]; ok && old.timer != nil && old.timer.Stop() {
		v.wg.Done()
	}
	e := &entry{Pending: p}
	v.pending[user.ID] = e
	v.wg.Add(1)
	e.timer = v.opts.AfterFunc(v.opts.Timeout, func() {
		defer v.wg.Done()
		v.expire(user.ID, token)
	})
	v.mu.Unlock()

	slog.Info("verification issued", "user_id", user.ID, "chat_id", chatID)
	v.emit("verify_begin", p)
	return nil
}

// Resolve handles a button press by presser carrying data. Only the pending
// user with the matching token is accepted.
func (v *Verifier) Resolve(ctx context.Context, presser int64, data string) (Outcome, error) {
	target, token, ok := ParseCallbackData(data)
	if !ok {
		return BadToken, nil
	}

	v.mu.Lock()
	e, found := v.pending[target]
	switch {
	case !found:
		v.mu.Unlock()
		return NotPending, nil
	case presser != target:
		v.mu.Unlock()
		return WrongUser, nil
	case e.Token != token:
		v.mu.Unlock()
		return BadToken, nil
	}
	delete(v.pending, target)
	if e.timer != nil && e.timer.Stop() {
		v.wg.Done()
	}
	v.mu.Unlock()

	p := e.Pending
	if err := v.sender.Unrestrict(ctx, p.ChatID, p.UserID); err != nil {
		return Accepted, fmt.Errorf("unrestrict %d: %w", p.UserID, err)
	}
	if p.MessageID != 0 {
		if err := v.sender.Delete(ctx, p.ChatID, p.MessageID); err != nil {
			slog.Warn("delete verify button failed", "chat_id", p.ChatID, "error", err)
		}
	}
	v.emit("verify_ok", p)
	return Accepted, nil
}

// Welcome renders the greeting for a verified member.
func (v *Verifier) Welcome(name string) string { return v.opts.Welcome(name) }

// IsPending reports whether user has an outstanding challenge.
func (v *Verifier) IsPending(user int64) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.pending[user]
	return ok
}

// PendingIn reports whether user has an outstanding challenge in chatID.
func (v *Verifier) PendingIn(user, chatID int64) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	e, ok := v.pending[user]
	return ok && e.ChatID == chatID
}

// Revoke drops a challenge without posting anything. Restrictions stay.
func (v *Verifier) Revoke(user int64) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	e, ok := v.pending[user]
	if !ok {
		return false
	}
	delete(v.pending, user)
	if e.timer != nil && e.timer.Stop() {
		v.wg.Done()
	}
	return true
}

// Pending returns a snapshot of outstanding challenges.
func (v *Verifier) Pending() []Pending {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]Pending, 0, len(v.pending))
	for _, e := range v.pending {
		out = append(out, e.Pending)
	}
	return out
}

// Close stops every timer and waits for in-flight expiries.
func (v *Verifier) Close() {
	v.mu.Lock()
	v.closed = true
	for id, e := range v.pending {
		if e.timer != nil && e.timer.Stop() {
			v.wg.Done()
		}
		delete(v.pending, id)
	}
	v.mu.Unlock()
	v.wg.Wait()
}

func (v *Verifier) expire(user int64, token string) {
	v.mu.Lock()
	e, ok := v.pending[user]
	if !ok || e.Token != token || v.closed {
		v.mu.Unlock()
		return
	}
	delete(v.pending, user)
	v.mu.Unlock()

	p := e.Pending
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if p.MessageID != 0 {
		_ = v.sender.Delete(ctx, p.ChatID, p.MessageID)
	}
	if _, err := v.sender.Send(ctx, channel.Response{
		ChatID: p.ChatID,
		Text:   "⛔ Verification timed out. The member stays restricted until an admin steps in.",
	}); err != nil {
		slog.Warn("verify rejection notice failed", "chat_id", p.ChatID, "error", err)
	}
	slog.Info("verification expired", "user_id", p.UserID, "chat_id", p.ChatID)
	v.emit("verify_expired", p)
}

func (v *Verifier) emit(event string, p Pending) {
	if v.opts.OnEvent != nil {
		v.opts.OnEvent(event, p)
	}
}

// CallbackData builds the button payload for user and token.
func CallbackData(user int64, token string) string {
	return CallbackPrefix + strconv.FormatInt(user, 10) + ":" + token
}

// ParseCallbackData splits "verify:<user>:<token>".
func ParseCallbackData(data string) (user int64, token string, ok bool) {
	rest, found := strings.CutPrefix(data, CallbackPrefix)
	if !found {
		return 0, "", false
	}
	idStr, token, found := strings.Cut(rest, ":")
	if !found || token == "" {
		return 0, "", false
	}
	user, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return 0, "", false
	}
	return user, token, true
}

func newToken() (string, error) {
	var b [6]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}
