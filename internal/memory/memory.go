// Package memory keeps each user's last N exchanges with the bot.
package memory

import (
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/wenbnb/wenbnb/pkg/kv"
)

// Exchange is one user message and the bot's reply.
type Exchange struct {
	Msg   string    `json:"msg"`
	Reply string    `json:"reply"`
	Time  time.Time `json:"time"`
}

// Record is the persisted state for one user. History is oldest first.
type Record struct {
	History     []Exchange `json:"history"`
	LastEmotion string     `json:"last_emotion,omitempty"`
	LastMessage string     `json:"last_message,omitempty"`
	LastUpdate  time.Time  `json:"last_update"`
}

// Last is the convenience view returned by Engine.Last.
type Last struct {
	Message string
	Emotion string
	At      time.Time
}

// Engine is the per-user ring buffer. All mutations go through one lock so
// appends for a user are totally ordered.
type Engine struct {
	mu    sync.Mutex
	store kv.Store
	limit int
}

// New returns an Engine over store keeping at most limit exchanges per user.
func New(store kv.Store, limit int) *Engine {
	if limit < 1 {
		limit = 1
	}
	return &Engine{store: store, limit: limit}
}

// Limit returns the configured history length.
func (e *Engine) Limit() int { return e.limit }

// AppendOption decorates a single Append.
type AppendOption func(*Record)

// WithEmotion stores the mood label in the same write as the exchange.
func WithEmotion(label string) AppendOption {
	return func(r *Record) {
		if label != "" {
			r.LastEmotion = label
		}
	}
}

// Append pushes an exchange, dropping the oldest beyond the limit, and
// persists the record. Timestamps never go backwards within a user.
func (e *Engine) Append(user int64, msg, reply string, now time.Time, opts ...AppendOption) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, _, err := e.load(user)
	if err != nil {
		return err
	}

	now = now.UTC()
	if now.Before(rec.LastUpdate) {
		now = rec.LastUpdate
	}

	rec.History = append(rec.History, Exchange{Msg: msg, Reply: reply, Time: now})
	if over := len(rec.History) - e.limit; over > 0 {
		rec.History = append([]Exchange(nil), rec.History[over:]...)
	}
	rec.LastMessage = msg
	rec.LastUpdate = now
	for _, opt := range opts {
		opt(&rec)
	}
	return e.save(user, rec)
}

// Read returns up to the last k exchanges, oldest first. k <= 0 means all.
func (e *Engine) Read(user int64, k int) ([]Exchange, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, _, err := e.load(user)
	if err != nil {
		return nil, err
	}
	h := rec.History
	if k > 0 && k < len(h) {
		h = h[len(h)-k:]
	}
	out := make([]Exchange, len(h))
	copy(out, h)
	return out, nil
}

// Last returns the user's last message and emotion label.
func (e *Engine) Last(user int64) (Last, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, ok, err := e.load(user)
	if err != nil || !ok {
		return Last{}, false, err
	}
	return Last{Message: rec.LastMessage, Emotion: rec.LastEmotion, At: rec.LastUpdate}, true, nil
}

// SetEmotion updates last_emotion without touching history. It is a no-op
// for users with no record.
func (e *Engine) SetEmotion(user int64, label string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, ok, err := e.load(user)
	if err != nil || !ok {
		return err
	}
	rec.LastEmotion = label
	return e.save(user, rec)
}

// Forget drops the user's record.
func (e *Engine) Forget(user int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.store.Delete(key(user)); err != nil {
		return fmt.Errorf("forget user %d: %w", user, err)
	}
	return nil
}

// Export returns the user's record. ok is false when none exists.
func (e *Engine) Export(user int64) (Record, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok, err := e.load(user)
	if err != nil || !ok {
		return Record{}, ok, err
	}
	rec.History = append([]Exchange(nil), rec.History...)
	return rec, true, nil
}

// Import replaces the user's record with rec, trimmed to the limit.
func (e *Engine) Import(user int64, rec Record) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if over := len(rec.History) - e.limit; over > 0 {
		rec.History = rec.History[over:]
	}
	rec.History = append([]Exchange(nil), rec.History...)
	return e.save(user, rec)
}

// Users lists every user with a record, ascending.
func (e *Engine) Users() ([]int64, error) {
	e.mu.Lock()
	keys, err := e.store.Keys()
	e.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	users := make([]int64, 0, len(keys))
	for _, k := range keys {
		id, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			continue
		}
		users = append(users, id)
	}
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })
	return users, nil
}

func (e *Engine) load(user int64) (Record, bool, error) {
	var rec Record
	ok, err := e.store.Get(key(user), &rec)
	if err != nil {
		return Record{}, false, fmt.Errorf("load memory for %d: %w", user, err)
	}
	return rec, ok, nil
}

func (e *Engine) save(user int64, rec Record) error {
	if err := e.store.Put(key(user), rec); err != nil {
		return fmt.Errorf("save memory for %d: %w", user, err)
	}
	return nil
}

func key(user int64) string { return strconv.FormatInt(user, 10) }
