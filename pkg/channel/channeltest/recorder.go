// Package channeltest provides an in-memory channel that records every
// outbound call. Tests feed updates through Emit.
package channeltest

import (
	"context"
	"fmt"
	"sync"

	"github.com/wenbnb/wenbnb/pkg/channel"
)

// Action is a recorded non-message call (delete, restrict, ...).
type Action struct {
	Op        string
	ChatID    int64
	UserID    int64
	MessageID int64
	Text      string
}

// Recorder implements channel.Channel in memory.
type Recorder struct {
	mu      sync.Mutex
	nextID  int64
	sent    []channel.Response
	actions []Action
	handler channel.UpdateHandler

	// SendErr, when set, is returned by Send.
	SendErr error
}

// New returns an empty Recorder.
func New() *Recorder { return &Recorder{nextID: 1000} }

func (r *Recorder) Name() string { return "test" }

func (r *Recorder) Start(ctx context.Context, handler channel.UpdateHandler) error {
	r.mu.Lock()
	r.handler = handler
	r.mu.Unlock()
	<-ctx.Done()
	return nil
}

func (r *Recorder) Stop() error { return nil }

// Emit delivers upd to the handler registered by Start.
func (r *Recorder) Emit(ctx context.Context, upd channel.Update) error {
	r.mu.Lock()
	h := r.handler
	r.mu.Unlock()
	if h == nil {
		return fmt.Errorf("channeltest: not started")
	}
	h(ctx, upd)
	return nil
}

func (r *Recorder) Send(_ context.Context, resp channel.Response) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.SendErr != nil {
		return 0, r.SendErr
	}
	r.nextID++
	r.sent = append(r.sent, resp)
	return r.nextID, nil
}

func (r *Recorder) Delete(_ context.Context, chatID, messageID int64) error {
	r.record(Action{Op: "delete", ChatID: chatID, MessageID: messageID})
	return nil
}

func (r *Recorder) Restrict(_ context.Context, chatID, userID int64) error {
	r.record(Action{Op: "restrict", ChatID: chatID, UserID: userID})
	return nil
}

func (r *Recorder) Unrestrict(_ context.Context, chatID, userID int64) error {
	r.record(Action{Op: "unrestrict", ChatID: chatID, UserID: userID})
	return nil
}

func (r *Recorder) Typing(_ context.Context, chatID int64) error {
	r.record(Action{Op: "typing", ChatID: chatID})
	return nil
}

func (r *Recorder) AnswerCallback(_ context.Context, callbackID, text string) error {
	r.record(Action{Op: "answer", Text: text})
	return nil
}

func (r *Recorder) record(a Action) {
	r.mu.Lock()
	r.actions = append(r.actions, a)
	r.mu.Unlock()
}

// Sent returns a copy of every message sent so far.
func (r *Recorder) Sent() []channel.Response {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]channel.Response, len(r.sent))
	copy(out, r.sent)
	return out
}

// Last returns the most recent message, or a zero Response.
func (r *Recorder) Last() channel.Response {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sent) == 0 {
		return channel.Response{}
	}
	return r.sent[len(r.sent)-1]
}

// Actions returns recorded calls with the given op ("" for all).
func (r *Recorder) Actions(op string) []Action {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Action
	for _, a := range r.actions {
		if op == "" || a.Op == op {
			out = append(out, a)
		}
	}
	return out
}

// Reset clears recorded messages and actions.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.sent = nil
	r.actions = nil
	r.mu.Unlock()
}
