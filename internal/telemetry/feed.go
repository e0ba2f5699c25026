package telemetry

import (
	"encoding/json"
	"sync"
	"time"
)

// Live feed event types.
const (
	EventLog       = "log"
	EventTelemetry = "telemetry"
	EventMood      = "mood"
	EventActivity  = "activity"
)

// FeedEvent is one item on the live feed.
type FeedEvent struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
	Level   string `json:"level,omitempty"`
	Kind    string `json:"kind,omitempty"`
	TS      string `json:"ts"`
}

// Marshal serializes an event to JSON with timestamp.
func (e FeedEvent) Marshal() []byte {
	if e.TS == "" {
		e.TS = time.Now().Format(time.RFC3339)
	}
	b, _ := json.Marshal(e)
	return b
}

type subscriber struct {
	ch   chan FeedEvent
	done chan struct{}
}

// Feed fans live events out to SSE clients and keeps the state behind
// /live_data: a ring of recent log lines, the displayed emotion and
// activity counters. Slow subscribers drop events.
type Feed struct {
	mu          sync.RWMutex
	subscribers map[*subscriber]struct{}

	recentMu  sync.RWMutex
	recent    []FeedEvent
	logs      []FeedEvent
	maxRecent int
	maxLogs   int

	stateMu  sync.RWMutex
	emotion  string
	activity map[string]int64
}

// NewFeed creates a feed.
func NewFeed() *Feed {
	return &Feed{
		subscribers: make(map[*subscriber]struct{}),
		maxRecent:   200,
		maxLogs:     8,
		emotion:     "🙂 Calm",
		activity:    make(map[string]int64),
	}
}

// Publish sends an event to all connected subscribers without blocking.
func (f *Feed) Publish(e FeedEvent) {
	if e.TS == "" {
		e.TS = time.Now().Format(time.RFC3339)
	}

	f.recentMu.Lock()
	f.recent = append(f.recent, e)
	if len(f.recent) > f.maxRecent {
		f.recent = f.recent[len(f.recent)-f.maxRecent:]
	}
	if e.Type == EventLog {
		f.logs = append(f.logs, e)
		if len(f.logs) > f.maxLogs {
			f.logs = f.logs[len(f.logs)-f.maxLogs:]
		}
	}
	f.recentMu.Unlock()

	f.mu.RLock()
	defer f.mu.RUnlock()
	for sub := range f.subscribers {
		select {
		case sub.ch <- e:
		default:
		}
	}
}

// Subscribe registers a subscriber. Caller must Unsubscribe with done.
func (f *Feed) Subscribe() (<-chan FeedEvent, chan struct{}) {
	sub := &subscriber{
		ch:   make(chan FeedEvent, 64),
		done: make(chan struct{}),
	}
	f.mu.Lock()
	f.subscribers[sub] = struct{}{}
	f.mu.Unlock()
	return sub.ch, sub.done
}

// Unsubscribe removes a subscriber.
func (f *Feed) Unsubscribe(done chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for sub := range f.subscribers {
		if sub.done == done {
			close(sub.ch)
			delete(f.subscribers, sub)
			return
		}
	}
}

// Recent returns up to the last n events.
func (f *Feed) Recent(n int) []FeedEvent {
	f.recentMu.RLock()
	defer f.recentMu.RUnlock()
	if n <= 0 || n > len(f.recent) {
		n = len(f.recent)
	}
	out := make([]FeedEvent, n)
	copy(out, f.recent[len(f.recent)-n:])
	return out
}

// Logs returns the log ring (at most eight lines), oldest first.
func (f *Feed) Logs() []FeedEvent {
	f.recentMu.RLock()
	defer f.recentMu.RUnlock()
	return append([]FeedEvent(nil), f.logs...)
}

// SubscriberCount returns the number of connected subscribers.
func (f *Feed) SubscriberCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subscribers)
}

// SetEmotion updates the displayed mood.
func (f *Feed) SetEmotion(label string) {
	f.stateMu.Lock()
	changed := f.emotion != label
	f.emotion = label
	f.stateMu.Unlock()
	if changed {
		f.Publish(FeedEvent{Type: EventMood, Message: label})
	}
}

// Emotion returns the displayed mood.
func (f *Feed) Emotion() string {
	f.stateMu.RLock()
	defer f.stateMu.RUnlock()
	return f.emotion
}

// CountActivity bumps the counter for kind.
func (f *Feed) CountActivity(kind string) {
	f.stateMu.Lock()
	f.activity[kind]++
	f.stateMu.Unlock()
}

// Activity returns a copy of the counters.
func (f *Feed) Activity() map[string]int64 {
	f.stateMu.RLock()
	defer f.stateMu.RUnlock()
	out := make(map[string]int64, len(f.activity))
	for k, v := range f.activity {
		out[k] = v
	}
	return out
}
