// Package telemetry records bot events, exposes Prometheus metrics and
// serves the small HTTP surface (liveness, live data, SSE feed, page).
package telemetry

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/wenbnb/wenbnb/pkg/kv"
)

// Event is one persisted telemetry record.
type Event struct {
	ID      string          `json:"id"`
	Kind    string          `json:"kind"`
	Time    time.Time       `json:"time"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Recorder appends events to a kv store keyed by kind (data/telemetry.json).
type Recorder struct {
	mu    sync.Mutex
	store kv.Store
	feed  *Feed
	now   func() time.Time
}

// NewRecorder creates a Recorder. feed may be nil.
func NewRecorder(store kv.Store, feed *Feed) *Recorder {
	return &Recorder{store: store, feed: feed, now: time.Now}
}

// Record appends an event of kind. payload is any JSON-encodable value.
func (r *Recorder) Record(kind string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("telemetry payload %s: %w", kind, err)
	}
	now := r.now().UTC()
	ev := Event{
		ID:      ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		Kind:    kind,
		Time:    now,
		Payload: raw,
	}

	r.mu.Lock()
	var events []Event
	_, err = r.store.Get(kind, &events)
	if err == nil {
		events = append(events, ev)
		err = r.store.Put(kind, events)
	}
	r.mu.Unlock()
	if err != nil {
		return fmt.Errorf("record telemetry %s: %w", kind, err)
	}

	if r.feed != nil {
		r.feed.Publish(FeedEvent{Type: EventTelemetry, Kind: kind, Message: string(raw)})
	}
	return nil
}

// Safe is Record that logs instead of returning the error.
func (r *Recorder) Safe(kind string, payload any) {
	if err := r.Record(kind, payload); err != nil {
		slog.Warn("telemetry record failed", "kind", kind, "error", err)
	}
}

// Events returns every event of kind, oldest first.
func (r *Recorder) Events(kind string) ([]Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var events []Event
	if _, err := r.store.Get(kind, &events); err != nil {
		return nil, err
	}
	return events, nil
}

// Counts returns the number of stored events per kind.
func (r *Recorder) Counts() (map[string]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds, err := r.store.Keys()
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(kinds))
	for _, k := range kinds {
		var events []Event
		if _, err := r.store.Get(k, &events); err != nil {
			return nil, err
		}
		out[k] = len(events)
	}
	return out, nil
}

// Rotate keeps only the newest keep events of each kind and returns how
// many were dropped.
func (r *Recorder) Rotate(keep int) (int, error) {
	if keep < 1 {
		keep = 1
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds, err := r.store.Keys()
	if err != nil {
		return 0, err
	}
	dropped := 0
	for _, k := range kinds {
		var events []Event
		if _, err := r.store.Get(k, &events); err != nil {
			return dropped, err
		}
		if len(events) <= keep {
			continue
		}
		dropped += len(events) - keep
		if err := r.store.Put(k, events[len(events)-keep:]); err != nil {
			return dropped, err
		}
	}
	return dropped, nil
}

// Summary formats Counts as "kind: n" lines sorted by kind.
func Summary(counts map[string]int) []string {
	kinds := make([]string, 0, len(counts))
	for k := range counts {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	out := make([]string, 0, len(kinds))
	for _, k := range kinds {
		out = append(out, fmt.Sprintf("%s: %d", k, counts[k]))
	}
	return out
}
