package airdrop

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/wenbnb/wenbnb/pkg/kv"
)

// Entry is one watched token.
type Entry struct {
	Name            string    `json:"name"`
	Contract        string    `json:"contract"`
	AddedAt         time.Time `json:"added_at"`
	LastProbability int       `json:"last_probability"`
}

// Watchlist persists watched tokens keyed by lower-cased name.
type Watchlist struct {
	store kv.Store
}

// NewWatchlist wraps store.
func NewWatchlist(store kv.Store) *Watchlist { return &Watchlist{store: store} }

// Put adds or replaces an entry.
func (w *Watchlist) Put(e Entry) error {
	if err := w.store.Put(strings.ToLower(e.Name), e); err != nil {
		return fmt.Errorf("watchlist put %s: %w", e.Name, err)
	}
	return nil
}

// Get looks an entry up by name.
func (w *Watchlist) Get(name string) (Entry, bool, error) {
	var e Entry
	ok, err := w.store.Get(strings.ToLower(name), &e)
	if err != nil {
		return Entry{}, false, fmt.Errorf("watchlist get %s: %w", name, err)
	}
	return e, ok, nil
}

// Remove deletes an entry and reports whether it existed.
func (w *Watchlist) Remove(name string) (bool, error) {
	_, ok, err := w.Get(name)
	if err != nil || !ok {
		return false, err
	}
	if err := w.store.Delete(strings.ToLower(name)); err != nil {
		return false, fmt.Errorf("watchlist delete %s: %w", name, err)
	}
	return true, nil
}

// List returns all entries ordered by name.
func (w *Watchlist) List() ([]Entry, error) {
	keys, err := w.store.Keys()
	if err != nil {
		return nil, fmt.Errorf("watchlist keys: %w", err)
	}
	sort.Strings(keys)
	out := make([]Entry, 0, len(keys))
	for _, k := range keys {
		var e Entry
		ok, err := w.store.Get(k, &e)
		if err != nil {
			return nil, fmt.Errorf("watchlist get %s: %w", k, err)
		}
		if ok {
			out = append(out, e)
		}
	}
	return out, nil
}
