package core

import (
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/wenbnb/wenbnb/pkg/kv"
)

// Subscribers is the opt-in audience of /broadcast, keyed by chat id.
type Subscribers struct {
	mu    sync.Mutex
	store kv.Store
}

// NewSubscribers wraps store.
func NewSubscribers(store kv.Store) *Subscribers {
	return &Subscribers{store: store}
}

type subscription struct {
	Since time.Time `json:"since"`
}

// Add subscribes chatID. It reports false if it was already subscribed.
func (s *Subscribers) Add(chatID int64, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := strconv.FormatInt(chatID, 10)
	var sub subscription
	ok, err := s.store.Get(key, &sub)
	if err != nil || ok {
		return false, err
	}
	return true, s.store.Put(key, subscription{Since: now.UTC()})
}

// Remove unsubscribes chatID. It reports false if it was not subscribed.
func (s *Subscribers) Remove(chatID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := strconv.FormatInt(chatID, 10)
	var sub subscription
	ok, err := s.store.Get(key, &sub)
	if err != nil || !ok {
		return false, err
	}
	return true, s.store.Delete(key)
}

// List returns every subscribed chat id in ascending order.
func (s *Subscribers) List() ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys, err := s.store.Keys()
	if err != nil {
		return nil, err
	}
	out := make([]int64, 0, len(keys))
	for _, k := range keys {
		id, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}
