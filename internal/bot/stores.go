package bot

import (
	"context"
	"fmt"
	"io"
	"path/filepath"

	"github.com/wenbnb/wenbnb/internal/config"
	"github.com/wenbnb/wenbnb/pkg/kv"
)

// Stores are the logical KV stores the bot persists to.
type Stores struct {
	Memory      kv.Store
	Vibe        kv.Store
	Tone        kv.Store
	Context     kv.Store
	Telemetry   kv.Store
	Watchlist   kv.Store
	Subscribers kv.Store

	closers []io.Closer
}

// Corruption is a store file that was quarantined while opening.
type Corruption struct {
	Path       string `json:"path"`
	Quarantine string `json:"quarantine"`
	Cause      string `json:"cause"`
}

// OpenStores opens every store on the configured backend. With the json
// backend each store is its own file; sqlite and postgres keep one bucket
// per store. Quarantined json files are returned so the caller can record
// them once telemetry exists.
func OpenStores(ctx context.Context, cfg *config.Config) (*Stores, []Corruption, error) {
	s := &Stores{}
	var corrupt []Corruption

	switch cfg.Storage.Backend {
	case "", "json":
		onCorrupt := kv.WithOnCorrupt(func(path, quarantine string, cause error) {
			corrupt = append(corrupt, Corruption{Path: path, Quarantine: quarantine, Cause: cause.Error()})
		})
		data := cfg.Maintenance.DataDir
		files := []struct {
			dst  *kv.Store
			path string
		}{
			{&s.Memory, cfg.Memory.Path},
			{&s.Vibe, cfg.Emotion.VibePath},
			{&s.Tone, cfg.Emotion.TonePath},
			{&s.Context, cfg.Emotion.ContextPath},
			{&s.Telemetry, filepath.Join(data, "telemetry.json")},
			{&s.Watchlist, filepath.Join(data, "watchlist.json")},
			{&s.Subscribers, filepath.Join(data, "subscribers.json")},
		}
		for _, f := range files {
			store, err := kv.OpenFile(f.path, onCorrupt)
			if err != nil {
				s.Close()
				return nil, nil, fmt.Errorf("open store %s: %w", f.path, err)
			}
			*f.dst = store
			s.closers = append(s.closers, store)
		}

	case "sqlite":
		db, err := kv.OpenSQLite(cfg.Storage.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		s.closers = append(s.closers, db)
		s.buckets(db.Bucket)

	case "postgres":
		pg, err := kv.OpenPostgres(ctx, cfg.Storage.PostgresURL)
		if err != nil {
			return nil, nil, err
		}
		s.closers = append(s.closers, pg)
		s.buckets(pg.Bucket)

	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
	return s, corrupt, nil
}

func (s *Stores) buckets(bucket func(string) kv.Store) {
	s.Memory = bucket("memory")
	s.Vibe = bucket("emotion_sync")
	s.Tone = bucket("emotion_stabilizer")
	s.Context = bucket("ctx_state")
	s.Telemetry = bucket("telemetry")
	s.Watchlist = bucket("watchlist")
	s.Subscribers = bucket("subscribers")
}

// Close flushes and closes every store.
func (s *Stores) Close() error {
	var first error
	for _, c := range s.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	s.closers = nil
	return first
}
