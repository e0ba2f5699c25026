package recall

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Embedder turns text into vectors.
type Embedder interface {
	EmbedDocument(ctx context.Context, text string) ([]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Store persists and searches embedded exchanges.
type Store interface {
	Insert(ctx context.Context, e Entry, embedding []float32) error
	Search(ctx context.Context, userID int64, query []float32, limit int) ([]Hit, error)
	Forget(ctx context.Context, userID int64) error
}

// Service archives exchanges in the background and answers lookups.
// Archive never blocks the reply path; a full queue drops the exchange.
type Service struct {
	embed Embedder
	store Store
	limit int
	queue chan Entry

	wg       sync.WaitGroup
	stopOnce sync.Once
	done     chan struct{}
}

// New creates a Service. limit is the default top-K for Recall.
func New(embed Embedder, store Store, limit int) *Service {
	if limit <= 0 {
		limit = 3
	}
	return &Service{
		embed: embed,
		store: store,
		limit: limit,
		queue: make(chan Entry, 64),
		done:  make(chan struct{}),
	}
}

// Run drains the archive queue until ctx ends or Close is called.
func (s *Service) Run(ctx context.Context) {
	s.wg.Add(1)
	defer s.wg.Done()
	slog.Info("recall archiver started", "limit", s.limit)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case e := <-s.queue:
			if err := s.archive(ctx, e); err != nil {
				slog.Warn("recall archive failed", "user", e.UserID, "error", err)
			}
		}
	}
}

// Close stops Run and waits for it.
func (s *Service) Close() {
	s.stopOnce.Do(func() { close(s.done) })
	s.wg.Wait()
}

// Archive enqueues an exchange for embedding.
func (s *Service) Archive(user int64, msg, reply string, at time.Time) {
	e := Entry{UserID: user, Msg: msg, Reply: reply, At: at.UTC(), Hash: contentHash(msg, reply)}
	select {
	case s.queue <- e:
	default:
		slog.Warn("recall queue full, dropping exchange", "user", user)
	}
}

func (s *Service) archive(ctx context.Context, e Entry) error {
	vec, err := s.embed.EmbedDocument(ctx, documentText(e.Msg, e.Reply))
	if err != nil {
		return fmt.Errorf("embed exchange: %w", err)
	}
	return s.store.Insert(ctx, e, vec)
}

// Recall returns up to the configured number of past exchanges of user
// most similar to query, rendered as prompt lines.
func (s *Service) Recall(ctx context.Context, user int64, query string) ([]string, error) {
	vec, err := s.embed.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	hits, err := s.store.Search(ctx, user, vec, s.limit)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(hits))
	for _, h := range hits {
		out = append(out, fmt.Sprintf("User: %s / You: %s", h.Msg, h.Reply))
	}
	return out, nil
}

// Forget drops every archived exchange of user.
func (s *Service) Forget(ctx context.Context, user int64) error {
	return s.store.Forget(ctx, user)
}

func documentText(msg, reply string) string {
	return "User: " + msg + "\nAssistant: " + reply
}

func contentHash(msg, reply string) string {
	sum := sha256.Sum256([]byte(msg + "\x00" + reply))
	return hex.EncodeToString(sum[:8])
}
