package recall

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// teiServer embeds text as a bag of three keyword axes.
func teiServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		require.Equal(t, "/embed", r.URL.Path)
		var req struct {
			Inputs json.RawMessage `json:"inputs"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		var inputs []string
		if err := json.Unmarshal(req.Inputs, &inputs); err != nil {
			var one string
			require.NoError(t, json.Unmarshal(req.Inputs, &one))
			inputs = []string{one}
		}
		out := make([][]float32, len(inputs))
		for i, in := range inputs {
			out[i] = axes(in)
		}
		_ = json.NewEncoder(w).Encode(out)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func axes(s string) []float32 {
	s = strings.ToLower(s)
	v := []float32{0.01, 0.01, 0.01}
	for i, kw := range []string{"price", "meme", "airdrop"} {
		v[i] += float32(strings.Count(s, kw))
	}
	return v
}

type memStore struct {
	mu      sync.Mutex
	entries []Entry
	vecs    [][]float32
}

func (m *memStore) Insert(_ context.Context, e Entry, v []float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, have := range m.entries {
		if have.UserID == e.UserID && have.Hash == e.Hash {
			return nil
		}
	}
	m.entries = append(m.entries, e)
	m.vecs = append(m.vecs, v)
	return nil
}

func (m *memStore) Search(_ context.Context, user int64, q []float32, limit int) ([]Hit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var hits []Hit
	for i, e := range m.entries {
		if e.UserID == user {
			hits = append(hits, Hit{Entry: e, Distance: cosineDistance(q, m.vecs[i])})
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Distance < hits[j].Distance })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func (m *memStore) Forget(_ context.Context, user int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keepE []Entry
	var keepV [][]float32
	for i, e := range m.entries {
		if e.UserID != user {
			keepE = append(keepE, e)
			keepV = append(keepV, m.vecs[i])
		}
	}
	m.entries, m.vecs = keepE, keepV
	return nil
}

func (m *memStore) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func cosineDistance(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i] * b[i])
		na += float64(a[i] * a[i])
		nb += float64(b[i] * b[i])
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}

func TestTEIClient_EmbedPrefixesAndBatches(t *testing.T) {
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Inputs []string `json:"inputs"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		seen = req.Inputs
		_ = json.NewEncoder(w).Encode([][]float32{{1}, {2}})
	}))
	defer srv.Close()

	out, err := NewTEIClient(srv.URL).Embed(context.Background(), []string{"a", "b"}, PrefixDocument)
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1}, {2}}, out)
	assert.Equal(t, []string{"search_document: a", "search_document: b"}, seen)
}

func TestTEIClient_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model loading", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewTEIClient(srv.URL)
	_, err := c.EmbedQuery(context.Background(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Error(t, c.Health(context.Background()))
}

func TestService_ArchiveAndRecallPerUser(t *testing.T) {
	tei := NewTEIClient(teiServer(t).URL)
	store := &memStore{}
	svc := New(tei, store, 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.Run(ctx)
	defer svc.Close()

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	svc.Archive(1, "what is the price of bnb", "about 600", now)
	svc.Archive(1, "make a meme", "here is a meme", now)
	svc.Archive(1, "any airdrop soon", "maybe", now)
	svc.Archive(1, "any airdrop soon", "maybe", now) // duplicate
	svc.Archive(2, "price price price", "other user", now)
	require.Eventually(t, func() bool { return store.len() == 4 }, time.Second, 5*time.Millisecond)

	lines, err := svc.Recall(ctx, 1, "price check")
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Equal(t, "User: what is the price of bnb / You: about 600", lines[0])
	for _, l := range lines {
		assert.NotContains(t, l, "other user")
	}

	require.NoError(t, svc.Forget(ctx, 1))
	lines, err = svc.Recall(ctx, 1, "price")
	require.NoError(t, err)
	assert.Empty(t, lines)
}

func TestContentHashStable(t *testing.T) {
	assert.Equal(t, contentHash("a", "b"), contentHash("a", "b"))
	assert.NotEqual(t, contentHash("ab", ""), contentHash("a", "b"))
	assert.Len(t, contentHash("a", "b"), 16)
}
