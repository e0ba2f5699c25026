package aichat

import (
	"context"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/wenbnb/wenbnb/internal/emotion"
	"github.com/wenbnb/wenbnb/internal/llm"
	"github.com/wenbnb/wenbnb/internal/memory"
	"github.com/wenbnb/wenbnb/internal/plugins/plugintest"
	"github.com/wenbnb/wenbnb/pkg/channel"
	"github.com/wenbnb/wenbnb/pkg/kv"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type stubLLM struct {
	mu    sync.Mutex
	reply string
	err   error
	reqs  []llm.Request
}

func (s *stubLLM) Complete(_ context.Context, req llm.Request) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reqs = append(s.reqs, req)
	return s.reply, s.err
}

type stubRecall struct {
	archived []string
	lines    []string
}

func (s *stubRecall) Archive(_ int64, msg, _ string, _ time.Time) { s.archived = append(s.archived, msg) }

func (s *stubRecall) Recall(context.Context, int64, string) ([]string, error) { return s.lines, nil }

type fixture struct {
	h    *plugintest.Harness
	mem  *memory.Engine
	emo  *emotion.Engine
	llm  *stubLLM
	rec  *stubRecall
	mood []string
}

func open(t *testing.T, name string) kv.Store {
	t.Helper()
	s, err := kv.OpenFile(filepath.Join(t.TempDir(), name))
	require.NoError(t, err)
	return s
}

func setup(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		mem: memory.New(open(t, "memory.json"), 10),
		emo: emotion.New(open(t, "vibe.db"), open(t, "tone.db"), open(t, "ctx.json"), emotion.Options{}),
		llm: &stubLLM{reply: "gm fren 🚀"},
		rec: &stubRecall{lines: []string{"User: old / You: older"}},
	}
	p := New(Deps{
		Memory:  f.mem,
		Emotion: f.emo,
		LLM:     f.llm,
		Recall:  f.rec,
		OnMood:  func(l string) { f.mood = append(f.mood, l) },
	})
	f.h = plugintest.New(t, nil, p)
	return f
}

var ava = channel.User{ID: 7, FirstName: "Ava"}

func TestAutoReply_CommitsExchange(t *testing.T) {
	f := setup(t)
	f.h.Message(ava, "gm! so excited about bnb today")

	assert.Equal(t, "gm fren 🚀", f.h.LastText())
	require.Len(t, f.llm.reqs, 1)
	req := f.llm.reqs[0]
	assert.Contains(t, req.System, "Ava seems")
	assert.Contains(t, req.System, "User: old / You: older")
	assert.Equal(t, "gm! so excited about bnb today", req.User)
	assert.Empty(t, req.History)

	hist, err := f.mem.Read(7, 10)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, "gm fren 🚀", hist[0].Reply)

	last, ok, err := f.mem.Last(7)
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotEmpty(t, last.Emotion)

	assert.Equal(t, []string{"gm! so excited about bnb today"}, f.rec.archived)
	require.Len(t, f.mood, 1)
	assert.NotEmpty(t, f.h.Rec.Actions("typing"))
}

func TestAutoReply_PassesHistory(t *testing.T) {
	f := setup(t)
	f.h.Message(ava, "first")
	f.h.Message(ava, "second")

	require.Len(t, f.llm.reqs, 2)
	assert.Equal(t, []llm.Message{
		{Role: "user", Content: "first"},
		{Role: "assistant", Content: "gm fren 🚀"},
	}, f.llm.reqs[1].History)
}

func TestAutoReply_TimeoutSaysSyncingAndSkipsMemory(t *testing.T) {
	f := setup(t)
	f.llm.err = &llm.Error{Kind: llm.KindTimeout, Provider: "stub", Detail: "deadline exceeded"}

	f.h.Message(ava, "hello")

	assert.Regexp(t, regexp.MustCompile(`(?i)syncing|retry`), f.h.LastText())
	hist, err := f.mem.Read(7, 10)
	require.NoError(t, err)
	assert.Empty(t, hist)
	assert.Empty(t, f.rec.archived)
}

func TestAutoReply_TransportSaysSyncing(t *testing.T) {
	f := setup(t)
	f.llm.err = &llm.Error{Kind: llm.KindTransport, Provider: "stub"}
	f.h.Message(ava, "hello")
	assert.Equal(t, MsgSyncing, f.h.LastText())
}

func TestAutoReply_ProviderErrorSaysOffline(t *testing.T) {
	f := setup(t)
	f.llm.err = &llm.Error{Kind: llm.KindProvider, Provider: "stub", StatusCode: 503}

	f.h.Message(ava, "hello")

	assert.Equal(t, "⚠️ AI offline: provider returned 503", f.h.LastText())
	hist, err := f.mem.Read(7, 10)
	require.NoError(t, err)
	assert.Empty(t, hist)
}

func TestAutoReply_EmptyCompletion(t *testing.T) {
	f := setup(t)
	f.llm.err = &llm.Error{Kind: llm.KindEmptyCompletion}
	f.h.Message(ava, "hello")
	assert.Equal(t, "⚠️ AI offline: empty response", f.h.LastText())
}

func TestAutoReply_LastEmotionSeedsReconcile(t *testing.T) {
	f := setup(t)
	f.h.Message(ava, "awesome, love this, thanks")

	last, ok, err := f.mem.Last(7)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "😊✨", last.Emotion)

	fresh := emotion.New(open(t, "vibe2.db"), open(t, "tone2.db"), open(t, "ctx2.json"), emotion.Options{})
	at := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	seeded, _, err := fresh.Reconcile(map[int64]string{7: last.Emotion}, at)
	require.NoError(t, err)
	assert.Equal(t, 1, seeded)
	st, ok, err := fresh.Get(7, at)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "positive", st.Vibe.Cluster)
}

func TestAutoReply_FailureStillRecordsMood(t *testing.T) {
	f := setup(t)
	f.h.Message(ava, "hello")

	f.llm.err = &llm.Error{Kind: llm.KindTimeout, Provider: "stub"}
	f.h.Message(ava, "this is a scam, so sad")

	last, ok, err := f.mem.Last(7)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "hello", last.Message)
	assert.Equal(t, "😔💭", last.Emotion)
	hist, err := f.mem.Read(7, 10)
	require.NoError(t, err)
	assert.Len(t, hist, 1)
}

func TestContextHook_TracksCommandsToo(t *testing.T) {
	f := setup(t)
	f.h.Message(ava, "/meme moon")

	c, err := f.emo.Context(7)
	require.NoError(t, err)
	assert.Equal(t, []string{"/meme moon"}, c.Recent)
	assert.Equal(t, "😂 gm fren 🚀", f.h.LastText())
	assert.Contains(t, f.llm.reqs[0].User, "moon")
}

func TestAnalyze(t *testing.T) {
	f := setup(t)
	f.h.Message(ava, "/aianalyze")
	assert.Equal(t, "⚠️ Usage: /aianalyze <text to analyze>", f.h.LastText())

	f.h.Message(ava, "/aianalyze BNB burns are bullish")
	assert.Contains(t, f.h.LastText(), "🧠 Analysis\ngm fren 🚀")
	assert.Contains(t, f.h.LastText(), f.h.Config.Branding.Footer)
	assert.Equal(t, "BNB burns are bullish", f.llm.reqs[0].User)
}

func TestRegister_RequiresDeps(t *testing.T) {
	p := New(Deps{})
	err := p.Register(nil, plugintest.Config())
	assert.Error(t, err)
}
