package memorycmd

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wenbnb/wenbnb/internal/emotion"
	"github.com/wenbnb/wenbnb/internal/memory"
	"github.com/wenbnb/wenbnb/internal/plugins/plugintest"
	"github.com/wenbnb/wenbnb/pkg/channel"
	"github.com/wenbnb/wenbnb/pkg/kv"
)

type forgotten struct{ users []int64 }

func (f *forgotten) Forget(_ context.Context, user int64) error {
	f.users = append(f.users, user)
	return nil
}

func open(t *testing.T, name string) kv.Store {
	t.Helper()
	s, err := kv.OpenFile(filepath.Join(t.TempDir(), name))
	require.NoError(t, err)
	return s
}

func setup(t *testing.T) (*plugintest.Harness, *memory.Engine, *emotion.Engine, *forgotten) {
	t.Helper()
	mem := memory.New(open(t, "memory.json"), 3)
	emo := emotion.New(open(t, "vibe.db"), open(t, "tone.db"), open(t, "ctx.json"), emotion.Options{})
	f := &forgotten{}
	h := plugintest.New(t, nil, New(mem, emo, f))
	return h, mem, emo, f
}

var bo = channel.User{ID: 11, FirstName: "Bo"}

func TestMemory_EmptyAndFilled(t *testing.T) {
	h, mem, _, _ := setup(t)
	h.Message(bo, "/memory")
	assert.Contains(t, h.LastText(), "don't remember")

	now := time.Now()
	require.NoError(t, mem.Append(11, "hi", "hey", now.Add(-2*time.Hour)))
	require.NoError(t, mem.Append(11, "price?", "up only", now.Add(-time.Hour), memory.WithEmotion("Inspired")))

	h.Message(bo, "/memory")
	text := h.LastText()
	assert.True(t, strings.HasPrefix(text, "🗂 Last 2 of up to 3"), text)
	assert.Contains(t, text, "You: price?")
	assert.Contains(t, text, "Me: up only")
	assert.Contains(t, text, "ago")
	assert.Contains(t, text, "Last mood: Inspired")
}

func TestForget_WipesEverything(t *testing.T) {
	h, mem, emo, f := setup(t)
	now := time.Now()
	require.NoError(t, mem.Append(11, "hi", "hey", now))
	_, err := emo.Observe(11, "love this", now)
	require.NoError(t, err)

	h.Message(bo, "/forget")
	assert.Contains(t, h.LastText(), "forgotten")

	hist, err := mem.Read(11, 3)
	require.NoError(t, err)
	assert.Empty(t, hist)
	_, ok, err := emo.Get(11, now)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, []int64{11}, f.users)
}

func TestMood(t *testing.T) {
	h, _, emo, _ := setup(t)
	h.Message(bo, "/mood")
	assert.Contains(t, h.LastText(), "No mood yet")

	_, err := emo.Observe(11, "lol this meme 😂", time.Now())
	require.NoError(t, err)
	h.Message(bo, "/mood")
	assert.Contains(t, h.LastText(), "Mood: ")
	assert.Contains(t, h.LastText(), "/100")
}

func TestClip(t *testing.T) {
	assert.Equal(t, "a b", clip("a\nb"))
	assert.Equal(t, strings.Repeat("x", 80)+"…", clip(strings.Repeat("x", 81)))
}
