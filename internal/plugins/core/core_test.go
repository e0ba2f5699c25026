package core

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wenbnb/wenbnb/internal/config"
	"github.com/wenbnb/wenbnb/internal/plugin"
	"github.com/wenbnb/wenbnb/internal/plugins/plugintest"
	"github.com/wenbnb/wenbnb/pkg/channel"
	"github.com/wenbnb/wenbnb/pkg/kv"
)

// adminOnly contributes one admin command so /help filtering is visible.
type adminOnly struct{}

func (adminOnly) Name() string { return "adminonly" }

func (adminOnly) Register(r plugin.Registrar, _ *config.Config) error {
	r.Commands(plugin.Command{
		Name:    "secret",
		Admin:   true,
		Help:    "admins only",
		Handler: func(context.Context, *plugin.Request) error { return nil },
	})
	return nil
}

func setup(t *testing.T) (*plugintest.Harness, *Subscribers) {
	t.Helper()
	store, err := kv.OpenFile(filepath.Join(t.TempDir(), "subscribers.json"))
	require.NoError(t, err)
	subs := NewSubscribers(store)

	var reg *plugin.Registry
	p := New(subs, func() []plugin.CommandEntry { return reg.Commands() })
	h := plugintest.New(t, nil, p, adminOnly{})
	reg = h.Registry
	return h, subs
}

func TestStart_GreetsWithKeyboardAndFooter(t *testing.T) {
	h, _ := setup(t)
	h.Message(channel.User{ID: 42, FirstName: "Ava"}, "/start")

	last := h.Rec.Last()
	assert.True(t, strings.HasPrefix(last.Text, "👋 Hey Ava!"), last.Text)
	assert.Contains(t, last.Text, h.Config.Branding.Footer)
	require.NotNil(t, last.Keyboard)
	assert.Equal(t, [][]string{
		{"/price", "/tokeninfo"},
		{"/meme", "/aianalyze"},
		{"/airdropcheck", "/about"},
	}, last.Keyboard.Reply)
	assert.Equal(t, plugintest.ChatID, last.ChatID)
}

func TestStart_NamelessUser(t *testing.T) {
	h, _ := setup(t)
	h.Message(channel.User{ID: 42}, "/start@wenbnb_bot")
	assert.True(t, strings.HasPrefix(h.LastText(), "👋 Hey there!"))
}

func TestHelp_HidesAdminCommandsFromUsers(t *testing.T) {
	h, _ := setup(t)

	h.Message(channel.User{ID: 42}, "/help")
	text := h.LastText()
	assert.Contains(t, text, "/start - greet and show the main keyboard")
	assert.Contains(t, text, "/subscribe")
	assert.NotContains(t, text, "/secret")

	h.Message(channel.User{ID: plugintest.AdminID}, "/help")
	assert.Contains(t, h.LastText(), "/secret - admins only (admin)")
}

func TestAbout(t *testing.T) {
	h, _ := setup(t)
	h.Message(channel.User{ID: 1}, "/about")
	assert.Contains(t, h.LastText(), h.Config.Branding.Version)
	assert.Contains(t, h.LastText(), h.Config.Branding.Footer)
}

func TestMenu_ButtonsAndCallback(t *testing.T) {
	h, _ := setup(t)
	h.Message(channel.User{ID: 1}, "/menu")

	kb := h.Rec.Last().Keyboard
	require.NotNil(t, kb)
	require.Len(t, kb.Inline, 3)
	assert.Equal(t, "menu:price", kb.Inline[0][0].Data)

	h.Press(channel.User{ID: 1}, "menu:price", 1001)
	assert.Len(t, h.Rec.Actions("answer"), 1)
	assert.Contains(t, h.LastText(), "/price")

	h.Press(channel.User{ID: 1}, "menu:bogus", 1001)
	assert.Contains(t, h.LastText(), "Unknown option")
}

func TestSubscribeUnsubscribe(t *testing.T) {
	h, subs := setup(t)
	user := channel.User{ID: 3}

	h.Message(user, "/subscribe")
	assert.Contains(t, h.LastText(), "Subscribed")
	h.Message(user, "/subscribe")
	assert.Contains(t, h.LastText(), "already")

	ids, err := subs.List()
	require.NoError(t, err)
	assert.Equal(t, []int64{plugintest.ChatID}, ids)

	h.Message(user, "/unsubscribe")
	assert.Contains(t, h.LastText(), "Unsubscribed")
	h.Message(user, "/unsubscribe")
	assert.Contains(t, h.LastText(), "not subscribed")

	ids, err = subs.List()
	require.NoError(t, err)
	assert.Empty(t, ids)
}
