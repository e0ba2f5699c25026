// Package plugintest wires plugins into a real registry and router backed by
// a recording channel.
package plugintest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wenbnb/wenbnb/internal/config"
	"github.com/wenbnb/wenbnb/internal/plugin"
	"github.com/wenbnb/wenbnb/internal/router"
	"github.com/wenbnb/wenbnb/pkg/channel"
	"github.com/wenbnb/wenbnb/pkg/channel/channeltest"
)

// AdminID is an admin in Config().
const AdminID int64 = 5698007588

// ChatID is the chat used by Message.
const ChatID int64 = -1001

// Harness is a loaded registry, a router and the recorder it replies to.
type Harness struct {
	Config   *config.Config
	Registry *plugin.Registry
	Router   *router.Router
	Rec      *channeltest.Recorder
}

// Config returns defaults with one admin and a token set.
func Config() *config.Config {
	cfg := config.Default()
	cfg.AdminIDs = []int64{AdminID}
	cfg.Platform.Token = "test"
	return cfg
}

// New loads the given plugins in order and fails the test if any fails.
func New(t *testing.T, cfg *config.Config, plugins ...plugin.Plugin) *Harness {
	t.Helper()
	return NewOn(t, channeltest.New(), cfg, plugins...)
}

// NewOn is New replying through rec, for plugins that hold the sender
// themselves.
func NewOn(t *testing.T, rec *channeltest.Recorder, cfg *config.Config, plugins ...plugin.Plugin) *Harness {
	t.Helper()
	if cfg == nil {
		cfg = Config()
	}
	catalog := map[string]plugin.Factory{}
	ids := make([]string, 0, len(plugins))
	for _, p := range plugins {
		p := p
		catalog[p.Name()] = func() (plugin.Plugin, error) { return p, nil }
		ids = append(ids, p.Name())
	}
	reg := plugin.NewRegistry(cfg, catalog)
	report := reg.Load(context.Background(), ids)
	require.Empty(t, report.Failed())
	return &Harness{
		Config:   cfg,
		Registry: reg,
		Router:   router.New(reg, cfg, rec),
		Rec:      rec,
	}
}

// Message dispatches a text message from user.
func (h *Harness) Message(user channel.User, text string) {
	h.MessageIn(ChatID, user, text)
}

// MessageIn is Message posted in chatID.
func (h *Harness) MessageIn(chatID int64, user channel.User, text string) {
	h.Router.Dispatch(context.Background(), channel.Update{
		Source:    "test",
		Kind:      channel.UpdateMessage,
		ChatID:    chatID,
		MessageID: 500,
		From:      user,
		Text:      text,
	})
}

// Join dispatches a member-join update.
func (h *Harness) Join(members ...channel.User) {
	h.Router.Dispatch(context.Background(), channel.Update{
		Source:     "test",
		Kind:       channel.UpdateMemberJoin,
		ChatID:     ChatID,
		NewMembers: members,
	})
}

// Press dispatches a button press by user.
func (h *Harness) Press(user channel.User, data string, messageID int64) {
	h.Router.Dispatch(context.Background(), channel.Update{
		Source: "test",
		Kind:   channel.UpdateCallback,
		ChatID: ChatID,
		From:   user,
		Callback: &channel.Callback{
			ID:        "cb-1",
			Data:      data,
			MessageID: messageID,
		},
	})
}

// LastText returns the text of the last sent message.
func (h *Harness) LastText() string { return h.Rec.Last().Text }
