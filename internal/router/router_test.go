package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/wenbnb/wenbnb/internal/config"
	"github.com/wenbnb/wenbnb/internal/plugin"
	"github.com/wenbnb/wenbnb/pkg/channel"
	"github.com/wenbnb/wenbnb/pkg/channel/channeltest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type spyPlugin struct {
	name string
	reg  func(r plugin.Registrar)
}

func (s *spyPlugin) Name() string { return s.name }

func (s *spyPlugin) Register(r plugin.Registrar, _ *config.Config) error {
	s.reg(r)
	return nil
}

func setup(t *testing.T, cfg *config.Config, plugins ...*spyPlugin) (*Router, *channeltest.Recorder) {
	t.Helper()
	catalog := map[string]plugin.Factory{}
	var ids []string
	for _, p := range plugins {
		p := p
		catalog[p.name] = func() (plugin.Plugin, error) { return p, nil }
		ids = append(ids, p.name)
	}
	reg := plugin.NewRegistry(cfg, catalog)
	report := reg.Load(context.Background(), ids)
	require.Len(t, report.Failed(), 0)

	rec := channeltest.New()
	return New(reg, cfg, rec), rec
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.AdminIDs = []int64{5698007588}
	return cfg
}

func msg(user int64, text string) channel.Update {
	return channel.Update{
		Kind:   channel.UpdateMessage,
		ChatID: -100,
		From:   channel.User{ID: user, FirstName: "Tester"},
		Text:   text,
	}
}

func TestAdminGate_RejectsNonAdmin(t *testing.T) {
	invoked := false
	admin := &spyPlugin{name: "admin", reg: func(r plugin.Registrar) {
		r.Commands(plugin.Command{Name: "broadcast", Admin: true, Handler: func(context.Context, *plugin.Request) error {
			invoked = true
			return nil
		}})
	}}
	rt, rec := setup(t, testConfig(), admin)

	rt.Dispatch(context.Background(), msg(100, "/broadcast hello"))

	assert.False(t, invoked, "admin handler must not run for non-admins")
	require.Len(t, rec.Sent(), 1)
	assert.Equal(t, "🚫 Unauthorized Access", rec.Last().Text)

	rec.Reset()
	rt.Dispatch(context.Background(), msg(5698007588, "/broadcast hello"))
	assert.True(t, invoked)
	assert.Empty(t, rec.Sent())
}

func TestUnknownCommand_IgnoredByDefault(t *testing.T) {
	rt, rec := setup(t, testConfig())
	rt.Dispatch(context.Background(), msg(1, "/b_cmd"))
	assert.Empty(t, rec.Sent())

	cfg := testConfig()
	cfg.Router.ReplyUnknown = true
	rt, rec = setup(t, cfg)
	rt.Dispatch(context.Background(), msg(1, "/b_cmd"))
	assert.Equal(t, MsgUnknown, rec.Last().Text)
}

func TestIsolation_PanicAndErrorBecomeApology(t *testing.T) {
	p := &spyPlugin{name: "flaky", reg: func(r plugin.Registrar) {
		r.Commands(
			plugin.Command{Name: "boom", Handler: func(context.Context, *plugin.Request) error { panic("kaboom") }},
			plugin.Command{Name: "fail", Handler: func(context.Context, *plugin.Request) error { return errors.New("db down") }},
			plugin.Command{Name: "nilmap", Handler: func(context.Context, *plugin.Request) error {
				var m map[string]int
				m["x"] = 1
				return nil
			}},
		)
	}}
	cfg := testConfig()
	rt, rec := setup(t, cfg, p)

	for i := 0; i < 20; i++ {
		for _, c := range []string{"/boom", "/fail", "/nilmap"} {
			require.NotPanics(t, func() { rt.Dispatch(context.Background(), msg(1, c)) })
		}
	}

	sent := rec.Sent()
	require.Len(t, sent, 60)
	for _, s := range sent {
		assert.Contains(t, s.Text, Apology)
		assert.Contains(t, s.Text, cfg.Branding.Footer)
		assert.NotContains(t, s.Text, "kaboom")
		assert.NotContains(t, s.Text, "goroutine")
	}
}

func TestIsolation_UsageAndUpstream(t *testing.T) {
	p := &spyPlugin{name: "market", reg: func(r plugin.Registrar) {
		r.Commands(
			plugin.Command{Name: "price", Handler: func(context.Context, *plugin.Request) error {
				return plugin.Usage("/price [symbol]")
			}},
			plugin.Command{Name: "tokeninfo", Handler: func(context.Context, *plugin.Request) error {
				return plugin.Upstream("bscscan", errors.New("503"))
			}},
			plugin.Command{Name: "secret", Handler: func(context.Context, *plugin.Request) error {
				return fmt.Errorf("check: %w", plugin.ErrUnauthorized)
			}},
		)
	}}
	rt, rec := setup(t, testConfig(), p)

	rt.Dispatch(context.Background(), msg(1, "/price"))
	assert.Equal(t, "⚠️ Usage: /price [symbol]", rec.Last().Text)

	rt.Dispatch(context.Background(), msg(1, "/tokeninfo"))
	assert.Contains(t, rec.Last().Text, UpstreamApology)

	rt.Dispatch(context.Background(), msg(1, "/secret"))
	assert.Equal(t, MsgUnauthorized, rec.Last().Text)
}

func TestDispatch_CommandArgs(t *testing.T) {
	var got *plugin.Request
	p := &spyPlugin{name: "p", reg: func(r plugin.Registrar) {
		r.Commands(plugin.Command{Name: "aianalyze", Handler: func(_ context.Context, req *plugin.Request) error {
			got = req
			return nil
		}})
	}}
	rt, _ := setup(t, testConfig(), p)
	rt.Dispatch(context.Background(), msg(7, "/aianalyze@bot is BNB bullish?"))

	require.NotNil(t, got)
	assert.Equal(t, "aianalyze", got.Command)
	assert.Equal(t, "is BNB bullish?", got.RawArgs)
	assert.Equal(t, "p/aianalyze", got.Handler)
	assert.Equal(t, int64(7), got.UserID())
}

func TestDispatch_TextHandlersInOrder(t *testing.T) {
	var order []string
	a := &spyPlugin{name: "a", reg: func(r plugin.Registrar) {
		r.OnText("first", func(context.Context, *plugin.Request) error { order = append(order, "a"); return nil })
	}}
	b := &spyPlugin{name: "b", reg: func(r plugin.Registrar) {
		r.OnText("second", func(context.Context, *plugin.Request) error { order = append(order, "b"); return errors.New("x") })
	}}
	c := &spyPlugin{name: "c", reg: func(r plugin.Registrar) {
		r.OnText("third", func(context.Context, *plugin.Request) error { order = append(order, "c"); return nil })
	}}
	rt, _ := setup(t, testConfig(), a, b, c)

	rt.Dispatch(context.Background(), msg(1, "hello"))
	rt.Dispatch(context.Background(), msg(1, "   "))
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestDispatch_MemberJoinAndCallback(t *testing.T) {
	var joins, menu, verify int
	p := &spyPlugin{name: "p", reg: func(r plugin.Registrar) {
		r.OnMemberJoin("j1", func(context.Context, *plugin.Request) error { joins++; return nil })
		r.OnMemberJoin("j2", func(context.Context, *plugin.Request) error { joins++; return nil })
		r.OnCallback(`^menu:`, func(context.Context, *plugin.Request) error { menu++; return nil })
		r.OnCallback(`^verify:`, func(context.Context, *plugin.Request) error { verify++; return nil })
	}}
	rt, _ := setup(t, testConfig(), p)

	rt.Dispatch(context.Background(), channel.Update{Kind: channel.UpdateMemberJoin, ChatID: 1, NewMembers: []channel.User{{ID: 9}}})
	rt.Dispatch(context.Background(), channel.Update{Kind: channel.UpdateCallback, ChatID: 1, Callback: &channel.Callback{Data: "menu:price"}})
	rt.Dispatch(context.Background(), channel.Update{Kind: channel.UpdateCallback, ChatID: 1, Callback: &channel.Callback{Data: "verify:9:abc"}})
	rt.Dispatch(context.Background(), channel.Update{Kind: channel.UpdateCallback, ChatID: 1, Callback: &channel.Callback{Data: "nothing"}})

	assert.Equal(t, 2, joins)
	assert.Equal(t, 1, menu)
	assert.Equal(t, 1, verify)
}

func TestHooks_ConsumeAndSurvivePanics(t *testing.T) {
	textCalls := 0
	p := &spyPlugin{name: "p", reg: func(r plugin.Registrar) {
		r.Use("panicky", func(context.Context, *plugin.Request) bool { panic("hook bug") })
		r.Use("gate", func(_ context.Context, req *plugin.Request) bool { return req.UserID() == 666 })
		r.OnText("chat", func(context.Context, *plugin.Request) error { textCalls++; return nil })
	}}
	rt, _ := setup(t, testConfig(), p)

	rt.Dispatch(context.Background(), msg(666, "spam"))
	rt.Dispatch(context.Background(), msg(1, "hi"))
	assert.Equal(t, 1, textCalls)
}

type countingMetrics struct {
	mu       sync.Mutex
	kinds    []string
	failures []string
}

func (c *countingMetrics) ObserveDispatch(kind string, _ time.Duration) {
	c.mu.Lock()
	c.kinds = append(c.kinds, kind)
	c.mu.Unlock()
}

func (c *countingMetrics) HandlerFailure(handler, reason string) {
	c.mu.Lock()
	c.failures = append(c.failures, handler+":"+reason)
	c.mu.Unlock()
}

func TestDispatch_Metrics(t *testing.T) {
	p := &spyPlugin{name: "p", reg: func(r plugin.Registrar) {
		r.Commands(plugin.Command{Name: "boom", Handler: func(context.Context, *plugin.Request) error { panic("x") }})
	}}
	cfg := testConfig()
	catalog := map[string]plugin.Factory{"p": func() (plugin.Plugin, error) { return p, nil }}
	reg := plugin.NewRegistry(cfg, catalog)
	reg.Load(context.Background(), []string{"p"})

	m := &countingMetrics{}
	rt := New(reg, cfg, channeltest.New(), WithMetrics(m))
	rt.Dispatch(context.Background(), msg(1, "/boom"))
	rt.Dispatch(context.Background(), msg(1, "plain"))

	assert.Equal(t, []string{"command", "text"}, m.kinds)
	assert.Equal(t, []string{"p/boom:panic"}, m.failures)
}

func TestPool_PreservesPerChatOrder(t *testing.T) {
	var mu sync.Mutex
	seen := map[int64][]int64{}
	handle := func(_ context.Context, upd channel.Update) {
		mu.Lock()
		seen[upd.ChatID] = append(seen[upd.ChatID], upd.ID)
		mu.Unlock()
	}

	pool := NewPool(context.Background(), 4, 8, handle)
	for i := int64(0); i < 200; i++ {
		require.NoError(t, pool.Submit(channel.Update{ID: i, ChatID: i % 7}))
	}
	pool.Close()

	total := 0
	for chat, ids := range seen {
		total += len(ids)
		for i := 1; i < len(ids); i++ {
			assert.Less(t, ids[i-1], ids[i], "chat %d out of order", chat)
		}
	}
	assert.Equal(t, 200, total)
	assert.ErrorIs(t, pool.Submit(channel.Update{}), ErrPoolClosed)
}

func TestPool_SingleWorkerIsSequential(t *testing.T) {
	var order []int64
	pool := NewPool(context.Background(), 1, 1, func(_ context.Context, upd channel.Update) {
		order = append(order, upd.ID)
	})
	h := pool.Handler()
	for i := int64(1); i <= 5; i++ {
		h(context.Background(), channel.Update{ID: i, ChatID: i})
	}
	pool.Close()
	pool.Close()
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, order)
}
