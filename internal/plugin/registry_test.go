package plugin

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wenbnb/wenbnb/internal/config"
)

type fakePlugin struct {
	name     string
	register func(r Registrar, cfg *config.Config) error
}

func (f *fakePlugin) Name() string { return f.name }

func (f *fakePlugin) Register(r Registrar, cfg *config.Config) error { return f.register(r, cfg) }

func noop(context.Context, *Request) error { return nil }

func withCommands(name string, cmds ...string) Factory {
	return func() (Plugin, error) {
		return &fakePlugin{name: name, register: func(r Registrar, _ *config.Config) error {
			for _, c := range cmds {
				r.Commands(Command{Name: c, Handler: noop})
			}
			return nil
		}}, nil
	}
}

func TestLoad_FailingPluginIsIsolated(t *testing.T) {
	catalog := map[string]Factory{
		"a": withCommands("a", "a_cmd"),
		"b": func() (Plugin, error) { panic("import error in b") },
		"c": withCommands("c", "c_cmd"),
	}
	reg := NewRegistry(config.Default(), catalog)
	report := reg.Load(context.Background(), []string{"a", "b", "c"})

	assert.Equal(t, []string{"a", "c"}, report.Loaded())
	failed := report.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, "b", failed[0].Name)
	assert.Equal(t, ErrModuleLoadFailure, failed[0].Code)
	assert.Contains(t, failed[0].Reason, "import error in b")

	_, ok := reg.Command("a_cmd")
	assert.True(t, ok)
	_, ok = reg.Command("c_cmd")
	assert.True(t, ok)
	_, ok = reg.Command("b_cmd")
	assert.False(t, ok)
}

func TestLoad_UnknownAndFactoryError(t *testing.T) {
	catalog := map[string]Factory{
		"broken": func() (Plugin, error) { return nil, errors.New("missing dependency") },
	}
	reg := NewRegistry(config.Default(), catalog)
	report := reg.Load(context.Background(), []string{"nope", "broken"})

	require.Len(t, report.Plugins, 2)
	for _, st := range report.Plugins {
		assert.False(t, st.Loaded)
		assert.Equal(t, ErrModuleLoadFailure, st.Code)
	}
}

func TestLoad_MalformedRegistrationIsAtomic(t *testing.T) {
	catalog := map[string]Factory{
		"bad": func() (Plugin, error) {
			return &fakePlugin{name: "bad", register: func(r Registrar, _ *config.Config) error {
				r.Commands(Command{Name: "good", Handler: noop})
				r.OnText("chat", noop)
				r.OnCallback("([", noop)
				return nil
			}}, nil
		},
		"erroring": func() (Plugin, error) {
			return &fakePlugin{name: "erroring", register: func(r Registrar, _ *config.Config) error {
				r.Commands(Command{Name: "other", Handler: noop})
				return errors.New("config missing")
			}}, nil
		},
		"nilhandler": withCommandsNil(),
	}
	reg := NewRegistry(config.Default(), catalog)
	report := reg.Load(context.Background(), []string{"bad", "erroring", "nilhandler"})

	for _, st := range report.Plugins {
		assert.False(t, st.Loaded, st.Name)
		assert.Equal(t, ErrMalformedRegistration, st.Code, st.Name)
	}
	assert.Empty(t, reg.Commands())
	assert.Empty(t, reg.TextHandlers())
}

func withCommandsNil() Factory {
	return func() (Plugin, error) {
		return &fakePlugin{name: "nilhandler", register: func(r Registrar, _ *config.Config) error {
			r.Commands(Command{Name: "Bad Name", Handler: noop}, Command{Name: "x"})
			return nil
		}}, nil
	}
}

func TestLoad_DuplicateLastWins(t *testing.T) {
	calledBy := ""
	mk := func(name string) Factory {
		return func() (Plugin, error) {
			return &fakePlugin{name: name, register: func(r Registrar, _ *config.Config) error {
				r.Commands(Command{Name: "price", Handler: func(context.Context, *Request) error {
					calledBy = name
					return nil
				}})
				return nil
			}}, nil
		}
	}
	reg := NewRegistry(config.Default(), map[string]Factory{"first": mk("first"), "second": mk("second")})
	reg.Load(context.Background(), []string{"first", "second"})

	entry, ok := reg.Command("price")
	require.True(t, ok)
	assert.Equal(t, "second", entry.Plugin)
	require.NoError(t, entry.Handler(context.Background(), &Request{}))
	assert.Equal(t, "second", calledBy)
}

func TestMatchCallback_FirstWins(t *testing.T) {
	catalog := map[string]Factory{
		"p": func() (Plugin, error) {
			return &fakePlugin{name: "p", register: func(r Registrar, _ *config.Config) error {
				r.OnCallback(`^menu:`, noop)
				r.OnCallback(`^menu:price$`, noop)
				r.OnCallback(`^verify:`, noop)
				return nil
			}}, nil
		},
	}
	reg := NewRegistry(config.Default(), catalog)
	reg.Load(context.Background(), []string{"p"})

	cb, ok := reg.MatchCallback("menu:price")
	require.True(t, ok)
	assert.Equal(t, `^menu:`, cb.Pattern.String())

	_, ok = reg.MatchCallback("other")
	assert.False(t, ok)
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		in      string
		name    string
		args    []string
		raw     string
		wantCmd bool
	}{
		{"/start", "start", nil, "", true},
		{"/Price@wenbnb_bot  btc ", "price", []string{"btc"}, "btc", true},
		{"/broadcast hello   world", "broadcast", []string{"hello", "world"}, "hello   world", true},
		{"hello", "", nil, "", false},
		{"/", "", nil, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			name, args, raw, ok := ParseCommand(tt.in)
			assert.Equal(t, tt.wantCmd, ok)
			assert.Equal(t, tt.name, name)
			assert.Equal(t, tt.args, args)
			assert.Equal(t, tt.raw, raw)
		})
	}
}

func TestErrorKinds(t *testing.T) {
	var ue *UsageError
	assert.True(t, errors.As(Usage("/price [symbol]"), &ue))
	assert.Equal(t, "/price [symbol]", ue.Usage)

	base := errors.New("503")
	var up *UpstreamError
	err := Upstream("coingecko", base)
	assert.True(t, errors.As(err, &up))
	assert.ErrorIs(t, err, base)
	assert.NoError(t, Upstream("x", nil))
}
