package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wenbnb/wenbnb/pkg/channel"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoad_DefaultsWithToken(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "123:abc")
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "123:abc", cfg.Platform.Token)
	assert.Equal(t, "sk-test", cfg.LLM.APIKey)
	assert.Equal(t, 10, cfg.Memory.HistoryLimit)
	assert.Equal(t, 86400*time.Second, cfg.Maintenance.Interval.D())
	assert.Equal(t, 60*time.Second, cfg.Verify.Timeout.D())
	assert.InDelta(t, 0.35, cfg.Emotion.Alpha, 1e-9)
}

func TestLoad_MissingTokenIsFatal(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "")

	_, err := Load("")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrFatalStartup))
}

func TestLoad_OverridesFromJSON(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "tok")
	p := writeFile(t, "config.json", `{
		"admin_ids": [5698007588],
		"memory": {"history_limit": 3},
		"verify": {"timeout": 90},
		"llm": {"model": "llama3", "timeout": "5s"}
	}`)

	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Memory.HistoryLimit)
	assert.Equal(t, "data/memory_data.json", cfg.Memory.Path, "untouched defaults survive the merge")
	assert.Equal(t, 90*time.Second, cfg.Verify.Timeout.D())
	assert.Equal(t, "llama3", cfg.LLM.Model)
	assert.Equal(t, 5*time.Second, cfg.LLM.Timeout.D())
	assert.True(t, cfg.IsAdmin(5698007588))
	assert.False(t, cfg.IsAdmin(100))
}

func TestLoad_YAML(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "tok")
	t.Setenv("MY_ENDPOINT", "http://llm.local/v1")
	p := writeFile(t, "config.yaml", `
branding:
  footer: "— test footer"
llm:
  endpoint: $MY_ENDPOINT
plugins: [core, aichat]
`)

	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, "— test footer", cfg.Branding.Footer)
	assert.Equal(t, "http://llm.local/v1", cfg.LLM.Endpoint)
	assert.Equal(t, []string{"core", "aichat"}, cfg.Plugins)
}

func TestLoad_InvalidHistoryLimit(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "tok")
	p := writeFile(t, "config.json", `{"memory": {"history_limit": 0}}`)

	_, err := Load(p)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFatalStartup)
}

func TestLoad_InvalidJSON(t *testing.T) {
	p := writeFile(t, "config.json", `{not json}`)
	_, err := Load(p)
	assert.ErrorIs(t, err, ErrFatalStartup)
}

func TestLoad_PrivateOverlay(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "tok")
	main := writeFile(t, "config.json", `{"admin_ids": [1]}`)
	overlay := writeFile(t, "private.json", `{"admin_ids": [2, 3]}`)
	t.Setenv("WENBNB_PRIVATE_CONFIG", overlay)

	cfg, err := Load(main)
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 3}, cfg.AdminIDs)
}

func TestLoad_MatrixAdminsFolded(t *testing.T) {
	p := writeFile(t, "config.json", `{
		"platform": {"kind": "matrix"},
		"matrix": {"homeserver": "http://hs", "user_id": "bot", "admin_users": ["@alice:example.org"]}
	}`)

	cfg, err := Load(p)
	require.NoError(t, err)
	assert.True(t, cfg.IsAdmin(channel.StableID("@alice:example.org")))
}

func TestResolveSecret(t *testing.T) {
	t.Setenv("SET_ONE", "value")
	assert.Equal(t, "value", resolveSecret("$SET_ONE"))
	assert.Equal(t, "", resolveSecret("$NOT_SET_ANYWHERE_42"))
	assert.Equal(t, "literal", resolveSecret("literal"))
}
