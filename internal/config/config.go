// Package config loads the bot configuration. The document is JSON or YAML,
// deep-merged over built-in defaults, with $ENV references resolved.
// The returned *Config is treated as immutable by every component.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wenbnb/wenbnb/pkg/channel"
)

// ErrFatalStartup marks configuration problems that must stop the process
// before polling begins.
var ErrFatalStartup = errors.New("fatal startup")

// Config holds the bot configuration.
type Config struct {
	Name     string         `json:"name"`
	AdminIDs []int64        `json:"admin_ids"`
	Platform PlatformConfig `json:"platform"`
	Matrix   MatrixConfig   `json:"matrix"`
	LLM      LLMConfig      `json:"llm"`
	Memory   MemoryConfig   `json:"memory"`
	Emotion  EmotionConfig  `json:"emotion"`
	Storage  StorageConfig  `json:"storage"`
	Branding BrandingConfig `json:"branding"`
	Router   RouterConfig   `json:"router"`
	// Plugins lists plugin ids in load order.
	Plugins     []string          `json:"plugins"`
	Verify      VerifyConfig      `json:"verify"`
	Maintenance MaintenanceConfig `json:"maintenance"`
	Telemetry   TelemetryConfig   `json:"telemetry"`
	Market      MarketConfig      `json:"market"`
	Recall      RecallConfig      `json:"recall"`
	ObjectStore ObjectStoreConfig `json:"object_store"`
}

// PlatformConfig selects the messaging adapter.
type PlatformConfig struct {
	Kind        string   `json:"kind"`      // "telegram" or "matrix"
	TokenEnv    string   `json:"token_env"` // env var holding the bot token
	Token       string   `json:"-"`
	APIBase     string   `json:"api_base,omitempty"`
	PollTimeout Duration `json:"poll_timeout,omitempty"`
}

// MatrixConfig holds Matrix connection settings.
type MatrixConfig struct {
	Homeserver string   `json:"homeserver"`  // e.g., http://synapse:8008
	UserID     string   `json:"user_id"`     // localpart, e.g., wenbnb
	Password   string   `json:"password"`    // may be "$MATRIX_BOT_PASSWORD"
	ServerName string   `json:"server_name"` // e.g., matrix.example.com
	DataDir    string   `json:"data_dir"`
	AdminUsers []string `json:"admin_users"` // full Matrix ids, folded into AdminIDs
}

// LLMConfig holds chat-completions settings.
type LLMConfig struct {
	Provider    string   `json:"provider"` // "openai" (any chat-completions endpoint) or "anthropic"
	Endpoint    string   `json:"endpoint"`
	Model       string   `json:"model"`
	Temperature float64  `json:"temperature"`
	MaxTokens   int      `json:"max_tokens"`
	APIKeyEnv   string   `json:"api_key_env"`
	APIKey      string   `json:"-"`
	Timeout     Duration `json:"timeout"`
	Persona     string   `json:"persona,omitempty"`
}

// MemoryConfig configures the per-user conversation ring.
type MemoryConfig struct {
	Path         string `json:"path"`
	HistoryLimit int    `json:"history_limit"`
}

// EmotionConfig configures the emotion engine.
type EmotionConfig struct {
	VibePath    string   `json:"vibe_path"`
	TonePath    string   `json:"tone_path"`
	ContextPath string   `json:"context_path"`
	Alpha       float64  `json:"alpha"`
	Samples     int      `json:"samples"`
	DecayWindow Duration `json:"decay_window"`
}

// StorageConfig selects the KV backend.
type StorageConfig struct {
	Backend     string `json:"backend"` // json, sqlite, postgres
	SQLitePath  string `json:"sqlite_path,omitempty"`
	PostgresURL string `json:"postgres_url,omitempty"`
}

// BrandingConfig holds user-facing strings.
type BrandingConfig struct {
	Name    string `json:"name"`
	Footer  string `json:"footer"`
	Version string `json:"version"`
}

// RouterConfig tunes dispatch.
type RouterConfig struct {
	Workers        int      `json:"workers"`
	ReplyUnknown   bool     `json:"reply_unknown"`
	TypingInterval Duration `json:"typing_interval"`
}

// VerifyConfig configures member-join verification.
type VerifyConfig struct {
	Timeout Duration `json:"timeout"`
}

// MaintenanceConfig configures the maintenance daemon.
type MaintenanceConfig struct {
	Disabled      bool     `json:"disabled,omitempty"`
	Interval      Duration `json:"interval"`
	DataDir       string   `json:"data_dir"`
	LogsDir       string   `json:"logs_dir"`
	BackupsDir    string   `json:"backups_dir"`
	TelemetryKeep int      `json:"telemetry_keep"`
	SentinelEvery Duration `json:"sentinel_every"`
}

// TelemetryConfig configures the HTTP surface.
type TelemetryConfig struct {
	Addr      string `json:"addr"`
	MoodPulse bool   `json:"mood_pulse"`
}

// MarketConfig configures upstream market and chain endpoints.
type MarketConfig struct {
	PriceURL      string   `json:"price_url"`
	ExplorerURL   string   `json:"explorer_url"`
	DexURL        string   `json:"dex_url"`
	ExplorerKey   string   `json:"explorer_key"`
	TokenContract string   `json:"token_contract"`
	TokenSymbol   string   `json:"token_symbol"`
	TokenDecimals int      `json:"token_decimals"`
	DefaultSymbol string   `json:"default_symbol"`
	CacheTTL      Duration `json:"cache_ttl"`
	Timeout       Duration `json:"timeout"`
}

// RecallConfig configures long-horizon recall (TEI + pgvector).
type RecallConfig struct {
	Enabled     bool   `json:"enabled"`
	PostgresURL string `json:"postgres_url,omitempty"`
	TEIURL      string `json:"tei_url,omitempty"`
	Limit       int    `json:"limit,omitempty"`
}

// ObjectStoreConfig configures the S3-compatible backup upload.
type ObjectStoreConfig struct {
	Enabled   bool   `json:"enabled"`
	Endpoint  string `json:"endpoint"`
	Region    string `json:"region"`
	Bucket    string `json:"bucket"`
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
	UseSSL    bool   `json:"use_ssl"`
}

// Duration is a time.Duration that reads "30s" strings or integer seconds.
type Duration time.Duration

// D returns d as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var secs float64
	if err := json.Unmarshal(b, &secs); err != nil {
		return fmt.Errorf("duration must be a string or seconds: %s", b)
	}
	*d = Duration(secs * float64(time.Second))
	return nil
}

// IsAdmin reports whether userID is in the admin set.
func (c *Config) IsAdmin(userID int64) bool {
	for _, id := range c.AdminIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// AdminCommandsEnabled is false when no admin ids are configured.
func (c *Config) AdminCommandsEnabled() bool { return len(c.AdminIDs) > 0 }

// Default returns the built-in configuration with environment applied and
// no validation. Used by tests and the offline CLI commands.
func Default() *Config {
	c := defaultConfig()
	c.resolve()
	return c
}

// Load reads config from path (JSON or YAML by extension), merged over
// defaults and the optional WENBNB_PRIVATE_CONFIG overlay. An empty path
// yields defaults plus environment.
func Load(path string) (*Config, error) {
	base := defaultConfig()
	baseJSON, err := json.Marshal(base)
	if err != nil {
		return nil, fmt.Errorf("marshal default config: %w", err)
	}

	merged := baseJSON
	for _, p := range []string{path, os.Getenv("WENBNB_PRIVATE_CONFIG")} {
		if p == "" {
			continue
		}
		overlay, err := readDocument(p)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFatalStartup, err)
		}
		merged, err = deepMergeJSON(merged, overlay)
		if err != nil {
			return nil, fmt.Errorf("%w: merge config %s: %v", ErrFatalStartup, p, err)
		}
	}

	var cfg Config
	if err := json.Unmarshal(merged, &cfg); err != nil {
		return nil, fmt.Errorf("%w: parse config: %v", ErrFatalStartup, err)
	}

	cfg.resolve()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFatalStartup, err)
	}
	return &cfg, nil
}

// readDocument returns the file at p as JSON bytes, converting YAML.
func readDocument(p string) ([]byte, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", p, err)
	}
	switch strings.ToLower(filepath.Ext(p)) {
	case ".yaml", ".yml":
		var doc map[string]interface{}
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse yaml %s: %w", p, err)
		}
		out, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("convert yaml %s: %w", p, err)
		}
		return out, nil
	default:
		return data, nil
	}
}

// resolve fills secrets from the environment and derives lookup tables.
func (c *Config) resolve() {
	c.Name = resolveEnv(c.Name)
	c.Matrix.Homeserver = resolveEnv(c.Matrix.Homeserver)
	c.Matrix.UserID = resolveEnv(c.Matrix.UserID)
	c.Matrix.Password = resolveSecret(c.Matrix.Password)
	c.Matrix.ServerName = resolveEnv(c.Matrix.ServerName)
	c.LLM.Endpoint = resolveEnv(c.LLM.Endpoint)
	c.Storage.PostgresURL = resolveEnv(c.Storage.PostgresURL)
	c.Recall.PostgresURL = resolveEnv(c.Recall.PostgresURL)
	c.Recall.TEIURL = resolveEnv(c.Recall.TEIURL)
	c.Market.ExplorerKey = resolveSecret(c.Market.ExplorerKey)
	c.ObjectStore.Endpoint = resolveSecret(c.ObjectStore.Endpoint)
	c.ObjectStore.Region = resolveSecret(c.ObjectStore.Region)
	c.ObjectStore.Bucket = resolveSecret(c.ObjectStore.Bucket)
	c.ObjectStore.AccessKey = resolveSecret(c.ObjectStore.AccessKey)
	c.ObjectStore.SecretKey = resolveSecret(c.ObjectStore.SecretKey)
	if v := os.Getenv("WENBNB_S3_ENABLED"); v != "" {
		c.ObjectStore.Enabled, _ = strconv.ParseBool(v)
	}

	if c.Platform.TokenEnv != "" {
		c.Platform.Token = os.Getenv(c.Platform.TokenEnv)
	}
	if c.LLM.APIKeyEnv != "" {
		c.LLM.APIKey = os.Getenv(c.LLM.APIKeyEnv)
	}

	for _, u := range c.Matrix.AdminUsers {
		if u = strings.TrimSpace(u); u != "" {
			c.AdminIDs = append(c.AdminIDs, channel.StableID(u))
		}
	}
}

func (c *Config) validate() error {
	if c.Memory.HistoryLimit < 1 {
		return fmt.Errorf("memory.history_limit must be >= 1, got %d", c.Memory.HistoryLimit)
	}
	switch c.Platform.Kind {
	case "telegram":
		if c.Platform.Token == "" {
			return fmt.Errorf("platform token missing: set %s", c.Platform.TokenEnv)
		}
	case "matrix":
		if c.Matrix.Homeserver == "" || c.Matrix.UserID == "" {
			return fmt.Errorf("matrix.homeserver and matrix.user_id are required")
		}
	default:
		return fmt.Errorf("unknown platform.kind %q", c.Platform.Kind)
	}
	if c.LLM.Endpoint == "" && c.LLM.Provider != "anthropic" {
		return fmt.Errorf("llm.endpoint is required")
	}
	switch c.Storage.Backend {
	case "json", "sqlite":
	case "postgres":
		if c.Storage.PostgresURL == "" {
			return fmt.Errorf("storage.postgres_url is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}
	return nil
}

func deepMergeJSON(base, overlay []byte) ([]byte, error) {
	var baseMap map[string]interface{}
	if len(base) > 0 {
		if err := json.Unmarshal(base, &baseMap); err != nil {
			return nil, err
		}
	}
	if baseMap == nil {
		baseMap = map[string]interface{}{}
	}

	var overlayMap map[string]interface{}
	if len(overlay) > 0 {
		if err := json.Unmarshal(overlay, &overlayMap); err != nil {
			return nil, err
		}
	}
	mergeMap(baseMap, overlayMap)
	return json.Marshal(baseMap)
}

func mergeMap(dst, src map[string]interface{}) {
	for k, v := range src {
		dstObj, dstIsObj := dst[k].(map[string]interface{})
		srcObj, srcIsObj := v.(map[string]interface{})
		if dstIsObj && srcIsObj {
			mergeMap(dstObj, srcObj)
			dst[k] = dstObj
			continue
		}
		dst[k] = v
	}
}

// resolveEnv replaces $ENV_VAR references with actual values.
func resolveEnv(s string) string {
	if len(s) > 1 && s[0] == '$' {
		if v := os.Getenv(s[1:]); v != "" {
			return v
		}
	}
	return s
}

// resolveSecret is resolveEnv for credentials: an unresolved reference
// becomes empty rather than being sent upstream literally.
func resolveSecret(s string) string {
	v := resolveEnv(s)
	if strings.HasPrefix(v, "$") {
		return ""
	}
	return v
}

func defaultConfig() *Config {
	return &Config{
		Name: "wenbnb",
		Platform: PlatformConfig{
			Kind:        envOr("WENBNB_PLATFORM", "telegram"),
			TokenEnv:    "TELEGRAM_BOT_TOKEN",
			APIBase:     "https://api.telegram.org",
			PollTimeout: Duration(30 * time.Second),
		},
		Matrix: MatrixConfig{
			Homeserver: envOr("MATRIX_HOMESERVER", ""),
			UserID:     envOr("MATRIX_BOT_USER", ""),
			Password:   "$MATRIX_BOT_PASSWORD",
			ServerName: envOr("MATRIX_SERVER_NAME", ""),
			DataDir:    "data/matrix",
		},
		LLM: LLMConfig{
			Provider:    "openai",
			Endpoint:    envOr("WENBNB_LLM_ENDPOINT", "https://api.openai.com/v1"),
			Model:       "gpt-4o-mini",
			Temperature: 0.7,
			MaxTokens:   600,
			APIKeyEnv:   "OPENAI_API_KEY",
			Timeout:     Duration(25 * time.Second),
		},
		Memory: MemoryConfig{
			Path:         "data/memory_data.json",
			HistoryLimit: 10,
		},
		Emotion: EmotionConfig{
			VibePath:    "data/emotion_sync.db",
			TonePath:    "data/emotion_stabilizer.db",
			ContextPath: "data/ctx_state.json",
			Alpha:       0.35,
			Samples:     6,
			DecayWindow: Duration(6 * time.Hour),
		},
		Storage: StorageConfig{
			Backend:    "json",
			SQLitePath: "data/state.db",
		},
		Branding: BrandingConfig{
			Name:    "WENBNB Neural Engine",
			Footer:  "🚀 Powered by WENBNB Neural Engine",
			Version: "v1.0.0",
		},
		Router: RouterConfig{
			Workers:        1,
			TypingInterval: Duration(4 * time.Second),
		},
		Plugins: []string{"core", "verify", "memory", "market", "airdrop", "admin", "aichat"},
		Verify: VerifyConfig{
			Timeout: Duration(60 * time.Second),
		},
		Maintenance: MaintenanceConfig{
			Interval:      Duration(86400 * time.Second),
			DataDir:       "data",
			LogsDir:       "logs",
			BackupsDir:    "backups",
			TelemetryKeep: 500,
			SentinelEvery: Duration(6 * time.Hour),
		},
		Telemetry: TelemetryConfig{
			Addr: envOr("WENBNB_HTTP_ADDR", ":8080"),
		},
		Market: MarketConfig{
			PriceURL:      "https://api.coingecko.com/api/v3",
			ExplorerURL:   "https://api.bscscan.com/api",
			DexURL:        "https://api.dexscreener.com",
			ExplorerKey:   "$BSCSCAN_API_KEY",
			TokenSymbol:   "WENBNB",
			TokenDecimals: 18,
			DefaultSymbol: "bnb",
			CacheTTL:      Duration(60 * time.Second),
			Timeout:       Duration(10 * time.Second),
		},
		Recall: RecallConfig{
			Limit: 3,
		},
		ObjectStore: ObjectStoreConfig{
			Endpoint:  "$WENBNB_S3_ENDPOINT",
			Region:    "$WENBNB_S3_REGION",
			Bucket:    "$WENBNB_S3_BUCKET",
			AccessKey: "$WENBNB_S3_ACCESS_KEY",
			SecretKey: "$WENBNB_S3_SECRET_KEY",
			UseSSL:    true,
		},
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
