// Package config loads gro's layered configuration, mirroring the
// teacher's defaults → global file → project file → environment layering
// (internal/infrastructure/config.Load) but scoped to the runtime's
// configuration surface instead of a coding-agent product's.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/ngoclaw/gro/internal/apperr"
)

// ProviderConfig names one configured LLM backend: a dialect plus
// credentials, handed to llm.CreateDriver.
type ProviderConfig struct {
	Name     string   `mapstructure:"name"`
	BaseURL  string   `mapstructure:"base_url"`
	APIKey   string   `mapstructure:"api_key"`
	Models   []string `mapstructure:"models"`
	Priority int      `mapstructure:"priority"`
}

// Config is gro's full configuration surface, matching the options named
// in spec §6's "Configuration options" list.
type Config struct {
	Provider      string           `mapstructure:"provider"`
	Model         string           `mapstructure:"model"`
	BaseURL       string           `mapstructure:"base_url"`
	APIKey        string           `mapstructure:"api_key"`
	SystemPrompt  string           `mapstructure:"system_prompt"`
	ContextTokens int              `mapstructure:"context_tokens"`
	MaxTokens     int              `mapstructure:"max_tokens"`
	Interactive   bool             `mapstructure:"interactive"`
	Print         bool             `mapstructure:"print"`

	MaxToolRounds    int     `mapstructure:"max_tool_rounds"`
	Persistent       bool    `mapstructure:"persistent"`
	PersistentPolicy string  `mapstructure:"persistent_policy"` // listen-only | work-first
	MaxIdleNudges    int     `mapstructure:"max_idle_nudges"`
	OutputFormat     string  `mapstructure:"output_format"` // text | json | stream-json

	ContinueSession    bool   `mapstructure:"continue_session"`
	ResumeSession      string `mapstructure:"resume_session"`
	SessionPersistence bool   `mapstructure:"session_persistence"`

	EnablePromptCaching bool    `mapstructure:"enable_prompt_caching"`
	BatchSummarization  bool    `mapstructure:"batch_summarization"`
	MaxBudgetUsd        float64 `mapstructure:"max_budget_usd"`
	MaxTier             string  `mapstructure:"max_tier"` // low | mid | high

	Providers []ProviderConfig `mapstructure:"providers"`

	Database DatabaseConfig `mapstructure:"database"`
	Log      LogConfig      `mapstructure:"log"`
	Serve    ServeConfig    `mapstructure:"serve"`

	WorkDir string `mapstructure:"work_dir"`
}

// ServeConfig configures the `serve` subcommand's external surfaces: HTTP
// (gin), stream-json websocket, Telegram relay, and the gRPC control
// plane. The HTTP and gRPC servers always start; the websocket hub starts
// only when WebsocketEnabled is set, the Telegram relay only when
// TelegramBotToken is set.
type ServeConfig struct {
	HTTPPort int `mapstructure:"http_port"`

	WebsocketEnabled bool `mapstructure:"websocket_enabled"`

	TelegramBotToken   string  `mapstructure:"telegram_bot_token"`
	TelegramAllowedIDs []int64 `mapstructure:"telegram_allowed_ids"`

	RPCPort int `mapstructure:"rpc_port"`
}

// DatabaseConfig selects the gorm index backend (§4.F/§4.N), not a
// primary data store — the JSON session/page files remain authoritative.
type DatabaseConfig struct {
	Type string `mapstructure:"type"` // sqlite, postgres
	DSN  string `mapstructure:"dsn"`
}

// LogConfig configures the process zap logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// RetryConfig holds tuning values for §4.B's retry engine. It is not a
// field of Config, so neither Load nor a config Watcher ever fills it in.
type RetryConfig struct {
	BaseDelay  time.Duration `mapstructure:"base_delay"`
	MaxDelay   time.Duration `mapstructure:"max_delay"`
	MaxRetries int           `mapstructure:"max_retries"`
}

// Load builds a Config from layered sources: built-in defaults, then
// ~/.gro/config.yaml, then ./config.yaml (merged on top), then GRO_*
// environment variables (highest priority), mirroring the teacher's
// Load()'s layering order exactly.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	globalDir := filepath.Join(os.Getenv("HOME"), ".gro")
	v.AddConfigPath(globalDir)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, apperr.Wrap(apperr.KindConfig, "read global config", err)
		}
	}

	localPath := filepath.Join(".", "config.yaml")
	if _, err := os.Stat(localPath); err == nil {
		local := viper.New()
		local.SetConfigFile(localPath)
		if err := local.ReadInConfig(); err == nil {
			_ = v.MergeConfigMap(local.AllSettings())
		}
	}

	v.SetEnvPrefix("GRO")
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, apperr.Wrap(apperr.KindConfig, "unmarshal config", err)
	}
	if cfg.WorkDir == "" {
		home, _ := os.UserHomeDir()
		cfg.WorkDir = filepath.Join(home, ".gro")
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("provider", "anthropic")
	v.SetDefault("max_tool_rounds", 25)
	v.SetDefault("persistent", false)
	v.SetDefault("persistent_policy", "work-first")
	v.SetDefault("max_idle_nudges", 3)
	v.SetDefault("output_format", "text")
	v.SetDefault("session_persistence", true)
	v.SetDefault("enable_prompt_caching", true)
	v.SetDefault("batch_summarization", false)
	v.SetDefault("max_budget_usd", 0.0)
	v.SetDefault("max_tier", "high")
	v.SetDefault("context_tokens", 60000)

	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.dsn", "gro-index.db")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("serve.http_port", 8080)
	v.SetDefault("serve.websocket_enabled", true)
	v.SetDefault("serve.rpc_port", 9090)
}
