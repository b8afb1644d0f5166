// Package config loads hermit.yaml, layers HERMIT_* environment
// overrides on top, and validates the result. The file is resolved
// through $HERMIT_CONFIG, then ./hermit.yaml, then ~/.hermit/hermit.yaml.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"hermit.local/hermit/internal/prompt"
)

const (
	EnvConfigFile = "HERMIT_CONFIG"

	hermitDirName   = ".hermit"
	defaultFileName = "hermit.yaml"
)

type Config struct {
	ListenAddr   string `yaml:"listen_addr"`
	Instructions string `yaml:"instructions"`
	RelayMode    string `yaml:"relay_mode"`
	RunlogDir    string `yaml:"runlog_dir"`

	Log       LogConfig       `yaml:"log"`
	Database  DatabaseConfig  `yaml:"database"`
	Backend   BackendConfig   `yaml:"backend"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Memory    MemoryConfig    `yaml:"memory"`
	Telemetry TelemetryConfig `yaml:"telemetry"`

	Context          prompt.Settings                    `yaml:"context"`
	SessionOverrides map[string]prompt.SettingsOverride `yaml:"session_overrides"`

	Discord   DiscordConfig    `yaml:"discord"`
	Webchat   WebchatConfig    `yaml:"webchat"`
	ToolHosts []ToolHostConfig `yaml:"tool_hosts"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// ZerologLevel parses the configured level, falling back to info.
func (c LogConfig) ZerologLevel() zerolog.Level {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(c.Level)))
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type BackendConfig struct {
	Name            string `yaml:"name"`
	Model           string `yaml:"model"`
	AnthropicAPIKey string `yaml:"anthropic_api_key"`
	OpenAIAPIKey    string `yaml:"openai_api_key"`
	MaxTokens       int    `yaml:"max_tokens"`
	MaxToolRounds   int    `yaml:"max_tool_rounds"`
}

type EmbeddingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	Endpoint string `yaml:"endpoint"`
}

type MemoryConfig struct {
	Threshold int64 `yaml:"threshold"`
	MaxDocs   int   `yaml:"max_docs"`
}

type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	Service  string `yaml:"service"`
}

type DiscordConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
}

type WebchatConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type ToolHostConfig struct {
	Name    string `yaml:"name"`
	BaseURL string `yaml:"base_url"`
}

func Defaults() Config {
	return Config{
		ListenAddr: ":8787",
		RelayMode:  "stream",
		RunlogDir:  "~/.hermit/runlogs",
		Log:        LogConfig{Level: "info"},
		Database:   DatabaseConfig{Driver: "sqlite", DSN: "~/.hermit/hermit.db"},
		Backend:    BackendConfig{Name: "anthropic"},
		Memory:     MemoryConfig{Threshold: 200, MaxDocs: 20},
		Telemetry:  TelemetryConfig{Service: "hermit"},
		Context:    prompt.DefaultSettings(),
	}
}

// ResolvePath finds the config file. An explicit $HERMIT_CONFIG must
// exist; the fallback candidates may all be absent, in which case
// hermit runs on defaults.
func ResolvePath() (string, bool, error) {
	if explicit := strings.TrimSpace(os.Getenv(EnvConfigFile)); explicit != "" {
		path, err := expandPath(explicit)
		if err != nil {
			return "", false, fmt.Errorf("resolve %s: %w", EnvConfigFile, err)
		}
		info, err := os.Stat(path)
		if err != nil {
			return "", false, fmt.Errorf("config file %s: %w", path, err)
		}
		if info.IsDir() {
			return "", false, fmt.Errorf("config file %s is a directory", path)
		}
		return path, true, nil
	}

	candidates := []string{defaultFileName}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, hermitDirName, defaultFileName))
	}
	for _, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil {
			if info.IsDir() {
				return "", false, fmt.Errorf("config path %s is a directory", candidate)
			}
			return candidate, true, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", false, fmt.Errorf("stat config file %s: %w", candidate, err)
		}
	}
	return "", false, nil
}

// Load reads path (or just defaults when path is empty), applies env
// overrides and expands home-relative paths. Call Validate separately.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("decode config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	var err error
	if cfg.RunlogDir, err = expandPath(cfg.RunlogDir); err != nil {
		return Config{}, fmt.Errorf("resolve runlog_dir: %w", err)
	}
	if cfg.Database.Driver == "sqlite" || cfg.Database.Driver == "" {
		if cfg.Database.DSN, err = expandPath(cfg.Database.DSN); err != nil {
			return Config{}, fmt.Errorf("resolve database dsn: %w", err)
		}
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.ListenAddr, "HERMIT_LISTEN_ADDR")
	setString(&c.Instructions, "HERMIT_INSTRUCTIONS")
	setString(&c.RelayMode, "HERMIT_RELAY_MODE")
	setString(&c.RunlogDir, "HERMIT_RUNLOG_DIR")

	setString(&c.Log.Level, "HERMIT_LOG_LEVEL")
	setBool(&c.Log.Pretty, "HERMIT_LOG_PRETTY")

	setString(&c.Database.Driver, "HERMIT_DB_DRIVER")
	setString(&c.Database.DSN, "HERMIT_DB_DSN")

	setString(&c.Backend.Name, "HERMIT_BACKEND")
	setString(&c.Backend.Model, "HERMIT_MODEL")
	setString(&c.Backend.AnthropicAPIKey, "HERMIT_ANTHROPIC_API_KEY")
	setString(&c.Backend.OpenAIAPIKey, "HERMIT_OPENAI_API_KEY")

	setBool(&c.Embedding.Enabled, "HERMIT_EMBEDDING_ENABLED")
	setString(&c.Embedding.APIKey, "HERMIT_EMBEDDING_API_KEY")

	setBool(&c.Telemetry.Enabled, "HERMIT_TELEMETRY_ENABLED")
	setString(&c.Telemetry.Endpoint, "HERMIT_OTLP_ENDPOINT")

	setBool(&c.Discord.Enabled, "HERMIT_DISCORD_ENABLED")
	setString(&c.Discord.Token, "HERMIT_DISCORD_TOKEN")

	setBool(&c.Webchat.Enabled, "HERMIT_WEBCHAT_ENABLED")
	setString(&c.Webchat.Addr, "HERMIT_WEBCHAT_ADDR")
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ListenAddr) == "" {
		return fmt.Errorf("listen_addr must not be empty")
	}
	switch strings.ToLower(strings.TrimSpace(c.Database.Driver)) {
	case "sqlite", "postgres":
		if strings.TrimSpace(c.Database.DSN) == "" {
			return fmt.Errorf("database.dsn must not be empty")
		}
	case "memory":
	default:
		return fmt.Errorf("database.driver must be sqlite, postgres or memory")
	}
	switch strings.ToLower(strings.TrimSpace(c.RelayMode)) {
	case "stream", "bundled", "final":
	default:
		return fmt.Errorf("relay_mode must be stream, bundled or final")
	}

	switch strings.ToLower(strings.TrimSpace(c.Backend.Name)) {
	case "anthropic":
		if strings.TrimSpace(c.Backend.AnthropicAPIKey) == "" {
			return fmt.Errorf("backend.anthropic_api_key is required for the anthropic backend")
		}
	case "openai":
		if strings.TrimSpace(c.Backend.OpenAIAPIKey) == "" {
			return fmt.Errorf("backend.openai_api_key is required for the openai backend")
		}
	default:
		return fmt.Errorf("backend.name must be anthropic or openai")
	}

	if c.Memory.Threshold <= 0 {
		return fmt.Errorf("memory.threshold must be > 0")
	}
	if c.Memory.MaxDocs <= 0 {
		return fmt.Errorf("memory.max_docs must be > 0")
	}
	if c.Context.Memory.Limit < 0 || c.Context.CrossSession.Limit < 0 || c.Context.CurrentSession.Limit < 0 {
		return fmt.Errorf("context limits must be >= 0")
	}

	if c.Embedding.Enabled && strings.TrimSpace(c.Embedding.APIKey) == "" {
		return fmt.Errorf("embedding.api_key is required when embedding is enabled")
	}
	if c.Telemetry.Enabled && strings.TrimSpace(c.Telemetry.Endpoint) == "" {
		return fmt.Errorf("telemetry.endpoint is required when telemetry is enabled")
	}
	if c.Discord.Enabled && strings.TrimSpace(c.Discord.Token) == "" {
		return fmt.Errorf("discord.token is required when discord is enabled")
	}
	if c.Webchat.Enabled && strings.TrimSpace(c.Webchat.Addr) == "" {
		return fmt.Errorf("webchat.addr is required when webchat is enabled")
	}
	for i, host := range c.ToolHosts {
		if strings.TrimSpace(host.BaseURL) == "" {
			return fmt.Errorf("tool_hosts[%d].base_url must not be empty", i)
		}
	}
	return nil
}

func setString(dst *string, key string) {
	if raw := strings.TrimSpace(os.Getenv(key)); raw != "" {
		*dst = raw
	}
}

func setBool(dst *bool, key string) {
	switch strings.TrimSpace(strings.ToLower(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		*dst = true
	case "0", "false", "no", "off":
		*dst = false
	}
}

func expandPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", nil
	}
	if trimmed == "~" {
		return os.UserHomeDir()
	}
	if strings.HasPrefix(trimmed, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, strings.TrimPrefix(trimmed, "~/")), nil
	}
	return trimmed, nil
}
