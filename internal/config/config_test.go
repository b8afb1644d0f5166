package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestLoadDefaultsWhenNoFile(t *testing.T) {
	clearHermitEnv(t)
	home := t.TempDir()
	t.Setenv("HOME", home)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":8787" {
		t.Fatalf("unexpected listen addr %q", cfg.ListenAddr)
	}
	if cfg.RelayMode != "stream" {
		t.Fatalf("unexpected relay mode %q", cfg.RelayMode)
	}
	if cfg.Database.Driver != "sqlite" {
		t.Fatalf("unexpected driver %q", cfg.Database.Driver)
	}
	if want := filepath.Join(home, ".hermit", "hermit.db"); cfg.Database.DSN != want {
		t.Fatalf("dsn got=%q want=%q", cfg.Database.DSN, want)
	}
	if want := filepath.Join(home, ".hermit", "runlogs"); cfg.RunlogDir != want {
		t.Fatalf("runlog dir got=%q want=%q", cfg.RunlogDir, want)
	}
	if cfg.Memory.Threshold != 200 || cfg.Memory.MaxDocs != 20 {
		t.Fatalf("unexpected memory defaults %+v", cfg.Memory)
	}
	if cfg.Context.CurrentSession.Limit != 40 || !cfg.Context.CurrentSession.IncludeTools {
		t.Fatalf("unexpected context defaults %+v", cfg.Context.CurrentSession)
	}
}

func TestLoadYAMLAndEnvOverrides(t *testing.T) {
	clearHermitEnv(t)
	t.Setenv("HERMIT_DB_DSN", "postgres://env/hermit")
	t.Setenv("HERMIT_DISCORD_TOKEN", "env-token")

	path := writeConfigFile(t, `
listen_addr: "127.0.0.1:9999"
instructions: "You are hermit."
relay_mode: "bundled"
runlog_dir: "/tmp/hermit-runlogs"
log:
  level: "debug"
  pretty: true
database:
  driver: "postgres"
  dsn: "postgres://yaml/hermit"
backend:
  name: "openai"
  model: "gpt-4.1-mini"
  openai_api_key: "yaml-openai"
memory:
  threshold: 50
  max_docs: 5
context:
  memory:
    limit: 2
session_overrides:
  "discord:ops":
    current_session:
      limit: 80
discord:
  enabled: true
  token: "yaml-token"
webchat:
  enabled: true
  addr: ":9090"
tool_hosts:
  - name: "search"
    base_url: "http://127.0.0.1:7710"
telemetry:
  enabled: true
  endpoint: "127.0.0.1:4317"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:9999" {
		t.Fatalf("unexpected listen addr %q", cfg.ListenAddr)
	}
	if cfg.Instructions != "You are hermit." {
		t.Fatalf("unexpected instructions %q", cfg.Instructions)
	}
	if cfg.RelayMode != "bundled" {
		t.Fatalf("unexpected relay mode %q", cfg.RelayMode)
	}
	if cfg.Log.Level != "debug" || !cfg.Log.Pretty {
		t.Fatalf("unexpected log config %+v", cfg.Log)
	}
	if cfg.Database.DSN != "postgres://env/hermit" {
		t.Fatalf("expected env dsn override, got %q", cfg.Database.DSN)
	}
	if cfg.Backend.Name != "openai" || cfg.Backend.Model != "gpt-4.1-mini" {
		t.Fatalf("unexpected backend %+v", cfg.Backend)
	}
	if cfg.Backend.OpenAIAPIKey != "yaml-openai" {
		t.Fatalf("unexpected openai key %q", cfg.Backend.OpenAIAPIKey)
	}
	if cfg.Memory.Threshold != 50 || cfg.Memory.MaxDocs != 5 {
		t.Fatalf("unexpected memory config %+v", cfg.Memory)
	}

	// A partial context block only touches the keys it names.
	if cfg.Context.Memory.Limit != 2 {
		t.Fatalf("unexpected memory layer limit %d", cfg.Context.Memory.Limit)
	}
	if cfg.Context.CurrentSession.Limit != 40 || !cfg.Context.CurrentSession.IncludeTools {
		t.Fatalf("partial context clobbered defaults: %+v", cfg.Context.CurrentSession)
	}

	override, ok := cfg.SessionOverrides["discord:ops"]
	if !ok || override.CurrentSession == nil || override.CurrentSession.Limit == nil {
		t.Fatalf("session override not parsed: %+v", cfg.SessionOverrides)
	}
	if *override.CurrentSession.Limit != 80 {
		t.Fatalf("unexpected override limit %d", *override.CurrentSession.Limit)
	}

	if !cfg.Discord.Enabled || cfg.Discord.Token != "env-token" {
		t.Fatalf("expected env discord token override, got %+v", cfg.Discord)
	}
	if !cfg.Webchat.Enabled || cfg.Webchat.Addr != ":9090" {
		t.Fatalf("unexpected webchat config %+v", cfg.Webchat)
	}
	if len(cfg.ToolHosts) != 1 || cfg.ToolHosts[0].Name != "search" || cfg.ToolHosts[0].BaseURL != "http://127.0.0.1:7710" {
		t.Fatalf("unexpected tool hosts %+v", cfg.ToolHosts)
	}
	if !cfg.Telemetry.Enabled || cfg.Telemetry.Endpoint != "127.0.0.1:4317" {
		t.Fatalf("unexpected telemetry config %+v", cfg.Telemetry)
	}
}

func TestLoadRejectsUnparsableFile(t *testing.T) {
	clearHermitEnv(t)
	path := writeConfigFile(t, `listen_addr: [broken`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "decode config file") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	clearHermitEnv(t)

	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "read config file") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "empty listen addr", mutate: func(c *Config) { c.ListenAddr = " " }, wantErr: "listen_addr"},
		{name: "unknown driver", mutate: func(c *Config) { c.Database.Driver = "mysql" }, wantErr: "database.driver"},
		{name: "empty dsn", mutate: func(c *Config) { c.Database.DSN = "" }, wantErr: "database.dsn"},
		{name: "memory driver needs no dsn", mutate: func(c *Config) {
			c.Database.Driver = "memory"
			c.Database.DSN = ""
		}},
		{name: "unknown relay mode", mutate: func(c *Config) { c.RelayMode = "firehose" }, wantErr: "relay_mode"},
		{name: "unknown backend", mutate: func(c *Config) { c.Backend.Name = "gemini" }, wantErr: "backend.name"},
		{name: "anthropic without key", mutate: func(c *Config) { c.Backend.AnthropicAPIKey = "" }, wantErr: "anthropic_api_key"},
		{name: "openai without key", mutate: func(c *Config) { c.Backend.Name = "openai" }, wantErr: "openai_api_key"},
		{name: "zero threshold", mutate: func(c *Config) { c.Memory.Threshold = 0 }, wantErr: "memory.threshold"},
		{name: "zero max docs", mutate: func(c *Config) { c.Memory.MaxDocs = 0 }, wantErr: "memory.max_docs"},
		{name: "negative context limit", mutate: func(c *Config) { c.Context.Memory.Limit = -1 }, wantErr: "context limits"},
		{name: "embedding without key", mutate: func(c *Config) { c.Embedding.Enabled = true }, wantErr: "embedding.api_key"},
		{name: "telemetry without endpoint", mutate: func(c *Config) { c.Telemetry.Enabled = true }, wantErr: "telemetry.endpoint"},
		{name: "discord without token", mutate: func(c *Config) { c.Discord.Enabled = true }, wantErr: "discord.token"},
		{name: "webchat without addr", mutate: func(c *Config) { c.Webchat.Enabled = true }, wantErr: "webchat.addr"},
		{name: "tool host without url", mutate: func(c *Config) { c.ToolHosts = []ToolHostConfig{{Name: "search"}} }, wantErr: "tool_hosts[0]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			cfg.Database.DSN = "/tmp/hermit.db"
			cfg.Backend.AnthropicAPIKey = "key"
			tt.mutate(&cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("validate: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestResolvePathExplicitEnv(t *testing.T) {
	clearHermitEnv(t)
	path := writeConfigFile(t, `listen_addr: ":1"`)
	t.Setenv(EnvConfigFile, path)

	got, ok, err := ResolvePath()
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !ok || got != path {
		t.Fatalf("resolve got=(%q, %v) want=(%q, true)", got, ok, path)
	}

	t.Setenv(EnvConfigFile, filepath.Join(t.TempDir(), "absent.yaml"))
	if _, _, err := ResolvePath(); err == nil {
		t.Fatal("expected error for missing explicit config")
	}
}

func TestResolvePathFallbackOrder(t *testing.T) {
	clearHermitEnv(t)
	home := t.TempDir()
	t.Setenv("HOME", home)
	workDir := t.TempDir()

	originalWD, err := os.Getwd()
	if err != nil {
		t.Fatalf("get cwd: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(originalWD) })
	if err := os.Chdir(workDir); err != nil {
		t.Fatalf("chdir: %v", err)
	}

	homePath := filepath.Join(home, hermitDirName, defaultFileName)
	if err := os.MkdirAll(filepath.Dir(homePath), 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(homePath, []byte("listen_addr: \":2\"\n"), 0o600); err != nil {
		t.Fatalf("write home config: %v", err)
	}
	if err := os.WriteFile(defaultFileName, []byte("listen_addr: \":1\"\n"), 0o600); err != nil {
		t.Fatalf("write local config: %v", err)
	}

	got, ok, err := ResolvePath()
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !ok || got != defaultFileName {
		t.Fatalf("expected local config, got (%q, %v)", got, ok)
	}

	if err := os.Remove(defaultFileName); err != nil {
		t.Fatalf("remove local config: %v", err)
	}
	got, ok, err = ResolvePath()
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !ok || got != homePath {
		t.Fatalf("expected home config, got (%q, %v)", got, ok)
	}

	if err := os.Remove(homePath); err != nil {
		t.Fatalf("remove home config: %v", err)
	}
	got, ok, err = ResolvePath()
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if ok || got != "" {
		t.Fatalf("expected no config, got (%q, %v)", got, ok)
	}
}

func TestZerologLevel(t *testing.T) {
	tests := []struct {
		level string
		want  zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"WARN", zerolog.WarnLevel},
		{"", zerolog.InfoLevel},
		{"nope", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := (LogConfig{Level: tt.level}).ZerologLevel(); got != tt.want {
			t.Fatalf("level %q got=%v want=%v", tt.level, got, tt.want)
		}
	}
}

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "hermit.yaml")
	if err := os.WriteFile(path, []byte(strings.TrimSpace(content)+"\n"), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	return path
}

func clearHermitEnv(t *testing.T) {
	t.Helper()

	for _, key := range []string{
		EnvConfigFile,
		"HERMIT_LISTEN_ADDR",
		"HERMIT_INSTRUCTIONS",
		"HERMIT_RELAY_MODE",
		"HERMIT_RUNLOG_DIR",
		"HERMIT_LOG_LEVEL",
		"HERMIT_LOG_PRETTY",
		"HERMIT_DB_DRIVER",
		"HERMIT_DB_DSN",
		"HERMIT_BACKEND",
		"HERMIT_MODEL",
		"HERMIT_ANTHROPIC_API_KEY",
		"HERMIT_OPENAI_API_KEY",
		"HERMIT_EMBEDDING_ENABLED",
		"HERMIT_EMBEDDING_API_KEY",
		"HERMIT_TELEMETRY_ENABLED",
		"HERMIT_OTLP_ENDPOINT",
		"HERMIT_DISCORD_ENABLED",
		"HERMIT_DISCORD_TOKEN",
		"HERMIT_WEBCHAT_ENABLED",
		"HERMIT_WEBCHAT_ADDR",
	} {
		t.Setenv(key, "")
	}
}
