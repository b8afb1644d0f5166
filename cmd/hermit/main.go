// Command hermit runs the session daemon: chat channels and scheduled
// jobs feed a dispatcher that drives one agent run per session, backed
// by the message store, the memory compactor and the skill registry.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"hermit.local/hermit/internal/agent"
	"hermit.local/hermit/internal/channel"
	"hermit.local/hermit/internal/channel/discord"
	"hermit.local/hermit/internal/channel/webchat"
	"hermit.local/hermit/internal/config"
	"hermit.local/hermit/internal/cron"
	"hermit.local/hermit/internal/dispatch"
	"hermit.local/hermit/internal/embed"
	"hermit.local/hermit/internal/httpapi"
	"hermit.local/hermit/internal/memory"
	"hermit.local/hermit/internal/prompt"
	"hermit.local/hermit/internal/runner"
	"hermit.local/hermit/internal/session"
	"hermit.local/hermit/internal/skills"
	"hermit.local/hermit/internal/store"
	"hermit.local/hermit/internal/telemetry"
)

var version = "dev"

func main() {
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()

	configPath, found, err := config.ResolvePath()
	if err != nil {
		logger.Fatal().Err(err).Msg("resolve config path")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	logger = newLogger(cfg.Log)
	if found {
		logger.Info().Str("version", version).Str("config", configPath).Msg("hermit starting")
	} else {
		logger.Info().Str("version", version).Msg("hermit starting with built-in defaults")
	}

	// Cancelling runCtx aborts every in-flight agent run; shutdown uses
	// that after the intake surfaces are stopped.
	runCtx, cancelRuns := context.WithCancel(context.Background())
	defer cancelRuns()

	shutdownTracing, err := telemetry.Init(runCtx, telemetry.Config{
		Enabled:  cfg.Telemetry.Enabled,
		Endpoint: cfg.Telemetry.Endpoint,
		Service:  cfg.Telemetry.Service,
		Version:  version,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("init telemetry")
	}

	var st store.Store
	if strings.EqualFold(cfg.Database.Driver, "memory") {
		st = store.NewMemStore()
	} else {
		gormStore, err := store.NewGormStore(cfg.Database.Driver, cfg.Database.DSN)
		if err != nil {
			logger.Fatal().Err(err).Str("driver", cfg.Database.Driver).Msg("open store")
		}
		st = gormStore
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error().Err(err).Msg("close store")
		}
	}()
	logger.Info().Str("driver", cfg.Database.Driver).Msg("store ready")

	hosts := make([]skills.HostConfig, 0, len(cfg.ToolHosts))
	for _, host := range cfg.ToolHosts {
		hosts = append(hosts, skills.HostConfig{Name: host.Name, BaseURL: host.BaseURL})
	}
	skillset := skills.New(hosts,
		skills.WithLogger(logger),
		skills.WithBuiltins(skills.MemoryBuiltin(st), skills.TimeBuiltin(nil)),
	)
	refreshCtx, cancelRefresh := context.WithTimeout(runCtx, 10*time.Second)
	if err := skillset.Refresh(refreshCtx); err != nil {
		logger.Warn().Err(err).Msg("initial tool discovery failed, continuing without remote tools")
	}
	cancelRefresh()

	backends := agent.NewRegistry()
	if key := cfg.Backend.AnthropicAPIKey; key != "" {
		opts := []agent.AnthropicOption{agent.WithAnthropicTools(skillset)}
		if strings.EqualFold(cfg.Backend.Name, "anthropic") && cfg.Backend.Model != "" {
			opts = append(opts, agent.WithAnthropicModel(cfg.Backend.Model))
		}
		if cfg.Backend.MaxTokens > 0 {
			opts = append(opts, agent.WithAnthropicMaxTokens(cfg.Backend.MaxTokens))
		}
		if cfg.Backend.MaxToolRounds > 0 {
			opts = append(opts, agent.WithAnthropicMaxToolRounds(cfg.Backend.MaxToolRounds))
		}
		backends.Register(agent.NewAnthropicBackend(key, opts...))
	}
	if key := cfg.Backend.OpenAIAPIKey; key != "" {
		opts := []agent.OpenAIOption{agent.WithOpenAITools(skillset)}
		if strings.EqualFold(cfg.Backend.Name, "openai") && cfg.Backend.Model != "" {
			opts = append(opts, agent.WithOpenAIModel(cfg.Backend.Model))
		}
		if cfg.Backend.MaxTokens > 0 {
			opts = append(opts, agent.WithOpenAIMaxTokens(cfg.Backend.MaxTokens))
		}
		backends.Register(agent.NewOpenAIBackend(key, opts...))
	}
	if err := backends.SetDefault(cfg.Backend.Name); err != nil {
		logger.Fatal().Err(err).Str("backend", cfg.Backend.Name).Msg("select backend")
	}

	assemblerOpts := []prompt.Option{prompt.WithLogger(logger)}
	if cfg.Embedding.Enabled {
		embedOpts := []embed.Option{}
		if cfg.Embedding.Model != "" {
			embedOpts = append(embedOpts, embed.WithModel(cfg.Embedding.Model))
		}
		if cfg.Embedding.Endpoint != "" {
			embedOpts = append(embedOpts, embed.WithEndpoint(cfg.Embedding.Endpoint))
		}
		assemblerOpts = append(assemblerOpts, prompt.WithEmbedder(embed.NewOpenAIClient(cfg.Embedding.APIKey, embedOpts...)))
		logger.Info().Msg("embedding-based context retrieval enabled")
	}
	assembler := prompt.New(st, assemblerOpts...)

	compactor := memory.New(st, registrySummarizer{backends},
		memory.WithThreshold(cfg.Memory.Threshold),
		memory.WithMaxDocs(cfg.Memory.MaxDocs),
		memory.WithLogger(logger),
	)

	channels := channel.NewRegistry()
	dispatcher := dispatch.New(dispatch.Deps{
		Store:     st,
		Sessions:  session.NewRegistry(),
		Channels:  channels,
		Backends:  backends,
		Assembler: assembler,
		Compactor: compactor,
		Skills:    skillset,
	}, settingsFromConfig(cfg),
		dispatch.WithLogger(logger),
		dispatch.WithBaseContext(runCtx),
	)

	if cfg.Discord.Enabled {
		ch := discord.New(cfg.Discord.Token, discord.WithLogger(logger))
		ch.Listen(dispatcher.HandleInbound)
		if err := channels.Register(ch); err != nil {
			logger.Fatal().Err(err).Msg("register discord channel")
		}
	}
	if cfg.Webchat.Enabled {
		ch := webchat.New(cfg.Webchat.Addr, webchat.WithLogger(logger))
		ch.Listen(dispatcher.HandleInbound)
		if err := channels.Register(ch); err != nil {
			logger.Fatal().Err(err).Msg("register webchat channel")
		}
	}
	for _, ch := range channels.All() {
		if err := ch.Start(runCtx); err != nil {
			logger.Fatal().Err(err).Str("channel", ch.Name()).Msg("start channel")
		}
		logger.Info().Str("channel", ch.Name()).Msg("channel started")
	}

	jobStore := cron.NewFileJobStore(configPath, logger)
	scheduler := cron.NewScheduler(jobStore, dispatcher, cron.WithLogger(logger))
	if err := scheduler.Start(runCtx); err != nil {
		logger.Fatal().Err(err).Msg("start scheduler")
	}

	reload := func(ctx context.Context) error {
		newCfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if err := newCfg.Validate(); err != nil {
			return err
		}
		dispatcher.ApplySettings(settingsFromConfig(newCfg))
		if err := backends.SetDefault(newCfg.Backend.Name); err != nil {
			logger.Warn().Err(err).Str("backend", newCfg.Backend.Name).
				Msg("cannot switch to unregistered backend without a restart")
		}
		if err := scheduler.Reload(ctx); err != nil {
			return fmt.Errorf("reload jobs: %w", err)
		}
		return nil
	}

	api := httpapi.NewServer(cfg.ListenAddr, dispatcher, httpapi.ReloaderFunc(reload), logger)
	go func() {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("http api listening")
		if err := api.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http api failed")
		}
	}()

	var watcher *config.Watcher
	if found {
		watcher = config.NewWatcher(configPath, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := reload(ctx); err != nil {
				logger.Error().Err(err).Msg("config reload failed")
			}
		}, config.WithWatchLogger(logger))
		if err := watcher.Start(); err != nil {
			logger.Fatal().Err(err).Msg("start config watcher")
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down")

	for _, ch := range channels.All() {
		if err := ch.Stop(); err != nil {
			logger.Error().Err(err).Str("channel", ch.Name()).Msg("stop channel")
		}
	}
	if watcher != nil {
		watcher.Stop()
	}
	scheduler.Stop()
	cancelRuns()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := api.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http api shutdown")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("telemetry shutdown")
	}
	logger.Info().Msg("hermit stopped")
}

func newLogger(cfg config.LogConfig) zerolog.Logger {
	var out io.Writer = os.Stderr
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(cfg.ZerologLevel()).With().Timestamp().Logger()
}

func settingsFromConfig(cfg config.Config) dispatch.Settings {
	return dispatch.Settings{
		Instructions:     cfg.Instructions,
		RelayMode:        runner.ParseRelayMode(cfg.RelayMode),
		RunlogDir:        cfg.RunlogDir,
		Context:          cfg.Context,
		SessionOverrides: cfg.SessionOverrides,
	}
}

// registrySummarizer resolves the default backend per call so memory
// compaction follows a reloaded default instead of pinning the one
// from boot.
type registrySummarizer struct {
	backends *agent.Registry
}

func (s registrySummarizer) Run(ctx context.Context, req agent.Request) error {
	backend, err := s.backends.Default()
	if err != nil {
		return err
	}
	return backend.Run(ctx, req)
}
