// Command goftegu is the main entry point for the goftegu conversation
// server: Persian text chat plus a real-time voice session, served on a
// loopback HTTP binding.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/goftegu/goftegu/internal/app"
	"github.com/goftegu/goftegu/internal/config"
	"github.com/goftegu/goftegu/internal/observe"
	"github.com/goftegu/goftegu/internal/resilience"
	chatprovider "github.com/goftegu/goftegu/pkg/provider/chat"
	"github.com/goftegu/goftegu/pkg/provider/chat/anyllm"
	geminichat "github.com/goftegu/goftegu/pkg/provider/chat/gemini"
	oaichat "github.com/goftegu/goftegu/pkg/provider/chat/openai"
	"github.com/goftegu/goftegu/pkg/provider/live"
	geminilive "github.com/goftegu/goftegu/pkg/provider/live/gemini"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "", "path to the YAML configuration file (empty: built-in defaults)")
	envPath := flag.String("env", ".env", "path to an optional .env file")
	watch := flag.Bool("watch", false, "reload the hot-reloadable config keys when the file changes")
	flag.Parse()

	// ── Environment + configuration ───────────────────────────────────────────
	if err := config.LoadDotEnv(*envPath); err != nil {
		fmt.Fprintf(os.Stderr, "goftegu: %v\n", err)
		return 1
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "goftegu: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "goftegu: %v\n", err)
		}
		return 1
	}
	if _, err := config.ResolveAPIKey(cfg, os.LookupEnv); err != nil {
		fmt.Fprintf(os.Stderr, "goftegu: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Slog())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("goftegu starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to init telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(ctx, reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	application, err := app.New(ctx, cfg, providers,
		app.WithLevelVar(level),
		app.WithMetrics(tel.Metrics),
		app.WithMetricsHandler(tel.Handler),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config watcher (optional) ─────────────────────────────────────────────
	if *watch && *configPath != "" {
		w, err := config.NewWatcher(*configPath, application.ApplyConfig)
		if err != nil {
			slog.Error("failed to watch config", "err", err)
			return 1
		}
		defer w.Stop()
		slog.Info("watching config for changes", "path", *configPath)
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// ctx scopes clients that need one at construction time.
func registerBuiltinProviders(ctx context.Context, reg *config.Registry) {
	// ── Chat ──────────────────────────────────────────────────────────────────

	reg.RegisterChat("gemini", func(entry config.ProviderEntry) (chatprovider.Provider, error) {
		var opts []geminichat.Option
		if entry.BaseURL != "" {
			opts = append(opts, geminichat.WithBaseURL(entry.BaseURL))
		}
		return geminichat.New(ctx, entry.APIKey, entry.Model, opts...)
	})

	// anyllm reaches every any-llm-go backend; options.backend picks one.
	reg.RegisterChat("anyllm", func(entry config.ProviderEntry) (chatprovider.Provider, error) {
		var opts []anyllmlib.Option
		if entry.APIKey != "" {
			opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
		}
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New(entry.OptionString("backend", ""), entry.Model, opts...)
	})

	reg.RegisterChat("openai", func(entry config.ProviderEntry) (chatprovider.Provider, error) {
		var opts []oaichat.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaichat.WithBaseURL(entry.BaseURL))
		}
		if org := entry.OptionString("organization", ""); org != "" {
			opts = append(opts, oaichat.WithOrganization(org))
		}
		return oaichat.New(entry.APIKey, entry.Model, opts...)
	})

	// ── Live ──────────────────────────────────────────────────────────────────

	reg.RegisterLive("gemini-live", func(entry config.ProviderEntry) (live.Provider, error) {
		var opts []geminilive.Option
		if entry.Model != "" {
			opts = append(opts, geminilive.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, geminilive.WithBaseURL(entry.BaseURL))
		}
		return geminilive.New(entry.APIKey, opts...)
	})

	for _, name := range reg.ChatNames() {
		slog.Debug("registered provider", "kind", "chat", "name", name)
	}
}

// buildProviders instantiates the providers named in cfg using the registry
// and returns them in an [app.Providers] struct. The chat provider and its
// fallbacks share one failover; the voice API sits behind a circuit breaker.
// Audio devices are left to [app.New].
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}
	bc := breakerConfig(cfg.Resilience)

	chatEntries := append([]config.ProviderEntry{cfg.Providers.Chat}, cfg.Providers.ChatFallbacks...)
	members := make([]resilience.ChatEntry, 0, len(chatEntries))
	for _, entry := range chatEntries {
		p, err := reg.CreateChat(entry)
		if err != nil {
			return nil, fmt.Errorf("create chat provider %q: %w", entry.Name, err)
		}
		members = append(members, resilience.ChatEntry{Name: entry.Name, Provider: p})
		slog.Info("provider created", "kind", "chat", "name", entry.Name, "model", entry.Model)
	}
	failover, err := resilience.NewChatFailover(bc, members...)
	if err != nil {
		return nil, err
	}
	ps.Chat = failover

	lv, err := reg.CreateLive(cfg.Providers.Live)
	if err != nil {
		return nil, fmt.Errorf("create live provider %q: %w", cfg.Providers.Live.Name, err)
	}
	ps.Live = resilience.NewLiveBreaker(lv, bc)
	slog.Info("provider created", "kind", "live", "name", cfg.Providers.Live.Name, "model", cfg.Providers.Live.Model)

	return ps, nil
}

func breakerConfig(r config.ResilienceConfig) resilience.CircuitBreakerConfig {
	return resilience.CircuitBreakerConfig{
		MaxFailures:  r.MaxFailures,
		ResetTimeout: r.ResetTimeout.Std(),
		HalfOpenMax:  r.HalfOpenMax,
	}
}
