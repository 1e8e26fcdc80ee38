// Package app wires all goftegu subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the local HTTP binding, and Shutdown tears
// everything down in order.
//
// For testing, inject mock implementations through [Providers] and the
// functional options (WithMetrics, WithLevelVar, etc.). When an audio device
// is not provided, New opens the real one selected by the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/goftegu/goftegu/internal/chat"
	"github.com/goftegu/goftegu/internal/config"
	"github.com/goftegu/goftegu/internal/conversation"
	"github.com/goftegu/goftegu/internal/health"
	"github.com/goftegu/goftegu/internal/observe"
	"github.com/goftegu/goftegu/internal/voice"
	"github.com/goftegu/goftegu/internal/web"
	"github.com/goftegu/goftegu/pkg/audio"
	"github.com/goftegu/goftegu/pkg/audio/capture"
	"github.com/goftegu/goftegu/pkg/audio/device"
	chatprovider "github.com/goftegu/goftegu/pkg/provider/chat"
	"github.com/goftegu/goftegu/pkg/provider/live"
)

// serverShutdownTimeout bounds the graceful HTTP shutdown at the end of Run.
const serverShutdownTimeout = 5 * time.Second

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Chat and Live are populated by main.go via the
// config registry; Microphone and Speaker are opened by New when nil.
type Providers struct {
	Chat       chatprovider.Provider
	Live       live.Provider
	Microphone audio.Microphone
	Speaker    audio.Speaker
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	metrics        *observe.Metrics
	metricsHandler http.Handler
	level          *slog.LevelVar

	// Subsystems, initialised in New and torn down in Shutdown.
	devices   *device.Context
	record    *conversation.Record
	transport *voice.Transport
	voice     *voice.Controller
	chat      *chat.Service
	health    *health.Handler
	web       *web.Server

	// closers are called in order during Shutdown.
	closers []func(context.Context) error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithMetrics records voice, chat and HTTP metrics to m instead of the
// instruments on the global meter provider.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler serves h on /metrics instead of the default Prometheus
// registry.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithLevelVar lets [App.ApplyConfig] change the log level at runtime.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry). cfg must already
// carry its defaults.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Conversation record ───────────────────────────────────────────
	a.record = conversation.New()

	// ── 2. Audio devices ─────────────────────────────────────────────────
	if err := a.initAudio(); err != nil {
		return nil, fmt.Errorf("app: init audio: %w", err)
	}

	// ── 3. Voice session ─────────────────────────────────────────────────
	if err := a.initVoice(); err != nil {
		if a.devices != nil {
			err = errors.Join(err, a.devices.Close())
		}
		return nil, fmt.Errorf("app: init voice: %w", err)
	}

	// ── 4. Chat flow ─────────────────────────────────────────────────────
	a.chat = chat.New(providers.Chat, a.record,
		chat.WithModels(chatModels(cfg)),
		chat.WithVoice(a.voice),
		chat.WithMetrics(a.metrics),
	)

	// ── 5. Health + web binding ──────────────────────────────────────────
	a.health = health.New(a.readinessCheckers()...)
	a.web = web.New(web.Config{
		Record:      a.record,
		Chat:        a.chat,
		Voice:       a.voice,
		Health:      a.health,
		Metrics:     a.metricsHandler,
		HTTPMetrics: a.metrics,
	})

	// ── 6. Teardown order ────────────────────────────────────────────────
	a.closers = append(a.closers,
		a.voice.Stop,
		func(ctx context.Context) error {
			a.chat.StopGeneration()
			return a.chat.Wait(ctx)
		},
	)
	if a.devices != nil {
		a.closers = append(a.closers, func(context.Context) error { return a.devices.Close() })
	}

	slog.Info("app initialised",
		"chat_provider", cfg.Providers.Chat.Name,
		"live_provider", cfg.Providers.Live.Name,
		"output", cfg.Voice.Output,
	)
	return a, nil
}

// initAudio opens the real devices for every audio slot the caller left
// empty. The microphone and a malgo speaker share one miniaudio context.
func (a *App) initAudio() error {
	p := a.providers
	output := a.cfg.Voice.Output
	needMalgo := p.Microphone == nil || (p.Speaker == nil && output != config.OutputOto)
	if needMalgo {
		dc, err := device.NewContext()
		if err != nil {
			return err
		}
		a.devices = dc
		if p.Microphone == nil {
			p.Microphone = device.NewMicrophone(dc)
		}
	}
	if p.Speaker == nil {
		p.Speaker = speakerFor(output, a.devices)
	}
	return nil
}

// speakerFor returns the speaker backend selected by voice.output. dc is
// only used by the malgo backend.
func speakerFor(output config.OutputBackend, dc *device.Context) audio.Speaker {
	if output == config.OutputOto {
		return &device.OtoSpeaker{}
	}
	return device.NewSpeaker(dc)
}

// initVoice builds the transport and the session controller.
func (a *App) initVoice() error {
	v := a.cfg.Voice
	input := audio.Format{SampleRate: v.InputSampleRate, Channels: 1}
	output := audio.Format{SampleRate: v.OutputSampleRate, Channels: 1}

	a.transport = voice.NewTransport(a.providers.Live, liveSessionConfig(a.cfg))
	ctrl, err := voice.New(voice.Config{
		Capture:        capture.New(a.providers.Microphone, capture.WithFormat(input), capture.WithFrameSize(v.FrameSize)),
		Speaker:        a.providers.Speaker,
		Transport:      a.transport,
		Record:         a.record,
		OutputFormat:   output,
		RevealInterval: v.RevealInterval.Std(),
		Metrics:        a.metrics,
	})
	if err != nil {
		return err
	}
	a.voice = ctrl
	return nil
}

// readier is implemented by providers that know whether they can currently
// serve, such as the circuit breakers in internal/resilience.
type readier interface {
	Ready() error
}

// readinessCheckers reports the provider slots /readyz depends on.
func (a *App) readinessCheckers() []health.Checker {
	slot := func(name string, p any) health.Checker {
		return health.Checker{
			Name: name,
			Check: func(context.Context) error {
				if p == nil {
					return fmt.Errorf("%s provider not configured", name)
				}
				if r, ok := p.(readier); ok {
					return r.Ready()
				}
				return nil
			},
		}
	}
	return []health.Checker{
		slot("chat", a.providers.Chat),
		slot("voice_api", a.providers.Live),
		slot("audio_output", a.providers.Speaker),
	}
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the HTTP handler of the local binding.
func (a *App) Handler() http.Handler { return a.web.Router() }

// Record returns the conversation record.
func (a *App) Record() *conversation.Record { return a.record }

// Voice returns the voice session controller.
func (a *App) Voice() *voice.Controller { return a.voice }

// Chat returns the chat flow.
func (a *App) Chat() *chat.Service { return a.chat }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the HTTP binding on cfg.Server.ListenAddr and blocks until ctx
// is cancelled. When ctx is done, Run shuts the server down gracefully and
// returns ctx.Err(). Subsystems stay up until [App.Shutdown].
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen: %w", err)
	}
	return a.Serve(ctx, ln)
}

// Serve is [App.Run] on an existing listener. It takes ownership of ln.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	slog.Info("app running", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		return fmt.Errorf("app: serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), serverShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown error", "err", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Warn("http serve error", "err", err)
	}
	return ctx.Err()
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable part of a config change. It is
// meant as the callback of a [config.Watcher]. Changes listed in
// d.RequiresRestart are ignored.
func (a *App) ApplyConfig(_, next *config.Config, d config.ConfigDiff) {
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Slog())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.ChatModelsChanged {
		m := chatModels(next)
		a.chat.SetModels(m)
		slog.Info("chat models changed", "model", m.Default, "thinking_model", m.Thinking)
	}
	if d.LiveSessionChanged {
		a.transport.SetConfig(liveSessionConfig(next))
		slog.Info("voice session config changed; applies to the next session")
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in order: the voice session first, then
// the chat stream, then the audio devices. It respects the context deadline:
// if ctx expires before all closers finish, remaining closers are skipped
// and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(ctx); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// chatModels converts the chat provider entry to [chat.Models].
func chatModels(cfg *config.Config) chat.Models {
	e := cfg.Providers.Chat
	return chat.Models{
		Default:        e.Model,
		Thinking:       e.OptionString("thinking_model", config.DefaultThinkingModel),
		ThinkingBudget: e.OptionInt("thinking_budget", config.DefaultThinkingBudget),
	}
}

// liveSessionConfig converts the live provider entry and the voice section to
// a [live.SessionConfig]. Both transcriptions are always on: the record
// mirrors them and the summary is built from them.
func liveSessionConfig(cfg *config.Config) live.SessionConfig {
	return live.SessionConfig{
		Voice:               cfg.Providers.Live.OptionString("voice", config.DefaultVoice),
		Instructions:        cfg.Voice.Instructions,
		InputTranscription:  true,
		OutputTranscription: true,
	}
}
