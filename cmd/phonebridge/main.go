// Command phonebridge serves the telephony and game WebSocket endpoints that
// let a phone caller play a game by voice.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/phonebridge/internal/bridge"
	"github.com/MrWong99/phonebridge/internal/config"
	"github.com/MrWong99/phonebridge/internal/health"
	"github.com/MrWong99/phonebridge/internal/observe"
	"github.com/MrWong99/phonebridge/internal/resilience"
	"github.com/MrWong99/phonebridge/pkg/provider/stt"
	"github.com/MrWong99/phonebridge/pkg/provider/stt/deepgram"
	"github.com/MrWong99/phonebridge/pkg/provider/tts"
	"github.com/MrWong99/phonebridge/pkg/provider/tts/coqui"
	"github.com/MrWong99/phonebridge/pkg/provider/tts/elevenlabs"
)

const shutdownTimeout = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	listVoices := flag.Bool("list-voices", false, "print the voices offered by the TTS provider and exit")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, watchPath, err := loadConfig(*configPath, flagWasSet("config"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "phonebridge: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.SlogLevel())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	telemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		RuntimeMetrics: cfg.Telemetry.Metrics,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(flushCtx); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	recogniser, synth, err := buildProviders(cfg, reg, metrics)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	if *listVoices {
		return printVoices(ctx, os.Stdout, synth)
	}

	slog.Info("phonebridge starting",
		"config", watchPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"stt", cfg.Providers.STT.Name,
		"tts", cfg.Providers.TTS.Name,
		"tls", cfg.Server.TLS != nil,
	)

	// ── Bridge ────────────────────────────────────────────────────────────────
	codes := bridge.NewRegistry(
		bridge.WithCodeSpace(cfg.Bridge.CodeSpace),
		bridge.WithRegistryMetrics(metrics),
	)
	server := bridge.NewServer(codes, recogniser, synth, cfg.Bridge.PhoneNumber,
		bridge.WithVoice(voiceFor(cfg.Providers.TTS)),
		bridge.WithMetrics(metrics),
		bridge.WithBaseContext(ctx),
	)

	if watchPath != "" {
		watcher, err := config.NewWatcher(watchPath, func(d config.ConfigDiff) {
			applyReload(d, level, server)
		})
		if err != nil {
			slog.Error("failed to watch config", "err", err)
			return 1
		}
		defer watcher.Stop()
	}

	// ── HTTP ──────────────────────────────────────────────────────────────────
	mux := http.NewServeMux()
	server.Register(mux)
	health.New(
		health.Registry(codes.Len, codes.CodeSpace()),
		health.Breakers("stt", recogniser.BreakerStates),
		health.Breakers("tts", synth.BreakerStates),
	).Register(mux)
	if cfg.Telemetry.Metrics {
		mux.Handle("GET /metrics", telemetry.MetricsHandler())
	}

	httpSrv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		var err error
		if tlsCfg := cfg.Server.TLS; tlsCfg != nil {
			err = httpSrv.ListenAndServeTLS(tlsCfg.CertFile, tlsCfg.KeyFile)
		} else {
			err = httpSrv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		serveErr <- err
	}()

	slog.Info("server ready, press Ctrl+C to shut down", "addr", cfg.Server.ListenAddr)

	select {
	case err := <-serveErr:
		if err != nil {
			slog.Error("serve", "err", err)
			return 1
		}
		return 0
	case <-ctx.Done():
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if err := <-serveErr; err != nil {
		slog.Error("serve", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// loadConfig reads path, or the environment alone when the default config
// file is absent. It returns the path to watch for changes, which is empty
// when no file was read.
func loadConfig(path string, explicit bool) (*config.Config, string, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, path, nil
	}
	if explicit || !errors.Is(err, os.ErrNotExist) {
		return nil, "", err
	}
	cfg, err = config.LoadFromEnv()
	if err != nil {
		return nil, "", fmt.Errorf("no %s found and the environment is incomplete: %w", path, err)
	}
	return cfg, "", nil
}

func flagWasSet(name string) bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

// applyReload applies the settings that can change without a restart and
// reports the rest.
func applyReload(d config.ConfigDiff, level *slog.LevelVar, server *bridge.Server) {
	if d.LogLevelChanged {
		level.Set(d.NewLogLevel.SlogLevel())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.PhoneNumberChanged {
		server.SetPhoneNumber(d.NewPhoneNumber)
		slog.Info("phone number changed", "phone_number", d.NewPhoneNumber)
	}
	for _, field := range d.RestartRequired {
		slog.Warn("config change takes effect after restart", "field", field)
	}
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires the provider factories that ship with the
// bridge into reg.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithBaseURL(entry.BaseURL))
		}
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := entry.StringOption("language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.BaseURL != "" {
			opts = append(opts, elevenlabs.WithBaseURL(entry.BaseURL))
		}
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if outputFmt := entry.StringOption("output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("coqui", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []coqui.Option
		if lang := entry.StringOption("language"); lang != "" {
			opts = append(opts, coqui.WithLanguage(lang))
		}
		if mode := entry.StringOption("api_mode"); mode != "" {
			opts = append(opts, coqui.WithAPIMode(coqui.APIMode(mode)))
		}
		return coqui.New(entry.BaseURL, opts...)
	})

	for _, kind := range []string{"stt", "tts"} {
		slog.Debug("registered providers", "kind", kind, "names", reg.Names(kind))
	}
}

// buildProviders instantiates the configured providers and wraps each in a
// circuit breaker. A configured TTS fallback is tried when the primary fails.
func buildProviders(cfg *config.Config, reg *config.Registry, metrics *observe.Metrics) (*resilience.STTFallback, *resilience.TTSFallback, error) {
	fbCfg := resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			OnStateChange: func(name string, from, to resilience.State) {
				metrics.RecordBreakerTransition(context.Background(), name, to.String())
				slog.Warn("circuit breaker state changed", "provider", name, "from", from, "to", to)
			},
		},
	}

	sttEntry := cfg.Providers.STT
	sttProvider, err := reg.CreateSTT(sttEntry)
	if err != nil {
		return nil, nil, fmt.Errorf("create stt provider %q: %w", sttEntry.Name, err)
	}
	slog.Info("provider created", "kind", "stt", "name", sttEntry.Name)
	recogniser := resilience.NewSTTFallback(sttProvider, sttEntry.Name, fbCfg)

	ttsEntry := cfg.Providers.TTS
	ttsProvider, err := reg.CreateTTS(ttsEntry)
	if err != nil {
		return nil, nil, fmt.Errorf("create tts provider %q: %w", ttsEntry.Name, err)
	}
	slog.Info("provider created", "kind", "tts", "name", ttsEntry.Name)
	synth := resilience.NewTTSFallback(ttsProvider, ttsEntry.Name, fbCfg)

	if fb := cfg.Providers.TTSFallback; fb.Name != "" {
		p, err := reg.CreateTTS(fb)
		if err != nil {
			return nil, nil, fmt.Errorf("create tts fallback %q: %w", fb.Name, err)
		}
		// Breakers are keyed by name, so a second entry of the same backend
		// needs its own label.
		name := fb.Name
		if name == ttsEntry.Name {
			name += "-fallback"
		}
		synth.AddFallback(name, p)
		slog.Info("provider created", "kind", "tts_fallback", "name", fb.Name)
	}

	return recogniser, synth, nil
}

// voiceFor returns the fixed voice used for every reply.
func voiceFor(entry config.ProviderEntry) tts.VoiceProfile {
	id := entry.StringOption("voice_id")
	return tts.VoiceProfile{ID: id, Name: id, Provider: entry.Name}
}

// printVoices writes one "id<TAB>name" line per voice and returns the exit code.
func printVoices(ctx context.Context, w io.Writer, p tts.Provider) int {
	voices, err := p.ListVoices(ctx)
	if err != nil {
		slog.Error("listing voices", "err", err)
		return 1
	}
	for _, v := range voices {
		fmt.Fprintf(w, "%s\t%s\n", v.ID, v.Name)
	}
	return 0
}
