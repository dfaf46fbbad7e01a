// Command voxbridge is the real-time voice conversation broker.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/voxbridge/voxbridge/internal/broker"
	"github.com/voxbridge/voxbridge/internal/config"
	"github.com/voxbridge/voxbridge/internal/observe"
	"github.com/voxbridge/voxbridge/internal/pipeline"
	"github.com/voxbridge/voxbridge/internal/protocol"
	"github.com/voxbridge/voxbridge/internal/resilience"
	"github.com/voxbridge/voxbridge/internal/transcript"
	"github.com/voxbridge/voxbridge/internal/turnlog"
	"github.com/voxbridge/voxbridge/pkg/provider/agent"
	agentanyllm "github.com/voxbridge/voxbridge/pkg/provider/agent/anyllm"
	agentmock "github.com/voxbridge/voxbridge/pkg/provider/agent/mock"
	agentopenai "github.com/voxbridge/voxbridge/pkg/provider/agent/openai"
	"github.com/voxbridge/voxbridge/pkg/provider/asr"
	asrmock "github.com/voxbridge/voxbridge/pkg/provider/asr/mock"
	"github.com/voxbridge/voxbridge/pkg/provider/asr/whisper"
	"github.com/voxbridge/voxbridge/pkg/provider/cache"
	"github.com/voxbridge/voxbridge/pkg/provider/persistence"
	"github.com/voxbridge/voxbridge/pkg/provider/persistence/postgres"
	"github.com/voxbridge/voxbridge/pkg/provider/tts"
	"github.com/voxbridge/voxbridge/pkg/provider/tts/elevenlabs"
	ttsmock "github.com/voxbridge/voxbridge/pkg/provider/tts/mock"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxbridge: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxbridge: %v\n", err)
		}
		return 1
	}

	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("voxbridge starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	metricsShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "voxbridge",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise metrics", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsShutdown(flushCtx); err != nil {
			slog.Warn("metrics shutdown error", "err", err)
		}
	}()

	// ── Turn log ──────────────────────────────────────────────────────────────
	turns, err := turnlog.New(cfg.TurnLog.Dir)
	if err != nil {
		slog.Error("failed to open turn log", "dir", cfg.TurnLog.Dir, "err", err)
		return 1
	}

	// ── Persistence mirror (optional) ─────────────────────────────────────────
	var store persistence.Store
	if cfg.Persistence.PostgresDSN != "" {
		pg, err := postgres.New(ctx, cfg.Persistence.PostgresDSN)
		if err != nil {
			slog.Error("failed to connect postgres", "err", err)
			return 1
		}
		defer pg.Close()
		store = pg
		slog.Info("persistence mirror connected")
	}

	// ── Providers ─────────────────────────────────────────────────────────────
	asrProvider, err := buildASR(cfg.Providers.ASR)
	if err != nil {
		slog.Error("failed to build asr provider", "name", cfg.Providers.ASR.Name, "err", err)
		return 1
	}
	agentProvider, err := buildAgent(cfg.Providers.Agent)
	if err != nil {
		slog.Error("failed to build agent provider", "name", cfg.Providers.Agent.Name, "err", err)
		return 1
	}
	ttsProvider, err := buildTTS(cfg.Providers.TTS)
	if err != nil {
		slog.Error("failed to build tts provider", "name", cfg.Providers.TTS.Name, "err", err)
		return 1
	}

	// ── Pipeline ──────────────────────────────────────────────────────────────
	var corrector *transcript.Corrector
	if len(cfg.Transcript.Hotwords) > 0 {
		corrector = transcript.New(cfg.Transcript.Hotwords)
		slog.Info("transcript corrector enabled", "hotwords", len(cfg.Transcript.Hotwords))
	}

	pipe := pipeline.New(asrProvider, agentProvider, ttsProvider, turns, pipeline.Options{
		TurnTimeout:  time.Duration(cfg.Server.MaxTurnSeconds) * time.Second,
		SystemPrompt: cfg.Agent.SystemPrompt,
		Temperature:  cfg.Agent.Temperature,
		MaxTokens:    cfg.Agent.MaxTokens,
		Corrector:    corrector,
		AudioCache:   cache.NewMemory(0, 0),
		Mirror:       store,
		Logger:       logger,
	})

	// ── Broker + HTTP server ──────────────────────────────────────────────────
	b := broker.New(broker.Config{
		Pipeline:        pipe,
		SettingsStore:   store,
		DefaultSettings: defaultSettings(cfg.VAD),
		OriginAllowlist: cfg.Server.OriginAllowlist,
		MaxSessions:     cfg.Server.MaxSessions,
		IdleTimeout:     time.Duration(cfg.Server.IdleTimeoutSeconds) * time.Second,
		HistoryTurns:    cfg.Agent.HistoryTurns,
		Logger:          logger,
	})

	addr := cfg.Server.ListenAddr
	if addr == "" {
		addr = ":8080"
	}
	server := &http.Server{
		Addr:              addr,
		Handler:           b.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		if cfg.Server.TLS != nil {
			serveErr <- server.ListenAndServeTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
			return
		}
		serveErr <- server.ListenAndServe()
	}()

	slog.Info("server ready", "addr", addr, "tls", cfg.Server.TLS != nil)

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		slog.Error("server error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	b.Shutdown(shutdownCtx)
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown error", "err", err)
	}

	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// buildASR constructs the transcription provider, wrapping it in a breaker
// group when a fallback tier is configured.
func buildASR(entry config.ProviderEntry) (asr.Provider, error) {
	primary, err := newASR(entry)
	if err != nil {
		return nil, err
	}
	if entry.Fallback == nil {
		return primary, nil
	}
	alt, err := newASR(*entry.Fallback)
	if err != nil {
		return nil, fmt.Errorf("fallback: %w", err)
	}
	group := resilience.NewASRFallback(primary, entry.Name, resilience.FallbackConfig{})
	group.AddFallback(entry.Fallback.Name, alt)
	slog.Info("asr fallback enabled", "primary", entry.Name, "fallback", entry.Fallback.Name)
	return group, nil
}

func newASR(entry config.ProviderEntry) (asr.Provider, error) {
	switch entry.Name {
	case "whisper":
		var opts []whisper.Option
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(entry.Model, opts...)
	case "mock":
		return &asrmock.Provider{Text: optString(entry.Options, "text")}, nil
	default:
		return nil, fmt.Errorf("unknown asr provider %q", entry.Name)
	}
}

// buildAgent constructs the conversational model provider.
func buildAgent(entry config.ProviderEntry) (agent.Provider, error) {
	switch entry.Name {
	case "openai":
		var opts []agentopenai.Option
		if entry.BaseURL != "" {
			opts = append(opts, agentopenai.WithBaseURL(entry.BaseURL))
		}
		return agentopenai.New(entry.APIKey, entry.Model, opts...)
	case "mock":
		return &agentmock.Provider{Reply: optString(entry.Options, "reply")}, nil
	default:
		// anthropic, gemini, ollama, deepseek, mistral, groq all run through
		// the any-llm backend.
		var opts []anyllmlib.Option
		if entry.APIKey != "" {
			opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
		}
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return agentanyllm.New(entry.Name, entry.Model, opts...)
	}
}

// buildTTS constructs the synthesis provider, with optional breaker-backed
// fallback. Fallback tiers must synthesize the same output format.
func buildTTS(entry config.ProviderEntry) (tts.Provider, error) {
	primary, err := newTTS(entry)
	if err != nil {
		return nil, err
	}
	if entry.Fallback == nil {
		return primary, nil
	}
	alt, err := newTTS(*entry.Fallback)
	if err != nil {
		return nil, fmt.Errorf("fallback: %w", err)
	}
	group := resilience.NewTTSFallback(primary, entry.Name, resilience.FallbackConfig{})
	group.AddFallback(entry.Fallback.Name, alt)
	slog.Info("tts fallback enabled", "primary", entry.Name, "fallback", entry.Fallback.Name)
	return group, nil
}

func newTTS(entry config.ProviderEntry) (tts.Provider, error) {
	switch entry.Name {
	case "elevenlabs":
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if format := optString(entry.Options, "output_format"); format != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(format))
		}
		return elevenlabs.New(entry.APIKey, entry.Voice, opts...)
	case "mock":
		return &ttsmock.Provider{}, nil
	default:
		return nil, fmt.Errorf("unknown tts provider %q", entry.Name)
	}
}

// defaultSettings folds the server-side validation config into the settings
// profile used for sessions without a persisted one.
func defaultSettings(v config.VADConfig) protocol.VoiceSettings {
	s := protocol.DefaultVoiceSettings()
	if v.EnergyThreshold > 0 {
		s.BackendEnergyThreshold = v.EnergyThreshold
	}
	if v.Mode > 0 {
		s.BackendVADMode = v.Mode
	}
	if v.SpeechRatioThreshold > 0 {
		s.BackendSpeechRatioThreshold = v.SpeechRatioThreshold
	}
	if v.Enabled != nil {
		s.BackendVADEnabled = *v.Enabled
	}
	return s
}

// ── Logger ────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map. Returns ""
// when the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	s, _ := opts[key].(string)
	return s
}
