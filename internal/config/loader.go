package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per collaborator kind.
// Validate warns about unrecognised names rather than failing, so new
// third-party adapters can be wired without touching this table.
var ValidProviderNames = map[string][]string{
	"asr":   {"whisper", "mock"},
	"agent": {"openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq", "mock"},
	"tts":   {"elevenlabs", "mock"},
}

// Load reads the YAML configuration file at path and returns a validated
// Config. It is a convenience wrapper around LoadFromReader.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// ${VAR} references are expanded from the environment before decoding, so
// secrets stay out of config files. Useful in tests where configs are
// constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	raw = []byte(os.ExpandEnv(string(raw)))

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.MaxSessions < 0 {
		errs = append(errs, fmt.Errorf("server.max_sessions %d must not be negative", cfg.Server.MaxSessions))
	}
	if cfg.Server.MaxTurnSeconds < 0 {
		errs = append(errs, fmt.Errorf("server.max_turn_seconds %d must not be negative", cfg.Server.MaxTurnSeconds))
	}
	if cfg.Server.IdleTimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("server.idle_timeout_seconds %d must not be negative", cfg.Server.IdleTimeoutSeconds))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	validateProviderName("asr", cfg.Providers.ASR.Name)
	validateProviderName("agent", cfg.Providers.Agent.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)

	if cfg.Providers.ASR.Name == "" {
		errs = append(errs, errors.New("providers.asr.name is required"))
	}
	if cfg.Providers.Agent.Name == "" {
		errs = append(errs, errors.New("providers.agent.name is required"))
	}
	if cfg.Providers.TTS.Name == "" {
		errs = append(errs, errors.New("providers.tts.name is required"))
	}
	if cfg.Providers.TTS.Name == "elevenlabs" && cfg.Providers.TTS.Voice == "" {
		errs = append(errs, errors.New("providers.tts.voice is required for elevenlabs"))
	}

	if cfg.VAD.EnergyThreshold < 0 {
		errs = append(errs, fmt.Errorf("vad.energy_threshold %.2f must not be negative", cfg.VAD.EnergyThreshold))
	}
	if cfg.VAD.Mode < 0 || cfg.VAD.Mode > 3 {
		errs = append(errs, fmt.Errorf("vad.mode %d is out of range [0, 3]", cfg.VAD.Mode))
	}
	if cfg.VAD.SpeechRatioThreshold < 0 || cfg.VAD.SpeechRatioThreshold > 1 {
		errs = append(errs, fmt.Errorf("vad.speech_ratio_threshold %.3f is out of range [0, 1]", cfg.VAD.SpeechRatioThreshold))
	}

	if cfg.TurnLog.Dir == "" {
		errs = append(errs, errors.New("turnlog.dir is required"))
	}
	if cfg.Persistence.PostgresDSN == "" {
		slog.Info("persistence.postgres_dsn is empty; turns are kept only in the local turn log")
	}

	if cfg.Agent.Temperature < 0 || cfg.Agent.Temperature > 2 {
		errs = append(errs, fmt.Errorf("agent.temperature %.2f is out of range [0, 2]", cfg.Agent.Temperature))
	}
	if cfg.Agent.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("agent.max_tokens %d must not be negative", cfg.Agent.MaxTokens))
	}
	if cfg.Agent.HistoryTurns < 0 {
		errs = append(errs, fmt.Errorf("agent.history_turns %d must not be negative", cfg.Agent.HistoryTurns))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the ValidProviderNames list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
