// Package config provides the configuration schema and loader for the
// voxbridge broker.
package config

// LogLevel controls log verbosity for the broker.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure, typically loaded from a YAML
// file using Load or LoadFromReader.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Providers   ProvidersConfig   `yaml:"providers"`
	VAD         VADConfig         `yaml:"vad"`
	TurnLog     TurnLogConfig     `yaml:"turnlog"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Transcript  TranscriptConfig  `yaml:"transcript"`
	Agent       AgentConfig       `yaml:"agent"`
}

// ServerConfig holds network, session limit, and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the broker listens on (e.g. ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// OriginAllowlist lists Origin header values accepted during the
	// WebSocket handshake. Empty allows same-host origins only.
	OriginAllowlist []string `yaml:"origin_allowlist"`

	// MaxSessions caps concurrent sessions. Connections beyond the cap are
	// refused with a connection_limit error. 0 means the default of 100.
	MaxSessions int `yaml:"max_sessions"`

	// MaxTurnSeconds bounds one conversation turn end to end. 0 means 60.
	MaxTurnSeconds int `yaml:"max_turn_seconds"`

	// IdleTimeoutSeconds disconnects sessions with no inbound frames for
	// this long. 0 means 900.
	IdleTimeoutSeconds int `yaml:"idle_timeout_seconds"`

	// TLS enables HTTPS when set.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// ProvidersConfig declares the implementation for each pipeline collaborator.
type ProvidersConfig struct {
	ASR   ProviderEntry `yaml:"asr"`
	Agent ProviderEntry `yaml:"agent"`
	TTS   ProviderEntry `yaml:"tts"`
}

// ProviderEntry is the common configuration block shared by all provider
// kinds.
type ProviderEntry struct {
	// Name selects the implementation (e.g. "whisper", "openai", "elevenlabs").
	Name string `yaml:"name"`

	// APIKey authenticates against the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a model or model file within the provider.
	Model string `yaml:"model"`

	// Voice selects a synthesis voice (TTS only).
	Voice string `yaml:"voice"`

	// Options holds provider-specific values not covered by the standard
	// fields above.
	Options map[string]any `yaml:"options"`

	// Fallback, when set, is tried after the primary provider fails. Each
	// tier sits behind its own circuit breaker.
	Fallback *ProviderEntry `yaml:"fallback"`
}

// VADConfig holds the server-side audio validation defaults. Clients may
// override per session via settings_update.
type VADConfig struct {
	EnergyThreshold      float64 `yaml:"energy_threshold"`
	Mode                 int     `yaml:"mode"`
	SpeechRatioThreshold float64 `yaml:"speech_ratio_threshold"`
	Enabled              *bool   `yaml:"enabled"`
}

// TurnLogConfig locates the append-only turn log.
type TurnLogConfig struct {
	// Dir is the directory holding the daily JSONL files and per-session
	// documents.
	Dir string `yaml:"dir"`
}

// PersistenceConfig controls the optional database mirror.
type PersistenceConfig struct {
	// PostgresDSN enables the postgres mirror when non-empty.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// TranscriptConfig controls ASR post-processing.
type TranscriptConfig struct {
	// Hotwords are snapped onto near-miss transcript words.
	Hotwords []string `yaml:"hotwords"`
}

// AgentConfig holds conversation-level settings.
type AgentConfig struct {
	// SystemPrompt is prepended to every agent request.
	SystemPrompt string `yaml:"system_prompt"`

	// Temperature is passed through to the model when non-zero.
	Temperature float64 `yaml:"temperature"`

	// MaxTokens bounds the reply length when non-zero.
	MaxTokens int `yaml:"max_tokens"`

	// HistoryTurns is how many prior turns are replayed as context. 0 means 8.
	HistoryTurns int `yaml:"history_turns"`
}
