package protocol

import (
	"errors"
	"fmt"
)

// Codec names accepted for compressed client audio.
const (
	CodecWAV  = "wav"
	CodecOpus = "opus"
	CodecWebm = "webm"
	CodecMP3  = "mp3"
)

// VoiceSettings holds the per-session tuning knobs. Loaded at connect time
// (from persistence when available, defaults otherwise) and overridable via
// settings_update events.
type VoiceSettings struct {
	VADThreshold               float64 `json:"vad_threshold"`
	SilenceTimeoutMs           int     `json:"silence_timeout_ms"`
	MinRecordingMs             int     `json:"min_recording_ms"`
	BackendVADEnabled          bool    `json:"backend_vad_enabled"`
	BackendVADMode             int     `json:"backend_vad_mode"`
	BackendEnergyThreshold     float64 `json:"backend_energy_threshold"`
	BackendSpeechRatioThreshold float64 `json:"backend_speech_ratio_threshold"`
	UseCompression             bool    `json:"use_compression"`
	CompressionCodec           string  `json:"compression_codec"`
	CompressionBitrate         string  `json:"compression_bitrate"`
}

// DefaultVoiceSettings returns the settings applied to a session when no
// persisted profile exists.
func DefaultVoiceSettings() VoiceSettings {
	return VoiceSettings{
		VADThreshold:                0.02,
		SilenceTimeoutMs:            800,
		MinRecordingMs:              500,
		BackendVADEnabled:           true,
		BackendVADMode:              2,
		BackendEnergyThreshold:      500.0,
		BackendSpeechRatioThreshold: 0.03,
		UseCompression:              false,
		CompressionCodec:            CodecOpus,
		CompressionBitrate:          "64k",
	}
}

// SettingsUpdate is the payload of a settings_update event. Nil fields are
// left unchanged; present fields are validated before being applied.
type SettingsUpdate struct {
	VADThreshold                *float64 `json:"vad_threshold,omitempty"`
	SilenceTimeoutMs            *int     `json:"silence_timeout_ms,omitempty"`
	MinRecordingMs              *int     `json:"min_recording_ms,omitempty"`
	BackendVADEnabled           *bool    `json:"backend_vad_enabled,omitempty"`
	BackendVADMode              *int     `json:"backend_vad_mode,omitempty"`
	BackendEnergyThreshold      *float64 `json:"backend_energy_threshold,omitempty"`
	BackendSpeechRatioThreshold *float64 `json:"backend_speech_ratio_threshold,omitempty"`
	UseCompression              *bool    `json:"use_compression,omitempty"`
	CompressionCodec            *string  `json:"compression_codec,omitempty"`
	CompressionBitrate          *string  `json:"compression_bitrate,omitempty"`
}

// Apply validates the update and merges it onto s, returning the merged
// settings. s is not modified on validation failure.
func (s VoiceSettings) Apply(u SettingsUpdate) (VoiceSettings, error) {
	merged := s
	if u.VADThreshold != nil {
		merged.VADThreshold = *u.VADThreshold
	}
	if u.SilenceTimeoutMs != nil {
		merged.SilenceTimeoutMs = *u.SilenceTimeoutMs
	}
	if u.MinRecordingMs != nil {
		merged.MinRecordingMs = *u.MinRecordingMs
	}
	if u.BackendVADEnabled != nil {
		merged.BackendVADEnabled = *u.BackendVADEnabled
	}
	if u.BackendVADMode != nil {
		merged.BackendVADMode = *u.BackendVADMode
	}
	if u.BackendEnergyThreshold != nil {
		merged.BackendEnergyThreshold = *u.BackendEnergyThreshold
	}
	if u.BackendSpeechRatioThreshold != nil {
		merged.BackendSpeechRatioThreshold = *u.BackendSpeechRatioThreshold
	}
	if u.UseCompression != nil {
		merged.UseCompression = *u.UseCompression
	}
	if u.CompressionCodec != nil {
		merged.CompressionCodec = *u.CompressionCodec
	}
	if u.CompressionBitrate != nil {
		merged.CompressionBitrate = *u.CompressionBitrate
	}
	if err := merged.Validate(); err != nil {
		return s, err
	}
	return merged, nil
}

// Validate checks that every field is inside its documented range. It
// returns a joined error listing all violations.
func (s VoiceSettings) Validate() error {
	var errs []error
	if s.VADThreshold < 0.01 || s.VADThreshold > 0.1 {
		errs = append(errs, fmt.Errorf("vad_threshold %g outside [0.01, 0.1]", s.VADThreshold))
	}
	if s.SilenceTimeoutMs < 300 || s.SilenceTimeoutMs > 2000 {
		errs = append(errs, fmt.Errorf("silence_timeout_ms %d outside [300, 2000]", s.SilenceTimeoutMs))
	}
	if s.MinRecordingMs < 300 || s.MinRecordingMs > 2000 {
		errs = append(errs, fmt.Errorf("min_recording_ms %d outside [300, 2000]", s.MinRecordingMs))
	}
	if s.BackendVADMode < 0 || s.BackendVADMode > 3 {
		errs = append(errs, fmt.Errorf("backend_vad_mode %d outside {0,1,2,3}", s.BackendVADMode))
	}
	if s.BackendEnergyThreshold < 0 {
		errs = append(errs, fmt.Errorf("backend_energy_threshold %g must be positive", s.BackendEnergyThreshold))
	}
	if s.BackendSpeechRatioThreshold < 0.01 || s.BackendSpeechRatioThreshold > 0.5 {
		errs = append(errs, fmt.Errorf("backend_speech_ratio_threshold %g outside [0.01, 0.5]", s.BackendSpeechRatioThreshold))
	}
	switch s.CompressionCodec {
	case CodecOpus, CodecWebm, CodecWAV:
	default:
		errs = append(errs, fmt.Errorf("compression_codec %q not one of opus, webm, wav", s.CompressionCodec))
	}
	switch s.CompressionBitrate {
	case "32k", "64k", "128k":
	default:
		errs = append(errs, fmt.Errorf("compression_bitrate %q not one of 32k, 64k, 128k", s.CompressionBitrate))
	}
	return errors.Join(errs...)
}
