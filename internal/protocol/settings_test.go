package protocol_test

import (
	"strings"
	"testing"

	"github.com/voxbridge/voxbridge/internal/protocol"
)

func ptr[T any](v T) *T { return &v }

func TestDefaultVoiceSettings_AreValid(t *testing.T) {
	t.Parallel()

	if err := protocol.DefaultVoiceSettings().Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestApply_MergesOnlyPresentFields(t *testing.T) {
	t.Parallel()

	base := protocol.DefaultVoiceSettings()
	merged, err := base.Apply(protocol.SettingsUpdate{
		VADThreshold:   ptr(0.05),
		BackendVADMode: ptr(3),
	})
	if err != nil {
		t.Fatalf("Apply: unexpected error: %v", err)
	}
	if merged.VADThreshold != 0.05 {
		t.Errorf("vad_threshold: want 0.05, got %g", merged.VADThreshold)
	}
	if merged.BackendVADMode != 3 {
		t.Errorf("backend_vad_mode: want 3, got %d", merged.BackendVADMode)
	}
	// Untouched fields keep their previous values.
	if merged.SilenceTimeoutMs != base.SilenceTimeoutMs {
		t.Errorf("silence_timeout_ms changed: %d != %d", merged.SilenceTimeoutMs, base.SilenceTimeoutMs)
	}
}

func TestApply_RejectsOutOfRangeWithoutMutating(t *testing.T) {
	t.Parallel()

	base := protocol.DefaultVoiceSettings()
	got, err := base.Apply(protocol.SettingsUpdate{VADThreshold: ptr(0.5)})
	if err == nil {
		t.Fatal("Apply: want error for vad_threshold 0.5, got nil")
	}
	if got != base {
		t.Errorf("settings mutated on failed update: %+v", got)
	}
}

func TestValidate_ReportsAllViolations(t *testing.T) {
	t.Parallel()

	s := protocol.VoiceSettings{
		VADThreshold:                0.5,  // out of range
		SilenceTimeoutMs:            100,  // out of range
		MinRecordingMs:              5000, // out of range
		BackendVADMode:              9,    // out of range
		BackendEnergyThreshold:      -1,   // negative
		BackendSpeechRatioThreshold: 0.9,  // out of range
		CompressionCodec:            "flac",
		CompressionBitrate:          "256k",
	}
	err := s.Validate()
	if err == nil {
		t.Fatal("Validate: want error, got nil")
	}
	for _, want := range []string{
		"vad_threshold", "silence_timeout_ms", "min_recording_ms",
		"backend_vad_mode", "backend_energy_threshold",
		"backend_speech_ratio_threshold", "compression_codec", "compression_bitrate",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error missing %q: %v", want, err)
		}
	}
}
