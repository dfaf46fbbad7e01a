// Package vad implements the two-stage audio validator that gates utterances
// before they reach ASR.
//
// Stage 1 is an O(N) RMS energy gate over the raw s16le PCM samples. Stage 2
// slices the utterance into 30 ms frames and classifies each as speech or
// non-speech with a WebRTC-style detector at a configurable aggressiveness;
// the utterance is accepted when the fraction of speech frames meets the
// speech-ratio threshold. Stage 2 only runs when Stage 1 passes, keeping the
// rejection path cheap.
//
// Validate is pure and safe for concurrent use; it performs no I/O and never
// panics on well-formed PCM.
package vad

import (
	"encoding/binary"
	"math"

	"github.com/voxbridge/voxbridge/pkg/audio"
)

// frameMs is the classification frame length. WebRTC VAD operates on 10, 20,
// or 30 ms frames; 30 ms gives the most stable decision per frame.
const frameMs = 30

// Rejection reasons reported in Result.Reason.
const (
	ReasonInsufficientEnergy    = "insufficient_energy"
	ReasonInsufficientSpeech    = "insufficient_speech_ratio"
	ReasonUnsupportedSampleRate = "unsupported_sample_rate"
	ReasonDecodeError           = "decode_error"
)

// supportedRates are the sample rates the frame classifier accepts.
var supportedRates = map[int]bool{8000: true, 16000: true, 32000: true, 48000: true}

// Config holds the validator thresholds, derived from a session's
// VoiceSettings at call time so settings updates take effect immediately.
type Config struct {
	// EnergyThreshold is the minimum RMS over the whole utterance. Default 500.
	EnergyThreshold float64

	// Mode is the frame classifier aggressiveness, 0 (lenient) to 3 (strict).
	Mode int

	// SpeechRatioThreshold is the minimum fraction of 30 ms frames classified
	// as speech. The default 0.03 is lenient because the frontend VAD
	// already pads utterances with leading and trailing silence.
	SpeechRatioThreshold float64

	// FrameVADEnabled skips Stage 2 entirely when false.
	FrameVADEnabled bool
}

// DefaultConfig returns the stock validator thresholds.
func DefaultConfig() Config {
	return Config{
		EnergyThreshold:      500.0,
		Mode:                 2,
		SpeechRatioThreshold: 0.03,
		FrameVADEnabled:      true,
	}
}

// Result carries the validator decision plus the metrics that informed it.
type Result struct {
	Accepted    bool
	EnergyRMS   float64
	SpeechRatio float64
	Reason      string
}

// Validate runs the two-stage gate over an utterance. pcm is s16le mono PCM,
// optionally WAV-wrapped (the header is skipped). Rejections carry a Reason;
// acceptance leaves Reason empty. Malformed input (odd byte count) yields a
// decode_error rejection rather than an error return.
func Validate(pcm []byte, sampleRate int, cfg Config) Result {
	pcm = audio.StripWAVHeader(pcm)
	if len(pcm)%2 != 0 {
		return Result{Reason: ReasonDecodeError}
	}

	// ── Stage 1: energy gate ────────────────────────────────────────────
	rms := rmsEnergy(pcm)
	if rms < cfg.EnergyThreshold {
		return Result{EnergyRMS: rms, Reason: ReasonInsufficientEnergy}
	}

	if !cfg.FrameVADEnabled {
		return Result{Accepted: true, EnergyRMS: rms, SpeechRatio: 1}
	}

	// ── Stage 2: frame VAD ──────────────────────────────────────────────
	if !supportedRates[sampleRate] {
		return Result{EnergyRMS: rms, Reason: ReasonUnsupportedSampleRate}
	}

	frameBytes := sampleRate * frameMs / 1000 * audio.BytesPerSample
	total := len(pcm) / frameBytes
	if total == 0 {
		// Shorter than a single whole frame: nothing to classify.
		return Result{EnergyRMS: rms, Reason: ReasonInsufficientSpeech}
	}

	cls := newClassifier(cfg.Mode, rms)
	speech := 0
	for i := range total {
		frame := pcm[i*frameBytes : (i+1)*frameBytes]
		if cls.isSpeech(frame) {
			speech++
		}
	}

	ratio := float64(speech) / float64(total)
	if ratio < cfg.SpeechRatioThreshold {
		return Result{EnergyRMS: rms, SpeechRatio: ratio, Reason: ReasonInsufficientSpeech}
	}
	return Result{Accepted: true, EnergyRMS: rms, SpeechRatio: ratio}
}

// rmsEnergy computes sqrt(mean(x²)) over s16le samples. Empty input yields 0.
func rmsEnergy(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2])))
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}
