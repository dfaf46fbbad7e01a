// Package whisper provides an asr.Provider backed by the whisper.cpp CGO
// bindings. The whisper.cpp static library (libwhisper.a) and headers
// (whisper.h) must be available at link time via LIBRARY_PATH and
// C_INCLUDE_PATH environment variables.
//
// The model is loaded once at startup and shared across all sessions; each
// Transcribe call creates its own whisper context, so concurrent calls are
// safe.
package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/voxbridge/voxbridge/pkg/audio"
	"github.com/voxbridge/voxbridge/pkg/provider/asr"
)

const defaultLanguage = "en"

// Compile-time assertion that Provider satisfies asr.Provider.
var _ asr.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithLanguage sets the BCP-47 language code for transcription (e.g., "en",
// "de"). Defaults to "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// Provider implements asr.Provider using a locally loaded whisper.cpp model.
type Provider struct {
	model    whisperlib.Model
	language string
}

// New loads the whisper.cpp model from modelPath. The caller must call Close
// when the provider is no longer needed.
func New(modelPath string, opts ...Option) (*Provider, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}
	p := &Provider{model: model, language: defaultLanguage}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Close releases the whisper model.
func (p *Provider) Close() error {
	if p.model != nil {
		return p.model.Close()
	}
	return nil
}

// Transcribe runs whisper.cpp inference on a complete utterance. The input
// is s16le mono PCM; rates other than 16 kHz are resampled before inference
// because whisper models are trained on 16 kHz audio.
func (p *Provider) Transcribe(ctx context.Context, pcm []byte, sampleRate int) (string, error) {
	if len(pcm) == 0 {
		return "", asr.ErrEmptyAudio
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if sampleRate != audio.CanonicalRate {
		pcm = audio.ResampleMono16(pcm, sampleRate, audio.CanonicalRate)
	}

	samples := pcmToFloat32(pcm)

	// Each whisper context is single-use and not thread-safe; the model
	// itself is shared.
	wctx, err := p.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("whisper: create context: %w", err)
	}
	if err := wctx.SetLanguage(p.language); err != nil {
		slog.Warn("whisper: failed to set language, using default", "language", p.language, "err", err)
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("whisper: read segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " "), nil
}

// pcmToFloat32 converts s16le PCM to float32 samples normalised to
// [-1.0, 1.0]. Any trailing odd byte is ignored.
func pcmToFloat32(pcm []byte) []float32 {
	n := len(pcm) / 2
	samples := make([]float32, n)
	for i := range n {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		samples[i] = float32(s) / 32768.0
	}
	return samples
}
