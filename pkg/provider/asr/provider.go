// Package asr defines the Provider interface for automatic speech
// recognition backends.
//
// Voxbridge calls ASR on complete utterances only: the session's audio
// buffer is closed, validated, decoded to the canonical 16 kHz mono s16le
// form, and handed to Transcribe as one blocking call. There is no partial
// or streaming recognition in the core.
//
// Implementations must be safe for concurrent use; one provider instance is
// shared by all sessions.
package asr

import (
	"context"
	"errors"
)

// ErrEmptyAudio is returned when Transcribe is called with no samples.
var ErrEmptyAudio = errors.New("asr: empty audio buffer")

// Provider is the abstraction over any speech recognizer.
type Provider interface {
	// Transcribe converts a complete utterance of raw s16le mono PCM at the
	// given sample rate into text. An empty string with a nil error means
	// the recognizer heard nothing intelligible; callers treat that as a
	// no_transcription outcome, not a failure.
	//
	// Expected latency is 300–1500 ms; implementations must honour ctx
	// cancellation and deadlines.
	Transcribe(ctx context.Context, pcm []byte, sampleRate int) (string, error)
}
