// Package tts defines the speech synthesis abstraction used to voice agent
// replies. The primary entry point is SynthesizeStream, which accepts a
// channel of text fragments and emits encoded audio chunks as they become
// available, so synthesis overlaps with reply generation instead of waiting
// for the full text.
//
// Implementations must be safe for concurrent use; one synthesis stream runs
// per active turn and many turns run at once across sessions.
package tts

import (
	"context"
	"errors"
)

// ErrNoAudio is returned when synthesis completes without producing any audio.
var ErrNoAudio = errors.New("tts: synthesis produced no audio")

// Chunk is one piece of synthesized audio. A non-nil Err terminates the
// stream; no further chunks follow it.
type Chunk struct {
	Audio []byte
	Err   error
}

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// SynthesizeStream consumes text fragments from the text channel and
	// returns a channel emitting audio chunks as they are synthesized. The
	// caller closes the text channel to signal end of input; the returned
	// channel is closed by the implementation when all audio has been emitted
	// or ctx is cancelled. The caller must drain the audio channel.
	//
	// Returns a non-nil error only if the stream cannot be started. Errors
	// during synthesis arrive as a Chunk with Err set.
	SynthesizeStream(ctx context.Context, text <-chan string) (<-chan Chunk, error)

	// Format reports the encoding of emitted audio, e.g. "pcm_16000" or
	// "mp3_44100_128". It is echoed to clients alongside each chunk.
	Format() string
}
