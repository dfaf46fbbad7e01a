// Package audio provides the canonical audio representation used inside the
// Voxbridge core (16 kHz mono signed 16-bit little-endian PCM) together
// with WAV framing, linear resampling, and Opus decoding at the pipeline
// boundary.
//
// All inbound client audio is converted to the canonical form before
// validation and ASR; all conversions are pure functions over byte slices.
package audio

import "time"

// Canonical format constants for the core pipeline.
const (
	// CanonicalRate is the sample rate every utterance is normalised to
	// before validation and transcription.
	CanonicalRate = 16000

	// CanonicalChannels is always mono inside the core.
	CanonicalChannels = 1

	// BytesPerSample for signed 16-bit PCM.
	BytesPerSample = 2
)

// Format identifies the container/codec of a client audio payload.
type Format string

const (
	FormatWAV  Format = "wav"
	FormatOpus Format = "opus"
	FormatWebm Format = "webm"
	FormatMP3  Format = "mp3"
)

// IsValid reports whether f is a recognised inbound audio format.
func (f Format) IsValid() bool {
	switch f {
	case FormatWAV, FormatOpus, FormatWebm, FormatMP3:
		return true
	}
	return false
}

// Buffer is a transient utterance buffer owned by the turn pipeline. Data is
// raw bytes in the named format; after decoding, Format is FormatWAV and
// SampleRate is CanonicalRate.
type Buffer struct {
	Data       []byte
	Format     Format
	SampleRate int
}

// PCMDuration returns the play length of a raw s16le mono PCM buffer at the
// given sample rate. A non-positive rate yields zero.
func PCMDuration(pcm []byte, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	samples := len(pcm) / BytesPerSample
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}
