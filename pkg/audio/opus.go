package audio

import (
	"encoding/binary"
	"errors"
	"fmt"

	"layeh.com/gopus"
)

// opusFrameSize is the maximum number of samples per channel a single Opus
// packet may decode to at 48 kHz (120 ms).
const opusFrameSize = 5760

// ErrTruncatedOpus is returned when a length-prefixed Opus stream ends mid-packet.
var ErrTruncatedOpus = errors.New("audio: truncated opus packet stream")

// OpusDecoder converts a client Opus utterance into canonical s16le mono PCM.
// The wire format is a concatenation of Opus packets, each preceded by a
// big-endian uint16 length, the framing used by the web client's encoder
// worklet. A decoder carries libopus state and must not be shared across
// goroutines; create one per utterance.
type OpusDecoder struct {
	dec        *gopus.Decoder
	sampleRate int
	channels   int
}

// NewOpusDecoder creates a decoder for the given source sample rate and
// channel count. Opus supports 8, 12, 16, 24, and 48 kHz.
func NewOpusDecoder(sampleRate, channels int) (*OpusDecoder, error) {
	dec, err := gopus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus decoder: %w", err)
	}
	return &OpusDecoder{dec: dec, sampleRate: sampleRate, channels: channels}, nil
}

// Decode decodes a full length-prefixed packet stream into mono s16le PCM at
// the decoder's sample rate. Callers resample to CanonicalRate afterwards.
func (d *OpusDecoder) Decode(stream []byte) ([]byte, error) {
	var pcm []byte
	off := 0
	for off < len(stream) {
		if off+2 > len(stream) {
			return nil, ErrTruncatedOpus
		}
		n := int(binary.BigEndian.Uint16(stream[off : off+2]))
		off += 2
		if n == 0 || off+n > len(stream) {
			return nil, ErrTruncatedOpus
		}

		samples, err := d.dec.Decode(stream[off:off+n], opusFrameSize, false)
		if err != nil {
			return nil, fmt.Errorf("audio: opus decode: %w", err)
		}
		off += n

		chunk := make([]byte, len(samples)*2)
		for i, s := range samples {
			chunk[i*2] = byte(s)
			chunk[i*2+1] = byte(s >> 8)
		}
		if d.channels > 1 {
			chunk = DownmixMono16(chunk, d.channels)
		}
		pcm = append(pcm, chunk...)
	}
	return pcm, nil
}

// SampleRate returns the decoder's output sample rate.
func (d *OpusDecoder) SampleRate() int { return d.sampleRate }
