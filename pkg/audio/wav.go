package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// wavHeaderSize is the size of the canonical PCM WAV header produced by
// EncodeWAV: RIFF descriptor + fmt chunk + data chunk header.
const wavHeaderSize = 44

// ErrNotWAV is returned by DecodeWAV when the input lacks a RIFF/WAVE header.
var ErrNotWAV = errors.New("audio: input is not a RIFF/WAVE stream")

// IsWAV reports whether data starts with a RIFF/WAVE header.
func IsWAV(data []byte) bool {
	return len(data) >= 12 &&
		string(data[0:4]) == "RIFF" &&
		string(data[8:12]) == "WAVE"
}

// EncodeWAV wraps raw s16le mono PCM in a canonical 44-byte WAV header.
// The input slice is not copied for the data section reference; callers that
// mutate pcm afterwards should pass a copy.
func EncodeWAV(pcm []byte, sampleRate int) []byte {
	const (
		channels      = CanonicalChannels
		bitsPerSample = 16
	)
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8

	out := make([]byte, wavHeaderSize+len(pcm))
	copy(out[0:4], "RIFF")
	binary.LittleEndian.PutUint32(out[4:8], uint32(36+len(pcm)))
	copy(out[8:12], "WAVE")
	copy(out[12:16], "fmt ")
	binary.LittleEndian.PutUint32(out[16:20], 16) // PCM fmt chunk size
	binary.LittleEndian.PutUint16(out[20:22], 1)  // audio format: PCM
	binary.LittleEndian.PutUint16(out[22:24], channels)
	binary.LittleEndian.PutUint32(out[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(out[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(out[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(out[34:36], bitsPerSample)
	copy(out[36:40], "data")
	binary.LittleEndian.PutUint32(out[40:44], uint32(len(pcm)))
	copy(out[wavHeaderSize:], pcm)
	return out
}

// DecodeWAV extracts the s16le PCM payload and sample rate from a WAV
// stream. It walks the chunk list rather than assuming a fixed 44-byte
// header, so WAV files with LIST/INFO chunks decode correctly. Multi-channel
// input is down-mixed to mono.
func DecodeWAV(data []byte) (pcm []byte, sampleRate int, err error) {
	if !IsWAV(data) {
		return nil, 0, ErrNotWAV
	}

	var (
		channels      int
		bitsPerSample int
		payload       []byte
	)

	// Chunk walk starts after the 12-byte RIFF descriptor.
	off := 12
	for off+8 <= len(data) {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := off + 8
		if size < 0 || body+size > len(data) {
			return nil, 0, fmt.Errorf("audio: wav chunk %q overruns input", id)
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, 0, errors.New("audio: wav fmt chunk too short")
			}
			format := binary.LittleEndian.Uint16(data[body : body+2])
			if format != 1 {
				return nil, 0, fmt.Errorf("audio: wav format %d is not PCM", format)
			}
			channels = int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			sampleRate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
			bitsPerSample = int(binary.LittleEndian.Uint16(data[body+14 : body+16]))
		case "data":
			payload = data[body : body+size]
		}

		// Chunks are word-aligned.
		off = body + size
		if size%2 == 1 {
			off++
		}
	}

	if sampleRate == 0 || payload == nil {
		return nil, 0, errors.New("audio: wav stream missing fmt or data chunk")
	}
	if bitsPerSample != 16 {
		return nil, 0, fmt.Errorf("audio: wav bit depth %d is not 16", bitsPerSample)
	}
	if channels > 1 {
		payload = DownmixMono16(payload, channels)
	}
	return payload, sampleRate, nil
}

// StripWAVHeader returns the PCM payload of a canonical 44-byte-header WAV
// buffer, or the input unchanged when it is not WAV-wrapped. Used by the
// validator's fast path where full chunk walking is unnecessary.
func StripWAVHeader(data []byte) []byte {
	if IsWAV(data) && len(data) > wavHeaderSize {
		return data[wavHeaderSize:]
	}
	return data
}
