package audio_test

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"

	"github.com/voxbridge/voxbridge/pkg/audio"
)

// sine generates n samples of a full-scale-ish sine at freq Hz, s16le mono.
func sine(n, rate int, freq float64) []byte {
	out := make([]byte, n*2)
	for i := range n {
		v := int16(20000 * math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

func TestWAV_RoundTripBitExact(t *testing.T) {
	t.Parallel()

	pcm := sine(16000, 16000, 440)
	wav := audio.EncodeWAV(pcm, 16000)

	if !audio.IsWAV(wav) {
		t.Fatal("IsWAV: encoded file not recognised")
	}

	got, rate, err := audio.DecodeWAV(wav)
	if err != nil {
		t.Fatalf("DecodeWAV: unexpected error: %v", err)
	}
	if rate != 16000 {
		t.Errorf("sample rate: want 16000, got %d", rate)
	}
	if !bytes.Equal(got, pcm) {
		t.Error("decoded PCM is not bit-identical to the input")
	}
}

func TestDecodeWAV_Truncated(t *testing.T) {
	t.Parallel()

	wav := audio.EncodeWAV(sine(100, 16000, 440), 16000)
	if _, _, err := audio.DecodeWAV(wav[:20]); err == nil {
		t.Error("DecodeWAV on truncated header: want error, got nil")
	}
}

func TestIsWAV_RejectsRawPCM(t *testing.T) {
	t.Parallel()

	if audio.IsWAV(sine(100, 16000, 440)) {
		t.Error("IsWAV: raw PCM reported as WAV")
	}
	if audio.IsWAV(nil) {
		t.Error("IsWAV(nil): want false")
	}
}

func TestStripWAVHeader(t *testing.T) {
	t.Parallel()

	pcm := sine(50, 16000, 440)
	wav := audio.EncodeWAV(pcm, 16000)

	if got := audio.StripWAVHeader(wav); !bytes.Equal(got, pcm) {
		t.Error("StripWAVHeader: payload mismatch")
	}
	// Non-WAV input passes through untouched.
	if got := audio.StripWAVHeader(pcm); !bytes.Equal(got, pcm) {
		t.Error("StripWAVHeader on raw PCM: want identity")
	}
}

func TestResampleMono16_Identity(t *testing.T) {
	t.Parallel()

	pcm := sine(480, 16000, 440)
	if got := audio.ResampleMono16(pcm, 16000, 16000); !bytes.Equal(got, pcm) {
		t.Error("same-rate resample must be the identity")
	}
}

func TestResampleMono16_LengthScales(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		src, dst int
	}{
		{"48k to 16k", 48000, 16000},
		{"8k to 16k", 8000, 16000},
		{"44.1k to 16k", 44100, 16000},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			samples := tc.src / 10 // 100 ms
			got := audio.ResampleMono16(sine(samples, tc.src, 440), tc.src, tc.dst)
			wantSamples := samples * tc.dst / tc.src
			gotSamples := len(got) / 2
			if diff := gotSamples - wantSamples; diff < -1 || diff > 1 {
				t.Errorf("output samples: want ~%d, got %d", wantSamples, gotSamples)
			}
		})
	}
}

func TestPCMDuration(t *testing.T) {
	t.Parallel()

	pcm := sine(16000, 16000, 440) // exactly one second
	if d := audio.PCMDuration(pcm, 16000); d.Seconds() != 1 {
		t.Errorf("duration: want 1s, got %v", d)
	}
}
