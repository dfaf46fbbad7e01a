package vad_test

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/voxbridge/voxbridge/internal/vad"
	"github.com/voxbridge/voxbridge/pkg/audio"
)

// tone generates ms milliseconds of a sine at the given amplitude, s16le
// mono at rate.
func tone(ms, rate int, amplitude float64) []byte {
	n := rate * ms / 1000
	out := make([]byte, n*2)
	for i := range n {
		v := int16(amplitude * math.Sin(2*math.Pi*300*float64(i)/float64(rate)))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

// silence generates ms milliseconds of zero samples.
func silence(ms, rate int) []byte {
	return make([]byte, rate*ms/1000*2)
}

func TestValidate_AcceptsSpeechLikeSignal(t *testing.T) {
	t.Parallel()

	res := vad.Validate(tone(600, 16000, 12000), 16000, vad.DefaultConfig())
	if !res.Accepted {
		t.Fatalf("want accept, got rejection %q (energy=%.1f ratio=%.3f)", res.Reason, res.EnergyRMS, res.SpeechRatio)
	}
	if res.EnergyRMS <= 0 {
		t.Error("energy must be reported on acceptance")
	}
}

func TestValidate_RejectsLowEnergy(t *testing.T) {
	t.Parallel()

	res := vad.Validate(tone(600, 16000, 100), 16000, vad.DefaultConfig())
	if res.Accepted {
		t.Fatal("want rejection for quiet audio")
	}
	if res.Reason != vad.ReasonInsufficientEnergy {
		t.Errorf("reason: want %q, got %q", vad.ReasonInsufficientEnergy, res.Reason)
	}
}

func TestValidate_RejectsPureSilence(t *testing.T) {
	t.Parallel()

	res := vad.Validate(silence(600, 16000), 16000, vad.DefaultConfig())
	if res.Accepted {
		t.Fatal("want rejection for silence")
	}
	if res.Reason != vad.ReasonInsufficientEnergy {
		t.Errorf("reason: want %q, got %q", vad.ReasonInsufficientEnergy, res.Reason)
	}
}

// TestValidate_EnergyBoundary pins the gate comparison: an RMS exactly at
// the threshold passes Stage 1, anything below is rejected.
func TestValidate_EnergyBoundary(t *testing.T) {
	t.Parallel()

	cfg := vad.DefaultConfig()
	cfg.FrameVADEnabled = false

	// DC signal at exactly the threshold value has RMS == threshold.
	n := 16000
	pcm := make([]byte, n*2)
	for i := range n {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(cfg.EnergyThreshold)))
	}
	if res := vad.Validate(pcm, 16000, cfg); !res.Accepted {
		t.Errorf("RMS == threshold must pass, got rejection %q", res.Reason)
	}

	for i := range n {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(cfg.EnergyThreshold-1)))
	}
	if res := vad.Validate(pcm, 16000, cfg); res.Accepted {
		t.Error("RMS below threshold must be rejected")
	}
}

func TestValidate_FrameVADDisabledSkipsStage2(t *testing.T) {
	t.Parallel()

	cfg := vad.DefaultConfig()
	cfg.FrameVADEnabled = false

	// 11025 Hz is unsupported by the frame classifier; with Stage 2 off the
	// utterance must still be judged on energy alone.
	res := vad.Validate(tone(600, 11025, 12000), 11025, cfg)
	if !res.Accepted {
		t.Fatalf("want accept with frame VAD disabled, got %q", res.Reason)
	}
}

func TestValidate_UnsupportedRate(t *testing.T) {
	t.Parallel()

	res := vad.Validate(tone(600, 11025, 12000), 11025, vad.DefaultConfig())
	if res.Accepted {
		t.Fatal("want rejection for unsupported rate")
	}
	if res.Reason != vad.ReasonUnsupportedSampleRate {
		t.Errorf("reason: want %q, got %q", vad.ReasonUnsupportedSampleRate, res.Reason)
	}
}

func TestValidate_OddByteCount(t *testing.T) {
	t.Parallel()

	res := vad.Validate([]byte{0x00, 0x01, 0x02}, 16000, vad.DefaultConfig())
	if res.Accepted || res.Reason != vad.ReasonDecodeError {
		t.Errorf("want decode_error rejection, got %+v", res)
	}
}

func TestValidate_WAVHeaderIsSkipped(t *testing.T) {
	t.Parallel()

	pcm := tone(600, 16000, 12000)
	wav := audio.EncodeWAV(pcm, 16000)

	raw := vad.Validate(pcm, 16000, vad.DefaultConfig())
	wrapped := vad.Validate(wav, 16000, vad.DefaultConfig())
	if raw.Accepted != wrapped.Accepted {
		t.Error("WAV wrapping changed the verdict")
	}
	if math.Abs(raw.EnergyRMS-wrapped.EnergyRMS) > 1e-9 {
		t.Errorf("WAV wrapping changed the energy: %g vs %g", raw.EnergyRMS, wrapped.EnergyRMS)
	}
}

// TestValidate_SpeechRatioRejection feeds mostly silence with a short burst
// so Stage 1 passes on the burst energy while the speech ratio stays tiny.
func TestValidate_SpeechRatioRejection(t *testing.T) {
	t.Parallel()

	cfg := vad.DefaultConfig()
	cfg.SpeechRatioThreshold = 0.5

	pcm := append(tone(60, 16000, 20000), silence(1500, 16000)...)
	res := vad.Validate(pcm, 16000, cfg)
	if res.Accepted {
		t.Fatalf("want rejection for low speech ratio, got accept (ratio=%.3f)", res.SpeechRatio)
	}
	if res.Reason != vad.ReasonInsufficientSpeech {
		t.Errorf("reason: want %q, got %q", vad.ReasonInsufficientSpeech, res.Reason)
	}
}

// TestValidate_ShorterThanOneFrame checks that a loud buffer too short to
// fill a single 30 ms frame is rejected for lack of speech, not crashed on.
func TestValidate_ShorterThanOneFrame(t *testing.T) {
	t.Parallel()

	res := vad.Validate(tone(10, 16000, 12000), 16000, vad.DefaultConfig())
	if res.Accepted {
		t.Fatal("want rejection for sub-frame utterance")
	}
	if res.Reason != vad.ReasonInsufficientSpeech {
		t.Errorf("reason: want %q, got %q", vad.ReasonInsufficientSpeech, res.Reason)
	}
}
