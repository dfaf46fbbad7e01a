package vad

import (
	"encoding/binary"
	"math"
)

// classifier is a per-frame speech detector in the WebRTC VAD style: each
// frame is judged on short-time energy relative to the utterance floor plus
// a zero-crossing-rate band check that separates voiced speech from broadband
// noise and tones. Aggressiveness tightens both criteria.
//
// A classifier is created per Validate call, so it needs no synchronisation.
type classifier struct {
	// energyGate is the per-frame RMS a frame must exceed to count as speech.
	energyGate float64

	// zcrLow/zcrHigh bound the plausible zero-crossing rate for speech,
	// expressed as crossings per sample.
	zcrLow, zcrHigh float64
}

// modeParams maps aggressiveness 0..3 to (energy factor, ZCR band). The
// energy factor scales the utterance RMS into a per-frame gate: lenient modes
// accept frames well below the average energy, strict modes demand frames
// near or above it.
var modeParams = [4]struct {
	energyFactor    float64
	zcrLow, zcrHigh float64
}{
	{0.20, 0.002, 0.50},
	{0.35, 0.005, 0.40},
	{0.50, 0.010, 0.35},
	{0.75, 0.020, 0.30},
}

// newClassifier builds the per-utterance classifier. utteranceRMS is the
// Stage 1 energy, reused as the adaptive reference level. mode outside 0..3
// is clamped.
func newClassifier(mode int, utteranceRMS float64) *classifier {
	if mode < 0 {
		mode = 0
	} else if mode > 3 {
		mode = 3
	}
	p := modeParams[mode]
	return &classifier{
		energyGate: utteranceRMS * p.energyFactor,
		zcrLow:     p.zcrLow,
		zcrHigh:    p.zcrHigh,
	}
}

// isSpeech classifies one 30 ms s16le frame.
func (c *classifier) isSpeech(frame []byte) bool {
	n := len(frame) / 2
	if n == 0 {
		return false
	}

	var sum float64
	crossings := 0
	prev := int16(binary.LittleEndian.Uint16(frame[0:2]))
	for i := range n {
		s := int16(binary.LittleEndian.Uint16(frame[i*2 : i*2+2]))
		sum += float64(s) * float64(s)
		if (s >= 0) != (prev >= 0) {
			crossings++
		}
		prev = s
	}

	rms := math.Sqrt(sum / float64(n))
	if rms < c.energyGate {
		return false
	}
	zcr := float64(crossings) / float64(n)
	return zcr >= c.zcrLow && zcr <= c.zcrHigh
}
