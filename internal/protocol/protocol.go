// Package protocol defines the WebSocket frame grammar spoken between
// Voxbridge and its clients.
//
// Every frame is a single JSON text message of the shape
//
//	{"event": "<name>", "data": {...}}
//
// Client→server events carry audio, interrupts, settings overrides, and
// liveness pings. Server→client events carry the per-turn emission sequence
// (transcription → agent_response → tts_chunk* → terminal) plus handshake,
// validation, and error frames. Binary WebSocket messages are rejected.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Client→server event names.
const (
	EventAudioChunk     = "audio_chunk"
	EventInterrupt      = "interrupt"
	EventSettingsUpdate = "settings_update"
	EventPing           = "ping"
)

// Server→client event names.
const (
	EventConnected            = "connected"
	EventTranscription        = "transcription"
	EventAgentResponse        = "agent_response"
	EventTTSChunk             = "tts_chunk"
	EventStreamingComplete    = "streaming_complete"
	EventStreamingInterrupted = "streaming_interrupted"
	EventValidationRejected   = "validation_rejected"
	EventError                = "error"
	EventSettingsAck          = "settings_ack"
	EventPong                 = "pong"
)

// Error reasons, grouped by taxonomy.
const (
	// Protocol errors.
	ReasonUnknownEvent      = "unknown_event"
	ReasonBadFrame          = "bad_frame"
	ReasonUnsupportedBinary = "unsupported_binary"

	// Audio errors.
	ReasonDecodeFailed          = "decode_failed"
	ReasonUnsupportedSampleRate = "unsupported_sample_rate"
	ReasonInsufficientEnergy    = "insufficient_energy"
	ReasonInsufficientSpeech    = "insufficient_speech_ratio"

	// Pipeline errors.
	ReasonNoTranscription = "no_transcription"
	ReasonAgentFailed     = "agent_failed"
	ReasonTTSFailed       = "tts_failed"
	ReasonTimeout         = "timeout"

	// Transport errors.
	ReasonSlowConsumer    = "slow_consumer"
	ReasonDisconnect      = "disconnect"
	ReasonConnectionLimit = "connection_limit"

	// Anything unexpected.
	ReasonInternal = "internal"
)

// ErrBinaryFrame is returned by Decode when the inbound message is not a
// JSON text frame.
var ErrBinaryFrame = errors.New("protocol: binary frames are not supported")

// Frame is the envelope for every message in either direction.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Decode parses a raw text message into a Frame. The message must be a JSON
// object with a non-empty "event" field; anything else is a bad_frame.
func Decode(msg []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(msg, &f); err != nil {
		return Frame{}, fmt.Errorf("protocol: decode frame: %w", err)
	}
	if f.Event == "" {
		return Frame{}, errors.New("protocol: frame has no event field")
	}
	return f, nil
}

// Encode marshals an outbound frame with the given event name and payload.
// The payload must be JSON-serialisable; a marshal failure here is a
// programming error and is surfaced as-is.
func Encode(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s payload: %w", event, err)
	}
	return json.Marshal(Frame{Event: event, Data: data})
}

// DecodeData unmarshals a frame's data payload into dst.
func (f Frame) DecodeData(dst any) error {
	if len(f.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(f.Data, dst); err != nil {
		return fmt.Errorf("protocol: decode %s data: %w", f.Event, err)
	}
	return nil
}
