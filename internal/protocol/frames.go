package protocol

// AudioChunk is the payload of a client audio_chunk event. Audio bytes are
// base64 inside the JSON string; encoding/json handles the round-trip for
// []byte fields transparently.
type AudioChunk struct {
	Audio       []byte       `json:"audio_chunk"`
	Format      string       `json:"format"`
	SampleRate  int          `json:"sample_rate"`
	IsFinal     bool         `json:"is_final"`
	Compression *Compression `json:"compression,omitempty"`
}

// Compression carries optional client-side codec metadata on audio chunks.
type Compression struct {
	Codec   string `json:"codec,omitempty"`
	Bitrate string `json:"bitrate,omitempty"`
}

// Interrupt is the payload of a client interrupt event.
type Interrupt struct {
	Reason string `json:"reason,omitempty"`
}

// Ping is the payload of a client ping event; Pong echoes the timestamp.
type Ping struct {
	TS int64 `json:"ts"`
}

// Pong is the payload of a server pong event.
type Pong struct {
	TS int64 `json:"ts"`
}

// Connected is the handshake frame emitted once per accepted session.
type Connected struct {
	SessionID string `json:"session_id"`
	Timestamp int64  `json:"timestamp"`
}

// Transcription carries the accepted ASR result for a turn.
type Transcription struct {
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

// AgentResponse carries the agent's full reply text, emitted before (or
// alongside, in streaming mode) the synthesized audio.
type AgentResponse struct {
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

// TTSChunk carries one piece of synthesized audio. ChunkIndex starts at 0
// and is strictly monotonic within a turn.
type TTSChunk struct {
	Audio      []byte `json:"audio_chunk"`
	ChunkIndex int    `json:"chunk_index"`
	Format     string `json:"format"`
	Timestamp  int64  `json:"timestamp"`
}

// StreamingComplete terminates a fully delivered turn.
type StreamingComplete struct {
	ChunksSent int   `json:"chunks_sent"`
	DurationMs int64 `json:"duration_ms"`
}

// StreamingInterrupted terminates a turn whose TTS stream was cancelled.
type StreamingInterrupted struct {
	ChunksSent int `json:"chunks_sent"`
}

// ValidationRejected reports an utterance that failed the audio validator.
type ValidationRejected struct {
	Reason      string  `json:"reason"`
	Energy      float64 `json:"energy"`
	SpeechRatio float64 `json:"speech_ratio"`
}

// Error is the generic failure frame. Stage identifies the pipeline stage
// ("asr", "agent", "tts") when applicable.
type Error struct {
	Reason string `json:"reason"`
	Stage  string `json:"stage,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// SettingsAck echoes the applied settings after a settings_update.
type SettingsAck struct {
	Settings VoiceSettings `json:"settings"`
}
