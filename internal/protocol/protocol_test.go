package protocol_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/voxbridge/voxbridge/internal/protocol"
)

func TestDecode_ValidFrame(t *testing.T) {
	t.Parallel()

	f, err := protocol.Decode([]byte(`{"event":"ping","data":{"ts":1234}}`))
	if err != nil {
		t.Fatalf("Decode: unexpected error: %v", err)
	}
	if f.Event != protocol.EventPing {
		t.Errorf("event: want %q, got %q", protocol.EventPing, f.Event)
	}

	var ping protocol.Ping
	if err := f.DecodeData(&ping); err != nil {
		t.Fatalf("DecodeData: unexpected error: %v", err)
	}
	if ping.TS != 1234 {
		t.Errorf("ts: want 1234, got %d", ping.TS)
	}
}

func TestDecode_Invalid(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		raw  string
	}{
		{"not json", "hello"},
		{"missing event", `{"data":{}}`},
		{"empty event", `{"event":"","data":{}}`},
		{"json array", `[1,2,3]`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := protocol.Decode([]byte(tc.raw)); err == nil {
				t.Errorf("Decode(%q): want error, got nil", tc.raw)
			}
		})
	}
}

func TestDecode_NoData(t *testing.T) {
	t.Parallel()

	f, err := protocol.Decode([]byte(`{"event":"interrupt"}`))
	if err != nil {
		t.Fatalf("Decode: unexpected error: %v", err)
	}
	var in protocol.Interrupt
	if err := f.DecodeData(&in); err != nil {
		t.Fatalf("DecodeData on empty payload: unexpected error: %v", err)
	}
}

func TestEncode_RoundTrip(t *testing.T) {
	t.Parallel()

	msg, err := protocol.Encode(protocol.EventTranscription, protocol.Transcription{
		Text:      "hello world",
		Timestamp: 42,
	})
	if err != nil {
		t.Fatalf("Encode: unexpected error: %v", err)
	}

	f, err := protocol.Decode(msg)
	if err != nil {
		t.Fatalf("Decode: unexpected error: %v", err)
	}
	if f.Event != protocol.EventTranscription {
		t.Errorf("event: want %q, got %q", protocol.EventTranscription, f.Event)
	}
	var tr protocol.Transcription
	if err := f.DecodeData(&tr); err != nil {
		t.Fatalf("DecodeData: unexpected error: %v", err)
	}
	if tr.Text != "hello world" || tr.Timestamp != 42 {
		t.Errorf("payload round trip: got %+v", tr)
	}
}

// TestEncode_TTSChunkAudioIsBase64 pins the wire shape audio bytes travel
// in: a JSON string holding the standard base64 alphabet.
func TestEncode_TTSChunkAudioIsBase64(t *testing.T) {
	t.Parallel()

	msg, err := protocol.Encode(protocol.EventTTSChunk, protocol.TTSChunk{
		Audio:      []byte{0x01, 0x02, 0x03},
		ChunkIndex: 7,
		Format:     "pcm_16000",
	})
	if err != nil {
		t.Fatalf("Encode: unexpected error: %v", err)
	}
	var env struct {
		Data struct {
			Audio      string `json:"audio_chunk"`
			ChunkIndex int    `json:"chunk_index"`
		} `json:"data"`
	}
	if err := json.Unmarshal(msg, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.Data.Audio != "AQID" {
		t.Errorf("audio encoding: want base64 \"AQID\", got %q", env.Data.Audio)
	}
	if env.Data.ChunkIndex != 7 {
		t.Errorf("chunk_index: want 7, got %d", env.Data.ChunkIndex)
	}
}

func TestDecode_AudioChunkBase64(t *testing.T) {
	t.Parallel()

	raw := `{"event":"audio_chunk","data":{"audio_chunk":"AQID","format":"wav","sample_rate":16000,"is_final":true}}`
	f, err := protocol.Decode([]byte(raw))
	if err != nil {
		t.Fatalf("Decode: unexpected error: %v", err)
	}
	var chunk protocol.AudioChunk
	if err := f.DecodeData(&chunk); err != nil {
		t.Fatalf("DecodeData: unexpected error: %v", err)
	}
	if string(chunk.Audio) != "\x01\x02\x03" {
		t.Errorf("audio: want 0x010203, got %x", chunk.Audio)
	}
	if !chunk.IsFinal || chunk.SampleRate != 16000 || chunk.Format != "wav" {
		t.Errorf("chunk fields: got %+v", chunk)
	}
}

func TestDecodeData_TypeMismatch(t *testing.T) {
	t.Parallel()

	f, err := protocol.Decode([]byte(`{"event":"ping","data":{"ts":"not a number"}}`))
	if err != nil {
		t.Fatalf("Decode: unexpected error: %v", err)
	}
	var ping protocol.Ping
	err = f.DecodeData(&ping)
	if err == nil {
		t.Fatal("DecodeData: want error for mismatched type, got nil")
	}
	if !strings.Contains(err.Error(), "ping") {
		t.Errorf("error should name the event: %v", err)
	}
}
