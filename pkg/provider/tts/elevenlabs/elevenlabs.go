// Package elevenlabs provides an ElevenLabs-backed TTS provider using the
// ElevenLabs streaming WebSocket API. It implements the tts.Provider
// interface.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/coder/websocket"

	"github.com/voxbridge/voxbridge/pkg/provider/tts"
)

const (
	wsEndpointFmt    = "wss://api.elevenlabs.io/v1/text-to-speech/%s/stream-input?model_id=%s"
	defaultModel     = "eleven_flash_v2_5"
	defaultOutputFmt = "pcm_16000"
)

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID (e.g. "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithOutputFormat sets the audio output format (e.g. "pcm_16000",
// "mp3_44100_128").
func WithOutputFormat(format string) Option {
	return func(p *Provider) { p.outputFormat = format }
}

// WithVoiceSettings overrides the default stability and similarity boost.
func WithVoiceSettings(stability, similarityBoost float64) Option {
	return func(p *Provider) {
		p.stability = stability
		p.similarityBoost = similarityBoost
	}
}

// Provider implements tts.Provider backed by the ElevenLabs streaming API.
// The voice is fixed at construction; the broker uses one voice per
// deployment.
type Provider struct {
	apiKey          string
	voiceID         string
	model           string
	outputFormat    string
	stability       float64
	similarityBoost float64
}

var _ tts.Provider = (*Provider)(nil)

// New creates a new ElevenLabs Provider for the given voice.
func New(apiKey, voiceID string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	if voiceID == "" {
		return nil, errors.New("elevenlabs: voiceID must not be empty")
	}
	p := &Provider{
		apiKey:          apiKey,
		voiceID:         voiceID,
		model:           defaultModel,
		outputFormat:    defaultOutputFmt,
		stability:       0.5,
		similarityBoost: 0.75,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Format implements tts.Provider.
func (p *Provider) Format() string { return p.outputFormat }

// textMessage is the JSON payload sent to ElevenLabs for each text fragment.
type textMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// audioResponse is the JSON message received over the WebSocket.
type audioResponse struct {
	Audio   string `json:"audio"` // base64-encoded audio
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"`
}

// boiMessage is the initial "begin of input" handshake.
type boiMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey      string         `json:"xi_api_key"`
	OutputFormat  string         `json:"output_format,omitempty"`
}

// SynthesizeStream opens a WebSocket to ElevenLabs, pipes text fragments from
// the text channel, and returns a channel emitting audio chunks.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string) (<-chan tts.Chunk, error) {
	wsURL := fmt.Sprintf(wsEndpointFmt, p.voiceID, p.model)
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: dial: %w", err)
	}

	// ElevenLabs requires a non-empty first text value.
	boi := boiMessage{
		Text: " ",
		VoiceSettings: &voiceSettings{
			Stability:       p.stability,
			SimilarityBoost: p.similarityBoost,
		},
		XiAPIKey:     p.apiKey,
		OutputFormat: p.outputFormat,
	}
	boiBytes, _ := json.Marshal(boi)
	if err := conn.Write(ctx, websocket.MessageText, boiBytes); err != nil {
		conn.Close(websocket.StatusInternalError, "failed to send BOI")
		return nil, fmt.Errorf("elevenlabs: send BOI: %w", err)
	}

	audioCh := make(chan tts.Chunk, 64)

	go func() {
		defer close(audioCh)
		defer conn.Close(websocket.StatusNormalClosure, "done")

		readDone := make(chan struct{})
		go func() {
			defer close(readDone)
			emitted := false
			for {
				_, msg, err := conn.Read(ctx)
				if err != nil {
					return
				}
				var resp audioResponse
				if err := json.Unmarshal(msg, &resp); err != nil {
					continue
				}
				if resp.Audio != "" {
					audio, err := base64.StdEncoding.DecodeString(resp.Audio)
					if err != nil {
						continue
					}
					emitted = true
					select {
					case audioCh <- tts.Chunk{Audio: audio}:
					case <-ctx.Done():
						return
					}
				}
				if resp.IsFinal {
					if !emitted {
						select {
						case audioCh <- tts.Chunk{Err: tts.ErrNoAudio}:
						case <-ctx.Done():
						}
					}
					return
				}
			}
		}()

		for {
			select {
			case fragment, ok := <-text:
				if !ok {
					// Text channel closed, send the flush command and wait
					// for the reader to drain remaining audio.
					flush := textMessage{Text: ""}
					flushBytes, _ := json.Marshal(flush)
					_ = conn.Write(ctx, websocket.MessageText, flushBytes)
					<-readDone
					return
				}
				if fragment == "" {
					continue
				}
				payload := textMessage{Text: fragment}
				msgBytes, _ := json.Marshal(payload)
				if err := conn.Write(ctx, websocket.MessageText, msgBytes); err != nil {
					select {
					case audioCh <- tts.Chunk{Err: fmt.Errorf("elevenlabs: write: %w", err)}:
					case <-ctx.Done():
					}
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return audioCh, nil
}
