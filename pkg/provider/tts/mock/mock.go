// Package mock provides a scriptable tts.Provider for tests.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/voxbridge/voxbridge/pkg/provider/tts"
)

// Provider is a test double for tts.Provider. It emits one audio chunk per
// consumed text fragment unless Chunks overrides the output.
type Provider struct {
	// ChunkForText, when set, maps each consumed text fragment to audio.
	// Defaults to the fragment's bytes, which lets tests assert ordering.
	ChunkForText func(text string) []byte

	// Chunks, when non-empty, is emitted as-is after the text channel closes,
	// ignoring the consumed fragments.
	Chunks [][]byte

	// Err, when non-nil, is emitted after ErrAfter chunks (0 = before any).
	Err      error
	ErrAfter int

	// Delay is slept before each emission; ctx cancellation is honored.
	Delay time.Duration

	// OutputFormat is returned by Format. Defaults to "pcm_16000".
	OutputFormat string

	mu        sync.Mutex
	fragments []string
}

var _ tts.Provider = (*Provider)(nil)

// Format implements tts.Provider.
func (p *Provider) Format() string {
	if p.OutputFormat == "" {
		return "pcm_16000"
	}
	return p.OutputFormat
}

// SynthesizeStream implements tts.Provider.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string) (<-chan tts.Chunk, error) {
	ch := make(chan tts.Chunk, 64)
	go func() {
		defer close(ch)

		sent := 0
		emit := func(c tts.Chunk) bool {
			if p.Delay > 0 {
				select {
				case <-time.After(p.Delay):
				case <-ctx.Done():
					return false
				}
			}
			select {
			case ch <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}
		failNow := func() bool { return p.Err != nil && sent >= p.ErrAfter }

		if len(p.Chunks) > 0 {
			// Drain text first so the caller's writer never blocks.
			for range text {
			}
			for _, audio := range p.Chunks {
				if failNow() {
					emit(tts.Chunk{Err: p.Err})
					return
				}
				if !emit(tts.Chunk{Audio: audio}) {
					return
				}
				sent++
			}
			if failNow() {
				emit(tts.Chunk{Err: p.Err})
			}
			return
		}

		for {
			select {
			case fragment, ok := <-text:
				if !ok {
					if failNow() {
						emit(tts.Chunk{Err: p.Err})
					}
					return
				}
				p.mu.Lock()
				p.fragments = append(p.fragments, fragment)
				p.mu.Unlock()

				if failNow() {
					emit(tts.Chunk{Err: p.Err})
					return
				}
				audio := []byte(fragment)
				if p.ChunkForText != nil {
					audio = p.ChunkForText(fragment)
				}
				if !emit(tts.Chunk{Audio: audio}) {
					return
				}
				sent++
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// Fragments returns a snapshot of text fragments consumed so far.
func (p *Provider) Fragments() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.fragments))
	copy(out, p.fragments)
	return out
}
