// Package mock provides a scriptable asr.Provider for tests.
package mock

import (
	"context"
	"sync"

	"github.com/voxbridge/voxbridge/pkg/provider/asr"
)

// Compile-time assertion that Provider satisfies asr.Provider.
var _ asr.Provider = (*Provider)(nil)

// Call records the arguments of one Transcribe invocation.
type Call struct {
	PCM        []byte
	SampleRate int
}

// Provider is a mock asr.Provider. Configure Text/Err before use; Calls
// records every invocation. Safe for concurrent use.
type Provider struct {
	// Text is returned by Transcribe when Err is nil.
	Text string

	// Err, when non-nil, is returned by every Transcribe call.
	Err error

	// Delay, when non-nil, is waited on before returning; lets tests
	// exercise cancellation mid-transcription.
	Delay <-chan struct{}

	mu    sync.Mutex
	calls []Call
}

// Transcribe returns the scripted result after the optional delay.
func (p *Provider) Transcribe(ctx context.Context, pcm []byte, sampleRate int) (string, error) {
	p.mu.Lock()
	p.calls = append(p.calls, Call{PCM: pcm, SampleRate: sampleRate})
	p.mu.Unlock()

	if p.Delay != nil {
		select {
		case <-p.Delay:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if p.Err != nil {
		return "", p.Err
	}
	return p.Text, nil
}

// Calls returns a snapshot of all recorded invocations.
func (p *Provider) Calls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Call, len(p.calls))
	copy(out, p.calls)
	return out
}
