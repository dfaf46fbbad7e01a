// Package mock provides a scriptable agent.StreamingProvider for tests.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/voxbridge/voxbridge/pkg/provider/agent"
)

// Provider is a test double for agent.StreamingProvider. Configure the
// exported fields before use; calls are recorded for later inspection.
type Provider struct {
	// Reply is returned by Respond and, when Chunks is empty, emitted as a
	// single chunk by RespondStream.
	Reply string

	// Chunks, when non-empty, is emitted one element at a time by
	// RespondStream instead of Reply.
	Chunks []string

	// Err, when non-nil, is returned by Respond and emitted as the final
	// chunk by RespondStream.
	Err error

	// Delay is slept before each chunk emission and before Respond returns.
	// Context cancellation is honored during the sleep.
	Delay time.Duration

	mu    sync.Mutex
	calls []agent.Request
}

var _ agent.StreamingProvider = (*Provider)(nil)

// Respond implements agent.Provider.
func (p *Provider) Respond(ctx context.Context, req agent.Request) (string, error) {
	p.record(req)

	if p.Delay > 0 {
		select {
		case <-time.After(p.Delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if p.Err != nil {
		return "", p.Err
	}
	return p.Reply, nil
}

// RespondStream implements agent.StreamingProvider.
func (p *Provider) RespondStream(ctx context.Context, req agent.Request) (<-chan agent.Chunk, error) {
	p.record(req)

	chunks := p.Chunks
	if len(chunks) == 0 && p.Reply != "" {
		chunks = []string{p.Reply}
	}

	ch := make(chan agent.Chunk, len(chunks)+1)
	go func() {
		defer close(ch)
		for _, c := range chunks {
			if p.Delay > 0 {
				select {
				case <-time.After(p.Delay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case ch <- agent.Chunk{Text: c}:
			case <-ctx.Done():
				return
			}
		}
		if p.Err != nil {
			select {
			case ch <- agent.Chunk{Err: p.Err}:
			case <-ctx.Done():
			}
		}
	}()
	return ch, nil
}

func (p *Provider) record(req agent.Request) {
	p.mu.Lock()
	p.calls = append(p.calls, req)
	p.mu.Unlock()
}

// Calls returns a snapshot of recorded requests.
func (p *Provider) Calls() []agent.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]agent.Request, len(p.calls))
	copy(out, p.calls)
	return out
}
