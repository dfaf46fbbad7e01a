package resilience

import (
	"context"

	"github.com/voxbridge/voxbridge/pkg/provider/tts"
)

// TTSFallback implements tts.Provider with failover across multiple synthesis
// backends. Only stream setup is covered; mid-stream errors surface to the
// caller as usual so a half-spoken reply is never silently restarted.
type TTSFallback struct {
	group *FallbackGroup[tts.Provider]
}

var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback creates a TTSFallback preferring primary.
func NewTTSFallback(primary tts.Provider, name string, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{group: NewFallbackGroup(primary, name, cfg)}
}

// AddFallback registers an alternate TTS backend.
func (f *TTSFallback) AddFallback(name string, p tts.Provider) {
	f.group.AddFallback(name, p)
}

// SynthesizeStream opens a synthesis stream on the first healthy backend.
func (f *TTSFallback) SynthesizeStream(ctx context.Context, text <-chan string) (<-chan tts.Chunk, error) {
	return Do(f.group, func(p tts.Provider) (<-chan tts.Chunk, error) {
		return p.SynthesizeStream(ctx, text)
	})
}

// Format reports the primary backend's output format. Entries of a group
// must share an output format; mixing formats would change the frames clients
// see depending on which backend served the turn.
func (f *TTSFallback) Format() string {
	return f.group.entries[0].value.Format()
}
