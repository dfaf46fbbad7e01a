package resilience

import (
	"context"

	"github.com/voxbridge/voxbridge/pkg/provider/asr"
)

// ASRFallback implements asr.Provider with failover across multiple speech
// recognition backends.
type ASRFallback struct {
	group *FallbackGroup[asr.Provider]
}

var _ asr.Provider = (*ASRFallback)(nil)

// NewASRFallback creates an ASRFallback preferring primary.
func NewASRFallback(primary asr.Provider, name string, cfg FallbackConfig) *ASRFallback {
	return &ASRFallback{group: NewFallbackGroup(primary, name, cfg)}
}

// AddFallback registers an alternate ASR backend.
func (f *ASRFallback) AddFallback(name string, p asr.Provider) {
	f.group.AddFallback(name, p)
}

// Transcribe runs the utterance through the first healthy backend.
func (f *ASRFallback) Transcribe(ctx context.Context, pcm []byte, sampleRate int) (string, error) {
	return Do(f.group, func(p asr.Provider) (string, error) {
		return p.Transcribe(ctx, pcm, sampleRate)
	})
}
