// Package cache defines a small TTL cache for synthesized audio. Short agent
// replies repeat often (greetings, confirmations, canned fallbacks); caching
// their audio lets the pipeline replay chunks without paying for synthesis
// again.
package cache

import (
	"context"
)

// Cache stores ordered audio chunk sequences keyed by reply text.
//
// Implementations must be safe for concurrent use.
type Cache interface {
	// Get returns the cached chunk sequence for key and whether it was found.
	// The returned slices must not be mutated by the caller.
	Get(ctx context.Context, key string) ([][]byte, bool)

	// Set stores chunks under key, replacing any existing entry.
	Set(ctx context.Context, key string, chunks [][]byte)
}
