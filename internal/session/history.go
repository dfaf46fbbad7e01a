package session

import (
	"sync"

	"github.com/voxbridge/voxbridge/pkg/provider/agent"
)

// charsPerToken is the heuristic ratio used for token estimation. English
// text averages roughly 4 characters per token across common tokenizers,
// which avoids pulling in a tokenizer dependency.
const charsPerToken = 4

// maxHistoryTokens is a hard ceiling on estimated prompt history size,
// independent of the configured turn count.
const maxHistoryTokens = 8000

// History is the bounded conversation window fed to the agent on each turn.
// It keeps the most recent turns (one user plus one assistant message each)
// up to the configured count and drops whole turns from the front when the
// token estimate grows past the ceiling.
//
// All methods are safe for concurrent use.
type History struct {
	maxTurns int

	mu       sync.Mutex
	messages []agent.Message
	tokens   int
}

// NewHistory creates a History keeping at most maxTurns turns.
func NewHistory(maxTurns int) *History {
	if maxTurns <= 0 {
		maxTurns = 8
	}
	return &History{maxTurns: maxTurns}
}

// Add appends one turn's messages and trims from the front.
func (h *History) Add(msgs ...agent.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, m := range msgs {
		h.messages = append(h.messages, m)
		h.tokens += estimateTokens(m)
	}

	// Drop oldest turns while over either bound. Turns are user/assistant
	// pairs, so trim two messages at a time.
	for (len(h.messages) > h.maxTurns*2 || h.tokens > maxHistoryTokens) && len(h.messages) > 2 {
		drop := 2
		for _, m := range h.messages[:drop] {
			h.tokens -= estimateTokens(m)
		}
		h.messages = h.messages[drop:]
	}
}

// Messages returns a copy of the current window, oldest first.
func (h *History) Messages() []agent.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]agent.Message, len(h.messages))
	copy(out, h.messages)
	return out
}

// Len returns the number of messages in the window.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.messages)
}

// Reset clears the window.
func (h *History) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = nil
	h.tokens = 0
}

// estimateTokens returns a rough token count for a single message using the
// 1-token-per-4-characters heuristic.
func estimateTokens(m agent.Message) int {
	chars := len(m.Content) + len(m.Role) + len(m.Name)
	for _, tc := range m.ToolCalls {
		chars += len(tc.Name) + len(tc.Arguments) + len(tc.ID)
	}
	tokens := chars / charsPerToken
	if tokens == 0 && chars > 0 {
		tokens = 1
	}
	return tokens
}
