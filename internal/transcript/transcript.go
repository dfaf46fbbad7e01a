// Package transcript post-processes ASR output before it reaches the agent.
// Configured hotwords (product names, tickers, proper nouns the speech model
// keeps mangling) are snapped onto near-miss words using Double Metaphone
// phonetic codes with Jaro-Winkler ranking.
package transcript

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
)

// Option is a functional option for configuring a Corrector.
type Option func(*Corrector)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score required for a
// phonetically matched hotword to replace a transcript word. Default: 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(c *Corrector) { c.phoneticThreshold = threshold }
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score required when no
// phonetic overlap exists and pure string similarity decides. Default: 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(c *Corrector) { c.fuzzyThreshold = threshold }
}

// Corrector snaps near-miss transcript words onto a fixed hotword list.
// Read-only after construction, safe for concurrent use.
type Corrector struct {
	hotwords          []hotword
	maxTokens         int
	phoneticThreshold float64
	fuzzyThreshold    float64
}

type hotword struct {
	display string // replacement text with original casing
	lower   string
	tokens  []string
	codes   map[string]struct{}
}

// New builds a Corrector for the given hotwords. An empty list yields a
// corrector whose Correct is the identity function.
func New(hotwords []string, opts ...Option) *Corrector {
	c := &Corrector{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
		maxTokens:         1,
	}
	for _, o := range opts {
		o(c)
	}
	for _, hw := range hotwords {
		trimmed := strings.TrimSpace(hw)
		if trimmed == "" {
			continue
		}
		lower := strings.ToLower(trimmed)
		tokens := strings.Fields(lower)
		c.hotwords = append(c.hotwords, hotword{
			display: trimmed,
			lower:   lower,
			tokens:  tokens,
			codes:   codesForTokens(tokens),
		})
		if len(tokens) > c.maxTokens {
			c.maxTokens = len(tokens)
		}
	}
	return c
}

// Correct returns text with near-miss hotword occurrences replaced. Sliding
// n-gram windows up to the longest hotword length are tested so multi-word
// hotwords match spoken run-ons. Exact matches (ignoring case) are left
// untouched except for casing normalization to the configured form.
func (c *Corrector) Correct(text string) string {
	if len(c.hotwords) == 0 || strings.TrimSpace(text) == "" {
		return text
	}

	words := strings.Fields(text)
	out := make([]string, 0, len(words))

	for i := 0; i < len(words); {
		replaced := false
		// Longest window first so "new york times" beats "new york".
		for n := min(c.maxTokens, len(words)-i); n >= 1 && !replaced; n-- {
			window := words[i : i+n]
			display, ok := c.match(window)
			if ok {
				out = append(out, carryPunctuation(window, display))
				i += n
				replaced = true
			}
		}
		if !replaced {
			out = append(out, words[i])
			i++
		}
	}
	return strings.Join(out, " ")
}

// match tests one window of transcript words against every hotword and
// returns the best acceptable replacement.
func (c *Corrector) match(window []string) (string, bool) {
	tokens := make([]string, len(window))
	for i, w := range window {
		tokens[i] = strings.ToLower(strings.Trim(w, ".,!?;:\"'"))
	}
	full := strings.Join(tokens, " ")
	if full == "" {
		return "", false
	}
	windowCodes := codesForTokens(tokens)

	bestScore := 0.0
	bestDisplay := ""
	bestPhonetic := false

	for _, hw := range c.hotwords {
		if full == hw.lower {
			return hw.display, true
		}
		// Single-token windows never claim a multi-word hotword; the longer
		// window covering all its words gets that chance first.
		if len(tokens) == 1 && len(hw.tokens) > 1 {
			continue
		}

		score := bestJWScore(tokens, hw.tokens, full, hw.lower)
		phonetic := codesOverlap(windowCodes, hw.codes)

		switch {
		case phonetic && score >= c.phoneticThreshold:
			if !bestPhonetic || score > bestScore {
				bestScore, bestDisplay, bestPhonetic = score, hw.display, true
			}
		case !phonetic && !bestPhonetic && score >= c.fuzzyThreshold && score > bestScore:
			bestScore, bestDisplay = score, hw.display
		}
	}
	return bestDisplay, bestDisplay != ""
}

// carryPunctuation re-attaches trailing punctuation of the last replaced word.
func carryPunctuation(window []string, display string) string {
	last := window[len(window)-1]
	trimmed := strings.TrimRight(last, ".,!?;:\"'")
	return display + last[len(trimmed):]
}

// codesForTokens returns the union of Double Metaphone codes for the tokens.
func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		if t == "" {
			continue
		}
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// bestJWScore takes the highest Jaro-Winkler similarity across full-string,
// space-stripped, and pairwise token comparisons.
func bestJWScore(inputTokens, hotTokens []string, inputFull, hotFull string) float64 {
	score := matchr.JaroWinkler(inputFull, hotFull, false)

	if len(inputTokens) > 1 || len(hotTokens) > 1 {
		if s := matchr.JaroWinkler(strings.Join(inputTokens, ""), strings.Join(hotTokens, ""), false); s > score {
			score = s
		}
	}
	for _, it := range inputTokens {
		for _, ht := range hotTokens {
			if s := matchr.JaroWinkler(it, ht, false); s > score {
				score = s
			}
		}
	}
	return score
}
