// Package phonetic aligns noisy speech-to-text renderings with a list of
// known values.
//
// Telephone-band STT regularly garbles proper nouns: a caller named
// "Marcus Webb" comes out as "markus web", the plan name "Premier Plus"
// as "premiere plus". Before such a value enters the conversation's
// entity slot it is canonicalised against the values the agent already
// knows about.
//
// Canonicalisation runs in two passes:
//
//  1. Phonetic pass: Double Metaphone codes are computed for every token
//     of the heard text and of each known value. Values sharing at least
//     one code with the input are candidates; the candidate with the
//     highest Jaro-Winkler similarity wins, provided it clears the
//     phonetic threshold (default 0.70).
//
//  2. Fuzzy pass: when no phonetic candidate clears the bar, plain
//     Jaro-Winkler similarity is tested against all values with a
//     stricter threshold (default 0.85). This catches spelling-level
//     drift that changes the phonetic code, e.g. a dropped syllable.
//
// Multi-word values are handled by comparing full strings, space-stripped
// strings, and the best token pair, so "premiere plus" still aligns with
// "Premier Plus" even when the STT splits or merges words differently.
//
// A Matcher is read-only after construction and safe for concurrent use.
package phonetic

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
)

// Matcher canonicalises heard text against known values.
type Matcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// Option configures a [Matcher].
type Option func(*Matcher)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score a phonetic
// candidate must reach to be accepted. Default 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(m *Matcher) { m.phoneticThreshold = threshold }
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score for the fallback
// pass that runs when no phonetic candidate qualifies. Default 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(m *Matcher) { m.fuzzyThreshold = threshold }
}

// New returns a Matcher with the default thresholds, adjusted by opts.
func New(opts ...Option) *Matcher {
	m := &Matcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Canonical returns the known value that best matches heard.
//
// heard may be a single word or a short phrase. When ok is true, value is
// the matching entry from known in its original casing and score is the
// Jaro-Winkler similarity that ranked it. When ok is false, value echoes
// heard unchanged and score is zero.
//
// Canonical includes the best-token-pair comparison, which lets a single
// recognisable word carry a match for a longer value. That is the right
// behaviour for text already identified as a candidate value (a captured
// name, a quoted plan). For scanning running text use [Matcher.CanonicalPhrase].
func (m *Matcher) Canonical(heard string, known []string) (value string, score float64, ok bool) {
	return m.canonical(heard, known, true)
}

// CanonicalPhrase is like [Matcher.Canonical] but compares whole phrases
// only. Without the token-pair strategy a common word shared with a longer
// value ("plus", "care") cannot pull that value in, which keeps n-gram
// scans over free text from misfiring.
func (m *Matcher) CanonicalPhrase(heard string, known []string) (value string, score float64, ok bool) {
	return m.canonical(heard, known, false)
}

func (m *Matcher) canonical(heard string, known []string, pairwise bool) (string, float64, bool) {
	heardLower := strings.ToLower(strings.TrimSpace(heard))
	if heardLower == "" || len(known) == 0 {
		return heard, 0, false
	}
	heardTokens := strings.Fields(heardLower)
	heardCodes := metaphoneSet(heardTokens)

	// Phonetic pass: best Jaro-Winkler score among values that share a
	// Double Metaphone code with the input.
	bestValue, bestScore := "", 0.0
	for _, k := range known {
		kLower := strings.ToLower(strings.TrimSpace(k))
		if kLower == "" {
			continue
		}
		kTokens := strings.Fields(kLower)
		if !overlaps(heardCodes, metaphoneSet(kTokens)) {
			continue
		}
		if s := similarity(heardTokens, kTokens, heardLower, kLower, pairwise); s >= m.phoneticThreshold && s > bestScore {
			bestValue, bestScore = k, s
		}
	}
	if bestValue != "" {
		return bestValue, bestScore, true
	}

	// Fuzzy pass: no phonetic candidate qualified, so require a much
	// closer string match.
	for _, k := range known {
		kLower := strings.ToLower(strings.TrimSpace(k))
		if kLower == "" {
			continue
		}
		kTokens := strings.Fields(kLower)
		if s := similarity(heardTokens, kTokens, heardLower, kLower, pairwise); s >= m.fuzzyThreshold && s > bestScore {
			bestValue, bestScore = k, s
		}
	}
	if bestValue != "" {
		return bestValue, bestScore, true
	}
	return heard, 0, false
}

// MaxTokens returns the largest token count across the known values.
// Callers use it to bound the n-gram window when scanning a transcript.
func MaxTokens(known []string) int {
	max := 0
	for _, k := range known {
		if n := len(strings.Fields(k)); n > max {
			max = n
		}
	}
	return max
}

// metaphoneSet returns the union of primary and secondary Double Metaphone
// codes for the tokens. Tokens too short to produce a code contribute
// nothing.
func metaphoneSet(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, 2*len(tokens))
	for _, t := range tokens {
		primary, secondary := matchr.DoubleMetaphone(t)
		if primary != "" {
			codes[primary] = struct{}{}
		}
		if secondary != "" {
			codes[secondary] = struct{}{}
		}
	}
	return codes
}

func overlaps(a, b map[string]struct{}) bool {
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

// similarity is the highest Jaro-Winkler score across up to three
// comparisons: the full strings, the space-stripped strings, and, when
// pairwise is set, the best-scoring token pair. The space-stripped form
// absorbs word splits and merges introduced by the STT ("premierplus" vs
// "premier plus").
func similarity(heardTokens, knownTokens []string, heardFull, knownFull string, pairwise bool) float64 {
	best := matchr.JaroWinkler(heardFull, knownFull, false)

	if len(heardTokens) > 1 || len(knownTokens) > 1 {
		joined := matchr.JaroWinkler(strings.Join(heardTokens, ""), strings.Join(knownTokens, ""), false)
		if joined > best {
			best = joined
		}
	}

	if pairwise {
		for _, ht := range heardTokens {
			for _, kt := range knownTokens {
				if s := matchr.JaroWinkler(ht, kt, false); s > best {
					best = s
				}
			}
		}
	}
	return best
}
