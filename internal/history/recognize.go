package history

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/MrWong99/telvox/internal/history/phonetic"
)

// Entity kinds produced by the built-in recognition passes. Vocabulary
// kinds configured with [WithVocabulary] are free-form.
const (
	KindName      = "name"
	KindAccountID = "account_id"
	KindPhone     = "phone"
	KindEmail     = "email"
)

var (
	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)

	// digitRunPattern matches digit sequences the way telephone STT
	// renders them: contiguous ("48291736"), spaced ("4 8 2 9 1 7 3 6"),
	// or grouped with dashes or dots. It must start and end on a digit.
	digitRunPattern = regexp.MustCompile(`\+?\d(?:[\d .-]{0,30}\d)?`)

	// namePattern captures up to three word tokens after a
	// self-introduction trigger.
	namePattern = regexp.MustCompile(`(?i)\b(my name['\x{2019}]?s|my name is|this is|i am|i['\x{2019}]m|it['\x{2019}]s)\s+([A-Za-z]['\x{2019}A-Za-z-]*(?:\s+[A-Za-z]['\x{2019}A-Za-z-]*){0,2})`)
)

// nameStopwords end or pad a self-introduction ("this is marcus webb
// calling about..."). They are trimmed from both ends of a capture.
var nameStopwords = map[string]bool{
	"calling": true, "speaking": true, "here": true, "again": true,
	"and": true, "from": true, "with": true, "about": true,
	"actually": true, "just": true, "really": true,
}

var (
	phoneKeywords   = []string{"phone", "call", "reach", "mobile", "cell"}
	accountKeywords = []string{"account", "member", "order", "policy", "reference", "booking", "invoice", "customer"}
)

// Recognizer extracts caller details from user turns.
//
// Three passes run over each turn:
//
//   - Structured patterns pick up emails and digit runs. Digit runs are
//     classified as phone number or account id by the nearest keyword
//     before them, falling back to length (10+ digits reads as a phone).
//   - Self-introduction triggers capture the caller's name. Strong
//     triggers ("my name is") accept the capture as heard; weak ones
//     ("this is", "I'm") only count when the capture canonicalises
//     against the configured name vocabulary, since they introduce far
//     more than names.
//   - Configured vocabulary kinds other than "name" are matched by an
//     n-gram scan, so "premiere plus" in the middle of a sentence still
//     lands as the plan "Premier Plus".
//
// A Recognizer is read-only after construction and safe for concurrent
// use.
type Recognizer struct {
	matcher *phonetic.Matcher
	vocab   []vocabKind
}

type vocabKind struct {
	kind   string
	values []string
}

// RecognizerOption configures a [Recognizer].
type RecognizerOption func(*Recognizer)

// WithVocabulary registers known values for an entity kind. Repeated
// calls for the same kind append.
func WithVocabulary(kind string, values ...string) RecognizerOption {
	return func(r *Recognizer) {
		for i := range r.vocab {
			if r.vocab[i].kind == kind {
				r.vocab[i].values = append(r.vocab[i].values, values...)
				return
			}
		}
		r.vocab = append(r.vocab, vocabKind{kind: kind, values: values})
	}
}

// WithMatcher replaces the phonetic matcher, e.g. to tighten thresholds.
func WithMatcher(m *phonetic.Matcher) RecognizerOption {
	return func(r *Recognizer) { r.matcher = m }
}

// NewRecognizer returns a Recognizer with default matcher thresholds.
func NewRecognizer(opts ...RecognizerOption) *Recognizer {
	r := &Recognizer{matcher: phonetic.New()}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Recognize extracts entities from one user turn, in text order. The
// caller merges them into the slot; a kind recognised twice in one turn
// resolves to the later value.
func (r *Recognizer) Recognize(text string) []Entity {
	var ents []Entity
	ents = append(ents, r.structured(text)...)
	if name, ok := r.name(text); ok {
		ents = append(ents, Entity{Kind: KindName, Value: name})
	}
	ents = append(ents, r.vocabScan(text)...)
	return ents
}

// structured finds emails and digit runs. Emails are masked out before
// the digit scan so an address like a22b@x.io cannot double as a number.
func (r *Recognizer) structured(text string) []Entity {
	var ents []Entity

	masked := text
	if emails := emailPattern.FindAllString(text, -1); len(emails) > 0 {
		for _, m := range emails {
			ents = append(ents, Entity{Kind: KindEmail, Value: strings.ToLower(m)})
		}
		masked = emailPattern.ReplaceAllString(text, " ")
	}

	for _, loc := range digitRunPattern.FindAllStringIndex(masked, -1) {
		run := masked[loc[0]:loc[1]]
		digits := keepDigits(run)
		if len(digits) < 6 || len(digits) > 15 {
			continue
		}
		windowStart := loc[0] - 40
		if windowStart < 0 {
			windowStart = 0
		}
		hasPlus := strings.HasPrefix(run, "+")
		kind := classifyDigits(masked[windowStart:loc[0]], digits, hasPlus)
		value := digits
		if hasPlus {
			value = "+" + digits
		}
		ents = append(ents, Entity{Kind: kind, Value: value})
	}
	return ents
}

// classifyDigits decides between phone number and account id. The keyword
// closest to the digits wins; with no keyword in the window, 10 or more
// digits read as a phone number.
func classifyDigits(window, digits string, hasPlus bool) string {
	if hasPlus {
		return KindPhone
	}
	w := strings.ToLower(window)
	phoneIdx := lastIndexAny(w, phoneKeywords)
	acctIdx := lastIndexAny(w, accountKeywords)
	switch {
	case acctIdx > phoneIdx:
		return KindAccountID
	case phoneIdx > acctIdx:
		return KindPhone
	case len(digits) >= 10:
		return KindPhone
	default:
		return KindAccountID
	}
}

// name finds the caller's self-introduced name. A strong trigger beats
// any weak one; among equals the first in the text wins.
func (r *Recognizer) name(text string) (string, bool) {
	matches := namePattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return "", false
	}
	known := r.vocabValues(KindName)

	var weak string
	for _, m := range matches {
		tokens := strings.Fields(m[2])
		tokens = trimStopwords(tokens)
		if len(tokens) == 0 {
			continue
		}
		candidate := strings.Join(tokens, " ")
		strong := strings.Contains(strings.ToLower(m[1]), "name")

		if len(known) > 0 {
			if canon, _, ok := r.matcher.Canonical(candidate, known); ok {
				if strong {
					return canon, true
				}
				if weak == "" {
					weak = canon
				}
				continue
			}
		}
		// Unrecognised captures only count on a strong trigger.
		if strong {
			return titleCase(candidate), true
		}
	}
	return weak, weak != ""
}

// vocabScan matches configured vocabulary kinds with an n-gram window
// over the turn, longest window first. The "name" kind is excluded; bare
// mentions of a known name are not the caller introducing themselves.
func (r *Recognizer) vocabScan(text string) []Entity {
	var ents []Entity
	var tokens []string
	for _, t := range strings.Fields(text) {
		if t = strings.Trim(t, `.,!?;:"`); t != "" {
			tokens = append(tokens, t)
		}
	}
	if len(tokens) == 0 {
		return nil
	}

	for _, vk := range r.vocab {
		if vk.kind == KindName {
			continue
		}
		maxN := phonetic.MaxTokens(vk.values)
		if maxN == 0 {
			continue
		}
		i := 0
		for i < len(tokens) {
			n := maxN
			if i+n > len(tokens) {
				n = len(tokens) - i
			}
			matched := false
			for ; n >= 1; n-- {
				window := strings.Join(tokens[i:i+n], " ")
				if value, _, ok := r.matcher.CanonicalPhrase(window, vk.values); ok {
					ents = append(ents, Entity{Kind: vk.kind, Value: value})
					i += n
					matched = true
					break
				}
			}
			if !matched {
				i++
			}
		}
	}
	return ents
}

func (r *Recognizer) vocabValues(kind string) []string {
	for _, vk := range r.vocab {
		if vk.kind == kind {
			return vk.values
		}
	}
	return nil
}

func trimStopwords(tokens []string) []string {
	for len(tokens) > 0 && nameStopwords[strings.ToLower(tokens[0])] {
		tokens = tokens[1:]
	}
	for len(tokens) > 0 && nameStopwords[strings.ToLower(tokens[len(tokens)-1])] {
		tokens = tokens[:len(tokens)-1]
	}
	return tokens
}

func keepDigits(s string) string {
	var sb strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

func lastIndexAny(s string, words []string) int {
	best := -1
	for _, w := range words {
		if i := strings.LastIndex(s, w); i > best {
			best = i
		}
	}
	return best
}

func titleCase(s string) string {
	fields := strings.Fields(s)
	for i, f := range fields {
		r := []rune(f)
		r[0] = unicode.ToUpper(r[0])
		fields[i] = string(r)
	}
	return strings.Join(fields, " ")
}
