// Package history keeps the rolling conversation context for a single
// call.
//
// A [History] holds the last turns of the conversation as role-tagged
// messages, bounded by a configurable cap (default 20). When the cap is
// reached the oldest half of the turns is compressed into a single
// system-role summary turn through the LLM provider's Summarize
// capability, so the context stays short without forgetting what was
// agreed early in the call.
//
// Alongside the turns the History maintains an entity slot: caller
// details (name, account id, phone, email, ...) extracted from each user
// turn by a [Recognizer]. The slot is rendered as leading system context
// on every [History.Messages] call and is never summarised away, so a
// name given in the first sentence survives any number of compactions.
//
// Responses cut short by barge-in are recorded with an "[interrupted]"
// annotation so the model knows the caller never heard the rest.
//
// A History is safe for concurrent use.
package history

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/MrWong99/telvox/pkg/provider/llm"
)

// DefaultMaxTurns bounds the retained conversation turns when no explicit
// cap is configured.
const DefaultMaxTurns = 20

// Entity is one caller detail held in the slot.
type Entity struct {
	// Kind classifies the detail ("name", "account_id", "phone", ...).
	// One value is kept per kind; later recognitions replace earlier ones.
	Kind string

	// Value is the detail itself, canonicalised against the configured
	// vocabulary where possible.
	Value string
}

// History is the per-call conversation context.
type History struct {
	mu       sync.Mutex
	provider llm.Provider
	rec      *Recognizer
	maxTurns int
	logger   *slog.Logger

	turns []llm.Message
	slot  []Entity
}

// Option configures a [History].
type Option func(*History)

// WithMaxTurns caps the retained turns. Values below one fall back to
// [DefaultMaxTurns].
func WithMaxTurns(n int) Option {
	return func(h *History) {
		if n > 0 {
			h.maxTurns = n
		}
	}
}

// WithRecognizer sets the entity recogniser run over every user turn.
// Without one the entity slot stays empty.
func WithRecognizer(r *Recognizer) Option {
	return func(h *History) { h.rec = r }
}

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(h *History) { h.logger = l }
}

// New returns a History that compacts through provider. A nil provider is
// allowed; overflowing turns are then dropped instead of summarised.
func New(provider llm.Provider, opts ...Option) *History {
	h := &History{
		provider: provider,
		maxTurns: DefaultMaxTurns,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// AddUser appends a user turn. The recogniser, when configured, extracts
// caller details from text into the entity slot before the turn is stored.
func (h *History) AddUser(ctx context.Context, text string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rec != nil {
		h.upsertLocked(h.rec.Recognize(text))
	}
	h.turns = append(h.turns, llm.Message{Role: "user", Content: text})
	h.compactLocked(ctx, false)
}

// AddAssistant appends a completed assistant turn.
//
// Compaction runs eagerly here rather than on the next user turn: the
// caller is about to speak for a while, which hides the Summarize round
// trip that would otherwise delay the next completion.
func (h *History) AddAssistant(ctx context.Context, text string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.turns = append(h.turns, llm.Message{Role: "assistant", Content: text})
	h.compactLocked(ctx, true)
}

// AddInterrupted appends an assistant turn that was cut off by barge-in.
// partial is the text spoken before the cut; it may be empty when the
// caller interrupted before the first word.
func (h *History) AddInterrupted(ctx context.Context, partial string) {
	text := strings.TrimSpace(partial)
	if text == "" {
		text = "[interrupted]"
	} else {
		text += " [interrupted]"
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.turns = append(h.turns, llm.Message{Role: "assistant", Content: text})
	h.compactLocked(ctx, true)
}

// AddToolCall appends the assistant turn that requested the given tool
// calls. preamble is the text spoken before the calls, often empty.
func (h *History) AddToolCall(ctx context.Context, preamble string, calls []llm.ToolCall) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.turns = append(h.turns, llm.Message{Role: "assistant", Content: preamble, ToolCalls: calls})
	h.compactLocked(ctx, true)
}

// AddToolResult appends the result of an executed tool call.
func (h *History) AddToolResult(ctx context.Context, call llm.ToolCall, result string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.turns = append(h.turns, llm.Message{
		Role:       "tool",
		Content:    result,
		Name:       call.Name,
		ToolCallID: call.ID,
	})
	h.compactLocked(ctx, true)
}

// Messages returns the message list for the next completion: the entity
// slot as leading system context, then the retained turns. The returned
// slice is the caller's to keep.
func (h *History) Messages() []llm.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]llm.Message, 0, len(h.turns)+1)
	if slotText := formatSlot(h.slot); slotText != "" {
		out = append(out, llm.Message{Role: "system", Content: slotText})
	}
	return append(out, h.turns...)
}

// Entities returns a snapshot of the entity slot in first-seen order.
func (h *History) Entities() []Entity {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.slot)
}

// Len reports the number of retained turns, summary turn included.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.turns)
}

// upsertLocked merges recognised entities into the slot: one value per
// kind, latest recognition wins, kind order stays first-seen.
func (h *History) upsertLocked(ents []Entity) {
	for _, e := range ents {
		replaced := false
		for i := range h.slot {
			if h.slot[i].Kind == e.Kind {
				h.slot[i].Value = e.Value
				replaced = true
				break
			}
		}
		if !replaced {
			h.slot = append(h.slot, e)
		}
	}
}

// compactLocked folds the oldest half of the turns into one summary turn
// once the cap is reached. Eager callers compact at the cap, non-eager
// ones only past it; see [History.AddAssistant] for why.
//
// When summarisation fails or no provider is configured the oldest turns
// are dropped unsummarised. Growing without bound would eventually blow
// the model's context window mid-call, which is worse than forgetting.
func (h *History) compactLocked(ctx context.Context, eager bool) {
	n := len(h.turns)
	if eager && n < h.maxTurns {
		return
	}
	if !eager && n <= h.maxTurns {
		return
	}

	half := n / 2
	// A tool result must stay adjacent to the assistant turn that issued
	// the call, so the cut advances past any leading tool messages.
	for half < n && h.turns[half].Role == "tool" {
		half++
	}

	oldest := make([]llm.Message, half)
	copy(oldest, h.turns[:half])
	kept := make([]llm.Message, n-half)
	copy(kept, h.turns[half:])

	var summary string
	if h.provider != nil {
		s, err := h.provider.Summarize(ctx, oldest)
		if err != nil {
			h.logger.Warn("history compaction failed, dropping oldest turns",
				"turns", half, "error", err)
		} else {
			summary = strings.TrimSpace(s)
		}
	}

	if summary == "" {
		h.turns = kept
		return
	}
	h.turns = append([]llm.Message{{
		Role:    "system",
		Content: "Summary of the conversation so far: " + summary,
	}}, kept...)
}

// formatSlot renders the entity slot as one system-context block.
// Underscores in kinds read as spaces ("account_id" -> "account id").
func formatSlot(slot []Entity) string {
	if len(slot) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("Known caller details:")
	for _, e := range slot {
		sb.WriteString("\n")
		sb.WriteString(strings.ReplaceAll(e.Kind, "_", " "))
		sb.WriteString(": ")
		sb.WriteString(e.Value)
	}
	return sb.String()
}
