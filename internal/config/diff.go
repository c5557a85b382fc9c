package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked: everything
// touching listeners, providers, or in-flight sessions needs a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// AgentChanged is true if the default system prompt, greeting, language,
	// voice, vocabulary, or a fallback utterance text changed. New sessions
	// pick the new persona up; running sessions keep the one they started
	// with.
	AgentChanged bool

	PromptsChanged bool
	PromptChanges  []PromptDiff // per named prompt

	FallbackDestinationChanged bool
	NewFallbackDestination     string
}

// PromptDiff describes what changed for a single named system prompt.
type PromptDiff struct {
	Name    string
	Changed bool
	Added   bool
	Removed bool
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Observe.LogLevel != new.Observe.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Observe.LogLevel
	}

	// Persona
	if old.Agent.SystemPrompt != new.Agent.SystemPrompt ||
		old.Agent.Greeting != new.Agent.Greeting ||
		old.Agent.Language != new.Agent.Language ||
		old.Agent.Voice != new.Agent.Voice ||
		old.Agent.FallbackUtterances != new.Agent.FallbackUtterances ||
		!vocabularyEqual(old.Agent.Vocabulary, new.Agent.Vocabulary) {
		d.AgentChanged = true
	}

	// Transfer target
	if old.CallControl.FallbackDestination != new.CallControl.FallbackDestination {
		d.FallbackDestinationChanged = true
		d.NewFallbackDestination = new.CallControl.FallbackDestination
	}

	// Detect modified and removed named prompts.
	for name, oldText := range old.Agent.Prompts {
		newText, exists := new.Agent.Prompts[name]
		if !exists {
			d.PromptChanges = append(d.PromptChanges, PromptDiff{
				Name:    name,
				Removed: true,
			})
			d.PromptsChanged = true
			continue
		}
		if oldText != newText {
			d.PromptChanges = append(d.PromptChanges, PromptDiff{
				Name:    name,
				Changed: true,
			})
			d.PromptsChanged = true
		}
	}

	// Detect added prompts.
	for name := range new.Agent.Prompts {
		if _, exists := old.Agent.Prompts[name]; !exists {
			d.PromptChanges = append(d.PromptChanges, PromptDiff{
				Name:  name,
				Added: true,
			})
			d.PromptsChanged = true
		}
	}

	return d
}

func vocabularyEqual(a, b map[string][]string) bool {
	if len(a) != len(b) {
		return false
	}
	for kind, av := range a {
		bv, ok := b[kind]
		if !ok || !slices.Equal(av, bv) {
			return false
		}
	}
	return true
}
