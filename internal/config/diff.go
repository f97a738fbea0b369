package config

import (
	"maps"
	"slices"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged  bool
	NewLogLevel      LogLevel
	PersonaChanged   bool
	NewPersona       string
	AllowlistChanged bool
	NewAllowlist     []string
	KeywordsChanged  bool
	NewKeywords      map[string][]string
}

// Any reports whether the diff carries at least one change.
func (d ConfigDiff) Any() bool {
	return d.LogLevelChanged || d.PersonaChanged || d.AllowlistChanged || d.KeywordsChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart; provider,
// store, and listener changes require one.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Chat.Persona != new.Chat.Persona {
		d.PersonaChanged = true
		d.NewPersona = new.Chat.Persona
	}

	if !slices.Equal(old.Tools.Allowlist, new.Tools.Allowlist) {
		d.AllowlistChanged = true
		d.NewAllowlist = new.Tools.Allowlist
	}

	if !maps.EqualFunc(old.Tools.Keywords, new.Tools.Keywords, slices.Equal[[]string]) {
		d.KeywordsChanged = true
		d.NewKeywords = new.Tools.Keywords
	}

	return d
}
