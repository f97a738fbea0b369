package memory

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/averlon/parley/pkg/store"
)

// recallSnippetLen caps how much of a recalled message is quoted in the
// system prompt.
const recallSnippetLen = 280

// formatSystemPrompt renders the persona, user memories, warm summary and
// recalled cold messages into a single system prompt.
//
// The formatter is pure: it performs no I/O, has no side effects, and is safe
// for concurrent use. Empty sections (no memories, no summary, nothing
// recalled) are omitted entirely rather than rendering as empty headers.
func formatSystemPrompt(persona string, conv *store.Conversation, memories []store.UserMemory, recalled []store.SimilarMessage) string {
	var sb strings.Builder
	sb.WriteString(strings.TrimSpace(persona))

	if len(memories) > 0 {
		sb.WriteString("\n\n## What you know about this user\n")
		for _, m := range memories {
			fmt.Fprintf(&sb, "- %s\n", strings.TrimSpace(m.Content))
		}
	}

	if conv != nil && strings.TrimSpace(conv.Summary) != "" {
		sb.WriteString("\n## Conversation so far\n")
		sb.WriteString(strings.TrimSpace(conv.Summary))
		sb.WriteString("\n")
	}

	if len(recalled) > 0 {
		sb.WriteString("\n## Relevant earlier messages\n")
		for _, r := range recalled {
			fmt.Fprintf(&sb, "- [%s] %s: %s\n",
				r.Message.CreatedAt.UTC().Format("2006-01-02 15:04"),
				r.Message.Role,
				snippet(r.Message.Content))
		}
	}

	return strings.TrimRight(sb.String(), "\n")
}

// snippet collapses whitespace and truncates long content. The cut backs
// off to a rune boundary so multi-byte characters are never split.
func snippet(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= recallSnippetLen {
		return s
	}
	cut := recallSnippetLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
