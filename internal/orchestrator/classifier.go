package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/averlon/parley/pkg/provider/llm"
	"github.com/averlon/parley/pkg/types"
)

// classifierPromptFmt asks for both labels in one completion. The category
// list is discovered from the registry's keyword table, so hosts that export
// a new tool category extend the classifier without a code change.
const classifierPromptFmt = `Classify the user's message.

Respond with exactly two lines:
INTENT: one of {%s}
COMPLEXITY: SIMPLE or COMPLEX

INTENT is the tool category the message most likely needs, or GENERAL when no
tool applies. COMPLEXITY is COMPLEX only when answering requires multiple
dependent steps or combining several tool results.

No other output.`

var (
	intentRe     = regexp.MustCompile(`(?im)^\s*INTENT\s*:\s*([A-Za-z_]+)\s*$`)
	complexityRe = regexp.MustCompile(`(?im)^\s*COMPLEXITY\s*:\s*([A-Za-z_]+)\s*$`)
)

// classifier labels a turn with an intent category and a complexity tier
// using a single low-temperature completion. Parsing is tolerant; anything
// unparseable degrades to (GENERAL, SIMPLE) rather than failing the turn.
type classifier struct {
	llm   llm.Provider
	model string
}

// classify returns the intent and complexity for text. categories is the set
// of intent labels currently backed by tools; GENERAL is always admitted.
// Provider failures and unparseable output both degrade to the defaults.
func (c *classifier) classify(ctx context.Context, text string, categories []string) (intent, complexity string) {
	intent = types.IntentGeneral
	complexity = types.ComplexitySimple

	allowed := map[string]bool{types.IntentGeneral: true}
	labels := []string{types.IntentGeneral}
	for _, cat := range categories {
		cat = strings.ToUpper(cat)
		if !allowed[cat] {
			allowed[cat] = true
			labels = append(labels, cat)
		}
	}

	resp, err := c.llm.Complete(ctx, llm.CompletionRequest{
		Messages: []types.Message{
			{Role: types.RoleSystem, Content: fmt.Sprintf(classifierPromptFmt, strings.Join(labels, "|"))},
			{Role: types.RoleUser, Content: text},
		},
		Model: c.model,
	})
	if err != nil {
		slog.Warn("intent classification failed, using defaults", "error", err)
		return intent, complexity
	}

	if m := intentRe.FindStringSubmatch(resp.Content); m != nil {
		if label := strings.ToUpper(m[1]); allowed[label] {
			intent = label
		}
	}
	if m := complexityRe.FindStringSubmatch(resp.Content); m != nil {
		if label := strings.ToUpper(m[1]); label == types.ComplexityComplex {
			complexity = types.ComplexityComplex
		}
	}
	return intent, complexity
}
