package orchestrator

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/averlon/parley/pkg/provider/llm"
	"github.com/averlon/parley/pkg/types"
)

// plannerPrompt asks for a short numbered plan before an agentic turn. The
// plan is guidance, not a contract; the loop still reacts to what the tools
// return.
const plannerPrompt = `Break the user's request into a numbered plan of 3 to 6
concrete steps. Each step is one line starting with its number and a period.
Mention a tool by name when a step should use one.

Available tools:
%s

Respond with the numbered steps only.`

var planStepRe = regexp.MustCompile(`(?m)^\s*(\d+)[.)]\s*(.+)$`)

// planner produces the up-front step plan for COMPLEX turns.
type planner struct {
	llm   llm.Provider
	model string
}

// plan returns the numbered steps for the request, or an error when the
// model produced nothing usable. Callers treat failure as "proceed without
// a plan".
func (p *planner) plan(ctx context.Context, text string, tools []types.ToolDefinition) ([]string, error) {
	var catalogue strings.Builder
	if len(tools) == 0 {
		catalogue.WriteString("(none)")
	}
	for _, def := range tools {
		fmt.Fprintf(&catalogue, "- %s: %s\n", def.Name, def.Description)
	}

	resp, err := p.llm.Complete(ctx, llm.CompletionRequest{
		Messages: []types.Message{
			{Role: types.RoleSystem, Content: fmt.Sprintf(plannerPrompt, catalogue.String())},
			{Role: types.RoleUser, Content: text},
		},
		Model: p.model,
	})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: plan: %w", err)
	}

	var steps []string
	for _, m := range planStepRe.FindAllStringSubmatch(resp.Content, -1) {
		if step := strings.TrimSpace(m[2]); step != "" {
			steps = append(steps, step)
		}
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("orchestrator: plan: no numbered steps in model output")
	}
	return steps, nil
}

// planMessage renders the steps as the guidance message injected after the
// composed context.
func planMessage(steps []string) types.Message {
	var sb strings.Builder
	sb.WriteString("Work through this plan, adapting as results come in:\n")
	for i, step := range steps {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, step)
	}
	return types.Message{Role: types.RoleSystem, Content: sb.String()}
}
