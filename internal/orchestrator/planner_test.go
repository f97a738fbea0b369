package orchestrator

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/averlon/parley/pkg/provider/llm"
	llmmock "github.com/averlon/parley/pkg/provider/llm/mock"
	"github.com/averlon/parley/pkg/types"
)

func TestPlanParsesNumberedSteps(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{
			Content: "1. List the repository files with fs.list_dir\n2) Read the config\n 3.  Summarise the findings ",
		},
	}
	pl := &planner{llm: p}

	steps, err := pl.plan(context.Background(), "audit the configs", nil)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	want := []string{
		"List the repository files with fs.list_dir",
		"Read the config",
		"Summarise the findings",
	}
	if len(steps) != len(want) {
		t.Fatalf("got %d steps: %v", len(steps), steps)
	}
	for i := range want {
		if steps[i] != want[i] {
			t.Errorf("step %d = %q, want %q", i, steps[i], want[i])
		}
	}
}

func TestPlanErrorsOnProse(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{
			Content: "I would start by looking at the files and then summarise.",
		},
	}
	pl := &planner{llm: p}

	if _, err := pl.plan(context.Background(), "audit", nil); err == nil {
		t.Fatal("expected an error for unnumbered output")
	}
}

func TestPlanPropagatesProviderError(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{CompleteErr: errors.New("backend down")}
	pl := &planner{llm: p}

	if _, err := pl.plan(context.Background(), "audit", nil); err == nil {
		t.Fatal("expected provider error to propagate")
	}
}

func TestPlanPromptListsTools(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "1. step"},
	}
	pl := &planner{llm: p, model: "small-model"}

	tools := []types.ToolDefinition{
		{Name: "fs.read_file", Description: "read the contents of a file"},
	}
	if _, err := pl.plan(context.Background(), "audit", tools); err != nil {
		t.Fatalf("plan: %v", err)
	}

	req := p.CompleteCalls[0].Req
	if req.Model != "small-model" {
		t.Errorf("model = %q", req.Model)
	}
	system := req.Messages[0].Content
	if !strings.Contains(system, "- fs.read_file: read the contents of a file") {
		t.Errorf("tool catalogue missing from prompt: %q", system)
	}
}

func TestPlanMessageRenumbersSteps(t *testing.T) {
	t.Parallel()
	msg := planMessage([]string{"first", "second"})
	if msg.Role != types.RoleSystem {
		t.Errorf("role = %s", msg.Role)
	}
	if !strings.Contains(msg.Content, "1. first\n2. second\n") {
		t.Errorf("content = %q", msg.Content)
	}
}
