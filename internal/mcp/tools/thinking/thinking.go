// Package thinking provides a built-in sequential-thinking tool.
//
// The "think" tool gives the model a scratchpad during multi-step turns: each
// call records one numbered thought and echoes back how far the plan has
// progressed. The tool has no side effects beyond the acknowledgment; its
// value is that it lets the model externalize intermediate reasoning as tool
// calls instead of leaking it into the user-visible answer.
package thinking

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/averlon/parley/internal/mcp/tools"
	"github.com/averlon/parley/pkg/types"
)

// thinkArgs is the JSON-decoded input for the "think" tool.
type thinkArgs struct {
	// Thought is the content of this reasoning step.
	Thought string `json:"thought"`

	// StepNumber is this thought's position in the plan, starting at 1.
	StepNumber int `json:"step_number"`

	// TotalSteps is the current estimate of how many steps the plan needs.
	TotalSteps int `json:"total_steps"`
}

// thinkResult is the JSON-encoded output of the "think" tool.
type thinkResult struct {
	// StepNumber echoes the recorded step.
	StepNumber int `json:"step_number"`

	// TotalSteps echoes the plan-size estimate.
	TotalSteps int `json:"total_steps"`

	// NextStepNeeded reports whether the plan has remaining steps.
	NextStepNeeded bool `json:"next_step_needed"`
}

// handler records one thought and acknowledges it.
func handler(_ context.Context, args string) (string, error) {
	var a thinkArgs
	if err := json.Unmarshal([]byte(args), &a); err != nil {
		return "", fmt.Errorf("thinking: think: failed to parse arguments: %w", err)
	}
	if strings.TrimSpace(a.Thought) == "" {
		return "", fmt.Errorf("thinking: think: thought must not be empty")
	}
	if a.StepNumber < 1 {
		a.StepNumber = 1
	}
	if a.TotalSteps < a.StepNumber {
		a.TotalSteps = a.StepNumber
	}

	res, err := json.Marshal(thinkResult{
		StepNumber:     a.StepNumber,
		TotalSteps:     a.TotalSteps,
		NextStepNeeded: a.StepNumber < a.TotalSteps,
	})
	if err != nil {
		return "", fmt.Errorf("thinking: think: failed to encode result: %w", err)
	}
	return string(res), nil
}

// NewTools constructs the sequential-thinking tool set.
func NewTools() []tools.Tool {
	return []tools.Tool{
		{
			Definition: types.ToolDefinition{
				Name:        "think",
				Description: "Record one step of a multi-step plan before acting on it. Call once per step with the step number and your current estimate of the total steps. Use for complex requests that need several tool calls in sequence.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"thought": map[string]any{
							"type":        "string",
							"description": "The content of this reasoning step.",
						},
						"step_number": map[string]any{
							"type":        "integer",
							"description": "This step's position in the plan, starting at 1.",
						},
						"total_steps": map[string]any{
							"type":        "integer",
							"description": "Current estimate of how many steps the plan needs.",
						},
					},
					"required": []string{"thought", "step_number", "total_steps"},
				},
			},
			Handler: handler,
		},
	}
}
