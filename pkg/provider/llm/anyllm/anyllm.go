// Package anyllm adapts github.com/mozilla-ai/any-llm-go to llm.Provider.
//
// any-llm-go speaks to the hosted and local providers behind one interface,
// so a single config string ("anthropic", "groq", "llamacpp", ...) selects
// the backend at startup without per-provider wiring here.
package anyllm

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/averlon/parley/pkg/provider/llm"
	"github.com/averlon/parley/pkg/types"
)

// backends maps a lowercase provider name to its any-llm-go constructor.
var backends = map[string]func(...anyllmlib.Option) (anyllmlib.Provider, error){
	"openai":    anyllmoai.New,
	"anthropic": anthropic.New,
	"gemini":    gemini.New,
	"ollama":    ollama.New,
	"deepseek":  deepseek.New,
	"mistral":   mistral.New,
	"groq":      groq.New,
	"llamacpp":  llamacpp.New,
	"llamafile": llamafile.New,
}

// Provider implements llm.Provider over an any-llm-go backend.
type Provider struct {
	backend anyllmlib.Provider
	name    string
	model   string
}

var _ llm.Provider = (*Provider)(nil)

// New opens the named backend and binds it to a default model.
//
// API keys come from the usual environment variables (OPENAI_API_KEY and
// friends) unless overridden via anyllmlib.WithAPIKey. Local backends such
// as ollama and llamacpp need no key at all.
func New(providerName, model string, opts ...anyllmlib.Option) (*Provider, error) {
	if providerName == "" {
		return nil, fmt.Errorf("anyllm: providerName must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("anyllm: model must not be empty")
	}

	name := strings.ToLower(providerName)
	open, ok := backends[name]
	if !ok {
		return nil, fmt.Errorf("anyllm: unsupported provider %q (known: %s)", providerName, strings.Join(backendNames(), ", "))
	}
	backend, err := open(opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: open %s backend: %w", name, err)
	}
	return &Provider{backend: backend, name: name, model: model}, nil
}

func backendNames() []string {
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Name returns the backend name ("anthropic", "groq", ...), not "anyllm",
// so fallback chains read naturally in config and logs.
func (p *Provider) Name() string { return p.name }

// Capabilities implements llm.Provider.
func (p *Provider) Capabilities() types.ModelCapabilities {
	return capabilitiesFor(p.model)
}

// StreamCompletion implements llm.Provider.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	frames, errs := p.backend.CompletionStream(ctx, p.completionParams(req))

	ch := make(chan llm.Chunk, 32)
	go func() {
		defer close(ch)

		// Tool call fragments arrive spread across deltas, keyed by index.
		pending := map[int]*types.ToolCall{}

		for frame := range frames {
			if len(frame.Choices) == 0 {
				continue
			}
			choice := frame.Choices[0]
			out := llm.Chunk{
				Text: choice.Delta.Content,
				Done: choice.FinishReason != "",
			}

			for i, tc := range choice.Delta.ToolCalls {
				call, ok := pending[i]
				if !ok {
					call = &types.ToolCall{}
					pending[i] = call
				}
				if tc.ID != "" {
					call.ID = tc.ID
				}
				if tc.Function.Name != "" {
					call.Name = tc.Function.Name
				}
				call.Arguments += tc.Function.Arguments
			}

			if out.Done {
				for i := 0; i < len(pending); i++ {
					if call, ok := pending[i]; ok {
						out.ToolCalls = append(out.ToolCalls, *call)
					}
				}
			}

			if out.Text == "" && !out.Done && out.ToolCalls == nil {
				continue
			}
			select {
			case ch <- out:
			case <-ctx.Done():
				return
			}
		}

		if err := <-errs; err != nil {
			select {
			case ch <- llm.Chunk{Err: fmt.Errorf("anyllm: stream: %w", err)}:
			case <-ctx.Done():
			}
		}
	}()

	return ch, nil
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	resp, err := p.backend.Completion(ctx, p.completionParams(req))
	if err != nil {
		return nil, fmt.Errorf("anyllm: completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("anyllm: response carried no choices")
	}

	choice := resp.Choices[0]
	result := &llm.CompletionResponse{Content: choice.Message.ContentString()}
	if resp.Usage != nil {
		result.Usage = types.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}
	for _, tc := range choice.Message.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, types.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return result, nil
}

// HealthCheck implements llm.Provider. any-llm-go has no dedicated health
// endpoint, so probe with a one-token completion.
func (p *Provider) HealthCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	one := 1
	_, err := p.backend.Completion(ctx, anyllmlib.CompletionParams{
		Model:     p.model,
		Messages:  []anyllmlib.Message{{Role: anyllmlib.RoleUser, Content: "ping"}},
		MaxTokens: &one,
	})
	return err == nil
}

// CountTokens implements llm.Provider with the usual ~4 chars/token estimate,
// plus a flat per-message overhead for role and framing tokens.
func (p *Provider) CountTokens(messages []types.Message) (int, error) {
	total := 0
	for _, m := range messages {
		total += (len(m.Content)+3)/4 + 4
	}
	return total, nil
}

func (p *Provider) completionParams(req llm.CompletionRequest) anyllmlib.CompletionParams {
	params := anyllmlib.CompletionParams{Model: p.model}
	if req.Model != "" {
		params.Model = req.Model
	}
	for _, m := range req.Messages {
		params.Messages = append(params.Messages, wireMessage(m))
	}
	if req.Temperature != 0 {
		t := req.Temperature
		params.Temperature = &t
	}
	if req.MaxTokens > 0 {
		mt := req.MaxTokens
		params.MaxTokens = &mt
	}
	for _, td := range req.Tools {
		params.Tools = append(params.Tools, anyllmlib.Tool{
			Type: "function",
			Function: anyllmlib.Function{
				Name:        td.Name,
				Description: td.Description,
				Parameters:  td.Parameters,
			},
		})
	}
	return params
}

func wireMessage(m types.Message) anyllmlib.Message {
	msg := anyllmlib.Message{
		Role:       m.Role,
		Content:    m.Content,
		ToolCallID: m.ToolCallID,
	}
	for _, tc := range m.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, anyllmlib.ToolCall{
			ID:   tc.ID,
			Type: "function",
			Function: anyllmlib.FunctionCall{
				Name:      tc.Name,
				Arguments: tc.Arguments,
			},
		})
	}
	return msg
}

// capabilityRule assigns capabilities to the first model-name pattern that
// matches. Specific patterns must precede family catch-alls.
type capabilityRule struct {
	prefix   string // matched with HasPrefix when set
	contains string // matched with Contains when set
	caps     types.ModelCapabilities
}

var capabilityRules = []capabilityRule{
	{prefix: "gpt-4o", caps: types.ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 16_384, SupportsToolCalling: true, SupportsStreaming: true, SupportsVision: true}},
	{prefix: "gpt-4-turbo", caps: types.ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 4_096, SupportsToolCalling: true, SupportsStreaming: true, SupportsVision: true}},
	{prefix: "gpt-4", caps: types.ModelCapabilities{ContextWindow: 8_192, MaxOutputTokens: 4_096, SupportsToolCalling: true, SupportsStreaming: true}},
	{prefix: "gpt-3.5-turbo", caps: types.ModelCapabilities{ContextWindow: 16_385, MaxOutputTokens: 4_096, SupportsToolCalling: true, SupportsStreaming: true}},
	{prefix: "o1-mini", caps: types.ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 65_536, SupportsStreaming: true}},
	{prefix: "o1", caps: types.ModelCapabilities{ContextWindow: 200_000, MaxOutputTokens: 100_000, SupportsToolCalling: true, SupportsStreaming: true, SupportsVision: true}},
	{prefix: "o3-mini", caps: types.ModelCapabilities{ContextWindow: 200_000, MaxOutputTokens: 100_000, SupportsToolCalling: true, SupportsStreaming: true}},
	{prefix: "o3", caps: types.ModelCapabilities{ContextWindow: 200_000, MaxOutputTokens: 100_000, SupportsToolCalling: true, SupportsStreaming: true, SupportsVision: true}},
	{contains: "claude-3-opus", caps: types.ModelCapabilities{ContextWindow: 200_000, MaxOutputTokens: 4_096, SupportsToolCalling: true, SupportsStreaming: true, SupportsVision: true}},
	{prefix: "claude", caps: types.ModelCapabilities{ContextWindow: 200_000, MaxOutputTokens: 8_192, SupportsToolCalling: true, SupportsStreaming: true, SupportsVision: true}},
	{contains: "gemini-1.5-pro", caps: types.ModelCapabilities{ContextWindow: 2_097_152, MaxOutputTokens: 8_192, SupportsToolCalling: true, SupportsStreaming: true, SupportsVision: true}},
	{contains: "gemini-2.0-flash", caps: types.ModelCapabilities{ContextWindow: 1_048_576, MaxOutputTokens: 8_192, SupportsToolCalling: true, SupportsStreaming: true, SupportsVision: true}},
	{contains: "gemini-1.5-flash", caps: types.ModelCapabilities{ContextWindow: 1_048_576, MaxOutputTokens: 8_192, SupportsToolCalling: true, SupportsStreaming: true, SupportsVision: true}},
	{prefix: "gemini", caps: types.ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 8_192, SupportsToolCalling: true, SupportsStreaming: true, SupportsVision: true}},
}

// capabilitiesFor looks up capabilities by model name. Unknown models get a
// conservative 128k window with tool calling and streaming enabled.
func capabilitiesFor(model string) types.ModelCapabilities {
	lower := strings.ToLower(model)
	for _, rule := range capabilityRules {
		switch {
		case rule.prefix != "" && strings.HasPrefix(lower, rule.prefix):
			return rule.caps
		case rule.contains != "" && strings.Contains(lower, rule.contains):
			return rule.caps
		}
	}
	return types.ModelCapabilities{
		ContextWindow:       128_000,
		MaxOutputTokens:     4_096,
		SupportsToolCalling: true,
		SupportsStreaming:   true,
	}
}
