// Package ollama provides an LLM provider backed by a local Ollama instance.
//
// Ollama streams newline-delimited JSON frames from its /api/chat endpoint.
// Unlike the hosted providers it reports tool-call arguments as a JSON object
// rather than a string, and it accepts an images side channel on user messages
// for multimodal models.
package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/averlon/parley/pkg/provider/llm"
	"github.com/averlon/parley/pkg/types"
)

const defaultBaseURL = "http://localhost:11434"

// Provider implements llm.Provider against the Ollama HTTP API.
type Provider struct {
	baseURL string
	model   string
	client  *http.Client
}

// Compile-time check: Provider must implement llm.Provider.
var _ llm.Provider = (*Provider)(nil)

// Option is a functional option for Provider.
type Option func(*Provider)

// WithBaseURL overrides the default Ollama endpoint (http://localhost:11434).
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithHTTPClient replaces the HTTP client. Primarily used in tests.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// New constructs an Ollama Provider for the given default model.
func New(model string, opts ...Option) (*Provider, error) {
	if model == "" {
		return nil, fmt.Errorf("ollama: model must not be empty")
	}
	p := &Provider{
		baseURL: defaultBaseURL,
		model:   model,
		// No overall timeout: streams are bounded by the request context.
		client: &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// ─── Wire types ──────────────────────────────────────────────────────────────

type wireMessage struct {
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	Images    []string       `json:"images,omitempty"`
	ToolCalls []wireToolCall `json:"tool_calls,omitempty"`
}

type wireToolCall struct {
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type wireTool struct {
	Type     string           `json:"type"`
	Function wireToolFunction `json:"function"`
}

type wireToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type chatRequest struct {
	Model    string         `json:"model"`
	Messages []wireMessage  `json:"messages"`
	Stream   bool           `json:"stream"`
	Tools    []wireTool     `json:"tools,omitempty"`
	Options  map[string]any `json:"options,omitempty"`
}

type chatFrame struct {
	Message         wireMessage `json:"message"`
	Done            bool        `json:"done"`
	PromptEvalCount int         `json:"prompt_eval_count"`
	EvalCount       int         `json:"eval_count"`
}

// ─── llm.Provider ────────────────────────────────────────────────────────────

// StreamCompletion implements llm.Provider. It POSTs to /api/chat with
// stream=true and decodes one JSON frame per line until the frame carrying
// done=true or until ctx is cancelled.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	body, err := p.buildBody(req, true)
	if err != nil {
		return nil, fmt.Errorf("ollama: build request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ollama: new request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ollama: chat request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("ollama: chat request: unexpected status %s", resp.Status)
	}

	ch := make(chan llm.Chunk, 32)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		// Tool-call frames and long content lines can exceed the default 64K.
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}

			var frame chatFrame
			if err := json.Unmarshal(line, &frame); err != nil {
				p.send(ctx, ch, llm.Chunk{Err: fmt.Errorf("ollama: malformed stream frame: %w", err)})
				return
			}

			out := llm.Chunk{
				Text:      frame.Message.Content,
				ToolCalls: convertToolCalls(frame.Message.ToolCalls),
				Done:      frame.Done,
			}
			if frame.Done {
				out.Usage = &types.Usage{
					PromptTokens:     frame.PromptEvalCount,
					CompletionTokens: frame.EvalCount,
					TotalTokens:      frame.PromptEvalCount + frame.EvalCount,
				}
			}
			if out.Text == "" && out.ToolCalls == nil && !out.Done {
				continue
			}
			if !p.send(ctx, ch, out) {
				return
			}
			if frame.Done {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			p.send(ctx, ch, llm.Chunk{Err: fmt.Errorf("ollama: read stream: %w", err)})
		}
	}()

	return ch, nil
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	body, err := p.buildBody(req, false)
	if err != nil {
		return nil, fmt.Errorf("ollama: build request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ollama: new request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ollama: chat request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama: chat request: unexpected status %s", resp.Status)
	}

	var frame chatFrame
	if err := json.NewDecoder(resp.Body).Decode(&frame); err != nil {
		return nil, fmt.Errorf("ollama: decode response: %w", err)
	}

	return &llm.CompletionResponse{
		Content:   frame.Message.Content,
		ToolCalls: convertToolCalls(frame.Message.ToolCalls),
		Usage: types.Usage{
			PromptTokens:     frame.PromptEvalCount,
			CompletionTokens: frame.EvalCount,
			TotalTokens:      frame.PromptEvalCount + frame.EvalCount,
		},
	}, nil
}

// HealthCheck implements llm.Provider. It probes /api/tags, which answers
// quickly whether or not any model is loaded.
func (p *Provider) HealthCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// CountTokens implements llm.Provider using the ~4 chars/token heuristic;
// local models expose no tokenizer endpoint worth a round-trip per estimate.
func (p *Provider) CountTokens(messages []types.Message) (int, error) {
	total := 0
	for _, m := range messages {
		total += (len(m.Content) + 3) / 4
		total += 4 // per-message overhead (role + formatting)
	}
	return total, nil
}

// Capabilities implements llm.Provider. Local models vary widely; these are
// conservative defaults that hold for the llama3 and qwen families.
func (p *Provider) Capabilities() types.ModelCapabilities {
	return types.ModelCapabilities{
		ContextWindow:       32_768,
		MaxOutputTokens:     4_096,
		SupportsToolCalling: true,
		SupportsVision:      true,
		SupportsStreaming:   true,
	}
}

// Name implements llm.Provider.
func (p *Provider) Name() string { return "ollama" }

// ─── Helpers ─────────────────────────────────────────────────────────────────

// buildBody marshals a CompletionRequest into the Ollama chat payload.
// Images ride on the last user message, per the Ollama multimodal convention.
func (p *Provider) buildBody(req llm.CompletionRequest, stream bool) ([]byte, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}

	messages := make([]wireMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		wm := wireMessage{Role: m.Role, Content: m.Content}
		for _, tc := range m.ToolCalls {
			wm.ToolCalls = append(wm.ToolCalls, wireToolCall{
				Function: wireFunction{
					Name:      tc.Name,
					Arguments: argumentsToRaw(tc.Arguments),
				},
			})
		}
		messages = append(messages, wm)
	}
	if len(req.Images) > 0 {
		for i := len(messages) - 1; i >= 0; i-- {
			if messages[i].Role == types.RoleUser {
				messages[i].Images = req.Images
				break
			}
		}
	}

	payload := chatRequest{
		Model:    model,
		Messages: messages,
		Stream:   stream,
	}
	if req.Temperature != 0 || req.MaxTokens > 0 {
		payload.Options = map[string]any{}
		if req.Temperature != 0 {
			payload.Options["temperature"] = req.Temperature
		}
		if req.MaxTokens > 0 {
			payload.Options["num_predict"] = req.MaxTokens
		}
	}
	for _, td := range req.Tools {
		payload.Tools = append(payload.Tools, wireTool{
			Type: "function",
			Function: wireToolFunction{
				Name:        td.Name,
				Description: td.Description,
				Parameters:  td.Parameters,
			},
		})
	}

	return json.Marshal(payload)
}

// convertToolCalls maps Ollama tool calls (object arguments) to the shared
// representation (string arguments). Ollama assigns no call ids, so each call
// gets a fresh one here; tool results correlate against these ids, and two
// calls in one reply must stay distinguishable.
func convertToolCalls(calls []wireToolCall) []types.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]types.ToolCall, 0, len(calls))
	for _, tc := range calls {
		args := "{}"
		if len(tc.Function.Arguments) > 0 {
			args = string(tc.Function.Arguments)
		}
		out = append(out, types.ToolCall{
			ID:        "ollama-" + uuid.NewString(),
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}
	return out
}

// argumentsToRaw re-encodes a tool-call arguments string for the wire. Ollama
// expects an object, so an unparseable string becomes {}.
func argumentsToRaw(args string) json.RawMessage {
	if json.Valid([]byte(args)) && args != "" {
		return json.RawMessage(args)
	}
	return json.RawMessage("{}")
}

// send delivers a chunk unless ctx is cancelled. Reports false when the
// consumer is gone.
func (p *Provider) send(ctx context.Context, ch chan<- llm.Chunk, c llm.Chunk) bool {
	select {
	case ch <- c:
		return true
	case <-ctx.Done():
		return false
	}
}
