package openai

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/averlon/parley/pkg/provider/llm"
	"github.com/averlon/parley/pkg/types"
)

func TestNewValidatesArguments(t *testing.T) {
	t.Parallel()

	if _, err := New("", "gpt-4o"); err == nil {
		t.Error("empty API key: want error")
	}
	if _, err := New("sk-test", ""); err == nil {
		t.Error("empty model: want error")
	}
}

func TestNewAcceptsOptions(t *testing.T) {
	t.Parallel()

	p, err := New("sk-test", "gpt-4o",
		WithBaseURL("https://custom.example.com"),
		WithOrganization("org-123"),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.Name() != "openai" {
		t.Errorf("Name() = %q, want openai", p.Name())
	}
}

func TestStreamCompletionTrailingUsageFrame(t *testing.T) {
	t.Parallel()

	// With stream_options.include_usage the API sends the usage frame after
	// the finish-reason frame, with an empty choices array.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, frame := range []string{
			`{"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":"hello"}}]}`,
			`{"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
			`{"id":"c1","object":"chat.completion.chunk","choices":[],"usage":{"prompt_tokens":12,"completion_tokens":5,"total_tokens":17}}`,
		} {
			fmt.Fprintf(w, "data: %s\n\n", frame)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	p, err := New("sk-test", "gpt-4o", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ch, err := p.StreamCompletion(context.Background(), llm.CompletionRequest{
		Messages: []types.Message{{Role: types.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}

	var chunks []llm.Chunk
	for chunk := range ch {
		if chunk.Err != nil {
			t.Fatalf("stream error: %v", chunk.Err)
		}
		chunks = append(chunks, chunk)
	}
	if len(chunks) == 0 {
		t.Fatal("no chunks received")
	}
	last := chunks[len(chunks)-1]
	if !last.Done {
		t.Fatal("last chunk not marked done")
	}
	if last.Usage == nil {
		t.Fatal("final chunk carries no usage despite the trailing usage frame")
	}
	if last.Usage.PromptTokens != 12 || last.Usage.CompletionTokens != 5 || last.Usage.TotalTokens != 17 {
		t.Errorf("usage = %+v, want 12/5/17", *last.Usage)
	}
}

func TestMessageParamRoles(t *testing.T) {
	t.Parallel()

	sys, err := messageParam(types.Message{Role: types.RoleSystem, Content: "Be brief."})
	if err != nil || sys.OfSystem == nil {
		t.Errorf("system message: err %v, OfSystem %v", err, sys.OfSystem)
	}
	usr, err := messageParam(types.Message{Role: types.RoleUser, Content: "Hello."})
	if err != nil || usr.OfUser == nil {
		t.Errorf("user message: err %v, OfUser %v", err, usr.OfUser)
	}
	asst, err := messageParam(types.Message{Role: types.RoleAssistant, Content: "Hi."})
	if err != nil || asst.OfAssistant == nil {
		t.Errorf("assistant message: err %v, OfAssistant %v", err, asst.OfAssistant)
	}
}

func TestMessageParamToolCalls(t *testing.T) {
	t.Parallel()

	got, err := messageParam(types.Message{
		Role: types.RoleAssistant,
		ToolCalls: []types.ToolCall{
			{ID: "call_1", Name: "fetch.http_get", Arguments: `{"url":"https://example.com"}`},
		},
	})
	if err != nil {
		t.Fatalf("messageParam: %v", err)
	}
	if got.OfAssistant == nil {
		t.Fatal("want OfAssistant set")
	}
	if len(got.OfAssistant.ToolCalls) != 1 {
		t.Fatalf("ToolCalls = %d, want 1", len(got.OfAssistant.ToolCalls))
	}
	tc := got.OfAssistant.ToolCalls[0]
	if tc.ID != "call_1" {
		t.Errorf("ID = %q, want call_1", tc.ID)
	}
	if tc.Function.Name != "fetch.http_get" || tc.Function.Arguments != `{"url":"https://example.com"}` {
		t.Errorf("function = %q(%s)", tc.Function.Name, tc.Function.Arguments)
	}
}

func TestMessageParamToolResult(t *testing.T) {
	t.Parallel()

	got, err := messageParam(types.Message{Role: types.RoleTool, Content: "200 OK", ToolCallID: "call_1"})
	if err != nil {
		t.Fatalf("messageParam: %v", err)
	}
	if got.OfTool == nil {
		t.Fatal("want OfTool set")
	}
	if got.OfTool.ToolCallID != "call_1" {
		t.Errorf("ToolCallID = %q, want call_1", got.OfTool.ToolCallID)
	}
}

func TestMessageParamUnknownRole(t *testing.T) {
	t.Parallel()

	if _, err := messageParam(types.Message{Role: "narrator", Content: "meanwhile"}); err == nil {
		t.Fatal("unknown role: want error")
	}
}

func TestCapabilitiesFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		model  string
		window int
		tools  bool
		vision bool
	}{
		{"gpt-4o-mini", 128_000, true, true},
		{"gpt-4o", 128_000, true, true},
		{"gpt-4", 8_192, true, false},
		{"gpt-3.5-turbo", 16_385, true, false},
		{"o1-mini", 128_000, false, false},
		{"o3", 200_000, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			caps := capabilitiesFor(tt.model)
			if caps.ContextWindow != tt.window {
				t.Errorf("ContextWindow = %d, want %d", caps.ContextWindow, tt.window)
			}
			if caps.SupportsToolCalling != tt.tools {
				t.Errorf("SupportsToolCalling = %v, want %v", caps.SupportsToolCalling, tt.tools)
			}
			if caps.SupportsVision != tt.vision {
				t.Errorf("SupportsVision = %v, want %v", caps.SupportsVision, tt.vision)
			}
			if !caps.SupportsStreaming {
				t.Error("SupportsStreaming = false, want true")
			}
			if caps.MaxOutputTokens <= 0 {
				t.Errorf("MaxOutputTokens = %d, want positive", caps.MaxOutputTokens)
			}
		})
	}
}

func TestCapabilitiesForUnknownModel(t *testing.T) {
	t.Parallel()

	caps := capabilitiesFor("my-custom-model")
	if caps.ContextWindow <= 0 || caps.MaxOutputTokens <= 0 {
		t.Errorf("unknown model: window %d, max out %d, want positive", caps.ContextWindow, caps.MaxOutputTokens)
	}
}

// Tokenizer encodings are fetched over the network on first use, so this
// skips rather than fails when offline.
func TestCountTokens(t *testing.T) {
	p := &Provider{model: "gpt-4o"}
	count, err := p.CountTokens([]types.Message{{Role: types.RoleUser, Content: "Hello world"}})
	if err != nil {
		t.Skipf("tokenizer unavailable: %v", err)
	}
	if count <= 0 {
		t.Errorf("CountTokens = %d, want positive", count)
	}
}
