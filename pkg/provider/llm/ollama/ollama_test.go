package ollama

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/averlon/parley/pkg/provider/llm"
	"github.com/averlon/parley/pkg/types"
)

func newTestProvider(t *testing.T, handler http.HandlerFunc) *Provider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	p, err := New("test-model", WithBaseURL(srv.URL), WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func collect(t *testing.T, ch <-chan llm.Chunk) []llm.Chunk {
	t.Helper()
	var out []llm.Chunk
	deadline := time.After(5 * time.Second)
	for {
		select {
		case c, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, c)
		case <-deadline:
			t.Fatal("timed out waiting for stream chunks")
		}
	}
}

func TestNew(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Error("expected error for empty model")
	}
	p, err := New("llama3")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.baseURL != defaultBaseURL {
		t.Errorf("baseURL = %q, want %q", p.baseURL, defaultBaseURL)
	}
}

func TestStreamCompletion(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %q, want /api/chat", r.URL.Path)
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if !req.Stream {
			t.Error("expected stream=true")
		}
		if req.Model != "test-model" {
			t.Errorf("model = %q, want test-model", req.Model)
		}
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"Hello"},"done":false}`)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":", world"},"done":false}`)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":""},"done":true,"prompt_eval_count":12,"eval_count":5}`)
	})

	ch, err := p.StreamCompletion(context.Background(), llm.CompletionRequest{
		Messages: []types.Message{{Role: types.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}

	chunks := collect(t, ch)
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}
	if chunks[0].Text != "Hello" || chunks[1].Text != ", world" {
		t.Errorf("unexpected text chunks: %q, %q", chunks[0].Text, chunks[1].Text)
	}
	last := chunks[2]
	if !last.Done {
		t.Error("final chunk should have Done set")
	}
	if last.Usage == nil || last.Usage.PromptTokens != 12 || last.Usage.CompletionTokens != 5 {
		t.Errorf("unexpected usage: %+v", last.Usage)
	}
}

func TestStreamCompletionToolCalls(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"","tool_calls":[{"function":{"name":"filesystem.read_file","arguments":{"path":"/tmp/a"}}}]},"done":false}`)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":""},"done":true}`)
	})

	ch, err := p.StreamCompletion(context.Background(), llm.CompletionRequest{
		Messages: []types.Message{{Role: types.RoleUser, Content: "read it"}},
	})
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}

	chunks := collect(t, ch)
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	calls := chunks[0].ToolCalls
	if len(calls) != 1 {
		t.Fatalf("got %d tool calls, want 1", len(calls))
	}
	if calls[0].Name != "filesystem.read_file" {
		t.Errorf("tool call name = %q", calls[0].Name)
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(calls[0].Arguments), &args); err != nil {
		t.Fatalf("arguments not valid JSON: %v", err)
	}
	if args["path"] != "/tmp/a" {
		t.Errorf("arguments = %v", args)
	}
}

func TestStreamCompletionToolCallIDsUnique(t *testing.T) {
	// Ollama's wire format carries no call ids; the provider must mint one
	// per call so results stay correlatable when a reply holds several.
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"","tool_calls":[{"function":{"name":"filesystem.read_file","arguments":{"path":"/tmp/a"}}},{"function":{"name":"filesystem.read_file","arguments":{"path":"/tmp/b"}}}]},"done":false}`)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":""},"done":true}`)
	})

	ch, err := p.StreamCompletion(context.Background(), llm.CompletionRequest{
		Messages: []types.Message{{Role: types.RoleUser, Content: "read both"}},
	})
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}

	chunks := collect(t, ch)
	calls := chunks[0].ToolCalls
	if len(calls) != 2 {
		t.Fatalf("got %d tool calls, want 2", len(calls))
	}
	if calls[0].ID == "" || calls[1].ID == "" {
		t.Errorf("tool call ids must be non-empty: %q, %q", calls[0].ID, calls[1].ID)
	}
	if calls[0].ID == calls[1].ID {
		t.Errorf("tool call ids must be distinct, both %q", calls[0].ID)
	}
}

func TestStreamCompletionMalformedFrame(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"message":{"content":"ok"},"done":false}`)
		fmt.Fprintln(w, `{not json`)
	})

	ch, err := p.StreamCompletion(context.Background(), llm.CompletionRequest{
		Messages: []types.Message{{Role: types.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}

	chunks := collect(t, ch)
	last := chunks[len(chunks)-1]
	if last.Err == nil {
		t.Error("expected a chunk carrying the decode error")
	}
}

func TestStreamCompletionHTTPError(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	})

	if _, err := p.StreamCompletion(context.Background(), llm.CompletionRequest{
		Messages: []types.Message{{Role: types.RoleUser, Content: "hi"}},
	}); err == nil {
		t.Error("expected error for non-200 response")
	}
}

func TestComplete(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Stream {
			t.Error("expected stream=false")
		}
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"four"},"done":true,"prompt_eval_count":8,"eval_count":2}`)
	})

	resp, err := p.Complete(context.Background(), llm.CompletionRequest{
		Messages: []types.Message{{Role: types.RoleUser, Content: "2+2?"}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "four" {
		t.Errorf("content = %q, want four", resp.Content)
	}
	if resp.Usage.TotalTokens != 10 {
		t.Errorf("total tokens = %d, want 10", resp.Usage.TotalTokens)
	}
}

func TestImagesAttachToLastUserMessage(t *testing.T) {
	var got chatRequest
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		fmt.Fprintln(w, `{"message":{"content":"a cat"},"done":true}`)
	})

	_, err := p.Complete(context.Background(), llm.CompletionRequest{
		Messages: []types.Message{
			{Role: types.RoleUser, Content: "earlier"},
			{Role: types.RoleAssistant, Content: "sure"},
			{Role: types.RoleUser, Content: "what is in this image?"},
		},
		Images: []string{"aGVsbG8="},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	if len(got.Messages) != 3 {
		t.Fatalf("got %d messages, want 3", len(got.Messages))
	}
	if len(got.Messages[0].Images) != 0 {
		t.Error("images attached to earlier user message")
	}
	if len(got.Messages[2].Images) != 1 || got.Messages[2].Images[0] != "aGVsbG8=" {
		t.Errorf("last user message images = %v", got.Messages[2].Images)
	}
}

func TestRequestOptions(t *testing.T) {
	var got chatRequest
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		fmt.Fprintln(w, `{"message":{"content":"ok"},"done":true}`)
	})

	_, err := p.Complete(context.Background(), llm.CompletionRequest{
		Messages:    []types.Message{{Role: types.RoleUser, Content: "hi"}},
		Temperature: 0.3,
		MaxTokens:   256,
		Model:       "override-model",
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got.Model != "override-model" {
		t.Errorf("model = %q, want override-model", got.Model)
	}
	if got.Options["temperature"] != 0.3 {
		t.Errorf("temperature = %v", got.Options["temperature"])
	}
	if got.Options["num_predict"] != float64(256) {
		t.Errorf("num_predict = %v", got.Options["num_predict"])
	}
}

func TestHealthCheck(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/api/tags" {
				t.Errorf("path = %q, want /api/tags", r.URL.Path)
			}
			fmt.Fprintln(w, `{"models":[]}`)
		})
		if !p.HealthCheck(context.Background()) {
			t.Error("expected healthy")
		}
	})

	t.Run("unreachable", func(t *testing.T) {
		p, err := New("m", WithBaseURL("http://127.0.0.1:1"))
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		if p.HealthCheck(context.Background()) {
			t.Error("expected unhealthy")
		}
	})
}

func TestCountTokens(t *testing.T) {
	p, err := New("m")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	n, err := p.CountTokens([]types.Message{{Role: types.RoleUser, Content: "abcdefgh"}})
	if err != nil {
		t.Fatalf("CountTokens: %v", err)
	}
	if n != 6 { // ceil(8/4) + 4 overhead
		t.Errorf("tokens = %d, want 6", n)
	}
}
