package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/averlon/parley/internal/health"
	mcpmock "github.com/averlon/parley/internal/mcp/mock"
	"github.com/averlon/parley/internal/mcp/registry"
	"github.com/averlon/parley/internal/memory"
	"github.com/averlon/parley/internal/orchestrator"
	"github.com/averlon/parley/pkg/provider/llm"
	llmmock "github.com/averlon/parley/pkg/provider/llm/mock"
	storemock "github.com/averlon/parley/pkg/store/mock"
	"github.com/averlon/parley/pkg/types"
)

// greetingProvider streams a fixed two-chunk answer on any request.
func greetingProvider() *llmmock.Provider {
	return &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "INTENT: GENERAL\nCOMPLEXITY: SIMPLE"},
		StreamChunks: []llm.Chunk{
			{Text: "Hello"},
			{Text: " there!"},
			{Done: true},
		},
	}
}

// newTestServer wires a server over in-memory doubles and returns it with
// its backing store.
func newTestServer(t *testing.T, p llm.Provider, opts ...Option) (*httptest.Server, *storemock.Store) {
	t.Helper()
	st := storemock.NewStore(4)
	reg := registry.New(&mcpmock.Host{})
	orch := orchestrator.New(st, p, reg, memory.NewComposer(st, nil))
	srv := httptest.NewServer(New(orch, st, opts...).Handler())
	t.Cleanup(srv.Close)
	return srv, st
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

// ───────────────────────────── one-shot chat ─────────────────────────────

func TestChatOneShot(t *testing.T) {
	t.Parallel()
	srv, st := newTestServer(t, greetingProvider())

	resp := postJSON(t, srv.URL+"/api/chat", chatRequest{
		UserID:   "user-1",
		Messages: []types.Message{{Role: types.RoleUser, Content: "Hi, how are you?"}},
	})

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	out := decodeBody[chatResponse](t, resp)
	if out.Content != "Hello there!" {
		t.Errorf("content = %q", out.Content)
	}
	if out.ConversationID == "" {
		t.Error("conversation_id missing")
	}

	msgs, err := st.RecentMessages(context.Background(), out.ConversationID, 0)
	if err != nil {
		t.Fatalf("RecentMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Errorf("persisted %d messages, want 2", len(msgs))
	}
}

func TestChatEmptyMessageRejected(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, greetingProvider())

	resp := postJSON(t, srv.URL+"/api/chat", chatRequest{
		UserID:   "user-1",
		Messages: []types.Message{{Role: types.RoleUser, Content: "   "}},
	})

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestChatUnknownConversation(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, greetingProvider())

	resp := postJSON(t, srv.URL+"/api/chat", chatRequest{
		ConversationID: "no-such-conversation",
		UserID:         "user-1",
		Messages:       []types.Message{{Role: types.RoleUser, Content: "hello"}},
	})

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestChatMalformedBody(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, greetingProvider())

	resp, err := http.Post(srv.URL+"/api/chat", "application/json", bytes.NewReader([]byte("{not json")))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

// ───────────────────────────── conversation CRUD ─────────────────────────────

func TestListConversations(t *testing.T) {
	t.Parallel()
	srv, st := newTestServer(t, greetingProvider())

	for i := 0; i < 3; i++ {
		if _, err := st.CreateConversation(context.Background(), "user-1", fmt.Sprintf("chat %d", i)); err != nil {
			t.Fatalf("CreateConversation: %v", err)
		}
	}
	if _, err := st.CreateConversation(context.Background(), "user-2", "other"); err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	resp, err := http.Get(srv.URL + "/api/conversations?user_id=user-1")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	out := decodeBody[[]conversationSummary](t, resp)
	if len(out) != 3 {
		t.Fatalf("got %d conversations, want 3", len(out))
	}
	for _, c := range out {
		if c.UserID != "user-1" {
			t.Errorf("leaked conversation of user %q", c.UserID)
		}
	}
}

func TestListConversationsRequiresUser(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, greetingProvider())

	resp, err := http.Get(srv.URL + "/api/conversations")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestGetConversationWithMessages(t *testing.T) {
	t.Parallel()
	srv, st := newTestServer(t, greetingProvider())

	// Run a turn so the conversation holds a user and an assistant message.
	resp := postJSON(t, srv.URL+"/api/chat", chatRequest{
		UserID:   "user-1",
		Messages: []types.Message{{Role: types.RoleUser, Content: "Hi, how are you?"}},
	})
	chat := decodeBody[chatResponse](t, resp)

	resp2, err := http.Get(srv.URL + "/api/conversations/" + chat.ConversationID)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp2.Body.Close()

	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp2.StatusCode)
	}
	detail := decodeBody[conversationDetail](t, resp2)
	if detail.ID != chat.ConversationID {
		t.Errorf("id = %q, want %q", detail.ID, chat.ConversationID)
	}
	if len(detail.Messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(detail.Messages))
	}
	if detail.Messages[0].Role != types.RoleUser || detail.Messages[1].Role != types.RoleAssistant {
		t.Errorf("roles = %q, %q", detail.Messages[0].Role, detail.Messages[1].Role)
	}
	if detail.Messages[1].Content != "Hello there!" {
		t.Errorf("assistant content = %q", detail.Messages[1].Content)
	}

	// A stale handle must not 500 after deletion.
	if err := st.DeleteConversation(context.Background(), chat.ConversationID); err != nil {
		t.Fatalf("DeleteConversation: %v", err)
	}
	resp3, err := http.Get(srv.URL + "/api/conversations/" + chat.ConversationID)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp3.Body.Close()
	if resp3.StatusCode != http.StatusNotFound {
		t.Errorf("status after delete = %d, want 404", resp3.StatusCode)
	}
}

func TestGetConversationNotFound(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, greetingProvider())

	resp, err := http.Get(srv.URL + "/api/conversations/missing")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestDeleteConversation(t *testing.T) {
	t.Parallel()
	srv, st := newTestServer(t, greetingProvider())

	conv, err := st.CreateConversation(context.Background(), "user-1", "doomed")
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/api/conversations/"+conv.ID, nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want 204", resp.StatusCode)
	}
	got, err := st.GetConversation(context.Background(), conv.ID)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if got != nil {
		t.Error("conversation still present after delete")
	}
}

// ───────────────────────────── operational endpoints ─────────────────────────────

func TestHealthEndpointsRegistered(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, greetingProvider(), WithHealth(health.New()))

	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, resp.StatusCode)
		}
	}
}

func TestHealthNotRegisteredByDefault(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, greetingProvider())

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}
