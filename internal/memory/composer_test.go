package memory_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/averlon/parley/internal/memory"
	embedmock "github.com/averlon/parley/pkg/provider/embeddings/mock"
	"github.com/averlon/parley/pkg/store"
	storemock "github.com/averlon/parley/pkg/store/mock"
	"github.com/averlon/parley/pkg/types"
)

const testDims = 4

// seedConversation creates a conversation with n alternating user/assistant
// messages and returns its ID.
func seedConversation(t *testing.T, st *storemock.Store, n int) string {
	t.Helper()
	ctx := context.Background()
	conv, err := st.CreateConversation(ctx, "user-1", "test")
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	for i := 0; i < n; i++ {
		role := types.RoleUser
		if i%2 == 1 {
			role = types.RoleAssistant
		}
		_, err := st.AddMessage(ctx, store.Message{
			ConversationID: conv.ID,
			Role:           role,
			Content:        fmt.Sprintf("message %d", i),
		})
		if err != nil {
			t.Fatalf("AddMessage: %v", err)
		}
	}
	return conv.ID
}

// ───────────────────────── system prompt assembly ─────────────────────────

func TestComposeSystemPromptSections(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storemock.NewStore(testDims)
	convID := seedConversation(t, st, 2)

	if err := st.UpdateSummary(ctx, convID, "Alice is porting the billing service to Go.", 10); err != nil {
		t.Fatalf("UpdateSummary: %v", err)
	}
	if _, err := st.AddUserMemory(ctx, "user-1", "Prefers terse answers."); err != nil {
		t.Fatalf("AddUserMemory: %v", err)
	}
	st.SearchSimilarResult = []store.SimilarMessage{
		{
			Message: store.Message{
				Role:      types.RoleUser,
				Content:   "the invoice table lives in schema billing_v2",
				Seq:       1,
				CreatedAt: time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC),
			},
			Distance: 0.1,
		},
	}

	embed := &embedmock.Provider{
		EmbedResult:     []float32{0.1, 0.2, 0.3, 0.4},
		DimensionsValue: testDims,
	}
	c := memory.NewComposer(st, embed, memory.WithPersona("You are a test harness."))

	msgs, err := c.Compose(ctx, convID, "user-1", "where does the invoice table live?")
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3 (system + 2 hot)", len(msgs))
	}
	sys := msgs[0]
	if sys.Role != types.RoleSystem {
		t.Fatalf("first message role = %q, want system", sys.Role)
	}
	for _, want := range []string{
		"You are a test harness.",
		"## What you know about this user",
		"Prefers terse answers.",
		"## Conversation so far",
		"Alice is porting the billing service to Go.",
		"## Relevant earlier messages",
		"[2026-03-01 09:30] user: the invoice table lives in schema billing_v2",
	} {
		if !strings.Contains(sys.Content, want) {
			t.Errorf("system prompt missing %q\n%s", want, sys.Content)
		}
	}
}

func TestComposeEmptySectionsOmitted(t *testing.T) {
	t.Parallel()
	st := storemock.NewStore(testDims)
	convID := seedConversation(t, st, 1)

	c := memory.NewComposer(st, nil)
	msgs, err := c.Compose(context.Background(), convID, "user-1", "hi")
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	sys := msgs[0].Content
	for _, header := range []string{"## What you know", "## Conversation so far", "## Relevant earlier messages"} {
		if strings.Contains(sys, header) {
			t.Errorf("empty section %q rendered:\n%s", header, sys)
		}
	}
}

// ───────────────────────────── hot window ─────────────────────────────

func TestComposeHotWindow(t *testing.T) {
	t.Parallel()
	st := storemock.NewStore(testDims)
	convID := seedConversation(t, st, 5)

	c := memory.NewComposer(st, nil, memory.WithHotWindow(3))
	msgs, err := c.Compose(context.Background(), convID, "user-1", "next")
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	if len(msgs) != 4 {
		t.Fatalf("got %d messages, want 4 (system + 3 hot)", len(msgs))
	}
	// Window keeps the newest messages in chronological order.
	for i, want := range []string{"message 2", "message 3", "message 4"} {
		if msgs[i+1].Content != want {
			t.Errorf("hot[%d] = %q, want %q", i, msgs[i+1].Content, want)
		}
	}
}

func TestComposeExcludesHotWindowFromRecall(t *testing.T) {
	t.Parallel()
	st := storemock.NewStore(testDims)
	convID := seedConversation(t, st, 5)

	embed := &embedmock.Provider{
		EmbedResult:     []float32{1, 0, 0, 0},
		DimensionsValue: testDims,
	}
	c := memory.NewComposer(st, embed, memory.WithHotWindow(2))
	if _, err := c.Compose(context.Background(), convID, "user-1", "query"); err != nil {
		t.Fatalf("Compose: %v", err)
	}

	var beforeSeq int64 = -1
	for _, call := range st.Calls() {
		if call.Method == "SearchSimilar" {
			beforeSeq = call.Args[3].(int64)
		}
	}
	// Hot window covers seq 4 and 5, so recall must stop at seq 3.
	if beforeSeq != 3 {
		t.Errorf("SearchSimilar beforeSeq = %d, want 3", beforeSeq)
	}
}

func TestComposeSkipsRecallWhenHotWindowCoversConversation(t *testing.T) {
	t.Parallel()
	st := storemock.NewStore(testDims)
	convID := seedConversation(t, st, 1)

	// If recall ran anyway, this hot message would come back and be rendered
	// a second time under the recall header.
	st.SearchSimilarResult = []store.SimilarMessage{
		{Message: store.Message{Role: types.RoleUser, Content: "message 0", Seq: 1}, Distance: 0},
	}

	embed := &embedmock.Provider{
		EmbedResult:     []float32{1, 0, 0, 0},
		DimensionsValue: testDims,
	}
	c := memory.NewComposer(st, embed)

	msgs, err := c.Compose(context.Background(), convID, "user-1", "query")
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	if n := st.CallCount("SearchSimilar"); n != 0 {
		t.Errorf("SearchSimilar called %d times, want 0 when the hot window starts at seq 1", n)
	}
	if strings.Contains(msgs[0].Content, "## Relevant earlier messages") {
		t.Errorf("hot message duplicated into the recall section:\n%s", msgs[0].Content)
	}
}

// ───────────────────────── degradation policy ─────────────────────────

func TestComposeEmbedFailureSkipsRecall(t *testing.T) {
	t.Parallel()
	st := storemock.NewStore(testDims)
	convID := seedConversation(t, st, 2)

	embed := &embedmock.Provider{EmbedErr: errors.New("model offline")}
	c := memory.NewComposer(st, embed)

	msgs, err := c.Compose(context.Background(), convID, "user-1", "hello")
	if err != nil {
		t.Fatalf("Compose should survive an embedding failure, got %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	if n := st.CallCount("SearchSimilar"); n != 0 {
		t.Errorf("SearchSimilar called %d times, want 0", n)
	}
}

func TestComposeSearchFailureSkipsRecall(t *testing.T) {
	t.Parallel()
	st := storemock.NewStore(testDims)
	convID := seedConversation(t, st, 2)
	st.SearchSimilarErr = errors.New("index rebuilding")

	embed := &embedmock.Provider{
		EmbedResult:     []float32{1, 0, 0, 0},
		DimensionsValue: testDims,
	}
	c := memory.NewComposer(st, embed)

	msgs, err := c.Compose(context.Background(), convID, "user-1", "hello")
	if err != nil {
		t.Fatalf("Compose should survive a search failure, got %v", err)
	}
	if strings.Contains(msgs[0].Content, "## Relevant earlier messages") {
		t.Error("recall section rendered despite search failure")
	}
}

func TestComposeStoreFailureFailsTurn(t *testing.T) {
	t.Parallel()
	st := storemock.NewStore(testDims)
	convID := seedConversation(t, st, 2)
	st.RecentMessagesErr = errors.New("connection refused")

	c := memory.NewComposer(st, nil)
	if _, err := c.Compose(context.Background(), convID, "user-1", "hello"); err == nil {
		t.Fatal("Compose succeeded despite hot-window read failure")
	}
}

// ───────────────────────────── caching ─────────────────────────────

func TestComposeCacheShortcutsReads(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storemock.NewStore(testDims)
	convID := seedConversation(t, st, 2)
	if _, err := st.AddUserMemory(ctx, "user-1", "likes Go"); err != nil {
		t.Fatalf("AddUserMemory: %v", err)
	}

	cache := memory.NewCache(16, time.Minute)
	c := memory.NewComposer(st, nil, memory.WithComposerCache(cache))

	for i := 0; i < 3; i++ {
		if _, err := c.Compose(ctx, convID, "user-1", "hello"); err != nil {
			t.Fatalf("Compose #%d: %v", i, err)
		}
	}
	if n := st.CallCount("GetConversation"); n != 1 {
		t.Errorf("GetConversation called %d times, want 1", n)
	}
	if n := st.CallCount("ListUserMemories"); n != 1 {
		t.Errorf("ListUserMemories called %d times, want 1", n)
	}
	// The hot window must never be served from cache.
	if n := st.CallCount("RecentMessages"); n != 3 {
		t.Errorf("RecentMessages called %d times, want 3", n)
	}
}

func TestCacheInvalidation(t *testing.T) {
	t.Parallel()
	cache := memory.NewCache(16, time.Minute)
	cache.PutConversation(&store.Conversation{ID: "c1", Summary: "old"})
	if _, ok := cache.Conversation("c1"); !ok {
		t.Fatal("conversation not cached")
	}
	cache.InvalidateConversation("c1")
	if _, ok := cache.Conversation("c1"); ok {
		t.Error("conversation still cached after invalidation")
	}

	cache.PutUserMemories("u1", []store.UserMemory{{ID: "m1"}})
	cache.InvalidateUserMemories("u1")
	if _, ok := cache.UserMemories("u1"); ok {
		t.Error("memories still cached after invalidation")
	}
}

func TestCacheTTLExpiry(t *testing.T) {
	t.Parallel()
	cache := memory.NewCache(16, 10*time.Millisecond)
	cache.PutConversation(&store.Conversation{ID: "c1"})
	time.Sleep(50 * time.Millisecond)
	if _, ok := cache.Conversation("c1"); ok {
		t.Error("conversation survived past its TTL")
	}
}
