package memory_test

import (
	"context"
	"errors"
	"testing"

	"github.com/averlon/parley/internal/memory"
	embedmock "github.com/averlon/parley/pkg/provider/embeddings/mock"
	"github.com/averlon/parley/pkg/store"
	storemock "github.com/averlon/parley/pkg/store/mock"
	"github.com/averlon/parley/pkg/types"
)

func TestEmbedderBackfills(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storemock.NewStore(testDims)
	conv, err := st.CreateConversation(ctx, "user-1", "")
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	msg, err := st.AddMessage(ctx, store.Message{
		ConversationID: conv.ID,
		Role:           types.RoleUser,
		Content:        "the deploy failed on staging",
	})
	if err != nil {
		t.Fatalf("AddMessage: %v", err)
	}

	embed := &embedmock.Provider{
		EmbedResult:     []float32{0.5, 0.5, 0, 0},
		DimensionsValue: testDims,
	}
	e := memory.NewEmbedder(st, embed)
	e.Start()
	e.Enqueue(msg.ID, msg.Content)
	e.Close()

	got, err := st.RecentMessages(ctx, conv.ID, 0)
	if err != nil {
		t.Fatalf("RecentMessages: %v", err)
	}
	if len(got) != 1 || got[0].Embedding == nil {
		t.Fatal("embedding was not backfilled")
	}
	if len(embed.EmbedCalls) != 1 || embed.EmbedCalls[0].Text != msg.Content {
		t.Errorf("unexpected embed calls: %+v", embed.EmbedCalls)
	}
}

func TestEmbedderSkipsBlankContent(t *testing.T) {
	t.Parallel()
	st := storemock.NewStore(testDims)
	embed := &embedmock.Provider{DimensionsValue: testDims}

	e := memory.NewEmbedder(st, embed)
	e.Start()
	e.Enqueue("msg-1", "   ")
	e.Close()

	if len(embed.EmbedCalls) != 0 {
		t.Errorf("blank content embedded: %+v", embed.EmbedCalls)
	}
	if n := st.CallCount("UpdateMessageEmbedding"); n != 0 {
		t.Errorf("UpdateMessageEmbedding called %d times", n)
	}
}

func TestEmbedderSwallowsEmbedFailure(t *testing.T) {
	t.Parallel()
	st := storemock.NewStore(testDims)
	embed := &embedmock.Provider{EmbedErr: errors.New("model offline")}

	e := memory.NewEmbedder(st, embed)
	e.Start()
	e.Enqueue("msg-1", "some content")
	e.Close()

	if n := st.CallCount("UpdateMessageEmbedding"); n != 0 {
		t.Errorf("UpdateMessageEmbedding called %d times after embed failure", n)
	}
}

func TestEmbedderFullQueueDrops(t *testing.T) {
	t.Parallel()
	st := storemock.NewStore(testDims)
	embed := &embedmock.Provider{
		EmbedResult:     []float32{1, 0, 0, 0},
		DimensionsValue: testDims,
	}

	// Workers not started yet, so the first job fills the queue and the
	// second must be dropped rather than block.
	e := memory.NewEmbedder(st, embed, memory.WithEmbedQueueSize(1))
	e.Enqueue("msg-1", "first")
	e.Enqueue("msg-2", "second")
	e.Start()
	e.Close()

	if len(embed.EmbedCalls) != 1 {
		t.Fatalf("embedded %d jobs, want 1 (second dropped)", len(embed.EmbedCalls))
	}
	if embed.EmbedCalls[0].Text != "first" {
		t.Errorf("kept job = %q, want the first enqueued", embed.EmbedCalls[0].Text)
	}
}
