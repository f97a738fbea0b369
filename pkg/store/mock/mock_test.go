package mock

import (
	"context"
	"fmt"
	"testing"

	"github.com/averlon/parley/pkg/store"
	"github.com/averlon/parley/pkg/types"
)

func TestAddMessageSeqPerConversation(t *testing.T) {
	t.Parallel()
	st := NewStore(4)
	ctx := context.Background()

	a, _ := st.CreateConversation(ctx, "user-1", "")
	b, _ := st.CreateConversation(ctx, "user-2", "")

	// Alternate writes so a shared counter would leave gaps in both.
	for i := range 3 {
		for _, conv := range []string{a.ID, b.ID} {
			if _, err := st.AddMessage(ctx, store.Message{
				ConversationID: conv,
				Role:           types.RoleUser,
				Content:        fmt.Sprintf("message %d", i),
			}); err != nil {
				t.Fatalf("AddMessage: %v", err)
			}
		}
	}

	for _, conv := range []string{a.ID, b.ID} {
		msgs, err := st.RecentMessages(ctx, conv, 10)
		if err != nil {
			t.Fatalf("RecentMessages: %v", err)
		}
		for i, msg := range msgs {
			if msg.Seq != int64(i)+1 {
				t.Errorf("conversation %s seq[%d] = %d, want %d", conv, i, msg.Seq, i+1)
			}
		}
	}
}

func TestRecentMessagesDefaultLimit(t *testing.T) {
	t.Parallel()
	st := NewStore(4)
	ctx := context.Background()

	conv, _ := st.CreateConversation(ctx, "user-1", "")
	for i := range defaultLimit + 5 {
		if _, err := st.AddMessage(ctx, store.Message{
			ConversationID: conv.ID,
			Role:           types.RoleUser,
			Content:        fmt.Sprintf("message %d", i),
		}); err != nil {
			t.Fatalf("AddMessage: %v", err)
		}
	}

	// limit <= 0 must apply the backend default, not return nothing.
	msgs, err := st.RecentMessages(ctx, conv.ID, 0)
	if err != nil {
		t.Fatalf("RecentMessages: %v", err)
	}
	if len(msgs) != defaultLimit {
		t.Fatalf("got %d messages, want the default window of %d", len(msgs), defaultLimit)
	}
	if msgs[len(msgs)-1].Content != fmt.Sprintf("message %d", defaultLimit+4) {
		t.Errorf("window does not end at the newest message: %q", msgs[len(msgs)-1].Content)
	}
}
