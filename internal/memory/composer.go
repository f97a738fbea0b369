// Package memory assembles the three-tier conversation context for every
// chat turn.
//
// The three tiers are:
//
//   - hot — the most recent messages of the conversation, read fresh from
//     the store each turn.
//   - warm — a single running summary attached to the conversation,
//     maintained in the background by the [Summarizer].
//   - cold — semantically similar messages from before the hot window,
//     recalled via embedding similarity search. Embeddings are written in
//     the background by the [Embedder].
//
// [Composer.Compose] is the only place the tiers are joined; downstream
// components see a single ordered message list.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/averlon/parley/pkg/provider/embeddings"
	"github.com/averlon/parley/pkg/store"
	"github.com/averlon/parley/pkg/types"
)

const (
	// defaultHotWindow is how many recent messages form the hot tier.
	defaultHotWindow = 50

	// defaultRecallTopK is how many cold-tier messages are recalled per turn.
	defaultRecallTopK = 5

	// defaultPersona opens the system prompt when no persona is configured.
	defaultPersona = "You are Parley, a helpful assistant with access to tools and a persistent memory of this conversation. Answer directly and concisely."
)

// ComposerOption is a functional option for configuring a [Composer].
type ComposerOption func(*Composer)

// WithPersona sets the persona text that opens every system prompt.
func WithPersona(persona string) ComposerOption {
	return func(c *Composer) {
		if persona != "" {
			c.persona = persona
		}
	}
}

// WithHotWindow sets the hot-tier size. The default is 50 messages.
func WithHotWindow(n int) ComposerOption {
	return func(c *Composer) {
		if n > 0 {
			c.hotWindow = n
		}
	}
}

// WithRecallTopK sets how many cold-tier messages are recalled per turn.
// The default is 5.
func WithRecallTopK(n int) ComposerOption {
	return func(c *Composer) {
		if n > 0 {
			c.recallTopK = n
		}
	}
}

// WithComposerCache attaches a [Cache] that shortcuts conversation and
// user-memory reads between turns.
func WithComposerCache(cache *Cache) ComposerOption {
	return func(c *Composer) {
		c.cache = cache
	}
}

// Composer builds the message list for a turn from the store and the
// embedding provider.
//
// All methods are safe for concurrent use.
type Composer struct {
	store      store.Store
	embed      embeddings.Provider
	cache      *Cache
	hotWindow  int
	recallTopK int

	mu      sync.RWMutex
	persona string
}

// SetPersona swaps the persona text. Used by the config hot-reload path;
// in-flight turns keep the persona they started with.
func (c *Composer) SetPersona(persona string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if persona != "" {
		c.persona = persona
	}
}

func (c *Composer) currentPersona() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.persona
}

// NewComposer creates a Composer over the given store and embedding provider
// with the options applied on top of the defaults.
func NewComposer(s store.Store, embed embeddings.Provider, opts ...ComposerOption) *Composer {
	c := &Composer{
		store:      s,
		embed:      embed,
		persona:    defaultPersona,
		hotWindow:  defaultHotWindow,
		recallTopK: defaultRecallTopK,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Compose assembles the context for one turn: a system message carrying the
// persona, the user's memories, the warm summary and the recalled cold
// messages, followed by the hot window in chronological order. The current
// user message is not included; the caller appends it.
//
// The four reads run concurrently. Store failures fail the turn; embedding
// and similarity-search failures only disable cold recall for this turn.
func (c *Composer) Compose(ctx context.Context, conversationID, userID, userText string) ([]types.Message, error) {
	var (
		conv     *store.Conversation
		hot      []store.Message
		memories []store.UserMemory
		vector   []float32
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		conv, err = c.conversation(gctx, conversationID)
		return err
	})
	g.Go(func() error {
		var err error
		hot, err = c.store.RecentMessages(gctx, conversationID, c.hotWindow)
		if err != nil {
			return fmt.Errorf("memory: hot window: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		memories, err = c.userMemories(gctx, userID)
		return err
	})
	g.Go(func() error {
		if c.embed == nil || userText == "" {
			return nil
		}
		vec, err := c.embed.Embed(gctx, userText)
		if err != nil {
			slog.Warn("embedding query failed, skipping cold recall",
				"conversation_id", conversationID,
				"error", err)
			return nil
		}
		vector = vec
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	recalled := c.recall(ctx, conversationID, vector, hot)

	messages := make([]types.Message, 0, len(hot)+1)
	messages = append(messages, types.Message{
		Role:    types.RoleSystem,
		Content: formatSystemPrompt(c.currentPersona(), conv, memories, recalled),
	})
	for _, m := range hot {
		messages = append(messages, types.Message{
			Role:       m.Role,
			Content:    m.Content,
			ToolCalls:  m.ToolCalls,
			ToolCallID: m.ToolCallID,
		})
	}
	return messages, nil
}

// conversation reads the conversation row through the cache.
func (c *Composer) conversation(ctx context.Context, conversationID string) (*store.Conversation, error) {
	if c.cache != nil {
		if conv, ok := c.cache.Conversation(conversationID); ok {
			return conv, nil
		}
	}
	conv, err := c.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("memory: conversation: %w", err)
	}
	if c.cache != nil && conv != nil {
		c.cache.PutConversation(conv)
	}
	return conv, nil
}

// userMemories reads the user's memories through the cache.
func (c *Composer) userMemories(ctx context.Context, userID string) ([]store.UserMemory, error) {
	if userID == "" {
		return nil, nil
	}
	if c.cache != nil {
		if memories, ok := c.cache.UserMemories(userID); ok {
			return memories, nil
		}
	}
	memories, err := c.store.ListUserMemories(ctx, userID, 0)
	if err != nil {
		return nil, fmt.Errorf("memory: user memories: %w", err)
	}
	if c.cache != nil {
		c.cache.PutUserMemories(userID, memories)
	}
	return memories, nil
}

// recall runs the cold-tier similarity search, excluding everything already
// visible in the hot window. Failures are logged and swallowed.
func (c *Composer) recall(ctx context.Context, conversationID string, vector []float32, hot []store.Message) []store.SimilarMessage {
	if len(vector) == 0 {
		return nil
	}
	var beforeSeq int64
	if len(hot) > 0 {
		if hot[0].Seq <= 1 {
			// The hot window reaches back to the first message, so there is
			// nothing older to recall. beforeSeq 0 would disable the
			// exclusion and re-surface hot messages as "earlier" ones.
			return nil
		}
		beforeSeq = hot[0].Seq - 1
	}
	recalled, err := c.store.SearchSimilar(ctx, conversationID, vector, c.recallTopK, beforeSeq)
	if err != nil {
		slog.Warn("cold recall failed, continuing without it",
			"conversation_id", conversationID,
			"error", err)
		return nil
	}
	return recalled
}
