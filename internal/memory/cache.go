package memory

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/averlon/parley/pkg/store"
)

const (
	// defaultCacheSize bounds each cache segment.
	defaultCacheSize = 512

	// defaultCacheTTL is how long cached rows stay valid. The cache only
	// shortcuts reads between writes, so a short TTL keeps staleness windows
	// small even when an invalidation is missed.
	defaultCacheTTL = 30 * time.Second
)

// Cache holds recently read conversation metadata and user memories so that
// consecutive turns in the same conversation skip two store round-trips.
// Message rows are never cached: the hot window must observe the previous
// turn's writes.
//
// All methods are safe for concurrent use. The zero value is not usable;
// construct with [NewCache].
type Cache struct {
	conversations *expirable.LRU[string, *store.Conversation]
	memories      *expirable.LRU[string, []store.UserMemory]
}

// NewCache creates a Cache with the given per-segment capacity and TTL.
// Non-positive arguments fall back to the defaults (512 entries, 30s).
func NewCache(size int, ttl time.Duration) *Cache {
	if size <= 0 {
		size = defaultCacheSize
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &Cache{
		conversations: expirable.NewLRU[string, *store.Conversation](size, nil, ttl),
		memories:      expirable.NewLRU[string, []store.UserMemory](size, nil, ttl),
	}
}

// Conversation returns the cached conversation, if present.
func (c *Cache) Conversation(id string) (*store.Conversation, bool) {
	return c.conversations.Get(id)
}

// PutConversation stores a conversation row.
func (c *Cache) PutConversation(conv *store.Conversation) {
	if conv != nil {
		c.conversations.Add(conv.ID, conv)
	}
}

// InvalidateConversation drops a conversation row. Call after any write that
// touches its summary, title or counters.
func (c *Cache) InvalidateConversation(id string) {
	c.conversations.Remove(id)
}

// UserMemories returns the cached memory list for a user, if present.
func (c *Cache) UserMemories(userID string) ([]store.UserMemory, bool) {
	return c.memories.Get(userID)
}

// PutUserMemories stores a user's memory list.
func (c *Cache) PutUserMemories(userID string, memories []store.UserMemory) {
	c.memories.Add(userID, memories)
}

// InvalidateUserMemories drops a user's memory list. Call after a memory tool
// saves or forgets a fact.
func (c *Cache) InvalidateUserMemories(userID string) {
	c.memories.Remove(userID)
}
