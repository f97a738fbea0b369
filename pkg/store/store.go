// Package store defines the persistence layer for conversations, messages,
// and user memories.
//
// The store backs two of the three memory tiers:
//
//   - Hot: the most recent messages of a conversation, retrieved by sequence
//     number via [Store.RecentMessages].
//   - Warm: a rolling conversation summary maintained by the summariser and
//     persisted via [Store.UpdateSummary].
//   - Cold: older messages retrieved by vector similarity via
//     [Store.SearchSimilar] once their embeddings are backfilled.
//
// The interface is public so that external packages can supply alternative
// backends (Postgres/pgvector, in-memory, …) without depending on internals.
//
// Every implementation must be safe for concurrent use.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/averlon/parley/pkg/types"
)

// ErrDimensionMismatch is returned when an embedding vector's length does not
// match the dimension the store was configured with. The write is rejected
// rather than silently truncated.
var ErrDimensionMismatch = errors.New("store: embedding dimension mismatch")

// Conversation is a persistent chat thread owned by a single user.
type Conversation struct {
	// ID is the unique identifier (a UUID string).
	ID string

	// UserID identifies the owning user.
	UserID string

	// Title is a short human-readable label, derived from the first user
	// message when not set explicitly.
	Title string

	// Summary is the warm-tier rolling summary of messages already
	// consolidated out of the hot window. Empty until the summariser runs.
	Summary string

	// SummarizedTo is the sequence number of the last message covered by
	// Summary. Zero means nothing has been summarised yet.
	SummarizedTo int64

	// CreatedAt is when the conversation was created.
	CreatedAt time.Time

	// UpdatedAt is when the conversation last received a message or a
	// summary update.
	UpdatedAt time.Time
}

// Message is a persisted chat message. Seq is assigned by the store on insert
// and is dense per conversation: 1, 2, 3 with no gaps, regardless of writes
// to other conversations.
type Message struct {
	// ID is the unique identifier (a UUID string).
	ID string

	// ConversationID is the owning conversation.
	ConversationID string

	// Seq is the store-assigned sequence number. Ordering by Seq yields the
	// conversation in chronological insert order.
	Seq int64

	// Role is one of the types.Role* constants.
	Role string

	// Content is the message text. Empty for assistant messages that carried
	// only tool calls.
	Content string

	// ToolCalls holds the tool invocations requested by an assistant message.
	ToolCalls []types.ToolCall

	// ToolCallID links a tool-role message to the assistant tool call it
	// answers.
	ToolCallID string

	// Metrics carries per-message generation accounting for assistant
	// messages (tokens, latency, model, provider).
	Metrics types.MessageMetrics

	// Embedding is the message's vector representation, populated
	// asynchronously after insert. Nil until backfilled.
	Embedding []float32

	// CreatedAt is when the message was stored.
	CreatedAt time.Time
}

// UserMemory is a durable fact about a user, injected into prompts across
// conversations.
type UserMemory struct {
	// ID is the unique identifier (a UUID string).
	ID string

	// UserID identifies the user this memory belongs to.
	UserID string

	// Content is the remembered fact, in natural language.
	Content string

	// CreatedAt is when the memory was recorded.
	CreatedAt time.Time
}

// SimilarMessage pairs a cold-tier search hit with its vector-space distance
// from the query embedding. Lower Distance means higher similarity.
type SimilarMessage struct {
	Message  Message
	Distance float64
}

// Store is the abstraction over the persistence backend.
//
// Lookup methods return (nil, nil) when the requested record does not exist;
// deletions of non-existent records are not errors.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// CreateConversation creates a new conversation for userID and returns it.
	// An empty title is allowed; it is typically derived later from the first
	// user message.
	CreateConversation(ctx context.Context, userID, title string) (*Conversation, error)

	// GetConversation retrieves a conversation by ID.
	// Returns (nil, nil) when it does not exist.
	GetConversation(ctx context.Context, id string) (*Conversation, error)

	// ListConversations returns the user's conversations ordered by UpdatedAt
	// descending (most recently active first). limit <= 0 applies a backend
	// default.
	ListConversations(ctx context.Context, userID string, limit int) ([]Conversation, error)

	// DeleteConversation removes the conversation and all its messages.
	DeleteConversation(ctx context.Context, id string) error

	// UpdateTitle replaces the conversation title.
	UpdateTitle(ctx context.Context, id, title string) error

	// UpdateSummary replaces the warm-tier summary and records the sequence
	// number of the last message it covers.
	UpdateSummary(ctx context.Context, id, summary string, summarizedTo int64) error

	// AddMessage persists msg, assigns its Seq, and returns the stored copy.
	// msg.ID may be empty, in which case the store assigns one.
	AddMessage(ctx context.Context, msg Message) (*Message, error)

	// RecentMessages returns the newest limit messages of the conversation in
	// chronological order (oldest of the window first). This is the hot tier.
	// limit <= 0 applies a backend default.
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]Message, error)

	// MessagesBetween returns messages with fromSeq < Seq <= toSeq in
	// chronological order. The summariser uses it to fetch the segment being
	// consolidated.
	MessagesBetween(ctx context.Context, conversationID string, fromSeq, toSeq int64) ([]Message, error)

	// CountMessages returns the number of messages in the conversation.
	CountMessages(ctx context.Context, conversationID string) (int, error)

	// UpdateMessageEmbedding backfills the embedding for a stored message.
	// Returns ErrDimensionMismatch when the vector length does not match the
	// configured dimension.
	UpdateMessageEmbedding(ctx context.Context, messageID string, embedding []float32) error

	// SearchSimilar finds the topK embedded messages of the conversation
	// closest (cosine distance) to the query embedding, excluding messages
	// with Seq > beforeSeq so the hot window is not returned twice. A
	// beforeSeq of 0 disables the exclusion. Results are ordered by ascending
	// distance.
	SearchSimilar(ctx context.Context, conversationID string, embedding []float32, topK int, beforeSeq int64) ([]SimilarMessage, error)

	// AddUserMemory records a durable fact about the user.
	AddUserMemory(ctx context.Context, userID, content string) (*UserMemory, error)

	// ListUserMemories returns the user's memories ordered oldest first.
	// limit <= 0 applies a backend default.
	ListUserMemories(ctx context.Context, userID string, limit int) ([]UserMemory, error)

	// DeleteUserMemory removes a memory by ID.
	DeleteUserMemory(ctx context.Context, id string) error
}
