// Package mock provides an in-memory test double for [store.Store].
//
// Unlike a canned-result stub, Store actually keeps conversations, messages,
// and memories in maps and assigns sequence numbers, so orchestrator tests
// can exercise realistic read-after-write flows without PostgreSQL. Every
// method records its invocation for assertion, and per-method *Err fields
// inject failures.
//
// Typical usage:
//
//	st := mock.NewStore(4) // embedding dimension 4
//	conv, _ := st.CreateConversation(ctx, "user-1", "")
//	st.AddMessage(ctx, store.Message{ConversationID: conv.ID, Role: types.RoleUser, Content: "hi"})
//
//	if got := st.CallCount("AddMessage"); got != 1 {
//	    t.Errorf("expected 1 AddMessage call, got %d", got)
//	}
package mock

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/averlon/parley/pkg/store"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// Store is a functional in-memory implementation of [store.Store].
// Safe for concurrent use.
type Store struct {
	mu sync.Mutex

	dimensions int
	nextID     int

	conversations map[string]*store.Conversation
	messages      map[string][]store.Message // keyed by conversation ID, ordered by Seq
	memories      map[string][]store.UserMemory

	calls []Call

	// --- Error injection ---

	// CreateConversationErr is returned by CreateConversation when non-nil.
	CreateConversationErr error
	// AddMessageErr is returned by AddMessage when non-nil.
	AddMessageErr error
	// RecentMessagesErr is returned by RecentMessages when non-nil.
	RecentMessagesErr error
	// SearchSimilarErr is returned by SearchSimilar when non-nil.
	SearchSimilarErr error
	// UpdateSummaryErr is returned by UpdateSummary when non-nil.
	UpdateSummaryErr error
	// UpdateMessageEmbeddingErr is returned by UpdateMessageEmbedding when non-nil.
	UpdateMessageEmbeddingErr error

	// SearchSimilarResult, when non-nil, is returned by SearchSimilar instead
	// of computing distances over stored embeddings.
	SearchSimilarResult []store.SimilarMessage
}

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

// NewStore creates an empty in-memory store accepting embeddings of the given
// dimension.
func NewStore(dimensions int) *Store {
	return &Store{
		dimensions:    dimensions,
		conversations: map[string]*store.Conversation{},
		messages:      map[string][]store.Message{},
		memories:      map[string][]store.UserMemory{},
	}
}

// Calls returns a copy of all recorded method invocations.
func (m *Store) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (m *Store) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

func (m *Store) record(method string, args ...any) {
	m.calls = append(m.calls, Call{Method: method, Args: args})
}

func (m *Store) genID(prefix string) string {
	m.nextID++
	return fmt.Sprintf("%s-%d", prefix, m.nextID)
}

// CreateConversation implements [store.Store].
func (m *Store) CreateConversation(_ context.Context, userID, title string) (*store.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("CreateConversation", userID, title)
	if m.CreateConversationErr != nil {
		return nil, m.CreateConversationErr
	}
	now := time.Now()
	c := &store.Conversation{
		ID:        m.genID("conv"),
		UserID:    userID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.conversations[c.ID] = c
	cp := *c
	return &cp, nil
}

// GetConversation implements [store.Store].
func (m *Store) GetConversation(_ context.Context, id string) (*store.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("GetConversation", id)
	c, ok := m.conversations[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

// ListConversations implements [store.Store].
func (m *Store) ListConversations(_ context.Context, userID string, limit int) ([]store.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("ListConversations", userID, limit)
	out := []store.Conversation{}
	for _, c := range m.conversations {
		if c.UserID == userID {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DeleteConversation implements [store.Store].
func (m *Store) DeleteConversation(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("DeleteConversation", id)
	delete(m.conversations, id)
	delete(m.messages, id)
	return nil
}

// UpdateTitle implements [store.Store].
func (m *Store) UpdateTitle(_ context.Context, id, title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("UpdateTitle", id, title)
	if c, ok := m.conversations[id]; ok {
		c.Title = title
		c.UpdatedAt = time.Now()
	}
	return nil
}

// UpdateSummary implements [store.Store].
func (m *Store) UpdateSummary(_ context.Context, id, summary string, summarizedTo int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("UpdateSummary", id, summary, summarizedTo)
	if m.UpdateSummaryErr != nil {
		return m.UpdateSummaryErr
	}
	if c, ok := m.conversations[id]; ok {
		c.Summary = summary
		c.SummarizedTo = summarizedTo
		c.UpdatedAt = time.Now()
	}
	return nil
}

// AddMessage implements [store.Store].
func (m *Store) AddMessage(_ context.Context, msg store.Message) (*store.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("AddMessage", msg)
	if m.AddMessageErr != nil {
		return nil, m.AddMessageErr
	}
	// Seq is dense per conversation, matching the SQL backend.
	msg.Seq = int64(len(m.messages[msg.ConversationID])) + 1
	if msg.ID == "" {
		msg.ID = m.genID("msg")
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], msg)
	if c, ok := m.conversations[msg.ConversationID]; ok {
		c.UpdatedAt = time.Now()
	}
	cp := msg
	return &cp, nil
}

// defaultLimit mirrors the SQL backend's default for limit <= 0.
const defaultLimit = 50

// RecentMessages implements [store.Store]. limit <= 0 applies the backend
// default, matching the SQL store.
func (m *Store) RecentMessages(_ context.Context, conversationID string, limit int) ([]store.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("RecentMessages", conversationID, limit)
	if m.RecentMessagesErr != nil {
		return nil, m.RecentMessagesErr
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	msgs := m.messages[conversationID]
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]store.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

// MessagesBetween implements [store.Store].
func (m *Store) MessagesBetween(_ context.Context, conversationID string, fromSeq, toSeq int64) ([]store.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("MessagesBetween", conversationID, fromSeq, toSeq)
	out := []store.Message{}
	for _, msg := range m.messages[conversationID] {
		if msg.Seq > fromSeq && msg.Seq <= toSeq {
			out = append(out, msg)
		}
	}
	return out, nil
}

// CountMessages implements [store.Store].
func (m *Store) CountMessages(_ context.Context, conversationID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("CountMessages", conversationID)
	return len(m.messages[conversationID]), nil
}

// UpdateMessageEmbedding implements [store.Store].
func (m *Store) UpdateMessageEmbedding(_ context.Context, messageID string, embedding []float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("UpdateMessageEmbedding", messageID, embedding)
	if m.UpdateMessageEmbeddingErr != nil {
		return m.UpdateMessageEmbeddingErr
	}
	if len(embedding) != m.dimensions {
		return store.ErrDimensionMismatch
	}
	for convID, msgs := range m.messages {
		for i := range msgs {
			if msgs[i].ID == messageID {
				vec := make([]float32, len(embedding))
				copy(vec, embedding)
				m.messages[convID][i].Embedding = vec
				return nil
			}
		}
	}
	return nil
}

// SearchSimilar implements [store.Store]. When SearchSimilarResult is unset it
// ranks stored embedded messages by squared Euclidean distance, which orders
// identically to cosine distance for normalised vectors.
func (m *Store) SearchSimilar(_ context.Context, conversationID string, embedding []float32, topK int, beforeSeq int64) ([]store.SimilarMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("SearchSimilar", conversationID, embedding, topK, beforeSeq)
	if m.SearchSimilarErr != nil {
		return nil, m.SearchSimilarErr
	}
	if m.SearchSimilarResult != nil {
		out := make([]store.SimilarMessage, len(m.SearchSimilarResult))
		copy(out, m.SearchSimilarResult)
		return out, nil
	}
	if len(embedding) != m.dimensions {
		return nil, store.ErrDimensionMismatch
	}

	out := []store.SimilarMessage{}
	for _, msg := range m.messages[conversationID] {
		if msg.Embedding == nil {
			continue
		}
		if beforeSeq > 0 && msg.Seq > beforeSeq {
			continue
		}
		var d float64
		for i := range embedding {
			diff := float64(embedding[i] - msg.Embedding[i])
			d += diff * diff
		}
		out = append(out, store.SimilarMessage{Message: msg, Distance: d})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

// AddUserMemory implements [store.Store].
func (m *Store) AddUserMemory(_ context.Context, userID, content string) (*store.UserMemory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("AddUserMemory", userID, content)
	mem := store.UserMemory{
		ID:        m.genID("mem"),
		UserID:    userID,
		Content:   content,
		CreatedAt: time.Now(),
	}
	m.memories[userID] = append(m.memories[userID], mem)
	cp := mem
	return &cp, nil
}

// ListUserMemories implements [store.Store].
func (m *Store) ListUserMemories(_ context.Context, userID string, limit int) ([]store.UserMemory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("ListUserMemories", userID, limit)
	mems := m.memories[userID]
	if limit > 0 && len(mems) > limit {
		mems = mems[:limit]
	}
	out := make([]store.UserMemory, len(mems))
	copy(out, mems)
	return out, nil
}

// DeleteUserMemory implements [store.Store].
func (m *Store) DeleteUserMemory(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("DeleteUserMemory", id)
	for userID, mems := range m.memories {
		for i, mem := range mems {
			if mem.ID == id {
				m.memories[userID] = append(mems[:i], mems[i+1:]...)
				return nil
			}
		}
	}
	return nil
}
