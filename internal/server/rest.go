package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/averlon/parley/internal/orchestrator"
	"github.com/averlon/parley/pkg/store"
	"github.com/averlon/parley/pkg/types"
)

// chatRequest is the JSON body for the one-shot chat endpoint. It carries the
// same fields as a WebSocket request frame.
type chatRequest struct {
	ConversationID string          `json:"conversation_id,omitempty"`
	UserID         string          `json:"user_id"`
	Messages       []types.Message `json:"messages"`
	Model          string          `json:"model,omitempty"`
}

// chatResponse is the JSON body returned from the one-shot chat endpoint.
type chatResponse struct {
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content"`
}

// conversationSummary is one entry of the conversation list.
type conversationSummary struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// messageView is a stored message as returned by the conversation detail
// endpoint. Embeddings and internal metrics are not exposed.
type messageView struct {
	ID         string           `json:"id"`
	Seq        int64            `json:"seq"`
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []types.ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
}

// conversationDetail is the JSON body of the conversation detail endpoint.
type conversationDetail struct {
	conversationSummary
	Summary  string        `json:"summary,omitempty"`
	Messages []messageView `json:"messages"`
}

// handleChat handles POST /api/chat. It runs a full turn non-streaming and
// returns the concatenated assistant text.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	convID, content, err := s.orch.Chat(r.Context(), orchestrator.Request{
		ConversationID: req.ConversationID,
		UserID:         req.UserID,
		Messages:       req.Messages,
		Model:          req.Model,
	})
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}

	writeJSON(w, http.StatusOK, chatResponse{ConversationID: convID, Content: content})
}

// handleListConversations handles GET /api/conversations?user_id=...&limit=N.
func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}

	convs, err := s.store.ListConversations(r.Context(), userID, queryInt(r, "limit"))
	if err != nil {
		s.log.Error("list conversations failed", "user_id", userID, "error", err)
		http.Error(w, "failed to list conversations", http.StatusInternalServerError)
		return
	}

	out := make([]conversationSummary, 0, len(convs))
	for _, c := range convs {
		out = append(out, summaryOf(&c))
	}
	writeJSON(w, http.StatusOK, out)
}

// handleGetConversation handles GET /api/conversations/{id}. The response
// includes the newest messages in chronological order; limit defaults to the
// store's hot-window default.
func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	conv, err := s.store.GetConversation(r.Context(), id)
	if err != nil {
		s.log.Error("get conversation failed", "conversation_id", id, "error", err)
		http.Error(w, "failed to load conversation", http.StatusInternalServerError)
		return
	}
	if conv == nil {
		http.Error(w, "conversation not found", http.StatusNotFound)
		return
	}

	msgs, err := s.store.RecentMessages(r.Context(), id, queryInt(r, "limit"))
	if err != nil {
		s.log.Error("load messages failed", "conversation_id", id, "error", err)
		http.Error(w, "failed to load messages", http.StatusInternalServerError)
		return
	}

	detail := conversationDetail{
		conversationSummary: summaryOf(conv),
		Summary:             conv.Summary,
		Messages:            make([]messageView, 0, len(msgs)),
	}
	for _, m := range msgs {
		detail.Messages = append(detail.Messages, messageView{
			ID:         m.ID,
			Seq:        m.Seq,
			Role:       m.Role,
			Content:    m.Content,
			ToolCalls:  m.ToolCalls,
			ToolCallID: m.ToolCallID,
			CreatedAt:  m.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, detail)
}

// handleDeleteConversation handles DELETE /api/conversations/{id}.
func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.DeleteConversation(r.Context(), id); err != nil {
		s.log.Error("delete conversation failed", "conversation_id", id, "error", err)
		http.Error(w, "failed to delete conversation", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func summaryOf(c *store.Conversation) conversationSummary {
	return conversationSummary{
		ID:        c.ID,
		UserID:    c.UserID,
		Title:     c.Title,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
}

// statusFor maps the orchestrator's synchronous validation errors to HTTP
// status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrEmptyMessage):
		return http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrConversationNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// queryInt reads an integer query parameter, returning 0 (backend default)
// when absent or malformed.
func queryInt(r *http.Request, key string) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
