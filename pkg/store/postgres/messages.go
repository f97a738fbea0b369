package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/averlon/parley/pkg/store"
)

const messageColumns = `id, conversation_id, seq, role, content, tool_calls, tool_call_id,
       prompt_tokens, completion_tokens, latency_ms, model, provider, created_at`

// seqConflictRetries bounds how often AddMessage re-runs the insert after two
// concurrent writers race for the same per-conversation seq.
const seqConflictRetries = 3

// AddMessage implements [store.Store]. Seq is dense per conversation: the
// insert computes coalesce(max(seq),0)+1 for the conversation, and the unique
// index on (conversation_id, seq) turns a concurrent race into a retry.
func (s *Store) AddMessage(ctx context.Context, msg store.Message) (*store.Message, error) {
	toolCalls, err := json.Marshal(msg.ToolCalls)
	if err != nil {
		return nil, fmt.Errorf("postgres store: marshal tool calls: %w", err)
	}

	id := msg.ID
	if id == "" {
		id = uuid.NewString()
	}

	const q = `
		INSERT INTO messages
		    (id, conversation_id, seq, role, content, tool_calls, tool_call_id,
		     prompt_tokens, completion_tokens, latency_ms, model, provider)
		SELECT $1, $2, coalesce(max(seq), 0) + 1, $3, $4, $5, $6, $7, $8, $9, $10, $11
		FROM   messages
		WHERE  conversation_id = $2
		RETURNING ` + messageColumns

	var stored *store.Message
	for attempt := 0; ; attempt++ {
		row := s.pool.QueryRow(ctx, q,
			id,
			msg.ConversationID,
			msg.Role,
			msg.Content,
			toolCalls,
			msg.ToolCallID,
			msg.Metrics.PromptTokens,
			msg.Metrics.CompletionTokens,
			msg.Metrics.LatencyMs,
			msg.Metrics.Model,
			msg.Metrics.Provider,
		)
		stored, err = scanMessage(row)
		if err == nil {
			break
		}
		if !isUniqueViolation(err) || attempt >= seqConflictRetries {
			return nil, fmt.Errorf("postgres store: add message: %w", err)
		}
	}

	// Keep the conversation's recency ordering current.
	const touch = `UPDATE conversations SET updated_at = now() WHERE id = $1`
	if _, err := s.pool.Exec(ctx, touch, msg.ConversationID); err != nil {
		return nil, fmt.Errorf("postgres store: touch conversation: %w", err)
	}
	return stored, nil
}

// isUniqueViolation reports whether err is Postgres error 23505.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// RecentMessages implements [store.Store]. It selects the newest limit
// messages and reverses them so callers receive chronological order.
// limit <= 0 applies the backend default.
func (s *Store) RecentMessages(ctx context.Context, conversationID string, limit int) ([]store.Message, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	q := `
		SELECT ` + messageColumns + `
		FROM   messages
		WHERE  conversation_id = $1
		ORDER  BY seq DESC
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres store: recent messages: %w", err)
	}
	msgs, err := collectMessages(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// MessagesBetween implements [store.Store].
func (s *Store) MessagesBetween(ctx context.Context, conversationID string, fromSeq, toSeq int64) ([]store.Message, error) {
	q := `
		SELECT ` + messageColumns + `
		FROM   messages
		WHERE  conversation_id = $1
		  AND  seq > $2
		  AND  seq <= $3
		ORDER  BY seq`

	rows, err := s.pool.Query(ctx, q, conversationID, fromSeq, toSeq)
	if err != nil {
		return nil, fmt.Errorf("postgres store: messages between: %w", err)
	}
	return collectMessages(rows)
}

// CountMessages implements [store.Store].
func (s *Store) CountMessages(ctx context.Context, conversationID string) (int, error) {
	var n int
	const q = `SELECT count(*) FROM messages WHERE conversation_id = $1`
	if err := s.pool.QueryRow(ctx, q, conversationID).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres store: count messages: %w", err)
	}
	return n, nil
}

// UpdateMessageEmbedding implements [store.Store]. Vectors whose length does
// not match the schema dimension are rejected with
// [store.ErrDimensionMismatch] before touching the database.
func (s *Store) UpdateMessageEmbedding(ctx context.Context, messageID string, embedding []float32) error {
	if len(embedding) != s.dimensions {
		return fmt.Errorf("postgres store: update embedding: got %d dimensions, schema has %d: %w",
			len(embedding), s.dimensions, store.ErrDimensionMismatch)
	}

	const q = `UPDATE messages SET embedding = $2 WHERE id = $1`
	if _, err := s.pool.Exec(ctx, q, messageID, pgvector.NewVector(embedding)); err != nil {
		return fmt.Errorf("postgres store: update embedding: %w", err)
	}
	return nil
}

// SearchSimilar implements [store.Store]. It finds the topK embedded messages
// closest (cosine distance) to the query embedding, excluding messages newer
// than beforeSeq so the hot window is not duplicated into cold recall.
func (s *Store) SearchSimilar(ctx context.Context, conversationID string, embedding []float32, topK int, beforeSeq int64) ([]store.SimilarMessage, error) {
	if len(embedding) != s.dimensions {
		return nil, fmt.Errorf("postgres store: search similar: got %d dimensions, schema has %d: %w",
			len(embedding), s.dimensions, store.ErrDimensionMismatch)
	}

	args := []any{conversationID, pgvector.NewVector(embedding), topK}
	seqCond := ""
	if beforeSeq > 0 {
		args = append(args, beforeSeq)
		seqCond = fmt.Sprintf("AND seq <= $%d", len(args))
	}

	q := fmt.Sprintf(`
		SELECT `+messageColumns+`,
		       embedding <=> $2 AS distance
		FROM   messages
		WHERE  conversation_id = $1
		  AND  embedding IS NOT NULL
		  %s
		ORDER  BY distance
		LIMIT  $3`, seqCond)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres store: search similar: %w", err)
	}

	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.SimilarMessage, error) {
		var (
			sm        store.SimilarMessage
			toolCalls []byte
		)
		if err := row.Scan(
			&sm.Message.ID,
			&sm.Message.ConversationID,
			&sm.Message.Seq,
			&sm.Message.Role,
			&sm.Message.Content,
			&toolCalls,
			&sm.Message.ToolCallID,
			&sm.Message.Metrics.PromptTokens,
			&sm.Message.Metrics.CompletionTokens,
			&sm.Message.Metrics.LatencyMs,
			&sm.Message.Metrics.Model,
			&sm.Message.Metrics.Provider,
			&sm.Message.CreatedAt,
			&sm.Distance,
		); err != nil {
			return store.SimilarMessage{}, err
		}
		if err := json.Unmarshal(toolCalls, &sm.Message.ToolCalls); err != nil {
			return store.SimilarMessage{}, err
		}
		return sm, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan similar: %w", err)
	}
	if results == nil {
		results = []store.SimilarMessage{}
	}
	return results, nil
}

// scanMessage scans a single message row (without embedding or distance).
func scanMessage(row pgx.Row) (*store.Message, error) {
	var (
		m         store.Message
		toolCalls []byte
	)
	if err := row.Scan(
		&m.ID,
		&m.ConversationID,
		&m.Seq,
		&m.Role,
		&m.Content,
		&toolCalls,
		&m.ToolCallID,
		&m.Metrics.PromptTokens,
		&m.Metrics.CompletionTokens,
		&m.Metrics.LatencyMs,
		&m.Metrics.Model,
		&m.Metrics.Provider,
		&m.CreatedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(toolCalls, &m.ToolCalls); err != nil {
		return nil, err
	}
	return &m, nil
}

// collectMessages scans pgx rows into a slice of Message values.
func collectMessages(rows pgx.Rows) ([]store.Message, error) {
	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.Message, error) {
		m, err := scanMessage(row)
		if err != nil {
			return store.Message{}, err
		}
		return *m, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan messages: %w", err)
	}
	if msgs == nil {
		msgs = []store.Message{}
	}
	return msgs, nil
}
