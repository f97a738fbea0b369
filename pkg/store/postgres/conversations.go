package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/averlon/parley/pkg/store"
)

// defaultListLimit bounds ListConversations and ListUserMemories when the
// caller passes a non-positive limit.
const defaultListLimit = 50

// CreateConversation implements [store.Store].
func (s *Store) CreateConversation(ctx context.Context, userID, title string) (*store.Conversation, error) {
	const q = `
		INSERT INTO conversations (id, user_id, title)
		VALUES ($1, $2, $3)
		RETURNING id, user_id, title, summary, summarized_to, created_at, updated_at`

	row := s.pool.QueryRow(ctx, q, uuid.NewString(), userID, title)
	conv, err := scanConversation(row)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create conversation: %w", err)
	}
	return conv, nil
}

// GetConversation implements [store.Store]. Returns (nil, nil) when the
// conversation does not exist.
func (s *Store) GetConversation(ctx context.Context, id string) (*store.Conversation, error) {
	const q = `
		SELECT id, user_id, title, summary, summarized_to, created_at, updated_at
		FROM   conversations
		WHERE  id = $1`

	conv, err := scanConversation(s.pool.QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres store: get conversation: %w", err)
	}
	return conv, nil
}

// ListConversations implements [store.Store].
func (s *Store) ListConversations(ctx context.Context, userID string, limit int) ([]store.Conversation, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	const q = `
		SELECT id, user_id, title, summary, summarized_to, created_at, updated_at
		FROM   conversations
		WHERE  user_id = $1
		ORDER  BY updated_at DESC
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list conversations: %w", err)
	}

	convs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.Conversation, error) {
		c, err := scanConversation(row)
		if err != nil {
			return store.Conversation{}, err
		}
		return *c, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan conversations: %w", err)
	}
	if convs == nil {
		convs = []store.Conversation{}
	}
	return convs, nil
}

// DeleteConversation implements [store.Store]. Messages are removed by the
// ON DELETE CASCADE constraint.
func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM conversations WHERE id = $1`, id); err != nil {
		return fmt.Errorf("postgres store: delete conversation: %w", err)
	}
	return nil
}

// UpdateTitle implements [store.Store].
func (s *Store) UpdateTitle(ctx context.Context, id, title string) error {
	const q = `UPDATE conversations SET title = $2, updated_at = now() WHERE id = $1`
	if _, err := s.pool.Exec(ctx, q, id, title); err != nil {
		return fmt.Errorf("postgres store: update title: %w", err)
	}
	return nil
}

// UpdateSummary implements [store.Store].
func (s *Store) UpdateSummary(ctx context.Context, id, summary string, summarizedTo int64) error {
	const q = `
		UPDATE conversations
		SET    summary = $2, summarized_to = $3, updated_at = now()
		WHERE  id = $1`
	if _, err := s.pool.Exec(ctx, q, id, summary, summarizedTo); err != nil {
		return fmt.Errorf("postgres store: update summary: %w", err)
	}
	return nil
}

// scanConversation scans a single conversation row.
func scanConversation(row pgx.Row) (*store.Conversation, error) {
	var c store.Conversation
	if err := row.Scan(
		&c.ID,
		&c.UserID,
		&c.Title,
		&c.Summary,
		&c.SummarizedTo,
		&c.CreatedAt,
		&c.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &c, nil
}
