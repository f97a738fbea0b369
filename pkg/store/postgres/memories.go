package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/averlon/parley/pkg/store"
)

// AddUserMemory implements [store.Store].
func (s *Store) AddUserMemory(ctx context.Context, userID, content string) (*store.UserMemory, error) {
	const q = `
		INSERT INTO user_memories (id, user_id, content)
		VALUES ($1, $2, $3)
		RETURNING id, user_id, content, created_at`

	var m store.UserMemory
	err := s.pool.QueryRow(ctx, q, uuid.NewString(), userID, content).Scan(
		&m.ID, &m.UserID, &m.Content, &m.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres store: add user memory: %w", err)
	}
	return &m, nil
}

// ListUserMemories implements [store.Store].
func (s *Store) ListUserMemories(ctx context.Context, userID string, limit int) ([]store.UserMemory, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	const q = `
		SELECT id, user_id, content, created_at
		FROM   user_memories
		WHERE  user_id = $1
		ORDER  BY created_at
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list user memories: %w", err)
	}

	memories, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.UserMemory, error) {
		var m store.UserMemory
		err := row.Scan(&m.ID, &m.UserID, &m.Content, &m.CreatedAt)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan user memories: %w", err)
	}
	if memories == nil {
		memories = []store.UserMemory{}
	}
	return memories, nil
}

// DeleteUserMemory implements [store.Store]. Deleting a non-existent memory
// is not an error.
func (s *Store) DeleteUserMemory(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM user_memories WHERE id = $1`, id); err != nil {
		return fmt.Errorf("postgres store: delete user memory: %w", err)
	}
	return nil
}
