package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlConversations = `
CREATE TABLE IF NOT EXISTS conversations (
    id             TEXT         PRIMARY KEY,
    user_id        TEXT         NOT NULL,
    title          TEXT         NOT NULL DEFAULT '',
    summary        TEXT         NOT NULL DEFAULT '',
    summarized_to  BIGINT       NOT NULL DEFAULT 0,
    created_at     TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at     TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_conversations_user_id
    ON conversations (user_id, updated_at DESC);
`

const ddlUserMemories = `
CREATE TABLE IF NOT EXISTS user_memories (
    id          TEXT         PRIMARY KEY,
    user_id     TEXT         NOT NULL,
    content     TEXT         NOT NULL,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_user_memories_user_id
    ON user_memories (user_id, created_at);
`

// ddlMessages returns the messages DDL with the embedding dimension
// substituted. The vector dimension is baked into the column type at schema
// creation time.
//
// seq is assigned per conversation by AddMessage (coalesce(max(seq),0)+1
// under the unique index), so each conversation carries a dense 1..n
// sequence regardless of writes to other conversations.
func ddlMessages(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS messages (
    id                 TEXT         PRIMARY KEY,
    conversation_id    TEXT         NOT NULL REFERENCES conversations (id) ON DELETE CASCADE,
    seq                BIGINT       NOT NULL,
    role               TEXT         NOT NULL,
    content            TEXT         NOT NULL DEFAULT '',
    tool_calls         JSONB        NOT NULL DEFAULT '[]',
    tool_call_id       TEXT         NOT NULL DEFAULT '',
    prompt_tokens      INT          NOT NULL DEFAULT 0,
    completion_tokens  INT          NOT NULL DEFAULT 0,
    latency_ms         BIGINT       NOT NULL DEFAULT 0,
    model              TEXT         NOT NULL DEFAULT '',
    provider           TEXT         NOT NULL DEFAULT '',
    embedding          vector(%d),
    created_at         TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_conversation_seq
    ON messages (conversation_id, seq);

CREATE INDEX IF NOT EXISTS idx_messages_embedding
    ON messages USING hnsw (embedding vector_cosine_ops);
`, embeddingDimensions)
}

// Migrate creates or ensures all required database tables and extensions
// exist. It is idempotent (CREATE TABLE IF NOT EXISTS / CREATE INDEX IF NOT
// EXISTS) and safe to call on every application start.
//
// embeddingDimensions must match the vector model configured for your
// deployment (e.g., 768 for nomic-embed-text, 1536 for OpenAI
// text-embedding-3-small). Changing this value after the first migration
// requires a manual schema update.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	statements := []string{
		ddlConversations,
		ddlMessages(embeddingDimensions),
		ddlUserMemories,
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
