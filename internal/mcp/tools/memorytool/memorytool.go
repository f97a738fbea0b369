// Package memorytool provides built-in tools that let the model manage a
// user's persistent memories ("remember that I prefer metric units").
//
// Three tools are exported via [NewTools]:
//   - "save_memory"   — persist a short fact about the user.
//   - "list_memories" — return all saved facts, oldest first.
//   - "forget_memory" — delete a fact by its id.
//
// The acting user is request-scoped, not tool-scoped: callers attach it to
// the context via [WithUser] before executing any of these tools.
//
// All handlers are safe for concurrent use.
package memorytool

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/averlon/parley/internal/mcp/tools"
	"github.com/averlon/parley/pkg/store"
	"github.com/averlon/parley/pkg/types"
)

// userKey is the context key carrying the acting user's id.
type userKey struct{}

// WithUser returns a context carrying the user id the memory tools act on.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userKey{}, userID)
}

// userFrom extracts the user id attached via [WithUser].
func userFrom(ctx context.Context) (string, error) {
	userID, _ := ctx.Value(userKey{}).(string)
	if userID == "" {
		return "", fmt.Errorf("memory tool: no user in context")
	}
	return userID, nil
}

// maxMemoryLen caps the length of a single saved memory.
const maxMemoryLen = 1000

// Option configures the tool set built by [NewTools].
type Option func(*settings)

type settings struct {
	onChange func(userID string)
}

// WithOnChange registers fn to run whenever save_memory or forget_memory
// mutates a user's memories. The composer cache hooks in here so a freshly
// saved fact shows up in the next prompt instead of after the cache TTL.
func WithOnChange(fn func(userID string)) Option {
	return func(s *settings) { s.onChange = fn }
}

func (s *settings) notify(userID string) {
	if s.onChange != nil {
		s.onChange(userID)
	}
}

// saveMemoryArgs is the JSON-decoded input for the "save_memory" tool.
type saveMemoryArgs struct {
	// Content is the fact to remember, phrased as a standalone sentence.
	Content string `json:"content"`
}

// savedMemory is the JSON-encoded output of "save_memory" and one entry of
// "list_memories".
type savedMemory struct {
	// ID is the memory's unique identifier, usable with "forget_memory".
	ID string `json:"id"`

	// Content is the remembered fact.
	Content string `json:"content"`
}

// listMemoriesResult is the JSON-encoded output of the "list_memories" tool.
type listMemoriesResult struct {
	Memories []savedMemory `json:"memories"`
}

// forgetMemoryArgs is the JSON-decoded input for the "forget_memory" tool.
type forgetMemoryArgs struct {
	// ID is the identifier of the memory to delete.
	ID string `json:"id"`
}

// makeSaveHandler returns a handler for the "save_memory" tool.
func makeSaveHandler(s store.Store, set *settings) func(context.Context, string) (string, error) {
	return func(ctx context.Context, args string) (string, error) {
		userID, err := userFrom(ctx)
		if err != nil {
			return "", err
		}

		var a saveMemoryArgs
		if err := json.Unmarshal([]byte(args), &a); err != nil {
			return "", fmt.Errorf("memory tool: save_memory: failed to parse arguments: %w", err)
		}
		a.Content = strings.TrimSpace(a.Content)
		if a.Content == "" {
			return "", fmt.Errorf("memory tool: save_memory: content must not be empty")
		}
		if len(a.Content) > maxMemoryLen {
			return "", fmt.Errorf("memory tool: save_memory: content exceeds %d characters", maxMemoryLen)
		}

		mem, err := s.AddUserMemory(ctx, userID, a.Content)
		if err != nil {
			return "", fmt.Errorf("memory tool: save_memory: %w", err)
		}
		set.notify(userID)

		res, err := json.Marshal(savedMemory{ID: mem.ID, Content: mem.Content})
		if err != nil {
			return "", fmt.Errorf("memory tool: save_memory: failed to encode result: %w", err)
		}
		return string(res), nil
	}
}

// makeListHandler returns a handler for the "list_memories" tool.
func makeListHandler(s store.Store) func(context.Context, string) (string, error) {
	return func(ctx context.Context, _ string) (string, error) {
		userID, err := userFrom(ctx)
		if err != nil {
			return "", err
		}

		memories, err := s.ListUserMemories(ctx, userID, 0)
		if err != nil {
			return "", fmt.Errorf("memory tool: list_memories: %w", err)
		}

		result := listMemoriesResult{Memories: make([]savedMemory, 0, len(memories))}
		for _, mem := range memories {
			result.Memories = append(result.Memories, savedMemory{ID: mem.ID, Content: mem.Content})
		}

		res, err := json.Marshal(result)
		if err != nil {
			return "", fmt.Errorf("memory tool: list_memories: failed to encode result: %w", err)
		}
		return string(res), nil
	}
}

// makeForgetHandler returns a handler for the "forget_memory" tool.
func makeForgetHandler(s store.Store, set *settings) func(context.Context, string) (string, error) {
	return func(ctx context.Context, args string) (string, error) {
		userID, err := userFrom(ctx)
		if err != nil {
			return "", err
		}

		var a forgetMemoryArgs
		if err := json.Unmarshal([]byte(args), &a); err != nil {
			return "", fmt.Errorf("memory tool: forget_memory: failed to parse arguments: %w", err)
		}
		if a.ID == "" {
			return "", fmt.Errorf("memory tool: forget_memory: id must not be empty")
		}

		if err := s.DeleteUserMemory(ctx, a.ID); err != nil {
			return "", fmt.Errorf("memory tool: forget_memory: %w", err)
		}
		set.notify(userID)
		return `{"forgotten":true}`, nil
	}
}

// NewTools constructs the user-memory tool set backed by s.
func NewTools(s store.Store, opts ...Option) []tools.Tool {
	set := &settings{}
	for _, o := range opts {
		o(set)
	}
	return []tools.Tool{
		{
			Definition: types.ToolDefinition{
				Name:        "save_memory",
				Description: "Remember a durable fact about the user, such as a preference or profile detail. Use when the user asks you to remember something or states a lasting preference.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"content": map[string]any{
							"type":        "string",
							"description": "The fact to remember, phrased as a standalone sentence (e.g. \"The user prefers metric units\").",
						},
					},
					"required": []string{"content"},
				},
			},
			Handler: makeSaveHandler(s, set),
		},
		{
			Definition: types.ToolDefinition{
				Name:        "list_memories",
				Description: "List every fact currently remembered about the user, oldest first, each with the id needed to forget it.",
				Parameters: map[string]any{
					"type":       "object",
					"properties": map[string]any{},
				},
			},
			Handler: makeListHandler(s),
		},
		{
			Definition: types.ToolDefinition{
				Name:        "forget_memory",
				Description: "Delete a remembered fact about the user by its id. Use when the user asks you to forget something.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"id": map[string]any{
							"type":        "string",
							"description": "The id of the memory to delete, as returned by list_memories or save_memory.",
						},
					},
					"required": []string{"id"},
				},
			},
			Handler: makeForgetHandler(s, set),
		},
	}
}
