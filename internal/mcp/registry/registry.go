// Package registry narrows the tool catalogue offered to the LLM on each
// turn.
//
// The [Registry] sits between the reasoning loop and the [mcp.Host]: the host
// owns the full catalogue across all servers, the registry decides which
// slice of it a given turn may see. Two orthogonal filters compose by
// intersection:
//
//  1. Allowlist — a statically configured "essential" set of at most 15
//     fully-qualified tool names. Small local models degrade both in latency
//     and in tool-selection accuracy beyond roughly 15 visible tools, so the
//     allowlist is the hard ceiling.
//  2. Keyword relevance — the user query is lowercased, tokenized on
//     non-alphanumerics and matched against a per-intent keyword table. A
//     tool is admitted when its own name or description matches the intent's
//     keywords, or when it matches a query token that the table recognises.
//
// The result is capped (default 5), with ties broken by keyword-table order.
// Selection is pure string work with no I/O and runs in well under a
// millisecond.
package registry

import (
	"context"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/averlon/parley/internal/mcp"
	"github.com/averlon/parley/pkg/types"
)

// allowlistCeiling is the hard upper bound on allowlist size. Entries beyond
// it are ignored.
const allowlistCeiling = 15

// defaultMaxTools caps the set returned by [Registry.SchemasFor].
const defaultMaxTools = 5

// defaultIntentKeywords maps an intent label to the tokens that indicate a
// tool is relevant to it. Keyword order matters: earlier keywords win ties.
var defaultIntentKeywords = map[string][]string{
	"FILESYSTEM": {
		"file", "read", "write", "ls", "dir", "directory",
		"list", "show", "view", "path", "folder", "edit",
	},
	"GIT": {
		"git", "commit", "branch", "diff", "log", "status",
		"merge", "push", "pull", "repo", "history",
	},
	"FETCH": {
		"fetch", "http", "url", "web", "download", "request",
		"get", "search", "browse", "page",
	},
	"MEMORY": {
		"remember", "recall", "memory", "note", "save", "forget",
	},
}

// Option is a functional option for configuring a [Registry].
type Option func(*Registry)

// WithAllowlist restricts the registry to the named fully-qualified tools.
// At most 15 names are honoured; the rest are dropped. An empty call leaves
// the allowlist disabled (all catalogue tools pass the first filter).
func WithAllowlist(names ...string) Option {
	return func(r *Registry) {
		if len(names) == 0 {
			r.allowlist = nil
			return
		}
		if len(names) > allowlistCeiling {
			names = names[:allowlistCeiling]
		}
		r.allowlist = make(map[string]bool, len(names))
		for _, name := range names {
			r.allowlist[name] = true
		}
	}
}

// WithMaxTools sets the cap on the set returned by [Registry.SchemasFor].
// The default is 5. Values below 1 are ignored.
func WithMaxTools(n int) Option {
	return func(r *Registry) {
		if n >= 1 {
			r.maxTools = n
		}
	}
}

// WithIntentKeywords replaces the default per-intent keyword table. Keys are
// intent labels (e.g. "FILESYSTEM"), values are ordered keyword lists matched
// as whole tokens, case-insensitively. An intent absent from the table gets
// no relevance filter: all allowlisted tools pass.
func WithIntentKeywords(table map[string][]string) Option {
	return func(r *Registry) {
		r.intentKeywords = make(map[string][]string, len(table))
		for intent, keywords := range table {
			r.intentKeywords[strings.ToUpper(intent)] = append([]string(nil), keywords...)
		}
	}
}

// Registry filters the host's tool catalogue per turn.
//
// All methods are safe for concurrent use. The filter tables are guarded by
// a reader-writer lock and swapped atomically by [Registry.Reconfigure]; the
// host handles its own locking.
type Registry struct {
	host mcp.Host

	mu             sync.RWMutex
	allowlist      map[string]bool
	maxTools       int
	intentKeywords map[string][]string
}

// New creates a Registry over the given host with the options applied on top
// of the defaults.
func New(host mcp.Host, opts ...Option) *Registry {
	r := &Registry{
		host:           host,
		maxTools:       defaultMaxTools,
		intentKeywords: defaultIntentKeywords,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reconfigure re-applies options on top of the current settings, atomically.
// Used by the config hot-reload path to swap the allowlist or the keyword
// table without rebuilding the registry.
func (r *Registry) Reconfigure(opts ...Option) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, opt := range opts {
		opt(r)
	}
}

// snapshot returns the current filter tables under the read lock.
func (r *Registry) snapshot() (allow map[string]bool, maxTools int, keywords map[string][]string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.allowlist, r.maxTools, r.intentKeywords
}

// All returns the full allowlisted catalogue, unfiltered by relevance.
func (r *Registry) All() []types.ToolDefinition {
	allow, _, _ := r.snapshot()
	var out []types.ToolDefinition
	for _, def := range r.host.Tools() {
		if allowed(allow, def.Name) {
			out = append(out, def)
		}
	}
	return out
}

// Get returns the definition registered under the fully-qualified name and
// whether the allowlist admits it.
func (r *Registry) Get(name string) (types.ToolDefinition, bool) {
	allow, _, _ := r.snapshot()
	if !allowed(allow, name) {
		return types.ToolDefinition{}, false
	}
	for _, def := range r.host.Tools() {
		if def.Name == name {
			return def, true
		}
	}
	return types.ToolDefinition{}, false
}

// Execute runs the named tool through the host. The name must have passed
// [Registry.Get] or [Registry.SchemasFor]; Execute itself re-checks only the
// allowlist so that salvage-parsed calls cannot escape it.
func (r *Registry) Execute(ctx context.Context, name string, args string) (*mcp.ToolResult, error) {
	allow, _, _ := r.snapshot()
	if !allowed(allow, name) {
		return nil, mcp.ErrToolNotFound
	}
	return r.host.ExecuteTool(ctx, name, args)
}

// Refresh re-imports the catalogue from every host.
func (r *Registry) Refresh(ctx context.Context) error {
	return r.host.Refresh(ctx)
}

// Intents returns the intent categories backed by a keyword table, sorted.
// The classifier offers these as labels alongside the GENERAL fallback.
func (r *Registry) Intents() []string {
	_, _, intentKeywords := r.snapshot()
	out := make([]string, 0, len(intentKeywords))
	for intent := range intentKeywords {
		out = append(out, intent)
	}
	sort.Strings(out)
	return out
}

// SchemasFor returns the tools a turn with the given intent and user query
// may see, capped at the configured maximum.
//
// When the intent has no keyword table (e.g. "GENERAL"), the relevance filter
// is inactive and the allowlisted catalogue is returned in name order, still
// capped.
func (r *Registry) SchemasFor(intent, query string) []types.ToolDefinition {
	_, maxTools, intentKeywords := r.snapshot()
	candidates := r.All()

	keywords, ok := intentKeywords[strings.ToUpper(strings.TrimSpace(intent))]
	if !ok || len(keywords) == 0 {
		return capTools(candidates, maxTools)
	}

	// Query tokens that any intent table recognises. Filtering against the
	// tables keeps stopwords ("the", "me") from admitting everything while
	// still letting a cross-intent token like "file" pull in a filesystem
	// tool during a GIT turn.
	queryTokens := tokenSet(query)
	matched := make(map[string]bool)
	for _, table := range intentKeywords {
		for _, kw := range table {
			if queryTokens[kw] {
				matched[kw] = true
			}
		}
	}

	type ranked struct {
		def  types.ToolDefinition
		rank int
	}
	var admitted []ranked
	for _, def := range candidates {
		toolTokens := tokenSet(def.Name + " " + def.Description)

		rank := len(keywords)
		for i, kw := range keywords {
			if toolTokens[kw] {
				rank = i
				break
			}
		}
		inBucket := rank < len(keywords)

		hitsQuery := false
		for kw := range matched {
			if toolTokens[kw] {
				hitsQuery = true
				break
			}
		}

		if inBucket || hitsQuery {
			admitted = append(admitted, ranked{def: def, rank: rank})
		}
	}

	// Stable by construction: candidates arrive in name order, sort only by
	// rank so equal ranks keep that order.
	for i := 1; i < len(admitted); i++ {
		for j := i; j > 0 && admitted[j].rank < admitted[j-1].rank; j-- {
			admitted[j], admitted[j-1] = admitted[j-1], admitted[j]
		}
	}

	out := make([]types.ToolDefinition, len(admitted))
	for i, a := range admitted {
		out[i] = a.def
	}
	return capTools(out, maxTools)
}

// allowed reports whether the allowlist admits the fully-qualified name.
func allowed(allow map[string]bool, name string) bool {
	return allow == nil || allow[name]
}

// capTools truncates tools to at most n entries.
func capTools(tools []types.ToolDefinition, n int) []types.ToolDefinition {
	if len(tools) > n {
		return tools[:n]
	}
	return tools
}

// tokenSet lowercases s and splits it on non-alphanumerics into a set.
// Token matching (rather than substring matching) keeps short keywords like
// "ls" from lighting up on words such as "tools".
func tokenSet(s string) map[string]bool {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	set := make(map[string]bool, len(fields))
	for _, f := range fields {
		set[f] = true
	}
	return set
}
