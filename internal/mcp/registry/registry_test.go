package registry_test

import (
	"context"
	"errors"
	"testing"

	"github.com/averlon/parley/internal/mcp"
	"github.com/averlon/parley/internal/mcp/mock"
	"github.com/averlon/parley/internal/mcp/registry"
	"github.com/averlon/parley/pkg/types"
)

// catalogue returns a host mock preloaded with a realistic mixed catalogue.
func catalogue() *mock.Host {
	return &mock.Host{
		ToolsResult: []types.ToolDefinition{
			{Name: "fetch.http_get", Description: "perform an HTTP GET request against a URL", Host: "fetch"},
			{Name: "fs.list_dir", Description: "list the entries of a directory", Host: "fs"},
			{Name: "fs.read_file", Description: "read the contents of a file", Host: "fs"},
			{Name: "fs.write_file", Description: "write contents to a file", Host: "fs"},
			{Name: "git.commit", Description: "create a git commit", Host: "git"},
			{Name: "git.diff", Description: "compare the working tree against HEAD", Host: "git"},
			{Name: "git.log", Description: "print recent commits on the current branch", Host: "git"},
			{Name: "weather.current", Description: "current weather for a city", Host: "weather"},
		},
	}
}

func names(tools []types.ToolDefinition) []string {
	out := make([]string, len(tools))
	for i, tool := range tools {
		out[i] = tool.Name
	}
	return out
}

// TestSchemasFor_FilesystemIntent verifies that a FILESYSTEM turn sees only
// filesystem-relevant tools.
func TestSchemasFor_FilesystemIntent(t *testing.T) {
	t.Parallel()
	r := registry.New(catalogue())

	got := r.SchemasFor("FILESYSTEM", "show me the files in my home directory")
	if len(got) == 0 {
		t.Fatal("SchemasFor returned no tools")
	}
	for _, def := range got {
		if def.Host == "git" || def.Host == "weather" {
			t.Errorf("FILESYSTEM turn admitted %q", def.Name)
		}
	}
}

// TestSchemasFor_LsToken verifies that "ls" matches as a whole token and does
// not light up on unrelated words.
func TestSchemasFor_LsToken(t *testing.T) {
	t.Parallel()
	r := registry.New(catalogue())

	got := r.SchemasFor("FILESYSTEM", "run ls in /tmp")
	if len(got) == 0 {
		t.Fatal("SchemasFor returned no tools for an ls query")
	}

	// A GIT turn whose query merely contains words with "ls" inside them must
	// not admit filesystem tools through the token filter.
	got = r.SchemasFor("GIT", "also commit the changes")
	for _, def := range got {
		if def.Host == "fs" {
			t.Errorf("GIT turn admitted %q via substring match", def.Name)
		}
	}
}

// TestSchemasFor_CrossIntentToken verifies that a recognised token pulls a
// tool from another bucket into the turn.
func TestSchemasFor_CrossIntentToken(t *testing.T) {
	t.Parallel()
	r := registry.New(catalogue())

	got := r.SchemasFor("GIT", "diff the file README against the last commit")
	found := false
	for _, def := range got {
		if def.Name == "fs.read_file" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected fs.read_file admitted via %q token, got %v", "file", names(got))
	}
}

// TestSchemasFor_Cap verifies the result cap.
func TestSchemasFor_Cap(t *testing.T) {
	t.Parallel()
	r := registry.New(catalogue(), registry.WithMaxTools(2))

	got := r.SchemasFor("FILESYSTEM", "read every file and list every directory")
	if len(got) > 2 {
		t.Errorf("SchemasFor returned %d tools, want at most 2: %v", len(got), names(got))
	}
}

// TestSchemasFor_UnknownIntent verifies that an intent without a keyword
// table returns the allowlisted catalogue, capped.
func TestSchemasFor_UnknownIntent(t *testing.T) {
	t.Parallel()
	r := registry.New(catalogue(), registry.WithMaxTools(3))

	got := r.SchemasFor("GENERAL", "tell me a joke")
	if len(got) != 3 {
		t.Errorf("GENERAL turn returned %d tools, want 3 (cap)", len(got))
	}
}

// TestSchemasFor_Allowlist verifies the allowlist ∩ relevance intersection.
func TestSchemasFor_Allowlist(t *testing.T) {
	t.Parallel()
	r := registry.New(catalogue(), registry.WithAllowlist("fs.read_file", "git.diff"))

	got := r.SchemasFor("FILESYSTEM", "read the config file")
	if len(got) != 1 || got[0].Name != "fs.read_file" {
		t.Errorf("allowlisted FILESYSTEM turn = %v, want [fs.read_file]", names(got))
	}
}

// TestAllowlistCeiling verifies that entries beyond 15 are dropped.
func TestAllowlistCeiling(t *testing.T) {
	t.Parallel()
	wide := make([]string, 0, 20)
	for _, def := range catalogue().ToolsResult {
		wide = append(wide, def.Name)
	}
	for len(wide) < 20 {
		wide = append(wide, "pad.tool")
	}
	// fs.read_file sits inside the first 15 entries and must survive.
	r := registry.New(catalogue(), registry.WithAllowlist(wide...))
	if _, ok := r.Get("fs.read_file"); !ok {
		t.Error("tool within ceiling not admitted")
	}
}

// TestGet verifies lookup and allowlist enforcement.
func TestGet(t *testing.T) {
	t.Parallel()
	r := registry.New(catalogue(), registry.WithAllowlist("fs.read_file"))

	if _, ok := r.Get("fs.read_file"); !ok {
		t.Error("Get(fs.read_file) = not found, want found")
	}
	if _, ok := r.Get("git.commit"); ok {
		t.Error("Get(git.commit) passed a closed allowlist")
	}
	if _, ok := r.Get("no.such"); ok {
		t.Error("Get(no.such) = found, want not found")
	}
}

// TestExecute verifies delegation to the host and allowlist enforcement for
// salvage-parsed names.
func TestExecute(t *testing.T) {
	t.Parallel()
	host := catalogue()
	host.ExecuteToolResult = &mcp.ToolResult{Content: "contents"}
	r := registry.New(host, registry.WithAllowlist("fs.read_file"))

	result, err := r.Execute(context.Background(), "fs.read_file", `{"path":"/etc/hosts"}`)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Content != "contents" {
		t.Errorf("Content = %q, want %q", result.Content, "contents")
	}
	if host.CallCount("ExecuteTool") != 1 {
		t.Errorf("host ExecuteTool calls = %d, want 1", host.CallCount("ExecuteTool"))
	}

	_, err = r.Execute(context.Background(), "git.commit", "{}")
	if !errors.Is(err, mcp.ErrToolNotFound) {
		t.Errorf("Execute outside allowlist = %v, want ErrToolNotFound", err)
	}
	if host.CallCount("ExecuteTool") != 1 {
		t.Error("disallowed Execute reached the host")
	}
}

// TestReconfigure verifies that a swapped allowlist takes effect for
// subsequent lookups without rebuilding the registry.
func TestReconfigure(t *testing.T) {
	t.Parallel()
	r := registry.New(catalogue(), registry.WithAllowlist("fs.read_file"))

	if _, ok := r.Get("git.diff"); ok {
		t.Fatal("Get(git.diff) passed the initial allowlist")
	}

	r.Reconfigure(registry.WithAllowlist("git.diff"))
	if _, ok := r.Get("git.diff"); !ok {
		t.Error("Get(git.diff) = not found after Reconfigure, want found")
	}
	if _, ok := r.Get("fs.read_file"); ok {
		t.Error("Get(fs.read_file) survived the allowlist swap")
	}

	// Reopening with an empty allowlist restores the full catalogue.
	r.Reconfigure(registry.WithAllowlist())
	if got := len(r.All()); got != len(catalogue().ToolsResult) {
		t.Errorf("All() after reopening = %d tools, want %d", got, len(catalogue().ToolsResult))
	}
}

// TestRefresh verifies delegation.
func TestRefresh(t *testing.T) {
	t.Parallel()
	host := catalogue()
	r := registry.New(host)

	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if host.CallCount("Refresh") != 1 {
		t.Errorf("host Refresh calls = %d, want 1", host.CallCount("Refresh"))
	}
}
