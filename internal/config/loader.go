package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/averlon/parley/internal/mcp"
	"gopkg.in/yaml.v3"
)

// allowlistCeiling mirrors the registry's hard cap on allowlist size.
const allowlistCeiling = 15

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"ollama", "openai", "anthropic", "gemini", "deepseek", "mistral", "groq"},
	"embeddings": {"ollama", "openai"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with environment overrides applied. It is a convenience wrapper
// around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment variable
// overrides, and validates the result. Useful in tests where configs are
// constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envOverrides maps an environment variable to the setter it drives.
// Variables take precedence over the YAML file so deployments can retune a
// shared config without editing it.
var envOverrides = []struct {
	name string
	set  func(cfg *Config, value string) error
}{
	{"DEFAULT_PROVIDER", func(cfg *Config, v string) error {
		cfg.Providers.LLM.Name = v
		return nil
	}},
	{"MODEL", func(cfg *Config, v string) error {
		cfg.Chat.Model = v
		return nil
	}},
	{"VISION_MODEL", func(cfg *Config, v string) error {
		cfg.Chat.VisionModel = v
		return nil
	}},
	{"EMBEDDING_MODEL", func(cfg *Config, v string) error {
		cfg.Providers.Embeddings.Model = v
		return nil
	}},
	{"MAX_TOOL_TURNS", func(cfg *Config, v string) error {
		return setInt(&cfg.Chat.MaxToolTurns, v)
	}},
	{"HOT_WINDOW_SIZE", func(cfg *Config, v string) error {
		return setInt(&cfg.Memory.HotWindow, v)
	}},
	{"SUMMARY_THRESHOLD", func(cfg *Config, v string) error {
		return setInt(&cfg.Memory.SummaryThreshold, v)
	}},
	{"TOOL_ALLOWLIST", func(cfg *Config, v string) error {
		var names []string
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				names = append(names, name)
			}
		}
		cfg.Tools.Allowlist = names
		return nil
	}},
	{"TOOL_FILTER_MAX", func(cfg *Config, v string) error {
		return setInt(&cfg.Tools.FilterMax, v)
	}},
	{"TOOL_TIMEOUT_MS", func(cfg *Config, v string) error {
		return setInt(&cfg.Tools.TimeoutMS, v)
	}},
	{"LLM_TIMEOUT_MS", func(cfg *Config, v string) error {
		return setInt(&cfg.Chat.LLMTimeoutMS, v)
	}},
	{"TURN_TIMEOUT_MS", func(cfg *Config, v string) error {
		return setInt(&cfg.Chat.TurnTimeoutMS, v)
	}},
}

// ApplyEnv overlays recognised environment variables onto cfg. Unparseable
// values are logged and skipped so a bad variable cannot take the server
// down with an otherwise valid file.
func ApplyEnv(cfg *Config) {
	for _, o := range envOverrides {
		value, ok := os.LookupEnv(o.name)
		if !ok || value == "" {
			continue
		}
		if err := o.set(cfg, value); err != nil {
			slog.Warn("ignoring unparseable environment override",
				"name", o.name, "value", value, "err", err)
		}
	}
}

func setInt(dst *int, value string) error {
	n, err := strconv.Atoi(value)
	if err != nil {
		return err
	}
	*dst = n
	return nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)

	if cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm.name is required"))
	}
	for i, fb := range cfg.Providers.LLMFallbacks {
		validateProviderName("llm_fallbacks", fb.Name)
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.llm_fallbacks[%d].name is required", i))
		}
	}
	for i, fb := range cfg.Providers.EmbeddingsFallbacks {
		validateProviderName("embeddings_fallbacks", fb.Name)
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.embeddings_fallbacks[%d].name is required", i))
		}
	}

	// Embeddings ↔ memory dimensions
	if cfg.Providers.Embeddings.Name != "" && cfg.Memory.EmbeddingDimensions <= 0 {
		slog.Warn("providers.embeddings is configured but memory.embedding_dimensions is not set; cold-tier recall will use the store default")
	}
	if cfg.Providers.Embeddings.Name == "" {
		slog.Warn("providers.embeddings is empty; cold-tier recall and memory search will be unavailable")
	}

	// Memory availability
	if cfg.Memory.PostgresDSN == "" {
		slog.Warn("memory.postgres_dsn is empty; conversations will live in memory only and vanish on restart")
	}
	for _, field := range []struct {
		name  string
		value int
	}{
		{"memory.hot_window", cfg.Memory.HotWindow},
		{"memory.summary_threshold", cfg.Memory.SummaryThreshold},
		{"memory.recall_top_k", cfg.Memory.RecallTopK},
		{"chat.max_tool_turns", cfg.Chat.MaxToolTurns},
		{"chat.llm_timeout_ms", cfg.Chat.LLMTimeoutMS},
		{"chat.turn_timeout_ms", cfg.Chat.TurnTimeoutMS},
		{"tools.filter_max", cfg.Tools.FilterMax},
		{"tools.timeout_ms", cfg.Tools.TimeoutMS},
	} {
		if field.value < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative, got %d", field.name, field.value))
		}
	}

	// Tool allowlist
	if n := len(cfg.Tools.Allowlist); n > allowlistCeiling {
		errs = append(errs, fmt.Errorf("tools.allowlist holds %d names; the ceiling is %d", n, allowlistCeiling))
	}
	seen := make(map[string]int, len(cfg.Tools.Allowlist))
	for i, name := range cfg.Tools.Allowlist {
		if name == "" {
			errs = append(errs, fmt.Errorf("tools.allowlist[%d] is empty", i))
			continue
		}
		if prev, ok := seen[name]; ok {
			errs = append(errs, fmt.Errorf("tools.allowlist[%d] %q is a duplicate of tools.allowlist[%d]", i, name, prev))
		}
		seen[name] = i
	}

	// MCP servers
	srvNamesSeen := make(map[string]int, len(cfg.MCP.Servers))
	for i, srv := range cfg.MCP.Servers {
		prefix := fmt.Sprintf("mcp.servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := srvNamesSeen[srv.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of mcp.servers[%d]", prefix, srv.Name, prev))
			}
			srvNamesSeen[srv.Name] = i
		}
		if srv.Transport != "" && !srv.Transport.IsValid() {
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, streamable-http", prefix, srv.Transport))
		}
		if srv.Transport == mcp.TransportStdio && srv.Command == "" {
			errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
		}
		if srv.Transport == mcp.TransportStreamableHTTP && srv.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url is required when transport is streamable-http", prefix))
		}
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
