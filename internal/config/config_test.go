package config

import (
	"strings"
	"testing"
)

const minimalYAML = `
server:
  listen_addr: ":8080"
providers:
  llm:
    name: ollama
    model: qwen2.5:14b
`

func TestLoadFromReaderMinimal(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(minimalYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("listen_addr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Providers.LLM.Name != "ollama" {
		t.Errorf("llm provider = %q", cfg.Providers.LLM.Name)
	}
}

func TestLoadFromReaderFullSchema(t *testing.T) {
	yaml := `
server:
  listen_addr: ":9090"
  log_level: debug
  tls:
    cert_file: /etc/parley/tls.crt
    key_file: /etc/parley/tls.key
providers:
  llm:
    name: openai
    api_key: sk-test
    model: gpt-4o
    options:
      temperature: 0.5
  embeddings:
    name: ollama
    base_url: http://localhost:11434
    model: nomic-embed-text
chat:
  model: gpt-4o
  vision_model: llava
  classifier_model: gpt-4o-mini
  persona: "You are a terse assistant."
  max_tool_turns: 3
  llm_timeout_ms: 60000
  turn_timeout_ms: 300000
memory:
  postgres_dsn: postgres://parley@localhost:5432/parley
  embedding_dimensions: 768
  hot_window: 30
  summary_threshold: 10
  recall_top_k: 3
tools:
  allowlist: [fs.read_file, fs.list_dir]
  filter_max: 4
  timeout_ms: 15000
  keywords:
    FILESYSTEM: [file, read, dir]
mcp:
  servers:
    - name: fs
      transport: stdio
      command: mcp-server-filesystem /data
      env:
        LOG_LEVEL: warn
    - name: search
      transport: streamable-http
      url: https://mcp.example.com/mcp
`
	cfg, err := LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Chat.MaxToolTurns != 3 || cfg.Chat.VisionModel != "llava" {
		t.Errorf("chat block = %+v", cfg.Chat)
	}
	if cfg.Memory.HotWindow != 30 || cfg.Memory.EmbeddingDimensions != 768 {
		t.Errorf("memory block = %+v", cfg.Memory)
	}
	if len(cfg.Tools.Allowlist) != 2 || cfg.Tools.FilterMax != 4 {
		t.Errorf("tools block = %+v", cfg.Tools)
	}
	if len(cfg.MCP.Servers) != 2 || cfg.MCP.Servers[1].URL == "" {
		t.Errorf("mcp block = %+v", cfg.MCP)
	}
	if cfg.Server.TLS == nil || cfg.Server.TLS.CertFile != "/etc/parley/tls.crt" {
		t.Errorf("tls block = %+v", cfg.Server.TLS)
	}
}

func TestLoadFromReaderFallbackProviders(t *testing.T) {
	yaml := minimalYAML + `
  llm_fallbacks:
    - name: openai
      model: gpt-4o-mini
  embeddings_fallbacks:
    - name: openai
      model: text-embedding-3-small
`
	cfg, err := LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if len(cfg.Providers.LLMFallbacks) != 1 || cfg.Providers.LLMFallbacks[0].Name != "openai" {
		t.Errorf("llm_fallbacks = %+v", cfg.Providers.LLMFallbacks)
	}
	if len(cfg.Providers.EmbeddingsFallbacks) != 1 || cfg.Providers.EmbeddingsFallbacks[0].Model != "text-embedding-3-small" {
		t.Errorf("embeddings_fallbacks = %+v", cfg.Providers.EmbeddingsFallbacks)
	}
}

func TestValidateFallbackNeedsName(t *testing.T) {
	cfg := &Config{
		Providers: ProvidersConfig{
			LLM:          ProviderEntry{Name: "ollama"},
			LLMFallbacks: []ProviderEntry{{Model: "gpt-4o-mini"}},
		},
	}
	err := Validate(cfg)
	if err == nil || !strings.Contains(err.Error(), "llm_fallbacks[0].name") {
		t.Errorf("Validate = %v, want an llm_fallbacks name error", err)
	}
}

func TestLoadFromReaderRejectsUnknownFields(t *testing.T) {
	yaml := minimalYAML + `
voice:
  provider: elevenlabs
`
	if _, err := LoadFromReader(strings.NewReader(yaml)); err == nil {
		t.Fatal("expected an error for an unknown top-level field")
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := &Config{
		Server: ServerConfig{LogLevel: "verbose"},
		Chat:   ChatConfig{MaxToolTurns: -1},
		MCP: MCPConfig{Servers: []MCPServerConfig{
			{Name: "fs", Transport: "stdio"}, // missing command
			{Name: "fs", Transport: "streamable-http"}, // duplicate name, missing url
		}},
	}
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{
		"server.log_level",
		"providers.llm.name is required",
		"chat.max_tool_turns",
		"command is required",
		"url is required",
		"duplicate",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error does not mention %q: %v", want, err)
		}
	}
}

func TestValidateAllowlistCeiling(t *testing.T) {
	cfg := &Config{Providers: ProvidersConfig{LLM: ProviderEntry{Name: "ollama"}}}
	for i := 0; i < allowlistCeiling+1; i++ {
		cfg.Tools.Allowlist = append(cfg.Tools.Allowlist, "fs.tool_"+strings.Repeat("x", i+1))
	}
	err := Validate(cfg)
	if err == nil || !strings.Contains(err.Error(), "ceiling") {
		t.Errorf("err = %v, want allowlist ceiling violation", err)
	}
}

func TestValidateDuplicateAllowlistEntries(t *testing.T) {
	cfg := &Config{
		Providers: ProvidersConfig{LLM: ProviderEntry{Name: "ollama"}},
		Tools:     ToolsConfig{Allowlist: []string{"fs.read_file", "fs.read_file"}},
	}
	err := Validate(cfg)
	if err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Errorf("err = %v, want duplicate allowlist error", err)
	}
}

func TestLogLevelIsValid(t *testing.T) {
	for _, l := range []LogLevel{LogDebug, LogInfo, LogWarn, LogError} {
		if !l.IsValid() {
			t.Errorf("%q should be valid", l)
		}
	}
	if LogLevel("trace").IsValid() {
		t.Error("trace should be invalid")
	}
}
