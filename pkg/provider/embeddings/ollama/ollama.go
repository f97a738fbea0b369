// Package ollama provides an embeddings provider backed by a local Ollama
// instance, using the native /api/embed endpoint.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/averlon/parley/pkg/provider/embeddings"
)

const defaultBaseURL = "http://localhost:11434"

// Provider implements embeddings.Provider against the Ollama HTTP API.
//
// The vector dimension is resolved from an explicit [WithDimensions] value,
// then from a table of common embedding models, and as a last resort by
// embedding a probe string once against the live server.
type Provider struct {
	baseURL string
	model   string
	client  *http.Client

	dims      int
	probeOnce sync.Once
}

// Compile-time check: Provider must implement embeddings.Provider.
var _ embeddings.Provider = (*Provider)(nil)

// Option is a functional option for Provider.
type Option func(*Provider)

// WithDimensions pins the vector dimension, skipping both the model table
// and the probe request.
func WithDimensions(n int) Option {
	return func(p *Provider) { p.dims = n }
}

// WithTimeout bounds each embed request. Zero means no client timeout.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.client.Timeout = d }
}

// WithHTTPClient replaces the HTTP client. Primarily used in tests.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// New constructs an Ollama embeddings Provider. An empty baseURL falls back
// to the local default.
func New(baseURL, model string, opts ...Option) (*Provider, error) {
	if model == "" {
		return nil, fmt.Errorf("ollama embeddings: model must not be empty")
	}
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	p := &Provider{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		client:  &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	if p.dims == 0 {
		p.dims = tableDimensions(model)
	}
	return p, nil
}

// Embed computes the vector for a single text. The text travels verbatim;
// model-specific prefixes like "query: " are the caller's concern.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds all texts in one request, preserving order. An empty
// input returns (nil, nil) without touching the network.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	vecs, err := p.embed(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("ollama embeddings: got %d vectors for %d inputs", len(vecs), len(texts))
	}
	return vecs, nil
}

// Dimensions reports the vector length this provider produces. For a model
// outside the table it embeds a probe string once and caches the length;
// a failed probe reports 0 and is not retried.
func (p *Provider) Dimensions() int {
	if p.dims != 0 {
		return p.dims
	}
	p.probeOnce.Do(func() {
		vecs, err := p.embed(context.Background(), []string{"dimension probe"})
		if err == nil {
			p.dims = len(vecs[0])
		}
	})
	return p.dims
}

// ModelID returns the Ollama model name supplied at construction.
func (p *Provider) ModelID() string {
	return p.model
}

func (p *Provider) embed(ctx context.Context, texts []string) ([][]float32, error) {
	payload, err := json.Marshal(struct {
		Model string   `json:"model"`
		Input []string `json:"input"`
	}{Model: p.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("ollama embeddings: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/api/embed", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("ollama embeddings: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama embeddings: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama embeddings: status %d", resp.StatusCode)
	}

	var body struct {
		Embeddings [][]float32 `json:"embeddings"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("ollama embeddings: decode response: %w", err)
	}
	if len(body.Embeddings) == 0 {
		return nil, fmt.Errorf("ollama embeddings: empty response")
	}
	return body.Embeddings, nil
}

// tableDimensions reports the output dimension of common Ollama embedding
// models. Unknown models return 0 and are probed lazily.
func tableDimensions(model string) int {
	name := strings.ToLower(model)
	switch {
	case strings.Contains(name, "nomic-embed-text"):
		return 768
	case strings.Contains(name, "mxbai-embed-large"):
		return 1024
	case strings.Contains(name, "all-minilm"):
		return 384
	}
	return 0
}
