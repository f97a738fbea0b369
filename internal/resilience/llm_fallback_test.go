package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/averlon/parley/pkg/provider/llm"
	llmmock "github.com/averlon/parley/pkg/provider/llm/mock"
	"github.com/averlon/parley/pkg/types"
)

func fallbackTestConfig() FallbackConfig {
	return FallbackConfig{CircuitBreaker: CircuitBreakerConfig{
		MaxFailures:  2,
		ResetTimeout: time.Minute,
	}}
}

func TestLLMFallbackPrimarySucceeds(t *testing.T) {
	t.Parallel()
	primary := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "from primary"},
	}
	secondary := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "from secondary"},
	}

	f := NewLLMFallback(primary, "ollama", fallbackTestConfig())
	f.AddFallback("openai", secondary)

	resp, err := f.Complete(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "from primary" {
		t.Errorf("content = %q", resp.Content)
	}
	if len(secondary.CompleteCalls) != 0 {
		t.Error("secondary was consulted although the primary succeeded")
	}
}

func TestLLMFallbackFailsOver(t *testing.T) {
	t.Parallel()
	primary := &llmmock.Provider{CompleteErr: errors.New("connection refused")}
	secondary := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "from secondary"},
	}

	f := NewLLMFallback(primary, "ollama", fallbackTestConfig())
	f.AddFallback("openai", secondary)

	resp, err := f.Complete(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "from secondary" {
		t.Errorf("content = %q", resp.Content)
	}
	if len(primary.CompleteCalls) != 1 {
		t.Errorf("primary tried %d times", len(primary.CompleteCalls))
	}
}

func TestLLMFallbackAllFail(t *testing.T) {
	t.Parallel()
	primary := &llmmock.Provider{CompleteErr: errors.New("down")}
	secondary := &llmmock.Provider{CompleteErr: errors.New("also down")}

	f := NewLLMFallback(primary, "ollama", fallbackTestConfig())
	f.AddFallback("openai", secondary)

	if _, err := f.Complete(context.Background(), llm.CompletionRequest{}); !errors.Is(err, ErrAllFailed) {
		t.Errorf("err = %v, want ErrAllFailed", err)
	}
}

func TestLLMFallbackOpenBreakerSkipsPrimary(t *testing.T) {
	t.Parallel()
	primary := &llmmock.Provider{CompleteErr: errors.New("down")}
	secondary := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "ok"},
	}

	f := NewLLMFallback(primary, "ollama", fallbackTestConfig())
	f.AddFallback("openai", secondary)

	// Trip the primary's breaker (MaxFailures = 2).
	for i := 0; i < 3; i++ {
		if _, err := f.Complete(context.Background(), llm.CompletionRequest{}); err != nil {
			t.Fatalf("Complete %d: %v", i, err)
		}
	}
	if got := len(primary.CompleteCalls); got != 2 {
		t.Errorf("primary tried %d times, want 2 before the breaker opened", got)
	}
	if got := len(secondary.CompleteCalls); got != 3 {
		t.Errorf("secondary served %d calls, want 3", got)
	}
}

func TestLLMFallbackStreamCompletion(t *testing.T) {
	t.Parallel()
	primary := &llmmock.Provider{StreamErr: errors.New("refused")}
	secondary := &llmmock.Provider{
		StreamChunks: []llm.Chunk{{Text: "hi"}, {Done: true}},
	}

	f := NewLLMFallback(primary, "ollama", fallbackTestConfig())
	f.AddFallback("openai", secondary)

	ch, err := f.StreamCompletion(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}
	var text string
	for chunk := range ch {
		text += chunk.Text
	}
	if text != "hi" {
		t.Errorf("streamed %q", text)
	}
}

func TestLLMFallbackHealthCheck(t *testing.T) {
	t.Parallel()
	primary := &llmmock.Provider{}
	secondary := &llmmock.Provider{Healthy: true}

	f := NewLLMFallback(primary, "ollama", fallbackTestConfig())
	if f.HealthCheck(context.Background()) {
		t.Error("unhealthy chain reported healthy")
	}
	f.AddFallback("openai", secondary)
	if !f.HealthCheck(context.Background()) {
		t.Error("chain with one healthy backend reported unhealthy")
	}
}

func TestLLMFallbackName(t *testing.T) {
	t.Parallel()
	f := NewLLMFallback(&llmmock.Provider{}, "ollama", fallbackTestConfig())
	f.AddFallback("openai", &llmmock.Provider{})
	if got := f.Name(); got != "fallback(ollama,openai)" {
		t.Errorf("name = %q", got)
	}
}

func TestLLMFallbackCapabilitiesFromPrimary(t *testing.T) {
	t.Parallel()
	primary := &llmmock.Provider{
		ModelCapabilities: types.ModelCapabilities{SupportsToolCalling: true},
	}
	f := NewLLMFallback(primary, "ollama", fallbackTestConfig())
	if !f.Capabilities().SupportsToolCalling {
		t.Error("capabilities not taken from the primary")
	}
}
