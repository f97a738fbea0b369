package memory

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/averlon/parley/pkg/provider/llm"
	"github.com/averlon/parley/pkg/store"
	"github.com/averlon/parley/pkg/types"
)

// segmentPrompt produces a summary of one transcript segment.
const segmentPrompt = `Summarize the following chat transcript.

Rules:
- Keep concrete facts: names, decisions, numbers, file paths, open questions.
- Drop greetings, filler, and resolved back-and-forth.
- Write in third person, present tense.
- Stay under 200 words.

Respond with the summary only, no preamble.`

// mergePrompt folds a new segment summary into the rolling summary.
const mergePrompt = `You maintain a rolling summary of a chat conversation.
You are given the summary so far and a summary of the newest messages. Merge
them into one updated summary.

Rules:
- Keep concrete facts; prefer the newer summary where they conflict.
- Stay under 200 words.

Respond with the merged summary only, no preamble.`

const (
	// defaultSummaryThreshold is how many unsummarised messages accumulate
	// before a summary pass runs.
	defaultSummaryThreshold = 20

	// defaultSummaryTimeout bounds a background summary pass.
	defaultSummaryTimeout = 2 * time.Minute

	// summaryTemperature keeps summaries factual rather than creative.
	summaryTemperature = 0.3
)

// SummarizerOption is a functional option for configuring a [Summarizer].
type SummarizerOption func(*Summarizer)

// WithSummaryThreshold sets how many unsummarised messages must accumulate
// before a pass runs. The default is 20.
func WithSummaryThreshold(n int) SummarizerOption {
	return func(s *Summarizer) {
		if n > 0 {
			s.threshold = n
		}
	}
}

// WithSummaryModel overrides the provider's default model for summary passes.
func WithSummaryModel(model string) SummarizerOption {
	return func(s *Summarizer) {
		s.model = model
	}
}

// WithSummaryTimeout bounds each background pass. The default is 2 minutes.
func WithSummaryTimeout(d time.Duration) SummarizerOption {
	return func(s *Summarizer) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithSummarizerCache attaches the cache so stale conversation rows are
// evicted after a summary lands.
func WithSummarizerCache(cache *Cache) SummarizerOption {
	return func(s *Summarizer) {
		s.cache = cache
	}
}

// Summarizer maintains the warm tier: a rolling per-conversation summary that
// absorbs messages as they age out of the hot window.
//
// Summary passes run in the background after a turn completes, so a slow or
// failing summary never delays a response. All methods are safe for
// concurrent use.
type Summarizer struct {
	store     store.Store
	llm       llm.Provider
	cache     *Cache
	threshold int
	timeout   time.Duration
	model     string

	wg sync.WaitGroup
}

// NewSummarizer creates a Summarizer over the given store and LLM provider.
func NewSummarizer(s store.Store, p llm.Provider, opts ...SummarizerOption) *Summarizer {
	sm := &Summarizer{
		store:     s,
		llm:       p,
		threshold: defaultSummaryThreshold,
		timeout:   defaultSummaryTimeout,
	}
	for _, opt := range opts {
		opt(sm)
	}
	return sm
}

// TriggerAsync schedules a summary pass for the conversation and returns
// immediately. Failures are logged, never surfaced to the turn that
// triggered them.
func (s *Summarizer) TriggerAsync(conversationID string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		if _, err := s.Summarize(ctx, conversationID); err != nil {
			slog.Warn("background summary pass failed",
				"conversation_id", conversationID,
				"error", err)
		}
	}()
}

// Wait blocks until all in-flight background passes finish. Called during
// shutdown.
func (s *Summarizer) Wait() {
	s.wg.Wait()
}

// Summarize runs one summary pass. It reads the messages past the
// conversation's summarised watermark and, when they exceed the threshold,
// consolidates them in two stages: first the new segment is summarised on
// its own, then the result is merged with the previous summary. The first
// pass of a conversation skips the merge. Returns true when a summary was
// written.
func (s *Summarizer) Summarize(ctx context.Context, conversationID string) (bool, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return false, fmt.Errorf("memory: summarize: %w", err)
	}
	if conv == nil {
		return false, nil
	}

	delta, err := s.store.MessagesBetween(ctx, conversationID, conv.SummarizedTo, math.MaxInt64)
	if err != nil {
		return false, fmt.Errorf("memory: summarize: %w", err)
	}
	if len(delta) <= s.threshold {
		return false, nil
	}

	transcript := formatTranscript(delta)
	if transcript == "" {
		return false, nil
	}

	summary, err := s.complete(ctx, segmentPrompt, transcript)
	if err != nil {
		return false, fmt.Errorf("memory: summarize segment: %w", err)
	}

	if previous := strings.TrimSpace(conv.Summary); previous != "" {
		merged, err := s.complete(ctx, mergePrompt,
			"Summary so far:\n"+previous+"\n\nNewest messages:\n"+summary)
		if err != nil {
			return false, fmt.Errorf("memory: summarize merge: %w", err)
		}
		summary = merged
	}

	lastSeq := delta[len(delta)-1].Seq
	if err := s.store.UpdateSummary(ctx, conversationID, summary, lastSeq); err != nil {
		return false, fmt.Errorf("memory: summarize: %w", err)
	}
	if s.cache != nil {
		s.cache.InvalidateConversation(conversationID)
	}

	slog.Debug("conversation summarised",
		"conversation_id", conversationID,
		"messages", len(delta),
		"summarized_to", lastSeq)
	return true, nil
}

// complete runs one low-temperature completion and rejects blank output.
func (s *Summarizer) complete(ctx context.Context, system, user string) (string, error) {
	resp, err := s.llm.Complete(ctx, llm.CompletionRequest{
		Messages: []types.Message{
			{Role: types.RoleSystem, Content: system},
			{Role: types.RoleUser, Content: user},
		},
		Model:       s.model,
		Temperature: summaryTemperature,
	})
	if err != nil {
		return "", err
	}
	out := strings.TrimSpace(resp.Content)
	if out == "" {
		return "", fmt.Errorf("model returned empty summary")
	}
	return out, nil
}

// formatTranscript renders messages as "[role]: content" lines. Tool results
// and empty tool-call shells are skipped; the assistant text that follows
// them carries whatever mattered.
func formatTranscript(msgs []store.Message) string {
	var sb strings.Builder
	for _, m := range msgs {
		if m.Role == types.RoleTool {
			continue
		}
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		fmt.Fprintf(&sb, "[%s]: %s\n", m.Role, content)
	}
	return sb.String()
}
