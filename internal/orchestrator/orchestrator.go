// Package orchestrator runs the reasoning loop at the heart of Parley.
//
// A turn flows through four stages: classify the user's intent and
// complexity, compose the three-tier memory context, select a reasoning path
// (fast, tool, or agentic), then iterate LLM calls and tool executions until
// the model produces a final answer or the tool-turn budget runs out. The
// [sanitizer] sits between the loop and the client stream and guarantees the
// frame rules: raw tool-call JSON never leaks, the provider's own done signal
// is suppressed while iterations remain, and exactly one terminal frame
// carries the conversation id.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/averlon/parley/internal/mcp/registry"
	"github.com/averlon/parley/internal/mcp/tools/memorytool"
	"github.com/averlon/parley/internal/memory"
	"github.com/averlon/parley/internal/observe"
	"github.com/averlon/parley/pkg/provider/llm"
	"github.com/averlon/parley/pkg/store"
	"github.com/averlon/parley/pkg/types"
)

const (
	// defaultMaxToolTurns bounds LLM/tool iterations per turn.
	defaultMaxToolTurns = 5

	// defaultLLMTimeout bounds a single streaming LLM call.
	defaultLLMTimeout = 120 * time.Second

	// defaultTurnTimeout bounds the whole turn.
	defaultTurnTimeout = 10 * time.Minute

	// defaultToolResultCap bounds how many bytes of a tool result are fed
	// back to the model.
	defaultToolResultCap = 4096

	// truncationMarker is appended to tool results cut at the cap.
	truncationMarker = "… [truncated]"

	// titleMax is how much of the first user message becomes the
	// conversation title.
	titleMax = 50

	// streamBuffer is the client chunk channel capacity. Kept small so a
	// slow client applies backpressure to the loop.
	streamBuffer = 8
)

// Reasoning path labels, used in metrics and logs.
const (
	pathFast    = "fast"
	pathTool    = "tool"
	pathAgentic = "agentic"
)

// Option is a functional option for configuring an [Orchestrator].
type Option func(*Orchestrator)

// WithMaxToolTurns sets the iteration ceiling. The default is 5.
func WithMaxToolTurns(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxToolTurns = n
		}
	}
}

// WithLLMTimeout bounds each streaming LLM call. The default is 120s.
func WithLLMTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.llmTimeout = d
		}
	}
}

// WithTurnTimeout bounds the whole turn. The default is 10 minutes.
func WithTurnTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.turnTimeout = d
		}
	}
}

// WithToolResultCap sets the tool result truncation cap in bytes. The
// default is 4096.
func WithToolResultCap(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.toolResultCap = n
		}
	}
}

// WithModel sets the default chat model. Empty means the provider default.
func WithModel(model string) Option {
	return func(o *Orchestrator) { o.model = model }
}

// WithVisionModel sets the model used when image attachments are present.
func WithVisionModel(model string) Option {
	return func(o *Orchestrator) { o.visionModel = model }
}

// WithClassifierModel overrides the model for classifier and planner calls.
// These are short completions where a smaller, faster model usually suffices.
func WithClassifierModel(model string) Option {
	return func(o *Orchestrator) { o.utilityModel = model }
}

// WithSummarizer attaches the warm-tier summarizer, triggered after each
// completed turn.
func WithSummarizer(s *memory.Summarizer) Option {
	return func(o *Orchestrator) { o.summarizer = s }
}

// WithEmbedder attaches the cold-tier embedding backfiller.
func WithEmbedder(e *memory.Embedder) Option {
	return func(o *Orchestrator) { o.embedder = e }
}

// WithMetrics attaches the metrics instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// Orchestrator owns the per-turn reasoning loop. Safe for concurrent use;
// each request runs independently.
type Orchestrator struct {
	store      store.Store
	provider   llm.Provider
	registry   *registry.Registry
	composer   *memory.Composer
	summarizer *memory.Summarizer
	embedder   *memory.Embedder
	metrics    *observe.Metrics

	maxToolTurns  int
	llmTimeout    time.Duration
	turnTimeout   time.Duration
	toolResultCap int
	model         string
	visionModel   string
	utilityModel  string
}

// New creates an Orchestrator over the given store, provider, registry and
// composer, with options applied on top of the defaults.
func New(s store.Store, p llm.Provider, r *registry.Registry, c *memory.Composer, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:         s,
		provider:      p,
		registry:      r,
		composer:      c,
		maxToolTurns:  defaultMaxToolTurns,
		llmTimeout:    defaultLLMTimeout,
		turnTimeout:   defaultTurnTimeout,
		toolResultCap: defaultToolResultCap,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Request is one chat turn submitted over the WS or REST surface.
type Request struct {
	// ConversationID continues an existing conversation. Empty starts a new
	// one.
	ConversationID string

	// UserID identifies the requesting user.
	UserID string

	// Messages is the incoming frame's message list. The last user-role
	// message drives the turn; history is loaded from the store, not trusted
	// from the client.
	Messages []types.Message

	// Model overrides the configured chat model for this turn.
	Model string
}

// Stream runs the turn and returns the channel of client frames. The channel
// is closed after the terminal frame. Validation failures (empty message,
// unknown conversation) are returned synchronously so transports can map
// them to a 4xx; everything after validation arrives as frames.
func (o *Orchestrator) Stream(ctx context.Context, req Request) (<-chan types.StreamChunk, error) {
	userMsg, err := lastUserMessage(req.Messages)
	if err != nil {
		return nil, err
	}
	text := injectTranscriptions(userMsg)
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyMessage
	}

	conv, err := o.conversation(ctx, req, text)
	if err != nil {
		return nil, err
	}

	ch := make(chan types.StreamChunk, streamBuffer)
	go o.run(ctx, req, conv, userMsg, text, ch)
	return ch, nil
}

// Chat runs the same loop non-streaming: it drains the frame channel and
// returns the concatenated assistant text. Used by the one-shot REST
// endpoint.
func (o *Orchestrator) Chat(ctx context.Context, req Request) (conversationID, content string, err error) {
	ch, err := o.Stream(ctx, req)
	if err != nil {
		return "", "", err
	}
	var sb strings.Builder
	for chunk := range ch {
		sb.WriteString(chunk.Content)
		if chunk.ConversationID != "" {
			conversationID = chunk.ConversationID
		}
		if chunk.Error != "" {
			return conversationID, sb.String(), errors.New(chunk.Error)
		}
	}
	return conversationID, sb.String(), nil
}

// run drives one turn to completion and closes the frame channel.
func (o *Orchestrator) run(parent context.Context, req Request, conv *store.Conversation, userMsg types.Message, text string, ch chan<- types.StreamChunk) {
	defer close(ch)
	o.streamGauge(parent, 1)
	defer o.streamGauge(parent, -1)

	ctx, cancel := context.WithTimeout(parent, o.turnTimeout)
	defer cancel()

	// Emission is bounded by the caller's context, not the turn timeout, so
	// the terminal error frame still reaches a connected client after the
	// turn deadline fires.
	out := newSanitizer(func(chunk types.StreamChunk) error {
		select {
		case ch <- chunk:
			return nil
		case <-parent.Done():
			return parent.Err()
		}
	})

	err := o.turn(ctx, req, conv, userMsg, text, out)
	if err == nil {
		return
	}
	if errors.Is(err, context.Canceled) {
		// Client went away; nothing left to tell it.
		return
	}
	slog.Error("turn failed",
		"conversation_id", conv.ID,
		"user_id", req.UserID,
		"error", err)
	_ = out.fail(userFacing(err))
}

// turn is one full request cycle: persist, classify, compose, loop.
func (o *Orchestrator) turn(ctx context.Context, req Request, conv *store.Conversation, userMsg types.Message, text string, out *sanitizer) error {
	start := time.Now()

	stored, err := o.store.AddMessage(ctx, store.Message{
		ConversationID: conv.ID,
		Role:           types.RoleUser,
		Content:        text,
	})
	if err != nil {
		return fmt.Errorf("orchestrator: persist user message: %w", err)
	}
	o.enqueueEmbedding(stored.ID, text)

	if err := out.status("Thinking..."); err != nil {
		return err
	}

	// Media turns bypass the classifier; model selection handles images.
	intent, complexity := types.IntentGeneral, types.ComplexitySimple
	if len(userMsg.Attachments) == 0 {
		cl := &classifier{llm: o.provider, model: o.utilityModel}
		intent, complexity = cl.classify(ctx, text, o.registry.Intents())
	}
	o.recordIntent(ctx, intent, complexity)

	model := req.Model
	if model == "" {
		model = o.model
	}
	images := imagePayloads(userMsg)
	if len(images) > 0 && o.visionModel != "" && req.Model == "" {
		model = o.visionModel
	}

	base, err := o.composer.Compose(ctx, conv.ID, req.UserID, text)
	if err != nil {
		return err
	}

	schemas := o.registry.SchemasFor(intent, text)
	path := pathTool
	switch {
	case complexity == types.ComplexityComplex:
		path = pathAgentic
	case len(schemas) == 0:
		path = pathFast
	}

	if path == pathAgentic {
		if err := out.status("Planning..."); err != nil {
			return err
		}
		pl := &planner{llm: o.provider, model: o.utilityModel}
		steps, perr := pl.plan(ctx, text, schemas)
		if perr != nil {
			slog.Warn("planning failed, continuing without a plan",
				"conversation_id", conv.ID, "error", perr)
		} else {
			base = append(base, planMessage(steps))
		}
	}

	if err := o.loop(ctx, conv, req.UserID, path, model, images, base, schemas, out); err != nil {
		return err
	}
	o.recordTurn(ctx, intent, path, time.Since(start).Seconds())
	if o.summarizer != nil {
		o.summarizer.TriggerAsync(conv.ID)
	}
	return nil
}

// loop is the bounded ReAct cycle shared by all three paths. The fast path
// is simply an iteration with no tools offered.
func (o *Orchestrator) loop(ctx context.Context, conv *store.Conversation, userID, path, model string, images []string, base []types.Message, schemas []types.ToolDefinition, out *sanitizer) error {
	var inTurn []types.Message

	for iter := 1; iter <= o.maxToolTurns; iter++ {
		out.beginIteration(path != pathFast)

		content, toolCalls, usage, err := o.streamLLM(ctx, model, images, append(base, inTurn...), schemas, out)
		if err != nil {
			return err
		}

		// Weak models sometimes write the tool call into the content channel
		// instead of the structured field.
		if len(toolCalls) == 0 && path != pathFast {
			if salvaged := llm.SalvageToolCall(content, schemas); len(salvaged) > 0 {
				toolCalls = salvaged
				content = ""
			}
		}

		if len(toolCalls) == 0 {
			if err := out.endIteration(false); err != nil {
				return err
			}
			final, err := o.store.AddMessage(ctx, store.Message{
				ConversationID: conv.ID,
				Role:           types.RoleAssistant,
				Content:        content,
				Metrics:        o.messageMetrics(model, usage),
			})
			if err != nil {
				return fmt.Errorf("orchestrator: persist assistant message: %w", err)
			}
			o.enqueueEmbedding(final.ID, content)
			return out.done(conv.ID)
		}

		// Tool-using iteration: the accumulated content is dropped from both
		// the client stream and the persisted message, and the provider's
		// done signal never propagates.
		if err := out.endIteration(true); err != nil {
			return err
		}
		if err := out.toolCalls(toolCalls); err != nil {
			return err
		}

		assistant := types.Message{Role: types.RoleAssistant, ToolCalls: toolCalls}
		if _, err := o.store.AddMessage(ctx, store.Message{
			ConversationID: conv.ID,
			Role:           types.RoleAssistant,
			ToolCalls:      toolCalls,
			Metrics:        o.messageMetrics(model, usage),
		}); err != nil {
			return fmt.Errorf("orchestrator: persist assistant message: %w", err)
		}
		inTurn = append(inTurn, assistant)

		toolMsgs, err := o.executeCalls(ctx, userID, toolCalls, &schemas, out)
		if err != nil {
			return err
		}
		for _, tm := range toolMsgs {
			if !correlated(assistant, tm) {
				return fmt.Errorf("%w: tool message id %q", ErrInvariantViolated, tm.ToolCallID)
			}
			if _, err := o.store.AddMessage(ctx, store.Message{
				ConversationID: conv.ID,
				Role:           types.RoleTool,
				Content:        tm.Content,
				ToolCallID:     tm.ToolCallID,
			}); err != nil {
				return fmt.Errorf("orchestrator: persist tool message: %w", err)
			}
			inTurn = append(inTurn, tm)
		}
	}

	return o.synthesize(ctx, conv, model, images, base, inTurn, out)
}

// synthesize runs one final call with tools withheld after the iteration
// budget is spent. Any content the model still produces becomes the answer;
// otherwise the limit is surfaced as a terminal error.
func (o *Orchestrator) synthesize(ctx context.Context, conv *store.Conversation, model string, images []string, base, inTurn []types.Message, out *sanitizer) error {
	out.beginIteration(true)
	content, _, usage, err := o.streamLLM(ctx, model, images, append(base, inTurn...), nil, out)
	if err != nil {
		return err
	}
	if strings.TrimSpace(content) == "" || llm.SalvageToolCall(content, o.registry.All()) != nil {
		return ErrIterationLimit
	}

	if err := out.status("Reached the tool-call limit; answering with what is known so far."); err != nil {
		return err
	}
	if err := out.endIteration(false); err != nil {
		return err
	}
	final, err := o.store.AddMessage(ctx, store.Message{
		ConversationID: conv.ID,
		Role:           types.RoleAssistant,
		Content:        content,
		Metrics:        o.messageMetrics(model, usage),
	})
	if err != nil {
		return fmt.Errorf("orchestrator: persist assistant message: %w", err)
	}
	o.enqueueEmbedding(final.ID, content)
	return out.done(conv.ID)
}

// streamLLM runs one streaming call, forwarding content through the
// sanitizer and returning the accumulated content, any structured tool
// calls, and usage accounting. The stream is closed early once tool calls
// arrive.
func (o *Orchestrator) streamLLM(ctx context.Context, model string, images []string, messages []types.Message, schemas []types.ToolDefinition, out *sanitizer) (string, []types.ToolCall, *types.Usage, error) {
	ctx, cancel := context.WithTimeout(ctx, o.llmTimeout)
	defer cancel()

	start := time.Now()
	ch, err := o.provider.StreamCompletion(ctx, llm.CompletionRequest{
		Messages: messages,
		Tools:    schemas,
		Model:    model,
		Images:   images,
	})
	if err != nil {
		o.recordProvider(ctx, "stream", "error")
		return "", nil, nil, fmt.Errorf("orchestrator: provider unavailable: %w", err)
	}

	var (
		content   strings.Builder
		toolCalls []types.ToolCall
		usage     *types.Usage
	)
	for chunk := range ch {
		if chunk.Err != nil {
			o.recordProvider(ctx, "stream", "error")
			return content.String(), nil, usage, fmt.Errorf("orchestrator: provider stream: %w", chunk.Err)
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
		if chunk.Text != "" {
			content.WriteString(chunk.Text)
			if err := out.content(chunk.Text); err != nil {
				return content.String(), nil, usage, err
			}
		}
		if len(chunk.ToolCalls) > 0 {
			toolCalls = chunk.ToolCalls
			cancel()
			for range ch {
			}
			break
		}
		// chunk.Done is deliberately ignored here: the loop decides when the
		// turn is over.
	}

	o.recordLLMDuration(ctx, time.Since(start).Seconds())
	o.recordProvider(ctx, "stream", "ok")
	return content.String(), toolCalls, usage, nil
}

// executeCalls runs each tool call and returns the tool-role messages to
// feed back. Tool-level failures become in-band error messages so the model
// can self-correct; only transport failures (client gone) abort.
func (o *Orchestrator) executeCalls(ctx context.Context, userID string, calls []types.ToolCall, schemas *[]types.ToolDefinition, out *sanitizer) ([]types.Message, error) {
	toolCtx := memorytool.WithUser(ctx, userID)
	msgs := make([]types.Message, 0, len(calls))

	for _, call := range calls {
		def, known := o.registry.Get(call.Name)
		if !known {
			o.recordToolCall(ctx, call.Name, "not_found")
			msgs = append(msgs, types.Message{
				Role:       types.RoleTool,
				ToolCallID: call.ID,
				Content:    fmt.Sprintf("Error: tool %q is not available.", call.Name),
			})
			continue
		}
		// The model reached for a tool outside this turn's filtered set:
		// offer it on subsequent iterations.
		if !schemasContain(*schemas, def.Name) {
			*schemas = append(*schemas, def)
		}

		if err := out.status("Using " + call.Name + "..."); err != nil {
			return nil, err
		}

		start := time.Now()
		res, err := o.registry.Execute(toolCtx, call.Name, call.Arguments)
		o.recordToolDuration(ctx, time.Since(start).Seconds())

		var content string
		switch {
		case err != nil:
			o.recordToolCall(ctx, call.Name, "error")
			content = fmt.Sprintf("Error: tool %s failed: %v", call.Name, err)
		case res.IsError:
			o.recordToolCall(ctx, call.Name, "error")
			content = truncate(res.Content, o.toolResultCap)
		default:
			o.recordToolCall(ctx, call.Name, "ok")
			content = truncate(res.Content, o.toolResultCap)
		}
		msgs = append(msgs, types.Message{
			Role:       types.RoleTool,
			ToolCallID: call.ID,
			Content:    content,
		})
	}
	return msgs, nil
}

// conversation loads or creates the conversation for the request.
func (o *Orchestrator) conversation(ctx context.Context, req Request, text string) (*store.Conversation, error) {
	if req.ConversationID == "" {
		conv, err := o.store.CreateConversation(ctx, req.UserID, deriveTitle(text))
		if err != nil {
			return nil, fmt.Errorf("orchestrator: create conversation: %w", err)
		}
		return conv, nil
	}
	conv, err := o.store.GetConversation(ctx, req.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: load conversation: %w", err)
	}
	if conv == nil {
		return nil, ErrConversationNotFound
	}
	return conv, nil
}

func (o *Orchestrator) messageMetrics(model string, usage *types.Usage) types.MessageMetrics {
	m := types.MessageMetrics{Model: model, Provider: o.provider.Name()}
	if usage != nil {
		m.PromptTokens = usage.PromptTokens
		m.CompletionTokens = usage.CompletionTokens
	}
	return m
}

func (o *Orchestrator) enqueueEmbedding(messageID, content string) {
	if o.embedder != nil {
		o.embedder.Enqueue(messageID, content)
	}
}

// --- metrics guards; the orchestrator works without instruments attached ---

func (o *Orchestrator) streamGauge(ctx context.Context, delta int64) {
	if o.metrics != nil {
		o.metrics.ActiveStreams.Add(ctx, delta)
	}
}

func (o *Orchestrator) recordIntent(ctx context.Context, intent, complexity string) {
	if o.metrics != nil {
		o.metrics.RecordIntent(ctx, intent, complexity)
	}
}

func (o *Orchestrator) recordTurn(ctx context.Context, intent, path string, seconds float64) {
	if o.metrics != nil {
		o.metrics.RecordTurn(ctx, intent, path, seconds)
	}
}

func (o *Orchestrator) recordToolCall(ctx context.Context, tool, status string) {
	if o.metrics != nil {
		o.metrics.RecordToolCall(ctx, tool, status)
	}
}

func (o *Orchestrator) recordToolDuration(ctx context.Context, seconds float64) {
	if o.metrics != nil {
		o.metrics.ToolExecutionDuration.Record(ctx, seconds)
	}
}

func (o *Orchestrator) recordLLMDuration(ctx context.Context, seconds float64) {
	if o.metrics != nil {
		o.metrics.LLMDuration.Record(ctx, seconds)
	}
}

func (o *Orchestrator) recordProvider(ctx context.Context, kind, status string) {
	if o.metrics != nil {
		o.metrics.RecordProviderRequest(ctx, o.provider.Name(), kind, status)
	}
}

// --- helpers ---

// lastUserMessage returns the last user-role message of the frame.
func lastUserMessage(messages []types.Message) (types.Message, error) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == types.RoleUser {
			return messages[i], nil
		}
	}
	return types.Message{}, ErrEmptyMessage
}

// injectTranscriptions folds media transcriptions into the user text. The
// media pipeline itself is external; by the time a frame arrives here any
// audio or video attachment carries its transcription.
func injectTranscriptions(msg types.Message) string {
	content := msg.Content
	for _, a := range msg.Attachments {
		if a.Transcription == "" {
			continue
		}
		if content != "" {
			content += "\n"
		}
		content += fmt.Sprintf("[transcribed %s]: %s", a.Type, a.Transcription)
	}
	return content
}

// imagePayloads collects base64 image data for the vision side channel.
func imagePayloads(msg types.Message) []string {
	var out []string
	for _, a := range msg.Attachments {
		if a.Type == "image" && a.Base64Data != "" {
			out = append(out, a.Base64Data)
		}
	}
	return out
}

// correlated reports whether the tool message answers one of the assistant
// message's calls.
func correlated(assistant, tool types.Message) bool {
	for _, c := range assistant.ToolCalls {
		if c.ID == tool.ToolCallID {
			return true
		}
	}
	return false
}

func schemasContain(schemas []types.ToolDefinition, name string) bool {
	for _, def := range schemas {
		if def.Name == name {
			return true
		}
	}
	return false
}

// deriveTitle cuts the first user message down to a short label.
func deriveTitle(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) <= titleMax {
		return text
	}
	return string(runes[:titleMax])
}

// truncate caps s at n bytes on a rune boundary, marking the cut.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + truncationMarker
}

func utf8RuneStart(b byte) bool {
	return b&0xC0 != 0x80
}

// userFacing maps a turn error to the message shown to the client.
func userFacing(err error) string {
	switch {
	case errors.Is(err, ErrIterationLimit):
		return "Reached the tool-call limit before finding a final answer. Try narrowing the request."
	case errors.Is(err, ErrInvariantViolated):
		return "Internal error while coordinating tool calls."
	case errors.Is(err, context.DeadlineExceeded):
		return "The request timed out."
	default:
		return err.Error()
	}
}
