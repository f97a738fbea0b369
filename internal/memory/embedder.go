package memory

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/averlon/parley/pkg/provider/embeddings"
	"github.com/averlon/parley/pkg/store"
)

const (
	// defaultEmbedWorkers is how many goroutines drain the backfill queue.
	defaultEmbedWorkers = 2

	// defaultEmbedQueueSize bounds the backfill queue. When full, new jobs
	// are dropped; cold recall simply never sees those messages.
	defaultEmbedQueueSize = 256

	// defaultEmbedTimeout bounds a single embed-and-store job.
	defaultEmbedTimeout = 30 * time.Second
)

// embedJob is one message awaiting an embedding.
type embedJob struct {
	messageID string
	content   string
}

// EmbedderOption is a functional option for configuring an [Embedder].
type EmbedderOption func(*Embedder)

// WithEmbedWorkers sets the worker count. The default is 2.
func WithEmbedWorkers(n int) EmbedderOption {
	return func(e *Embedder) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithEmbedQueueSize sets the queue capacity. The default is 256.
func WithEmbedQueueSize(n int) EmbedderOption {
	return func(e *Embedder) {
		if n > 0 {
			e.queueSize = n
		}
	}
}

// WithEmbedTimeout bounds each embed-and-store job. The default is 30s.
func WithEmbedTimeout(d time.Duration) EmbedderOption {
	return func(e *Embedder) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// Embedder backfills message embeddings in the background so the cold tier
// becomes searchable without adding latency to the write path.
//
// Jobs flow through a bounded queue into a small worker pool. Enqueue never
// blocks: when the queue is full the job is dropped with a warning, which
// only means that message stays invisible to similarity search.
type Embedder struct {
	store     store.Store
	embed     embeddings.Provider
	workers   int
	queueSize int
	timeout   time.Duration

	queue chan embedJob

	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// NewEmbedder creates an Embedder over the given store and embedding
// provider. Call [Embedder.Start] before enqueueing.
func NewEmbedder(s store.Store, embed embeddings.Provider, opts ...EmbedderOption) *Embedder {
	e := &Embedder{
		store:     s,
		embed:     embed,
		workers:   defaultEmbedWorkers,
		queueSize: defaultEmbedQueueSize,
		timeout:   defaultEmbedTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.queue = make(chan embedJob, e.queueSize)
	return e
}

// Start launches the worker pool. Safe to call once; later calls are no-ops.
func (e *Embedder) Start() {
	e.startOnce.Do(func() {
		for i := 0; i < e.workers; i++ {
			e.wg.Add(1)
			go e.worker()
		}
	})
}

// Enqueue schedules a message for embedding backfill. Blank content is
// skipped. Never blocks; a full queue drops the job with a warning.
func (e *Embedder) Enqueue(messageID, content string) {
	if strings.TrimSpace(content) == "" {
		return
	}
	select {
	case e.queue <- embedJob{messageID: messageID, content: content}:
	default:
		slog.Warn("embedding queue full, dropping message", "message_id", messageID)
	}
}

// Close stops the workers after the queued jobs drain. Enqueue must not be
// called after Close.
func (e *Embedder) Close() {
	e.stopOnce.Do(func() {
		close(e.queue)
	})
	e.wg.Wait()
}

func (e *Embedder) worker() {
	defer e.wg.Done()
	for job := range e.queue {
		e.process(job)
	}
}

// process embeds one message and stores the vector. Failures are logged and
// swallowed; the message simply remains unsearchable.
func (e *Embedder) process(job embedJob) {
	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()

	vec, err := e.embed.Embed(ctx, job.content)
	if err != nil {
		slog.Warn("embedding backfill failed", "message_id", job.messageID, "error", err)
		return
	}
	if err := e.store.UpdateMessageEmbedding(ctx, job.messageID, vec); err != nil {
		slog.Warn("storing embedding failed", "message_id", job.messageID, "error", err)
	}
}
