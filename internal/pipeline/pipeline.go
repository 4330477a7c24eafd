package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"tutorlive/internal/logging"
	"tutorlive/internal/models"
	"tutorlive/internal/services"
)

// Stream is a live assistant reply, chunk by chunk
type Stream interface {
	Chunks() <-chan services.Chunk
	Err() error
	Close()
}

// Generator produces assistant replies for a context window plus a new
// user turn
type Generator interface {
	Stream(ctx context.Context, window []models.ContextEntry, content string) (Stream, error)
}

type clientGenerator struct {
	client *services.GenerationClient
}

// NewGenerator adapts the HTTP generation client to the pipeline's
// Generator interface
func NewGenerator(c *services.GenerationClient) Generator {
	return clientGenerator{client: c}
}

func (g clientGenerator) Stream(ctx context.Context, window []models.ContextEntry, content string) (Stream, error) {
	s, err := g.client.Stream(ctx, window, content)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Emitter pushes events back out to connected clients
type Emitter interface {
	EmitToUser(ctx context.Context, userID string, ev models.ServerEvent)
	EmitToSession(ctx context.Context, sessionID, excludeConnID string, ev models.ServerEvent)
}

// Options tune the pipeline's retry and timeout behavior
type Options struct {
	Workers        int
	MaxAttempts    int
	BackoffInitial time.Duration
	JobTimeout     time.Duration
	AttemptTimeout time.Duration
	ModelName      string
}

// Pipeline owns the message send path: validation, ack, queueing,
// generation with retries, and persistence of both turns.
type Pipeline struct {
	queue   Queue
	cache   *services.SessionCache
	gen     Generator
	emitter Emitter
	metrics *services.Metrics
	opts    Options

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPipeline(queue Queue, cache *services.SessionCache, gen Generator, emitter Emitter, metrics *services.Metrics, opts Options) *Pipeline {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = 2 * time.Second
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 60 * time.Second
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		queue:   queue,
		cache:   cache,
		gen:     gen,
		emitter: emitter,
		metrics: metrics,
		opts:    opts,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the worker pool
func (p *Pipeline) Start() {
	for i := 0; i < p.opts.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	log.Printf("🚀 [PIPELINE] Started %d workers", p.opts.Workers)
}

// Stop drains the worker pool. In-flight jobs run to completion of
// their current attempt.
func (p *Pipeline) Stop() {
	p.cancel()
	p.wg.Wait()
	log.Println("✅ [PIPELINE] Workers stopped")
}

func (p *Pipeline) worker(id int) {
	defer p.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			log.Printf("❌ [PIPELINE] Worker %d panic: %v", id, r)
		}
	}()

	for {
		select {
		case <-p.ctx.Done():
			return
		default:
		}

		job, err := p.queue.Dequeue(p.ctx, 5*time.Second)
		if err != nil {
			if p.ctx.Err() != nil {
				return
			}
			log.Printf("⚠️  [PIPELINE] Worker %d dequeue error: %v", id, err)
			time.Sleep(time.Second)
			continue
		}
		if job == nil {
			continue
		}
		p.process(job)
	}
}

// Submit validates a send against the authoritative store, persists the
// user turn, acks immediately, and enqueues the generation job. When the
// queue is unreachable the job runs in-process instead of being dropped.
func (p *Pipeline) Submit(ctx context.Context, userID, connID string, ev models.ClientEvent) error {
	if ev.Content == "" {
		return models.NewValidationError("message content is required")
	}
	if ev.SessionID == "" {
		return models.NewValidationError("session_id is required")
	}
	mode := ev.Mode
	if mode == "" {
		mode = models.ModeText
	}

	// Ownership and liveness come from the store, never from the cache
	session, err := p.cache.Store().GetSession(ctx, ev.SessionID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.ErrNotFound
		}
		return models.RetryableError("load session", err)
	}
	if session.UserID != userID {
		return models.ErrAccessDenied
	}
	if session.Status != models.SessionActive {
		return models.ErrSessionInactive
	}

	userMsg := &models.Message{
		MessageID: uuid.New().String(),
		SessionID: ev.SessionID,
		UserID:    userID,
		Role:      models.RoleUser,
		Content:   ev.Content,
		CreatedAt: time.Now().UTC(),
	}
	if err := userMsg.Validate(); err != nil {
		return err
	}

	// Snapshot the window before the new turn lands so the job replays
	// a stable prompt. The session lock pins send order to arrival order.
	unlock := p.cache.Lock(ev.SessionID)
	view, err := p.cache.Get(ctx, ev.SessionID)
	if err != nil {
		unlock()
		return err
	}
	window := make([]models.ContextEntry, len(view.ContextWindow))
	copy(window, view.ContextWindow)

	if err := p.cache.AppendMessageToContext(ctx, ev.SessionID, userMsg); err != nil {
		unlock()
		return err
	}
	unlock()

	// Durable write races the enqueue; a store hiccup must not delay the ack
	go func() {
		persistCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := p.cache.Store().AppendMessage(persistCtx, userMsg); err != nil {
			log.Printf("❌ [PIPELINE] Failed to persist user message %s: %v", userMsg.MessageID, err)
		}
	}()

	job := &Job{
		JobID:              uuid.New().String(),
		SessionID:          ev.SessionID,
		UserID:             userID,
		ConnID:             connID,
		Content:            ev.Content,
		Mode:               mode,
		UserMessageID:      userMsg.MessageID,
		AssistantMessageID: uuid.New().String(),
		Window:             window,
		EnqueuedAt:         time.Now().UTC(),
	}

	p.emitter.EmitToUser(ctx, userID, models.ServerEvent{
		Type:      models.EventMessageAck,
		SessionID: ev.SessionID,
		MessageID: userMsg.MessageID,
	})

	// Degraded mode: the queue is unreachable, so the job runs right here
	// in the caller's path instead of being dropped. The caller is the
	// connection's send worker, not its read loop, so a slow generation
	// stalls only further sends from this connection.
	if err := p.queue.Enqueue(ctx, job); err != nil {
		log.Printf("⚠️  [PIPELINE] Queue unreachable, processing job %s in degraded mode: %v", job.JobID, err)
		p.metrics.DegradedSends.Inc()
		p.process(job)
		return nil
	}

	p.metrics.JobsEnqueued.Inc()
	return nil
}

// process runs one job to a terminal state: completed with a persisted
// assistant message, or failed with a message:error (and any partial
// content persisted).
func (p *Pipeline) process(job *Job) {
	start := time.Now()

	jobCtx, cancel := context.WithTimeout(p.ctx, p.opts.JobTimeout)
	defer cancel()

	// One send mutates one session at a time
	unlock := p.cache.Lock(job.SessionID)
	defer unlock()

	p.emitter.EmitToSession(jobCtx, job.SessionID, "", models.ServerEvent{
		Type:      models.EventAssistantThinking,
		SessionID: job.SessionID,
		MessageID: job.AssistantMessageID,
	})

	var partial string
	var lastErr error

	for attempt := 1; attempt <= p.opts.MaxAttempts; attempt++ {
		job.Attempt = attempt
		if attempt > 1 {
			p.metrics.JobRetries.Inc()
			backoff := p.opts.BackoffInitial << (attempt - 2)
			log.Printf("🔄 [PIPELINE] Job %s attempt %d/%d after %v backoff",
				job.JobID, attempt, p.opts.MaxAttempts, backoff)
			select {
			case <-time.After(backoff):
			case <-jobCtx.Done():
				p.fail(job, partial, models.ErrTimeout, start)
				return
			}
		}

		content, err := p.runAttempt(jobCtx, job)
		if err == nil {
			p.complete(job, content, start)
			return
		}

		if content != "" {
			partial = content
		}
		lastErr = err

		if jobCtx.Err() != nil {
			break
		}
	}

	p.fail(job, partial, lastErr, start)
}

// runAttempt streams one generation attempt, forwarding chunks to the
// session as they arrive. Returns whatever content accumulated even on
// failure so the caller can keep the best partial.
func (p *Pipeline) runAttempt(jobCtx context.Context, job *Job) (string, error) {
	attemptCtx, cancel := context.WithTimeout(jobCtx, p.opts.AttemptTimeout)
	defer cancel()

	stream, err := p.gen.Stream(attemptCtx, job.Window, job.Content)
	if err != nil {
		return "", err
	}
	defer stream.Close()

	var sb []byte
	for chunk := range stream.Chunks() {
		sb = append(sb, chunk.Content...)
		p.metrics.StreamedChunks.Inc()
		p.emitter.EmitToSession(attemptCtx, job.SessionID, "", models.ServerEvent{
			Type:       models.EventMessageChunk,
			SessionID:  job.SessionID,
			MessageID:  job.AssistantMessageID,
			Content:    chunk.Content,
			ChunkIndex: chunk.Index,
		})
	}

	if err := stream.Err(); err != nil {
		return string(sb), err
	}
	return string(sb), nil
}

func (p *Pipeline) complete(job *Job, content string, start time.Time) {
	latency := time.Since(start)

	msg := &models.Message{
		MessageID: job.AssistantMessageID,
		SessionID: job.SessionID,
		UserID:    job.UserID,
		Role:      models.RoleAssistant,
		Content:   content,
		Metadata: &models.MessageMetadata{
			LatencyMs: latency.Milliseconds(),
			Model:     p.opts.ModelName,
		},
		CreatedAt: time.Now().UTC(),
	}
	p.persistAssistant(job, msg)

	p.emitter.EmitToSession(context.Background(), job.SessionID, "", models.ServerEvent{
		Type:      models.EventMessageComplete,
		SessionID: job.SessionID,
		MessageID: job.AssistantMessageID,
		Content:   content,
		Metadata:  msg.Metadata,
	})

	p.metrics.JobsCompleted.Inc()
	p.metrics.JobLatency.Observe(latency.Seconds())
	p.metrics.RecordOperationLatency("message_send", latency.Seconds())

	jobLog := logging.WithJob(logging.WithSession(job.SessionID, job.UserID), job.JobID, job.Attempt)
	jobLog.WithFields(logrus.Fields{
		"latency_ms": latency.Milliseconds(),
		"chars":      len(content),
	}).Info("job completed")
}

func (p *Pipeline) fail(job *Job, partial string, cause error, start time.Time) {
	if cause == nil {
		cause = models.ErrUpstreamUnavailable
	}

	// Whatever streamed before the failure is still worth keeping
	if partial != "" {
		msg := &models.Message{
			MessageID: job.AssistantMessageID,
			SessionID: job.SessionID,
			UserID:    job.UserID,
			Role:      models.RoleAssistant,
			Content:   partial,
			Metadata: &models.MessageMetadata{
				LatencyMs: time.Since(start).Milliseconds(),
				Model:     p.opts.ModelName,
			},
			CreatedAt: time.Now().UTC(),
		}
		p.persistAssistant(job, msg)
	}

	code := models.CodeFor(cause)
	p.emitter.EmitToSession(context.Background(), job.SessionID, "", models.ServerEvent{
		Type:           models.EventMessageError,
		SessionID:      job.SessionID,
		MessageID:      job.AssistantMessageID,
		PartialContent: partial,
		ErrorCode:      code,
		ErrorMessage:   fmt.Sprintf("generation failed after %d attempts", job.Attempt),
	})

	p.metrics.JobsFailed.WithLabelValues(code).Inc()
	p.metrics.RecordOperationLatency("message_send", time.Since(start).Seconds())

	jobLog := logging.WithJob(logging.WithSession(job.SessionID, job.UserID), job.JobID, job.Attempt)
	jobLog.WithFields(logrus.Fields{
		"error":         cause.Error(),
		"code":          code,
		"partial_chars": len(partial),
	}).Error("job failed")
}

// persistAssistant writes the assistant turn to the store and the cache.
// Caller holds the session lock.
func (p *Pipeline) persistAssistant(job *Job, msg *models.Message) {
	persistCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := p.cache.Store().AppendMessage(persistCtx, msg); err != nil {
		log.Printf("❌ [PIPELINE] Failed to persist assistant message %s: %v", msg.MessageID, err)
	}
	if err := p.cache.AppendMessageToContext(persistCtx, job.SessionID, msg); err != nil {
		log.Printf("⚠️  [PIPELINE] Failed to update cached context for %s: %v", job.SessionID, err)
	}
}
