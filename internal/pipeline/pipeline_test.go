package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"tutorlive/internal/database"
	"tutorlive/internal/models"
	"tutorlive/internal/services"
)

// Prometheus collectors register globally, so the package shares one set
var testMetrics = services.InitMetrics(nil)

type fakeStore struct {
	mu       sync.Mutex
	sessions map[string]*models.Session
	messages []*models.Message
}

func newFakeStore() *fakeStore {
	return &fakeStore{sessions: make(map[string]*models.Session)}
}

func (f *fakeStore) CreateSession(ctx context.Context, s *models.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[s.SessionID] = s
	return nil
}

func (f *fakeStore) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sessionID]
	if !ok {
		return nil, database.ErrSessionNotFound
	}
	copied := *s
	return &copied, nil
}

func (f *fakeStore) UpdateSession(ctx context.Context, s *models.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[s.SessionID] = s
	return nil
}

func (f *fakeStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, msg)
	return nil
}

func (f *fakeStore) messagesByRole(role models.MessageRole) []*models.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Message
	for _, m := range f.messages {
		if m.Role == role {
			out = append(out, m)
		}
	}
	return out
}

type fakeDist struct {
	mu   sync.Mutex
	data map[string]string
}

func newFakeDist() *fakeDist {
	return &fakeDist{data: make(map[string]string)}
}

func (f *fakeDist) Get(ctx context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	if !ok {
		return "", redis.Nil
	}
	return v, nil
}

func (f *fakeDist) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := value.([]byte); ok {
		f.data[key] = string(b)
	} else {
		f.data[key] = fmt.Sprintf("%v", value)
	}
	return nil
}

func (f *fakeDist) Delete(ctx context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.data, k)
	}
	return nil
}

func (f *fakeDist) SAdd(ctx context.Context, key string, members ...interface{}) error {
	return nil
}

func (f *fakeDist) SMembers(ctx context.Context, key string) ([]string, error) {
	return nil, nil
}

type fakeQueue struct {
	mu   sync.Mutex
	jobs []*Job
	fail bool
}

func (q *fakeQueue) Enqueue(ctx context.Context, job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.fail {
		return models.RetryableError("enqueue job", errors.New("connection refused"))
	}
	// Round-trip through JSON like the Redis queue does
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	var copied Job
	if err := json.Unmarshal(data, &copied); err != nil {
		return err
	}
	q.jobs = append(q.jobs, &copied)
	return nil
}

func (q *fakeQueue) Dequeue(ctx context.Context, timeout time.Duration) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == 0 {
		return nil, nil
	}
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	return job, nil
}

func (q *fakeQueue) pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

type scriptedAttempt struct {
	chunks []services.Chunk
	err    error
}

type fakeGenerator struct {
	mu       sync.Mutex
	attempts []scriptedAttempt
	calls    int
}

func (g *fakeGenerator) Stream(ctx context.Context, window []models.ContextEntry, content string) (Stream, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.calls >= len(g.attempts) {
		return nil, models.RetryableError("generation", errors.New("script exhausted"))
	}
	a := g.attempts[g.calls]
	g.calls++

	ch := make(chan services.Chunk, len(a.chunks))
	for _, c := range a.chunks {
		ch <- c
	}
	close(ch)
	return &fakeStream{ch: ch, err: a.err}, nil
}

func (g *fakeGenerator) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

type fakeStream struct {
	ch  chan services.Chunk
	err error
}

func (s *fakeStream) Chunks() <-chan services.Chunk { return s.ch }
func (s *fakeStream) Err() error                    { return s.err }
func (s *fakeStream) Close()                        {}

type fakeEmitter struct {
	mu     sync.Mutex
	events []models.ServerEvent
}

func (e *fakeEmitter) EmitToUser(ctx context.Context, userID string, ev models.ServerEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
}

func (e *fakeEmitter) EmitToSession(ctx context.Context, sessionID, excludeConnID string, ev models.ServerEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
}

func (e *fakeEmitter) ofType(t models.EventType) []models.ServerEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []models.ServerEvent
	for _, ev := range e.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func (e *fakeEmitter) waitFor(t *testing.T, typ models.EventType) models.ServerEvent {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if evs := e.ofType(typ); len(evs) > 0 {
			return evs[0]
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Event %s never arrived", typ)
	return models.ServerEvent{}
}

func newTestPipeline(store *fakeStore, queue Queue, gen Generator, emitter *fakeEmitter) (*Pipeline, *services.SessionCache) {
	cache := services.NewSessionCache(newFakeDist(), store, time.Minute, time.Hour)
	p := NewPipeline(queue, cache, gen, emitter, testMetrics, Options{
		Workers:        1,
		MaxAttempts:    3,
		BackoffInitial: time.Millisecond,
		JobTimeout:     5 * time.Second,
		AttemptTimeout: time.Second,
		ModelName:      "tutor-test",
	})
	return p, cache
}

func activeSession(store *fakeStore, sessionID, userID string) {
	store.CreateSession(context.Background(), models.NewSession(sessionID, userID, "algebra"))
}

func TestPipeline_SendHappyPath(t *testing.T) {
	store := newFakeStore()
	queue := &fakeQueue{}
	gen := &fakeGenerator{attempts: []scriptedAttempt{
		{chunks: []services.Chunk{{Content: "Hi", Index: 0}, {Content: " there", Index: 1}}},
	}}
	emitter := &fakeEmitter{}
	p, cache := newTestPipeline(store, queue, gen, emitter)

	activeSession(store, "sess-1", "user-1")

	err := p.Submit(context.Background(), "user-1", "conn-1", models.ClientEvent{
		Type:      models.EventMessageSend,
		SessionID: "sess-1",
		Content:   "Hello tutor",
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	// Ack arrives before any processing
	ack := emitter.waitFor(t, models.EventMessageAck)
	if ack.MessageID == "" {
		t.Error("Ack must carry the user message id")
	}
	if queue.pending() != 1 {
		t.Fatalf("Expected 1 queued job, got %d", queue.pending())
	}

	job, err := queue.Dequeue(context.Background(), 0)
	if err != nil || job == nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	p.process(job)

	emitter.waitFor(t, models.EventAssistantThinking)

	chunks := emitter.ofType(models.EventMessageChunk)
	if len(chunks) != 2 {
		t.Fatalf("Expected 2 chunks, got %d", len(chunks))
	}
	if chunks[0].Content != "Hi" || chunks[1].Content != " there" {
		t.Errorf("Chunk contents wrong: %q, %q", chunks[0].Content, chunks[1].Content)
	}

	complete := emitter.waitFor(t, models.EventMessageComplete)
	if complete.Content != "Hi there" {
		t.Errorf("Expected full reply %q, got %q", "Hi there", complete.Content)
	}
	if complete.MessageID != job.AssistantMessageID {
		t.Error("Completion must reference the assistant message id")
	}

	view, err := cache.Get(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("Cache read failed: %v", err)
	}
	if view.Metadata.MessageCount != 2 {
		t.Errorf("Expected message count 2 after one turn, got %d", view.Metadata.MessageCount)
	}
	if len(view.ContextWindow) != 2 {
		t.Fatalf("Expected both turns in the window, got %d", len(view.ContextWindow))
	}
	if view.ContextWindow[1].Role != models.RoleAssistant || view.ContextWindow[1].Content != "Hi there" {
		t.Errorf("Assistant turn missing from window: %+v", view.ContextWindow[1])
	}
}

func TestPipeline_RetriesThenSucceeds(t *testing.T) {
	store := newFakeStore()
	queue := &fakeQueue{}
	gen := &fakeGenerator{attempts: []scriptedAttempt{
		{err: models.RetryableError("generation", errors.New("boom"))},
		{err: models.RetryableError("generation", errors.New("boom again"))},
		{chunks: []services.Chunk{{Content: "Recovered", Index: 0}}},
	}}
	emitter := &fakeEmitter{}
	p, _ := newTestPipeline(store, queue, gen, emitter)

	activeSession(store, "sess-2", "user-1")

	if err := p.Submit(context.Background(), "user-1", "conn-1", models.ClientEvent{
		Type: models.EventMessageSend, SessionID: "sess-2", Content: "try hard",
	}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	job, _ := queue.Dequeue(context.Background(), 0)
	p.process(job)

	if gen.callCount() != 3 {
		t.Errorf("Expected 3 generation attempts, got %d", gen.callCount())
	}

	completes := emitter.ofType(models.EventMessageComplete)
	if len(completes) != 1 {
		t.Fatalf("Expected exactly one completion, got %d", len(completes))
	}
	if completes[0].Content != "Recovered" {
		t.Errorf("Expected %q, got %q", "Recovered", completes[0].Content)
	}
	if len(emitter.ofType(models.EventMessageError)) != 0 {
		t.Error("Successful retry must not emit message:error")
	}

	// Exactly one assistant message regardless of retries
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(store.messagesByRole(models.RoleAssistant)) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	assistants := store.messagesByRole(models.RoleAssistant)
	if len(assistants) != 1 {
		t.Fatalf("Expected 1 persisted assistant message, got %d", len(assistants))
	}
	if assistants[0].MessageID != job.AssistantMessageID {
		t.Error("Persisted assistant message id must match the job")
	}
}

func TestPipeline_ExhaustedRetriesPersistPartial(t *testing.T) {
	store := newFakeStore()
	queue := &fakeQueue{}
	gen := &fakeGenerator{attempts: []scriptedAttempt{
		{err: models.RetryableError("generation", errors.New("cold start"))},
		{
			chunks: []services.Chunk{{Content: "Algebra is", Index: 0}},
			err:    models.RetryableError("generation stream", errors.New("connection reset")),
		},
		{err: models.RetryableError("generation", errors.New("still down"))},
	}}
	emitter := &fakeEmitter{}
	p, _ := newTestPipeline(store, queue, gen, emitter)

	activeSession(store, "sess-3", "user-1")

	if err := p.Submit(context.Background(), "user-1", "conn-1", models.ClientEvent{
		Type: models.EventMessageSend, SessionID: "sess-3", Content: "what is algebra",
	}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	job, _ := queue.Dequeue(context.Background(), 0)
	p.process(job)

	errEv := emitter.waitFor(t, models.EventMessageError)
	if errEv.PartialContent != "Algebra is" {
		t.Errorf("Expected partial content preserved, got %q", errEv.PartialContent)
	}
	if errEv.ErrorCode != models.CodeUpstream {
		t.Errorf("Expected upstream error code, got %q", errEv.ErrorCode)
	}
	if len(emitter.ofType(models.EventMessageComplete)) != 0 {
		t.Error("Failed job must not emit message:complete")
	}

	assistants := store.messagesByRole(models.RoleAssistant)
	if len(assistants) != 1 {
		t.Fatalf("Expected the partial to be persisted once, got %d messages", len(assistants))
	}
	if assistants[0].Content != "Algebra is" {
		t.Errorf("Expected persisted partial %q, got %q", "Algebra is", assistants[0].Content)
	}
}

func TestPipeline_SubmitValidation(t *testing.T) {
	store := newFakeStore()
	p, _ := newTestPipeline(store, &fakeQueue{}, &fakeGenerator{}, &fakeEmitter{})

	activeSession(store, "sess-4", "owner")

	if err := p.Submit(context.Background(), "owner", "c1", models.ClientEvent{
		Type: models.EventMessageSend, SessionID: "sess-4",
	}); err == nil {
		t.Error("Empty content must be rejected")
	}

	if err := p.Submit(context.Background(), "intruder", "c1", models.ClientEvent{
		Type: models.EventMessageSend, SessionID: "sess-4", Content: "hi",
	}); !errors.Is(err, models.ErrAccessDenied) {
		t.Errorf("Expected access denied for non-owner, got %v", err)
	}

	if err := p.Submit(context.Background(), "owner", "c1", models.ClientEvent{
		Type: models.EventMessageSend, SessionID: "missing", Content: "hi",
	}); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Expected not found for unknown session, got %v", err)
	}

	ended := models.NewSession("sess-5", "owner", "")
	ended.Status = models.SessionEnded
	store.CreateSession(context.Background(), ended)
	if err := p.Submit(context.Background(), "owner", "c1", models.ClientEvent{
		Type: models.EventMessageSend, SessionID: "sess-5", Content: "hi",
	}); !errors.Is(err, models.ErrSessionInactive) {
		t.Errorf("Expected inactive session error, got %v", err)
	}
}

func TestPipeline_DegradedModeProcessesInProcess(t *testing.T) {
	store := newFakeStore()
	queue := &fakeQueue{fail: true}
	gen := &fakeGenerator{attempts: []scriptedAttempt{
		{chunks: []services.Chunk{{Content: "Still here", Index: 0}}},
	}}
	emitter := &fakeEmitter{}
	p, _ := newTestPipeline(store, queue, gen, emitter)

	activeSession(store, "sess-6", "user-1")

	if err := p.Submit(context.Background(), "user-1", "conn-1", models.ClientEvent{
		Type: models.EventMessageSend, SessionID: "sess-6", Content: "queue is down",
	}); err != nil {
		t.Fatalf("Submit must not fail when falling back, got: %v", err)
	}

	// The fallback runs in the caller's path, so the reply is already
	// complete when Submit returns
	completes := emitter.ofType(models.EventMessageComplete)
	if len(completes) != 1 {
		t.Fatalf("Expected the degraded job to finish before Submit returned, got %d completions", len(completes))
	}
	if completes[0].Content != "Still here" {
		t.Errorf("Expected degraded-mode reply, got %q", completes[0].Content)
	}
}
