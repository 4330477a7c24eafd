package services

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
)

type fakeStore struct {
	mu       sync.Mutex
	sessions map[string]*models.Session
	getCalls int
	failGets bool
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
	f.getCalls++
	if f.failGets {
		return nil, errors.New("store down")
	}
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
	return nil
}

type fakeDist struct {
	mu   sync.Mutex
	data map[string]string
	sets map[string]map[string]struct{}
}

func newFakeDist() *fakeDist {
	return &fakeDist{
		data: make(map[string]string),
		sets: make(map[string]map[string]struct{}),
	}
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
	switch v := value.(type) {
	case []byte:
		f.data[key] = string(v)
	case string:
		f.data[key] = v
	default:
		f.data[key] = fmt.Sprintf("%v", v)
	}
	return nil
}

func (f *fakeDist) Delete(ctx context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.data, k)
		delete(f.sets, k)
	}
	return nil
}

func (f *fakeDist) SAdd(ctx context.Context, key string, members ...interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sets[key] == nil {
		f.sets[key] = make(map[string]struct{})
	}
	for _, m := range members {
		f.sets[key][fmt.Sprintf("%v", m)] = struct{}{}
	}
	return nil
}

func (f *fakeDist) SMembers(ctx context.Context, key string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for m := range f.sets[key] {
		out = append(out, m)
	}
	return out, nil
}

func (f *fakeDist) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.data[key]
	return ok
}

// waitForDist waits out the async tier-2 write
func waitForDist(t *testing.T, dist *fakeDist, key string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if dist.has(key) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Tier-2 entry %q never appeared", key)
}

func TestSessionCache_MissFallsThroughToStore(t *testing.T) {
	store := newFakeStore()
	dist := newFakeDist()
	cache := NewSessionCache(dist, store, time.Minute, time.Hour)

	session := models.NewSession("sess-1", "user-1", "algebra")
	store.CreateSession(context.Background(), session)

	view, err := cache.Get(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if view.UserID != "user-1" {
		t.Errorf("Expected user-1, got %s", view.UserID)
	}
	if store.getCalls != 1 {
		t.Errorf("Expected 1 store read, got %d", store.getCalls)
	}

	// Second read is a tier-1 hit, store untouched
	if _, err := cache.Get(context.Background(), "sess-1"); err != nil {
		t.Fatalf("Second get failed: %v", err)
	}
	if store.getCalls != 1 {
		t.Errorf("Expected tier-1 hit, but store reads went to %d", store.getCalls)
	}
}

func TestSessionCache_Tier2Repopulation(t *testing.T) {
	store := newFakeStore()
	dist := newFakeDist()

	view := models.ViewOf(models.NewSession("sess-2", "user-1", ""))
	raw, _ := json.Marshal(view)
	dist.Set(context.Background(), "session:view:sess-2", raw, time.Hour)

	// Fresh instance: empty tier 1, warm tier 2
	cache := NewSessionCache(dist, store, time.Minute, time.Hour)

	got, err := cache.Get(context.Background(), "sess-2")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.SessionID != "sess-2" {
		t.Errorf("Expected sess-2, got %s", got.SessionID)
	}
	if store.getCalls != 0 {
		t.Errorf("Expected store to stay untouched, got %d reads", store.getCalls)
	}

	// Tier 1 repopulated: evict tier 2, read must still hit
	dist.Delete(context.Background(), "session:view:sess-2")
	if _, err := cache.Get(context.Background(), "sess-2"); err != nil {
		t.Fatalf("Tier-1 read after repopulation failed: %v", err)
	}
}

func TestSessionCache_UnknownSession(t *testing.T) {
	cache := NewSessionCache(newFakeDist(), newFakeStore(), time.Minute, time.Hour)

	_, err := cache.Get(context.Background(), "missing")
	if !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestSessionCache_StoreFailureIsRetryable(t *testing.T) {
	store := newFakeStore()
	store.failGets = true
	cache := NewSessionCache(newFakeDist(), store, time.Minute, time.Hour)

	_, err := cache.Get(context.Background(), "sess-3")
	if !errors.Is(err, models.ErrUpstreamUnavailable) {
		t.Errorf("Expected upstream error, got %v", err)
	}
}

func TestSessionCache_AppendTrimsWindow(t *testing.T) {
	store := newFakeStore()
	dist := newFakeDist()
	cache := NewSessionCache(dist, store, time.Minute, time.Hour)

	store.CreateSession(context.Background(), models.NewSession("sess-4", "user-1", ""))

	for i := 0; i < models.ContextWindowCap+3; i++ {
		msg := &models.Message{
			MessageID: fmt.Sprintf("m-%d", i),
			SessionID: "sess-4",
			UserID:    "user-1",
			Role:      models.RoleUser,
			Content:   fmt.Sprintf("turn %d", i),
			CreatedAt: time.Now(),
		}
		if err := cache.AppendMessageToContext(context.Background(), "sess-4", msg); err != nil {
			t.Fatalf("Append %d failed: %v", i, err)
		}
	}

	view, err := cache.Get(context.Background(), "sess-4")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(view.ContextWindow) != models.ContextWindowCap {
		t.Errorf("Expected window of %d, got %d", models.ContextWindowCap, len(view.ContextWindow))
	}
	last := view.ContextWindow[len(view.ContextWindow)-1]
	if last.Content != fmt.Sprintf("turn %d", models.ContextWindowCap+2) {
		t.Errorf("Expected newest turn last, got %q", last.Content)
	}
	if view.Metadata.MessageCount != models.ContextWindowCap+3 {
		t.Errorf("Expected message count %d, got %d", models.ContextWindowCap+3, view.Metadata.MessageCount)
	}
}

func TestSessionCache_Invalidate(t *testing.T) {
	store := newFakeStore()
	dist := newFakeDist()
	cache := NewSessionCache(dist, store, time.Minute, time.Hour)

	store.CreateSession(context.Background(), models.NewSession("sess-5", "user-1", ""))
	if _, err := cache.Get(context.Background(), "sess-5"); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	waitForDist(t, dist, "session:view:sess-5")

	cache.Invalidate(context.Background(), "sess-5")

	if dist.has("session:view:sess-5") {
		t.Error("Tier-2 entry should be gone after invalidation")
	}

	reads := store.getCalls
	if _, err := cache.Get(context.Background(), "sess-5"); err != nil {
		t.Fatalf("Get after invalidation failed: %v", err)
	}
	if store.getCalls != reads+1 {
		t.Error("Expected read after invalidation to fall through to the store")
	}
}

func TestSessionCache_CapacityEviction(t *testing.T) {
	store := newFakeStore()
	cache := NewSessionCache(newFakeDist(), store, time.Minute, time.Hour)
	cache.capacity = 2

	for i := 1; i <= 3; i++ {
		id := fmt.Sprintf("sess-%d", i)
		store.CreateSession(context.Background(), models.NewSession(id, "user-1", ""))
		view := models.ViewOf(store.sessions[id])
		cache.Set(context.Background(), id, view)
	}

	if cache.Occupancy() != 2 {
		t.Errorf("Expected 2 tier-1 entries after eviction, got %d", cache.Occupancy())
	}

	// sess-1 was least recently used and evicted; a read still succeeds
	// through the lower tiers and repopulates tier 1 within capacity
	if _, err := cache.Get(context.Background(), "sess-1"); err != nil {
		t.Fatalf("Get of evicted session failed: %v", err)
	}
	if cache.Occupancy() != 2 {
		t.Errorf("Expected occupancy to stay at capacity, got %d", cache.Occupancy())
	}
}
