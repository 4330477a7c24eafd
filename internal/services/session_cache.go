package services

import (
	"container/list"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"runtime/debug"
	"sync"
	"time"

	"tutorlive/internal/database"
	"tutorlive/internal/models"

	cache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
)

// Tier-1 sizing policy: capacity is derived from the process memory budget
// and an estimated per-entry footprint, clamped to a hard floor and ceiling.
const (
	tier1FloorEntries   = 500
	tier1CeilingEntries = 20000
	tier1EntryBytes     = 8 * 1024 // session view with a full context window
	tier1MemoryShare    = 20       // 1/20th of the memory budget
	defaultMemoryBudget = 256 << 20
)

const (
	sessionViewKeyPrefix = "session:view:"
	userSessionsPrefix   = "session:user:"
)

// SessionStore is the authoritative store behind the cache
type SessionStore interface {
	CreateSession(ctx context.Context, session *models.Session) error
	GetSession(ctx context.Context, sessionID string) (*models.Session, error)
	UpdateSession(ctx context.Context, session *models.Session) error
	AppendMessage(ctx context.Context, msg *models.Message) error
}

// DistCache is the distributed tier. Satisfied by RedisService; a miss is
// reported as redis.Nil.
type DistCache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	SAdd(ctx context.Context, key string, members ...interface{}) error
	SMembers(ctx context.Context, key string) ([]string, error)
}

// SessionCache is the two-tier cache in front of the Conversation Store.
// Tier 1 is process-local and private per instance; tier 2 is shared.
// Neither tier is ever authoritative: every read failure falls through to
// the next tier and finally to the store.
type SessionCache struct {
	local    *cache.Cache
	dist     DistCache
	store    SessionStore
	localTTL time.Duration
	distTTL  time.Duration

	// LRU bookkeeping for bounded tier-1 capacity. go-cache handles TTL
	// expiry; this index handles capacity eviction in access order.
	mu       sync.Mutex
	order    *list.List               // front = most recently used
	elems    map[string]*list.Element // sessionID -> order element
	capacity int

	// Per-session write serialization. Context-window mutation is
	// read-modify-write and must be linearized per sessionId.
	stripes [64]sync.Mutex
}

// NewSessionCache builds the cache with a capacity derived from the process
// memory budget.
func NewSessionCache(dist DistCache, store SessionStore, localTTL, distTTL time.Duration) *SessionCache {
	capacity := deriveTier1Capacity()

	sc := &SessionCache{
		local:    cache.New(localTTL, localTTL/2),
		dist:     dist,
		store:    store,
		localTTL: localTTL,
		distTTL:  distTTL,
		order:    list.New(),
		elems:    make(map[string]*list.Element),
		capacity: capacity,
	}

	log.Printf("✅ Session cache initialized (tier-1 capacity: %d entries)", capacity)
	return sc
}

// deriveTier1Capacity sizes tier 1 from GOMEMLIMIT when set, falling back to
// a fixed budget, clamped to [floor, ceiling].
func deriveTier1Capacity() int {
	budget := int64(defaultMemoryBudget)
	if limit := debug.SetMemoryLimit(-1); limit > 0 && limit < (1<<62) {
		budget = limit
	}

	capacity := int(budget / tier1MemoryShare / tier1EntryBytes)
	if capacity < tier1FloorEntries {
		capacity = tier1FloorEntries
	}
	if capacity > tier1CeilingEntries {
		capacity = tier1CeilingEntries
	}
	return capacity
}

func (sc *SessionCache) stripe(sessionID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(sessionID))
	return &sc.stripes[h.Sum32()%uint32(len(sc.stripes))]
}

// Lock acquires the per-session write lock. The job pipeline holds it for
// the duration of a send so context mutations within one session stay
// serialized in server-receipt order.
func (sc *SessionCache) Lock(sessionID string) func() {
	m := sc.stripe(sessionID)
	m.Lock()
	return m.Unlock
}

// touch moves a session to the front of the access order, evicting the
// least-recently-used entries past capacity.
func (sc *SessionCache) touch(sessionID string) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if el, ok := sc.elems[sessionID]; ok {
		sc.order.MoveToFront(el)
	} else {
		sc.elems[sessionID] = sc.order.PushFront(sessionID)
	}

	for sc.order.Len() > sc.capacity {
		back := sc.order.Back()
		if back == nil {
			break
		}
		victim := back.Value.(string)
		sc.order.Remove(back)
		delete(sc.elems, victim)
		sc.local.Delete(victim)
	}
}

func (sc *SessionCache) forget(sessionID string) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if el, ok := sc.elems[sessionID]; ok {
		sc.order.Remove(el)
		delete(sc.elems, sessionID)
	}
}

// Get serves a session view: tier 1, then tier 2 (repopulating tier 1), then
// the store (populating both). A store failure surfaces as
// ErrUpstreamUnavailable, never a silently stale value.
func (sc *SessionCache) Get(ctx context.Context, sessionID string) (*models.CachedSessionView, error) {
	if v, found := sc.local.Get(sessionID); found {
		if view, ok := v.(*models.CachedSessionView); ok {
			sc.touch(sessionID)
			if m := GetMetrics(); m != nil {
				m.RecordCacheHit("local")
			}
			return view, nil
		}
	}

	if view, err := sc.getDist(ctx, sessionID); err == nil {
		sc.setLocal(sessionID, view)
		if m := GetMetrics(); m != nil {
			m.RecordCacheHit("redis")
		}
		return view, nil
	} else if !errors.Is(err, redis.Nil) {
		// Tier-2 failure is not fatal: fall through to the store.
		log.Printf("⚠️  [CACHE] Tier-2 read failed for %s: %v", sessionID, err)
	}

	session, err := sc.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, database.ErrSessionNotFound) {
			return nil, models.ErrNotFound
		}
		return nil, models.RetryableError("session load", err)
	}

	if m := GetMetrics(); m != nil {
		m.RecordCacheMiss()
	}
	view := models.ViewOf(session)
	sc.Set(ctx, sessionID, view)
	return view, nil
}

// Set writes tier 1 synchronously and tier 2 asynchronously. A tier-2 write
// failure is logged, not surfaced: tier 1 and the store remain correct.
func (sc *SessionCache) Set(ctx context.Context, sessionID string, view *models.CachedSessionView) {
	sc.setLocal(sessionID, view)

	go func(v models.CachedSessionView) {
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := sc.setDist(wctx, sessionID, &v); err != nil {
			log.Printf("⚠️  [CACHE] Tier-2 write failed for %s: %v", sessionID, err)
		}
	}(*view)
}

func (sc *SessionCache) setLocal(sessionID string, view *models.CachedSessionView) {
	sc.local.Set(sessionID, view, sc.localTTL)
	sc.touch(sessionID)
}

func (sc *SessionCache) getDist(ctx context.Context, sessionID string) (*models.CachedSessionView, error) {
	raw, err := sc.dist.Get(ctx, sessionViewKeyPrefix+sessionID)
	if err != nil {
		return nil, err
	}

	var view models.CachedSessionView
	if err := json.Unmarshal([]byte(raw), &view); err != nil {
		return nil, fmt.Errorf("corrupt tier-2 entry: %w", err)
	}
	return &view, nil
}

func (sc *SessionCache) setDist(ctx context.Context, sessionID string, view *models.CachedSessionView) error {
	view.CachedAt = time.Now()
	data, err := json.Marshal(view)
	if err != nil {
		return err
	}
	if err := sc.dist.Set(ctx, sessionViewKeyPrefix+sessionID, data, sc.distTTL); err != nil {
		return err
	}
	// Index for InvalidateForUser. Best effort.
	return sc.dist.SAdd(ctx, userSessionsPrefix+view.UserID, sessionID)
}

// AppendMessageToContext updates the cached context window in both tiers in
// place (push + trim) without a full reload. The message shape is validated
// before any mutation. Callers that need linearized updates within a
// session must hold Lock for that session around the call.
func (sc *SessionCache) AppendMessageToContext(ctx context.Context, sessionID string, msg *models.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	view, err := sc.Get(ctx, sessionID)
	if err != nil {
		return err
	}

	updated := *view
	updated.ContextWindow = append([]models.ContextEntry(nil), view.ContextWindow...)
	updated.Push(models.ContextEntry{
		Role:      msg.Role,
		Content:   msg.Content,
		Timestamp: msg.CreatedAt,
	})

	sc.Set(ctx, sessionID, &updated)
	return nil
}

// Invalidate removes a session from both tiers. Used on session end and
// administrative resets. Eviction is never an error for readers: the next
// Get falls through to the store.
func (sc *SessionCache) Invalidate(ctx context.Context, sessionID string) {
	sc.local.Delete(sessionID)
	sc.forget(sessionID)

	if err := sc.dist.Delete(ctx, sessionViewKeyPrefix+sessionID); err != nil {
		log.Printf("⚠️  [CACHE] Tier-2 invalidation failed for %s: %v", sessionID, err)
	}
}

// InvalidateForUser removes every cached session belonging to a user
func (sc *SessionCache) InvalidateForUser(ctx context.Context, userID string) {
	sessionIDs, err := sc.dist.SMembers(ctx, userSessionsPrefix+userID)
	if err != nil {
		log.Printf("⚠️  [CACHE] Failed to list sessions for user %s: %v", userID, err)
	}

	for _, id := range sessionIDs {
		sc.Invalidate(ctx, id)
	}
	if err := sc.dist.Delete(ctx, userSessionsPrefix+userID); err != nil {
		log.Printf("⚠️  [CACHE] Failed to drop session index for user %s: %v", userID, err)
	}

	// Tier 1 may hold views tier 2 never saw; sweep it directly.
	for key, item := range sc.local.Items() {
		if view, ok := item.Object.(*models.CachedSessionView); ok && view.UserID == userID {
			sc.local.Delete(key)
			sc.forget(key)
		}
	}
}

// Occupancy returns the number of live tier-1 entries, for the health and
// metrics surfaces.
func (sc *SessionCache) Occupancy() int {
	return sc.local.ItemCount()
}

// Capacity returns the derived tier-1 capacity
func (sc *SessionCache) Capacity() int {
	return sc.capacity
}

// Store exposes the authoritative store for callers that must bypass the
// cache (ownership-sensitive writes).
func (sc *SessionCache) Store() SessionStore {
	return sc.store
}
