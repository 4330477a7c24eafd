package services

import (
	"context"
	"log"
	"time"

	"tutorlive/internal/models"

	"github.com/redis/go-redis/v9"
)

// presenceStore is the slice of the Redis surface presence needs.
// Satisfied by RedisService.
type presenceStore interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	Delete(ctx context.Context, keys ...string) error
	Expire(ctx context.Context, key string, expiration time.Duration) error
}

// PresenceAnnouncer fans a presence transition out to every connection,
// local ones included. Satisfied by Broadcaster.
type PresenceAnnouncer interface {
	EmitToAll(ctx context.Context, topic string, ev models.ServerEvent)
}

// PresenceService tracks per-user online/offline state in Redis. Keys are
// TTL-bound and republished on activity, so a crashed instance's users fall
// offline on their own.
type PresenceService struct {
	store     presenceStore
	announcer PresenceAnnouncer
	ttl       time.Duration
}

// NewPresenceService creates a presence tracker
func NewPresenceService(store presenceStore, announcer PresenceAnnouncer, ttl time.Duration) *PresenceService {
	return &PresenceService{store: store, announcer: announcer, ttl: ttl}
}

func presenceKey(userID string) string {
	return "presence:" + userID
}

// MarkOnline marks a user online and announces the transition
func (p *PresenceService) MarkOnline(ctx context.Context, userID string) {
	wasOnline, _ := p.IsOnline(ctx, userID)

	if err := p.store.Set(ctx, presenceKey(userID), "online", p.ttl); err != nil {
		log.Printf("⚠️  [PRESENCE] Failed to mark %s online: %v", userID, err)
		return
	}

	if !wasOnline {
		online := true
		p.announce(ctx, userID, &online)
	}
}

// Touch refreshes a user's presence TTL on activity without announcing
func (p *PresenceService) Touch(ctx context.Context, userID string) {
	if err := p.store.Expire(ctx, presenceKey(userID), p.ttl); err != nil {
		log.Printf("⚠️  [PRESENCE] Failed to refresh %s: %v", userID, err)
	}
}

// MarkOffline marks a user offline. Called when the user's last live
// connection on this instance closes.
func (p *PresenceService) MarkOffline(ctx context.Context, userID string) {
	if err := p.store.Delete(ctx, presenceKey(userID)); err != nil {
		log.Printf("⚠️  [PRESENCE] Failed to mark %s offline: %v", userID, err)
		return
	}

	online := false
	p.announce(ctx, userID, &online)
}

// IsOnline reports whether a user currently holds a live presence key
func (p *PresenceService) IsOnline(ctx context.Context, userID string) (bool, error) {
	_, err := p.store.Get(ctx, presenceKey(userID))
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// announce goes through the broadcaster so connections on this instance
// see the transition too, not just remote subscribers.
func (p *PresenceService) announce(ctx context.Context, userID string, online *bool) {
	p.announcer.EmitToAll(ctx, "presence", models.ServerEvent{
		Type:   models.EventPresenceUpdate,
		UserID: userID,
		Online: online,
	})
}
