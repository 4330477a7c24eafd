package services

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"sync"

	"tutorlive/internal/models"

	"github.com/redis/go-redis/v9"
)

// PubSubService is the broadcast bus between gateway instances. Every
// EmitToUser/EmitToSession crosses it so connections held by other instances
// see the same events.
type PubSubService struct {
	redis      *RedisService
	pubsub     *redis.PubSub
	handlers   map[string][]BusHandler
	mu         sync.RWMutex
	instanceID string
	ctx        context.Context
	cancel     context.CancelFunc
}

// BusHandler is a callback for handling bus messages
type BusHandler func(channel string, msg *BusMessage)

// BusMessage is the envelope relayed between instances
type BusMessage struct {
	InstanceID string             `json:"instanceId"`
	UserID     string             `json:"userId,omitempty"`
	SessionID  string             `json:"sessionId,omitempty"`
	ExcludeID  string             `json:"excludeConnId,omitempty"`
	Event      models.ServerEvent `json:"event"`
}

// NewPubSubService creates a new pub/sub service
func NewPubSubService(redisService *RedisService, instanceID string) *PubSubService {
	ctx, cancel := context.WithCancel(context.Background())
	return &PubSubService{
		redis:      redisService,
		handlers:   make(map[string][]BusHandler),
		instanceID: instanceID,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// InstanceID returns this gateway instance's id
func (s *PubSubService) InstanceID() string {
	return s.instanceID
}

// Subscribe registers a handler for a channel pattern
func (s *PubSubService) Subscribe(pattern string, handler BusHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.handlers[pattern] = append(s.handlers[pattern], handler)
	log.Printf("📡 [PUBSUB] Subscribed to pattern: %s", pattern)
}

// Start begins listening for bus messages
func (s *PubSubService) Start() error {
	client := s.redis.Client()

	s.pubsub = client.PSubscribe(s.ctx,
		"user:*:events",    // per-user fan-out
		"session:*:events", // session room fan-out
		"broadcast:*",      // global alerts
	)

	// Wait for subscription confirmation
	if _, err := s.pubsub.Receive(s.ctx); err != nil {
		return err
	}

	go s.processMessages()

	log.Printf("✅ [PUBSUB] Started listening for messages (instance: %s)", s.instanceID)
	return nil
}

func (s *PubSubService) processMessages() {
	ch := s.pubsub.Channel()

	for {
		select {
		case <-s.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			s.handleMessage(msg)
		}
	}
}

func (s *PubSubService) handleMessage(msg *redis.Message) {
	var envelope BusMessage
	if err := json.Unmarshal([]byte(msg.Payload), &envelope); err != nil {
		log.Printf("⚠️ [PUBSUB] Failed to unmarshal message: %v", err)
		return
	}

	// Skip messages from this instance (local delivery already happened)
	if envelope.InstanceID == s.instanceID {
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for pattern, handlers := range s.handlers {
		if matchPattern(pattern, msg.Channel) {
			for _, handler := range handlers {
				go handler(msg.Channel, &envelope)
			}
		}
	}
}

// PublishToUser publishes an event to a user's channel on every instance
func (s *PubSubService) PublishToUser(ctx context.Context, userID string, ev models.ServerEvent) error {
	data, err := json.Marshal(&BusMessage{
		InstanceID: s.instanceID,
		UserID:     userID,
		Event:      ev,
	})
	if err != nil {
		return err
	}
	return s.redis.Publish(ctx, "user:"+userID+":events", data)
}

// PublishToSession publishes an event to a session room on every instance.
// excludeConnID suppresses echo back to the originating connection.
func (s *PubSubService) PublishToSession(ctx context.Context, sessionID, excludeConnID string, ev models.ServerEvent) error {
	data, err := json.Marshal(&BusMessage{
		InstanceID: s.instanceID,
		SessionID:  sessionID,
		ExcludeID:  excludeConnID,
		Event:      ev,
	})
	if err != nil {
		return err
	}
	return s.redis.Publish(ctx, "session:"+sessionID+":events", data)
}

// Broadcast publishes an event to all connections on all instances
func (s *PubSubService) Broadcast(ctx context.Context, topic string, ev models.ServerEvent) error {
	data, err := json.Marshal(&BusMessage{
		InstanceID: s.instanceID,
		Event:      ev,
	})
	if err != nil {
		return err
	}
	return s.redis.Publish(ctx, "broadcast:"+topic, data)
}

// Stop stops the pub/sub service
func (s *PubSubService) Stop() error {
	s.cancel()
	if s.pubsub != nil {
		return s.pubsub.Close()
	}
	return nil
}

// matchPattern checks if a channel matches a colon-delimited glob pattern
// like "session:*:events"
func matchPattern(pattern, channel string) bool {
	if pattern == channel {
		return true
	}

	patternParts := strings.Split(pattern, ":")
	channelParts := strings.Split(channel, ":")

	if len(patternParts) != len(channelParts) {
		return false
	}

	for i, part := range patternParts {
		if part != "*" && part != channelParts[i] {
			return false
		}
	}

	return true
}
