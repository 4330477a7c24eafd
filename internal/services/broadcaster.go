package services

import (
	"context"
	"log"
	"strings"

	"tutorlive/internal/models"
)

// SessionRoom builds the room name for a session
func SessionRoom(sessionID string) string {
	return "session:" + sessionID
}

// SessionIDFromRoom extracts the session id from a session room name
func SessionIDFromRoom(room string) (string, bool) {
	if !strings.HasPrefix(room, "session:") {
		return "", false
	}
	return strings.TrimPrefix(room, "session:"), true
}

// Broadcaster delivers events to local connections and mirrors every emit
// across the bus so connections on other gateway instances see it too.
type Broadcaster struct {
	registry *ConnectionManager
	bus      *PubSubService
}

// NewBroadcaster wires the registry to the bus and subscribes to remote emits
func NewBroadcaster(registry *ConnectionManager, bus *PubSubService) *Broadcaster {
	b := &Broadcaster{registry: registry, bus: bus}

	bus.Subscribe("user:*:events", func(channel string, msg *BusMessage) {
		b.deliverToUser(msg.UserID, msg.Event)
	})
	bus.Subscribe("session:*:events", func(channel string, msg *BusMessage) {
		sessionID := msg.SessionID
		if sessionID == "" {
			// session:<id>:events
			parts := strings.Split(channel, ":")
			if len(parts) == 3 {
				sessionID = parts[1]
			}
		}
		b.deliverToRoom(SessionRoom(sessionID), msg.ExcludeID, msg.Event)
	})
	bus.Subscribe("broadcast:*", func(channel string, msg *BusMessage) {
		b.deliverToAll(msg.Event)
	})

	return b
}

// EmitToUser pushes an event to every connection of a user, on every instance
func (b *Broadcaster) EmitToUser(ctx context.Context, userID string, ev models.ServerEvent) {
	b.deliverToUser(userID, ev)
	if err := b.bus.PublishToUser(ctx, userID, ev); err != nil {
		log.Printf("⚠️  [EMIT] Bus publish to user %s failed: %v", userID, err)
	}
}

// EmitToSession pushes an event to every connection in a session room, on
// every instance. excludeConnID suppresses echo to the originator.
func (b *Broadcaster) EmitToSession(ctx context.Context, sessionID, excludeConnID string, ev models.ServerEvent) {
	b.deliverToRoom(SessionRoom(sessionID), excludeConnID, ev)
	if err := b.bus.PublishToSession(ctx, sessionID, excludeConnID, ev); err != nil {
		log.Printf("⚠️  [EMIT] Bus publish to session %s failed: %v", sessionID, err)
	}
}

// EmitToAll pushes an event to every connection on every instance
func (b *Broadcaster) EmitToAll(ctx context.Context, topic string, ev models.ServerEvent) {
	b.deliverToAll(ev)
	if err := b.bus.Broadcast(ctx, topic, ev); err != nil {
		log.Printf("⚠️  [EMIT] Bus broadcast failed: %v", err)
	}
}

func (b *Broadcaster) deliverToUser(userID string, ev models.ServerEvent) {
	for _, conn := range b.registry.ForUser(userID) {
		conn.SafeSend(ev)
	}
}

func (b *Broadcaster) deliverToRoom(room, excludeConnID string, ev models.ServerEvent) {
	for _, conn := range b.registry.InRoom(room, excludeConnID) {
		conn.SafeSend(ev)
	}
}

func (b *Broadcaster) deliverToAll(ev models.ServerEvent) {
	for _, conn := range b.registry.GetAll() {
		conn.SafeSend(ev)
	}
}
