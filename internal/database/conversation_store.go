package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tutorlive/internal/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// ErrSessionNotFound is returned when a session id has no document
var ErrSessionNotFound = fmt.Errorf("session: %w", models.ErrNotFound)

// ConversationStore is the durable store for Session and Message entities.
// The two-tier cache sits in front of it; this store stays authoritative.
type ConversationStore struct {
	db *MongoDB
}

// NewConversationStore creates a store over the shared Mongo connection
func NewConversationStore(db *MongoDB) *ConversationStore {
	return &ConversationStore{db: db}
}

// CreateSession inserts a new session document
func (s *ConversationStore) CreateSession(ctx context.Context, session *models.Session) error {
	_, err := s.db.Collection(CollectionSessions).InsertOne(ctx, session)
	if err != nil {
		return fmt.Errorf("failed to create session %s: %w", session.SessionID, err)
	}
	return nil
}

// GetSession loads a session by its opaque id
func (s *ConversationStore) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	var session models.Session
	err := s.db.Collection(CollectionSessions).
		FindOne(ctx, bson.M{"sessionId": sessionID}).
		Decode(&session)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}
	return &session, nil
}

// UpdateSession replaces the mutable fields of a session document
func (s *ConversationStore) UpdateSession(ctx context.Context, session *models.Session) error {
	session.UpdatedAt = time.Now()
	res, err := s.db.Collection(CollectionSessions).UpdateOne(ctx,
		bson.M{"sessionId": session.SessionID},
		bson.M{"$set": bson.M{
			"status":        session.Status,
			"contextWindow": session.ContextWindow,
			"tokenBudget":   session.TokenBudget,
			"metadata":      session.Metadata,
			"updatedAt":     session.UpdatedAt,
		}},
	)
	if err != nil {
		return fmt.Errorf("failed to update session %s: %w", session.SessionID, err)
	}
	if res.MatchedCount == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// AppendMessage persists one immutable message and folds it into the owning
// session's context window and activity metadata in the store. The window is
// trimmed server-side so the document never exceeds the cap.
func (s *ConversationStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	if _, err := s.db.Collection(CollectionMessages).InsertOne(ctx, msg); err != nil {
		return fmt.Errorf("failed to persist message %s: %w", msg.MessageID, err)
	}

	entry := models.ContextEntry{
		Role:      msg.Role,
		Content:   msg.Content,
		Timestamp: msg.CreatedAt,
	}

	res, err := s.db.Collection(CollectionSessions).UpdateOne(ctx,
		bson.M{"sessionId": msg.SessionID},
		bson.M{
			"$push": bson.M{"contextWindow": bson.M{
				"$each":  []models.ContextEntry{entry},
				"$slice": -models.ContextWindowCap,
			}},
			"$inc": bson.M{"metadata.messageCount": 1},
			"$set": bson.M{
				"metadata.lastActivity": msg.CreatedAt,
				"updatedAt":             msg.CreatedAt,
			},
		},
	)
	if err != nil {
		return fmt.Errorf("failed to update session %s after append: %w", msg.SessionID, err)
	}
	if res.MatchedCount == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// ListMessages returns a session's messages in creation order
func (s *ConversationStore) ListMessages(ctx context.Context, sessionID string, limit int64) ([]models.Message, error) {
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}})
	if limit > 0 {
		opts.SetLimit(limit)
	}

	cursor, err := s.db.Collection(CollectionMessages).Find(ctx, bson.M{"sessionId": sessionID}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages for %s: %w", sessionID, err)
	}
	defer cursor.Close(ctx)

	var messages []models.Message
	if err := cursor.All(ctx, &messages); err != nil {
		return nil, fmt.Errorf("failed to decode messages for %s: %w", sessionID, err)
	}
	return messages, nil
}
