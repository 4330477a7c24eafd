package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// ContextWindowCap bounds the number of recent turns kept on a session.
// Older entries drop first; the durable message log is unaffected.
const ContextWindowCap = 20

// SessionStatus is the lifecycle state of a tutoring session
type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionPaused SessionStatus = "paused"
	SessionEnded  SessionStatus = "ended"
)

// MessageRole identifies who authored a message
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

// ContextEntry is one turn in a session's rolling context window
type ContextEntry struct {
	Role      MessageRole `bson:"role" json:"role"`
	Content   string      `bson:"content" json:"content"`
	Timestamp time.Time   `bson:"timestamp" json:"timestamp"`
}

// SessionMetadata holds activity bookkeeping for a session
type SessionMetadata struct {
	StartTime    time.Time `bson:"startTime" json:"start_time"`
	LastActivity time.Time `bson:"lastActivity" json:"last_activity"`
	MessageCount int       `bson:"messageCount" json:"message_count"`
	Topic        string    `bson:"topic,omitempty" json:"topic,omitempty"`
}

// Session is one ongoing conversation between a user and the generation backend
type Session struct {
	ID            primitive.ObjectID `bson:"_id,omitempty" json:"-"`
	SessionID     string             `bson:"sessionId" json:"session_id"`
	UserID        string             `bson:"userId" json:"user_id"`
	Status        SessionStatus      `bson:"status" json:"status"`
	ContextWindow []ContextEntry     `bson:"contextWindow" json:"context_window"`
	TokenBudget   int                `bson:"tokenBudget" json:"token_budget"`
	Metadata      SessionMetadata    `bson:"metadata" json:"metadata"`
	CreatedAt     time.Time          `bson:"createdAt" json:"created_at"`
	UpdatedAt     time.Time          `bson:"updatedAt" json:"updated_at"`
}

// NewSession creates an active session for a user
func NewSession(sessionID, userID, topic string) *Session {
	now := time.Now()
	return &Session{
		SessionID:     sessionID,
		UserID:        userID,
		Status:        SessionActive,
		ContextWindow: make([]ContextEntry, 0, ContextWindowCap),
		TokenBudget:   defaultTokenBudget,
		Metadata: SessionMetadata{
			StartTime:    now,
			LastActivity: now,
			Topic:        topic,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

const defaultTokenBudget = 4096

// CanTransition reports whether a status change is legal.
// Allowed: active->paused, paused->active, active->ended. Ended is terminal.
func (s *Session) CanTransition(to SessionStatus) bool {
	switch s.Status {
	case SessionActive:
		return to == SessionPaused || to == SessionEnded
	case SessionPaused:
		return to == SessionActive
	default:
		return false
	}
}

// PushContext appends an entry to the context window, trimming the oldest
// entries past the cap, and touches the activity metadata. messageCount
// counts every appended message, not the trimmed window length.
func (s *Session) PushContext(entry ContextEntry) {
	s.ContextWindow = append(s.ContextWindow, entry)
	if len(s.ContextWindow) > ContextWindowCap {
		s.ContextWindow = s.ContextWindow[len(s.ContextWindow)-ContextWindowCap:]
	}
	s.Metadata.MessageCount++
	s.Metadata.LastActivity = entry.Timestamp
	s.UpdatedAt = entry.Timestamp
}

// MessageMetadata carries generation stats attached to assistant messages
type MessageMetadata struct {
	LatencyMs  int64   `bson:"latencyMs,omitempty" json:"latency_ms,omitempty"`
	Model      string  `bson:"model,omitempty" json:"model,omitempty"`
	Tokens     int     `bson:"tokens,omitempty" json:"tokens,omitempty"`
	Confidence float64 `bson:"confidence,omitempty" json:"confidence,omitempty"`
}

// Message is one persisted turn in a session. Immutable once written.
type Message struct {
	ID        primitive.ObjectID `bson:"_id,omitempty" json:"-"`
	MessageID string             `bson:"messageId" json:"message_id"`
	SessionID string             `bson:"sessionId" json:"session_id"`
	UserID    string             `bson:"userId" json:"user_id"`
	Role      MessageRole        `bson:"role" json:"role"`
	Content   string             `bson:"content" json:"content"`
	Metadata  *MessageMetadata   `bson:"metadata,omitempty" json:"metadata,omitempty"`
	CreatedAt time.Time          `bson:"createdAt" json:"created_at"`
}

// Validate checks the message shape before it is persisted or pushed into a
// cached context window.
func (m *Message) Validate() error {
	if m.SessionID == "" {
		return NewValidationError("message missing session id")
	}
	if m.UserID == "" {
		return NewValidationError("message missing user id")
	}
	switch m.Role {
	case RoleUser, RoleAssistant, RoleSystem:
	default:
		return NewValidationError("invalid message role: " + string(m.Role))
	}
	if m.Content == "" {
		return NewValidationError("message content is empty")
	}
	return nil
}

// CachedSessionView is the time-boxed projection of a Session kept in the
// two-tier cache. Eventually consistent with the store; never authoritative
// for access control — ownership is re-checked against the authenticated
// caller on every use.
type CachedSessionView struct {
	SessionID     string          `json:"session_id"`
	UserID        string          `json:"user_id"`
	Status        SessionStatus   `json:"status"`
	ContextWindow []ContextEntry  `json:"context_window"`
	TokenBudget   int             `json:"token_budget"`
	Metadata      SessionMetadata `json:"metadata"`
	CachedAt      time.Time       `json:"cached_at"`
}

// ViewOf projects a session into its cacheable form
func ViewOf(s *Session) *CachedSessionView {
	window := make([]ContextEntry, len(s.ContextWindow))
	copy(window, s.ContextWindow)
	return &CachedSessionView{
		SessionID:     s.SessionID,
		UserID:        s.UserID,
		Status:        s.Status,
		ContextWindow: window,
		TokenBudget:   s.TokenBudget,
		Metadata:      s.Metadata,
		CachedAt:      time.Now(),
	}
}

// Push mirrors Session.PushContext on the cached projection
func (v *CachedSessionView) Push(entry ContextEntry) {
	v.ContextWindow = append(v.ContextWindow, entry)
	if len(v.ContextWindow) > ContextWindowCap {
		v.ContextWindow = v.ContextWindow[len(v.ContextWindow)-ContextWindowCap:]
	}
	v.Metadata.MessageCount++
	v.Metadata.LastActivity = entry.Timestamp
}
