package models

import (
	"encoding/json"
	"time"
)

// EventType is the closed set of inbound and outbound gateway event kinds.
// Unknown inbound types are rejected with an invalid_format error event.
type EventType string

// Inbound event types
const (
	EventPing            EventType = "ping"
	EventSessionCreate   EventType = "session:create"
	EventSessionJoin     EventType = "session:join"
	EventSessionLeave    EventType = "session:leave"
	EventSessionEnd      EventType = "session:end"
	EventMessageSend     EventType = "message:send"
	EventTypingStart     EventType = "typing:start"
	EventTypingStop      EventType = "typing:stop"
	EventWebRTCOffer     EventType = "webrtc:offer"
	EventWebRTCAnswer    EventType = "webrtc:answer"
	EventWebRTCCandidate EventType = "webrtc:ice-candidate"
	EventWebRTCHangup    EventType = "webrtc:hangup"
)

// Outbound event types
const (
	EventPong              EventType = "pong"
	EventConnected         EventType = "connected"
	EventSessionCreated    EventType = "session:created"
	EventSessionJoined     EventType = "session:joined"
	EventSessionLeft       EventType = "session:left"
	EventSessionEnded      EventType = "session:ended"
	EventMessageAck        EventType = "message:ack"
	EventAssistantThinking EventType = "assistant:thinking"
	EventMessageChunk      EventType = "message:chunk"
	EventMessageComplete   EventType = "message:complete"
	EventMessageError      EventType = "message:error"
	EventSystemAlert       EventType = "system:alert"
	EventUserDisconnected  EventType = "user:disconnected"
	EventPresenceUpdate    EventType = "presence:update"
	EventError             EventType = "error"
)

// IsSignaling reports whether an event type is a WebRTC relay event
func (t EventType) IsSignaling() bool {
	switch t {
	case EventWebRTCOffer, EventWebRTCAnswer, EventWebRTCCandidate, EventWebRTCHangup:
		return true
	}
	return false
}

// MessageMode distinguishes text from voice sends
type MessageMode string

const (
	ModeText  MessageMode = "text"
	ModeVoice MessageMode = "voice"
)

// ClientEvent is an inbound event from a connected client
type ClientEvent struct {
	Type      EventType   `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Content   string      `json:"content,omitempty"`
	Mode      MessageMode `json:"mode,omitempty"`
	Topic     string      `json:"topic,omitempty"`

	// Signaling relay fields. Payload is forwarded verbatim; the gateway
	// never interprets it.
	To      string          `json:"to,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`

	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// ServerEvent is an outbound event pushed to one or more clients
type ServerEvent struct {
	Type       EventType `json:"type"`
	SessionID  string    `json:"session_id,omitempty"`
	SocketID   string    `json:"socket_id,omitempty"`
	ServerTime string    `json:"server_time,omitempty"`

	// Streaming fields
	Content    string `json:"content,omitempty"`
	ChunkIndex int    `json:"chunk_index,omitempty"`
	MessageID  string `json:"message_id,omitempty"`

	// message:error carries whatever text was produced before the failure
	PartialContent string `json:"partial_content,omitempty"`

	Metadata *MessageMetadata `json:"metadata,omitempty"`

	// Signaling relay passthrough
	From    string          `json:"from,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`

	// Presence / alerts
	UserID    string `json:"user_id,omitempty"`
	Online    *bool  `json:"online,omitempty"`
	AlertType string `json:"alert_type,omitempty"`

	// Structured errors
	ErrorCode    string `json:"code,omitempty"`
	ErrorMessage string `json:"message,omitempty"`
}

// ErrorEvent builds a structured error event for the originating connection
func ErrorEvent(t EventType, sessionID string, err error) ServerEvent {
	return ServerEvent{
		Type:         EventError,
		SessionID:    sessionID,
		ErrorCode:    CodeFor(err),
		ErrorMessage: err.Error(),
	}
}

// ConnectedEvent is the first event sent on a fresh connection
func ConnectedEvent(socketID string) ServerEvent {
	return ServerEvent{
		Type:       EventConnected,
		SocketID:   socketID,
		ServerTime: time.Now().UTC().Format(time.RFC3339),
	}
}
