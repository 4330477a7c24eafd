package handlers

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/google/uuid"

	"tutorlive/internal/models"
	"tutorlive/internal/services"
)

const (
	readDeadline = 120 * time.Second
	pingInterval = 30 * time.Second
)

// Emitter fans events out to connections, local and remote.
// Satisfied by Broadcaster.
type Emitter interface {
	EmitToUser(ctx context.Context, userID string, ev models.ServerEvent)
	EmitToSession(ctx context.Context, sessionID, excludeConnID string, ev models.ServerEvent)
}

// Presence settles per-user online state. Satisfied by PresenceService.
type Presence interface {
	MarkOnline(ctx context.Context, userID string)
	MarkOffline(ctx context.Context, userID string)
	Touch(ctx context.Context, userID string)
}

// Submitter accepts sends into the message pipeline. Satisfied by
// pipeline.Pipeline.
type Submitter interface {
	Submit(ctx context.Context, userID, connID string, ev models.ClientEvent) error
}

// WebSocketHandler is the gateway: it owns the connection lifecycle and
// dispatches every inbound event to the right service.
type WebSocketHandler struct {
	registry    *services.ConnectionManager
	broadcaster Emitter
	presence    Presence
	cache       *services.SessionCache
	pipeline    Submitter
	metrics     *services.Metrics

	messagesPerSecond float64
	messageBurst      int
}

func NewWebSocketHandler(
	registry *services.ConnectionManager,
	broadcaster Emitter,
	presence Presence,
	cache *services.SessionCache,
	pl Submitter,
	metrics *services.Metrics,
	messagesPerSecond float64,
	messageBurst int,
) *WebSocketHandler {
	return &WebSocketHandler{
		registry:          registry,
		broadcaster:       broadcaster,
		presence:          presence,
		cache:             cache,
		pipeline:          pl,
		metrics:           metrics,
		messagesPerSecond: messagesPerSecond,
		messageBurst:      messageBurst,
	}
}

// Handle runs one connection from upgrade to disconnect
func (h *WebSocketHandler) Handle(c *websocket.Conn) {
	connID := uuid.New().String()
	userID, _ := c.Locals("user_id").(string)
	role, _ := c.Locals("user_role").(string)
	clientIP, _ := c.Locals("client_ip").(string)

	// Auth runs before the upgrade; a socket without an identity is refused
	if userID == "" {
		c.WriteJSON(models.ErrorEvent(models.EventError, "", models.ErrAuthFailure))
		c.Close()
		return
	}

	done := make(chan struct{})

	userConn := models.NewUserConnection(connID, userID, role, clientIP, c, h.messagesPerSecond, h.messageBurst)

	h.registry.Add(userConn)
	h.metrics.RecordWebSocketConnect()
	h.presence.MarkOnline(context.Background(), userID)

	defer func() {
		close(done)
		h.teardown(userConn)
	}()

	c.SetReadDeadline(time.Now().Add(readDeadline))
	c.SetPongHandler(func(appData string) error {
		c.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	go h.pingLoop(userConn, done)
	go h.writeLoop(userConn)
	go h.sendLoop(userConn)

	userConn.SafeSend(models.ConnectedEvent(connID))

	h.readLoop(userConn)
}

// teardown unregisters the connection and settles presence. The last
// connection for a user flips them offline and tells their sessions.
func (h *WebSocketHandler) teardown(userConn *models.UserConnection) {
	ctx := context.Background()
	rooms := userConn.RoomList()

	// The read loop has exited, so nothing enqueues anymore
	close(userConn.SendQueue)

	lastForUser := h.registry.Remove(userConn.ConnID)
	h.metrics.RecordWebSocketDisconnect()

	if lastForUser {
		h.presence.MarkOffline(ctx, userConn.UserID)
		for _, room := range rooms {
			sessionID, ok := services.SessionIDFromRoom(room)
			if !ok {
				continue
			}
			h.broadcaster.EmitToSession(ctx, sessionID, userConn.ConnID, models.ServerEvent{
				Type:      models.EventUserDisconnected,
				SessionID: sessionID,
				UserID:    userConn.UserID,
			})
		}
	}

	log.Printf("👋 Connection %s closed (user %s)", userConn.ConnID, userConn.UserID)
}

// pingLoop keeps the connection alive through idle stretches
func (h *WebSocketHandler) pingLoop(userConn *models.UserConnection, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			userConn.Mutex.Lock()
			err := userConn.Conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(10*time.Second))
			userConn.Mutex.Unlock()
			if err != nil {
				log.Printf("⚠️ Ping failed for %s: %v", userConn.ConnID, err)
				return
			}
		}
	}
}

// writeLoop serializes all outbound writes for one connection
func (h *WebSocketHandler) writeLoop(userConn *models.UserConnection) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("❌ Panic in writeLoop: %v", r)
		}
	}()

	for ev := range userConn.WriteChan {
		if err := userConn.Conn.WriteJSON(ev); err != nil {
			log.Printf("⚠️  Write failed for %s: %v", userConn.ConnID, err)
			return
		}
		h.metrics.RecordWebSocketMessage(string(ev.Type), "outbound")
	}
}

// readLoop parses and dispatches inbound events until the connection dies
func (h *WebSocketHandler) readLoop(userConn *models.UserConnection) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("❌ Panic in readLoop: %v", r)
		}
	}()

	for {
		_, msg, err := userConn.Conn.ReadMessage()
		if err != nil {
			log.Printf("🔌 WebSocket read ended for %s: %v", userConn.ConnID, err)
			break
		}

		userConn.Conn.SetReadDeadline(time.Now().Add(readDeadline))

		var ev models.ClientEvent
		if err := json.Unmarshal(msg, &ev); err != nil {
			log.Printf("⚠️  Invalid event format from %s: %v", userConn.ConnID, err)
			userConn.SafeSend(models.ServerEvent{
				Type:         models.EventError,
				ErrorCode:    models.CodeInvalidFormat,
				ErrorMessage: "Invalid event format",
			})
			continue
		}

		h.metrics.RecordWebSocketMessage(string(ev.Type), "inbound")
		h.dispatch(userConn, ev)
	}
}

func (h *WebSocketHandler) dispatch(userConn *models.UserConnection, ev models.ClientEvent) {
	ctx := context.Background()

	switch ev.Type {
	case models.EventPing:
		h.presence.Touch(ctx, userConn.UserID)
		userConn.SafeSend(models.ServerEvent{Type: models.EventPong})

	case models.EventSessionCreate:
		h.handleSessionCreate(ctx, userConn, ev)

	case models.EventSessionJoin:
		h.handleSessionJoin(ctx, userConn, ev)

	case models.EventSessionLeave:
		h.handleSessionLeave(ctx, userConn, ev)

	case models.EventSessionEnd:
		h.handleSessionEnd(ctx, userConn, ev)

	case models.EventMessageSend:
		h.enqueueSend(userConn, ev)

	case models.EventTypingStart, models.EventTypingStop:
		h.handleTyping(ctx, userConn, ev)

	default:
		if ev.Type.IsSignaling() {
			h.handleSignaling(ctx, userConn, ev)
			return
		}
		log.Printf("⚠️  Unknown event type from %s: %s", userConn.ConnID, ev.Type)
		userConn.SafeSend(models.ServerEvent{
			Type:         models.EventError,
			ErrorCode:    models.CodeInvalidFormat,
			ErrorMessage: "Unknown event type: " + string(ev.Type),
		})
	}
}

func (h *WebSocketHandler) handleSessionCreate(ctx context.Context, userConn *models.UserConnection, ev models.ClientEvent) {
	session := models.NewSession(uuid.New().String(), userConn.UserID, ev.Topic)

	if err := h.cache.Store().CreateSession(ctx, session); err != nil {
		log.Printf("❌ Failed to create session for %s: %v", userConn.UserID, err)
		userConn.SafeSend(models.ErrorEvent(ev.Type, "", models.RetryableError("create session", err)))
		return
	}
	h.cache.Set(ctx, session.SessionID, models.ViewOf(session))

	userConn.JoinRoom(services.SessionRoom(session.SessionID))

	userConn.SafeSend(models.ServerEvent{
		Type:      models.EventSessionCreated,
		SessionID: session.SessionID,
	})
	log.Printf("📚 Session %s created by %s", session.SessionID, userConn.UserID)
}

// authorizeSession loads the session from the store and checks the
// caller may act on it. Cached views are never consulted here.
func (h *WebSocketHandler) authorizeSession(ctx context.Context, userConn *models.UserConnection, sessionID string) (*models.Session, error) {
	if sessionID == "" {
		return nil, models.NewValidationError("session_id is required")
	}
	session, err := h.cache.Store().GetSession(ctx, sessionID)
	if err != nil {
		return nil, models.ErrNotFound
	}
	if session.UserID != userConn.UserID && userConn.Role != "tutor" {
		return nil, models.ErrAccessDenied
	}
	return session, nil
}

func (h *WebSocketHandler) handleSessionJoin(ctx context.Context, userConn *models.UserConnection, ev models.ClientEvent) {
	session, err := h.authorizeSession(ctx, userConn, ev.SessionID)
	if err != nil {
		userConn.SafeSend(models.ErrorEvent(ev.Type, ev.SessionID, err))
		return
	}
	if session.Status == models.SessionEnded {
		userConn.SafeSend(models.ErrorEvent(ev.Type, ev.SessionID, models.ErrSessionInactive))
		return
	}

	userConn.JoinRoom(services.SessionRoom(session.SessionID))

	userConn.SafeSend(models.ServerEvent{
		Type:      models.EventSessionJoined,
		SessionID: session.SessionID,
	})
	h.broadcaster.EmitToSession(ctx, session.SessionID, userConn.ConnID, models.ServerEvent{
		Type:      models.EventSessionJoined,
		SessionID: session.SessionID,
		UserID:    userConn.UserID,
	})
}

func (h *WebSocketHandler) handleSessionLeave(ctx context.Context, userConn *models.UserConnection, ev models.ClientEvent) {
	if ev.SessionID == "" {
		userConn.SafeSend(models.ErrorEvent(ev.Type, "", models.NewValidationError("session_id is required")))
		return
	}
	room := services.SessionRoom(ev.SessionID)
	if !userConn.InRoom(room) {
		userConn.SafeSend(models.ErrorEvent(ev.Type, ev.SessionID, models.ErrNotFound))
		return
	}
	userConn.LeaveRoom(room)

	userConn.SafeSend(models.ServerEvent{
		Type:      models.EventSessionLeft,
		SessionID: ev.SessionID,
	})
	h.broadcaster.EmitToSession(ctx, ev.SessionID, userConn.ConnID, models.ServerEvent{
		Type:      models.EventSessionLeft,
		SessionID: ev.SessionID,
		UserID:    userConn.UserID,
	})
}

func (h *WebSocketHandler) handleSessionEnd(ctx context.Context, userConn *models.UserConnection, ev models.ClientEvent) {
	session, err := h.authorizeSession(ctx, userConn, ev.SessionID)
	if err != nil {
		userConn.SafeSend(models.ErrorEvent(ev.Type, ev.SessionID, err))
		return
	}
	if !session.CanTransition(models.SessionEnded) {
		userConn.SafeSend(models.ErrorEvent(ev.Type, ev.SessionID, models.ErrSessionInactive))
		return
	}

	session.Status = models.SessionEnded
	session.UpdatedAt = time.Now().UTC()
	if err := h.cache.Store().UpdateSession(ctx, session); err != nil {
		log.Printf("❌ Failed to end session %s: %v", session.SessionID, err)
		userConn.SafeSend(models.ErrorEvent(ev.Type, ev.SessionID, models.RetryableError("end session", err)))
		return
	}
	h.cache.Invalidate(ctx, session.SessionID)

	h.broadcaster.EmitToSession(ctx, session.SessionID, "", models.ServerEvent{
		Type:      models.EventSessionEnded,
		SessionID: session.SessionID,
	})
	userConn.LeaveRoom(services.SessionRoom(session.SessionID))
	log.Printf("🏁 Session %s ended by %s", session.SessionID, userConn.UserID)
}

// enqueueSend hands a message:send to the connection's send worker. The
// read loop never waits on the session lock, so pings and relays into
// other sessions keep flowing while a generation is in flight.
func (h *WebSocketHandler) enqueueSend(userConn *models.UserConnection, ev models.ClientEvent) {
	if !userConn.Limiter.Allow() {
		userConn.SafeSend(models.ErrorEvent(ev.Type, ev.SessionID, models.ErrRateLimited))
		return
	}
	select {
	case userConn.SendQueue <- ev:
	default:
		// Queue full means the client is far ahead of its own sends
		userConn.SafeSend(models.ErrorEvent(ev.Type, ev.SessionID, models.ErrRateLimited))
	}
}

// sendLoop runs queued sends for one connection in arrival order
func (h *WebSocketHandler) sendLoop(userConn *models.UserConnection) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("❌ Panic in sendLoop: %v", r)
		}
	}()

	for ev := range userConn.SendQueue {
		h.handleMessageSend(context.Background(), userConn, ev)
	}
}

func (h *WebSocketHandler) handleMessageSend(ctx context.Context, userConn *models.UserConnection, ev models.ClientEvent) {
	start := time.Now()
	if err := h.pipeline.Submit(ctx, userConn.UserID, userConn.ConnID, ev); err != nil {
		userConn.SafeSend(models.ErrorEvent(ev.Type, ev.SessionID, err))
		return
	}
	h.metrics.RecordOperationLatency("message_submit", time.Since(start).Seconds())
}

func (h *WebSocketHandler) handleTyping(ctx context.Context, userConn *models.UserConnection, ev models.ClientEvent) {
	if ev.SessionID == "" || !userConn.InRoom(services.SessionRoom(ev.SessionID)) {
		userConn.SafeSend(models.ErrorEvent(ev.Type, ev.SessionID, models.ErrAccessDenied))
		return
	}
	h.broadcaster.EmitToSession(ctx, ev.SessionID, userConn.ConnID, models.ServerEvent{
		Type:      ev.Type,
		SessionID: ev.SessionID,
		UserID:    userConn.UserID,
	})
}

// handleSignaling relays WebRTC negotiation events without inspecting
// the payload. Targeted events go to one user, the rest to the session.
func (h *WebSocketHandler) handleSignaling(ctx context.Context, userConn *models.UserConnection, ev models.ClientEvent) {
	if ev.SessionID == "" || !userConn.InRoom(services.SessionRoom(ev.SessionID)) {
		userConn.SafeSend(models.ErrorEvent(ev.Type, ev.SessionID, models.ErrAccessDenied))
		return
	}

	out := models.ServerEvent{
		Type:      ev.Type,
		SessionID: ev.SessionID,
		From:      userConn.UserID,
		Payload:   ev.Payload,
	}

	if ev.To != "" {
		h.broadcaster.EmitToUser(ctx, ev.To, out)
		return
	}
	h.broadcaster.EmitToSession(ctx, ev.SessionID, userConn.ConnID, out)
}
