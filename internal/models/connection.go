package models

import (
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"golang.org/x/time/rate"
)

// UserConnection represents a single live WebSocket connection. A user may
// hold several (multi-device); each connection belongs to exactly one user
// for its lifetime.
type UserConnection struct {
	ConnID    string
	UserID    string
	Role      string
	ClientIP  string
	Conn      *websocket.Conn
	CreatedAt time.Time

	// Session rooms this connection has joined. Guarded by Mutex.
	Rooms map[string]struct{}

	// Per-connection message throughput limiter, independent of the
	// handshake attempt counter.
	Limiter *rate.Limiter

	WriteChan chan ServerEvent

	// Sends are handed off the read loop to a per-connection worker so a
	// generation holding the session lock cannot stall pings or relays.
	// Processed in arrival order.
	SendQueue chan ClientEvent

	Mutex  sync.Mutex
	closed bool
}

// NewUserConnection wires up a connection with its write channel and limiter
func NewUserConnection(connID, userID, role, clientIP string, conn *websocket.Conn, msgPerSec float64, burst int) *UserConnection {
	return &UserConnection{
		ConnID:    connID,
		UserID:    userID,
		Role:      role,
		ClientIP:  clientIP,
		Conn:      conn,
		CreatedAt: time.Now(),
		Rooms:     make(map[string]struct{}),
		Limiter:   rate.NewLimiter(rate.Limit(msgPerSec), burst),
		WriteChan: make(chan ServerEvent, 100),
		SendQueue: make(chan ClientEvent, 16),
	}
}

// JoinRoom records room membership
func (uc *UserConnection) JoinRoom(room string) {
	uc.Mutex.Lock()
	uc.Rooms[room] = struct{}{}
	uc.Mutex.Unlock()
}

// LeaveRoom drops room membership
func (uc *UserConnection) LeaveRoom(room string) {
	uc.Mutex.Lock()
	delete(uc.Rooms, room)
	uc.Mutex.Unlock()
}

// InRoom reports membership
func (uc *UserConnection) InRoom(room string) bool {
	uc.Mutex.Lock()
	defer uc.Mutex.Unlock()
	_, ok := uc.Rooms[room]
	return ok
}

// RoomList returns a snapshot of current room memberships
func (uc *UserConnection) RoomList() []string {
	uc.Mutex.Lock()
	defer uc.Mutex.Unlock()
	rooms := make([]string, 0, len(uc.Rooms))
	for room := range uc.Rooms {
		rooms = append(rooms, room)
	}
	return rooms
}

// SafeSend delivers an event to the write loop, returning false if the
// connection is already closed. Delivery to a gone connection is a no-op.
func (uc *UserConnection) SafeSend(ev ServerEvent) bool {
	uc.Mutex.Lock()
	if uc.closed {
		uc.Mutex.Unlock()
		return false
	}
	uc.Mutex.Unlock()

	defer func() {
		if r := recover(); r != nil {
			uc.Mutex.Lock()
			uc.closed = true
			uc.Mutex.Unlock()
		}
	}()

	select {
	case uc.WriteChan <- ev:
		return true
	default:
		// Slow consumer: drop rather than block unrelated connections.
		return false
	}
}

// MarkClosed marks the connection as closed
func (uc *UserConnection) MarkClosed() {
	uc.Mutex.Lock()
	uc.closed = true
	uc.Mutex.Unlock()
}

// IsClosed reports whether the connection has been marked closed
func (uc *UserConnection) IsClosed() bool {
	uc.Mutex.Lock()
	defer uc.Mutex.Unlock()
	return uc.closed
}
