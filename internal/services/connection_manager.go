package services

import (
	"log"
	"sync"

	"tutorlive/internal/models"
)

// ConnectionManager is the shared registry of live WebSocket connections on
// this instance, indexed by connection id and by user id. It is injectable
// so fan-out can be exercised against a test double; cross-instance
// visibility is the Broadcaster's job, never implicit shared memory.
type ConnectionManager struct {
	connections map[string]*models.UserConnection
	byUser      map[string]map[string]*models.UserConnection // userID -> connID -> conn
	mutex       sync.RWMutex
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		connections: make(map[string]*models.UserConnection),
		byUser:      make(map[string]map[string]*models.UserConnection),
	}
}

// Add adds a new connection
func (cm *ConnectionManager) Add(conn *models.UserConnection) {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()

	cm.connections[conn.ConnID] = conn
	if cm.byUser[conn.UserID] == nil {
		cm.byUser[conn.UserID] = make(map[string]*models.UserConnection)
	}
	cm.byUser[conn.UserID][conn.ConnID] = conn

	log.Printf("✅ Connection added: %s user=%s (Total: %d)", conn.ConnID, conn.UserID, len(cm.connections))
}

// Remove removes a connection. Returns true when it was the user's last
// live connection on this instance.
func (cm *ConnectionManager) Remove(connID string) (lastForUser bool) {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()

	conn, exists := cm.connections[connID]
	if !exists {
		return false
	}

	conn.MarkClosed()
	close(conn.WriteChan)
	delete(cm.connections, connID)

	if userConns, ok := cm.byUser[conn.UserID]; ok {
		delete(userConns, connID)
		if len(userConns) == 0 {
			delete(cm.byUser, conn.UserID)
			lastForUser = true
		}
	}

	log.Printf("❌ Connection removed: %s (Total: %d)", connID, len(cm.connections))
	return lastForUser
}

// Get retrieves a connection by ID
func (cm *ConnectionManager) Get(connID string) (*models.UserConnection, bool) {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()
	conn, exists := cm.connections[connID]
	return conn, exists
}

// Count returns the number of active connections
func (cm *ConnectionManager) Count() int {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()
	return len(cm.connections)
}

// UniqueUsers returns the number of distinct users with live connections
func (cm *ConnectionManager) UniqueUsers() int {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()
	return len(cm.byUser)
}

// ForUser returns all of a user's live connections (multi-device)
func (cm *ConnectionManager) ForUser(userID string) []*models.UserConnection {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()

	conns := make([]*models.UserConnection, 0, len(cm.byUser[userID]))
	for _, conn := range cm.byUser[userID] {
		conns = append(conns, conn)
	}
	return conns
}

// InRoom returns all local connections that joined a room, excluding the
// given connection id (pass "" to exclude none).
func (cm *ConnectionManager) InRoom(room, excludeConnID string) []*models.UserConnection {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()

	var conns []*models.UserConnection
	for _, conn := range cm.connections {
		if conn.ConnID == excludeConnID {
			continue
		}
		if conn.InRoom(room) {
			conns = append(conns, conn)
		}
	}
	return conns
}

// GetAll returns all active connections
func (cm *ConnectionManager) GetAll() []*models.UserConnection {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()

	conns := make([]*models.UserConnection, 0, len(cm.connections))
	for _, conn := range cm.connections {
		conns = append(conns, conn)
	}
	return conns
}
