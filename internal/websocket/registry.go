package websocket

import (
	"log"
	"sync"

	"podium/pkg/types"
)

// Registry tracks live connections by user and by session role. A user
// holds at most one connection; a newer one replaces the older.
type Registry struct {
	mu              sync.RWMutex
	byUser          map[string]*Connection            // userID -> Connection
	sessionTeachers map[string]map[string]*Connection // sessionID -> userID -> Connection
	sessionStudents map[string]map[string]*Connection // sessionID -> userID -> Connection
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		byUser:          make(map[string]*Connection),
		sessionTeachers: make(map[string]map[string]*Connection),
		sessionStudents: make(map[string]map[string]*Connection),
	}
}

// RegisterConnection adds an authenticated connection, closing any
// connection the same user held before
func (r *Registry) RegisterConnection(conn *Connection) error {
	if conn == nil {
		return ErrNilConnection
	}
	if !conn.IsAuthenticated() {
		return ErrConnectionNotAuthenticated
	}

	userID := conn.GetUserID()
	sessionID := conn.GetSessionID()

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byUser[userID]; ok && existing != conn {
		r.removeLocked(existing)
		// Closing takes the socket lock; do it outside the registry lock
		go func() {
			if err := existing.Close(); err != nil {
				log.Printf("Failed to close replaced connection: user=%s err=%v", userID, err)
			}
		}()
	}

	r.byUser[userID] = conn
	roleMap := r.roleMap(conn.GetRole())
	if roleMap == nil {
		return nil
	}
	if roleMap[sessionID] == nil {
		roleMap[sessionID] = make(map[string]*Connection)
	}
	roleMap[sessionID][userID] = conn
	return nil
}

// UnregisterConnection removes conn if it is still the user's current
// connection. Stale connections never evict their replacement.
func (r *Registry) UnregisterConnection(conn *Connection) {
	if conn == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.byUser[conn.GetUserID()]; ok && current == conn {
		r.removeLocked(conn)
	}
}

func (r *Registry) removeLocked(conn *Connection) {
	userID := conn.GetUserID()
	sessionID := conn.GetSessionID()
	delete(r.byUser, userID)

	roleMap := r.roleMap(conn.GetRole())
	if roleMap == nil {
		return
	}
	if members, ok := roleMap[sessionID]; ok {
		delete(members, userID)
		if len(members) == 0 {
			delete(roleMap, sessionID)
		}
	}
}

func (r *Registry) roleMap(role string) map[string]map[string]*Connection {
	switch role {
	case types.RoleTeacher:
		return r.sessionTeachers
	case types.RoleStudent:
		return r.sessionStudents
	default:
		return nil
	}
}

// GetUserConnection returns the user's current connection
func (r *Registry) GetUserConnection(userID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.byUser[userID]
	return conn, ok
}

// GetSessionConnections returns every connection of a session, teachers first
func (r *Registry) GetSessionConnections(sessionID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var conns []*Connection
	for _, conn := range r.sessionTeachers[sessionID] {
		conns = append(conns, conn)
	}
	for _, conn := range r.sessionStudents[sessionID] {
		conns = append(conns, conn)
	}
	return conns
}

// GetSessionTeachers returns the teacher connections of a session
func (r *Registry) GetSessionTeachers(sessionID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return collect(r.sessionTeachers[sessionID])
}

// GetSessionStudents returns the student connections of a session
func (r *Registry) GetSessionStudents(sessionID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return collect(r.sessionStudents[sessionID])
}

// GetStats returns connection and session counts for monitoring
func (r *Registry) GetStats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make(map[string]struct{})
	for id := range r.sessionTeachers {
		sessions[id] = struct{}{}
	}
	for id := range r.sessionStudents {
		sessions[id] = struct{}{}
	}
	return map[string]int{
		"total_connections": len(r.byUser),
		"active_sessions":   len(sessions),
	}
}

func collect(members map[string]*Connection) []*Connection {
	conns := make([]*Connection, 0, len(members))
	for _, conn := range members {
		conns = append(conns, conn)
	}
	return conns
}
