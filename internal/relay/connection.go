package relay

import (
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/skipon/matchmaker/internal/participant"
)

// Connection is one occupant's WebSocket in a room.
type Connection struct {
	ID          string         // connection id (UUID), also the bus subscription key
	Participant participant.ID // occupant this connection belongs to
	Partner     participant.ID
	RoomID      string
	Conn        net.Conn
	CreatedAt   time.Time

	writeTimeout time.Duration
	writeMu      sync.Mutex // serializes frames on Conn

	mu       sync.Mutex
	lastSeen time.Time

	closeOnce sync.Once
	endOnce   sync.Once // partner_left is delivered at most once
}

// WriteMessage sends a text frame.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.setWriteDeadline()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WriteControl sends a control frame (ping, pong, close).
func (c *Connection) WriteControl(f ws.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.setWriteDeadline()
	return ws.WriteFrame(c.Conn, f)
}

func (c *Connection) setWriteDeadline() {
	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
}

// Touch records activity from the client.
func (c *Connection) Touch() {
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.mu.Unlock()
}

// LastSeen returns the time of the last frame from the client.
func (c *Connection) LastSeen() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

// Close closes the underlying connection once; the read loop then exits.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() { err = c.Conn.Close() })
	return err
}

// ConnectionManager indexes the open connections of this instance by id and
// by room.
type ConnectionManager struct {
	mu     sync.RWMutex
	byID   map[string]*Connection
	byRoom map[string]map[string]*Connection
}

func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:   make(map[string]*Connection),
		byRoom: make(map[string]map[string]*Connection),
	}
}

// Add registers a connection.
func (cm *ConnectionManager) Add(c *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.byID[c.ID] = c
	room, ok := cm.byRoom[c.RoomID]
	if !ok {
		room = make(map[string]*Connection)
		cm.byRoom[c.RoomID] = room
	}
	room[c.ID] = c
}

// Remove unregisters a connection. It reports false if the connection was
// already gone, so concurrent removals clean up only once.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	c, ok := cm.byID[id]
	if !ok {
		return false
	}
	delete(cm.byID, id)
	if room := cm.byRoom[c.RoomID]; room != nil {
		delete(room, id)
		if len(room) == 0 {
			delete(cm.byRoom, c.RoomID)
		}
	}
	return true
}

// Get returns the connection with the given id, or nil.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.byID[id]
}

// InRoom returns the connections of a room.
func (cm *ConnectionManager) InRoom(roomID string) []*Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	out := make([]*Connection, 0, len(cm.byRoom[roomID]))
	for _, c := range cm.byRoom[roomID] {
		out = append(out, c)
	}
	return out
}

// Count returns the number of open connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.byID)
}

// All returns a snapshot of every connection.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	out := make([]*Connection, 0, len(cm.byID))
	for _, c := range cm.byID {
		out = append(out, c)
	}
	return out
}
