package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeBuffer  = 100
	writeTimeout = 5 * time.Second
)

// Connection wraps one push-channel socket. All writes go through a single
// writer goroutine so concurrent event deliveries never interleave frames.
type Connection struct {
	conn    *websocket.Conn
	writeCh chan []byte

	userID        string
	role          string
	sessionID     string
	authenticated bool
	mu            sync.RWMutex

	// Frames queued while holding wait for Release
	holdMu  sync.Mutex
	holding bool
	held    [][]byte

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// NewConnection wraps a socket and starts its writer
func NewConnection(conn *websocket.Conn) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		conn:    conn,
		writeCh: make(chan []byte, writeBuffer),
		ctx:     ctx,
		cancel:  cancel,
	}
	go c.writeLoop()
	return c
}

func (c *Connection) writeLoop() {
	for {
		select {
		case data := <-c.writeCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				_ = c.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				_ = c.Close()
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// WriteJSON queues v for delivery. It blocks at most writeTimeout when the
// client is not draining its socket.
func (c *Connection) WriteJSON(v interface{}) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	data, err := json.Marshal(v)
	if err != nil {
		return ErrInvalidJSON
	}

	c.holdMu.Lock()
	if c.holding {
		defer c.holdMu.Unlock()
		if len(c.held) >= writeBuffer {
			return ErrHoldOverflow
		}
		c.held = append(c.held, data)
		return nil
	}
	c.holdMu.Unlock()

	return c.enqueue(data)
}

// Hold makes later writes wait until Release
func (c *Connection) Hold() {
	c.holdMu.Lock()
	c.holding = true
	c.holdMu.Unlock()
}

// Release queues first ahead of every frame written since Hold, then
// resumes direct delivery
func (c *Connection) Release(first interface{}) error {
	data, err := json.Marshal(first)
	if err != nil {
		return ErrInvalidJSON
	}

	c.holdMu.Lock()
	defer c.holdMu.Unlock()
	frames := append([][]byte{data}, c.held...)
	c.held = nil
	c.holding = false

	for _, frame := range frames {
		if err := c.enqueue(frame); err != nil {
			return err
		}
	}
	return nil
}

func (c *Connection) enqueue(data []byte) error {
	timer := time.NewTimer(writeTimeout)
	defer timer.Stop()
	select {
	case c.writeCh <- data:
		return nil
	case <-timer.C:
		return ErrWriteTimeout
	case <-c.ctx.Done():
		return ErrConnectionClosed
	}
}

// Close stops the writer and closes the socket; safe to call repeatedly
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return err
}

// Done is closed once the connection is closed
func (c *Connection) Done() <-chan struct{} {
	return c.ctx.Done()
}

// SetCredentials binds the connection to a verified actor and session
func (c *Connection) SetCredentials(userID, role, sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.userID = userID
	c.role = role
	c.sessionID = sessionID
	c.authenticated = true
	return nil
}

func (c *Connection) IsAuthenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authenticated
}

func (c *Connection) GetUserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

func (c *Connection) GetRole() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.role
}

func (c *Connection) GetSessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}
