package ws

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// ErrSendQueueFull means the client is not reading fast enough.
var ErrSendQueueFull = errors.New("ws: send queue full")

// Connection is one WebSocket client. Outbound text frames go through a
// bounded queue drained by a single writer goroutine; writeMu serializes
// that writer with control frames.
type Connection struct {
	ID        string
	Conn      net.Conn
	Fd        int
	CreatedAt time.Time

	reader     io.Reader    // frame source; buffered on platforms without epoll
	resume     chan struct{} // poll fallback: signals the read was consumed
	lastSeen   atomic.Int64  // unix nanos of the last frame received
	live       atomic.Bool   // receives broadcasts once the snapshot is sent
	processing atomic.Bool   // a worker is reading this connection
	writeMu    sync.Mutex

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newConnection(id string, conn net.Conn, queue int) *Connection {
	if queue <= 0 {
		queue = DefaultServerConfig().SendQueueSize
	}
	c := &Connection{
		ID:        id,
		Conn:      conn,
		Fd:        socketFD(conn),
		CreatedAt: time.Now(),
		reader:    conn,
		send:      make(chan []byte, queue),
		done:      make(chan struct{}),
	}
	c.Touch()
	return c
}

// Touch records activity on the connection.
func (c *Connection) Touch() { c.lastSeen.Store(time.Now().UnixNano()) }

// LastSeen returns when the connection last sent a frame.
func (c *Connection) LastSeen() time.Time { return time.Unix(0, c.lastSeen.Load()) }

// WriteMessage sends a text frame, bounded by timeout when it is positive.
func (c *Connection) WriteMessage(data []byte, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if timeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(timeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// Send queues a text frame for the writer goroutine without blocking.
func (c *Connection) Send(data []byte) error {
	select {
	case <-c.done:
		return net.ErrClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// writeLoop drains the send queue until the connection closes. onError is
// called once if a write fails.
func (c *Connection) writeLoop(timeout time.Duration, onError func(error)) {
	for {
		select {
		case data := <-c.send:
			if err := c.WriteMessage(data, timeout); err != nil {
				onError(err)
				return
			}
		case <-c.done:
			return
		}
	}
}

// WritePing sends a protocol-level ping frame.
func (c *Connection) WritePing(timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if timeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(timeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

func (c *Connection) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return c.Conn.Close()
}

// ConnectionManager indexes connections by session id.
type ConnectionManager struct {
	mu   sync.RWMutex
	byID map[string]*Connection
}

func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{byID: make(map[string]*Connection)}
}

func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.mu.Unlock()
}

// Remove drops and closes the connection. It returns false if it was
// already gone, so concurrent removals clean up once.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.byID[id]
}

func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.byID)
}

// All returns a snapshot of the current connections.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}

// Broadcast queues msg for every live connection and returns the ones whose
// queue was full.
func (cm *ConnectionManager) Broadcast(msg []byte) []*Connection {
	var slow []*Connection
	for _, conn := range cm.All() {
		if !conn.live.Load() {
			continue
		}
		if err := conn.Send(msg); errors.Is(err, ErrSendQueueFull) {
			slow = append(slow, conn)
		}
	}
	return slow
}
