package ws

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/Yug2op/SkillExchange-sub001/internal/chat"
	"github.com/Yug2op/SkillExchange-sub001/internal/log"
	"github.com/Yug2op/SkillExchange-sub001/internal/metrics"
	"github.com/Yug2op/SkillExchange-sub001/internal/session"
)

// Connection represents a single WebSocket client connection. Outbound frames
// go through a bounded queue drained by one writer goroutine, so a slow client
// never blocks the goroutine that produced the event.
type Connection struct {
	UserID    string    // authenticated owner
	Conn      net.Conn  // underlying TCP connection
	Fd        int       // file descriptor, -1 off Linux
	CreatedAt time.Time // when the connection was established

	mu sync.Mutex
	id string // registry connection id, bound after registration

	send         chan []byte
	done         chan struct{}
	closeOnce    sync.Once
	writeMu      sync.Mutex // serializes frames written to Conn
	writeTimeout time.Duration
	evict        func(c *Connection, reason string)
	processing   int32 // atomic flag: 0 = idle, 1 = being read by handleConn
	removing     int32 // atomic flag: set once by the first RemoveConnection
}

func newConnection(conn net.Conn, userID string, queueSize int, writeTimeout time.Duration, evict func(*Connection, string)) *Connection {
	if queueSize <= 0 {
		queueSize = 1
	}
	return &Connection{
		UserID:       userID,
		Conn:         conn,
		Fd:           socketFD(conn),
		CreatedAt:    time.Now(),
		send:         make(chan []byte, queueSize),
		done:         make(chan struct{}),
		writeTimeout: writeTimeout,
		evict:        evict,
	}
}

// ID returns the registry connection id, or "" before registration.
func (c *Connection) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

func (c *Connection) bind(id string) {
	c.mu.Lock()
	c.id = id
	c.mu.Unlock()
}

// Send queues a text frame. It never blocks: when the queue is full the
// connection is reported unresponsive and evicted in the background, since
// callers may be holding chat or room locks.
func (c *Connection) Send(data []byte) error {
	select {
	case <-c.done:
		return session.ErrConnectionClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return session.ErrConnectionClosed
	default:
		metrics.DroppedEvents.Inc()
		if c.evict != nil {
			go c.evict(c, "unresponsive")
		}
		return chat.ErrUnresponsive
	}
}

// writeLoop drains the outbound queue until the connection is closed. A write
// failure evicts the connection.
func (c *Connection) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			if err := c.WriteMessage(data); err != nil {
				logger := log.WithConnection("ws", c.ID(), c.UserID)
				logger.Debug().Err(err).Msg("write failed")
				if c.evict != nil {
					c.evict(c, "error")
				}
				return
			}
		}
	}
}

// WriteMessage writes a WebSocket text frame directly, bypassing the queue.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// Close closes the underlying network connection and stops the writer. It
// reports whether this call did the closing.
func (c *Connection) Close() bool {
	closed := false
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.Conn.Close()
		closed = true
	})
	return closed
}

func (c *Connection) removed() bool {
	return atomic.LoadInt32(&c.removing) == 1
}

// Closed reports whether Close has been called.
func (c *Connection) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// ConnectionManager is a thread-safe registry of live transport connections,
// indexed by registry id and by net.Conn for the epoll read path.
type ConnectionManager struct {
	mu     sync.RWMutex
	byID   map[string]*Connection
	byConn map[net.Conn]*Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:   make(map[string]*Connection),
		byConn: make(map[net.Conn]*Connection),
	}
}

// Add registers a bound connection.
func (cm *ConnectionManager) Add(c *Connection) {
	cm.mu.Lock()
	cm.byID[c.ID()] = c
	cm.byConn[c.Conn] = c
	cm.mu.Unlock()
}

// Remove forgets c. Returns false if it was already gone.
func (cm *ConnectionManager) Remove(c *Connection) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if _, ok := cm.byConn[c.Conn]; !ok {
		return false
	}
	delete(cm.byConn, c.Conn)
	if cur, ok := cm.byID[c.ID()]; ok && cur == c {
		delete(cm.byID, c.ID())
	}
	return true
}

// Get returns the connection for the given registry id, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	c := cm.byID[id]
	cm.mu.RUnlock()
	return c
}

// GetByConn returns the connection wrapping netConn, or nil if not found.
func (cm *ConnectionManager) GetByConn(netConn net.Conn) *Connection {
	cm.mu.RLock()
	c := cm.byConn[netConn]
	cm.mu.RUnlock()
	return c
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byConn)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byConn))
	for _, c := range cm.byConn {
		conns = append(conns, c)
	}
	cm.mu.RUnlock()
	return conns
}
