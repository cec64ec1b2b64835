package session

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// ErrConnectionClosed is returned by Send once the connection is unregistered.
var ErrConnectionClosed = errors.New("session: connection closed")

// Sink is the outbound side of a live connection. Send must not block: a
// transport that cannot accept more data returns an error instead.
type Sink interface {
	Send(data []byte) error
}

// Connection is a live connection owned by the Registry.
type Connection struct {
	ID          string
	UserID      string
	ConnectedAt time.Time

	sink         Sink
	lastActivity atomic.Int64 // unix nanos

	mu     sync.Mutex
	chats  map[string]struct{}
	closed bool
}

func newConnection(id, userID string, sink Sink, now time.Time) *Connection {
	c := &Connection{
		ID:          id,
		UserID:      userID,
		ConnectedAt: now,
		sink:        sink,
		chats:       make(map[string]struct{}),
	}
	c.lastActivity.Store(now.UnixNano())
	return c
}

// Send enqueues data on the connection's transport.
func (c *Connection) Send(data []byte) error {
	if c.Closed() {
		return ErrConnectionClosed
	}
	return c.sink.Send(data)
}

// LastActivity returns the time of the most recent Touch.
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// Chats returns the chat ids the connection is subscribed to, sorted. After
// the connection is closed the set is frozen.
func (c *Connection) Chats() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, 0, len(c.chats))
	for id := range c.chats {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Subscribed reports whether the connection holds a subscription for chatID.
func (c *Connection) Subscribed(chatID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.chats[chatID]
	return ok
}

// Closed reports whether the connection has been unregistered.
func (c *Connection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// AddChat records a subscription. It returns false if the connection is
// already closed, which guarantees a closed connection never gains a chat
// after its subscriptions were evicted.
func (c *Connection) AddChat(chatID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.chats[chatID] = struct{}{}
	return true
}

// RemoveChat drops a subscription.
func (c *Connection) RemoveChat(chatID string) {
	c.mu.Lock()
	delete(c.chats, chatID)
	c.mu.Unlock()
}

func (c *Connection) touch(now time.Time) {
	c.lastActivity.Store(now.UnixNano())
}

// close marks the connection closed and reports whether this call closed it.
func (c *Connection) close() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	return true
}
