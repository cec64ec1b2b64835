// Package room maintains the subscriber set of every chat and enforces that
// only the chat's two participants can subscribe to its event stream.
package room

import (
	"context"
	"sort"

	"github.com/Yug2op/SkillExchange-sub001/internal/chat"
	"github.com/Yug2op/SkillExchange-sub001/internal/log"
	"github.com/Yug2op/SkillExchange-sub001/internal/metrics"
	"github.com/Yug2op/SkillExchange-sub001/internal/session"
	"github.com/Yug2op/SkillExchange-sub001/internal/shard"
)

// ErrConnectionNotFound is returned when joining from a connection that is
// unknown or already closed.
var ErrConnectionNotFound = chat.NewError(chat.CodeNotFound, "connection not found", nil)

// Sessions looks up live connections.
type Sessions interface {
	Get(connID string) *session.Connection
}

// room is the subscriber set of one chat.
type room struct {
	participants chat.Participants
	conns        map[string]*session.Connection
}

// Manager tracks chat subscriptions. Each chat's subscriber set is locked
// independently of every other chat.
type Manager struct {
	sessions  Sessions
	directory chat.Directory
	rooms     *shard.Map[*room]
}

// NewManager creates a Manager that validates joins against directory.
func NewManager(sessions Sessions, directory chat.Directory) *Manager {
	return &Manager{
		sessions:  sessions,
		directory: directory,
		rooms:     shard.New[*room](),
	}
}

// Join subscribes the connection to chatID. Joining a chat the connection
// already holds is a no-op.
func (m *Manager) Join(ctx context.Context, connID, chatID string) error {
	c := m.sessions.Get(connID)
	if c == nil || c.Closed() {
		return ErrConnectionNotFound
	}

	p, err := m.directory.ParticipantsOf(ctx, chatID)
	if err != nil {
		return err
	}
	if !p.Has(c.UserID) {
		return chat.ErrNotAParticipant
	}

	// The subscriber set is updated before the connection's own chat set: if
	// the connection closes in between, AddChat fails and the entry is undone
	// here instead of leaking past eviction.
	added := false
	m.rooms.Update(chatID, func(r *room, ok bool) (*room, bool) {
		if !ok {
			r = &room{participants: p, conns: make(map[string]*session.Connection)}
		}
		if _, dup := r.conns[c.ID]; !dup {
			r.conns[c.ID] = c
			added = true
		}
		return r, true
	})

	if !c.AddChat(chatID) {
		m.remove(chatID, c.ID)
		return ErrConnectionNotFound
	}

	if added {
		metrics.Subscriptions.Inc()
		logger := log.WithConnection("room", c.ID, c.UserID)
		logger.Debug().Str("chat_id", chatID).Msg("joined chat")
	}
	return nil
}

// Leave drops the connection's subscription to chatID. It reports whether a
// subscription existed.
func (m *Manager) Leave(connID, chatID string) bool {
	if c := m.sessions.Get(connID); c != nil {
		c.RemoveChat(chatID)
	}
	return m.remove(chatID, connID)
}

// Evict removes a closed connection from every chat it was subscribed to.
func (m *Manager) Evict(c *session.Connection) {
	for _, chatID := range c.Chats() {
		m.remove(chatID, c.ID)
	}
}

func (m *Manager) remove(chatID, connID string) bool {
	removed := false
	m.rooms.Update(chatID, func(r *room, ok bool) (*room, bool) {
		if !ok {
			return r, false
		}
		if _, held := r.conns[connID]; held {
			delete(r.conns, connID)
			removed = true
		}
		return r, len(r.conns) > 0
	})
	if removed {
		metrics.Subscriptions.Dec()
	}
	return removed
}

// Subscribers returns the connections subscribed to chatID, sorted by id.
func (m *Manager) Subscribers(chatID string) []*session.Connection {
	var out []*session.Connection
	m.rooms.Update(chatID, func(r *room, ok bool) (*room, bool) {
		if !ok {
			return r, false
		}
		out = make([]*session.Connection, 0, len(r.conns))
		for _, c := range r.conns {
			out = append(out, c)
		}
		return r, true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Subscribed reports whether any connection of userID holds chatID.
func (m *Manager) Subscribed(chatID, userID string) bool {
	for _, c := range m.Subscribers(chatID) {
		if c.UserID == userID {
			return true
		}
	}
	return false
}

// BroadcastChat sends data to every connection subscribed to chatID whose
// user is a participant other than exceptUser. A connection that fails to
// accept the event is skipped. It returns the number of connections reached.
func (m *Manager) BroadcastChat(chatID, exceptUser string, data []byte) int {
	var (
		participants chat.Participants
		targets      []*session.Connection
	)
	m.rooms.Update(chatID, func(r *room, ok bool) (*room, bool) {
		if !ok {
			return r, false
		}
		participants = r.participants
		for _, c := range r.conns {
			targets = append(targets, c)
		}
		return r, true
	})
	sort.Slice(targets, func(i, j int) bool { return targets[i].ID < targets[j].ID })

	logger := log.WithComponent("room")
	sent := 0
	for _, c := range targets {
		if c.UserID == exceptUser || !participants.Has(c.UserID) {
			continue
		}
		if err := c.Send(data); err != nil {
			metrics.DroppedEvents.Inc()
			logger.Debug().Err(err).Str("conn_id", c.ID).Str("chat_id", chatID).Msg("chat event not delivered")
			continue
		}
		sent++
	}
	return sent
}
