package session

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Yug2op/SkillExchange-sub001/internal/log"
	"github.com/Yug2op/SkillExchange-sub001/internal/shard"
)

// Transition reports a user moving between zero and at least one connection.
// Seq is drawn from a registry-wide counter while the user's shard is locked,
// so later transitions of the same user always carry a larger Seq.
type Transition struct {
	UserID string
	Online bool
	At     time.Time
	Seq    uint64
}

// Listener receives transitions after the registry has released its locks.
type Listener func(Transition)

// userEntry holds every open connection of one user.
type userEntry struct {
	conns map[string]*Connection
}

// Registry maps users to their open connections. Users and connections live in
// separately sharded maps so registrations for unrelated users never contend.
type Registry struct {
	byID   *shard.Map[*Connection]
	byUser *shard.Map[*userEntry]
	now    func() time.Time
	seq    atomic.Uint64

	mu        sync.RWMutex
	listeners []Listener
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:   shard.New[*Connection](),
		byUser: shard.New[*userEntry](),
		now:    time.Now,
	}
}

// OnTransition registers fn to receive presence transitions.
func (r *Registry) OnTransition(fn Listener) {
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	r.mu.Unlock()
}

func (r *Registry) emit(t Transition) {
	r.mu.RLock()
	listeners := append([]Listener(nil), r.listeners...)
	r.mu.RUnlock()

	for _, fn := range listeners {
		fn(t)
	}
}

// Register records a new connection for userID and returns it. Every
// concurrent connection of a user is retained.
func (r *Registry) Register(userID string, sink Sink) *Connection {
	now := r.now()
	c := newConnection(uuid.New().String(), userID, sink, now)
	r.byID.LoadOrStore(c.ID, func() *Connection { return c })

	var (
		first bool
		seq   uint64
	)
	r.byUser.Update(userID, func(e *userEntry, ok bool) (*userEntry, bool) {
		if !ok {
			e = &userEntry{conns: make(map[string]*Connection)}
		}
		e.conns[c.ID] = c
		if len(e.conns) == 1 {
			first = true
			seq = r.seq.Add(1)
		}
		return e, true
	})

	logger := log.WithConnection("registry", c.ID, userID)
	logger.Debug().Bool("first", first).Msg("connection registered")

	if first {
		r.emit(Transition{UserID: userID, Online: true, At: now, Seq: seq})
	}
	return c
}

// Unregister removes a connection. Unknown ids are a no-op. The returned
// connection is closed, so its chat set is final.
func (r *Registry) Unregister(connID string) (*Connection, bool) {
	c, ok := r.byID.Delete(connID)
	if !ok {
		logger := log.WithComponent("registry")
		logger.Warn().Str("conn_id", connID).Msg("unregister of unknown connection")
		return nil, false
	}
	c.close()

	now := r.now()
	var (
		last bool
		seq  uint64
	)
	r.byUser.Update(c.UserID, func(e *userEntry, ok bool) (*userEntry, bool) {
		if !ok {
			return e, false
		}
		delete(e.conns, connID)
		if len(e.conns) > 0 {
			return e, true
		}
		last = true
		seq = r.seq.Add(1)
		return e, false
	})

	logger := log.WithConnection("registry", c.ID, c.UserID)
	logger.Debug().Bool("last", last).Msg("connection unregistered")

	if last {
		r.emit(Transition{UserID: c.UserID, Online: false, At: now, Seq: seq})
	}
	return c, true
}

// Get returns the connection with id, or nil.
func (r *Registry) Get(connID string) *Connection {
	c, _ := r.byID.Load(connID)
	return c
}

// Connections returns a snapshot of userID's open connections.
func (r *Registry) Connections(userID string) []*Connection {
	var out []*Connection
	r.byUser.Update(userID, func(e *userEntry, ok bool) (*userEntry, bool) {
		if !ok {
			return e, false
		}
		out = make([]*Connection, 0, len(e.conns))
		for _, c := range e.conns {
			out = append(out, c)
		}
		return e, true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ActiveConnections returns the ids of userID's open connections.
func (r *Registry) ActiveConnections(userID string) []string {
	conns := r.Connections(userID)
	ids := make([]string, len(conns))
	for i, c := range conns {
		ids[i] = c.ID
	}
	return ids
}

// IsActive reports whether userID has at least one open connection.
func (r *Registry) IsActive(userID string) bool {
	active := false
	r.byUser.Update(userID, func(e *userEntry, ok bool) (*userEntry, bool) {
		active = ok && len(e.conns) > 0
		return e, ok
	})
	return active
}

// Touch records activity on a connection.
func (r *Registry) Touch(connID string) {
	if c, ok := r.byID.Load(connID); ok {
		c.touch(r.now())
	}
}

// LastActivity returns the last activity time of a connection.
func (r *Registry) LastActivity(connID string) (time.Time, bool) {
	c, ok := r.byID.Load(connID)
	if !ok {
		return time.Time{}, false
	}
	return c.LastActivity(), true
}

// Count returns the number of open connections.
func (r *Registry) Count() int {
	return r.byID.Len()
}

// OnlineUsers returns the number of users with at least one connection.
// Entries are dropped with a user's last connection, so this is the key
// count.
func (r *Registry) OnlineUsers() int {
	return r.byUser.Len()
}
