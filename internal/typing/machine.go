// Package typing implements the server-side typing indicator. Each (chat,
// user) pair is either idle or typing; the typing state expires on a server
// timer so a client that vanishes mid-sentence never leaves its partner
// looking at a stale indicator.
package typing

import (
	"strings"
	"time"

	"github.com/Yug2op/SkillExchange-sub001/internal/log"
	"github.com/Yug2op/SkillExchange-sub001/internal/metrics"
	"github.com/Yug2op/SkillExchange-sub001/internal/protocol"
	"github.com/Yug2op/SkillExchange-sub001/internal/shard"
)

// DefaultTimeout is the safety window after which a typing state without a
// refreshing event falls back to idle. Clients hide the indicator after ~3s;
// this is deliberately longer to ride out jitter.
const DefaultTimeout = 8 * time.Second

// Broadcaster delivers chat-scoped events to the subscribed connections of
// every participant except exceptUser.
type Broadcaster interface {
	BroadcastChat(chatID, exceptUser string, data []byte) int
}

type state struct {
	chatID    string
	userID    string
	connID    string // connection that armed or last refreshed the state
	expiresAt time.Time
	gen       uint64
	timer     *time.Timer
}

// Machine tracks typing states. States live only in memory.
type Machine struct {
	out     Broadcaster
	timeout time.Duration
	states  *shard.Map[*state]
	now     func() time.Time
}

// New creates a Machine. A non-positive timeout uses DefaultTimeout.
func New(out Broadcaster, timeout time.Duration) *Machine {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Machine{
		out:     out,
		timeout: timeout,
		states:  shard.New[*state](),
		now:     time.Now,
	}
}

func key(chatID, userID string) string {
	return chatID + "\x00" + userID
}

// Start moves (chatID, userID) to typing. Only the idle->typing transition
// is broadcast; a repeated Start just pushes the expiry out.
func (m *Machine) Start(chatID, userID, connID string) {
	k := key(chatID, userID)
	m.states.Update(k, func(s *state, ok bool) (*state, bool) {
		if ok {
			s.timer.Stop()
		} else {
			s = &state{chatID: chatID, userID: userID}
			metrics.TypingActive.Inc()
			m.broadcast(protocol.TypeUserTyping, chatID, userID)
		}
		s.connID = connID
		s.gen++
		s.expiresAt = m.now().Add(m.timeout)
		gen := s.gen
		s.timer = time.AfterFunc(m.timeout, func() { m.expire(k, gen) })
		return s, true
	})
}

// Stop moves (chatID, userID) to idle. It reports whether the user was typing.
func (m *Machine) Stop(chatID, userID string) bool {
	return m.stopIf(key(chatID, userID), func(*state) bool { return true })
}

func (m *Machine) expire(k string, gen uint64) {
	if m.stopIf(k, func(s *state) bool { return s.gen == gen }) {
		logger := log.WithComponent("typing")
		logger.Debug().Str("key", strings.ReplaceAll(k, "\x00", "/")).Msg("typing expired")
	}
}

// stopIf ends the state under k when match approves it. The stop event is
// sent while the key is held so it cannot overtake a concurrent Start.
func (m *Machine) stopIf(k string, match func(*state) bool) bool {
	stopped := false
	m.states.Update(k, func(s *state, ok bool) (*state, bool) {
		if !ok || !match(s) {
			return s, ok
		}
		s.timer.Stop()
		stopped = true
		metrics.TypingActive.Dec()
		m.broadcast(protocol.TypeUserStopTyping, s.chatID, s.userID)
		return s, false
	})
	return stopped
}

func (m *Machine) broadcast(msgType, chatID, userID string) {
	var payload interface{}
	if msgType == protocol.TypeUserTyping {
		payload = protocol.UserTypingMsg{ChatID: chatID, UserID: userID}
	} else {
		payload = protocol.UserStopTypingMsg{ChatID: chatID, UserID: userID}
	}
	n := m.out.BroadcastChat(chatID, userID, protocol.MustServerMessage(msgType, payload))
	metrics.EventsTotal.WithLabelValues(msgType).Add(float64(n))
}

// ClearConnection stops every state last armed by connID.
func (m *Machine) ClearConnection(connID string) int {
	return m.clear(func(s *state) bool { return s.connID == connID })
}

// ClearUser stops every state of userID across all chats.
func (m *Machine) ClearUser(userID string) int {
	return m.clear(func(s *state) bool { return s.userID == userID })
}

func (m *Machine) clear(match func(*state) bool) int {
	var keys []string
	m.states.Range(func(k string, _ *state) bool {
		keys = append(keys, k)
		return true
	})

	n := 0
	for _, k := range keys {
		if m.stopIf(k, match) {
			n++
		}
	}
	return n
}

// IsTyping reports whether userID is typing in chatID.
func (m *Machine) IsTyping(chatID, userID string) bool {
	_, ok := m.states.Load(key(chatID, userID))
	return ok
}

// ExpiresAt returns when the typing state of (chatID, userID) lapses.
func (m *Machine) ExpiresAt(chatID, userID string) (time.Time, bool) {
	var at time.Time
	found := false
	m.states.Update(key(chatID, userID), func(s *state, ok bool) (*state, bool) {
		if ok {
			at, found = s.expiresAt, true
		}
		return s, ok
	})
	return at, found
}

// Close cancels every pending timer without broadcasting.
func (m *Machine) Close() {
	m.states.Range(func(k string, _ *state) bool {
		m.states.Update(k, func(s *state, ok bool) (*state, bool) {
			if ok {
				s.timer.Stop()
				metrics.TypingActive.Dec()
			}
			return s, false
		})
		return true
	})
}
