// Package hub wires the session registry, presence tracker, room manager,
// typing machine, delivery pipeline and unread aggregator into the chat core
// and maps inbound client events onto them.
package hub

import (
	"context"
	"errors"
	"time"

	"github.com/Yug2op/SkillExchange-sub001/internal/chat"
	"github.com/Yug2op/SkillExchange-sub001/internal/delivery"
	"github.com/Yug2op/SkillExchange-sub001/internal/log"
	"github.com/Yug2op/SkillExchange-sub001/internal/metrics"
	"github.com/Yug2op/SkillExchange-sub001/internal/presence"
	"github.com/Yug2op/SkillExchange-sub001/internal/protocol"
	"github.com/Yug2op/SkillExchange-sub001/internal/ratelimit"
	"github.com/Yug2op/SkillExchange-sub001/internal/room"
	"github.com/Yug2op/SkillExchange-sub001/internal/session"
	"github.com/Yug2op/SkillExchange-sub001/internal/shard"
	"github.com/Yug2op/SkillExchange-sub001/internal/typing"
	"github.com/Yug2op/SkillExchange-sub001/internal/unread"
)

var (
	// ErrMissingIdentity is returned when a connection carries no user id.
	ErrMissingIdentity = chat.NewError(chat.CodeForbidden, "missing user identity", nil)

	// ErrSuspended is returned when a suspended user tries to connect.
	ErrSuspended = chat.NewError(chat.CodeForbidden, "account suspended", nil)

	// ErrNotSubscribed is returned for chat events on a chat the connection
	// has not joined.
	ErrNotSubscribed = chat.NewError(chat.CodeForbidden, "join the chat first", nil)

	// ErrUnknownConnection is returned for events from a connection that is
	// no longer registered.
	ErrUnknownConnection = chat.NewError(chat.CodeNotFound, "connection not found", nil)
)

// Bans reports user suspensions.
type Bans interface {
	IsSuspended(ctx context.Context, userID string) (bool, time.Duration, string, error)
}

// Limiter throttles user actions.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// Publisher forwards chat domain events to other services.
type Publisher interface {
	PublishMessage(msg chat.Message) error
	PublishRead(chatID, userID string, at time.Time) error
	PublishPresence(userID string, online bool, at time.Time) error
}

// Deps are the collaborators and tunables of a Hub. Storage and Directory
// are required; everything else is optional.
type Deps struct {
	Storage   chat.Storage
	Directory chat.Directory

	Mirror    presence.Mirror
	Bans      Bans
	Limiter   Limiter
	Screen    delivery.Screen
	Publisher Publisher

	TypingTimeout time.Duration
}

// Hub is the real-time chat core.
type Hub struct {
	sessions  *session.Registry
	presence  *presence.Tracker
	rooms     *room.Manager
	typing    *typing.Machine
	unread    *unread.Aggregator
	pipeline  *delivery.Pipeline
	directory chat.Directory

	bans    Bans
	limiter Limiter
}

// New assembles a Hub.
func New(deps Deps) *Hub {
	sessions := session.NewRegistry()
	clock := chat.NewClock(nil)

	var presenceOpts []presence.Option
	if deps.Mirror != nil {
		presenceOpts = append(presenceOpts, presence.WithMirror(deps.Mirror))
	}
	tracker := presence.New(sessions, deps.Directory, presenceOpts...)

	rooms := room.NewManager(sessions, deps.Directory)
	tm := typing.New(rooms, deps.TypingTimeout)

	// Sends and read markers share one lock per chat.
	locks := shard.NewLocker()
	unreadOpts := []unread.Option{unread.WithLocks(locks)}
	if deps.Publisher != nil {
		unreadOpts = append(unreadOpts, unread.WithPublisher(deps.Publisher))
	}
	agg := unread.New(deps.Storage, deps.Directory, sessions, clock, unreadOpts...)

	pd := delivery.Deps{
		Storage:   deps.Storage,
		Directory: deps.Directory,
		Sessions:  sessions,
		Rooms:     rooms,
		Typing:    tm,
		Unread:    agg,
		Clock:     clock,
		Locks:     locks,
	}
	if deps.Limiter != nil {
		pd.Limiter = deps.Limiter
	}
	if deps.Screen != nil {
		pd.Screen = deps.Screen
	}
	if deps.Publisher != nil {
		pd.Publisher = deps.Publisher
	}

	h := &Hub{
		sessions:  sessions,
		presence:  tracker,
		rooms:     rooms,
		typing:    tm,
		unread:    agg,
		pipeline:  delivery.New(pd),
		directory: deps.Directory,
		bans:      deps.Bans,
		limiter:   deps.Limiter,
	}

	sessions.OnTransition(tracker.HandleTransition)
	sessions.OnTransition(func(tr session.Transition) {
		metrics.OnlineUsers.Set(float64(sessions.OnlineUsers()))
		if deps.Publisher == nil {
			return
		}
		if err := deps.Publisher.PublishPresence(tr.UserID, tr.Online, tr.At); err != nil {
			logger := log.WithComponent("hub")
			logger.Warn().Err(err).Str("user_id", tr.UserID).Msg("presence event not published")
		}
	})
	return h
}

// Admit checks whether userID may open a connection. Suspension and rate
// limit lookups fail open.
func (h *Hub) Admit(ctx context.Context, userID string) error {
	if userID == "" {
		return ErrMissingIdentity
	}
	logger := log.WithComponent("hub")

	if h.bans != nil {
		suspended, remaining, reason, err := h.bans.IsSuspended(ctx, userID)
		if err != nil {
			logger.Warn().Err(err).Str("user_id", userID).Msg("suspension check failed, admitting")
		} else if suspended {
			logger.Info().Str("user_id", userID).Str("reason", reason).Dur("remaining", remaining).Msg("suspended user rejected")
			return ErrSuspended
		}
	}
	if h.limiter != nil {
		if ok, _ := h.limiter.Allow(ctx, userID, ratelimit.RuleConnect); !ok {
			return chat.ErrRateLimited
		}
	}
	return nil
}

// Connect registers a live connection for userID and greets it with
// session-created. Presence is broadcast if this is the user's first.
func (h *Hub) Connect(userID string, sink session.Sink) *session.Connection {
	c := h.sessions.Register(userID, sink)
	metrics.ConnectionsTotal.Set(float64(h.sessions.Count()))

	greeting := protocol.MustServerMessage(protocol.TypeSessionCreated, protocol.SessionCreatedMsg{
		ConnectionID: c.ID,
		UserID:       userID,
	})
	if err := c.Send(greeting); err != nil {
		logger := log.WithConnection("hub", c.ID, userID)
		logger.Warn().Err(err).Msg("session-created not delivered")
	}
	return c
}

// Disconnect tears down a connection: registry, subscriptions, then any
// typing state it armed (or every typing state of the user, if this was the
// user's last connection). Unknown ids are ignored. reason labels metrics.
func (h *Hub) Disconnect(connID, reason string) bool {
	c, ok := h.sessions.Unregister(connID)
	if !ok {
		return false
	}
	h.rooms.Evict(c)
	h.typing.ClearConnection(c.ID)
	if !h.sessions.IsActive(c.UserID) {
		h.typing.ClearUser(c.UserID)
	}

	metrics.ConnectionsTotal.Set(float64(h.sessions.Count()))
	metrics.Disconnects.WithLabelValues(reason).Inc()

	logger := log.WithConnection("hub", c.ID, c.UserID)
	logger.Debug().Str("reason", reason).Int("chats", len(c.Chats())).Msg("connection cleaned up")
	return true
}

// Touch records inbound activity on a connection.
func (h *Hub) Touch(connID string) {
	h.sessions.Touch(connID)
}

// LastActivity returns the time of the connection's latest inbound activity.
func (h *Hub) LastActivity(connID string) (time.Time, bool) {
	return h.sessions.LastActivity(connID)
}

// Count returns the number of live connections.
func (h *Hub) Count() int {
	return h.sessions.Count()
}

// OnlineUsers returns the number of users with a live connection.
func (h *Hub) OnlineUsers() int {
	return h.sessions.OnlineUsers()
}

// Presence exposes the presence tracker for read-only queries.
func (h *Hub) Presence() *presence.Tracker {
	return h.presence
}

// Close stops typing timers and waits for in-flight presence broadcasts.
func (h *Hub) Close() {
	h.typing.Close()
	h.presence.Wait()
}

// Handle applies one parsed client event from connID. Failures are replied
// to the connection as an error event and also returned.
func (h *Hub) Handle(ctx context.Context, connID string, msg interface{}) error {
	c := h.sessions.Get(connID)
	if c == nil {
		return ErrUnknownConnection
	}

	var err error
	switch m := msg.(type) {
	case protocol.JoinChatMsg:
		err = h.join(ctx, c, m.ChatID)
	case protocol.LeaveChatMsg:
		h.rooms.Leave(c.ID, m.ChatID)
		err = reply(c, protocol.TypeLeftChat, protocol.LeftChatMsg{ChatID: m.ChatID})
	case protocol.TypingMsg:
		err = h.startTyping(ctx, c, m.ChatID)
	case protocol.StopTypingMsg:
		if !c.Subscribed(m.ChatID) {
			err = ErrNotSubscribed
			break
		}
		h.typing.Stop(m.ChatID, c.UserID)
	case protocol.SendMessageMsg:
		_, err = h.pipeline.Send(ctx, delivery.Request{
			ChatID:       m.ChatID,
			SenderID:     c.UserID,
			Text:         m.Text,
			ClientID:     m.ClientID,
			OriginConnID: c.ID,
		})
	case protocol.MarkReadMsg:
		_, err = h.unread.MarkRead(ctx, m.ChatID, c.UserID)
	default:
		err = chat.NewError(chat.CodeInvalidMessage, "unsupported event", nil)
	}

	if err != nil {
		h.replyError(c, protocol.ChatID(msg), err)
	}
	return err
}

func (h *Hub) join(ctx context.Context, c *session.Connection, chatID string) error {
	if h.limiter != nil {
		if ok, _ := h.limiter.Allow(ctx, c.UserID, ratelimit.RuleJoin); !ok {
			return chat.ErrRateLimited
		}
	}
	if err := h.rooms.Join(ctx, c.ID, chatID); err != nil {
		return err
	}
	if err := reply(c, protocol.TypeJoinedChat, protocol.JoinedChatMsg{ChatID: chatID}); err != nil {
		return err
	}

	// Bring the new subscriber up to date with state it would otherwise only
	// learn from the next change.
	p, err := h.directory.ParticipantsOf(ctx, chatID)
	if err != nil {
		return err
	}
	partner := p.Partner(c.UserID)
	st := h.presence.Status(partner)
	if err := reply(c, protocol.TypeUserStatus, protocol.UserStatusMsg{
		UserID:   partner,
		IsOnline: st.IsOnline,
		LastSeen: st.LastSeen,
	}); err != nil {
		return err
	}
	if h.typing.IsTyping(chatID, partner) {
		if err := reply(c, protocol.TypeUserTyping, protocol.UserTypingMsg{ChatID: chatID, UserID: partner}); err != nil {
			return err
		}
	}
	return h.unread.Push(ctx, c, chatID)
}

func (h *Hub) startTyping(ctx context.Context, c *session.Connection, chatID string) error {
	if !c.Subscribed(chatID) {
		return ErrNotSubscribed
	}
	if h.limiter != nil {
		if ok, _ := h.limiter.Allow(ctx, c.UserID, ratelimit.RuleTyping); !ok {
			// Dropped quietly; the indicator is already showing.
			return nil
		}
	}
	h.typing.Start(chatID, c.UserID, c.ID)
	return nil
}

func reply(c *session.Connection, msgType string, payload interface{}) error {
	return c.Send(protocol.MustServerMessage(msgType, payload))
}

// replyError sends err to the originating connection. Transport failures are
// not reported to the client: the connection is already being dropped.
func (h *Hub) replyError(c *session.Connection, chatID string, err error) {
	if errors.Is(err, chat.ErrUnresponsive) || errors.Is(err, session.ErrConnectionClosed) {
		return
	}
	logger := log.WithConnection("hub", c.ID, c.UserID)
	code := chat.CodeOf(err)
	if code == chat.CodeInternal {
		logger.Error().Err(err).Str("chat_id", chatID).Msg("request failed")
	} else {
		logger.Debug().Err(err).Str("chat_id", chatID).Msg("request rejected")
	}

	_ = c.Send(protocol.MustServerMessage(protocol.TypeError, protocol.ErrorMsg{
		Code:    string(code),
		Message: chat.ReasonOf(err),
		ChatID:  chatID,
	}))
}
