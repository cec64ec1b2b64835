// Package delivery implements the message send path: validate, persist,
// acknowledge to the sender, fan out to the recipient and update unread
// counters. Sends within one chat are serialized so every subscriber sees
// messages in the order they were persisted.
package delivery

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/Yug2op/SkillExchange-sub001/internal/chat"
	"github.com/Yug2op/SkillExchange-sub001/internal/log"
	"github.com/Yug2op/SkillExchange-sub001/internal/metrics"
	"github.com/Yug2op/SkillExchange-sub001/internal/protocol"
	"github.com/Yug2op/SkillExchange-sub001/internal/ratelimit"
	"github.com/Yug2op/SkillExchange-sub001/internal/session"
	"github.com/Yug2op/SkillExchange-sub001/internal/shard"
)

// Request is a send-message request from one connection.
type Request struct {
	ChatID       string
	SenderID     string
	Text         string
	ClientID     string // optional idempotency key chosen by the client
	OriginConnID string
}

// Sessions lists a user's live connections.
type Sessions interface {
	Connections(userID string) []*session.Connection
}

// Rooms fans chat-scoped events out to subscribed connections.
type Rooms interface {
	BroadcastChat(chatID, exceptUser string, data []byte) int
}

// Typing ends a typing indicator.
type Typing interface {
	Stop(chatID, userID string) bool
}

// Unread accounts for a delivered message.
type Unread interface {
	Delivered(ctx context.Context, msg chat.Message, recipient string) (int, error)
}

// Limiter throttles senders.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// Screen rejects message text by content.
type Screen interface {
	Screen(text string) error
}

// Publisher forwards persisted messages to other services.
type Publisher interface {
	PublishMessage(msg chat.Message) error
}

// Deps are the collaborators a Pipeline drives.
type Deps struct {
	Storage   chat.Storage
	Directory chat.Directory
	Sessions  Sessions
	Rooms     Rooms
	Typing    Typing
	Unread    Unread
	Clock     *chat.Clock

	// Locks serializes sends per chat. The unread aggregator must share it.
	Locks *shard.Locker

	Limiter   Limiter   // optional
	Screen    Screen    // optional
	Publisher Publisher // optional
}

// Pipeline delivers messages.
type Pipeline struct {
	Deps
	recent *chat.RecentBuffer
}

// New creates a Pipeline.
func New(deps Deps) *Pipeline {
	if deps.Clock == nil {
		deps.Clock = chat.NewClock(nil)
	}
	if deps.Locks == nil {
		deps.Locks = shard.NewLocker()
	}
	return &Pipeline{
		Deps:   deps,
		recent: chat.NewRecentBuffer(chat.MaxRecentChats),
	}
}

// Send validates and delivers a message. On success every connection of the
// sender has been handed message-sent before any recipient connection is
// handed new-message. Nothing is broadcast when validation or persistence
// fails.
func (p *Pipeline) Send(ctx context.Context, req Request) (chat.Message, error) {
	start := time.Now()
	logger := log.WithComponent("delivery")

	text, err := chat.ValidateMessage(req.Text)
	if err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return chat.Message{}, err
	}
	if p.Screen != nil {
		if err := p.Screen.Screen(text); err != nil {
			metrics.MessagesTotal.WithLabelValues("blocked").Inc()
			return chat.Message{}, err
		}
	}

	participants, err := p.Directory.ParticipantsOf(ctx, req.ChatID)
	if err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return chat.Message{}, err
	}
	if !participants.Has(req.SenderID) {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return chat.Message{}, chat.ErrNotAParticipant
	}

	if p.Limiter != nil {
		if ok, _ := p.Limiter.Allow(ctx, req.SenderID, ratelimit.RuleMessage); !ok {
			metrics.MessagesTotal.WithLabelValues("rejected").Inc()
			return chat.Message{}, chat.ErrRateLimited
		}
	}

	unlock := p.Locks.Lock(req.ChatID)

	if prev, ok := p.recent.Find(req.ChatID, req.SenderID, req.ClientID); ok {
		unlock()
		p.ackOrigin(req, prev)
		metrics.MessagesTotal.WithLabelValues("duplicate").Inc()
		logger.Debug().Str("chat_id", req.ChatID).Str("client_id", req.ClientID).Msg("duplicate send acknowledged")
		return prev, nil
	}

	msg, err := p.Storage.PersistMessage(ctx, chat.Message{
		ID:        uuid.New().String(),
		ChatID:    req.ChatID,
		SenderID:  req.SenderID,
		Text:      text,
		CreatedAt: p.Clock.Next(),
		ReadBy:    []string{},
	})
	if err != nil {
		unlock()
		metrics.MessagesTotal.WithLabelValues("failed").Inc()
		logger.Error().Err(err).Str("chat_id", req.ChatID).Str("sender_id", req.SenderID).Msg("persist failed")
		return chat.Message{}, chat.NewError(chat.CodeStorage, "could not save message", err)
	}
	if msg.ReadBy == nil {
		msg.ReadBy = []string{}
	}
	p.recent.Add(req.ChatID, chat.RecentSend{SenderID: req.SenderID, ClientID: req.ClientID, Message: msg})

	p.Typing.Stop(req.ChatID, req.SenderID)

	ack := protocol.MustServerMessage(protocol.TypeMessageSent, protocol.MessageSentMsg{
		ChatID:   req.ChatID,
		ClientID: req.ClientID,
		Message:  msg,
	})
	acked := 0
	for _, c := range p.Sessions.Connections(req.SenderID) {
		if err := c.Send(ack); err != nil {
			metrics.DroppedEvents.Inc()
			logger.Debug().Err(err).Str("conn_id", c.ID).Msg("ack not delivered")
			continue
		}
		acked++
	}
	metrics.EventsTotal.WithLabelValues(protocol.TypeMessageSent).Add(float64(acked))

	recipient := participants.Partner(req.SenderID)
	out := protocol.MustServerMessage(protocol.TypeNewMessage, protocol.NewMessageMsg{
		ChatID:  req.ChatID,
		Message: msg,
	})
	delivered := p.Rooms.BroadcastChat(req.ChatID, req.SenderID, out)
	metrics.EventsTotal.WithLabelValues(protocol.TypeNewMessage).Add(float64(delivered))

	if _, err := p.Unread.Delivered(ctx, msg, recipient); err != nil {
		logger.Warn().Err(err).Str("chat_id", req.ChatID).Str("user_id", recipient).Msg("unread counter not updated")
	}

	unlock()

	if p.Publisher != nil {
		if err := p.Publisher.PublishMessage(msg); err != nil {
			logger.Warn().Err(err).Str("message_id", msg.ID).Msg("message event not published")
		}
	}

	metrics.MessagesTotal.WithLabelValues("sent").Inc()
	metrics.MessageLatency.Observe(time.Since(start).Seconds())
	logger.Debug().
		Str("chat_id", req.ChatID).
		Str("message_id", msg.ID).
		Int("acked", acked).
		Int("delivered", delivered).
		Msg("message delivered")
	return msg, nil
}

// ackOrigin repeats the acknowledgment of an already persisted message to
// the connection that retried it.
func (p *Pipeline) ackOrigin(req Request, msg chat.Message) {
	ack := protocol.MustServerMessage(protocol.TypeMessageSent, protocol.MessageSentMsg{
		ChatID:   req.ChatID,
		ClientID: req.ClientID,
		Message:  msg,
	})
	for _, c := range p.Sessions.Connections(req.SenderID) {
		if c.ID == req.OriginConnID {
			_ = c.Send(ack)
			return
		}
	}
}
