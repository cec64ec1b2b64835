// Package unread keeps per-(chat, user) unread counters in step with message
// deliveries and read markers, and pushes every change to the user's
// connections as an unread-count event.
package unread

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Yug2op/SkillExchange-sub001/internal/chat"
	"github.com/Yug2op/SkillExchange-sub001/internal/log"
	"github.com/Yug2op/SkillExchange-sub001/internal/metrics"
	"github.com/Yug2op/SkillExchange-sub001/internal/protocol"
	"github.com/Yug2op/SkillExchange-sub001/internal/session"
	"github.com/Yug2op/SkillExchange-sub001/internal/shard"
)

// Sessions lists a user's live connections.
type Sessions interface {
	Connections(userID string) []*session.Connection
}

// Publisher forwards read markers to other services.
type Publisher interface {
	PublishRead(chatID, userID string, at time.Time) error
}

// counter is the unread state of one (chat, user). through is the newest
// message timestamp already reflected in count; later deliveries at or
// before it were either counted or covered by a read marker.
type counter struct {
	mu      sync.Mutex
	loaded  bool
	count   int
	through time.Time
}

// Aggregator owns every unread counter.
type Aggregator struct {
	storage   chat.Storage
	directory chat.Directory
	sessions  Sessions
	clock     *chat.Clock
	publisher Publisher

	// locks is the per-chat lock held by sends across persist and
	// delivery. MarkRead takes it so a marker is never set between a
	// message's persist and its counter update.
	locks    *shard.Locker
	counters *shard.Map[*counter]
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithPublisher publishes read markers through p.
func WithPublisher(p Publisher) Option {
	return func(a *Aggregator) { a.publisher = p }
}

// WithLocks shares the per-chat send lock. Without it MarkRead uses a
// private one and does not exclude concurrent sends.
func WithLocks(l *shard.Locker) Option {
	return func(a *Aggregator) { a.locks = l }
}

// New creates an Aggregator. clock must be the clock that timestamps
// messages, so read markers and messages are ordered against each other.
func New(storage chat.Storage, directory chat.Directory, sessions Sessions, clock *chat.Clock, opts ...Option) *Aggregator {
	a := &Aggregator{
		storage:   storage,
		directory: directory,
		sessions:  sessions,
		clock:     clock,
		counters:  shard.New[*counter](),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.locks == nil {
		a.locks = shard.NewLocker()
	}
	return a
}

func (a *Aggregator) counter(chatID, userID string) *counter {
	c, _ := a.counters.LoadOrStore(chatID+"\x00"+userID, func() *counter { return &counter{} })
	return c
}

// load rebuilds the counter from storage on first use. c.mu must be held.
func (a *Aggregator) load(ctx context.Context, c *counter, chatID, userID string) error {
	if c.loaded {
		return nil
	}
	snap, err := a.storage.LoadChatSnapshot(ctx, chatID)
	if err != nil {
		return chat.NewError(chat.CodeStorage, "could not load chat", err)
	}
	c.count, c.through = snap.UnreadFor(userID)
	c.loaded = true
	return nil
}

// Count returns userID's unread count for chatID.
func (a *Aggregator) Count(ctx context.Context, chatID, userID string) (int, error) {
	c := a.counter(chatID, userID)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := a.load(ctx, c, chatID, userID); err != nil {
		return 0, err
	}
	return c.count, nil
}

// Delivered accounts for msg arriving for recipient and pushes the new count
// to every connection of recipient, subscribed to the chat or not.
func (a *Aggregator) Delivered(ctx context.Context, msg chat.Message, recipient string) (int, error) {
	if msg.SenderID == recipient {
		return 0, nil
	}

	c := a.counter(msg.ChatID, recipient)
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := a.load(ctx, c, msg.ChatID, recipient); err != nil {
		return 0, err
	}
	if msg.CreatedAt.After(c.through) {
		c.count++
		c.through = msg.CreatedAt
	}
	a.pushCount(msg.ChatID, recipient, c.count)
	return c.count, nil
}

// MarkRead sets userID's read marker for chatID to now and zeroes the
// counter. It reports false, doing nothing, when nothing was unread.
func (a *Aggregator) MarkRead(ctx context.Context, chatID, userID string) (bool, error) {
	p, err := a.directory.ParticipantsOf(ctx, chatID)
	if err != nil {
		return false, err
	}
	if !p.Has(userID) {
		return false, chat.ErrNotAParticipant
	}

	unlock := a.locks.Lock(chatID)
	defer unlock()

	c := a.counter(chatID, userID)
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := a.load(ctx, c, chatID, userID); err != nil {
		return false, err
	}
	if c.count == 0 {
		return false, nil
	}

	at := a.clock.Next()
	if err := a.storage.SetReadMarker(ctx, chatID, userID, at); err != nil {
		return false, chat.NewError(chat.CodeStorage, "could not save read marker", fmt.Errorf("unread: set read marker: %w", err))
	}
	c.count = 0
	if at.After(c.through) {
		c.through = at
	}
	metrics.ReadsTotal.Inc()

	a.pushCount(chatID, userID, 0)

	receipt := protocol.MustServerMessage(protocol.TypeReadReceipt, protocol.ReadReceiptMsg{
		ChatID: chatID,
		UserID: userID,
		At:     at,
	})
	a.sendAll(p.Partner(userID), protocol.TypeReadReceipt, receipt)

	logger := log.WithComponent("unread")
	if a.publisher != nil {
		if err := a.publisher.PublishRead(chatID, userID, at); err != nil {
			logger.Warn().Err(err).Str("chat_id", chatID).Msg("read event not published")
		}
	}
	logger.Debug().Str("chat_id", chatID).Str("user_id", userID).Time("at", at).Msg("marked read")
	return true, nil
}

// Push sends userID's current count for chatID to one connection.
func (a *Aggregator) Push(ctx context.Context, conn *session.Connection, chatID string) error {
	n, err := a.Count(ctx, chatID, conn.UserID)
	if err != nil {
		return err
	}
	return conn.Send(protocol.MustServerMessage(protocol.TypeUnreadCount, protocol.UnreadCountMsg{
		ChatID: chatID,
		Count:  n,
	}))
}

func (a *Aggregator) pushCount(chatID, userID string, n int) {
	data := protocol.MustServerMessage(protocol.TypeUnreadCount, protocol.UnreadCountMsg{
		ChatID: chatID,
		Count:  n,
	})
	a.sendAll(userID, protocol.TypeUnreadCount, data)
}

func (a *Aggregator) sendAll(userID, msgType string, data []byte) {
	logger := log.WithComponent("unread")
	sent := 0
	for _, conn := range a.sessions.Connections(userID) {
		if err := conn.Send(data); err != nil {
			metrics.DroppedEvents.Inc()
			logger.Debug().Err(err).Str("conn_id", conn.ID).Str("type", msgType).Msg("event not delivered")
			continue
		}
		sent++
	}
	metrics.EventsTotal.WithLabelValues(msgType).Add(float64(sent))
}
