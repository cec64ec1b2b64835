// Package messaging provides a NATS client wrapper that publishes chat domain
// events (persisted messages, read receipts, presence changes) for services
// outside the real-time core, such as notification and search indexers.
package messaging

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/Yug2op/SkillExchange-sub001/internal/chat"
	"github.com/Yug2op/SkillExchange-sub001/internal/log"
)

// NATS subject patterns used by the chat server.
const (
	SubjectMessage  = "chat.message"  // + .<chat_id>
	SubjectRead     = "chat.read"     // + .<chat_id>
	SubjectPresence = "chat.presence" // + .<user_id>
)

// MessageEvent is published for every persisted message.
type MessageEvent struct {
	Message chat.Message `json:"message"`
}

// ReadEvent is published when a user's read marker advances.
type ReadEvent struct {
	ChatID string    `json:"chatId"`
	UserID string    `json:"userId"`
	At     time.Time `json:"at"`
}

// PresenceEvent is published on a user's first connect and last disconnect.
type PresenceEvent struct {
	UserID string    `json:"userId"`
	Online bool      `json:"online"`
	At     time.Time `json:"at"`
}

// Conn is the subset of *nats.Conn the client uses.
type Conn interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, handler nats.MsgHandler) (*nats.Subscription, error)
	Drain() error
}

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "chatserver",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready client.
// It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	logger := log.WithComponent("nats")
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Info().Msg("connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	logger.Info().Str("url", nc.ConnectedUrl()).Msg("connected")
	return NewClient(nc), nil
}

// NewClient wraps an established connection.
func NewClient(conn Conn) *NATSClient {
	return &NATSClient{
		conn: conn,
		subs: make(map[string]*nats.Subscription),
	}
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

func (c *NATSClient) publishJSON(subject string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("nats marshal %s: %w", subject, err)
	}
	if err := c.Publish(subject, data); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe registers a handler for the given subject and stores the
// subscription internally for later cleanup.
func (c *NATSClient) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()

	return nil
}

// PublishMessage publishes a persisted message to chat.message.<chatID>.
func (c *NATSClient) PublishMessage(msg chat.Message) error {
	return c.publishJSON(SubjectMessage+"."+msg.ChatID, MessageEvent{Message: msg})
}

// PublishRead publishes a read marker advance to chat.read.<chatID>.
func (c *NATSClient) PublishRead(chatID, userID string, at time.Time) error {
	return c.publishJSON(SubjectRead+"."+chatID, ReadEvent{ChatID: chatID, UserID: userID, At: at})
}

// PublishPresence publishes a presence change to chat.presence.<userID>.
func (c *NATSClient) PublishPresence(userID string, online bool, at time.Time) error {
	return c.publishJSON(SubjectPresence+"."+userID, PresenceEvent{UserID: userID, Online: online, At: at})
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	logger := log.WithComponent("nats")

	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			logger.Warn().Err(err).Str("subject", subject).Msg("subscription drain failed")
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		logger.Warn().Err(err).Msg("connection drain failed")
	}

	logger.Info().Msg("client closed")
}
