// Package protocol defines the WebSocket event types exchanged between chat
// clients and the server. All events are JSON objects carrying a "type"
// discriminator; the remaining fields depend on the type.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Yug2op/SkillExchange-sub001/internal/chat"
)

// ---------------------------------------------------------------------------
// Event type constants
// ---------------------------------------------------------------------------

// Client -> Server event types.
const (
	TypeJoinChat    = "join-chat"
	TypeLeaveChat   = "leave-chat"
	TypeTyping      = "typing"
	TypeStopTyping  = "stop-typing"
	TypeSendMessage = "send-message"
	TypeMarkRead    = "mark-read"
	TypePing        = "ping"
)

// Server -> Client event types.
const (
	TypeSessionCreated = "session-created"
	TypeJoinedChat     = "joined-chat"
	TypeLeftChat       = "left-chat"
	TypeUserStatus     = "user-status"
	TypeUserTyping     = "user-typing"
	TypeUserStopTyping = "user-stop-typing"
	TypeMessageSent    = "message-sent"
	TypeNewMessage     = "new-message"
	TypeUnreadCount    = "unread-count"
	TypeReadReceipt    = "read-receipt"
	TypeError          = "error"
	TypePong           = "pong"
)

// ---------------------------------------------------------------------------
// Envelope is used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the event type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so the rest of the payload can be decoded into the concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server event structs
// ---------------------------------------------------------------------------

// JoinChatMsg subscribes the connection to a chat's event stream.
type JoinChatMsg struct {
	Type   string `json:"type"`
	ChatID string `json:"chatId"`
}

// LeaveChatMsg drops the connection's subscription to a chat.
type LeaveChatMsg struct {
	Type   string `json:"type"`
	ChatID string `json:"chatId"`
}

// TypingMsg reports that the user started (or is still) typing.
type TypingMsg struct {
	Type   string `json:"type"`
	ChatID string `json:"chatId"`
}

// StopTypingMsg reports that the user stopped typing.
type StopTypingMsg struct {
	Type   string `json:"type"`
	ChatID string `json:"chatId"`
}

// SendMessageMsg sends a text message. ClientID is an optional client
// generated key; a retried send with the same key is not persisted twice.
type SendMessageMsg struct {
	Type     string `json:"type"`
	ChatID   string `json:"chatId"`
	Text     string `json:"text"`
	ClientID string `json:"clientId,omitempty"`
}

// MarkReadMsg marks every message in the chat as read by the user.
type MarkReadMsg struct {
	Type   string `json:"type"`
	ChatID string `json:"chatId"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client event structs
// ---------------------------------------------------------------------------

// SessionCreatedMsg is sent once the live connection is registered.
type SessionCreatedMsg struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId"`
}

// JoinedChatMsg confirms a join-chat.
type JoinedChatMsg struct {
	Type   string `json:"type"`
	ChatID string `json:"chatId"`
}

// LeftChatMsg confirms a leave-chat.
type LeftChatMsg struct {
	Type   string `json:"type"`
	ChatID string `json:"chatId"`
}

// UserStatusMsg carries a presence change. LastSeen is only set when the
// user went offline.
type UserStatusMsg struct {
	Type     string     `json:"type"`
	UserID   string     `json:"userId"`
	IsOnline bool       `json:"isOnline"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

// UserTypingMsg reports that the chat partner started typing.
type UserTypingMsg struct {
	Type   string `json:"type"`
	ChatID string `json:"chatId"`
	UserID string `json:"userId"`
}

// UserStopTypingMsg reports that the chat partner stopped typing.
type UserStopTypingMsg struct {
	Type   string `json:"type"`
	ChatID string `json:"chatId"`
	UserID string `json:"userId"`
}

// MessageSentMsg acknowledges a send-message to every connection of the
// sender, carrying the persisted message.
type MessageSentMsg struct {
	Type     string       `json:"type"`
	ChatID   string       `json:"chatId"`
	ClientID string       `json:"clientId,omitempty"`
	Message  chat.Message `json:"message"`
}

// NewMessageMsg delivers a message to the recipient's subscribed connections.
type NewMessageMsg struct {
	Type    string       `json:"type"`
	ChatID  string       `json:"chatId"`
	Message chat.Message `json:"message"`
}

// UnreadCountMsg carries the user's current unread count for a chat.
type UnreadCountMsg struct {
	Type   string `json:"type"`
	ChatID string `json:"chatId"`
	Count  int    `json:"count"`
}

// ReadReceiptMsg tells the sender that the partner read the chat up to At.
type ReadReceiptMsg struct {
	Type   string    `json:"type"`
	ChatID string    `json:"chatId"`
	UserID string    `json:"userId"`
	At     time.Time `json:"at"`
}

// ErrorMsg is sent to the originating connection when a request fails.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	ChatID  string `json:"chatId,omitempty"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client event.
// It returns the event type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only event types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeJoinChat:
		var m JoinChatMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeLeaveChat:
		var m LeaveChatMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTyping:
		var m TypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeStopTyping:
		var m StopTypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSendMessage:
		var m SendMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMarkRead:
		var m MarkReadMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded server event. The msgType is
// injected into the payload under the "type" key.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

// MustServerMessage is NewServerMessage for payloads built from the structs
// in this package, whose encoding cannot fail.
func MustServerMessage(msgType string, payload interface{}) []byte {
	data, err := NewServerMessage(msgType, payload)
	if err != nil {
		panic(err)
	}
	return data
}

// ChatID returns the chat id carried by a parsed client event, if any.
func ChatID(msg interface{}) string {
	switch m := msg.(type) {
	case JoinChatMsg:
		return m.ChatID
	case LeaveChatMsg:
		return m.ChatID
	case TypingMsg:
		return m.ChatID
	case StopTypingMsg:
		return m.ChatID
	case SendMessageMsg:
		return m.ChatID
	case MarkReadMsg:
		return m.ChatID
	}
	return ""
}
