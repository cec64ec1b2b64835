// Package chat defines the domain types shared by the real-time core: messages,
// participants and snapshots, the storage and membership collaborators the core
// consumes, and the error taxonomy surfaced to clients.
package chat

import (
	"context"
	"time"
)

// Message is a persisted chat message. Once persisted it is append-only; the
// core never rewrites Text or CreatedAt.
type Message struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chatId"`
	SenderID  string    `json:"senderId"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
	ReadBy    []string  `json:"readBy"`
}

// IsReadBy reports whether userID appears in the message's read set.
func (m Message) IsReadBy(userID string) bool {
	for _, id := range m.ReadBy {
		if id == userID {
			return true
		}
	}
	return false
}

// Participants holds the two users of a chat.
type Participants struct {
	UserA string
	UserB string
}

// Has reports whether userID is one of the two participants.
func (p Participants) Has(userID string) bool {
	return userID != "" && (userID == p.UserA || userID == p.UserB)
}

// Partner returns the other participant, or "" if userID is not a participant.
func (p Participants) Partner(userID string) string {
	switch userID {
	case p.UserA:
		return p.UserB
	case p.UserB:
		return p.UserA
	}
	return ""
}

// Snapshot is a point-in-time view of a chat as held by storage.
type Snapshot struct {
	ChatID       string
	Participants Participants
	Messages     []Message
}

// UnreadFor counts messages in the snapshot not sent by userID and not yet
// read by userID. It also returns the newest CreatedAt it looked at.
func (s Snapshot) UnreadFor(userID string) (int, time.Time) {
	var (
		count  int
		newest time.Time
	)
	for _, m := range s.Messages {
		if m.CreatedAt.After(newest) {
			newest = m.CreatedAt
		}
		if m.SenderID == userID || m.IsReadBy(userID) {
			continue
		}
		count++
	}
	return count, newest
}

// Storage is the durable collaborator for message records. It is the only
// durable write path used by the core.
type Storage interface {
	// PersistMessage stores msg, whose ID and CreatedAt are already assigned.
	PersistMessage(ctx context.Context, msg Message) (Message, error)

	// LoadChatSnapshot returns the chat's participants and messages in
	// CreatedAt order. It returns ErrNotFound for an unknown chat.
	LoadChatSnapshot(ctx context.Context, chatID string) (Snapshot, error)

	// SetReadMarker advances userID's read marker for chatID to at and marks
	// every message sent by the other participant up to at as read by userID.
	SetReadMarker(ctx context.Context, chatID, userID string, at time.Time) error
}

// Directory is the chat-membership collaborator.
type Directory interface {
	// ParticipantsOf returns the chat's two participants, or ErrNotFound.
	ParticipantsOf(ctx context.Context, chatID string) (Participants, error)

	// PartnersOf returns every user sharing a chat with userID.
	PartnersOf(ctx context.Context, userID string) ([]string, error)
}
