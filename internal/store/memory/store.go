// Package memory is an in-process implementation of the storage and
// membership collaborators, for development servers and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Yug2op/SkillExchange-sub001/internal/chat"
)

// Store keeps chats, messages and read markers in memory.
type Store struct {
	mu       sync.RWMutex
	chats    map[string]chat.Participants
	messages map[string][]chat.Message // chatID -> messages ordered by CreatedAt
	ids      map[string]struct{}
	markers  map[string]time.Time // chatID/userID -> read marker
}

var (
	_ chat.Storage   = (*Store)(nil)
	_ chat.Directory = (*Store)(nil)
)

// New creates an empty Store.
func New() *Store {
	return &Store{
		chats:    make(map[string]chat.Participants),
		messages: make(map[string][]chat.Message),
		ids:      make(map[string]struct{}),
		markers:  make(map[string]time.Time),
	}
}

// CreateChat registers a two-participant chat.
func (s *Store) CreateChat(chatID, userA, userB string) error {
	if chatID == "" || userA == "" || userB == "" || userA == userB {
		return fmt.Errorf("memory: chat needs an id and two distinct participants")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chats[chatID]; ok {
		return fmt.Errorf("memory: chat %s already exists", chatID)
	}
	s.chats[chatID] = chat.Participants{UserA: userA, UserB: userB}
	return nil
}

// PersistMessage appends msg to its chat.
func (s *Store) PersistMessage(_ context.Context, msg chat.Message) (chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.chats[msg.ChatID]; !ok {
		return chat.Message{}, chat.ErrChatNotFound
	}
	if _, dup := s.ids[msg.ID]; dup {
		return chat.Message{}, fmt.Errorf("memory: duplicate message id %s", msg.ID)
	}

	msg.ReadBy = append([]string(nil), msg.ReadBy...)
	msgs := s.messages[msg.ChatID]
	i := sort.Search(len(msgs), func(i int) bool { return msgs[i].CreatedAt.After(msg.CreatedAt) })
	msgs = append(msgs, chat.Message{})
	copy(msgs[i+1:], msgs[i:])
	msgs[i] = msg
	s.messages[msg.ChatID] = msgs
	s.ids[msg.ID] = struct{}{}
	return msg, nil
}

// LoadChatSnapshot returns a copy of the chat's participants and messages.
func (s *Store) LoadChatSnapshot(_ context.Context, chatID string) (chat.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.chats[chatID]
	if !ok {
		return chat.Snapshot{}, chat.ErrChatNotFound
	}
	msgs := make([]chat.Message, len(s.messages[chatID]))
	for i, m := range s.messages[chatID] {
		m.ReadBy = append([]string(nil), m.ReadBy...)
		msgs[i] = m
	}
	return chat.Snapshot{ChatID: chatID, Participants: p, Messages: msgs}, nil
}

// SetReadMarker advances userID's marker and marks the partner's messages up
// to at as read. A marker never moves backwards.
func (s *Store) SetReadMarker(_ context.Context, chatID, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.chats[chatID]
	if !ok {
		return chat.ErrChatNotFound
	}
	if !p.Has(userID) {
		return chat.ErrNotAParticipant
	}

	key := chatID + "/" + userID
	if cur, ok := s.markers[key]; !ok || at.After(cur) {
		s.markers[key] = at
	}
	at = s.markers[key]

	msgs := s.messages[chatID]
	for i := range msgs {
		m := &msgs[i]
		if m.SenderID == userID || m.CreatedAt.After(at) || m.IsReadBy(userID) {
			continue
		}
		m.ReadBy = append(m.ReadBy, userID)
	}
	return nil
}

// ReadMarker returns userID's read marker for chatID.
func (s *Store) ReadMarker(chatID, userID string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	at, ok := s.markers[chatID+"/"+userID]
	return at, ok
}

// ParticipantsOf returns the chat's participants.
func (s *Store) ParticipantsOf(_ context.Context, chatID string) (chat.Participants, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.chats[chatID]
	if !ok {
		return chat.Participants{}, chat.ErrChatNotFound
	}
	return p, nil
}

// PartnersOf returns every user sharing a chat with userID, sorted.
func (s *Store) PartnersOf(_ context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, p := range s.chats {
		if partner := p.Partner(userID); partner != "" {
			seen[partner] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}
