package chat

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	// MaxRecentSends is the number of recent client-keyed sends retained per chat.
	MaxRecentSends = 32

	// MaxRecentChats bounds how many chats keep a send history; the least
	// recently used chat is forgotten first.
	MaxRecentChats = 10000
)

// RecentSend is a message persisted for a client-supplied id.
type RecentSend struct {
	SenderID string
	ClientID string
	Message  Message
}

// RecentBuffer remembers the last sends per chat that carried a client id so a
// retried send-message returns the original message instead of persisting a
// duplicate. It is goroutine-safe and keeps one ring buffer per chat for at
// most maxChats chats.
type RecentBuffer struct {
	mu    sync.Mutex
	chats *lru.Cache[string, *ringBuffer]
}

// ringBuffer is a fixed-size circular buffer of RecentSend.
type ringBuffer struct {
	items []RecentSend
	pos   int
	count int
}

// NewRecentBuffer creates a new empty RecentBuffer holding at most maxChats
// chats.
func NewRecentBuffer(maxChats int) *RecentBuffer {
	if maxChats <= 0 {
		maxChats = MaxRecentChats
	}
	chats, err := lru.New[string, *ringBuffer](maxChats)
	if err != nil {
		panic(err) // only for a non-positive size
	}
	return &RecentBuffer{chats: chats}
}

// Add records a send. If the chat's buffer is full, the oldest entry is
// overwritten. Sends without a client id are ignored.
func (rb *RecentBuffer) Add(chatID string, send RecentSend) {
	if send.ClientID == "" {
		return
	}

	rb.mu.Lock()
	defer rb.mu.Unlock()

	r, ok := rb.chats.Get(chatID)
	if !ok {
		r = &ringBuffer{items: make([]RecentSend, MaxRecentSends)}
		rb.chats.Add(chatID, r)
	}

	r.items[r.pos] = send
	r.pos = (r.pos + 1) % MaxRecentSends
	if r.count < MaxRecentSends {
		r.count++
	}
}

// Find returns the message previously persisted for (senderID, clientID) in
// the chat, newest first.
func (rb *RecentBuffer) Find(chatID, senderID, clientID string) (Message, bool) {
	if clientID == "" {
		return Message{}, false
	}

	rb.mu.Lock()
	defer rb.mu.Unlock()

	r, ok := rb.chats.Get(chatID)
	if !ok {
		return Message{}, false
	}
	for i := 1; i <= r.count; i++ {
		item := r.items[(r.pos-i+MaxRecentSends)%MaxRecentSends]
		if item.SenderID == senderID && item.ClientID == clientID {
			return item.Message, true
		}
	}
	return Message{}, false
}
