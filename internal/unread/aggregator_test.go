package unread

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Yug2op/SkillExchange-sub001/internal/chat"
	"github.com/Yug2op/SkillExchange-sub001/internal/protocol"
	"github.com/Yug2op/SkillExchange-sub001/internal/session"
	"github.com/Yug2op/SkillExchange-sub001/internal/shard"
	"github.com/Yug2op/SkillExchange-sub001/internal/store/memory"
)

type sink struct {
	mu     sync.Mutex
	events []map[string]interface{}
}

func (s *sink) Send(data []byte) error {
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	s.mu.Lock()
	s.events = append(s.events, m)
	s.mu.Unlock()
	return nil
}

func (s *sink) ofType(typ string) []map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []map[string]interface{}
	for _, e := range s.events {
		if e["type"] == typ {
			out = append(out, e)
		}
	}
	return out
}

type readLog struct {
	mu    sync.Mutex
	reads []string
}

func (r *readLog) PublishRead(chatID, userID string, _ time.Time) error {
	r.mu.Lock()
	r.reads = append(r.reads, chatID+"/"+userID)
	r.mu.Unlock()
	return nil
}

type failingMarkers struct {
	*memory.Store
}

func (failingMarkers) SetReadMarker(context.Context, string, string, time.Time) error {
	return errors.New("disk full")
}

type fixture struct {
	store *memory.Store
	reg   *session.Registry
	clock *chat.Clock
	agg   *Aggregator
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	store := memory.New()
	require.NoError(t, store.CreateChat("chat-x", "alice", "bob"))
	reg := session.NewRegistry()
	clock := chat.NewClock(nil)
	return &fixture{
		store: store,
		reg:   reg,
		clock: clock,
		agg:   New(store, store, reg, clock, opts...),
	}
}

// send persists a message and reports it delivered, as the pipeline does.
func (f *fixture) send(t *testing.T, sender, recipient string) chat.Message {
	t.Helper()
	ctx := context.Background()
	msg, err := f.store.PersistMessage(ctx, chat.Message{
		ID:        uuid.New().String(),
		ChatID:    "chat-x",
		SenderID:  sender,
		Text:      "hello",
		CreatedAt: f.clock.Next(),
	})
	require.NoError(t, err)
	_, err = f.agg.Delivered(ctx, msg, recipient)
	require.NoError(t, err)
	return msg
}

func (f *fixture) count(t *testing.T, userID string) int {
	t.Helper()
	n, err := f.agg.Count(context.Background(), "chat-x", userID)
	require.NoError(t, err)
	return n
}

func TestDeliveredPushesToEveryConnection(t *testing.T) {
	f := newFixture(t)
	b1, b2 := &sink{}, &sink{}
	f.reg.Register("bob", b1)
	f.reg.Register("bob", b2)

	f.send(t, "alice", "bob")
	f.send(t, "alice", "bob")

	assert.Equal(t, 2, f.count(t, "bob"))
	for _, s := range []*sink{b1, b2} {
		counts := s.ofType(protocol.TypeUnreadCount)
		require.Len(t, counts, 2)
		assert.Equal(t, float64(2), counts[1]["count"])
		assert.Equal(t, "chat-x", counts[1]["chatId"])
	}
}

func TestCounterLoadsFromSnapshotWithoutDoubleCounting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Persisted before the aggregator ever looked at the chat.
	for i := 0; i < 2; i++ {
		_, err := f.store.PersistMessage(ctx, chat.Message{
			ID: uuid.New().String(), ChatID: "chat-x", SenderID: "alice", CreatedAt: f.clock.Next(),
		})
		require.NoError(t, err)
	}
	// The third is already in the snapshot when Delivered loads the counter.
	msg, err := f.store.PersistMessage(ctx, chat.Message{
		ID: uuid.New().String(), ChatID: "chat-x", SenderID: "alice", CreatedAt: f.clock.Next(),
	})
	require.NoError(t, err)

	n, err := f.agg.Delivered(ctx, msg, "bob")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = f.agg.Delivered(ctx, msg, "bob")
	require.NoError(t, err)
	assert.Equal(t, 3, n, "redelivery is not counted twice")
}

func TestMarkReadZeroesAndSendsReceipt(t *testing.T) {
	log := &readLog{}
	f := newFixture(t, WithPublisher(log))
	aliceSink, bobSink := &sink{}, &sink{}
	f.reg.Register("alice", aliceSink)
	f.reg.Register("bob", bobSink)

	f.send(t, "alice", "bob")
	f.send(t, "alice", "bob")

	ok, err := f.agg.MarkRead(context.Background(), "chat-x", "bob")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Zero(t, f.count(t, "bob"))

	counts := bobSink.ofType(protocol.TypeUnreadCount)
	assert.Equal(t, float64(0), counts[len(counts)-1]["count"])

	receipts := aliceSink.ofType(protocol.TypeReadReceipt)
	require.Len(t, receipts, 1)
	assert.Equal(t, "bob", receipts[0]["userId"])
	assert.Empty(t, bobSink.ofType(protocol.TypeReadReceipt))

	snap, err := f.store.LoadChatSnapshot(context.Background(), "chat-x")
	require.NoError(t, err)
	for _, m := range snap.Messages {
		assert.True(t, m.IsReadBy("bob"))
	}

	// Second call with nothing new is a no-op.
	ok, err = f.agg.MarkRead(context.Background(), "chat-x", "bob")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Len(t, aliceSink.ofType(protocol.TypeReadReceipt), 1)
	assert.Equal(t, []string{"chat-x/bob"}, log.reads)
}

func TestMarkReadWaitsForTheChatLock(t *testing.T) {
	locks := shard.NewLocker()
	f := newFixture(t, WithLocks(locks))
	f.send(t, "alice", "bob")

	// A send in flight holds the chat lock across persist and delivery.
	unlock := locks.Lock("chat-x")
	done := make(chan bool, 1)
	go func() {
		ok, err := f.agg.MarkRead(context.Background(), "chat-x", "bob")
		assert.NoError(t, err)
		done <- ok
	}()

	select {
	case <-done:
		t.Fatal("MarkRead ran while the chat was locked")
	case <-time.After(50 * time.Millisecond):
	}

	late := f.send(t, "alice", "bob")
	unlock()
	assert.True(t, <-done)

	assert.Zero(t, f.count(t, "bob"))
	snap, err := f.store.LoadChatSnapshot(context.Background(), "chat-x")
	require.NoError(t, err)
	for _, m := range snap.Messages {
		if m.ID == late.ID {
			assert.True(t, m.IsReadBy("bob"), "message persisted under the lock is covered by the marker")
		}
	}
}

func TestOutOfOrderReads(t *testing.T) {
	f := newFixture(t)

	f.send(t, "alice", "bob")
	_, err := f.agg.MarkRead(context.Background(), "chat-x", "bob")
	require.NoError(t, err)

	f.send(t, "alice", "bob")
	f.send(t, "bob", "alice")
	f.send(t, "bob", "alice")

	_, err = f.agg.MarkRead(context.Background(), "chat-x", "bob")
	require.NoError(t, err)

	assert.Zero(t, f.count(t, "bob"))
	assert.Equal(t, 2, f.count(t, "alice"))

	_, err = f.agg.MarkRead(context.Background(), "chat-x", "alice")
	require.NoError(t, err)
	f.send(t, "bob", "alice")
	assert.Equal(t, 1, f.count(t, "alice"))
}

func TestOwnMessagesAreNotCounted(t *testing.T) {
	f := newFixture(t)
	msg := f.send(t, "alice", "bob")

	n, err := f.agg.Delivered(context.Background(), msg, "alice")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, f.count(t, "alice"))
}

func TestMarkReadRejectsOutsiders(t *testing.T) {
	f := newFixture(t)
	_, err := f.agg.MarkRead(context.Background(), "chat-x", "eve")
	assert.ErrorIs(t, err, chat.ErrForbidden)

	_, err = f.agg.MarkRead(context.Background(), "missing", "bob")
	assert.ErrorIs(t, err, chat.ErrNotFound)
}

func TestMarkReadStorageFailureKeepsCount(t *testing.T) {
	store := memory.New()
	require.NoError(t, store.CreateChat("chat-x", "alice", "bob"))
	reg := session.NewRegistry()
	clock := chat.NewClock(nil)
	agg := New(failingMarkers{store}, store, reg, clock)

	msg, err := store.PersistMessage(context.Background(), chat.Message{
		ID: "m1", ChatID: "chat-x", SenderID: "alice", CreatedAt: clock.Next(),
	})
	require.NoError(t, err)
	_, err = agg.Delivered(context.Background(), msg, "bob")
	require.NoError(t, err)

	_, err = agg.MarkRead(context.Background(), "chat-x", "bob")
	assert.ErrorIs(t, err, chat.ErrStorage)

	n, err := agg.Count(context.Background(), "chat-x", "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPushSendsCurrentCount(t *testing.T) {
	f := newFixture(t)
	s := &sink{}
	conn := f.reg.Register("bob", s)
	f.send(t, "alice", "bob")

	require.NoError(t, f.agg.Push(context.Background(), conn, "chat-x"))
	counts := s.ofType(protocol.TypeUnreadCount)
	require.Len(t, counts, 2)
	assert.Equal(t, float64(1), counts[1]["count"])
}
