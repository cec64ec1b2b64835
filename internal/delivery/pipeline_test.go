package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Yug2op/SkillExchange-sub001/internal/chat"
	"github.com/Yug2op/SkillExchange-sub001/internal/moderation"
	"github.com/Yug2op/SkillExchange-sub001/internal/protocol"
	"github.com/Yug2op/SkillExchange-sub001/internal/ratelimit"
	"github.com/Yug2op/SkillExchange-sub001/internal/room"
	"github.com/Yug2op/SkillExchange-sub001/internal/session"
	"github.com/Yug2op/SkillExchange-sub001/internal/shard"
	"github.com/Yug2op/SkillExchange-sub001/internal/store/memory"
	"github.com/Yug2op/SkillExchange-sub001/internal/typing"
	"github.com/Yug2op/SkillExchange-sub001/internal/unread"
)

// wire records every event handed to any connection in one global order.
type wire struct {
	mu     sync.Mutex
	events []delivered
}

type delivered struct {
	conn string
	typ  string
	body map[string]interface{}
}

type sink struct {
	name string
	w    *wire
	fail bool
}

func (s *sink) Send(data []byte) error {
	if s.fail {
		return chat.ErrUnresponsive
	}
	var body map[string]interface{}
	if err := json.Unmarshal(data, &body); err != nil {
		return err
	}
	s.w.mu.Lock()
	s.w.events = append(s.w.events, delivered{conn: s.name, typ: body["type"].(string), body: body})
	s.w.mu.Unlock()
	return nil
}

func (w *wire) index(conn, typ string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i, e := range w.events {
		if e.conn == conn && e.typ == typ {
			return i
		}
	}
	return -1
}

func (w *wire) of(conn, typ string) []map[string]interface{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []map[string]interface{}
	for _, e := range w.events {
		if e.conn == conn && e.typ == typ {
			out = append(out, e.body)
		}
	}
	return out
}

func (w *wire) forConn(conn string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, e := range w.events {
		if e.conn == conn {
			n++
		}
	}
	return n
}

type failingStore struct {
	*memory.Store
}

func (failingStore) PersistMessage(context.Context, chat.Message) (chat.Message, error) {
	return chat.Message{}, errors.New("connection refused")
}

// gatedStore holds PersistMessage for messages with text "slow" until
// release is closed.
type gatedStore struct {
	*memory.Store
	entered chan struct{}
	release chan struct{}
}

func (s *gatedStore) PersistMessage(ctx context.Context, msg chat.Message) (chat.Message, error) {
	if msg.Text == "slow" {
		close(s.entered)
		<-s.release
	}
	return s.Store.PersistMessage(ctx, msg)
}

type denyAll struct{}

func (denyAll) Allow(context.Context, string, ratelimit.Rule) (bool, error) { return false, nil }

type fixture struct {
	w        *wire
	store    *memory.Store
	reg      *session.Registry
	rooms    *room.Manager
	typing   *typing.Machine
	unread   *unread.Aggregator
	pipeline *Pipeline
}

func newFixture(t *testing.T, configure func(*Deps)) *fixture {
	t.Helper()
	store := memory.New()
	require.NoError(t, store.CreateChat("chat-x", "alice", "bob"))
	require.NoError(t, store.CreateChat("chat-y", "bob", "eve"))

	reg := session.NewRegistry()
	rooms := room.NewManager(reg, store)
	tm := typing.New(rooms, time.Minute)
	t.Cleanup(tm.Close)
	clock := chat.NewClock(nil)
	locks := shard.NewLocker()
	agg := unread.New(store, store, reg, clock, unread.WithLocks(locks))

	deps := Deps{
		Storage:   store,
		Directory: store,
		Sessions:  reg,
		Rooms:     rooms,
		Typing:    tm,
		Unread:    agg,
		Clock:     clock,
		Locks:     locks,
	}
	if configure != nil {
		configure(&deps)
	}
	return &fixture{
		w:        &wire{},
		store:    store,
		reg:      reg,
		rooms:    rooms,
		typing:   tm,
		unread:   agg,
		pipeline: New(deps),
	}
}

func (f *fixture) connect(t *testing.T, name, userID string, chats ...string) *session.Connection {
	t.Helper()
	return f.connectSink(t, &sink{name: name, w: f.w}, userID, chats...)
}

func (f *fixture) connectSink(t *testing.T, s *sink, userID string, chats ...string) *session.Connection {
	t.Helper()
	c := f.reg.Register(userID, s)
	for _, chatID := range chats {
		require.NoError(t, f.rooms.Join(context.Background(), c.ID, chatID))
	}
	return c
}

func TestAckReachesEverySenderConnectionBeforeRecipient(t *testing.T) {
	f := newFixture(t, nil)
	c1 := f.connect(t, "A1", "alice", "chat-x")
	f.connect(t, "A2", "alice")
	f.connect(t, "B1", "bob", "chat-x")

	msg, err := f.pipeline.Send(context.Background(), Request{
		ChatID: "chat-x", SenderID: "alice", Text: "hi", OriginConnID: c1.ID,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, "hi", msg.Text)

	bNew := f.w.index("B1", protocol.TypeNewMessage)
	require.GreaterOrEqual(t, bNew, 0)
	for _, conn := range []string{"A1", "A2"} {
		ack := f.w.index(conn, protocol.TypeMessageSent)
		require.GreaterOrEqual(t, ack, 0, conn)
		assert.Less(t, ack, bNew, "%s acked before recipient delivery", conn)
	}

	assert.Empty(t, f.w.of("A1", protocol.TypeNewMessage), "sender gets the ack, not a copy")

	counts := f.w.of("B1", protocol.TypeUnreadCount)
	require.Len(t, counts, 1)
	assert.Equal(t, float64(1), counts[0]["count"])
	assert.Greater(t, f.w.index("B1", protocol.TypeUnreadCount), bNew)
}

func TestUnreadReachesUnsubscribedConnections(t *testing.T) {
	f := newFixture(t, nil)
	f.connect(t, "A1", "alice", "chat-x")
	f.connect(t, "B-list", "bob") // viewing the chat list only

	_, err := f.pipeline.Send(context.Background(), Request{ChatID: "chat-x", SenderID: "alice", Text: "hi"})
	require.NoError(t, err)

	assert.Empty(t, f.w.of("B-list", protocol.TypeNewMessage))
	assert.Len(t, f.w.of("B-list", protocol.TypeUnreadCount), 1)
}

func TestNeverDeliveredOutsideChat(t *testing.T) {
	f := newFixture(t, nil)
	f.connect(t, "A1", "alice", "chat-x")
	f.connect(t, "B1", "bob", "chat-x", "chat-y")
	f.connect(t, "E1", "eve", "chat-y")

	_, err := f.pipeline.Send(context.Background(), Request{ChatID: "chat-x", SenderID: "alice", Text: "private"})
	require.NoError(t, err)
	assert.Zero(t, f.w.forConn("E1"))
}

func TestRejectedRequestsBroadcastNothing(t *testing.T) {
	f := newFixture(t, nil)
	f.connect(t, "A1", "alice", "chat-x")
	f.connect(t, "B1", "bob", "chat-x")
	ctx := context.Background()

	_, err := f.pipeline.Send(ctx, Request{ChatID: "chat-x", SenderID: "alice", Text: "   "})
	assert.ErrorIs(t, err, chat.ErrInvalidMessage)

	_, err = f.pipeline.Send(ctx, Request{ChatID: "chat-x", SenderID: "eve", Text: "hi"})
	assert.ErrorIs(t, err, chat.ErrForbidden)

	_, err = f.pipeline.Send(ctx, Request{ChatID: "missing", SenderID: "alice", Text: "hi"})
	assert.ErrorIs(t, err, chat.ErrNotFound)

	assert.Zero(t, f.w.forConn("A1"))
	assert.Zero(t, f.w.forConn("B1"))
}

func TestStorageFailureBroadcastsNothing(t *testing.T) {
	f := newFixture(t, func(d *Deps) {
		d.Storage = failingStore{d.Storage.(*memory.Store)}
	})
	f.connect(t, "A1", "alice", "chat-x")
	f.connect(t, "B1", "bob", "chat-x")

	_, err := f.pipeline.Send(context.Background(), Request{ChatID: "chat-x", SenderID: "alice", Text: "hi"})
	assert.ErrorIs(t, err, chat.ErrStorage)
	assert.Equal(t, chat.CodeStorage, chat.CodeOf(err))

	assert.Zero(t, f.w.forConn("A1"))
	assert.Zero(t, f.w.forConn("B1"))
	n, err := f.unread.Count(context.Background(), "chat-x", "bob")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestFailingRecipientConnectionIsIsolated(t *testing.T) {
	f := newFixture(t, nil)
	f.connect(t, "A1", "alice", "chat-x")
	f.connectSink(t, &sink{name: "B-bad", w: f.w, fail: true}, "bob", "chat-x")
	f.connect(t, "B-good", "bob", "chat-x")

	_, err := f.pipeline.Send(context.Background(), Request{ChatID: "chat-x", SenderID: "alice", Text: "hi"})
	require.NoError(t, err)
	assert.Len(t, f.w.of("B-good", protocol.TypeNewMessage), 1)
	assert.Len(t, f.w.of("A1", protocol.TypeMessageSent), 1)
}

func TestSendStopsSenderTyping(t *testing.T) {
	f := newFixture(t, nil)
	a := f.connect(t, "A1", "alice", "chat-x")
	f.connect(t, "B1", "bob", "chat-x")

	f.typing.Start("chat-x", "alice", a.ID)
	require.True(t, f.typing.IsTyping("chat-x", "alice"))

	_, err := f.pipeline.Send(context.Background(), Request{ChatID: "chat-x", SenderID: "alice", Text: "done"})
	require.NoError(t, err)

	assert.False(t, f.typing.IsTyping("chat-x", "alice"))
	stop := f.w.index("B1", protocol.TypeUserStopTyping)
	require.GreaterOrEqual(t, stop, 0)
	assert.Less(t, stop, f.w.index("B1", protocol.TypeNewMessage))
}

func TestRetriedClientIDIsNotPersistedTwice(t *testing.T) {
	f := newFixture(t, nil)
	a := f.connect(t, "A1", "alice", "chat-x")
	f.connect(t, "B1", "bob", "chat-x")
	ctx := context.Background()

	req := Request{ChatID: "chat-x", SenderID: "alice", Text: "hi", ClientID: "tmp-1", OriginConnID: a.ID}
	first, err := f.pipeline.Send(ctx, req)
	require.NoError(t, err)
	second, err := f.pipeline.Send(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	snap, err := f.store.LoadChatSnapshot(ctx, "chat-x")
	require.NoError(t, err)
	assert.Len(t, snap.Messages, 1)
	assert.Len(t, f.w.of("B1", protocol.TypeNewMessage), 1)

	acks := f.w.of("A1", protocol.TypeMessageSent)
	require.Len(t, acks, 2)
	assert.Equal(t, "tmp-1", acks[1]["clientId"])
}

func TestRateLimitedSend(t *testing.T) {
	f := newFixture(t, func(d *Deps) { d.Limiter = denyAll{} })
	_, err := f.pipeline.Send(context.Background(), Request{ChatID: "chat-x", SenderID: "alice", Text: "hi"})
	assert.ErrorIs(t, err, chat.ErrRateLimited)
}

func TestScreenedSendIsNotPersisted(t *testing.T) {
	filter, err := moderation.NewFilter([]string{"badword"}, []string{"url"})
	require.NoError(t, err)
	f := newFixture(t, func(d *Deps) { d.Screen = filter })
	f.connect(t, "A1", "alice", "chat-x")
	f.connect(t, "B1", "bob", "chat-x")
	ctx := context.Background()

	_, err = f.pipeline.Send(ctx, Request{ChatID: "chat-x", SenderID: "alice", Text: "such a b@dw0rd"})
	assert.ErrorIs(t, err, chat.ErrInvalidMessage)
	_, err = f.pipeline.Send(ctx, Request{ChatID: "chat-x", SenderID: "alice", Text: "see http://evil.com"})
	assert.ErrorIs(t, err, chat.ErrInvalidMessage)

	snap, err := f.store.LoadChatSnapshot(ctx, "chat-x")
	require.NoError(t, err)
	assert.Empty(t, snap.Messages)
	assert.Zero(t, f.w.forConn("B1"))

	_, err = f.pipeline.Send(ctx, Request{ChatID: "chat-x", SenderID: "alice", Text: "all good"})
	require.NoError(t, err)
	assert.Len(t, f.w.of("B1", protocol.TypeNewMessage), 1)
}

func TestConcurrentSendsKeepPersistOrder(t *testing.T) {
	f := newFixture(t, nil)
	f.connect(t, "B1", "bob", "chat-x")
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.pipeline.Send(ctx, Request{ChatID: "chat-x", SenderID: "alice", Text: fmt.Sprintf("m%d", i)})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	snap, err := f.store.LoadChatSnapshot(ctx, "chat-x")
	require.NoError(t, err)
	got := f.w.of("B1", protocol.TypeNewMessage)
	require.Len(t, got, len(snap.Messages))
	for i, body := range got {
		m := body["message"].(map[string]interface{})
		assert.Equal(t, snap.Messages[i].ID, m["id"])
	}

	counts := f.w.of("B1", protocol.TypeUnreadCount)
	require.Len(t, counts, 20)
	assert.Equal(t, float64(20), counts[19]["count"])
}

func TestMarkReadDuringSlowPersistAgreesWithStorage(t *testing.T) {
	gate := &gatedStore{entered: make(chan struct{}), release: make(chan struct{})}
	f := newFixture(t, func(d *Deps) {
		gate.Store = d.Storage.(*memory.Store)
		d.Storage = gate
	})
	f.connect(t, "B1", "bob")
	ctx := context.Background()

	_, err := f.pipeline.Send(ctx, Request{ChatID: "chat-x", SenderID: "alice", Text: "first"})
	require.NoError(t, err)

	sent := make(chan error, 1)
	go func() {
		_, err := f.pipeline.Send(ctx, Request{ChatID: "chat-x", SenderID: "alice", Text: "slow"})
		sent <- err
	}()
	<-gate.entered

	read := make(chan error, 1)
	go func() {
		_, err := f.unread.MarkRead(ctx, "chat-x", "bob")
		read <- err
	}()
	time.Sleep(20 * time.Millisecond)
	close(gate.release)

	require.NoError(t, <-sent)
	require.NoError(t, <-read)

	live, err := f.unread.Count(ctx, "chat-x", "bob")
	require.NoError(t, err)

	snap, err := f.store.LoadChatSnapshot(ctx, "chat-x")
	require.NoError(t, err)
	stored, _ := snap.UnreadFor("bob")
	assert.Equal(t, stored, live, "live counter matches a rebuild from storage")

	restarted := unread.New(f.store, f.store, session.NewRegistry(), chat.NewClock(nil))
	rebuilt, err := restarted.Count(ctx, "chat-x", "bob")
	require.NoError(t, err)
	assert.Equal(t, live, rebuilt)

	marker, ok := f.store.ReadMarker("chat-x", "bob")
	require.True(t, ok)
	require.Len(t, snap.Messages, 2)
	for _, m := range snap.Messages {
		assert.Equal(t, !m.CreatedAt.After(marker), m.IsReadBy("bob"), m.Text)
	}
}
