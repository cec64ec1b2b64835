package messaging

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Yug2op/SkillExchange-sub001/internal/chat"
)

type published struct {
	subject string
	data    []byte
}

type fakeConn struct {
	mu   sync.Mutex
	out  []published
	fail error
}

func (f *fakeConn) Publish(subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.out = append(f.out, published{subject: subject, data: data})
	return nil
}

func (f *fakeConn) Subscribe(string, nats.MsgHandler) (*nats.Subscription, error) {
	return nil, errors.New("not supported")
}

func (f *fakeConn) Drain() error { return nil }

func TestPublishMessageSubject(t *testing.T) {
	conn := &fakeConn{}
	c := NewClient(conn)

	at := time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)
	msg := chat.Message{ID: "m1", ChatID: "chat-x", SenderID: "alice", Text: "hi", CreatedAt: at}
	require.NoError(t, c.PublishMessage(msg))

	require.Len(t, conn.out, 1)
	assert.Equal(t, "chat.message.chat-x", conn.out[0].subject)

	var ev MessageEvent
	require.NoError(t, json.Unmarshal(conn.out[0].data, &ev))
	assert.Equal(t, "m1", ev.Message.ID)
	assert.True(t, ev.Message.CreatedAt.Equal(at))
}

func TestPublishReadAndPresence(t *testing.T) {
	conn := &fakeConn{}
	c := NewClient(conn)
	at := time.Now().UTC()

	require.NoError(t, c.PublishRead("chat-x", "bob", at))
	require.NoError(t, c.PublishPresence("bob", false, at))

	require.Len(t, conn.out, 2)
	assert.Equal(t, "chat.read.chat-x", conn.out[0].subject)
	assert.Equal(t, "chat.presence.bob", conn.out[1].subject)

	var pe PresenceEvent
	require.NoError(t, json.Unmarshal(conn.out[1].data, &pe))
	assert.Equal(t, "bob", pe.UserID)
	assert.False(t, pe.Online)
}

func TestPublishErrorIsWrapped(t *testing.T) {
	boom := errors.New("nats down")
	c := NewClient(&fakeConn{fail: boom})
	err := c.PublishRead("chat-x", "bob", time.Now())
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "chat.read.chat-x")
}

func TestSubscribeFailure(t *testing.T) {
	c := NewClient(&fakeConn{})
	err := c.Subscribe("chat.message.>", func(*nats.Msg) {})
	assert.Error(t, err)
}

func TestLiveRoundTrip(t *testing.T) {
	cfg := DefaultNATSConfig()
	cfg.MaxReconnects = 0
	c, err := NewNATSClient(cfg)
	if err != nil {
		t.Skipf("nats not available: %v", err)
	}
	defer c.Close()

	got := make(chan *nats.Msg, 1)
	require.NoError(t, c.Subscribe(SubjectMessage+".>", func(m *nats.Msg) { got <- m }))
	require.NoError(t, c.PublishMessage(chat.Message{ID: "m1", ChatID: "chat-live"}))

	select {
	case m := <-got:
		assert.Equal(t, "chat.message.chat-live", m.Subject)
	case <-time.After(2 * time.Second):
		t.Fatal("message not received")
	}
}
