package ws

import (
	"net"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Yug2op/SkillExchange-sub001/internal/chat"
	"github.com/Yug2op/SkillExchange-sub001/internal/session"
)

func TestSendOverflowEvictsWithoutBlocking(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	evicted := make(chan string, 1)
	c := newConnection(server, "alice", 1, 0, func(_ *Connection, reason string) {
		evicted <- reason
	})
	defer c.Close()

	// No writer is draining the queue.
	require.NoError(t, c.Send([]byte(`{"type":"pong"}`)))
	err := c.Send([]byte(`{"type":"pong"}`))
	assert.ErrorIs(t, err, chat.ErrUnresponsive)

	select {
	case reason := <-evicted:
		assert.Equal(t, "unresponsive", reason)
	case <-time.After(time.Second):
		t.Fatal("connection was not evicted")
	}
}

func TestSendAfterCloseFails(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	c := newConnection(server, "alice", 4, 0, nil)

	assert.True(t, c.Close())
	assert.False(t, c.Close(), "second close is a no-op")
	assert.True(t, c.Closed())
	assert.ErrorIs(t, c.Send([]byte("x")), session.ErrConnectionClosed)
}

func TestWriteLoopDeliversFramesInOrder(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	c := newConnection(server, "alice", 8, time.Second, nil)
	defer c.Close()
	go c.writeLoop()

	require.NoError(t, c.Send([]byte("first")))
	require.NoError(t, c.Send([]byte("second")))

	for _, want := range []string{"first", "second"} {
		_ = client.SetReadDeadline(time.Now().Add(time.Second))
		data, op, err := wsutil.ReadServerData(client)
		require.NoError(t, err)
		assert.Equal(t, ws.OpText, op)
		assert.Equal(t, want, string(data))
	}
}

func TestWriteFailureEvicts(t *testing.T) {
	server, client := net.Pipe()
	evicted := make(chan string, 1)
	c := newConnection(server, "alice", 8, time.Second, func(_ *Connection, reason string) {
		evicted <- reason
	})
	defer c.Close()
	go c.writeLoop()

	client.Close()
	require.NoError(t, c.Send([]byte("lost")))

	select {
	case reason := <-evicted:
		assert.Equal(t, "error", reason)
	case <-time.After(time.Second):
		t.Fatal("connection was not evicted")
	}
}

func TestConnectionManagerIndexes(t *testing.T) {
	cm := NewConnectionManager()
	server, client := net.Pipe()
	defer client.Close()
	c := newConnection(server, "alice", 1, 0, nil)
	c.bind("conn-1")

	cm.Add(c)
	assert.Same(t, c, cm.Get("conn-1"))
	assert.Same(t, c, cm.GetByConn(server))
	assert.Equal(t, 1, cm.Count())
	assert.Len(t, cm.All(), 1)

	assert.True(t, cm.Remove(c))
	assert.False(t, cm.Remove(c))
	assert.Nil(t, cm.Get("conn-1"))
	assert.Zero(t, cm.Count())
}
