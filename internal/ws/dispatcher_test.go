package ws

import (
	"encoding/json"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Yug2op/SkillExchange-sub001/internal/protocol"
)

func newQueuedConnection(t *testing.T) *Connection {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() { client.Close() })
	c := newConnection(server, "alice", 8, 0, nil)
	c.bind("conn-1")
	t.Cleanup(func() { c.Close() })
	return c
}

func queued(t *testing.T, c *Connection) map[string]interface{} {
	t.Helper()
	select {
	case data := <-c.send:
		var body map[string]interface{}
		require.NoError(t, json.Unmarshal(data, &body))
		return body
	default:
		t.Fatal("nothing queued")
		return nil
	}
}

func TestDispatchRoutesByType(t *testing.T) {
	d := NewMessageDispatcher()
	var got interface{}
	d.Register(protocol.TypeJoinChat, func(_ *Connection, msg interface{}) { got = msg })

	c := newQueuedConnection(t)
	d.Dispatch(c, []byte(`{"type":"join-chat","chatId":"chat-x"}`))

	require.IsType(t, protocol.JoinChatMsg{}, got)
	assert.Equal(t, "chat-x", got.(protocol.JoinChatMsg).ChatID)
	assert.Empty(t, c.send)
}

func TestDispatchAnswersPing(t *testing.T) {
	d := NewMessageDispatcher()
	c := newQueuedConnection(t)

	d.Dispatch(c, []byte(`{"type":"ping"}`))
	assert.Equal(t, protocol.TypePong, queued(t, c)["type"])
}

func TestDispatchRejectsMalformedAndUnknown(t *testing.T) {
	d := NewMessageDispatcher()
	c := newQueuedConnection(t)

	d.Dispatch(c, []byte(`not json`))
	reply := queued(t, c)
	assert.Equal(t, protocol.TypeError, reply["type"])
	assert.Equal(t, "INVALID_MESSAGE", reply["code"])

	d.Dispatch(c, []byte(`{"type":"mark-read","chatId":"chat-x"}`))
	reply = queued(t, c)
	assert.Equal(t, "unsupported message type", reply["message"])
}
