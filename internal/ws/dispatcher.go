package ws

import (
	"github.com/Yug2op/SkillExchange-sub001/internal/chat"
	"github.com/Yug2op/SkillExchange-sub001/internal/log"
	"github.com/Yug2op/SkillExchange-sub001/internal/protocol"
)

// MessageHandler is the callback signature for handling a parsed client
// event. msg is the concrete struct returned by protocol.ParseClientMessage
// (e.g. protocol.JoinChatMsg, protocol.SendMessageMsg).
type MessageHandler func(conn *Connection, msg interface{})

// MessageDispatcher routes incoming frames to registered handlers by event
// type. Ping is answered internally; malformed or unsupported events get an
// error reply.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
}

// NewMessageDispatcher creates an empty MessageDispatcher.
func NewMessageDispatcher() *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
	}
}

// Register associates a handler with an event type, replacing any previous one.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the onMessage callback implementation.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	logger := log.WithConnection("ws", conn.ID(), conn.UserID)

	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		logger.Debug().Err(err).Msg("dispatch parse error")
		d.sendError(conn, chat.CodeInvalidMessage, "invalid message format")
		return
	}

	if msgType == protocol.TypePing {
		d.sendPong(conn)
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		logger.Debug().Str("type", msgType).Msg("unsupported message type")
		d.sendError(conn, chat.CodeInvalidMessage, "unsupported message type")
		return
	}

	handler(conn, msg)
}

func (d *MessageDispatcher) sendError(conn *Connection, code chat.ErrorCode, message string) {
	data, err := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
		Code:    string(code),
		Message: message,
	})
	if err != nil {
		return
	}
	_ = conn.Send(data)
}

func (d *MessageDispatcher) sendPong(conn *Connection) {
	_ = conn.Send(protocol.MustServerMessage(protocol.TypePong, protocol.PongMsg{}))
}
