package ws

import (
	"go.uber.org/zap"

	"github.com/whisper/anonyconnect/internal/protocol"
)

// MessageHandler handles one decoded client frame. msg is the concrete struct
// returned by protocol.ParseClientMessage.
type MessageHandler func(c *Connection, msg any)

// Sender writes frames to connections by ID.
type Sender interface {
	Send(connID string, data []byte) error
}

// MessageDispatcher routes client frames to handlers by type. Pings are
// answered here.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	sender   Sender
	logger   *zap.Logger
}

func NewMessageDispatcher(sender Sender, logger *zap.Logger) *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		sender:   sender,
		logger:   logger.Named("ws"),
	}
}

// Register sets the handler for msgType, replacing any previous one.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the Server.OnMessage callback.
func (d *MessageDispatcher) Dispatch(c *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		d.logger.Debug("parse error", zap.String("conn_id", c.ID), zap.Error(err))
		d.reply(c, protocol.ErrorFrame("parse_error", "invalid message format"))
		return
	}

	if msgType == protocol.TypePing {
		c.Touch()
		d.reply(c, protocol.MustServerMessage(protocol.TypePong, protocol.PongMsg{}))
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		d.reply(c, protocol.ErrorFrame("unsupported_type", "unsupported message type"))
		return
	}
	handler(c, msg)
}

func (d *MessageDispatcher) reply(c *Connection, data []byte) {
	if err := d.sender.Send(c.ID, data); err != nil {
		d.logger.Debug("reply failed", zap.String("conn_id", c.ID), zap.Error(err))
	}
}
