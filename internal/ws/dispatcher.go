package ws

import (
	"errors"
	"log/slog"

	"github.com/whisper/groupchat/internal/protocol"
)

// MessageHandler handles one parsed client message. msg is the pointer
// returned by protocol.ParseClientMessage.
type MessageHandler func(conn *Connection, msgType string, msg interface{})

// MessageDispatcher routes parsed client messages to handlers by type. It
// answers ping itself and reports malformed or unsupported frames to the
// sender.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	server   *Server
	log      *slog.Logger
}

func NewMessageDispatcher(server *Server, log *slog.Logger) *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		server:   server,
		log:      log,
	}
}

// SetServer assigns the server after construction, since NewServer needs
// Dispatch as its callback.
func (d *MessageDispatcher) SetServer(server *Server) {
	d.server = server
}

// Register associates handler with each of the given message types.
func (d *MessageDispatcher) Register(handler MessageHandler, msgTypes ...string) {
	for _, t := range msgTypes {
		d.handlers[t] = handler
	}
}

// Dispatch is the server's onMessage callback.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		d.log.Debug("ws: dispatch parse error", "session", conn.ID, "type", msgType, "error", err)
		if errors.Is(err, protocol.ErrUnknownType) {
			d.send(conn, protocol.TypeError, protocol.ErrorMsg{Code: "unsupported_type", Message: "unsupported message type"})
			return
		}
		d.send(conn, protocol.TypeError, protocol.ErrorMsg{Code: protocol.CodeInvalidPayload, Message: "invalid message format"})
		return
	}

	if msgType == protocol.TypePing {
		conn.Touch()
		d.send(conn, protocol.TypePong, protocol.PongMsg{})
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		d.send(conn, protocol.TypeError, protocol.ErrorMsg{Code: "unsupported_type", Message: "unsupported message type"})
		return
	}
	handler(conn, msgType, msg)
}

func (d *MessageDispatcher) send(conn *Connection, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		d.log.Error("ws: encode reply failed", "session", conn.ID, "type", msgType, "error", err)
		return
	}
	if d.server != nil {
		err = d.server.send(conn, data)
	} else {
		err = conn.Send(data)
	}
	if err != nil {
		d.log.Debug("ws: reply failed", "session", conn.ID, "type", msgType, "error", err)
	}
}
