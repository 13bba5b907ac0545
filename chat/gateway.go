package chat

import (
	"context"
	"errors"
	"fmt"

	"github.com/bustart/chatsync/request"
	"github.com/bustart/chatsync/ws"
)

// ErrNotConnected is returned by gateway calls issued while no connection is
// open. The caller surfaces it as a diagnostic and the optimistic local state
// stands.
var ErrNotConnected = errors.New("not connected to gateway")

// ConnSource yields the currently open connection, or nil.
type ConnSource interface {
	Conn() *ws.Conn
}

// Frame is the outbound wire envelope: a command name plus its payload.
type Frame struct {
	Type    ActionType `json:"type"`
	Payload any        `json:"payload"`
}

// SendMessagePayload carries an optimistic message to the gateway.
type SendMessagePayload struct {
	Message        Message `json:"message"`
	DeactivePeerID string  `json:"deactivePeerId,omitempty"`
}

// QueryMessagesPayload asks for one history page; the reply references RequestID.
type QueryMessagesPayload struct {
	RequestID request.ID `json:"requestId"`
	RoomID    string     `json:"roomId"`
	Page      int        `json:"page"`
	Lte       int64      `json:"lte"`
	Gte       int64      `json:"gte"`
}

// ReadMetaPayload propagates a user's read cursor.
type ReadMetaPayload struct {
	RoomID    string `json:"roomId"`
	UserID    string `json:"userId"`
	ReadCount int    `json:"readCount"`
	UpTo      int64  `json:"messageCreatedDate"`
}

// WSGateway implements Gateway by writing frames on the session's live
// connection.
type WSGateway struct {
	conns ConnSource
}

func NewWSGateway(conns ConnSource) *WSGateway {
	return &WSGateway{conns: conns}
}

func (g *WSGateway) SendMessage(ctx context.Context, message Message, deactivePeerID string) error {
	return g.send(ctx, ActionSendMessage, SendMessagePayload{
		Message:        message,
		DeactivePeerID: deactivePeerID,
	})
}

func (g *WSGateway) QueryRoomMessages(ctx context.Context, id request.ID, roomID string, page int, lte, gte int64) error {
	return g.send(ctx, ActionQueryMessages, QueryMessagesPayload{
		RequestID: id,
		RoomID:    roomID,
		Page:      page,
		Lte:       lte,
		Gte:       gte,
	})
}

func (g *WSGateway) UpdateReadMeta(ctx context.Context, roomID, userID string, readCount int, upTo int64) error {
	return g.send(ctx, ActionMarkRead, ReadMetaPayload{
		RoomID:    roomID,
		UserID:    userID,
		ReadCount: readCount,
		UpTo:      upTo,
	})
}

func (g *WSGateway) send(ctx context.Context, typ ActionType, payload any) error {
	conn := g.conns.Conn()
	if conn == nil {
		return ErrNotConnected
	}
	if err := conn.Send(ctx, Frame{Type: typ, Payload: payload}); err != nil {
		return fmt.Errorf("send %s: %w", typ, err)
	}
	return nil
}
