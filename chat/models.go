// Package chat implements the client-side chat synchronization core: an
// in-memory room/message store, a message synchronizer, a read-receipt
// coordinator, a notification trigger, an ordered action dispatcher, and the
// session supervisor that owns the gateway connection.
package chat

import "errors"

// Direction identifies which end of a room's history a pagination cursor
// points at.
type Direction string

const (
	DirectionOld Direction = "old"
	DirectionNew Direction = "new"
)

var ErrInvalidDirection = errors.New("invalid pagination direction")

// Message is a chat message. Loading marks an optimistic local copy that has
// not been acknowledged by the gateway yet; the acknowledged server copy
// replaces it by id. Timestamps are unix milliseconds; display order is
// CreatedAt descending.
type Message struct {
	ID        string `json:"objectId"`
	RoomID    string `json:"roomId"`
	OwnerID   string `json:"ownerUserId"`
	Text      string `json:"text"`
	CreatedAt int64  `json:"createdDate"`
	UpdatedAt int64  `json:"updatedDate"`
	Loading   bool   `json:"loading,omitempty"`
}

// MessageSummary is the per-room "last message" digest shown in room lists.
type MessageSummary struct {
	CreatedAt int64  `json:"createdDate"`
	OwnerID   string `json:"ownerId"`
	Text      string `json:"text"`
}

// Room is a conversation context. Active, MessageCount, LastMessage and the
// pagination-exhaustion flags are client-side state maintained by the
// synchronizer and activation transitions; Members and DeactivePeers arrive
// from the gateway.
type Room struct {
	ID      string   `json:"objectId"`
	Members []string `json:"members"`
	// DeactivePeers lists dormant participants of a one-to-one room.
	// Sending a message to the room reactivates such a peer.
	DeactivePeers []string        `json:"deactivePeers"`
	Active        bool            `json:"-"`
	MessageCount  int             `json:"messageCount"`
	LastMessage   *MessageSummary `json:"lastMessage,omitempty"`
	NoMoreOld     bool            `json:"-"`
	NoMoreNew     bool            `json:"-"`
}

// ReadMeta is a user's read cursor in a room. Writes are monotonic: the store
// rejects any update that would move either field backwards.
type ReadMeta struct {
	ReadCount  int   `json:"readCount"`
	LastReadAt int64 `json:"lastReadMessageTimestamp"`
}
