package chat

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrReadMetaRegression is returned when a read-cursor write would move the
// cursor backwards. The store never clamps; callers are expected to enforce
// monotonicity, so a regression is a logic error worth surfacing.
var ErrReadMetaRegression = errors.New("read meta regression")

// Store holds the shared room/message state. All writes happen on the
// dispatcher goroutine, one event at a time; reads may come from any
// goroutine, so access is guarded by a RWMutex. Returned values are copies.
type Store struct {
	mu           sync.RWMutex
	rooms        map[string]*Room
	messages     map[string]map[string]Message
	readMeta     map[string]map[string]ReadMeta
	activeRoomID string
}

func NewStore() *Store {
	return &Store{
		rooms:    make(map[string]*Room),
		messages: make(map[string]map[string]Message),
		readMeta: make(map[string]map[string]ReadMeta),
	}
}

// PutRoom merges a room received from the gateway. Client-side flags
// (activation, pagination exhaustion) on an existing entry survive the merge.
// A zero MessageCount or nil LastMessage on the incoming room means the field
// was absent from the payload, not a reset: the wire only ever carries these
// as running values, so the existing values are kept.
func (s *Store) PutRoom(room Room) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putRoom(room)
}

// PutRooms merges a batch of rooms keyed by id.
func (s *Store) PutRooms(rooms map[string]Room) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, room := range rooms {
		if room.ID == "" {
			room.ID = id
		}
		s.putRoom(room)
	}
}

func (s *Store) putRoom(room Room) {
	existing, ok := s.rooms[room.ID]
	if ok {
		room.Active = existing.Active
		room.NoMoreOld = existing.NoMoreOld
		room.NoMoreNew = existing.NoMoreNew
		if room.MessageCount == 0 {
			room.MessageCount = existing.MessageCount
		}
		if room.LastMessage == nil {
			room.LastMessage = existing.LastMessage
		}
	}
	s.rooms[room.ID] = &room
}

// Room returns a copy of the room.
func (s *Store) Room(roomID string) (Room, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return Room{}, false
	}
	return *room, true
}

// Rooms returns copies of all known rooms.
func (s *Store) Rooms() []Room {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rooms := make([]Room, 0, len(s.rooms))
	for _, room := range s.rooms {
		rooms = append(rooms, *room)
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].ID < rooms[j].ID })
	return rooms
}

// SetActiveRoom deactivates every room and activates roomID. An unknown room
// id creates a stub entry so activation ahead of room metadata is not lost.
func (s *Store) SetActiveRoom(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, room := range s.rooms {
		room.Active = false
	}
	room := s.room(roomID)
	room.Active = true
	s.activeRoomID = roomID
}

// ActiveRoomID returns the id of the currently displayed room, or "".
func (s *Store) ActiveRoomID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeRoomID
}

// IsRoomActive reports whether roomID is the currently displayed room.
func (s *Store) IsRoomActive(roomID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeRoomID == roomID && roomID != ""
}

// PutMessages merges messages into a room's store by message id. A server
// copy overwrites an optimistic local copy with the same id, clearing its
// loading flag without duplicating the message.
func (s *Store) PutMessages(roomID string, messages ...Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.room(roomID)
	byID, ok := s.messages[roomID]
	if !ok {
		byID = make(map[string]Message, len(messages))
		s.messages[roomID] = byID
	}
	for _, message := range messages {
		if message.RoomID == "" {
			message.RoomID = roomID
		}
		byID[message.ID] = message
	}
}

// Messages returns the room's messages most recent first. Equal timestamps
// order by id so the result is deterministic.
func (s *Store) Messages(roomID string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byID := s.messages[roomID]
	messages := make([]Message, 0, len(byID))
	for _, message := range byID {
		messages = append(messages, message)
	}
	sort.Slice(messages, func(i, j int) bool {
		if messages[i].CreatedAt != messages[j].CreatedAt {
			return messages[i].CreatedAt > messages[j].CreatedAt
		}
		return messages[i].ID > messages[j].ID
	})
	return messages
}

// Message returns a single message by id.
func (s *Store) Message(roomID, messageID string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	message, ok := s.messages[roomID][messageID]
	return message, ok
}

// IncrMessageCount adds delta to the room's unread message counter.
func (s *Store) IncrMessageCount(roomID string, delta int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.room(roomID).MessageCount += delta
}

// MessageCount returns the room's unread message counter.
func (s *Store) MessageCount(roomID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if room, ok := s.rooms[roomID]; ok {
		return room.MessageCount
	}
	return 0
}

// SetLastMessage records the room's last-message summary.
func (s *Store) SetLastMessage(roomID string, summary MessageSummary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.room(roomID).LastMessage = &summary
}

// LastMessage returns the room's last-message summary.
func (s *Store) LastMessage(roomID string) (MessageSummary, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	room, ok := s.rooms[roomID]
	if !ok || room.LastMessage == nil {
		return MessageSummary{}, false
	}
	return *room.LastMessage, true
}

// SetNoMoreMessages marks the room's pagination cursor in the given direction
// as exhausted.
func (s *Store) SetNoMoreMessages(roomID string, direction Direction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	room := s.room(roomID)
	switch direction {
	case DirectionOld:
		room.NoMoreOld = true
	case DirectionNew:
		room.NoMoreNew = true
	default:
		return fmt.Errorf("%w: %q", ErrInvalidDirection, direction)
	}
	return nil
}

// NoMoreMessages returns the room's pagination-exhaustion flags.
func (s *Store) NoMoreMessages(roomID string) (old, new bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if room, ok := s.rooms[roomID]; ok {
		return room.NoMoreOld, room.NoMoreNew
	}
	return false, false
}

// DeactivePeer returns the first dormant peer of the room other than selfID,
// or "" if every peer is active.
func (s *Store) DeactivePeer(roomID, selfID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return ""
	}
	for _, peer := range room.DeactivePeers {
		if peer != selfID {
			return peer
		}
	}
	return ""
}

// SetPeerActive removes a peer from the room's dormant list.
func (s *Store) SetPeerActive(roomID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return
	}
	peers := room.DeactivePeers[:0]
	for _, peer := range room.DeactivePeers {
		if peer != userID {
			peers = append(peers, peer)
		}
	}
	room.DeactivePeers = peers
}

// SetReadMeta writes a user's read cursor for a room. A write that would
// decrease either the read count or the timestamp is rejected with
// ErrReadMetaRegression and leaves the entry unchanged.
func (s *Store) SetReadMeta(roomID, userID string, meta ReadMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byUser, ok := s.readMeta[roomID]
	if !ok {
		byUser = make(map[string]ReadMeta)
		s.readMeta[roomID] = byUser
	}
	if current, ok := byUser[userID]; ok {
		if meta.ReadCount < current.ReadCount || meta.LastReadAt < current.LastReadAt {
			return fmt.Errorf("%w: room %s user %s", ErrReadMetaRegression, roomID, userID)
		}
	}
	byUser[userID] = meta
	return nil
}

// ReadMeta returns a user's read cursor for a room.
func (s *Store) ReadMeta(roomID, userID string) (ReadMeta, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	meta, ok := s.readMeta[roomID][userID]
	return meta, ok
}

// room returns the entry for roomID, creating a stub if absent.
// Callers must hold the write lock.
func (s *Store) room(roomID string) *Room {
	room, ok := s.rooms[roomID]
	if !ok {
		room = &Room{ID: roomID}
		s.rooms[roomID] = room
	}
	return room
}
