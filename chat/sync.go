package chat

import (
	"log/slog"
	"time"
)

// Synchronizer merges inbound message batches into the store. History pages
// and live batches follow different counting rules: history pages are already
// counted server-side and never notify, while live batches recount unread
// messages and may fire the notification trigger.
type Synchronizer struct {
	store    *Store
	notifier Notifier
	logger   *slog.Logger
	now      func() int64
}

type SynchronizerOption func(*Synchronizer)

func WithSynchronizerLogger(logger *slog.Logger) SynchronizerOption {
	return func(s *Synchronizer) {
		s.logger = logger
	}
}

// WithClock overrides the timestamp source for optimistic message creation.
func WithClock(now func() int64) SynchronizerOption {
	return func(s *Synchronizer) {
		s.now = now
	}
}

func NewSynchronizer(store *Store, notifier Notifier, opts ...SynchronizerOption) *Synchronizer {
	s := &Synchronizer{
		store:    store,
		notifier: notifier,
		logger:   slog.Default(),
		now:      func() int64 { return time.Now().UnixMilli() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddRoomMessages ingests a history page: the batch is merged into the room's
// store as-is. Counts are not recomputed and no notification fires.
func (s *Synchronizer) AddRoomMessages(roomID string, messages map[string]Message) {
	if len(messages) == 0 {
		return
	}
	batch := make([]Message, 0, len(messages))
	for id, message := range messages {
		if message.ID == "" {
			message.ID = id
		}
		batch = append(batch, message)
	}
	s.store.PutMessages(roomID, batch...)
	s.logger.Debug("history page merged",
		slog.String("room.id", roomID), slog.Int("count", len(batch)))
}

// AddRoomNewMessages ingests a live batch for one room: merge, recount,
// refresh the last-message summary, and notify once if the room is not the
// one currently displayed.
//
// Only messages authored by other users increment the unread counter; the
// current user's own messages were counted optimistically at creation time.
// The summary comes from the batch maximum CreatedAt; on a tie the latest
// element in arrival order wins.
func (s *Synchronizer) AddRoomNewMessages(roomID, selfID string, messages []Message) {
	if len(messages) == 0 {
		return
	}
	s.store.PutMessages(roomID, messages...)

	others := 0
	last := messages[0]
	for _, message := range messages {
		if message.OwnerID != selfID {
			others++
		}
		if message.CreatedAt >= last.CreatedAt {
			last = message
		}
	}

	s.store.IncrMessageCount(roomID, others)
	s.store.SetLastMessage(roomID, MessageSummary{
		CreatedAt: last.CreatedAt,
		OwnerID:   last.OwnerID,
		Text:      last.Text,
	})

	if !s.store.IsRoomActive(roomID) {
		s.notifier.Notify(roomID)
	}
}

// CreateMessage synthesizes an optimistic local message: inserted with the
// loading flag set and self-counted immediately, before any network call.
// The acknowledged server copy later replaces it by id.
func (s *Synchronizer) CreateMessage(roomID, selfID, messageID, text string) Message {
	now := s.now()
	message := Message{
		ID:        messageID,
		RoomID:    roomID,
		OwnerID:   selfID,
		Text:      text,
		CreatedAt: now,
		UpdatedAt: now,
		Loading:   true,
	}
	s.store.PutMessages(roomID, message)
	s.store.IncrMessageCount(roomID, 1)
	return message
}
