package chat

import (
	"fmt"
	"log/slog"
)

// ReadReceipts applies a user's read cursor to the local store. The local
// write is authoritative; propagating it to the gateway is the dispatcher's
// job and a network failure there is surfaced as a diagnostic only.
type ReadReceipts struct {
	store  *Store
	logger *slog.Logger
}

func NewReadReceipts(store *Store, logger *slog.Logger) *ReadReceipts {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReadReceipts{store: store, logger: logger}
}

// Apply writes the cursor locally. A monotonicity violation is returned
// unchanged so it surfaces as a logic error instead of being clamped.
func (r *ReadReceipts) Apply(roomID, userID string, readCount int, upTo int64) error {
	meta := ReadMeta{ReadCount: readCount, LastReadAt: upTo}
	if err := r.store.SetReadMeta(roomID, userID, meta); err != nil {
		return fmt.Errorf("SetReadMeta: %w", err)
	}
	r.logger.Debug("read cursor advanced",
		slog.String("room.id", roomID),
		slog.String("user.id", userID),
		slog.Int("read.count", readCount))
	return nil
}
