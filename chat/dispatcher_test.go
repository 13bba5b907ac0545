package chat

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bustart/chatsync/request"
)

func TestDispatcherSendMessage(t *testing.T) {
	t.Run("optimistic insert precedes the network call", func(t *testing.T) {
		f := newFixture(t)

		f.apply(SendMessage{RoomID: "r1", Text: "hello", MessageID: "m1"})

		// Visible locally before the forked network call is joined.
		message, ok := f.store.Message("r1", "m1")
		require.True(t, ok)
		assert.True(t, message.Loading)
		assert.Equal(t, 1, f.store.MessageCount("r1"))

		f.settle()
		sent := f.gateway.sentMessages()
		require.Len(t, sent, 1)
		assert.Equal(t, "m1", sent[0].message.ID)
	})

	t.Run("sending reactivates a dormant peer", func(t *testing.T) {
		f := newFixture(t)
		f.store.PutRoom(Room{ID: "r1", DeactivePeers: []string{"u2"}})

		f.apply(SendMessage{RoomID: "r1", Text: "hi", MessageID: "m1"})
		f.settle()

		assert.Equal(t, "", f.store.DeactivePeer("r1", "u1"))
		sent := f.gateway.sentMessages()
		require.Len(t, sent, 1)
		assert.Equal(t, "u2", sent[0].deactivePeerID)
	})

	t.Run("network failure is a diagnostic, local state stands", func(t *testing.T) {
		f := newFixture(t)
		f.gateway.sendErr = errors.New("gateway down")

		f.apply(SendMessage{RoomID: "r1", Text: "hi", MessageID: "m1"})
		f.settle()

		_, ok := f.store.Message("r1", "m1")
		assert.True(t, ok)
		assert.True(t, hasDiag(f.drainDiags(), "network create failed"))
	})

	t.Run("signed out", func(t *testing.T) {
		f := newFixture(t)
		f.selfID = ""

		f.apply(SendMessage{RoomID: "r1", Text: "hi"})

		assert.Empty(t, f.store.Messages("r1"))
		assert.True(t, hasDiag(f.drainDiags(), "no authenticated identity"))
	})

	t.Run("generates a message id when none is supplied", func(t *testing.T) {
		f := newFixture(t)
		f.apply(SendMessage{RoomID: "r1", Text: "hi"})
		messages := f.store.Messages("r1")
		require.Len(t, messages, 1)
		assert.Equal(t, "tok-1", messages[0].ID)
	})
}

func TestDispatcherMarkRead(t *testing.T) {
	t.Run("local write then network propagation", func(t *testing.T) {
		f := newFixture(t)

		f.apply(MarkRead{RoomID: "r1", ReadCount: 5, UpTo: 900})
		f.settle()

		meta, ok := f.store.ReadMeta("r1", "u1")
		require.True(t, ok)
		assert.Equal(t, 5, meta.ReadCount)

		sent := f.gateway.sentReadMetas()
		require.Len(t, sent, 1)
		assert.Equal(t, sentReadMeta{roomID: "r1", userID: "u1", readCount: 5, upTo: 900}, sent[0])
	})

	t.Run("regression surfaces as a diagnostic and is not sent", func(t *testing.T) {
		f := newFixture(t)
		f.apply(MarkRead{RoomID: "r1", ReadCount: 5, UpTo: 900})
		f.settle()
		f.drainDiags()

		f.apply(MarkRead{RoomID: "r1", ReadCount: 3, UpTo: 900})
		f.settle()

		assert.True(t, hasDiag(f.drainDiags(), "read meta regression"))
		meta, _ := f.store.ReadMeta("r1", "u1")
		assert.Equal(t, 5, meta.ReadCount)
		assert.Len(t, f.gateway.sentReadMetas(), 1)
	})

	t.Run("network failure leaves the local write authoritative", func(t *testing.T) {
		f := newFixture(t)
		f.gateway.readErr = errors.New("gateway down")

		f.apply(MarkRead{RoomID: "r1", ReadCount: 5, UpTo: 900})
		f.settle()

		meta, ok := f.store.ReadMeta("r1", "u1")
		require.True(t, ok)
		assert.Equal(t, 5, meta.ReadCount)
		assert.True(t, hasDiag(f.drainDiags(), "network update failed"))
	})
}

func TestDispatcherQueryMessages(t *testing.T) {
	t.Run("registers a pending request and calls the gateway", func(t *testing.T) {
		f := newFixture(t)

		f.apply(QueryMessages{Kind: request.QueryOldMessages, RoomID: "r1", Page: 2, Lte: 900})
		f.settle()

		queries := f.gateway.sentQueries()
		require.Len(t, queries, 1)
		assert.Equal(t, request.ID("QueryOldMessages:r1"), queries[0].id)
		assert.Equal(t, 2, queries[0].page)
		assert.True(t, f.correlator.Pending("QueryOldMessages:r1"))
	})

	t.Run("a newer query supersedes the outstanding one", func(t *testing.T) {
		f := newFixture(t)
		f.gateway.block = true

		f.apply(QueryMessages{Kind: request.QueryMessages, RoomID: "r1"})
		// Wait until the first call is actually parked in the gateway before
		// superseding it.
		<-f.gateway.entered
		f.apply(QueryMessages{Kind: request.QueryMessages, RoomID: "r1"})
		close(f.gateway.release)
		f.settle()

		queries := f.gateway.sentQueries()
		require.Len(t, queries, 2)
		// The first in-flight call was cancelled by the second.
		assert.True(t, queries[0].cancelled)
		assert.False(t, queries[1].cancelled)
		// Exactly one live pending entry remains.
		assert.Equal(t, 1, f.correlator.Len())
	})

	t.Run("transport failure clears bookkeeping, cursors untouched", func(t *testing.T) {
		f := newFixture(t)
		f.gateway.queryErr = errors.New("gateway down")

		f.apply(QueryMessages{Kind: request.QueryOldMessages, RoomID: "r1"})
		f.settle()

		assert.False(t, f.correlator.Pending("QueryOldMessages:r1"))
		old, new := f.store.NoMoreMessages("r1")
		assert.False(t, old)
		assert.False(t, new)
		assert.True(t, hasDiag(f.drainDiags(), "history fetch failed"))
	})
}

func TestDispatcherAddRoomMessages(t *testing.T) {
	t.Run("null reply marks old cursor exhausted", func(t *testing.T) {
		f := newFixture(t)
		id, err := f.correlator.Begin(request.QueryOldMessages, "r1")
		require.NoError(t, err)

		f.apply(AddRoomMessages{RequestID: id, RoomID: "r1"})

		old, _ := f.store.NoMoreMessages("r1")
		assert.True(t, old)
		assert.False(t, f.correlator.Pending(id))
	})

	t.Run("null reply in the new direction", func(t *testing.T) {
		f := newFixture(t)
		id, err := f.correlator.Begin(request.QueryNewMessages, "r1")
		require.NoError(t, err)

		f.apply(AddRoomMessages{RequestID: id, RoomID: "r1"})

		_, newDir := f.store.NoMoreMessages("r1")
		assert.True(t, newDir)
		assert.False(t, f.correlator.Pending(id))
	})

	t.Run("non-empty reply merges and acknowledges", func(t *testing.T) {
		f := newFixture(t)
		id, err := f.correlator.Begin(request.QueryOldMessages, "r1")
		require.NoError(t, err)

		f.apply(AddRoomMessages{RequestID: id, RoomID: "r1", Messages: map[string]Message{
			"m1": {OwnerID: "u2", CreatedAt: 100},
		}})
		f.settle()

		assert.Len(t, f.store.Messages("r1"), 1)
		assert.Equal(t, 0, f.store.MessageCount("r1"))
		assert.False(t, f.correlator.Pending(id))
		// History pages are written through to the cache.
		assert.Len(t, f.history.all(), 1)
	})

	t.Run("reply for an unknown request id is dropped", func(t *testing.T) {
		f := newFixture(t)

		f.apply(AddRoomMessages{RequestID: "QueryOldMessages:r1", RoomID: "r1", Messages: map[string]Message{
			"m1": {CreatedAt: 100},
		}})

		assert.Empty(t, f.store.Messages("r1"))
		assert.True(t, hasDiag(f.drainDiags(), "unknown request"))
	})

	t.Run("uncorrelated page merges without bookkeeping", func(t *testing.T) {
		f := newFixture(t)

		f.apply(AddRoomMessages{RoomID: "r1", Messages: map[string]Message{
			"m1": {CreatedAt: 100},
		}})

		assert.Len(t, f.store.Messages("r1"), 1)
	})
}

func TestDispatcherAddRoomNewMessages(t *testing.T) {
	t.Run("live batch counts, summarizes and notifies once", func(t *testing.T) {
		f := newFixture(t)

		f.apply(AddRoomNewMessages{RoomID: "r1", Messages: []Message{
			{ID: "m1", OwnerID: "u2", CreatedAt: 100},
			{ID: "m2", OwnerID: "u1", CreatedAt: 200, Text: "mine"},
		}})
		f.settle()

		assert.Equal(t, 1, f.store.MessageCount("r1"))
		last, ok := f.store.LastMessage("r1")
		require.True(t, ok)
		assert.Equal(t, "mine", last.Text)
		assert.Equal(t, 1, f.notifier.count("r1"))
		assert.Len(t, f.history.all(), 2)
	})

	t.Run("active room suppresses the notification", func(t *testing.T) {
		f := newFixture(t)
		f.apply(SetActiveRoom{RoomID: "r1"})
		f.settle()

		f.apply(AddRoomNewMessages{RoomID: "r1", Messages: []Message{
			{ID: "m1", OwnerID: "u2", CreatedAt: 100},
		}})

		assert.Equal(t, 0, f.notifier.count("r1"))
	})
}

func TestDispatcherSetActiveRoom(t *testing.T) {
	t.Run("activation warms the room from the history cache", func(t *testing.T) {
		f := newFixture(t)
		f.history.pages["r1"] = []Message{{ID: "m1", RoomID: "r1", CreatedAt: 100}}

		f.apply(SetActiveRoom{RoomID: "r1"})
		f.settle()

		// The cached page re-enters through the ordered path.
		select {
		case action := <-f.dispatcher.actions:
			page, ok := action.(AddRoomMessages)
			require.True(t, ok)
			f.apply(page)
		default:
			t.Fatal("expected a warm-up action on the queue")
		}

		assert.True(t, f.store.IsRoomActive("r1"))
		assert.Len(t, f.store.Messages("r1"), 1)
	})

	t.Run("empty cache queues nothing", func(t *testing.T) {
		f := newFixture(t)
		f.apply(SetActiveRoom{RoomID: "r1"})
		f.settle()
		assert.Empty(t, f.dispatcher.actions)
	})
}

func TestDispatcherRoomMetadata(t *testing.T) {
	f := newFixture(t)

	f.apply(SetRoomEntities{Rooms: map[string]Room{
		"r1": {Members: []string{"u1", "u2"}},
		"r2": {ID: "r2"},
	}})
	assert.Len(t, f.store.Rooms(), 2)

	f.apply(RoomActivated{Room: Room{ID: "r3", Members: []string{"u1", "u9"}}})
	room, ok := f.store.Room("r3")
	require.True(t, ok)
	assert.Equal(t, []string{"u1", "u9"}, room.Members)
}

func TestDispatcherRun(t *testing.T) {
	t.Run("drains queued actions in order", func(t *testing.T) {
		f := newFixture(t)
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			f.dispatcher.Run(ctx)
		}()

		f.dispatcher.Dispatch(SendMessage{RoomID: "r1", Text: "a", MessageID: "m1"})
		f.dispatcher.Dispatch(AddRoomNewMessages{RoomID: "r1", Messages: []Message{
			{ID: "m2", OwnerID: "u2", CreatedAt: 50},
		}})

		eventually(t, func() bool {
			return len(f.store.Messages("r1")) == 2
		}, "actions were not processed")

		cancel()
		<-done
	})

	t.Run("a panicking handler does not kill the loop", func(t *testing.T) {
		f := newFixture(t)
		// A nil notifier interface makes AddRoomNewMessages panic.
		f.syncer.notifier = nil

		f.apply(AddRoomNewMessages{RoomID: "r1", Messages: []Message{
			{ID: "m1", OwnerID: "u2", CreatedAt: 100},
		}})

		assert.True(t, hasDiag(f.drainDiags(), "panicked"))

		// The dispatcher still processes subsequent actions.
		f.syncer.notifier = f.notifier
		f.apply(SetActiveRoom{RoomID: "r1"})
		assert.True(t, f.store.IsRoomActive("r1"))
	})
}
