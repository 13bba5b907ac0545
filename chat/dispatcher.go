package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/bustart/chatsync/request"
)

// Gateway is the narrow outbound interface to the chat server. Replies do not
// come back through these calls; they arrive later as dispatch events carrying
// the request id.
type Gateway interface {
	// SendMessage delivers a locally created message. deactivePeerID names
	// the dormant peer being reactivated by this send, or "".
	SendMessage(ctx context.Context, message Message, deactivePeerID string) error
	// QueryRoomMessages requests one history page; the reply will reference id.
	QueryRoomMessages(ctx context.Context, id request.ID, roomID string, page int, lte, gte int64) error
	// UpdateReadMeta propagates a read cursor.
	UpdateReadMeta(ctx context.Context, roomID, userID string, readCount int, upTo int64) error
}

// History is an optional local message cache written through on merges and
// read to warm a room when it is activated.
type History interface {
	Put(ctx context.Context, messages []Message) error
	Recent(ctx context.Context, roomID string, limit int) ([]Message, error)
}

// Identity resolves the authenticated user id, or "" when signed out.
type Identity func() string

const warmPageSize = 50

// Dispatcher processes actions strictly in arrival order on a single
// goroutine. Remote dispatch commands and local commands share this path, so
// two mutations of the same room can never race and the store needs no
// per-operation coordination beyond its mutex for outside readers.
//
// Network calls are forked off the ordered path with a per-action-type
// supersede discipline: a new call of a given type cancels the still-running
// call of that type, and a superseded query's pending entry is failed so its
// late reply is dropped as unknown.
type Dispatcher struct {
	store      *Store
	syncer     *Synchronizer
	reads      *ReadReceipts
	correlator *request.Correlator
	gateway    Gateway
	history    History
	identity   Identity
	diags      *Diagnostics
	logger     *slog.Logger

	actions  chan Action
	latest   *superseder
	newToken func() string

	// lastQuery remembers the live query id per request type so a newer
	// query can supersede it before beginning its own entry.
	lastQuery map[request.Type]request.ID
}

type DispatcherOption func(*Dispatcher)

func WithHistory(history History) DispatcherOption {
	return func(d *Dispatcher) {
		d.history = history
	}
}

func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

func WithActionBuffer(n int) DispatcherOption {
	return func(d *Dispatcher) {
		d.actions = make(chan Action, n)
	}
}

func withTokenSource(f func() string) DispatcherOption {
	return func(d *Dispatcher) {
		d.newToken = f
	}
}

func NewDispatcher(
	store *Store,
	synchronizer *Synchronizer,
	reads *ReadReceipts,
	correlator *request.Correlator,
	gateway Gateway,
	identity Identity,
	diags *Diagnostics,
	opts ...DispatcherOption,
) *Dispatcher {
	d := &Dispatcher{
		store:      store,
		syncer:     synchronizer,
		reads:      reads,
		correlator: correlator,
		gateway:    gateway,
		identity:   identity,
		diags:      diags,
		logger:     slog.Default(),
		actions:    make(chan Action, 64),
		latest:     newSuperseder(),
		newToken:   func() string { return uuid.New().String() },
		lastQuery:  make(map[request.Type]request.ID),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch queues an action for ordered processing. When the dispatcher is
// not draining (stopped, or hopelessly behind) the action is dropped with a
// diagnostic rather than blocking the caller.
func (d *Dispatcher) Dispatch(action Action) {
	select {
	case d.actions <- action:
	default:
		d.diags.Emit("dispatcher", "action %s dropped: queue full", action.Type())
	}
}

// Run drains the action queue until ctx is cancelled, then waits for forked
// handlers to finish.
func (d *Dispatcher) Run(ctx context.Context) {
	defer d.latest.wait()
	for {
		select {
		case <-ctx.Done():
			d.latest.cancelAll()
			return
		case action := <-d.actions:
			d.process(ctx, action)
		}
	}
}

// process applies one action. Errors and panics become diagnostics; nothing
// here may terminate the loop.
func (d *Dispatcher) process(ctx context.Context, action Action) {
	defer func() {
		if r := recover(); r != nil {
			d.diags.Emit("dispatcher", "handler(%s) panicked: %v", action.Type(), r)
		}
	}()

	var err error
	switch a := action.(type) {
	case SendMessage:
		err = d.handleSendMessage(ctx, a)
	case MarkRead:
		err = d.handleMarkRead(ctx, a)
	case QueryMessages:
		err = d.handleQueryMessages(ctx, a)
	case SetActiveRoom:
		d.handleSetActiveRoom(ctx, a)
	case AddRoomMessages:
		d.handleAddRoomMessages(ctx, a)
	case AddRoomNewMessages:
		d.handleAddRoomNewMessages(ctx, a)
	case SetRoomEntities:
		d.store.PutRooms(a.Rooms)
	case RoomActivated:
		d.store.PutRoom(a.Room)
	default:
		d.diags.Emit("dispatcher", "unrecognized action %s", action.Type())
	}
	if err != nil {
		d.diags.Emit("dispatcher", "handler(%s): %v", action.Type(), err)
	}
}

func (d *Dispatcher) handleSendMessage(ctx context.Context, a SendMessage) error {
	selfID := d.identity()
	if selfID == "" {
		return fmt.Errorf("send message: no authenticated identity")
	}

	messageID := a.MessageID
	if messageID == "" {
		messageID = d.newToken()
	}

	// Optimistic insert and self-count happen before, and regardless of,
	// the network call.
	message := d.syncer.CreateMessage(a.RoomID, selfID, messageID, a.Text)

	peer := d.store.DeactivePeer(a.RoomID, selfID)
	if peer != "" {
		d.store.SetPeerActive(a.RoomID, peer)
	}

	d.latest.do(ctx, ActionSendMessage, func(hctx context.Context) {
		if err := d.gateway.SendMessage(hctx, message, peer); err != nil {
			d.diags.Emit("sendMessage", "network create failed: %v", err)
		}
	})
	return nil
}

func (d *Dispatcher) handleMarkRead(ctx context.Context, a MarkRead) error {
	selfID := d.identity()
	if selfID == "" {
		return fmt.Errorf("mark read: no authenticated identity")
	}

	// Local write first; it stays authoritative even if the network update
	// fails below.
	if err := d.reads.Apply(a.RoomID, selfID, a.ReadCount, a.UpTo); err != nil {
		return err
	}

	d.latest.do(ctx, ActionMarkRead, func(hctx context.Context) {
		if err := d.gateway.UpdateReadMeta(hctx, a.RoomID, selfID, a.ReadCount, a.UpTo); err != nil {
			d.diags.Emit("markRead", "network update failed: %v", err)
		}
	})
	return nil
}

func (d *Dispatcher) handleQueryMessages(ctx context.Context, a QueryMessages) error {
	kind := a.Kind
	if kind == "" {
		kind = request.QueryMessages
	}

	// A newer query of the same kind supersedes the outstanding one: its
	// pending entry is failed here, on the ordered path, so the late reply
	// is dropped as unknown and only this query's result is applied.
	if prior, ok := d.lastQuery[kind]; ok && d.correlator.Pending(prior) {
		d.correlator.Fail(prior, context.Canceled)
		d.logger.Debug("query superseded", slog.String("request.id", prior.String()))
	}

	id, err := d.correlator.Begin(kind, a.RoomID)
	if err != nil {
		return fmt.Errorf("begin request: %w", err)
	}
	d.lastQuery[kind] = id

	d.latest.do(ctx, ActionType(kind), func(hctx context.Context) {
		if err := d.gateway.QueryRoomMessages(hctx, id, a.RoomID, a.Page, a.Lte, a.Gte); err != nil {
			d.diags.Emit("queryMessages", "history fetch failed: %v", err)
			// Transport failure: clear bookkeeping, leave cursor state
			// unchanged so a retry is possible.
			d.correlator.Fail(id, err)
		}
	})
	return nil
}

func (d *Dispatcher) handleSetActiveRoom(ctx context.Context, a SetActiveRoom) {
	d.store.SetActiveRoom(a.RoomID)

	if d.history == nil {
		return
	}
	d.latest.do(ctx, ActionSetActiveRoom, func(hctx context.Context) {
		messages, err := d.history.Recent(hctx, a.RoomID, warmPageSize)
		if err != nil {
			d.diags.Emit("history", "warm %s: %v", a.RoomID, err)
			return
		}
		if len(messages) == 0 {
			return
		}
		batch := make(map[string]Message, len(messages))
		for _, message := range messages {
			batch[message.ID] = message
		}
		// Re-enter through the ordered path; cached pages merge like any
		// other history page.
		d.Dispatch(AddRoomMessages{RoomID: a.RoomID, Messages: batch})
	})
}

func (d *Dispatcher) handleAddRoomMessages(ctx context.Context, a AddRoomMessages) {
	roomID := a.RoomID

	if a.RequestID != "" {
		// Replies for unknown (expired or superseded) requests are dropped
		// without touching state.
		if !d.correlator.Pending(a.RequestID) {
			d.diags.Emit("addRoomMessages", "reply for unknown request %s", a.RequestID)
			return
		}

		kind, token, err := a.RequestID.Parse()
		if err != nil {
			d.diags.Emit("addRoomMessages", "bad request id %s: %v", a.RequestID, err)
			d.correlator.Fail(a.RequestID, err)
			return
		}
		if token != "" {
			roomID = token
		}

		if a.Messages == nil {
			switch kind {
			case request.QueryOldMessages:
				d.store.SetNoMoreMessages(roomID, DirectionOld)
			case request.QueryNewMessages:
				d.store.SetNoMoreMessages(roomID, DirectionNew)
			}
		}

		// Every reply acknowledges its request so bookkeeping never leaks.
		d.correlator.Resolve(a.RequestID)
	}

	if a.Messages == nil {
		return
	}
	d.syncer.AddRoomMessages(roomID, a.Messages)
	d.writeThrough(ctx, a.Messages)
}

func (d *Dispatcher) handleAddRoomNewMessages(ctx context.Context, a AddRoomNewMessages) {
	d.syncer.AddRoomNewMessages(a.RoomID, d.identity(), a.Messages)

	if d.history == nil || len(a.Messages) == 0 {
		return
	}
	batch := make([]Message, len(a.Messages))
	copy(batch, a.Messages)
	d.latest.do(ctx, ActionType("cacheNewMessages"), func(hctx context.Context) {
		if err := d.history.Put(hctx, batch); err != nil {
			d.diags.Emit("history", "cache live batch: %v", err)
		}
	})
}

func (d *Dispatcher) writeThrough(ctx context.Context, messages map[string]Message) {
	if d.history == nil || len(messages) == 0 {
		return
	}
	batch := make([]Message, 0, len(messages))
	for _, message := range messages {
		batch = append(batch, message)
	}
	d.latest.do(ctx, ActionType("cacheHistoryPage"), func(hctx context.Context) {
		if err := d.history.Put(hctx, batch); err != nil {
			d.diags.Emit("history", "cache history page: %v", err)
		}
	})
}

// superseder runs at most one handler per key: launching a new one cancels
// the previous still-running handler of the same key.
type superseder struct {
	mu      sync.Mutex
	running map[ActionType]context.CancelFunc
	wg      sync.WaitGroup
}

func newSuperseder() *superseder {
	return &superseder{
		running: make(map[ActionType]context.CancelFunc),
	}
}

func (s *superseder) do(ctx context.Context, key ActionType, f func(context.Context)) {
	s.mu.Lock()
	if cancel, ok := s.running[key]; ok {
		cancel()
	}
	hctx, cancel := context.WithCancel(ctx)
	s.running[key] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		f(hctx)
	}()
}

func (s *superseder) cancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cancel := range s.running {
		cancel()
	}
}

func (s *superseder) wait() {
	s.wg.Wait()
}
