package chat

import (
	"context"
	"sync"

	"github.com/bustart/chatsync/request"
)

type mockNotifier struct {
	mu    sync.Mutex
	fired map[string]int
}

func (n *mockNotifier) Notify(roomID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fired == nil {
		n.fired = make(map[string]int)
	}
	n.fired[roomID]++
}

func (n *mockNotifier) count(roomID string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.fired[roomID]
}

type sentMessage struct {
	message        Message
	deactivePeerID string
}

type sentQuery struct {
	id     request.ID
	roomID string
	page   int
	lte    int64
	gte    int64
	// cancelled records whether the handler's context was cancelled while
	// the call was blocked.
	cancelled bool
}

type sentReadMeta struct {
	roomID    string
	userID    string
	readCount int
	upTo      int64
}

// mockGateway records outbound calls. When block is set, QueryRoomMessages
// waits for a release (or handler cancellation) before returning, which lets
// tests exercise the supersede discipline.
type mockGateway struct {
	mu        sync.Mutex
	messages  []sentMessage
	queries   []sentQuery
	readMetas []sentReadMeta

	sendErr  error
	queryErr error
	readErr  error

	block   bool
	release chan struct{}
	// entered receives one signal per blocked query on entry, so tests can
	// wait until a call is actually parked before issuing the next one.
	entered chan struct{}
}

func newMockGateway() *mockGateway {
	return &mockGateway{release: make(chan struct{}), entered: make(chan struct{}, 4)}
}

func (g *mockGateway) SendMessage(_ context.Context, message Message, deactivePeerID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.messages = append(g.messages, sentMessage{message: message, deactivePeerID: deactivePeerID})
	return g.sendErr
}

func (g *mockGateway) QueryRoomMessages(ctx context.Context, id request.ID, roomID string, page int, lte, gte int64) error {
	call := sentQuery{id: id, roomID: roomID, page: page, lte: lte, gte: gte}
	if !g.block {
		g.mu.Lock()
		defer g.mu.Unlock()
		g.queries = append(g.queries, call)
		return g.queryErr
	}
	// Record the call at entry so slice order reflects call order, then park
	// until released or cancelled. Cancellation is read from ctx.Err() rather
	// than from which select case fired: once both channels are ready the
	// select picks at random.
	g.mu.Lock()
	idx := len(g.queries)
	g.queries = append(g.queries, call)
	g.mu.Unlock()
	g.entered <- struct{}{}
	select {
	case <-ctx.Done():
	case <-g.release:
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.queries[idx].cancelled = ctx.Err() != nil
	return g.queryErr
}

func (g *mockGateway) UpdateReadMeta(_ context.Context, roomID, userID string, readCount int, upTo int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.readMetas = append(g.readMetas, sentReadMeta{roomID: roomID, userID: userID, readCount: readCount, upTo: upTo})
	return g.readErr
}

func (g *mockGateway) sentMessages() []sentMessage {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]sentMessage(nil), g.messages...)
}

func (g *mockGateway) sentQueries() []sentQuery {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]sentQuery(nil), g.queries...)
}

func (g *mockGateway) sentReadMetas() []sentReadMeta {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]sentReadMeta(nil), g.readMetas...)
}

type mockHistory struct {
	mu     sync.Mutex
	stored []Message
	pages  map[string][]Message
	putErr error
}

func (h *mockHistory) Put(_ context.Context, messages []Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.putErr != nil {
		return h.putErr
	}
	h.stored = append(h.stored, messages...)
	return nil
}

func (h *mockHistory) Recent(_ context.Context, roomID string, limit int) ([]Message, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	page := h.pages[roomID]
	if len(page) > limit {
		page = page[:limit]
	}
	return append([]Message(nil), page...), nil
}

func (h *mockHistory) all() []Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Message(nil), h.stored...)
}
