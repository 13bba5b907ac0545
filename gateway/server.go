// Package gateway is a small development chat gateway. It speaks the same
// websocket envelope the client consumes: inbound command frames
// ({"type","payload"}) and outbound {"signal","data"} events. It exists so the
// client can be run and integration-tested against a real server without the
// production backend.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/bustart/chatsync/chat"
	"github.com/bustart/chatsync/ws"
)

const defaultPageSize = 20

// frame is an inbound client command.
type frame struct {
	Type    chat.ActionType `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// envelope is an outbound event.
type envelope struct {
	Signal ws.Signal `json:"signal"`
	Data   any       `json:"data"`
}

// dispatchData is the data of a dispatch envelope.
type dispatchData struct {
	Type    chat.ActionType `json:"type"`
	Payload any             `json:"payload"`
}

type Server struct {
	mu       sync.RWMutex
	conns    map[string][]*peer
	messages map[string][]chat.Message
	readMeta map[string]map[string]chat.ReadMeta

	upgrader websocket.Upgrader
	logger   *slog.Logger
	pageSize int
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Option func(*Server)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

func WithPageSize(n int) Option {
	return func(s *Server) {
		s.pageSize = n
	}
}

func WithCheckOrigin(f func(r *http.Request) bool) Option {
	return func(s *Server) {
		s.upgrader.CheckOrigin = f
	}
}

func NewServer(ctx context.Context, opts ...Option) *Server {
	ctx, cancel := context.WithCancel(ctx)
	s := &Server{
		conns:    make(map[string][]*peer),
		messages: make(map[string][]chat.Message),
		readMeta: make(map[string]map[string]chat.ReadMeta),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger:   slog.Default(),
		pageSize: defaultPageSize,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router mounts the websocket endpoint on a chi router with permissive CORS,
// matching how browser clients reach a dev server on another port.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
	}))
	r.Get("/ws", s.HandleWS)
	return r
}

// Shutdown closes every connection and waits for their loops to stop.
func (s *Server) Shutdown() {
	s.cancel()

	s.mu.Lock()
	for _, peers := range s.conns {
		for _, p := range peers {
			p.close()
		}
	}
	s.conns = make(map[string][]*peer)
	s.mu.Unlock()

	s.wg.Wait()
}

// HandleWS upgrades the request and registers the connection under the uid
// query parameter.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	uid := r.URL.Query().Get("uid")
	if uid == "" {
		http.Error(w, "missing uid", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("upgrade failed", slog.String("error", err.Error()))
		return
	}

	p := &peer{
		uid:         uid,
		conn:        conn,
		writeStream: make(chan envelope, 64),
		logger:      s.logger.With(slog.String("peer", uid)),
		onFrame:     s.handleFrame,
		onClose: func(p *peer) {
			s.drop(p)
		},
	}

	s.mu.Lock()
	s.conns[uid] = append(s.conns[uid], p)
	s.mu.Unlock()

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		p.readLoop()
	}()
	go func() {
		defer s.wg.Done()
		p.writeLoop(s.ctx)
	}()

	p.send(envelope{Signal: ws.SignalStatus, Data: fmt.Sprintf("connected as %s", uid)})
	s.logger.Info("peer connected", slog.String("uid", uid))
}

func (s *Server) drop(p *peer) {
	s.mu.Lock()
	peers := s.conns[p.uid]
	for i, candidate := range peers {
		if candidate == p {
			peers = append(peers[:i], peers[i+1:]...)
			break
		}
	}
	if len(peers) == 0 {
		delete(s.conns, p.uid)
	} else {
		s.conns[p.uid] = peers
	}
	s.mu.Unlock()
	s.logger.Info("peer disconnected", slog.String("uid", p.uid))
}

func (s *Server) handleFrame(p *peer, raw json.RawMessage) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		s.logger.Warn("undecodable frame", slog.String("uid", p.uid), slog.String("error", err.Error()))
		return
	}

	var err error
	switch f.Type {
	case chat.ActionSendMessage:
		err = s.handleCreateMessage(p, f.Payload)
	case chat.ActionQueryMessages:
		err = s.handleQueryMessages(p, f.Payload)
	case chat.ActionMarkRead:
		err = s.handleReadMeta(p, f.Payload)
	default:
		p.send(envelope{Signal: ws.SignalStatus, Data: fmt.Sprintf("unsupported command %s", f.Type)})
		return
	}
	if err != nil {
		s.logger.Warn("frame rejected",
			slog.String("uid", p.uid),
			slog.String("type", string(f.Type)),
			slog.String("error", err.Error()))
		p.send(envelope{Signal: ws.SignalStatus, Data: err.Error()})
	}
}

// handleCreateMessage acknowledges an optimistic message: the loading flag is
// cleared, server timestamps are stamped, and the acknowledged copy fans out
// to every connection, the sender's included, so optimistic local copies are
// reconciled by id.
func (s *Server) handleCreateMessage(p *peer, payload json.RawMessage) error {
	var body chat.SendMessagePayload
	if err := json.Unmarshal(payload, &body); err != nil {
		return fmt.Errorf("decode createChatMessage: %w", err)
	}
	message := body.Message
	if message.RoomID == "" {
		return fmt.Errorf("createChatMessage: missing roomId")
	}
	if message.ID == "" {
		message.ID = uuid.New().String()
	}
	if message.OwnerID == "" {
		message.OwnerID = p.uid
	}

	now := s.now().UnixMilli()
	if message.CreatedAt == 0 {
		message.CreatedAt = now
	}
	message.UpdatedAt = now
	message.Loading = false

	s.mu.Lock()
	s.messages[message.RoomID] = append(s.messages[message.RoomID], message)
	s.mu.Unlock()

	s.broadcast(envelope{Signal: ws.SignalDispatch, Data: dispatchData{
		Type: chat.ActionAddRoomNewMessages,
		Payload: chat.AddRoomNewMessages{
			RoomID:   message.RoomID,
			Messages: []chat.Message{message},
		},
	}})
	return nil
}

// handleQueryMessages answers a history page to the requesting connection
// only. An empty page is reported as a null batch so the client can mark the
// direction exhausted.
func (s *Server) handleQueryMessages(p *peer, payload json.RawMessage) error {
	var body chat.QueryMessagesPayload
	if err := json.Unmarshal(payload, &body); err != nil {
		return fmt.Errorf("decode queryRoomMessages: %w", err)
	}
	if body.RequestID == "" {
		return fmt.Errorf("queryRoomMessages: missing requestId")
	}

	page := s.page(body.RoomID, body.Page, body.Lte, body.Gte)

	reply := chat.AddRoomMessages{
		RequestID: body.RequestID,
		RoomID:    body.RoomID,
	}
	if len(page) > 0 {
		reply.Messages = make(map[string]chat.Message, len(page))
		for _, message := range page {
			reply.Messages[message.ID] = message
		}
	}

	p.send(envelope{Signal: ws.SignalDispatch, Data: dispatchData{
		Type:    chat.ActionAddRoomMessages,
		Payload: reply,
	}})
	return nil
}

func (s *Server) handleReadMeta(p *peer, payload json.RawMessage) error {
	var body chat.ReadMetaPayload
	if err := json.Unmarshal(payload, &body); err != nil {
		return fmt.Errorf("decode updateReadMessageMeta: %w", err)
	}
	if body.RoomID == "" || body.UserID == "" {
		return fmt.Errorf("updateReadMessageMeta: missing roomId or userId")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	room := s.readMeta[body.RoomID]
	if room == nil {
		room = make(map[string]chat.ReadMeta)
		s.readMeta[body.RoomID] = room
	}
	current := room[body.UserID]
	// Cursors only move forward.
	if body.ReadCount < current.ReadCount || body.UpTo < current.LastReadAt {
		return fmt.Errorf("updateReadMessageMeta: cursor moved backwards")
	}
	room[body.UserID] = chat.ReadMeta{ReadCount: body.ReadCount, LastReadAt: body.UpTo}
	return nil
}

// page selects one history page: newest first, bounded by lte/gte when set.
func (s *Server) page(roomID string, pageNum int, lte, gte int64) []chat.Message {
	s.mu.RLock()
	log := s.messages[roomID]
	selected := make([]chat.Message, 0, len(log))
	for _, message := range log {
		if lte > 0 && message.CreatedAt > lte {
			continue
		}
		if gte > 0 && message.CreatedAt < gte {
			continue
		}
		selected = append(selected, message)
	}
	s.mu.RUnlock()

	sort.Slice(selected, func(i, j int) bool {
		if selected[i].CreatedAt != selected[j].CreatedAt {
			return selected[i].CreatedAt > selected[j].CreatedAt
		}
		return selected[i].ID > selected[j].ID
	})

	if pageNum < 0 {
		pageNum = 0
	}
	start := pageNum * s.pageSize
	if start >= len(selected) {
		return nil
	}
	end := start + s.pageSize
	if end > len(selected) {
		end = len(selected)
	}
	return selected[start:end]
}

// ReadMeta reports a user's stored cursor in a room.
func (s *Server) ReadMeta(roomID, userID string) (chat.ReadMeta, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	meta, ok := s.readMeta[roomID][userID]
	return meta, ok
}

// MessageCount reports how many messages the server holds for a room.
func (s *Server) MessageCount(roomID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages[roomID])
}

// Announce pushes a status line to every connection.
func (s *Server) Announce(text string) {
	s.broadcast(envelope{Signal: ws.SignalStatus, Data: text})
}

func (s *Server) broadcast(e envelope) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, peers := range s.conns {
		for _, p := range peers {
			p.send(e)
		}
	}
}
