// Package chatsync wires the chat synchronization core into a runnable
// client: configuration, identity resolution, the optional local history
// cache, and a facade over the dispatcher's commands and the store's queries.
package chatsync

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/bustart/chatsync/chat"
	"github.com/bustart/chatsync/history"
	"github.com/bustart/chatsync/request"
	"github.com/bustart/chatsync/ws"
)

// Client assembles the synchronization core. Commands go through the ordered
// dispatcher; queries read the store directly.
type Client struct {
	config     *Config
	identity   *IdentityStore
	store      *chat.Store
	diags      *chat.Diagnostics
	dispatcher *chat.Dispatcher
	session    *chat.Session

	db     *sql.DB
	cancel context.CancelFunc
	logger *slog.Logger
}

type ClientOption func(*clientParts)

// clientParts collects the injectable pieces before assembly.
type clientParts struct {
	dialer ws.Dialer
	sound  chat.Sound
	badge  chat.Badge
	logger *slog.Logger
}

// WithDialer substitutes the websocket dialer.
func WithDialer(dialer ws.Dialer) ClientOption {
	return func(p *clientParts) {
		p.dialer = dialer
	}
}

// WithSound sets the effect played when new messages land in an inactive room.
func WithSound(sound chat.Sound) ClientOption {
	return func(p *clientParts) {
		p.sound = sound
	}
}

// WithBadge sets the unread badge incremented per notifying batch.
func WithBadge(badge chat.Badge) ClientOption {
	return func(p *clientParts) {
		p.badge = badge
	}
}

func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(p *clientParts) {
		p.logger = logger
	}
}

// NewClient validates the configuration and assembles the client. The
// background processing loop starts immediately; the gateway session does not
// connect until Start.
func NewClient(config *Config, opts ...ClientOption) (*Client, error) {
	if err := config.Validate(); err != nil {
		if msg := FormatValidationErrors(err); msg != "" {
			return nil, fmt.Errorf("invalid config:\n%s", msg)
		}
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	parts := &clientParts{
		dialer: ws.NewDialer(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(parts)
	}

	identity := NewIdentityStore(config.Auth.AccessToken)
	store := chat.NewStore()
	diags := chat.NewDiagnostics(64, parts.logger)

	var triggerOpts []chat.TriggerOption
	if parts.sound != nil {
		triggerOpts = append(triggerOpts, chat.WithSound(parts.sound))
	}
	if parts.badge != nil {
		triggerOpts = append(triggerOpts, chat.WithBadge(parts.badge))
	}
	trigger := chat.NewTrigger(triggerOpts...)

	syncer := chat.NewSynchronizer(store, trigger)
	reads := chat.NewReadReceipts(store, parts.logger)
	correlator := request.NewCorrelator(request.WithLogger(parts.logger))

	c := &Client{
		config:   config,
		identity: identity,
		store:    store,
		diags:    diags,
		logger:   parts.logger,
	}

	dispatcherOpts := []chat.DispatcherOption{
		chat.WithDispatcherLogger(parts.logger),
	}
	if config.History.Enabled {
		db, err := history.Open(config.History.File, &history.DBOption{Mode: "rwc"})
		if err != nil {
			return nil, fmt.Errorf("open history cache: %w", err)
		}
		c.db = db
		dispatcherOpts = append(dispatcherOpts, chat.WithHistory(history.NewCache(db)))
	}

	session := chat.NewSession(
		parts.dialer,
		config.Gateway.URL,
		identity.Identity(),
		diags,
		chat.WithReconnectPolicy(chat.ReconnectPolicy{
			Enabled:      config.Reconnect.Enabled,
			InitialDelay: config.Reconnect.InitialDelay,
			MaxDelay:     config.Reconnect.MaxDelay,
			MaxAttempts:  config.Reconnect.MaxAttempts,
		}),
		chat.WithSessionLogger(parts.logger),
	)
	gateway := chat.NewWSGateway(session)

	dispatcher := chat.NewDispatcher(
		store, syncer, reads, correlator, gateway,
		identity.Identity(), diags,
		dispatcherOpts...,
	)
	session.Route(dispatcher)

	c.dispatcher = dispatcher
	c.session = session

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go dispatcher.Run(runCtx)

	return c, nil
}

// Start opens the gateway session for the signed-in user.
func (c *Client) Start(ctx context.Context) error {
	return c.session.Start(ctx)
}

// Stop closes the gateway session; the connection is closed before Stop
// returns. The client can be started again afterwards.
func (c *Client) Stop() {
	c.session.Stop()
}

// Close stops the session, the processing loop, and the history cache. The
// client is unusable afterwards.
func (c *Client) Close() error {
	c.session.Stop()
	c.cancel()
	if c.db != nil {
		if err := c.db.Close(); err != nil {
			return fmt.Errorf("close history cache: %w", err)
		}
	}
	return nil
}

// SetAccessToken swaps the signed-in user. It takes effect on the next Start.
func (c *Client) SetAccessToken(token string) {
	c.identity.SetToken(token)
}

// UserID returns the signed-in user id, or "" when signed out.
func (c *Client) UserID() string {
	return c.identity.UserID()
}

// SessionState reports the supervisor's lifecycle state.
func (c *Client) SessionState() chat.SessionState {
	return c.session.State()
}

// Diagnostics streams non-fatal conditions: transport drops, malformed
// frames, rejected handlers. The channel is never closed.
func (c *Client) Diagnostics() <-chan chat.Diagnostic {
	return c.diags.C()
}

// SendMessage creates the message locally first and forwards it to the
// gateway in the background.
func (c *Client) SendMessage(roomID, text string) {
	c.dispatcher.Dispatch(chat.SendMessage{RoomID: roomID, Text: text})
}

// MarkRead advances the current user's read cursor for a room.
func (c *Client) MarkRead(roomID string, readCount int, upTo int64) {
	c.dispatcher.Dispatch(chat.MarkRead{RoomID: roomID, ReadCount: readCount, UpTo: upTo})
}

// QueryMessages requests one history page. A newer query of the same kind
// supersedes an outstanding one.
func (c *Client) QueryMessages(kind request.Type, roomID string, page int, lte, gte int64) {
	c.dispatcher.Dispatch(chat.QueryMessages{Kind: kind, RoomID: roomID, Page: page, Lte: lte, Gte: gte})
}

// SetActiveRoom makes roomID the displayed room. New messages for the active
// room never notify.
func (c *Client) SetActiveRoom(roomID string) {
	c.dispatcher.Dispatch(chat.SetActiveRoom{RoomID: roomID})
}

// ActiveRoomID returns the displayed room, or "".
func (c *Client) ActiveRoomID() string {
	return c.store.ActiveRoomID()
}

// Rooms lists the known rooms.
func (c *Client) Rooms() []chat.Room {
	return c.store.Rooms()
}

// Messages returns a room's messages, newest first.
func (c *Client) Messages(roomID string) []chat.Message {
	return c.store.Messages(roomID)
}

// MessageCount reports a room's unread-relevant message counter.
func (c *Client) MessageCount(roomID string) int {
	return c.store.MessageCount(roomID)
}

// LastMessage returns a room's latest message digest.
func (c *Client) LastMessage(roomID string) (chat.MessageSummary, bool) {
	return c.store.LastMessage(roomID)
}

// NoMoreMessages reports whether pagination is exhausted toward the old and
// new ends of a room's history.
func (c *Client) NoMoreMessages(roomID string) (old, new bool) {
	return c.store.NoMoreMessages(roomID)
}

// ReadMeta returns a user's read cursor in a room.
func (c *Client) ReadMeta(roomID, userID string) (chat.ReadMeta, bool) {
	return c.store.ReadMeta(roomID, userID)
}
