package chat

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bustart/chatsync/ws"
)

// SessionState is the supervisor's lifecycle state.
type SessionState int32

const (
	StateIdle SessionState = iota
	StateConnecting
	StateStreaming
	StateStopped
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

var (
	// ErrNoIdentity is returned by Start when no authenticated identity is
	// available; the supervisor stays Idle.
	ErrNoIdentity = errors.New("no authenticated identity")
	// ErrAlreadyStarted is returned by Start while a session task is live.
	ErrAlreadyStarted = errors.New("session already started")
)

// ReconnectPolicy governs what the supervisor does when the transport drops.
// The connection manager itself never reconnects. The default policy retries
// with capped exponential backoff; disabled, a drop leaves the session with
// no recovery path other than a fresh Start.
type ReconnectPolicy struct {
	Enabled      bool
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// MaxAttempts bounds consecutive failed reconnects; 0 means unbounded.
	MaxAttempts int
}

func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		Enabled:      true,
		InitialDelay: 2 * time.Second,
		MaxDelay:     30 * time.Second,
		MaxAttempts:  10,
	}
}

// Session supervises the background connection task: it opens the connection
// manager on start, translates inbound events onto the dispatcher's ordered
// path, and guarantees the connection is closed before Stop returns.
type Session struct {
	dialer    ws.Dialer
	address   string
	identity  Identity
	diags     *Diagnostics
	logger    *slog.Logger
	reconnect ReconnectPolicy

	dispatcher *Dispatcher

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	state  atomic.Int32

	conn  atomic.Pointer[ws.Conn]
	sleep func(ctx context.Context, d time.Duration) error
}

type SessionOption func(*Session)

func WithReconnectPolicy(p ReconnectPolicy) SessionOption {
	return func(s *Session) {
		s.reconnect = p
	}
}

func WithSessionLogger(logger *slog.Logger) SessionOption {
	return func(s *Session) {
		s.logger = logger
	}
}

func NewSession(dialer ws.Dialer, address string, identity Identity, diags *Diagnostics, opts ...SessionOption) *Session {
	s := &Session{
		dialer:    dialer,
		address:   address,
		identity:  identity,
		diags:     diags,
		logger:    slog.Default(),
		reconnect: DefaultReconnectPolicy(),
		sleep:     sleepCtx,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Route binds the dispatcher that receives decoded dispatch commands. It must
// be called before Start.
func (s *Session) Route(d *Dispatcher) {
	s.dispatcher = d
}

// State returns the supervisor's current state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// Conn returns the currently open connection, or nil while disconnected.
func (s *Session) Conn() *ws.Conn {
	return s.conn.Load()
}

// Start launches the background connection task. With no authenticated
// identity it returns ErrNoIdentity and the supervisor remains Idle.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done != nil {
		select {
		case <-s.done:
		default:
			return ErrAlreadyStarted
		}
	}

	uid := s.identity()
	if uid == "" {
		s.diags.Emit("session", "cannot start: no authenticated identity")
		return ErrNoIdentity
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.state.Store(int32(StateConnecting))

	go s.run(runCtx, uid, s.done)
	return nil
}

// Stop cancels the background task and waits until cleanup, including the
// connection manager's close, has run. It is safe to call in any state.
func (s *Session) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	s.state.Store(int32(StateStopped))
	s.logger.Info("session stopped")
}

func (s *Session) run(ctx context.Context, uid string, done chan struct{}) {
	defer close(done)

	delay := s.reconnect.InitialDelay
	attempts := 0

	for {
		conn, err := s.dialer.Dial(ctx, s.address, uid)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.diags.Emit("session", "connect failed: %v", err)
			if !s.retry(ctx, &attempts, &delay) {
				return
			}
			continue
		}

		s.state.Store(int32(StateStreaming))
		delay = s.reconnect.InitialDelay
		attempts = 0

		err = s.stream(ctx, conn)
		if ctx.Err() != nil {
			return
		}

		if err != nil {
			s.diags.Emit("session", "connection lost: %v", err)
		} else {
			s.diags.Emit("session", "connection closed by gateway")
		}
		if !s.retry(ctx, &attempts, &delay) {
			return
		}
	}
}

// stream consumes events from one connection until it terminates or ctx is
// cancelled. The connection is closed before stream returns, even when
// cancellation races with an in-flight event.
func (s *Session) stream(ctx context.Context, conn *ws.Conn) error {
	defer conn.Close()
	s.conn.Store(conn)
	defer s.conn.Store(nil)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-conn.Events():
			if !ok {
				return conn.Err()
			}
			s.handleEvent(event)
		}
	}
}

// handleEvent routes one inbound event. No event, well-formed or not,
// terminates the stream.
func (s *Session) handleEvent(event *ws.Event) {
	if event == nil {
		s.diags.Emit("session", "malformed message from gateway")
		return
	}

	switch event.Signal {
	case ws.SignalStatus:
		s.diags.Emit("gateway", "%s", statusText(event))
	case ws.SignalDispatch:
		action, err := DecodeCommand(event.Data)
		if err != nil {
			s.diags.Emit("session", "dispatch: %v", err)
			return
		}
		s.dispatcher.Dispatch(action)
	default:
		s.diags.Emit("session", "unknown signal %q", event.Signal)
	}
}

func (s *Session) retry(ctx context.Context, attempts *int, delay *time.Duration) bool {
	if !s.reconnect.Enabled {
		return false
	}
	*attempts++
	if s.reconnect.MaxAttempts > 0 && *attempts > s.reconnect.MaxAttempts {
		s.diags.Emit("session", "reconnect attempts exhausted")
		return false
	}

	s.state.Store(int32(StateConnecting))
	s.logger.Info("reconnecting",
		slog.Int("attempt", *attempts), slog.Duration("delay", *delay))
	if err := s.sleep(ctx, *delay); err != nil {
		return false
	}

	*delay *= 2
	if *delay > s.reconnect.MaxDelay {
		*delay = s.reconnect.MaxDelay
	}
	return true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func statusText(event *ws.Event) string {
	var text string
	if err := json.Unmarshal(event.Data, &text); err != nil {
		return string(event.Data)
	}
	return text
}
