package chat

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bustart/chatsync/request"
)

// fixture wires a dispatcher with mock collaborators. Tests drive it by
// calling process directly so assertions stay deterministic; forked network
// handlers are joined with settle.
type fixture struct {
	t          *testing.T
	ctx        context.Context
	store      *Store
	syncer     *Synchronizer
	notifier   *mockNotifier
	gateway    *mockGateway
	history    *mockHistory
	correlator *request.Correlator
	diags      *Diagnostics
	dispatcher *Dispatcher
	selfID     string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	f := &fixture{
		t:          t,
		ctx:        ctx,
		store:      NewStore(),
		notifier:   &mockNotifier{},
		gateway:    newMockGateway(),
		history:    &mockHistory{pages: make(map[string][]Message)},
		correlator: request.NewCorrelator(),
		diags:      NewDiagnostics(64, slog.Default()),
		selfID:     "u1",
	}
	f.syncer = NewSynchronizer(f.store, f.notifier, WithClock(func() int64 { return 1000 }))

	seq := 0
	f.dispatcher = NewDispatcher(
		f.store,
		f.syncer,
		NewReadReceipts(f.store, nil),
		f.correlator,
		f.gateway,
		func() string { return f.selfID },
		f.diags,
		WithHistory(f.history),
		withTokenSource(func() string {
			seq++
			return fmt.Sprintf("tok-%d", seq)
		}),
	)
	return f
}

// apply runs one action on the ordered path.
func (f *fixture) apply(action Action) {
	f.t.Helper()
	f.dispatcher.process(f.ctx, action)
}

// settle waits for forked handlers to finish.
func (f *fixture) settle() {
	f.t.Helper()
	f.dispatcher.latest.wait()
}

// drainDiags empties and returns the diagnostic buffer.
func (f *fixture) drainDiags() []Diagnostic {
	var out []Diagnostic
	for {
		select {
		case d := <-f.diags.C():
			out = append(out, d)
		default:
			return out
		}
	}
}

func hasDiag(diags []Diagnostic, substr string) bool {
	for _, d := range diags {
		if strings.Contains(d.Message, substr) {
			return true
		}
	}
	return false
}

// scriptedGateway is a websocket endpoint for session tests. Accepted
// connections are handed to the test to script frames on.
type scriptedGateway struct {
	t        *testing.T
	server   *httptest.Server
	upgrader websocket.Upgrader
	conns    chan *websocket.Conn
}

func newScriptedGateway(t *testing.T) *scriptedGateway {
	g := &scriptedGateway{t: t, conns: make(chan *websocket.Conn, 4)}
	g.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := g.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		g.conns <- conn
	}))
	t.Cleanup(g.server.Close)
	return g
}

func (g *scriptedGateway) url() string {
	return "ws" + strings.TrimPrefix(g.server.URL, "http")
}

func (g *scriptedGateway) accept() *websocket.Conn {
	g.t.Helper()
	select {
	case conn := <-g.conns:
		return conn
	case <-time.After(5 * time.Second):
		g.t.Fatal("timed out waiting for connection")
		return nil
	}
}

func (g *scriptedGateway) push(conn *websocket.Conn, frame string) {
	g.t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		g.t.Fatalf("push frame: %v", err)
	}
}

// waitDiag blocks until a diagnostic containing substr arrives.
func waitDiag(t *testing.T, diags *Diagnostics, substr string) Diagnostic {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case d := <-diags.C():
			if strings.Contains(d.Message, substr) {
				return d
			}
		case <-deadline:
			t.Fatalf("timed out waiting for diagnostic containing %q", substr)
			return Diagnostic{}
		}
	}
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}
