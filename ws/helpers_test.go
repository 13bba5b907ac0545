package ws

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func testTimeout(t *testing.T) <-chan time.Time {
	t.Helper()
	return time.After(5 * time.Second)
}

// recv pops the next event off the connection or fails the test. The second
// return reports whether the event channel is still open.
func recv(t *testing.T, c *Conn) (*Event, bool) {
	t.Helper()
	select {
	case event, ok := <-c.Events():
		return event, ok
	case <-testTimeout(t):
		t.Fatal("timed out waiting for event")
		return nil, false
	}
}

// testGateway is a minimal websocket endpoint that hands accepted
// connections and the uid they presented to the test body.
type testGateway struct {
	t        *testing.T
	server   *httptest.Server
	upgrader websocket.Upgrader
	conns    chan *websocket.Conn
	uids     chan string
}

func newTestGateway(t *testing.T) *testGateway {
	g := &testGateway{
		t:     t,
		conns: make(chan *websocket.Conn, 4),
		uids:  make(chan string, 4),
	}
	g.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := g.upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		g.uids <- r.URL.Query().Get("uid")
		g.conns <- conn
	}))
	t.Cleanup(g.server.Close)
	return g
}

func (g *testGateway) url() string {
	return "ws" + strings.TrimPrefix(g.server.URL, "http")
}

func (g *testGateway) accept() *websocket.Conn {
	g.t.Helper()
	select {
	case conn := <-g.conns:
		return conn
	case <-testTimeout(g.t):
		g.t.Fatal("timed out waiting for connection")
		return nil
	}
}
