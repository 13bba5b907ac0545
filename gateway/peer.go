package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
)

// peer is one client connection. Writes go through writeStream so the write
// loop is the only goroutine touching the socket for output.
type peer struct {
	uid         string
	conn        *websocket.Conn
	writeStream chan envelope
	logger      *slog.Logger
	onFrame     func(*peer, json.RawMessage)
	onClose     func(*peer)
	closeOnce   sync.Once
}

func (p *peer) send(e envelope) {
	defer func() {
		// writeStream may be closed concurrently by the read loop; the frame
		// is lost with the connection.
		recover()
	}()
	select {
	case p.writeStream <- e:
	default:
		p.logger.Warn("write stream full, dropping frame")
	}
}

func (p *peer) close() {
	p.closeOnce.Do(func() {
		close(p.writeStream)
	})
}

func (p *peer) readLoop() {
	defer func() {
		p.onClose(p)
		p.close()
		p.conn.Close()
	}()

	p.conn.SetReadLimit(maxMessageSize)
	p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		p.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, r, err := p.conn.NextReader()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				p.logger.Error("unexpected close", slog.String("error", err.Error()))
			}
			return
		}

		raw, err := io.ReadAll(r)
		if err != nil {
			p.logger.Error("read frame", slog.String("error", err.Error()))
			return
		}
		p.onFrame(p, raw)
	}
}

func (p *peer) writeLoop(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		p.conn.Close()
	}()

	for {
		select {
		case e, ok := <-p.writeStream:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				p.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := p.conn.WriteJSON(e); err != nil {
				p.logger.Error("write frame", slog.String("error", err.Error()))
				return
			}
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
