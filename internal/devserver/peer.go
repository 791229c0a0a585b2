package devserver

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"go-chat-sync/internal/realtime"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// peer is one websocket connection of a signed-in user.
type peer struct {
	srv    *Server
	conn   *websocket.Conn
	send   chan realtime.Frame
	userID string
}

// readPump decodes inbound frames and handles them in arrival order.
func (p *peer) readPump(ctx context.Context) {
	defer func() {
		p.srv.hub.send(p.srv.hub.unregister, p)
		p.conn.Close()
	}()

	p.conn.SetReadLimit(maxMessageSize)
	p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		p.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var f realtime.Frame
		if err := p.conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				p.srv.log.Warn("websocket read", "user_id", p.userID, "error", err)
			}
			return
		}
		p.handle(ctx, f)
	}
}

func (p *peer) handle(ctx context.Context, f realtime.Frame) {
	switch f.Event {
	case realtime.EventPresenceJoin:
		p.srv.hub.send(p.srv.hub.joined, p)
	case realtime.EventPresenceLeave:
		p.srv.hub.send(p.srv.hub.left, p)
	case realtime.EventMessageSend:
		var req realtime.SendRequest
		var ack realtime.SendAck
		if err := json.Unmarshal(f.Data, &req); err != nil {
			ack = realtime.SendAck{Error: "malformed request"}
		} else {
			ack = p.srv.sendMessage(ctx, p.userID, req)
		}
		if f.ID == 0 {
			return
		}
		data, _ := json.Marshal(ack)
		p.srv.hub.reply(p, realtime.Frame{Ack: f.ID, Data: data})
	default:
		p.srv.log.Debug("ignoring event", "event", f.Event, "user_id", p.userID)
	}
}

// writePump writes queued frames, one websocket message each, and keeps the
// connection alive with pings.
func (p *peer) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		p.conn.Close()
	}()

	for {
		select {
		case f, ok := <-p.send:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				p.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := p.conn.WriteJSON(f); err != nil {
				return
			}

		case <-ticker.C:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
