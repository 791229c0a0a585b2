package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"go-chat-sync/internal/realtime"
)

// WSPeer is a scripted realtime server. It records handshakes and inbound
// frames, answers acknowledgement requests through AckFunc and lets tests
// push events to every connected client.
type WSPeer struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu      sync.Mutex
	tokens  []string
	conns   []*peerConn
	frames  []realtime.Frame
	ackFunc func(realtime.Frame) any
}

type peerConn struct {
	ws  *websocket.Conn
	wmu sync.Mutex
}

func (c *peerConn) write(f realtime.Frame) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.ws.WriteJSON(f)
}

// NewWSPeer starts a peer that is shut down when the test ends.
func NewWSPeer(t *testing.T) *WSPeer {
	t.Helper()
	p := &WSPeer{}
	p.srv = httptest.NewServer(http.HandlerFunc(p.serve))
	t.Cleanup(p.srv.Close)
	return p
}

// URL is the websocket endpoint.
func (p *WSPeer) URL() string {
	return "ws" + strings.TrimPrefix(p.srv.URL, "http") + "/ws"
}

// SetAckFunc installs the reply for frames that request an acknowledgement.
func (p *WSPeer) SetAckFunc(fn func(realtime.Frame) any) {
	p.mu.Lock()
	p.ackFunc = fn
	p.mu.Unlock()
}

func (p *WSPeer) serve(w http.ResponseWriter, r *http.Request) {
	ws, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	pc := &peerConn{ws: ws}
	p.mu.Lock()
	p.tokens = append(p.tokens, strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
	p.conns = append(p.conns, pc)
	p.mu.Unlock()

	for {
		var f realtime.Frame
		if err := ws.ReadJSON(&f); err != nil {
			return
		}
		p.mu.Lock()
		p.frames = append(p.frames, f)
		fn := p.ackFunc
		p.mu.Unlock()

		if f.ID == 0 || fn == nil {
			continue
		}
		data, _ := json.Marshal(fn(f))
		_ = pc.write(realtime.Frame{Ack: f.ID, Data: data})
	}
}

// Push sends event to every connected client.
func (p *WSPeer) Push(t *testing.T, event string, data any) {
	t.Helper()
	f, err := realtime.NewFrame(event, data)
	require.NoError(t, err)
	p.mu.Lock()
	conns := append([]*peerConn(nil), p.conns...)
	p.mu.Unlock()
	for _, c := range conns {
		_ = c.write(f)
	}
}

// Tokens returns the bearer tokens of every handshake so far.
func (p *WSPeer) Tokens() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.tokens...)
}

// Received returns every inbound frame so far.
func (p *WSPeer) Received() []realtime.Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]realtime.Frame(nil), p.frames...)
}

// ReceivedEvents returns the event names of every inbound frame so far.
func (p *WSPeer) ReceivedEvents() []string {
	frames := p.Received()
	out := make([]string, len(frames))
	for i, f := range frames {
		out[i] = f.Event
	}
	return out
}

// WaitConns blocks until n handshakes have been accepted.
func (p *WSPeer) WaitConns(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return len(p.Tokens()) >= n }, 2*time.Second, 5*time.Millisecond)
}

// WaitFrames blocks until n inbound frames have arrived.
func (p *WSPeer) WaitFrames(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return len(p.Received()) >= n }, 2*time.Second, 5*time.Millisecond)
}
