// Package realtime owns the single websocket connection bound to the current
// access token.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a frame to the server.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong from the server.
	pingPeriod     = (pongWait * 9) / 10 // Must be less than pongWait.
	maxMessageSize = 64 << 10
	sendBuffer     = 256
)

var (
	// ErrNoSession is returned by Manager.Get when nobody is signed in.
	ErrNoSession = errors.New("realtime: no session")
	// ErrDisconnected is returned when a frame cannot be sent or an
	// acknowledgement will never arrive because the link is down.
	ErrDisconnected = errors.New("realtime: disconnected")
	// ErrClosed is returned once a connection has been closed for good.
	ErrClosed = errors.New("realtime: connection closed")
	// ErrRejected is returned when the server refuses the handshake.
	ErrRejected = errors.New("realtime: handshake rejected")
)

// Dialer opens websocket connections. *websocket.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// Handler receives the payload of one inbound event.
type Handler func(data json.RawMessage)

// Options configures connection establishment. Zero fields take defaults.
type Options struct {
	URL string
	// ReconnectAttempts is how many times a failed connect is retried.
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	// ConnectTimeout bounds each handshake attempt.
	ConnectTimeout time.Duration
	AckTimeout     time.Duration
}

func (o Options) withDefaults() Options {
	if o.ReconnectAttempts <= 0 {
		o.ReconnectAttempts = 5
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = time.Second
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.AckTimeout <= 0 {
		o.AckTimeout = 10 * time.Second
	}
	return o
}

type ackResult struct {
	data json.RawMessage
	err  error
}

// link is one websocket session. A Conn replaces its link on reconnect.
type link struct {
	ws   *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

// close signals the write pump, which says goodbye and closes the socket.
func (l *link) close() {
	l.once.Do(func() { close(l.done) })
}

// Conn is a realtime connection authenticated with one access token. It
// survives transport drops by reconnecting; handlers stay registered across
// reconnects and run on the read goroutine in arrival order.
type Conn struct {
	token  string
	opts   Options
	dialer Dialer
	log    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	// dialing holds a token while a handshake is in progress.
	dialing chan struct{}

	mu         sync.Mutex
	link       *link
	closed     bool
	handlers   map[string]map[int]Handler
	onConnect  map[int]func()
	nextHookID int
	acks       map[uint64]chan ackResult
	nextAckID  uint64
}

func newConn(token string, dialer Dialer, opts Options, log *slog.Logger) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		token:     token,
		opts:      opts,
		dialer:    dialer,
		log:       log,
		ctx:       ctx,
		cancel:    cancel,
		dialing:   make(chan struct{}, 1),
		handlers:  make(map[string]map[int]Handler),
		onConnect: make(map[int]func()),
		acks:      make(map[uint64]chan ackResult),
	}
}

// Token returns the access token the connection authenticates with.
func (c *Conn) Token() string {
	return c.token
}

// Connected reports whether a live link exists.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.link != nil
}

// Closed reports whether Close has been called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// On registers h for event. The returned function removes it.
func (c *Conn) On(event string, h Handler) (off func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextHookID
	c.nextHookID++
	if c.handlers[event] == nil {
		c.handlers[event] = make(map[int]Handler)
	}
	c.handlers[event][id] = h
	return func() {
		c.mu.Lock()
		delete(c.handlers[event], id)
		c.mu.Unlock()
	}
}

// OnConnect registers fn to run after every successful connect, including
// reconnects.
func (c *Conn) OnConnect(fn func()) (off func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextHookID
	c.nextHookID++
	c.onConnect[id] = fn
	return func() {
		c.mu.Lock()
		delete(c.onConnect, id)
		c.mu.Unlock()
	}
}

// ensure connects unless a link is already up. Concurrent callers and the
// background reconnect loop are serialized so at most one link exists; a
// caller waiting its turn gives up when ctx ends or the conn is closed.
func (c *Conn) ensure(ctx context.Context) error {
	select {
	case c.dialing <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return ErrClosed
	}
	defer func() { <-c.dialing }()

	c.mu.Lock()
	closed, up := c.closed, c.link != nil
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if up {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()

	ws, err := c.dial(ctx)
	if err != nil {
		if c.ctx.Err() != nil {
			return ErrClosed
		}
		return err
	}

	l := &link{ws: ws, send: make(chan []byte, sendBuffer), done: make(chan struct{})}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		ws.Close()
		return ErrClosed
	}
	c.link = l
	hooks := make([]func(), 0, len(c.onConnect))
	for _, fn := range c.onConnect {
		hooks = append(hooks, fn)
	}
	c.mu.Unlock()

	go c.writePump(l)
	go c.readPump(l)

	c.log.Info("realtime connected")
	for _, fn := range hooks {
		fn()
	}
	return nil
}

// dial performs the handshake with a constant backoff: one attempt plus
// ReconnectAttempts retries, each bounded by ConnectTimeout.
func (c *Conn) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)

	attempt := 0
	op := func() (*websocket.Conn, error) {
		attempt++
		dctx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
		defer cancel()
		ws, resp, err := c.dialer.DialContext(dctx, c.opts.URL, header)
		if err == nil {
			return ws, nil
		}
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, backoff.Permanent(fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode))
		}
		c.log.Debug("realtime connect attempt failed", "attempt", attempt, "error", err)
		return nil, err
	}

	ws, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(c.opts.ReconnectDelay)),
		backoff.WithMaxTries(uint(c.opts.ReconnectAttempts+1)),
	)
	if err != nil {
		c.log.Warn("realtime connect gave up", "attempts", attempt, "error", err)
		return nil, fmt.Errorf("realtime: connect: %w", err)
	}
	return ws, nil
}

// readPump pumps frames from the websocket to the registered handlers.
func (c *Conn) readPump(l *link) {
	var cause error
	defer func() {
		l.close()
		c.dropped(l, cause)
	}()

	l.ws.SetReadLimit(maxMessageSize)
	l.ws.SetReadDeadline(time.Now().Add(pongWait))
	l.ws.SetPongHandler(func(string) error {
		l.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := l.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				cause = err
			}
			return
		}
		var f Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			c.log.Warn("dropping malformed frame", "error", err)
			continue
		}
		c.dispatch(f)
	}
}

func (c *Conn) dispatch(f Frame) {
	if f.Ack != 0 {
		c.mu.Lock()
		ch := c.acks[f.Ack]
		delete(c.acks, f.Ack)
		c.mu.Unlock()
		if ch != nil {
			ch <- ackResult{data: f.Data}
		}
		return
	}

	c.mu.Lock()
	hs := make([]Handler, 0, len(c.handlers[f.Event]))
	for _, h := range c.handlers[f.Event] {
		hs = append(hs, h)
	}
	c.mu.Unlock()
	for _, h := range hs {
		h(f.Data)
	}
}

// writePump pumps queued frames to the websocket and keeps it alive with pings.
func (c *Conn) writePump(l *link) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		l.close()
		l.ws.Close()
	}()

	for {
		select {
		case raw := <-l.send:
			l.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-ticker.C:
			l.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-l.done:
			// Flush what was queued before the close so a final announcement
			// still goes out.
			for n := len(l.send); n > 0; n-- {
				l.ws.SetWriteDeadline(time.Now().Add(writeWait))
				if err := l.ws.WriteMessage(websocket.TextMessage, <-l.send); err != nil {
					return
				}
			}
			l.ws.SetWriteDeadline(time.Now().Add(writeWait))
			l.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// dropped forgets a dead link, fails pending acknowledgements and, unless
// the connection was closed on purpose, starts reconnecting.
func (c *Conn) dropped(l *link, cause error) {
	c.mu.Lock()
	if c.link != l {
		c.mu.Unlock()
		return
	}
	c.link = nil
	pending := c.acks
	c.acks = make(map[uint64]chan ackResult)
	closed := c.closed
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- ackResult{err: ErrDisconnected}
	}
	if closed {
		return
	}

	c.log.Warn("realtime link lost, reconnecting", "error", cause)
	go func() {
		if err := c.ensure(c.ctx); err != nil && !errors.Is(err, ErrClosed) {
			c.log.Error("realtime reconnect failed", "error", err)
		}
	}()
}

func (c *Conn) enqueue(f Frame) error {
	raw, err := json.Marshal(f)
	if err != nil {
		return err
	}
	c.mu.Lock()
	l, closed := c.link, c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if l == nil {
		return ErrDisconnected
	}
	select {
	case l.send <- raw:
		return nil
	case <-l.done:
		return ErrDisconnected
	}
}

// Emit sends event without waiting for an acknowledgement.
func (c *Conn) Emit(event string, data any) error {
	f, err := NewFrame(event, data)
	if err != nil {
		return err
	}
	return c.enqueue(f)
}

// EmitWithAck sends event and waits for the server's acknowledgement, at most
// AckTimeout or until ctx is done.
func (c *Conn) EmitWithAck(ctx context.Context, event string, data any) (json.RawMessage, error) {
	f, err := NewFrame(event, data)
	if err != nil {
		return nil, err
	}

	ch := make(chan ackResult, 1)
	c.mu.Lock()
	c.nextAckID++
	f.ID = c.nextAckID
	c.acks[f.ID] = ch
	c.mu.Unlock()

	release := func() {
		c.mu.Lock()
		delete(c.acks, f.ID)
		c.mu.Unlock()
	}

	if err := c.enqueue(f); err != nil {
		release()
		return nil, err
	}

	timer := time.NewTimer(c.opts.AckTimeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		return res.data, res.err
	case <-timer.C:
		release()
		return nil, fmt.Errorf("realtime: %s: ack timeout", event)
	case <-ctx.Done():
		release()
		return nil, ctx.Err()
	}
}

// Close tears the connection down for good. It is safe to call repeatedly.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	l := c.link
	c.mu.Unlock()

	c.cancel()
	if l != nil {
		l.close()
	}
	c.log.Info("realtime connection closed")
}
