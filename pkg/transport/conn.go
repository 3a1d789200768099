// Package transport is the client side of the realtime link: one websocket
// per process that reconnects on its own, replays subscriptions and resends
// queued publishes after every reconnect.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mahaj/support-chat/pkg/model"
	"github.com/mahaj/support-chat/pkg/topic"
)

var (
	ErrClosed    = errors.New("transport closed")
	ErrQueueFull = errors.New("transport send queue full")
)

// ServerError is returned by Connect when the server answers the handshake
// with an error frame.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string { return "server error: " + e.Message }

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	}
	return "disconnected"
}

const (
	writeWait        = 10 * time.Second
	handshakeTimeout = 10 * time.Second
)

type Options struct {
	URL   string
	Token string

	// ReconnectDelay is the fixed wait between reconnect attempts. Default 5s.
	ReconnectDelay time.Duration
	// HeartbeatInterval is the ping period; a link silent for three
	// intervals is considered dead. Default 10s.
	HeartbeatInterval time.Duration
	// MaxPending bounds publishes queued while disconnected. Default 256.
	MaxPending int

	Dialer        *websocket.Dialer
	Logger        *slog.Logger
	OnStateChange func(State)
	// OnError receives error frames the server sends for rejected commands.
	OnError func(message string)
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	id      string
	topic   string
	handler topic.Handler
	active  atomic.Bool

	// dispatch is held from the active check through the handler call.
	dispatch sync.Mutex
}

func (s *Subscription) Topic() string { return s.topic }

type attempt struct {
	done chan struct{}
	err  error
}

type Conn struct {
	opts   Options
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	// running is the subscription whose handler the read loop is in.
	running atomic.Pointer[Subscription]

	// mu guards the fields below and serializes writes to ws.
	mu      sync.Mutex
	ws      *websocket.Conn
	state   State
	subs    map[string]*Subscription
	outbox  [][]byte
	dialing *attempt
	closed  bool
	nextID  uint64
}

func New(opts Options) *Conn {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 5 * time.Second
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 10 * time.Second
	}
	if opts.MaxPending <= 0 {
		opts.MaxPending = 256
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		opts:   opts,
		logger: opts.Logger.With("component", "transport"),
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[string]*Subscription),
	}
}

// Connect opens the link. It returns immediately when already connected and
// joins an attempt already in flight instead of dialing twice.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	if a := c.dialing; a != nil {
		c.mu.Unlock()
		select {
		case <-a.done:
			return a.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	a := &attempt{done: make(chan struct{})}
	c.dialing = a
	c.state = StateConnecting
	c.mu.Unlock()
	c.notify(StateConnecting)

	a.err = c.establish(ctx)

	c.mu.Lock()
	c.dialing = nil
	if a.err != nil && c.state == StateConnecting {
		c.state = StateDisconnected
	}
	c.mu.Unlock()
	close(a.done)

	if a.err != nil {
		c.notify(StateDisconnected)
		return a.err
	}
	c.notify(StateConnected)
	return nil
}

func (c *Conn) establish(ctx context.Context) error {
	header := http.Header{}
	if c.opts.Token != "" {
		header.Set("Authorization", "Bearer "+c.opts.Token)
	}
	ws, resp, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %s: %w", c.opts.URL, resp.Status, err)
		}
		return fmt.Errorf("dial %s: %w", c.opts.URL, err)
	}

	ws.SetReadDeadline(time.Now().Add(handshakeTimeout))
	var hello model.Frame
	if err := ws.ReadJSON(&hello); err != nil {
		ws.Close()
		return fmt.Errorf("handshake: %w", err)
	}
	switch hello.Type {
	case model.FrameConnected:
	case model.FrameError:
		ws.Close()
		return &ServerError{Message: hello.Message}
	default:
		ws.Close()
		return fmt.Errorf("handshake: unexpected %q frame", hello.Type)
	}

	deadline := 3 * c.opts.HeartbeatInterval
	ws.SetReadDeadline(time.Now().Add(deadline))
	ws.SetPongHandler(func(string) error { return ws.SetReadDeadline(time.Now().Add(deadline)) })

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		ws.Close()
		return ErrClosed
	}

	// Replay subscriptions, then flush sends queued while offline, before
	// anyone is told the link is up.
	subs := make([]*Subscription, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].id < subs[j].id })
	for _, s := range subs {
		if err := writeFrame(ws, model.Frame{Type: model.FrameSubscribe, ID: s.id, Topic: s.topic}); err != nil {
			ws.Close()
			return fmt.Errorf("replay subscribe %s: %w", s.topic, err)
		}
	}
	for len(c.outbox) > 0 {
		if err := writeRaw(ws, c.outbox[0]); err != nil {
			ws.Close()
			return fmt.Errorf("flush queued send: %w", err)
		}
		c.outbox = c.outbox[1:]
	}

	c.ws = ws
	c.state = StateConnected
	go c.readLoop(ws)
	go c.pingLoop(ws)
	return nil
}

func (c *Conn) readLoop(ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.lost(ws, err)
			return
		}
		var f model.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Warn("ignoring malformed frame", "error", err)
			continue
		}
		switch f.Type {
		case model.FrameMessage:
			c.mu.Lock()
			s := c.subs[f.ID]
			c.mu.Unlock()
			if s != nil && s.topic == f.Topic {
				c.dispatch(s, f.Body)
			}
		case model.FrameError:
			c.logger.Warn("server rejected command", "message", f.Message)
			if c.opts.OnError != nil {
				c.opts.OnError(f.Message)
			}
		}
	}
}

func (c *Conn) dispatch(s *Subscription, body json.RawMessage) {
	s.dispatch.Lock()
	defer s.dispatch.Unlock()
	if !s.active.Load() {
		return
	}
	c.running.Store(s)
	defer c.running.Store(nil)
	s.handler(body)
}

func (c *Conn) pingLoop(ws *websocket.Conn) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// lost handles an unexpected end of ws and starts reconnecting.
func (c *Conn) lost(ws *websocket.Conn, err error) {
	c.mu.Lock()
	if c.ws != ws {
		c.mu.Unlock()
		return
	}
	c.ws = nil
	c.state = StateDisconnected
	closed := c.closed
	c.mu.Unlock()
	ws.Close()

	if closed {
		return
	}
	c.logger.Warn("connection lost", "error", err, "retry_in", c.opts.ReconnectDelay)
	c.notify(StateDisconnected)
	go c.reconnect()
}

func (c *Conn) reconnect() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(c.opts.ReconnectDelay):
		}
		err := c.Connect(c.ctx)
		if err == nil || errors.Is(err, ErrClosed) || c.ctx.Err() != nil {
			return
		}
		c.logger.Warn("reconnect failed", "error", err, "retry_in", c.opts.ReconnectDelay)
	}
}

// Subscribe registers h for topic. The subscription survives reconnects.
func (c *Conn) Subscribe(name string, h topic.Handler) *Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	s := &Subscription{id: "sub-" + strconv.FormatUint(c.nextID, 10), topic: name, handler: h}
	s.active.Store(true)
	c.subs[s.id] = s

	if c.state == StateConnected {
		c.sendLocked(model.Frame{Type: model.FrameSubscribe, ID: s.id, Topic: name})
	}
	return s
}

// Unsubscribe stops callbacks for s: once it returns no new callback starts.
// A callback that is already running, including one calling Unsubscribe on
// its own subscription, is not waited for. Unknown handles are ignored.
func (c *Conn) Unsubscribe(s *Subscription) {
	if s == nil {
		return
	}
	s.active.Store(false)
	if c.running.Load() != s {
		// Wait out a dispatch that passed the active check but has not
		// reached the handler yet.
		s.dispatch.Lock()
		s.dispatch.Unlock()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[s.id]; !ok {
		return
	}
	delete(c.subs, s.id)
	if c.state == StateConnected {
		c.sendLocked(model.Frame{Type: model.FrameUnsubscribe, ID: s.id})
	}
}

// Publish sends v to a server destination. While disconnected the frame is
// queued and sent after the next successful connect.
func (c *Conn) Publish(destination string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(model.Frame{Type: model.FrameSend, Topic: destination, Body: body})
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.state == StateConnected && c.ws != nil {
		if err := writeRaw(c.ws, frame); err == nil {
			return nil
		}
		// The read loop notices the broken link and reconnects.
		c.ws.Close()
	}
	if len(c.outbox) >= c.opts.MaxPending {
		return ErrQueueFull
	}
	c.outbox = append(c.outbox, frame)
	return nil
}

// Pending reports how many publishes wait for a connection.
func (c *Conn) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.outbox)
}

func (c *Conn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateConnected
}

func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ws := c.ws
	c.ws = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	c.cancel()
	if ws != nil {
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		return ws.Close()
	}
	return nil
}

func (c *Conn) sendLocked(f model.Frame) {
	if err := writeFrame(c.ws, f); err != nil {
		c.logger.Warn("write failed", "type", f.Type, "error", err)
		c.ws.Close()
	}
}

func (c *Conn) notify(s State) {
	if c.opts.OnStateChange != nil {
		c.opts.OnStateChange(s)
	}
}

func writeFrame(ws *websocket.Conn, f model.Frame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return writeRaw(ws, b)
}

func writeRaw(ws *websocket.Conn, b []byte) error {
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.WriteMessage(websocket.TextMessage, b)
}
