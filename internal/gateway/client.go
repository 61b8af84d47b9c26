// Package gateway provides the duplex connection to the remote authority.
//
// A Client keeps one websocket open for the process: it dials, heartbeats,
// reconnects after unexpected drops, buffers outbound messages while
// disconnected and fans inbound messages out to subscribers.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Handler receives inbound messages. Handlers run on the client's read
// goroutine and must not block.
type Handler func(Message)

// Config holds gateway client configuration.
type Config struct {
	// URL of the websocket endpoint (ws:// or wss://)
	URL string

	// HeartbeatInterval between pings while connected (default: 10s)
	HeartbeatInterval time.Duration

	// ReconnectDelay before re-dialing after an unexpected close (default: 1s)
	ReconnectDelay time.Duration

	// WriteTimeout bounds each frame write (default: 5s)
	WriteTimeout time.Duration

	// DialTimeout bounds each connection attempt (default: 10s)
	DialTimeout time.Duration

	// Token returns the bearer token sent on dial, if any
	Token func() string

	// Logger for connection activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		URL:               "ws://localhost:8080/ws",
		HeartbeatInterval: 10 * time.Second,
		ReconnectDelay:    time.Second,
		WriteTimeout:      5 * time.Second,
		DialTimeout:       10 * time.Second,
		Logger:            log.New(os.Stderr, "[gateway] ", log.LstdFlags),
	}
}

type sendOptions struct {
	buffer bool
}

// SendOption adjusts how Send treats a message.
type SendOption func(*sendOptions)

// WithoutBuffer drops the message instead of buffering it while
// disconnected. Heartbeats and subscriptions use it: replaying them after a
// reconnect is meaningless.
func WithoutBuffer() SendOption {
	return func(o *sendOptions) { o.buffer = false }
}

// Client is a self-healing gateway connection.
type Client struct {
	config *Config

	mu      sync.Mutex
	conn    *websocket.Conn
	buffer  []Message
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	subMu     sync.RWMutex
	handlers  map[int]Handler
	listeners map[int]func(bool)
	nextID    int
}

// New creates a client. Nothing is dialed until Open.
func New(config *Config) *Client {
	def := DefaultConfig()
	if config == nil {
		config = def
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = def.HeartbeatInterval
	}
	if config.ReconnectDelay <= 0 {
		config.ReconnectDelay = def.ReconnectDelay
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = def.WriteTimeout
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = def.DialTimeout
	}
	if config.Logger == nil {
		config.Logger = def.Logger
	}

	return &Client{
		config:    config,
		handlers:  make(map[int]Handler),
		listeners: make(map[int]func(bool)),
	}
}

// Open starts the connection loop. Calling Open on a running client is a
// no-op; calling it after Close starts a fresh loop.
func (c *Client) Open() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return
	}
	c.running = true

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	c.wg.Add(1)
	go c.run(ctx)
}

// Close tears down the connection and suppresses reconnects. Buffered
// messages are kept for the next Open.
func (c *Client) Close() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	cancel := c.cancel
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client closing")
	}
	cancel()
	c.wg.Wait()

	c.config.Logger.Println("Gateway closed")
}

// Connected reports whether a connection is currently established.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *Client) isRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Buffered returns the number of messages waiting for a connection.
func (c *Client) Buffered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buffer)
}

// Send transmits msg if connected and reports whether it was written.
// While disconnected msg is buffered, unless WithoutBuffer is given.
func (c *Client) Send(msg Message, opts ...SendOption) bool {
	o := sendOptions{buffer: true}
	for _, opt := range opts {
		opt(&o)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		err := c.writeLocked(c.conn, msg)
		if err == nil {
			return true
		}
		c.config.Logger.Printf("Failed to send %s: %v", msg.Type, err)
		// the read loop observes the closed connection and reconnects
		_ = c.conn.CloseNow()
		c.conn = nil
	}

	if o.buffer {
		c.buffer = append(c.buffer, msg)
	}
	return false
}

// Subscribe registers h for inbound messages and returns its unsubscribe
// function.
func (c *Client) Subscribe(h Handler) func() {
	c.subMu.Lock()
	id := c.nextID
	c.nextID++
	c.handlers[id] = h
	c.subMu.Unlock()

	return func() {
		c.subMu.Lock()
		delete(c.handlers, id)
		c.subMu.Unlock()
	}
}

// OnConnectionChange registers fn for connectivity transitions. fn(true)
// runs after the buffer has been flushed.
func (c *Client) OnConnectionChange(fn func(connected bool)) func() {
	c.subMu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.subMu.Unlock()

	return func() {
		c.subMu.Lock()
		delete(c.listeners, id)
		c.subMu.Unlock()
	}
}

// run dials and serves connections until the context is cancelled.
func (c *Client) run(ctx context.Context) {
	defer c.wg.Done()

	for {
		err := c.serve(ctx)
		if ctx.Err() != nil || !c.isRunning() {
			return
		}
		c.config.Logger.Printf("Connection lost: %v (reconnecting in %v)", err, c.config.ReconnectDelay)

		timer := time.NewTimer(c.config.ReconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// serve dials once and blocks until the connection drops.
func (c *Client) serve(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}

	if err := c.attach(conn); err != nil {
		_ = conn.CloseNow()
		return err
	}
	c.config.Logger.Printf("Connected to %s", c.config.URL)
	c.notify(true)

	connCtx, cancel := context.WithCancel(ctx)
	c.wg.Add(1)
	go c.heartbeat(connCtx)

	err = c.readLoop(connCtx, conn)
	cancel()

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	_ = conn.CloseNow()

	c.notify(false)
	return err
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.config.DialTimeout)
	defer cancel()

	opts := &websocket.DialOptions{}
	if c.config.Token != nil {
		if token := c.config.Token(); token != "" {
			opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + token}}
		}
	}

	conn, _, err := websocket.Dial(dialCtx, c.config.URL, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", c.config.URL, err)
	}
	conn.SetReadLimit(1 << 20)
	return conn, nil
}

// attach installs conn and flushes the buffer in original order. Holding mu
// across the flush keeps concurrent Sends behind the buffered messages.
func (c *Client) attach(conn *websocket.Conn) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return errors.New("client closed")
	}

	for len(c.buffer) > 0 {
		if err := c.writeLocked(conn, c.buffer[0]); err != nil {
			return fmt.Errorf("failed to flush buffer: %w", err)
		}
		c.buffer = c.buffer[1:]
	}
	c.buffer = nil
	c.conn = conn
	return nil
}

func (c *Client) writeLocked(conn *websocket.Conn, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", msg.Type, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.config.WriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

func (c *Client) heartbeat(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Send(Ping(), WithoutBuffer())
		}
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}

		msg, err := Parse(data)
		if err != nil || msg.Type == TypePong {
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg Message) {
	c.subMu.RLock()
	handlers := make([]Handler, 0, len(c.handlers))
	for _, h := range c.handlers {
		handlers = append(handlers, h)
	}
	c.subMu.RUnlock()

	for _, h := range handlers {
		h(msg)
	}
}

func (c *Client) notify(connected bool) {
	c.subMu.RLock()
	listeners := make([]func(bool), 0, len(c.listeners))
	for _, fn := range c.listeners {
		listeners = append(listeners, fn)
	}
	c.subMu.RUnlock()

	for _, fn := range listeners {
		fn(connected)
	}
}
