// Package signal implements the client side of the signaling protocol: a
// persistent websocket with request/response semantics, push event handlers
// and a linear-backoff reconnect policy. It is used by the Go test harness
// and bot clients; browsers speak the same frame format.
package signal

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"vidmatch/backend/internal/config"
	"vidmatch/backend/internal/errs"
	"vidmatch/backend/internal/models"
)

type channelState int

const (
	stateDisconnected channelState = iota
	stateConnecting
	stateConnected
)

// Handler receives a push envelope. Push delivery is at least once across
// reconnects; consumers must deduplicate.
type Handler func(env models.Envelope)

type Options struct {
	URL    string
	Header http.Header

	// Reconnect policy. Zero values fall back to the config defaults.
	BaseDelay      time.Duration
	MaxAttempts    int
	RequestTimeout time.Duration

	Dialer *websocket.Dialer
}

func (o *Options) withDefaults() {
	if o.BaseDelay == 0 {
		o.BaseDelay = config.ReconnectBaseDelay
	}
	if o.MaxAttempts == 0 {
		o.MaxAttempts = config.ReconnectMaxAttempts
	}
	if o.RequestTimeout == 0 {
		o.RequestTimeout = config.RequestTimeout
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
}

type pendingRequest struct {
	ch chan result
}

type result struct {
	ack models.Ack
	err error
}

type Channel struct {
	opts Options

	mu       sync.Mutex
	state    channelState
	conn     *websocket.Conn
	attempt  chan struct{} // closed when the in-flight connect resolves
	connErr  error
	closed   bool
	nextSeq  uint64
	pending  map[uint64]*pendingRequest
	handlers map[string]Handler

	writeMu sync.Mutex
}

func NewChannel(opts Options) *Channel {
	opts.withDefaults()
	return &Channel{
		opts:     opts,
		pending:  make(map[uint64]*pendingRequest),
		handlers: make(map[string]Handler),
	}
}

// Connect establishes the websocket. It is idempotent: calling it while a
// connect is in flight joins that attempt's outcome, and calling it on a
// connected channel returns nil immediately. An explicit Connect also
// revives a channel whose reconnect attempts were exhausted.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case stateConnected:
		c.mu.Unlock()
		return nil
	case stateConnecting:
		done := c.attempt
		c.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		c.mu.Lock()
		err := c.connErr
		c.mu.Unlock()
		return err
	}
	c.state = stateConnecting
	c.closed = false
	c.attempt = make(chan struct{})
	done := c.attempt
	c.mu.Unlock()

	err := c.dial(ctx)

	c.mu.Lock()
	c.connErr = err
	if err != nil {
		c.state = stateDisconnected
	}
	close(done)
	c.mu.Unlock()
	return err
}

func (c *Channel) dial(ctx context.Context) error {
	conn, _, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, c.opts.Header)
	if err != nil {
		return &errs.TransportError{Op: "connect", Cause: err}
	}
	c.mu.Lock()
	c.conn = conn
	c.state = stateConnected
	c.mu.Unlock()
	go c.readLoop(conn)
	return nil
}

// Request sends the payload once and resolves only on the explicit ack
// carrying the same seq. While disconnected it fails fast with a
// TransportError instead of hanging.
func (c *Channel) Request(ctx context.Context, event string, payload any) (models.Ack, error) {
	c.mu.Lock()
	if c.state != stateConnected {
		c.mu.Unlock()
		return models.Ack{}, &errs.TransportError{Op: "request " + event}
	}
	c.nextSeq++
	seq := c.nextSeq
	req := &pendingRequest{ch: make(chan result, 1)}
	c.pending[seq] = req
	conn := c.conn
	c.mu.Unlock()

	env := models.NewEnvelope(event, seq, payload)
	if err := c.write(conn, env); err != nil {
		c.dropPending(seq)
		return models.Ack{}, &errs.TransportError{Op: "request " + event, Cause: err}
	}

	timer := time.NewTimer(c.opts.RequestTimeout)
	defer timer.Stop()
	select {
	case res := <-req.ch:
		return res.ack, res.err
	case <-timer.C:
		c.dropPending(seq)
		return models.Ack{}, &errs.TransportError{Op: "request " + event, Cause: errors.New("timed out waiting for ack")}
	case <-ctx.Done():
		c.dropPending(seq)
		return models.Ack{}, ctx.Err()
	}
}

func (c *Channel) write(conn *websocket.Conn, env models.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(env)
}

func (c *Channel) dropPending(seq uint64) {
	c.mu.Lock()
	delete(c.pending, seq)
	c.mu.Unlock()
}

// On registers the handler for a push event type, replacing any previous
// one. Off removes it.
func (c *Channel) On(event string, h Handler) {
	c.mu.Lock()
	c.handlers[event] = h
	c.mu.Unlock()
}

func (c *Channel) Off(event string) {
	c.mu.Lock()
	delete(c.handlers, event)
	c.mu.Unlock()
}

// Disconnect closes the channel and disables reconnection until the next
// explicit Connect.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.state = stateDisconnected
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	c.failPending()
}

// Connected reports whether the channel currently has a live connection.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateConnected
}

func (c *Channel) readLoop(conn *websocket.Conn) {
	for {
		var env models.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			c.handleTransportLoss(conn, err)
			return
		}
		if env.Type == models.EvtAck {
			c.resolveAck(env)
			continue
		}
		c.mu.Lock()
		h := c.handlers[env.Type]
		c.mu.Unlock()
		if h != nil {
			h(env)
		}
	}
}

func (c *Channel) resolveAck(env models.Envelope) {
	c.mu.Lock()
	req, ok := c.pending[env.Seq]
	delete(c.pending, env.Seq)
	c.mu.Unlock()
	if !ok {
		return
	}
	var ack models.Ack
	if err := json.Unmarshal(env.Payload, &ack); err != nil {
		req.ch <- result{err: &errs.TransportError{Op: "decode ack", Cause: err}}
		return
	}
	req.ch <- result{ack: ack}
}

// handleTransportLoss fails every in-flight request and, unless the channel
// was closed deliberately, starts the reconnect loop.
func (c *Channel) handleTransportLoss(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		// A newer connection already replaced this one.
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.state = stateDisconnected
	closed := c.closed
	c.mu.Unlock()
	_ = conn.Close()
	c.failPending()

	if closed {
		return
	}
	log.Printf("signaling transport lost: %v", cause)
	go c.reconnectLoop()
}

func (c *Channel) failPending() {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[uint64]*pendingRequest)
	c.mu.Unlock()
	for _, req := range pending {
		req.ch <- result{err: &errs.TransportError{Op: "connection lost"}}
	}
}

// reconnectLoop retries with a linearly increasing delay. Attempts never
// overlap; a successful reconnect resets the counter (the loop exits and a
// future loss starts from attempt 1). Exhausting the attempts leaves the
// channel disconnected until an explicit Connect.
func (c *Channel) reconnectLoop() {
	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		time.Sleep(time.Duration(attempt) * c.opts.BaseDelay)

		c.mu.Lock()
		if c.closed || c.state != stateDisconnected {
			c.mu.Unlock()
			return
		}
		c.state = stateConnecting
		// A fresh attempt channel, so a concurrent Connect joins this
		// attempt's outcome rather than a previous, already-resolved one.
		c.attempt = make(chan struct{})
		done := c.attempt
		c.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), c.opts.RequestTimeout)
		err := c.dial(ctx)
		cancel()

		c.mu.Lock()
		c.connErr = err
		if err != nil {
			c.state = stateDisconnected
		}
		close(done)
		c.mu.Unlock()

		if err == nil {
			log.Printf("signaling transport reconnected (attempt %d)", attempt)
			return
		}
		log.Printf("reconnect attempt %d/%d failed: %v", attempt, c.opts.MaxAttempts, err)
	}
	log.Printf("reconnect attempts exhausted, channel stays disconnected")
}
