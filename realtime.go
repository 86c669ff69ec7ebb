package chatcore

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ============================================================================
// Connection Manager
// ============================================================================

// ConnState is the broker connection state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
)

// TokenFunc supplies the bearer token for the CONNECT frame. It is invoked at
// the moment of every connection attempt, never cached, because the
// credential may rotate between attempts.
type TokenFunc func(ctx context.Context) (string, error)

// MessageHandler receives MESSAGE frame bodies together with their
// destination and subscription id.
type MessageHandler func(destination, subscription string, body []byte)

// ConnConfig configures a broker connection.
type ConnConfig struct {
	// URL is the ws:// or wss:// broker endpoint.
	URL string
	// Token is called on every (re)connect attempt.
	Token TokenFunc
	// ReconnectDelay is the fixed delay between reconnect attempts.
	ReconnectDelay time.Duration
	// HeartbeatInterval is the outbound heartbeat period; inbound traffic
	// staler than three intervals counts as a half-open socket.
	HeartbeatInterval time.Duration
	// DialTimeout bounds a single dial+handshake attempt.
	DialTimeout time.Duration
	Logger      zerolog.Logger
}

func (c *ConnConfig) defaults() {
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 5 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 4 * time.Second
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
}

// Conn owns the single broker connection for a session. It reconnects
// indefinitely with a fixed delay until Disconnect is called; a failed
// attempt is never fatal.
type Conn struct {
	cfg ConnConfig
	log zerolog.Logger

	mu               sync.Mutex
	ws               *websocket.Conn
	state            ConnState
	intentionalClose bool
	reconnecting     bool
	cancelFn         context.CancelFunc
	epoch            uint64

	handlerMu sync.RWMutex
	onState   []func(ConnState)
	onMessage MessageHandler

	lastRead atomic.Int64
}

// NewConn creates a connection manager. Call Connect to establish the link.
func NewConn(cfg ConnConfig) *Conn {
	cfg.defaults()
	return &Conn{
		cfg:   cfg,
		log:   cfg.Logger.With().Str("component", "conn").Logger(),
		state: StateDisconnected,
	}
}

// State returns the current connection state.
func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether the broker handshake has completed.
func (c *Conn) IsConnected() bool {
	return c.State() == StateConnected
}

// Epoch returns the connection instance counter. It increments on every
// successful handshake, so per-connection-once work can compare epochs.
func (c *Conn) Epoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

// OnStateChange registers a state transition callback. Callbacks run inline
// on the connection's goroutine, in transition order.
func (c *Conn) OnStateChange(f func(ConnState)) {
	c.handlerMu.Lock()
	c.onState = append(c.onState, f)
	c.handlerMu.Unlock()
}

// SetMessageHandler installs the single inbound MESSAGE frame handler.
func (c *Conn) SetMessageHandler(h MessageHandler) {
	c.handlerMu.Lock()
	c.onMessage = h
	c.handlerMu.Unlock()
}

// Connect performs one connection attempt. On failure the reconnect loop is
// started and the attempt error returned; the connection keeps retrying until
// Disconnect is called.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.intentionalClose = false
	c.mu.Unlock()

	if err := c.attempt(ctx); err != nil {
		c.scheduleReconnect()
		return err
	}
	return nil
}

// Disconnect closes the connection and stops reconnecting.
func (c *Conn) Disconnect() error {
	c.mu.Lock()
	c.intentionalClose = true
	if c.cancelFn != nil {
		c.cancelFn()
		c.cancelFn = nil
	}
	ws := c.ws
	c.ws = nil
	c.mu.Unlock()

	c.setState(StateDisconnected)

	if ws != nil {
		return ws.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// SendFrame writes one frame. It fails synchronously with ErrNotConnected
// when no connection is open; this is the wire-level signal, distinct from
// any asynchronous server ack or rejection.
func (c *Conn) SendFrame(f Frame) error {
	c.mu.Lock()
	ws := c.ws
	connected := c.state == StateConnected
	c.mu.Unlock()

	if !connected || ws == nil {
		return ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ws.Write(ctx, websocket.MessageText, f.Marshal()); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Publish sends a SEND frame to a destination.
func (c *Conn) Publish(destination string, body []byte) error {
	f := sendFrame(destination, body)
	return c.SendFrame(f)
}

// ── internals ────────────────────────────────────────────────

// attempt dials the broker and runs the CONNECT/CONNECTED handshake.
func (c *Conn) attempt(ctx context.Context) error {
	c.setState(StateConnecting)

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	token := ""
	if c.cfg.Token != nil {
		t, err := c.cfg.Token(dialCtx)
		if err != nil {
			c.setState(StateDisconnected)
			return fmt.Errorf("resolve token: %w", err)
		}
		token = t
	}

	ws, _, err := websocket.Dial(dialCtx, c.cfg.URL, nil)
	if err != nil {
		c.setState(StateDisconnected)
		return fmt.Errorf("broker dial: %w", err)
	}

	cf := connectFrame(token)
	if err := ws.Write(dialCtx, websocket.MessageText, cf.Marshal()); err != nil {
		ws.Close(websocket.StatusProtocolError, "")
		c.setState(StateDisconnected)
		return fmt.Errorf("write CONNECT: %w", err)
	}

	_, data, err := ws.Read(dialCtx)
	if err != nil {
		ws.Close(websocket.StatusProtocolError, "")
		c.setState(StateDisconnected)
		return fmt.Errorf("read CONNECTED: %w", err)
	}
	fr, err := ParseFrame(data)
	if err != nil || fr.Command != cmdConnected {
		ws.Close(websocket.StatusProtocolError, "")
		c.setState(StateDisconnected)
		if err != nil {
			return fmt.Errorf("parse CONNECTED: %w", err)
		}
		return fmt.Errorf("expected CONNECTED, got %q", fr.Command)
	}

	connCtx, connCancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.ws = ws
	c.cancelFn = connCancel
	c.epoch++
	c.mu.Unlock()
	c.lastRead.Store(time.Now().UnixNano())

	c.setState(StateConnected)
	c.log.Info().Str("url", c.cfg.URL).Msg("broker connected")

	go c.readLoop(connCtx, ws)
	go c.heartbeatLoop(connCtx, ws)
	return nil
}

func (c *Conn) readLoop(ctx context.Context, ws *websocket.Conn) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			c.handleReadError(err)
			return
		}
		c.lastRead.Store(time.Now().UnixNano())

		fr, perr := ParseFrame(data)
		if perr != nil {
			c.log.Warn().Err(perr).Msg("dropping malformed frame")
			continue
		}
		if fr.IsHeartbeat() {
			continue
		}

		switch fr.Command {
		case cmdMessage:
			c.handlerMu.RLock()
			h := c.onMessage
			c.handlerMu.RUnlock()
			if h != nil {
				h(fr.Headers[hdrDestination], fr.Headers[hdrSubscription], fr.Body)
			}
		case cmdError:
			c.log.Warn().
				Str("message", fr.Headers[hdrMessage]).
				Msg("broker ERROR frame")
		}
	}
}

func (c *Conn) handleReadError(err error) {
	c.mu.Lock()
	intentional := c.intentionalClose
	if c.cancelFn != nil {
		c.cancelFn()
		c.cancelFn = nil
	}
	c.ws = nil
	c.mu.Unlock()

	if intentional {
		return
	}

	c.log.Warn().Err(err).Msg("broker connection lost")
	c.setState(StateDisconnected)
	c.scheduleReconnect()
}

// heartbeatLoop sends outbound heartbeats and force-closes the socket when
// inbound traffic goes stale, which detects half-open connections.
func (c *Conn) heartbeatLoop(ctx context.Context, ws *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stale := time.Since(time.Unix(0, c.lastRead.Load())) > 3*c.cfg.HeartbeatInterval
			if stale {
				c.log.Warn().Msg("heartbeat timeout, closing socket")
				ws.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
			hb := Frame{}
			if err := ws.Write(ctx, websocket.MessageText, hb.Marshal()); err != nil {
				ws.Close(websocket.StatusGoingAway, "heartbeat write failed")
				return
			}
		}
	}
}

// scheduleReconnect starts the fixed-delay reconnect loop unless one is
// already running or the close was intentional.
func (c *Conn) scheduleReconnect() {
	c.mu.Lock()
	if c.reconnecting || c.intentionalClose {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	c.mu.Unlock()

	go func() {
		defer func() {
			c.mu.Lock()
			c.reconnecting = false
			c.mu.Unlock()
		}()
		for {
			time.Sleep(c.cfg.ReconnectDelay)

			c.mu.Lock()
			stop := c.intentionalClose
			c.mu.Unlock()
			if stop {
				return
			}

			if err := c.attempt(context.Background()); err != nil {
				c.log.Warn().Err(err).
					Dur("retryIn", c.cfg.ReconnectDelay).
					Msg("reconnect attempt failed")
				continue
			}
			return
		}
	}()
}

// setState transitions the state and notifies listeners. No-op when the
// state is unchanged, so listeners see each transition exactly once.
func (c *Conn) setState(s ConnState) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()

	c.handlerMu.RLock()
	handlers := append([]func(ConnState){}, c.onState...)
	c.handlerMu.RUnlock()
	for _, h := range handlers {
		h(s)
	}
}
