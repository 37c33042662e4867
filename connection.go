package vtrealtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// ConnectionState is the lifecycle state of a Connection.
type ConnectionState int

const (
	StateClosed ConnectionState = iota
	StateConnecting
	StateOpen
	StateClosing
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ReconnectionStatus is a snapshot of the reconnection state.
type ReconnectionStatus struct {
	Attempts       int
	MaxAttempts    int
	IsReconnecting bool
	Enabled        bool
	NextDelay      time.Duration
}

type reconnectState struct {
	attempts       int
	isReconnecting bool
	enabled        bool
	// manualDisabled records an explicit DisableReconnection; Connect keeps it.
	manualDisabled bool
	nextDelay      time.Duration
	timer          *time.Timer
}

// Connection owns one logical connection to the backend: the socket lifecycle,
// the authorize handshake, heartbeats, reconnection with backoff, and buffering
// of outbound messages while the connection is not ready.
//
// Event callbacks run on the read goroutine and should not block.
type Connection struct {
	cfg       Config
	logger    *Logger
	adapter   *Adapter
	transport Transport
	outbound  *OutboundQueue
	states    *Broadcaster[ConnectionState]

	mu        sync.Mutex // guards the fields below
	state     ConnectionState
	url       string
	sock      Socket
	gen       uint64 // bumped whenever the current socket is replaced or torn down
	ready     bool   // open and, if a token is set, authorized
	loopStop  context.CancelFunc
	reconnect reconnectState
	auth      authState
	closed    bool

	writeMu sync.Mutex // serializes socket writes

	handlerMu sync.RWMutex
	onEvent   func(Event)
}

// NewConnection creates a closed connection. Call Connect to open it.
func NewConnection(cfg Config) (*Connection, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	c := &Connection{
		cfg:       cfg,
		logger:    cfg.Logger,
		adapter:   NewAdapter(&Validator{MaxStringLength: cfg.MaxStringLength, MaxDepth: cfg.MaxDepth, MaxAudioLength: cfg.MaxAudioLength}, cfg.Logger),
		transport: cfg.Transport,
		outbound:  NewOutboundQueue(cfg.OutboundQueueSize, cfg.Logger),
		states:    NewBroadcaster[ConnectionState](),
		state:     StateClosed,
	}
	c.reconnect.enabled = !cfg.Reconnect.Disabled
	c.reconnect.manualDisabled = cfg.Reconnect.Disabled
	c.auth.token = cfg.Token
	c.auth.info = inspectToken(cfg.Token)
	return c, nil
}

// OnEvent registers the callback receiving every inbound event, including
// internal *ErrorEvent values for invalid messages.
func (c *Connection) OnEvent(fn func(Event)) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.onEvent = fn
}

// Subscribe returns a channel of connection state changes and a cancel func.
func (c *Connection) Subscribe() (<-chan ConnectionState, func()) {
	return c.states.Subscribe(16)
}

// StateUpdateStats reports delivery counters for Subscribe.
func (c *Connection) StateUpdateStats() BroadcastStats {
	return c.states.Stats()
}

// State returns the current connection state.
func (c *Connection) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ReconnectionStatus returns a snapshot of the reconnection state.
func (c *Connection) ReconnectionStatus() ReconnectionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ReconnectionStatus{
		Attempts:       c.reconnect.attempts,
		MaxAttempts:    c.cfg.Reconnect.MaxAttempts,
		IsReconnecting: c.reconnect.isReconnecting,
		Enabled:        c.reconnect.enabled,
		NextDelay:      c.reconnect.nextDelay,
	}
}

// AuthorizationStatus returns a snapshot of the handshake state.
func (c *Connection) AuthorizationStatus() AuthorizationStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.auth.status()
}

// OutboundQueue exposes the buffer of messages waiting for the connection.
func (c *Connection) OutboundQueue() *OutboundQueue { return c.outbound }

func (c *Connection) setStateLocked(s ConnectionState) {
	if c.state == s {
		return
	}
	c.state = s
	c.states.Publish(s)
}

// Connect dials rawURL and starts the read and keepalive loops. http(s) URLs
// are converted to ws(s). A failed dial is returned to the caller and does not
// start reconnection.
func (c *Connection) Connect(ctx context.Context, rawURL string) error {
	if err := validateSocketURL(rawURL); err != nil {
		return err
	}
	u, _ := url.Parse(rawURL)
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.stopTimerLocked()
	old := c.detachLocked()
	c.url = u.String()
	c.reconnect.attempts = 0
	c.reconnect.isReconnecting = false
	c.reconnect.enabled = !c.reconnect.manualDisabled
	c.auth.blocked = false
	c.mu.Unlock()

	if old != nil {
		_ = old.Close(CloseNormal, "reconnecting")
	}
	return c.open(ctx)
}

// detachLocked forgets the current socket so its callbacks become stale.
func (c *Connection) detachLocked() Socket {
	c.gen++
	if c.loopStop != nil {
		c.loopStop()
		c.loopStop = nil
	}
	sock := c.sock
	c.sock = nil
	c.ready = false
	return sock
}

func (c *Connection) open(ctx context.Context) error {
	c.mu.Lock()
	c.gen++
	gen := c.gen
	target := c.url
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	h := http.Header{}
	for k, vals := range c.cfg.HandshakeHeaders {
		for _, v := range vals {
			h.Add(k, v)
		}
	}

	dialCtx := ctx
	if c.cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, c.cfg.DialTimeout)
		defer cancel()
	}

	sock, err := c.transport.Dial(dialCtx, target, h)
	if err != nil {
		c.mu.Lock()
		if gen == c.gen {
			c.setStateLocked(StateClosed)
		}
		c.mu.Unlock()
		c.logger.Warn("ws_dial_failed", map[string]any{"url": target, "err": err})
		return NewConnectionError(target, "dial", err)
	}

	// writeMu is held until the opening traffic is written so nothing overtakes it
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	if gen != c.gen || c.closed {
		c.mu.Unlock()
		_ = sock.Close(CloseNormal, "superseded")
		return ErrClosed
	}
	loopCtx, stop := context.WithCancel(context.Background())
	c.sock = sock
	c.loopStop = stop
	c.reconnect.attempts = 0
	c.reconnect.isReconnecting = false
	c.reconnect.nextDelay = 0
	c.setStateLocked(StateOpen)

	token := c.auth.token
	var pending []any
	if token != "" {
		c.auth.state = AuthPending
		c.auth.connectionID = ""
		c.auth.err = nil
	} else {
		pending = c.readyLocked()
	}
	expired := c.auth.info.expired(time.Now())
	c.mu.Unlock()

	c.logger.Info("ws_connected", map[string]any{"url": target, "authorize": token != ""})

	go c.readLoop(loopCtx, sock, gen)
	go c.pingLoop(loopCtx, sock)

	if token != "" {
		if expired {
			c.logger.Warn("auth_token_expired", map[string]any{"url": target})
		}
		if err := c.writeLocked(sock, CreateAuthorizeMessage(token)); err != nil {
			c.logger.Error("auth_send_failed", map[string]any{"err": err})
			go c.handleClose(gen, CloseAbnormal, err.Error())
		}
		return nil
	}

	c.flushLocked(sock, gen, pending)
	return nil
}

// readyLocked marks the connection ready and returns the init messages followed
// by everything buffered, in order. Later sends go straight to the socket.
func (c *Connection) readyLocked() []any {
	c.ready = true
	msgs := make([]any, 0, len(c.cfg.InitMessages)+c.outbound.Len())
	msgs = append(msgs, c.cfg.InitMessages...)
	return append(msgs, c.outbound.Drain()...)
}

// flushLocked writes msgs in order; writeMu must be held. Unsent messages go
// back to the front of the outbound queue when a write fails.
func (c *Connection) flushLocked(sock Socket, gen uint64, msgs []any) {
	for i, msg := range msgs {
		if err := c.writeLocked(sock, msg); err != nil {
			var sendErr *SendError
			if errors.As(err, &sendErr) && errors.Is(sendErr.Cause, errMarshal) {
				c.logger.Error("outbound_marshal_failed", map[string]any{"type": messageType(msg), "err": err})
				continue
			}
			c.mu.Lock()
			c.ready = false
			c.mu.Unlock()
			c.outbound.Requeue(msgs[i:])
			c.logger.Warn("outbound_flush_failed", map[string]any{"remaining": len(msgs) - i, "err": err})
			go c.handleClose(gen, CloseAbnormal, err.Error())
			return
		}
	}
	if len(msgs) > 0 {
		c.logger.Debug("outbound_flushed", map[string]any{"count": len(msgs)})
	}
}

var errMarshal = errors.New("marshal failed")

// writeLocked marshals and writes one message; writeMu must be held.
func (c *Connection) writeLocked(sock Socket, msg any) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return NewSendError(messageType(msg), fmt.Errorf("%w: %v", errMarshal, err))
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.WriteTimeout)
	defer cancel()
	if err := sock.Write(ctx, b); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return NewSendError(messageType(msg), ErrSendTimeout)
		}
		return NewSendError(messageType(msg), err)
	}
	return nil
}

// SendMessage writes msg when the connection is ready and buffers it otherwise.
// Buffered messages are sent in order once the connection becomes ready again;
// no delivery confirmation is given. Only marshal failures are returned.
func (c *Connection) SendMessage(msg any) error {
	if _, err := json.Marshal(msg); err != nil {
		return NewSendError(messageType(msg), fmt.Errorf("%w: %v", errMarshal, err))
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != StateOpen || !c.ready || c.sock == nil {
		c.outbound.Push(msg)
		c.mu.Unlock()
		c.logger.Debug("outbound_queued", map[string]any{"type": messageType(msg), "queued": c.outbound.Len()})
		return nil
	}
	sock, gen := c.sock, c.gen
	c.mu.Unlock()

	if err := c.writeLocked(sock, msg); err != nil {
		c.mu.Lock()
		c.ready = false
		c.mu.Unlock()
		c.outbound.Push(msg)
		c.logger.Warn("send_failed", map[string]any{"type": messageType(msg), "err": err})
		go c.handleClose(gen, CloseAbnormal, err.Error())
	}
	return nil
}

// writeDirect bypasses readiness, used for heartbeat replies.
func (c *Connection) writeDirect(gen uint64, msg any) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.mu.Lock()
	sock := c.sock
	current := gen == c.gen
	c.mu.Unlock()
	if sock == nil || !current {
		return
	}
	if err := c.writeLocked(sock, msg); err != nil {
		c.logger.Warn("send_failed", map[string]any{"type": messageType(msg), "err": err})
	}
}

// readLoop continuously reads frames from sock until it fails or is stopped.
func (c *Connection) readLoop(ctx context.Context, sock Socket, gen uint64) {
	for {
		data, err := sock.Read(ctx)
		if err != nil {
			code, reason := closeCodeOf(err)
			c.handleClose(gen, code, reason)
			return
		}
		c.dispatch(gen, c.adapter.DecodeMessage(data))
	}
}

func (c *Connection) pingLoop(ctx context.Context, sock Socket) {
	if c.cfg.KeepaliveInterval <= 0 {
		return
	}
	t := time.NewTicker(c.cfg.KeepaliveInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			pctx, cancel := context.WithTimeout(ctx, c.cfg.KeepaliveInterval)
			err := sock.Ping(pctx)
			cancel()
			if err != nil && ctx.Err() == nil {
				c.logger.Warn("keepalive_failed", map[string]any{"err": err})
			}
		}
	}
}

func (c *Connection) dispatch(gen uint64, ev Event) {
	switch e := ev.(type) {
	case *Ping:
		c.writeDirect(gen, CreatePongMessage())
	case *AuthorizeSuccess:
		c.authorized(gen, e.ConnectionID)
	case *AuthorizeError:
		c.rejectAuthorization(gen, e.Reason)
	case *ErrorEvent:
		if e.Internal {
			c.logger.Warn("inbound_invalid", map[string]any{"message": e.Message, "details": e.Details})
		} else {
			c.logger.Warn("server_error", map[string]any{"message": e.Message, "code": e.Code})
		}
	}

	c.handlerMu.RLock()
	fn := c.onEvent
	c.handlerMu.RUnlock()
	if fn != nil {
		fn(ev)
	}
}

func (c *Connection) authorized(gen uint64, connectionID string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	if gen != c.gen || c.sock == nil {
		c.mu.Unlock()
		return
	}
	c.auth.state = AuthAuthorized
	c.auth.connectionID = connectionID
	c.auth.err = nil
	sock := c.sock
	var pending []any
	if !c.ready {
		pending = c.readyLocked()
	}
	c.mu.Unlock()

	c.logger.Info("auth_success", map[string]any{"connection_id": connectionID})
	c.flushLocked(sock, gen, pending)
}

// rejectAuthorization closes the socket with a policy code and blocks
// reconnection until a new token is set.
func (c *Connection) rejectAuthorization(gen uint64, reason string) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.auth.state = AuthError
	c.auth.err = &AuthorizationError{Reason: reason}
	c.auth.blocked = true
	c.stopTimerLocked()
	c.reconnect.isReconnecting = false
	sock := c.detachLocked()
	c.setStateLocked(StateClosing)
	c.mu.Unlock()

	c.logger.Error("auth_failed", map[string]any{"reason": reason})
	if sock != nil {
		_ = sock.Close(ClosePolicyViolated, "authorization failed")
	}

	c.mu.Lock()
	c.setStateLocked(StateClosed)
	c.mu.Unlock()
}

// handleClose runs once per socket when it closes or fails.
func (c *Connection) handleClose(gen uint64, code int, reason string) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	sock := c.detachLocked()
	c.setStateLocked(StateClosed)
	if c.auth.state == AuthPending || c.auth.state == AuthAuthorized {
		c.auth.state = AuthNotAttempted
		c.auth.connectionID = ""
	}
	c.mu.Unlock()

	if sock != nil {
		_ = sock.Close(CloseNormal, "")
	}
	c.logger.Info("ws_closed", map[string]any{"code": code, "reason": reason})

	if code == CloseNormal {
		return
	}
	c.scheduleReconnect()
}

// ReconnectDelay returns min(max, base·2^attempts) scaled by a random factor
// in [1-jitter, 1+jitter].
func ReconnectDelay(attempts int, cfg ReconnectConfig) time.Duration {
	d := float64(cfg.BaseDelay) * math.Pow(2, float64(attempts))
	if cfg.MaxDelay > 0 && d > float64(cfg.MaxDelay) {
		d = float64(cfg.MaxDelay)
	}
	return applyJitter(time.Duration(d), cfg.Jitter)
}

func (c *Connection) scheduleReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || !c.reconnect.enabled || c.auth.blocked {
		c.reconnect.isReconnecting = false
		return
	}
	if c.reconnect.attempts >= c.cfg.Reconnect.MaxAttempts {
		c.reconnect.isReconnecting = false
		c.reconnect.nextDelay = 0
		c.logger.Error("reconnect_exhausted", map[string]any{"attempts": c.reconnect.attempts})
		return
	}

	delay := ReconnectDelay(c.reconnect.attempts, c.cfg.Reconnect)
	c.reconnect.attempts++
	c.reconnect.isReconnecting = true
	c.reconnect.nextDelay = delay
	gen := c.gen
	attempt := c.reconnect.attempts
	c.reconnect.timer = time.AfterFunc(delay, func() { c.reconnectNow(gen) })

	c.logger.Info("reconnect_scheduled", map[string]any{"attempt": attempt, "delay_ms": delay.Milliseconds()})
}

func (c *Connection) reconnectNow(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.closed || !c.reconnect.enabled {
		c.mu.Unlock()
		return
	}
	c.reconnect.timer = nil
	attempt := c.reconnect.attempts
	c.mu.Unlock()

	c.logger.Info("reconnect_attempt", map[string]any{"attempt": attempt})
	if err := c.open(context.Background()); err != nil {
		if errors.Is(err, ErrClosed) {
			return
		}
		c.scheduleReconnect()
	}
}

func (c *Connection) stopTimerLocked() {
	if c.reconnect.timer != nil {
		c.reconnect.timer.Stop()
		c.reconnect.timer = nil
	}
}

// EnableReconnection allows automatic reconnection after abnormal closes.
func (c *Connection) EnableReconnection() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reconnect.enabled = true
	c.reconnect.manualDisabled = false
}

// DisableReconnection stops automatic reconnection and cancels a pending attempt.
func (c *Connection) DisableReconnection() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reconnect.enabled = false
	c.reconnect.manualDisabled = true
	c.reconnect.isReconnecting = false
	c.stopTimerLocked()
}

// SetAuthToken replaces the token used for the authorize handshake and clears a
// previous rejection. On an open connection the handshake is restarted.
func (c *Connection) SetAuthToken(token string) {
	info := inspectToken(token)
	if info.expired(time.Now()) {
		c.logger.Warn("auth_token_expired", map[string]any{"subject": info.subject, "expired_at": info.expiresAt})
	}

	c.mu.Lock()
	c.auth = authState{token: token, info: info}
	sock, gen := c.sock, c.gen
	open := c.state == StateOpen && sock != nil && token != ""
	if open {
		c.auth.state = AuthPending
	}
	c.mu.Unlock()

	if open {
		c.writeDirect(gen, CreateAuthorizeMessage(token))
	}
}

// Disconnect closes the connection with a normal close code, cancels any pending
// reconnection, disables reconnection and clears the authorization state.
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	c.reconnect.enabled = false
	c.reconnect.isReconnecting = false
	c.reconnect.nextDelay = 0
	c.stopTimerLocked()
	sock := c.detachLocked()
	c.auth = authState{token: c.auth.token, info: c.auth.info}
	if sock != nil {
		c.setStateLocked(StateClosing)
	}
	c.mu.Unlock()

	var err error
	if sock != nil {
		err = sock.Close(CloseNormal, "client disconnect")
		c.logger.Info("ws_disconnected", map[string]any{})
	}

	c.mu.Lock()
	c.setStateLocked(StateClosed)
	c.mu.Unlock()
	return err
}

// Close disconnects and releases the connection. Later Connect calls return ErrClosed.
func (c *Connection) Close() error {
	err := c.Disconnect()
	c.mu.Lock()
	already := c.closed
	c.closed = true
	c.mu.Unlock()
	if !already {
		c.states.Close()
	}
	return err
}
