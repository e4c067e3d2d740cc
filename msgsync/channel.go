package msgsync

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/Jay4h/jobsetu-sub000/msgsync/internal"
)

// stableAfter is how long a connection must survive before the reconnect
// attempt counter starts over.
const stableAfter = 60 * time.Second

// CredentialFunc returns the current credential. It is called on every
// connect and reconnect attempt, never cached.
type CredentialFunc func() string

// Channel is the persistent push connection carrying named server events.
type Channel interface {
	// Start opens the channel. It is a no-op on a started channel.
	Start(ctx context.Context) error
	// Stop closes the channel. It is idempotent and final.
	Stop(ctx context.Context) error
	// On binds h to event. Binding the same handler twice is a no-op.
	On(event string, h Handler)
	Off(event string, h Handler)
	// OnClose fires when the channel gives up after a transport loss or
	// is rejected by the server.
	OnClose(fn func(err error))
	// OnReconnecting fires when a transport loss starts the backoff loop.
	OnReconnecting(fn func(err error))
	// OnReconnected fires once a new transport is up.
	OnReconnected(fn func())
}

// ChannelFactory creates a fresh, unstarted channel.
type ChannelFactory func(url string, creds CredentialFunc) Channel

// NewWebSocketChannelFactory returns a factory producing WebSocketChannels.
func NewWebSocketChannelFactory(cfg Config, logger Logger) ChannelFactory {
	return func(u string, creds CredentialFunc) Channel {
		return NewWebSocketChannel(u, creds, cfg, logger)
	}
}

// WebSocketChannel implements Channel over a websocket with automatic
// reconnect. Events are dispatched on the read goroutine, one at a time.
//
// Reconnect policy: exponential backoff starting at ReconnectBaseDelay and
// doubling up to ReconnectMaxDelay, plus jitter uniform in [0, delay/2).
// At most MaxReconnectTries consecutive attempts are made (0 = unlimited);
// the counter starts over once a connection has stayed up for a minute.
// Credential rejections are never retried.
//
// Stop may be called from a handler or callback; it then returns without
// waiting for the loop it was called from.
type WebSocketChannel struct {
	url    string
	creds  CredentialFunc
	cfg    Config
	logger Logger

	hmu      sync.RWMutex
	handlers map[string]map[Handler]struct{}

	cbmu           sync.Mutex
	onClose        func(error)
	onReconnecting func(error)
	onReconnected  func()

	mu          sync.Mutex
	conn        *internal.Conn
	started     bool
	stopped     bool
	cancel      context.CancelFunc
	done        chan struct{}
	attempt     int
	connectedAt time.Time

	// inCallback counts handlers and callbacks currently running on the
	// read goroutine.
	inCallback atomic.Int32
}

// NewWebSocketChannel constructs an unstarted channel.
func NewWebSocketChannel(u string, creds CredentialFunc, cfg Config, logger Logger) *WebSocketChannel {
	if logger == nil {
		logger = noopLogger{}
	}
	return &WebSocketChannel{
		url:      u,
		creds:    creds,
		cfg:      cfg,
		logger:   logger,
		handlers: make(map[string]map[Handler]struct{}),
		done:     make(chan struct{}),
	}
}

// On binds h to event on this channel only. Most callers want
// Manager.On, which keeps the binding across channels.
func (c *WebSocketChannel) On(event string, h Handler) {
	h = keyedHandler(h)
	c.hmu.Lock()
	defer c.hmu.Unlock()
	set, ok := c.handlers[event]
	if !ok {
		set = make(map[Handler]struct{})
		c.handlers[event] = set
	}
	set[h] = struct{}{}
}

// Off unbinds h from event.
func (c *WebSocketChannel) Off(event string, h Handler) {
	if !isKeyable(h) {
		return
	}
	c.hmu.Lock()
	defer c.hmu.Unlock()
	delete(c.handlers[event], h)
}

// OnClose sets the callback for a channel that ended on its own.
func (c *WebSocketChannel) OnClose(fn func(error)) {
	c.cbmu.Lock()
	c.onClose = fn
	c.cbmu.Unlock()
}

// OnReconnecting sets the callback for a lost transport.
func (c *WebSocketChannel) OnReconnecting(fn func(error)) {
	c.cbmu.Lock()
	c.onReconnecting = fn
	c.cbmu.Unlock()
}

// OnReconnected sets the callback for a restored transport.
func (c *WebSocketChannel) OnReconnected(fn func()) {
	c.cbmu.Lock()
	c.onReconnected = fn
	c.cbmu.Unlock()
}

// Start dials the server, sends hello, and starts the read loop.
func (c *WebSocketChannel) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return NewError(ErrorDisconnected, "channel stopped")
	}
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "client stop")
		return NewError(ErrorDisconnected, "channel stopped during start")
	}
	runCtx, cancel := context.WithCancel(context.Background())
	c.started = true
	c.conn = conn
	c.cancel = cancel
	c.connectedAt = time.Now()
	c.mu.Unlock()

	go c.run(runCtx, conn)
	return nil
}

// Stop closes the connection and waits for the read loop to exit, unless
// it is called from inside a handler or callback of this channel.
func (c *WebSocketChannel) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	started := c.started
	cancel := c.cancel
	conn := c.conn
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client stop")
	}
	if !started || c.inCallback.Load() > 0 {
		return nil
	}
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *WebSocketChannel) dial(ctx context.Context) (*internal.Conn, error) {
	token := ""
	if c.creds != nil {
		token = c.creds()
	}
	if token == "" {
		return nil, NewError(ErrorNotAuthenticated, "no credential for channel")
	}
	if c.url == "" {
		return nil, NewError(ErrorInvalidConfig, "empty URL")
	}
	u, err := url.Parse(c.url)
	if err != nil {
		return nil, WrapError(ErrorInvalidConfig, "parse channel URL", err)
	}
	q := u.Query()
	q.Set("access_token", token)
	u.RawQuery = q.Encode()

	dialCtx := ctx
	if c.cfg.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
		defer cancel()
	}

	ws, resp, err := websocket.Dial(dialCtx, u.String(), &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + token}},
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, WrapError(ErrorUnauthorized, "channel rejected credential", err)
		}
		return nil, WrapError(ErrorConnection, "dial channel", err)
	}

	conn := internal.NewConn(ws, c.cfg.ReadTimeout, c.cfg.WriteTimeout)
	hello := internal.Inbound{
		Type: internal.InboundHello,
		Data: internal.HelloPayload{Protocol: internal.ProtocolVersion, Token: token},
	}
	if err := conn.Write(dialCtx, hello); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "handshake error")
		return nil, WrapError(ErrorConnection, "send hello", err)
	}
	return conn, nil
}

// run serves conn and supervises reconnects until the channel is stopped
// or gives up.
func (c *WebSocketChannel) run(ctx context.Context, conn *internal.Conn) {
	defer close(c.done)
	for {
		err := c.serve(ctx, conn)
		if ctx.Err() != nil {
			return
		}
		if !c.cfg.AutoReconnect || isPermanentChannelError(err) {
			c.logger.Warn("channel closed", map[string]any{"error": err})
			c.fireClose(WrapError(ErrorDisconnected, "channel closed", err))
			return
		}

		c.logger.Warn("connection lost, reconnecting", map[string]any{"error": err})
		c.fireReconnecting(err)

		conn, err = c.reconnect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("reconnect gave up", map[string]any{"error": err})
			c.fireClose(err)
			return
		}
		c.logger.Info("reconnected", nil)
		c.fireReconnected()
	}
}

// serve reads frames until the transport fails or ctx is cancelled.
func (c *WebSocketChannel) serve(ctx context.Context, conn *internal.Conn) error {
	connCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	if c.cfg.PingInterval > 0 {
		go c.heartbeat(connCtx, cancel, conn)
	}

	for {
		out, err := conn.ReadFrame(connCtx)
		if errors.Is(err, internal.ErrMalformedFrame) {
			c.logger.Debug("ignoring malformed frame", map[string]any{"error": WrapError(ErrorSerialization, "decode frame", err)})
			continue
		}
		if err != nil {
			if cause := context.Cause(connCtx); cause != nil && ctx.Err() == nil && !errors.Is(cause, context.Canceled) {
				err = cause
			}
			_ = conn.Close(websocket.StatusGoingAway, "transport lost")
			return err
		}
		if err := c.dispatch(out); err != nil {
			_ = conn.Close(websocket.StatusPolicyViolation, "rejected by server")
			return err
		}
	}
}

func (c *WebSocketChannel) heartbeat(ctx context.Context, fail context.CancelCauseFunc, conn *internal.Conn) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.Ping(ctx, c.cfg.PingInterval); err != nil {
				if ctx.Err() == nil {
					fail(WrapError(ErrorTimeout, "heartbeat failed", err))
				}
				return
			}
		}
	}
}

func (c *WebSocketChannel) reconnect(ctx context.Context) (*internal.Conn, error) {
	c.mu.Lock()
	if !c.connectedAt.IsZero() && time.Since(c.connectedAt) > stableAfter {
		c.attempt = 0
	}
	c.mu.Unlock()

	for {
		c.mu.Lock()
		attempt := c.attempt
		if c.cfg.MaxReconnectTries > 0 && attempt >= c.cfg.MaxReconnectTries {
			c.mu.Unlock()
			return nil, NewError(ErrorDisconnected, fmt.Sprintf("gave up after %d reconnect attempts", attempt))
		}
		c.attempt++
		c.mu.Unlock()

		delay := backoffDelay(c.cfg.ReconnectBaseDelay, c.cfg.ReconnectMaxDelay, attempt)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}

		conn, err := c.dial(ctx)
		if err == nil {
			c.mu.Lock()
			if c.stopped {
				c.mu.Unlock()
				_ = conn.Close(websocket.StatusNormalClosure, "client stop")
				return nil, NewError(ErrorDisconnected, "channel stopped during reconnect")
			}
			c.conn = conn
			c.connectedAt = time.Now()
			c.mu.Unlock()
			return conn, nil
		}
		if isPermanentChannelError(err) {
			return nil, err
		}
		c.logger.Warn("reconnect failed", map[string]any{"error": err, "attempt": attempt + 1, "backoff": delay.String()})
	}
}

// dispatch delivers one frame. It returns an error only for a server error
// that ends the channel.
func (c *WebSocketChannel) dispatch(out internal.Outbound) error {
	switch out.Type {
	case internal.OutboundError:
		return c.serverError(out.Error)
	case internal.OutboundReady:
		return nil
	case internal.OutboundEvent:
	default:
		c.logger.Debug("unexpected frame", map[string]any{"type": out.Type})
		return nil
	}

	c.hmu.RLock()
	handlers := make([]Handler, 0, len(c.handlers[out.Event]))
	for h := range c.handlers[out.Event] {
		handlers = append(handlers, h)
	}
	c.hmu.RUnlock()

	ev := Event{Name: out.Event, Data: out.Data}
	for _, h := range handlers {
		if c.isStopped() {
			break
		}
		c.invoke(h, ev)
	}
	return nil
}

// serverError turns an error frame into a coded error. Credential
// rejections end the channel; anything else is logged.
func (c *WebSocketChannel) serverError(frame *internal.ErrorFrame) error {
	if frame == nil {
		return nil
	}
	code := ParseErrorCode(frame.Code)
	err := WrapError(code, "server error", frame)
	switch code {
	case ErrorUnauthorized, ErrorAccessDenied:
		return err
	}
	c.logger.Warn("server error frame", map[string]any{"code": code.String(), "msg": frame.Msg})
	return nil
}

func (c *WebSocketChannel) isStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

func (c *WebSocketChannel) invoke(h Handler, ev Event) {
	c.inCallback.Add(1)
	defer c.inCallback.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("event handler panicked", map[string]any{"event": ev.Name, "panic": fmt.Sprint(r)})
		}
	}()
	h.HandleEvent(ev)
}

func (c *WebSocketChannel) fireClose(err error) {
	c.cbmu.Lock()
	fn := c.onClose
	c.cbmu.Unlock()
	if fn != nil {
		c.inCallback.Add(1)
		defer c.inCallback.Add(-1)
		fn(err)
	}
}

func (c *WebSocketChannel) fireReconnecting(err error) {
	c.cbmu.Lock()
	fn := c.onReconnecting
	c.cbmu.Unlock()
	if fn != nil {
		c.inCallback.Add(1)
		defer c.inCallback.Add(-1)
		fn(err)
	}
}

func (c *WebSocketChannel) fireReconnected() {
	c.cbmu.Lock()
	fn := c.onReconnected
	c.cbmu.Unlock()
	if fn != nil {
		c.inCallback.Add(1)
		defer c.inCallback.Add(-1)
		fn()
	}
}

// backoffDelay returns base*2^attempt capped at ceiling, plus jitter in [0, delay/2).
func backoffDelay(base, ceiling time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if ceiling < base {
		ceiling = base
	}
	delay := base
	for i := 0; i < attempt && delay < ceiling; i++ {
		delay *= 2
	}
	if delay > ceiling {
		delay = ceiling
	}
	if half := int64(delay) / 2; half > 0 {
		delay += time.Duration(rand.Int64N(half))
	}
	return delay
}

func isPermanentChannelError(err error) bool {
	if err == nil {
		return false
	}
	switch CodeOf(err) {
	case ErrorNotAuthenticated, ErrorUnauthorized, ErrorAccessDenied, ErrorInvalidConfig:
		return true
	}
	switch websocket.CloseStatus(err) {
	case internal.StatusUnauthorized, internal.StatusForbidden, websocket.StatusPolicyViolation, websocket.StatusNormalClosure:
		return true
	}
	return false
}
