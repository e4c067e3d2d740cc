package msgsync

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Jay4h/jobsetu-sub000/msgsync/rest"
)

const disposeTimeout = 5 * time.Second

// Client wires the push channel, the unread reconciler, the thread store
// and the credential bridge into one SDK instance. Nothing is global: two
// clients in one process share only what they are given, such as a
// CredentialStore.
type Client struct {
	cfg     Config
	logger  Logger
	store   CredentialStore
	api     API
	factory ChannelFactory

	registry *Registry
	manager  *Manager
	unread   *UnreadReconciler
	threads  *ThreadStore
	auth     *AuthBridge

	ctx    context.Context
	cancel context.CancelFunc
	unbind []func()

	mu          sync.Mutex
	watching    bool
	watchDone   chan struct{}
	disposeOnce sync.Once
}

// Option customizes a Client.
type Option func(*Client)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithChannelFactory replaces the websocket channel, mostly for tests.
func WithChannelFactory(f ChannelFactory) Option {
	return func(c *Client) { c.factory = f }
}

// WithAPI replaces the REST client.
func WithAPI(api API) Option {
	return func(c *Client) { c.api = api }
}

// WithCredentialStore sets where the session is kept. Clients sharing a
// store follow each other's logins and logouts.
func WithCredentialStore(s CredentialStore) Option {
	return func(c *Client) { c.store = s }
}

// NewClient builds a client. Nothing connects until a session exists; call
// Init to pick up a stored one, or Login.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Client{cfg: cfg, logger: noopLogger{}}
	for _, opt := range opts {
		opt(c)
	}
	if c.store == nil {
		c.store = NewMemoryStore()
	}
	if c.api == nil {
		if cfg.RESTBaseURL == "" {
			return nil, NewError(ErrorInvalidConfig, "empty REST base URL")
		}
		rc := rest.NewClient(cfg.RESTBaseURL)
		rc.SetTokenSource(func() string { return c.auth.Token() })
		c.api = rc
	}
	if c.factory == nil {
		c.factory = NewWebSocketChannelFactory(cfg, c.logger)
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	session := func() Session { return c.auth.Session() }
	c.registry = NewRegistry()
	c.manager = NewManager(cfg, c.registry, func() string { return c.auth.Token() }, c.factory, c.logger)
	c.unread = NewUnreadReconciler(cfg, c.api, NewSeenSet(cfg.SeenCapacity), session, c.logger)
	c.threads = NewThreadStore(cfg, c.api, c.manager, c.unread, session, c.logger)
	c.auth = NewAuthBridge(c.store, c.manager, c.logger, c.unread, c.threads)

	c.bindEvents()
	return c, nil
}

func (c *Client) bindEvents() {
	names := c.cfg.Events
	c.unbind = append(c.unbind, c.manager.On(names.NewMessage, HandlerFunc(func(ev Event) {
		msg, ok := NormalizeMessage(ev.Data)
		if !ok {
			c.logger.Debug("ignoring malformed message", map[string]any{"event": ev.Name})
			return
		}
		c.unread.HandleNewMessage(msg)
	})))
	if names.ReadReceipt != "" {
		c.unbind = append(c.unbind, c.manager.On(names.ReadReceipt, HandlerFunc(func(ev Event) {
			rc, ok := NormalizeReadReceipt(ev.Data)
			if !ok {
				c.logger.Debug("ignoring malformed read receipt", map[string]any{"event": ev.Name})
				return
			}
			c.unread.HandleReadReceipt(rc)
		})))
	}
	if names.UnreadTotal != "" {
		c.unbind = append(c.unbind, c.manager.On(names.UnreadTotal, HandlerFunc(func(ev Event) {
			total, ok := NormalizeUnreadTotal(ev.Data)
			if !ok {
				c.logger.Debug("ignoring malformed unread total", map[string]any{"event": ev.Name})
				return
			}
			c.unread.HandleUnreadTotal(total)
		})))
	}

	// Anything pushed while the channel was down is only visible through a
	// fresh fetch.
	c.unbind = append(c.unbind, c.manager.OnStateChanged(func(ev StateEvent) {
		if ev.NewState != StateConnected || ev.OldState == StateConnected {
			return
		}
		go func() {
			if err := c.unread.Reconcile(c.ctx); err != nil {
				c.logger.Debug("reconcile on connect", map[string]any{"error": err})
			}
		}()
	}))
}

// Init applies the stored session and starts following store changes made
// by other clients. Calling it again only re-reads the store.
func (c *Client) Init(ctx context.Context) error {
	if c.ctx.Err() != nil {
		return NewError(ErrorDisconnected, "client disposed")
	}

	c.mu.Lock()
	if !c.watching {
		c.watching = true
		c.watchDone = make(chan struct{})
		go func(done chan struct{}) {
			defer close(done)
			c.watch()
		}(c.watchDone)
	}
	c.mu.Unlock()

	return c.auth.Init(ctx)
}

// watch follows the credential store until the client is disposed. A
// watcher that stops is restarted with the reconnect backoff, and the
// store is re-read so a change made in between is not missed.
func (c *Client) watch() {
	attempt := 0
	for {
		began := time.Now()
		err := c.auth.Watch(c.ctx)
		if c.ctx.Err() != nil {
			return
		}
		if time.Since(began) > stableAfter {
			attempt = 0
		}
		delay := backoffDelay(c.cfg.ReconnectBaseDelay, c.cfg.ReconnectMaxDelay, attempt)
		attempt++
		c.logger.Warn("credential watch stopped, restarting", map[string]any{"error": err, "backoff": delay.String()})

		timer := time.NewTimer(delay)
		select {
		case <-c.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if err := c.auth.Init(c.ctx); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Warn("reload stored session", map[string]any{"error": err})
		}
	}
}

// Dispose stops the watcher, the channel and every timer. The stored
// session is left alone. It is safe to call more than once.
func (c *Client) Dispose() {
	c.disposeOnce.Do(func() {
		c.cancel()

		c.mu.Lock()
		done := c.watchDone
		c.mu.Unlock()
		if done != nil {
			<-done
		}

		for _, fn := range c.unbind {
			fn()
		}
		c.threads.Close()
		c.unread.Stop()

		ctx, cancel := context.WithTimeout(context.Background(), disposeTimeout)
		defer cancel()
		if err := c.manager.Stop(ctx); err != nil {
			c.logger.Warn("stop channel on dispose", map[string]any{"error": err})
		}
	})
}

// Login stores s and starts the session.
func (c *Client) Login(ctx context.Context, s Session) error { return c.auth.Login(ctx, s) }

// Logout clears the stored session and resets every cache.
func (c *Client) Logout(ctx context.Context) error { return c.auth.Logout(ctx) }

// Session returns the current session.
func (c *Client) Session() Session { return c.auth.Session() }

// EnsureStarted opens the push channel if a session exists. See
// Manager.EnsureStarted.
func (c *Client) EnsureStarted(ctx context.Context) bool { return c.manager.EnsureStarted(ctx) }

// ConnectionState returns the push channel state.
func (c *Client) ConnectionState() ConnectionState { return c.manager.State() }

// OnStateChanged registers fn for channel state transitions.
func (c *Client) OnStateChanged(fn func(StateEvent)) (unsubscribe func()) {
	return c.manager.OnStateChanged(fn)
}

// TotalUnread returns the badge count.
func (c *Client) TotalUnread() int { return c.unread.TotalUnread() }

// OnTotalUnreadChanged registers fn for badge count changes.
func (c *Client) OnTotalUnreadChanged(fn func(int)) (unsubscribe func()) {
	return c.unread.OnTotalUnreadChanged(fn)
}

// Conversations returns the conversation list, most recent first.
func (c *Client) Conversations() []Conversation { return c.unread.Conversations() }

// OnConversationsChanged registers fn for conversation list changes.
func (c *Client) OnConversationsChanged(fn func([]Conversation)) (unsubscribe func()) {
	return c.unread.OnConversationsChanged(fn)
}

// Subscribe binds h to a raw push event. The binding survives reconnects.
func (c *Client) Subscribe(event string, h Handler) (unsubscribe func()) {
	return c.manager.On(event, h)
}

// Reconcile fetches the authoritative unread counts now.
func (c *Client) Reconcile(ctx context.Context) error { return c.unread.Reconcile(ctx) }

// OpenThread opens the conversation with peerID.
func (c *Client) OpenThread(ctx context.Context, peerID string) error {
	return c.threads.Open(ctx, peerID)
}

// CloseThread closes the open conversation.
func (c *Client) CloseThread() { c.threads.Close() }

// ThreadPeer returns the peer of the open conversation.
func (c *Client) ThreadPeer() string { return c.threads.Peer() }

// Send posts to the open conversation.
func (c *Client) Send(ctx context.Context, text string, att *Attachment) (Message, error) {
	return c.threads.Send(ctx, text, att)
}

// Messages returns the open conversation, oldest first.
func (c *Client) Messages() []Message { return c.threads.Messages() }

// OnMessagesChanged registers fn for changes of the open conversation.
func (c *Client) OnMessagesChanged(fn func([]Message)) (unsubscribe func()) {
	return c.threads.OnMessagesChanged(fn)
}
