package msgsync

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Manager owns the single push channel of a session. Concurrent
// EnsureStarted calls share one in-flight attempt, handler bindings live in
// a Registry that outlives any channel, and failures only ever surface on
// the state stream.
type Manager struct {
	url        string
	creds      CredentialFunc
	newChannel ChannelFactory
	registry   *Registry
	logger     Logger
	cfg        Config

	starts singleflight.Group
	state  *Observable[StateEvent]

	mu sync.Mutex
	ch Channel
}

// NewManager builds a manager. creds is evaluated on every (re)connect.
func NewManager(cfg Config, registry *Registry, creds CredentialFunc, factory ChannelFactory, logger Logger) *Manager {
	if logger == nil {
		logger = noopLogger{}
	}
	if registry == nil {
		registry = NewRegistry()
	}
	if factory == nil {
		factory = NewWebSocketChannelFactory(cfg, logger)
	}
	return &Manager{
		url:        cfg.URL,
		creds:      creds,
		newChannel: factory,
		registry:   registry,
		logger:     logger,
		cfg:        cfg,
		state: NewObservable(StateEvent{OldState: StateDisconnected, NewState: StateDisconnected},
			func(a, b StateEvent) bool { return a.NewState == b.NewState }),
	}
}

// Registry returns the handler registry backing On.
func (m *Manager) Registry() *Registry { return m.registry }

// State returns the current connection state.
func (m *Manager) State() ConnectionState { return m.state.Get().NewState }

// OnStateChanged registers fn for state transitions and immediately replays
// the current state to it.
func (m *Manager) OnStateChanged(fn func(StateEvent)) (unsubscribe func()) {
	return m.state.Subscribe(fn)
}

// On subscribes h to event and binds it to the live channel, if any.
// The returned function is idempotent.
func (m *Manager) On(event string, h Handler) (unsubscribe func()) {
	h = keyedHandler(h)
	unsub := m.registry.Subscribe(event, h)

	m.mu.Lock()
	ch := m.ch
	m.mu.Unlock()
	if ch != nil {
		ch.On(event, h)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			unsub()
			m.mu.Lock()
			ch := m.ch
			m.mu.Unlock()
			if ch != nil {
				ch.Off(event, h)
			}
		})
	}
}

// EnsureStarted makes sure a channel is open or being opened for the
// current credential and reports whether one is usable. It never returns an
// error: without a credential it tears down any channel and reports false;
// a failed start is reported on the state stream.
func (m *Manager) EnsureStarted(ctx context.Context) bool {
	if m.creds == nil || m.creds() == "" {
		_ = m.Stop(ctx)
		return false
	}

	if m.live() {
		return true
	}

	v, _, _ := m.starts.Do("start", func() (any, error) {
		return m.start(ctx), nil
	})
	return v.(bool)
}

func (m *Manager) start(ctx context.Context) bool {
	// A caller that checked before the previous attempt finished lands here
	// after it; the finished attempt's channel is reused.
	if m.live() {
		return true
	}

	// Callers share this attempt, so one caller's cancellation must not
	// fail the others.
	ctx = context.WithoutCancel(ctx)
	if m.cfg.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.HandshakeTimeout)
		defer cancel()
	}

	ch := m.newChannel(m.url, m.creds)
	ch.OnReconnecting(func(err error) {
		if m.current(ch) {
			m.transition(StateReconnecting, err)
		}
	})
	ch.OnReconnected(func() {
		if !m.current(ch) {
			return
		}
		// The transport underneath may be new; bindings are re-applied.
		m.registry.RebindAll(ch)
		m.transition(StateConnected, nil)
	})
	ch.OnClose(func(err error) {
		m.mu.Lock()
		mine := m.ch == ch
		if mine {
			m.ch = nil
		}
		m.mu.Unlock()
		if mine {
			m.logger.Warn("channel closed", map[string]any{"error": err})
			m.transition(StateDisconnected, err)
		}
	})

	m.mu.Lock()
	m.ch = ch
	m.mu.Unlock()
	m.transition(StateConnecting, nil)

	if err := ch.Start(ctx); err != nil {
		m.mu.Lock()
		mine := m.ch == ch
		if mine {
			m.ch = nil
		}
		m.mu.Unlock()
		_ = ch.Stop(ctx)
		if mine {
			m.logger.Warn("channel start failed", map[string]any{"error": err})
			m.transition(StateDisconnected, WrapError(ErrorConnection, "start channel", err))
		}
		return false
	}

	if !m.current(ch) {
		// Stopped while the attempt was in flight.
		_ = ch.Stop(ctx)
		return false
	}
	m.registry.RebindAll(ch)
	m.transition(StateConnected, nil)
	m.logger.Info("channel connected", map[string]any{"url": m.url})
	return true
}

// Stop closes the channel if present and moves to Disconnected. Calling it
// again is a no-op.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	ch := m.ch
	m.ch = nil
	m.mu.Unlock()

	var err error
	if ch != nil {
		err = ch.Stop(ctx)
	}
	m.transition(StateDisconnected, nil)
	return err
}

// live reports whether a channel is open, including one that is
// reconnecting. A channel still dialing does not count.
func (m *Manager) live() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ch == nil {
		return false
	}
	switch m.State() {
	case StateConnected, StateReconnecting:
		return true
	}
	return false
}

func (m *Manager) current(ch Channel) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ch == ch
}

func (m *Manager) transition(to ConnectionState, err error) {
	m.state.Update(func(old StateEvent) (StateEvent, bool) {
		if !canTransition(old.NewState, to) {
			return old, false
		}
		return StateEvent{OldState: old.NewState, NewState: to, Error: err}, true
	})
}
