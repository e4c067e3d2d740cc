package msgsync

import (
	"context"
	"sync"
)

// SessionHook is told when a session begins and ends.
type SessionHook interface {
	SessionStarted(ctx context.Context, s Session)
	SessionEnded()
}

// connector is the part of Manager the bridge drives.
type connector interface {
	EnsureStarted(ctx context.Context) bool
	Stop(ctx context.Context) error
}

// AuthBridge turns credential changes into channel start/stop and cache
// resets. Changes made in this process (Login/Logout) and changes observed
// through the store (another process logging out) both go through
// HandleChange.
type AuthBridge struct {
	store  CredentialStore
	conn   connector
	hooks  []SessionHook
	logger Logger

	// mu serializes HandleChange; smu guards session alone so the channel
	// can read the credential while a change is being applied.
	mu      sync.Mutex
	smu     sync.RWMutex
	session Session
}

// NewAuthBridge wires a bridge. Hooks are started in order and ended in
// reverse order.
func NewAuthBridge(store CredentialStore, conn connector, logger Logger, hooks ...SessionHook) *AuthBridge {
	if store == nil {
		store = NewMemoryStore()
	}
	if logger == nil {
		logger = noopLogger{}
	}
	return &AuthBridge{store: store, conn: conn, hooks: hooks, logger: logger}
}

// Session returns the current session.
func (b *AuthBridge) Session() Session {
	b.smu.RLock()
	defer b.smu.RUnlock()
	return b.session
}

func (b *AuthBridge) setSession(s Session) {
	b.smu.Lock()
	b.session = s
	b.smu.Unlock()
}

// Token returns the current credential; it is the manager's CredentialFunc.
func (b *AuthBridge) Token() string {
	return b.Session().Token
}

// Init applies whatever session the store currently holds.
func (b *AuthBridge) Init(ctx context.Context) error {
	s, err := b.store.Load(ctx)
	if err != nil {
		return err
	}
	b.HandleChange(ctx, s)
	return nil
}

// Login persists s and applies it.
func (b *AuthBridge) Login(ctx context.Context, s Session) error {
	if !s.Authenticated() {
		return NewError(ErrorNotAuthenticated, "login without credential")
	}
	if err := b.store.Save(ctx, s); err != nil {
		return err
	}
	b.HandleChange(ctx, s)
	return nil
}

// Logout clears the stored session and tears down local state. Local state
// is reset even when the store cannot be cleared.
func (b *AuthBridge) Logout(ctx context.Context) error {
	err := b.store.Clear(ctx)
	if err != nil {
		b.logger.Warn("clear stored session", map[string]any{"error": err})
	}
	b.HandleChange(ctx, Session{})
	return err
}

// Watch applies sessions reported by the store until ctx is done.
func (b *AuthBridge) Watch(ctx context.Context) error {
	return b.store.Watch(ctx, func(s Session) {
		b.HandleChange(ctx, s)
	})
}

// HandleChange applies next. A credential that disappears or is replaced
// by another one ends the current session first; a credential that
// appears starts a session and the channel.
func (b *AuthBridge) HandleChange(ctx context.Context, next Session) {
	b.mu.Lock()
	prev := b.Session()
	if prev == next {
		b.mu.Unlock()
		return
	}

	ended := prev.Authenticated() &&
		(!next.Authenticated() || prev.Token != next.Token || prev.UserID != next.UserID)
	started := next.Authenticated() && (!prev.Authenticated() || ended)

	if ended {
		b.setSession(Session{})
		if err := b.conn.Stop(ctx); err != nil {
			b.logger.Warn("stop channel on logout", map[string]any{"error": err})
		}
		for i := len(b.hooks) - 1; i >= 0; i-- {
			b.hooks[i].SessionEnded()
		}
		b.logger.Info("session ended", map[string]any{"user": prev.UserID})
	}

	b.setSession(next)
	if started {
		for _, h := range b.hooks {
			h.SessionStarted(ctx, next)
		}
		b.logger.Info("session started", map[string]any{"user": next.UserID})
	}
	b.mu.Unlock()

	if started {
		// Outside the lock so a logout can stop an attempt still dialing.
		b.conn.EnsureStarted(ctx)
	}
}
