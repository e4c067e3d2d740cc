package msgsync_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Jay4h/jobsetu-sub000/msgsync"
	"github.com/Jay4h/jobsetu-sub000/msgsync/msgsynctest"
)

func newBackend(t *testing.T) *msgsynctest.Server {
	t.Helper()
	srv := msgsynctest.New()
	t.Cleanup(srv.Close)
	return srv
}

func clientConfig(srv *msgsynctest.Server) msgsync.Config {
	cfg := msgsync.DefaultConfig()
	cfg.URL = srv.WSURL()
	cfg.RESTBaseURL = srv.APIURL()
	cfg.ReconnectBaseDelay = 20 * time.Millisecond
	cfg.ReconnectMaxDelay = 100 * time.Millisecond
	cfg.RefreshDelay = 20 * time.Millisecond
	cfg.RecheckDelay = 50 * time.Millisecond
	return cfg
}

func newTestClient(t *testing.T, cfg msgsync.Config, opts ...msgsync.Option) *msgsync.Client {
	t.Helper()
	c, err := msgsync.NewClient(cfg, opts...)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(c.Dispose)
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestNewClientValidatesConfig(t *testing.T) {
	if _, err := msgsync.NewClient(msgsync.DefaultConfig()); msgsync.CodeOf(err) != msgsync.ErrorInvalidConfig {
		t.Fatalf("expected invalid config, got %v", err)
	}
	cfg := msgsync.DefaultConfig()
	cfg.URL = "ws://localhost/hubs/chat"
	if _, err := msgsync.NewClient(cfg); msgsync.CodeOf(err) != msgsync.ErrorInvalidConfig {
		t.Fatalf("missing REST URL should be rejected, got %v", err)
	}
}

func TestClientWithoutSessionStaysIdle(t *testing.T) {
	srv := newBackend(t)
	c := newTestClient(t, clientConfig(srv))
	ctx := context.Background()

	if err := c.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	if c.EnsureStarted(ctx) {
		t.Fatalf("started without a session")
	}
	if err := c.OpenThread(ctx, "alice"); !msgsync.IsNotAuthenticated(err) {
		t.Fatalf("expected not authenticated, got %v", err)
	}
	if srv.ListCalls() != 0 {
		t.Fatalf("network used without a session")
	}
}

func TestClientInboxFlow(t *testing.T) {
	srv := newBackend(t)
	token := srv.AddUser("me", "Job Seeker")
	srv.AddUser("alice", "Acme HR")
	c := newTestClient(t, clientConfig(srv))
	ctx := context.Background()

	if err := c.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := c.Login(ctx, msgsync.Session{Token: token, UserID: "me"}); err != nil {
		t.Fatalf("login: %v", err)
	}
	if c.ConnectionState() != msgsync.StateConnected {
		t.Fatalf("expected connected, got %s", c.ConnectionState())
	}
	if !srv.WaitConnections("me", 1, 2*time.Second) {
		t.Fatalf("server never saw the push connection")
	}

	srv.Send("alice", "me", "interview tomorrow?")
	waitFor(t, "unread badge", func() bool { return c.TotalUnread() == 1 })
	convs := c.Conversations()
	if len(convs) != 1 || convs[0].PeerID != "alice" {
		t.Fatalf("unexpected conversations %+v", convs)
	}

	if err := c.OpenThread(ctx, "alice"); err != nil {
		t.Fatalf("open thread: %v", err)
	}
	if n := len(c.Messages()); n != 1 {
		t.Fatalf("expected 1 message, got %d", n)
	}
	if srv.MarkReadCalls("me", "alice") != 1 {
		t.Fatalf("expected one mark-read, got %d", srv.MarkReadCalls("me", "alice"))
	}
	waitFor(t, "badge cleared", func() bool { return c.TotalUnread() == 0 })

	// Live message into the open thread: shown, acknowledged, not counted.
	srv.Send("alice", "me", "10am works")
	waitFor(t, "live message", func() bool { return len(c.Messages()) == 2 })
	waitFor(t, "live message acknowledged", func() bool { return srv.MarkReadCalls("me", "alice") == 2 })
	waitFor(t, "badge stays clear", func() bool { return c.TotalUnread() == 0 && srv.UnreadFor("me", "alice") == 0 })

	sent, err := c.Send(ctx, "see you then", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if sent.SenderID != "me" || sent.ReceiverID != "alice" {
		t.Fatalf("unexpected echo %+v", sent)
	}
	waitFor(t, "sent message in thread", func() bool { return len(c.Messages()) == 3 })
	seen := make(map[string]bool)
	for _, m := range c.Messages() {
		if seen[m.ID] {
			t.Fatalf("duplicate message %s in thread", m.ID)
		}
		seen[m.ID] = true
	}

	srv.FailSend(true)
	if _, err := c.Send(ctx, "again", nil); msgsync.CodeOf(err) != msgsync.ErrorSendFailed {
		t.Fatalf("expected send failed, got %v", err)
	}
}

func TestClientLogoutInOtherClient(t *testing.T) {
	srv := newBackend(t)
	token := srv.AddUser("me", "Job Seeker")
	srv.AddUser("alice", "Acme HR")
	store := msgsync.NewMemoryStore()
	cfg := clientConfig(srv)
	tab1 := newTestClient(t, cfg, msgsync.WithCredentialStore(store))
	tab2 := newTestClient(t, cfg, msgsync.WithCredentialStore(store))
	ctx := context.Background()

	for _, c := range []*msgsync.Client{tab1, tab2} {
		if err := c.Init(ctx); err != nil {
			t.Fatalf("init: %v", err)
		}
	}
	// The watcher goroutines register asynchronously; a login that races
	// them is still picked up by the second client's Init below.
	if err := tab1.Login(ctx, msgsync.Session{Token: token, UserID: "me"}); err != nil {
		t.Fatalf("login: %v", err)
	}
	if err := tab2.Init(ctx); err != nil {
		t.Fatalf("re-init: %v", err)
	}
	if !srv.WaitConnections("me", 2, 2*time.Second) {
		t.Fatalf("expected both clients connected, got %d", srv.ConnectionCount("me"))
	}

	srv.Send("alice", "me", "hello")
	waitFor(t, "both badges", func() bool { return tab1.TotalUnread() == 1 && tab2.TotalUnread() == 1 })

	if err := tab1.Logout(ctx); err != nil {
		t.Fatalf("logout: %v", err)
	}
	waitFor(t, "second client logged out", func() bool {
		return !tab2.Session().Authenticated() && tab2.ConnectionState() == msgsync.StateDisconnected
	})
	if tab1.TotalUnread() != 0 || tab2.TotalUnread() != 0 {
		t.Fatalf("counts survived logout: %d %d", tab1.TotalUnread(), tab2.TotalUnread())
	}
	if !srv.WaitConnections("me", 0, 2*time.Second) {
		t.Fatalf("push connections left open after logout")
	}
}

func TestClientReconnectsAfterTransportLoss(t *testing.T) {
	srv := newBackend(t)
	token := srv.AddUser("me", "Job Seeker")
	srv.AddUser("alice", "Acme HR")
	c := newTestClient(t, clientConfig(srv))
	ctx := context.Background()

	var mu sync.Mutex
	var states []msgsync.ConnectionState
	c.OnStateChanged(func(ev msgsync.StateEvent) {
		mu.Lock()
		states = append(states, ev.NewState)
		mu.Unlock()
	})
	saw := func(s msgsync.ConnectionState) bool {
		mu.Lock()
		defer mu.Unlock()
		for _, got := range states {
			if got == s {
				return true
			}
		}
		return false
	}

	if err := c.Login(ctx, msgsync.Session{Token: token, UserID: "me"}); err != nil {
		t.Fatalf("login: %v", err)
	}
	if !srv.WaitConnections("me", 1, 2*time.Second) {
		t.Fatalf("not connected")
	}
	listed := srv.ListCalls()

	srv.DropConnections("me")
	waitFor(t, "reconnect", func() bool {
		return saw(msgsync.StateReconnecting) && c.ConnectionState() == msgsync.StateConnected
	})
	if !srv.WaitConnections("me", 1, 2*time.Second) {
		t.Fatalf("server never saw the new connection")
	}
	waitFor(t, "reconcile after reconnect", func() bool { return srv.ListCalls() > listed })

	srv.Send("alice", "me", "still there?")
	waitFor(t, "push after reconnect", func() bool { return c.TotalUnread() == 1 })
}

func TestClientRejectedCredentialIsNotRetried(t *testing.T) {
	srv := newBackend(t)
	token := srv.AddUser("me", "Job Seeker")
	c := newTestClient(t, clientConfig(srv))
	ctx := context.Background()

	if err := c.Login(ctx, msgsync.Session{Token: token, UserID: "me"}); err != nil {
		t.Fatalf("login: %v", err)
	}
	if !srv.WaitConnections("me", 1, 2*time.Second) {
		t.Fatalf("not connected")
	}

	srv.KickConnections("me")
	waitFor(t, "disconnect", func() bool { return c.ConnectionState() == msgsync.StateDisconnected })
	time.Sleep(200 * time.Millisecond)
	if srv.ConnectionCount("me") != 0 {
		t.Fatalf("client reconnected after credential rejection")
	}
}

func TestClientDisposeIsIdempotent(t *testing.T) {
	srv := newBackend(t)
	token := srv.AddUser("me", "Job Seeker")
	c, err := msgsync.NewClient(clientConfig(srv))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ctx := context.Background()
	if err := c.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := c.Login(ctx, msgsync.Session{Token: token, UserID: "me"}); err != nil {
		t.Fatalf("login: %v", err)
	}
	c.Dispose()
	c.Dispose()
	if c.ConnectionState() != msgsync.StateDisconnected {
		t.Fatalf("expected disconnected after dispose, got %s", c.ConnectionState())
	}
	if err := c.Init(ctx); err == nil {
		t.Fatalf("init after dispose should fail")
	}
}

func TestClientLogoutFromPushHandler(t *testing.T) {
	srv := newBackend(t)
	token := srv.AddUser("me", "Job Seeker")
	c := newTestClient(t, clientConfig(srv))
	ctx := context.Background()

	loggedOut := make(chan error, 1)
	c.Subscribe("SessionRevoked", msgsync.HandlerFunc(func(msgsync.Event) {
		loggedOut <- c.Logout(context.Background())
	}))

	if err := c.Login(ctx, msgsync.Session{Token: token, UserID: "me"}); err != nil {
		t.Fatalf("login: %v", err)
	}
	if !srv.WaitConnections("me", 1, 2*time.Second) {
		t.Fatalf("not connected")
	}
	if err := srv.Push("me", "SessionRevoked", map[string]any{}); err != nil {
		t.Fatalf("push: %v", err)
	}

	select {
	case err := <-loggedOut:
		if err != nil {
			t.Fatalf("logout: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("logout from a handler never returned (state=%s)", c.ConnectionState())
	}
	if c.Session().Authenticated() || c.ConnectionState() != msgsync.StateDisconnected {
		t.Fatalf("session=%+v state=%s", c.Session(), c.ConnectionState())
	}
	if !srv.WaitConnections("me", 0, 2*time.Second) {
		t.Fatalf("push connection left open")
	}

	// The bridge is not left locked.
	done := make(chan error, 1)
	go func() { done <- c.Login(ctx, msgsync.Session{Token: token, UserID: "me"}) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("login again: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("login after handler logout hung")
	}
	if c.ConnectionState() != msgsync.StateConnected {
		t.Fatalf("expected connected, got %s", c.ConnectionState())
	}
}

func TestClientServerRejectionEndsChannel(t *testing.T) {
	srv := newBackend(t)
	token := srv.AddUser("me", "Job Seeker")
	c := newTestClient(t, clientConfig(srv))
	ctx := context.Background()

	var mu sync.Mutex
	var last msgsync.StateEvent
	c.OnStateChanged(func(ev msgsync.StateEvent) {
		mu.Lock()
		last = ev
		mu.Unlock()
	})

	if err := c.Login(ctx, msgsync.Session{Token: token, UserID: "me"}); err != nil {
		t.Fatalf("login: %v", err)
	}
	if !srv.WaitConnections("me", 1, 2*time.Second) {
		t.Fatalf("not connected")
	}

	// Non-fatal server errors leave the channel up.
	if err := srv.PushError("me", "rate_limited", "slow down"); err != nil {
		t.Fatalf("push error: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if c.ConnectionState() != msgsync.StateConnected {
		t.Fatalf("rate limit closed the channel: %s", c.ConnectionState())
	}

	if err := srv.PushError("me", "unauthorized", "session revoked"); err != nil {
		t.Fatalf("push error: %v", err)
	}
	waitFor(t, "disconnect", func() bool { return c.ConnectionState() == msgsync.StateDisconnected })
	mu.Lock()
	err := last.Error
	mu.Unlock()
	if !errors.Is(err, msgsync.NewError(msgsync.ErrorUnauthorized, "")) {
		t.Fatalf("expected unauthorized on the state stream, got %v", err)
	}
	time.Sleep(200 * time.Millisecond)
	if srv.ConnectionCount("me") != 0 {
		t.Fatalf("client reconnected after server rejection")
	}
}

func TestClientSkipsMalformedFrames(t *testing.T) {
	srv := newBackend(t)
	token := srv.AddUser("me", "Job Seeker")
	srv.AddUser("alice", "Acme HR")
	c := newTestClient(t, clientConfig(srv))
	ctx := context.Background()

	if err := c.Login(ctx, msgsync.Session{Token: token, UserID: "me"}); err != nil {
		t.Fatalf("login: %v", err)
	}
	if !srv.WaitConnections("me", 1, 2*time.Second) {
		t.Fatalf("not connected")
	}
	if err := srv.PushRaw("me", []byte("{not json")); err != nil {
		t.Fatalf("push raw: %v", err)
	}
	srv.Send("alice", "me", "still reading?")
	waitFor(t, "message after bad frame", func() bool { return c.TotalUnread() == 1 })
	if c.ConnectionState() != msgsync.StateConnected {
		t.Fatalf("bad frame dropped the channel: %s", c.ConnectionState())
	}
}

// flakyStore is a shared store whose first Watch fails, like a file
// watcher whose queue overflowed.
type flakyStore struct {
	mu      sync.Mutex
	session msgsync.Session
	fns     []func(msgsync.Session)
	watches int
	fail    chan struct{}
}

func (s *flakyStore) Load(context.Context) (msgsync.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session, nil
}

func (s *flakyStore) Save(_ context.Context, sess msgsync.Session) error {
	s.mu.Lock()
	s.session = sess
	fns := append(([]func(msgsync.Session))(nil), s.fns...)
	s.mu.Unlock()
	for _, fn := range fns {
		fn(sess)
	}
	return nil
}

func (s *flakyStore) Clear(ctx context.Context) error { return s.Save(ctx, msgsync.Session{}) }

func (s *flakyStore) Watch(ctx context.Context, fn func(msgsync.Session)) error {
	s.mu.Lock()
	s.watches++
	first := s.watches == 1
	if !first {
		s.fns = append(s.fns, fn)
	}
	s.mu.Unlock()
	if first {
		select {
		case <-s.fail:
			return errors.New("watch queue overflow")
		case <-ctx.Done():
			return nil
		}
	}
	<-ctx.Done()
	return nil
}

func (s *flakyStore) counts() (watches, watching int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watches, len(s.fns)
}

func TestClientRestartsFailedCredentialWatch(t *testing.T) {
	srv := newBackend(t)
	token := srv.AddUser("me", "Job Seeker")
	store := &flakyStore{fail: make(chan struct{})}
	c := newTestClient(t, clientConfig(srv), msgsync.WithCredentialStore(store))
	ctx := context.Background()

	if err := c.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	waitFor(t, "first watch", func() bool { w, _ := store.counts(); return w == 1 })

	// Another client logs in while the watcher is failing.
	if err := store.Save(ctx, msgsync.Session{Token: token, UserID: "me"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	close(store.fail)
	waitFor(t, "login picked up after restart", func() bool { return c.Session().Authenticated() })
	waitFor(t, "watch restarted", func() bool { _, n := store.counts(); return n == 1 })

	if err := store.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	waitFor(t, "logout followed", func() bool {
		return !c.Session().Authenticated() && c.ConnectionState() == msgsync.StateDisconnected
	})
}
