package credstore

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/Jay4h/jobsetu-sub000/msgsync"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

func TestRedisStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewRedisStore(newTestRedis(t), "")

	s, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("load empty: %v", err)
	}
	if s.Authenticated() {
		t.Fatalf("expected empty session, got %+v", s)
	}

	want := msgsync.Session{Token: "tok", UserID: "1", Role: "Employer"}
	if err := store.Save(ctx, want); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}

	if err := store.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	got, _ = store.Load(ctx)
	if got.Authenticated() {
		t.Fatalf("expected cleared session, got %+v", got)
	}
}

func TestRedisStoreWatchFollowsOtherClient(t *testing.T) {
	rdb := newTestRedis(t)
	watcher := NewRedisStore(rdb, "test:session")
	other := NewRedisStore(rdb, "test:session")

	ready := make(chan struct{})
	watcher.ready = func() { close(ready) }
	changes := make(chan msgsync.Session, 8)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = watcher.Watch(ctx, func(s msgsync.Session) { changes <- s })
	}()
	<-ready

	login := msgsync.Session{Token: "abc", UserID: "9"}
	if err := other.Save(ctx, login); err != nil {
		t.Fatalf("save: %v", err)
	}
	if got := waitSession(t, changes); got != login {
		t.Fatalf("got %+v, want %+v", got, login)
	}

	// Saving the same session again is not a change.
	if err := other.Save(ctx, login); err != nil {
		t.Fatalf("save again: %v", err)
	}
	if err := other.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if got := waitSession(t, changes); got.Authenticated() {
		t.Fatalf("expected logout, got %+v", got)
	}
}
