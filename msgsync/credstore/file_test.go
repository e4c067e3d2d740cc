package credstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Jay4h/jobsetu-sub000/msgsync"
)

func TestFileStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	fs := NewFileStore(filepath.Join(t.TempDir(), "nested", "session.json"))

	s, err := fs.Load(ctx)
	if err != nil {
		t.Fatalf("load missing file: %v", err)
	}
	if s.Authenticated() {
		t.Fatalf("expected empty session, got %+v", s)
	}

	want := msgsync.Session{Token: "tok", UserID: "42", Role: "JobSeeker"}
	if err := fs.Save(ctx, want); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := fs.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}

	info, err := os.Stat(fs.Path())
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected 0600, got %v", info.Mode().Perm())
	}

	if err := fs.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if err := fs.Clear(ctx); err != nil {
		t.Fatalf("second clear: %v", err)
	}
	got, _ = fs.Load(ctx)
	if got.Authenticated() {
		t.Fatalf("expected cleared session, got %+v", got)
	}
}

func TestFileStoreLoadCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewFileStore(path).Load(context.Background()); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestFileStoreWatchSeesOtherWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	watcher := NewFileStore(path)
	writer := NewFileStore(path)

	ready := make(chan struct{})
	watcher.ready = func() { close(ready) }
	changes := make(chan msgsync.Session, 8)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- watcher.Watch(ctx, func(s msgsync.Session) { changes <- s })
	}()
	<-ready

	login := msgsync.Session{Token: "tok", UserID: "7"}
	if err := writer.Save(ctx, login); err != nil {
		t.Fatalf("save: %v", err)
	}
	if got := waitSession(t, changes); got != login {
		t.Fatalf("got %+v, want %+v", got, login)
	}

	if err := writer.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if got := waitSession(t, changes); got.Authenticated() {
		t.Fatalf("expected logout, got %+v", got)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("watch: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("watch did not return after cancel")
	}
}

func waitSession(t *testing.T, ch <-chan msgsync.Session) msgsync.Session {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for session change")
		return msgsync.Session{}
	}
}

func TestFileStoreFollowSurvivesWatcherErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	store := NewFileStore(path)
	events := make(chan fsnotify.Event)
	errs := make(chan error)
	changes := make(chan msgsync.Session, 8)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- store.follow(ctx, events, errs, msgsync.Session{}, func(s msgsync.Session) { changes <- s })
	}()

	// The write event was lost to an overflow; the error alone must be
	// enough to pick the change up.
	login := msgsync.Session{Token: "tok", UserID: "7"}
	if err := store.Save(ctx, login); err != nil {
		t.Fatalf("save: %v", err)
	}
	errs <- fsnotify.ErrEventOverflow
	if got := waitSession(t, changes); got != login {
		t.Fatalf("got %+v, want %+v", got, login)
	}

	// Still watching after the error.
	if err := store.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	events <- fsnotify.Event{Name: path, Op: fsnotify.Remove}
	if got := waitSession(t, changes); got.Authenticated() {
		t.Fatalf("expected logout, got %+v", got)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("follow: %v", err)
	}
}
