// Package credstore holds CredentialStore implementations that let several
// processes of the same user follow each other's logins and logouts.
package credstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/Jay4h/jobsetu-sub000/msgsync"
)

// FileStore keeps the session as JSON in a single file. Writes go through a
// temp file and a rename, so readers never see half a session.
type FileStore struct {
	path string

	// ready is called once the watcher is in place.
	ready func()
}

var _ msgsync.CredentialStore = (*FileStore)(nil)

// NewFileStore returns a store backed by path. The file need not exist.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: filepath.Clean(path)}
}

// Path returns the session file path.
func (f *FileStore) Path() string { return f.path }

// Load reads the session. A missing or empty file is a logged-out session.
func (f *FileStore) Load(context.Context) (msgsync.Session, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return msgsync.Session{}, nil
	}
	if err != nil {
		return msgsync.Session{}, fmt.Errorf("read session file: %w", err)
	}
	if len(data) == 0 {
		return msgsync.Session{}, nil
	}
	var s msgsync.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return msgsync.Session{}, fmt.Errorf("decode session file: %w", err)
	}
	return s, nil
}

// Save replaces the file atomically, readable by the owner only.
func (f *FileStore) Save(_ context.Context, s msgsync.Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".tmp*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("replace session file: %w", err)
	}
	return nil
}

// Clear removes the file.
func (f *FileStore) Clear(context.Context) error {
	if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove session file: %w", err)
	}
	return nil
}

// Watch watches the parent directory, since the file itself is replaced on
// every save and removed on logout.
func (f *FileStore) Watch(ctx context.Context, fn func(msgsync.Session)) error {
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	last, _ := f.Load(ctx)
	if f.ready != nil {
		f.ready()
	}
	return f.follow(ctx, w.Events, w.Errors, last, fn)
}

// follow applies file events until ctx is done. A watcher error may mean
// events were dropped (an overflowing queue), so the file is re-read and
// watching goes on.
func (f *FileStore) follow(ctx context.Context, events <-chan fsnotify.Event, errs <-chan error, last msgsync.Session, fn func(msgsync.Session)) error {
	reload := func() {
		s, err := f.Load(ctx)
		if err != nil {
			// A writer that does not rename can be caught mid-write;
			// its final write event follows.
			return
		}
		if s != last {
			last = s
			fn(s)
		}
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != f.path || ev.Op == fsnotify.Chmod {
				continue
			}
			reload()
		case _, ok := <-errs:
			if !ok {
				return nil
			}
			reload()
		}
	}
}
