package msgsync

import (
	"context"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/Jay4h/jobsetu-sub000/msgsync/rest"
)

// subscriber is the part of Manager the thread store binds push handlers on.
type subscriber interface {
	On(event string, h Handler) (unsubscribe func())
}

// unreadTracker is the part of UnreadReconciler the thread store drives.
type unreadTracker interface {
	SetActivePeer(peerID string)
	MarkPeerRead(peerID string)
	HandleNewMessage(msg Message)
	ScheduleRefresh()
}

const markReadTimeout = 10 * time.Second

// ThreadStore holds the one conversation currently on screen. Opening a
// thread loads its history once and merges it with messages pushed while
// the load was in flight; switching peers drops everything that belonged
// to the previous one.
type ThreadStore struct {
	api     API
	events  subscriber
	unread  unreadTracker
	session func() Session
	names   EventNames
	logger  Logger

	mu      sync.Mutex
	peer    string
	openSeq uint64
	msgs    []Message
	index   map[string]int
	detach  func()
	version uint64

	messages *Observable[versioned[[]Message]]
}

// NewThreadStore builds a thread store. events is normally the Manager.
func NewThreadStore(cfg Config, api API, events subscriber, unread unreadTracker, session func() Session, logger Logger) *ThreadStore {
	if logger == nil {
		logger = noopLogger{}
	}
	return &ThreadStore{
		api:      api,
		events:   events,
		unread:   unread,
		session:  session,
		names:    cfg.Events,
		logger:   logger,
		index:    make(map[string]int),
		messages: NewObservable(versioned[[]Message]{}, nil),
	}
}

// Peer returns the peer of the open thread, or "" when none is open.
func (t *ThreadStore) Peer() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.peer
}

// Messages returns the open thread, oldest first.
func (t *ThreadStore) Messages() []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Message(nil), t.msgs...)
}

// OnMessagesChanged registers fn and replays the current thread.
func (t *ThreadStore) OnMessagesChanged(fn func([]Message)) (unsubscribe func()) {
	return t.messages.Subscribe(func(v versioned[[]Message]) { fn(v.value) })
}

// Open switches to the conversation with peerID. Pushes from the new peer
// are accepted from the moment Open is called; anything still arriving for
// the previous peer is dropped.
func (t *ThreadStore) Open(ctx context.Context, peerID string) error {
	if !t.session().Authenticated() {
		return NewError(ErrorNotAuthenticated, "open thread without credential")
	}
	if peerID == "" {
		return NewError(ErrorNoThread, "empty peer")
	}

	t.mu.Lock()
	prev := t.resetLocked()
	t.openSeq++
	seq := t.openSeq
	t.peer = peerID
	t.mu.Unlock()
	prev()

	detach := t.bind(seq)
	t.mu.Lock()
	if seq != t.openSeq {
		t.mu.Unlock()
		detach()
		return nil
	}
	t.detach = detach
	t.mu.Unlock()
	t.publish()

	t.unread.SetActivePeer(peerID)
	t.unread.MarkPeerRead(peerID)

	infos, err := t.api.GetMessages(ctx, peerID)
	if err != nil {
		t.logger.Warn("load thread history", map[string]any{"peer": peerID, "error": err})
		// The peer was already zeroed locally; the server must agree.
		t.markOpened(ctx, peerID)
		return restError(ErrorConnection, "load thread history", err)
	}
	if !t.merge(seq, infos) {
		t.logger.Debug("thread switched during load", map[string]any{"peer": peerID})
		return nil
	}
	t.markOpened(ctx, peerID)
	return nil
}

// markOpened sends the one mark-read of an Open and schedules a reconcile.
func (t *ThreadStore) markOpened(ctx context.Context, peerID string) {
	if err := t.api.MarkRead(ctx, peerID); err != nil {
		t.logger.Warn("mark thread read", map[string]any{"peer": peerID, "error": err})
	}
	t.unread.ScheduleRefresh()
}

// Close detaches the open thread and clears it.
func (t *ThreadStore) Close() {
	t.mu.Lock()
	open := t.peer != ""
	prev := t.resetLocked()
	t.openSeq++
	t.mu.Unlock()
	prev()

	if open {
		t.unread.SetActivePeer("")
	}
	t.publish()
}

// resetLocked forgets the thread and returns the detach function of its
// push handlers, to be called once t.mu is released.
func (t *ThreadStore) resetLocked() (detach func()) {
	detach = t.detach
	if detach == nil {
		detach = func() {}
	}
	t.detach = nil
	t.peer = ""
	t.msgs = nil
	t.index = make(map[string]int)
	return detach
}

// Refresh reloads the history of the open thread.
func (t *ThreadStore) Refresh(ctx context.Context) error {
	t.mu.Lock()
	peer, seq := t.peer, t.openSeq
	t.mu.Unlock()
	if peer == "" {
		return NewError(ErrorNoThread, "no thread open")
	}
	if !t.session().Authenticated() {
		return NewError(ErrorNotAuthenticated, "refresh without credential")
	}

	infos, err := t.api.GetMessages(ctx, peer)
	if err != nil {
		return restError(ErrorConnection, "refresh thread", err)
	}
	t.merge(seq, infos)
	return nil
}

// Send posts text and an optional attachment to the open thread and
// returns the stored message.
func (t *ThreadStore) Send(ctx context.Context, text string, att *Attachment) (Message, error) {
	t.mu.Lock()
	peer := t.peer
	t.mu.Unlock()
	if peer == "" {
		return Message{}, NewError(ErrorNoThread, "no thread open")
	}
	if !t.session().Authenticated() {
		return Message{}, NewError(ErrorNotAuthenticated, "send without credential")
	}

	req := rest.SendMessageRequest{ReceiverID: peer, Text: text}
	if att != nil {
		var content []byte
		if att.Content != nil {
			var err error
			if content, err = io.ReadAll(att.Content); err != nil {
				return Message{}, WrapError(ErrorSendFailed, "read attachment", err)
			}
		}
		req.Attachment = &rest.AttachmentFile{
			FileName:    att.FileName,
			ContentType: att.ContentType,
			Content:     content,
		}
	}

	info, err := t.api.SendMessage(ctx, req)
	if err != nil {
		t.logger.Warn("send message", map[string]any{"peer": peer, "error": err})
		return Message{}, WrapError(ErrorSendFailed, "send message", err)
	}
	if info == nil {
		return Message{}, NewError(ErrorSendFailed, "empty send response")
	}

	msg := messageFromREST(*info)
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now()
	}
	if msg.ID != "" {
		t.mu.Lock()
		if t.peer == peer && t.insertLocked(msg) {
			t.mu.Unlock()
			t.publish()
		} else {
			t.mu.Unlock()
		}
		t.unread.HandleNewMessage(msg)
	}

	if err := t.Refresh(ctx); err != nil {
		t.logger.Debug("refresh after send", map[string]any{"peer": peer, "error": err})
	}
	t.unread.ScheduleRefresh()
	return msg, nil
}

// SessionStarted is a no-op; threads are opened explicitly.
func (t *ThreadStore) SessionStarted(context.Context, Session) {}

// SessionEnded closes the open thread.
func (t *ThreadStore) SessionEnded() { t.Close() }

func (t *ThreadStore) bind(seq uint64) (detach func()) {
	offMsg := t.events.On(t.names.NewMessage, HandlerFunc(func(ev Event) {
		t.handleMessage(seq, ev)
	}))
	offRead := t.events.On(t.names.ReadReceipt, HandlerFunc(func(ev Event) {
		t.handleReceipt(seq, ev)
	}))
	return func() {
		offMsg()
		offRead()
	}
}

func (t *ThreadStore) handleMessage(seq uint64, ev Event) {
	msg, ok := NormalizeMessage(ev.Data)
	if !ok {
		t.logger.Debug("ignoring malformed message", map[string]any{"event": ev.Name})
		return
	}
	me := t.session().UserID
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now()
	}

	t.mu.Lock()
	if seq != t.openSeq || msg.PeerOf(me) != t.peer {
		t.mu.Unlock()
		return
	}
	peer := t.peer
	added := t.insertLocked(msg)
	t.mu.Unlock()
	if !added {
		return
	}
	t.publish()

	if msg.SenderID == peer {
		go t.ackRead(peer)
	}
}

// ackRead tells the server a message that arrived in the open thread was
// read, so the next reconcile does not bring the count back.
func (t *ThreadStore) ackRead(peer string) {
	ctx, cancel := context.WithTimeout(context.Background(), markReadTimeout)
	defer cancel()
	if err := t.api.MarkRead(ctx, peer); err != nil {
		t.logger.Debug("mark pushed message read", map[string]any{"peer": peer, "error": err})
		return
	}
	t.unread.ScheduleRefresh()
}

func (t *ThreadStore) handleReceipt(seq uint64, ev Event) {
	rc, ok := NormalizeReadReceipt(ev.Data)
	if !ok {
		return
	}
	me := t.session().UserID

	t.mu.Lock()
	if seq != t.openSeq || rc.ReaderID != t.peer {
		t.mu.Unlock()
		return
	}
	var only map[string]bool
	if len(rc.MessageIDs) > 0 {
		only = make(map[string]bool, len(rc.MessageIDs))
		for _, id := range rc.MessageIDs {
			only[id] = true
		}
	}
	changed := false
	for i := range t.msgs {
		m := &t.msgs[i]
		if m.SenderID != me || m.IsRead || (only != nil && !only[m.ID]) {
			continue
		}
		m.IsRead = true
		changed = true
	}
	t.mu.Unlock()
	if changed {
		t.publish()
	}
}

// merge folds a history page into the thread. It reports false when the
// thread was switched since seq.
func (t *ThreadStore) merge(seq uint64, infos []rest.MessageInfo) bool {
	t.mu.Lock()
	if seq != t.openSeq {
		t.mu.Unlock()
		return false
	}
	changed := false
	for _, info := range infos {
		msg := messageFromREST(info)
		if msg.ID == "" {
			continue
		}
		if i, ok := t.index[msg.ID]; ok {
			if t.msgs[i].IsRead != msg.IsRead || t.msgs[i].AttachmentURL != msg.AttachmentURL {
				// Read state only moves forward.
				t.msgs[i].IsRead = t.msgs[i].IsRead || msg.IsRead
				if msg.AttachmentURL != "" {
					t.msgs[i].AttachmentURL = msg.AttachmentURL
				}
				changed = true
			}
			continue
		}
		t.insertLocked(msg)
		changed = true
	}
	t.mu.Unlock()
	if changed {
		t.publish()
	}
	return true
}

// insertLocked adds msg in SentAt order, after any message with the same
// timestamp, and reports whether it was new.
func (t *ThreadStore) insertLocked(msg Message) bool {
	if _, ok := t.index[msg.ID]; ok {
		return false
	}
	i := sort.Search(len(t.msgs), func(i int) bool {
		return t.msgs[i].SentAt.After(msg.SentAt)
	})
	t.msgs = append(t.msgs, Message{})
	copy(t.msgs[i+1:], t.msgs[i:])
	t.msgs[i] = msg
	for j := i; j < len(t.msgs); j++ {
		t.index[t.msgs[j].ID] = j
	}
	return true
}

func (t *ThreadStore) publish() {
	t.mu.Lock()
	t.version++
	version := t.version
	msgs := append([]Message(nil), t.msgs...)
	t.mu.Unlock()

	t.messages.Update(func(old versioned[[]Message]) (versioned[[]Message], bool) {
		return versioned[[]Message]{version: version, value: msgs}, version > old.version
	})
}
