package msgsync

import (
	"context"
	"sort"
	"sync"
	"time"
)

// UnreadReconciler keeps per-conversation unread counts. Push events bump
// counts optimistically; the conversation list fetched from the REST API
// replaces them and is the only source of truth.
type UnreadReconciler struct {
	api     API
	seen    *SeenSet
	session func() Session
	logger  Logger

	interval     time.Duration
	refreshDelay time.Duration
	recheckDelay time.Duration

	mu         sync.Mutex
	convs      map[string]Conversation
	activePeer string
	// generation changes on Reset; fetches begun under an older one are dropped.
	generation uint64
	fetchSeq   uint64
	appliedSeq uint64
	timers     map[uint64]*time.Timer
	nextTimer  uint64
	refreshDue bool
	runCtx     context.Context
	stopRun    context.CancelFunc

	// version orders publications so a slow publisher cannot overwrite a
	// newer snapshot.
	version uint64
	total   *Observable[versioned[int]]
	list    *Observable[versioned[[]Conversation]]
}

type versioned[T any] struct {
	version uint64
	value   T
}

// NewUnreadReconciler builds a reconciler. session reports the current
// session; without a credential nothing is fetched or counted.
func NewUnreadReconciler(cfg Config, api API, seen *SeenSet, session func() Session, logger Logger) *UnreadReconciler {
	if seen == nil {
		seen = NewSeenSet(cfg.SeenCapacity)
	}
	if logger == nil {
		logger = noopLogger{}
	}
	return &UnreadReconciler{
		api:          api,
		seen:         seen,
		session:      session,
		logger:       logger,
		interval:     cfg.ReconcileInterval,
		refreshDelay: cfg.RefreshDelay,
		recheckDelay: cfg.RecheckDelay,
		convs:        make(map[string]Conversation),
		timers:       make(map[uint64]*time.Timer),
		total: NewObservable(versioned[int]{}, func(a, b versioned[int]) bool {
			return a.value == b.value
		}),
		list: NewObservable(versioned[[]Conversation]{}, nil),
	}
}

// TotalUnread is the sum of every conversation's unread count.
func (r *UnreadReconciler) TotalUnread() int { return r.total.Get().value }

// OnTotalUnreadChanged registers fn and replays the current total.
func (r *UnreadReconciler) OnTotalUnreadChanged(fn func(int)) (unsubscribe func()) {
	return r.total.Subscribe(func(v versioned[int]) { fn(v.value) })
}

// Conversations returns the list, most recent first.
func (r *UnreadReconciler) Conversations() []Conversation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sortedLocked()
}

// OnConversationsChanged registers fn and replays the current list.
func (r *UnreadReconciler) OnConversationsChanged(fn func([]Conversation)) (unsubscribe func()) {
	return r.list.Subscribe(func(v versioned[[]Conversation]) { fn(v.value) })
}

// UnreadCount returns the count for one peer.
func (r *UnreadReconciler) UnreadCount(peerID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.convs[peerID].UnreadCount
}

// SetActivePeer names the peer whose thread is on screen; its incoming
// messages are not counted as unread.
func (r *UnreadReconciler) SetActivePeer(peerID string) {
	r.mu.Lock()
	r.activePeer = peerID
	r.mu.Unlock()
}

// HandleNewMessage applies a pushed message once per id.
func (r *UnreadReconciler) HandleNewMessage(msg Message) {
	s := r.session()
	if !s.Authenticated() || msg.ID == "" {
		return
	}
	if !r.seen.Add(msg.ID) {
		return
	}

	peer := msg.PeerOf(s.UserID)
	if peer == "" {
		return
	}
	at := msg.SentAt
	if at.IsZero() {
		at = time.Now()
	}

	r.mu.Lock()
	c := r.convs[peer]
	c.PeerID = peer
	if !at.Before(c.LastMessageTime) {
		c.LastMessageText = previewText(msg)
		c.LastMessageTime = at
	}
	if msg.ReceiverID == s.UserID && peer != r.activePeer {
		c.UnreadCount++
	}
	r.convs[peer] = c
	r.mu.Unlock()

	r.publish()
	r.ScheduleRefresh()
}

// HandleReadReceipt zeroes a conversation the current user read elsewhere.
func (r *UnreadReconciler) HandleReadReceipt(rc ReadReceipt) {
	s := r.session()
	if !s.Authenticated() {
		return
	}
	if rc.ReaderID == s.UserID && rc.PeerID != "" {
		r.zero(rc.PeerID)
	}
	r.ScheduleRefresh()
}

// HandleUnreadTotal treats a pushed total as a hint to reconcile.
func (r *UnreadReconciler) HandleUnreadTotal(total int) {
	if total != r.TotalUnread() {
		r.logger.Debug("pushed unread total differs", map[string]any{"pushed": total, "local": r.TotalUnread()})
		r.ScheduleRefresh()
	}
}

// MarkPeerRead clears peerID's count locally and schedules a reconcile.
func (r *UnreadReconciler) MarkPeerRead(peerID string) {
	r.zero(peerID)
	r.ScheduleRefresh()
}

func (r *UnreadReconciler) zero(peerID string) {
	r.mu.Lock()
	c, ok := r.convs[peerID]
	changed := ok && c.UnreadCount != 0
	if changed {
		c.UnreadCount = 0
		r.convs[peerID] = c
	}
	r.mu.Unlock()
	if changed {
		r.publish()
	}
}

// Reconcile fetches the conversation list and replaces local counts with
// the server's. On failure the last known counts stay.
func (r *UnreadReconciler) Reconcile(ctx context.Context) error {
	if !r.session().Authenticated() {
		return NewError(ErrorNotAuthenticated, "reconcile without credential")
	}

	r.mu.Lock()
	gen := r.generation
	r.fetchSeq++
	seq := r.fetchSeq
	r.mu.Unlock()

	infos, err := r.api.ListConversations(ctx)
	if err != nil {
		r.logger.Warn("reconcile failed, keeping last counts", map[string]any{"error": err})
		return restError(ErrorReconcile, "list conversations", err)
	}

	next := make(map[string]Conversation, len(infos))
	for _, info := range infos {
		c := conversationFromREST(info)
		if c.PeerID == "" {
			continue
		}
		next[c.PeerID] = c
	}

	r.mu.Lock()
	if gen != r.generation || seq < r.appliedSeq {
		r.mu.Unlock()
		r.logger.Debug("dropping stale reconcile result", map[string]any{"seq": seq})
		return nil
	}
	r.appliedSeq = seq
	r.convs = next
	r.mu.Unlock()

	r.publish()
	return nil
}

// ScheduleRefresh queues a reconcile after RefreshDelay and a second one
// after RecheckDelay, for servers that apply writes eventually. Calls made
// while a refresh is queued are folded into it.
func (r *UnreadReconciler) ScheduleRefresh() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.runCtx == nil || r.refreshDue {
		return
	}
	r.refreshDue = true
	r.afterLocked(r.refreshDelay, true)
	if r.recheckDelay > r.refreshDelay {
		r.afterLocked(r.recheckDelay, false)
	}
}

func (r *UnreadReconciler) afterLocked(d time.Duration, first bool) {
	id := r.nextTimer
	r.nextTimer++
	gen := r.generation
	r.timers[id] = time.AfterFunc(d, func() { r.fire(id, gen, first) })
}

func (r *UnreadReconciler) fire(id, gen uint64, first bool) {
	r.mu.Lock()
	delete(r.timers, id)
	if gen != r.generation || r.runCtx == nil {
		r.mu.Unlock()
		return
	}
	if first {
		r.refreshDue = false
	}
	ctx := r.runCtx
	r.mu.Unlock()

	_ = r.Reconcile(ctx)
}

// SessionStarted starts the periodic reconcile.
func (r *UnreadReconciler) SessionStarted(ctx context.Context, _ Session) {
	r.mu.Lock()
	if r.stopRun != nil {
		r.stopRun()
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.runCtx = runCtx
	r.stopRun = cancel
	r.mu.Unlock()

	go r.loop(runCtx)
}

// SessionEnded stops timers and resets every count to zero.
func (r *UnreadReconciler) SessionEnded() {
	r.Stop()
	r.Reset()
}

func (r *UnreadReconciler) loop(ctx context.Context) {
	_ = r.Reconcile(ctx)
	if r.interval <= 0 {
		return
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = r.Reconcile(ctx)
		}
	}
}

// Stop cancels the periodic reconcile and every queued refresh.
func (r *UnreadReconciler) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopRun != nil {
		r.stopRun()
		r.stopRun = nil
	}
	r.runCtx = nil
	r.stopTimersLocked()
}

// Reset drops every count, the seen ids and any fetch still in flight.
func (r *UnreadReconciler) Reset() {
	r.mu.Lock()
	r.generation++
	r.convs = make(map[string]Conversation)
	r.activePeer = ""
	r.stopTimersLocked()
	r.mu.Unlock()

	r.seen.Clear()
	r.publish()
}

func (r *UnreadReconciler) stopTimersLocked() {
	for id, t := range r.timers {
		t.Stop()
		delete(r.timers, id)
	}
	r.refreshDue = false
}

func (r *UnreadReconciler) publish() {
	r.mu.Lock()
	r.version++
	version := r.version
	list := r.sortedLocked()
	r.mu.Unlock()

	total := 0
	for _, c := range list {
		total += c.UnreadCount
	}
	r.total.Update(func(old versioned[int]) (versioned[int], bool) {
		return versioned[int]{version: version, value: total}, version > old.version
	})
	r.list.Update(func(old versioned[[]Conversation]) (versioned[[]Conversation], bool) {
		return versioned[[]Conversation]{version: version, value: list}, version > old.version
	})
}

func (r *UnreadReconciler) sortedLocked() []Conversation {
	out := make([]Conversation, 0, len(r.convs))
	for _, c := range r.convs {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastMessageTime.Equal(out[j].LastMessageTime) {
			return out[i].LastMessageTime.After(out[j].LastMessageTime)
		}
		return out[i].PeerID < out[j].PeerID
	})
	return out
}

func previewText(m Message) string {
	if m.Text != "" {
		return m.Text
	}
	if m.AttachmentURL != "" {
		return "[attachment]"
	}
	return ""
}
