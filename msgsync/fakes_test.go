package msgsync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Jay4h/jobsetu-sub000/msgsync/rest"
)

// fakeAPI is an in-memory API. Calls block on gate when it is set.
type fakeAPI struct {
	mu        sync.Mutex
	convs     []rest.ConversationInfo
	history   map[string][]rest.MessageInfo
	listErr   error
	histErr   error
	sendErr   error
	sent      []rest.SendMessageRequest
	listCalls int
	histCalls int
	markReads map[string]int
	listGate  chan struct{}
	histGate  chan struct{}
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		history:   make(map[string][]rest.MessageInfo),
		markReads: make(map[string]int),
	}
}

func (f *fakeAPI) setConvs(convs ...rest.ConversationInfo) {
	f.mu.Lock()
	f.convs = convs
	f.mu.Unlock()
}

func (f *fakeAPI) ListConversations(ctx context.Context) ([]rest.ConversationInfo, error) {
	f.mu.Lock()
	f.listCalls++
	gate := f.listGate
	convs := append([]rest.ConversationInfo(nil), f.convs...)
	err := f.listErr
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return convs, nil
}

func (f *fakeAPI) GetMessages(ctx context.Context, peerID string) ([]rest.MessageInfo, error) {
	f.mu.Lock()
	f.histCalls++
	gate := f.histGate
	msgs := append([]rest.MessageInfo(nil), f.history[peerID]...)
	err := f.histErr
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

func (f *fakeAPI) SendMessage(_ context.Context, req rest.SendMessageRequest) (*rest.MessageInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sent = append(f.sent, req)
	m := rest.MessageInfo{
		ID:         rest.ID("sent-" + req.ReceiverID + "-" + time.Now().Format("150405.000000000")),
		SenderID:   "me",
		ReceiverID: rest.ID(req.ReceiverID),
		Text:       req.Text,
		SentAt:     time.Now(),
	}
	if req.Attachment != nil {
		m.AttachmentURL = "/files/" + req.Attachment.FileName
	}
	f.history[req.ReceiverID] = append(f.history[req.ReceiverID], m)
	return &m, nil
}

func (f *fakeAPI) MarkRead(_ context.Context, peerID string) error {
	f.mu.Lock()
	f.markReads[peerID]++
	f.mu.Unlock()
	return nil
}

func (f *fakeAPI) listCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}

func (f *fakeAPI) historyCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.histCalls
}

func (f *fakeAPI) markReadCount(peer string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.markReads[peer]
}

var errBoom = errors.New("boom")

// fakeChannel records bindings and lets tests drive its callbacks.
type fakeChannel struct {
	mu             sync.Mutex
	handlers       map[string]map[Handler]struct{}
	starts         int
	stops          int
	startErr       error
	startGate      chan struct{}
	onClose        func(error)
	onReconnecting func(error)
	onReconnected  func()
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{handlers: make(map[string]map[Handler]struct{})}
}

func (c *fakeChannel) Start(ctx context.Context) error {
	c.mu.Lock()
	c.starts++
	gate := c.startGate
	err := c.startErr
	c.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (c *fakeChannel) Stop(context.Context) error {
	c.mu.Lock()
	c.stops++
	c.mu.Unlock()
	return nil
}

func (c *fakeChannel) On(event string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handlers[event] == nil {
		c.handlers[event] = make(map[Handler]struct{})
	}
	c.handlers[event][h] = struct{}{}
}

func (c *fakeChannel) Off(event string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers[event], h)
}

func (c *fakeChannel) OnClose(fn func(error)) {
	c.mu.Lock()
	c.onClose = fn
	c.mu.Unlock()
}

func (c *fakeChannel) OnReconnecting(fn func(error)) {
	c.mu.Lock()
	c.onReconnecting = fn
	c.mu.Unlock()
}

func (c *fakeChannel) OnReconnected(fn func()) {
	c.mu.Lock()
	c.onReconnected = fn
	c.mu.Unlock()
}

// emit delivers an event to every bound handler, as the read loop would.
func (c *fakeChannel) emit(event string, data string) {
	c.mu.Lock()
	hs := make([]Handler, 0, len(c.handlers[event]))
	for h := range c.handlers[event] {
		hs = append(hs, h)
	}
	c.mu.Unlock()
	for _, h := range hs {
		h.HandleEvent(Event{Name: event, Data: []byte(data)})
	}
}

func (c *fakeChannel) bound(event string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handlers[event])
}

func (c *fakeChannel) counts() (starts, stops int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.starts, c.stops
}

// channelRecorder is a ChannelFactory keeping every channel it made.
type channelRecorder struct {
	mu      sync.Mutex
	made    []*fakeChannel
	prepare func(*fakeChannel)
}

func (r *channelRecorder) factory(string, CredentialFunc) Channel {
	ch := newFakeChannel()
	if r.prepare != nil {
		r.prepare(ch)
	}
	r.mu.Lock()
	r.made = append(r.made, ch)
	r.mu.Unlock()
	return ch
}

func (r *channelRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.made)
}

func (r *channelRecorder) last() *fakeChannel {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.made) == 0 {
		return nil
	}
	return r.made[len(r.made)-1]
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.URL = "ws://example.invalid/hubs/chat"
	cfg.RESTBaseURL = "http://example.invalid/api"
	cfg.ReconcileInterval = time.Hour
	cfg.RefreshDelay = 20 * time.Millisecond
	cfg.RecheckDelay = 60 * time.Millisecond
	return cfg
}

// eventually polls cond until it holds or two seconds pass.
func eventually(t *testing.T, cond func() bool, format string, args ...any) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf(format, args...)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
