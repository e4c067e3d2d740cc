// Package msgsynctest provides an in-process messaging backend, REST and
// push channel, for tests and demos.
package msgsynctest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/Jay4h/jobsetu-sub000/msgsync/internal"
	"github.com/Jay4h/jobsetu-sub000/msgsync/rest"
)

// Event names pushed by the server. They match msgsync.DefaultConfig.
const (
	EventNewMessage  = "ReceiveMessage"
	EventReadReceipt = "MessagesRead"
	EventUnreadTotal = "UnreadCountUpdated"
)

type user struct {
	id   string
	name string
}

// Server is a fake messaging backend. Its zero value is not usable; call
// New or NewUnstarted.
type Server struct {
	engine *gin.Engine
	ts     *httptest.Server

	mu          sync.Mutex
	users       map[string]user
	tokens      map[string]string // token -> user id
	messages    []rest.MessageInfo
	conns       map[string]map[*websocket.Conn]struct{}
	markReads   map[string]int
	listCalls   int
	failList    bool
	failSend    bool
	historyHook func(userID, peerID string)
	lastSentAt  time.Time
}

// New starts a server on a loopback port.
func New() *Server {
	s := NewUnstarted()
	s.ts = httptest.NewServer(s.engine)
	return s
}

// NewUnstarted builds the server without listening; use Handler to mount it.
func NewUnstarted() *Server {
	gin.SetMode(gin.TestMode)
	s := &Server{
		users:     make(map[string]user),
		tokens:    make(map[string]string),
		conns:     make(map[string]map[*websocket.Conn]struct{}),
		markReads: make(map[string]int),
	}
	s.engine = gin.New()
	s.engine.Use(gin.Recovery())
	s.routes()
	return s
}

// Handler returns the HTTP handler serving /api and /hubs/chat.
func (s *Server) Handler() http.Handler { return s.engine }

// URL is the http base URL of a started server.
func (s *Server) URL() string { return s.ts.URL }

// APIURL is the REST base URL.
func (s *Server) APIURL() string { return s.ts.URL + "/api" }

// WSURL is the push channel URL.
func (s *Server) WSURL() string { return "ws" + strings.TrimPrefix(s.ts.URL, "http") + "/hubs/chat" }

// Close drops every push connection and stops the server.
func (s *Server) Close() {
	s.closeConns("", websocket.StatusGoingAway, "server shutdown")
	if s.ts != nil {
		s.ts.Close()
	}
}

func (s *Server) routes() {
	s.engine.GET("/hubs/chat", s.handlePush)

	api := s.engine.Group("/api", s.authenticate)
	api.GET("/messages/conversations", s.handleConversations)
	api.GET("/messages/:peer", s.handleHistory)
	api.POST("/messages", s.handleSend)
	api.POST("/messages/:peer/read", s.handleMarkRead)
}

// AddUser registers a user and returns a fresh token for it.
func (s *Server) AddUser(id, name string) string {
	token := uuid.NewString()
	s.mu.Lock()
	s.users[id] = user{id: id, name: name}
	s.tokens[token] = id
	s.mu.Unlock()
	return token
}

// RevokeToken makes token invalid for future requests and connections.
func (s *Server) RevokeToken(token string) {
	s.mu.Lock()
	delete(s.tokens, token)
	s.mu.Unlock()
}

// Seed stores a message without pushing it.
func (s *Server) Seed(from, to, text string) rest.MessageInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.storeLocked(from, to, text, "")
}

// Send stores a message from one user to another and pushes it to both,
// as if it had been sent by another client.
func (s *Server) Send(from, to, text string) rest.MessageInfo {
	s.mu.Lock()
	m := s.storeLocked(from, to, text, "")
	s.mu.Unlock()
	s.pushMessage(m)
	return m
}

// Push sends a raw event to every connection of userID.
func (s *Server) Push(userID, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return s.broadcast(userID, internal.Outbound{Type: internal.OutboundEvent, Event: event, Data: data})
}

// PushError sends a protocol error frame to every connection of userID.
func (s *Server) PushError(userID, code, msg string) error {
	return s.broadcast(userID, internal.Outbound{Type: internal.OutboundError, Error: &internal.ErrorFrame{Code: code, Msg: msg}})
}

// PushRaw sends data as a text frame, as is, to every connection of userID.
func (s *Server) PushRaw(userID string, data []byte) error {
	return s.write(userID, func(ctx context.Context, ws *websocket.Conn) error {
		return ws.Write(ctx, websocket.MessageText, data)
	})
}

func (s *Server) broadcast(userID string, frame internal.Outbound) error {
	return s.write(userID, func(ctx context.Context, ws *websocket.Conn) error {
		return wsjson.Write(ctx, ws, frame)
	})
}

func (s *Server) write(userID string, fn func(context.Context, *websocket.Conn) error) error {
	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.conns[userID]))
	for ws := range s.conns[userID] {
		conns = append(conns, ws)
	}
	s.mu.Unlock()

	// A connection that is going away must not starve the others.
	var errs []error
	for _, ws := range conns {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := fn(ctx, ws); err != nil {
			errs = append(errs, fmt.Errorf("push to %s: %w", userID, err))
		}
		cancel()
	}
	return errors.Join(errs...)
}

// UnreadFor returns the server-side unread count of reader from peer.
func (s *Server) UnreadFor(reader, peer string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.messages {
		if string(m.ReceiverID) == reader && string(m.SenderID) == peer && !m.IsRead {
			n++
		}
	}
	return n
}

// MarkReadCalls counts mark-read requests made by reader for peer.
func (s *Server) MarkReadCalls(reader, peer string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markReads[reader+"|"+peer]
}

// ListCalls counts conversation list requests.
func (s *Server) ListCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listCalls
}

// FailList makes conversation list requests fail with 500.
func (s *Server) FailList(fail bool) {
	s.mu.Lock()
	s.failList = fail
	s.mu.Unlock()
}

// FailSend makes send requests fail with 500.
func (s *Server) FailSend(fail bool) {
	s.mu.Lock()
	s.failSend = fail
	s.mu.Unlock()
}

// OnHistory registers fn to run before a history response is written.
func (s *Server) OnHistory(fn func(userID, peerID string)) {
	s.mu.Lock()
	s.historyHook = fn
	s.mu.Unlock()
}

// ConnectionCount returns how many push connections userID has open.
func (s *Server) ConnectionCount(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns[userID])
}

// WaitConnections polls until userID has n push connections or timeout
// passes.
func (s *Server) WaitConnections(userID string, n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if s.ConnectionCount(userID) == n {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// DropConnections closes userID's push connections the way a lost network
// would look to the client; clients are expected to reconnect.
func (s *Server) DropConnections(userID string) {
	s.closeConns(userID, websocket.StatusGoingAway, "dropped")
}

// KickConnections closes userID's push connections with the credential
// rejection code; clients must not reconnect.
func (s *Server) KickConnections(userID string) {
	s.closeConns(userID, internal.StatusUnauthorized, "session revoked")
}

func (s *Server) closeConns(userID string, code websocket.StatusCode, reason string) {
	s.mu.Lock()
	var conns []*websocket.Conn
	for uid, set := range s.conns {
		if userID != "" && uid != userID {
			continue
		}
		for ws := range set {
			conns = append(conns, ws)
		}
	}
	s.mu.Unlock()

	for _, ws := range conns {
		_ = ws.Close(code, reason)
	}
}

func (s *Server) authenticate(c *gin.Context) {
	uid, ok := s.userFor(bearer(c.Request))
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	c.Set("userID", uid)
	c.Next()
}

func (s *Server) userFor(token string) (string, bool) {
	if token == "" {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	uid, ok := s.tokens[token]
	return uid, ok
}

func bearer(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("access_token")
}

func (s *Server) handlePush(c *gin.Context) {
	uid, ok := s.userFor(bearer(c.Request))
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	ws, err := websocket.Accept(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	ctx := c.Request.Context()

	var hello internal.Inbound
	if err := wsjson.Read(ctx, ws, &hello); err != nil || hello.Type != internal.InboundHello {
		_ = ws.Close(websocket.StatusPolicyViolation, "hello expected")
		return
	}

	s.mu.Lock()
	set, ok := s.conns[uid]
	if !ok {
		set = make(map[*websocket.Conn]struct{})
		s.conns[uid] = set
	}
	set[ws] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns[uid], ws)
		s.mu.Unlock()
	}()

	if err := wsjson.Write(ctx, ws, internal.Outbound{Type: internal.OutboundReady}); err != nil {
		return
	}
	// The client never sends after hello; CloseRead answers pings until
	// the connection goes away.
	<-ws.CloseRead(ctx).Done()
}

func (s *Server) handleConversations(c *gin.Context) {
	me := c.GetString("userID")
	s.mu.Lock()
	s.listCalls++
	if s.failList {
		s.mu.Unlock()
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list unavailable"})
		return
	}

	byPeer := make(map[string]*rest.ConversationInfo)
	for _, m := range s.messages {
		var peer string
		switch me {
		case string(m.SenderID):
			peer = string(m.ReceiverID)
		case string(m.ReceiverID):
			peer = string(m.SenderID)
		default:
			continue
		}
		ci, ok := byPeer[peer]
		if !ok {
			ci = &rest.ConversationInfo{PeerID: rest.ID(peer), DisplayName: s.users[peer].name}
			byPeer[peer] = ci
		}
		ci.LastMessage = m.Text
		if ci.LastMessage == "" && m.AttachmentURL != "" {
			ci.LastMessage = "[attachment]"
		}
		ci.LastMessageTime = m.SentAt
		if string(m.ReceiverID) == me && !m.IsRead {
			ci.UnreadCount++
		}
	}
	s.mu.Unlock()

	out := make([]rest.ConversationInfo, 0, len(byPeer))
	for _, ci := range byPeer {
		out = append(out, *ci)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastMessageTime.After(out[j].LastMessageTime) })
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleHistory(c *gin.Context) {
	me, peer := c.GetString("userID"), c.Param("peer")

	s.mu.Lock()
	hook := s.historyHook
	s.mu.Unlock()
	if hook != nil {
		hook(me, peer)
	}

	s.mu.Lock()
	out := make([]rest.MessageInfo, 0)
	for _, m := range s.messages {
		if (string(m.SenderID) == me && string(m.ReceiverID) == peer) ||
			(string(m.SenderID) == peer && string(m.ReceiverID) == me) {
			out = append(out, m)
		}
	}
	s.mu.Unlock()
	c.JSON(http.StatusOK, out)
}

type sendBody struct {
	ReceiverID string `json:"receiverId"`
	Text       string `json:"text"`
}

func (s *Server) handleSend(c *gin.Context) {
	me := c.GetString("userID")

	var body sendBody
	var attachment string
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		body.ReceiverID = c.PostForm("receiverId")
		body.Text = c.PostForm("text")
		if fh, err := c.FormFile("attachment"); err == nil {
			f, err := fh.Open()
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable attachment"})
				return
			}
			_, _ = io.Copy(io.Discard, f)
			f.Close()
			attachment = "/files/" + uuid.NewString() + "/" + fh.Filename
		}
	} else if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if body.ReceiverID == "" || (body.Text == "" && attachment == "") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "receiver and content are required"})
		return
	}

	s.mu.Lock()
	if s.failSend {
		s.mu.Unlock()
		c.JSON(http.StatusInternalServerError, gin.H{"message": "send unavailable"})
		return
	}
	m := s.storeLocked(me, body.ReceiverID, body.Text, attachment)
	s.mu.Unlock()

	s.pushMessage(m)
	c.JSON(http.StatusCreated, m)
}

func (s *Server) handleMarkRead(c *gin.Context) {
	me, peer := c.GetString("userID"), c.Param("peer")

	s.mu.Lock()
	s.markReads[me+"|"+peer]++
	var ids []string
	for i := range s.messages {
		m := &s.messages[i]
		if string(m.ReceiverID) == me && string(m.SenderID) == peer && !m.IsRead {
			m.IsRead = true
			ids = append(ids, string(m.ID))
		}
	}
	total := 0
	for _, m := range s.messages {
		if string(m.ReceiverID) == me && !m.IsRead {
			total++
		}
	}
	s.mu.Unlock()

	receipt := map[string]any{"readerId": me, "peerId": peer, "messageIds": ids}
	_ = s.Push(me, EventReadReceipt, receipt)
	_ = s.Push(peer, EventReadReceipt, receipt)
	_ = s.Push(me, EventUnreadTotal, map[string]any{"totalUnread": total})
	c.Status(http.StatusNoContent)
}

func (s *Server) storeLocked(from, to, text, attachment string) rest.MessageInfo {
	at := time.Now().UTC().Truncate(time.Millisecond)
	if !at.After(s.lastSentAt) {
		at = s.lastSentAt.Add(time.Millisecond)
	}
	s.lastSentAt = at
	m := rest.MessageInfo{
		ID:            rest.ID(uuid.NewString()),
		SenderID:      rest.ID(from),
		ReceiverID:    rest.ID(to),
		Text:          text,
		AttachmentURL: attachment,
		SentAt:        at,
	}
	s.messages = append(s.messages, m)
	return m
}

// pushMessage delivers m to both participants in the envelope shape of a
// hub that wraps and PascalCases its payloads.
func (s *Server) pushMessage(m rest.MessageInfo) {
	payload := map[string]any{"message": map[string]any{
		"Id":            string(m.ID),
		"SenderId":      string(m.SenderID),
		"ReceiverId":    string(m.ReceiverID),
		"Content":       m.Text,
		"AttachmentUrl": m.AttachmentURL,
		"CreatedAt":     m.SentAt.UnixMilli(),
		"IsRead":        m.IsRead,
	}}
	_ = s.Push(string(m.ReceiverID), EventNewMessage, payload)
	if m.SenderID != m.ReceiverID {
		_ = s.Push(string(m.SenderID), EventNewMessage, payload)
	}
}
