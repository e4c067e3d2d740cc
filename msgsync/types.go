package msgsync

import (
	"encoding/json"
	"io"
	"reflect"
	"time"
)

// Session is the authenticated identity the SDK runs under.
// An empty Token means logged out.
type Session struct {
	Token  string `json:"token,omitempty"`
	UserID string `json:"userId,omitempty"`
	Role   string `json:"role,omitempty"`
}

// Authenticated reports whether the session carries a credential.
func (s Session) Authenticated() bool { return s.Token != "" }

// Conversation is one entry of the conversation list, keyed by PeerID.
type Conversation struct {
	PeerID          string
	DisplayName     string
	AvatarURL       string
	LastMessageText string
	LastMessageTime time.Time
	UnreadCount     int
}

// Message is a single chat message. ID is unique within its conversation.
type Message struct {
	ID            string
	SenderID      string
	ReceiverID    string
	Text          string // empty when the message only carries an attachment
	AttachmentURL string
	SentAt        time.Time
	IsRead        bool
}

// PeerOf returns the participant of m that is not userID.
func (m Message) PeerOf(userID string) string {
	if m.SenderID == userID {
		return m.ReceiverID
	}
	return m.SenderID
}

// Involves reports whether peerID sent or received m.
func (m Message) Involves(peerID string) bool {
	return m.SenderID == peerID || m.ReceiverID == peerID
}

// Attachment is a file sent along with a message.
type Attachment struct {
	FileName    string
	ContentType string
	Content     io.Reader
}

// ReadReceipt tells that ReaderID has read the conversation with PeerID.
type ReadReceipt struct {
	ReaderID   string
	PeerID     string
	MessageIDs []string
}

// Event is a named server-pushed event.
type Event struct {
	Name string
	Data json.RawMessage
}

// Handler receives push events. Handlers are kept in sets, so a handler
// is identified by value; a handler whose value is not comparable (a func
// type, or a struct holding a slice or map) is wrapped on registration and
// can then only be removed through the returned unsubscribe function.
type Handler interface {
	HandleEvent(ev Event)
}

// keyedHandler returns h, or a pointer wrapper around it when h cannot be
// used as a map key.
func keyedHandler(h Handler) Handler {
	if h == nil || isKeyable(h) {
		return h
	}
	return &funcHandler{fn: h.HandleEvent}
}

func isKeyable(h Handler) bool {
	return h == nil || reflect.ValueOf(h).Comparable()
}

type funcHandler struct {
	fn func(Event)
}

func (h *funcHandler) HandleEvent(ev Event) { h.fn(ev) }

// HandlerFunc wraps fn into a Handler. Each call returns a distinct
// handler, so keep the result to register or remove it again.
func HandlerFunc(fn func(Event)) Handler {
	return &funcHandler{fn: fn}
}
