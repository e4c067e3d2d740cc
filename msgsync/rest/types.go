package rest

import (
	"bytes"
	"encoding/json"
	"time"
)

// ID is an identifier the server may encode as a JSON string or number.
type ID string

// UnmarshalJSON accepts "42", 42 and null.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*id = ID(n.String())
	return nil
}

// String returns the id as sent by the server.
func (id ID) String() string { return string(id) }

// Conversation list types

// ConversationInfo is one row of the conversation list.
type ConversationInfo struct {
	PeerID          ID        `json:"peerId"`
	DisplayName     string    `json:"displayName"`
	AvatarURL       string    `json:"avatarUrl,omitempty"`
	LastMessage     string    `json:"lastMessage"`
	LastMessageTime time.Time `json:"lastMessageTime"`
	UnreadCount     int       `json:"unreadCount"`
}

// Message history types

// MessageInfo represents a single message in the history.
type MessageInfo struct {
	ID            ID        `json:"id"`
	SenderID      ID        `json:"senderId"`
	ReceiverID    ID        `json:"receiverId"`
	Text          string    `json:"text,omitempty"`
	AttachmentURL string    `json:"attachmentUrl,omitempty"`
	SentAt        time.Time `json:"sentAt"`
	IsRead        bool      `json:"isRead"`
}

// Send types

// SendMessageRequest is the request for sending a message. When
// Attachment is set the request is sent as a multipart form.
type SendMessageRequest struct {
	ReceiverID string          `json:"receiverId"`
	Text       string          `json:"text,omitempty"`
	Attachment *AttachmentFile `json:"-"`
}

// AttachmentFile is a file uploaded with a message.
type AttachmentFile struct {
	FileName    string
	ContentType string
	Content     []byte
}

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
