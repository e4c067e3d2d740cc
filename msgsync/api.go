package msgsync

import (
	"context"
	"errors"

	"github.com/Jay4h/jobsetu-sub000/msgsync/rest"
)

// API is the REST collaborator. *rest.Client implements it.
type API interface {
	ListConversations(ctx context.Context) ([]rest.ConversationInfo, error)
	GetMessages(ctx context.Context, peerID string) ([]rest.MessageInfo, error)
	SendMessage(ctx context.Context, req rest.SendMessageRequest) (*rest.MessageInfo, error)
	MarkRead(ctx context.Context, peerID string) error
}

var _ API = (*rest.Client)(nil)

func conversationFromREST(ci rest.ConversationInfo) Conversation {
	n := ci.UnreadCount
	if n < 0 {
		n = 0
	}
	return Conversation{
		PeerID:          ci.PeerID.String(),
		DisplayName:     ci.DisplayName,
		AvatarURL:       ci.AvatarURL,
		LastMessageText: ci.LastMessage,
		LastMessageTime: ci.LastMessageTime,
		UnreadCount:     n,
	}
}

func messageFromREST(mi rest.MessageInfo) Message {
	return Message{
		ID:            mi.ID.String(),
		SenderID:      mi.SenderID.String(),
		ReceiverID:    mi.ReceiverID.String(),
		Text:          mi.Text,
		AttachmentURL: mi.AttachmentURL,
		SentAt:        mi.SentAt,
		IsRead:        mi.IsRead,
	}
}

// restError maps collaborator failures onto SDK codes.
func restError(code ErrorCode, msg string, err error) error {
	if errors.Is(err, rest.ErrNoCredential) || rest.IsUnauthorized(err) {
		return WrapError(ErrorNotAuthenticated, msg, err)
	}
	return WrapError(code, msg, err)
}
