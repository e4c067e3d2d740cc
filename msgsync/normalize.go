package msgsync

import (
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Accepted field names, most preferred first. Deployments disagree on
// casing, so every logical field is looked up through one of these lists.
var (
	messageIDFields   = []string{"id", "Id", "ID", "messageId", "MessageId", "messageID", "message_id", "msgId"}
	senderFields      = []string{"senderId", "SenderId", "senderID", "sender_id", "fromUserId", "FromUserId", "from"}
	receiverFields    = []string{"receiverId", "ReceiverId", "receiverID", "receiver_id", "toUserId", "ToUserId", "to"}
	textFields        = []string{"text", "Text", "content", "Content", "messageText", "MessageText", "body", "Body"}
	attachmentFields  = []string{"attachmentUrl", "AttachmentUrl", "attachmentURL", "attachment_url", "fileUrl", "FileUrl", "attachment"}
	sentAtFields      = []string{"sentAt", "SentAt", "sent_at", "createdAt", "CreatedAt", "created_at", "timestamp", "Timestamp", "ts"}
	isReadFields      = []string{"isRead", "IsRead", "is_read", "read"}
	readerFields      = []string{"readerId", "ReaderId", "readerID", "reader_id", "readBy", "ReadBy", "userId", "UserId"}
	receiptPeerFields = []string{"peerId", "PeerId", "peerID", "peer_id", "otherUserId", "OtherUserId", "senderId", "SenderId"}
	receiptIDsFields  = []string{"messageIds", "MessageIds", "messageIDs", "message_ids", "ids"}
	unreadTotalFields = []string{"totalUnread", "TotalUnread", "unreadCount", "UnreadCount", "total", "Total", "count", "Count"}

	// envelopeFields are wrapper objects some deployments put around the payload.
	envelopeFields = []string{"message", "Message", "data", "Data", "payload", "Payload"}
)

// NormalizeMessage extracts a Message from a push payload. It returns false
// when no message id can be found; such payloads are ignored.
func NormalizeMessage(raw []byte) (Message, bool) {
	root := unwrapEnvelope(gjson.ParseBytes(raw))
	if !root.IsObject() {
		return Message{}, false
	}
	id := lookupString(root, messageIDFields)
	if id == "" {
		return Message{}, false
	}
	msg := Message{
		ID:            id,
		SenderID:      lookupString(root, senderFields),
		ReceiverID:    lookupString(root, receiverFields),
		Text:          lookupString(root, textFields),
		AttachmentURL: lookupString(root, attachmentFields),
		SentAt:        lookupTime(root, sentAtFields),
	}
	if r := lookup(root, isReadFields); r.Exists() {
		msg.IsRead = r.Bool()
	}
	return msg, true
}

// NormalizeReadReceipt extracts a ReadReceipt. The reader or the peer must
// be identifiable.
func NormalizeReadReceipt(raw []byte) (ReadReceipt, bool) {
	root := unwrapEnvelope(gjson.ParseBytes(raw))
	if !root.IsObject() {
		return ReadReceipt{}, false
	}
	rc := ReadReceipt{
		ReaderID: lookupString(root, readerFields),
		PeerID:   lookupString(root, receiptPeerFields),
	}
	if ids := lookup(root, receiptIDsFields); ids.IsArray() {
		for _, v := range ids.Array() {
			if s := v.String(); s != "" {
				rc.MessageIDs = append(rc.MessageIDs, s)
			}
		}
	}
	if rc.ReaderID == "" && rc.PeerID == "" {
		return ReadReceipt{}, false
	}
	return rc, true
}

// NormalizeUnreadTotal extracts the total from a bare number or an object.
func NormalizeUnreadTotal(raw []byte) (int, bool) {
	root := gjson.ParseBytes(raw)
	if root.Type == gjson.Number {
		return clampCount(root.Int()), true
	}
	root = unwrapEnvelope(root)
	r := lookup(root, unreadTotalFields)
	if r.Type != gjson.Number {
		return 0, false
	}
	return clampCount(r.Int()), true
}

func unwrapEnvelope(root gjson.Result) gjson.Result {
	if !root.IsObject() {
		return root
	}
	// A payload that already names an id is not an envelope.
	if lookup(root, messageIDFields).Exists() {
		return root
	}
	if inner := lookup(root, envelopeFields); inner.IsObject() {
		return inner
	}
	return root
}

func lookup(root gjson.Result, fields []string) gjson.Result {
	for _, f := range fields {
		if r := root.Get(gjson.Escape(f)); r.Exists() && r.Type != gjson.Null {
			return r
		}
	}
	return gjson.Result{}
}

func lookupString(root gjson.Result, fields []string) string {
	r := lookup(root, fields)
	if !r.Exists() || r.IsObject() || r.IsArray() {
		return ""
	}
	return strings.TrimSpace(r.String())
}

func lookupTime(root gjson.Result, fields []string) time.Time {
	r := lookup(root, fields)
	switch r.Type {
	case gjson.Number:
		return unixTime(r.Int())
	case gjson.String:
		s := r.String()
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999", "2006-01-02 15:04:05"} {
			if t, err := time.Parse(layout, s); err == nil {
				return t
			}
		}
	}
	return time.Time{}
}

// unixTime accepts seconds or milliseconds.
func unixTime(v int64) time.Time {
	if v <= 0 {
		return time.Time{}
	}
	if v > 1e12 {
		return time.UnixMilli(v)
	}
	return time.Unix(v, 0)
}

func clampCount(v int64) int {
	if v < 0 {
		return 0
	}
	return int(v)
}
