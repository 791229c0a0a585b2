package realtime

import (
	"encoding/json"
	"time"

	"go-chat-sync/internal/cache"
)

// Event names on the wire.
const (
	EventMessageNew       = "message:new"
	EventMessageSend      = "message:send"
	EventBlockUpdated     = "chat:block-updated"
	EventPresenceSnapshot = "presence:snapshot"
	EventPresenceOnline   = "presence:online"
	EventPresenceOffline  = "presence:offline"
	EventPresenceJoin     = "presence:join"
	EventPresenceLeave    = "presence:leave"
)

// Frame is one websocket text message.
//
// A frame with ID set asks the receiver for an acknowledgement, which comes
// back as a frame with Ack equal to that ID and no Event.
type Frame struct {
	Event string          `json:"event,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	ID    uint64          `json:"id,omitempty"`
	Ack   uint64          `json:"ack,omitempty"`
}

// NewFrame encodes data as the payload of event.
func NewFrame(event string, data any) (Frame, error) {
	f := Frame{Event: event}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Frame{}, err
		}
		f.Data = raw
	}
	return f, nil
}

// MessageNew is the payload of message:new.
type MessageNew struct {
	Message        cache.Message `json:"message"`
	ConversationID string        `json:"conversationId"`
}

// SendRequest is the payload of message:send.
type SendRequest struct {
	RecipientID string `json:"recipientId"`
	Text        string `json:"text"`
}

// SendAck acknowledges message:send.
type SendAck struct {
	OK             bool           `json:"ok"`
	Message        *cache.Message `json:"message,omitempty"`
	ConversationID string         `json:"conversationId,omitempty"`
	Error          string         `json:"error,omitempty"`
}

// BlockUpdated is the payload of chat:block-updated.
type BlockUpdated struct {
	BlockerUserID string     `json:"blockerUserId"`
	BlockedUserID string     `json:"blockedUserId"`
	Blocked       bool       `json:"blocked"`
	UpdatedAt     *time.Time `json:"updatedAt,omitempty"`
}

// PresenceSnapshot is the payload of presence:snapshot.
type PresenceSnapshot struct {
	UserIDs []string `json:"userIds"`
}

// PresenceDelta is the payload of presence:online and presence:offline, and
// of the join/leave announcements a client sends about itself.
type PresenceDelta struct {
	UserID string `json:"userId"`
}
