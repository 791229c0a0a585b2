// Package cache is the in-memory view the UI reads: who is online, the loaded
// pages of every conversation and the conversation summary list.
//
// Components never mutate it directly. They dispatch intents and a single
// reducer applies them in dispatch order.
package cache

import "time"

// Message is one chat message as the client stores it.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	RecipientID    string    `json:"recipientId"`
	Text           string    `json:"text"`
	CreatedAt      time.Time `json:"createdAt"`
}

// PeerOf returns the other party of m as seen by self.
func (m Message) PeerOf(self string) string {
	if m.SenderID == self {
		return m.RecipientID
	}
	return m.SenderID
}

// Flags is the block state between the signed-in user and a peer.
type Flags struct {
	BlockedByMe bool `json:"blockedByMe"`
	BlockedMe   bool `json:"blockedMe"`
}

// Flag names one field of Flags.
type Flag int

const (
	FlagBlockedByMe Flag = iota + 1
	FlagBlockedMe
)

func (f Flag) String() string {
	switch f {
	case FlagBlockedByMe:
		return "blockedByMe"
	case FlagBlockedMe:
		return "blockedMe"
	}
	return "unknown"
}

// Page is one loaded slice of a conversation, messages oldest first.
type Page struct {
	ConversationID string    `json:"conversationId,omitempty"`
	Participant    Flags     `json:"participant"`
	Messages       []Message `json:"messages"`
	Count          int       `json:"count"`
	// NextCursor fetches the page before this one; empty at the beginning
	// of history.
	NextCursor string `json:"nextCursor,omitempty"`
}

func (p Page) clone() Page {
	p.Messages = append([]Message(nil), p.Messages...)
	return p
}

// Summary is one row of the conversation list.
type Summary struct {
	ConversationID string   `json:"conversationId"`
	PeerID         string   `json:"peerId"`
	Name           string   `json:"name"`
	LastMessage    *Message `json:"lastMessage,omitempty"`
	UnreadCount    int      `json:"unreadCount"`
	Participant    Flags    `json:"participant"`
}
