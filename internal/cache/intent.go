package cache

// Intent is a normalized mutation request for the Store.
type Intent interface {
	intent()
}

// PresenceReplaced replaces the online set wholesale.
type PresenceReplaced struct{ IDs []string }

// PresenceJoined marks one peer online.
type PresenceJoined struct{ ID string }

// PresenceLeft marks one peer offline.
type PresenceLeft struct{ ID string }

// PageLoaded installs a page fetched over HTTP. With Older unset the page
// becomes the only page of the conversation (a fresh load); with Older set it
// is prepended in front of the pages already held.
type PageLoaded struct {
	PeerID string
	Page   Page
	Older  bool
}

// MessageReceived appends a realtime message to the newest loaded page.
type MessageReceived struct {
	PeerID         string
	ConversationID string
	Message        Message
}

// FlagChanged updates one participant flag of a conversation.
type FlagChanged struct {
	PeerID string
	Flag   Flag
	Value  bool
}

// SummariesReplaced installs a freshly fetched conversation list.
type SummariesReplaced struct{ Summaries []Summary }

// ConversationDropped forgets the pages of one peer.
type ConversationDropped struct{ PeerID string }

// Reset drops everything, as on sign-out.
type Reset struct{}

func (PresenceReplaced) intent()    {}
func (PresenceJoined) intent()      {}
func (PresenceLeft) intent()        {}
func (PageLoaded) intent()          {}
func (MessageReceived) intent()     {}
func (FlagChanged) intent()         {}
func (SummariesReplaced) intent()   {}
func (ConversationDropped) intent() {}
func (Reset) intent()               {}
