package chat

import "time"

// Message is an immutable record within a conversation.
//
// ID is assigned by the server; ClientID is the idempotency key generated by
// the sending client before the server acknowledges. The pair lets the store
// reconcile an optimistic local append with its server echo instead of
// showing a duplicate.
type Message struct {
	ID              string     `json:"id,omitempty"`
	ClientID        string     `json:"clientId,omitempty"`
	ConversationID  string     `json:"conversationId"`
	SenderID        string     `json:"senderId"`
	IsSenderSupport bool       `json:"isSenderSupport"`
	Content         string     `json:"content"`
	IsImage         bool       `json:"isImage"`
	SentAt          time.Time  `json:"sentAt"`
	Read            bool       `json:"read"`
	ReadAt          *time.Time `json:"readAt,omitempty"`
}

// Conversation is an addressable channel between two or more parties.
// Conversations are supplied externally (fetched list); the client never
// creates them, it only keeps the preview fields current.
type Conversation struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	Initials        string     `json:"initials,omitempty"`
	LastMessage     string     `json:"lastMessage,omitempty"`
	LastMessageAt   *time.Time `json:"lastMessageAt,omitempty"`
	LastMessageRead bool       `json:"lastMessageRead"`
}
