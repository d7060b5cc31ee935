package dispatch

import (
	"time"

	"github.com/Lewis-walter7/comm-sub001/internal/chat"
)

// Outbound event names.
const (
	EventMessageNew          = "message:new"
	EventMessageEdit         = "message:edit"
	EventMessageDelete       = "message:delete"
	EventMessageReaction     = "message:reaction"
	EventMessagePin          = "message:pin"
	EventMessageRead         = "message:read"
	EventTypingStart         = "typing:start"
	EventTypingStop          = "typing:stop"
	EventPresenceUpdate      = "presence_update"
	EventConversationUpdated = "conversation:updated"
	EventDocumentUpdate      = "update"
	EventMemberAdded         = "member:added"
	EventMemberRemoved       = "member:removed"
	EventMemberRole          = "member:role"
	EventMentionNotification = "notification:mention"
)

const frameTypeEvent = "event"

// Frame is the wire form of every outbound event.
type Frame struct {
	Type  string      `json:"type"`
	Event string      `json:"event"`
	Data  interface{} `json:"data,omitempty"`
	At    time.Time   `json:"at"`
}

// TypingPayload is the data of typing:start and typing:stop.
type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	IdentityID     string `json:"identityId"`
}

// ConversationUpdate is the data of conversation:updated.
type ConversationUpdate struct {
	ConversationID string    `json:"conversationId"`
	WorkspaceID    string    `json:"workspaceId"`
	LastMessageID  string    `json:"lastMessageId"`
	LastMessageAt  time.Time `json:"lastMessageAt"`
	SenderID       string    `json:"senderId"`
}

// MessageDeletion is the data of message:delete.
type MessageDeletion struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
	DeletedBy      string `json:"deletedBy"`
}

// MentionNotice is the data of notification:mention.
type MentionNotice struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
	WorkspaceID    string `json:"workspaceId"`
	SenderID       string `json:"senderId"`
	Preview        string `json:"preview"`
}

// MembershipChange is the data of member:added, member:removed and member:role.
type MembershipChange struct {
	chat.Member
	ActorID string `json:"actorId"`
}

// DocumentUpdate is the data of a document update event. Payload is base64 on the wire.
type DocumentUpdate struct {
	DocumentID       string    `json:"documentId"`
	Sequence         int64     `json:"sequence"`
	Payload          []byte    `json:"payload"`
	OriginIdentityID string    `json:"originIdentityId,omitempty"`
	AppendedAt       time.Time `json:"appendedAt"`
}
