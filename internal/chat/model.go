package chat

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Role is a member's standing within a conversation.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// ErrInvalidRole indicates an unknown conversation role.
var ErrInvalidRole = errors.New("chat: invalid role")

// ParseRole validates a role name.
func ParseRole(raw string) (Role, error) {
	switch role := Role(strings.ToLower(strings.TrimSpace(raw))); role {
	case RoleOwner, RoleAdmin, RoleMember:
		return role, nil
	case "":
		return RoleMember, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, raw)
	}
}

func (r Role) canManage() bool {
	return r == RoleOwner || r == RoleAdmin
}

// Workspace groups conversations and documents.
type Workspace struct {
	WorkspaceID     string `gorm:"column:workspace_id;primaryKey;size:190;not null"`
	Name            string `gorm:"column:name;size:320;not null"`
	CreatedAtMillis int64  `gorm:"column:created_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Workspace) TableName() string {
	return "workspaces"
}

// WorkspaceMember grants an identity access to a workspace.
type WorkspaceMember struct {
	WorkspaceID    string `gorm:"column:workspace_id;primaryKey;size:190;not null"`
	IdentityID     string `gorm:"column:identity_id;primaryKey;size:190;not null;index"`
	JoinedAtMillis int64  `gorm:"column:joined_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (WorkspaceMember) TableName() string {
	return "workspace_members"
}

// Conversation is a channel or direct conversation inside a workspace.
type Conversation struct {
	ConversationID      string `gorm:"column:conversation_id;primaryKey;size:190;not null"`
	WorkspaceID         string `gorm:"column:workspace_id;size:190;not null;index"`
	Name                string `gorm:"column:name;size:320"`
	LastMessageID       string `gorm:"column:last_message_id;size:190"`
	LastMessageAtMillis int64  `gorm:"column:last_message_at_ms;not null;default:0"`
	CreatedAtMillis     int64  `gorm:"column:created_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Conversation) TableName() string {
	return "conversations"
}

// ConversationMember grants an identity access to a conversation and carries its
// read cursor.
type ConversationMember struct {
	ConversationID    string `gorm:"column:conversation_id;primaryKey;size:190;not null"`
	IdentityID        string `gorm:"column:identity_id;primaryKey;size:190;not null;index"`
	Role              string `gorm:"column:role;size:16;not null"`
	LastReadMessageID string `gorm:"column:last_read_message_id;size:190"`
	LastReadAtMillis  int64  `gorm:"column:last_read_at_ms;not null;default:0"`
	JoinedAtMillis    int64  `gorm:"column:joined_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ConversationMember) TableName() string {
	return "conversation_members"
}

// Document is a collaboratively edited document inside a workspace.
type Document struct {
	DocumentID      string `gorm:"column:document_id;primaryKey;size:190;not null"`
	WorkspaceID     string `gorm:"column:workspace_id;size:190;not null;index"`
	Title           string `gorm:"column:title;size:320"`
	CreatedAtMillis int64  `gorm:"column:created_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Document) TableName() string {
	return "documents"
}

// DocumentCollaborator grants an identity explicit access to a document. ReadOnly
// collaborators may join and sync but not append updates.
type DocumentCollaborator struct {
	DocumentID string `gorm:"column:document_id;primaryKey;size:190;not null"`
	IdentityID string `gorm:"column:identity_id;primaryKey;size:190;not null;index"`
	ReadOnly   bool   `gorm:"column:read_only;not null;default:false"`
}

// TableName provides the explicit table binding for GORM.
func (DocumentCollaborator) TableName() string {
	return "document_collaborators"
}

// MessageRecord is the persisted form of a Message.
type MessageRecord struct {
	MessageID       string `gorm:"column:message_id;primaryKey;size:190;not null"`
	ConversationID  string `gorm:"column:conversation_id;size:190;not null;index:idx_messages_conversation_created,priority:1"`
	SenderID        string `gorm:"column:sender_id;size:190;not null"`
	Content         string `gorm:"column:content;type:text;not null"`
	ReplyToID       string `gorm:"column:reply_to_id;size:190"`
	AttachmentsJSON string `gorm:"column:attachments_json;type:text"`
	MentionsJSON    string `gorm:"column:mentions_json;type:text"`
	CreatedAtMillis int64  `gorm:"column:created_at_ms;not null;index:idx_messages_conversation_created,priority:2"`
	EditedAtMillis  int64  `gorm:"column:edited_at_ms;not null;default:0"`
	DeletedAtMillis int64  `gorm:"column:deleted_at_ms;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (MessageRecord) TableName() string {
	return "messages"
}

// ReactionRecord stores one identity's emoji reaction on a message.
type ReactionRecord struct {
	MessageID       string `gorm:"column:message_id;primaryKey;size:190;not null"`
	IdentityID      string `gorm:"column:identity_id;primaryKey;size:190;not null"`
	Emoji           string `gorm:"column:emoji;primaryKey;size:64;not null"`
	CreatedAtMillis int64  `gorm:"column:created_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ReactionRecord) TableName() string {
	return "message_reactions"
}

// PinRecord marks a message as pinned in its conversation.
type PinRecord struct {
	MessageID      string `gorm:"column:message_id;primaryKey;size:190;not null"`
	ConversationID string `gorm:"column:conversation_id;size:190;not null;index"`
	PinnedBy       string `gorm:"column:pinned_by;size:190;not null"`
	PinnedAtMillis int64  `gorm:"column:pinned_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (PinRecord) TableName() string {
	return "message_pins"
}

// Models lists every table owned by the package, for migrations.
func Models() []interface{} {
	return []interface{}{
		&Workspace{},
		&WorkspaceMember{},
		&Conversation{},
		&ConversationMember{},
		&Document{},
		&DocumentCollaborator{},
		&MessageRecord{},
		&ReactionRecord{},
		&PinRecord{},
	}
}

// Attachment references an uploaded file. The engine stores the reference only.
type Attachment struct {
	URL         string `json:"url"`
	Name        string `json:"name,omitempty"`
	ContentType string `json:"contentType,omitempty"`
	SizeBytes   int64  `json:"sizeBytes,omitempty"`
}

// Message is a chat message as seen by clients.
type Message struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversationId"`
	WorkspaceID    string       `json:"workspaceId"`
	SenderID       string       `json:"senderId"`
	Content        string       `json:"content"`
	ReplyToID      string       `json:"replyToId,omitempty"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	Mentions       []string     `json:"mentions,omitempty"`
	CreatedAt      time.Time    `json:"createdAt"`
	EditedAt       *time.Time   `json:"editedAt,omitempty"`
	Deleted        bool         `json:"deleted,omitempty"`
}

// NewMessage is the input to CreateMessage.
type NewMessage struct {
	ConversationID string
	SenderID       string
	Content        string
	ReplyToID      string
	Attachments    []Attachment
	Mentions       []string
}

// ReactionChange is the outcome of toggling a reaction.
type ReactionChange struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
	IdentityID     string `json:"identityId"`
	Emoji          string `json:"emoji"`
	Added          bool   `json:"added"`
	Count          int64  `json:"count"`
}

// PinChange is the outcome of toggling a pin.
type PinChange struct {
	MessageID      string    `json:"messageId"`
	ConversationID string    `json:"conversationId"`
	IdentityID     string    `json:"identityId"`
	Pinned         bool      `json:"pinned"`
	At             time.Time `json:"at"`
}

// ReadCursor is an identity's read position in a conversation.
type ReadCursor struct {
	ConversationID string    `json:"conversationId"`
	IdentityID     string    `json:"identityId"`
	MessageID      string    `json:"messageId,omitempty"`
	ReadAt         time.Time `json:"readAt"`
}

// Member is an identity's membership in a conversation.
type Member struct {
	ConversationID string `json:"conversationId"`
	WorkspaceID    string `json:"workspaceId"`
	IdentityID     string `json:"identityId"`
	Role           Role   `json:"role"`
}
