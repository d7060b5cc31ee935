package session

import (
	"encoding/json"

	"github.com/Lewis-walter7/comm-sub001/internal/chat"
	"github.com/Lewis-walter7/comm-sub001/internal/fault"
	"github.com/Lewis-walter7/comm-sub001/internal/presence"
	"github.com/Lewis-walter7/comm-sub001/internal/updatelog"
)

// Command is a client command name. The set is closed: every Command has a handler.
type Command string

const (
	CommandJoinWorkspace     Command = "join_workspace"
	CommandLeaveWorkspace    Command = "leave_workspace"
	CommandJoinConversation  Command = "join_conversation"
	CommandLeaveConversation Command = "leave_conversation"
	CommandSendMessage       Command = "send_message"
	CommandEditMessage       Command = "edit_message"
	CommandDeleteMessage     Command = "delete_message"
	CommandAddReaction       Command = "add_reaction"
	CommandPinMessage        Command = "pin_message"
	CommandTypingStart       Command = "typing_start"
	CommandTypingStop        Command = "typing_stop"
	CommandUpdatePresence    Command = "update_presence"
	CommandMarkAsRead        Command = "mark_as_read"
	CommandAddMember         Command = "add_member"
	CommandRemoveMember      Command = "remove_member"
	CommandChangeRole        Command = "change_role"
	CommandDocumentJoin      Command = "document_join"
	CommandDocumentLeave     Command = "document_leave"
	CommandDocumentSync      Command = "document_sync"
	CommandDocumentUpdate    Command = "document_update"
)

// Commands lists every command the engine accepts.
func Commands() []Command {
	return []Command{
		CommandJoinWorkspace,
		CommandLeaveWorkspace,
		CommandJoinConversation,
		CommandLeaveConversation,
		CommandSendMessage,
		CommandEditMessage,
		CommandDeleteMessage,
		CommandAddReaction,
		CommandPinMessage,
		CommandTypingStart,
		CommandTypingStop,
		CommandUpdatePresence,
		CommandMarkAsRead,
		CommandAddMember,
		CommandRemoveMember,
		CommandChangeRole,
		CommandDocumentJoin,
		CommandDocumentLeave,
		CommandDocumentSync,
		CommandDocumentUpdate,
	}
}

const frameTypeAck = "ack"

// InboundFrame is a client command.
type InboundFrame struct {
	ID      string          `json:"id"`
	Command Command         `json:"command"`
	Payload json.RawMessage `json:"payload"`
}

// AckFrame answers exactly one InboundFrame.
type AckFrame struct {
	Type    string      `json:"type"`
	ID      string      `json:"id"`
	Command Command     `json:"command,omitempty"`
	OK      bool        `json:"ok"`
	Data    interface{} `json:"data,omitempty"`
	Error   *AckError   `json:"error,omitempty"`
}

// AckError is the structured failure of a command.
type AckError struct {
	Kind    string `json:"kind"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func newAckError(err error) *AckError {
	return &AckError{
		Kind:    fault.KindOf(err).String(),
		Code:    fault.CodeOf(err),
		Message: err.Error(),
	}
}

type workspacePayload struct {
	WorkspaceID string `json:"workspaceId"`
}

type conversationPayload struct {
	ConversationID string `json:"conversationId"`
}

type messagePayload struct {
	MessageID string `json:"messageId"`
}

type editMessagePayload struct {
	MessageID string `json:"messageId"`
	Content   string `json:"content"`
}

type reactionPayload struct {
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
}

type presencePayload struct {
	WorkspaceID string `json:"workspaceId"`
	Status      string `json:"status"`
}

type markReadPayload struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId,omitempty"`
}

type memberPayload struct {
	ConversationID string    `json:"conversationId"`
	IdentityID     string    `json:"identityId"`
	Role           chat.Role `json:"role,omitempty"`
}

type documentPayload struct {
	DocumentID string `json:"documentId"`
	After      int64  `json:"after,omitempty"`
	Update     []byte `json:"update,omitempty"`
}

type workspaceJoined struct {
	WorkspaceID   string            `json:"workspaceId"`
	Conversations []string          `json:"conversations"`
	Presence      []presence.Record `json:"presence"`
}

type membershipResult struct {
	Changed bool `json:"changed"`
}

type typingResult struct {
	Typing bool `json:"typing"`
}

type documentEntry struct {
	Sequence         int64  `json:"sequence"`
	Payload          []byte `json:"payload"`
	OriginIdentityID string `json:"originIdentityId,omitempty"`
}

type documentReplay struct {
	DocumentID string          `json:"documentId"`
	Entries    []documentEntry `json:"entries"`
	Head       int64           `json:"head"`
}

type documentAppended struct {
	DocumentID string `json:"documentId"`
	Sequence   int64  `json:"sequence"`
}

func newDocumentReplay(documentID string, after int64, entries []updatelog.Entry) documentReplay {
	replay := documentReplay{DocumentID: documentID, Entries: make([]documentEntry, 0, len(entries)), Head: after}
	for _, entry := range entries {
		replay.Entries = append(replay.Entries, documentEntry{
			Sequence:         entry.Sequence,
			Payload:          entry.Payload,
			OriginIdentityID: entry.OriginIdentityID,
		})
		replay.Head = entry.Sequence
	}
	return replay
}
