package chat

import (
	"context"
	"strings"

	"github.com/Lewis-walter7/comm-sub001/internal/fault"
	"github.com/Lewis-walter7/comm-sub001/internal/rooms"
)

const (
	reasonNotWorkspaceMember = "not_workspace_member"
	reasonNotConvoMember     = "not_conversation_member"
	reasonNotCollaborator    = "not_collaborator"
	reasonReadOnly           = "read_only"
	reasonNotAuthor          = "not_author"
	reasonNotManager         = "not_manager"
	reasonMessageDeleted     = "message_deleted"
)

// AuthorizeJoin checks room membership for the room directory.
func (s *Service) AuthorizeJoin(ctx context.Context, identityID string, key rooms.Key) error {
	switch key.Kind {
	case rooms.KindWorkspace:
		return s.AuthorizeWorkspace(ctx, identityID, key.ID)
	case rooms.KindConversation:
		_, err := s.AuthorizeConversation(ctx, identityID, key.ID)
		return err
	case rooms.KindDocument:
		_, err := s.AuthorizeDocument(ctx, identityID, key.ID, false)
		return err
	default:
		return fault.Invalid("chat.authorize_join", "unknown_room_kind", rooms.ErrInvalidKey)
	}
}

// AuthorizeWorkspace requires the identity to be a member of the workspace.
func (s *Service) AuthorizeWorkspace(ctx context.Context, identityID, workspaceID string) error {
	const operation = "chat.authorize_workspace"
	if strings.TrimSpace(identityID) == "" || strings.TrimSpace(workspaceID) == "" {
		return fault.Invalid(operation, reasonMissingIdentifier, errMissingIdentifier)
	}
	if _, err := s.loadWorkspace(ctx, operation, workspaceID); err != nil {
		return err
	}
	found, err := s.exists(ctx, operation, &WorkspaceMember{}, queryWorkspaceIdentity, workspaceID, identityID)
	if err != nil {
		return err
	}
	if !found {
		return fault.Forbidden(operation, reasonNotWorkspaceMember, errNotWorkspaceMember)
	}
	return nil
}

// AuthorizeConversation requires the identity to be a member of the conversation and
// returns it.
func (s *Service) AuthorizeConversation(ctx context.Context, identityID, conversationID string) (Conversation, error) {
	const operation = "chat.authorize_conversation"
	if strings.TrimSpace(identityID) == "" || strings.TrimSpace(conversationID) == "" {
		return Conversation{}, fault.Invalid(operation, reasonMissingIdentifier, errMissingIdentifier)
	}
	conversation, err := s.loadConversation(ctx, operation, conversationID)
	if err != nil {
		return Conversation{}, err
	}
	_, found, err := s.conversationMember(ctx, operation, conversationID, identityID)
	if err != nil {
		return Conversation{}, err
	}
	if !found {
		return Conversation{}, fault.Forbidden(operation, reasonNotConvoMember, errNotConvoMember)
	}
	return conversation, nil
}

// AuthorizeDocument requires workspace membership plus, when the document has explicit
// collaborators, a collaborator grant. write additionally rejects read-only grants.
func (s *Service) AuthorizeDocument(ctx context.Context, identityID, documentID string, write bool) (Document, error) {
	const operation = "chat.authorize_document"
	if strings.TrimSpace(identityID) == "" || strings.TrimSpace(documentID) == "" {
		return Document{}, fault.Invalid(operation, reasonMissingIdentifier, errMissingIdentifier)
	}
	document, err := s.loadDocument(ctx, operation, documentID)
	if err != nil {
		return Document{}, err
	}
	if err := s.requireWorkspaceMember(ctx, operation, document.WorkspaceID, identityID); err != nil {
		return Document{}, err
	}
	var grants []DocumentCollaborator
	if err := s.db.WithContext(ctx).Where("document_id = ?", documentID).Find(&grants).Error; err != nil {
		s.logError(operation, reasonQueryFailed, err)
		return Document{}, fault.Transient(operation, reasonQueryFailed, err)
	}
	if len(grants) == 0 {
		return document, nil
	}
	for _, grant := range grants {
		if grant.IdentityID != identityID {
			continue
		}
		if write && grant.ReadOnly {
			return Document{}, fault.Forbidden(operation, reasonReadOnly, errReadOnly)
		}
		return document, nil
	}
	return Document{}, fault.Forbidden(operation, reasonNotCollaborator, errNotCollaborator)
}

// AuthorizeMessageAccess requires membership in the message's conversation and returns
// the stored message.
func (s *Service) AuthorizeMessageAccess(ctx context.Context, identityID, messageID string) (MessageRecord, error) {
	const operation = "chat.authorize_message_access"
	if strings.TrimSpace(messageID) == "" {
		return MessageRecord{}, fault.Invalid(operation, reasonMissingIdentifier, errMissingIdentifier)
	}
	record, err := s.loadMessage(ctx, operation, messageID)
	if err != nil {
		return MessageRecord{}, err
	}
	if record.DeletedAtMillis != 0 {
		return MessageRecord{}, fault.NotFound(operation, reasonMessageDeleted, errMessageDeleted)
	}
	if _, err := s.AuthorizeConversation(ctx, identityID, record.ConversationID); err != nil {
		return MessageRecord{}, err
	}
	return record, nil
}

// AuthorizeMessageEdit allows only the author to edit.
func (s *Service) AuthorizeMessageEdit(ctx context.Context, identityID, messageID string) (MessageRecord, error) {
	record, err := s.AuthorizeMessageAccess(ctx, identityID, messageID)
	if err != nil {
		return MessageRecord{}, err
	}
	if record.SenderID != identityID {
		return MessageRecord{}, fault.Forbidden("chat.authorize_message_edit", reasonNotAuthor, errNotAuthor)
	}
	return record, nil
}

// AuthorizeMessageDelete allows the author or a conversation owner or admin.
func (s *Service) AuthorizeMessageDelete(ctx context.Context, identityID, messageID string) (MessageRecord, error) {
	const operation = "chat.authorize_message_delete"
	record, err := s.AuthorizeMessageAccess(ctx, identityID, messageID)
	if err != nil {
		return MessageRecord{}, err
	}
	if record.SenderID == identityID {
		return record, nil
	}
	member, _, err := s.conversationMember(ctx, operation, record.ConversationID, identityID)
	if err != nil {
		return MessageRecord{}, err
	}
	if !Role(member.Role).canManage() {
		return MessageRecord{}, fault.Forbidden(operation, reasonNotManager, errNotManager)
	}
	return record, nil
}

// AuthorizeMemberManagement requires an owner or admin of the conversation.
func (s *Service) AuthorizeMemberManagement(ctx context.Context, identityID, conversationID string) (Conversation, error) {
	const operation = "chat.authorize_member_management"
	conversation, err := s.AuthorizeConversation(ctx, identityID, conversationID)
	if err != nil {
		return Conversation{}, err
	}
	member, _, err := s.conversationMember(ctx, operation, conversationID, identityID)
	if err != nil {
		return Conversation{}, err
	}
	if !Role(member.Role).canManage() {
		return Conversation{}, fault.Forbidden(operation, reasonNotManager, errNotManager)
	}
	return conversation, nil
}
