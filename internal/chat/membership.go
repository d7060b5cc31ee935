package chat

import (
	"context"
	"errors"
	"strings"

	"github.com/Lewis-walter7/comm-sub001/internal/fault"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// AddMember adds a workspace member to the conversation with the given role.
func (s *Service) AddMember(ctx context.Context, conversationID, identityID string, role Role) (Member, error) {
	const operation = "chat.add_member"
	if strings.TrimSpace(identityID) == "" {
		return Member{}, fault.Invalid(operation, reasonMissingIdentifier, errMissingIdentifier)
	}
	role, err := ParseRole(string(role))
	if err != nil {
		return Member{}, fault.Invalid(operation, "invalid_role", err)
	}
	conversation, err := s.loadConversation(ctx, operation, conversationID)
	if err != nil {
		return Member{}, err
	}
	inWorkspace, err := s.exists(ctx, operation, &WorkspaceMember{}, queryWorkspaceIdentity, conversation.WorkspaceID, identityID)
	if err != nil {
		return Member{}, err
	}
	if !inWorkspace {
		return Member{}, fault.Invalid(operation, reasonNotWorkspaceMember, errNotWorkspaceMember)
	}
	_, found, err := s.conversationMember(ctx, operation, conversationID, identityID)
	if err != nil {
		return Member{}, err
	}
	if found {
		return Member{}, fault.Conflict(operation, "already_member", errAlreadyMember)
	}
	record := ConversationMember{
		ConversationID: conversationID,
		IdentityID:     identityID,
		Role:           string(role),
		JoinedAtMillis: s.nowMillis(),
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return Member{}, s.insertError(operation, err, zap.String(fieldConversationID, conversationID), zap.String(fieldIdentityID, identityID))
	}
	return Member{ConversationID: conversationID, WorkspaceID: conversation.WorkspaceID, IdentityID: identityID, Role: role}, nil
}

// RemoveMember removes the identity from the conversation. The last owner cannot be
// removed.
func (s *Service) RemoveMember(ctx context.Context, conversationID, identityID string) (Member, error) {
	const operation = "chat.remove_member"
	conversation, err := s.loadConversation(ctx, operation, conversationID)
	if err != nil {
		return Member{}, err
	}
	var removed ConversationMember
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where(queryConversationIdentity, conversationID, identityID).Take(&removed).Error; err != nil {
			return err
		}
		if Role(removed.Role) == RoleOwner {
			if err := guardLastOwner(tx, conversationID); err != nil {
				return err
			}
		}
		return tx.Where(queryConversationIdentity, conversationID, identityID).Delete(&ConversationMember{}).Error
	})
	if err != nil {
		return Member{}, s.membershipError(operation, err, conversationID, identityID)
	}
	return Member{ConversationID: conversationID, WorkspaceID: conversation.WorkspaceID, IdentityID: identityID, Role: Role(removed.Role)}, nil
}

// ChangeRole updates the identity's conversation role. Demoting the last owner is a
// conflict.
func (s *Service) ChangeRole(ctx context.Context, conversationID, identityID string, role Role) (Member, error) {
	const operation = "chat.change_role"
	role, err := ParseRole(string(role))
	if err != nil {
		return Member{}, fault.Invalid(operation, "invalid_role", err)
	}
	conversation, err := s.loadConversation(ctx, operation, conversationID)
	if err != nil {
		return Member{}, err
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current ConversationMember
		if err := tx.Where(queryConversationIdentity, conversationID, identityID).Take(&current).Error; err != nil {
			return err
		}
		if Role(current.Role) == RoleOwner && role != RoleOwner {
			if err := guardLastOwner(tx, conversationID); err != nil {
				return err
			}
		}
		return tx.Model(&ConversationMember{}).
			Where(queryConversationIdentity, conversationID, identityID).
			Update("role", string(role)).Error
	})
	if err != nil {
		return Member{}, s.membershipError(operation, err, conversationID, identityID)
	}
	return Member{ConversationID: conversationID, WorkspaceID: conversation.WorkspaceID, IdentityID: identityID, Role: role}, nil
}

func guardLastOwner(tx *gorm.DB, conversationID string) error {
	var owners int64
	if err := tx.Model(&ConversationMember{}).
		Where("conversation_id = ? AND role = ?", conversationID, string(RoleOwner)).
		Count(&owners).Error; err != nil {
		return err
	}
	if owners <= 1 {
		return errLastOwner
	}
	return nil
}

func (s *Service) membershipError(operation string, err error, conversationID, identityID string) error {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return fault.NotFound(operation, reasonNotConvoMember, errNotConvoMember)
	case errors.Is(err, errLastOwner):
		return fault.Conflict(operation, "last_owner", errLastOwner)
	default:
		s.logError(operation, reasonUpdateFailed, err, zap.String(fieldConversationID, conversationID), zap.String(fieldIdentityID, identityID))
		return fault.Transient(operation, reasonUpdateFailed, err)
	}
}
