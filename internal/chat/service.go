// Package chat is the storage and authorization collaborator for workspaces,
// conversations, documents and messages, backed by gorm.
package chat

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/Lewis-walter7/comm-sub001/internal/fault"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase     = errors.New("chat: database handle is required")
	errWorkspaceNotFound   = errors.New("chat: workspace not found")
	errConversationMissing = errors.New("chat: conversation not found")
	errDocumentNotFound    = errors.New("chat: document not found")
	errMessageNotFound     = errors.New("chat: message not found")
	errNotWorkspaceMember  = errors.New("chat: identity is not a workspace member")
	errNotConvoMember      = errors.New("chat: identity is not a conversation member")
	errNotCollaborator     = errors.New("chat: identity may not access the document")
	errReadOnly            = errors.New("chat: identity has read-only access")
	errNotAuthor           = errors.New("chat: only the author may change the message")
	errNotManager          = errors.New("chat: owner or admin role required")
	errMessageDeleted      = errors.New("chat: message was deleted")
	errAlreadyMember       = errors.New("chat: identity is already a member")
	errLastOwner           = errors.New("chat: conversation must keep an owner")
	errMissingIdentifier   = errors.New("chat: identifier is required")
	errEmptyMessage        = errors.New("chat: message needs content or attachments")
	errMessageTooLong      = errors.New("chat: message content too long")
	errEmptyEmoji          = errors.New("chat: emoji is required")
	errReplyOutsideConvo   = errors.New("chat: reply target is in another conversation")
	errAlreadyExists       = errors.New("chat: record already exists")
)

const (
	opServiceNew              = "chat.service.new"
	reasonMissingDatabase     = "missing_database"
	reasonQueryFailed         = "query_failed"
	reasonInsertFailed        = "insert_failed"
	reasonUpdateFailed        = "update_failed"
	reasonDeleteFailed        = "delete_failed"
	reasonIDGeneration        = "id_generation_failed"
	reasonEncodeFailed        = "encode_failed"
	reasonWorkspaceMissing    = "workspace_not_found"
	reasonConversationMissing = "conversation_not_found"
	reasonDocumentMissing     = "document_not_found"
	reasonMessageMissing      = "message_not_found"
	reasonMissingIdentifier   = "missing_identifier"
	fieldWorkspaceID          = "workspace_id"
	fieldConversationID       = "conversation_id"
	fieldDocumentID           = "document_id"
	fieldMessageID            = "message_id"
	fieldIdentityID           = "identity_id"
	queryWorkspaceIdentity    = "workspace_id = ? AND identity_id = ?"
	queryConversationIdentity = "conversation_id = ? AND identity_id = ?"
	defaultMaxContentRunes    = 10000
)

// ServiceConfig describes the service dependencies.
type ServiceConfig struct {
	Database        *gorm.DB
	Clock           func() time.Time
	IDProvider      IDProvider
	MaxContentRunes int
	Logger          *zap.Logger
}

// Service implements the authorization and persistence contracts the engine
// consumes, over one gorm database.
type Service struct {
	db              *gorm.DB
	clock           func() time.Time
	idProvider      IDProvider
	maxContentRunes int
	logger          *zap.Logger
}

// NewService constructs a Service over an already migrated database.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fault.Invalid(opServiceNew, reasonMissingDatabase, errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	maxContentRunes := cfg.MaxContentRunes
	if maxContentRunes <= 0 {
		maxContentRunes = defaultMaxContentRunes
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:              cfg.Database,
		clock:           clock,
		idProvider:      idProvider,
		maxContentRunes: maxContentRunes,
		logger:          logger,
	}, nil
}

// CreateWorkspace registers a workspace and makes the owner its first member.
func (s *Service) CreateWorkspace(ctx context.Context, workspaceID, name, ownerID string) error {
	const operation = "chat.create_workspace"
	workspaceID, ownerID = strings.TrimSpace(workspaceID), strings.TrimSpace(ownerID)
	if workspaceID == "" || ownerID == "" {
		return fault.Invalid(operation, reasonMissingIdentifier, errMissingIdentifier)
	}
	nowMillis := s.nowMillis()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&Workspace{WorkspaceID: workspaceID, Name: name, CreatedAtMillis: nowMillis}).Error; err != nil {
			return err
		}
		return tx.Create(&WorkspaceMember{WorkspaceID: workspaceID, IdentityID: ownerID, JoinedAtMillis: nowMillis}).Error
	})
	if err != nil {
		return s.insertError(operation, err, zap.String(fieldWorkspaceID, workspaceID))
	}
	return nil
}

// AddWorkspaceMember grants an identity workspace access.
func (s *Service) AddWorkspaceMember(ctx context.Context, workspaceID, identityID string) error {
	const operation = "chat.add_workspace_member"
	if _, err := s.loadWorkspace(ctx, operation, workspaceID); err != nil {
		return err
	}
	member := WorkspaceMember{WorkspaceID: workspaceID, IdentityID: identityID, JoinedAtMillis: s.nowMillis()}
	if err := s.db.WithContext(ctx).Create(&member).Error; err != nil {
		return s.insertError(operation, err, zap.String(fieldWorkspaceID, workspaceID), zap.String(fieldIdentityID, identityID))
	}
	return nil
}

// CreateConversation registers a conversation. The creator becomes its owner and
// every other listed identity a member; all must belong to the workspace.
func (s *Service) CreateConversation(ctx context.Context, workspaceID, conversationID, name, creatorID string, memberIDs ...string) error {
	const operation = "chat.create_conversation"
	if strings.TrimSpace(conversationID) == "" {
		return fault.Invalid(operation, reasonMissingIdentifier, errMissingIdentifier)
	}
	if _, err := s.loadWorkspace(ctx, operation, workspaceID); err != nil {
		return err
	}
	identities := append([]string{creatorID}, memberIDs...)
	for _, identityID := range identities {
		if err := s.requireWorkspaceMember(ctx, operation, workspaceID, identityID); err != nil {
			return err
		}
	}
	nowMillis := s.nowMillis()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		conversation := Conversation{
			ConversationID:  conversationID,
			WorkspaceID:     workspaceID,
			Name:            name,
			CreatedAtMillis: nowMillis,
		}
		if err := tx.Create(&conversation).Error; err != nil {
			return err
		}
		seen := make(map[string]bool, len(identities))
		for index, identityID := range identities {
			if seen[identityID] {
				continue
			}
			seen[identityID] = true
			role := RoleMember
			if index == 0 {
				role = RoleOwner
			}
			member := ConversationMember{
				ConversationID: conversationID,
				IdentityID:     identityID,
				Role:           string(role),
				JoinedAtMillis: nowMillis,
			}
			if err := tx.Create(&member).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return s.insertError(operation, err, zap.String(fieldConversationID, conversationID))
	}
	return nil
}

// CreateDocument registers a document inside a workspace.
func (s *Service) CreateDocument(ctx context.Context, workspaceID, documentID, title string) error {
	const operation = "chat.create_document"
	if strings.TrimSpace(documentID) == "" {
		return fault.Invalid(operation, reasonMissingIdentifier, errMissingIdentifier)
	}
	if _, err := s.loadWorkspace(ctx, operation, workspaceID); err != nil {
		return err
	}
	document := Document{DocumentID: documentID, WorkspaceID: workspaceID, Title: title, CreatedAtMillis: s.nowMillis()}
	if err := s.db.WithContext(ctx).Create(&document).Error; err != nil {
		return s.insertError(operation, err, zap.String(fieldDocumentID, documentID))
	}
	return nil
}

// AddDocumentCollaborator grants an identity explicit access to a document.
func (s *Service) AddDocumentCollaborator(ctx context.Context, documentID, identityID string, readOnly bool) error {
	const operation = "chat.add_document_collaborator"
	if _, err := s.loadDocument(ctx, operation, documentID); err != nil {
		return err
	}
	collaborator := DocumentCollaborator{DocumentID: documentID, IdentityID: identityID, ReadOnly: readOnly}
	if err := s.db.WithContext(ctx).Create(&collaborator).Error; err != nil {
		return s.insertError(operation, err, zap.String(fieldDocumentID, documentID), zap.String(fieldIdentityID, identityID))
	}
	return nil
}

// ConversationIDsFor lists the conversations of the workspace the identity belongs to.
func (s *Service) ConversationIDsFor(ctx context.Context, workspaceID, identityID string) ([]string, error) {
	const operation = "chat.conversation_ids_for"
	var ids []string
	err := s.db.WithContext(ctx).
		Model(&ConversationMember{}).
		Joins("JOIN conversations ON conversations.conversation_id = conversation_members.conversation_id").
		Where("conversations.workspace_id = ? AND conversation_members.identity_id = ?", workspaceID, identityID).
		Order("conversation_members.conversation_id ASC").
		Pluck("conversation_members.conversation_id", &ids).Error
	if err != nil {
		s.logError(operation, reasonQueryFailed, err, zap.String(fieldWorkspaceID, workspaceID), zap.String(fieldIdentityID, identityID))
		return nil, fault.Transient(operation, reasonQueryFailed, err)
	}
	return ids, nil
}

// ConversationMemberIDs lists the identities that belong to the conversation.
func (s *Service) ConversationMemberIDs(ctx context.Context, conversationID string) ([]string, error) {
	const operation = "chat.conversation_member_ids"
	var ids []string
	err := s.db.WithContext(ctx).
		Model(&ConversationMember{}).
		Where("conversation_id = ?", conversationID).
		Order("identity_id ASC").
		Pluck("identity_id", &ids).Error
	if err != nil {
		s.logError(operation, reasonQueryFailed, err, zap.String(fieldConversationID, conversationID))
		return nil, fault.Transient(operation, reasonQueryFailed, err)
	}
	return ids, nil
}

func (s *Service) loadWorkspace(ctx context.Context, operation, workspaceID string) (Workspace, error) {
	var workspace Workspace
	err := s.db.WithContext(ctx).Where("workspace_id = ?", workspaceID).Take(&workspace).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Workspace{}, fault.NotFound(operation, reasonWorkspaceMissing, errWorkspaceNotFound)
	}
	if err != nil {
		s.logError(operation, reasonQueryFailed, err, zap.String(fieldWorkspaceID, workspaceID))
		return Workspace{}, fault.Transient(operation, reasonQueryFailed, err)
	}
	return workspace, nil
}

func (s *Service) loadConversation(ctx context.Context, operation, conversationID string) (Conversation, error) {
	var conversation Conversation
	err := s.db.WithContext(ctx).Where("conversation_id = ?", conversationID).Take(&conversation).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Conversation{}, fault.NotFound(operation, reasonConversationMissing, errConversationMissing)
	}
	if err != nil {
		s.logError(operation, reasonQueryFailed, err, zap.String(fieldConversationID, conversationID))
		return Conversation{}, fault.Transient(operation, reasonQueryFailed, err)
	}
	return conversation, nil
}

func (s *Service) loadDocument(ctx context.Context, operation, documentID string) (Document, error) {
	var document Document
	err := s.db.WithContext(ctx).Where("document_id = ?", documentID).Take(&document).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Document{}, fault.NotFound(operation, reasonDocumentMissing, errDocumentNotFound)
	}
	if err != nil {
		s.logError(operation, reasonQueryFailed, err, zap.String(fieldDocumentID, documentID))
		return Document{}, fault.Transient(operation, reasonQueryFailed, err)
	}
	return document, nil
}

func (s *Service) loadMessage(ctx context.Context, operation, messageID string) (MessageRecord, error) {
	var record MessageRecord
	err := s.db.WithContext(ctx).Where("message_id = ?", messageID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return MessageRecord{}, fault.NotFound(operation, reasonMessageMissing, errMessageNotFound)
	}
	if err != nil {
		s.logError(operation, reasonQueryFailed, err, zap.String(fieldMessageID, messageID))
		return MessageRecord{}, fault.Transient(operation, reasonQueryFailed, err)
	}
	return record, nil
}

func (s *Service) requireWorkspaceMember(ctx context.Context, operation, workspaceID, identityID string) error {
	found, err := s.exists(ctx, operation, &WorkspaceMember{}, queryWorkspaceIdentity, workspaceID, identityID)
	if err != nil {
		return err
	}
	if !found {
		return fault.Forbidden(operation, reasonNotWorkspaceMember, errNotWorkspaceMember)
	}
	return nil
}

func (s *Service) conversationMember(ctx context.Context, operation, conversationID, identityID string) (ConversationMember, bool, error) {
	var member ConversationMember
	err := s.db.WithContext(ctx).Where(queryConversationIdentity, conversationID, identityID).Take(&member).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ConversationMember{}, false, nil
	}
	if err != nil {
		s.logError(operation, reasonQueryFailed, err, zap.String(fieldConversationID, conversationID), zap.String(fieldIdentityID, identityID))
		return ConversationMember{}, false, fault.Transient(operation, reasonQueryFailed, err)
	}
	return member, true, nil
}

func (s *Service) exists(ctx context.Context, operation string, model interface{}, query string, args ...interface{}) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(model).Where(query, args...).Count(&count).Error; err != nil {
		s.logError(operation, reasonQueryFailed, err)
		return false, fault.Transient(operation, reasonQueryFailed, err)
	}
	return count > 0, nil
}

func (s *Service) insertError(operation string, err error, fields ...zap.Field) error {
	if errors.Is(err, gorm.ErrDuplicatedKey) || strings.Contains(strings.ToLower(err.Error()), "unique constraint") {
		return fault.Conflict(operation, "already_exists", errAlreadyExists)
	}
	s.logError(operation, reasonInsertFailed, err, fields...)
	return fault.Transient(operation, reasonInsertFailed, err)
}

func (s *Service) nowMillis() int64 {
	return s.clock().UTC().UnixMilli()
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("chat service error", attrs...)
}
