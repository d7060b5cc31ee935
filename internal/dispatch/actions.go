package dispatch

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/Lewis-walter7/comm-sub001/internal/chat"
	"github.com/Lewis-walter7/comm-sub001/internal/connections"
	"github.com/Lewis-walter7/comm-sub001/internal/fault"
	"github.com/Lewis-walter7/comm-sub001/internal/rooms"
	"github.com/Lewis-walter7/comm-sub001/internal/updatelog"
	"go.uber.org/zap"
)

const (
	opNewActions         = "dispatch.actions.new"
	opAction             = "dispatch.action"
	reasonAuthorization  = "authorization_failed"
	reasonPersistFailed  = "persist_failed"
	fieldConversationID  = "conversation_id"
	mentionPreviewLength = 120
)

var errMissingCollaborators = errors.New("dispatch: dispatcher, authorizer, store and update log are required")

// Authorizer is the external permission check consulted before every mutation.
type Authorizer interface {
	AuthorizeConversation(ctx context.Context, identityID, conversationID string) (chat.Conversation, error)
	AuthorizeDocument(ctx context.Context, identityID, documentID string, write bool) (chat.Document, error)
	AuthorizeMessageAccess(ctx context.Context, identityID, messageID string) (chat.MessageRecord, error)
	AuthorizeMessageEdit(ctx context.Context, identityID, messageID string) (chat.MessageRecord, error)
	AuthorizeMessageDelete(ctx context.Context, identityID, messageID string) (chat.MessageRecord, error)
	AuthorizeMemberManagement(ctx context.Context, identityID, conversationID string) (chat.Conversation, error)
}

// Store is the external persistence collaborator for messages and memberships.
type Store interface {
	CreateMessage(ctx context.Context, input chat.NewMessage) (chat.Message, error)
	EditMessage(ctx context.Context, messageID, content string) (chat.Message, error)
	DeleteMessage(ctx context.Context, messageID string) (chat.Message, error)
	ToggleReaction(ctx context.Context, identityID, messageID, emoji string) (chat.ReactionChange, error)
	TogglePin(ctx context.Context, identityID, messageID string) (chat.PinChange, error)
	MarkRead(ctx context.Context, identityID, conversationID, messageID string) (chat.ReadCursor, error)
	AddMember(ctx context.Context, conversationID, identityID string, role chat.Role) (chat.Member, error)
	RemoveMember(ctx context.Context, conversationID, identityID string) (chat.Member, error)
	ChangeRole(ctx context.Context, conversationID, identityID string, role chat.Role) (chat.Member, error)
}

// TypingStopper clears an identity's typing state.
type TypingStopper interface {
	Stop(ctx context.Context, identityID, conversationID string) (bool, error)
}

// ActionsConfig describes the mutation dependencies.
type ActionsConfig struct {
	Dispatcher *Dispatcher
	Authorizer Authorizer
	Store      Store
	Updates    *updatelog.Log
	Typing     TypingStopper
	Logger     *zap.Logger
}

// Actions runs the domain mutations. Each one authorizes, persists, applies local
// state and only then publishes, so observers never see an event whose write failed.
type Actions struct {
	dispatcher *Dispatcher
	authorizer Authorizer
	store      Store
	updates    *updatelog.Log
	typing     TypingStopper
	logger     *zap.Logger
}

// NewActions constructs Actions.
func NewActions(cfg ActionsConfig) (*Actions, error) {
	if cfg.Dispatcher == nil || cfg.Authorizer == nil || cfg.Store == nil || cfg.Updates == nil {
		return nil, fault.Invalid(opNewActions, reasonMissingDeps, errMissingCollaborators)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Actions{
		dispatcher: cfg.Dispatcher,
		authorizer: cfg.Authorizer,
		store:      cfg.Store,
		updates:    cfg.Updates,
		typing:     cfg.Typing,
		logger:     logger,
	}, nil
}

// SendMessageInput is the payload of send_message.
type SendMessageInput struct {
	ConversationID string            `json:"conversationId"`
	Content        string            `json:"content"`
	ReplyToID      string            `json:"replyToId,omitempty"`
	Attachments    []chat.Attachment `json:"attachments,omitempty"`
	Mentions       []string          `json:"mentions,omitempty"`
}

// SendMessage persists a message, stops the sender's typing indicator and broadcasts
// the message, the conversation update and any mention notifications.
func (a *Actions) SendMessage(ctx context.Context, identityID string, input SendMessageInput) (chat.Message, error) {
	conversation, err := a.authorizer.AuthorizeConversation(ctx, identityID, input.ConversationID)
	if err != nil {
		return chat.Message{}, classify(err, reasonAuthorization)
	}
	message, err := a.store.CreateMessage(ctx, chat.NewMessage{
		ConversationID: conversation.ConversationID,
		SenderID:       identityID,
		Content:        input.Content,
		ReplyToID:      input.ReplyToID,
		Attachments:    input.Attachments,
		Mentions:       input.Mentions,
	})
	if err != nil {
		return chat.Message{}, classify(err, reasonPersistFailed)
	}

	if a.typing != nil {
		if _, err := a.typing.Stop(ctx, identityID, conversation.ConversationID); err != nil {
			a.logger.Warn("typing not cleared after send",
				zap.String(fieldConversationID, conversation.ConversationID),
				zap.String(fieldIdentityID, identityID),
				zap.Error(err))
		}
	}

	a.publishRoom(ctx, rooms.ConversationKey(message.ConversationID), EventMessageNew, message)
	a.publishRoom(ctx, rooms.WorkspaceKey(conversation.WorkspaceID), EventConversationUpdated, ConversationUpdate{
		ConversationID: message.ConversationID,
		WorkspaceID:    conversation.WorkspaceID,
		LastMessageID:  message.ID,
		LastMessageAt:  message.CreatedAt,
		SenderID:       identityID,
	})
	for _, mentioned := range message.Mentions {
		notice := MentionNotice{
			MessageID:      message.ID,
			ConversationID: message.ConversationID,
			WorkspaceID:    conversation.WorkspaceID,
			SenderID:       identityID,
			Preview:        preview(message.Content),
		}
		if err := a.dispatcher.PublishToIdentity(ctx, mentioned, EventMentionNotification, notice); err != nil {
			a.logger.Debug("mention notification not relayed", zap.String(fieldIdentityID, mentioned), zap.Error(err))
		}
	}
	return message, nil
}

// EditMessage replaces the content of the identity's own message.
func (a *Actions) EditMessage(ctx context.Context, identityID, messageID, content string) (chat.Message, error) {
	if _, err := a.authorizer.AuthorizeMessageEdit(ctx, identityID, messageID); err != nil {
		return chat.Message{}, classify(err, reasonAuthorization)
	}
	message, err := a.store.EditMessage(ctx, messageID, content)
	if err != nil {
		return chat.Message{}, classify(err, reasonPersistFailed)
	}
	a.publishRoom(ctx, rooms.ConversationKey(message.ConversationID), EventMessageEdit, message)
	return message, nil
}

// DeleteMessage soft-deletes a message.
func (a *Actions) DeleteMessage(ctx context.Context, identityID, messageID string) (MessageDeletion, error) {
	if _, err := a.authorizer.AuthorizeMessageDelete(ctx, identityID, messageID); err != nil {
		return MessageDeletion{}, classify(err, reasonAuthorization)
	}
	message, err := a.store.DeleteMessage(ctx, messageID)
	if err != nil {
		return MessageDeletion{}, classify(err, reasonPersistFailed)
	}
	deletion := MessageDeletion{MessageID: message.ID, ConversationID: message.ConversationID, DeletedBy: identityID}
	a.publishRoom(ctx, rooms.ConversationKey(message.ConversationID), EventMessageDelete, deletion)
	return deletion, nil
}

// ToggleReaction adds or removes the identity's reaction.
func (a *Actions) ToggleReaction(ctx context.Context, identityID, messageID, emoji string) (chat.ReactionChange, error) {
	if _, err := a.authorizer.AuthorizeMessageAccess(ctx, identityID, messageID); err != nil {
		return chat.ReactionChange{}, classify(err, reasonAuthorization)
	}
	change, err := a.store.ToggleReaction(ctx, identityID, messageID, emoji)
	if err != nil {
		return chat.ReactionChange{}, classify(err, reasonPersistFailed)
	}
	a.publishRoom(ctx, rooms.ConversationKey(change.ConversationID), EventMessageReaction, change)
	return change, nil
}

// TogglePin pins or unpins a message.
func (a *Actions) TogglePin(ctx context.Context, identityID, messageID string) (chat.PinChange, error) {
	if _, err := a.authorizer.AuthorizeMessageAccess(ctx, identityID, messageID); err != nil {
		return chat.PinChange{}, classify(err, reasonAuthorization)
	}
	change, err := a.store.TogglePin(ctx, identityID, messageID)
	if err != nil {
		return chat.PinChange{}, classify(err, reasonPersistFailed)
	}
	a.publishRoom(ctx, rooms.ConversationKey(change.ConversationID), EventMessagePin, change)
	return change, nil
}

// MarkRead moves the identity's read cursor.
func (a *Actions) MarkRead(ctx context.Context, identityID, conversationID, messageID string) (chat.ReadCursor, error) {
	if _, err := a.authorizer.AuthorizeConversation(ctx, identityID, conversationID); err != nil {
		return chat.ReadCursor{}, classify(err, reasonAuthorization)
	}
	cursor, err := a.store.MarkRead(ctx, identityID, conversationID, messageID)
	if err != nil {
		return chat.ReadCursor{}, classify(err, reasonPersistFailed)
	}
	a.publishRoom(ctx, rooms.ConversationKey(conversationID), EventMessageRead, cursor)
	return cursor, nil
}

// AddMember adds an identity to the conversation. Its live connections already in the
// workspace room are subscribed to the conversation before the broadcast.
func (a *Actions) AddMember(ctx context.Context, actorID, conversationID, identityID string, role chat.Role) (chat.Member, error) {
	if _, err := a.authorizer.AuthorizeMemberManagement(ctx, actorID, conversationID); err != nil {
		return chat.Member{}, classify(err, reasonAuthorization)
	}
	member, err := a.store.AddMember(ctx, conversationID, identityID, role)
	if err != nil {
		return chat.Member{}, classify(err, reasonPersistFailed)
	}
	workspaceKey := rooms.WorkspaceKey(member.WorkspaceID)
	conversationKey := rooms.ConversationKey(conversationID)
	for _, conn := range a.dispatcher.registry.ConnectionsOf(identityID) {
		if !a.dispatcher.directory.IsMember(conn.ID(), workspaceKey) {
			continue
		}
		if _, err := a.dispatcher.directory.Subscribe(conn, conversationKey); err != nil {
			a.logger.Debug("new member connection not subscribed", zap.String(fieldConversationID, conversationID), zap.Error(err))
		}
	}
	a.publishRoom(ctx, conversationKey, EventMemberAdded, MembershipChange{Member: member, ActorID: actorID})
	return member, nil
}

// RemoveMember removes an identity from the conversation. Members may always remove
// themselves; removing others requires an owner or admin.
func (a *Actions) RemoveMember(ctx context.Context, actorID, conversationID, identityID string) (chat.Member, error) {
	var err error
	if actorID == identityID {
		_, err = a.authorizer.AuthorizeConversation(ctx, actorID, conversationID)
	} else {
		_, err = a.authorizer.AuthorizeMemberManagement(ctx, actorID, conversationID)
	}
	if err != nil {
		return chat.Member{}, classify(err, reasonAuthorization)
	}
	member, err := a.store.RemoveMember(ctx, conversationID, identityID)
	if err != nil {
		return chat.Member{}, classify(err, reasonPersistFailed)
	}

	conversationKey := rooms.ConversationKey(conversationID)
	removed := a.dispatcher.registry.ConnectionsOf(identityID)
	for _, conn := range removed {
		a.dispatcher.directory.Leave(conn, conversationKey)
	}
	if a.typing != nil {
		if _, err := a.typing.Stop(ctx, identityID, conversationID); err != nil {
			a.logger.Debug("typing not cleared after removal", zap.String(fieldConversationID, conversationID), zap.Error(err))
		}
	}

	change := MembershipChange{Member: member, ActorID: actorID}
	a.publishRoom(ctx, conversationKey, EventMemberRemoved, change)
	if err := a.dispatcher.PublishToIdentity(ctx, identityID, EventMemberRemoved, change); err != nil {
		a.logger.Debug("removal notice not relayed", zap.String(fieldIdentityID, identityID), zap.Error(err))
	}
	return member, nil
}

// ChangeRole updates an identity's conversation role.
func (a *Actions) ChangeRole(ctx context.Context, actorID, conversationID, identityID string, role chat.Role) (chat.Member, error) {
	if _, err := a.authorizer.AuthorizeMemberManagement(ctx, actorID, conversationID); err != nil {
		return chat.Member{}, classify(err, reasonAuthorization)
	}
	member, err := a.store.ChangeRole(ctx, conversationID, identityID, role)
	if err != nil {
		return chat.Member{}, classify(err, reasonPersistFailed)
	}
	a.publishRoom(ctx, rooms.ConversationKey(conversationID), EventMemberRole, MembershipChange{Member: member, ActorID: actorID})
	return member, nil
}

// JoinDocument subscribes the connection to the document room and returns the entries
// after the cursor. Subscription and replay are one step with respect to appends, and
// replayed, when set, is handed the entries before any later update is published, so
// a caller can queue them ahead of live updates.
func (a *Actions) JoinDocument(ctx context.Context, conn *connections.Connection, documentID string, after int64, replayed func([]updatelog.Entry)) ([]updatelog.Entry, error) {
	if _, err := a.authorizer.AuthorizeDocument(ctx, conn.IdentityID(), documentID, false); err != nil {
		return nil, classify(err, reasonAuthorization)
	}
	key := rooms.DocumentKey(documentID)
	return a.updates.SubscribeAndReplay(ctx, documentID, after, func() error {
		_, err := a.dispatcher.directory.Subscribe(conn, key)
		return err
	}, replayed)
}

// SyncDocument replays the entries after the cursor to an already joined connection.
func (a *Actions) SyncDocument(ctx context.Context, conn *connections.Connection, documentID string, after int64) ([]updatelog.Entry, error) {
	if _, err := a.authorizer.AuthorizeDocument(ctx, conn.IdentityID(), documentID, false); err != nil {
		return nil, classify(err, reasonAuthorization)
	}
	return a.updates.ReplaySince(ctx, documentID, after)
}

// LeaveDocument unsubscribes the connection from the document room.
func (a *Actions) LeaveDocument(conn *connections.Connection, documentID string) bool {
	return a.dispatcher.directory.Leave(conn, rooms.DocumentKey(documentID))
}

// AppendDocumentUpdate appends an opaque update and broadcasts it to the document room
// in sequence order. The originating connection learns its sequence from the result.
func (a *Actions) AppendDocumentUpdate(ctx context.Context, conn *connections.Connection, documentID string, payload []byte) (updatelog.Entry, error) {
	if _, err := a.authorizer.AuthorizeDocument(ctx, conn.IdentityID(), documentID, true); err != nil {
		return updatelog.Entry{}, classify(err, reasonAuthorization)
	}
	key := rooms.DocumentKey(documentID)
	return a.updates.Append(ctx, documentID, conn.IdentityID(), payload, func(entry updatelog.Entry) {
		a.publishRoom(ctx, key, EventDocumentUpdate, DocumentUpdate{
			DocumentID:       entry.DocumentID,
			Sequence:         entry.Sequence,
			Payload:          entry.Payload,
			OriginIdentityID: entry.OriginIdentityID,
			AppendedAt:       entry.AppendedAt,
		}, conn.ID())
	})
}

// publishRoom publishes after a successful write. Relay failures are logged and do
// not fail the command.
func (a *Actions) publishRoom(ctx context.Context, key rooms.Key, event string, data interface{}, exclude ...connections.ConnectionID) {
	if err := a.dispatcher.PublishToRoom(ctx, key, event, data, exclude...); err != nil {
		a.logger.Debug("room event not fully published",
			zap.String(fieldRoom, key.String()),
			zap.String(fieldEvent, event),
			zap.Error(err))
	}
}

func classify(err error, reason string) error {
	if fault.Classified(err) {
		return err
	}
	return fault.Transient(opAction, reason, err)
}

func preview(content string) string {
	content = strings.TrimSpace(content)
	if utf8.RuneCountInString(content) <= mentionPreviewLength {
		return content
	}
	runes := []rune(content)
	return string(runes[:mentionPreviewLength]) + "…"
}
