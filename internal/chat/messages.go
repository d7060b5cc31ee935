package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/Lewis-walter7/comm-sub001/internal/fault"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const maxAttachments = 10

// CreateMessage persists a message sent by an already authorized member and advances
// the conversation's last message. Mentions are narrowed to conversation members other
// than the sender.
func (s *Service) CreateMessage(ctx context.Context, input NewMessage) (Message, error) {
	const operation = "chat.create_message"
	content := strings.TrimSpace(input.Content)
	if content == "" && len(input.Attachments) == 0 {
		return Message{}, fault.Invalid(operation, "empty_message", errEmptyMessage)
	}
	if utf8.RuneCountInString(content) > s.maxContentRunes {
		return Message{}, fault.Invalid(operation, "content_too_long", errMessageTooLong)
	}
	if len(input.Attachments) > maxAttachments {
		return Message{}, fault.Invalid(operation, "too_many_attachments",
			fmt.Errorf("chat: at most %d attachments are allowed", maxAttachments))
	}
	for _, attachment := range input.Attachments {
		if strings.TrimSpace(attachment.URL) == "" {
			return Message{}, fault.Invalid(operation, "invalid_attachment", errors.New("chat: attachment url is required"))
		}
	}

	conversation, err := s.loadConversation(ctx, operation, input.ConversationID)
	if err != nil {
		return Message{}, err
	}
	if replyToID := strings.TrimSpace(input.ReplyToID); replyToID != "" {
		target, err := s.loadMessage(ctx, operation, replyToID)
		if err != nil {
			return Message{}, err
		}
		if target.ConversationID != conversation.ConversationID {
			return Message{}, fault.Invalid(operation, "reply_outside_conversation", errReplyOutsideConvo)
		}
	}
	mentions, err := s.filterMentions(ctx, conversation.ConversationID, input.SenderID, input.Mentions)
	if err != nil {
		return Message{}, err
	}

	messageID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(operation, reasonIDGeneration, err)
		return Message{}, fault.Transient(operation, reasonIDGeneration, err)
	}
	attachmentsJSON, err := encodeJSON(input.Attachments)
	if err != nil {
		return Message{}, fault.Invalid(operation, reasonEncodeFailed, err)
	}
	mentionsJSON, err := encodeJSON(mentions)
	if err != nil {
		return Message{}, fault.Invalid(operation, reasonEncodeFailed, err)
	}

	record := MessageRecord{
		MessageID:       messageID,
		ConversationID:  conversation.ConversationID,
		SenderID:        input.SenderID,
		Content:         content,
		ReplyToID:       strings.TrimSpace(input.ReplyToID),
		AttachmentsJSON: attachmentsJSON,
		MentionsJSON:    mentionsJSON,
		CreatedAtMillis: s.nowMillis(),
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&record).Error; err != nil {
			return err
		}
		return tx.Model(&Conversation{}).
			Where("conversation_id = ?", conversation.ConversationID).
			Updates(map[string]interface{}{
				"last_message_id":    record.MessageID,
				"last_message_at_ms": record.CreatedAtMillis,
			}).Error
	})
	if err != nil {
		s.logError(operation, reasonInsertFailed, err, zap.String(fieldConversationID, conversation.ConversationID))
		return Message{}, fault.Transient(operation, reasonInsertFailed, err)
	}
	return toMessage(record, conversation.WorkspaceID), nil
}

// EditMessage replaces the content of a message.
func (s *Service) EditMessage(ctx context.Context, messageID, content string) (Message, error) {
	const operation = "chat.edit_message"
	content = strings.TrimSpace(content)
	if content == "" {
		return Message{}, fault.Invalid(operation, "empty_message", errEmptyMessage)
	}
	if utf8.RuneCountInString(content) > s.maxContentRunes {
		return Message{}, fault.Invalid(operation, "content_too_long", errMessageTooLong)
	}
	record, err := s.loadMessage(ctx, operation, messageID)
	if err != nil {
		return Message{}, err
	}
	if record.DeletedAtMillis != 0 {
		return Message{}, fault.NotFound(operation, reasonMessageDeleted, errMessageDeleted)
	}
	record.Content = content
	record.EditedAtMillis = s.nowMillis()
	err = s.db.WithContext(ctx).Model(&MessageRecord{}).
		Where("message_id = ?", messageID).
		Updates(map[string]interface{}{"content": record.Content, "edited_at_ms": record.EditedAtMillis}).Error
	if err != nil {
		s.logError(operation, reasonUpdateFailed, err, zap.String(fieldMessageID, messageID))
		return Message{}, fault.Transient(operation, reasonUpdateFailed, err)
	}
	return s.withWorkspace(ctx, operation, record)
}

// DeleteMessage soft-deletes a message; its content and reactions are discarded.
func (s *Service) DeleteMessage(ctx context.Context, messageID string) (Message, error) {
	const operation = "chat.delete_message"
	record, err := s.loadMessage(ctx, operation, messageID)
	if err != nil {
		return Message{}, err
	}
	if record.DeletedAtMillis != 0 {
		return Message{}, fault.NotFound(operation, reasonMessageDeleted, errMessageDeleted)
	}
	record.DeletedAtMillis = s.nowMillis()
	record.Content = ""
	record.AttachmentsJSON = ""
	record.MentionsJSON = ""
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&MessageRecord{}).Where("message_id = ?", messageID).Updates(map[string]interface{}{
			"deleted_at_ms":    record.DeletedAtMillis,
			"content":          "",
			"attachments_json": "",
			"mentions_json":    "",
		}).Error; err != nil {
			return err
		}
		if err := tx.Where("message_id = ?", messageID).Delete(&ReactionRecord{}).Error; err != nil {
			return err
		}
		return tx.Where("message_id = ?", messageID).Delete(&PinRecord{}).Error
	})
	if err != nil {
		s.logError(operation, reasonDeleteFailed, err, zap.String(fieldMessageID, messageID))
		return Message{}, fault.Transient(operation, reasonDeleteFailed, err)
	}
	return s.withWorkspace(ctx, operation, record)
}

// ToggleReaction adds the identity's emoji reaction, or removes it when present.
func (s *Service) ToggleReaction(ctx context.Context, identityID, messageID, emoji string) (ReactionChange, error) {
	const operation = "chat.toggle_reaction"
	emoji = strings.TrimSpace(emoji)
	if emoji == "" || utf8.RuneCountInString(emoji) > 32 {
		return ReactionChange{}, fault.Invalid(operation, "invalid_emoji", errEmptyEmoji)
	}
	record, err := s.loadMessage(ctx, operation, messageID)
	if err != nil {
		return ReactionChange{}, err
	}
	change := ReactionChange{
		MessageID:      messageID,
		ConversationID: record.ConversationID,
		IdentityID:     identityID,
		Emoji:          emoji,
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Where("message_id = ? AND identity_id = ? AND emoji = ?", messageID, identityID, emoji).Delete(&ReactionRecord{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			reaction := ReactionRecord{MessageID: messageID, IdentityID: identityID, Emoji: emoji, CreatedAtMillis: s.nowMillis()}
			if err := tx.Create(&reaction).Error; err != nil {
				return err
			}
			change.Added = true
		}
		return tx.Model(&ReactionRecord{}).Where("message_id = ? AND emoji = ?", messageID, emoji).Count(&change.Count).Error
	})
	if err != nil {
		s.logError(operation, reasonUpdateFailed, err, zap.String(fieldMessageID, messageID))
		return ReactionChange{}, fault.Transient(operation, reasonUpdateFailed, err)
	}
	return change, nil
}

// TogglePin pins the message in its conversation, or unpins it when already pinned.
func (s *Service) TogglePin(ctx context.Context, identityID, messageID string) (PinChange, error) {
	const operation = "chat.toggle_pin"
	record, err := s.loadMessage(ctx, operation, messageID)
	if err != nil {
		return PinChange{}, err
	}
	now := s.clock().UTC()
	change := PinChange{
		MessageID:      messageID,
		ConversationID: record.ConversationID,
		IdentityID:     identityID,
		At:             now,
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Where("message_id = ?", messageID).Delete(&PinRecord{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected > 0 {
			return nil
		}
		change.Pinned = true
		return tx.Create(&PinRecord{
			MessageID:      messageID,
			ConversationID: record.ConversationID,
			PinnedBy:       identityID,
			PinnedAtMillis: now.UnixMilli(),
		}).Error
	})
	if err != nil {
		s.logError(operation, reasonUpdateFailed, err, zap.String(fieldMessageID, messageID))
		return PinChange{}, fault.Transient(operation, reasonUpdateFailed, err)
	}
	return change, nil
}

// MarkRead moves the identity's read cursor. An empty messageID marks the latest
// message of the conversation as read.
func (s *Service) MarkRead(ctx context.Context, identityID, conversationID, messageID string) (ReadCursor, error) {
	const operation = "chat.mark_read"
	conversation, err := s.loadConversation(ctx, operation, conversationID)
	if err != nil {
		return ReadCursor{}, err
	}
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		messageID = conversation.LastMessageID
	} else {
		record, err := s.loadMessage(ctx, operation, messageID)
		if err != nil {
			return ReadCursor{}, err
		}
		if record.ConversationID != conversationID {
			return ReadCursor{}, fault.NotFound(operation, reasonMessageMissing, errMessageNotFound)
		}
	}
	now := s.clock().UTC()
	result := s.db.WithContext(ctx).Model(&ConversationMember{}).
		Where(queryConversationIdentity, conversationID, identityID).
		Updates(map[string]interface{}{"last_read_message_id": messageID, "last_read_at_ms": now.UnixMilli()})
	if result.Error != nil {
		s.logError(operation, reasonUpdateFailed, result.Error, zap.String(fieldConversationID, conversationID))
		return ReadCursor{}, fault.Transient(operation, reasonUpdateFailed, result.Error)
	}
	if result.RowsAffected == 0 {
		return ReadCursor{}, fault.Forbidden(operation, reasonNotConvoMember, errNotConvoMember)
	}
	return ReadCursor{ConversationID: conversationID, IdentityID: identityID, MessageID: messageID, ReadAt: now}, nil
}

// ReadCursorOf returns the identity's read position in the conversation.
func (s *Service) ReadCursorOf(ctx context.Context, identityID, conversationID string) (ReadCursor, error) {
	const operation = "chat.read_cursor"
	member, found, err := s.conversationMember(ctx, operation, conversationID, identityID)
	if err != nil {
		return ReadCursor{}, err
	}
	if !found {
		return ReadCursor{}, fault.NotFound(operation, reasonNotConvoMember, errNotConvoMember)
	}
	cursor := ReadCursor{ConversationID: conversationID, IdentityID: identityID, MessageID: member.LastReadMessageID}
	if member.LastReadAtMillis > 0 {
		cursor.ReadAt = time.UnixMilli(member.LastReadAtMillis).UTC()
	}
	return cursor, nil
}

func (s *Service) filterMentions(ctx context.Context, conversationID, senderID string, mentions []string) ([]string, error) {
	if len(mentions) == 0 {
		return nil, nil
	}
	members, err := s.ConversationMemberIDs(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	allowed := make(map[string]bool, len(members))
	for _, member := range members {
		allowed[member] = true
	}
	seen := make(map[string]bool, len(mentions))
	filtered := make([]string, 0, len(mentions))
	for _, mention := range mentions {
		mention = strings.TrimSpace(mention)
		if mention == "" || mention == senderID || !allowed[mention] || seen[mention] {
			continue
		}
		seen[mention] = true
		filtered = append(filtered, mention)
	}
	return filtered, nil
}

func (s *Service) withWorkspace(ctx context.Context, operation string, record MessageRecord) (Message, error) {
	conversation, err := s.loadConversation(ctx, operation, record.ConversationID)
	if err != nil {
		return Message{}, err
	}
	return toMessage(record, conversation.WorkspaceID), nil
}

func toMessage(record MessageRecord, workspaceID string) Message {
	message := Message{
		ID:             record.MessageID,
		ConversationID: record.ConversationID,
		WorkspaceID:    workspaceID,
		SenderID:       record.SenderID,
		Content:        record.Content,
		ReplyToID:      record.ReplyToID,
		CreatedAt:      time.UnixMilli(record.CreatedAtMillis).UTC(),
		Deleted:        record.DeletedAtMillis != 0,
	}
	if record.EditedAtMillis != 0 {
		editedAt := time.UnixMilli(record.EditedAtMillis).UTC()
		message.EditedAt = &editedAt
	}
	if record.AttachmentsJSON != "" {
		_ = json.Unmarshal([]byte(record.AttachmentsJSON), &message.Attachments)
	}
	if record.MentionsJSON != "" {
		_ = json.Unmarshal([]byte(record.MentionsJSON), &message.Mentions)
	}
	return message
}

func encodeJSON(value interface{}) (string, error) {
	switch typed := value.(type) {
	case []Attachment:
		if len(typed) == 0 {
			return "", nil
		}
	case []string:
		if len(typed) == 0 {
			return "", nil
		}
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}
