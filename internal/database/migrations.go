package database

import (
	"errors"
	"time"

	"github.com/Lewis-walter7/comm-sub001/internal/chat"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationPurgeDeletedMessageMarks     = "2026-09-14_purge_deleted_message_marks"
	migrationBackfillConversationActivity = "2026-09-28_backfill_conversation_activity"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationPurgeDeletedMessageMarks, apply: purgeDeletedMessageMarks},
		{name: migrationBackfillConversationActivity, apply: backfillConversationActivity},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// purgeDeletedMessageMarks drops reactions and pins left behind on soft-deleted
// messages.
func purgeDeletedMessageMarks(db *gorm.DB) error {
	return db.Transaction(func(tx *gorm.DB) error {
		deleted := tx.Model(&chat.MessageRecord{}).Select("message_id").Where("deleted_at_ms <> 0")
		if err := tx.Where("message_id IN (?)", deleted).Delete(&chat.ReactionRecord{}).Error; err != nil {
			return err
		}
		return tx.Where("message_id IN (?)", deleted).Delete(&chat.PinRecord{}).Error
	})
}

// backfillConversationActivity points conversations without a last message at their
// newest live message.
func backfillConversationActivity(db *gorm.DB) error {
	return db.Exec(`UPDATE conversations SET
		last_message_id = (SELECT m.message_id FROM messages m
			WHERE m.conversation_id = conversations.conversation_id AND m.deleted_at_ms = 0
			ORDER BY m.created_at_ms DESC, m.message_id DESC LIMIT 1),
		last_message_at_ms = (SELECT m.created_at_ms FROM messages m
			WHERE m.conversation_id = conversations.conversation_id AND m.deleted_at_ms = 0
			ORDER BY m.created_at_ms DESC, m.message_id DESC LIMIT 1)
		WHERE (last_message_id IS NULL OR last_message_id = '')
		AND EXISTS (SELECT 1 FROM messages m
			WHERE m.conversation_id = conversations.conversation_id AND m.deleted_at_ms = 0)`).Error
}
