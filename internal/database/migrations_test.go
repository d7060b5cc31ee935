package database

import (
	"path/filepath"
	"testing"

	"github.com/Lewis-walter7/comm-sub001/internal/chat"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func openMigrationDatabase(testContext *testing.T) *gorm.DB {
	testContext.Helper()
	databasePath := filepath.Join(testContext.TempDir(), "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql db: %v", err)
	}
	testContext.Cleanup(func() { _ = sqlDB.Close() })

	if err := database.AutoMigrate(append(chat.Models(), &migrationRecord{})...); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}
	return database
}

func mustCreate(testContext *testing.T, database *gorm.DB, values ...interface{}) {
	testContext.Helper()
	for _, value := range values {
		if err := database.Create(value).Error; err != nil {
			testContext.Fatalf("failed to insert %T: %v", value, err)
		}
	}
}

func TestApplyMigrationsPurgesMarksOfDeletedMessages(testContext *testing.T) {
	database := openMigrationDatabase(testContext)

	mustCreate(testContext, database,
		&chat.MessageRecord{MessageID: "live", ConversationID: "conv-1", SenderID: "alice", Content: "hi", CreatedAtMillis: 1},
		&chat.MessageRecord{MessageID: "gone", ConversationID: "conv-1", SenderID: "alice", CreatedAtMillis: 2, DeletedAtMillis: 3},
		&chat.ReactionRecord{MessageID: "live", IdentityID: "bob", Emoji: "+1", CreatedAtMillis: 4},
		&chat.ReactionRecord{MessageID: "gone", IdentityID: "bob", Emoji: "+1", CreatedAtMillis: 4},
		&chat.PinRecord{MessageID: "gone", ConversationID: "conv-1", PinnedBy: "bob", PinnedAtMillis: 5},
	)

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var reactions []chat.ReactionRecord
	if err := database.Find(&reactions).Error; err != nil {
		testContext.Fatalf("failed to reload reactions: %v", err)
	}
	if len(reactions) != 1 || reactions[0].MessageID != "live" {
		testContext.Fatalf("expected only the live reaction to remain, got %+v", reactions)
	}
	var pins int64
	if err := database.Model(&chat.PinRecord{}).Count(&pins).Error; err != nil {
		testContext.Fatalf("failed to count pins: %v", err)
	}
	if pins != 0 {
		testContext.Fatalf("expected pins of deleted messages to be purged, got %d", pins)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationPurgeDeletedMessageMarks).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}
}

func TestApplyMigrationsBackfillsConversationActivity(testContext *testing.T) {
	database := openMigrationDatabase(testContext)

	mustCreate(testContext, database,
		&chat.Conversation{ConversationID: "conv-1", WorkspaceID: "ws-1", CreatedAtMillis: 1},
		&chat.Conversation{ConversationID: "conv-2", WorkspaceID: "ws-1", CreatedAtMillis: 1},
		&chat.MessageRecord{MessageID: "m1", ConversationID: "conv-1", SenderID: "alice", Content: "a", CreatedAtMillis: 10},
		&chat.MessageRecord{MessageID: "m2", ConversationID: "conv-1", SenderID: "alice", Content: "b", CreatedAtMillis: 20},
		&chat.MessageRecord{MessageID: "m3", ConversationID: "conv-1", SenderID: "alice", CreatedAtMillis: 30, DeletedAtMillis: 31},
	)

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var active chat.Conversation
	if err := database.Where("conversation_id = ?", "conv-1").Take(&active).Error; err != nil {
		testContext.Fatalf("failed to reload conversation: %v", err)
	}
	if active.LastMessageID != "m2" || active.LastMessageAtMillis != 20 {
		testContext.Fatalf("expected conv-1 to point at m2, got %+v", active)
	}
	var empty chat.Conversation
	if err := database.Where("conversation_id = ?", "conv-2").Take(&empty).Error; err != nil {
		testContext.Fatalf("failed to reload conversation: %v", err)
	}
	if empty.LastMessageID != "" || empty.LastMessageAtMillis != 0 {
		testContext.Fatalf("expected conv-2 to stay empty, got %+v", empty)
	}
}

func TestApplyMigrationsRunsOnce(testContext *testing.T) {
	database := openMigrationDatabase(testContext)

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}
	mustCreate(testContext, database,
		&chat.MessageRecord{MessageID: "gone", ConversationID: "conv-1", SenderID: "alice", CreatedAtMillis: 2, DeletedAtMillis: 3},
		&chat.ReactionRecord{MessageID: "gone", IdentityID: "bob", Emoji: "+1", CreatedAtMillis: 4},
	)
	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to reapply migrations: %v", err)
	}

	var reactions int64
	if err := database.Model(&chat.ReactionRecord{}).Count(&reactions).Error; err != nil {
		testContext.Fatalf("failed to count reactions: %v", err)
	}
	if reactions != 1 {
		testContext.Fatalf("expected recorded migration to be skipped, got %d reactions", reactions)
	}
	var records int64
	if err := database.Model(&migrationRecord{}).Count(&records).Error; err != nil {
		testContext.Fatalf("failed to count migration records: %v", err)
	}
	if records != 2 {
		testContext.Fatalf("expected two migration records, got %d", records)
	}
}

func TestOpenSQLiteCreatesSchema(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "engine.db")
	database, err := OpenSQLite(databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql db: %v", err)
	}
	defer sqlDB.Close()

	for _, model := range Models() {
		if !database.Migrator().HasTable(model) {
			testContext.Fatalf("expected table for %T", model)
		}
	}
}
