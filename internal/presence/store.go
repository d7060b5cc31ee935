package presence

import (
	"context"
	"errors"

	"github.com/Lewis-walter7/comm-sub001/internal/fault"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opStoreSave            = "presence.store.save"
	opStoreLoad            = "presence.store.load"
	opStoreReset           = "presence.store.reset"
	reasonUpsertFailed     = "upsert_failed"
	reasonQueryFailed      = "query_failed"
	reasonResetFailed      = "reset_failed"
	reasonMissingDatabase  = "missing_database"
	queryIdentityWorkspace = "identity_id = ? AND workspace_id = ?"
	newerVersionGuard      = "presence_records.version <= excluded.version"
)

var errMissingDatabase = errors.New("presence: database handle is required")

// Store persists presence snapshots. Save is called on every transition and must
// ignore a record older than the stored one.
type Store interface {
	Save(ctx context.Context, record Record) error
	Load(ctx context.Context, identityID, workspaceID string) (Record, bool, error)
}

// GormStoreConfig describes the gorm-backed store dependencies.
type GormStoreConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// GormStore keeps presence snapshots in the presence_records table.
type GormStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewGormStore constructs a store over an already migrated database.
func NewGormStore(cfg GormStoreConfig) (*GormStore, error) {
	if cfg.Database == nil {
		return nil, fault.Invalid("presence.store.new", reasonMissingDatabase, errMissingDatabase)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GormStore{db: cfg.Database, logger: logger}, nil
}

// Save upserts the snapshot for (identity, workspace). A record whose version is
// lower than the stored one leaves the row untouched.
func (s *GormStore) Save(ctx context.Context, record Record) error {
	model := record.model()
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "identity_id"}, {Name: "workspace_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "explicit", "last_seen_at_ms", "version"}),
		Where:     clause.Where{Exprs: []clause.Expression{clause.Expr{SQL: newerVersionGuard}}},
	}).Create(&model).Error
	if err != nil {
		s.logError(opStoreSave, reasonUpsertFailed, err,
			zap.String(fieldIdentityID, record.IdentityID),
			zap.String(fieldWorkspaceID, record.WorkspaceID))
		return fault.Transient(opStoreSave, reasonUpsertFailed, err)
	}
	return nil
}

// Load returns the stored snapshot, if any.
func (s *GormStore) Load(ctx context.Context, identityID, workspaceID string) (Record, bool, error) {
	var model PresenceRecord
	err := s.db.WithContext(ctx).Where(queryIdentityWorkspace, identityID, workspaceID).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, false, nil
	}
	if err != nil {
		s.logError(opStoreLoad, reasonQueryFailed, err,
			zap.String(fieldIdentityID, identityID),
			zap.String(fieldWorkspaceID, workspaceID))
		return Record{}, false, fault.Transient(opStoreLoad, reasonQueryFailed, err)
	}
	return model.record(), true, nil
}

// ResetAll marks every stored snapshot offline. A freshly started node holds no
// connections, so snapshots left online by a crash are stale.
func (s *GormStore) ResetAll(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).Model(&PresenceRecord{}).
		Where("status <> ?", string(StatusOffline)).
		Updates(map[string]interface{}{"status": string(StatusOffline), "explicit": false})
	if result.Error != nil {
		s.logError(opStoreReset, reasonResetFailed, result.Error)
		return 0, fault.Transient(opStoreReset, reasonResetFailed, result.Error)
	}
	return result.RowsAffected, nil
}

func (s *GormStore) logError(operation, reason string, err error, fields ...zap.Field) {
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}, fields...)
	s.logger.Error("presence storage failure", allFields...)
}
