package updatelog

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/Lewis-walter7/comm-sub001/internal/fault"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opStoreAppend            = "updatelog.store.append"
	opStoreLoad              = "updatelog.store.load"
	opStoreNew               = "updatelog.store.new"
	columnSequence           = "sequence"
	orderSequenceAsc         = columnSequence + " ASC"
	queryDocument            = "document_id = ?"
	reasonInsertFailed       = "insert_failed"
	reasonQueryFailed        = "query_failed"
	reasonPayloadCorrupt     = "payload_corrupt"
	reasonSequenceOutOfOrder = "sequence_out_of_order"
	reasonMissingDatabase    = "missing_database"
)

var (
	errMissingDatabase = errors.New("updatelog: database handle is required")
	errHashMismatch    = errors.New("updatelog: payload hash mismatch")
)

// Store persists update log entries. Appends for one document arrive in sequence
// order from a single writer.
type Store interface {
	Append(ctx context.Context, entry Entry) error
	Load(ctx context.Context, documentID string) ([]Entry, error)
}

// GormStoreConfig describes the gorm-backed store dependencies.
type GormStoreConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// GormStore keeps entries in the document_updates table.
type GormStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewGormStore constructs a store over an already migrated database.
func NewGormStore(cfg GormStoreConfig) (*GormStore, error) {
	if cfg.Database == nil {
		return nil, fault.Invalid(opStoreNew, reasonMissingDatabase, errMissingDatabase)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GormStore{db: cfg.Database, logger: logger}, nil
}

// Append inserts the entry. A second entry with the same (document, sequence) is
// rejected by the unique index.
func (s *GormStore) Append(ctx context.Context, entry Entry) error {
	model := DocumentUpdate{
		DocumentID:       entry.DocumentID,
		Sequence:         entry.Sequence,
		PayloadB64:       base64.StdEncoding.EncodeToString(entry.Payload),
		PayloadHash:      hashPayload(entry.Payload),
		AppendedAtMillis: entry.AppendedAt.UTC().UnixMilli(),
		OriginIdentityID: entry.OriginIdentityID,
	}
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		s.logError(opStoreAppend, reasonInsertFailed, err,
			zap.String(fieldDocumentID, entry.DocumentID),
			zap.Int64(fieldSequence, entry.Sequence))
		return fault.Transient(opStoreAppend, reasonInsertFailed, err)
	}
	return nil
}

// Load returns every stored entry of the document in sequence order.
func (s *GormStore) Load(ctx context.Context, documentID string) ([]Entry, error) {
	var rows []DocumentUpdate
	if err := s.db.WithContext(ctx).
		Where(queryDocument, documentID).
		Order(orderSequenceAsc).
		Find(&rows).Error; err != nil {
		s.logError(opStoreLoad, reasonQueryFailed, err, zap.String(fieldDocumentID, documentID))
		return nil, fault.Transient(opStoreLoad, reasonQueryFailed, err)
	}

	entries := make([]Entry, 0, len(rows))
	var previous int64
	for _, row := range rows {
		if row.Sequence <= previous {
			err := fmt.Errorf("updatelog: sequence %d follows %d", row.Sequence, previous)
			s.logError(opStoreLoad, reasonSequenceOutOfOrder, err, zap.String(fieldDocumentID, documentID))
			return nil, fault.Transient(opStoreLoad, reasonSequenceOutOfOrder, err)
		}
		payload, err := base64.StdEncoding.DecodeString(row.PayloadB64)
		if err == nil && hashPayload(payload) != row.PayloadHash {
			err = errHashMismatch
		}
		if err != nil {
			s.logError(opStoreLoad, reasonPayloadCorrupt, err,
				zap.String(fieldDocumentID, documentID),
				zap.Int64(fieldSequence, row.Sequence))
			return nil, fault.Transient(opStoreLoad, reasonPayloadCorrupt, err)
		}
		entries = append(entries, Entry{
			DocumentID:       row.DocumentID,
			Sequence:         row.Sequence,
			Payload:          payload,
			AppendedAt:       time.UnixMilli(row.AppendedAtMillis).UTC(),
			OriginIdentityID: row.OriginIdentityID,
		})
		previous = row.Sequence
	}
	return entries, nil
}

func (s *GormStore) logError(operation, reason string, err error, fields ...zap.Field) {
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}, fields...)
	s.logger.Error("update log storage failure", allFields...)
}

func hashPayload(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
