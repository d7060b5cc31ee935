package updatelog

// DocumentUpdate stores one append-only document update payload.
type DocumentUpdate struct {
	UpdateID         int64  `gorm:"column:update_id;primaryKey;autoIncrement"`
	DocumentID       string `gorm:"column:document_id;size:190;not null;uniqueIndex:idx_document_update_sequence,priority:1"`
	Sequence         int64  `gorm:"column:sequence;not null;uniqueIndex:idx_document_update_sequence,priority:2"`
	PayloadB64       string `gorm:"column:payload_b64;type:text;not null"`
	PayloadHash      string `gorm:"column:payload_hash;size:64;not null"`
	AppendedAtMillis int64  `gorm:"column:appended_at_ms;not null"`
	OriginIdentityID string `gorm:"column:origin_identity_id;size:190"`
}

// TableName provides the explicit table binding for GORM.
func (DocumentUpdate) TableName() string {
	return "document_updates"
}
