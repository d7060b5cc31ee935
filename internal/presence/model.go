package presence

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status is an identity's presence within one workspace.
type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusBusy    Status = "busy"
	StatusOffline Status = "offline"
)

// ErrInvalidStatus indicates a status a client may not set.
var ErrInvalidStatus = errors.New("presence: invalid status")

// ParseStatus validates a client-requested status. Offline is derived from the
// connection count and cannot be requested.
func ParseStatus(raw string) (Status, error) {
	switch status := Status(strings.ToLower(strings.TrimSpace(raw))); status {
	case StatusOnline, StatusAway, StatusBusy:
		return status, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
}

// Record is the presence of one identity within one workspace. Explicit is true when
// the status came from a client request rather than from connection accounting.
// Version orders the transitions of one (identity, workspace) pair.
type Record struct {
	IdentityID  string    `json:"identityId"`
	WorkspaceID string    `json:"workspaceId"`
	Status      Status    `json:"status"`
	LastSeenAt  time.Time `json:"lastSeenAt"`
	Explicit    bool      `json:"explicit"`
	Version     int64     `json:"-"`
}

// PresenceRecord is the persisted snapshot of a Record.
type PresenceRecord struct {
	IdentityID       string `gorm:"column:identity_id;primaryKey;size:190;not null"`
	WorkspaceID      string `gorm:"column:workspace_id;primaryKey;size:190;not null;index"`
	Status           string `gorm:"column:status;size:16;not null"`
	Explicit         bool   `gorm:"column:explicit;not null;default:false"`
	LastSeenAtMillis int64  `gorm:"column:last_seen_at_ms;not null"`
	Version          int64  `gorm:"column:version;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (PresenceRecord) TableName() string {
	return "presence_records"
}

func (r Record) model() PresenceRecord {
	return PresenceRecord{
		IdentityID:       r.IdentityID,
		WorkspaceID:      r.WorkspaceID,
		Status:           string(r.Status),
		Explicit:         r.Explicit,
		LastSeenAtMillis: r.LastSeenAt.UTC().UnixMilli(),
		Version:          r.Version,
	}
}

func (m PresenceRecord) record() Record {
	return Record{
		IdentityID:  m.IdentityID,
		WorkspaceID: m.WorkspaceID,
		Status:      Status(m.Status),
		LastSeenAt:  time.UnixMilli(m.LastSeenAtMillis).UTC(),
		Explicit:    m.Explicit,
		Version:     m.Version,
	}
}
