package users

import "strings"

// Profile stores the display attributes last presented for an identity.
type Profile struct {
	IdentityID       string `gorm:"column:identity_id;primaryKey;size:190;not null"`
	Email            string `gorm:"column:email;size:320"`
	DisplayName      string `gorm:"column:display_name;size:320"`
	AvatarURL        string `gorm:"column:avatar_url;size:512"`
	LastSeenAtMillis int64  `gorm:"column:last_seen_at_ms;not null"`
	CreatedAtMillis  int64  `gorm:"column:created_at_ms;not null"`
}

// TableName exposes the table backing identity profiles.
func (Profile) TableName() string {
	return "identity_profiles"
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
