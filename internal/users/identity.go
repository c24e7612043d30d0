package users

import (
	"strings"
	"time"
)

// Identity captures the mapping between a canonical user id and a provider-specific login.
type Identity struct {
	Provider    string    `gorm:"column:provider;primaryKey;size:32;not null"`
	Subject     string    `gorm:"column:subject;primaryKey;size:190;not null"`
	UserID      string    `gorm:"column:user_id;size:190;not null;index"`
	Email       string    `gorm:"column:user_email;size:320"`
	DisplayName string    `gorm:"column:user_display_name;size:320"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at;autoUpdateTime"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing user identities.
func (Identity) TableName() string {
	return "user_identities"
}

// Profile holds the per-user addressing and privilege data. Usernames form the owner
// segment of project addresses and document identifiers.
type Profile struct {
	UserID    string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	Username  string    `gorm:"column:username;size:64;not null;uniqueIndex"`
	IsAdmin   bool      `gorm:"column:is_admin;not null;default:false"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing user profiles.
func (Profile) TableName() string {
	return "user_profiles"
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}

// NormalizeUsername lowercases a username and reports whether it is usable as an address segment.
func NormalizeUsername(value string) (string, bool) {
	username := strings.ToLower(strings.TrimSpace(value))
	if username == "" || len(username) > 64 {
		return "", false
	}
	for _, r := range username {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
		default:
			return "", false
		}
	}
	return username, true
}
