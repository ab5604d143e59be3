package models

import (
	"time"

	"gorm.io/datatypes"
)

// User rows are never deleted; DisabledAt marks a soft-disabled account.
type User struct {
	ID           string            `gorm:"primaryKey;size:36" json:"id"`
	Username     string            `gorm:"uniqueIndex;size:50;not null" json:"username"`
	DisplayName  string            `gorm:"size:100" json:"display_name"`
	PasswordHash string            `gorm:"size:255;not null" json:"-"`
	Metadata     datatypes.JSONMap `json:"metadata"`
	LastLoginAt  *time.Time        `json:"last_login_at,omitempty"`
	DisabledAt   *time.Time        `gorm:"index" json:"disabled_at,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

type UserResponse struct {
	ID          string    `json:"id"`
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name"`
	PublicKey   string    `json:"public_key,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

func (u *User) Disabled() bool {
	return u.DisabledAt != nil
}

func (u *User) ToResponse() *UserResponse {
	resp := &UserResponse{
		ID:          u.ID,
		Username:    u.Username,
		DisplayName: u.DisplayName,
		CreatedAt:   u.CreatedAt,
	}
	if pk, ok := u.Metadata["public_key"].(string); ok {
		resp.PublicKey = pk
	}
	return resp
}

// Session is the server side half of a login. The token handed to clients
// is a signed JWT whose ID claim is Session.ID.
type Session struct {
	ID        string `gorm:"primaryKey;size:36"`
	UserID    string `gorm:"index;size:36;not null"`
	CreatedAt time.Time
	ExpiresAt time.Time `gorm:"index;not null"`
}

func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}
