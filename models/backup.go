package models

import "time"

// Backup keeps the serialized archive of every export so the owner can
// fetch the latest one later.
type Backup struct {
	ID           string    `gorm:"primaryKey;size:36" json:"id"`
	OwnerID      string    `gorm:"index;size:36;not null" json:"owner_id"`
	Checksum     string    `gorm:"size:64;not null" json:"checksum"`
	MessageCount int       `json:"message_count"`
	Data         []byte    `gorm:"not null" json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}
