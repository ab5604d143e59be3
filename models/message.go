package models

import "time"

// Message rows are immutable. Ciphertext is sealed with version KeyVersion
// of the conversation key; Body is only filled on the way out.
type Message struct {
	ID             string    `gorm:"primaryKey;size:36" json:"id"`
	ConversationID string    `gorm:"uniqueIndex:uk_conv_seq;size:36;not null" json:"conversation_id"`
	Seq            int64     `gorm:"uniqueIndex:uk_conv_seq;not null" json:"seq"`
	SenderID       string    `gorm:"index;size:36;not null" json:"sender_id"`
	SenderName     string    `gorm:"size:50;not null" json:"sender_name"`
	Ciphertext     []byte    `gorm:"not null" json:"-"`
	KeyVersion     int       `gorm:"not null" json:"-"`
	CreatedAt      time.Time `json:"created_at"`
	Body           string    `gorm:"-" json:"body"`
}
