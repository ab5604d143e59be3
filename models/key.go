package models

import "time"

const (
	scopeConversation = "conversation:"
	scopeBackup       = "backup:"
)

// EncryptionKey stores one version of a scope's data key, wrapped with the
// server key-encryption key. The highest version is the current one.
type EncryptionKey struct {
	ID        string `gorm:"primaryKey;size:36"`
	Scope     string `gorm:"uniqueIndex:uk_scope_version;size:80;not null"`
	Version   int    `gorm:"uniqueIndex:uk_scope_version;not null"`
	Wrapped   []byte `gorm:"not null"`
	CreatedAt time.Time
}

func ConversationScope(conversationID string) string {
	return scopeConversation + conversationID
}

func BackupScope(userID string) string {
	return scopeBackup + userID
}
