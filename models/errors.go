package models

import "errors"

// Kind groups failures by how a caller must react to them.
type Kind int

const (
	KindInternal Kind = iota
	KindInvalid
	KindNotFound
	// Surfaced to the caller, never retried.
	KindAuthorization
	// Surfaced; the caller re-fetches state before retrying.
	KindConflict
	// Fatal for the operation and logged, never masked as an empty result.
	KindIntegrity
	// Storage stayed unavailable after the retry budget.
	KindUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindInvalid:
		return "invalid"
	case KindNotFound:
		return "not_found"
	case KindAuthorization:
		return "authorization"
	case KindConflict:
		return "conflict"
	case KindIntegrity:
		return "integrity"
	case KindUnavailable:
		return "unavailable"
	default:
		return "internal"
	}
}

type Error struct {
	Kind    Kind
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

func newError(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// CodeOf returns the machine readable code of err, or "internal".
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "internal"
}

// Credential store
var (
	ErrDuplicateUser      = newError(KindConflict, "duplicate_user", "username already exists")
	ErrInvalidCredentials = newError(KindAuthorization, "invalid_credentials", "invalid username or password")
	ErrAccountDisabled    = newError(KindAuthorization, "account_disabled", "account is disabled")
	ErrSessionExpired     = newError(KindAuthorization, "session_expired", "session expired")
	ErrSessionNotFound    = newError(KindAuthorization, "session_not_found", "session not found")
	ErrUserNotFound       = newError(KindNotFound, "user_not_found", "user not found")
	ErrInvalidUsername    = newError(KindInvalid, "invalid_username", "username must be 3-50 characters")
	ErrWeakPassword       = newError(KindInvalid, "weak_password", "password must be 6-72 bytes")
)

// Key manager
var (
	ErrDecryptionFailed = newError(KindIntegrity, "decryption_failed", "decryption failed")
	ErrKeyNotFound      = newError(KindNotFound, "key_not_found", "encryption key not found")
)

// Social graph
var (
	ErrSelfRequest      = newError(KindInvalid, "self_request", "cannot send a friend request to yourself")
	ErrAlreadyFriends   = newError(KindConflict, "already_friends", "already friends")
	ErrDuplicatePending = newError(KindConflict, "duplicate_pending", "a friend request between these users is already pending")
	ErrNotRecipient     = newError(KindAuthorization, "not_recipient", "only the recipient can respond to this request")
	ErrAlreadyResolved  = newError(KindConflict, "already_resolved", "friend request already resolved")
	ErrRequestNotFound  = newError(KindNotFound, "request_not_found", "friend request not found")
)

// Conversation engine
var (
	ErrNotFriends           = newError(KindAuthorization, "not_friends", "users are not friends")
	ErrNotOwner             = newError(KindAuthorization, "not_owner", "only the group owner can do this")
	ErrNotMember            = newError(KindAuthorization, "not_member", "not a member of this conversation")
	ErrAlreadyMember        = newError(KindConflict, "already_member", "user is already a member")
	ErrConversationNotFound = newError(KindNotFound, "conversation_not_found", "conversation not found")
	ErrConversationArchived = newError(KindConflict, "conversation_archived", "conversation is archived")
	ErrDirectConversation   = newError(KindInvalid, "direct_conversation", "operation not allowed on a direct conversation")
	ErrEmptyMessage         = newError(KindInvalid, "empty_message", "message body is empty")
	ErrInvalidName          = newError(KindInvalid, "invalid_name", "group name is empty")
)

// Backup service
var (
	ErrUnauthorized   = newError(KindAuthorization, "unauthorized", "not the owner of this archive")
	ErrArchiveCorrupt = newError(KindIntegrity, "archive_corrupt", "backup archive is corrupt")
	ErrOwnerMismatch  = newError(KindAuthorization, "owner_mismatch", "backup archive belongs to another user")
	ErrNoBackup       = newError(KindNotFound, "no_backup", "no backup found")
)

var ErrUnavailable = newError(KindUnavailable, "unavailable", "storage temporarily unavailable")
