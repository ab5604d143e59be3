package models

import "time"

const (
	RequestPending  = "pending"
	RequestAccepted = "accepted"
	RequestRejected = "rejected"
)

// FriendRequest.OpenPair holds the pair key while the request is pending and
// is cleared on resolution, so the unique index admits one open request per pair.
type FriendRequest struct {
	ID          string     `gorm:"primaryKey;size:36" json:"id"`
	SenderID    string     `gorm:"index;size:36;not null" json:"sender_id"`
	RecipientID string     `gorm:"index;size:36;not null" json:"recipient_id"`
	State       string     `gorm:"size:16;not null;default:pending" json:"state"`
	OpenPair    *string    `gorm:"uniqueIndex;size:73" json:"-"`
	CreatedAt   time.Time  `json:"created_at"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
}

// Friendship is stored once per unordered pair, UserLow < UserHigh.
type Friendship struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	UserLow   string    `gorm:"uniqueIndex:uk_friend_pair;size:36;not null" json:"-"`
	UserHigh  string    `gorm:"uniqueIndex:uk_friend_pair;size:36;not null" json:"-"`
	RequestID string    `gorm:"uniqueIndex;size:36;not null" json:"request_id"`
	CreatedAt time.Time `json:"created_at"`
}

type FriendRequestWithUser struct {
	FriendRequest
	Peer UserResponse `json:"peer"`
}

// OrderPair returns a and b sorted, the canonical order of an unordered pair.
func OrderPair(a, b string) (string, string) {
	if a > b {
		return b, a
	}
	return a, b
}

func PairKey(a, b string) string {
	lo, hi := OrderPair(a, b)
	return lo + ":" + hi
}
