package models

import "time"

// Kind tags of the conversation variant.
const (
	ConversationDirect = "direct"
	ConversationGroup  = "group"
)

const (
	ConversationActive   = "active"
	ConversationArchived = "archived"
)

// Conversation is the shared record of both variants. Direct conversations
// carry PairKey (unique per unordered pair) and no owner; groups carry
// OwnerID and Name. LastSeq is the sequence counter advanced per message.
type Conversation struct {
	ID         string     `gorm:"primaryKey;size:36" json:"id"`
	Kind       string     `gorm:"size:16;not null" json:"kind"`
	Name       string     `gorm:"size:100" json:"name"`
	OwnerID    string     `gorm:"index;size:36" json:"owner_id,omitempty"`
	PairKey    *string    `gorm:"uniqueIndex;size:73" json:"-"`
	State      string     `gorm:"size:16;not null;default:active" json:"state"`
	LastSeq    int64      `gorm:"not null;default:0" json:"last_seq"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	ArchivedAt *time.Time `json:"archived_at,omitempty"`
}

// ConversationMember.ID is auto-incremented so it doubles as join order.
type ConversationMember struct {
	ID             uint      `gorm:"primaryKey;autoIncrement" json:"-"`
	ConversationID string    `gorm:"uniqueIndex:uk_conv_user;size:36;not null" json:"conversation_id"`
	UserID         string    `gorm:"uniqueIndex:uk_conv_user;index;size:36;not null" json:"user_id"`
	JoinedAt       time.Time `json:"joined_at"`
}

type MemberWithUser struct {
	UserID   string       `json:"user_id"`
	Owner    bool         `json:"owner"`
	JoinedAt time.Time    `json:"joined_at"`
	User     UserResponse `json:"user"`
}

type ConversationResponse struct {
	ID        string           `json:"id"`
	Kind      string           `json:"kind"`
	Name      string           `json:"name,omitempty"`
	OwnerID   string           `json:"owner_id,omitempty"`
	State     string           `json:"state"`
	LastSeq   int64            `json:"last_seq"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
	Members   []MemberWithUser `json:"members,omitempty"`
}

func (c *Conversation) IsDirect() bool {
	return c.Kind == ConversationDirect
}

func (c *Conversation) Archived() bool {
	return c.State == ConversationArchived
}

// KeyScope is the Key Manager scope of this conversation's message key.
func (c *Conversation) KeyScope() string {
	return ConversationScope(c.ID)
}

func (c *Conversation) ToResponse() *ConversationResponse {
	return &ConversationResponse{
		ID:        c.ID,
		Kind:      c.Kind,
		Name:      c.Name,
		OwnerID:   c.OwnerID,
		State:     c.State,
		LastSeq:   c.LastSeq,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
}
