// Package chat owns conversations: direct threads between two friends and
// owned groups. It enforces membership, assigns per-conversation sequence
// numbers and keeps message bodies encrypted at rest.
package chat

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"securechat/database"
	"securechat/keys"
	"securechat/models"
	"securechat/utils"
)

const defaultPageSize = 100

// FriendChecker answers whether two users are friends.
type FriendChecker interface {
	AreFriends(ctx context.Context, a, b string) (bool, error)
}

// Notifier is told about every committed message. Delivery is best effort
// and must not block.
type Notifier interface {
	MessagePosted(recipients []string, msg *models.Message)
}

type Engine struct {
	db       *gorm.DB
	keys     *keys.Manager
	friends  FriendChecker
	locks    *database.Locks
	notifier Notifier
	retries  int
	pageSize int
	now      func() time.Time
}

func NewEngine(db *gorm.DB, km *keys.Manager, friends FriendChecker, locks *database.Locks, retries int) *Engine {
	return &Engine{
		db:       db,
		keys:     km,
		friends:  friends,
		locks:    locks,
		retries:  retries,
		pageSize: defaultPageSize,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (e *Engine) SetNotifier(n Notifier) {
	e.notifier = n
}

func conversationLock(id string) string {
	return "conversation:" + id
}

// OpenDirect returns the direct conversation of two friends, creating it on
// first use.
func (e *Engine) OpenDirect(ctx context.Context, a, b string) (*models.Conversation, error) {
	if a == b {
		return nil, models.ErrNotFriends
	}
	ok, err := e.friends.AreFriends(ctx, a, b)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, models.ErrNotFriends
	}

	pair := models.PairKey(a, b)
	if conv, err := e.directByPair(ctx, pair); err == nil {
		return conv, nil
	} else if !errors.Is(err, models.ErrConversationNotFound) {
		return nil, err
	}

	unlock := e.locks.Lock("direct:" + pair)
	defer unlock()

	if conv, err := e.directByPair(ctx, pair); err == nil {
		return conv, nil
	}

	now := e.now()
	conv := &models.Conversation{
		ID:      utils.GenerateUUID(),
		Kind:    models.ConversationDirect,
		PairKey: &pair,
		State:   models.ConversationActive,
	}
	err = database.Transaction(ctx, e.db, e.retries, func(tx *gorm.DB) error {
		if err := tx.Create(conv).Error; err != nil {
			return err
		}
		low, high := models.OrderPair(a, b)
		return tx.Create([]models.ConversationMember{
			{ConversationID: conv.ID, UserID: low, JoinedAt: now},
			{ConversationID: conv.ID, UserID: high, JoinedAt: now},
		}).Error
	})
	if database.IsDuplicate(err) {
		return e.directByPair(ctx, pair)
	}
	if err != nil {
		return nil, err
	}

	log.Info().Str("conversation_id", conv.ID).Msg("direct conversation opened")
	return conv, nil
}

func (e *Engine) directByPair(ctx context.Context, pair string) (*models.Conversation, error) {
	var conv models.Conversation
	err := database.WithRetry(ctx, e.retries, func() error {
		return e.db.WithContext(ctx).Where("pair_key = ?", pair).First(&conv).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.ErrConversationNotFound
	}
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

// CreateGroup creates a group owned by owner. Every initial member must be a
// friend of the owner; the owner joins first.
func (e *Engine) CreateGroup(ctx context.Context, owner, name string, initialMembers []string) (*models.Conversation, error) {
	members := []string{owner}
	seen := map[string]bool{owner: true}
	for _, id := range initialMembers {
		if seen[id] {
			continue
		}
		seen[id] = true
		ok, err := e.friends.AreFriends(ctx, owner, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, models.ErrNotFriends
		}
		members = append(members, id)
	}

	name = strings.TrimSpace(name)
	if name == "" {
		name = "Group"
	}
	now := e.now()
	conv := &models.Conversation{
		ID:      utils.GenerateUUID(),
		Kind:    models.ConversationGroup,
		Name:    name,
		OwnerID: owner,
		State:   models.ConversationActive,
	}
	err := database.Transaction(ctx, e.db, e.retries, func(tx *gorm.DB) error {
		if err := tx.Create(conv).Error; err != nil {
			return err
		}
		rows := make([]models.ConversationMember, 0, len(members))
		for _, id := range members {
			rows = append(rows, models.ConversationMember{ConversationID: conv.ID, UserID: id, JoinedAt: now})
		}
		return tx.Create(&rows).Error
	})
	if err != nil {
		return nil, err
	}

	log.Info().Str("conversation_id", conv.ID).Str("owner", owner).Int("members", len(members)).Msg("group created")
	return conv, nil
}

func (e *Engine) conversation(ctx context.Context, id string) (*models.Conversation, error) {
	var conv *models.Conversation
	err := database.WithRetry(ctx, e.retries, func() error {
		var err error
		conv, err = findConversation(e.db.WithContext(ctx), id)
		return err
	})
	return conv, err
}

func findConversation(db *gorm.DB, id string) (*models.Conversation, error) {
	var conv models.Conversation
	err := db.Where("id = ?", id).First(&conv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.ErrConversationNotFound
	}
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

func isMember(db *gorm.DB, convID, userID string) (bool, error) {
	var n int64
	err := db.Model(&models.ConversationMember{}).
		Where("conversation_id = ? AND user_id = ?", convID, userID).
		Count(&n).Error
	return n > 0, err
}

func (e *Engine) requireMember(ctx context.Context, convID, userID string) (*models.Conversation, error) {
	conv, err := e.conversation(ctx, convID)
	if err != nil {
		return nil, err
	}
	var ok bool
	err = database.WithRetry(ctx, e.retries, func() error {
		var err error
		ok, err = isMember(e.db.WithContext(ctx), convID, userID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, models.ErrNotMember
	}
	return conv, nil
}

// memberIDs lists member ids in join order.
func memberIDs(db *gorm.DB, convID string) ([]string, error) {
	var ids []string
	err := db.Model(&models.ConversationMember{}).
		Where("conversation_id = ?", convID).
		Order("id").
		Pluck("user_id", &ids).Error
	return ids, err
}

// Get returns a conversation with its members, visible to members only.
func (e *Engine) Get(ctx context.Context, convID, requester string) (*models.ConversationResponse, error) {
	conv, err := e.requireMember(ctx, convID, requester)
	if err != nil {
		return nil, err
	}
	members, err := e.members(ctx, conv)
	if err != nil {
		return nil, err
	}
	resp := conv.ToResponse()
	resp.Members = members
	return resp, nil
}

// Members lists the members of a conversation in join order.
func (e *Engine) Members(ctx context.Context, convID, requester string) ([]models.MemberWithUser, error) {
	conv, err := e.requireMember(ctx, convID, requester)
	if err != nil {
		return nil, err
	}
	return e.members(ctx, conv)
}

func (e *Engine) members(ctx context.Context, conv *models.Conversation) ([]models.MemberWithUser, error) {
	var rows []models.ConversationMember
	var users []models.User
	err := database.WithRetry(ctx, e.retries, func() error {
		rows, users = nil, nil
		db := e.db.WithContext(ctx)
		if err := db.Where("conversation_id = ?", conv.ID).Order("id").Find(&rows).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		ids := make([]string, 0, len(rows))
		for _, r := range rows {
			ids = append(ids, r.UserID)
		}
		return db.Where("id IN ?", ids).Find(&users).Error
	})
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*models.User, len(users))
	for i := range users {
		byID[users[i].ID] = &users[i]
	}
	out := make([]models.MemberWithUser, 0, len(rows))
	for _, r := range rows {
		m := models.MemberWithUser{UserID: r.UserID, Owner: r.UserID == conv.OwnerID, JoinedAt: r.JoinedAt}
		if u, ok := byID[r.UserID]; ok {
			m.User = *u.ToResponse()
		}
		out = append(out, m)
	}
	return out, nil
}

// ListConversations returns the conversations user belongs to, most
// recently active first.
func (e *Engine) ListConversations(ctx context.Context, user string) ([]models.Conversation, error) {
	var convs []models.Conversation
	err := database.WithRetry(ctx, e.retries, func() error {
		convs = nil
		return e.db.WithContext(ctx).
			Joins("JOIN conversation_members cm ON cm.conversation_id = conversations.id").
			Where("cm.user_id = ?", user).
			Order("conversations.updated_at DESC").
			Find(&convs).Error
	})
	return convs, err
}
