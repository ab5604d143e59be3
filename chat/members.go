package chat

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"securechat/database"
	"securechat/models"
)

// mutableGroup loads a conversation that group operations may change.
func mutableGroup(db *gorm.DB, convID string) (*models.Conversation, error) {
	conv, err := findConversation(db, convID)
	if err != nil {
		return nil, err
	}
	if conv.IsDirect() {
		return nil, models.ErrDirectConversation
	}
	if conv.Archived() {
		return nil, models.ErrConversationArchived
	}
	return conv, nil
}

// AddMember adds newMember to a group. Only the owner may add, and only
// their own friends.
func (e *Engine) AddMember(ctx context.Context, convID, actor, newMember string) error {
	var conv *models.Conversation
	err := database.WithRetry(ctx, e.retries, func() error {
		var err error
		conv, err = mutableGroup(e.db.WithContext(ctx), convID)
		return err
	})
	if err != nil {
		return err
	}
	if conv.OwnerID != actor {
		return models.ErrNotOwner
	}
	ok, err := e.friends.AreFriends(ctx, actor, newMember)
	if err != nil {
		return err
	}

	unlock := e.locks.Lock(conversationLock(convID))
	defer unlock()

	err = database.Transaction(ctx, e.db, e.retries, func(tx *gorm.DB) error {
		conv, err := mutableGroup(tx, convID)
		if err != nil {
			return err
		}
		if conv.OwnerID != actor {
			return models.ErrNotOwner
		}
		member, err := isMember(tx, convID, newMember)
		if err != nil {
			return err
		}
		if member {
			return models.ErrAlreadyMember
		}
		if !ok {
			return models.ErrNotFriends
		}
		err = tx.Create(&models.ConversationMember{ConversationID: convID, UserID: newMember, JoinedAt: e.now()}).Error
		if database.IsDuplicate(err) {
			return models.ErrAlreadyMember
		}
		return err
	})
	if err != nil {
		return err
	}
	log.Info().Str("conversation_id", convID).Str("user_id", newMember).Msg("member added")
	return nil
}

// RemoveMember removes member from a group. The owner may remove anyone;
// other members may only remove themselves. When the owner leaves,
// ownership passes to the earliest-joined remaining member, and a group
// left with no members is archived.
func (e *Engine) RemoveMember(ctx context.Context, convID, actor, member string) error {
	unlock := e.locks.Lock(conversationLock(convID))
	defer unlock()

	var archived bool
	var newOwner string
	err := database.Transaction(ctx, e.db, e.retries, func(tx *gorm.DB) error {
		archived, newOwner = false, ""
		conv, err := mutableGroup(tx, convID)
		if err != nil {
			return err
		}
		if actor != member && conv.OwnerID != actor {
			return models.ErrNotOwner
		}

		res := tx.Where("conversation_id = ? AND user_id = ?", convID, member).Delete(&models.ConversationMember{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return models.ErrNotMember
		}
		if member != conv.OwnerID {
			return tx.Model(conv).Update("updated_at", e.now()).Error
		}

		remaining, err := memberIDs(tx, convID)
		if err != nil {
			return err
		}
		updates := map[string]interface{}{"updated_at": e.now()}
		if len(remaining) == 0 {
			archived = true
			updates["state"] = models.ConversationArchived
			updates["archived_at"] = e.now()
			updates["owner_id"] = ""
		} else {
			newOwner = remaining[0]
			updates["owner_id"] = newOwner
		}
		return tx.Model(conv).Updates(updates).Error
	})
	if err != nil {
		return err
	}

	evt := log.Info().Str("conversation_id", convID).Str("user_id", member)
	switch {
	case archived:
		evt.Msg("last member left, group archived")
	case newOwner != "":
		evt.Str("new_owner", newOwner).Msg("owner left, ownership transferred")
	default:
		evt.Msg("member removed")
	}
	return nil
}

func (e *Engine) LeaveGroup(ctx context.Context, convID, user string) error {
	return e.RemoveMember(ctx, convID, user, user)
}

func (e *Engine) RenameGroup(ctx context.Context, convID, actor, name string) (*models.Conversation, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, models.ErrInvalidName
	}

	unlock := e.locks.Lock(conversationLock(convID))
	defer unlock()

	var conv *models.Conversation
	err := database.Transaction(ctx, e.db, e.retries, func(tx *gorm.DB) error {
		var err error
		conv, err = mutableGroup(tx, convID)
		if err != nil {
			return err
		}
		if conv.OwnerID != actor {
			return models.ErrNotOwner
		}
		conv.Name = name
		return tx.Model(conv).Update("name", name).Error
	})
	if err != nil {
		return nil, err
	}
	return conv, nil
}
