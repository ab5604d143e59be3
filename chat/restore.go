package chat

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"securechat/database"
	"securechat/models"
	"securechat/utils"
)

// RestoredConversation describes a conversation read back from a backup.
// MemberIDs are local user ids in join order.
type RestoredConversation struct {
	ID        string
	Kind      string
	Name      string
	OwnerID   string
	MemberIDs []string
	CreatedAt time.Time
}

type RestoredMessage struct {
	Seq        int64
	SenderID   string
	SenderName string
	Body       []byte
	CreatedAt  time.Time
}

// ErrSkipConversation reports that a restored conversation cannot be
// reconciled with local state and its messages must be left out.
var ErrSkipConversation = errors.New("conversation skipped")

// EnsureRestored makes sure the conversation of a backup exists locally with
// importer as a member, creating it under its original id when absent.
// Existing conversations the importer does not belong to are skipped, and so
// is a direct conversation whose pair already talks under another id.
func (e *Engine) EnsureRestored(ctx context.Context, importer string, rc RestoredConversation) (*models.Conversation, bool, error) {
	unlock := e.locks.Lock(conversationLock(rc.ID))
	defer unlock()

	conv, err := e.conversation(ctx, rc.ID)
	switch {
	case err == nil:
		var ok bool
		err = database.WithRetry(ctx, e.retries, func() error {
			var err error
			ok, err = isMember(e.db.WithContext(ctx), rc.ID, importer)
			return err
		})
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return nil, false, ErrSkipConversation
		}
		return conv, false, nil
	case !errors.Is(err, models.ErrConversationNotFound):
		return nil, false, err
	}

	conv = &models.Conversation{
		ID:        rc.ID,
		Kind:      rc.Kind,
		State:     models.ConversationActive,
		CreatedAt: rc.CreatedAt,
	}
	members := rc.MemberIDs
	switch rc.Kind {
	case models.ConversationDirect:
		if len(members) != 2 {
			return nil, false, ErrSkipConversation
		}
		pair := models.PairKey(members[0], members[1])
		conv.PairKey = &pair
	case models.ConversationGroup:
		conv.Name = rc.Name
		if !slices.Contains(members, importer) {
			members = append(members, importer)
		}
		conv.OwnerID = rc.OwnerID
		if !slices.Contains(members, conv.OwnerID) {
			conv.OwnerID = importer
		}
	default:
		return nil, false, fmt.Errorf("restore %s: unknown kind %q: %w", rc.ID, rc.Kind, ErrSkipConversation)
	}

	now := e.now()
	err = database.Transaction(ctx, e.db, e.retries, func(tx *gorm.DB) error {
		if err := tx.Create(conv).Error; err != nil {
			return err
		}
		rows := make([]models.ConversationMember, 0, len(members))
		for _, id := range members {
			rows = append(rows, models.ConversationMember{ConversationID: conv.ID, UserID: id, JoinedAt: now})
		}
		return tx.Create(&rows).Error
	})
	if database.IsDuplicate(err) {
		// a direct conversation between the pair already exists under another id
		return nil, false, ErrSkipConversation
	}
	if err != nil {
		return nil, false, err
	}
	log.Info().Str("conversation_id", conv.ID).Str("kind", conv.Kind).Msg("conversation restored")
	return conv, true, nil
}

// AppendRestored stores restored messages under their original sequence
// numbers, encrypted with the local conversation key. Messages whose
// sequence is already present are left untouched. It returns how many rows
// were inserted.
func (e *Engine) AppendRestored(ctx context.Context, conv *models.Conversation, msgs []RestoredMessage) (int, error) {
	if len(msgs) == 0 {
		return 0, nil
	}
	key, err := e.keys.GetOrCreate(ctx, conv.KeyScope())
	if err != nil {
		return 0, err
	}
	rows := make([]models.Message, 0, len(msgs))
	var maxSeq int64
	for _, m := range msgs {
		ciphertext, err := e.keys.Encrypt(m.Body, key)
		if err != nil {
			return 0, fmt.Errorf("encrypt restored message: %w", err)
		}
		rows = append(rows, models.Message{
			ID:             utils.GenerateUUID(),
			ConversationID: conv.ID,
			Seq:            m.Seq,
			SenderID:       m.SenderID,
			SenderName:     m.SenderName,
			Ciphertext:     ciphertext,
			KeyVersion:     key.Version,
			CreatedAt:      m.CreatedAt,
		})
		if m.Seq > maxSeq {
			maxSeq = m.Seq
		}
	}

	unlock := e.locks.Lock(conversationLock(conv.ID))
	defer unlock()

	var inserted int
	err = database.Transaction(ctx, e.db, e.retries, func(tx *gorm.DB) error {
		inserted = 0
		for i := range rows {
			res := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "conversation_id"}, {Name: "seq"}},
				DoNothing: true,
			}).Create(&rows[i])
			if res.Error != nil {
				return res.Error
			}
			inserted += int(res.RowsAffected)
		}
		return tx.Model(&models.Conversation{}).
			Where("id = ? AND last_seq < ?", conv.ID, maxSeq).
			Update("last_seq", maxSeq).Error
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}
