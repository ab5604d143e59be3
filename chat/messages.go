package chat

import (
	"context"
	"fmt"
	"iter"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"securechat/database"
	"securechat/metrics"
	"securechat/models"
	"securechat/utils"
)

// PostMessage encrypts body with the conversation key and appends it with
// the next sequence number. Sequence assignment is serialized per
// conversation by the conversation lock and by the conditional increment of
// last_seq in the same transaction as the insert.
func (e *Engine) PostMessage(ctx context.Context, convID, sender, body string) (*models.Message, error) {
	if body == "" {
		return nil, models.ErrEmptyMessage
	}
	conv, err := e.requireMember(ctx, convID, sender)
	if err != nil {
		return nil, err
	}
	if conv.Archived() {
		return nil, models.ErrNotMember
	}

	key, err := e.keys.GetOrCreate(ctx, conv.KeyScope())
	if err != nil {
		return nil, err
	}
	ciphertext, err := e.keys.Encrypt([]byte(body), key)
	if err != nil {
		return nil, fmt.Errorf("encrypt message: %w", err)
	}
	var names []string
	err = database.WithRetry(ctx, e.retries, func() error {
		names = nil
		return e.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", sender).Pluck("username", &names).Error
	})
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, models.ErrUserNotFound
	}

	now := e.now()
	msg := &models.Message{
		ID:             utils.GenerateUUID(),
		ConversationID: convID,
		SenderID:       sender,
		SenderName:     names[0],
		Ciphertext:     ciphertext,
		KeyVersion:     key.Version,
		CreatedAt:      now,
	}

	unlock := e.locks.Lock(conversationLock(convID))
	err = database.Transaction(ctx, e.db, e.retries, func(tx *gorm.DB) error {
		member, err := isMember(tx, convID, sender)
		if err != nil {
			return err
		}
		if !member {
			return models.ErrNotMember
		}
		res := tx.Model(&models.Conversation{}).
			Where("id = ? AND state = ?", convID, models.ConversationActive).
			Updates(map[string]interface{}{
				"last_seq":   gorm.Expr("last_seq + 1"),
				"updated_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return models.ErrNotMember
		}
		var seqs []int64
		if err := tx.Model(&models.Conversation{}).Where("id = ?", convID).Pluck("last_seq", &seqs).Error; err != nil {
			return err
		}
		if len(seqs) != 1 {
			return models.ErrConversationNotFound
		}
		msg.Seq = seqs[0]
		return tx.Create(msg).Error
	})
	unlock()
	if err != nil {
		return nil, err
	}

	msg.Body = body
	metrics.MessagesPosted.Inc()
	log.Debug().Str("conversation_id", convID).Int64("seq", msg.Seq).Msg("message stored")
	e.notify(ctx, msg)
	return msg, nil
}

func (e *Engine) notify(ctx context.Context, msg *models.Message) {
	if e.notifier == nil {
		return
	}
	recipients, err := memberIDs(e.db.WithContext(ctx), msg.ConversationID)
	if err != nil {
		log.Warn().Err(err).Str("conversation_id", msg.ConversationID).Msg("push skipped")
		return
	}
	e.notifier.MessagePosted(recipients, msg)
}

// FetchHistory returns the messages after sinceSeq in increasing sequence
// order. Membership is checked up front; the sequence then pages from
// storage and decrypts each message as it is yielded. It ends at the last
// message stored when FetchHistory was called, and may be ranged over again.
func (e *Engine) FetchHistory(ctx context.Context, convID, requester string, sinceSeq int64) (iter.Seq2[*models.Message, error], error) {
	conv, err := e.requireMember(ctx, convID, requester)
	if err != nil {
		return nil, err
	}
	if sinceSeq < 0 {
		sinceSeq = 0
	}
	upTo := conv.LastSeq

	return func(yield func(*models.Message, error) bool) {
		cursor := sinceSeq
		for cursor < upTo {
			var page []models.Message
			err := database.WithRetry(ctx, e.retries, func() error {
				page = nil
				return e.db.WithContext(ctx).
					Where("conversation_id = ? AND seq > ? AND seq <= ?", convID, cursor, upTo).
					Order("seq").
					Limit(e.pageSize).
					Find(&page).Error
			})
			if err != nil {
				yield(nil, err)
				return
			}
			if len(page) == 0 {
				return
			}
			for i := range page {
				msg := &page[i]
				if err := e.open(ctx, conv, msg); err != nil {
					yield(nil, err)
					return
				}
				if !yield(msg, nil) {
					return
				}
				cursor = msg.Seq
			}
		}
	}, nil
}

func (e *Engine) open(ctx context.Context, conv *models.Conversation, msg *models.Message) error {
	key, err := e.keys.Version(ctx, conv.KeyScope(), msg.KeyVersion)
	if err != nil {
		return fmt.Errorf("message %d key: %w", msg.Seq, err)
	}
	plaintext, err := e.keys.Decrypt(msg.Ciphertext, key)
	if err != nil {
		log.Error().Str("conversation_id", conv.ID).Int64("seq", msg.Seq).Msg("message failed to decrypt")
		return fmt.Errorf("message %d: %w", msg.Seq, err)
	}
	msg.Body = string(plaintext)
	return nil
}
