// Package social tracks friend requests and the friendships they produce.
package social

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"securechat/database"
	"securechat/models"
	"securechat/utils"
)

type Graph struct {
	db      *gorm.DB
	locks   *database.Locks
	retries int
	now     func() time.Time
}

func NewGraph(db *gorm.DB, locks *database.Locks, retries int) *Graph {
	return &Graph{
		db:      db,
		locks:   locks,
		retries: retries,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func pairLock(a, b string) string {
	return "pair:" + models.PairKey(a, b)
}

// SendRequest opens a pending request from one user to another. At most one
// pending request exists per unordered pair.
func (g *Graph) SendRequest(ctx context.Context, from, to string) (*models.FriendRequest, error) {
	if from == to {
		return nil, models.ErrSelfRequest
	}
	if err := g.requireActiveUser(ctx, to); err != nil {
		return nil, err
	}

	unlock := g.locks.Lock(pairLock(from, to))
	defer unlock()

	friends, err := g.AreFriends(ctx, from, to)
	if err != nil {
		return nil, err
	}
	if friends {
		return nil, models.ErrAlreadyFriends
	}

	pair := models.PairKey(from, to)
	req := &models.FriendRequest{
		ID:          utils.GenerateUUID(),
		SenderID:    from,
		RecipientID: to,
		State:       models.RequestPending,
		OpenPair:    &pair,
		CreatedAt:   g.now(),
	}
	err = database.WithRetry(ctx, g.retries, func() error {
		return g.db.WithContext(ctx).Create(req).Error
	})
	if database.IsDuplicate(err) {
		return nil, models.ErrDuplicatePending
	}
	if err != nil {
		return nil, err
	}

	log.Info().Str("request_id", req.ID).Str("from", from).Str("to", to).Msg("friend request sent")
	return req, nil
}

// Respond resolves a pending request. Only its recipient may respond, and
// accepting records the friendship in the same transaction.
func (g *Graph) Respond(ctx context.Context, requestID, responder string, accept bool) (*models.FriendRequest, error) {
	req, err := g.request(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.RecipientID != responder {
		return nil, models.ErrNotRecipient
	}

	unlock := g.locks.Lock(pairLock(req.SenderID, req.RecipientID))
	defer unlock()

	state := models.RequestRejected
	if accept {
		state = models.RequestAccepted
	}
	now := g.now()

	err = database.Transaction(ctx, g.db, g.retries, func(tx *gorm.DB) error {
		res := tx.Model(&models.FriendRequest{}).
			Where("id = ? AND state = ?", req.ID, models.RequestPending).
			Updates(map[string]interface{}{
				"state":       state,
				"open_pair":   nil,
				"resolved_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return models.ErrAlreadyResolved
		}
		if !accept {
			return nil
		}
		low, high := models.OrderPair(req.SenderID, req.RecipientID)
		err := tx.Create(&models.Friendship{
			ID:        utils.GenerateUUID(),
			UserLow:   low,
			UserHigh:  high,
			RequestID: req.ID,
			CreatedAt: now,
		}).Error
		if database.IsDuplicate(err) {
			return models.ErrAlreadyFriends
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	req.State = state
	req.OpenPair = nil
	req.ResolvedAt = &now
	log.Info().Str("request_id", req.ID).Str("state", state).Msg("friend request resolved")
	return req, nil
}

func (g *Graph) request(ctx context.Context, id string) (*models.FriendRequest, error) {
	var req models.FriendRequest
	err := database.WithRetry(ctx, g.retries, func() error {
		return g.db.WithContext(ctx).Where("id = ?", id).First(&req).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.ErrRequestNotFound
	}
	if err != nil {
		return nil, err
	}
	return &req, nil
}

func (g *Graph) requireActiveUser(ctx context.Context, id string) error {
	var user models.User
	err := database.WithRetry(ctx, g.retries, func() error {
		return g.db.WithContext(ctx).Select("id", "disabled_at").Where("id = ?", id).First(&user).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.ErrUserNotFound
	}
	if err != nil {
		return err
	}
	if user.Disabled() {
		return models.ErrAccountDisabled
	}
	return nil
}

func (g *Graph) AreFriends(ctx context.Context, a, b string) (bool, error) {
	if a == b {
		return false, nil
	}
	low, high := models.OrderPair(a, b)
	var n int64
	err := database.WithRetry(ctx, g.retries, func() error {
		return g.db.WithContext(ctx).Model(&models.Friendship{}).
			Where("user_low = ? AND user_high = ?", low, high).
			Count(&n).Error
	})
	return n > 0, err
}

// ListFriends returns the friends of user ordered by username.
func (g *Graph) ListFriends(ctx context.Context, user string) ([]models.User, error) {
	var friends []models.User
	err := database.WithRetry(ctx, g.retries, func() error {
		friends = nil
		return g.db.WithContext(ctx).
			Joins("JOIN friendships f ON (f.user_low = users.id AND f.user_high = ?) OR (f.user_high = users.id AND f.user_low = ?)", user, user).
			Order("users.username").
			Find(&friends).Error
	})
	return friends, err
}

// ListPending returns the pending requests addressed to user, oldest first.
func (g *Graph) ListPending(ctx context.Context, user string) ([]models.FriendRequestWithUser, error) {
	return g.listPending(ctx, "recipient_id = ?", user, "sender_id")
}

// ListSent returns the pending requests user has sent, oldest first.
func (g *Graph) ListSent(ctx context.Context, user string) ([]models.FriendRequestWithUser, error) {
	return g.listPending(ctx, "sender_id = ?", user, "recipient_id")
}

func (g *Graph) listPending(ctx context.Context, cond, user, peerColumn string) ([]models.FriendRequestWithUser, error) {
	var reqs []models.FriendRequest
	err := database.WithRetry(ctx, g.retries, func() error {
		reqs = nil
		return g.db.WithContext(ctx).
			Where(cond+" AND state = ?", user, models.RequestPending).
			Order("created_at, id").
			Find(&reqs).Error
	})
	if err != nil || len(reqs) == 0 {
		return nil, err
	}

	peerIDs := make([]string, 0, len(reqs))
	for _, r := range reqs {
		if peerColumn == "sender_id" {
			peerIDs = append(peerIDs, r.SenderID)
		} else {
			peerIDs = append(peerIDs, r.RecipientID)
		}
	}
	var users []models.User
	err = database.WithRetry(ctx, g.retries, func() error {
		users = nil
		return g.db.WithContext(ctx).Where("id IN ?", peerIDs).Find(&users).Error
	})
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*models.User, len(users))
	for i := range users {
		byID[users[i].ID] = &users[i]
	}

	out := make([]models.FriendRequestWithUser, 0, len(reqs))
	for i, r := range reqs {
		item := models.FriendRequestWithUser{FriendRequest: r}
		if u, ok := byID[peerIDs[i]]; ok {
			item.Peer = *u.ToResponse()
		}
		out = append(out, item)
	}
	return out, nil
}
