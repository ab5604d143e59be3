// Package backup exports a user's message history to a portable encrypted
// archive and restores such archives additively.
package backup

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"securechat/chat"
	"securechat/database"
	"securechat/keys"
	"securechat/metrics"
	"securechat/models"
	"securechat/utils"
)

type Service struct {
	db      *gorm.DB
	keys    *keys.Manager
	engine  *chat.Engine
	retries int
	now     func() time.Time
}

func NewService(db *gorm.DB, km *keys.Manager, engine *chat.Engine, retries int) *Service {
	return &Service{
		db:      db,
		keys:    km,
		engine:  engine,
		retries: retries,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

type ImportResult struct {
	ConversationsCreated int `json:"conversations_created"`
	ConversationsMerged  int `json:"conversations_merged"`
	ConversationsSkipped int `json:"conversations_skipped"`
	MessagesImported     int `json:"messages_imported"`
	MessagesSkipped      int `json:"messages_skipped"`
}

func (s *Service) user(ctx context.Context, query, arg string) (*models.User, error) {
	var u models.User
	err := database.WithRetry(ctx, s.retries, func() error {
		return s.db.WithContext(ctx).Where(query, arg).First(&u).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// Export builds an archive of every conversation ownerID belongs to, stores
// it as the owner's latest snapshot and returns it. Only the owner may
// export their history.
func (s *Service) Export(ctx context.Context, actor, ownerID string) (*models.Backup, error) {
	backup, err := s.export(ctx, actor, ownerID)
	result := "ok"
	if err != nil {
		result = models.CodeOf(err)
	}
	metrics.BackupsTotal.WithLabelValues("export", result).Inc()
	return backup, err
}

func (s *Service) export(ctx context.Context, actor, ownerID string) (*models.Backup, error) {
	if actor != ownerID {
		return nil, models.ErrUnauthorized
	}
	owner, err := s.user(ctx, "id = ?", ownerID)
	if err != nil {
		return nil, err
	}

	scope := models.BackupScope(owner.ID)
	backupKey, err := s.keys.GetOrCreate(ctx, scope)
	if err != nil {
		return nil, err
	}
	wrapped, err := s.keys.WrapForTransport(backupKey, owner.Username)
	if err != nil {
		return nil, fmt.Errorf("wrap backup key: %w", err)
	}

	convs, err := s.engine.ListConversations(ctx, owner.ID)
	if err != nil {
		return nil, err
	}
	sort.Slice(convs, func(i, j int) bool {
		if !convs[i].CreatedAt.Equal(convs[j].CreatedAt) {
			return convs[i].CreatedAt.Before(convs[j].CreatedAt)
		}
		return convs[i].ID < convs[j].ID
	})

	archive := &Archive{
		Owner:      Owner{ID: owner.ID, Username: owner.Username},
		ExportedAt: s.now(),
		KeyScope:   scope,
		WrappedKey: wrapped,
	}
	for _, conv := range convs {
		members, err := s.engine.Members(ctx, conv.ID, owner.ID)
		if err != nil {
			return nil, err
		}
		ac := Conversation{ID: conv.ID, Kind: conv.Kind, Name: conv.Name, CreatedAt: conv.CreatedAt}
		for _, m := range members {
			ac.Participants = append(ac.Participants, m.User.Username)
			ac.ParticipantIDs = append(ac.ParticipantIDs, m.UserID)
			if m.Owner {
				ac.Owner = m.User.Username
			}
		}
		archive.Conversations = append(archive.Conversations, ac)

		history, err := s.engine.FetchHistory(ctx, conv.ID, owner.ID, 0)
		if err != nil {
			return nil, err
		}
		for msg, err := range history {
			if err != nil {
				return nil, fmt.Errorf("export %s: %w", conv.ID, err)
			}
			ciphertext, err := s.keys.Encrypt([]byte(msg.Body), backupKey)
			if err != nil {
				return nil, fmt.Errorf("seal record: %w", err)
			}
			archive.Records = append(archive.Records, Record{
				ConversationID: conv.ID,
				Seq:            msg.Seq,
				SenderID:       msg.SenderID,
				Sender:         msg.SenderName,
				Timestamp:      msg.CreatedAt,
				Ciphertext:     ciphertext,
			})
		}
	}

	data, checksum, err := Encode(archive)
	if err != nil {
		return nil, err
	}
	backup := &models.Backup{
		ID:           utils.GenerateUUID(),
		OwnerID:      owner.ID,
		Checksum:     checksum,
		MessageCount: len(archive.Records),
		Data:         data,
		CreatedAt:    archive.ExportedAt,
	}
	err = database.WithRetry(ctx, s.retries, func() error {
		return s.db.WithContext(ctx).Create(backup).Error
	})
	if err != nil {
		return nil, err
	}

	log.Info().Str("user_id", owner.ID).Int("conversations", len(archive.Conversations)).
		Int("messages", backup.MessageCount).Msg("backup exported")
	return backup, nil
}

// Latest returns the most recent stored snapshot of ownerID.
func (s *Service) Latest(ctx context.Context, actor, ownerID string) (*models.Backup, error) {
	if actor != ownerID {
		return nil, models.ErrUnauthorized
	}
	var backup models.Backup
	err := database.WithRetry(ctx, s.retries, func() error {
		return s.db.WithContext(ctx).Where("owner_id = ?", ownerID).
			Order("created_at DESC").First(&backup).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.ErrNoBackup
	}
	if err != nil {
		return nil, err
	}
	return &backup, nil
}

// Import restores an archive into userID's account. The whole archive is
// verified and decrypted before anything is written; restoration is
// additive and skips messages whose conversation and sequence already exist.
func (s *Service) Import(ctx context.Context, userID string, data []byte) (*ImportResult, error) {
	res, err := s.importArchive(ctx, userID, data)
	result := "ok"
	if err != nil {
		result = models.CodeOf(err)
		if models.KindOf(err) == models.KindIntegrity {
			metrics.IntegrityFailures.WithLabelValues(models.CodeOf(err)).Inc()
			log.Error().Err(err).Str("user_id", userID).Msg("backup import rejected")
		}
	}
	metrics.BackupsTotal.WithLabelValues("import", result).Inc()
	return res, err
}

func (s *Service) importArchive(ctx context.Context, userID string, data []byte) (*ImportResult, error) {
	archive, err := Decode(data)
	if err != nil {
		return nil, err
	}
	importer, err := s.user(ctx, "id = ?", userID)
	if err != nil {
		return nil, err
	}
	if archive.Owner.Username != importer.Username {
		return nil, models.ErrOwnerMismatch
	}

	key, err := s.keys.UnwrapTransport(archive.WrappedKey, archive.KeyScope, archive.Owner.Username)
	if err != nil {
		return nil, fmt.Errorf("%w: backup key does not unwrap", models.ErrArchiveCorrupt)
	}
	bodies := make([][]byte, len(archive.Records))
	for i, r := range archive.Records {
		body, err := s.keys.Decrypt(r.Ciphertext, key)
		if err != nil {
			return nil, fmt.Errorf("%w: record %s/%d", models.ErrArchiveCorrupt, r.ConversationID, r.Seq)
		}
		bodies[i] = body
	}

	localIDs, err := s.resolveUsernames(ctx, archive)
	if err != nil {
		return nil, err
	}
	placeholders, err := s.placeholderIDs(ctx, archive, localIDs)
	if err != nil {
		return nil, err
	}

	byConv := make(map[string][]chat.RestoredMessage)
	for i, r := range archive.Records {
		senderID := r.SenderID
		if id, ok := localIDs[r.Sender]; ok {
			senderID = id
		} else if id, ok := placeholders[r.SenderID]; ok {
			senderID = id
		}
		byConv[r.ConversationID] = append(byConv[r.ConversationID], chat.RestoredMessage{
			Seq:        r.Seq,
			SenderID:   senderID,
			SenderName: r.Sender,
			Body:       bodies[i],
			CreatedAt:  r.Timestamp,
		})
	}

	result := &ImportResult{}
	for _, ac := range archive.Conversations {
		rc := chat.RestoredConversation{
			ID:        ac.ID,
			Kind:      ac.Kind,
			Name:      ac.Name,
			OwnerID:   localIDs[ac.Owner],
			CreatedAt: ac.CreatedAt,
		}
		for i, name := range ac.Participants {
			if id, ok := localIDs[name]; ok {
				rc.MemberIDs = append(rc.MemberIDs, id)
				continue
			}
			// A direct thread keeps a peer with no local account under a
			// placeholder id so the pair and its history survive.
			if ac.Kind == models.ConversationDirect && i < len(ac.ParticipantIDs) {
				if id, ok := placeholders[ac.ParticipantIDs[i]]; ok {
					rc.MemberIDs = append(rc.MemberIDs, id)
				}
			}
		}

		msgs := byConv[ac.ID]
		conv, created, err := s.engine.EnsureRestored(ctx, importer.ID, rc)
		if errors.Is(err, chat.ErrSkipConversation) {
			log.Warn().Str("conversation_id", ac.ID).Str("kind", ac.Kind).Msg("restore skipped conversation")
			result.ConversationsSkipped++
			result.MessagesSkipped += len(msgs)
			continue
		}
		if err != nil {
			return result, err
		}
		if created {
			result.ConversationsCreated++
		} else {
			result.ConversationsMerged++
		}

		inserted, err := s.engine.AppendRestored(ctx, conv, msgs)
		if err != nil {
			return result, err
		}
		result.MessagesImported += inserted
		result.MessagesSkipped += len(msgs) - inserted
	}

	log.Info().Str("user_id", importer.ID).Int("imported", result.MessagesImported).
		Int("skipped", result.MessagesSkipped).Msg("backup imported")
	return result, nil
}

// placeholderIDs maps the archived id of every direct-conversation peer
// without a local account to the id its membership is restored under. The
// archived id is reused unless a different local user already holds it.
func (s *Service) placeholderIDs(ctx context.Context, a *Archive, localIDs map[string]string) (map[string]string, error) {
	out := make(map[string]string)
	var archived []string
	for _, c := range a.Conversations {
		if c.Kind != models.ConversationDirect {
			continue
		}
		for i, name := range c.Participants {
			if _, ok := localIDs[name]; ok || i >= len(c.ParticipantIDs) || c.ParticipantIDs[i] == "" {
				continue
			}
			if _, ok := out[c.ParticipantIDs[i]]; !ok {
				out[c.ParticipantIDs[i]] = c.ParticipantIDs[i]
				archived = append(archived, c.ParticipantIDs[i])
			}
		}
	}
	if len(archived) == 0 {
		return out, nil
	}

	var taken []string
	err := database.WithRetry(ctx, s.retries, func() error {
		taken = nil
		return s.db.WithContext(ctx).Model(&models.User{}).Where("id IN ?", archived).Pluck("id", &taken).Error
	})
	if err != nil {
		return nil, err
	}
	for _, id := range taken {
		out[id] = utils.GenerateUUID()
	}
	return out, nil
}

func (s *Service) resolveUsernames(ctx context.Context, a *Archive) (map[string]string, error) {
	seen := make(map[string]bool)
	var names []string
	add := func(n string) {
		if n != "" && !seen[n] {
			seen[n] = true
			names = append(names, n)
		}
	}
	for _, c := range a.Conversations {
		add(c.Owner)
		for _, p := range c.Participants {
			add(p)
		}
	}
	for _, r := range a.Records {
		add(r.Sender)
	}
	if len(names) == 0 {
		return map[string]string{}, nil
	}

	var users []models.User
	err := database.WithRetry(ctx, s.retries, func() error {
		users = nil
		return s.db.WithContext(ctx).Select("id", "username").Where("username IN ?", names).Find(&users).Error
	})
	if err != nil {
		return nil, err
	}
	ids := make(map[string]string, len(users))
	for _, u := range users {
		ids[u.Username] = u.ID
	}
	return ids, nil
}
